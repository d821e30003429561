package media

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HeaderSize is the size of the IPC frame header in bytes
// Format(1) + FrameSize(1) + PTS(8) + Length(4) = 14
const HeaderSize = 14

// controlMessage marks a header written back to the producer carrying a
// sensor directive instead of a frame.
const controlMessage byte = 0x80

// Control identifiers sent back to the producer
const (
	ControlFrameSize byte = iota + 1
	ControlQuality
	ControlContrast
	ControlBrightness
	ControlSaturation
	ControlAELevel
	ControlGainCeiling
)

// maxFrameBytes bounds a single IPC payload.
const maxFrameBytes = 10 * 1024 * 1024

// IPCSource receives frames from an external capture process over a Unix
// socket and hands them out from a fixed pool. When every buffer is busy
// the oldest unclaimed frame is overwritten; when all buffers are checked
// out incoming frames are dropped.
type IPCSource struct {
	socketPath string
	cfg        DeviceConfig
	log        zerolog.Logger

	listener net.Listener
	conn     net.Conn

	free  chan *FrameBuffer
	ready chan *FrameBuffer

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wmu      sync.Mutex
}

// NewIPCSource creates a source with cfg.FrameBuffers buffers.
func NewIPCSource(socketPath string, cfg DeviceConfig, log zerolog.Logger) *IPCSource {
	count := cfg.FrameBuffers
	if count < 1 {
		count = 1
	}
	s := &IPCSource{
		socketPath: socketPath,
		cfg:        cfg,
		log:        log.With().Str("component", "ipc_source").Str("socket", socketPath).Logger(),
		free:       make(chan *FrameBuffer, count),
		ready:      make(chan *FrameBuffer, count),
		stopChan:   make(chan struct{}),
	}
	for i := 0; i < count; i++ {
		s.free <- &FrameBuffer{slot: uint32(i)}
	}
	return s
}

// Start begins listening for the producer connection
func (s *IPCSource) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("already running")
	}
	s.running = true
	s.mu.Unlock()

	// Remove a stale socket file left by a previous run
	os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Info().Msg("IPC listening")

	go s.acceptLoop(listener)

	return nil
}

func (s *IPCSource) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
				s.log.Error().Err(err).Msg("IPC accept error")
				continue
			}
		}

		s.log.Info().Msg("IPC producer connected")

		s.mu.Lock()
		// Only one producer at a time
		if s.conn != nil {
			s.conn.Close()
		}
		s.conn = conn
		s.mu.Unlock()

		s.handleConnection(conn)
	}
}

func (s *IPCSource) handleConnection(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		s.log.Info().Msg("IPC producer disconnected")
	}()

	header := make([]byte, HeaderSize)
	frameCount := 0
	dropCount := 0

	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Error().Err(err).Msg("IPC header read error")
			}
			return
		}

		format := PixelFormat(header[0])
		size := FrameSize(header[1])
		pts := int64(binary.LittleEndian.Uint64(header[2:10]))
		length := binary.LittleEndian.Uint32(header[10:14])

		if length > maxFrameBytes {
			s.log.Error().Uint32("length", length).Msg("IPC frame too large")
			return
		}

		fb := s.claim()
		if fb == nil {
			// Every buffer is checked out; consume and discard
			if _, err := io.CopyN(io.Discard, conn, int64(length)); err != nil {
				s.log.Error().Err(err).Msg("IPC payload read error")
				return
			}
			dropCount++
			continue
		}

		if cap(fb.Data) < int(length) {
			fb.Data = make([]byte, length)
		}
		fb.Data = fb.Data[:length]
		if _, err := io.ReadFull(conn, fb.Data); err != nil {
			s.free <- fb
			s.log.Error().Err(err).Msg("IPC payload read error")
			return
		}
		fb.Format = format
		fb.Width, fb.Height = size.Dimensions()
		fb.Timestamp = time.UnixMicro(pts)

		s.ready <- fb
		frameCount++
		if frameCount%300 == 0 {
			s.log.Debug().Int("frames", frameCount).Int("dropped", dropCount).
				Str("format", format.String()).Uint32("bytes", length).Msg("IPC frames received")
		}
	}
}

// claim returns a buffer to fill: a free one, else the oldest unclaimed
// ready frame, else nil.
func (s *IPCSource) claim() *FrameBuffer {
	select {
	case fb := <-s.free:
		return fb
	default:
	}
	select {
	case fb := <-s.ready:
		return fb
	default:
		return nil
	}
}

// Acquire returns the oldest received frame not yet handed out.
func (s *IPCSource) Acquire(ctx context.Context) (*FrameBuffer, error) {
	if s.stopped() {
		return nil, fmt.Errorf("%w: %w", ErrAcquire, ErrSourceClosed)
	}
	timer := time.NewTimer(s.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case fb := <-s.ready:
		if s.stopped() {
			s.Release(fb)
			return nil, fmt.Errorf("%w: %w", ErrAcquire, ErrSourceClosed)
		}
		return fb, nil
	case <-s.stopChan:
		return nil, fmt.Errorf("%w: %w", ErrAcquire, ErrSourceClosed)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrAcquire, ctx.Err())
	case <-timer.C:
		return nil, fmt.Errorf("%w: no frame from producer after %s", ErrAcquire, s.cfg.AcquireTimeout)
	}
}

func (s *IPCSource) stopped() bool {
	select {
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

// Release returns fb to the pool.
func (s *IPCSource) Release(fb *FrameBuffer) {
	if fb == nil {
		return
	}
	select {
	case s.free <- fb:
	default:
		s.log.Warn().Uint32("slot", fb.slot).Msg("frame buffer released twice")
	}
}

// sendControl forwards a directive to the connected producer.
func (s *IPCSource) sendControl(id byte, value int) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("no IPC producer connected")
	}

	msg := make([]byte, HeaderSize)
	msg[0] = controlMessage
	msg[1] = id
	binary.LittleEndian.PutUint64(msg[2:10], uint64(int64(value)))

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("failed to send control %d: %w", id, err)
	}
	return nil
}

func (s *IPCSource) SetFrameSize(size FrameSize) error {
	if !size.Valid() {
		return fmt.Errorf("invalid frame size %d", size)
	}
	return s.sendControl(ControlFrameSize, int(size))
}

func (s *IPCSource) SetQuality(quality int) error {
	return s.sendControl(ControlQuality, quality)
}

func (s *IPCSource) SetContrast(level int) error {
	return s.sendControl(ControlContrast, level)
}

func (s *IPCSource) SetBrightness(level int) error {
	return s.sendControl(ControlBrightness, level)
}

func (s *IPCSource) SetSaturation(level int) error {
	return s.sendControl(ControlSaturation, level)
}

func (s *IPCSource) SetAELevel(level int) error {
	return s.sendControl(ControlAELevel, level)
}

func (s *IPCSource) SetGainCeiling(ceiling int) error {
	return s.sendControl(ControlGainCeiling, ceiling)
}

// Close shuts down the IPC listener
func (s *IPCSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.running = false
	close(s.stopChan)

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}

	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}

	os.Remove(s.socketPath)

	s.log.Info().Msg("IPC source stopped")
	return nil
}

// IsRunning returns whether the listener is active
func (s *IPCSource) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

//go:build linux

package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blackjack/webcam"
	"github.com/rs/zerolog"
)

// V4L2 control IDs (linux/v4l2-controls.h)
const (
	cidBrightness          webcam.ControlID = 0x00980900
	cidContrast            webcam.ControlID = 0x00980901
	cidSaturation          webcam.ControlID = 0x00980902
	cidGain                webcam.ControlID = 0x00980913
	cidAutoExposureBias    webcam.ControlID = 0x009a0913
	cidJPEGCompressionQual webcam.ControlID = 0x009d0903
)

// fourcc builds a V4L2 pixel format code.
func fourcc(a, b, c, d byte) webcam.PixelFormat {
	return webcam.PixelFormat(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

var v4l2Formats = map[PixelFormat]webcam.PixelFormat{
	PixelFormatJPEG:      fourcc('M', 'J', 'P', 'G'),
	PixelFormatYUV422:    fourcc('Y', 'U', 'Y', 'V'),
	PixelFormatRGB565:    fourcc('R', 'G', 'B', 'P'),
	PixelFormatGrayscale: fourcc('G', 'R', 'E', 'Y'),
	PixelFormatRGB888:    fourcc('R', 'G', 'B', '3'),
}

// V4L2Source captures from a Video4Linux device. Frames are the driver's
// mmap buffers, handed out by index and queued back on Release.
type V4L2Source struct {
	cfg DeviceConfig
	log zerolog.Logger

	// capMu serializes WaitForFrame/GetFrame; mu guards everything else so
	// Release never waits behind a blocked acquisition.
	capMu       sync.Mutex
	mu          sync.Mutex
	cam         *webcam.Webcam
	width       int
	height      int
	checkedOut  int
	pendingSize FrameSize
}

// OpenV4L2Source opens cfg.DevicePath, negotiates the configured format and
// starts streaming.
func OpenV4L2Source(cfg DeviceConfig, log zerolog.Logger) (*V4L2Source, error) {
	cam, err := webcam.Open(cfg.DevicePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.DevicePath, err)
	}
	s := &V4L2Source{
		cfg: cfg,
		log: log.With().Str("component", "v4l2_source").Str("device", cfg.DevicePath).Logger(),
		cam: cam,
	}
	if err := s.configure(cfg.FrameSize); err != nil {
		cam.Close()
		return nil, err
	}
	if err := s.cam.SetBufferCount(uint32(cfg.FrameBuffers)); err != nil {
		s.log.Warn().Err(err).Int("buffers", cfg.FrameBuffers).Msg("buffer count not accepted")
	}
	if err := s.cam.StartStreaming(); err != nil {
		cam.Close()
		return nil, fmt.Errorf("failed to start streaming: %w", err)
	}
	if cfg.PixelFormat == PixelFormatJPEG {
		if err := s.cam.SetControl(cidJPEGCompressionQual, int32(StdQuality(cfg.JPEGQuality))); err != nil {
			s.log.Warn().Err(err).Int("quality", cfg.JPEGQuality).Msg("jpeg quality not accepted")
		}
	}
	return s, nil
}

func (s *V4L2Source) configure(size FrameSize) error {
	code, ok := v4l2Formats[s.cfg.PixelFormat]
	if !ok {
		return fmt.Errorf("pixel format %s not supported by v4l2 source", s.cfg.PixelFormat)
	}
	if _, ok := s.cam.GetSupportedFormats()[code]; !ok {
		return fmt.Errorf("%s: device does not offer %s", s.cfg.DevicePath, s.cfg.PixelFormat)
	}
	w, h := size.Dimensions()
	got, gw, gh, err := s.cam.SetImageFormat(code, uint32(w), uint32(h))
	if err != nil {
		return fmt.Errorf("failed to set image format: %w", err)
	}
	if got != code {
		return fmt.Errorf("%s: driver substituted pixel format %#x", s.cfg.DevicePath, uint32(got))
	}
	s.width, s.height = int(gw), int(gh)
	s.log.Info().Str("format", s.cfg.PixelFormat.String()).Int("width", s.width).Int("height", s.height).Msg("image format negotiated")
	return nil
}

// Acquire waits for the next filled driver buffer.
func (s *V4L2Source) Acquire(ctx context.Context) (*FrameBuffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAcquire, err)
	}

	s.capMu.Lock()
	defer s.capMu.Unlock()

	s.mu.Lock()
	cam := s.cam
	if cam == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrAcquire, ErrSourceClosed)
	}
	if s.pendingSize != 0 && s.checkedOut == 0 {
		s.applyFrameSize()
	}
	width, height := s.width, s.height
	s.mu.Unlock()

	timeout := uint32(s.cfg.AcquireTimeout / time.Second)
	if timeout == 0 {
		timeout = 1
	}
	if err := cam.WaitForFrame(timeout); err != nil {
		switch err.(type) {
		case *webcam.Timeout:
			return nil, fmt.Errorf("%w: no frame within %ds", ErrAcquire, timeout)
		default:
			return nil, fmt.Errorf("%w: %w", ErrAcquire, err)
		}
	}

	data, index, err := cam.GetFrame()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAcquire, err)
	}
	if len(data) == 0 {
		cam.ReleaseFrame(index)
		return nil, fmt.Errorf("%w: empty frame", ErrAcquire)
	}

	s.mu.Lock()
	s.checkedOut++
	s.mu.Unlock()
	return &FrameBuffer{
		Data:      data,
		Format:    s.cfg.PixelFormat,
		Width:     width,
		Height:    height,
		Timestamp: time.Now(),
		slot:      index,
	}, nil
}

// Release queues the buffer back to the driver.
func (s *V4L2Source) Release(fb *FrameBuffer) {
	if fb == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cam == nil {
		return
	}
	if err := s.cam.ReleaseFrame(fb.slot); err != nil {
		s.log.Error().Err(err).Uint32("slot", fb.slot).Msg("failed to release frame")
	}
	if s.checkedOut > 0 {
		s.checkedOut--
	}
	fb.Data = nil
}

// applyFrameSize restarts streaming with the pending size. Called with mu
// held and no buffers checked out.
func (s *V4L2Source) applyFrameSize() {
	size := s.pendingSize
	s.pendingSize = 0
	if err := s.cam.StopStreaming(); err != nil {
		s.log.Error().Err(err).Msg("failed to stop streaming for resize")
		return
	}
	if err := s.configure(size); err != nil {
		s.log.Error().Err(err).Str("frame_size", size.String()).Msg("resize failed")
	}
	if err := s.cam.StartStreaming(); err != nil {
		s.log.Error().Err(err).Msg("failed to restart streaming")
	}
}

// SetFrameSize takes effect on the next Acquire with no frames outstanding.
func (s *V4L2Source) SetFrameSize(size FrameSize) error {
	if !size.Valid() {
		return fmt.Errorf("invalid frame size %d", size)
	}
	s.mu.Lock()
	s.pendingSize = size
	s.mu.Unlock()
	return nil
}

func (s *V4L2Source) SetQuality(quality int) error {
	return s.setControl(cidJPEGCompressionQual, StdQuality(quality))
}

func (s *V4L2Source) SetContrast(level int) error {
	return s.setControl(cidContrast, level)
}

func (s *V4L2Source) SetBrightness(level int) error {
	return s.setControl(cidBrightness, level)
}

func (s *V4L2Source) SetSaturation(level int) error {
	return s.setControl(cidSaturation, level)
}

func (s *V4L2Source) SetAELevel(level int) error {
	return s.setControl(cidAutoExposureBias, level)
}

func (s *V4L2Source) SetGainCeiling(ceiling int) error {
	return s.setControl(cidGain, ceiling)
}

func (s *V4L2Source) setControl(id webcam.ControlID, value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cam == nil {
		return ErrSourceClosed
	}
	if err := s.cam.SetControl(id, int32(value)); err != nil {
		return fmt.Errorf("set control %#x: %w", uint32(id), err)
	}
	return nil
}

// Close stops streaming and closes the device.
func (s *V4L2Source) Close() error {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cam == nil {
		return nil
	}
	s.cam.StopStreaming()
	err := s.cam.Close()
	s.cam = nil
	return err
}

package media

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Pattern selects the synthetic test image
type Pattern int

const (
	PatternColorBars Pattern = iota
	PatternGradient
	PatternGrid
)

func (p Pattern) String() string {
	switch p {
	case PatternColorBars:
		return "ColorBars"
	case PatternGradient:
		return "Gradient"
	case PatternGrid:
		return "Grid"
	default:
		return "Unknown"
	}
}

var colorBars = []color.RGBA{
	{0xff, 0xff, 0xff, 0xff},
	{0xff, 0xff, 0x00, 0xff},
	{0x00, 0xff, 0xff, 0xff},
	{0x00, 0xff, 0x00, 0xff},
	{0xff, 0x00, 0xff, 0xff},
	{0xff, 0x00, 0x00, 0xff},
	{0x00, 0x00, 0xff, 0xff},
	{0x00, 0x00, 0x00, 0xff},
}

// SyntheticSource generates animated test patterns in the configured pixel
// format. It behaves like a sensor with a fixed buffer pool: Acquire blocks
// until a buffer is free or the acquire timeout expires.
//
// Contrast, brightness, saturation and exposure level alter the rendered
// pixels. The gain ceiling is stored and clamped but has no visible effect
// since the pattern carries no sensor noise to amplify.
type SyntheticSource struct {
	cfg      DeviceConfig
	pattern  Pattern
	interval time.Duration
	log      zerolog.Logger

	free      chan *FrameBuffer
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	frameSize   FrameSize
	quality     int
	contrast    int
	brightness  int
	saturation  int
	aeLevel     int
	gainCeiling int
	seq         uint64
	next        time.Time
	canvas      *image.RGBA
}

// NewSyntheticSource creates a source with cfg.FrameBuffers buffers producing
// frames at fps (0 means as fast as requested).
func NewSyntheticSource(cfg DeviceConfig, fps int, pattern Pattern, log zerolog.Logger) *SyntheticSource {
	count := cfg.FrameBuffers
	if count < 1 {
		count = 1
	}
	s := &SyntheticSource{
		cfg:       cfg,
		pattern:   pattern,
		log:       log.With().Str("component", "synthetic_source").Logger(),
		free:      make(chan *FrameBuffer, count),
		closed:    make(chan struct{}),
		frameSize: cfg.FrameSize,
		quality:   cfg.JPEGQuality,
	}
	if fps > 0 {
		s.interval = time.Second / time.Duration(fps)
	}
	for i := 0; i < count; i++ {
		s.free <- &FrameBuffer{slot: uint32(i)}
	}
	return s
}

// Acquire renders the next frame into a free buffer.
func (s *SyntheticSource) Acquire(ctx context.Context) (*FrameBuffer, error) {
	if s.isClosed() {
		return nil, fmt.Errorf("%w: %w", ErrAcquire, ErrSourceClosed)
	}
	timer := time.NewTimer(s.cfg.AcquireTimeout)
	defer timer.Stop()

	var fb *FrameBuffer
	select {
	case fb = <-s.free:
	case <-s.closed:
		return nil, fmt.Errorf("%w: %w", ErrAcquire, ErrSourceClosed)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrAcquire, ctx.Err())
	case <-timer.C:
		return nil, fmt.Errorf("%w: no free frame buffer after %s", ErrAcquire, s.cfg.AcquireTimeout)
	}
	// select picks randomly when both a buffer and the close are ready
	if s.isClosed() {
		s.Release(fb)
		return nil, fmt.Errorf("%w: %w", ErrAcquire, ErrSourceClosed)
	}

	if wait := s.reserveSlot(); wait > 0 {
		pace := time.NewTimer(wait)
		select {
		case <-pace.C:
		case <-ctx.Done():
			pace.Stop()
			s.free <- fb
			return nil, fmt.Errorf("%w: %w", ErrAcquire, ctx.Err())
		}
	}

	if err := s.render(fb); err != nil {
		s.free <- fb
		return nil, fmt.Errorf("%w: %w", ErrAcquire, err)
	}
	return fb, nil
}

// reserveSlot returns how long to wait before the next frame is due.
func (s *SyntheticSource) reserveSlot() time.Duration {
	if s.interval == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if s.next.Before(now) {
		s.next = now
	}
	wait := s.next.Sub(now)
	s.next = s.next.Add(s.interval)
	return wait
}

func (s *SyntheticSource) render(fb *FrameBuffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, h := s.frameSize.Dimensions()
	if s.canvas == nil || s.canvas.Rect.Dx() != w || s.canvas.Rect.Dy() != h {
		s.canvas = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	s.seq++
	s.draw(s.canvas, s.seq)

	data, err := Pack(fb.Data, s.canvas, s.cfg.PixelFormat, StdQuality(s.quality))
	if err != nil {
		return err
	}
	fb.Data = data
	fb.Format = s.cfg.PixelFormat
	fb.Width = w
	fb.Height = h
	fb.Timestamp = time.Now()
	return nil
}

func (s *SyntheticSource) draw(img *image.RGBA, seq uint64) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	shift := int(seq % uint64(w))
	gain := 1 + float64(s.contrast)*0.25
	offset := float64(s.brightness)*20 + float64(s.aeLevel)*10
	sat := 1 + float64(s.saturation)*0.5

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var c color.RGBA
			switch s.pattern {
			case PatternGradient:
				c = color.RGBA{uint8(x * 255 / w), uint8(y * 255 / h), uint8(seq), 0xff}
			case PatternGrid:
				if (x+shift)%32 == 0 || (y+shift)%32 == 0 {
					c = color.RGBA{0xff, 0xff, 0xff, 0xff}
				} else {
					c = color.RGBA{0x20, 0x20, 0x20, 0xff}
				}
			default:
				c = colorBars[((x+shift)%w)*len(colorBars)/w]
			}
			r, g, b := saturate(c, sat)
			p := img.Pix[img.PixOffset(x, y):]
			p[0] = adjust(r, gain, offset)
			p[1] = adjust(g, gain, offset)
			p[2] = adjust(b, gain, offset)
			p[3] = 0xff
		}
	}
}

// saturate scales each channel's distance from the pixel's luma.
func saturate(c color.RGBA, sat float64) (r, g, b float64) {
	r, g, b = float64(c.R), float64(c.G), float64(c.B)
	if sat == 1 {
		return r, g, b
	}
	y := 0.299*r + 0.587*g + 0.114*b
	return y + (r-y)*sat, y + (g-y)*sat, y + (b-y)*sat
}

func adjust(v, gain, offset float64) uint8 {
	f := (v-128)*gain + 128 + offset
	switch {
	case f < 0:
		return 0
	case f > 255:
		return 255
	}
	return uint8(f)
}

// Release returns fb to the pool.
func (s *SyntheticSource) Release(fb *FrameBuffer) {
	if fb == nil {
		return
	}
	select {
	case s.free <- fb:
	default:
		s.log.Warn().Uint32("slot", fb.slot).Msg("frame buffer released twice")
	}
}

func (s *SyntheticSource) SetFrameSize(size FrameSize) error {
	if !size.Valid() {
		return fmt.Errorf("invalid frame size %d", size)
	}
	s.mu.Lock()
	s.frameSize = size
	s.mu.Unlock()
	return nil
}

func (s *SyntheticSource) SetQuality(quality int) error {
	s.mu.Lock()
	s.quality = clamp(quality, 0, 63)
	s.mu.Unlock()
	return nil
}

func (s *SyntheticSource) SetContrast(level int) error {
	s.mu.Lock()
	s.contrast = clamp(level, -2, 2)
	s.mu.Unlock()
	return nil
}

func (s *SyntheticSource) SetBrightness(level int) error {
	s.mu.Lock()
	s.brightness = clamp(level, -2, 2)
	s.mu.Unlock()
	return nil
}

func (s *SyntheticSource) SetSaturation(level int) error {
	s.mu.Lock()
	s.saturation = clamp(level, -2, 2)
	s.mu.Unlock()
	return nil
}

func (s *SyntheticSource) SetAELevel(level int) error {
	s.mu.Lock()
	s.aeLevel = clamp(level, -2, 2)
	s.mu.Unlock()
	return nil
}

func (s *SyntheticSource) SetGainCeiling(ceiling int) error {
	s.mu.Lock()
	s.gainCeiling = clamp(ceiling, 0, 6)
	s.mu.Unlock()
	return nil
}

// Close makes pending and future Acquire calls fail.
func (s *SyntheticSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *SyntheticSource) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

package media

import (
	"context"
	"errors"
	"strings"
	"time"
)

// PixelFormat identifies the layout of a frame buffer's bytes
type PixelFormat byte

const (
	PixelFormatJPEG      PixelFormat = 0x01
	PixelFormatRGB565    PixelFormat = 0x02
	PixelFormatYUV422    PixelFormat = 0x03
	PixelFormatGrayscale PixelFormat = 0x04
	PixelFormatRGB888    PixelFormat = 0x05
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatJPEG:
		return "JPEG"
	case PixelFormatRGB565:
		return "RGB565"
	case PixelFormatYUV422:
		return "YUV422"
	case PixelFormatGrayscale:
		return "GRAYSCALE"
	case PixelFormatRGB888:
		return "RGB888"
	default:
		return "Unknown"
	}
}

// IsRaw reports whether frames of this format need transcoding before they
// can be served as JPEG.
func (f PixelFormat) IsRaw() bool {
	return f != PixelFormatJPEG
}

// BytesPerPixel returns the packed size of one pixel, or 0 for JPEG.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case PixelFormatRGB565, PixelFormatYUV422:
		return 2
	case PixelFormatGrayscale:
		return 1
	case PixelFormatRGB888:
		return 3
	default:
		return 0
	}
}

// ParsePixelFormat maps a configuration name to a PixelFormat.
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jpeg", "jpg":
		return PixelFormatJPEG, nil
	case "rgb565":
		return PixelFormatRGB565, nil
	case "yuv422", "yuyv":
		return PixelFormatYUV422, nil
	case "grayscale", "gray":
		return PixelFormatGrayscale, nil
	case "rgb888", "rgb24":
		return PixelFormatRGB888, nil
	default:
		return 0, errors.New("unknown pixel format: " + s)
	}
}

// FrameSize is a discrete sensor resolution
type FrameSize byte

const (
	FrameSizeQQVGA FrameSize = iota + 1
	FrameSizeQCIF
	FrameSizeHQVGA
	FrameSizeQVGA
	FrameSizeCIF
	FrameSizeVGA
	FrameSizeSVGA
	FrameSizeXGA
	FrameSizeSXGA
	FrameSizeUXGA
)

var frameSizes = []struct {
	size   FrameSize
	name   string
	width  int
	height int
}{
	{FrameSizeQQVGA, "QQVGA", 160, 120},
	{FrameSizeQCIF, "QCIF", 176, 144},
	{FrameSizeHQVGA, "HQVGA", 240, 176},
	{FrameSizeQVGA, "QVGA", 320, 240},
	{FrameSizeCIF, "CIF", 400, 296},
	{FrameSizeVGA, "VGA", 640, 480},
	{FrameSizeSVGA, "SVGA", 800, 600},
	{FrameSizeXGA, "XGA", 1024, 768},
	{FrameSizeSXGA, "SXGA", 1280, 1024},
	{FrameSizeUXGA, "UXGA", 1600, 1200},
}

// Dimensions returns the width and height in pixels, or zeros for an unknown size.
func (s FrameSize) Dimensions() (width, height int) {
	for _, fs := range frameSizes {
		if fs.size == s {
			return fs.width, fs.height
		}
	}
	return 0, 0
}

// Valid reports whether s is one of the known frame sizes.
func (s FrameSize) Valid() bool {
	w, _ := s.Dimensions()
	return w > 0
}

func (s FrameSize) String() string {
	for _, fs := range frameSizes {
		if fs.size == s {
			return fs.name
		}
	}
	return "Unknown"
}

// ParseFrameSize looks up a frame size by name (case insensitive).
func ParseFrameSize(name string) (FrameSize, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for _, fs := range frameSizes {
		if fs.name == name {
			return fs.size, true
		}
	}
	return 0, false
}

// FrameBuffer is a view into memory owned by a Source. It is valid from a
// successful Acquire until the matching Release; Data must not be retained
// past Release.
type FrameBuffer struct {
	Data      []byte
	Format    PixelFormat
	Width     int
	Height    int
	Timestamp time.Time

	// slot is the owning source's buffer index
	slot uint32
}

// Len returns the number of valid bytes in Data.
func (fb *FrameBuffer) Len() int {
	return len(fb.Data)
}

// ErrAcquire is returned when a source cannot hand out a frame buffer.
var ErrAcquire = errors.New("frame acquire failed")

// ErrSourceClosed is returned by sources after Close.
var ErrSourceClosed = errors.New("frame source closed")

// Source hands out frame buffers from a fixed pool. Every buffer returned by
// Acquire must be passed to Release exactly once. Implementations serialize
// access to the underlying device.
type Source interface {
	Acquire(ctx context.Context) (*FrameBuffer, error)
	Release(fb *FrameBuffer)
	SensorControl
	Close() error
}

// SensorControl applies tuning directives to the sensor. Values follow the
// OV2640 driver ranges; sources clamp or ignore what their device cannot do.
type SensorControl interface {
	SetFrameSize(size FrameSize) error
	SetQuality(quality int) error
	SetContrast(level int) error
	SetBrightness(level int) error
	SetSaturation(level int) error
	SetAELevel(level int) error
	SetGainCeiling(ceiling int) error
}

// DeviceConfig is the fixed capture configuration handed to a source at
// construction. It is not mutated afterwards.
type DeviceConfig struct {
	PixelFormat    PixelFormat
	FrameSize      FrameSize
	JPEGQuality    int // 0-63, lower is better
	FrameBuffers   int
	AcquireTimeout time.Duration
	DevicePath     string
}

// DefaultDeviceConfig mirrors the stock OV2640 board setup.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		PixelFormat:    PixelFormatJPEG,
		FrameSize:      FrameSizeUXGA,
		JPEGQuality:    10,
		FrameBuffers:   1,
		AcquireTimeout: 4 * time.Second,
		DevicePath:     "/dev/video0",
	}
}

// StdQuality converts a sensor quality (0-63, lower is better) to the
// 1-100 scale used by image/jpeg.
func StdQuality(sensorQuality int) int {
	if sensorQuality < 0 {
		sensorQuality = 0
	}
	if sensorQuality > 63 {
		sensorQuality = 63
	}
	q := 100 - sensorQuality*99/63
	if q < 1 {
		q = 1
	}
	return q
}

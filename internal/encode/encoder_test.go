package encode

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"testing"

	"github.com/zachmartin/netcam/internal/media"
)

func grayFrame(w, h int) *media.FrameBuffer {
	data := make([]byte, w*h)
	for i := range data {
		data[i] = byte(i)
	}
	return &media.FrameBuffer{Data: data, Format: media.PixelFormatGrayscale, Width: w, Height: h}
}

func jpegFrame(t *testing.T, w, h int) *media.FrameBuffer {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h)), nil); err != nil {
		t.Fatalf("jpeg.Encode() error = %v", err)
	}
	return &media.FrameBuffer{Data: buf.Bytes(), Format: media.PixelFormatJPEG, Width: w, Height: h}
}

type recordingSink struct {
	buf    bytes.Buffer
	calls  int
	failAt int
}

func (s *recordingSink) Accept(p []byte) error {
	s.calls++
	if s.failAt > 0 && s.calls >= s.failAt {
		return errors.New("connection reset")
	}
	s.buf.Write(p)
	return nil
}

func TestNewQuality(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{80, 80},
		{1, 1},
		{100, 100},
		{0, DefaultQuality},
		{101, DefaultQuality},
	}
	for _, tt := range tests {
		if got := New(tt.in).Quality(); got != tt.want {
			t.Errorf("New(%d).Quality() = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestEncodeJPEGFastPath(t *testing.T) {
	fb := jpegFrame(t, 16, 16)
	p, err := New(DefaultQuality).Encode(fb, TargetJPEG)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !p.Aliased {
		t.Error("payload should alias the frame")
	}
	if p.Len() != fb.Len() {
		t.Errorf("Len() = %d, want %d", p.Len(), fb.Len())
	}
	if &p.Bytes[0] != &fb.Data[0] {
		t.Error("payload was copied")
	}
}

func TestEncodeRawToJPEG(t *testing.T) {
	fb := grayFrame(32, 24)
	p, err := New(DefaultQuality).Encode(fb, TargetJPEG)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if p.Aliased {
		t.Error("transcoded payload must not alias the frame")
	}
	img, err := jpeg.Decode(bytes.NewReader(p.Bytes))
	if err != nil {
		t.Fatalf("payload is not a JPEG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 24 {
		t.Errorf("decoded size = %dx%d, want 32x24", b.Dx(), b.Dy())
	}
}

func TestEncodeBMP(t *testing.T) {
	for name, fb := range map[string]*media.FrameBuffer{
		"raw":  grayFrame(8, 8),
		"jpeg": jpegFrame(t, 8, 8),
	} {
		t.Run(name, func(t *testing.T) {
			p, err := New(DefaultQuality).Encode(fb, TargetBMP)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if !bytes.HasPrefix(p.Bytes, []byte("BM")) {
				t.Errorf("payload does not start with BM: %x", p.Bytes[:2])
			}
			if p.Aliased {
				t.Error("BMP payload must not alias the frame")
			}
		})
	}
}

func TestEncodeShortFrame(t *testing.T) {
	fb := &media.FrameBuffer{Data: make([]byte, 4), Format: media.PixelFormatRGB888, Width: 8, Height: 8}
	_, err := New(DefaultQuality).Encode(fb, TargetJPEG)
	if !errors.Is(err, ErrEncode) {
		t.Errorf("Encode() error = %v, want ErrEncode", err)
	}
	_, err = New(DefaultQuality).Encode(fb, TargetBMP)
	if !errors.Is(err, ErrEncode) {
		t.Errorf("Encode(BMP) error = %v, want ErrEncode", err)
	}
}

func TestEncodeStreamingJPEGSingleChunk(t *testing.T) {
	fb := jpegFrame(t, 16, 16)
	sink := &recordingSink{}
	if err := New(DefaultQuality).EncodeStreaming(fb, DefaultQuality, sink); err != nil {
		t.Fatalf("EncodeStreaming() error = %v", err)
	}
	if sink.calls != 1 {
		t.Errorf("Accept called %d times, want 1", sink.calls)
	}
	if !bytes.Equal(sink.buf.Bytes(), fb.Data) {
		t.Error("sink received different bytes")
	}
}

func TestEncodeStreamingRaw(t *testing.T) {
	fb := grayFrame(64, 48)
	sink := &recordingSink{}
	if err := New(DefaultQuality).EncodeStreaming(fb, 50, sink); err != nil {
		t.Fatalf("EncodeStreaming() error = %v", err)
	}
	if _, err := jpeg.Decode(bytes.NewReader(sink.buf.Bytes())); err != nil {
		t.Errorf("streamed bytes are not a JPEG: %v", err)
	}
}

func TestEncodeStreamingSinkFailure(t *testing.T) {
	tests := []struct {
		name string
		fb   func(t *testing.T) *media.FrameBuffer
	}{
		{"raw", func(*testing.T) *media.FrameBuffer { return grayFrame(64, 48) }},
		{"jpeg", func(t *testing.T) *media.FrameBuffer { return jpegFrame(t, 16, 16) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{failAt: 1}
			err := New(DefaultQuality).EncodeStreaming(tt.fb(t), DefaultQuality, sink)
			if !errors.Is(err, ErrTransmit) {
				t.Fatalf("EncodeStreaming() error = %v, want ErrTransmit", err)
			}
			if errors.Is(err, ErrEncode) {
				t.Error("sink failure reported as encode failure")
			}
		})
	}
}

func TestEncodeStreamingBadFrame(t *testing.T) {
	fb := &media.FrameBuffer{Data: make([]byte, 3), Format: media.PixelFormatYUV422, Width: 4, Height: 4}
	sink := &recordingSink{}
	err := New(DefaultQuality).EncodeStreaming(fb, DefaultQuality, sink)
	if !errors.Is(err, ErrEncode) {
		t.Fatalf("EncodeStreaming() error = %v, want ErrEncode", err)
	}
	if errors.Is(err, ErrTransmit) {
		t.Error("encode failure reported as transmit failure")
	}
	if sink.calls != 0 {
		t.Errorf("Accept called %d times, want 0", sink.calls)
	}
}

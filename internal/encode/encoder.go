// Package encode converts frame buffers into wire formats.
//
// JPEG frames are passed through without copying. Raw frames are transcoded
// either into a standalone payload or incrementally into a ChunkSink so the
// encoded image never has to be held in memory as a whole.
package encode

import (
	"bytes"
	"errors"
	"fmt"
	"image/jpeg"

	"golang.org/x/image/bmp"

	"github.com/zachmartin/netcam/internal/media"
)

// DefaultQuality is the image/jpeg quality used when transcoding raw frames.
const DefaultQuality = 80

var (
	// ErrEncode is returned when a frame cannot be transcoded.
	ErrEncode = errors.New("frame encode failed")
	// ErrTransmit is returned when a ChunkSink rejects a chunk.
	ErrTransmit = errors.New("chunk transmit failed")
)

// Target is an output wire format
type Target int

const (
	TargetJPEG Target = iota
	TargetBMP
)

func (t Target) String() string {
	switch t {
	case TargetJPEG:
		return "jpeg"
	case TargetBMP:
		return "bmp"
	default:
		return "unknown"
	}
}

// Payload holds encoded bytes. An aliased payload shares memory with the
// source frame and is only valid until that frame is released.
type Payload struct {
	Bytes   []byte
	Aliased bool
}

// Len returns the payload size in bytes.
func (p Payload) Len() int {
	return len(p.Bytes)
}

// ChunkSink receives encoded chunks in order. A non-nil error from Accept
// aborts the encode.
type ChunkSink interface {
	Accept(p []byte) error
}

// Encoder transcodes frames at a fixed JPEG quality.
type Encoder struct {
	quality int
}

// New returns an Encoder using quality (1-100) for raw-to-JPEG transcodes.
func New(quality int) *Encoder {
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	return &Encoder{quality: quality}
}

// Quality returns the transcode quality.
func (e *Encoder) Quality() int {
	return e.quality
}

// Encode converts fb into a single payload.
func (e *Encoder) Encode(fb *media.FrameBuffer, target Target) (Payload, error) {
	switch target {
	case TargetJPEG:
		if fb.Format == media.PixelFormatJPEG {
			return Payload{Bytes: fb.Data, Aliased: true}, nil
		}
		img, err := fb.Image()
		if err != nil {
			return Payload{}, fmt.Errorf("%w: %w", ErrEncode, err)
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.quality}); err != nil {
			return Payload{}, fmt.Errorf("%w: %w", ErrEncode, err)
		}
		return Payload{Bytes: buf.Bytes()}, nil

	case TargetBMP:
		img, err := fb.Image()
		if err != nil {
			return Payload{}, fmt.Errorf("%w: %w", ErrEncode, err)
		}
		var buf bytes.Buffer
		if err := bmp.Encode(&buf, img); err != nil {
			return Payload{}, fmt.Errorf("%w: %w", ErrEncode, err)
		}
		return Payload{Bytes: buf.Bytes()}, nil
	}
	return Payload{}, fmt.Errorf("%w: unknown target %d", ErrEncode, target)
}

// EncodeStreaming writes fb as JPEG into sink. JPEG frames are forwarded as a
// single chunk. The returned error wraps ErrTransmit if the sink failed and
// ErrEncode if the frame could not be encoded.
func (e *Encoder) EncodeStreaming(fb *media.FrameBuffer, quality int, sink ChunkSink) error {
	if fb.Format == media.PixelFormatJPEG {
		if err := sink.Accept(fb.Data); err != nil {
			return fmt.Errorf("%w: %w", ErrTransmit, err)
		}
		return nil
	}

	img, err := fb.Image()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}
	w := &sinkWriter{sink: sink}
	if err := jpeg.Encode(w, img, &jpeg.Options{Quality: quality}); err != nil {
		if w.err != nil {
			return fmt.Errorf("%w: %w", ErrTransmit, w.err)
		}
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return nil
}

// sinkWriter adapts a ChunkSink to io.Writer and remembers the first sink
// failure so it can be told apart from encoder errors.
type sinkWriter struct {
	sink ChunkSink
	err  error
}

func (w *sinkWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if err := w.sink.Accept(p); err != nil {
		w.err = err
		return 0, err
	}
	return len(p), nil
}

package pipeline

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/zachmartin/netcam/internal/encode"
	"github.com/zachmartin/netcam/internal/media"
)

// CaptureJPEG serves a single JPEG snapshot. JPEG frames are sent as is;
// raw frames are transcoded straight into the response in chunks.
func (p *Pipeline) CaptureJPEG(w http.ResponseWriter, r *http.Request) {
	log := p.logger(r)
	start := time.Now()

	fb, release, err := p.acquire(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("camera capture failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	defer release()

	h := w.Header()
	h.Set("Content-Type", "image/jpeg")
	h.Set("Content-Disposition", "inline; filename=capture.jpg")

	var sent int
	if fb.Format == media.PixelFormatJPEG {
		h.Set("Content-Length", strconv.Itoa(fb.Len()))
		sent, err = w.Write(fb.Data)
		if err != nil {
			err = errors.Join(encode.ErrTransmit, err)
		}
	} else {
		sink := newChunkSink(r.Context(), w)
		err = p.encoder.EncodeStreaming(fb, p.encoder.Quality(), sink)
		sent = sink.n
	}

	if err != nil {
		switch {
		case errors.Is(err, encode.ErrTransmit):
			p.stats.transmitFailures.Add(1)
			log.Warn().Err(err).Int("sent", sent).Msg("JPG transmit failed")
		default:
			p.stats.encodeFailures.Add(1)
			log.Error().Err(err).Msg("JPEG compression failed")
			if sent == 0 {
				h.Del("Content-Disposition")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}
		return
	}

	p.stats.captures.Add(1)
	p.stats.bytesSent.Add(int64(sent))
	log.Info().
		Int("kb", sent/1024).
		Int64("ms", time.Since(start).Milliseconds()).
		Str("format", fb.Format.String()).
		Msg("JPG capture")
}

// CaptureBMP serves a single BMP snapshot. The frame is released as soon as
// the bitmap has been built, before the response is written.
func (p *Pipeline) CaptureBMP(w http.ResponseWriter, r *http.Request) {
	log := p.logger(r)
	start := time.Now()

	fb, release, err := p.acquire(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("camera capture failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	defer release()

	payload, err := p.encoder.Encode(fb, encode.TargetBMP)
	release()
	if err != nil {
		p.stats.encodeFailures.Add(1)
		log.Error().Err(err).Msg("BMP conversion failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "image/x-windows-bmp")
	h.Set("Content-Disposition", "inline; filename=capture.bmp")
	h.Set("Content-Length", strconv.Itoa(payload.Len()))

	sent, err := w.Write(payload.Bytes)
	if err != nil {
		p.stats.transmitFailures.Add(1)
		log.Warn().Err(err).Int("sent", sent).Msg("BMP transmit failed")
		return
	}

	p.stats.captures.Add(1)
	p.stats.bytesSent.Add(int64(sent))
	log.Info().
		Int("kb", payload.Len()/1024).
		Int64("ms", time.Since(start).Milliseconds()).
		Msg("BMP capture")
}

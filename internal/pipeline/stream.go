package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zachmartin/netcam/internal/encode"
	"github.com/zachmartin/netcam/internal/media"
)

// PartBoundary separates parts of the MJPEG multipart stream.
const PartBoundary = "123456789000000000000987654321"

const (
	StreamContentType = "multipart/x-mixed-replace;boundary=" + PartBoundary
	streamBoundary    = "\r\n--" + PartBoundary + "\r\n"
	streamPart        = "Content-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n"
)

// StreamSession tracks one long-lived stream connection.
type StreamSession struct {
	ID      uuid.UUID
	Started time.Time
	Frames  int64
	Bytes   int64

	lastFrame time.Time
}

func newStreamSession() *StreamSession {
	return &StreamSession{ID: uuid.New()}
}

// Begin clears state left by any previous use and starts the frame clock.
func (s *StreamSession) Begin(now time.Time) {
	s.Started = now
	s.Frames = 0
	s.Bytes = 0
	s.lastFrame = now
}

// Tick records a delivered frame and returns the time since the previous
// one and the derived frame rate.
func (s *StreamSession) Tick(now time.Time, n int) (time.Duration, float64) {
	interval := now.Sub(s.lastFrame)
	s.lastFrame = now
	s.Frames++
	s.Bytes += int64(n)
	if interval <= 0 {
		return interval, 0
	}
	return interval, float64(time.Second) / float64(interval)
}

// End resets the frame clock.
func (s *StreamSession) End() {
	s.lastFrame = time.Time{}
}

// LastFrame returns the timestamp of the last delivered frame, or the zero
// time outside a running session.
func (s *StreamSession) LastFrame() time.Time {
	return s.lastFrame
}

// transmitter moves encoded frames to one client.
type transmitter interface {
	begin() error
	send(jpeg []byte) error
}

// runStream loops until the transmitter fails or the source is closed.
// Other acquire and encode failures are logged and retried on the next
// iteration since the response is already committed. Consecutive acquire
// failures back off exponentially between retryMin and retryMax.
func (p *Pipeline) runStream(ctx context.Context, log *zerolog.Logger, tx transmitter, session *StreamSession) {
	p.stats.activeStreams.Add(1)
	defer p.stats.activeStreams.Add(-1)

	session.Begin(time.Now())
	defer session.End()

	if err := tx.begin(); err != nil {
		p.stats.transmitFailures.Add(1)
		log.Warn().Err(err).Msg("stream setup failed")
		return
	}

	var (
		failures int
		backoff  time.Duration
	)
	for {
		if err := ctx.Err(); err != nil {
			p.stats.transmitFailures.Add(1)
			log.Debug().Err(err).Msg("stream client gone")
			return
		}

		fb, release, err := p.acquire(ctx)
		if err != nil {
			if errors.Is(err, media.ErrSourceClosed) {
				log.Warn().Err(err).Msg("frame source closed, ending stream")
				return
			}
			failures++
			if failures == 1 {
				log.Error().Err(err).Msg("camera capture failed")
			} else {
				log.Debug().Err(err).Int("consecutive", failures).Msg("camera capture failed")
			}
			backoff = nextBackoff(backoff, p.retryMin, p.retryMax)
			if !sleepCtx(ctx, backoff) {
				p.stats.transmitFailures.Add(1)
				log.Debug().Err(ctx.Err()).Msg("stream client gone")
				return
			}
			continue
		}
		if failures > 0 {
			log.Info().Int("failed_attempts", failures).Msg("camera capture recovered")
			failures, backoff = 0, 0
		}

		payload, err := p.encoder.Encode(fb, encode.TargetJPEG)
		if err != nil {
			release()
			p.stats.encodeFailures.Add(1)
			log.Error().Err(err).Msg("JPEG compression failed")
			continue
		}

		err = tx.send(payload.Bytes)
		release()
		if err != nil {
			p.stats.transmitFailures.Add(1)
			log.Debug().Err(err).Msg("stream transmit failed")
			return
		}

		p.stats.framesStreamed.Add(1)
		p.stats.bytesSent.Add(int64(payload.Len()))
		interval, fps := session.Tick(time.Now(), payload.Len())
		log.Debug().
			Int("kb", payload.Len()/1024).
			Int64("ms", interval.Milliseconds()).
			Float64("fps", fps).
			Msg("mjpeg")
	}
}

func nextBackoff(cur, lo, hi time.Duration) time.Duration {
	if cur < lo {
		return lo
	}
	if cur *= 2; cur > hi {
		return hi
	}
	return cur
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// StreamJPEG serves an endless multipart/x-mixed-replace MJPEG stream. It
// returns only when a write fails or the client disconnects.
func (p *Pipeline) StreamJPEG(w http.ResponseWriter, r *http.Request) {
	session := newStreamSession()
	log := p.logger(r).With().Str("session", session.ID.String()).Logger()
	log.Info().Str("remote", r.RemoteAddr).Msg("mjpeg stream started")

	tx := &multipartTransmitter{w: w, sink: newChunkSink(r.Context(), w)}
	p.runStream(r.Context(), &log, tx, session)

	log.Info().
		Int64("frames", session.Frames).
		Int64("bytes", session.Bytes).
		Dur("duration", time.Since(session.Started)).
		Msg("mjpeg stream ended")
}

type multipartTransmitter struct {
	w      http.ResponseWriter
	sink   *chunkSink
	header []byte
}

func (t *multipartTransmitter) begin() error {
	t.w.Header().Set("Content-Type", StreamContentType)
	return t.sink.Accept([]byte(streamBoundary))
}

func (t *multipartTransmitter) send(jpeg []byte) error {
	t.header = fmt.Appendf(t.header[:0], streamPart, len(jpeg))
	if err := t.sink.Accept(t.header); err != nil {
		return err
	}
	if err := t.sink.Accept(jpeg); err != nil {
		return err
	}
	return t.sink.Accept([]byte(streamBoundary))
}

// StreamWebSocket upgrades the connection and sends one binary message per
// JPEG frame until the client goes away.
func (p *Pipeline) StreamWebSocket(w http.ResponseWriter, r *http.Request) {
	session := newStreamSession()
	log := p.logger(r).With().Str("session", session.ID.String()).Logger()

	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	log.Info().Str("remote", r.RemoteAddr).Msg("websocket stream started")

	// The request context does not follow a hijacked connection, so a
	// reader watches for the close frame or a dead socket.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	p.runStream(ctx, &log, &wsTransmitter{conn: conn}, session)

	log.Info().
		Int64("frames", session.Frames).
		Int64("bytes", session.Bytes).
		Dur("duration", time.Since(session.Started)).
		Msg("websocket stream ended")
}

type wsTransmitter struct {
	conn *websocket.Conn
}

func (t *wsTransmitter) begin() error {
	return nil
}

func (t *wsTransmitter) send(jpeg []byte) error {
	if err := t.conn.WriteMessage(websocket.BinaryMessage, jpeg); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

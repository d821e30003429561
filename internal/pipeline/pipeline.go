// Package pipeline serves camera frames over HTTP.
//
// Every handler follows the same discipline: acquire one frame buffer from
// the source, encode it if needed, transmit, and release the buffer exactly
// once whatever the outcome. The source's pool is tiny (often a single
// buffer), so a leaked buffer stalls every later capture.
package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zachmartin/netcam/internal/encode"
	"github.com/zachmartin/netcam/internal/media"
)

// Pipeline delivers frames from a single source.
type Pipeline struct {
	source   media.Source
	encoder  *encode.Encoder
	log      zerolog.Logger
	upgrader websocket.Upgrader
	stats    counters

	// retry delays after a failed acquire inside a stream
	retryMin time.Duration
	retryMax time.Duration
}

const (
	defaultRetryMin = 10 * time.Millisecond
	defaultRetryMax = time.Second
)

// New creates a pipeline reading from source and transcoding raw frames
// with encoder.
func New(source media.Source, encoder *encode.Encoder, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		source:  source,
		encoder: encoder,
		log:     log.With().Str("component", "pipeline").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		retryMin: defaultRetryMin,
		retryMax: defaultRetryMax,
	}
}

// acquire borrows a frame and returns an idempotent release func. Callers
// defer the release right away and may call it earlier once the frame's
// bytes are no longer referenced.
func (p *Pipeline) acquire(ctx context.Context) (*media.FrameBuffer, func(), error) {
	fb, err := p.source.Acquire(ctx)
	if err != nil {
		p.stats.acquireFailures.Add(1)
		return nil, func() {}, err
	}
	var once sync.Once
	return fb, func() { once.Do(func() { p.source.Release(fb) }) }, nil
}

// logger returns the request-scoped logger installed by the server
// middleware, or the pipeline logger.
func (p *Pipeline) logger(r *http.Request) *zerolog.Logger {
	if l := zerolog.Ctx(r.Context()); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &p.log
}

type counters struct {
	captures         atomic.Int64
	framesStreamed   atomic.Int64
	bytesSent        atomic.Int64
	acquireFailures  atomic.Int64
	encodeFailures   atomic.Int64
	transmitFailures atomic.Int64
	activeStreams    atomic.Int64
}

// Stats is a point-in-time copy of the pipeline counters.
type Stats struct {
	Captures         int64 `json:"captures"`
	FramesStreamed   int64 `json:"frames_streamed"`
	BytesSent        int64 `json:"bytes_sent"`
	AcquireFailures  int64 `json:"acquire_failures"`
	EncodeFailures   int64 `json:"encode_failures"`
	TransmitFailures int64 `json:"transmit_failures"`
	ActiveStreams    int64 `json:"active_streams"`
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Captures:         p.stats.captures.Load(),
		FramesStreamed:   p.stats.framesStreamed.Load(),
		BytesSent:        p.stats.bytesSent.Load(),
		AcquireFailures:  p.stats.acquireFailures.Load(),
		EncodeFailures:   p.stats.encodeFailures.Load(),
		TransmitFailures: p.stats.transmitFailures.Load(),
		ActiveStreams:    p.stats.activeStreams.Load(),
	}
}

// chunkSink writes each chunk to the response and flushes it, mirroring a
// chunked-transfer send. It fails once the client has gone away.
type chunkSink struct {
	ctx context.Context
	w   http.ResponseWriter
	rc  *http.ResponseController
	n   int
}

func newChunkSink(ctx context.Context, w http.ResponseWriter) *chunkSink {
	return &chunkSink{ctx: ctx, w: w, rc: http.NewResponseController(w)}
}

func (s *chunkSink) Accept(p []byte) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	n, err := s.w.Write(p)
	s.n += n
	if err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

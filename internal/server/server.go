// Package server owns the HTTP listener and its route table. The listener
// only exists while the network is up: Start and Stop are driven by
// connectivity events and are both idempotent.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/zachmartin/netcam/internal/light"
	"github.com/zachmartin/netcam/internal/netevent"
	"github.com/zachmartin/netcam/internal/pipeline"
)

// Options configures a Server.
type Options struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Server serves the camera endpoints while the network is connected.
type Server struct {
	opts     Options
	pipeline *pipeline.Pipeline
	settings http.Handler
	light    *light.Controller
	log      zerolog.Logger

	// listen binds the socket; replaced in tests.
	listen func(network, addr string) (net.Listener, error)

	attachOnce sync.Once

	mu        sync.Mutex
	running   bool
	srv       *http.Server
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
}

// New creates a stopped server.
func New(opts Options, p *pipeline.Pipeline, settings http.Handler, lc *light.Controller, log zerolog.Logger) *Server {
	return &Server{
		opts:     opts,
		pipeline: p,
		settings: settings,
		light:    lc,
		log:      log.With().Str("component", "server").Logger(),
		listen:   net.Listen,
	}
}

// Attach subscribes the server to connectivity events. Calling it more
// than once has no effect.
func (s *Server) Attach(bus *netevent.Bus) {
	s.attachOnce.Do(func() {
		bus.Subscribe(netevent.Connected, func(ev netevent.Event) {
			s.log.Info().Str("source", ev.Source).Msg("network connected")
			if err := s.Start(); err != nil {
				s.log.Error().Err(err).Msg("failed to start http server")
			}
		})
		bus.Subscribe(netevent.Disconnected, func(ev netevent.Event) {
			s.log.Info().Str("source", ev.Source).Msg("network disconnected")
			if err := s.Stop(); err != nil {
				s.log.Error().Err(err).Msg("failed to stop http server")
			}
		})
	})
}

// Start binds the listener and begins serving. It is a no-op while the
// server is already running.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.log.Debug().Msg("http server already running")
		return nil
	}

	ln, err := s.listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}

	// Cancelling the base context ends long-lived streams on Stop.
	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	done := make(chan struct{})

	s.srv = srv
	s.cancel = cancel
	s.done = done
	s.running = true
	s.startedAt = time.Now()

	go func() {
		defer close(done)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("http server error")
			s.mu.Lock()
			if s.srv == srv {
				s.running = false
				s.srv = nil
				cancel()
			}
			s.mu.Unlock()
		}
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
	return nil
}

// Stop shuts the server down, waiting up to the shutdown timeout for
// requests to finish. It is a no-op while the server is stopped.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.log.Debug().Msg("http server already stopped")
		return nil
	}
	srv, cancel, done := s.srv, s.cancel, s.done
	s.running = false
	s.srv = nil
	s.cancel = nil
	s.mu.Unlock()

	cancel()

	ctx, stop := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer stop()
	err := srv.Shutdown(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("graceful shutdown timed out, closing connections")
		err = srv.Close()
	}
	<-done

	s.log.Info().Msg("http server stopped")
	return err
}

// Running reports whether the listener is up.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/stream/jpeg", s.pipeline.StreamJPEG).Methods(http.MethodGet)
	r.HandleFunc("/stream/ws", s.pipeline.StreamWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/capture/bmp", s.pipeline.CaptureBMP).Methods(http.MethodGet)
	r.HandleFunc("/capture/jpeg", s.pipeline.CaptureJPEG).Methods(http.MethodGet)
	r.Handle("/settings", s.settings).Methods(http.MethodGet)
	r.Handle("/toggle_light", s.light).Methods(http.MethodGet)
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)

	// Wrapped outside the router so 404 and 405 responses are logged too.
	return s.requestLogger(r)
}

type healthResponse struct {
	Status   string         `json:"status"`
	Uptime   string         `json:"uptime"`
	LightOn  bool           `json:"light_on"`
	Pipeline pipeline.Stats `json:"pipeline"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	started := s.startedAt
	s.mu.Unlock()

	resp := healthResponse{
		Status:   "ok",
		LightOn:  s.light.IsOn(),
		Pipeline: s.pipeline.Stats(),
	}
	if !started.IsZero() {
		resp.Uptime = time.Since(started).Truncate(time.Second).String()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("failed to write health response")
	}
}

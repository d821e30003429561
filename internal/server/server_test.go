package server

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zachmartin/netcam/internal/encode"
	"github.com/zachmartin/netcam/internal/light"
	"github.com/zachmartin/netcam/internal/media"
	"github.com/zachmartin/netcam/internal/netevent"
	"github.com/zachmartin/netcam/internal/pipeline"
	"github.com/zachmartin/netcam/internal/settings"
)

func newTestServer(t *testing.T) (*Server, *light.MemoryPin) {
	t.Helper()
	cfg := media.DefaultDeviceConfig()
	cfg.FrameSize = media.FrameSizeQQVGA
	cfg.FrameBuffers = 2
	cfg.AcquireTimeout = time.Second

	src := media.NewSyntheticSource(cfg, 0, media.PatternColorBars, zerolog.Nop())
	t.Cleanup(func() { src.Close() })

	pin := &light.MemoryPin{}
	lc, err := light.NewController(pin, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}

	p := pipeline.New(src, encode.New(encode.DefaultQuality), zerolog.Nop())
	s := New(Options{Addr: "127.0.0.1:0", ShutdownTimeout: 2 * time.Second},
		p, settings.NewHandler(src, zerolog.Nop()), lc, zerolog.Nop())
	return s, pin
}

// countListens wraps the server's listen func and returns the bound
// address of the most recent call.
func countListens(s *Server) (*atomic.Int32, *atomic.Value) {
	var calls atomic.Int32
	var addr atomic.Value
	s.listen = func(network, address string) (net.Listener, error) {
		calls.Add(1)
		ln, err := net.Listen(network, address)
		if err == nil {
			addr.Store(ln.Addr().String())
		}
		return ln, err
	}
	return &calls, &addr
}

func TestLifecycleIdempotent(t *testing.T) {
	s, _ := newTestServer(t)
	calls, _ := countListens(s)
	bus := netevent.NewBus()
	s.Attach(bus)
	s.Attach(bus)

	bus.Publish(netevent.Event{Kind: netevent.Disconnected})
	if s.Running() {
		t.Fatal("server running after disconnect while stopped")
	}

	bus.Publish(netevent.Event{Kind: netevent.Connected})
	bus.Publish(netevent.Event{Kind: netevent.Connected})
	if got := calls.Load(); got != 1 {
		t.Errorf("listen called %d times, want 1", got)
	}
	if !s.Running() {
		t.Fatal("server not running after connect")
	}

	bus.Publish(netevent.Event{Kind: netevent.Disconnected})
	bus.Publish(netevent.Event{Kind: netevent.Disconnected})
	if s.Running() {
		t.Fatal("server running after disconnect")
	}

	bus.Publish(netevent.Event{Kind: netevent.Connected})
	if got := calls.Load(); got != 2 {
		t.Errorf("listen called %d times after reconnect, want 2", got)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestStartServesRoutes(t *testing.T) {
	s, _ := newTestServer(t)
	_, addr := countListens(s)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	resp, err := http.Get("http://" + addr.Load().(string) + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestStopEndsStreams(t *testing.T) {
	s, _ := newTestServer(t)
	_, addr := countListens(s)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	resp, err := http.Get("http://" + addr.Load().(string) + "/stream/jpeg")
	if err != nil {
		t.Fatalf("GET /stream/jpeg error = %v", err)
	}
	defer resp.Body.Close()
	if _, err := bufio.NewReader(resp.Body).Peek(64); err != nil {
		t.Fatalf("reading stream: %v", err)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()
	select {
	case err := <-stopped:
		if err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() blocked on an open stream")
	}
}

func TestHandlerRoutes(t *testing.T) {
	s, pin := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	tests := []struct {
		method      string
		path        string
		wantStatus  int
		contentType string
	}{
		{http.MethodGet, "/capture/jpeg", http.StatusOK, "image/jpeg"},
		{http.MethodGet, "/capture/bmp", http.StatusOK, "image/x-windows-bmp"},
		{http.MethodGet, "/settings?framesize=QVGA&quality=15", http.StatusOK, ""},
		{http.MethodGet, "/settings?framesize=BOGUS", http.StatusOK, ""},
		{http.MethodGet, "/health", http.StatusOK, "application/json"},
		{http.MethodPost, "/health", http.StatusMethodNotAllowed, ""},
		{http.MethodGet, "/nope", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, ts.URL+tt.path, nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request error = %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.contentType != "" && resp.Header.Get("Content-Type") != tt.contentType {
				t.Errorf("Content-Type = %q, want %q", resp.Header.Get("Content-Type"), tt.contentType)
			}
			if resp.Header.Get(RequestIDHeader) == "" {
				t.Error("missing request id header")
			}
		})
	}

	resp, err := http.Get(ts.URL + "/toggle_light")
	if err != nil {
		t.Fatalf("GET /toggle_light error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !pin.Level() {
		t.Errorf("toggle: status = %d pin = %v", resp.StatusCode, pin.Level())
	}
}

func TestHealthReportsCounters(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	for i := 0; i < 2; i++ {
		resp, err := http.Get(ts.URL + "/capture/jpeg")
		if err != nil {
			t.Fatalf("GET /capture/jpeg error = %v", err)
		}
		resp.Body.Close()
	}
	resp, err := http.Get(ts.URL + "/toggle_light")
	if err != nil {
		t.Fatalf("GET /toggle_light error = %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	defer resp.Body.Close()

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body.Status != "ok" || !body.LightOn || body.Pipeline.Captures != 2 {
		t.Errorf("health = %+v", body)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("request id = %q, want abc-123", got)
	}
}

func TestWebSocketThroughMiddleware(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/stream/ws", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Errorf("status = %d, want 101", resp.StatusCode)
	}

	mt, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if mt != websocket.BinaryMessage || len(msg) < 2 || msg[0] != 0xff || msg[1] != 0xd8 {
		t.Errorf("unexpected message type %d, %d bytes", mt, len(msg))
	}
}

package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/loqalabs/loqa-live/internal/capability"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/eventstore"
	"github.com/loqalabs/loqa-live/internal/live"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type idleChannel struct {
	once   sync.Once
	closed chan struct{}
}

func newIdleChannel() *idleChannel { return &idleChannel{closed: make(chan struct{})} }

func (c *idleChannel) Send(context.Context, live.Outbound) error { return nil }

func (c *idleChannel) Receive(ctx context.Context) (live.InboundEvent, error) {
	select {
	case <-ctx.Done():
		return live.InboundEvent{}, ctx.Err()
	case <-c.closed:
		return live.InboundEvent{}, io.EOF
	}
}

func (c *idleChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type stubDialer struct {
	err error
}

func (d stubDialer) Dial(context.Context) (live.Channel, error) {
	if d.err != nil {
		return nil, d.err
	}
	return newIdleChannel(), nil
}

func newTestAPI(t *testing.T, dialer live.Dialer) (*api, *live.Session) {
	t.Helper()
	session, err := live.New(live.Config{Dialer: dialer, Provider: capability.NewMockProvider()}, newLogger())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(session.Disconnect)
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return &api{
		session: session,
		store:   store,
		ready:   func() bool { return true },
		log:     newLogger(),
	}, session
}

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	var body map[string]any
	if rec.Header().Get("Content-Type") == "application/json" {
		_ = json.Unmarshal(rec.Body.Bytes(), &body)
	}
	return rec, body
}

func TestHealthEndpoints(t *testing.T) {
	a, _ := newTestAPI(t, stubDialer{})
	mux := a.routes()

	if rec, _ := do(t, mux, http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", rec.Code)
	}
	a.ready = func() bool { return false }
	if rec, _ := do(t, mux, http.MethodGet, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected readyz 503, got %d", rec.Code)
	}
}

func TestConnectAndDisconnectOverHTTP(t *testing.T) {
	a, session := newTestAPI(t, stubDialer{})
	mux := a.routes()

	rec, body := do(t, mux, http.MethodPost, "/v1/session/connect")
	if rec.Code != http.StatusOK || body["state"] != "connected" {
		t.Fatalf("unexpected connect response %d %v", rec.Code, body)
	}
	if body["id"] != session.ID() {
		t.Fatalf("expected session id %s, got %v", session.ID(), body["id"])
	}

	rec, _ = do(t, mux, http.MethodPost, "/v1/session/connect")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for second connect, got %d", rec.Code)
	}

	rec, body = do(t, mux, http.MethodPost, "/v1/session/disconnect")
	if rec.Code != http.StatusOK || body["state"] != "disconnected" {
		t.Fatalf("unexpected disconnect response %d %v", rec.Code, body)
	}
}

func TestConnectFailureReportsError(t *testing.T) {
	a, _ := newTestAPI(t, stubDialer{err: errors.New("handshake refused")})
	mux := a.routes()

	rec, body := do(t, mux, http.MethodPost, "/v1/session/connect")
	if rec.Code != http.StatusBadGateway || body["state"] != "error" {
		t.Fatalf("unexpected failure response %d %v", rec.Code, body)
	}

	_, body = do(t, mux, http.MethodGet, "/v1/session")
	if body["state"] != "error" || body["error"] == nil {
		t.Fatalf("expected error surfaced in session view, got %v", body)
	}

	_, body = do(t, mux, http.MethodPost, "/v1/session/disconnect")
	if body["state"] != "error" {
		t.Fatalf("disconnect from error should keep error state, got %v", body["state"])
	}
}

func TestMessagesAndJournalEndpoints(t *testing.T) {
	a, _ := newTestAPI(t, stubDialer{})
	mux := a.routes()

	for _, path := range []string{"/v1/session/messages", "/v1/session/messages?order=history", "/v1/sessions", "/v1/sessions/abc/events"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
		var out []any
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s: expected JSON array: %v", path, err)
		}
		if len(out) != 0 {
			t.Fatalf("%s: expected empty array, got %v", path, out)
		}
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/session/connect", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET connect, got %d", rec.Code)
	}
}

func TestBuildWithoutBus(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Enabled = false
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "live.db")
	cfg.Tools.Mode = "mock"
	cfg.Microphone.Mode = "mock"
	cfg.Camera.Mode = "mock"

	r := New(cfg, newLogger())
	if err := r.build(context.Background()); err != nil {
		t.Fatalf("build: %v", err)
	}
	defer r.teardown()

	if r.session.State() != live.StateDisconnected {
		t.Fatalf("expected disconnected session, got %s", r.session.State())
	}
	if r.bus != nil || r.nats != nil {
		t.Fatalf("bus should stay disabled")
	}
	r.ready.Store(true)
	if !r.healthy() {
		t.Fatalf("expected runtime healthy without a bus")
	}
}

func TestBuildRejectsUnknownModes(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Enabled = false
	cfg.EventStore.RetentionMode = "ephemeral"
	cfg.Tools.Mode = "mock"
	cfg.Microphone.Mode = "alsa"

	r := New(cfg, newLogger())
	err := r.build(context.Background())
	r.teardown()
	if err == nil {
		t.Fatalf("expected unknown microphone mode to fail")
	}
}

func TestMetricsHandlerServesInstruments(t *testing.T) {
	ctx := context.Background()
	mp, handler, err := initMetrics(resource.Empty())
	if err != nil {
		t.Fatalf("init metrics: %v", err)
	}
	defer mp.Shutdown(ctx)

	counter, err := mp.Meter("test").Int64Counter("loqa.live.audio.dropped")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(ctx, 3)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "loqa_live_audio_dropped") {
		t.Fatalf("expected otel counter in scrape output")
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("expected go runtime collector in scrape output")
	}
}

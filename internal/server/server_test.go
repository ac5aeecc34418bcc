package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"relaycast/internal/observability/metrics"
)

func newTestRouter() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	rest := router.PathPrefix("/rest").Subrouter()
	rest.HandleFunc("/broadcast/count", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]int{"number": 0})
	}).Methods(http.MethodGet)
	rest.HandleFunc("/broadcast/create", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPost)
	rest.HandleFunc("/broadcast/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	rest.HandleFunc("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	return router
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	srv, err := New(newTestRouter(), cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})
	return srv
}

func TestNewReturnsErrorWhenHandlerNil(t *testing.T) {
	t.Parallel()

	srv, err := New(nil, Config{})
	if err == nil {
		t.Fatalf("expected error when handler is nil, got server: %#v", srv)
	}
}

func TestNewRejectsMalformedOrigin(t *testing.T) {
	t.Parallel()

	if _, err := New(newTestRouter(), Config{CORS: CORSConfig{AllowedOrigins: []string{"::"}}}); err == nil {
		t.Fatal("expected malformed origin to be rejected")
	}
}

func TestNewAppliesTimeoutDefaults(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{Addr: "127.0.0.1:0", TLS: true})
	httpServer := srv.HTTPServer()
	if httpServer.Addr != "127.0.0.1:0" {
		t.Fatalf("unexpected addr %q", httpServer.Addr)
	}
	if httpServer.ReadHeaderTimeout != 5*time.Second || httpServer.IdleTimeout != 60*time.Second {
		t.Fatalf("unexpected timeouts: header=%s idle=%s", httpServer.ReadHeaderTimeout, httpServer.IdleTimeout)
	}
	if httpServer.WriteTimeout != 0 {
		t.Fatalf("expected no write timeout so uploads can stream, got %s", httpServer.WriteTimeout)
	}
	if httpServer.TLSConfig == nil {
		t.Fatal("expected TLS config when TLS is enabled")
	}
}

func TestServerRecordsRouteTemplatesInMetrics(t *testing.T) {
	recorder := metrics.New()
	srv := newTestServer(t, Config{Metrics: recorder})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rest/broadcast/abcdef", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected request id header")
	}

	var out bytes.Buffer
	recorder.Write(&out)
	want := `relaycast_http_requests_total{method="GET",path="/rest/broadcast/{id}",status="200"} 1`
	if !strings.Contains(out.String(), want) {
		t.Fatalf("expected %q in metrics output:\n%s", want, out.String())
	}
}

func TestServerRecoversFromPanics(t *testing.T) {
	srv := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/rest/panic", nil)
	req.Header.Set("X-Request-Id", "req-1")
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Request-Id"); got != "req-1" {
		t.Fatalf("expected request id on panic response, got %q", got)
	}
}

func TestServerRateLimitsMutationsPerClient(t *testing.T) {
	srv := newTestServer(t, Config{RateLimit: RateLimitConfig{MutationLimit: 2, MutationWindow: time.Minute}})

	post := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/rest/broadcast/create", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := post("192.0.2.1:4000"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := post("192.0.2.1:4001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if rec := post("192.0.2.2:4000"); rec.Code != http.StatusOK {
		t.Fatalf("expected other client to pass, got %d", rec.Code)
	}

	get := httptest.NewRequest(http.MethodGet, "/rest/broadcast/count", nil)
	get.RemoteAddr = "192.0.2.1:4000"
	getRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(getRec, get)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected reads to bypass the mutation limit, got %d", getRec.Code)
	}
}

func TestServerGlobalRateLimitSkipsHealth(t *testing.T) {
	srv := newTestServer(t, Config{RateLimit: RateLimitConfig{RPS: 1, Burst: 1}})

	serve := func(path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "192.0.2.9:1234"
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	if code := serve("/rest/broadcast/count"); code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", code)
	}
	if code := serve("/rest/broadcast/count"); code != http.StatusTooManyRequests {
		t.Fatalf("expected burst to be exhausted, got %d", code)
	}
	for i := 0; i < 3; i++ {
		if code := serve("/healthz"); code != http.StatusOK {
			t.Fatalf("expected health checks to bypass limits, got %d", code)
		}
	}
}

func TestClientIPHonoursProxyHeadersOnlyWhenTrusted(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	if got := clientIP(req, false); got != "10.0.0.1" {
		t.Fatalf("expected remote address without trust, got %q", got)
	}
	if got := clientIP(req, true); got != "203.0.113.7" {
		t.Fatalf("expected forwarded address with trust, got %q", got)
	}
	req.Header.Del("X-Forwarded-For")
	req.Header.Set("X-Real-IP", "203.0.113.8")
	if got := clientIP(req, true); got != "203.0.113.8" {
		t.Fatalf("expected real ip header, got %q", got)
	}
}

func TestRateLimiterForgetsIdleClients(t *testing.T) {
	t.Parallel()

	rl, err := newRateLimiter(RateLimitConfig{RPS: 5})
	if err != nil {
		t.Fatalf("newRateLimiter: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	if ok, _, _ := rl.Allow(context.Background(), "198.51.100.1", false); !ok {
		t.Fatal("expected first request to pass")
	}
	now = now.Add(limiterIdleTTL + 2*time.Minute)
	if ok, _, _ := rl.Allow(context.Background(), "198.51.100.2", false); !ok {
		t.Fatal("expected second client to pass")
	}
	rl.mu.Lock()
	_, stale := rl.clients["198.51.100.1"]
	rl.mu.Unlock()
	if stale {
		t.Fatal("expected idle client limiter to be swept")
	}
}

func TestAuditMiddlewareLogsMutationsOnly(t *testing.T) {
	var buf bytes.Buffer
	audit := slog.New(slog.NewJSONHandler(&buf, nil))
	srv := newTestServer(t, Config{AuditLogger: audit})

	srv.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/rest/broadcast/count", nil))
	if buf.Len() != 0 {
		t.Fatalf("expected reads not to be audited, got %q", buf.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/rest/broadcast/create", nil)
	req.Header.Set("X-Request-Id", "audit-1")
	srv.Handler().ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode audit entry: %v", err)
	}
	if entry["msg"] != "audit" || entry["path"] != "/rest/broadcast/create" || entry["request_id"] != "audit-1" {
		t.Fatalf("unexpected audit entry: %v", entry)
	}
}

func serveRequest(srv *Server, method, path string) int {
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec.Code
}

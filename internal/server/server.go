package server

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
)

// Timeouts bounds the phases of a connection. Read and Write default to zero
// because VoD uploads stream bodies of several gigabytes.
type Timeouts struct {
	ReadHeader time.Duration
	Read       time.Duration
	Write      time.Duration
	Idle       time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.ReadHeader <= 0 {
		t.ReadHeader = 5 * time.Second
	}
	if t.Idle <= 0 {
		t.Idle = 60 * time.Second
	}
	return t
}

type Config struct {
	Addr        string
	TLS         bool
	Timeouts    Timeouts
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Security    SecurityConfig
	Logger      *slog.Logger
	AuditLogger *slog.Logger
	Metrics     *metrics.Recorder
	// RequestID overrides the request id generator, mainly for tests.
	RequestID func() string
}

// Server wraps the REST handler in the shared middleware chain.
type Server struct {
	httpServer  *http.Server
	handler     http.Handler
	logger      *slog.Logger
	rateLimiter *rateLimiter
}

func New(handler http.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "http")
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}

	var rl *rateLimiter
	if cfg.RateLimit.RPS > 0 || cfg.RateLimit.MutationLimit > 0 {
		rl, err = newRateLimiter(cfg.RateLimit)
		if err != nil {
			return nil, err
		}
	}

	chain := handler
	if router, ok := handler.(*mux.Router); ok {
		// Installed on the router so the matched route template labels the
		// request metrics.
		router.Use(func(next http.Handler) http.Handler {
			return metrics.HTTPMiddleware(recorder, next)
		})
	} else {
		chain = metrics.HTTPMiddleware(recorder, chain)
	}
	if rl != nil {
		chain = rateLimitMiddleware(rl, logger, chain)
	}
	chain = corsMiddleware(policy, logger, chain)
	chain = securityHeadersMiddleware(cfg.Security, chain)
	chain = auditMiddleware(cfg.AuditLogger, chain)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(chain)
	chain = recoveryMiddleware(logger, chain)
	chain = requestIDMiddleware(cfg.RequestID, chain)

	timeouts := cfg.Timeouts.withDefaults()
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           chain,
		ReadHeaderTimeout: timeouts.ReadHeader,
		ReadTimeout:       timeouts.Read,
		WriteTimeout:      timeouts.Write,
		IdleTimeout:       timeouts.Idle,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	if cfg.TLS {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &Server{
		httpServer:  httpServer,
		handler:     chain,
		logger:      logger,
		rateLimiter: rl,
	}, nil
}

// Handler returns the wrapped handler chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// HTTPServer returns the configured listener for serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Close releases the shared rate limit store.
func (s *Server) Close() error {
	return s.rateLimiter.Close()
}

// auditMiddleware records every state-changing REST call on a dedicated
// logger so operators can ship it separately.
func auditMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rr := metrics.NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(rr, r)
		if !shouldAudit(r) {
			return
		}
		fields := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rr.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_ip", clientIP(r, false),
		}
		logging.WithContext(r.Context(), logger).Info("audit", fields...)
	})
}

func shouldAudit(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/rest/")
}

package mediastub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Stream mirrors the media server's stream document.
type Stream struct {
	StreamID      string `json:"streamId"`
	Publisher     string `json:"publisher,omitempty"`
	RTMPViewers   int    `json:"rtmpViewers"`
	WebRTCViewers int    `json:"webrtcViewers"`
}

// Options describes how the fake media server behaves.
type Options struct {
	// Token is the expected bearer token. Empty skips the check.
	Token string
	// Streams are the live connections known at start.
	Streams []Stream
	// FailRequests answers the first N requests with HTTP 503.
	FailRequests int
	// Unhealthy makes the health endpoint answer 503.
	Unhealthy bool
}

// Operation is a recorded control call.
type Operation struct {
	Kind      string
	StreamID  string
	Status    int
	Timestamp time.Time
}

// Server is a running fake media server.
type Server struct {
	server *httptest.Server
	opts   Options

	mu         sync.Mutex
	streams    map[string]Stream
	operations []Operation
	requests   int
}

// Start spins up a fake using opts.
func Start(opts Options) *Server {
	s := &Server{opts: opts, streams: make(map[string]Stream)}
	for _, stream := range opts.Streams {
		s.streams[stream.StreamID] = stream
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Close shuts down the underlying HTTP server.
func (s *Server) Close() {
	if s.server != nil {
		s.server.Close()
	}
}

// BaseURL returns the root URL of the REST API.
func (s *Server) BaseURL() string {
	return s.server.URL
}

// SetStream adds or replaces a live connection.
func (s *Server) SetStream(stream Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[stream.StreamID] = stream
}

// Live reports whether streamID still has a live connection.
func (s *Server) Live(streamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[streamID]
	return ok
}

// Operations returns a copy of all recorded operations in order.
func (s *Server) Operations() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Operation, len(s.operations))
	copy(out, s.operations)
	return out
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if s.opts.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.opts.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	s.requests++
	failing := s.requests <= s.opts.FailRequests
	s.mu.Unlock()

	path := r.URL.EscapedPath()
	switch {
	case r.Method == http.MethodGet && path == "/healthz":
		if failing || s.opts.Unhealthy {
			http.Error(w, "media server unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	case strings.HasPrefix(path, "/v1/streams/"):
		s.handleStream(w, r, strings.TrimPrefix(path, "/v1/streams/"), failing)
	case r.Method == http.MethodDelete && strings.HasPrefix(path, "/v1/pulls/"):
		streamID := unescape(strings.TrimPrefix(path, "/v1/pulls/"))
		if s.fail(w, "pull-stop", streamID, failing) {
			return
		}
		s.mu.Lock()
		delete(s.streams, streamID)
		s.mu.Unlock()
		s.record("pull-stop", streamID, http.StatusNoContent)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "unexpected request", http.StatusNotFound)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, rest string, failing bool) {
	switch {
	case r.Method == http.MethodGet && !strings.Contains(rest, "/"):
		streamID := unescape(rest)
		if s.fail(w, "lookup", streamID, failing) {
			return
		}
		s.mu.Lock()
		stream, ok := s.streams[streamID]
		s.mu.Unlock()
		if !ok {
			s.record("lookup", streamID, http.StatusNotFound)
			http.NotFound(w, r)
			return
		}
		s.record("lookup", streamID, http.StatusOK)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stream)
	case r.Method == http.MethodDelete && strings.HasSuffix(rest, "/connection"):
		streamID := unescape(strings.TrimSuffix(rest, "/connection"))
		if s.fail(w, "close", streamID, failing) {
			return
		}
		s.mu.Lock()
		_, ok := s.streams[streamID]
		delete(s.streams, streamID)
		s.mu.Unlock()
		if !ok {
			s.record("close", streamID, http.StatusNotFound)
			http.NotFound(w, r)
			return
		}
		s.record("close", streamID, http.StatusNoContent)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "unexpected request", http.StatusNotFound)
	}
}

func (s *Server) fail(w http.ResponseWriter, kind, streamID string, failing bool) bool {
	if !failing {
		return false
	}
	s.record(kind, streamID, http.StatusServiceUnavailable)
	http.Error(w, "media server unavailable", http.StatusServiceUnavailable)
	return true
}

func (s *Server) record(kind, streamID string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operations = append(s.operations, Operation{Kind: kind, StreamID: streamID, Status: status, Timestamp: time.Now()})
}

func unescape(segment string) string {
	if value, err := url.PathUnescape(segment); err == nil {
		return value
	}
	return segment
}

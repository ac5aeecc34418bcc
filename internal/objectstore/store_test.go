package objectstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestNewReturnsNoopWhenDisabled(t *testing.T) {
	store, err := New(Config{Endpoint: "localhost:9000"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := store.(NoopStore); !ok {
		t.Fatalf("expected NoopStore, got %T", store)
	}
	if err := store.Put(context.Background(), "k", strings.NewReader("x"), 1, "text/plain"); err != nil {
		t.Fatalf("noop Put: %v", err)
	}
}

func TestMinioStorePutAndDelete(t *testing.T) {
	var (
		mu       sync.Mutex
		requests []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests = append(requests, r.Method+" "+r.URL.Path)
		mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			w.Header().Set("ETag", `"abc"`)
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	store, err := NewMinioStore(Config{
		Endpoint:  strings.TrimPrefix(server.URL, "http://"),
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "media",
		Region:    "us-east-1",
		Prefix:    "/live/",
	})
	if err != nil {
		t.Fatalf("NewMinioStore: %v", err)
	}
	ctx := context.Background()
	if err := store.Put(ctx, "streams/abc.mp4", strings.NewReader("data"), 4, "video/mp4"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Delete(ctx, "/previews/abc.png"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"PUT /media/live/streams/abc.mp4", "DELETE /media/live/previews/abc.png"}
	if len(requests) != len(want) {
		t.Fatalf("unexpected requests %v", requests)
	}
	for i := range want {
		if requests[i] != want[i] {
			t.Fatalf("request %d: expected %q, got %q", i, want[i], requests[i])
		}
	}
}

package api

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const healthTimeout = 5 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []componentStatus `json:"components"`
}

// componentHealth checks the datastore and the media server concurrently.
// Media server states are mirrored onto the health gauge.
func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	var (
		mu         sync.Mutex
		components []componentStatus
	)
	add := func(status componentStatus) {
		mu.Lock()
		components = append(components, status)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	if h.datastore != nil {
		g.Go(func() error {
			status := componentStatus{Component: "datastore", Status: "ok"}
			if err := h.datastore.Ping(gctx); err != nil {
				status.Status = "degraded"
				status.Error = err.Error()
			}
			add(status)
			return nil
		})
	}
	g.Go(func() error {
		for _, check := range h.transport.HealthChecks(gctx) {
			h.recorder.SetMediaHealth(check.Component, check.Status)
			add(componentStatus{Component: check.Component, Status: check.Status, Error: check.Detail})
		}
		return nil
	})
	_ = g.Wait()

	overall, code := "ok", http.StatusOK
	for _, c := range components {
		if c.Status != "ok" && c.Status != "disabled" {
			overall, code = "degraded", http.StatusServiceUnavailable
		}
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Component < components[j].Component })
	return components, overall, code
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, overall, code := h.componentHealth(r.Context())
	if r.Method == http.MethodHead {
		w.WriteHeader(code)
		return
	}
	writeJSON(w, code, healthResponse{Status: overall, Components: components})
}

func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.version)
}

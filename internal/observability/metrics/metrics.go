package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// OutcomeLabel pairs a subject (service, export kind) with its outcome.
type OutcomeLabel struct {
	Subject string
	Outcome string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// broadcast lifecycle events, device authorizations, token checks and catalog
// exports, and renders them in Prometheus text format.
type Recorder struct {
	mu                 sync.RWMutex
	requestCount       map[requestLabel]uint64
	requestDuration    map[requestLabel]time.Duration
	broadcastEvents    map[string]uint64
	mediaHealthValue   map[string]float64
	mediaHealthState   map[string]string
	deviceAuthOutcomes map[OutcomeLabel]uint64
	tokenChecks        map[string]uint64
	catalogExports     map[OutcomeLabel]uint64
	activeBroadcasts   atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder ready for use.
func New() *Recorder {
	return &Recorder{
		requestCount:       make(map[requestLabel]uint64),
		requestDuration:    make(map[requestLabel]time.Duration),
		broadcastEvents:    make(map[string]uint64),
		mediaHealthValue:   make(map[string]float64),
		mediaHealthState:   make(map[string]string),
		deviceAuthOutcomes: make(map[OutcomeLabel]uint64),
		tokenChecks:        make(map[string]uint64),
		catalogExports:     make(map[OutcomeLabel]uint64),
	}
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and duration by method,
// normalized path and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveBroadcastEvent counts a lifecycle event such as "broadcast.created".
func (r *Recorder) ObserveBroadcastEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.broadcastEvents[normalized]++
	r.mu.Unlock()
}

// SetActiveBroadcasts stores the number of broadcasts currently live.
func (r *Recorder) SetActiveBroadcasts(n int64) {
	if n < 0 {
		n = 0
	}
	r.activeBroadcasts.Store(n)
}

// ActiveBroadcasts returns the last stored live broadcast count.
func (r *Recorder) ActiveBroadcasts() int64 {
	return r.activeBroadcasts.Load()
}

// ObserveDeviceAuth counts a terminal device authorization outcome per service.
func (r *Recorder) ObserveDeviceAuth(service, outcome string) {
	label := OutcomeLabel{Subject: normalizeName(service), Outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.deviceAuthOutcomes[label]++
	r.mu.Unlock()
}

// ObserveTokenCheck counts a token validation, accepted or rejected.
func (r *Recorder) ObserveTokenCheck(accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	r.mu.Lock()
	r.tokenChecks[result]++
	r.mu.Unlock()
}

// ObserveCatalogExport counts a catalog export run by kind ("live", "vod")
// and whether it succeeded.
func (r *Recorder) ObserveCatalogExport(kind string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	label := OutcomeLabel{Subject: normalizeName(kind), Outcome: outcome}
	r.mu.Lock()
	r.catalogExports[label]++
	r.mu.Unlock()
}

// SetMediaHealth maps a media server component status to a numeric value.
func (r *Recorder) SetMediaHealth(component, status string) {
	normalizedComponent := normalizeName(component)
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	value := 0.0
	switch normalizedStatus {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	default:
		value = -1
	}
	r.mu.Lock()
	r.mediaHealthValue[normalizedComponent] = value
	r.mediaHealthState[normalizedComponent] = normalizedStatus
	r.mu.Unlock()
}

// DeviceAuthCounts returns a copy of the device authorization counters.
func (r *Recorder) DeviceAuthCounts() map[OutcomeLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[OutcomeLabel]uint64, len(r.deviceAuthOutcomes))
	for k, v := range r.deviceAuthOutcomes {
		out[k] = v
	}
	return out
}

// BroadcastEventCounts returns a copy of the lifecycle event counters.
func (r *Recorder) BroadcastEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.broadcastEvents))
	for k, v := range r.broadcastEvents {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges. It is intended for tests.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.broadcastEvents = make(map[string]uint64)
	r.mediaHealthValue = make(map[string]float64)
	r.mediaHealthState = make(map[string]string)
	r.deviceAuthOutcomes = make(map[OutcomeLabel]uint64)
	r.tokenChecks = make(map[string]uint64)
	r.catalogExports = make(map[OutcomeLabel]uint64)
	r.activeBroadcasts.Store(0)
}

// Handler exposes the Recorder in Prometheus text exposition format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics with label sets sorted for stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP relaycast_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE relaycast_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "relaycast_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP relaycast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE relaycast_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "relaycast_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP relaycast_broadcast_events_total Broadcast and VoD lifecycle events by type")
	fmt.Fprintln(w, "# TYPE relaycast_broadcast_events_total counter")
	for _, event := range sortedKeys(r.broadcastEvents) {
		fmt.Fprintf(w, "relaycast_broadcast_events_total{event=\"%s\"} %d\n", event, r.broadcastEvents[event])
	}

	fmt.Fprintln(w, "# HELP relaycast_active_broadcasts Broadcasts currently marked as broadcasting")
	fmt.Fprintln(w, "# TYPE relaycast_active_broadcasts gauge")
	fmt.Fprintf(w, "relaycast_active_broadcasts %d\n", r.activeBroadcasts.Load())

	fmt.Fprintln(w, "# HELP relaycast_media_health Media server health (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE relaycast_media_health gauge")
	for _, component := range sortedKeys(r.mediaHealthValue) {
		fmt.Fprintf(w, "relaycast_media_health{component=\"%s\",status=\"%s\"} %f\n", component, r.mediaHealthState[component], r.mediaHealthValue[component])
	}

	fmt.Fprintln(w, "# HELP relaycast_device_auth_total Device authorizations by service and outcome")
	fmt.Fprintln(w, "# TYPE relaycast_device_auth_total counter")
	for _, label := range sortedOutcomes(r.deviceAuthOutcomes) {
		fmt.Fprintf(w, "relaycast_device_auth_total{service=\"%s\",outcome=\"%s\"} %d\n", label.Subject, label.Outcome, r.deviceAuthOutcomes[label])
	}

	fmt.Fprintln(w, "# HELP relaycast_token_checks_total Token validations by result")
	fmt.Fprintln(w, "# TYPE relaycast_token_checks_total counter")
	for _, result := range sortedKeys(r.tokenChecks) {
		fmt.Fprintf(w, "relaycast_token_checks_total{result=\"%s\"} %d\n", result, r.tokenChecks[result])
	}

	fmt.Fprintln(w, "# HELP relaycast_catalog_exports_total Catalog export runs by kind and outcome")
	fmt.Fprintln(w, "# TYPE relaycast_catalog_exports_total counter")
	for _, label := range sortedOutcomes(r.catalogExports) {
		fmt.Fprintf(w, "relaycast_catalog_exports_total{kind=\"%s\",outcome=\"%s\"} %d\n", label.Subject, label.Outcome, r.catalogExports[label])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedOutcomes(m map[OutcomeLabel]uint64) []OutcomeLabel {
	labels := make([]OutcomeLabel, 0, len(m))
	for label := range m {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Subject != labels[j].Subject {
			return labels[i].Subject < labels[j].Subject
		}
		return labels[i].Outcome < labels[j].Outcome
	})
	return labels
}

// normalizePath collapses identifier-like path segments so stream ids do not
// explode the label space.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part != "" && looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3 || (digitCount > 0 && digitCount == len(segment))
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest records a request on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}

package metrics

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveRequestAndNormalizePath(t *testing.T) {
	recorder := New()

	type testCase struct {
		name     string
		method   string
		path     string
		status   int
		duration time.Duration
	}

	cases := []testCase{
		{
			name:     "root path",
			method:   "get",
			path:     "/",
			status:   200,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "empty path",
			method:   "GET",
			path:     "",
			status:   200,
			duration: 25 * time.Millisecond,
		},
		{
			name:     "id segment",
			method:   "post",
			path:     "/broadcasts/123",
			status:   201,
			duration: 100 * time.Millisecond,
		},
		{
			name:     "trailing slash and alpha id",
			method:   "POST",
			path:     "/vods/abc123def/",
			status:   201,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "multi ids",
			method:   "PATCH",
			path:     "streams/abc/456/extra",
			status:   404,
			duration: 10 * time.Millisecond,
		},
	}

	expectedCounts := make(map[requestLabel]struct {
		count    uint64
		duration time.Duration
	})

	for _, tc := range cases {
		recorder.ObserveRequest(tc.method, tc.path, tc.status, tc.duration)

		label := requestLabel{
			method: strings.ToUpper(tc.method),
			path:   normalizePath(tc.path),
			status: fmt.Sprintf("%d", tc.status),
		}
		current := expectedCounts[label]
		current.count++
		current.duration += tc.duration
		expectedCounts[label] = current
	}

	if len(recorder.requestCount) != len(expectedCounts) {
		t.Fatalf("unexpected number of labels: got %d want %d", len(recorder.requestCount), len(expectedCounts))
	}

	for label, expected := range expectedCounts {
		gotCount := recorder.requestCount[label]
		gotDuration := recorder.requestDuration[label]
		if gotCount != expected.count {
			t.Errorf("count mismatch for %+v: got %d want %d", label, gotCount, expected.count)
		}
		if gotDuration != expected.duration {
			t.Errorf("duration mismatch for %+v: got %s want %s", label, gotDuration, expected.duration)
		}
	}

	labels := recorder.sortedRequestLabels()
	sortedExpected := make([]requestLabel, 0, len(expectedCounts))
	for label := range expectedCounts {
		sortedExpected = append(sortedExpected, label)
	}
	sort.Slice(sortedExpected, func(i, j int) bool {
		if sortedExpected[i].method != sortedExpected[j].method {
			return sortedExpected[i].method < sortedExpected[j].method
		}
		if sortedExpected[i].path != sortedExpected[j].path {
			return sortedExpected[i].path < sortedExpected[j].path
		}
		return sortedExpected[i].status < sortedExpected[j].status
	})

	if len(labels) != len(sortedExpected) {
		t.Fatalf("sorted labels length mismatch: got %d want %d", len(labels), len(sortedExpected))
	}

	for i := range labels {
		if labels[i] != sortedExpected[i] {
			t.Errorf("sorted label %d mismatch: got %+v want %+v", i, labels[i], sortedExpected[i])
		}
	}
}

func TestActiveBroadcastGaugeConcurrent(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			recorder.SetActiveBroadcasts(int64(n - 10))
			recorder.ObserveBroadcastEvent("broadcast.updated")
		}(i)
	}
	wg.Wait()

	if active := recorder.ActiveBroadcasts(); active < 0 {
		t.Fatalf("active broadcasts should not go negative; got %d", active)
	}
	if count := recorder.BroadcastEventCounts()["broadcast.updated"]; count != 50 {
		t.Fatalf("unexpected update events: got %d want 50", count)
	}
}

func TestWriteAndHandlerOutput(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("GET", "/broadcasts/abc123", 200, 150*time.Millisecond)
	recorder.ObserveRequest("get", "/broadcasts/456/", 200, 50*time.Millisecond)
	recorder.ObserveRequest("POST", "/broadcasts", 201, time.Second)

	recorder.ObserveBroadcastEvent("broadcast.created")
	recorder.ObserveBroadcastEvent("broadcast.created")
	recorder.ObserveBroadcastEvent(" Broadcast.Deleted ")
	recorder.SetActiveBroadcasts(3)

	recorder.SetMediaHealth(" RTMP ", "OK")
	recorder.SetMediaHealth("webrtc", "Degraded")

	recorder.ObserveDeviceAuth("YouTube", "authenticated")
	recorder.ObserveDeviceAuth("facebook", "denied")

	recorder.ObserveTokenCheck(true)
	recorder.ObserveTokenCheck(false)
	recorder.ObserveTokenCheck(false)

	recorder.ObserveCatalogExport("live", true)
	recorder.ObserveCatalogExport("vod", false)

	var buf bytes.Buffer
	recorder.Write(&buf)

	expected := `# HELP relaycast_http_requests_total Total number of HTTP requests processed by the API
# TYPE relaycast_http_requests_total counter
relaycast_http_requests_total{method="GET",path="/broadcasts/:id",status="200"} 2
relaycast_http_requests_total{method="POST",path="/broadcasts",status="201"} 1
# HELP relaycast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds
# TYPE relaycast_http_request_duration_seconds_sum counter
relaycast_http_request_duration_seconds_sum{method="GET",path="/broadcasts/:id",status="200"} 0.200000
relaycast_http_request_duration_seconds_sum{method="POST",path="/broadcasts",status="201"} 1.000000
# HELP relaycast_broadcast_events_total Broadcast and VoD lifecycle events by type
# TYPE relaycast_broadcast_events_total counter
relaycast_broadcast_events_total{event="broadcast.created"} 2
relaycast_broadcast_events_total{event="broadcast.deleted"} 1
# HELP relaycast_active_broadcasts Broadcasts currently marked as broadcasting
# TYPE relaycast_active_broadcasts gauge
relaycast_active_broadcasts 3
# HELP relaycast_media_health Media server health (1=ok,0=disabled,-1=degraded)
# TYPE relaycast_media_health gauge
relaycast_media_health{component="rtmp",status="ok"} 1.000000
relaycast_media_health{component="webrtc",status="degraded"} -1.000000
# HELP relaycast_device_auth_total Device authorizations by service and outcome
# TYPE relaycast_device_auth_total counter
relaycast_device_auth_total{service="facebook",outcome="denied"} 1
relaycast_device_auth_total{service="youtube",outcome="authenticated"} 1
# HELP relaycast_token_checks_total Token validations by result
# TYPE relaycast_token_checks_total counter
relaycast_token_checks_total{result="accepted"} 1
relaycast_token_checks_total{result="rejected"} 2
# HELP relaycast_catalog_exports_total Catalog export runs by kind and outcome
# TYPE relaycast_catalog_exports_total counter
relaycast_catalog_exports_total{kind="live",outcome="success"} 1
relaycast_catalog_exports_total{kind="vod",outcome="failure"} 1`

	if diff := compareLines(buf.String(), expected); diff != "" {
		t.Fatalf("unexpected write output:\n%s", diff)
	}

	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))

	if contentType := res.Result().Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("unexpected content type: %s", contentType)
	}
	if diff := compareLines(res.Body.String(), expected); diff != "" {
		t.Fatalf("unexpected handler output:\n%s", diff)
	}
}

func TestResetClearsEverything(t *testing.T) {
	recorder := New()
	recorder.ObserveDeviceAuth("youtube", "timeout")
	recorder.SetActiveBroadcasts(4)
	recorder.Reset()
	if len(recorder.DeviceAuthCounts()) != 0 || recorder.ActiveBroadcasts() != 0 {
		t.Fatal("expected Reset to clear counters and gauges")
	}
}

func compareLines(actual, expected string) string {
	actualLines := strings.Split(strings.TrimSpace(actual), "\n")
	expectedLines := strings.Split(strings.TrimSpace(expected), "\n")
	if len(actualLines) != len(expectedLines) {
		return formatDiff(actualLines, expectedLines)
	}
	for i := range actualLines {
		if actualLines[i] != expectedLines[i] {
			return formatDiff(actualLines, expectedLines)
		}
	}
	return ""
}

func formatDiff(actual, expected []string) string {
	var b strings.Builder
	b.WriteString("expected\n")
	for _, line := range expected {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("got\n")
	for _, line := range actual {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

package broadcast

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relaycast/internal/config"
	"relaycast/internal/events"
	"relaycast/internal/models"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/social"
	"relaycast/internal/storage"
	"relaycast/internal/transport"
)

type stubEndpoint struct {
	social.VideoServiceEndpoint
	name    string
	fail    error
	views   int64
	created atomic.Int32
}

func (s *stubEndpoint) Name() string { return s.name }

func (s *stubEndpoint) CreateBroadcast(_ context.Context, req social.BroadcastRequest) (models.Endpoint, error) {
	s.created.Add(1)
	if s.fail != nil {
		return models.Endpoint{}, s.fail
	}
	if req.Resolution != 720 || req.Embeddable {
		return models.Endpoint{}, errors.New("unexpected broadcast request")
	}
	return models.Endpoint{
		Type:        s.name,
		RTMPURL:     "rtmp://" + s.name + ".example/live/" + req.StreamID,
		Name:        req.Name,
		BroadcastID: "remote-" + req.StreamID,
	}, nil
}

func (s *stubEndpoint) LiveViewsCount(context.Context, models.Endpoint) (int64, error) {
	return s.views, nil
}

type stubDirectory map[string]social.VideoServiceEndpoint

func (d stubDirectory) Get(id string) (social.VideoServiceEndpoint, bool) {
	ep, ok := d[id]
	return ep, ok
}

func (d stubDirectory) Len() int { return len(d) }

func (d stubDirectory) Revoke(_ context.Context, id string) models.Result {
	if _, ok := d[id]; !ok {
		return models.Failed("unknown")
	}
	delete(d, id)
	return models.Succeeded("")
}

type fakeTransport struct {
	transport.NoopController
	mu     sync.Mutex
	live   map[string]bool
	calls  []string
	onPull   func(streamID string)
	rtmp     int
	closeErr error
}

func (f *fakeTransport) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeTransport) LookupStream(_ context.Context, id string) (transport.Stream, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return transport.Stream{StreamID: id}, f.live[id], nil
}

func (f *fakeTransport) CloseStream(_ context.Context, id string) error {
	f.record("close:" + id)
	if f.closeErr != nil {
		return f.closeErr
	}
	f.mu.Lock()
	delete(f.live, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) StopPull(_ context.Context, id string) error {
	if f.onPull != nil {
		f.onPull(id)
	}
	f.record("pull:" + id)
	return nil
}

func (f *fakeTransport) RTMPViewerCount(context.Context, string) int { return f.rtmp }

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
	failKey string
}

func (s *memoryObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = map[string][]byte{}
	}
	s.objects[key] = data
	return nil
}

func (s *memoryObjects) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == s.failKey {
		return errors.New("object store unavailable")
	}
	delete(s.objects, key)
	s.deleted = append(s.deleted, key)
	return nil
}

type harness struct {
	manager   *Manager
	repo      *storage.JSONRepository
	transport *fakeTransport
	publisher *recordingPublisher
	objects   *memoryObjects
	settings  config.Settings
}

func newHarness(t *testing.T, dir stubDirectory, mutate func(*config.Settings)) *harness {
	t.Helper()
	settings := config.Defaults()
	settings.WebRoot = t.TempDir()
	settings.ListenerHookURL = "http://hooks.local/default"
	if mutate != nil {
		mutate(&settings)
	}
	h := &harness{
		repo:      storage.NewMemoryRepository(),
		transport: &fakeTransport{live: map[string]bool{}},
		publisher: &recordingPublisher{},
		objects:   &memoryObjects{},
		settings:  settings,
	}
	var seq atomic.Int32
	var directory SocialDirectory
	if dir != nil {
		directory = dir
	}
	manager, err := NewManager(Config{
		Repository: h.repo,
		Transport:  h.transport,
		Social:     directory,
		Settings:   func() config.Settings { return h.settings },
	},
		WithClock(func() time.Time { return time.UnixMilli(1_700_000_000_000) }),
		WithHostResolver(func() (string, error) { return "10.0.0.5", nil }),
		WithStreamIDGenerator(func() string { return "stream-" + string(rune('a'+seq.Add(1)-1)) }),
		WithPublisher(h.publisher),
		WithObjectStore(h.objects),
		WithRecorder(metrics.New()),
	)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	h.manager = manager
	return h
}

func TestCreateDerivesRTMPURLAndIgnoresClientValues(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	created, err := h.manager.Create(ctx, &models.Broadcast{
		StreamID: "client-chosen",
		Name:     "show",
		Status:   models.StatusBroadcasting,
		RTMPURL:  "rtmp://evil.example/x/",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.StreamID != "stream-a" {
		t.Fatalf("expected generated id, got %q", created.StreamID)
	}
	if created.RTMPURL != "rtmp://10.0.0.5/LiveApp/" {
		t.Fatalf("unexpected rtmp url %q", created.RTMPURL)
	}
	if created.Status != models.StatusCreated || created.Date != 1_700_000_000_000 {
		t.Fatalf("unexpected status/date %+v", created)
	}
	if created.ListenerHookURL != "http://hooks.local/default" || created.Type != models.TypeLiveStream {
		t.Fatalf("unexpected defaults %+v", created)
	}

	h.settings.ServerName = "media.example.com"
	second, err := h.manager.Create(ctx, &models.Broadcast{Name: "other", ListenerHookURL: "http://mine"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if second.RTMPURL != "rtmp://media.example.com/LiveApp/" || second.ListenerHookURL != "http://mine" {
		t.Fatalf("unexpected second broadcast %+v", second)
	}

	stored, err := h.repo.GetBroadcast(ctx, created.StreamID)
	if err != nil || stored.RTMPURL != created.RTMPURL {
		t.Fatalf("stored broadcast mismatch %+v err=%v", stored, err)
	}
	if got := h.publisher.types(); len(got) != 2 || got[0] != events.BroadcastCreated {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestCreateWithNilBroadcast(t *testing.T) {
	h := newHarness(t, nil, nil)
	created, err := h.manager.Create(context.Background(), nil)
	if err != nil || created.StreamID == "" || created.Status != models.StatusCreated {
		t.Fatalf("unexpected broadcast %+v err=%v", created, err)
	}
}

func TestCreateWithSocialKeepsBroadcastOnFailedBinding(t *testing.T) {
	dir := stubDirectory{
		"yt-1": &stubEndpoint{name: "youtube"},
		"fb-1": &stubEndpoint{name: "facebook", fail: errors.New("quota exceeded")},
	}
	h := newHarness(t, dir, nil)

	created, err := h.manager.CreateWithSocial(context.Background(), &models.Broadcast{Name: "show"}, "fb-1, yt-1")
	if err != nil {
		t.Fatalf("CreateWithSocial: %v", err)
	}
	if len(created.Endpoints) != 1 || created.Endpoints[0].EndpointServiceID != "yt-1" {
		t.Fatalf("expected only the youtube endpoint, got %+v", created.Endpoints)
	}
}

func TestUpdateStopsAtFirstFailedBinding(t *testing.T) {
	first := &stubEndpoint{name: "youtube"}
	failing := &stubEndpoint{name: "periscope", fail: errors.New("remote down")}
	last := &stubEndpoint{name: "facebook"}
	h := newHarness(t, stubDirectory{"a": first, "b": failing, "c": last}, nil)
	ctx := context.Background()

	created, _ := h.manager.Create(ctx, &models.Broadcast{Name: "old"})
	if res := h.manager.AddEndpoint(ctx, created.StreamID, "rtmp://relay.example/live/key"); !res.Success {
		t.Fatalf("AddEndpoint: %+v", res)
	}

	res := h.manager.Update(ctx, created.StreamID, &models.Broadcast{Name: "new", Description: "desc"}, "a,b,c")
	if res.Success || res.Message != "periscope  endpoint cannot be added" || res.ErrorID != -1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if last.created.Load() != 0 {
		t.Fatal("bindings after the failure must not be attempted")
	}

	stored, _ := h.repo.GetBroadcast(ctx, created.StreamID)
	if stored.Name != "new" || stored.Description != "desc" {
		t.Fatalf("expected rename to stick, got %+v", stored)
	}
	if len(stored.Endpoints) != 1 || stored.Endpoints[0].EndpointServiceID != "a" {
		t.Fatalf("expected generic endpoint cleared and only service a bound, got %+v", stored.Endpoints)
	}
}

func TestUpdateWithoutServicesKeepsEndpoints(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	created, _ := h.manager.Create(ctx, &models.Broadcast{Name: "old"})
	h.manager.AddEndpoint(ctx, created.StreamID, "rtmp://relay.example/live/key")

	if res := h.manager.Update(ctx, created.StreamID, &models.Broadcast{Name: "renamed"}, ""); !res.Success {
		t.Fatalf("Update: %+v", res)
	}
	stored, _ := h.repo.GetBroadcast(ctx, created.StreamID)
	if len(stored.Endpoints) != 1 {
		t.Fatalf("expected endpoint kept, got %+v", stored.Endpoints)
	}
	if res := h.manager.Update(ctx, "missing", &models.Broadcast{Name: "x"}, ""); res.Success || res.Message != "" {
		t.Fatalf("expected bare failure for unknown broadcast, got %+v", res)
	}
}

func TestStopWithoutLiveConnection(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	res := h.manager.Stop(ctx, "abc")
	if res.Success || res.Message != "No active broadcast found with id abc" {
		t.Fatalf("unexpected result %+v", res)
	}
	h.transport.live["abc"] = true
	if res := h.manager.Stop(ctx, "abc"); !res.Success {
		t.Fatalf("expected stop to succeed, got %+v", res)
	}
}

func TestStopReportsMediaServerFailure(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	h.transport.live["abc"] = true
	h.transport.closeErr = errors.New("connection refused")

	res := h.manager.Stop(ctx, "abc")
	if res.Success || res.Message != "Media server could not stop broadcast abc: connection refused" {
		t.Fatalf("unexpected result %+v", res)
	}
	for _, typ := range h.publisher.types() {
		if typ == events.BroadcastStopped {
			t.Fatalf("unexpected stop event in %v", h.publisher.types())
		}
	}
}

func TestDeleteIPCameraStopsPullBeforeDelete(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	created, _ := h.manager.Create(ctx, &models.Broadcast{Name: "cam", Type: models.TypeIPCamera})
	h.transport.live[created.StreamID] = true

	var presentAtPull bool
	h.transport.onPull = func(id string) {
		_, err := h.repo.GetBroadcast(ctx, id)
		presentAtPull = err == nil
	}

	res := h.manager.Delete(ctx, created.StreamID)
	if !res.Success || res.Message != "broadcast is deleted and stopped successfully" {
		t.Fatalf("unexpected result %+v", res)
	}
	if !presentAtPull {
		t.Fatal("pull must be stopped while the record still exists")
	}
	want := []string{"pull:" + created.StreamID, "close:" + created.StreamID}
	if strings.Join(h.transport.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected transport calls %v", h.transport.calls)
	}
	if _, err := h.repo.GetBroadcast(ctx, created.StreamID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected record removed, got %v", err)
	}
}

func TestDeleteNotLiveAndMissing(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	created, _ := h.manager.Create(ctx, &models.Broadcast{Name: "show"})

	res := h.manager.Delete(ctx, created.StreamID)
	if !res.Success || res.Message != "broadcast is deleted but could not be stopped" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(h.transport.calls) != 0 {
		t.Fatalf("live stream should not pull-stop, got %v", h.transport.calls)
	}
	if res := h.manager.Delete(ctx, created.StreamID); res.Success {
		t.Fatalf("expected failure for missing broadcast, got %+v", res)
	}
}

func TestAddSocialEndpointMessages(t *testing.T) {
	ctx := context.Background()

	empty := newHarness(t, stubDirectory{}, nil)
	created, _ := empty.manager.Create(ctx, &models.Broadcast{Name: "show"})
	if res := empty.manager.AddSocialEndpoint(ctx, created.StreamID, "x"); res.Message != "No social endpoint is defined for this app. Consult your app developer" {
		t.Fatalf("unexpected result %+v", res)
	}

	h := newHarness(t, stubDirectory{
		"yt":  &stubEndpoint{name: "youtube"},
		"bad": &stubEndpoint{name: "facebook", fail: errors.New("token expired")},
	}, nil)
	created, _ = h.manager.Create(ctx, &models.Broadcast{Name: "show", Is360: true})
	if res := h.manager.AddSocialEndpoint(ctx, created.StreamID, "nope"); res.Message != "nope endpoint does not exist in this app." {
		t.Fatalf("unexpected result %+v", res)
	}
	if res := h.manager.AddSocialEndpoint(ctx, "missing", "yt"); res.Message != "No broadcast exist with the id specified" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res := h.manager.AddSocialEndpoint(ctx, created.StreamID, "bad"); res.Success || res.Message != "token expired" {
		t.Fatalf("expected remote error surfaced, got %+v", res)
	}
	if res := h.manager.AddSocialEndpoint(ctx, created.StreamID, "yt"); !res.Success {
		t.Fatalf("AddSocialEndpoint: %+v", res)
	}
	stored, _ := h.repo.GetBroadcast(ctx, created.StreamID)
	if len(stored.Endpoints) != 1 || stored.Endpoints[0].BroadcastID != "remote-"+created.StreamID {
		t.Fatalf("unexpected endpoints %+v", stored.Endpoints)
	}
}

func TestSocialPassthroughs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, stubDirectory{"yt": &stubEndpoint{name: "youtube", views: 42}}, nil)
	created, _ := h.manager.Create(ctx, &models.Broadcast{Name: "show"})

	if res := h.manager.LiveViewsCount(ctx, created.StreamID, "yt"); res.Success {
		t.Fatalf("expected failure before binding, got %+v", res)
	}
	h.manager.AddSocialEndpoint(ctx, created.StreamID, "yt")
	if res := h.manager.LiveViewsCount(ctx, created.StreamID, "yt"); !res.Success || res.Message != "42" {
		t.Fatalf("unexpected views result %+v", res)
	}
	if res := h.manager.RevokeSocialNetwork(ctx, "yt"); !res.Success {
		t.Fatalf("RevokeSocialNetwork: %+v", res)
	}
}

func TestStatisticsReportsUnknownSources(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	h.transport.rtmp = transport.UnknownCount

	stats := h.manager.Statistics(ctx, "missing")
	if stats.TotalRTMPWatchersCount != -1 || stats.TotalHLSWatchersCount != -1 || stats.TotalWebRTCWatchersCount != -1 {
		t.Fatalf("expected all -1, got %+v", stats)
	}

	created, _ := h.manager.Create(ctx, &models.Broadcast{Name: "show", HLSViewerCount: 7})
	h.transport.rtmp = 3
	stats = h.manager.Statistics(ctx, created.StreamID)
	if stats.TotalRTMPWatchersCount != 3 || stats.TotalHLSWatchersCount != 7 || stats.TotalWebRTCWatchersCount != -1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestEnableMP4Muxing(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	created, _ := h.manager.Create(ctx, &models.Broadcast{Name: "show"})

	if res := h.manager.EnableMP4Muxing(ctx, created.StreamID, models.MP4Enabled); !res.Success || res.Message != "streamId:"+created.StreamID {
		t.Fatalf("unexpected result %+v", res)
	}
	if res := h.manager.EnableMP4Muxing(ctx, "nope", models.MP4Enabled); res.Success || res.Message != "no stream for this id: nope" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestUploadVoDRejectsNonMP4(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	for _, name := range []string{"clip.avi", "clip.MP4", "clip"} {
		res := h.manager.UploadVoD(ctx, name, strings.NewReader("data"))
		if res.Success || res.Message != "notMp4File" {
			t.Fatalf("%s: unexpected result %+v", name, res)
		}
	}
	if total, _ := h.manager.TotalVoDs(ctx); total != 0 {
		t.Fatalf("expected no vods, got %d", total)
	}
}

func TestUploadAndDeleteVoD(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	payload := bytes.Repeat([]byte("x"), 2048)

	res := h.manager.UploadVoD(ctx, "holiday.mp4", bytes.NewReader(payload))
	if !res.Success || res.Message != res.DataID {
		t.Fatalf("unexpected result %+v", res)
	}
	if !regexp.MustCompile(`^[0-9]{24}$`).MatchString(res.DataID) {
		t.Fatalf("expected 24 digit id, got %q", res.DataID)
	}

	vods, err := h.manager.ListVoDs(ctx, 0, 10)
	if err != nil || len(vods) != 1 {
		t.Fatalf("expected one vod, got %+v err=%v", vods, err)
	}
	vod := vods[0]
	if vod.FilePath != "streams/"+res.DataID+".mp4" || vod.Type != models.VoDTypeUploaded || vod.FileSize != int64(len(payload)) || vod.VoDName != "holiday.mp4" {
		t.Fatalf("unexpected vod %+v", vod)
	}
	appRoot := filepath.Join(h.settings.WebRoot, "webapps", "LiveApp")
	onDisk := filepath.Join(appRoot, "streams", res.DataID+".mp4")
	if data, err := os.ReadFile(onDisk); err != nil || len(data) != len(payload) {
		t.Fatalf("expected uploaded file on disk, err=%v", err)
	}
	if _, ok := h.objects.objects["streams/"+res.DataID+".mp4"]; !ok {
		t.Fatalf("expected mirrored object, got %v", h.objects.objects)
	}

	preview := filepath.Join(appRoot, "previews", res.DataID+".png")
	if err := os.MkdirAll(filepath.Dir(preview), 0o755); err != nil {
		t.Fatalf("mkdir previews: %v", err)
	}
	if err := os.WriteFile(preview, []byte("png"), 0o600); err != nil {
		t.Fatalf("write preview: %v", err)
	}

	del := h.manager.DeleteVoD(ctx, res.DataID)
	if !del.Success || del.Message != "vod deleted" {
		t.Fatalf("unexpected delete result %+v", del)
	}
	for _, name := range []string{onDisk, preview} {
		if _, err := os.Stat(name); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("expected %s removed, got %v", name, err)
		}
	}
	want := []string{"streams/" + res.DataID + ".mp4", "previews/" + res.DataID + ".png"}
	if strings.Join(h.objects.deleted, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected remote deletes %v", h.objects.deleted)
	}
	if res := h.manager.DeleteVoD(ctx, res.DataID); res.Success {
		t.Fatalf("expected second delete to fail, got %+v", res)
	}
	if got := h.publisher.types(); got[len(got)-1] != events.VoDDeleted {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestDeleteVoDStopsAtFirstFailure(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	appRoot := filepath.Join(h.settings.WebRoot, "webapps", "LiveApp")

	res := h.manager.UploadVoD(ctx, "a.mp4", bytes.NewReader([]byte("data")))
	if !res.Success {
		t.Fatalf("upload: %+v", res)
	}
	// A non-empty directory in place of the preview cannot be removed.
	blocker := filepath.Join(appRoot, "previews", res.DataID+".png", "keep")
	if err := os.MkdirAll(blocker, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if del := h.manager.DeleteVoD(ctx, res.DataID); del.Success {
		t.Fatalf("expected failure when preview cannot be removed, got %+v", del)
	}
	if len(h.objects.deleted) != 0 {
		t.Fatalf("expected no remote deletes, got %v", h.objects.deleted)
	}

	res = h.manager.UploadVoD(ctx, "b.mp4", bytes.NewReader([]byte("data")))
	if !res.Success {
		t.Fatalf("upload: %+v", res)
	}
	h.objects.failKey = "streams/" + res.DataID + ".mp4"
	if del := h.manager.DeleteVoD(ctx, res.DataID); del.Success {
		t.Fatalf("expected failure when remote delete fails, got %+v", del)
	}
	for _, key := range h.objects.deleted {
		if key == "previews/"+res.DataID+".png" {
			t.Fatalf("remote delete continued after failure: %v", h.objects.deleted)
		}
	}
}

func TestAppStatistics(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	h.manager.Create(ctx, &models.Broadcast{Name: "a"})
	h.manager.UploadVoD(ctx, "a.mp4", strings.NewReader("1"))

	stats, err := h.manager.AppStatistics(ctx)
	if err != nil {
		t.Fatalf("AppStatistics: %v", err)
	}
	if stats.TotalBroadcastCount != 1 || stats.TotalVoDCount != 1 || stats.ActiveLiveStreamCount != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"relaycast/internal/broadcast"
	"relaycast/internal/catalog"
	"relaycast/internal/config"
	"relaycast/internal/models"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/social"
	"relaycast/internal/storage"
	"relaycast/internal/testsupport/mediastub"
	"relaycast/internal/tokens"
	"relaycast/internal/transport"
)

type testServer struct {
	handler  http.Handler
	repo     *storage.JSONRepository
	recorder *metrics.Recorder
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func newTestServer(t *testing.T, mutate func(*config.Settings, *Config)) *testServer {
	t.Helper()
	settings := config.Defaults()
	settings.ServerName = "media.example.com"
	settings.WebRoot = t.TempDir()

	repo := storage.NewMemoryRepository()
	recorder := metrics.New()
	registry := social.NewRegistry(social.RegistryConfig{})
	coordinator := social.NewCoordinator(registry)
	t.Cleanup(coordinator.Close)

	cfg := Config{
		Registry:    registry,
		Coordinator: coordinator,
		Tokens:      tokens.NewService(repo),
		Catalog:     catalog.NewExporter(repo, func() config.Settings { return settings }, catalog.WithRecorder(recorder)),
		Datastore:   repo,
		Recorder:    recorder,
		Version:     models.Version{VersionName: "1.2.0", VersionType: "community"},
	}
	if mutate != nil {
		mutate(&settings, &cfg)
	}
	next := 0
	manager, err := broadcast.NewManager(broadcast.Config{
		Repository: repo,
		Transport:  cfg.Transport,
		Social:     registry,
		Settings:   func() config.Settings { return settings },
	},
		broadcast.WithRecorder(recorder),
		broadcast.WithStreamIDGenerator(func() string {
			next++
			return fmt.Sprintf("stream-%d", next)
		}),
	)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	cfg.Broadcasts = manager
	handler, err := NewHandler(cfg)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return &testServer{handler: handler.Routes(), repo: repo, recorder: recorder}
}

func (s *testServer) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(v)
	default:
		payload, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestBroadcastLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(t, http.MethodPost, "/rest/broadcast/create", map[string]any{
		"name":     "demo",
		"streamId": "client-chosen",
		"rtmpURL":  "rtmp://attacker/",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[models.Broadcast](t, rec)
	if created.StreamID != "stream-1" {
		t.Fatalf("expected generated stream id, got %q", created.StreamID)
	}
	if created.RTMPURL != "rtmp://media.example.com/LiveApp/" {
		t.Fatalf("unexpected rtmp url %q", created.RTMPURL)
	}

	rec = srv.do(t, http.MethodGet, "/rest/broadcast/stream-1", nil)
	if got := decode[models.Broadcast](t, rec); got.Name != "demo" {
		t.Fatalf("unexpected broadcast %+v", got)
	}

	rec = srv.do(t, http.MethodGet, "/rest/broadcast/count", nil)
	if got := decode[countResponse](t, rec); got.Number != 1 {
		t.Fatalf("expected count 1, got %d", got.Number)
	}

	rec = srv.do(t, http.MethodGet, "/rest/broadcast/list/0/10", nil)
	if got := decode[[]models.Broadcast](t, rec); len(got) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(got))
	}

	rec = srv.do(t, http.MethodPut, "/rest/broadcast/stream-1", map[string]any{"name": "renamed"})
	if got := decode[models.Result](t, rec); !got.Success {
		t.Fatalf("update failed: %+v", got)
	}

	rec = srv.do(t, http.MethodDelete, "/rest/broadcast/stream-1", nil)
	if got := decode[models.Result](t, rec); !got.Success {
		t.Fatalf("delete failed: %+v", got)
	}

	rec = srv.do(t, http.MethodGet, "/rest/broadcast/stream-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
	if got := decode[map[string]string](t, rec); got["error"] == "" {
		t.Fatal("expected error envelope")
	}
}

func TestCreateAcceptsEmptyBody(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := srv.do(t, http.MethodPost, "/rest/broadcast/create", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := decode[models.Broadcast](t, rec); got.Status != models.StatusCreated || got.Type != models.TypeLiveStream {
		t.Fatalf("unexpected defaults %+v", got)
	}

	rec = srv.do(t, http.MethodPost, "/rest/broadcast/create", []byte("{not json"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestLiteralRoutesAreNotShadowed(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(t, http.MethodGet, "/rest/broadcast/statistics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected app statistics, got %d", rec.Code)
	}
	if got := decode[models.AppBroadcastStatistics](t, rec); got.TotalBroadcastCount != 0 {
		t.Fatalf("unexpected statistics %+v", got)
	}

	rec = srv.do(t, http.MethodGet, "/rest/broadcast/missing/statistics", nil)
	got := decode[models.BroadcastStatistics](t, rec)
	if got.TotalRTMPWatchersCount != -1 || got.TotalHLSWatchersCount != -1 || got.TotalWebRTCWatchersCount != -1 {
		t.Fatalf("expected unknown counts, got %+v", got)
	}

	rec = srv.do(t, http.MethodGet, "/rest/social/device-auth/ABCD", nil)
	if res := decode[models.Result](t, rec); res.Success || res.Message != "" {
		t.Fatalf("unknown user code must report a bare failure, got %+v", res)
	}
}

func TestEndpointAndMP4Routes(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.do(t, http.MethodPost, "/rest/broadcast/create", nil)

	rec := srv.do(t, http.MethodPost, "/rest/broadcast/stream-1/endpoint?rtmpUrl=rtmp://relay.example/live/key", nil)
	if res := decode[models.Result](t, rec); !res.Success {
		t.Fatalf("add endpoint failed: %+v", res)
	}
	stored, err := srv.repo.GetBroadcast(context.Background(), "stream-1")
	if err != nil {
		t.Fatalf("GetBroadcast: %v", err)
	}
	if len(stored.Endpoints) != 1 || stored.Endpoints[0].Type != models.EndpointTypeGeneric {
		t.Fatalf("unexpected endpoints %+v", stored.Endpoints)
	}

	rec = srv.do(t, http.MethodPost, "/rest/broadcast/stream-1/mp4?enabled=1", nil)
	if res := decode[models.Result](t, rec); !res.Success || res.Message != "streamId:stream-1" {
		t.Fatalf("unexpected mp4 result %+v", res)
	}
	rec = srv.do(t, http.MethodPost, "/rest/broadcast/stream-1/mp4?enabled=maybe", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad mode, got %d", rec.Code)
	}

	rec = srv.do(t, http.MethodPost, "/rest/broadcast/stream-1/social/nope", nil)
	if res := decode[models.Result](t, rec); res.Success || !strings.HasPrefix(res.Message, "No social endpoint is defined") {
		t.Fatalf("unexpected social result %+v", res)
	}
	rec = srv.do(t, http.MethodGet, "/rest/broadcast/stream-1/social/nope/comments/0/10", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown account, got %d", rec.Code)
	}
}

func TestTokensAreSingleUse(t *testing.T) {
	srv := newTestServer(t, nil)
	expire := time.Now().Add(time.Hour).UnixMilli()

	rec := srv.do(t, http.MethodPost, fmt.Sprintf("/rest/token?streamId=stream-1&expireDate=%d&type=play", expire), nil)
	token := decode[models.Token](t, rec)
	if token.TokenID == "" || token.StreamID != "stream-1" {
		t.Fatalf("unexpected token %+v", token)
	}

	rec = srv.do(t, http.MethodGet, "/rest/token/stream/stream-1/0/10", nil)
	if got := decode[[]models.Token](t, rec); len(got) != 1 {
		t.Fatalf("expected one listed token, got %d", len(got))
	}

	rec = srv.do(t, http.MethodPost, "/rest/token/validate", token)
	if res := decode[models.Result](t, rec); !res.Success || res.Message != token.TokenID {
		t.Fatalf("first validation failed: %+v", res)
	}
	rec = srv.do(t, http.MethodPost, "/rest/token/validate", token)
	if res := decode[models.Result](t, rec); res.Success {
		t.Fatal("token validated twice")
	}

	var out bytes.Buffer
	srv.recorder.Write(&out)
	for _, line := range []string{
		`relaycast_token_checks_total{result="accepted"} 1`,
		`relaycast_token_checks_total{result="rejected"} 1`,
	} {
		if !strings.Contains(out.String(), line) {
			t.Fatalf("expected %q in metrics output", line)
		}
	}
}

func TestIssueTokenValidatesInput(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(t, http.MethodPost, "/rest/token?streamId=s&type=play", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without expireDate, got %d", rec.Code)
	}
	rec = srv.do(t, http.MethodPost, "/rest/token?streamId=s&expireDate=10&type=record", nil)
	if res := decode[models.Result](t, rec); res.Success || res.Message != tokens.ErrInvalidType.Error() {
		t.Fatalf("unexpected result %+v", res)
	}
	rec = srv.do(t, http.MethodDelete, "/rest/token/stream/s", nil)
	if res := decode[models.Result](t, rec); !res.Success {
		t.Fatalf("revoke failed: %+v", res)
	}
}

func TestDeviceAuthRejectionsCarryErrorIDs(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(t, http.MethodPost, "/rest/social/myspace/device-auth", nil)
	if res := decode[models.Result](t, rec); res.Success || res.ErrorID != social.ErrorIDUndefinedEndpoint {
		t.Fatalf("unexpected result for unknown service %+v", res)
	}
	rec = srv.do(t, http.MethodPost, "/rest/social/facebook/device-auth", nil)
	if res := decode[models.Result](t, rec); res.Success || res.ErrorID != social.ErrorIDUndefinedClientID {
		t.Fatalf("unexpected result without client credentials %+v", res)
	}

	rec = srv.do(t, http.MethodPost, "/rest/social/unknown/revoke", nil)
	if res := decode[models.Result](t, rec); res.Success {
		t.Fatalf("revoke of unknown id must fail, got %+v", res)
	}
	rec = srv.do(t, http.MethodGet, "/rest/social/endpoints/0/10", nil)
	if got := decode[[]models.SocialEndpointCredentials](t, rec); len(got) != 0 {
		t.Fatalf("expected no credentials, got %d", len(got))
	}
	rec = srv.do(t, http.MethodGet, "/rest/social/unknown/channel", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for active channel, got %d", rec.Code)
	}
}

func multipartBody(t *testing.T, field, fileName string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile(field, fileName)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &body, writer.FormDataContentType()
}

func TestUploadVoDMultipart(t *testing.T) {
	srv := newTestServer(t, nil)

	upload := func(name string) *httptest.ResponseRecorder {
		body, contentType := multipartBody(t, uploadField, name, []byte("fake mp4 payload"))
		req := httptest.NewRequest(http.MethodPost, "/rest/vod/upload/"+name, body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		srv.handler.ServeHTTP(rec, req)
		return rec
	}

	if res := decode[models.Result](t, upload("clip.avi")); res.Success || res.Message != "notMp4File" {
		t.Fatalf("unexpected avi result %+v", res)
	}
	res := decode[models.Result](t, upload("clip.mp4"))
	if !res.Success || len(res.DataID) != 24 {
		t.Fatalf("unexpected mp4 result %+v", res)
	}

	rec := srv.do(t, http.MethodGet, "/rest/vod/count", nil)
	if got := decode[countResponse](t, rec); got.Number != 1 {
		t.Fatalf("expected one vod, got %d", got.Number)
	}
	rec = srv.do(t, http.MethodDelete, "/rest/vod/"+res.DataID, nil)
	if del := decode[models.Result](t, rec); !del.Success || del.Message != "vod deleted" {
		t.Fatalf("unexpected delete result %+v", del)
	}

	req := httptest.NewRequest(http.MethodPost, "/rest/vod/upload/clip.mp4", strings.NewReader("raw"))
	rec = httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without multipart body, got %d", rec.Code)
	}
}

func TestUploadVoDTooLarge(t *testing.T) {
	srv := newTestServer(t, func(_ *config.Settings, cfg *Config) {
		cfg.MaxUploadBytes = 64
	})
	body, contentType := multipartBody(t, uploadField, "big.mp4", bytes.Repeat([]byte("x"), 4096))
	req := httptest.NewRequest(http.MethodPost, "/rest/vod/upload/big.mp4", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge && rec.Code != http.StatusBadRequest {
		t.Fatalf("expected the upload to be refused, got %d", rec.Code)
	}
}

func TestCatalogExportNeedsPortalSettings(t *testing.T) {
	srv := newTestServer(t, nil)
	for _, path := range []string{"/rest/catalog/live", "/rest/catalog/vod"} {
		rec := srv.do(t, http.MethodPost, path, nil)
		if res := decode[models.Result](t, rec); res.Success || res.ErrorID != 404 || res.Message != "Portal DB info is missing" {
			t.Fatalf("%s: unexpected result %+v", path, res)
		}
	}
}

func TestHealthAndVersion(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := srv.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d: %s", rec.Code, rec.Body.String())
	}
	health := decode[healthResponse](t, rec)
	if health.Status != "ok" || len(health.Components) != 2 {
		t.Fatalf("unexpected health %+v", health)
	}

	rec = srv.do(t, http.MethodGet, "/rest/version", nil)
	if got := decode[models.Version](t, rec); got.VersionName != "1.2.0" {
		t.Fatalf("unexpected version %+v", got)
	}

	rec = srv.do(t, http.MethodGet, "/metrics", nil)
	if !strings.Contains(rec.Body.String(), `relaycast_media_health{component="media-server",status="disabled"}`) {
		t.Fatalf("expected media health gauge, got %s", rec.Body.String())
	}

	degraded := newTestServer(t, func(_ *config.Settings, cfg *Config) {
		cfg.Datastore = failingPinger{}
	})
	rec = degraded.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestMediaServerBackedStopAndHealth(t *testing.T) {
	media := mediastub.Start(mediastub.Options{Token: "media-token"})
	t.Cleanup(media.Close)
	controller := transport.Config{BaseURL: media.BaseURL(), Token: "media-token"}.NewHTTPController()
	srv := newTestServer(t, func(_ *config.Settings, cfg *Config) {
		cfg.Transport = controller
	})

	created := decode[models.Broadcast](t, srv.do(t, http.MethodPost, "/rest/broadcast/create", map[string]string{"name": "live"}))
	media.SetStream(mediastub.Stream{StreamID: created.StreamID, RTMPViewers: 3})

	rec := srv.do(t, http.MethodPost, "/rest/broadcast/"+created.StreamID+"/stop", nil)
	if res := decode[models.Result](t, rec); !res.Success {
		t.Fatalf("expected stop to succeed, got %+v", res)
	}
	if media.Live(created.StreamID) {
		t.Fatal("expected the media server connection to be closed")
	}
	rec = srv.do(t, http.MethodPost, "/rest/broadcast/"+created.StreamID+"/stop", nil)
	if res := decode[models.Result](t, rec); res.Success {
		t.Fatalf("expected second stop to fail, got %+v", res)
	}

	rec = srv.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthy media server, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(srv.do(t, http.MethodGet, "/metrics", nil).Body.String(), `relaycast_media_health{component="media-server",status="ok"}`) {
		t.Fatal("expected media health gauge to report ok")
	}

	down := mediastub.Start(mediastub.Options{Unhealthy: true})
	t.Cleanup(down.Close)
	unhealthy := newTestServer(t, func(_ *config.Settings, cfg *Config) {
		cfg.Transport = transport.Config{BaseURL: down.BaseURL()}.NewHTTPController()
	})
	if rec := unhealthy.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with the media server down, got %d", rec.Code)
	}
}

func TestUnknownRouteAnswersJSON(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := srv.do(t, http.MethodGet, "/rest/nothing/here", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("expected json error, got %q", rec.Header().Get("Content-Type"))
	}
	rec = srv.do(t, http.MethodPatch, "/rest/broadcast/create", nil)
	if rec.Code != http.StatusMethodNotAllowed && rec.Code != http.StatusNotFound {
		t.Fatalf("expected the method to be refused, got %d", rec.Code)
	}
}

package social

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"relaycast/internal/models"
)

func TestRegistryStartRestoresStoredCredentials(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCredentialStore()
	_ = store.Save(ctx, models.SocialEndpointCredentials{ID: "fb-1", ServiceName: ServiceFacebook, AccessToken: "a"})
	_ = store.Save(ctx, models.SocialEndpointCredentials{ID: "old-1", ServiceName: "ustream", AccessToken: "b"})

	registry := NewRegistry(RegistryConfig{Store: store})
	if err := registry.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if registry.Len() != 1 {
		t.Fatalf("expected one restored endpoint, got %d", registry.Len())
	}
	ep, ok := registry.Get("fb-1")
	if !ok || ep.Name() != ServiceFacebook || ep.Credentials().AccessToken != "a" {
		t.Fatalf("unexpected restored endpoint %v %+v", ok, ep)
	}
	creds := registry.Credentials()
	if len(creds) != 1 || creds[0].ID != "fb-1" {
		t.Fatalf("unexpected credentials %+v", creds)
	}
}

func TestRegistryRevoke(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(RegistryConfig{})
	if result := registry.Revoke(ctx, "missing"); result.Success || result.Message != "No endpoint is defined for this app" {
		t.Fatalf("unexpected empty registry result %+v", result)
	}

	ep := &fakeEndpoint{name: ServiceYouTube}
	id, err := registry.Activate(ctx, ep)
	if err != nil || id == "" {
		t.Fatalf("Activate: id=%q err=%v", id, err)
	}
	if result := registry.Revoke(ctx, "missing"); result.Success || result.Message != "Service with the name specified is not found in this app" {
		t.Fatalf("unexpected unknown id result %+v", result)
	}
	if result := registry.Revoke(ctx, id); !result.Success {
		t.Fatalf("expected revoke success, got %+v", result)
	}
	if ep.reset.Load() != 1 {
		t.Fatalf("expected credentials reset once, got %d", ep.reset.Load())
	}
	if registry.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", registry.Len())
	}
	stored, _ := registry.store.List(ctx)
	if len(stored) != 0 {
		t.Fatalf("expected persisted credentials removed, got %+v", stored)
	}
}

func TestRegistryChannels(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(RegistryConfig{})
	ep := &fakeEndpoint{name: ServiceFacebook, creds: models.SocialEndpointCredentials{ID: "fb"}}
	if _, err := registry.Activate(ctx, ep); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	channels, err := registry.Channels(ctx, "fb", "page")
	if err != nil || len(channels) != 1 {
		t.Fatalf("Channels: %+v err=%v", channels, err)
	}
	if _, err := registry.Channels(ctx, "nope", "page"); err == nil {
		t.Fatal("expected error for unknown endpoint")
	}
	if result := registry.SetActiveChannel(ctx, "fb", "page", "missing"); result.Success {
		t.Fatalf("expected unknown channel to fail, got %+v", result)
	}
	if result := registry.SetActiveChannel(ctx, "fb", "page", "page-1"); !result.Success {
		t.Fatalf("expected channel selection, got %+v", result)
	}
	if ch, ok := registry.ActiveChannel("fb"); !ok || ch.ID != "page-1" {
		t.Fatalf("unexpected active channel %+v", ch)
	}
}

func TestSQLiteCredentialStoreSealsTokens(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "social.db")
	sealer, err := NewSealer("correct horse battery staple")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	store, err := NewSQLiteCredentialStore(ctx, path, sealer)
	if err != nil {
		t.Fatalf("NewSQLiteCredentialStore: %v", err)
	}
	defer store.Close()

	creds := models.SocialEndpointCredentials{ID: "yt-1", ServiceName: ServiceYouTube, AccountName: "Chan", AccessToken: "secret-access", RefreshToken: "secret-refresh", AuthTimeInMillis: 99}
	if err := store.Save(ctx, creds); err != nil {
		t.Fatalf("Save: %v", err)
	}
	creds.AccountName = "Renamed"
	if err := store.Save(ctx, creds); err != nil {
		t.Fatalf("Save update: %v", err)
	}

	var raw string
	if err := store.db.QueryRowContext(ctx, `SELECT access_token FROM social_credentials WHERE id = ?`, "yt-1").Scan(&raw); err != nil {
		t.Fatalf("query raw token: %v", err)
	}
	if !strings.HasPrefix(raw, sealedPrefix) || strings.Contains(raw, "secret-access") {
		t.Fatalf("expected sealed token at rest, got %q", raw)
	}

	listed, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed) != 1 || listed[0] != creds {
		t.Fatalf("unexpected listed credentials %+v", listed)
	}

	if err := store.Delete(ctx, "yt-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if listed, _ := store.List(ctx); len(listed) != 0 {
		t.Fatalf("expected empty store, got %+v", listed)
	}
}

func TestSealerRejectsForeignKey(t *testing.T) {
	a, _ := NewSealer("key-a")
	b, _ := NewSealer("key-b")
	sealed, err := a.Seal("token")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if opened, err := a.Open(sealed); err != nil || opened != "token" {
		t.Fatalf("Open: %q %v", opened, err)
	}
	if _, err := b.Open(sealed); err == nil {
		t.Fatal("expected foreign key to fail")
	}
	var none *Sealer
	if plain, _ := none.Seal("token"); plain != "token" {
		t.Fatalf("nil sealer should pass through, got %q", plain)
	}
	if empty, _ := NewSealer(" "); empty != nil {
		t.Fatal("expected nil sealer for blank secret")
	}
}

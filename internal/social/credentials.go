package social

import (
	"context"
	"sort"
	"sync"

	"relaycast/internal/models"
)

// CredentialStore persists authorized accounts so they survive restarts.
type CredentialStore interface {
	Save(ctx context.Context, creds models.SocialEndpointCredentials) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]models.SocialEndpointCredentials, error)
}

// MemoryCredentialStore keeps credentials in process memory.
type MemoryCredentialStore struct {
	mu    sync.Mutex
	items map[string]models.SocialEndpointCredentials
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{items: make(map[string]models.SocialEndpointCredentials)}
}

func (s *MemoryCredentialStore) Save(_ context.Context, creds models.SocialEndpointCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[creds.ID] = creds
	return nil
}

func (s *MemoryCredentialStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

func (s *MemoryCredentialStore) List(context.Context) ([]models.SocialEndpointCredentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SocialEndpointCredentials, 0, len(s.items))
	for _, creds := range s.items {
		out = append(out, creds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

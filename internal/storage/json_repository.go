package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"relaycast/internal/models"
)

type dataset struct {
	Broadcasts []models.Broadcast `json:"broadcasts"`
	VoDs       []models.VoD       `json:"vods"`
	Tokens     []models.Token     `json:"tokens"`
}

// JSONRepository keeps the catalog in memory and, when a file path is set,
// rewrites the whole dataset to disk after every mutation.
type JSONRepository struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	now      func() time.Time
}

// JSONOption customises a JSONRepository.
type JSONOption func(*JSONRepository)

// WithClock overrides the clock used for token expiry checks.
func WithClock(now func() time.Time) JSONOption {
	return func(r *JSONRepository) {
		if now != nil {
			r.now = now
		}
	}
}

// NewJSONRepository loads the dataset stored at path. An empty path keeps the
// data in memory only.
func NewJSONRepository(path string, opts ...JSONOption) (*JSONRepository, error) {
	repo := &JSONRepository{
		filePath: strings.TrimSpace(path),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

// NewMemoryRepository returns a repository that never touches the disk.
func NewMemoryRepository(opts ...JSONOption) *JSONRepository {
	repo, _ := NewJSONRepository("", opts...)
	return repo
}

func (r *JSONRepository) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	file, err := os.Open(r.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&r.data); err != nil {
		if errors.Is(err, io.EOF) {
			r.data = dataset{}
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	return nil
}

func (r *JSONRepository) persist() error {
	if r.filePath == "" {
		return nil
	}
	dir := filepath.Dir(r.filePath)
	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(r.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, r.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// mutate applies fn under the write lock and persists the result. The
// in-memory dataset is rolled back when persisting fails.
func (r *JSONRepository) mutate(fn func(*dataset) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.data.clone()
	if err := fn(&r.data); err != nil {
		r.data = snapshot
		return err
	}
	if err := r.persist(); err != nil {
		r.data = snapshot
		return err
	}
	return nil
}

func (d dataset) clone() dataset {
	out := dataset{
		Broadcasts: make([]models.Broadcast, len(d.Broadcasts)),
		VoDs:       append([]models.VoD(nil), d.VoDs...),
		Tokens:     append([]models.Token(nil), d.Tokens...),
	}
	for i, b := range d.Broadcasts {
		out.Broadcasts[i] = b.Clone()
	}
	return out
}

func (d *dataset) broadcastIndex(streamID string) int {
	for i := range d.Broadcasts {
		if d.Broadcasts[i].StreamID == streamID {
			return i
		}
	}
	return -1
}

func (d *dataset) vodIndex(vodID string) int {
	for i := range d.VoDs {
		if d.VoDs[i].VoDID == vodID {
			return i
		}
	}
	return -1
}

func (r *JSONRepository) Ping(context.Context) error { return nil }

func (r *JSONRepository) Close(context.Context) error { return nil }

func (r *JSONRepository) SaveBroadcast(_ context.Context, broadcast models.Broadcast) error {
	if strings.TrimSpace(broadcast.StreamID) == "" {
		return ErrInvalidID
	}
	return r.mutate(func(d *dataset) error {
		if idx := d.broadcastIndex(broadcast.StreamID); idx >= 0 {
			d.Broadcasts[idx] = broadcast.Clone()
			return nil
		}
		d.Broadcasts = append(d.Broadcasts, broadcast.Clone())
		return nil
	})
}

func (r *JSONRepository) GetBroadcast(_ context.Context, streamID string) (models.Broadcast, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := r.data.broadcastIndex(streamID)
	if idx < 0 {
		return models.Broadcast{}, ErrNotFound
	}
	return r.data.Broadcasts[idx].Clone(), nil
}

func (r *JSONRepository) DeleteBroadcast(_ context.Context, streamID string) error {
	return r.mutate(func(d *dataset) error {
		idx := d.broadcastIndex(streamID)
		if idx < 0 {
			return ErrNotFound
		}
		d.Broadcasts = append(d.Broadcasts[:idx], d.Broadcasts[idx+1:]...)
		return nil
	})
}

func (r *JSONRepository) updateBroadcast(streamID string, fn func(*models.Broadcast)) error {
	return r.mutate(func(d *dataset) error {
		idx := d.broadcastIndex(streamID)
		if idx < 0 {
			return ErrNotFound
		}
		fn(&d.Broadcasts[idx])
		return nil
	})
}

func (r *JSONRepository) UpdateBroadcastName(_ context.Context, streamID, name, description string) error {
	return r.updateBroadcast(streamID, func(b *models.Broadcast) {
		b.Name = name
		b.Description = description
	})
}

func (r *JSONRepository) AddEndpoint(_ context.Context, streamID string, endpoint models.Endpoint) error {
	return r.updateBroadcast(streamID, func(b *models.Broadcast) {
		b.Endpoints = append(b.Endpoints, endpoint)
	})
}

func (r *JSONRepository) RemoveAllEndpoints(_ context.Context, streamID string) error {
	return r.updateBroadcast(streamID, func(b *models.Broadcast) {
		b.Endpoints = nil
	})
}

func (r *JSONRepository) SetMP4Muxing(_ context.Context, streamID string, mode int) error {
	return r.updateBroadcast(streamID, func(b *models.Broadcast) {
		b.MP4Enabled = mode
	})
}

func (r *JSONRepository) ListBroadcasts(ctx context.Context, offset, size int) ([]models.Broadcast, error) {
	return r.FilterBroadcasts(ctx, offset, size, "")
}

func (r *JSONRepository) FilterBroadcasts(_ context.Context, offset, size int, broadcastType string) ([]models.Broadcast, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matching := r.data.Broadcasts
	if broadcastType != "" {
		matching = make([]models.Broadcast, 0, len(r.data.Broadcasts))
		for _, b := range r.data.Broadcasts {
			if b.Type == broadcastType {
				matching = append(matching, b)
			}
		}
	}
	start, end := pageBounds(offset, size, len(matching))
	page := make([]models.Broadcast, 0, end-start)
	for _, b := range matching[start:end] {
		page = append(page, b.Clone())
	}
	return page, nil
}

func (r *JSONRepository) BroadcastCount(context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.data.Broadcasts)), nil
}

func (r *JSONRepository) ActiveBroadcastCount(context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var count int64
	for _, b := range r.data.Broadcasts {
		if b.Status == models.StatusBroadcasting {
			count++
		}
	}
	return count, nil
}

func (r *JSONRepository) AddVoD(_ context.Context, vod models.VoD) error {
	if strings.TrimSpace(vod.VoDID) == "" {
		return ErrInvalidID
	}
	return r.mutate(func(d *dataset) error {
		if idx := d.vodIndex(vod.VoDID); idx >= 0 {
			d.VoDs[idx] = vod
			return nil
		}
		d.VoDs = append(d.VoDs, vod)
		return nil
	})
}

func (r *JSONRepository) GetVoD(_ context.Context, vodID string) (models.VoD, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := r.data.vodIndex(vodID)
	if idx < 0 {
		return models.VoD{}, ErrNotFound
	}
	return r.data.VoDs[idx], nil
}

func (r *JSONRepository) DeleteVoD(_ context.Context, vodID string) error {
	return r.mutate(func(d *dataset) error {
		idx := d.vodIndex(vodID)
		if idx < 0 {
			return ErrNotFound
		}
		d.VoDs = append(d.VoDs[:idx], d.VoDs[idx+1:]...)
		return nil
	})
}

func (r *JSONRepository) ListVoDs(_ context.Context, offset, size int) ([]models.VoD, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	start, end := pageBounds(offset, size, len(r.data.VoDs))
	return append([]models.VoD(nil), r.data.VoDs[start:end]...), nil
}

func (r *JSONRepository) TotalVoDs(context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.data.VoDs)), nil
}

func (r *JSONRepository) SaveToken(_ context.Context, token models.Token) error {
	if strings.TrimSpace(token.TokenID) == "" {
		return ErrInvalidID
	}
	return r.mutate(func(d *dataset) error {
		d.Tokens = append(d.Tokens, token)
		return nil
	})
}

func (r *JSONRepository) ValidateToken(_ context.Context, token models.Token) (models.Token, bool, error) {
	var (
		found models.Token
		ok    bool
	)
	err := r.mutate(func(d *dataset) error {
		now := r.now()
		for i, stored := range d.Tokens {
			if stored.TokenID != token.TokenID {
				continue
			}
			if stored.StreamID != token.StreamID || stored.Type != token.Type || stored.Expired(now) {
				return nil
			}
			found, ok = stored, true
			d.Tokens = append(d.Tokens[:i], d.Tokens[i+1:]...)
			return nil
		}
		return nil
	})
	if err != nil {
		return models.Token{}, false, err
	}
	return found, ok, nil
}

func (r *JSONRepository) RevokeTokens(_ context.Context, streamID string) error {
	return r.mutate(func(d *dataset) error {
		kept := d.Tokens[:0]
		for _, t := range d.Tokens {
			if t.StreamID != streamID {
				kept = append(kept, t)
			}
		}
		d.Tokens = kept
		return nil
	})
}

func (r *JSONRepository) ListTokens(_ context.Context, streamID string, offset, size int) ([]models.Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	matching := make([]models.Token, 0)
	for _, t := range r.data.Tokens {
		if t.StreamID == streamID {
			matching = append(matching, t)
		}
	}
	start, end := pageBounds(offset, size, len(matching))
	return append([]models.Token(nil), matching[start:end]...), nil
}

package storage

import (
	"context"
	"errors"

	"relaycast/internal/models"
)

// MaxItemInOneList caps the page size of every list operation.
const MaxItemInOneList = 1000

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrInvalidID is returned when an identifier is empty or malformed.
	ErrInvalidID = errors.New("storage: invalid identifier")
)

// TokenStore persists stream access tokens. Implementations decide whether a
// validated token stays usable; every store in this package consumes a token
// on its first successful validation.
type TokenStore interface {
	SaveToken(ctx context.Context, token models.Token) error
	// ValidateToken returns the stored token when its id, stream and type
	// match and it has not expired. The boolean is false for any mismatch.
	ValidateToken(ctx context.Context, token models.Token) (models.Token, bool, error)
	RevokeTokens(ctx context.Context, streamID string) error
	ListTokens(ctx context.Context, streamID string, offset, size int) ([]models.Token, error)
}

// Repository exposes the broadcast, VoD and token persistence used by the
// coordinator. List operations cap the page at MaxItemInOneList and return
// fewer items near the end of the collection instead of failing.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	SaveBroadcast(ctx context.Context, broadcast models.Broadcast) error
	GetBroadcast(ctx context.Context, streamID string) (models.Broadcast, error)
	DeleteBroadcast(ctx context.Context, streamID string) error
	UpdateBroadcastName(ctx context.Context, streamID, name, description string) error
	AddEndpoint(ctx context.Context, streamID string, endpoint models.Endpoint) error
	RemoveAllEndpoints(ctx context.Context, streamID string) error
	SetMP4Muxing(ctx context.Context, streamID string, mode int) error
	ListBroadcasts(ctx context.Context, offset, size int) ([]models.Broadcast, error)
	FilterBroadcasts(ctx context.Context, offset, size int, broadcastType string) ([]models.Broadcast, error)
	BroadcastCount(ctx context.Context) (int64, error)
	ActiveBroadcastCount(ctx context.Context) (int64, error)

	AddVoD(ctx context.Context, vod models.VoD) error
	GetVoD(ctx context.Context, vodID string) (models.VoD, error)
	DeleteVoD(ctx context.Context, vodID string) error
	ListVoDs(ctx context.Context, offset, size int) ([]models.VoD, error)
	TotalVoDs(ctx context.Context) (int64, error)

	TokenStore
}

// pageBounds clamps offset and size to a valid window over total items.
func pageBounds(offset, size, total int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if size > MaxItemInOneList {
		size = MaxItemInOneList
	}
	if size < 0 {
		size = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + size
	if end > total {
		end = total
	}
	return offset, end
}

// normalizePage returns an offset and limit suitable for SQL paging.
func normalizePage(offset, size int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if size > MaxItemInOneList {
		size = MaxItemInOneList
	}
	if size < 0 {
		size = 0
	}
	return offset, size
}

type tokenOverride struct {
	Repository
	tokens TokenStore
}

// WithTokenStore returns a repository that keeps broadcasts and VoDs in repo
// but routes every token operation to tokens.
func WithTokenStore(repo Repository, tokens TokenStore) Repository {
	if tokens == nil {
		return repo
	}
	return &tokenOverride{Repository: repo, tokens: tokens}
}

func (r *tokenOverride) SaveToken(ctx context.Context, token models.Token) error {
	return r.tokens.SaveToken(ctx, token)
}

func (r *tokenOverride) ValidateToken(ctx context.Context, token models.Token) (models.Token, bool, error) {
	return r.tokens.ValidateToken(ctx, token)
}

func (r *tokenOverride) RevokeTokens(ctx context.Context, streamID string) error {
	return r.tokens.RevokeTokens(ctx, streamID)
}

func (r *tokenOverride) ListTokens(ctx context.Context, streamID string, offset, size int) ([]models.Token, error) {
	return r.tokens.ListTokens(ctx, streamID, offset, size)
}

func (r *tokenOverride) Close(ctx context.Context) error {
	err := r.Repository.Close(ctx)
	if closer, ok := r.tokens.(interface{ Close() error }); ok {
		if cerr := closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Package tokens issues and validates one-time stream access tokens.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"relaycast/internal/models"
	"relaycast/internal/observability/logging"
	"relaycast/internal/storage"
)

// DefaultTokenLength is the number of random bytes behind a token id.
const DefaultTokenLength = 16

var (
	// ErrStreamIDRequired is returned when issuing a token without a stream.
	ErrStreamIDRequired = errors.New("tokens: stream id is required")
	// ErrInvalidType is returned for token types other than play and publish.
	ErrInvalidType = errors.New("tokens: type must be play or publish")
)

// Creator produces the token to store for a stream. Returning a zero Token
// with a nil error means token control is disabled and nothing is stored.
type Creator interface {
	Create(streamID string, expireDate int64, tokenType, roomID string) (models.Token, error)
}

// RandomCreator generates hex encoded random token ids.
type RandomCreator struct {
	Length int
}

func (c RandomCreator) Create(streamID string, expireDate int64, tokenType, roomID string) (models.Token, error) {
	length := c.Length
	if length <= 0 {
		length = DefaultTokenLength
	}
	id, err := generateToken(length)
	if err != nil {
		return models.Token{}, fmt.Errorf("generate token: %w", err)
	}
	return models.Token{TokenID: id, StreamID: streamID, Type: tokenType, ExpireDate: expireDate, RoomID: roomID}, nil
}

// SwitchCreator delegates to On while Enabled reports true and creates
// nothing otherwise. Enabled is consulted on every call so reloaded settings
// take effect without a restart.
type SwitchCreator struct {
	Enabled func() bool
	On      Creator
}

func (c SwitchCreator) Create(streamID string, expireDate int64, tokenType, roomID string) (models.Token, error) {
	if c.Enabled == nil || !c.Enabled() || c.On == nil {
		return models.Token{}, nil
	}
	return c.On.Create(streamID, expireDate, tokenType, roomID)
}

func generateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// Option customises a Service.
type Option func(*Service)

// WithCreator replaces the default RandomCreator.
func WithCreator(creator Creator) Option {
	return func(s *Service) {
		if creator != nil {
			s.creator = creator
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Service is the access token facade over a token store.
type Service struct {
	store   storage.TokenStore
	creator Creator
	logger  *slog.Logger
}

// NewService returns a Service persisting tokens in store.
func NewService(store storage.TokenStore, opts ...Option) *Service {
	s := &Service{
		store:   store,
		creator: RandomCreator{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = logging.WithComponent(s.logger, "tokens")
	return s
}

// Issue creates and stores a token for streamID. The boolean is false when the
// creator declined to produce a token.
func (s *Service) Issue(ctx context.Context, streamID string, expireDate int64, tokenType, roomID string) (models.Token, bool, error) {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return models.Token{}, false, ErrStreamIDRequired
	}
	tokenType = strings.ToLower(strings.TrimSpace(tokenType))
	if tokenType != models.TokenTypePlay && tokenType != models.TokenTypePublish {
		return models.Token{}, false, ErrInvalidType
	}
	token, err := s.creator.Create(streamID, expireDate, tokenType, roomID)
	if err != nil {
		return models.Token{}, false, err
	}
	if token.TokenID == "" {
		return models.Token{}, false, nil
	}
	if err := s.store.SaveToken(ctx, token); err != nil {
		return models.Token{}, false, fmt.Errorf("save token: %w", err)
	}
	s.logger.Debug("token issued", "stream_id", streamID, "type", tokenType, "expire_date", expireDate)
	return token, true, nil
}

// Validate consumes token when it matches a stored, unexpired token of the
// same stream and type. A token validates at most once.
func (s *Service) Validate(ctx context.Context, token models.Token) (models.Token, bool, error) {
	if strings.TrimSpace(token.TokenID) == "" {
		return models.Token{}, false, nil
	}
	validated, ok, err := s.store.ValidateToken(ctx, token)
	if err != nil {
		return models.Token{}, false, fmt.Errorf("validate token: %w", err)
	}
	if !ok {
		s.logger.Info("token rejected", "stream_id", token.StreamID, "type", token.Type)
		return models.Token{}, false, nil
	}
	return validated, true, nil
}

// RevokeAll deletes every token of streamID.
func (s *Service) RevokeAll(ctx context.Context, streamID string) error {
	if strings.TrimSpace(streamID) == "" {
		return ErrStreamIDRequired
	}
	if err := s.store.RevokeTokens(ctx, streamID); err != nil {
		return fmt.Errorf("revoke tokens: %w", err)
	}
	return nil
}

// List returns one page of the unexpired tokens of streamID.
func (s *Service) List(ctx context.Context, streamID string, offset, size int) ([]models.Token, error) {
	tokens, err := s.store.ListTokens(ctx, streamID, offset, size)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	return tokens, nil
}

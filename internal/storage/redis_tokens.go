package storage

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"relaycast/internal/models"
)

// RedisTokenConfig configures the Redis-backed token store.
type RedisTokenConfig struct {
	Addr      string
	Addrs     []string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	TLS       *tls.Config
	Clock     func() time.Time
}

// RedisTokenStore keeps each token under its own key expiring at the token's
// expire date and indexes tokens per stream in a sorted set scored by expiry.
type RedisTokenStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisTokenStore connects to Redis using cfg.
func NewRedisTokenStore(cfg RedisTokenConfig) (*RedisTokenStore, error) {
	addrs := cfg.Addrs
	if len(addrs) == 0 && strings.TrimSpace(cfg.Addr) != "" {
		addrs = []string{strings.TrimSpace(cfg.Addr)}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis address required")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:     addrs,
		Username:  cfg.Username,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: cfg.TLS,
	})
	return newRedisTokenStore(client, cfg), nil
}

func newRedisTokenStore(client redis.UniversalClient, cfg RedisTokenConfig) *RedisTokenStore {
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "relaycast"
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &RedisTokenStore{client: client, prefix: prefix, now: now}
}

func (s *RedisTokenStore) tokenKey(id string) string {
	return s.prefix + ":token:" + id
}

func (s *RedisTokenStore) streamKey(streamID string) string {
	return s.prefix + ":stream-tokens:" + streamID
}

// Ping verifies the connection.
func (s *RedisTokenStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *RedisTokenStore) Close() error {
	return s.client.Close()
}

func (s *RedisTokenStore) SaveToken(ctx context.Context, token models.Token) error {
	if strings.TrimSpace(token.TokenID) == "" {
		return ErrInvalidID
	}
	payload, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	expireAt := time.UnixMilli(token.ExpireDate)
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.tokenKey(token.TokenID), payload, 0)
		pipe.ExpireAt(ctx, s.tokenKey(token.TokenID), expireAt)
		pipe.ZAdd(ctx, s.streamKey(token.StreamID), redis.Z{Score: float64(token.ExpireDate), Member: token.TokenID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// ValidateToken reads the token and deletes it. Only the caller whose DEL
// removes the key is admitted, so a token validates once.
func (s *RedisTokenStore) ValidateToken(ctx context.Context, token models.Token) (models.Token, bool, error) {
	key := s.tokenKey(token.TokenID)
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.Token{}, false, nil
		}
		return models.Token{}, false, fmt.Errorf("load token: %w", err)
	}
	var stored models.Token
	if err := json.Unmarshal(raw, &stored); err != nil {
		return models.Token{}, false, fmt.Errorf("decode token: %w", err)
	}
	if stored.StreamID != token.StreamID || stored.Type != token.Type || stored.Expired(s.now()) {
		return models.Token{}, false, nil
	}
	removed, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return models.Token{}, false, fmt.Errorf("consume token: %w", err)
	}
	if removed == 0 {
		return models.Token{}, false, nil
	}
	if err := s.client.ZRem(ctx, s.streamKey(stored.StreamID), stored.TokenID).Err(); err != nil {
		return models.Token{}, false, fmt.Errorf("unindex token: %w", err)
	}
	return stored, true, nil
}

func (s *RedisTokenStore) RevokeTokens(ctx context.Context, streamID string) error {
	index := s.streamKey(streamID)
	ids, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list stream tokens: %w", err)
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, s.tokenKey(id))
	}
	keys = append(keys, index)
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("revoke tokens for %s: %w", streamID, err)
	}
	return nil
}

func (s *RedisTokenStore) ListTokens(ctx context.Context, streamID string, offset, size int) ([]models.Token, error) {
	offset, size = normalizePage(offset, size)
	if size == 0 {
		return []models.Token{}, nil
	}
	index := s.streamKey(streamID)
	now := strconv.FormatInt(s.now().UnixMilli(), 10)
	if err := s.client.ZRemRangeByScore(ctx, index, "-inf", now).Err(); err != nil {
		return nil, fmt.Errorf("trim expired tokens: %w", err)
	}
	ids, err := s.client.ZRange(ctx, index, int64(offset), int64(offset+size-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list stream tokens: %w", err)
	}
	tokens := make([]models.Token, 0, len(ids))
	if len(ids) == 0 {
		return tokens, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.tokenKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var t models.Token
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, nil
}

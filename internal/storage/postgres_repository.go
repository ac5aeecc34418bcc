package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"relaycast/internal/models"
)

// PostgresConfig describes how the repository initialises its connection
// pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	Clock               func() time.Time
}

// PostgresOption customises PostgresConfig.
type PostgresOption func(*PostgresConfig)

func WithPostgresPoolLimits(maxConns, minConns int32) PostgresOption {
	return func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	}
}

// WithPostgresAcquireTimeout bounds how long a statement waits for a pooled
// connection.
func WithPostgresAcquireTimeout(timeout time.Duration) PostgresOption {
	return func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	}
}

func WithPostgresApplicationName(name string) PostgresOption {
	return func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	}
}

func WithPostgresClock(now func() time.Time) PostgresOption {
	return func(cfg *PostgresConfig) {
		if now != nil {
			cfg.Clock = now
		}
	}
}

// PostgresRepository stores the catalog in Postgres. Migrations must have been
// applied with Migrate before it is used.
type PostgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a pooled connection to the database at dsn.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresRepository, error) {
	cfg := PostgresConfig{
		DSN:             dsn,
		MinConnections:  -1,
		ApplicationName: "relaycast",
		Clock:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresRepository{pool: pool, cfg: cfg}, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *PostgresRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.AcquireTimeout > 0 {
		return context.WithTimeout(ctx, r.cfg.AcquireTimeout)
	}
	return context.WithCancel(ctx)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

const broadcastColumns = `stream_id, name, description, status, type, created_at_ms, rtmp_url,
	listener_hook_url, ip_addr, username, password, stream_url, public_stream, is_360, mp4_enabled,
	hls_viewer_count, webrtc_viewer_count, rtmp_viewer_count`

func scanBroadcast(row pgx.Row) (models.Broadcast, error) {
	var b models.Broadcast
	err := row.Scan(
		&b.StreamID, &b.Name, &b.Description, &b.Status, &b.Type, &b.Date, &b.RTMPURL,
		&b.ListenerHookURL, &b.IPAddr, &b.Username, &b.Password, &b.StreamURL, &b.Public, &b.Is360,
		&b.MP4Enabled, &b.HLSViewerCount, &b.WebRTCViewerCount, &b.RTMPViewerCount,
	)
	return b, err
}

func (r *PostgresRepository) SaveBroadcast(ctx context.Context, b models.Broadcast) error {
	if strings.TrimSpace(b.StreamID) == "" {
		return ErrInvalidID
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save broadcast: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO broadcasts (`+broadcastColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (stream_id) DO UPDATE SET
			name = EXCLUDED.name, description = EXCLUDED.description, status = EXCLUDED.status,
			type = EXCLUDED.type, rtmp_url = EXCLUDED.rtmp_url, listener_hook_url = EXCLUDED.listener_hook_url,
			ip_addr = EXCLUDED.ip_addr, username = EXCLUDED.username, password = EXCLUDED.password,
			stream_url = EXCLUDED.stream_url, public_stream = EXCLUDED.public_stream, is_360 = EXCLUDED.is_360,
			mp4_enabled = EXCLUDED.mp4_enabled, hls_viewer_count = EXCLUDED.hls_viewer_count,
			webrtc_viewer_count = EXCLUDED.webrtc_viewer_count, rtmp_viewer_count = EXCLUDED.rtmp_viewer_count`,
		b.StreamID, b.Name, b.Description, b.Status, b.Type, b.Date, b.RTMPURL,
		b.ListenerHookURL, b.IPAddr, b.Username, b.Password, b.StreamURL, b.Public, b.Is360,
		b.MP4Enabled, b.HLSViewerCount, b.WebRTCViewerCount, b.RTMPViewerCount,
	)
	if err != nil {
		return fmt.Errorf("save broadcast %s: %w", b.StreamID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM broadcast_endpoints WHERE stream_id = $1`, b.StreamID); err != nil {
		return fmt.Errorf("reset endpoints for %s: %w", b.StreamID, err)
	}
	for _, ep := range b.Endpoints {
		if err := insertEndpoint(ctx, tx, b.StreamID, ep); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save broadcast: %w", err)
	}
	return nil
}

func insertEndpoint(ctx context.Context, tx pgx.Tx, streamID string, ep models.Endpoint) error {
	_, err := tx.Exec(ctx, `INSERT INTO broadcast_endpoints
		(stream_id, type, rtmp_url, name, broadcast_id, endpoint_stream_id, endpoint_service_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		streamID, ep.Type, ep.RTMPURL, ep.Name, ep.BroadcastID, ep.StreamID, ep.EndpointServiceID,
	)
	if err != nil {
		return fmt.Errorf("insert endpoint for %s: %w", streamID, err)
	}
	return nil
}

func (r *PostgresRepository) GetBroadcast(ctx context.Context, streamID string) (models.Broadcast, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	row := r.pool.QueryRow(ctx, `SELECT `+broadcastColumns+` FROM broadcasts WHERE stream_id = $1`, streamID)
	b, err := scanBroadcast(row)
	if err != nil {
		if isNoRows(err) {
			return models.Broadcast{}, ErrNotFound
		}
		return models.Broadcast{}, fmt.Errorf("get broadcast %s: %w", streamID, err)
	}
	list := []models.Broadcast{b}
	if err := r.attachEndpoints(ctx, list); err != nil {
		return models.Broadcast{}, err
	}
	return list[0], nil
}

func (r *PostgresRepository) attachEndpoints(ctx context.Context, list []models.Broadcast) error {
	if len(list) == 0 {
		return nil
	}
	ids := make([]string, len(list))
	index := make(map[string]int, len(list))
	for i, b := range list {
		ids[i] = b.StreamID
		index[b.StreamID] = i
	}
	rows, err := r.pool.Query(ctx, `SELECT stream_id, type, rtmp_url, name, broadcast_id, endpoint_stream_id, endpoint_service_id
		FROM broadcast_endpoints WHERE stream_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return fmt.Errorf("query endpoints: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			owner string
			ep    models.Endpoint
		)
		if err := rows.Scan(&owner, &ep.Type, &ep.RTMPURL, &ep.Name, &ep.BroadcastID, &ep.StreamID, &ep.EndpointServiceID); err != nil {
			return fmt.Errorf("scan endpoint: %w", err)
		}
		if i, ok := index[owner]; ok {
			list[i].Endpoints = append(list[i].Endpoints, ep)
		}
	}
	return rows.Err()
}

func (r *PostgresRepository) expectRow(ctx context.Context, what, sql string, args ...any) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) DeleteBroadcast(ctx context.Context, streamID string) error {
	return r.expectRow(ctx, "delete broadcast", `DELETE FROM broadcasts WHERE stream_id = $1`, streamID)
}

func (r *PostgresRepository) UpdateBroadcastName(ctx context.Context, streamID, name, description string) error {
	return r.expectRow(ctx, "update broadcast name",
		`UPDATE broadcasts SET name = $2, description = $3 WHERE stream_id = $1`, streamID, name, description)
}

func (r *PostgresRepository) SetMP4Muxing(ctx context.Context, streamID string, mode int) error {
	return r.expectRow(ctx, "set mp4 muxing",
		`UPDATE broadcasts SET mp4_enabled = $2 WHERE stream_id = $1`, streamID, mode)
}

func (r *PostgresRepository) AddEndpoint(ctx context.Context, streamID string, endpoint models.Endpoint) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin add endpoint: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM broadcasts WHERE stream_id = $1)`, streamID).Scan(&exists); err != nil {
		return fmt.Errorf("check broadcast %s: %w", streamID, err)
	}
	if !exists {
		return ErrNotFound
	}
	if err := insertEndpoint(ctx, tx, streamID, endpoint); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) RemoveAllEndpoints(ctx context.Context, streamID string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM broadcasts WHERE stream_id = $1)`, streamID).Scan(&exists); err != nil {
		return fmt.Errorf("check broadcast %s: %w", streamID, err)
	}
	if !exists {
		return ErrNotFound
	}
	if _, err := r.pool.Exec(ctx, `DELETE FROM broadcast_endpoints WHERE stream_id = $1`, streamID); err != nil {
		return fmt.Errorf("remove endpoints for %s: %w", streamID, err)
	}
	return nil
}

func (r *PostgresRepository) ListBroadcasts(ctx context.Context, offset, size int) ([]models.Broadcast, error) {
	return r.FilterBroadcasts(ctx, offset, size, "")
}

func (r *PostgresRepository) FilterBroadcasts(ctx context.Context, offset, size int, broadcastType string) ([]models.Broadcast, error) {
	offset, size = normalizePage(offset, size)
	if size == 0 {
		return []models.Broadcast{}, nil
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `SELECT `+broadcastColumns+` FROM broadcasts
		WHERE $1 = '' OR type = $1 ORDER BY seq OFFSET $2 LIMIT $3`, broadcastType, offset, size)
	if err != nil {
		return nil, fmt.Errorf("list broadcasts: %w", err)
	}
	list := make([]models.Broadcast, 0, size)
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan broadcast: %w", err)
		}
		list = append(list, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list broadcasts: %w", err)
	}
	if err := r.attachEndpoints(ctx, list); err != nil {
		return nil, err
	}
	return list, nil
}

func (r *PostgresRepository) count(ctx context.Context, what, sql string, args ...any) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var n int64
	if err := r.pool.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("%s: %w", what, err)
	}
	return n, nil
}

func (r *PostgresRepository) BroadcastCount(ctx context.Context) (int64, error) {
	return r.count(ctx, "count broadcasts", `SELECT COUNT(*) FROM broadcasts`)
}

func (r *PostgresRepository) ActiveBroadcastCount(ctx context.Context) (int64, error) {
	return r.count(ctx, "count active broadcasts", `SELECT COUNT(*) FROM broadcasts WHERE status = $1`, models.StatusBroadcasting)
}

func (r *PostgresRepository) AddVoD(ctx context.Context, v models.VoD) error {
	if strings.TrimSpace(v.VoDID) == "" {
		return ErrInvalidID
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	_, err := r.pool.Exec(ctx, `INSERT INTO vods
		(vod_id, vod_name, stream_id, stream_name, file_path, creation_date, duration, file_size, type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (vod_id) DO UPDATE SET vod_name = EXCLUDED.vod_name, file_path = EXCLUDED.file_path,
			duration = EXCLUDED.duration, file_size = EXCLUDED.file_size`,
		v.VoDID, v.VoDName, v.StreamID, v.StreamName, v.FilePath, v.CreationDate, v.Duration, v.FileSize, v.Type,
	)
	if err != nil {
		return fmt.Errorf("add vod %s: %w", v.VoDID, err)
	}
	return nil
}

const vodColumns = `vod_id, vod_name, stream_id, stream_name, file_path, creation_date, duration, file_size, type`

func scanVoD(row pgx.Row) (models.VoD, error) {
	var v models.VoD
	err := row.Scan(&v.VoDID, &v.VoDName, &v.StreamID, &v.StreamName, &v.FilePath, &v.CreationDate, &v.Duration, &v.FileSize, &v.Type)
	return v, err
}

func (r *PostgresRepository) GetVoD(ctx context.Context, vodID string) (models.VoD, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	v, err := scanVoD(r.pool.QueryRow(ctx, `SELECT `+vodColumns+` FROM vods WHERE vod_id = $1`, vodID))
	if err != nil {
		if isNoRows(err) {
			return models.VoD{}, ErrNotFound
		}
		return models.VoD{}, fmt.Errorf("get vod %s: %w", vodID, err)
	}
	return v, nil
}

func (r *PostgresRepository) DeleteVoD(ctx context.Context, vodID string) error {
	return r.expectRow(ctx, "delete vod", `DELETE FROM vods WHERE vod_id = $1`, vodID)
}

func (r *PostgresRepository) ListVoDs(ctx context.Context, offset, size int) ([]models.VoD, error) {
	offset, size = normalizePage(offset, size)
	if size == 0 {
		return []models.VoD{}, nil
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `SELECT `+vodColumns+` FROM vods ORDER BY seq OFFSET $1 LIMIT $2`, offset, size)
	if err != nil {
		return nil, fmt.Errorf("list vods: %w", err)
	}
	defer rows.Close()
	list := make([]models.VoD, 0, size)
	for rows.Next() {
		v, err := scanVoD(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vod: %w", err)
		}
		list = append(list, v)
	}
	return list, rows.Err()
}

func (r *PostgresRepository) TotalVoDs(ctx context.Context) (int64, error) {
	return r.count(ctx, "count vods", `SELECT COUNT(*) FROM vods`)
}

func (r *PostgresRepository) SaveToken(ctx context.Context, t models.Token) error {
	if strings.TrimSpace(t.TokenID) == "" {
		return ErrInvalidID
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	_, err := r.pool.Exec(ctx, `INSERT INTO tokens (token_id, stream_id, type, expire_date, room_id)
		VALUES ($1, $2, $3, $4, $5)`, t.TokenID, t.StreamID, t.Type, t.ExpireDate, t.RoomID)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// ValidateToken deletes the matching token in the same statement that checks
// it, so concurrent validations of one token admit a single caller.
func (r *PostgresRepository) ValidateToken(ctx context.Context, t models.Token) (models.Token, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var out models.Token
	err := r.pool.QueryRow(ctx, `DELETE FROM tokens
		WHERE token_id = $1 AND stream_id = $2 AND type = $3 AND expire_date > $4
		RETURNING token_id, stream_id, type, expire_date, room_id`,
		t.TokenID, t.StreamID, t.Type, r.cfg.Clock().UnixMilli(),
	).Scan(&out.TokenID, &out.StreamID, &out.Type, &out.ExpireDate, &out.RoomID)
	if err != nil {
		if isNoRows(err) {
			return models.Token{}, false, nil
		}
		return models.Token{}, false, fmt.Errorf("validate token: %w", err)
	}
	return out, true, nil
}

func (r *PostgresRepository) RevokeTokens(ctx context.Context, streamID string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if _, err := r.pool.Exec(ctx, `DELETE FROM tokens WHERE stream_id = $1`, streamID); err != nil {
		return fmt.Errorf("revoke tokens for %s: %w", streamID, err)
	}
	return nil
}

func (r *PostgresRepository) ListTokens(ctx context.Context, streamID string, offset, size int) ([]models.Token, error) {
	offset, size = normalizePage(offset, size)
	if size == 0 {
		return []models.Token{}, nil
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `SELECT token_id, stream_id, type, expire_date, room_id FROM tokens
		WHERE stream_id = $1 ORDER BY seq OFFSET $2 LIMIT $3`, streamID, offset, size)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()
	list := make([]models.Token, 0)
	for rows.Next() {
		var t models.Token
		if err := rows.Scan(&t.TokenID, &t.StreamID, &t.Type, &t.ExpireDate, &t.RoomID); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

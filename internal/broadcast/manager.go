// Package broadcast owns the lifecycle of broadcast records: creation,
// renaming, stopping, deletion, republishing endpoints, uploaded VoD files
// and per-stream statistics.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"relaycast/internal/config"
	"relaycast/internal/events"
	"relaycast/internal/models"
	"relaycast/internal/objectstore"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/serverutil"
	"relaycast/internal/social"
	"relaycast/internal/storage"
	"relaycast/internal/transport"
)

const (
	msgNoActiveBroadcast = "No active broadcast found with id "
	msgStopFailed        = "Media server could not stop broadcast "
	msgDeletedStopped    = "broadcast is deleted and stopped successfully"
	msgDeletedNotStopped = "broadcast is deleted but could not be stopped"
)

// SocialDirectory is the part of the endpoint registry the manager uses.
// *social.Registry satisfies it.
type SocialDirectory interface {
	Get(id string) (social.VideoServiceEndpoint, bool)
	Len() int
	Revoke(ctx context.Context, serviceID string) models.Result
}

// Config carries the collaborators a Manager cannot run without.
type Config struct {
	Repository storage.Repository
	Transport  transport.Controller
	Social     SocialDirectory
	// Settings returns the current application settings snapshot.
	Settings func() config.Settings
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the logger used by the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logging.WithComponent(logger, "broadcast")
		}
	}
}

// WithObjectStore mirrors uploaded VoDs to a remote store.
func WithObjectStore(store objectstore.Store) Option {
	return func(m *Manager) {
		if store != nil {
			m.objects = store
		}
	}
}

// WithPublisher publishes lifecycle events after successful mutations.
func WithPublisher(publisher events.Publisher) Option {
	return func(m *Manager) {
		if publisher != nil {
			m.events = publisher
		}
	}
}

// WithRecorder counts lifecycle events on recorder.
func WithRecorder(recorder *metrics.Recorder) Option {
	return func(m *Manager) {
		if recorder != nil {
			m.recorder = recorder
		}
	}
}

// WithClock overrides the clock used for creation dates.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithHostResolver overrides how the server address is found when no server
// name is configured.
func WithHostResolver(resolve func() (string, error)) Option {
	return func(m *Manager) {
		if resolve != nil {
			m.hostAddress = resolve
		}
	}
}

// WithStreamIDGenerator overrides stream id generation.
func WithStreamIDGenerator(gen func() string) Option {
	return func(m *Manager) {
		if gen != nil {
			m.newStreamID = gen
		}
	}
}

// Manager coordinates broadcasts between storage, the media server and the
// social endpoint registry. It is safe for concurrent use.
type Manager struct {
	repo        storage.Repository
	transport   transport.Controller
	social      SocialDirectory
	settings    func() config.Settings
	objects     objectstore.Store
	events      events.Publisher
	recorder    *metrics.Recorder
	logger      *slog.Logger
	now         func() time.Time
	hostAddress func() (string, error)
	newStreamID func() string
	newVoDID    func() (string, error)
}

// NewManager builds a Manager. Repository is required; the other
// collaborators fall back to no-op implementations.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.Repository == nil {
		return nil, errors.New("broadcast: repository is required")
	}
	m := &Manager{
		repo:        cfg.Repository,
		transport:   cfg.Transport,
		social:      cfg.Social,
		settings:    cfg.Settings,
		objects:     objectstore.NoopStore{},
		events:      events.NoopPublisher{},
		recorder:    metrics.Default(),
		logger:      logging.WithComponent(slog.Default(), "broadcast"),
		now:         time.Now,
		hostAddress: serverutil.HostAddress,
		newStreamID: uuid.NewString,
		newVoDID:    randomDigits,
	}
	if m.transport == nil {
		m.transport = transport.NoopController{}
	}
	if m.social == nil {
		m.social = emptyDirectory{}
	}
	if m.settings == nil {
		m.settings = config.Defaults
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Create stores a new broadcast built from b. Any id supplied by the caller
// is replaced, the status reset and the RTMP URL derived from the server.
func (m *Manager) Create(ctx context.Context, b *models.Broadcast) (models.Broadcast, error) {
	var broadcast models.Broadcast
	if b != nil {
		broadcast = b.Clone()
	}
	settings := m.settings()

	broadcast.StreamID = m.newStreamID()
	broadcast.Status = models.StatusCreated
	broadcast.Date = m.now().UnixMilli()
	if broadcast.Type == "" {
		broadcast.Type = models.TypeLiveStream
	}
	if strings.TrimSpace(broadcast.ListenerHookURL) == "" {
		broadcast.ListenerHookURL = settings.ListenerHookURL
	}
	broadcast.RTMPURL = m.rtmpURL(settings)

	if err := m.repo.SaveBroadcast(ctx, broadcast); err != nil {
		return models.Broadcast{}, fmt.Errorf("save broadcast: %w", err)
	}
	m.publish(ctx, events.Event{Type: events.BroadcastCreated, StreamID: broadcast.StreamID, Details: map[string]string{"type": broadcast.Type}})
	return broadcast, nil
}

// CreateWithSocial creates a broadcast and binds it to every service id in
// the comma separated list. A failed binding is logged and does not undo
// the broadcast.
func (m *Manager) CreateWithSocial(ctx context.Context, b *models.Broadcast, serviceIDs string) (models.Broadcast, error) {
	broadcast, err := m.Create(ctx, b)
	if err != nil {
		return models.Broadcast{}, err
	}
	ids := splitServiceIDs(serviceIDs)
	if len(ids) == 0 {
		return broadcast, nil
	}
	for _, id := range ids {
		if result := m.AddSocialEndpoint(ctx, broadcast.StreamID, id); !result.Success {
			m.logger.Warn("social endpoint not bound", "stream_id", broadcast.StreamID, "service_id", id, "reason", result.Message)
		}
	}
	stored, err := m.repo.GetBroadcast(ctx, broadcast.StreamID)
	if err != nil {
		return models.Broadcast{}, fmt.Errorf("reload broadcast: %w", err)
	}
	return stored, nil
}

// Update renames the broadcast. When serviceIDs is non-empty the existing
// endpoints are replaced by new bindings, made in order until one fails.
func (m *Manager) Update(ctx context.Context, streamID string, b *models.Broadcast, serviceIDs string) models.Result {
	var name, description string
	if b != nil {
		name, description = b.Name, b.Description
	}
	if err := m.repo.UpdateBroadcastName(ctx, streamID, name, description); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Error("update broadcast", "stream_id", streamID, "error", err)
		}
		return models.Result{}
	}

	if ids := splitServiceIDs(serviceIDs); len(ids) > 0 {
		if err := m.repo.RemoveAllEndpoints(ctx, streamID); err != nil {
			m.logger.Error("clear endpoints", "stream_id", streamID, "error", err)
			return models.Result{}
		}
		for _, id := range ids {
			if result := m.AddSocialEndpoint(ctx, streamID, id); !result.Success {
				return models.FailedWithID(m.serviceLabel(id)+"  endpoint cannot be added", -1)
			}
		}
	}
	m.publish(ctx, events.Event{Type: events.BroadcastUpdated, StreamID: streamID})
	return models.Succeeded("")
}

// Stop closes the live connection of the broadcast, if there is one.
func (m *Manager) Stop(ctx context.Context, streamID string) models.Result {
	ok, err := m.stopConnection(ctx, streamID)
	if err != nil {
		m.logger.Warn("stop broadcast", "stream_id", streamID, "error", err)
		return models.Failed(msgStopFailed + streamID + ": " + err.Error())
	}
	if !ok {
		return models.Failed(msgNoActiveBroadcast + streamID)
	}
	m.publish(ctx, events.Event{Type: events.BroadcastStopped, StreamID: streamID})
	return models.Succeeded("")
}

func (m *Manager) stopConnection(ctx context.Context, streamID string) (bool, error) {
	if _, live, err := m.transport.LookupStream(ctx, streamID); err != nil || !live {
		return false, err
	}
	if err := m.transport.CloseStream(ctx, streamID); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the broadcast record and stops its live connection. Pulled
// sources are stopped at the media server before the record goes away.
func (m *Manager) Delete(ctx context.Context, streamID string) models.Result {
	broadcast, err := m.repo.GetBroadcast(ctx, streamID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Error("load broadcast", "stream_id", streamID, "error", err)
		}
		return models.Result{}
	}
	if broadcast.IsPullType() {
		if err := m.transport.StopPull(ctx, streamID); err != nil {
			m.logger.Warn("stop pulled source", "stream_id", streamID, "error", err)
		}
	}
	if err := m.repo.DeleteBroadcast(ctx, streamID); err != nil {
		m.logger.Error("delete broadcast", "stream_id", streamID, "error", err)
		return models.Result{}
	}
	m.publish(ctx, events.Event{Type: events.BroadcastDeleted, StreamID: streamID})

	stopped, err := m.stopConnection(ctx, streamID)
	if err != nil {
		m.logger.Warn("stop deleted broadcast", "stream_id", streamID, "error", err)
	}
	if stopped {
		return models.Succeeded(msgDeletedStopped)
	}
	return models.Succeeded(msgDeletedNotStopped)
}

// Get returns the stored broadcast.
func (m *Manager) Get(ctx context.Context, streamID string) (models.Broadcast, error) {
	return m.repo.GetBroadcast(ctx, streamID)
}

// List returns a page of broadcasts.
func (m *Manager) List(ctx context.Context, offset, size int) ([]models.Broadcast, error) {
	return m.repo.ListBroadcasts(ctx, offset, size)
}

// FilterList returns a page of broadcasts of the given type.
func (m *Manager) FilterList(ctx context.Context, offset, size int, broadcastType string) ([]models.Broadcast, error) {
	return m.repo.FilterBroadcasts(ctx, offset, size, broadcastType)
}

// Count returns the number of stored broadcasts.
func (m *Manager) Count(ctx context.Context) (int64, error) {
	return m.repo.BroadcastCount(ctx)
}

// EnableMP4Muxing stores the MP4 recording mode of a broadcast.
func (m *Manager) EnableMP4Muxing(ctx context.Context, streamID string, mode int) models.Result {
	if err := m.repo.SetMP4Muxing(ctx, streamID, mode); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Error("set mp4 muxing", "stream_id", streamID, "error", err)
		}
		return models.Failed("no stream for this id: " + streamID)
	}
	return models.Succeeded("streamId:" + streamID)
}

// AppStatistics summarises the whole application and refreshes the active
// broadcast gauge.
func (m *Manager) AppStatistics(ctx context.Context) (models.AppBroadcastStatistics, error) {
	active, err := m.repo.ActiveBroadcastCount(ctx)
	if err != nil {
		return models.AppBroadcastStatistics{}, fmt.Errorf("count active broadcasts: %w", err)
	}
	total, err := m.repo.BroadcastCount(ctx)
	if err != nil {
		return models.AppBroadcastStatistics{}, fmt.Errorf("count broadcasts: %w", err)
	}
	vods, err := m.repo.TotalVoDs(ctx)
	if err != nil {
		return models.AppBroadcastStatistics{}, fmt.Errorf("count vods: %w", err)
	}
	m.recorder.SetActiveBroadcasts(active)
	return models.AppBroadcastStatistics{
		ActiveLiveStreamCount: active,
		TotalBroadcastCount:   total,
		TotalVoDCount:         vods,
	}, nil
}

// RevokeSocialNetwork drops the authorization of a social endpoint.
func (m *Manager) RevokeSocialNetwork(ctx context.Context, serviceID string) models.Result {
	return m.social.Revoke(ctx, serviceID)
}

func (m *Manager) rtmpURL(settings config.Settings) string {
	host := strings.TrimSpace(settings.ServerName)
	if host == "" {
		addr, err := m.hostAddress()
		if err != nil {
			m.logger.Warn("resolve host address", "error", err)
		}
		host = addr
	}
	return "rtmp://" + host + "/" + settings.ScopeName + "/"
}

func (m *Manager) publish(ctx context.Context, event events.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now().UTC()
	}
	m.recorder.ObserveBroadcastEvent(event.Type)
	if err := m.events.Publish(ctx, event); err != nil {
		m.logger.Warn("publish lifecycle event", "type", event.Type, "key", event.Key(), "error", err)
	}
}

// serviceLabel names a service id in user facing messages.
func (m *Manager) serviceLabel(id string) string {
	if ep, ok := m.social.Get(id); ok {
		return ep.Name()
	}
	return id
}

func splitServiceIDs(raw string) []string {
	var ids []string
	for _, part := range strings.Split(raw, ",") {
		if id := strings.TrimSpace(part); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

type emptyDirectory struct{}

func (emptyDirectory) Get(string) (social.VideoServiceEndpoint, bool) { return nil, false }
func (emptyDirectory) Len() int { return 0 }
func (emptyDirectory) Revoke(context.Context, string) models.Result {
	return models.Failed("No endpoint is defined for this app")
}

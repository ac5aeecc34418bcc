package social

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"relaycast/internal/models"
	"relaycast/internal/observability/logging"
)

// Revoke messages.
const (
	msgServiceNotFound = "Service with the name specified is not found in this app"
	msgNoEndpoint      = "No endpoint is defined for this app"
)

// RegistryConfig wires a Registry.
type RegistryConfig struct {
	// Factories maps a service name to its endpoint constructor. Defaults to
	// DefaultFactories().
	Factories map[string]Factory
	Clients   ClientSource
	Store     CredentialStore
	Logger    *slog.Logger
}

// Registry owns the authorized endpoints of the application and the
// endpoints whose authorization failed but has not yet been reported.
type Registry struct {
	factories map[string]Factory
	clients   ClientSource
	store     CredentialStore
	logger    *slog.Logger

	mu      sync.Mutex
	active  map[string]VideoServiceEndpoint
	errored []VideoServiceEndpoint
}

// NewRegistry builds an empty registry. Call Start to restore persisted
// accounts.
func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		factories: cfg.Factories,
		clients:   cfg.Clients,
		store:     cfg.Store,
		logger:    cfg.Logger,
		active:    make(map[string]VideoServiceEndpoint),
	}
	if r.factories == nil {
		r.factories = DefaultFactories()
	}
	if r.clients == nil {
		r.clients = func(string) ClientCredentials { return ClientCredentials{} }
	}
	if r.store == nil {
		r.store = NewMemoryCredentialStore()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = logging.WithComponent(r.logger, "social-registry")
	return r
}

// Start restores every persisted account whose service is still supported.
func (r *Registry) Start(ctx context.Context) error {
	stored, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load social credentials: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range stored {
		creds := stored[i]
		factory, ok := r.factories[normalizeService(creds.ServiceName)]
		if !ok {
			r.logger.Warn("skipping credentials for unsupported service", "service", creds.ServiceName, "id", creds.ID)
			continue
		}
		r.active[creds.ID] = factory(r.clients(creds.ServiceName), &creds)
	}
	r.logger.Info("social endpoints restored", "count", len(r.active))
	return nil
}

// NewEndpoint builds an unauthorized endpoint for serviceName.
func (r *Registry) NewEndpoint(serviceName string) (VideoServiceEndpoint, error) {
	name := normalizeService(serviceName)
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, serviceName)
	}
	return factory(r.clients(name), nil), nil
}

// ClientCredentials returns the configured client credentials for a service.
func (r *Registry) ClientCredentials(serviceName string) ClientCredentials {
	return r.clients(normalizeService(serviceName))
}

func (r *Registry) Get(id string) (VideoServiceEndpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.active[id]
	return ep, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Credentials lists the credentials of the active endpoints ordered by id.
func (r *Registry) Credentials() []models.SocialEndpointCredentials {
	r.mu.Lock()
	out := make([]models.SocialEndpointCredentials, 0, len(r.active))
	for _, ep := range r.active {
		out = append(out, ep.Credentials())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Activate adds an authorized endpoint, assigning an id when it has none, and
// persists its credentials.
func (r *Registry) Activate(ctx context.Context, ep VideoServiceEndpoint) (string, error) {
	creds := ep.Credentials()
	if creds.ID == "" {
		creds.ID = uuid.NewString()
		ep.SetCredentials(creds)
		creds = ep.Credentials()
	}
	r.mu.Lock()
	r.active[creds.ID] = ep
	r.mu.Unlock()

	if err := r.store.Save(ctx, creds); err != nil {
		r.logger.Error("failed to persist social credentials", "id", creds.ID, "service", creds.ServiceName, "error", err)
		return creds.ID, fmt.Errorf("persist credentials %s: %w", creds.ID, err)
	}
	r.logger.Info("social endpoint authorized", "id", creds.ID, "service", creds.ServiceName)
	return creds.ID, nil
}

// Fail records an endpoint whose authorization did not complete so that the
// next status check for its user code reports message.
func (r *Registry) Fail(ep VideoServiceEndpoint, message string) {
	ep.SetError(message)
	r.mu.Lock()
	r.errored = append(r.errored, ep)
	r.mu.Unlock()
	r.logger.Warn("social endpoint authorization failed", "service", ep.Name(), "reason", message)
}

// ConsumeStatus reports the authorization outcome for userCode. A failure is
// reported once and then forgotten.
func (r *Registry) ConsumeStatus(userCode string) models.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if userCode == "" {
		return models.Result{}
	}
	for id, ep := range r.active {
		if params, ok := ep.AuthParameters(); ok && params.UserCode == userCode {
			return models.Succeeded(id)
		}
	}
	for i, ep := range r.errored {
		if params, ok := ep.AuthParameters(); ok && params.UserCode == userCode {
			r.errored = append(r.errored[:i], r.errored[i+1:]...)
			return models.Failed(ep.Error())
		}
	}
	return models.Result{}
}

// Revoke resets and forgets the endpoint with the given id.
func (r *Registry) Revoke(ctx context.Context, serviceID string) models.Result {
	r.mu.Lock()
	if len(r.active) == 0 {
		r.mu.Unlock()
		return models.Failed(msgNoEndpoint)
	}
	ep, ok := r.active[serviceID]
	if !ok {
		r.mu.Unlock()
		return models.Failed(msgServiceNotFound)
	}
	delete(r.active, serviceID)
	r.mu.Unlock()

	if err := ep.ResetCredentials(ctx); err != nil {
		r.logger.Warn("remote token revoke failed", "id", serviceID, "error", err)
	}
	if err := r.store.Delete(ctx, serviceID); err != nil {
		r.logger.Error("failed to delete persisted credentials", "id", serviceID, "error", err)
	}
	r.logger.Info("social endpoint revoked", "id", serviceID, "service", ep.Name())
	return models.Succeeded("")
}

// Channels lists the channels the account behind serviceID can publish to.
func (r *Registry) Channels(ctx context.Context, serviceID, channelType string) ([]models.SocialEndpointChannel, error) {
	ep, ok := r.Get(serviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, serviceID)
	}
	return ep.Channels(ctx, channelType)
}

func (r *Registry) ActiveChannel(serviceID string) (models.SocialEndpointChannel, bool) {
	ep, ok := r.Get(serviceID)
	if !ok {
		return models.SocialEndpointChannel{}, false
	}
	return ep.ActiveChannel()
}

func (r *Registry) SetActiveChannel(ctx context.Context, serviceID, channelType, channelID string) models.Result {
	ep, ok := r.Get(serviceID)
	if !ok {
		return models.Failed(msgServiceNotFound)
	}
	set, err := ep.SetActiveChannel(ctx, channelType, channelID)
	if err != nil {
		r.logger.Warn("set active channel failed", "id", serviceID, "error", err)
		return models.Failed(err.Error())
	}
	return models.Result{Success: set}
}

// Close releases the credential store when it holds resources.
func (r *Registry) Close() error {
	if closer, ok := r.store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// Package social holds the social video integrations a broadcast can be
// republished to, the registry of authorized accounts, and the device-code
// authorization flow that adds accounts to it.
package social

import (
	"context"
	"errors"
	"strings"

	"relaycast/internal/models"
)

// Service names accepted by the registry.
const (
	ServiceFacebook  = "facebook"
	ServiceYouTube   = "youtube"
	ServicePeriscope = "periscope"
)

// Error ids reported when a device authorization cannot be started.
const (
	ErrorIDUndefinedClientID = -1
	ErrorIDUndefinedEndpoint = -2
	ErrorIDAskingAuthParams  = -3
)

var (
	// ErrUnknownService is returned for a service name no factory is registered for.
	ErrUnknownService = errors.New("social: unknown service")
	// ErrMissingClientCredentials is returned when a service has no client id or secret configured.
	ErrMissingClientCredentials = errors.New("social: client id and secret are required")
	// ErrNotAuthorized is returned when an endpoint is used before it holds an access token.
	ErrNotAuthorized = errors.New("social: endpoint is not authorized")
)

// AuthStatus is the outcome of a single device authorization poll.
type AuthStatus int

const (
	AuthPending AuthStatus = iota
	AuthSlowDown
	AuthGranted
	AuthDenied
)

// PollResult is returned by VideoServiceEndpoint.PollAuthStatus.
type PollResult struct {
	Status AuthStatus
	// Reason is a human readable explanation when Status is AuthDenied.
	Reason string
}

// ClientCredentials are the application's OAuth client id and secret for a
// service.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// Complete reports whether both halves are configured.
func (c ClientCredentials) Complete() bool {
	return strings.TrimSpace(c.ClientID) != "" && strings.TrimSpace(c.ClientSecret) != ""
}

// BroadcastRequest describes the remote broadcast to create on a service.
type BroadcastRequest struct {
	Name        string
	Description string
	StreamID    string
	Is360       bool
	Public      bool
	Resolution  int
	Embeddable  bool
}

// VideoServiceEndpoint is one authorized (or authorizing) account on a
// social video service.
type VideoServiceEndpoint interface {
	// Name returns the service name, such as "facebook".
	Name() string
	Credentials() models.SocialEndpointCredentials
	SetCredentials(models.SocialEndpointCredentials)
	// ResetCredentials revokes the access token remotely when possible and
	// always clears it locally.
	ResetCredentials(ctx context.Context) error

	AskDeviceAuthParameters(ctx context.Context) (models.DeviceAuthParameters, error)
	// AuthParameters returns the parameters of the last authorization attempt.
	AuthParameters() (models.DeviceAuthParameters, bool)
	PollAuthStatus(ctx context.Context) (PollResult, error)
	Error() string
	SetError(message string)

	CreateBroadcast(ctx context.Context, req BroadcastRequest) (models.Endpoint, error)
	Channels(ctx context.Context, channelType string) ([]models.SocialEndpointChannel, error)
	ActiveChannel() (models.SocialEndpointChannel, bool)
	SetActiveChannel(ctx context.Context, channelType, channelID string) (bool, error)

	LiveComments(ctx context.Context, endpoint models.Endpoint, offset, size int) ([]models.LiveComment, error)
	LiveViewsCount(ctx context.Context, endpoint models.Endpoint) (int64, error)
	LiveCommentsCount(ctx context.Context, endpoint models.Endpoint) (int, error)
	Interaction(ctx context.Context, endpoint models.Endpoint) (models.Interaction, error)
}

// Factory builds an endpoint for a service from the application's client
// credentials and, when restoring a stored account, its saved credentials.
type Factory func(client ClientCredentials, saved *models.SocialEndpointCredentials) VideoServiceEndpoint

// ClientSource returns the client credentials currently configured for a
// service.
type ClientSource func(service string) ClientCredentials

// normalizeService lower-cases and trims a service name.
func normalizeService(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

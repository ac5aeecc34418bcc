package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"relaycast/internal/models"
	"relaycast/internal/social"
	"relaycast/internal/storage"
	"relaycast/internal/transport"
)

const (
	msgNoSocialEndpoint   = "No social endpoint is defined for this app. Consult your app developer"
	msgNoSuchBroadcast    = "No broadcast exist with the id specified"
	msgEndpointNotInApp   = " endpoint does not exist in this app."
	defaultBroadcastLines = 720
)

// ErrEndpointNotBound is returned by the social passthroughs when the
// broadcast has no endpoint created by the requested service account.
var ErrEndpointNotBound = errors.New("broadcast: no endpoint bound for service")

// AddEndpoint appends a generic RTMP relay target to the broadcast.
func (m *Manager) AddEndpoint(ctx context.Context, streamID, rtmpURL string) models.Result {
	rtmpURL = strings.TrimSpace(rtmpURL)
	if rtmpURL == "" {
		return models.Failed("rtmpUrl is required")
	}
	endpoint := models.Endpoint{
		Type:     models.EndpointTypeGeneric,
		RTMPURL:  rtmpURL,
		Name:     "generic",
		StreamID: streamID,
	}
	if err := m.repo.AddEndpoint(ctx, streamID, endpoint); err != nil {
		m.logger.Warn("add endpoint", "stream_id", streamID, "error", err)
		return models.Failed(err.Error())
	}
	return models.Succeeded("")
}

// AddSocialEndpoint asks the social service behind serviceID to create a
// remote broadcast and stores the endpoint it returns. Remote failures are
// reported in the result message.
func (m *Manager) AddSocialEndpoint(ctx context.Context, streamID, serviceID string) models.Result {
	ep, ok := m.social.Get(serviceID)
	if !ok {
		if m.social.Len() == 0 {
			return models.Failed(msgNoSocialEndpoint)
		}
		return models.Failed(serviceID + msgEndpointNotInApp)
	}
	broadcast, err := m.repo.GetBroadcast(ctx, streamID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Error("load broadcast", "stream_id", streamID, "error", err)
		}
		return models.Failed(msgNoSuchBroadcast)
	}

	endpoint, err := ep.CreateBroadcast(ctx, social.BroadcastRequest{
		Name:        broadcast.Name,
		Description: broadcast.Description,
		StreamID:    broadcast.StreamID,
		Is360:       broadcast.Is360,
		Public:      broadcast.Public,
		Resolution:  defaultBroadcastLines,
		Embeddable:  false,
	})
	if err != nil {
		m.logger.Warn("create remote broadcast", "stream_id", streamID, "service", ep.Name(), "error", err)
		return models.Failed(err.Error())
	}
	if endpoint.EndpointServiceID == "" {
		endpoint.EndpointServiceID = serviceID
	}
	if err := m.repo.AddEndpoint(ctx, streamID, endpoint); err != nil {
		m.logger.Error("store social endpoint", "stream_id", streamID, "service", ep.Name(), "error", err)
		return models.Failed(err.Error())
	}
	return models.Succeeded("")
}

// Statistics collects viewer counts from the media server and the stored
// record. Each count is -1 when its source cannot tell.
func (m *Manager) Statistics(ctx context.Context, streamID string) models.BroadcastStatistics {
	stats := models.BroadcastStatistics{
		TotalRTMPWatchersCount:   transport.UnknownCount,
		TotalHLSWatchersCount:    transport.UnknownCount,
		TotalWebRTCWatchersCount: transport.UnknownCount,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stats.TotalRTMPWatchersCount = m.transport.RTMPViewerCount(gctx, streamID)
		return nil
	})
	g.Go(func() error {
		broadcast, err := m.repo.GetBroadcast(gctx, streamID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("load broadcast: %w", err)
			}
			return nil
		}
		stats.TotalHLSWatchersCount = broadcast.HLSViewerCount
		return nil
	})
	g.Go(func() error {
		stats.TotalWebRTCWatchersCount = m.transport.WebRTCViewerCount(gctx, streamID)
		return nil
	})
	if err := g.Wait(); err != nil {
		m.logger.Warn("broadcast statistics", "stream_id", streamID, "error", err)
	}
	return stats
}

// boundEndpoint finds the endpoint of streamID created by the serviceID
// account, together with the live endpoint client.
func (m *Manager) boundEndpoint(ctx context.Context, streamID, serviceID string) (social.VideoServiceEndpoint, models.Endpoint, error) {
	ep, ok := m.social.Get(serviceID)
	if !ok {
		return nil, models.Endpoint{}, fmt.Errorf("%s%s: %w", serviceID, msgEndpointNotInApp, social.ErrUnknownService)
	}
	broadcast, err := m.repo.GetBroadcast(ctx, streamID)
	if err != nil {
		return nil, models.Endpoint{}, err
	}
	for _, endpoint := range broadcast.Endpoints {
		if endpoint.EndpointServiceID == serviceID {
			return ep, endpoint, nil
		}
	}
	return nil, models.Endpoint{}, ErrEndpointNotBound
}

// LiveComments returns a page of comments posted on the remote broadcast.
func (m *Manager) LiveComments(ctx context.Context, streamID, serviceID string, offset, size int) ([]models.LiveComment, error) {
	ep, endpoint, err := m.boundEndpoint(ctx, streamID, serviceID)
	if err != nil {
		return nil, err
	}
	return ep.LiveComments(ctx, endpoint, offset, size)
}

// LiveViewsCount reports the remote view count in the result message.
func (m *Manager) LiveViewsCount(ctx context.Context, streamID, serviceID string) models.Result {
	ep, endpoint, err := m.boundEndpoint(ctx, streamID, serviceID)
	if err != nil {
		return models.Failed(err.Error())
	}
	views, err := ep.LiveViewsCount(ctx, endpoint)
	if err != nil {
		return models.Failed(err.Error())
	}
	return models.Succeeded(strconv.FormatInt(views, 10))
}

// LiveCommentsCount reports the remote comment count in the result message.
func (m *Manager) LiveCommentsCount(ctx context.Context, streamID, serviceID string) models.Result {
	ep, endpoint, err := m.boundEndpoint(ctx, streamID, serviceID)
	if err != nil {
		return models.Failed(err.Error())
	}
	count, err := ep.LiveCommentsCount(ctx, endpoint)
	if err != nil {
		return models.Failed(err.Error())
	}
	return models.Succeeded(strconv.Itoa(count))
}

// Interaction returns the reaction counters of the remote broadcast.
func (m *Manager) Interaction(ctx context.Context, streamID, serviceID string) (models.Interaction, error) {
	ep, endpoint, err := m.boundEndpoint(ctx, streamID, serviceID)
	if err != nil {
		return models.Interaction{}, err
	}
	return ep.Interaction(ctx, endpoint)
}

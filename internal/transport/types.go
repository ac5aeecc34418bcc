// Package transport reaches the media server that moves RTMP and WebRTC
// packets. The coordinator only looks up live connections, closes them, stops
// pulled ingests and reads viewer counts.
package transport

import "context"

// UnknownCount is reported for a viewer count the media server cannot
// determine.
const UnknownCount = -1

// Stream is the live connection state of a published or pulled broadcast.
type Stream struct {
	StreamID      string `json:"streamId"`
	Publisher     string `json:"publisher,omitempty"`
	RTMPViewers   int    `json:"rtmpViewers"`
	WebRTCViewers int    `json:"webrtcViewers"`
}

// HealthStatus captures the availability of the media server.
type HealthStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// Controller is the narrow view of the media server the coordinator needs.
// Implementations must be safe for concurrent use.
type Controller interface {
	// LookupStream reports whether a live connection exists for streamID.
	LookupStream(ctx context.Context, streamID string) (Stream, bool, error)
	// CloseStream force-closes the live connection for streamID.
	CloseStream(ctx context.Context, streamID string) error
	// StopPull stops an ingest the server pulls from a camera or remote source.
	StopPull(ctx context.Context, streamID string) error
	// RTMPViewerCount returns UnknownCount when the scope has no such stream.
	RTMPViewerCount(ctx context.Context, streamID string) int
	// WebRTCViewerCount returns UnknownCount when no WebRTC adaptor is present.
	WebRTCViewerCount(ctx context.Context, streamID string) int
	HealthChecks(ctx context.Context) []HealthStatus
}

// NoopController is used when no media server is configured. It never finds
// a live stream.
type NoopController struct{}

func (NoopController) LookupStream(context.Context, string) (Stream, bool, error) {
	return Stream{}, false, nil
}

func (NoopController) CloseStream(context.Context, string) error { return nil }

func (NoopController) StopPull(context.Context, string) error { return nil }

func (NoopController) RTMPViewerCount(context.Context, string) int { return UnknownCount }

func (NoopController) WebRTCViewerCount(context.Context, string) int { return UnknownCount }

func (NoopController) HealthChecks(context.Context) []HealthStatus {
	return []HealthStatus{{Component: "media-server", Status: "disabled"}}
}

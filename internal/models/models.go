package models

import (
	"strings"
	"time"
)

// Broadcast status values.
const (
	StatusCreated      = "created"
	StatusBroadcasting = "broadcasting"
	StatusFinished     = "finished"
)

// Broadcast types. Pull types are ingested by the server from a remote
// source rather than published to it.
const (
	TypeLiveStream   = "liveStream"
	TypeIPCamera     = "ipCamera"
	TypeStreamSource = "streamSource"
	TypeVoD          = "VoD"
)

// MP4 muxing modes stored on a broadcast.
const (
	MP4Disabled = -1
	MP4Default  = 0
	MP4Enabled  = 1
)

// Broadcast is a single published or pulled stream and the republishing
// endpoints attached to it.
type Broadcast struct {
	StreamID          string     `json:"streamId"`
	Name              string     `json:"name"`
	Description       string     `json:"description,omitempty"`
	Status            string     `json:"status"`
	Type              string     `json:"type"`
	Date              int64      `json:"date"`
	RTMPURL           string     `json:"rtmpURL"`
	ListenerHookURL   string     `json:"listenerHookURL,omitempty"`
	IPAddr            string     `json:"ipAddr,omitempty"`
	Username          string     `json:"username,omitempty"`
	Password          string     `json:"password,omitempty"`
	StreamURL         string     `json:"streamUrl,omitempty"`
	Public            bool       `json:"publicStream"`
	Is360             bool       `json:"is360"`
	MP4Enabled        int        `json:"mp4Enabled"`
	HLSViewerCount    int        `json:"hlsViewerCount"`
	WebRTCViewerCount int        `json:"webRTCViewerCount"`
	RTMPViewerCount   int        `json:"rtmpViewerCount"`
	Endpoints         []Endpoint `json:"endPointList,omitempty"`
}

// IsPullType reports whether the server pulls the broadcast from a remote
// source instead of receiving it from a publisher.
func (b Broadcast) IsPullType() bool {
	return b.Type == TypeIPCamera || b.Type == TypeStreamSource
}

// Clone returns a deep copy so callers can mutate endpoint slices freely.
func (b Broadcast) Clone() Broadcast {
	clone := b
	if len(b.Endpoints) > 0 {
		clone.Endpoints = append([]Endpoint(nil), b.Endpoints...)
	}
	return clone
}

// Endpoint is a republishing target owned by a broadcast.
type Endpoint struct {
	Type              string `json:"type"`
	RTMPURL           string `json:"rtmpUrl"`
	Name              string `json:"name,omitempty"`
	BroadcastID       string `json:"broadcastId,omitempty"`
	StreamID          string `json:"streamId,omitempty"`
	EndpointServiceID string `json:"endpointServiceId,omitempty"`
}

// EndpointTypeGeneric marks an endpoint added directly from an RTMP URL.
const EndpointTypeGeneric = "generic"

// VoD types.
const (
	VoDTypeStream   = "streamVod"
	VoDTypeUser     = "userVod"
	VoDTypeUploaded = "uploadedVod"
)

// VoD is a stored recording or uploaded video file.
type VoD struct {
	VoDID        string `json:"vodId"`
	VoDName      string `json:"vodName"`
	StreamID     string `json:"streamId,omitempty"`
	StreamName   string `json:"streamName,omitempty"`
	FilePath     string `json:"filePath"`
	CreationDate int64  `json:"creationDate"`
	Duration     int64  `json:"duration"`
	FileSize     int64  `json:"fileSize"`
	Type         string `json:"type"`
}

// BaseName returns the VoD name without its file extension.
func (v VoD) BaseName() string {
	name := v.VoDName
	if idx := strings.LastIndex(name, "."); idx > 0 {
		return name[:idx]
	}
	return name
}

// Token types.
const (
	TokenTypePlay    = "play"
	TokenTypePublish = "publish"
)

// Token gates access to a single stream until ExpireDate (epoch millis).
type Token struct {
	TokenID    string `json:"tokenId"`
	StreamID   string `json:"streamId"`
	Type       string `json:"type"`
	ExpireDate int64  `json:"expireDate"`
	RoomID     string `json:"roomId,omitempty"`
}

// Expired reports whether the token can no longer be used at the given time.
func (t Token) Expired(now time.Time) bool {
	return now.UnixMilli() >= t.ExpireDate
}

// Result is the uniform outcome returned by every mutating operation.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	DataID  string `json:"dataId,omitempty"`
	ErrorID int    `json:"errorId,omitempty"`
}

// Succeeded builds a successful result carrying the given message.
func Succeeded(message string) Result {
	return Result{Success: true, Message: message}
}

// Failed builds a failed result carrying the given message.
func Failed(message string) Result {
	return Result{Success: false, Message: message}
}

// FailedWithID builds a failed result carrying a machine readable error id.
func FailedWithID(message string, errorID int) Result {
	return Result{Success: false, Message: message, ErrorID: errorID}
}

// BroadcastStatistics holds per-stream viewer counts. A value of -1 means the
// count could not be determined.
type BroadcastStatistics struct {
	TotalRTMPWatchersCount   int `json:"totalRTMPWatchersCount"`
	TotalHLSWatchersCount    int `json:"totalHLSWatchersCount"`
	TotalWebRTCWatchersCount int `json:"totalWebRTCWatchersCount"`
}

// AppBroadcastStatistics summarises the whole application.
type AppBroadcastStatistics struct {
	ActiveLiveStreamCount int64 `json:"activeLiveStreamCount"`
	TotalBroadcastCount   int64 `json:"totalBroadcastCount"`
	TotalVoDCount         int64 `json:"totalVodCount"`
}

// Version describes the running build.
type Version struct {
	VersionName string `json:"versionName"`
	VersionType string `json:"versionType"`
	BuildNumber string `json:"buildNumber,omitempty"`
}

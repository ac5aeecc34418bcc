package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// ErrStreamNotFound is returned when the media server has no live stream for
// the requested id.
var ErrStreamNotFound = errors.New("transport: stream not found")

// HTTPController talks to the media server REST API.
type HTTPController struct {
	config Config
	logger *slog.Logger
}

func (c *HTTPController) streamURL(streamID string, suffix string) string {
	return fmt.Sprintf("%s/v1/streams/%s%s", strings.TrimRight(c.config.BaseURL, "/"), url.PathEscape(streamID), suffix)
}

func (c *HTTPController) LookupStream(ctx context.Context, streamID string) (Stream, bool, error) {
	var stream Stream
	err := c.do(ctx, http.MethodGet, c.streamURL(streamID, ""), &stream)
	if errors.Is(err, ErrStreamNotFound) {
		return Stream{}, false, nil
	}
	if err != nil {
		return Stream{}, false, fmt.Errorf("lookup stream %s: %w", streamID, err)
	}
	if stream.StreamID == "" {
		stream.StreamID = streamID
	}
	return stream, true, nil
}

func (c *HTTPController) CloseStream(ctx context.Context, streamID string) error {
	if err := c.do(ctx, http.MethodDelete, c.streamURL(streamID, "/connection"), nil); err != nil {
		return fmt.Errorf("close stream %s: %w", streamID, err)
	}
	return nil
}

func (c *HTTPController) StopPull(ctx context.Context, streamID string) error {
	target := fmt.Sprintf("%s/v1/pulls/%s", strings.TrimRight(c.config.BaseURL, "/"), url.PathEscape(streamID))
	if err := c.do(ctx, http.MethodDelete, target, nil); err != nil {
		return fmt.Errorf("stop pull %s: %w", streamID, err)
	}
	return nil
}

func (c *HTTPController) RTMPViewerCount(ctx context.Context, streamID string) int {
	stream, ok, err := c.LookupStream(ctx, streamID)
	if err != nil {
		c.logger.Warn("rtmp viewer count unavailable", "stream_id", streamID, "error", err)
		return UnknownCount
	}
	if !ok {
		return UnknownCount
	}
	return stream.RTMPViewers
}

func (c *HTTPController) WebRTCViewerCount(ctx context.Context, streamID string) int {
	stream, ok, err := c.LookupStream(ctx, streamID)
	if err != nil {
		c.logger.Warn("webrtc viewer count unavailable", "stream_id", streamID, "error", err)
		return UnknownCount
	}
	if !ok || stream.WebRTCViewers < 0 {
		return UnknownCount
	}
	return stream.WebRTCViewers
}

func (c *HTTPController) HealthChecks(ctx context.Context) []HealthStatus {
	status := HealthStatus{Component: "media-server"}
	target := strings.TrimRight(c.config.BaseURL, "/") + c.config.HealthEndpoint
	if err := c.do(ctx, http.MethodGet, target, nil); err != nil {
		status.Status = "error"
		status.Detail = err.Error()
	} else {
		status.Status = "ok"
	}
	return []HealthStatus{status}
}

func (c *HTTPController) do(ctx context.Context, method, target string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return ErrStreamNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if dest == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

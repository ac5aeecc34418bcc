package social

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"relaycast/internal/models"
)

// ProviderURLs locate a service's device authorization and broadcast APIs.
type ProviderURLs struct {
	DeviceCode string
	Poll       string
	API        string
	Revoke     string
}

type provider struct {
	name     string
	display  string
	urls     ProviderURLs
	scopes   []string
	pollForm func(client ClientCredentials, deviceCode string) url.Values
	classify func(status int, body map[string]any) PollResult
}

// EndpointOption customises an endpoint built by one of the service
// constructors.
type EndpointOption func(*oauthEndpoint)

// WithHTTPClient overrides the HTTP client used for remote calls.
func WithHTTPClient(client *http.Client) EndpointOption {
	return func(e *oauthEndpoint) {
		if client != nil {
			e.http = client
		}
	}
}

// WithProviderURLs replaces any non-empty URL of the service defaults.
func WithProviderURLs(urls ProviderURLs) EndpointOption {
	return func(e *oauthEndpoint) {
		if urls.DeviceCode != "" {
			e.provider.urls.DeviceCode = urls.DeviceCode
		}
		if urls.Poll != "" {
			e.provider.urls.Poll = urls.Poll
		}
		if urls.API != "" {
			e.provider.urls.API = strings.TrimRight(urls.API, "/")
		}
		if urls.Revoke != "" {
			e.provider.urls.Revoke = urls.Revoke
		}
	}
}

// WithEndpointClock overrides the clock used to stamp authorization times.
func WithEndpointClock(now func() time.Time) EndpointOption {
	return func(e *oauthEndpoint) {
		if now != nil {
			e.now = now
		}
	}
}

// oauthEndpoint implements VideoServiceEndpoint for services that follow the
// OAuth device flow and expose a JSON broadcast API.
type oauthEndpoint struct {
	provider provider
	client   ClientCredentials
	http     *http.Client
	now      func() time.Time

	mu      sync.RWMutex
	creds   models.SocialEndpointCredentials
	params  *models.DeviceAuthParameters
	channel *models.SocialEndpointChannel
	errMsg  string
}

func newOAuthEndpoint(p provider, client ClientCredentials, saved *models.SocialEndpointCredentials, opts []EndpointOption) *oauthEndpoint {
	e := &oauthEndpoint{
		provider: p,
		client:   client,
		http:     &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}
	if saved != nil {
		e.creds = *saved
	}
	e.creds.ServiceName = p.name
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func (e *oauthEndpoint) Name() string { return e.provider.name }

func (e *oauthEndpoint) Credentials() models.SocialEndpointCredentials {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.creds
}

func (e *oauthEndpoint) SetCredentials(creds models.SocialEndpointCredentials) {
	e.mu.Lock()
	defer e.mu.Unlock()
	creds.ServiceName = e.provider.name
	e.creds = creds
}

func (e *oauthEndpoint) AuthParameters() (models.DeviceAuthParameters, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.params == nil {
		return models.DeviceAuthParameters{}, false
	}
	return *e.params, true
}

func (e *oauthEndpoint) Error() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.errMsg
}

func (e *oauthEndpoint) SetError(message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errMsg = message
}

func (e *oauthEndpoint) accessToken() (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.creds.AccessToken == "" {
		return "", ErrNotAuthorized
	}
	return e.creds.AccessToken, nil
}

func (e *oauthEndpoint) ResetCredentials(ctx context.Context) error {
	token, _ := e.accessToken()
	var err error
	if token != "" && e.provider.urls.Revoke != "" {
		form := url.Values{"token": {token}, "client_id": {e.client.ClientID}}
		_, _, err = e.postForm(ctx, e.provider.urls.Revoke, form)
	}
	e.mu.Lock()
	id := e.creds.ID
	e.creds = models.SocialEndpointCredentials{ID: id, ServiceName: e.provider.name}
	e.params = nil
	e.channel = nil
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("revoke %s token: %w", e.provider.name, err)
	}
	return nil
}

func (e *oauthEndpoint) AskDeviceAuthParameters(ctx context.Context) (models.DeviceAuthParameters, error) {
	if !e.client.Complete() {
		return models.DeviceAuthParameters{}, ErrMissingClientCredentials
	}
	form := url.Values{"client_id": {e.client.ClientID}}
	if len(e.provider.scopes) > 0 {
		form.Set("scope", strings.Join(e.provider.scopes, " "))
	}
	status, body, err := e.postForm(ctx, e.provider.urls.DeviceCode, form)
	if err != nil {
		return models.DeviceAuthParameters{}, err
	}
	if status < 200 || status >= 300 {
		return models.DeviceAuthParameters{}, fmt.Errorf("%s device code request failed: %s", e.provider.name, errorText(body, status))
	}
	params := models.DeviceAuthParameters{
		DeviceCode:      firstString(body, "device_code", "code"),
		UserCode:        firstString(body, "user_code"),
		VerificationURL: firstString(body, "verification_url", "verification_uri", "associate_url"),
		ExpiresIn:       firstInt(body, "expires_in"),
		Interval:        firstInt(body, "interval"),
	}
	if params.DeviceCode == "" || params.UserCode == "" {
		return models.DeviceAuthParameters{}, fmt.Errorf("%s device code response missing codes", e.provider.name)
	}
	e.mu.Lock()
	e.params = &params
	e.errMsg = ""
	e.mu.Unlock()
	return params, nil
}

func (e *oauthEndpoint) PollAuthStatus(ctx context.Context) (PollResult, error) {
	params, ok := e.AuthParameters()
	if !ok {
		return PollResult{}, fmt.Errorf("%s: no pending authorization", e.provider.name)
	}
	status, body, err := e.postForm(ctx, e.provider.urls.Poll, e.provider.pollForm(e.client, params.DeviceCode))
	if err != nil {
		return PollResult{}, err
	}
	result := e.provider.classify(status, body)
	if result.Status != AuthGranted {
		return result, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.creds.AccessToken = firstString(body, "access_token")
	e.creds.RefreshToken = firstString(body, "refresh_token")
	e.creds.TokenType = firstString(body, "token_type")
	e.creds.ExpireTimeInSeconds = int64(firstInt(body, "expires_in"))
	e.creds.AuthTimeInMillis = e.now().UnixMilli()
	if name := firstString(body, "account_name", "screen_name", "name"); name != "" {
		e.creds.AccountName = name
	} else if e.creds.AccountName == "" {
		e.creds.AccountName = e.provider.display
	}
	if accountType := firstString(body, "account_type"); accountType != "" {
		e.creds.AccountType = accountType
	}
	return result, nil
}

type remoteBroadcast struct {
	ID        string `json:"id"`
	RTMPURL   string `json:"rtmp_url"`
	StreamURL string `json:"stream_url"`
	StreamID  string `json:"stream_id"`
}

func (e *oauthEndpoint) CreateBroadcast(ctx context.Context, req BroadcastRequest) (models.Endpoint, error) {
	payload := map[string]any{
		"title":       req.Name,
		"description": req.Description,
		"is_360":      req.Is360,
		"public":      req.Public,
		"resolution":  req.Resolution,
		"embeddable":  req.Embeddable,
	}
	if channel, ok := e.ActiveChannel(); ok {
		payload["channel_id"] = channel.ID
		payload["channel_type"] = channel.Type
	}
	var created remoteBroadcast
	if err := e.apiJSON(ctx, http.MethodPost, "/broadcasts", payload, &created); err != nil {
		return models.Endpoint{}, err
	}
	rtmpURL := created.RTMPURL
	if rtmpURL == "" {
		rtmpURL = created.StreamURL
	}
	if rtmpURL == "" {
		return models.Endpoint{}, fmt.Errorf("%s returned a broadcast without an ingest url", e.provider.name)
	}
	return models.Endpoint{
		Type:              e.provider.name,
		RTMPURL:           rtmpURL,
		Name:              req.Name,
		BroadcastID:       created.ID,
		StreamID:          created.StreamID,
		EndpointServiceID: e.Credentials().ID,
	}, nil
}

func (e *oauthEndpoint) Channels(ctx context.Context, channelType string) ([]models.SocialEndpointChannel, error) {
	var channels []models.SocialEndpointChannel
	path := "/channels?type=" + url.QueryEscape(channelType)
	if err := e.apiJSON(ctx, http.MethodGet, path, nil, &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

func (e *oauthEndpoint) ActiveChannel() (models.SocialEndpointChannel, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.channel == nil {
		return models.SocialEndpointChannel{}, false
	}
	return *e.channel, true
}

func (e *oauthEndpoint) SetActiveChannel(ctx context.Context, channelType, channelID string) (bool, error) {
	channels, err := e.Channels(ctx, channelType)
	if err != nil {
		return false, err
	}
	for _, ch := range channels {
		if ch.ID == channelID {
			if ch.Type == "" {
				ch.Type = channelType
			}
			e.mu.Lock()
			e.channel = &ch
			e.mu.Unlock()
			return true, nil
		}
	}
	return false, nil
}

func broadcastPath(endpoint models.Endpoint, suffix string) string {
	return "/broadcasts/" + url.PathEscape(endpoint.BroadcastID) + suffix
}

func (e *oauthEndpoint) LiveComments(ctx context.Context, endpoint models.Endpoint, offset, size int) ([]models.LiveComment, error) {
	var comments []models.LiveComment
	path := broadcastPath(endpoint, "/comments") + "?offset=" + strconv.Itoa(offset) + "&size=" + strconv.Itoa(size)
	if err := e.apiJSON(ctx, http.MethodGet, path, nil, &comments); err != nil {
		return nil, err
	}
	for i := range comments {
		if comments[i].Origin == "" {
			comments[i].Origin = e.provider.name
		}
	}
	return comments, nil
}

type countResponse struct {
	Count int64 `json:"count"`
}

func (e *oauthEndpoint) LiveViewsCount(ctx context.Context, endpoint models.Endpoint) (int64, error) {
	var resp countResponse
	if err := e.apiJSON(ctx, http.MethodGet, broadcastPath(endpoint, "/views"), nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (e *oauthEndpoint) LiveCommentsCount(ctx context.Context, endpoint models.Endpoint) (int, error) {
	var resp countResponse
	if err := e.apiJSON(ctx, http.MethodGet, broadcastPath(endpoint, "/comments/count"), nil, &resp); err != nil {
		return 0, err
	}
	return int(resp.Count), nil
}

func (e *oauthEndpoint) Interaction(ctx context.Context, endpoint models.Endpoint) (models.Interaction, error) {
	var interaction models.Interaction
	if err := e.apiJSON(ctx, http.MethodGet, broadcastPath(endpoint, "/interaction"), nil, &interaction); err != nil {
		return models.Interaction{}, err
	}
	if interaction.Origin == "" {
		interaction.Origin = e.provider.name
	}
	return interaction, nil
}

func (e *oauthEndpoint) apiJSON(ctx context.Context, method, path string, payload, dest any) error {
	token, err := e.accessToken()
	if err != nil {
		return err
	}
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, e.provider.urls.API+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s api: %w", e.provider.name, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", e.provider.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var parsed map[string]any
		_ = json.Unmarshal(data, &parsed)
		return fmt.Errorf("%s api: %s", e.provider.name, errorText(parsed, resp.StatusCode))
	}
	if dest == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode %s response: %w", e.provider.name, err)
	}
	return nil
}

func (e *oauthEndpoint) postForm(ctx context.Context, target string, form url.Values) (int, map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	resp, err := e.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s request: %w", e.provider.name, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read %s response: %w", e.provider.name, err)
	}
	body := map[string]any{}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 {
		if err := json.Unmarshal(trimmed, &body); err != nil {
			values, qerr := url.ParseQuery(string(trimmed))
			if qerr != nil {
				return resp.StatusCode, nil, fmt.Errorf("decode %s response: %w", e.provider.name, err)
			}
			for key := range values {
				body[key] = values.Get(key)
			}
		}
	}
	return resp.StatusCode, body, nil
}

func firstString(body map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := body[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func firstInt(body map[string]any, keys ...string) int {
	for _, key := range keys {
		switch v := body[key].(type) {
		case float64:
			return int(v)
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return 0
}

// errorText extracts a provider error message from a decoded body.
func errorText(body map[string]any, status int) string {
	if body != nil {
		if nested, ok := body["error"].(map[string]any); ok {
			if msg := firstString(nested, "message", "error_user_msg"); msg != "" {
				return msg
			}
		}
		if msg := firstString(body, "error_description", "error", "message"); msg != "" {
			return msg
		}
	}
	return fmt.Sprintf("status %d", status)
}

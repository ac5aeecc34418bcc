package social

import (
	"net/http"
	"net/url"

	"relaycast/internal/models"
)

// Facebook device login sub codes.
const (
	facebookPendingSubcode  = 1349174
	facebookSlowDownSubcode = 1349172
	facebookExpiredSubcode  = 1349152
)

// DefaultFactories returns the factory for every supported service.
func DefaultFactories(opts ...EndpointOption) map[string]Factory {
	return map[string]Factory{
		ServiceFacebook: func(client ClientCredentials, saved *models.SocialEndpointCredentials) VideoServiceEndpoint {
			return NewFacebook(client, saved, opts...)
		},
		ServiceYouTube: func(client ClientCredentials, saved *models.SocialEndpointCredentials) VideoServiceEndpoint {
			return NewYouTube(client, saved, opts...)
		},
		ServicePeriscope: func(client ClientCredentials, saved *models.SocialEndpointCredentials) VideoServiceEndpoint {
			return NewPeriscope(client, saved, opts...)
		},
	}
}

// NewFacebook returns an endpoint for Facebook Live.
func NewFacebook(client ClientCredentials, saved *models.SocialEndpointCredentials, opts ...EndpointOption) VideoServiceEndpoint {
	p := provider{
		name:    ServiceFacebook,
		display: "Facebook",
		urls: ProviderURLs{
			DeviceCode: "https://graph.facebook.com/v19.0/device/login",
			Poll:       "https://graph.facebook.com/v19.0/device/login_status",
			API:        "https://graph.facebook.com/v19.0",
		},
		scopes: []string{"publish_video", "pages_manage_posts", "pages_read_engagement"},
		pollForm: func(client ClientCredentials, deviceCode string) url.Values {
			return url.Values{
				"access_token": {client.ClientID + "|" + client.ClientSecret},
				"code":         {deviceCode},
			}
		},
		classify: classifyFacebook,
	}
	return newOAuthEndpoint(p, client, saved, opts)
}

// NewYouTube returns an endpoint for YouTube Live.
func NewYouTube(client ClientCredentials, saved *models.SocialEndpointCredentials, opts ...EndpointOption) VideoServiceEndpoint {
	p := provider{
		name:    ServiceYouTube,
		display: "YouTube",
		urls: ProviderURLs{
			DeviceCode: "https://oauth2.googleapis.com/device/code",
			Poll:       "https://oauth2.googleapis.com/token",
			API:        "https://www.googleapis.com/youtube/v3",
			Revoke:     "https://oauth2.googleapis.com/revoke",
		},
		scopes:   []string{"https://www.googleapis.com/auth/youtube"},
		pollForm: deviceGrantForm,
		classify: classifyOAuth,
	}
	return newOAuthEndpoint(p, client, saved, opts)
}

// NewPeriscope returns an endpoint for Periscope.
func NewPeriscope(client ClientCredentials, saved *models.SocialEndpointCredentials, opts ...EndpointOption) VideoServiceEndpoint {
	p := provider{
		name:    ServicePeriscope,
		display: "Periscope",
		urls: ProviderURLs{
			DeviceCode: "https://api.pscp.tv/v1/device_code/create",
			Poll:       "https://api.pscp.tv/v1/device_code/check",
			API:        "https://api.pscp.tv/v1",
		},
		scopes: []string{"broadcast"},
		pollForm: func(client ClientCredentials, deviceCode string) url.Values {
			return url.Values{"client_id": {client.ClientID}, "device_code": {deviceCode}}
		},
		classify: classifyPeriscope,
	}
	return newOAuthEndpoint(p, client, saved, opts)
}

func deviceGrantForm(client ClientCredentials, deviceCode string) url.Values {
	return url.Values{
		"client_id":     {client.ClientID},
		"client_secret": {client.ClientSecret},
		"device_code":   {deviceCode},
		"grant_type":    {"urn:ietf:params:oauth:grant-type:device_code"},
	}
}

// classifyOAuth maps a standard device grant token response.
func classifyOAuth(status int, body map[string]any) PollResult {
	if status >= 200 && status < 300 && firstString(body, "access_token") != "" {
		return PollResult{Status: AuthGranted}
	}
	switch code := firstString(body, "error"); code {
	case "authorization_pending":
		return PollResult{Status: AuthPending}
	case "slow_down":
		return PollResult{Status: AuthSlowDown}
	case "access_denied":
		return PollResult{Status: AuthDenied, Reason: "authorization was denied by the user"}
	case "expired_token":
		return PollResult{Status: AuthDenied, Reason: "device code expired"}
	default:
		return PollResult{Status: AuthDenied, Reason: errorText(body, status)}
	}
}

func classifyFacebook(status int, body map[string]any) PollResult {
	if status == http.StatusOK && firstString(body, "access_token") != "" {
		return PollResult{Status: AuthGranted}
	}
	nested, _ := body["error"].(map[string]any)
	switch firstInt(nested, "error_subcode") {
	case facebookPendingSubcode:
		return PollResult{Status: AuthPending}
	case facebookSlowDownSubcode:
		return PollResult{Status: AuthSlowDown}
	case facebookExpiredSubcode:
		return PollResult{Status: AuthDenied, Reason: "device code expired"}
	}
	return PollResult{Status: AuthDenied, Reason: errorText(body, status)}
}

func classifyPeriscope(status int, body map[string]any) PollResult {
	if status < 200 || status >= 300 {
		return PollResult{Status: AuthDenied, Reason: errorText(body, status)}
	}
	switch firstString(body, "state") {
	case "associated":
		if firstString(body, "access_token") != "" {
			return PollResult{Status: AuthGranted}
		}
		return PollResult{Status: AuthDenied, Reason: "authorization returned no access token"}
	case "pending":
		return PollResult{Status: AuthPending}
	case "slow_down":
		return PollResult{Status: AuthSlowDown}
	default:
		return PollResult{Status: AuthDenied, Reason: "device code expired"}
	}
}

package models

import "time"

// SocialEndpointCredentials is the durable identity of an authorized social
// video account. It survives across authorization attempts.
type SocialEndpointCredentials struct {
	ID                  string `json:"id"`
	AccountName         string `json:"accountName"`
	ServiceName         string `json:"serviceName"`
	AccountType         string `json:"accountType,omitempty"`
	AccessToken         string `json:"-"`
	RefreshToken        string `json:"-"`
	TokenType           string `json:"tokenType,omitempty"`
	ExpireTimeInSeconds int64  `json:"expireTimeInSeconds,omitempty"`
	AuthTimeInMillis    int64  `json:"authTimeInMilliseconds,omitempty"`
}

// DeviceAuthParameters identifies a single pending device authorization.
type DeviceAuthParameters struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURL string `json:"verification_url"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// Deadline returns how long the device code stays valid, capped at limit.
func (p DeviceAuthParameters) Deadline(limit time.Duration) time.Duration {
	d := time.Duration(p.ExpiresIn) * time.Second
	if d <= 0 || (limit > 0 && d > limit) {
		return limit
	}
	return d
}

// PollInterval returns the interval between status polls, never below floor.
func (p DeviceAuthParameters) PollInterval(floor time.Duration) time.Duration {
	d := time.Duration(p.Interval) * time.Second
	if d < floor {
		return floor
	}
	return d
}

// SocialEndpointChannel is a page, group or profile an account can publish to.
type SocialEndpointChannel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// LiveComment is a viewer comment read back from a social endpoint.
type LiveComment struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	From    string `json:"from"`
	Origin  string `json:"origin"`
	Date    int64  `json:"date"`
}

// Interaction aggregates viewer reactions on a social endpoint.
type Interaction struct {
	Origin     string `json:"origin"`
	LikeCount  int    `json:"likeCount"`
	LoveCount  int    `json:"loveCount"`
	HahaCount  int    `json:"hahaCount"`
	WowCount   int    `json:"wowCount"`
	SadCount   int    `json:"sadCount"`
	AngryCount int    `json:"angryCount"`
}

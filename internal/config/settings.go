// Package config loads the application settings file and keeps a live
// snapshot of it for the rest of the server.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	yaml "go.yaml.in/yaml/v3"
)

// DefaultScopeName is the application scope used when none is configured.
const DefaultScopeName = "LiveApp"

// ClientCredentials are the OAuth client id and secret of one social service.
type ClientCredentials struct {
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`
}

// StalkerDB locates the IPTV portal database the catalog is exported to.
type StalkerDB struct {
	Host     string `yaml:"host"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Complete reports whether every connection setting is present.
func (s StalkerDB) Complete() bool {
	return s.Host != "" && s.User != "" && s.Password != ""
}

// TokenControl toggles one-time token enforcement.
type TokenControl struct {
	PlayEnabled    bool `yaml:"playEnabled"`
	PublishEnabled bool `yaml:"publishEnabled"`
}

// Enabled reports whether tokens are enforced for any direction.
func (t TokenControl) Enabled() bool {
	return t.PlayEnabled || t.PublishEnabled
}

// ObjectStore configures the remote media mirror.
type ObjectStore struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"useSSL"`
	Prefix    string `yaml:"prefix"`
}

// Events configures lifecycle event publishing.
type Events struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Settings are the per-application settings.
type Settings struct {
	ScopeName       string                       `yaml:"scopeName"`
	ServerName      string                       `yaml:"serverName"`
	ListenerHookURL string                       `yaml:"listenerHookURL"`
	WebRoot         string                       `yaml:"webRoot"`
	VoDFolder       string                       `yaml:"vodFolder"`
	ExportSchedule  string                       `yaml:"exportSchedule"`
	MySQLClientPath string                       `yaml:"mysqlClientPath"`
	StalkerDB       StalkerDB                    `yaml:"stalkerDB"`
	Social          map[string]ClientCredentials `yaml:"social"`
	TokenControl    TokenControl                 `yaml:"tokenControl"`
	ObjectStore     ObjectStore                  `yaml:"objectStore"`
	Events          Events                       `yaml:"events"`
}

// Defaults returns the settings used when no file is configured.
func Defaults() Settings {
	return Settings{
		ScopeName:       DefaultScopeName,
		WebRoot:         ".",
		MySQLClientPath: "mysql",
		Social:          map[string]ClientCredentials{},
		Events:          Events{Topic: "relaycast.lifecycle"},
	}
}

// Client returns the client credentials configured for service.
func (s Settings) Client(service string) ClientCredentials {
	return s.Social[strings.ToLower(strings.TrimSpace(service))]
}

// Clone returns a deep copy so snapshots handed out stay immutable.
func (s Settings) Clone() Settings {
	out := s
	out.Social = make(map[string]ClientCredentials, len(s.Social))
	for k, v := range s.Social {
		out.Social[k] = v
	}
	out.Events.Brokers = append([]string(nil), s.Events.Brokers...)
	return out
}

// Validate checks values that would otherwise fail later at use.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.ScopeName) == "" {
		return errors.New("scopeName is required")
	}
	if strings.ContainsAny(s.ScopeName, "/\\ ") {
		return fmt.Errorf("scopeName %q must not contain slashes or spaces", s.ScopeName)
	}
	if s.ObjectStore.Endpoint != "" && s.ObjectStore.Bucket == "" {
		return errors.New("objectStore.bucket is required when an endpoint is set")
	}
	if spec := strings.TrimSpace(s.ExportSchedule); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("exportSchedule %q: %w", spec, err)
		}
	}
	if len(s.Events.Brokers) > 0 && strings.TrimSpace(s.Events.Topic) == "" {
		return errors.New("events.topic is required when brokers are set")
	}
	return nil
}

// Parse decodes a YAML settings document over the defaults. Unknown keys are
// rejected.
func Parse(data []byte) (Settings, error) {
	settings := Defaults()
	if len(bytes.TrimSpace(data)) == 0 {
		return settings, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&settings); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	normalized := make(map[string]ClientCredentials, len(settings.Social))
	for name, creds := range settings.Social {
		normalized[strings.ToLower(strings.TrimSpace(name))] = creds
	}
	settings.Social = normalized
	return settings, nil
}

// Load reads path (when non-empty), applies environment overrides and
// validates the result.
func Load(path string, getenv func(string) string) (Settings, error) {
	var data []byte
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("read settings %s: %w", path, err)
		}
		data = raw
	}
	settings, err := Parse(data)
	if err != nil {
		return Settings{}, err
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := applyEnv(&settings, getenv); err != nil {
		return Settings{}, err
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid settings: %w", err)
	}
	return settings, nil
}

var socialServices = []string{"facebook", "youtube", "periscope"}

func applyEnv(s *Settings, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("RELAYCAST_SCOPE", &s.ScopeName)
	str("RELAYCAST_SERVER_NAME", &s.ServerName)
	str("RELAYCAST_LISTENER_HOOK_URL", &s.ListenerHookURL)
	str("RELAYCAST_WEBROOT", &s.WebRoot)
	str("RELAYCAST_VOD_FOLDER", &s.VoDFolder)
	str("RELAYCAST_EXPORT_SCHEDULE", &s.ExportSchedule)
	str("RELAYCAST_MYSQL_CLIENT_PATH", &s.MySQLClientPath)
	str("RELAYCAST_STALKER_DB_HOST", &s.StalkerDB.Host)
	str("RELAYCAST_STALKER_DB_USER", &s.StalkerDB.User)
	str("RELAYCAST_STALKER_DB_PASSWORD", &s.StalkerDB.Password)
	str("RELAYCAST_OBJECT_ENDPOINT", &s.ObjectStore.Endpoint)
	str("RELAYCAST_OBJECT_ACCESS_KEY", &s.ObjectStore.AccessKey)
	str("RELAYCAST_OBJECT_SECRET_KEY", &s.ObjectStore.SecretKey)
	str("RELAYCAST_OBJECT_BUCKET", &s.ObjectStore.Bucket)
	str("RELAYCAST_EVENTS_TOPIC", &s.Events.Topic)
	if v := strings.TrimSpace(getenv("RELAYCAST_EVENTS_BROKERS")); v != "" {
		s.Events.Brokers = strings.Split(v, ",")
	}
	for _, key := range []struct {
		name string
		dst  *bool
	}{
		{"RELAYCAST_OBJECT_USE_SSL", &s.ObjectStore.UseSSL},
		{"RELAYCAST_TOKEN_PLAY", &s.TokenControl.PlayEnabled},
		{"RELAYCAST_TOKEN_PUBLISH", &s.TokenControl.PublishEnabled},
	} {
		v := strings.TrimSpace(getenv(key.name))
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", key.name, err)
		}
		*key.dst = parsed
	}
	if s.Social == nil {
		s.Social = map[string]ClientCredentials{}
	}
	for _, service := range socialServices {
		prefix := "RELAYCAST_" + strings.ToUpper(service) + "_"
		creds := s.Social[service]
		str(prefix+"CLIENT_ID", &creds.ClientID)
		str(prefix+"CLIENT_SECRET", &creds.ClientSecret)
		if creds != (ClientCredentials{}) {
			s.Social[service] = creds
		}
	}
	return nil
}

package server

import (
	"net/http"
	"strconv"
	"time"
)

const (
	defaultAPIContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'"
	defaultFrameOptions             = "DENY"
	defaultReferrerPolicy           = "no-referrer"
	defaultContentTypeOptions       = "nosniff"
	defaultPermissionsPolicy        = "camera=(), microphone=(), geolocation=()"
)

// SecurityConfig sets the hardening headers sent with every API response.
// Empty fields use the defaults. HSTSMaxAge is only advertised over TLS.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameOptions          string
	ReferrerPolicy        string
	PermissionsPolicy     string
	ContentTypeOptions    string
	HSTSMaxAge            time.Duration
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	if cfg.ContentSecurityPolicy == "" {
		cfg.ContentSecurityPolicy = defaultAPIContentSecurityPolicy
	}
	if cfg.FrameOptions == "" {
		cfg.FrameOptions = defaultFrameOptions
	}
	if cfg.ReferrerPolicy == "" {
		cfg.ReferrerPolicy = defaultReferrerPolicy
	}
	if cfg.PermissionsPolicy == "" {
		cfg.PermissionsPolicy = defaultPermissionsPolicy
	}
	if cfg.ContentTypeOptions == "" {
		cfg.ContentTypeOptions = defaultContentTypeOptions
	}
	return cfg
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	effective := cfg.withDefaults()
	hsts := ""
	if effective.HSTSMaxAge > 0 {
		hsts = "max-age=" + strconv.FormatInt(int64(effective.HSTSMaxAge/time.Second), 10)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("Content-Security-Policy", effective.ContentSecurityPolicy)
		header.Set("X-Frame-Options", effective.FrameOptions)
		header.Set("X-Content-Type-Options", effective.ContentTypeOptions)
		header.Set("Referrer-Policy", effective.ReferrerPolicy)
		header.Set("Permissions-Policy", effective.PermissionsPolicy)
		header.Set("Cache-Control", "no-store")
		if hsts != "" && r.TLS != nil {
			header.Set("Strict-Transport-Security", hsts)
		}
		next.ServeHTTP(w, r)
	})
}

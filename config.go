package authbroker

import "time"

// Default rate-limit quota per endpoint family and client IP.
const (
	DefaultRateLimitQuota  = 30
	DefaultRateLimitWindow = time.Minute
)

// Config holds the HTTP boundary configuration.
type Config struct {
	// Issuer is the externally visible base URL of this broker. An https
	// scheme enables HSTS and secure CSRF cookies.
	Issuer string

	// TrustProxy enables X-Forwarded-For / X-Real-IP handling;
	// TrustedProxyCount is the number of rightmost hops that are ours.
	TrustProxy        bool
	TrustedProxyCount int

	// RateLimitQuota allows that many requests per RateLimitWindow for
	// each endpoint family and client IP.
	RateLimitQuota  int
	RateLimitWindow time.Duration

	// RenderManualForm makes GET /authorize serve the enrollment form
	// instead of redirecting to the upstream provider.
	RenderManualForm bool
}

func (c *Config) withDefaults() *Config {
	cfg := *c
	if cfg.RateLimitQuota <= 0 {
		cfg.RateLimitQuota = DefaultRateLimitQuota
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = DefaultRateLimitWindow
	}
	return &cfg
}

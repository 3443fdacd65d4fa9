package middleware

import (
	"time"

	"github.com/lakeside-io/lakeside/internal/config"
)

// Config holds rate limiter configuration.
//
// Limits are requests per second for three tiers: every request (global), each
// client's requests, and requests that carry no client (health checks, run
// lookups). A zero burst is computed as 2 × rate.
type Config struct {
	GlobalRPS    int
	ClientRPS    int
	AnonymousRPS int

	GlobalBurst    int
	ClientBurst    int
	AnonymousBurst int

	// Idle client limiters are dropped every CleanupInterval.
	CleanupInterval time.Duration
	IdleTimeout     time.Duration

	// MaxClients triggers a warning as the number of tracked clients nears it.
	MaxClients int
}

// LoadConfig reads LAKESIDE_*_RPS and related variables.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS:    config.GetEnvInt("LAKESIDE_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS:    config.GetEnvInt("LAKESIDE_CLIENT_RPS", defaultClientRPS),
		AnonymousRPS: config.GetEnvInt("LAKESIDE_ANONYMOUS_RPS", defaultAnonymousRPS),

		GlobalBurst:    config.GetEnvInt("LAKESIDE_GLOBAL_BURST", 0),
		ClientBurst:    config.GetEnvInt("LAKESIDE_CLIENT_BURST", 0),
		AnonymousBurst: config.GetEnvInt("LAKESIDE_ANONYMOUS_BURST", 0),

		CleanupInterval: config.GetEnvDuration("LAKESIDE_RATE_LIMIT_CLEANUP_INTERVAL", defaultCleanupInterval),
		IdleTimeout:     config.GetEnvDuration("LAKESIDE_RATE_LIMIT_IDLE_TIMEOUT", defaultIdleTimeout),
		MaxClients:      config.GetEnvInt("LAKESIDE_RATE_LIMIT_MAX_CLIENTS", defaultMaxClients),
	}
}

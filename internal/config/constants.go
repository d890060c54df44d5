package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const SweepJobInterval = 15 * time.Second

// Finished sessions are kept this long so the other party's next poll still sees them.
const FinishedSessionRetention = time.Hour

// Signal queues outlive the pairing window but not the call.
const SignalQueueTTL = 2 * time.Hour

// Default rate limiting
const DefaultRateLimitPerMin = 60

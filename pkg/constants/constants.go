// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteTimeout bounds a single WebSocket write
	WebSocketWriteTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Call signaling constants
const (
	// DefaultRingTimeout is how long a caller waits before marking the call missed
	DefaultRingTimeout = 45 * time.Second

	// DefaultConnectTimeout bounds connectivity establishment once the
	// receiver has answered; expiry marks the call failed
	DefaultConnectTimeout = 30 * time.Second

	// SignalingWriteRetries is the bounded retry count for transient store write failures
	SignalingWriteRetries = 3

	// SignalingRetryBackoff is the initial backoff between signaling write retries
	SignalingRetryBackoff = 200 * time.Millisecond

	// SignalingRetryMaxBackoff caps the backoff between signaling write retries
	SignalingRetryMaxBackoff = 2 * time.Second

	// ActiveCallTTL is how long an active-call registry entry survives without refresh
	ActiveCallTTL = 2 * time.Minute

	// MaxCallDuration is the maximum allowed call duration (24 hours)
	MaxCallDuration = 24 * time.Hour
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute
)

// Document store constants
const (
	// CallsCollection is the document collection holding live call sessions
	CallsCollection = "calls"
)

// Pagination constants
const (
	// DefaultHistoryLimit is the default number of history entries returned
	DefaultHistoryLimit = 20

	// MaxHistoryLimit is the maximum number of history entries returned
	MaxHistoryLimit = 100
)

package models

import "time"

// QueueStatus is the lifecycle state of a queued mutation.
type QueueStatus string

const (
	StatusPending QueueStatus = "pending"
	StatusSynced  QueueStatus = "synced"
	StatusFailed  QueueStatus = "failed"
)

const (
	// MaxRetries is the number of failed replays after which an item is terminal.
	MaxRetries = 3

	// DefaultAPIPrefix namespaces every backend endpoint.
	DefaultAPIPrefix = "/api/"

	// DefaultCacheGeneration tags the response cache of the current deploy.
	DefaultCacheGeneration = "bmustore-v1"

	// DefaultRequestTimeout bounds a single upstream call.
	DefaultRequestTimeout = 15 * time.Second

	// DefaultMaxBodyBytes caps buffered upstream bodies.
	DefaultMaxBodyBytes = 10 << 20

	// DefaultSyncLeaseTTL bounds how long a crashed drainer can block others.
	DefaultSyncLeaseTTL = 2 * time.Minute

	// DefaultChannelBuffer is the in-memory envelope buffer size.
	DefaultChannelBuffer = 256

	// QueuedMessage is returned to callers whose write was stored for later.
	QueuedMessage = "Saved offline. Will sync when back online."
)

const (
	CacheStatic = "static"
	CacheAPI    = "api"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderRequestID      = "X-Request-ID"
	HeaderOfflineCache   = "X-Offline-Cache"
)

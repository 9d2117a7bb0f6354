package domain

import (
	"context"
	"time"

	"bmustore/internal/models"
)

// QueueStore is the durable owner of queued writes and cached reads.
type QueueStore interface {
	Enqueue(ctx context.Context, item *models.QueueItem) error
	ListPending(ctx context.Context) ([]*models.QueueItem, error)
	ListFailed(ctx context.Context) ([]*models.QueueItem, error)
	GetQueueItem(ctx context.Context, id int64) (*models.QueueItem, error)
	MarkSynced(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, reason string) (models.QueueStatus, error)
	MarkPermanentFailure(ctx context.Context, id int64, reason string) error
	Requeue(ctx context.Context, id int64) error
	CountPending(ctx context.Context) (int, error)
	CountFailed(ctx context.Context) (int, error)
	ClearSynced(ctx context.Context) (int, error)
	CachePut(ctx context.Context, endpoint string, data []byte) error
	CacheGet(ctx context.Context, endpoint string) (*models.CacheEntry, error)
	AcquireSyncLease(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	ReleaseSyncLease(ctx context.Context, owner string) error
}

// ResponseCache holds full HTTP responses for the interception layer.
type ResponseCache interface {
	PutResponse(ctx context.Context, resp *models.CachedResponse) error
	GetResponse(ctx context.Context, generation, cacheName, url string) (*models.CachedResponse, error)
	ListGenerations(ctx context.Context) ([]string, error)
	DropGeneration(ctx context.Context, generation string) (int, error)
}

type Transport interface {
	Do(ctx context.Context, req *models.Request) (*models.Response, error)
}

type Reachability interface {
	IsOnline() bool
	ReportFailure(err error)
	ReportSuccess()
}

// PlatformSignal receives the host's own connectivity flag, as opposed to
// what upstream calls observe.
type PlatformSignal interface {
	SetPlatformOnline(up bool)
}

// Channel carries envelopes between the interception layer and the
// process that owns the queue store.
type Channel interface {
	Publish(ctx context.Context, env *models.Envelope) error
	Poll(ctx context.Context, wait time.Duration) (*models.Envelope, error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// SyncTrigger requests a reconciliation pass without waiting for it.
type SyncTrigger interface {
	Trigger()
}

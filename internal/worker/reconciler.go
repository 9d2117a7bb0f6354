package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"bmustore/internal/config"
	"bmustore/internal/domain"
	"bmustore/internal/events"
	"bmustore/internal/logging"
	"bmustore/internal/metrics"
	"bmustore/internal/models"
	"bmustore/internal/network"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var ErrSyncInProgress = errors.New("sync already in progress")

// Reconciler replays queued writes in insertion order. At most one drain
// runs at a time, across every process sharing the store: the running flag
// guards this instance and a lease row in the store guards the file.
type Reconciler struct {
	store     domain.QueueStore
	reach     domain.Reachability
	transport domain.Transport
	eventBus  *events.EventBus

	redis         *redis.Client
	deadLetterKey string

	failFast    bool
	clearSynced bool
	onConnect   bool
	interval    time.Duration

	owner    string
	leaseTTL time.Duration

	running atomic.Bool
	trigger chan struct{}
	logger  *zerolog.Logger
}

func NewReconciler(store domain.QueueStore, reach domain.Reachability, transport domain.Transport, eventBus *events.EventBus, cfg config.SyncConfig, logger *zerolog.Logger) *Reconciler {
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = models.DefaultSyncLeaseTTL
	}
	return &Reconciler{
		store:       store,
		reach:       reach,
		transport:   transport,
		eventBus:    eventBus,
		failFast:    cfg.FailFastClientErrors,
		clearSynced: cfg.ClearSynced(),
		onConnect:   cfg.SyncOnConnect(),
		interval:    cfg.Interval,
		owner:       uuid.NewString(),
		leaseTTL:    leaseTTL,
		trigger:     make(chan struct{}, 1),
		logger:      logging.Component(logger, "reconciler"),
	}
}

// UseDeadLetter copies terminally failed items to a Redis list for operators.
func (r *Reconciler) UseDeadLetter(client *redis.Client, key string) {
	r.redis = client
	r.deadLetterKey = key
}

// Trigger requests a drain without blocking. Requests made while one is
// already waiting collapse into it.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Start runs triggered and periodic drains until ctx is done.
func (r *Reconciler) Start(ctx context.Context) {
	if r.onConnect && r.eventBus != nil {
		r.eventBus.Subscribe(events.EventBecameOnline, func(_ *events.Event) error {
			r.Trigger()
			return nil
		})
	}

	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	r.logger.Info().Dur("interval", r.interval).Bool("on_connect", r.onConnect).Msg("Reconciler started")
	defer r.logger.Info().Msg("Reconciler stopped")

	// pick up anything left over from a previous run
	r.Trigger()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.trigger:
		case <-tick:
		}
		if !r.reach.IsOnline() {
			continue
		}
		if _, err := r.Drain(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("Drain failed")
		}
	}
}

// Drain replays a snapshot of the pending items. Items enqueued while it
// runs wait for the next pass. A failing item never aborts the pass.
func (r *Reconciler) Drain(ctx context.Context) (models.SyncSummary, error) {
	if !r.running.CompareAndSwap(false, true) {
		return models.SyncSummary{}, ErrSyncInProgress
	}
	defer r.running.Store(false)

	summary := models.SyncSummary{StartedAt: time.Now()}
	if !r.reach.IsOnline() {
		summary.FinishedAt = time.Now()
		return summary, nil
	}

	held, err := r.store.AcquireSyncLease(ctx, r.owner, r.leaseTTL)
	if err != nil {
		return summary, err
	}
	if !held {
		return summary, ErrSyncInProgress
	}
	defer func() {
		if err := r.store.ReleaseSyncLease(context.WithoutCancel(ctx), r.owner); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to release sync lease")
		}
	}()

	items, err := r.store.ListPending(ctx)
	if err != nil {
		return summary, err
	}
	if len(items) == 0 {
		summary.FinishedAt = time.Now()
		return summary, nil
	}

	r.logger.Info().Int("pending", len(items)).Msg("Drain started")
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if !r.renewLease(ctx) {
			break
		}
		if r.replay(ctx, item) {
			summary.Synced++
		} else {
			summary.Failed++
		}
	}

	if r.clearSynced {
		if n, err := r.store.ClearSynced(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to clear synced items")
		} else if n > 0 {
			r.logger.Debug().Int("removed", n).Msg("Cleared synced items")
		}
	}

	remaining, err := r.store.CountPending(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to count pending items")
	}
	summary.Remaining = remaining
	summary.FinishedAt = time.Now()

	metrics.SetPending(remaining)
	metrics.ObserveSync(summary.FinishedAt.Sub(summary.StartedAt))

	r.logger.Info().
		Int("synced", summary.Synced).
		Int("failed", summary.Failed).
		Int("remaining", summary.Remaining).
		Msg("Drain completed")

	if r.eventBus != nil {
		if err := r.eventBus.PublishJSON(events.EventSyncCompleted, summary); err != nil {
			r.logger.Warn().Err(err).Msg("sync_completed subscriber failed")
		}
	}
	return summary, ctx.Err()
}

// replay sends one item and records the outcome. It reports success.
func (r *Reconciler) replay(ctx context.Context, item *models.QueueItem) bool {
	resp, err := r.transport.Do(ctx, item.Request())
	if err == nil && resp.OK() {
		if err := r.store.MarkSynced(ctx, item.ID); err != nil {
			// the server has it; a later pass may replay it again
			r.logger.Error().Err(err).Int64("id", item.ID).Msg("Failed to mark item synced")
		}
		metrics.IncSyncItem("synced")
		return true
	}

	reason := network.FailureReason(resp, err)
	status := models.StatusPending
	if r.failFast && err == nil && !network.Retryable(resp.Status) {
		if markErr := r.store.MarkPermanentFailure(ctx, item.ID, reason); markErr != nil {
			r.logger.Error().Err(markErr).Int64("id", item.ID).Msg("Failed to mark item failed")
		} else {
			status = models.StatusFailed
		}
	} else {
		st, markErr := r.store.MarkFailed(ctx, item.ID, reason)
		if markErr != nil {
			r.logger.Error().Err(markErr).Int64("id", item.ID).Msg("Failed to record replay failure")
		} else {
			status = st
		}
	}

	log := r.logger.Warn().Int64("id", item.ID).Str("method", item.Method).Str("url", item.URL).Str("reason", reason)
	if status == models.StatusFailed {
		log.Msg("Item permanently failed")
		metrics.IncSyncItem("failed")
		item.Status = models.StatusFailed
		item.RetryCount++
		item.LastError = &reason
		r.pushDeadLetter(ctx, item)
		if r.eventBus != nil {
			if err := r.eventBus.PublishJSON(events.EventItemFailed, events.QueuePayload{
				ID:         item.ID,
				Method:     item.Method,
				URL:        item.URL,
				RetryCount: item.RetryCount,
				Error:      reason,
			}); err != nil {
				r.logger.Warn().Err(err).Int64("id", item.ID).Msg("item_failed subscriber failed")
			}
		}
		return false
	}

	log.Msg("Replay failed, will retry")
	metrics.IncSyncItem("retry")
	return false
}

// renewLease extends the drain lease before each replay. A pass that lost
// its lease stops so a takeover never replays the same item concurrently.
func (r *Reconciler) renewLease(ctx context.Context) bool {
	held, err := r.store.AcquireSyncLease(ctx, r.owner, r.leaseTTL)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to renew sync lease")
		return false
	}
	if !held {
		r.logger.Warn().Msg("Sync lease lost, stopping pass")
	}
	return held
}

func (r *Reconciler) pushDeadLetter(ctx context.Context, item *models.QueueItem) {
	if r.redis == nil {
		return
	}
	data, err := json.Marshal(item)
	if err != nil {
		r.logger.Error().Err(err).Int64("id", item.ID).Msg("Encode dead letter")
		return
	}
	if err := r.redis.LPush(ctx, r.deadLetterKey, data).Err(); err != nil {
		r.logger.Error().Err(err).Int64("id", item.ID).Msg("Dead letter push failed")
	}
}

// Running reports whether a drain is in progress.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bmustore/internal/channel"
	"bmustore/internal/domain"
	"bmustore/internal/events"
	"bmustore/internal/logging"
	"bmustore/internal/metrics"
	"bmustore/internal/models"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const (
	pollWait          = time.Second
	maxEnqueueRetries = 5
)

// Consumer is the single owner of the queue store on the receiving side of
// the envelope channel. Intercepted writes become queue items and sync
// requests become reconciler triggers.
type Consumer struct {
	channel  domain.Channel
	store    domain.QueueStore
	trigger  domain.SyncTrigger
	eventBus domain.EventPublisher
	logger   *zerolog.Logger
}

func NewConsumer(channel domain.Channel, store domain.QueueStore, trigger domain.SyncTrigger, eventBus domain.EventPublisher, logger *zerolog.Logger) *Consumer {
	return &Consumer{
		channel:  channel,
		store:    store,
		trigger:  trigger,
		eventBus: eventBus,
		logger:   logging.Component(logger, "consumer"),
	}
}

// Start polls the channel until ctx is done.
func (c *Consumer) Start(ctx context.Context) {
	c.logger.Info().Msg("Consumer started")
	defer c.logger.Info().Msg("Consumer stopped")

	for {
		env, err := c.channel.Poll(ctx, pollWait)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, channel.ErrMalformedEnvelope) {
			c.logger.Error().Err(err).Msg("Dropped undecodable envelope")
			continue
		}
		if err != nil {
			c.logger.Error().Err(err).Msg("Channel poll failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollWait):
			}
			continue
		}
		if env == nil {
			continue
		}
		if err := c.Handle(ctx, env); err != nil {
			c.logger.Error().Err(err).Str("envelope", env.ID).Str("type", env.Type).Msg("Envelope dropped")
		}
	}
}

// Handle applies one envelope.
func (c *Consumer) Handle(ctx context.Context, env *models.Envelope) error {
	switch env.Type {
	case models.EnvelopeQueueRequest:
		return c.enqueue(ctx, env)
	case models.EnvelopeSyncNow:
		if c.trigger != nil {
			c.trigger.Trigger()
		}
		return nil
	default:
		return fmt.Errorf("unknown envelope type %q", env.Type)
	}
}

func (c *Consumer) enqueue(ctx context.Context, env *models.Envelope) error {
	var req models.OfflineRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return fmt.Errorf("decode offline request: %w", err)
	}
	if !models.IsWriteMethod(req.Method) {
		return fmt.Errorf("offline request %s %s is not a write", req.Method, req.URL)
	}

	item := &models.QueueItem{
		ClientID: env.ID,
		Endpoint: req.URL,
		URL:      req.URL,
		Method:   req.Method,
		Headers:  req.Headers,
		Body:     req.Body,
	}

	// The caller was already told the write is queued, so storage errors
	// are retried before giving up.
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	var err error
	for attempt := 1; attempt <= maxEnqueueRetries; attempt++ {
		if err = c.store.Enqueue(ctx, item); err == nil {
			break
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Str("url", req.URL).Msg("Enqueue failed")
		sleep := b.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
	if err != nil {
		return fmt.Errorf("enqueue %s %s: %w", req.Method, req.URL, err)
	}

	metrics.IncEnqueued()
	pending, err := c.store.CountPending(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to count pending items")
	} else {
		metrics.SetPending(pending)
	}
	if c.eventBus != nil {
		if err := c.eventBus.PublishJSON(events.EventItemQueued, events.QueuePayload{
			ID:      item.ID,
			Method:  item.Method,
			URL:     item.URL,
			Pending: pending,
		}); err != nil {
			c.logger.Warn().Err(err).Int64("id", item.ID).Msg("item_queued subscriber failed")
		}
	}
	c.logger.Info().Int64("id", item.ID).Str("method", item.Method).Str("url", item.URL).Msg("Intercepted write queued")
	return nil
}

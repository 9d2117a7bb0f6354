package channel

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"bmustore/internal/domain"
	"bmustore/internal/models"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// Failover publishes to the primary channel and switches to the in-memory
// fallback while the primary is failing. Envelopes parked in the fallback
// are always drained first.
type Failover struct {
	primary   domain.Channel
	fallback  *Memory
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailover(primary domain.Channel, fallback *Memory, logger *zerolog.Logger) *Failover {
	return &Failover{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (f *Failover) markDown(err error) {
	if !f.isDown.Swap(true) {
		f.logger.Error().Err(err).Msg("Primary channel failed, falling back to memory")
	}
	f.lastCheck.Store(time.Now().UnixNano())
}

// usePrimary reports whether the primary should be tried now.
func (f *Failover) usePrimary() bool {
	if !f.isDown.Load() {
		return true
	}
	return time.Since(time.Unix(0, f.lastCheck.Load())) > recoveryInterval
}

func (f *Failover) Publish(ctx context.Context, env *models.Envelope) error {
	if f.usePrimary() {
		err := f.primary.Publish(ctx, env)
		if err == nil {
			if f.isDown.Swap(false) {
				f.logger.Info().Msg("Primary channel recovered")
			}
			return nil
		}
		f.markDown(err)
	}
	return f.fallback.Publish(ctx, env)
}

func (f *Failover) Poll(ctx context.Context, wait time.Duration) (*models.Envelope, error) {
	if f.fallback.Len() > 0 {
		return f.fallback.Poll(ctx, 0)
	}

	if f.usePrimary() {
		env, err := f.primary.Poll(ctx, wait)
		if err == nil {
			if f.isDown.Swap(false) {
				f.logger.Info().Msg("Primary channel recovered")
			}
			return env, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrMalformedEnvelope) {
			return nil, err
		}
		f.markDown(err)
	}
	return f.fallback.Poll(ctx, wait)
}

// Degraded reports whether envelopes currently go to the fallback.
func (f *Failover) Degraded() bool {
	return f.isDown.Load()
}

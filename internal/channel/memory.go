package channel

import (
	"context"
	"errors"
	"time"

	"bmustore/internal/models"
)

var ErrChannelFull = errors.New("envelope channel is full")

// Memory is an in-process envelope channel. A full buffer is reported to
// the publisher instead of dropping the envelope.
type Memory struct {
	ch chan *models.Envelope
}

func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = models.DefaultChannelBuffer
	}
	return &Memory{ch: make(chan *models.Envelope, buffer)}
}

func (m *Memory) Publish(ctx context.Context, env *models.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case m.ch <- env:
		return nil
	default:
		return ErrChannelFull
	}
}

// Poll waits up to wait for an envelope. A nil envelope means none arrived.
func (m *Memory) Poll(ctx context.Context, wait time.Duration) (*models.Envelope, error) {
	select {
	case env := <-m.ch:
		return env, nil
	default:
	}
	if wait <= 0 {
		return nil, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case env := <-m.ch:
		return env, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports buffered envelopes.
func (m *Memory) Len() int {
	return len(m.ch)
}

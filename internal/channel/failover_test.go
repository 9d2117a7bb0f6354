package channel

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"bmustore/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) Publish(ctx context.Context, env *models.Envelope) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

func (m *mockChannel) Poll(ctx context.Context, wait time.Duration) (*models.Envelope, error) {
	args := m.Called(ctx, wait)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Envelope), args.Error(1)
}

func TestFailoverChannel(t *testing.T) {
	primary := new(mockChannel)
	fallback := NewMemory(8)
	logger := zerolog.New(io.Discard)
	ch := NewFailover(primary, fallback, &logger)
	ctx := context.Background()

	t.Run("PrimarySuccess", func(t *testing.T) {
		env := &models.Envelope{ID: "1"}
		primary.On("Publish", ctx, env).Return(nil).Once()

		require.NoError(t, ch.Publish(ctx, env))
		assert.Zero(t, fallback.Len())
		primary.AssertExpectations(t)
	})

	t.Run("PrimaryFailFallbackSuccess", func(t *testing.T) {
		env := &models.Envelope{ID: "2"}
		primary.On("Publish", ctx, env).Return(errors.New("fail")).Once()

		require.NoError(t, ch.Publish(ctx, env))
		assert.True(t, ch.Degraded())
		assert.Equal(t, 1, fallback.Len())
		primary.AssertExpectations(t)
	})

	t.Run("AlreadyDownSkipsPrimary", func(t *testing.T) {
		env := &models.Envelope{ID: "3"}
		require.NoError(t, ch.Publish(ctx, env))
		assert.Equal(t, 2, fallback.Len())
		primary.AssertNotCalled(t, "Publish", ctx, env)
	})

	t.Run("FallbackDrainedFirst", func(t *testing.T) {
		got, err := ch.Poll(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "2", got.ID)

		got, err = ch.Poll(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "3", got.ID)
	})

	t.Run("RecoveryAttempt", func(t *testing.T) {
		ch.lastCheck.Store(time.Now().Add(-2 * time.Minute).UnixNano())

		env := &models.Envelope{ID: "4"}
		primary.On("Poll", ctx, 10*time.Millisecond).Return(env, nil).Once()

		got, err := ch.Poll(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, env, got)
		assert.False(t, ch.Degraded())
		primary.AssertExpectations(t)
	})

	t.Run("PollFailureFallsBack", func(t *testing.T) {
		primary.On("Poll", ctx, 10*time.Millisecond).Return(nil, errors.New("still fail")).Once()

		got, err := ch.Poll(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.True(t, ch.Degraded())
		primary.AssertExpectations(t)
	})
}

func TestFailoverCorruptPayloadKeepsPrimary(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	logger := zerolog.New(io.Discard)
	primary := NewRedis(client, "bmustore:test:queue")
	fallback := NewMemory(4)
	ch := NewFailover(primary, fallback, &logger)
	ctx := context.Background()

	require.NoError(t, client.LPush(ctx, "bmustore:test:queue", "{truncated").Err())
	_, err = ch.Poll(ctx, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
	assert.False(t, ch.Degraded(), "a bad payload is not an outage")

	env := &models.Envelope{ID: "after", Type: models.EnvelopeSyncNow}
	require.NoError(t, ch.Publish(ctx, env))
	assert.Zero(t, fallback.Len())

	got, err := ch.Poll(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "after", got.ID)
}

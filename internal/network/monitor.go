package network

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"bmustore/internal/config"
	"bmustore/internal/domain"
	"bmustore/internal/events"
	"bmustore/internal/logging"
	"bmustore/internal/metrics"
	"bmustore/internal/models"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// Monitor combines the platform connectivity flag with what actual calls
// observe. IsOnline is a snapshot and never blocks.
type Monitor struct {
	platform atomic.Bool
	healthy  atomic.Bool

	mu     sync.Mutex
	online bool

	prober     domain.Transport
	healthPath string
	interval   time.Duration
	maxBackoff time.Duration

	publisher domain.EventPublisher
	logger    *zerolog.Logger
	wake      chan struct{}
}

func NewMonitor(cfg config.ReachabilityConfig, healthPath string, prober domain.Transport, publisher domain.EventPublisher, logger *zerolog.Logger) *Monitor {
	interval := cfg.ProbeInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	maxBackoff := cfg.MaxProbeInterval
	if maxBackoff < interval {
		maxBackoff = interval
	}

	m := &Monitor{
		prober:     prober,
		healthPath: healthPath,
		interval:   interval,
		maxBackoff: maxBackoff,
		publisher:  publisher,
		logger:     logging.Component(logger, "reachability"),
		wake:       make(chan struct{}, 1),
	}
	start := cfg.StartOnline()
	m.platform.Store(start)
	m.healthy.Store(true)
	m.online = start
	metrics.SetOnline(start)
	return m
}

func (m *Monitor) IsOnline() bool {
	return m.platform.Load() && m.healthy.Load()
}

// SetPlatformOnline feeds the direct connectivity signal.
func (m *Monitor) SetPlatformOnline(up bool) {
	m.platform.Store(up)
	reason := "platform offline"
	if up {
		reason = "platform online"
	}
	m.evaluate(reason)
}

// ReportFailure marks the upstream unreachable until a call or probe succeeds.
func (m *Monitor) ReportFailure(err error) {
	m.healthy.Store(false)
	reason := "request failed"
	if err != nil {
		reason = err.Error()
	}
	m.evaluate(reason)
}

func (m *Monitor) ReportSuccess() {
	m.healthy.Store(true)
	m.evaluate("request succeeded")
}

func (m *Monitor) evaluate(reason string) {
	m.mu.Lock()
	now := m.IsOnline()
	if now == m.online {
		m.mu.Unlock()
		return
	}
	m.online = now
	m.mu.Unlock()

	metrics.SetOnline(now)

	eventType := events.EventBecameOffline
	if now {
		eventType = events.EventBecameOnline
	} else {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}

	m.logger.Info().Bool("online", now).Str("reason", reason).Msg("Reachability changed")
	if m.publisher != nil {
		payload := events.ReachabilityPayload{Online: now, Reason: reason, At: time.Now()}
		if err := m.publisher.PublishJSON(eventType, payload); err != nil {
			m.logger.Warn().Err(err).Str("event", eventType).Msg("Reachability subscriber failed")
		}
	}
}

// Run probes the health endpoint with exponential backoff whenever calls
// have been failing, until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	if m.prober == nil {
		<-ctx.Done()
		return
	}

	for {
		if m.healthy.Load() {
			select {
			case <-ctx.Done():
				return
			case <-m.wake:
				continue
			}
		}
		if !m.probeUntilHealthy(ctx) {
			return
		}
	}
}

func (m *Monitor) probeUntilHealthy(ctx context.Context) bool {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.interval
	b.MaxInterval = m.maxBackoff

	for !m.healthy.Load() {
		sleep := b.NextBackOff()
		if sleep == backoff.Stop {
			sleep = m.maxBackoff
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(sleep):
		}
		m.Probe(ctx)
	}
	return true
}

// Probe issues one health check and reports its outcome.
func (m *Monitor) Probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.maxBackoff)
	defer cancel()

	resp, err := m.prober.Do(pctx, &models.Request{Method: http.MethodGet, URL: m.healthPath})
	if err != nil {
		m.ReportFailure(err)
		return false
	}
	m.logger.Debug().Int("status", resp.Status).Msg("Health probe answered")
	m.ReportSuccess()
	return true
}

// Stats reports the current snapshot for status views.
func (m *Monitor) Stats() (platform, healthy bool) {
	return m.platform.Load(), m.healthy.Load()
}

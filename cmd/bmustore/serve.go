package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bmustore/internal/api"
	"bmustore/internal/channel"
	"bmustore/internal/config"
	"bmustore/internal/database"
	"bmustore/internal/domain"
	"bmustore/internal/events"
	"bmustore/internal/metrics"
	"bmustore/internal/models"
	"bmustore/internal/network"
	"bmustore/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy, queue consumer, reconciler and reachability monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(parent context.Context, opts *rootOptions) error {
	cfg, logger, closer, err := loadConfigAndLogger(opts, "serve")
	if err != nil {
		return err
	}
	defer closeQuietly(closer)

	db, err := initDatabase(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()

	eventBus := events.NewEventBus()
	subscribeNotifications(eventBus, logger)

	transport, err := network.NewHTTPTransport(cfg.Upstream)
	if err != nil {
		return err
	}
	monitor := network.NewMonitor(cfg.Reachability, cfg.Upstream.HealthPath, transport, eventBus, logger)
	transport.Observe(monitor)

	redisClient := initRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer func() { _ = channel.Close(redisClient) }()
	}
	envelopes := initChannel(cfg, redisClient, logger)

	reconciler := worker.NewReconciler(db, monitor, transport, eventBus, cfg.Sync, logger)
	if redisClient != nil {
		reconciler.UseDeadLetter(redisClient, cfg.Redis.DeadLetterKey)
	}
	consumer := worker.NewConsumer(envelopes, db, reconciler, eventBus, logger)

	control := api.NewControlHandler(cfg.Control, db, monitor, envelopes, logger)
	proxy := api.NewProxyServer(cfg.Proxy, transport, monitor, db, envelopes, control, logger)

	if dropped, err := proxy.Activate(ctx); err != nil {
		logger.Warn().Err(err).Msg("cache activation failed")
	} else if dropped > 0 {
		logger.Info().Int("responses", dropped).Msg("stale cache generations removed")
	}
	if err := proxy.Install(ctx); err != nil {
		logger.Warn().Err(err).Msg("precache incomplete")
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { monitor.Run(ctx) })
	lifecycle.Go(func() { consumer.Start(ctx) })
	lifecycle.Go(func() { reconciler.Start(ctx) })

	if cfg.Backup.Enabled {
		backupService := database.NewBackupService(cfg.Database.Path, cfg.Backup, logger)
		lifecycle.Go(func() { backupService.Start(ctx) })
	}
	if cfg.Monitoring.PrometheusEnabled {
		lifecycle.Go(func() { startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger) })
	}
	if cfg.Proxy.Enabled {
		lifecycle.Go(func() {
			if err := proxy.Start(); err != nil {
				logger.Error().Err(err).Msg("proxy server stopped")
				stop()
			}
		})
	} else {
		logger.Warn().Msg("proxy is disabled; only the queue consumer and reconciler run")
	}

	logger.Info().
		Str("upstream", cfg.Upstream.BaseURL).
		Int("proxy_port", cfg.Proxy.Port).
		Bool("redis", redisClient != nil).
		Msg("bmustore started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := proxy.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("proxy shutdown")
	}
	lifecycle.Wait()

	logger.Info().Msg("bmustore stopped")
	return nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := channel.NewRedisClient(cfg.Redis)
	if err := channel.Ping(ctx, client); err != nil {
		// the failover channel still needs a client to recover onto
		logger.Warn().Err(err).Msg("redis connection failed, starting on the in-memory channel")
		return client
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

func initChannel(cfg *config.Config, client *redis.Client, logger *zerolog.Logger) domain.Channel {
	memory := channel.NewMemory(cfg.Proxy.ChannelBuffer)
	if client == nil {
		return memory
	}
	return channel.NewFailover(channel.NewRedis(client, cfg.Redis.QueueKey), memory, logger)
}

// subscribeNotifications logs the events a UI would surface as banners and toasts.
func subscribeNotifications(bus *events.EventBus, logger *zerolog.Logger) {
	bus.Subscribe(events.EventBecameOffline, func(e *events.Event) error {
		var p events.ReachabilityPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		logger.Warn().Str("reason", p.Reason).Msg("upstream unreachable, serving offline")
		return nil
	})
	bus.Subscribe(events.EventItemFailed, func(e *events.Event) error {
		var p events.QueuePayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		logger.Error().Int64("id", p.ID).Str("method", p.Method).Str("url", p.URL).Str("error", p.Error).
			Msg("queued write needs operator attention")
		return nil
	})
	bus.Subscribe(events.EventSyncCompleted, func(e *events.Event) error {
		var s models.SyncSummary
		if err := e.Decode(&s); err != nil {
			return err
		}
		if s.Synced > 0 || s.Failed > 0 {
			logger.Info().Int("synced", s.Synced).Int("failed", s.Failed).Msg("sync pass finished")
		}
		return nil
	})
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}

package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"bmustore/internal/channel"
	"bmustore/internal/database"
	"bmustore/internal/export"
	"bmustore/internal/models"
	"bmustore/internal/network"
	"bmustore/internal/worker"

	"github.com/spf13/cobra"
)

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay pending writes once and report the outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closer, err := loadConfigAndLogger(opts, "sync")
			if err != nil {
				return err
			}
			defer closeQuietly(closer)

			db, err := initDatabase(cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			transport, err := network.NewHTTPTransport(cfg.Upstream)
			if err != nil {
				return err
			}
			monitor := network.NewMonitor(cfg.Reachability, cfg.Upstream.HealthPath, transport, nil, logger)
			transport.Observe(monitor)
			if !monitor.Probe(cmd.Context()) {
				return fmt.Errorf("upstream %s is unreachable; nothing replayed", cfg.Upstream.BaseURL)
			}

			reconciler := worker.NewReconciler(db, monitor, transport, nil, cfg.Sync, logger)
			if cfg.Redis.Address != "" {
				client := channel.NewRedisClient(cfg.Redis)
				defer closeQuietly(client)
				reconciler.UseDeadLetter(client, cfg.Redis.DeadLetterKey)
			}

			summary, err := reconciler.Drain(cmd.Context())
			if errors.Is(err, worker.ErrSyncInProgress) {
				return fmt.Errorf("another process is draining the queue, try again later: %w", err)
			}
			if err != nil {
				return err
			}
			return printResult(cmd, opts, summary, func(w io.Writer) {
				fmt.Fprintf(w, "synced: %d\nfailed: %d\nremaining: %d\n", summary.Synced, summary.Failed, summary.Remaining)
			})
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pending and failed queue counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closer, err := loadConfigAndLogger(opts, "status")
			if err != nil {
				return err
			}
			defer closeQuietly(closer)

			db, err := initDatabase(cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			stats, err := queueStats(cmd, db)
			if err != nil {
				return err
			}
			if probe {
				transport, err := network.NewHTTPTransport(cfg.Upstream)
				if err != nil {
					return err
				}
				monitor := network.NewMonitor(cfg.Reachability, cfg.Upstream.HealthPath, transport, nil, logger)
				stats.Online = monitor.Probe(cmd.Context())
			}

			return printResult(cmd, opts, stats, func(w io.Writer) {
				if probe {
					fmt.Fprintf(w, "online: %t\n", stats.Online)
				}
				fmt.Fprintf(w, "pending: %d\nfailed: %d\n", stats.Pending, stats.Failed)
			})
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "check upstream reachability")
	return cmd
}

func queueStats(cmd *cobra.Command, db *database.DB) (*models.QueueStats, error) {
	pending, err := db.CountPending(cmd.Context())
	if err != nil {
		return nil, err
	}
	failed, err := db.CountFailed(cmd.Context())
	if err != nil {
		return nil, err
	}
	return &models.QueueStats{Pending: pending, Failed: failed}, nil
}

func newQueueCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the offline write queue",
	}
	cmd.AddCommand(newQueueFailedCommand(opts))
	cmd.AddCommand(newQueueRetryCommand(opts))
	cmd.AddCommand(newQueueExportCommand(opts))
	return cmd
}

func newQueueFailedCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "failed",
		Short: "List items that exhausted their retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closer, err := loadConfigAndLogger(opts, "queue")
			if err != nil {
				return err
			}
			defer closeQuietly(closer)

			db, err := initDatabase(cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			items, err := db.ListFailed(cmd.Context())
			if err != nil {
				return err
			}
			if items == nil {
				items = []*models.QueueItem{}
			}
			return printResult(cmd, opts, items, func(w io.Writer) {
				if len(items) == 0 {
					fmt.Fprintln(w, "no failed items")
					return
				}
				for _, item := range items {
					lastError := ""
					if item.LastError != nil {
						lastError = *item.LastError
					}
					fmt.Fprintf(w, "%d\t%s\t%s\tretries=%d\t%s\n", item.ID, item.Method, item.URL, item.RetryCount, lastError)
				}
			})
		},
	}
}

func newQueueRetryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Move a failed item back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid queue id %q", args[0])
			}

			cfg, logger, closer, err := loadConfigAndLogger(opts, "queue")
			if err != nil {
				return err
			}
			defer closeQuietly(closer)

			db, err := initDatabase(cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Requeue(cmd.Context(), id); err != nil {
				if errors.Is(err, database.ErrNotFound) {
					return fmt.Errorf("no failed item with id %d", id)
				}
				return err
			}
			return printResult(cmd, opts, map[string]int64{"requeued": id}, func(w io.Writer) {
				fmt.Fprintf(w, "item %d requeued\n", id)
			})
		},
	}
}

func newQueueExportCommand(opts *rootOptions) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write pending and failed items to an xlsx workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closer, err := loadConfigAndLogger(opts, "queue")
			if err != nil {
				return err
			}
			defer closeQuietly(closer)

			db, err := initDatabase(cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			path, err := export.NewExporter(db, cfg.Exports.Path, logger).Export(cmd.Context(), out)
			if err != nil {
				return err
			}
			return printResult(cmd, opts, map[string]string{"path": path}, func(w io.Writer) {
				fmt.Fprintln(w, path)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default: timestamped file in the exports directory)")
	return cmd
}

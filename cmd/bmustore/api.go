package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"bmustore/internal/models"
	"bmustore/internal/network"
	"bmustore/internal/service"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

func newAPICommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Call the backend through the offline router",
		Long: `Reads are served live and cached, or from the cache while the backend is
unreachable. Writes are forwarded, or queued for the next sync.`,
	}
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		cmd.AddCommand(newAPIMethodCommand(opts, method))
	}
	return cmd
}

func newAPIMethodCommand(opts *rootOptions, method string) *cobra.Command {
	var data string

	cmd := &cobra.Command{
		Use:   strings.ToLower(method) + " <endpoint>",
		Short: method + " an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint := args[0]
			var body []byte
			if data != "" {
				if !json.Valid([]byte(data)) {
					return fmt.Errorf("--data is not valid JSON")
				}
				body = []byte(data)
			}

			cfg, logger, closer, err := loadConfigAndLogger(opts, "api")
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
			monitor.Probe(cmd.Context())

			router := service.NewOfflineAPI(db, monitor, transport, nil, logger)
			result, err := router.Call(cmd.Context(), endpoint, method, body, nil)
			if errors.Is(err, service.ErrNoCachedData) {
				return fmt.Errorf("%s is unreachable and %s has no cached copy", cfg.Upstream.BaseURL, endpoint)
			}
			if err != nil {
				return err
			}
			return printResult(cmd, opts, result, func(w io.Writer) {
				printAPIResult(w, result)
			})
		},
	}
	if models.IsWriteMethod(method) && method != http.MethodDelete {
		cmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body")
	}
	return cmd
}

func printAPIResult(w io.Writer, result *models.Result) {
	switch {
	case result.Queued:
		fmt.Fprintf(w, "queued: %d\n%s\n", result.QueueID, result.Message)
		return
	case result.Offline && result.CachedAt != nil:
		fmt.Fprintf(w, "offline copy from %s\n", result.CachedAt.Format("2006-01-02 15:04:05"))
	default:
		fmt.Fprintf(w, "status: %d\n", result.Status)
	}
	if len(result.Data) > 0 {
		fmt.Fprintln(w, string(result.Data))
	}
}

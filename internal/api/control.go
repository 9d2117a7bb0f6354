package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"bmustore/internal/config"
	"bmustore/internal/database"
	"bmustore/internal/domain"
	"bmustore/internal/logging"
	"bmustore/internal/metrics"
	"bmustore/internal/models"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ControlHandler serves the operator endpoints under /_offline/. It runs on
// the store-owning side and only talks to the reconciler through envelopes.
type ControlHandler struct {
	store    domain.QueueStore
	reach    domain.Reachability
	platform domain.PlatformSignal
	channel  domain.Channel
	handler  http.Handler
	logger   *zerolog.Logger
}

func NewControlHandler(cfg config.ControlConfig, store domain.QueueStore, reach domain.Reachability, channel domain.Channel, logger *zerolog.Logger) *ControlHandler {
	c := &ControlHandler{
		store:   store,
		reach:   reach,
		channel: channel,
		logger:  logging.Component(logger, "control"),
	}
	c.platform, _ = reach.(domain.PlatformSignal)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /_offline/status", c.handleStatus)
	mux.HandleFunc("POST /_offline/sync", c.handleSync)
	mux.HandleFunc("GET /_offline/queue/failed", c.handleFailed)
	mux.HandleFunc("POST /_offline/queue/{id}/retry", c.handleRetry)
	mux.HandleFunc("POST /_offline/platform", c.handlePlatform)

	c.handler = NewHTTPAuth(cfg).Wrap(mux)
	return c
}

func (c *ControlHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.handler.ServeHTTP(w, r)
}

func (c *ControlHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := c.store.CountPending(r.Context())
	if err != nil {
		c.logger.Error().Err(err).Msg("Count pending failed")
		writeError(w, http.StatusInternalServerError, "failed to read queue")
		return
	}
	failed, err := c.store.CountFailed(r.Context())
	if err != nil {
		c.logger.Error().Err(err).Msg("Count failed items failed")
		writeError(w, http.StatusInternalServerError, "failed to read queue")
		return
	}
	metrics.IncRequest("control", "status", "ok")
	writeJSON(w, http.StatusOK, models.QueueStats{
		Online:  c.reach.IsOnline(),
		Pending: pending,
		Failed:  failed,
	})
}

func (c *ControlHandler) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := c.requestSync(r); err != nil {
		c.logger.Error().Err(err).Msg("Failed to publish sync request")
		writeError(w, http.StatusServiceUnavailable, "sync request could not be delivered")
		return
	}
	metrics.IncRequest("control", "sync", "accepted")
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (c *ControlHandler) handleFailed(w http.ResponseWriter, r *http.Request) {
	items, err := c.store.ListFailed(r.Context())
	if err != nil {
		c.logger.Error().Err(err).Msg("List failed items failed")
		writeError(w, http.StatusInternalServerError, "failed to read queue")
		return
	}
	if items == nil {
		items = []*models.QueueItem{}
	}
	metrics.IncRequest("control", "failed", "ok")
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (c *ControlHandler) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid queue id")
		return
	}

	if err := c.store.Requeue(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no failed item with that id")
			return
		}
		c.logger.Error().Err(err).Int64("id", id).Msg("Requeue failed")
		writeError(w, http.StatusInternalServerError, "failed to requeue item")
		return
	}

	// the item is pending again either way; the next trigger will pick it up
	if err := c.requestSync(r); err != nil {
		c.logger.Warn().Err(err).Int64("id", id).Msg("Requeued without immediate sync")
	}
	metrics.IncRequest("control", "retry", "ok")
	writeJSON(w, http.StatusOK, map[string]any{"requeued": id})
}

type platformRequest struct {
	Online *bool `json:"online"`
}

// handlePlatform lets the host report its own connectivity, e.g. from a
// network manager hook.
func (c *ControlHandler) handlePlatform(w http.ResponseWriter, r *http.Request) {
	if c.platform == nil {
		writeError(w, http.StatusNotImplemented, "reachability has no platform flag")
		return
	}
	var req platformRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil || req.Online == nil {
		writeError(w, http.StatusBadRequest, `body must be {"online": true|false}`)
		return
	}

	c.platform.SetPlatformOnline(*req.Online)
	c.logger.Info().Bool("online", *req.Online).Msg("Platform connectivity reported")
	metrics.IncRequest("control", "platform", "ok")
	writeJSON(w, http.StatusOK, map[string]bool{"online": c.reach.IsOnline()})
}

func (c *ControlHandler) requestSync(r *http.Request) error {
	return c.channel.Publish(r.Context(), &models.Envelope{
		ID:        uuid.NewString(),
		Type:      models.EnvelopeSyncNow,
		Timestamp: time.Now().UTC(),
	})
}

package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"bmustore/internal/domain"
	"bmustore/internal/events"
	"bmustore/internal/logging"
	"bmustore/internal/metrics"
	"bmustore/internal/models"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

var (
	ErrNoCachedData      = errors.New("no cached data")
	ErrUnsupportedMethod = errors.New("unsupported method")
)

// OfflineAPI is the single entry point for application reads and writes.
// Each call is served from the network, from the read cache, or queued.
type OfflineAPI struct {
	store     domain.QueueStore
	reach     domain.Reachability
	transport domain.Transport
	eventBus  domain.EventPublisher
	logger    *zerolog.Logger
}

func NewOfflineAPI(store domain.QueueStore, reach domain.Reachability, transport domain.Transport, eventBus domain.EventPublisher, logger *zerolog.Logger) *OfflineAPI {
	return &OfflineAPI{
		store:     store,
		reach:     reach,
		transport: transport,
		eventBus:  eventBus,
		logger:    logging.Component(logger, "router"),
	}
}

func (s *OfflineAPI) Get(ctx context.Context, endpoint string) (*models.Result, error) {
	return s.Call(ctx, endpoint, http.MethodGet, nil, nil)
}

func (s *OfflineAPI) Post(ctx context.Context, endpoint string, body interface{}) (*models.Result, error) {
	return s.Call(ctx, endpoint, http.MethodPost, body, nil)
}

func (s *OfflineAPI) Put(ctx context.Context, endpoint string, body interface{}) (*models.Result, error) {
	return s.Call(ctx, endpoint, http.MethodPut, body, nil)
}

func (s *OfflineAPI) Patch(ctx context.Context, endpoint string, body interface{}) (*models.Result, error) {
	return s.Call(ctx, endpoint, http.MethodPatch, body, nil)
}

func (s *OfflineAPI) Delete(ctx context.Context, endpoint string) (*models.Result, error) {
	return s.Call(ctx, endpoint, http.MethodDelete, nil, nil)
}

// Call performs one logical API operation. body may be nil, raw JSON bytes
// or any value that marshals to JSON.
//
// Errors are returned only for conditions the caller must handle: an
// offline read with nothing cached (ErrNoCachedData), an unsupported
// method, or a storage failure. Network trouble is absorbed.
func (s *OfflineAPI) Call(ctx context.Context, endpoint, method string, body interface{}, headers map[string]string) (*models.Result, error) {
	method = strings.ToUpper(method)
	if method != http.MethodGet && !models.IsWriteMethod(method) {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, ErrUnsupportedMethod)
	}

	payload, err := encodeBody(body)
	if err != nil {
		return nil, fmt.Errorf("encode body for %s %s: %w", method, endpoint, err)
	}

	if s.reach.IsOnline() {
		result, err := s.callNetwork(ctx, endpoint, method, payload, headers)
		if result != nil || err != nil {
			return result, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	if method == http.MethodGet {
		return s.serveCached(ctx, endpoint)
	}
	return s.enqueue(ctx, endpoint, method, payload, headers)
}

// callNetwork returns (nil, nil) when the caller should fall back to the
// offline branch.
func (s *OfflineAPI) callNetwork(ctx context.Context, endpoint, method string, payload []byte, headers map[string]string) (*models.Result, error) {
	resp, err := s.transport.Do(ctx, &models.Request{
		Method: method,
		URL:    endpoint,
		Header: headers,
		Body:   payload,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("method", method).Str("endpoint", endpoint).Msg("Network call failed, going offline path")
		return nil, nil
	}
	if !resp.OK() {
		s.logger.Warn().Int("status", resp.Status).Str("method", method).Str("endpoint", endpoint).Msg("Non-2xx response, going offline path")
		return nil, nil
	}

	data := asJSON(resp.Body)
	if method == http.MethodGet {
		if data == nil {
			data = []byte("null")
		}
		if err := s.store.CachePut(ctx, endpoint, data); err != nil {
			return nil, err
		}
		metrics.IncRequest("router", "read", "network")
		return &models.Result{Status: resp.Status, Data: data}, nil
	}

	metrics.IncRequest("router", "write", "network")
	return &models.Result{Status: resp.Status, Data: data, Success: true}, nil
}

func (s *OfflineAPI) serveCached(ctx context.Context, endpoint string) (*models.Result, error) {
	entry, err := s.store.CacheGet(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		metrics.IncRequest("router", "read", "miss")
		return nil, fmt.Errorf("GET %s: %w", endpoint, ErrNoCachedData)
	}

	metrics.IncRequest("router", "read", "cache")
	cachedAt := entry.UpdatedAt
	return &models.Result{Data: entry.Data, Offline: true, CachedAt: &cachedAt}, nil
}

func (s *OfflineAPI) enqueue(ctx context.Context, endpoint, method string, payload []byte, headers map[string]string) (*models.Result, error) {
	item := &models.QueueItem{
		Endpoint: endpoint,
		URL:      endpoint,
		Method:   method,
		Headers:  headers,
		Body:     payload,
	}
	if err := s.store.Enqueue(ctx, item); err != nil {
		return nil, err
	}
	metrics.IncEnqueued()
	metrics.IncRequest("router", "write", "queued")

	pending, err := s.store.CountPending(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to count pending items")
	}
	if s.eventBus != nil {
		if err := s.eventBus.PublishJSON(events.EventItemQueued, events.QueuePayload{
			ID:      item.ID,
			Method:  method,
			URL:     endpoint,
			Pending: pending,
		}); err != nil {
			s.logger.Warn().Err(err).Int64("id", item.ID).Msg("item_queued subscriber failed")
		}
	}

	s.logger.Info().Int64("id", item.ID).Str("method", method).Str("endpoint", endpoint).Msg("Write queued for later sync")
	return &models.Result{
		Success: true,
		Queued:  true,
		Message: models.QueuedMessage,
		QueueID: item.ID,
	}, nil
}

// PendingCount backs the pending-changes badge.
func (s *OfflineAPI) PendingCount(ctx context.Context) (int, error) {
	return s.store.CountPending(ctx)
}

func (s *OfflineAPI) Stats(ctx context.Context) (*models.QueueStats, error) {
	pending, err := s.store.CountPending(ctx)
	if err != nil {
		return nil, err
	}
	failed, err := s.store.CountFailed(ctx)
	if err != nil {
		return nil, err
	}
	return &models.QueueStats{Online: s.reach.IsOnline(), Pending: pending, Failed: failed}, nil
}

func encodeBody(body interface{}) ([]byte, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}

// asJSON keeps valid JSON as-is and wraps anything else in a JSON string.
func asJSON(body []byte) []byte {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return body
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}

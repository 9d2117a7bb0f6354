package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bmustore/internal/config"
	"bmustore/internal/domain"
	"bmustore/internal/logging"
	"bmustore/internal/metrics"
	"bmustore/internal/models"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const controlPrefix = "/_offline/"

// Hop-by-hop headers are never stored, relayed or replayed.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
	"Accept-Encoding":     true,
	"Host":                true,
}

// ProxyServer sits between clients and the upstream. API reads are served
// network-first with a cached fallback, everything else readable is served
// cache-first, and writes that cannot be delivered are handed to the queue
// owner as envelopes.
type ProxyServer struct {
	cfg       config.ProxyConfig
	transport domain.Transport
	reach     domain.Reachability
	cache     domain.ResponseCache
	channel   domain.Channel
	server    *http.Server
	logger    *zerolog.Logger
}

func NewProxyServer(
	cfg config.ProxyConfig,
	transport domain.Transport,
	reach domain.Reachability,
	cache domain.ResponseCache,
	channel domain.Channel,
	control http.Handler,
	logger *zerolog.Logger,
) *ProxyServer {
	srv := &ProxyServer{
		cfg:       cfg,
		transport: transport,
		reach:     reach,
		cache:     cache,
		channel:   channel,
		logger:    logging.Component(logger, "proxy"),
	}
	if srv.cfg.APIPrefix == "" {
		srv.cfg.APIPrefix = models.DefaultAPIPrefix
	}
	if srv.cfg.CacheGeneration == "" {
		srv.cfg.CacheGeneration = models.DefaultCacheGeneration
	}

	mux := http.NewServeMux()
	if control != nil {
		mux.Handle(controlPrefix, control)
	}
	mux.HandleFunc("/", srv.serveProxy)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           loggingMiddleware(srv.logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

// Handler exposes the full routing stack, mainly for httptest.
func (s *ProxyServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *ProxyServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("proxy server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("Proxy listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *ProxyServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Install precaches the configured static URLs into the current generation.
// Every URL is attempted; the returned error joins all failures.
func (s *ProxyServer) Install(ctx context.Context) error {
	var errs []error
	for _, u := range s.cfg.Precache {
		resp, err := s.transport.Do(ctx, &models.Request{Method: http.MethodGet, URL: u})
		if err != nil {
			errs = append(errs, fmt.Errorf("precache %s: %w", u, err))
			continue
		}
		if !resp.OK() {
			errs = append(errs, fmt.Errorf("precache %s: status %d", u, resp.Status))
			continue
		}
		if err := s.store(ctx, models.CacheStatic, u, resp); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		s.logger.Info().Int("urls", len(s.cfg.Precache)).Str("generation", s.cfg.CacheGeneration).Msg("Precache installed")
	}
	return errors.Join(errs...)
}

// Activate deletes every cache generation other than the current one and
// reports how many responses were dropped.
func (s *ProxyServer) Activate(ctx context.Context) (int, error) {
	generations, err := s.cache.ListGenerations(ctx)
	if err != nil {
		return 0, err
	}
	dropped := 0
	for _, gen := range generations {
		if gen == s.cfg.CacheGeneration {
			continue
		}
		n, err := s.cache.DropGeneration(ctx, gen)
		if err != nil {
			return dropped, err
		}
		dropped += n
		s.logger.Info().Str("generation", gen).Int("responses", n).Msg("Dropped stale cache generation")
	}
	return dropped, nil
}

func (s *ProxyServer) serveProxy(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, s.cfg.APIPrefix):
		s.networkFirst(w, r)
	case r.Method == http.MethodGet || r.Method == http.MethodHead:
		s.cacheFirst(w, r)
	case models.IsWriteMethod(r.Method):
		s.forwardWrite(w, r)
	default:
		s.passThrough(w, r)
	}
}

func (s *ProxyServer) networkFirst(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := r.URL.RequestURI()

	resp, err := s.transport.Do(ctx, s.upstreamRequest(r, nil))
	if err == nil && resp.Status < http.StatusInternalServerError {
		if resp.OK() {
			if err := s.store(ctx, models.CacheAPI, key, resp); err != nil {
				s.logger.Warn().Err(err).Str("url", key).Msg("Failed to refresh API cache")
			}
		}
		metrics.IncRequest("proxy", models.CacheAPI, "network")
		relay(w, resp.Status, resp.Header, resp.Body, "")
		return
	}

	cached, cacheErr := s.cache.GetResponse(ctx, s.cfg.CacheGeneration, models.CacheAPI, key)
	if cacheErr != nil {
		s.logger.Error().Err(cacheErr).Str("url", key).Msg("API cache lookup failed")
	}
	if cached != nil {
		metrics.IncRequest("proxy", models.CacheAPI, "cache")
		header := http.Header{"Content-Type": []string{"application/json"}}
		relay(w, cached.Status, header, annotateOffline(cached.Body, cached.StoredAt), "hit")
		return
	}

	if err == nil {
		// upstream answered with a server error and there is nothing better to offer
		metrics.IncRequest("proxy", models.CacheAPI, "network")
		relay(w, resp.Status, resp.Header, resp.Body, "miss")
		return
	}

	metrics.IncRequest("proxy", models.CacheAPI, "offline")
	w.Header().Set(models.HeaderOfflineCache, "miss")
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"error":    "offline",
		"message":  "No cached data available",
		"_offline": true,
	})
}

func (s *ProxyServer) cacheFirst(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := r.URL.RequestURI()

	cached, err := s.cache.GetResponse(ctx, s.cfg.CacheGeneration, models.CacheStatic, key)
	if err != nil {
		s.logger.Error().Err(err).Str("url", key).Msg("Static cache lookup failed")
	}
	if cached != nil {
		metrics.IncRequest("proxy", models.CacheStatic, "cache")
		relay(w, cached.Status, cached.Header, cached.Body, "hit")
		return
	}

	resp, err := s.transport.Do(ctx, s.upstreamRequest(r, nil))
	if err == nil {
		if resp.OK() && r.Method == http.MethodGet {
			if err := s.store(ctx, models.CacheStatic, key, resp); err != nil {
				s.logger.Warn().Err(err).Str("url", key).Msg("Failed to cache static asset")
			}
		}
		metrics.IncRequest("proxy", models.CacheStatic, "network")
		relay(w, resp.Status, resp.Header, resp.Body, "miss")
		return
	}

	if s.cfg.OfflinePlaceholder != "" {
		placeholder, perr := s.cache.GetResponse(ctx, s.cfg.CacheGeneration, models.CacheStatic, s.cfg.OfflinePlaceholder)
		if perr != nil {
			s.logger.Error().Err(perr).Msg("Placeholder lookup failed")
		}
		if placeholder != nil {
			metrics.IncRequest("proxy", models.CacheStatic, "placeholder")
			relay(w, placeholder.Status, placeholder.Header, placeholder.Body, "placeholder")
			return
		}
	}

	metrics.IncRequest("proxy", models.CacheStatic, "offline")
	w.Header().Set(models.HeaderOfflineCache, "miss")
	http.Error(w, "offline", http.StatusServiceUnavailable)
}

func (s *ProxyServer) forwardWrite(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, models.DefaultMaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	if s.reach.IsOnline() {
		resp, err := s.transport.Do(r.Context(), s.upstreamRequest(r, body))
		if err == nil {
			metrics.IncRequest("proxy", "write", "network")
			relay(w, resp.Status, resp.Header, resp.Body, "")
			return
		}
		s.logger.Warn().Err(err).Str("method", r.Method).Str("url", r.URL.RequestURI()).Msg("Write failed, queueing")
	}

	s.queueWrite(w, r, body)
}

func (s *ProxyServer) queueWrite(w http.ResponseWriter, r *http.Request, body []byte) {
	id := strings.TrimSpace(r.Header.Get(models.HeaderIdempotencyKey))
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()

	data, err := json.Marshal(models.OfflineRequest{
		URL:       r.URL.RequestURI(),
		Method:    r.Method,
		Headers:   captureHeaders(r.Header),
		Body:      body,
		Timestamp: now,
	})
	if err == nil {
		err = s.channel.Publish(r.Context(), &models.Envelope{
			ID:        id,
			Type:      models.EnvelopeQueueRequest,
			Data:      data,
			Timestamp: now,
		})
	}
	if err != nil {
		s.logger.Error().Err(err).Str("method", r.Method).Str("url", r.URL.RequestURI()).Msg("Failed to hand off offline write")
		metrics.IncRequest("proxy", "write", "rejected")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":    "queue_unavailable",
			"message":  "Offline and unable to save the request",
			"_offline": true,
		})
		return
	}

	metrics.IncRequest("proxy", "write", "queued")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"_queued": true,
		"message": models.QueuedMessage,
	})
}

// passThrough forwards methods the proxy has no strategy for.
func (s *ProxyServer) passThrough(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, models.DefaultMaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	resp, err := s.transport.Do(r.Context(), s.upstreamRequest(r, body))
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream unavailable")
		return
	}
	relay(w, resp.Status, resp.Header, resp.Body, "")
}

func (s *ProxyServer) upstreamRequest(r *http.Request, body []byte) *models.Request {
	return &models.Request{
		Method: r.Method,
		URL:    r.URL.RequestURI(),
		Header: captureHeaders(r.Header),
		Body:   body,
	}
}

func (s *ProxyServer) store(ctx context.Context, cacheName, url string, resp *models.Response) error {
	header := http.Header{}
	for k, vs := range resp.Header {
		if !hopHeaders[k] {
			header[k] = append([]string(nil), vs...)
		}
	}
	return s.cache.PutResponse(ctx, &models.CachedResponse{
		Generation: s.cfg.CacheGeneration,
		CacheName:  cacheName,
		URL:        url,
		Status:     resp.Status,
		Header:     header,
		Body:       resp.Body,
	})
}

func captureHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if hopHeaders[http.CanonicalHeaderKey(k)] || len(vs) == 0 {
			continue
		}
		out[k] = strings.Join(vs, ", ")
	}
	return out
}

func relay(w http.ResponseWriter, status int, header http.Header, body []byte, cacheState string) {
	for k, vs := range header {
		if hopHeaders[k] {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if cacheState != "" {
		w.Header().Set(models.HeaderOfflineCache, cacheState)
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// annotateOffline marks a cached API body as stale. JSON objects gain
// _offline and _cachedAt fields, replacing any the upstream sent; any other
// payload is wrapped under data.
func annotateOffline(body []byte, cachedAt time.Time) []byte {
	stamp, _ := json.Marshal(cachedAt.UTC())
	trimmed := bytes.TrimSpace(body)

	var buf bytes.Buffer
	if len(trimmed) >= 2 && trimmed[0] == '{' && json.Valid(trimmed) {
		trimmed = dropMarkers(trimmed)
		inner := bytes.TrimSpace(trimmed[1 : len(trimmed)-1])
		buf.WriteString(`{"_offline":true,"_cachedAt":`)
		buf.Write(stamp)
		if len(inner) > 0 {
			buf.WriteByte(',')
			buf.Write(inner)
		}
		buf.WriteByte('}')
		return buf.Bytes()
	}

	if len(trimmed) == 0 || !json.Valid(trimmed) {
		raw, _ := json.Marshal(string(body))
		trimmed = raw
	}
	buf.WriteString(`{"data":`)
	buf.Write(trimmed)
	buf.WriteString(`,"_offline":true,"_cachedAt":`)
	buf.Write(stamp)
	buf.WriteByte('}')
	return buf.Bytes()
}

// dropMarkers removes upstream fields that would collide with the offline
// markers. Values stay raw so numbers keep their exact text.
func dropMarkers(obj []byte) []byte {
	if !bytes.Contains(obj, []byte(`"_offline"`)) && !bytes.Contains(obj, []byte(`"_cachedAt"`)) {
		return obj
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(obj, &fields); err != nil {
		return obj
	}
	_, hasOffline := fields["_offline"]
	_, hasCachedAt := fields["_cachedAt"]
	if !hasOffline && !hasCachedAt {
		return obj
	}
	delete(fields, "_offline")
	delete(fields, "_cachedAt")
	out, err := json.Marshal(fields)
	if err != nil {
		return obj
	}
	return out
}

package worker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bmustore/internal/config"
	"bmustore/internal/database"
	"bmustore/internal/events"
	"bmustore/internal/models"
	"bmustore/internal/network"

	"github.com/alicebob/miniredis/v2"
	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedReach struct {
	online atomic.Bool
}

func (r *fixedReach) IsOnline() bool        { return r.online.Load() }
func (r *fixedReach) ReportFailure(_ error) {}
func (r *fixedReach) ReportSuccess()        {}

func onlineReach() *fixedReach {
	r := &fixedReach{}
	r.online.Store(true)
	return r
}

type recordingUpstream struct {
	mu       sync.Mutex
	status   int
	requests []recordedRequest
}

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Key    string
}

func (u *recordingUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	u.requests = append(u.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Body:   string(body),
		Key:    r.Header.Get(models.HeaderIdempotencyKey),
	})
	status := u.status
	u.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func (u *recordingUpstream) setStatus(code int) {
	u.mu.Lock()
	u.status = code
	u.mu.Unlock()
}

func (u *recordingUpstream) calls() []recordedRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]recordedRequest(nil), u.requests...)
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newUpstream(t *testing.T) (*recordingUpstream, *network.HTTPTransport) {
	t.Helper()
	upstream := &recordingUpstream{}
	server := httptest.NewServer(upstream)
	t.Cleanup(server.Close)
	transport, err := network.NewHTTPTransport(config.UpstreamConfig{BaseURL: server.URL})
	require.NoError(t, err)
	return upstream, transport
}

func keepSynced() config.SyncConfig {
	off := false
	return config.SyncConfig{ClearSyncedAfterDrain: &off}
}

func enqueue(t *testing.T, db *database.DB, method, url, body string) *models.QueueItem {
	t.Helper()
	item := &models.QueueItem{URL: url, Method: method, Body: []byte(body)}
	require.NoError(t, db.Enqueue(context.Background(), item))
	return item
}

func TestDrainReplaysQueuedWrite(t *testing.T) {
	db := newTestDB(t)
	upstream, transport := newUpstream(t)
	logger := zerolog.New(io.Discard)
	r := NewReconciler(db, onlineReach(), transport, nil, keepSynced(), &logger)
	ctx := context.Background()

	item := enqueue(t, db, http.MethodPost, "/api/items", `{"code":"X1"}`)

	summary, err := r.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Synced)
	assert.Zero(t, summary.Failed)
	assert.Zero(t, summary.Remaining)

	calls := upstream.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, http.MethodPost, calls[0].Method)
	assert.Equal(t, "/api/items", calls[0].Path)
	assert.Equal(t, `{"code":"X1"}`, calls[0].Body)
	assert.Equal(t, item.ClientID, calls[0].Key)

	stored, err := db.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, stored.Status)

	// synced items are never replayed twice
	summary, err = r.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Synced)
	assert.Len(t, upstream.calls(), 1)
}

func TestDrainPreservesOrder(t *testing.T) {
	db := newTestDB(t)
	upstream, transport := newUpstream(t)
	logger := zerolog.New(io.Discard)
	r := NewReconciler(db, onlineReach(), transport, nil, config.SyncConfig{}, &logger)

	enqueue(t, db, http.MethodPost, "/api/items", `{"code":"W1"}`)
	enqueue(t, db, http.MethodPut, "/api/items", `{"code":"W2"}`)
	for i := 0; i < 8; i++ {
		enqueue(t, db, http.MethodPatch, "/api/items/1", `{"n":`+string(rune('0'+i))+`}`)
	}

	summary, err := r.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, summary.Synced)

	calls := upstream.calls()
	require.Len(t, calls, 10)
	assert.Equal(t, `{"code":"W1"}`, calls[0].Body)
	assert.Equal(t, `{"code":"W2"}`, calls[1].Body)
	for i := 0; i < 8; i++ {
		assert.Equal(t, `{"n":`+string(rune('0'+i))+`}`, calls[i+2].Body)
	}

	// synced rows are garbage-collected by default
	var rows int
	require.NoError(t, db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM offline_queue`).Scan(&rows))
	assert.Zero(t, rows)
}

func TestDrainEmptyQueueMakesNoCalls(t *testing.T) {
	db := newTestDB(t)
	upstream, transport := newUpstream(t)
	logger := zerolog.New(io.Discard)
	r := NewReconciler(db, onlineReach(), transport, nil, config.SyncConfig{}, &logger)

	summary, err := r.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Synced)
	assert.Zero(t, summary.Failed)
	assert.Empty(t, upstream.calls())
}

func TestDrainOfflineIsNoop(t *testing.T) {
	db := newTestDB(t)
	upstream, transport := newUpstream(t)
	logger := zerolog.New(io.Discard)
	reach := &fixedReach{}
	r := NewReconciler(db, reach, transport, nil, config.SyncConfig{}, &logger)

	enqueue(t, db, http.MethodPost, "/api/items", `{}`)

	summary, err := r.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Synced)
	assert.Zero(t, summary.Failed)
	assert.Empty(t, upstream.calls())

	count, err := db.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDrainRetryCeilingAndDeadLetter(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	db := newTestDB(t)
	upstream, transport := newUpstream(t)
	upstream.setStatus(http.StatusInternalServerError)
	logger := zerolog.New(io.Discard)

	bus := events.NewEventBus()
	var failedEvents atomic.Int32
	bus.Subscribe(events.EventItemFailed, func(_ *events.Event) error {
		failedEvents.Add(1)
		return nil
	})

	r := NewReconciler(db, onlineReach(), transport, bus, keepSynced(), &logger)
	r.UseDeadLetter(client, "bmustore:test:deadletter")
	ctx := context.Background()

	item := enqueue(t, db, http.MethodPost, "/api/items", `{"code":"X1"}`)

	for attempt := 1; attempt <= 3; attempt++ {
		summary, err := r.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Failed, "attempt %d", attempt)

		stored, err := db.GetQueueItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, stored.RetryCount)
		if attempt < 3 {
			assert.Equal(t, models.StatusPending, stored.Status)
		} else {
			assert.Equal(t, models.StatusFailed, stored.Status)
			require.NotNil(t, stored.LastError)
			assert.Contains(t, *stored.LastError, "http 500")
		}
	}

	summary, err := r.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Failed)
	assert.Len(t, upstream.calls(), 3, "terminal items are excluded from later drains")

	assert.Equal(t, int32(1), failedEvents.Load())

	letters, err := client.LRange(ctx, "bmustore:test:deadletter", 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, letters, 1)
	var dead models.QueueItem
	require.NoError(t, json.Unmarshal([]byte(letters[0]), &dead))
	assert.Equal(t, item.ID, dead.ID)
	assert.Equal(t, models.StatusFailed, dead.Status)
}

func TestDrainContinuesPastFailures(t *testing.T) {
	db := newTestDB(t)
	logger := zerolog.New(io.Discard)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/bad" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()
	transport, err := network.NewHTTPTransport(config.UpstreamConfig{BaseURL: server.URL})
	require.NoError(t, err)

	r := NewReconciler(db, onlineReach(), transport, nil, config.SyncConfig{}, &logger)
	enqueue(t, db, http.MethodPost, "/api/good", `{}`)
	enqueue(t, db, http.MethodPost, "/api/bad", `{}`)
	enqueue(t, db, http.MethodDelete, "/api/good", ``)

	summary, err := r.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Synced)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Remaining)
}

func TestDrainFailFastClientErrors(t *testing.T) {
	db := newTestDB(t)
	upstream, transport := newUpstream(t)
	upstream.setStatus(http.StatusUnprocessableEntity)
	logger := zerolog.New(io.Discard)

	cfg := keepSynced()
	cfg.FailFastClientErrors = true
	r := NewReconciler(db, onlineReach(), transport, nil, cfg, &logger)
	item := enqueue(t, db, http.MethodPost, "/api/items", `{"code":""}`)

	_, err := r.Drain(context.Background())
	require.NoError(t, err)

	stored, err := db.GetQueueItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
}

type gatedTransport struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedTransport) Do(ctx context.Context, _ *models.Request) (*models.Response, error) {
	g.entered <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &models.Response{Status: http.StatusOK}, nil
}

func TestDrainIsSingleFlight(t *testing.T) {
	db := newTestDB(t)
	logger := zerolog.New(io.Discard)
	gate := &gatedTransport{entered: make(chan struct{}, 1), release: make(chan struct{})}
	r := NewReconciler(db, onlineReach(), gate, nil, config.SyncConfig{}, &logger)

	enqueue(t, db, http.MethodPost, "/api/items", `{}`)

	type result struct {
		summary models.SyncSummary
		err     error
	}
	first := make(chan result, 1)
	go func() {
		s, err := r.Drain(context.Background())
		first <- result{s, err}
	}()

	<-gate.entered
	assert.True(t, r.Running())

	_, err := r.Drain(context.Background())
	assert.ErrorIs(t, err, ErrSyncInProgress)

	close(gate.release)
	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.summary.Synced)
	assert.False(t, r.Running())
}

func TestDrainIsExclusiveAcrossStores(t *testing.T) {
	logger := zerolog.New(io.Discard)
	path := filepath.Join(t.TempDir(), "queue.db")
	serveDB, err := database.NewDB(path, &logger)
	require.NoError(t, err)
	defer serveDB.Close()
	cliDB, err := database.NewDB(path, &logger)
	require.NoError(t, err)
	defer cliDB.Close()

	gate := &gatedTransport{entered: make(chan struct{}, 1), release: make(chan struct{})}
	serving := NewReconciler(serveDB, onlineReach(), gate, nil, config.SyncConfig{}, &logger)
	manual := NewReconciler(cliDB, onlineReach(), gate, nil, config.SyncConfig{}, &logger)

	enqueue(t, serveDB, http.MethodPost, "/api/items", `{"code":"X1"}`)

	type result struct {
		summary models.SyncSummary
		err     error
	}
	first := make(chan result, 1)
	go func() {
		s, err := serving.Drain(context.Background())
		first <- result{s, err}
	}()
	<-gate.entered

	_, err = manual.Drain(context.Background())
	assert.ErrorIs(t, err, ErrSyncInProgress)
	assert.Empty(t, gate.entered, "second store must not replay the held snapshot")

	close(gate.release)
	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.summary.Synced)

	// the lease is released with the pass
	summary, err := manual.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Synced)
	assert.Empty(t, gate.entered)
}

func TestDrainLogsFailedSubscriber(t *testing.T) {
	db := newTestDB(t)
	upstream, transport := newUpstream(t)
	upstream.setStatus(http.StatusUnprocessableEntity)

	var logs strings.Builder
	logger := zerolog.New(&syncWriter{w: &logs})
	bus := events.NewEventBus()
	bus.Subscribe(events.EventItemFailed, func(_ *events.Event) error {
		return assert.AnError
	})

	cfg := keepSynced()
	cfg.FailFastClientErrors = true
	r := NewReconciler(db, onlineReach(), transport, bus, cfg, &logger)
	enqueue(t, db, http.MethodPost, "/api/items", `{}`)

	summary, err := r.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Contains(t, logs.String(), "item_failed subscriber failed")
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func TestTriggerCoalesces(t *testing.T) {
	db := newTestDB(t)
	logger := zerolog.New(io.Discard)
	r := NewReconciler(db, onlineReach(), nil, nil, config.SyncConfig{}, &logger)

	r.Trigger()
	r.Trigger()
	r.Trigger()
	assert.Len(t, r.trigger, 1)
}

func TestStartDrainsOnReconnect(t *testing.T) {
	db := newTestDB(t)
	upstream, transport := newUpstream(t)
	logger := zerolog.New(io.Discard)
	bus := events.NewEventBus()

	completed := make(chan models.SyncSummary, 4)
	bus.Subscribe(events.EventSyncCompleted, func(e *events.Event) error {
		var s models.SyncSummary
		if err := e.Decode(&s); err != nil {
			return err
		}
		completed <- s
		return nil
	})

	reach := &fixedReach{}
	r := NewReconciler(db, reach, transport, bus, config.SyncConfig{}, &logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Start(ctx)

	enqueue(t, db, http.MethodPost, "/api/items", `{"code":"X1"}`)

	// give the startup trigger a chance to be consumed while offline
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, upstream.calls())

	reach.online.Store(true)
	require.NoError(t, bus.PublishJSON(events.EventBecameOnline, events.ReachabilityPayload{Online: true}))

	select {
	case s := <-completed:
		assert.Equal(t, 1, s.Synced)
	case <-time.After(2 * time.Second):
		t.Fatal("no sync_completed after reconnect")
	}
	assert.Len(t, upstream.calls(), 1)
}

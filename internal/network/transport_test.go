package network

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bmustore/internal/config"
	"bmustore/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	failures  int
	successes int
}

func (r *recordingObserver) IsOnline() bool          { return r.failures == 0 }
func (r *recordingObserver) ReportFailure(err error) { r.failures++ }
func (r *recordingObserver) ReportSuccess()          { r.successes++ }

func TestHTTPTransportDo(t *testing.T) {
	var gotBody, gotKey, gotType, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		gotKey = r.Header.Get(models.HeaderIdempotencyKey)
		gotType = r.Header.Get("Content-Type")
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1}`))
	}))
	defer server.Close()

	tr, err := NewHTTPTransport(config.UpstreamConfig{BaseURL: server.URL})
	require.NoError(t, err)
	obs := &recordingObserver{}
	tr.Observe(obs)

	resp, err := tr.Do(context.Background(), &models.Request{
		Method: http.MethodPost,
		URL:    "/api/items",
		Header: map[string]string{models.HeaderIdempotencyKey: "abc"},
		Body:   []byte(`{"code":"X1"}`),
	})
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.JSONEq(t, `{"id":1}`, string(resp.Body))
	assert.Equal(t, `{"code":"X1"}`, gotBody)
	assert.Equal(t, "abc", gotKey)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "/api/items", gotPath)
	assert.Equal(t, 1, obs.successes)
}

func TestHTTPTransportServerErrorIsReachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	tr, err := NewHTTPTransport(config.UpstreamConfig{BaseURL: server.URL})
	require.NoError(t, err)
	obs := &recordingObserver{}
	tr.Observe(obs)

	resp, err := tr.Do(context.Background(), &models.Request{Method: http.MethodGet, URL: "/api/items"})
	require.NoError(t, err)
	assert.False(t, resp.OK())
	assert.Equal(t, 0, obs.failures)
	assert.Equal(t, 1, obs.successes)
}

func TestHTTPTransportConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	base := server.URL
	server.Close()

	tr, err := NewHTTPTransport(config.UpstreamConfig{BaseURL: base, Timeout: time.Second})
	require.NoError(t, err)
	obs := &recordingObserver{}
	tr.Observe(obs)

	_, err = tr.Do(context.Background(), &models.Request{Method: http.MethodGet, URL: "/api/items"})
	assert.Error(t, err)
	assert.Equal(t, 1, obs.failures)
}

func TestHTTPTransportCallerCancelKeepsUpstreamHealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(200 * time.Millisecond):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tr, err := NewHTTPTransport(config.UpstreamConfig{BaseURL: server.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	monitor := NewMonitor(config.ReachabilityConfig{}, "/api/health", tr, nil, nil)
	tr.Observe(monitor)
	require.True(t, monitor.IsOnline())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = tr.Do(ctx, &models.Request{Method: http.MethodPost, URL: "/api/items"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	assert.True(t, monitor.IsOnline(), "a caller giving up is not an upstream outage")
	_, healthy := monitor.Stats()
	assert.True(t, healthy)
}

func TestHTTPTransportClientTimeoutCountsAsFailure(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	tr, err := NewHTTPTransport(config.UpstreamConfig{BaseURL: server.URL, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	obs := &recordingObserver{}
	tr.Observe(obs)

	_, err = tr.Do(context.Background(), &models.Request{Method: http.MethodGet, URL: "/api/items"})
	assert.Error(t, err)
	assert.Equal(t, 1, obs.failures)
}

func TestHTTPTransportBodyLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer server.Close()

	tr, err := NewHTTPTransport(config.UpstreamConfig{BaseURL: server.URL, MaxBodyBytes: 16})
	require.NoError(t, err)

	_, err = tr.Do(context.Background(), &models.Request{Method: http.MethodGet, URL: "/big"})
	assert.True(t, errors.Is(err, ErrBodyTooLarge))
}

func TestResolve(t *testing.T) {
	tr, err := NewHTTPTransport(config.UpstreamConfig{BaseURL: "http://inventory.local:9000/"})
	require.NoError(t, err)

	got, err := tr.Resolve("/api/items?page=2")
	require.NoError(t, err)
	assert.Equal(t, "http://inventory.local:9000/api/items?page=2", got)

	got, err = tr.Resolve("http://other.local/x")
	require.NoError(t, err)
	assert.Equal(t, "http://other.local/x", got)
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "network: boom", FailureReason(nil, errors.New("boom")))
	assert.Equal(t, "http 422: bad code", FailureReason(&models.Response{Status: 422, Body: []byte("bad code\n")}, nil))
	assert.Equal(t, "http 503: Service Unavailable", FailureReason(&models.Response{Status: 503}, nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(http.StatusInternalServerError))
	assert.True(t, Retryable(http.StatusTooManyRequests))
	assert.True(t, Retryable(http.StatusRequestTimeout))
	assert.False(t, Retryable(http.StatusUnprocessableEntity))
	assert.False(t, Retryable(http.StatusNotFound))
}

package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"bmustore/internal/config"
	"bmustore/internal/domain"
	"bmustore/internal/models"
)

var ErrBodyTooLarge = errors.New("response body exceeds limit")

// HTTPTransport performs upstream calls. Any HTTP response, whatever its
// status, proves the upstream is reachable; only transport errors count
// against reachability. A call abandoned by its caller says nothing about
// the upstream and is not reported; the client's own timeout is.
type HTTPTransport struct {
	baseURL    *url.URL
	httpClient *http.Client
	maxBody    int64
	observer   domain.Reachability
}

func NewHTTPTransport(cfg config.UpstreamConfig) (*HTTPTransport, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = models.DefaultRequestTimeout
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = models.DefaultMaxBodyBytes
	}
	return &HTTPTransport{
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
		maxBody:    maxBody,
	}, nil
}

// Observe reports every call outcome to r.
func (t *HTTPTransport) Observe(r domain.Reachability) {
	t.observer = r
}

// Resolve turns a relative request URL into an absolute upstream URL.
func (t *HTTPTransport) Resolve(raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	return t.baseURL.ResolveReference(ref).String(), nil
}

func (t *HTTPTransport) Do(ctx context.Context, r *models.Request) (*models.Response, error) {
	target, err := t.Resolve(r.URL)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return nil, err
	}
	for k, v := range r.Header {
		req.Header.Set(k, v)
	}
	if len(r.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.reportFailure(ctx, err)
		return nil, fmt.Errorf("%s %s: %w", r.Method, r.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody+1))
	if err != nil {
		t.reportFailure(ctx, err)
		return nil, fmt.Errorf("read %s %s: %w", r.Method, r.URL, err)
	}
	t.reportSuccess()
	if int64(len(data)) > t.maxBody {
		return nil, fmt.Errorf("%s %s: %w", r.Method, r.URL, ErrBodyTooLarge)
	}

	return &models.Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   data,
	}, nil
}

func (t *HTTPTransport) reportFailure(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	if t.observer != nil {
		t.observer.ReportFailure(err)
	}
}

func (t *HTTPTransport) reportSuccess() {
	if t.observer != nil {
		t.observer.ReportSuccess()
	}
}

// FailureReason renders a replay outcome for QueueItem.LastError.
func FailureReason(resp *models.Response, err error) string {
	if err != nil {
		return "network: " + err.Error()
	}
	snippet := strings.TrimSpace(string(resp.Body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	if snippet == "" {
		return fmt.Sprintf("http %d: %s", resp.Status, http.StatusText(resp.Status))
	}
	return fmt.Sprintf("http %d: %s", resp.Status, snippet)
}

// Retryable reports whether a non-2xx status may succeed on a later replay.
func Retryable(status int) bool {
	if status >= 500 {
		return true
	}
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return status < 400
}

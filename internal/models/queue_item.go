package models

import (
	"net/http"
	"time"
)

// QueueItem is a pending mutation awaiting delivery to the backend.
type QueueItem struct {
	ID          int64             `json:"id"`
	ClientID    string            `json:"client_id"`
	Endpoint    string            `json:"endpoint"`
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"body,omitempty"`
	Status      QueueStatus       `json:"status"`
	RetryCount  int               `json:"retry_count"`
	LastError   *string           `json:"last_error"`
	CreatedAt   time.Time         `json:"created_at"`
	LastAttempt *time.Time        `json:"last_attempt"`
	SyncedAt    *time.Time        `json:"synced_at"`
}

// Request converts the item back into the exact request that was captured.
func (q *QueueItem) Request() *Request {
	headers := make(map[string]string, len(q.Headers)+1)
	for k, v := range q.Headers {
		headers[k] = v
	}
	if q.ClientID != "" {
		headers[HeaderIdempotencyKey] = q.ClientID
	}
	return &Request{
		Method: q.Method,
		URL:    q.URL,
		Header: headers,
		Body:   q.Body,
	}
}

// IsWriteMethod reports whether method is one the queue accepts.
func IsWriteMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return true
	default:
		return false
	}
}

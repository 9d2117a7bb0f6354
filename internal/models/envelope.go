package models

import (
	"encoding/json"
	"time"
)

const (
	EnvelopeQueueRequest = "QUEUE_OFFLINE_REQUEST"
	EnvelopeSyncNow      = "SYNC_NOW"
)

// Envelope is the message exchanged between the interception layer and the store owner.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// OfflineRequest is the payload of a QUEUE_OFFLINE_REQUEST envelope.
type OfflineRequest struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

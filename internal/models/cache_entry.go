package models

import (
	"encoding/json"
	"net/http"
	"time"
)

// CacheEntry is the last known-good payload of a read endpoint.
type CacheEntry struct {
	Endpoint  string          `json:"endpoint"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CachedResponse is a full HTTP response held by the interception layer.
type CachedResponse struct {
	Generation string      `json:"generation"`
	CacheName  string      `json:"cache_name"`
	URL        string      `json:"url"`
	Status     int         `json:"status"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	StoredAt   time.Time   `json:"stored_at"`
}

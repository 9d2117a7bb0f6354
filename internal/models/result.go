package models

import (
	"encoding/json"
	"time"
)

// Result is what the Router hands back to application code.
//
// A live read carries Data only. A read served from cache additionally sets
// Offline and CachedAt. A write that could not reach the backend is
// acknowledged with Success and Queued.
type Result struct {
	Status   int             `json:"status,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Offline  bool            `json:"_offline,omitempty"`
	CachedAt *time.Time      `json:"_cachedAt,omitempty"`
	Success  bool            `json:"success,omitempty"`
	Queued   bool            `json:"_queued,omitempty"`
	Message  string          `json:"message,omitempty"`
	QueueID  int64           `json:"queueId,omitempty"`
}

// SyncSummary accounts for one drain pass.
type SyncSummary struct {
	Synced     int       `json:"synced"`
	Failed     int       `json:"failed"`
	Remaining  int       `json:"remaining"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// QueueStats backs the pending badge and operator status views.
type QueueStats struct {
	Online  bool `json:"online"`
	Pending int  `json:"pending"`
	Failed  int  `json:"failed"`
}

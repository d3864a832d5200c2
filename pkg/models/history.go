package models

import (
	"encoding/json"
	"time"
)

// HistoryEntry is a per-actor copy of a generated item.
type HistoryEntry struct {
	ActorID   string          `json:"actor_id"`
	Kind      string          `json:"kind"`
	ItemID    string          `json:"item_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// HistoryQueryOpts filters per-actor history.
type HistoryQueryOpts struct {
	ActorID string
	Kind    string
	Since   time.Time
	Limit   int
}

// HistoryStat counts an actor's history entries per kind and day.
type HistoryStat struct {
	Kind  string `json:"kind"`
	Day   string `json:"day"`
	Count int64  `json:"count"`
}

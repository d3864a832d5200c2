package models

import "time"

// CacheEntry stores a memoized generation result keyed by fingerprint.
type CacheEntry struct {
	Fingerprint  string    `json:"fingerprint"`
	Result       []byte    `json:"result"`
	Kind         string    `json:"kind"`
	Variant      string    `json:"variant"`
	CreatedAt    time.Time `json:"created_at"`
	AccessCount  int64     `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

package models

import "time"

// UsageRecord is one billed operation. Records are append-only.
type UsageRecord struct {
	ID              string            `json:"id"`
	OperationKind   string            `json:"operation_kind"`
	Timestamp       time.Time         `json:"timestamp"`
	MonthKey        string            `json:"month_key"`
	CreditsConsumed int64             `json:"credits_consumed"`
	FeatureID       string            `json:"feature_id"`
	ActorID         string            `json:"actor_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// MonthlyAggregate is the running credit counter for one calendar month.
// TotalConsumed only grows; Reserved holds credits admitted but not yet committed.
type MonthlyAggregate struct {
	MonthKey      string    `json:"month_key"`
	TotalConsumed int64     `json:"total_consumed"`
	Reserved      int64     `json:"reserved"`
	LastUpdated   time.Time `json:"last_updated"`
}

// Reservation is an admitted, not yet committed, credit hold.
type Reservation struct {
	ID       string `json:"id"`
	MonthKey string `json:"month_key"`
	Amount   int64  `json:"amount"`
}

// FeatureUsage is one row of the per-feature usage breakdown.
type FeatureUsage struct {
	OperationKind string `json:"operation_kind"`
	FeatureID     string `json:"feature_id"`
	Count         int    `json:"count"`
	Credits       int64  `json:"credits"`
}

// MonthKey returns the YYYY-MM key of t in UTC.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

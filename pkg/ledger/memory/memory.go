// Package memory provides an in-process ledger.Store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pario-ai/metergate/pkg/ledger"
	"github.com/pario-ai/metergate/pkg/models"
)

// Store keeps aggregates and the usage log in memory. It is lost on restart.
type Store struct {
	mu         sync.Mutex
	aggregates map[string]*models.MonthlyAggregate
	held       map[string]models.Reservation
	records    []models.UsageRecord
}

var _ ledger.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		aggregates: make(map[string]*models.MonthlyAggregate),
		held:       make(map[string]models.Reservation),
	}
}

func (s *Store) aggregate(month string) *models.MonthlyAggregate {
	agg, ok := s.aggregates[month]
	if !ok {
		agg = &models.MonthlyAggregate{MonthKey: month}
		s.aggregates[month] = agg
	}
	return agg
}

// Aggregate returns a copy of month's aggregate.
func (s *Store) Aggregate(_ context.Context, month string) (models.MonthlyAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if agg, ok := s.aggregates[month]; ok {
		return *agg, nil
	}
	return models.MonthlyAggregate{MonthKey: month}, nil
}

// Reserve holds res.Amount if it fits under limit.
func (s *Store) Reserve(_ context.Context, res models.Reservation, limit int64) (models.MonthlyAggregate, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg := s.aggregate(res.MonthKey)
	if agg.TotalConsumed+agg.Reserved+res.Amount > limit {
		return *agg, false, nil
	}
	agg.Reserved += res.Amount
	agg.LastUpdated = time.Now().UTC()
	s.held[res.ID] = res
	return *agg, true, nil
}

// Commit appends rec and settles res. A reservation that is no longer held
// is not released twice.
func (s *Store) Commit(_ context.Context, rec models.UsageRecord, res models.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.release(res)
	s.append(rec)
	return nil
}

// Release drops a held reservation.
func (s *Store) Release(_ context.Context, res models.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.release(res)
	return nil
}

// Append records unreserved usage.
func (s *Store) Append(_ context.Context, rec models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.append(rec)
	return nil
}

func (s *Store) release(res models.Reservation) {
	held, ok := s.held[res.ID]
	if !ok {
		return
	}
	delete(s.held, res.ID)
	agg := s.aggregate(held.MonthKey)
	agg.Reserved -= held.Amount
	agg.LastUpdated = time.Now().UTC()
}

func (s *Store) append(rec models.UsageRecord) {
	s.records = append(s.records, copyRecord(rec))
	agg := s.aggregate(rec.MonthKey)
	agg.TotalConsumed += rec.CreditsConsumed
	agg.LastUpdated = rec.Timestamp
}

// SumRecords totals month's logged credits.
func (s *Store) SumRecords(_ context.Context, month string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, r := range s.records {
		if r.MonthKey == month {
			total += r.CreditsConsumed
		}
	}
	return total, nil
}

// ListRecords returns month's records, newest first.
func (s *Store) ListRecords(_ context.Context, month string, limit int) ([]models.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.UsageRecord
	for _, r := range s.records {
		if r.MonthKey == month {
			out = append(out, copyRecord(r))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Reconcile sets month's consumed total to the sum of its usage log.
func (s *Store) Reconcile(_ context.Context, month string) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, r := range s.records {
		if r.MonthKey == month {
			total += r.CreditsConsumed
		}
	}
	agg := s.aggregate(month)
	before := agg.TotalConsumed
	agg.TotalConsumed = total
	agg.LastUpdated = time.Now().UTC()
	return before, total, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func copyRecord(r models.UsageRecord) models.UsageRecord {
	if r.Metadata != nil {
		md := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			md[k] = v
		}
		r.Metadata = md
	}
	return r
}

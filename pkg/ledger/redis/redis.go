// Package redis provides a Redis-backed ledger.Store.
//
// Each month is a hash holding total_consumed, reserved and last_updated, held
// reservations live in a per-month hash and the usage log is a per-month list
// of JSON records. Every mutation is a single Lua script, so concurrent
// instances cannot over-admit. All keys share the {ledger} hash tag and
// therefore one cluster slot.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pario-ai/metergate/pkg/ledger"
	"github.com/pario-ai/metergate/pkg/models"
)

// Store is a Redis-backed ledger store.
type Store struct {
	client    goredis.UniversalClient
	keyPrefix string
}

var _ ledger.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "metergate:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a Store over client. Close closes the client.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "metergate:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) monthKey(month string) string   { return s.keyPrefix + "{ledger}:month:" + month }
func (s *Store) heldKey(month string) string    { return s.keyPrefix + "{ledger}:held:" + month }
func (s *Store) recordsKey(month string) string { return s.keyPrefix + "{ledger}:records:" + month }

// reserveScript holds credits if they fit.
// KEYS[1] = month hash, KEYS[2] = held hash
// ARGV[1] = amount, ARGV[2] = limit, ARGV[3] = now, ARGV[4] = reservation id
// Returns {ok, total_consumed, reserved, last_updated}.
var reserveScript = goredis.NewScript(`
local used = tonumber(redis.call("HGET", KEYS[1], "total_consumed") or "0")
local reserved = tonumber(redis.call("HGET", KEYS[1], "reserved") or "0")
local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])

if used + reserved + amount > limit then
    return {0, used, reserved, redis.call("HGET", KEYS[1], "last_updated") or ""}
end

reserved = redis.call("HINCRBY", KEYS[1], "reserved", amount)
redis.call("HSETNX", KEYS[1], "total_consumed", 0)
redis.call("HSET", KEYS[1], "last_updated", ARGV[3])
redis.call("HSET", KEYS[2], ARGV[4], amount)
return {1, used, reserved, ARGV[3]}
`)

// settleScript releases a held reservation and optionally logs a record.
// KEYS[1] = held hash of the reservation month, KEYS[2] = its month hash
// KEYS[3] = month hash of the record, KEYS[4] = records list of the record
// ARGV[1] = reservation id ("" for none), ARGV[2] = credits
// ARGV[3] = record JSON ("" for release only), ARGV[4] = now
var settleScript = goredis.NewScript(`
if ARGV[1] ~= "" then
    local amount = redis.call("HGET", KEYS[1], ARGV[1])
    if amount then
        redis.call("HDEL", KEYS[1], ARGV[1])
        local left = tonumber(redis.call("HGET", KEYS[2], "reserved") or "0") - tonumber(amount)
        if left < 0 then left = 0 end
        redis.call("HSET", KEYS[2], "reserved", left, "last_updated", ARGV[4])
    end
end
if ARGV[3] ~= "" then
    redis.call("HINCRBY", KEYS[3], "total_consumed", tonumber(ARGV[2]))
    redis.call("HSETNX", KEYS[3], "reserved", 0)
    redis.call("HSET", KEYS[3], "last_updated", ARGV[4])
    redis.call("RPUSH", KEYS[4], ARGV[3])
end
return 1
`)

// reconcileScript sets total_consumed to the sum of the records list.
// KEYS[1] = month hash, KEYS[2] = records list
// ARGV[1] = now
// Returns {before, after}.
var reconcileScript = goredis.NewScript(`
local before = tonumber(redis.call("HGET", KEYS[1], "total_consumed") or "0")
local total = 0
for _, raw in ipairs(redis.call("LRANGE", KEYS[2], 0, -1)) do
    local rec = cjson.decode(raw)
    total = total + (tonumber(rec["credits_consumed"]) or 0)
end
redis.call("HSET", KEYS[1], "total_consumed", total, "last_updated", ARGV[1])
redis.call("HSETNX", KEYS[1], "reserved", 0)
return {before, total}
`)

// Aggregate returns month's aggregate.
func (s *Store) Aggregate(ctx context.Context, month string) (models.MonthlyAggregate, error) {
	vals, err := s.client.HMGet(ctx, s.monthKey(month), "total_consumed", "reserved", "last_updated").Result()
	if err != nil {
		return models.MonthlyAggregate{}, fmt.Errorf("ledger/redis: aggregate: %w", err)
	}
	agg := models.MonthlyAggregate{MonthKey: month}
	agg.TotalConsumed = parseInt(vals[0])
	agg.Reserved = parseInt(vals[1])
	agg.LastUpdated = parseTime(vals[2])
	return agg, nil
}

// Reserve holds res.Amount if it fits under limit.
func (s *Store) Reserve(ctx context.Context, res models.Reservation, limit int64) (models.MonthlyAggregate, bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	out, err := reserveScript.Run(ctx, s.client,
		[]string{s.monthKey(res.MonthKey), s.heldKey(res.MonthKey)},
		res.Amount, limit, now, res.ID,
	).Slice()
	if err != nil {
		return models.MonthlyAggregate{}, false, fmt.Errorf("ledger/redis: reserve: %w", err)
	}
	if len(out) != 4 {
		return models.MonthlyAggregate{}, false, fmt.Errorf("ledger/redis: unexpected reserve result: %v", out)
	}
	agg := models.MonthlyAggregate{
		MonthKey:      res.MonthKey,
		TotalConsumed: parseInt(out[1]),
		Reserved:      parseInt(out[2]),
		LastUpdated:   parseTime(out[3]),
	}
	return agg, parseInt(out[0]) == 1, nil
}

func (s *Store) settle(ctx context.Context, res models.Reservation, rec *models.UsageRecord) error {
	now := time.Now().UTC()
	recMonth := res.MonthKey
	var credits int64
	var payload string
	if rec != nil {
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("ledger/redis: encode record: %w", err)
		}
		payload = string(b)
		recMonth = rec.MonthKey
		credits = rec.CreditsConsumed
		now = rec.Timestamp.UTC()
	}
	if recMonth == "" {
		recMonth = models.MonthKey(now)
	}
	resMonth := res.MonthKey
	if resMonth == "" {
		resMonth = recMonth
	}

	err := settleScript.Run(ctx, s.client,
		[]string{s.heldKey(resMonth), s.monthKey(resMonth), s.monthKey(recMonth), s.recordsKey(recMonth)},
		res.ID, credits, payload, now.Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("ledger/redis: settle: %w", err)
	}
	return nil
}

// Commit appends rec and settles res in one script.
func (s *Store) Commit(ctx context.Context, rec models.UsageRecord, res models.Reservation) error {
	return s.settle(ctx, res, &rec)
}

// Release drops a held reservation. Unknown reservations are ignored.
func (s *Store) Release(ctx context.Context, res models.Reservation) error {
	return s.settle(ctx, res, nil)
}

// Append records unreserved usage.
func (s *Store) Append(ctx context.Context, rec models.UsageRecord) error {
	return s.settle(ctx, models.Reservation{}, &rec)
}

func (s *Store) readRecords(ctx context.Context, month string, limit int) ([]models.UsageRecord, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raw, err := s.client.LRange(ctx, s.recordsKey(month), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger/redis: list: %w", err)
	}
	records := make([]models.UsageRecord, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var r models.UsageRecord
		if err := json.Unmarshal([]byte(raw[i]), &r); err != nil {
			return nil, fmt.Errorf("ledger/redis: decode record: %w", err)
		}
		records = append(records, r)
	}
	return records, nil
}

// SumRecords totals month's logged credits.
func (s *Store) SumRecords(ctx context.Context, month string) (int64, error) {
	records, err := s.readRecords(ctx, month, 0)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, r := range records {
		total += r.CreditsConsumed
	}
	return total, nil
}

// ListRecords returns month's records, newest first.
func (s *Store) ListRecords(ctx context.Context, month string, limit int) ([]models.UsageRecord, error) {
	return s.readRecords(ctx, month, limit)
}

// Reconcile sets month's consumed total to the sum of its usage log in one
// script.
func (s *Store) Reconcile(ctx context.Context, month string) (int64, int64, error) {
	out, err := reconcileScript.Run(ctx, s.client,
		[]string{s.monthKey(month), s.recordsKey(month)},
		time.Now().UTC().Format(time.RFC3339Nano),
	).Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("ledger/redis: reconcile: %w", err)
	}
	if len(out) != 2 {
		return 0, 0, fmt.Errorf("ledger/redis: unexpected reconcile result: %v", out)
	}
	return parseInt(out[0]), parseInt(out[1]), nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func parseInt(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	default:
		return 0
	}
}

func parseTime(v any) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Package ratelimit implements the atomic, multi-key, refillable
// token-bucket rate limiter from spec.md §4.2, backed by Redis/Valkey via
// a single Lua script so every batch operation is atomic across keys.
// Grounded on original_source/tensorzero-core/src/db/valkey/rate_limiting.rs
// (same request/response JSON shapes, same refill-before-check
// semantics) and on the teacher's redis/go-redis/v9 dependency
// (pkg/cache/redis_cache.go).
package ratelimit

import (
	_ "embed"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tensorzero/inference-gateway/internal/xerrors"
)

//go:embed script.lua
var luaScript string

// Interval is the refill period unit.
type Interval int

const (
	IntervalSecond Interval = iota
	IntervalMinute
	IntervalHour
	IntervalDay
)

func (i Interval) Microseconds() int64 {
	switch i {
	case IntervalSecond:
		return 1_000_000
	case IntervalMinute:
		return 60_000_000
	case IntervalHour:
		return 3_600_000_000
	case IntervalDay:
		return 86_400_000_000
	default:
		return 1_000_000
	}
}

// ConsumeRequest is one bucket's worth of a Consume batch.
type ConsumeRequest struct {
	Key             string
	Requested       uint64
	Capacity        uint64
	RefillAmount    uint64
	RefillInterval  Interval
}

// ConsumeReceipt is the per-key outcome of a Consume batch.
type ConsumeReceipt struct {
	Key       string
	Success   bool
	Remaining uint64
	Consumed  uint64
}

// ReturnRequest is one bucket's worth of a Return batch.
type ReturnRequest struct {
	Key            string
	Returned       uint64
	Capacity       uint64
	RefillAmount   uint64
	RefillInterval Interval
}

// ReturnReceipt is the per-key outcome of a Return batch.
type ReturnReceipt struct {
	Key     string
	Balance uint64
}

// Clock abstracts "now" so tests can control elapsed time deterministically.
type Clock func() time.Time

// Limiter operates on an external Redis/Valkey-compatible store.
type Limiter struct {
	client redis.Scripter
	script *redis.Script
	now    Clock
}

func New(client redis.Scripter) *Limiter {
	return &Limiter{
		client: client,
		script: redis.NewScript(luaScript),
		now:    time.Now,
	}
}

// WithClock overrides the wall clock used to compute "now" — used by
// tests to simulate the passage of refill intervals without sleeping.
func (l *Limiter) WithClock(clock Clock) *Limiter {
	l.now = clock
	return l
}

type consumeScriptResult struct {
	Key       string `json:"key"`
	Success   bool   `json:"success"`
	Remaining int64  `json:"remaining"`
	Consumed  int64  `json:"consumed"`
}

type returnScriptResult struct {
	Key     string `json:"key"`
	Balance int64  `json:"balance"`
}

type balanceScriptResult struct {
	Balance int64 `json:"balance"`
}

// Consume atomically consumes tokens from every bucket in requests. It
// is all-or-nothing across the whole batch: either every key has
// sufficient tokens and all are decremented, or no key is decremented
// (only refill bookkeeping is persisted) and every result reports
// success=false, consumed=0 (spec.md §4.2,
// testable property 3 and 6).
func (l *Limiter) Consume(ctx context.Context, requests []ConsumeRequest) ([]ConsumeReceipt, error) {
	if len(requests) == 0 {
		return nil, nil
	}
	if err := rejectDuplicateKeys(requests); err != nil {
		return nil, err
	}

	keys := make([]string, len(requests))
	argv := make([]any, 0, 2+len(requests)*4)
	argv = append(argv, "consume", l.now().UnixMicro())
	for i, r := range requests {
		keys[i] = r.Key
		argv = append(argv, r.Requested, r.Capacity, r.RefillAmount, r.RefillInterval.Microseconds())
	}

	raw, err := l.script.Run(ctx, l.client, keys, argv...).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, err, "rate limiter store unreachable")
	}

	var results []consumeScriptResult
	if err := json.Unmarshal([]byte(toString(raw)), &results); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, err, "rate limiter: malformed script response")
	}

	receipts := make([]ConsumeReceipt, len(results))
	for i, r := range results {
		receipts[i] = ConsumeReceipt{
			Key:       r.Key,
			Success:   r.Success,
			Remaining: clampUint64(r.Remaining),
			Consumed:  clampUint64(r.Consumed),
		}
	}
	return receipts, nil
}

// Return credits tokens back to each bucket in requests. Returns may
// overshoot capacity; the resulting balance is capped at capacity.
func (l *Limiter) Return(ctx context.Context, requests []ReturnRequest) ([]ReturnReceipt, error) {
	if len(requests) == 0 {
		return nil, nil
	}

	keys := make([]string, len(requests))
	argv := make([]any, 0, 2+len(requests)*4)
	argv = append(argv, "return", l.now().UnixMicro())
	for i, r := range requests {
		keys[i] = r.Key
		argv = append(argv, r.Returned, r.Capacity, r.RefillAmount, r.RefillInterval.Microseconds())
	}

	raw, err := l.script.Run(ctx, l.client, keys, argv...).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, err, "rate limiter store unreachable")
	}

	var results []returnScriptResult
	if err := json.Unmarshal([]byte(toString(raw)), &results); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, err, "rate limiter: malformed script response")
	}

	receipts := make([]ReturnReceipt, len(results))
	for i, r := range results {
		receipts[i] = ReturnReceipt{Key: r.Key, Balance: clampUint64(r.Balance)}
	}
	return receipts, nil
}

// GetBalance is a read-only lookup; may be served from a replica since
// it issues no writes to the bucket's stored state... except that it
// must still apply refill math before reporting the balance, so callers
// should route it to a replica only if the replica tolerates the
// EVAL_RO-equivalent write-free execution semantics (this implementation
// always runs through the same script and never persists the refilled
// value on this path, matching "read-only" intent).
func (l *Limiter) GetBalance(ctx context.Context, key string, capacity, refillAmount uint64, interval Interval) (uint64, error) {
	argv := []any{"balance", l.now().UnixMicro(), capacity, refillAmount, interval.Microseconds()}
	raw, err := l.script.Run(ctx, l.client, []string{key}, argv...).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.KindInternal, err, "rate limiter store unreachable")
	}

	var result balanceScriptResult
	if err := json.Unmarshal([]byte(toString(raw)), &result); err != nil {
		return 0, xerrors.Wrap(xerrors.KindInternal, err, "rate limiter: malformed script response")
	}
	return clampUint64(result.Balance), nil
}

func rejectDuplicateKeys(requests []ConsumeRequest) error {
	seen := make(map[string]struct{}, len(requests))
	for _, r := range requests {
		if _, ok := seen[r.Key]; ok {
			return xerrors.New(xerrors.KindInvalidRequest, fmt.Sprintf("duplicate rate limit key %q in one batch", r.Key))
		}
		seen[r.Key] = struct{}{}
	}
	return nil
}

func clampUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", v)
	}
}

package credentials

import (
	"sync"
	"time"

	"github.com/tensorzero/inference-gateway/internal/xerrors"
)

// keyPool rotates round-robin through a provider's configured key list,
// skipping any key marked exhausted until its cooldown passes. Adapted
// from the teacher's pkg/resilience/keypool.go; here it backs
// SourceStaticPool instead of standing alone, since a provider needing
// multiple keys is just another credential source to the Resolver.
type keyPool struct {
	mu      sync.Mutex
	entries []poolEntry
	current int
}

type poolEntry struct {
	key       string
	resetAt   time.Time
	exhausted bool
}

func newKeyPool(keys []string) *keyPool {
	entries := make([]poolEntry, len(keys))
	for i, k := range keys {
		entries[i] = poolEntry{key: k}
	}
	return &keyPool{entries: entries}
}

// next returns the next non-exhausted key in round-robin order.
func (kp *keyPool) next(provider string) (string, error) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	n := len(kp.entries)
	if n == 0 {
		return "", missingCredential(provider, "key pool has no keys configured")
	}

	now := time.Now()
	for i := 0; i < n; i++ {
		idx := (kp.current + i) % n
		e := &kp.entries[idx]
		if e.exhausted && now.After(e.resetAt) {
			e.exhausted = false
		}
		if !e.exhausted {
			kp.current = (idx + 1) % n
			return e.key, nil
		}
	}

	earliest := kp.entries[0].resetAt
	for _, e := range kp.entries[1:] {
		if e.resetAt.Before(earliest) {
			earliest = e.resetAt
		}
	}
	return "", xerrors.New(xerrors.KindRateLimited,
		"all pooled keys for provider \""+provider+"\" are exhausted, earliest reset "+earliest.Format(time.RFC3339))
}

// markExhausted records that key is rate-limited until resetAt, so
// subsequent next() calls skip it until the cooldown passes.
func (kp *keyPool) markExhausted(key string, resetAt time.Time) {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	for i := range kp.entries {
		if kp.entries[i].key == key {
			kp.entries[i].exhausted = true
			kp.entries[i].resetAt = resetAt
			return
		}
	}
}

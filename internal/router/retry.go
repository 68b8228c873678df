package router

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/tensorzero/inference-gateway/internal/xerrors"
)

// retryConfig controls the single-provider retry performed before the
// router falls back to the next configured provider. Adapted from the
// teacher's resilience.RetryConfig/Retry (full-jitter exponential
// backoff), generalised so only xerrors.KindInferenceServer/
// KindRateLimited trigger a retry — a KindInferenceClient (upstream 4xx)
// or KindUnauthorized fails the attempt immediately and moves on to the
// next provider, since retrying against the same provider cannot help.
type retryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func defaultRetryConfig() retryConfig {
	return retryConfig{MaxRetries: 2, BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}
}

func retryableErr(err error) bool {
	return xerrors.IsKind(err, xerrors.KindInferenceServer) || xerrors.IsKind(err, xerrors.KindRateLimited)
}

// withRetry runs fn with full-jitter exponential backoff, retrying only
// on retryableErr, and stops early on context cancellation.
func withRetry(ctx context.Context, cfg retryConfig, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxRetries || !retryableErr(lastErr) {
			return lastErr
		}

		delay := backoffDelay(attempt, cfg.BaseDelay, cfg.MaxDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	exp := float64(base) * math.Pow(2, float64(attempt))
	if exp > float64(max) {
		exp = float64(max)
	}
	jittered := time.Duration(rand.Float64() * exp)
	if jittered < time.Millisecond {
		jittered = time.Millisecond
	}
	return jittered
}

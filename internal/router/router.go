// Package router implements the Model Router (spec.md §4.5): given an
// ordered list of providers for one model, it walks them in order,
// resolving credentials, checking the response cache, consuming
// rate-limit tickets, and invoking the adapter — falling back to the
// next provider on any failure and returning a composite error only
// once every provider has been tried.
//
// Grounded on the teacher's pkg/proxy/handler.go Infer/InferStream flow
// (cache check → provider resolve → key pool → circuit breaker → retry →
// metrics → cache store); pkg/resilience's CircuitBreaker and Retry are
// adapted into circuitbreaker.go/retry.go rather than kept as a separate
// package, since here they are private implementation details of one
// provider-fallback loop instead of a general-purpose toolkit.
package router

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tensorzero/inference-gateway/internal/cache"
	"github.com/tensorzero/inference-gateway/internal/credentials"
	"github.com/tensorzero/inference-gateway/internal/providerapi"
	"github.com/tensorzero/inference-gateway/internal/ratelimit"
	"github.com/tensorzero/inference-gateway/internal/xerrors"
)

// RateLimitKey is one bucket that must have tickets consumed before a
// provider attempt proceeds.
type RateLimitKey struct {
	Key            string
	Requested      uint64
	Capacity       uint64
	RefillAmount   uint64
	RefillInterval ratelimit.Interval
}

// ProviderEntry is one provider within a model's ordered list.
type ProviderEntry struct {
	// Name is both the credential-resolver key and the circuit-breaker
	// key; it is usually the provider kind ("openai", "anthropic") but
	// may be a distinct alias when a model lists the same provider kind
	// twice under different credentials.
	Name          string
	Provider      providerapi.Provider
	RateLimitKeys []RateLimitKey
	// Timeout overrides the router's default per-attempt timeout for
	// this provider; zero means "use the router default".
	Timeout time.Duration
}

// ModelConfig is one model's ordered provider list.
type ModelConfig struct {
	Name      string
	Providers []ProviderEntry
}

// CacheOptions controls per-call cache behaviour.
type CacheOptions struct {
	Enabled bool
	MaxAge  time.Duration // lookback window for Lookup; zero means unbounded
	TTL     time.Duration // storage TTL for Insert
}

// InferOptions bundles the per-call knobs the router needs beyond the
// canonical request itself.
type InferOptions struct {
	CredentialOverrides map[string]string
	Cache               CacheOptions
}

// Result is the outcome of a successful non-streaming Infer call.
type Result struct {
	Response *providerapi.Response
	Cached   bool
	Provider string
}

// StreamResult is the outcome of a successful InferStream call.
type StreamResult struct {
	FirstChunk *providerapi.Chunk
	Events     <-chan providerapi.StreamEvent
	Cached     bool
	Provider   string
}

// Router walks a model's provider list per spec.md §4.5.
type Router struct {
	credentials *credentials.Resolver
	cache       *cache.Store
	limiter     *ratelimit.Limiter
	breakers    *breakerRegistry
	retry       retryConfig
	attemptTTL  time.Duration
	logger      *zap.Logger
}

func New(resolver *credentials.Resolver, cacheStore *cache.Store, limiter *ratelimit.Limiter, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		credentials: resolver,
		cache:       cacheStore,
		limiter:     limiter,
		breakers:    newBreakerRegistry(circuitBreakerConfig{}),
		retry:       defaultRetryConfig(),
		attemptTTL:  5 * time.Minute,
		logger:      logger,
	}
}

func (r *Router) WithRetryConfig(maxRetries int, baseDelay, maxDelay time.Duration) *Router {
	r.retry = retryConfig{MaxRetries: maxRetries, BaseDelay: baseDelay, MaxDelay: maxDelay}
	return r
}

func (r *Router) WithCircuitBreaker(failureThreshold int, cooldown time.Duration) *Router {
	r.breakers = newBreakerRegistry(circuitBreakerConfig{FailureThreshold: failureThreshold, Cooldown: cooldown})
	return r
}

func (r *Router) WithAttemptTimeout(d time.Duration) *Router {
	r.attemptTTL = d
	return r
}

// Infer runs the non-streaming provider-fallback loop.
func (r *Router) Infer(ctx context.Context, model ModelConfig, req *providerapi.Request, opts InferOptions) (*Result, error) {
	composite := xerrors.NewComposite(xerrors.KindAllVariantsFailed)

	for _, pe := range model.Providers {
		secret, err := r.credentials.Resolve(pe.Name, opts.CredentialOverrides)
		if err != nil {
			r.logger.Warn("router: skipping provider, no credential", zap.String("provider", pe.Name), zap.Error(err))
			composite.Add("", pe.Name, err.Error())
			continue
		}

		fingerprint := cache.Fingerprint(cache.FingerprintInput{ModelName: model.Name, ProviderName: pe.Name, Request: req})

		if opts.Cache.Enabled {
			entry, found, err := r.cache.Lookup(ctx, fingerprint, opts.Cache.MaxAge)
			if err != nil {
				r.logger.Warn("router: cache lookup failed", zap.String("provider", pe.Name), zap.Error(err))
			} else if found {
				return &Result{
					Response: &providerapi.Response{
						Content:      entry.Content,
						Usage:        providerapi.Usage{}, // cache hits report zero usage (spec.md §8 S3)
						FinishReason: entry.FinishReason,
						RawRequest:   entry.RawRequest,
						RawResponse:  entry.RawResponse,
					},
					Cached:   true,
					Provider: pe.Name,
				}, nil
			}
		}

		receipts, allowed, err := r.consumeTickets(ctx, pe)
		if err != nil {
			r.logger.Warn("router: rate limiter unreachable", zap.String("provider", pe.Name), zap.Error(err))
			composite.Add("", pe.Name, err.Error())
			continue
		}
		if !allowed {
			composite.Add("", pe.Name, "rate limit exceeded")
			continue
		}

		breaker := r.breakers.get(pe.Name)
		if !breaker.allow() {
			r.returnTickets(pe, receipts)
			composite.Add("", pe.Name, errCircuitOpen.Error())
			continue
		}

		var resp *providerapi.Response
		callErr := withRetry(ctx, r.retry, func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, r.timeoutFor(pe))
			defer cancel()
			var innerErr error
			resp, innerErr = pe.Provider.Infer(attemptCtx, req, secret.Reveal())
			return innerErr
		})

		if callErr != nil {
			if isTrippable(callErr) {
				breaker.recordFailure()
			}
			r.markExhaustedIfRateLimited(pe.Name, secret, callErr)
			r.returnTickets(pe, receipts)
			composite.Add("", pe.Name, callErr.Error())
			continue
		}
		breaker.recordSuccess()

		if opts.Cache.Enabled {
			go r.insertCache(fingerprint, resp, opts.Cache.TTL)
		}
		return &Result{Response: resp, Cached: false, Provider: pe.Name}, nil
	}

	if composite.Empty() {
		return nil, xerrors.New(xerrors.KindAllVariantsFailed, "model has no configured providers")
	}
	return nil, composite.AsError()
}

// InferStream runs the streaming provider-fallback loop. On a cache hit
// the stored chunk sequence is replayed through the same first-chunk/
// channel contract a live adapter call would produce, so callers cannot
// tell the two apart.
func (r *Router) InferStream(ctx context.Context, model ModelConfig, req *providerapi.Request, opts InferOptions) (*StreamResult, error) {
	composite := xerrors.NewComposite(xerrors.KindAllVariantsFailed)

	for _, pe := range model.Providers {
		secret, err := r.credentials.Resolve(pe.Name, opts.CredentialOverrides)
		if err != nil {
			r.logger.Warn("router: skipping provider, no credential", zap.String("provider", pe.Name), zap.Error(err))
			composite.Add("", pe.Name, err.Error())
			continue
		}

		fingerprint := cache.Fingerprint(cache.FingerprintInput{ModelName: model.Name, ProviderName: pe.Name, Request: req})

		if opts.Cache.Enabled {
			chunks, _, found, err := r.cache.LookupStream(ctx, fingerprint, opts.Cache.MaxAge)
			if err != nil {
				r.logger.Warn("router: stream cache lookup failed", zap.String("provider", pe.Name), zap.Error(err))
			} else if found {
				first, events := replayCachedStream(chunks)
				return &StreamResult{FirstChunk: first, Events: events, Cached: true, Provider: pe.Name}, nil
			}
		}

		receipts, allowed, err := r.consumeTickets(ctx, pe)
		if err != nil {
			r.logger.Warn("router: rate limiter unreachable", zap.String("provider", pe.Name), zap.Error(err))
			composite.Add("", pe.Name, err.Error())
			continue
		}
		if !allowed {
			composite.Add("", pe.Name, "rate limit exceeded")
			continue
		}

		breaker := r.breakers.get(pe.Name)
		if !breaker.allow() {
			r.returnTickets(pe, receipts)
			composite.Add("", pe.Name, errCircuitOpen.Error())
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.timeoutFor(pe))
		first, events, rawRequest, err := pe.Provider.InferStream(attemptCtx, req, secret.Reveal())
		if err != nil {
			cancel()
			if isTrippable(err) {
				breaker.recordFailure()
			}
			r.markExhaustedIfRateLimited(pe.Name, secret, err)
			r.returnTickets(pe, receipts)
			composite.Add("", pe.Name, err.Error())
			continue
		}
		breaker.recordSuccess()

		if opts.Cache.Enabled {
			out := r.teeForCache(fingerprint, first, events, rawRequest, opts.Cache.TTL, cancel)
			return &StreamResult{FirstChunk: first, Events: out, Cached: false, Provider: pe.Name}, nil
		}
		return &StreamResult{FirstChunk: first, Events: releaseOnDrain(events, cancel), Cached: false, Provider: pe.Name}, nil
	}

	if composite.Empty() {
		return nil, xerrors.New(xerrors.KindAllVariantsFailed, "model has no configured providers")
	}
	return nil, composite.AsError()
}

func (r *Router) timeoutFor(pe ProviderEntry) time.Duration {
	if pe.Timeout > 0 {
		return pe.Timeout
	}
	return r.attemptTTL
}

func (r *Router) consumeTickets(ctx context.Context, pe ProviderEntry) ([]ratelimit.ConsumeReceipt, bool, error) {
	if len(pe.RateLimitKeys) == 0 {
		return nil, true, nil
	}
	reqs := make([]ratelimit.ConsumeRequest, len(pe.RateLimitKeys))
	for i, k := range pe.RateLimitKeys {
		reqs[i] = ratelimit.ConsumeRequest{
			Key: k.Key, Requested: k.Requested, Capacity: k.Capacity,
			RefillAmount: k.RefillAmount, RefillInterval: k.RefillInterval,
		}
	}
	receipts, err := r.limiter.Consume(ctx, reqs)
	if err != nil {
		return nil, false, err
	}
	for _, rcpt := range receipts {
		if !rcpt.Success {
			return receipts, false, nil
		}
	}
	return receipts, true, nil
}

// returnTickets credits back tickets that consumeTickets actually
// consumed (only ever called when consumeTickets reported allowed=true).
// Uses a background context: cancellation of the caller's request must
// not prevent already-consumed tickets from being returned.
func (r *Router) returnTickets(pe ProviderEntry, receipts []ratelimit.ConsumeReceipt) {
	if len(receipts) == 0 {
		return
	}
	reqs := make([]ratelimit.ReturnRequest, len(pe.RateLimitKeys))
	for i, k := range pe.RateLimitKeys {
		reqs[i] = ratelimit.ReturnRequest{
			Key: k.Key, Returned: k.Requested, Capacity: k.Capacity,
			RefillAmount: k.RefillAmount, RefillInterval: k.RefillInterval,
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := r.limiter.Return(ctx, reqs); err != nil {
		r.logger.Warn("router: failed to return rate limit tickets", zap.String("provider", pe.Name), zap.Error(err))
	}
}

// keyPoolCooldown is how long a pooled credential is skipped after its
// provider reports a rate-limit error; providers that don't use
// credentials.SourceStaticPool simply ignore the call.
const keyPoolCooldown = 30 * time.Second

func (r *Router) markExhaustedIfRateLimited(provider string, secret credentials.Secret, err error) {
	if !xerrors.IsKind(err, xerrors.KindRateLimited) {
		return
	}
	r.credentials.MarkExhausted(provider, secret, time.Now().Add(keyPoolCooldown))
}

func (r *Router) insertCache(fingerprint string, resp *providerapi.Response, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	entry := cache.Entry{
		Content:      resp.Content,
		Usage:        resp.Usage,
		FinishReason: resp.FinishReason,
		RawRequest:   resp.RawRequest,
		RawResponse:  resp.RawResponse,
	}
	if err := r.cache.Insert(ctx, fingerprint, entry, ttl); err != nil {
		r.logger.Warn("router: cache insert failed", zap.Error(err))
	}
}

// teeForCache forwards every event to the caller unchanged while also
// accumulating chunks; it calls InsertStream only once the upstream
// channel closes cleanly (a Done event with no prior Err), per the hard
// invariant that a stream which errors mid-flight must never be cached
// even partially (spec.md §4.3, testable property 2).
func (r *Router) teeForCache(fingerprint string, first *providerapi.Chunk, events <-chan providerapi.StreamEvent, rawRequest []byte, ttl time.Duration, cancel context.CancelFunc) <-chan providerapi.StreamEvent {
	out := make(chan providerapi.StreamEvent, 8)
	go func() {
		defer close(out)
		defer cancel()

		var chunks []providerapi.Chunk
		var usage providerapi.Usage
		if first != nil {
			chunks = append(chunks, *first)
			if first.Usage != nil {
				usage = *first.Usage
			}
		}

		streamErr := false
		for ev := range events {
			if ev.Chunk != nil {
				chunks = append(chunks, *ev.Chunk)
				if ev.Chunk.Usage != nil {
					usage = *ev.Chunk.Usage
				}
			}
			if ev.Err != nil {
				streamErr = true
			}
			out <- ev
			if ev.Done || ev.Err != nil {
				break
			}
		}

		if streamErr {
			return
		}
		entry := cache.StreamEntry{Chunks: chunks, Usage: usage, RawRequest: rawRequest}
		ctx, cancelInsert := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelInsert()
		if err := r.cache.InsertStream(ctx, fingerprint, entry, ttl); err != nil {
			r.logger.Warn("router: stream cache insert failed", zap.Error(err))
		}
	}()
	return out
}

// releaseOnDrain forwards every event unchanged and calls cancel once the
// upstream channel closes, so the per-attempt timeout context set up in
// InferStream is always released even when caching is disabled.
func releaseOnDrain(events <-chan providerapi.StreamEvent, cancel context.CancelFunc) <-chan providerapi.StreamEvent {
	out := make(chan providerapi.StreamEvent, 8)
	go func() {
		defer close(out)
		defer cancel()
		for ev := range events {
			out <- ev
		}
	}()
	return out
}

// replayCachedStream reconstructs the first-chunk/channel contract from
// a stored chunk sequence.
func replayCachedStream(chunks []providerapi.Chunk) (*providerapi.Chunk, <-chan providerapi.StreamEvent) {
	if len(chunks) == 0 {
		out := make(chan providerapi.StreamEvent, 1)
		out <- providerapi.StreamEvent{Done: true}
		close(out)
		return nil, out
	}

	first := chunks[0]
	rest := chunks[1:]
	out := make(chan providerapi.StreamEvent, len(rest)+1)
	for i := range rest {
		c := rest[i]
		out <- providerapi.StreamEvent{Chunk: &c}
	}
	out <- providerapi.StreamEvent{Done: true}
	close(out)
	return &first, out
}

package router_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tensorzero/inference-gateway/internal/cache"
	"github.com/tensorzero/inference-gateway/internal/credentials"
	"github.com/tensorzero/inference-gateway/internal/providerapi"
	"github.com/tensorzero/inference-gateway/internal/ratelimit"
	"github.com/tensorzero/inference-gateway/internal/router"
	"github.com/tensorzero/inference-gateway/internal/xerrors"
)

// fakeProvider is a minimal providerapi.Provider stand-in for exercising
// the router's fallback loop without a real upstream.
type fakeProvider struct {
	providerapi.Unbatchable
	name      string
	calls     int
	inferFn   func(ctx context.Context, req *providerapi.Request, credential string) (*providerapi.Response, error)
	streamFn  func(ctx context.Context, req *providerapi.Request, credential string) (*providerapi.Chunk, <-chan providerapi.StreamEvent, []byte, error)
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Infer(ctx context.Context, req *providerapi.Request, credential string) (*providerapi.Response, error) {
	f.calls++
	return f.inferFn(ctx, req, credential)
}

func (f *fakeProvider) InferStream(ctx context.Context, req *providerapi.Request, credential string) (*providerapi.Chunk, <-chan providerapi.StreamEvent, []byte, error) {
	f.calls++
	return f.streamFn(ctx, req, credential)
}

func newTestRouter(t *testing.T, providers map[string]credentials.ProviderConfig) (*router.Router, *cache.Store, *ratelimit.Limiter) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	resolver := credentials.NewResolver(providers)
	cacheStore := cache.New(client)
	limiter := ratelimit.New(client)
	return router.New(resolver, cacheStore, limiter, zap.NewNop()), cacheStore, limiter
}

func sampleRequest() *providerapi.Request {
	return &providerapi.Request{
		Messages: []providerapi.Message{
			{Role: providerapi.RoleUser, Content: []providerapi.ContentBlock{{Type: providerapi.BlockText, Text: "hi"}}},
		},
	}
}

func staticCreds(names ...string) map[string]credentials.ProviderConfig {
	out := make(map[string]credentials.ProviderConfig, len(names))
	for _, n := range names {
		out[n] = credentials.ProviderConfig{Source: credentials.SourceStatic, Static: "test-key-" + n}
	}
	return out
}

func TestCacheHitZeroUsage(t *testing.T) {
	r, cacheStore, _ := newTestRouter(t, staticCreds("openai"))
	ctx := context.Background()
	req := sampleRequest()

	model := router.ModelConfig{
		Name: "gpt",
		Providers: []router.ProviderEntry{
			{Name: "openai", Provider: &fakeProvider{name: "openai", inferFn: func(context.Context, *providerapi.Request, string) (*providerapi.Response, error) {
				t.Fatal("provider should not be called on a cache hit")
				return nil, nil
			}}},
		},
	}

	fp := cache.Fingerprint(cache.FingerprintInput{ModelName: "gpt", ProviderName: "openai", Request: req})
	require.NoError(t, cacheStore.Insert(ctx, fp, cache.Entry{
		Content:      []providerapi.ContentBlock{{Type: providerapi.BlockText, Text: "cached reply"}},
		Usage:        providerapi.Usage{InputTokens: 12, OutputTokens: 34},
		FinishReason: providerapi.FinishStop,
	}, time.Hour))

	result, err := r.Infer(ctx, model, req, router.InferOptions{Cache: router.CacheOptions{Enabled: true, TTL: time.Hour}})
	require.NoError(t, err)
	assert.True(t, result.Cached)
	assert.Equal(t, providerapi.Usage{}, result.Response.Usage)
	assert.Equal(t, "cached reply", result.Response.Content[0].Text)
}

func TestFallsBackToNextProviderOnFailure(t *testing.T) {
	r, _, _ := newTestRouter(t, staticCreds("primary", "secondary"))
	ctx := context.Background()
	req := sampleRequest()

	model := router.ModelConfig{
		Name: "gpt",
		Providers: []router.ProviderEntry{
			{Name: "primary", Provider: &fakeProvider{name: "primary", inferFn: func(context.Context, *providerapi.Request, string) (*providerapi.Response, error) {
				return nil, xerrors.New(xerrors.KindInferenceServer, "upstream 503")
			}}},
			{Name: "secondary", Provider: &fakeProvider{name: "secondary", inferFn: func(context.Context, *providerapi.Request, string) (*providerapi.Response, error) {
				return &providerapi.Response{Content: []providerapi.ContentBlock{{Type: providerapi.BlockText, Text: "ok"}}}, nil
			}}},
		},
	}

	result, err := r.Infer(ctx, model, req, router.InferOptions{})
	require.NoError(t, err)
	assert.Equal(t, "secondary", result.Provider)
	assert.False(t, result.Cached)
}

func TestMissingCredentialSkipsProvider(t *testing.T) {
	r, _, _ := newTestRouter(t, staticCreds("secondary"))
	ctx := context.Background()
	req := sampleRequest()

	model := router.ModelConfig{
		Name: "gpt",
		Providers: []router.ProviderEntry{
			{Name: "primary", Provider: &fakeProvider{name: "primary", inferFn: func(context.Context, *providerapi.Request, string) (*providerapi.Response, error) {
				t.Fatal("provider with no configured credential must never be invoked")
				return nil, nil
			}}},
			{Name: "secondary", Provider: &fakeProvider{name: "secondary", inferFn: func(context.Context, *providerapi.Request, string) (*providerapi.Response, error) {
				return &providerapi.Response{}, nil
			}}},
		},
	}

	result, err := r.Infer(ctx, model, req, router.InferOptions{})
	require.NoError(t, err)
	assert.Equal(t, "secondary", result.Provider)
}

func TestAllProvidersFailReturnsComposite(t *testing.T) {
	r, _, _ := newTestRouter(t, staticCreds("a", "b"))
	ctx := context.Background()
	req := sampleRequest()

	model := router.ModelConfig{
		Name: "gpt",
		Providers: []router.ProviderEntry{
			{Name: "a", Provider: &fakeProvider{name: "a", inferFn: func(context.Context, *providerapi.Request, string) (*providerapi.Response, error) {
				return nil, xerrors.New(xerrors.KindInferenceClient, "bad request")
			}}},
			{Name: "b", Provider: &fakeProvider{name: "b", inferFn: func(context.Context, *providerapi.Request, string) (*providerapi.Response, error) {
				return nil, xerrors.New(xerrors.KindInferenceClient, "also bad")
			}}},
		},
	}

	_, err := r.Infer(ctx, model, req, router.InferOptions{})
	require.Error(t, err)
	assert.True(t, xerrors.IsKind(err, xerrors.KindAllVariantsFailed))
	assert.Contains(t, err.Error(), "provider=a")
	assert.Contains(t, err.Error(), "provider=b")
}

func TestRateLimitDeniedSkipsProviderWithoutConsumingFromFallback(t *testing.T) {
	r, _, limiter := newTestRouter(t, staticCreds("a", "b"))
	ctx := context.Background()
	req := sampleRequest()

	// Exhaust the bucket for provider "a" ahead of time.
	_, err := limiter.Consume(ctx, []ratelimit.ConsumeRequest{
		{Key: "a-bucket", Requested: 10, Capacity: 10, RefillAmount: 1, RefillInterval: ratelimit.IntervalHour},
	})
	require.NoError(t, err)

	model := router.ModelConfig{
		Name: "gpt",
		Providers: []router.ProviderEntry{
			{
				Name:          "a",
				RateLimitKeys: []router.RateLimitKey{{Key: "a-bucket", Requested: 1, Capacity: 10, RefillAmount: 1, RefillInterval: ratelimit.IntervalHour}},
				Provider: &fakeProvider{name: "a", inferFn: func(context.Context, *providerapi.Request, string) (*providerapi.Response, error) {
					t.Fatal("rate-limited provider must not be called")
					return nil, nil
				}},
			},
			{Name: "b", Provider: &fakeProvider{name: "b", inferFn: func(context.Context, *providerapi.Request, string) (*providerapi.Response, error) {
				return &providerapi.Response{}, nil
			}}},
		},
	}

	result, err := r.Infer(ctx, model, req, router.InferOptions{})
	require.NoError(t, err)
	assert.Equal(t, "b", result.Provider)
}

func TestStreamingCacheInsertOnCleanCompletion(t *testing.T) {
	r, cacheStore, _ := newTestRouter(t, staticCreds("openai"))
	ctx := context.Background()
	req := sampleRequest()

	events := make(chan providerapi.StreamEvent, 2)
	final := providerapi.FinishStop
	events <- providerapi.StreamEvent{Chunk: &providerapi.Chunk{Content: []providerapi.ChunkContentDelta{{Index: 0, Block: providerapi.ContentBlock{Type: providerapi.BlockText, Text: " world"}}}, FinishReason: &final}}
	events <- providerapi.StreamEvent{Done: true}
	close(events)

	first := &providerapi.Chunk{Content: []providerapi.ChunkContentDelta{{Index: 0, Block: providerapi.ContentBlock{Type: providerapi.BlockText, Text: "hello"}}}}

	model := router.ModelConfig{
		Name: "gpt",
		Providers: []router.ProviderEntry{
			{Name: "openai", Provider: &fakeProvider{name: "openai", streamFn: func(context.Context, *providerapi.Request, string) (*providerapi.Chunk, <-chan providerapi.StreamEvent, []byte, error) {
				return first, events, []byte(`{"stream":true}`), nil
			}}},
		},
	}

	result, err := r.InferStream(ctx, model, req, router.InferOptions{Cache: router.CacheOptions{Enabled: true, TTL: time.Hour}})
	require.NoError(t, err)

	var drained int
	for range result.Events {
		drained++
	}
	assert.Equal(t, 2, drained)

	// Give the tee goroutine's InsertStream call a moment to land before
	// asserting the cache now holds an entry.
	fp := cache.Fingerprint(cache.FingerprintInput{ModelName: "gpt", ProviderName: "openai", Request: req})
	require.Eventually(t, func() bool {
		_, found, err := cacheStore.LookupStream(ctx, fp, 0)
		return err == nil && found
	}, time.Second, 10*time.Millisecond)
}

func TestStreamingSkipsCacheOnMidStreamError(t *testing.T) {
	r, cacheStore, _ := newTestRouter(t, staticCreds("openai"))
	ctx := context.Background()
	req := sampleRequest()

	events := make(chan providerapi.StreamEvent, 1)
	events <- providerapi.StreamEvent{Err: xerrors.New(xerrors.KindInferenceServer, "connection reset")}
	close(events)

	first := &providerapi.Chunk{Content: []providerapi.ChunkContentDelta{{Index: 0, Block: providerapi.ContentBlock{Type: providerapi.BlockText, Text: "partial"}}}}

	model := router.ModelConfig{
		Name: "gpt",
		Providers: []router.ProviderEntry{
			{Name: "openai", Provider: &fakeProvider{name: "openai", streamFn: func(context.Context, *providerapi.Request, string) (*providerapi.Chunk, <-chan providerapi.StreamEvent, []byte, error) {
				return first, events, []byte(`{"stream":true}`), nil
			}}},
		},
	}

	result, err := r.InferStream(ctx, model, req, router.InferOptions{Cache: router.CacheOptions{Enabled: true, TTL: time.Hour}})
	require.NoError(t, err)

	for range result.Events {
	}

	fp := cache.Fingerprint(cache.FingerprintInput{ModelName: "gpt", ProviderName: "openai", Request: req})
	time.Sleep(50 * time.Millisecond)
	_, found, err := cacheStore.LookupStream(ctx, fp, 0)
	require.NoError(t, err)
	assert.False(t, found, "a stream that errors mid-flight must never be cached")
}

// Package cache implements the content-addressed response cache from
// spec.md §4.3: a Redis/Valkey-backed store keyed by a fingerprint of
// (model, provider, canonical request), holding both full responses and
// streamed chunk sequences. Grounded on the teacher's
// pkg/cache/redis_cache.go (Get/Set shape, TTL-bounded storage) and on
// original_source/tensorzero-internal/tests/e2e/cache.rs for the
// streaming insert-after-clean-EOF invariant.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tensorzero/inference-gateway/internal/providerapi"
	"github.com/tensorzero/inference-gateway/internal/xerrors"
)

// FingerprintInput is the exact set of fields that may influence a
// model's output, per spec.md §4.3 — no timestamps, ids, or tags.
type FingerprintInput struct {
	ModelName    string
	ProviderName string
	Request      *providerapi.Request
}

// canonicalRequest is the JSON-stable projection of a Request used for
// fingerprinting. Keys are emitted in a fixed field order by struct tag,
// but map-valued fields (OutputSchema, tool parameters) are re-marshalled
// through canonicalizeJSON to sort their keys, since Go's
// encoding/json does not sort map keys across nested structures
// consistently enough across versions to rely on for a stable hash.
type canonicalRequest struct {
	ModelName    string              `json:"model_name"`
	ProviderName string              `json:"provider_name"`
	System       string              `json:"system,omitempty"`
	Messages     []canonicalMessage  `json:"messages"`
	Temperature  *float64            `json:"temperature,omitempty"`
	TopP         *float64            `json:"top_p,omitempty"`
	Presence     *float64            `json:"presence_penalty,omitempty"`
	Frequency    *float64            `json:"frequency_penalty,omitempty"`
	MaxTokens    *int64              `json:"max_tokens,omitempty"`
	Seed         *int64              `json:"seed,omitempty"`
	JSONMode     providerapi.JSONMode `json:"json_mode,omitempty"`
	FunctionType providerapi.FunctionType `json:"function_type,omitempty"`
	OutputSchema map[string]any      `json:"output_schema,omitempty"`
	ToolConfig   *canonicalToolConfig `json:"tool_config,omitempty"`
}

type canonicalMessage struct {
	Role    providerapi.Role             `json:"role"`
	Content []providerapi.ContentBlock `json:"content"`
}

type canonicalToolConfig struct {
	Tools        []providerapi.ToolDeclaration `json:"tools"`
	Choice       providerapi.ToolChoice        `json:"choice"`
	SpecificTool string                        `json:"specific_tool,omitempty"`
}

// Fingerprint computes the deterministic cache key for a request.
// Timestamps, ids, and tags never enter this computation, so cache hits
// are stable across retries and across otherwise-identical requests
// issued at different times.
func Fingerprint(in FingerprintInput) string {
	cr := canonicalRequest{
		ModelName:    in.ModelName,
		ProviderName: in.ProviderName,
		System:       in.Request.System,
		Temperature:  in.Request.Temperature,
		TopP:         in.Request.TopP,
		Presence:     in.Request.PresencePenalty,
		Frequency:    in.Request.FrequencyPenalty,
		MaxTokens:    in.Request.MaxTokens,
		Seed:         in.Request.Seed,
		JSONMode:     in.Request.JSONMode,
		FunctionType: in.Request.FunctionType,
		OutputSchema: in.Request.OutputSchema,
	}
	for _, m := range in.Request.Messages {
		cr.Messages = append(cr.Messages, canonicalMessage{Role: m.Role, Content: m.Content})
	}
	if in.Request.ToolConfig != nil {
		cr.ToolConfig = &canonicalToolConfig{
			Tools:        in.Request.ToolConfig.Tools,
			Choice:       in.Request.ToolConfig.Choice,
			SpecificTool: in.Request.ToolConfig.SpecificTool,
		}
	}

	raw, err := json.Marshal(cr)
	if err != nil {
		// cr contains only JSON-marshalable fields; a failure here means a
		// caller smuggled an unmarshalable value into OutputSchema.
		raw = []byte(err.Error())
	}
	canonical := canonicalizeJSON(raw)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// canonicalizeJSON re-encodes raw JSON with object keys sorted at every
// level, so semantically identical requests built with different map
// iteration orders hash identically.
func canonicalizeJSON(raw []byte) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(sortedValue(v))
	if err != nil {
		return raw
	}
	return out
}

func sortedValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			out[k] = sortedValue(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortedValue(e)
		}
		return out
	default:
		return t
	}
}

// Entry is a stored non-streaming response.
type Entry struct {
	Content      []providerapi.ContentBlock
	Usage        providerapi.Usage
	FinishReason providerapi.FinishReason
	RawRequest   []byte
	RawResponse  []byte
	StoredAt     time.Time
}

// StreamEntry is a stored streaming response: the ordered chunk list plus
// the fields needed to reconstruct a Response-shaped summary.
type StreamEntry struct {
	Chunks      []providerapi.Chunk
	Usage       providerapi.Usage
	RawRequest  []byte
	StoredAt    time.Time
}

type storedEntry struct {
	Content      []providerapi.ContentBlock `json:"content"`
	Usage        providerapi.Usage          `json:"usage"`
	FinishReason providerapi.FinishReason   `json:"finish_reason"`
	RawRequest   []byte                     `json:"raw_request"`
	RawResponse  []byte                     `json:"raw_response"`
	StoredAt     time.Time                  `json:"stored_at"`
}

type storedStreamEntry struct {
	Chunks     []providerapi.Chunk `json:"chunks"`
	Usage      providerapi.Usage  `json:"usage"`
	RawRequest []byte             `json:"raw_request"`
	StoredAt   time.Time          `json:"stored_at"`
}

// ErrNotFound is returned by nothing directly — lookups report a miss via
// the boolean "found" return instead — but is exposed for callers that
// want a sentinel for logging.
var ErrNotFound = errors.New("cache: no entry")

const (
	keyPrefixResponse = "tz:cache:resp:"
	keyPrefixStream   = "tz:cache:stream:"
)

// Store is the content-addressed cache from spec.md §4.3, backed by a
// Redis/Valkey client. Entries never mutate once written; the TTL passed
// to Insert bounds how long the store retains the value, while the
// max_age passed to Lookup bounds how stale a hit may be.
type Store struct {
	client redis.UniversalClient
	now    func() time.Time
}

func New(client redis.UniversalClient) *Store {
	return &Store{client: client, now: time.Now}
}

// WithClock overrides the wall clock, used by tests to control Lookup's
// max-age comparison without sleeping.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Lookup returns the most recent entry for fingerprint whose age is at
// most maxAge, or found=false on a miss or stale entry. It never returns
// partial data: an entry is only ever written whole.
func (s *Store) Lookup(ctx context.Context, fingerprint string, maxAge time.Duration) (entry Entry, found bool, err error) {
	val, err := s.client.Get(ctx, keyPrefixResponse+fingerprint).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, xerrors.Wrap(xerrors.KindInternal, err, "cache lookup failed")
	}

	var stored storedEntry
	if err := json.Unmarshal([]byte(val), &stored); err != nil {
		return Entry{}, false, xerrors.Wrap(xerrors.KindInternal, err, "cache entry corrupt")
	}
	if maxAge > 0 && s.now().Sub(stored.StoredAt) > maxAge {
		return Entry{}, false, nil
	}

	return Entry{
		Content:      stored.Content,
		Usage:        stored.Usage,
		FinishReason: stored.FinishReason,
		RawRequest:   stored.RawRequest,
		RawResponse:  stored.RawResponse,
		StoredAt:     stored.StoredAt,
	}, true, nil
}

// Insert writes a non-streaming entry. Failures are returned to the
// caller, who per spec.md §4.3 is expected to log-and-ignore them since
// inserts are fire-and-forget from the router's perspective.
func (s *Store) Insert(ctx context.Context, fingerprint string, entry Entry, ttl time.Duration) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = s.now()
	}
	stored := storedEntry{
		Content:      entry.Content,
		Usage:        entry.Usage,
		FinishReason: entry.FinishReason,
		RawRequest:   entry.RawRequest,
		RawResponse:  entry.RawResponse,
		StoredAt:     entry.StoredAt,
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, err, "cache entry marshal failed")
	}
	if err := s.client.Set(ctx, keyPrefixResponse+fingerprint, raw, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, err, "cache insert failed")
	}
	return nil
}

// LookupStream returns the stored chunk sequence for fingerprint, with
// each chunk's timestamp rewritten to "now" (content/usage/finish_reason
// preserved) and latency implicitly zero since these chunks are replayed
// rather than fetched upstream.
func (s *Store) LookupStream(ctx context.Context, fingerprint string, maxAge time.Duration) (chunks []providerapi.Chunk, usage providerapi.Usage, found bool, err error) {
	val, err := s.client.Get(ctx, keyPrefixStream+fingerprint).Result()
	if errors.Is(err, redis.Nil) {
		return nil, providerapi.Usage{}, false, nil
	}
	if err != nil {
		return nil, providerapi.Usage{}, false, xerrors.Wrap(xerrors.KindInternal, err, "stream cache lookup failed")
	}

	var stored storedStreamEntry
	if err := json.Unmarshal([]byte(val), &stored); err != nil {
		return nil, providerapi.Usage{}, false, xerrors.Wrap(xerrors.KindInternal, err, "stream cache entry corrupt")
	}
	if maxAge > 0 && s.now().Sub(stored.StoredAt) > maxAge {
		return nil, providerapi.Usage{}, false, nil
	}

	now := s.now()
	out := make([]providerapi.Chunk, len(stored.Chunks))
	for i, c := range stored.Chunks {
		c.Timestamp = now
		out[i] = c
	}
	return out, stored.Usage, true, nil
}

// InsertStream writes a streaming entry. Callers MUST only call this
// after the source stream has terminated successfully — a stream that
// errored mid-flight must never reach this method, even partially. The
// router's tee enforces this by only calling InsertStream from the
// success path of its chunk-forwarding loop (see internal/router).
func (s *Store) InsertStream(ctx context.Context, fingerprint string, entry StreamEntry, ttl time.Duration) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = s.now()
	}
	stored := storedStreamEntry{
		Chunks:     entry.Chunks,
		Usage:      entry.Usage,
		RawRequest: entry.RawRequest,
		StoredAt:   entry.StoredAt,
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, err, "stream cache entry marshal failed")
	}
	if err := s.client.Set(ctx, keyPrefixStream+fingerprint, raw, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, err, "stream cache insert failed")
	}
	return nil
}

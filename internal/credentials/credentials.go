// Package credentials resolves per-provider secrets from static config,
// environment, file, or per-request override (spec.md §4.1), generalised
// from the teacher's OPENAI_API_KEYS/GEMINI_API_KEYS env splitting in
// cmd/proxy/main.go into a four-source resolver with process-lifetime
// caching.
package credentials

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tensorzero/inference-gateway/internal/xerrors"
)

// Secret wraps credential material so it can never be accidentally
// logged or serialised — String and MarshalJSON always redact.
type Secret struct {
	value string
}

func NewSecret(value string) Secret { return Secret{value: value} }

// Reveal returns the raw credential. Call this only at the point of use
// (building an Authorization header, an SDK client option) — never pass
// the result anywhere it might be logged.
func (s Secret) Reveal() string { return s.value }

func (s Secret) String() string { return "[REDACTED]" }

func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"[REDACTED]"`), nil }

func (s Secret) IsZero() bool { return s.value == "" }

// SourceKind describes where a provider's static credential comes from.
type SourceKind int

const (
	SourceEnv SourceKind = iota
	SourceFile
	SourceStatic
	// SourceStaticPool round-robins across StaticPool, skipping any key
	// the router has reported as rate-limited until its cooldown passes.
	SourceStaticPool
)

// ProviderConfig is the per-provider credential configuration declared by
// the Config Loader.
type ProviderConfig struct {
	// Source selects which of Env/Path/Static/StaticPool is consulted.
	Source SourceKind
	// Env is the environment variable name, used when Source == SourceEnv.
	Env string
	// Path is the file path, used when Source == SourceFile.
	Path string
	// Static is the literal secret value, used when Source == SourceStatic.
	Static string
	// StaticPool is a list of literal secret values rotated round-robin,
	// used when Source == SourceStaticPool (e.g. several API keys bought
	// for the same provider to multiply the effective rate limit).
	StaticPool []string
}

// Resolver resolves credentials for (provider, request) pairs per
// spec.md §4.1's priority order: per-request override, static config,
// environment, file. Resolved values are cached for the process
// lifetime since env/file lookups are assumed expensive enough to matter
// under load; a changed credential requires a restart.
type Resolver struct {
	mu        sync.RWMutex
	providers map[string]ProviderConfig
	cache     map[string]Secret
	pools     map[string]*keyPool
}

func NewResolver(providers map[string]ProviderConfig) *Resolver {
	return &Resolver{
		providers: providers,
		cache:     make(map[string]Secret),
		pools:     make(map[string]*keyPool),
	}
}

// Resolve returns the credential for provider, consulting overrides
// first. overrides maps a named secret (as supplied by the caller) to
// its value; a nil or empty map simply skips that source.
func (r *Resolver) Resolve(provider string, overrides map[string]string) (Secret, error) {
	if v, ok := overrides[provider]; ok && v != "" {
		return NewSecret(v), nil
	}

	r.mu.RLock()
	cfg, known := r.providers[provider]
	r.mu.RUnlock()
	if known && cfg.Source == SourceStaticPool {
		// Pooled keys rotate on every call; never cached, since caching
		// would pin every request to whichever key happened to resolve
		// first and defeat the rotation entirely.
		key, err := r.pool(provider, cfg).next(provider)
		if err != nil {
			return Secret{}, err
		}
		return NewSecret(key), nil
	}

	r.mu.RLock()
	if cached, ok := r.cache[provider]; ok {
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	cfg, ok := r.providers[provider]
	if !ok {
		return Secret{}, xerrors.New(xerrors.KindUnauthorized,
			fmt.Sprintf("no credential source configured for provider %q", provider))
	}

	secret, err := r.resolveFromSource(provider, cfg)
	if err != nil {
		return Secret{}, err
	}

	r.mu.Lock()
	r.cache[provider] = secret
	r.mu.Unlock()

	return secret, nil
}

func (r *Resolver) resolveFromSource(provider string, cfg ProviderConfig) (Secret, error) {
	switch cfg.Source {
	case SourceStatic:
		if cfg.Static == "" {
			return Secret{}, missingCredential(provider, "static config value is empty")
		}
		return NewSecret(cfg.Static), nil
	case SourceEnv:
		v, ok := os.LookupEnv(cfg.Env)
		if !ok || v == "" {
			return Secret{}, missingCredential(provider, fmt.Sprintf("environment variable %q is unset", cfg.Env))
		}
		return NewSecret(v), nil
	case SourceFile:
		data, err := os.ReadFile(cfg.Path)
		if err != nil {
			// Never include the underlying OS error verbatim — on some
			// platforms it can echo back path contents or permission
			// details that are unhelpfully specific; the kind and
			// provider name are enough to diagnose.
			return Secret{}, missingCredential(provider, "credential file could not be read")
		}
		v := strings.TrimSpace(string(data))
		if v == "" {
			return Secret{}, missingCredential(provider, "credential file is empty")
		}
		return NewSecret(v), nil
	default:
		return Secret{}, missingCredential(provider, "no credential source configured")
	}
}

func missingCredential(provider, reason string) error {
	return xerrors.New(xerrors.KindUnauthorized, fmt.Sprintf("missing credential for provider %q: %s", provider, reason))
}

// pool returns (creating if necessary) the keyPool backing a
// SourceStaticPool provider.
func (r *Resolver) pool(provider string, cfg ProviderConfig) *keyPool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kp, ok := r.pools[provider]; ok {
		return kp
	}
	kp := newKeyPool(cfg.StaticPool)
	r.pools[provider] = kp
	return kp
}

// MarkExhausted records that key is rate-limited until resetAt for a
// SourceStaticPool provider, so the next Resolve call skips it until
// the cooldown passes. Callers (the router, on a KindRateLimited
// response) pass the exact key that was just used, recovered from the
// Secret they resolved.
func (r *Resolver) MarkExhausted(provider string, key Secret, resetAt time.Time) {
	r.mu.RLock()
	kp, ok := r.pools[provider]
	r.mu.RUnlock()
	if !ok {
		return
	}
	kp.markExhausted(key.Reveal(), resetAt)
}

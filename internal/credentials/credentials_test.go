package credentials_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorzero/inference-gateway/internal/credentials"
	"github.com/tensorzero/inference-gateway/internal/xerrors"
)

func TestOverrideWinsOverEverything(t *testing.T) {
	r := credentials.NewResolver(map[string]credentials.ProviderConfig{
		"openai": {Source: credentials.SourceStatic, Static: "static-key"},
	})
	secret, err := r.Resolve("openai", map[string]string{"openai": "override-key"})
	require.NoError(t, err)
	assert.Equal(t, "override-key", secret.Reveal())
}

func TestStaticSource(t *testing.T) {
	r := credentials.NewResolver(map[string]credentials.ProviderConfig{
		"openai": {Source: credentials.SourceStatic, Static: "static-key"},
	})
	secret, err := r.Resolve("openai", nil)
	require.NoError(t, err)
	assert.Equal(t, "static-key", secret.Reveal())
}

func TestEnvSource(t *testing.T) {
	t.Setenv("TEST_PROVIDER_KEY", "env-key")
	r := credentials.NewResolver(map[string]credentials.ProviderConfig{
		"openai": {Source: credentials.SourceEnv, Env: "TEST_PROVIDER_KEY"},
	})
	secret, err := r.Resolve("openai", nil)
	require.NoError(t, err)
	assert.Equal(t, "env-key", secret.Reveal())
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key.txt")
	require.NoError(t, os.WriteFile(path, []byte("file-key\n"), 0o600))

	r := credentials.NewResolver(map[string]credentials.ProviderConfig{
		"openai": {Source: credentials.SourceFile, Path: path},
	})
	secret, err := r.Resolve("openai", nil)
	require.NoError(t, err)
	assert.Equal(t, "file-key", secret.Reveal())
}

func TestMissingCredentialIsUnauthorizedKind(t *testing.T) {
	r := credentials.NewResolver(map[string]credentials.ProviderConfig{
		"openai": {Source: credentials.SourceEnv, Env: "DOES_NOT_EXIST_EVER"},
	})
	_, err := r.Resolve("openai", nil)
	require.Error(t, err)
	assert.True(t, xerrors.IsKind(err, xerrors.KindUnauthorized))
}

func TestUnknownProviderIsUnauthorizedKind(t *testing.T) {
	r := credentials.NewResolver(nil)
	_, err := r.Resolve("unknown", nil)
	require.Error(t, err)
	assert.True(t, xerrors.IsKind(err, xerrors.KindUnauthorized))
}

func TestSecretNeverSerialisesRawValue(t *testing.T) {
	s := credentials.NewSecret("super-secret")
	assert.Equal(t, "[REDACTED]", s.String())
	data, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(data))
}

func TestStaticPoolRotatesRoundRobin(t *testing.T) {
	r := credentials.NewResolver(map[string]credentials.ProviderConfig{
		"openai": {Source: credentials.SourceStaticPool, StaticPool: []string{"key-a", "key-b", "key-c"}},
	})

	var seen []string
	for i := 0; i < 6; i++ {
		secret, err := r.Resolve("openai", nil)
		require.NoError(t, err)
		seen = append(seen, secret.Reveal())
	}
	assert.Equal(t, []string{"key-a", "key-b", "key-c", "key-a", "key-b", "key-c"}, seen)
}

func TestStaticPoolSkipsExhaustedKey(t *testing.T) {
	r := credentials.NewResolver(map[string]credentials.ProviderConfig{
		"openai": {Source: credentials.SourceStaticPool, StaticPool: []string{"key-a", "key-b"}},
	})

	first, err := r.Resolve("openai", nil)
	require.NoError(t, err)
	assert.Equal(t, "key-a", first.Reveal())

	r.MarkExhausted("openai", first, time.Now().Add(time.Hour))

	for i := 0; i < 3; i++ {
		secret, err := r.Resolve("openai", nil)
		require.NoError(t, err)
		assert.Equal(t, "key-b", secret.Reveal(), "exhausted key must be skipped until its cooldown passes")
	}
}

func TestStaticPoolAllExhaustedIsRateLimitedKind(t *testing.T) {
	r := credentials.NewResolver(map[string]credentials.ProviderConfig{
		"openai": {Source: credentials.SourceStaticPool, StaticPool: []string{"key-a"}},
	})

	first, err := r.Resolve("openai", nil)
	require.NoError(t, err)
	r.MarkExhausted("openai", first, time.Now().Add(time.Hour))

	_, err = r.Resolve("openai", nil)
	require.Error(t, err)
	assert.True(t, xerrors.IsKind(err, xerrors.KindRateLimited))
}

func TestResolveIsCachedForProcessLifetime(t *testing.T) {
	t.Setenv("TEST_PROVIDER_KEY_2", "first-value")
	r := credentials.NewResolver(map[string]credentials.ProviderConfig{
		"openai": {Source: credentials.SourceEnv, Env: "TEST_PROVIDER_KEY_2"},
	})
	first, err := r.Resolve("openai", nil)
	require.NoError(t, err)

	// Changing the env var after the first resolution must not affect
	// the cached value — env/file lookups are cached for the process
	// lifetime per spec.md §4.1.
	t.Setenv("TEST_PROVIDER_KEY_2", "second-value")
	second, err := r.Resolve("openai", nil)
	require.NoError(t, err)

	assert.Equal(t, first.Reveal(), second.Reveal())
	assert.Equal(t, "first-value", second.Reveal())
}

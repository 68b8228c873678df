package variant_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorzero/inference-gateway/internal/variant"
	"github.com/tensorzero/inference-gateway/internal/xerrors"
)

func basicFunction() variant.FunctionVariants {
	return variant.FunctionVariants{
		FunctionName: "basic_test",
		Variants: []variant.Variant{
			{Name: "gpt4", Weight: 0.7},
			{Name: "claude", Weight: 0.3},
			{Name: "experimental", Weight: 0},
		},
	}
}

func TestUnknownPinRejected(t *testing.T) {
	s := variant.New()
	_, err := s.Select(basicFunction(), variant.SelectParams{PinnedVariant: "does-not-exist"})
	require.Error(t, err)
	assert.True(t, xerrors.IsKind(err, xerrors.KindInvalidRequest))
}

func TestZeroWeightPinRejectedWithoutInternal(t *testing.T) {
	s := variant.New()
	_, err := s.Select(basicFunction(), variant.SelectParams{PinnedVariant: "experimental"})
	require.Error(t, err)
	assert.True(t, xerrors.IsKind(err, xerrors.KindInvalidRequest))
}

func TestZeroWeightPinAllowedWithInternal(t *testing.T) {
	s := variant.New()
	name, err := s.Select(basicFunction(), variant.SelectParams{PinnedVariant: "experimental", Internal: true})
	require.NoError(t, err)
	assert.Equal(t, "experimental", name)
}

func TestValidPinIsHonoured(t *testing.T) {
	s := variant.New()
	name, err := s.Select(basicFunction(), variant.SelectParams{PinnedVariant: "claude"})
	require.NoError(t, err)
	assert.Equal(t, "claude", name)
}

func TestEpisodeSelectionIsStableAcrossCalls(t *testing.T) {
	s := variant.New()
	fv := basicFunction()

	first, err := s.Select(fv, variant.SelectParams{FunctionName: fv.FunctionName, EpisodeID: "ep-1"})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := s.Select(fv, variant.SelectParams{FunctionName: fv.FunctionName, EpisodeID: "ep-1"})
		require.NoError(t, err)
		assert.Equal(t, first, again, "same episode must keep sampling the same variant")
	}
}

func TestDifferentEpisodesCanDiffer(t *testing.T) {
	fv := variant.FunctionVariants{
		FunctionName: "f",
		Variants: []variant.Variant{
			{Name: "a", Weight: 0.5},
			{Name: "b", Weight: 0.5},
		},
	}

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		s := variant.New()
		name, err := s.Select(fv, variant.SelectParams{FunctionName: fv.FunctionName, EpisodeID: fmt.Sprintf("episode-%d", i)})
		require.NoError(t, err)
		seen[name] = true
	}
	assert.Len(t, seen, 2, "across many distinct episodes both variants should eventually be chosen")
}

func TestEpisodePinHonouredAfterCallerPin(t *testing.T) {
	s := variant.New()
	fv := basicFunction()

	// An explicit caller pin does not itself record episode stickiness
	// (that is reserved for workflow-evaluation pins via PinEpisode);
	// a later unpinned call in the same episode may sample freely.
	_, err := s.Select(fv, variant.SelectParams{FunctionName: fv.FunctionName, EpisodeID: "ep-2", PinnedVariant: "claude"})
	require.NoError(t, err)

	s.PinEpisode("ep-2", fv.FunctionName, "gpt4")
	name, err := s.Select(fv, variant.SelectParams{FunctionName: fv.FunctionName, EpisodeID: "ep-2"})
	require.NoError(t, err)
	assert.Equal(t, "gpt4", name)
}

func TestNoVariantsWithPositiveWeightErrors(t *testing.T) {
	s := variant.New()
	fv := variant.FunctionVariants{
		FunctionName: "f",
		Variants:     []variant.Variant{{Name: "only", Weight: 0}},
	}
	_, err := s.Select(fv, variant.SelectParams{FunctionName: fv.FunctionName})
	require.Error(t, err)
	assert.True(t, xerrors.IsKind(err, xerrors.KindInvalidRequest))
}

func TestFallbackOrderDisabledByDefault(t *testing.T) {
	s := variant.New()
	fv := basicFunction()
	assert.Nil(t, s.FallbackOrder(fv, "gpt4"))
}

func TestFallbackOrderDescendingWeightExcludingAlreadyTried(t *testing.T) {
	s := variant.New()
	fv := basicFunction()
	fv.CrossVariantFallback = true

	order := s.FallbackOrder(fv, "gpt4")
	require.Equal(t, []string{"claude"}, order, "experimental is zero-weight and must be excluded")
}

// Package variant implements the Variant Selector (spec.md §4.6): given a
// function's weighted variant list, resolve which variant answers one
// inference — honouring an explicit caller pin, falling back to an
// episode-sticky pin recorded by a prior evaluation run, and otherwise
// sampling proportional to weight with a seed stable for the whole
// episode so repeated inferences in one episode agree absent external
// pinning.
//
// New relative to the teacher, which has no multi-variant concept (its
// provider map is flat); built directly from spec.md §4.6 plus
// original_source/tensorzero-internal's variant-sampling tests for the
// "no reshuffle on failure unless cross_variant_fallback" rule.
package variant

import (
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"

	"github.com/tensorzero/inference-gateway/internal/xerrors"
)

// Variant is one weighted implementation of a function.
type Variant struct {
	Name   string
	Weight float64
}

// FunctionVariants is one function's full variant configuration.
type FunctionVariants struct {
	FunctionName string
	Variants     []Variant
	// CrossVariantFallback enables FallbackOrder to return the remaining
	// variants in descending weight order when the chosen variant's
	// model exhausts all providers. Off by default, preserving the
	// statistical properties of an A/B test (spec.md §4.6).
	CrossVariantFallback bool
}

// SelectParams are the per-call inputs to Select.
type SelectParams struct {
	FunctionName  string
	EpisodeID     string
	PinnedVariant string // caller-supplied override; empty means "none"
	// Internal allows pinning a variant whose configured weight is zero,
	// e.g. for evaluation harnesses exercising a variant outside its
	// normal traffic share.
	Internal bool
}

// EpisodePins records, per (episode, function), the variant a prior
// workflow-evaluation run already selected, so later inferences in the
// same episode stay on that variant (spec.md §4.6 step 2). The default
// Selector uses an in-memory implementation; callers needing
// cross-process stickiness can supply their own.
type EpisodePins interface {
	Lookup(episodeID, functionName string) (variantName string, ok bool)
	Pin(episodeID, functionName, variantName string)
}

// memoryPins is a process-local EpisodePins backed by a mutex-guarded map.
type memoryPins struct {
	mu   sync.Mutex
	pins map[string]string
}

func newMemoryPins() *memoryPins {
	return &memoryPins{pins: make(map[string]string)}
}

func pinKey(episodeID, functionName string) string { return episodeID + "\x00" + functionName }

func (m *memoryPins) Lookup(episodeID, functionName string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.pins[pinKey(episodeID, functionName)]
	return v, ok
}

func (m *memoryPins) Pin(episodeID, functionName, variantName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pins[pinKey(episodeID, functionName)] = variantName
}

// Selector resolves which variant answers one inference call.
type Selector struct {
	pins EpisodePins
}

func New() *Selector {
	return &Selector{pins: newMemoryPins()}
}

// WithEpisodePins swaps in a caller-supplied EpisodePins store, e.g. one
// backed by the analytics store so stickiness survives a restart.
func (s *Selector) WithEpisodePins(pins EpisodePins) *Selector {
	s.pins = pins
	return s
}

// PinEpisode records that episodeID has already settled on variantName
// for functionName, per an external workflow-evaluation decision —
// subsequent Select calls for the same (episode, function) pair will
// honour it instead of resampling.
func (s *Selector) PinEpisode(episodeID, functionName, variantName string) {
	if episodeID == "" {
		return
	}
	s.pins.Pin(episodeID, functionName, variantName)
}

// Select resolves the variant name for one inference call.
func (s *Selector) Select(fv FunctionVariants, params SelectParams) (string, error) {
	if params.PinnedVariant != "" {
		v, ok := findVariant(fv.Variants, params.PinnedVariant)
		if !ok {
			return "", xerrors.New(xerrors.KindInvalidRequest,
				"unknown variant \""+params.PinnedVariant+"\" pinned for function \""+fv.FunctionName+"\"")
		}
		if v.Weight <= 0 && !params.Internal {
			return "", xerrors.New(xerrors.KindInvalidRequest,
				"variant \""+params.PinnedVariant+"\" has zero weight and cannot be pinned without internal=true")
		}
		return v.Name, nil
	}

	if params.EpisodeID != "" {
		if name, ok := s.pins.Lookup(params.EpisodeID, fv.FunctionName); ok {
			if _, stillExists := findVariant(fv.Variants, name); stillExists {
				return name, nil
			}
			// The pinned variant was removed from config since the
			// episode started; fall through to a fresh weighted sample
			// rather than erroring the whole episode out.
		}
	}

	eligible := make([]Variant, 0, len(fv.Variants))
	var total float64
	for _, v := range fv.Variants {
		if v.Weight > 0 {
			eligible = append(eligible, v)
			total += v.Weight
		}
	}
	if len(eligible) == 0 {
		return "", xerrors.New(xerrors.KindInvalidRequest,
			"function \""+fv.FunctionName+"\" has no variants with positive weight")
	}

	rng := rand.New(rand.NewSource(episodeSeed(params.EpisodeID, fv.FunctionName)))
	pick := rng.Float64() * total
	var cursor float64
	chosen := eligible[len(eligible)-1].Name
	for _, v := range eligible {
		cursor += v.Weight
		if pick < cursor {
			chosen = v.Name
			break
		}
	}

	if params.EpisodeID != "" {
		s.pins.Pin(params.EpisodeID, fv.FunctionName, chosen)
	}
	return chosen, nil
}

// FallbackOrder returns the remaining variants in descending weight
// order, excluding already and any zero-weight variants, for use when
// the chosen variant's model exhausts all providers. Returns nil unless
// fv.CrossVariantFallback is set (spec.md §4.6).
func (s *Selector) FallbackOrder(fv FunctionVariants, already string) []string {
	if !fv.CrossVariantFallback {
		return nil
	}
	remaining := make([]Variant, 0, len(fv.Variants))
	for _, v := range fv.Variants {
		if v.Name == already || v.Weight <= 0 {
			continue
		}
		remaining = append(remaining, v)
	}
	sort.SliceStable(remaining, func(i, j int) bool { return remaining[i].Weight > remaining[j].Weight })

	names := make([]string, len(remaining))
	for i, v := range remaining {
		names[i] = v.Name
	}
	return names
}

func findVariant(variants []Variant, name string) (Variant, bool) {
	for _, v := range variants {
		if v.Name == name {
			return v, true
		}
	}
	return Variant{}, false
}

// episodeSeed derives a deterministic seed from (episodeID, functionName)
// so two inferences within the same episode agree on their weighted
// sample. An empty episodeID (no grouping requested) gets a fresh seed
// per call via the process-global rand source, since there is no
// episode to keep stable across.
func episodeSeed(episodeID, functionName string) int64 {
	if episodeID == "" {
		return rand.Int63()
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(episodeID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(functionName))
	return int64(h.Sum64())
}

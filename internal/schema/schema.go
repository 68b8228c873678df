// Package schema validates rendered function input/output against the
// JSON schemas a function optionally declares (spec.md §4.7 step 2).
// Grounded on github.com/google/jsonschema-go, already present in the
// retrieval pack's dependency graph (MrWong99-glyphoxa/go.mod) — no
// pack repo implements JSON Schema validation by hand, so this follows
// the one library the corpus actually reaches for instead of
// hand-rolling a validator.
package schema

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/tensorzero/inference-gateway/internal/xerrors"
)

// Validator loads and caches compiled schemas by file path.
type Validator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Resolved
}

func New() *Validator {
	return &Validator{cache: make(map[string]*jsonschema.Resolved)}
}

func (v *Validator) resolved(path string) (*jsonschema.Resolved, error) {
	v.mu.RLock()
	if r, ok := v.cache[path]; ok {
		v.mu.RUnlock()
		return r, nil
	}
	v.mu.RUnlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, err, "schema: could not read file "+path)
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, err, "schema: malformed JSON schema at "+path)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, err, "schema: could not resolve "+path)
	}

	v.mu.Lock()
	v.cache[path] = resolved
	v.mu.Unlock()
	return resolved, nil
}

// Validate checks instance against the schema at path. An empty path
// means no schema was declared, so every instance passes.
func (v *Validator) Validate(path string, instance any) error {
	if path == "" {
		return nil
	}
	resolved, err := v.resolved(path)
	if err != nil {
		return err
	}
	if err := resolved.Validate(instance); err != nil {
		return xerrors.Wrap(xerrors.KindInvalidRequest, err, "schema: validation failed against "+path)
	}
	return nil
}

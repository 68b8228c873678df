// Package jsonpointer implements the extra-body JSON-pointer
// write-through used by every provider adapter to apply caller-supplied
// replacements to a serialised wire request (spec.md §4.4, §9). Built
// once and shared, as the design notes require, since every adapter
// needs the same recursive-descent semantics.
package jsonpointer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tensorzero/inference-gateway/internal/xerrors"
)

// Replacement is one (pointer, value) pair from a request's extra_body.
type Replacement struct {
	Pointer string
	Value   any
}

// Apply applies replacements to doc in order, variant-level first,
// provider-level second (the caller is responsible for ordering the
// slice so a later entry wins on collision, matching spec.md §4.4's
// "provider wins on collision" rule). doc is mutated in place and also
// returned for convenience.
func Apply(doc map[string]any, replacements []Replacement) (map[string]any, error) {
	for _, r := range replacements {
		if err := applyOne(doc, r.Pointer, r.Value); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func applyOne(doc map[string]any, pointer string, value any) error {
	tokens, err := split(pointer)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		return xerrors.New(xerrors.KindInvalidRequest, fmt.Sprintf("json pointer %q must reference a member, not the document root", pointer))
	}
	return setPath(any(doc), tokens, value, pointer)
}

// split validates and tokenises a JSON pointer per spec.md §4.4: it must
// start with "/", must not end with "/", and each segment is unescaped
// per RFC 6901 ("~1" -> "/", "~0" -> "~").
func split(pointer string) ([]string, error) {
	if !strings.HasPrefix(pointer, "/") {
		return nil, xerrors.New(xerrors.KindInvalidRequest, fmt.Sprintf("json pointer %q must start with '/'", pointer))
	}
	if strings.HasSuffix(pointer, "/") {
		return nil, xerrors.New(xerrors.KindInvalidRequest, fmt.Sprintf("json pointer %q must not end with '/'", pointer))
	}
	raw := strings.Split(pointer[1:], "/")
	tokens := make([]string, len(raw))
	for i, t := range raw {
		t = strings.ReplaceAll(t, "~1", "/")
		t = strings.ReplaceAll(t, "~0", "~")
		tokens[i] = t
	}
	return tokens, nil
}

// setPath walks tokens through node (which may be a map[string]any or a
// []any at each level), creating intermediate object nodes for
// non-integer tokens, and sets the final token to value.
func setPath(node any, tokens []string, value any, fullPointer string) error {
	token := tokens[0]
	last := len(tokens) == 1

	switch n := node.(type) {
	case map[string]any:
		if last {
			n[token] = value
			return nil
		}
		child, exists := n[token]
		if !exists {
			// Non-integer tokens under objects auto-create intermediate
			// objects; an integer token here is ambiguous (could mean
			// "make this an array") and is rejected.
			if isArrayIndex(tokens[1]) {
				return xerrors.New(xerrors.KindInvalidRequest, fmt.Sprintf(
					"json pointer %q: ambiguous integer token %q under missing parent %q (object or array?)",
					fullPointer, tokens[1], token))
			}
			child = map[string]any{}
			n[token] = child
		}
		return setPath(child, tokens[1:], value, fullPointer)

	case []any:
		idx, err := arrayIndex(token, len(n))
		if err != nil {
			return xerrors.Wrap(xerrors.KindInvalidRequest, err, fmt.Sprintf("json pointer %q", fullPointer))
		}
		if last {
			n[idx] = value
			return nil
		}
		return setPath(n[idx], tokens[1:], value, fullPointer)

	default:
		return xerrors.New(xerrors.KindInvalidRequest, fmt.Sprintf(
			"json pointer %q: cannot descend into a scalar at token %q", fullPointer, token))
	}
}

func isArrayIndex(token string) bool {
	if token == "-" {
		return true
	}
	_, err := strconv.Atoi(token)
	return err == nil
}

// arrayIndex resolves a pointer token against an existing array; indices
// must reference an existing element (spec.md §4.4 forbids append-style
// growth through "-" for replacements).
func arrayIndex(token string, length int) (int, error) {
	idx, err := strconv.Atoi(token)
	if err != nil {
		return 0, fmt.Errorf("array index token %q is not an integer", token)
	}
	if idx < 0 || idx >= length {
		return 0, fmt.Errorf("array index %d does not point to an existing element (length %d)", idx, length)
	}
	return idx, nil
}

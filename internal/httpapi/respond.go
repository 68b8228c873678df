package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/tensorzero/inference-gateway/internal/xerrors"
)

var noopLogger = zap.NewNop()

func invalidExtraAttributeError(name string) error {
	return xerrors.New(xerrors.KindInvalidRequest, "httpapi: invalid JSON in extra-attribute header for \""+name+"\"")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps err to its taxonomy HTTP status (spec.md §7) and logs
// it at a level matching severity: client-class errors are noise, not
// incidents.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := xerrors.HTTPStatus(err)
	kind := "internal"
	if e, ok := err.(*xerrors.Error); ok {
		kind = string(e.Kind)
	} else if c, ok := err.(*xerrors.Composite); ok {
		kind = string(c.Kind)
	}

	if status >= 500 {
		logger.Error("request failed", zap.String("kind", kind), zap.Error(err))
	} else {
		logger.Debug("request rejected", zap.String("kind", kind), zap.Error(err))
	}

	resp := map[string]any{"error": map[string]any{"kind": kind, "message": err.Error()}}
	if e, ok := err.(*xerrors.Error); ok && e.RetryAfter != "" {
		w.Header().Set("Retry-After", e.RetryAfter)
	}
	writeJSON(w, status, resp)
}

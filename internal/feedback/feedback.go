// Package feedback implements the Feedback Engine (spec.md §4.9):
// resolve a metric name to a feedback kind and target level, validate
// the caller provided the right id for that level and a value of the
// right shape, then enqueue a row.
//
// Grounded directly on original_source's
// api/src/endpoints/feedback.rs — get_feedback_metadata's exact control
// flow (metric lookup, "comment"/"demonstration" sentinel fallback,
// level/target cross-check, per-kind value-type validation, dryrun
// skip) is reproduced here as resolveMetadata plus a per-kind switch in
// buildRow, since spec.md §4.9 describes the same behaviour only at a
// summary level.
package feedback

import (
	"context"

	"go.uber.org/zap"

	"github.com/tensorzero/inference-gateway/internal/config"
	"github.com/tensorzero/inference-gateway/internal/id"
	"github.com/tensorzero/inference-gateway/internal/observability"
	"github.com/tensorzero/inference-gateway/internal/xerrors"
)

// Recorder is the Observability Sink contract this package needs.
type Recorder interface {
	Enqueue(table string, row any)
}

// Kind is the closed set of feedback shapes a metric name can resolve
// to (spec.md §4.9).
type Kind string

const (
	KindComment       Kind = "comment"
	KindDemonstration Kind = "demonstration"
	KindFloat         Kind = "float"
	KindBoolean       Kind = "boolean"
)

const (
	levelInference = "inference"
	levelEpisode   = "episode"
)

// Params are the caller-supplied feedback request fields.
type Params struct {
	EpisodeID   id.ID
	InferenceID id.ID
	MetricName  string
	Value       any
	DryRun      bool
}

// Result is returned to the caller on success.
type Result struct {
	FeedbackID id.ID
}

// Engine resolves and records feedback.
type Engine struct {
	metrics  map[string]config.MetricDef
	recorder Recorder
	logger   *zap.Logger
}

func New(metrics map[string]config.MetricDef, recorder Recorder, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{metrics: metrics, recorder: recorder, logger: logger}
}

type metadata struct {
	kind     Kind
	level    string
	targetID id.ID
}

// resolveMetadata mirrors get_feedback_metadata: metric lookup first,
// "comment"/"demonstration" sentinel names next, then a level/target
// cross-check that requires exactly one of episode/inference id to
// match the resolved level.
func (e *Engine) resolveMetadata(params Params) (metadata, error) {
	var kind Kind
	var level string

	if !params.InferenceID.IsNil() && !params.EpisodeID.IsNil() {
		return metadata{}, xerrors.New(xerrors.KindInvalidRequest,
			"feedback: exactly one of inference_id or episode_id must be provided")
	}

	if m, ok := e.metrics[params.MetricName]; ok {
		switch m.Type {
		case "float":
			kind = KindFloat
		case "boolean":
			kind = KindBoolean
		}
		level = m.Level
	} else {
		switch params.MetricName {
		case string(KindComment):
			kind = KindComment
		case string(KindDemonstration):
			kind = KindDemonstration
			level = levelInference
		default:
			return metadata{}, xerrors.New(xerrors.KindInvalidRequest,
				"feedback: unknown metric name "+params.MetricName)
		}
	}

	if level == "" {
		switch {
		case !params.InferenceID.IsNil() && params.EpisodeID.IsNil():
			level = levelInference
		case params.InferenceID.IsNil() && !params.EpisodeID.IsNil():
			level = levelEpisode
		default:
			return metadata{}, xerrors.New(xerrors.KindInvalidRequest,
				"feedback: exactly one of inference_id or episode_id must be provided")
		}
	}

	var targetID id.ID
	switch level {
	case levelInference:
		targetID = params.InferenceID
	case levelEpisode:
		targetID = params.EpisodeID
	}
	if targetID.IsNil() {
		return metadata{}, xerrors.New(xerrors.KindInvalidRequest,
			"feedback: correct id was not provided for feedback level "+level)
	}

	return metadata{kind: kind, level: level, targetID: targetID}, nil
}

// Record validates and, unless dryrun, enqueues the feedback row. The
// returned feedback id is always fresh, even in dryrun mode.
func (e *Engine) Record(ctx context.Context, params Params) (*Result, error) {
	meta, err := e.resolveMetadata(params)
	if err != nil {
		return nil, err
	}

	feedbackID, err := id.New()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, err, "feedback: could not mint feedback id")
	}

	row, table, err := e.buildRow(meta, params, feedbackID)
	if err != nil {
		return nil, err
	}

	if !params.DryRun {
		e.recorder.Enqueue(table, row)
	}

	return &Result{FeedbackID: feedbackID}, nil
}

func (e *Engine) buildRow(meta metadata, params Params, feedbackID id.ID) (any, string, error) {
	switch meta.kind {
	case KindComment:
		value, ok := params.Value.(string)
		if !ok {
			return nil, "", xerrors.New(xerrors.KindInvalidRequest, "feedback: value for comment feedback must be a string")
		}
		return observability.CommentFeedbackRow{
			ID:          feedbackID,
			TargetID:    meta.targetID,
			TargetLevel: meta.level,
			Value:       value,
		}, observability.TableCommentFeedback, nil

	case KindDemonstration:
		value, ok := params.Value.(string)
		if !ok {
			return nil, "", xerrors.New(xerrors.KindInvalidRequest, "feedback: value for demonstration feedback must be a string")
		}
		return observability.DemonstrationFeedbackRow{
			ID:          feedbackID,
			InferenceID: meta.targetID,
			Value:       value,
		}, observability.TableDemonstrationFeedback, nil

	case KindFloat:
		value, ok := asFloat64(params.Value)
		if !ok {
			return nil, "", xerrors.New(xerrors.KindInvalidRequest, "feedback: value for float feedback must be a number")
		}
		return observability.FloatMetricFeedbackRow{
			ID:          feedbackID,
			TargetID:    meta.targetID,
			TargetLevel: meta.level,
			MetricName:  params.MetricName,
			Value:       value,
		}, observability.TableFloatMetricFeedback, nil

	case KindBoolean:
		value, ok := params.Value.(bool)
		if !ok {
			return nil, "", xerrors.New(xerrors.KindInvalidRequest, "feedback: value for boolean feedback must be a boolean")
		}
		return observability.BooleanMetricFeedbackRow{
			ID:          feedbackID,
			TargetID:    meta.targetID,
			TargetLevel: meta.level,
			MetricName:  params.MetricName,
			Value:       value,
		}, observability.TableBooleanMetricFeedback, nil
	}
	return nil, "", xerrors.New(xerrors.KindInternal, "feedback: unhandled feedback kind")
}

// asFloat64 accepts float64 (what json.Unmarshal into any yields for a
// JSON number) as well as int and int64 from callers that build Params
// directly; json.Number and other numeric types are not accepted.
func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

package observability

import (
	"github.com/tensorzero/inference-gateway/internal/id"
	"github.com/tensorzero/inference-gateway/internal/providerapi"
)

// Table names, matching spec.md §4.8's informative table layout.
const (
	TableChatInference          = "ChatInference"
	TableJSONInference          = "JsonInference"
	TableModelInference         = "ModelInference"
	TableCommentFeedback        = "CommentFeedback"
	TableDemonstrationFeedback  = "DemonstrationFeedback"
	TableFloatMetricFeedback    = "FloatMetricFeedback"
	TableBooleanMetricFeedback  = "BooleanMetricFeedback"
)

// InferenceRow is one function-level inference record, written to
// either TableChatInference or TableJSONInference depending on the
// function's type.
type InferenceRow struct {
	ID               id.ID
	EpisodeID        id.ID
	FunctionName     string
	VariantName      string
	Input            map[string]any
	Output           []providerapi.ContentBlock
	Tags             map[string]string
	ProcessingTimeMS int64
}

// ModelInferenceRow is one model-provider-level call record, written
// regardless of which function-level row (if any) it fed — a failed
// attempt still gets a row here with Error set.
type ModelInferenceRow struct {
	ID           id.ID
	InferenceID  id.ID
	ModelName    string
	RawRequest   []byte
	RawResponse  []byte
	InputTokens  int64
	OutputTokens int64
	LatencyMS    int64
	TTFTMS       int64
	Error        string
}

// CommentFeedbackRow, DemonstrationFeedbackRow, FloatMetricFeedbackRow,
// and BooleanMetricFeedbackRow are the feedback tables' row shapes
// (spec.md §4.9).
type CommentFeedbackRow struct {
	ID          id.ID
	TargetID    id.ID
	TargetLevel string // "inference" | "episode"
	Value       string
}

type DemonstrationFeedbackRow struct {
	ID          id.ID
	InferenceID id.ID
	Value       string
}

type FloatMetricFeedbackRow struct {
	ID          id.ID
	TargetID    id.ID
	TargetLevel string
	MetricName  string
	Value       float64
}

type BooleanMetricFeedbackRow struct {
	ID          id.ID
	TargetID    id.ID
	TargetLevel string
	MetricName  string
	Value       bool
}

package httpapi

import (
	"time"

	"github.com/tensorzero/inference-gateway/internal/engine"
	"github.com/tensorzero/inference-gateway/internal/id"
	"github.com/tensorzero/inference-gateway/internal/providerapi"
	"github.com/tensorzero/inference-gateway/internal/router"
	"github.com/tensorzero/inference-gateway/internal/template"
	"github.com/tensorzero/inference-gateway/internal/xerrors"
)

// messageRequest is one caller-supplied input turn. Exactly one of
// Arguments/Text drives rendering, depending on whether the selected
// variant configures a template for Role (spec.md §4.7 step 3).
type messageRequest struct {
	Role      string         `json:"role"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Text      string         `json:"text,omitempty"`
}

type inputRequest struct {
	SystemArguments map[string]any   `json:"system_arguments,omitempty"`
	SystemText      string           `json:"system_text,omitempty"`
	Messages        []messageRequest `json:"messages,omitempty"`
}

// inferenceRequest is the /inference request body (spec.md §6).
type inferenceRequest struct {
	FunctionName string            `json:"function_name"`
	EpisodeID    string            `json:"episode_id,omitempty"`
	Input        inputRequest      `json:"input"`
	Variant      string            `json:"variant_name,omitempty"`
	Internal     bool              `json:"internal,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Stream       bool              `json:"stream,omitempty"`
	Dryrun       bool              `json:"dryrun,omitempty"`
	CacheOptions *cacheRequest     `json:"cache_options,omitempty"`
}

type cacheRequest struct {
	Enabled bool   `json:"enabled"`
	MaxAgeS int64  `json:"max_age_s,omitempty"`
	TTLS    int64  `json:"ttl_s,omitempty"`
}

func (req inferenceRequest) toParams() (engine.Params, error) {
	var episodeID id.ID
	if req.EpisodeID != "" {
		parsed, err := id.Parse(req.EpisodeID)
		if err != nil {
			return engine.Params{}, xerrors.New(xerrors.KindInvalidRequest, "httpapi: invalid episode_id")
		}
		episodeID = parsed
	}

	messages := make([]template.MessageInput, 0, len(req.Input.Messages))
	for _, m := range req.Input.Messages {
		messages = append(messages, template.MessageInput{
			Role: providerapi.Role(m.Role),
			Args: m.Arguments,
			Text: m.Text,
		})
	}

	params := engine.Params{
		FunctionName: req.FunctionName,
		EpisodeID:    episodeID,
		Input: template.Input{
			SystemArgs: req.Input.SystemArguments,
			SystemText: req.Input.SystemText,
			Messages:   messages,
		},
		Variant:  req.Variant,
		Internal: req.Internal,
		Tags:     req.Tags,
		DryRun:   req.Dryrun,
	}
	if req.CacheOptions != nil {
		params.Cache = router.CacheOptions{
			Enabled: req.CacheOptions.Enabled,
			MaxAge:  secondsToDuration(req.CacheOptions.MaxAgeS),
			TTL:     secondsToDuration(req.CacheOptions.TTLS),
		}
	}
	return params, nil
}

// contentBlockJSON mirrors spec.md §6's content-block JSON shapes.
type contentBlockJSON struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Result    string `json:"result,omitempty"`
	Signature string `json:"signature,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	URL       string `json:"url,omitempty"`
	Data      string `json:"data,omitempty"`
}

func blockToJSON(b providerapi.ContentBlock) contentBlockJSON {
	return contentBlockJSON{
		Type: string(b.Type), Text: b.Text, ID: b.ID, Name: b.Name,
		Arguments: b.Args, Result: b.Result, Signature: b.Signature,
		MimeType: b.MimeType, URL: b.URL, Data: b.Data,
	}
}

func blocksToJSON(blocks []providerapi.ContentBlock) []contentBlockJSON {
	out := make([]contentBlockJSON, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, blockToJSON(b))
	}
	return out
}

type usageJSON struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// inferenceResponse is the /inference non-streaming response body.
type inferenceResponse struct {
	InferenceID string             `json:"inference_id"`
	EpisodeID   string             `json:"episode_id"`
	VariantName string             `json:"variant_name"`
	Content     []contentBlockJSON `json:"content"`
	Usage       usageJSON          `json:"usage"`
}

func (req inferenceRequest) toResult(result *engine.Result) inferenceResponse {
	return inferenceResponse{
		InferenceID: result.InferenceID.String(),
		EpisodeID:   result.EpisodeID.String(),
		VariantName: result.VariantName,
		Content:     blocksToJSON(result.Response.Content),
		Usage: usageJSON{
			InputTokens:  result.Response.Usage.InputTokens,
			OutputTokens: result.Response.Usage.OutputTokens,
		},
	}
}

// sseChunk is the shape of each SSE `data` payload (spec.md §6).
type sseChunk struct {
	InferenceID string             `json:"inference_id"`
	EpisodeID   string             `json:"episode_id"`
	Content     []contentBlockJSON `json:"content"`
	Usage       *usageJSON         `json:"usage,omitempty"`
}

// sseErrorChunk is emitted mid-stream when a provider fails after the
// stream has already started (spec.md §7: "cannot fall back mid-stream").
type sseErrorChunk struct {
	InferenceID string `json:"inference_id"`
	EpisodeID   string `json:"episode_id"`
	Error       string `json:"error"`
}

func secondsToDuration(s int64) time.Duration {
	return time.Duration(s) * time.Second
}

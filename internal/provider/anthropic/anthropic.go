// Package anthropic implements the providerapi.Provider contract for
// Anthropic's Messages API, built on the real anthropic-sdk-go client.
// Grounded on the teacher's second adapter shape (pkg/provider/gemini.go)
// and on BaSui01-agentflow's providers/anthropic/provider.go for the
// exact request/response field mapping this adapter reproduces on top of
// the SDK instead of hand-rolled net/http: system passed separately from
// messages, content blocks typed text/tool_use/tool_result, x-api-key
// auth, stop_reason vocabulary.
package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tensorzero/inference-gateway/internal/jsonpointer"
	"github.com/tensorzero/inference-gateway/internal/providerapi"
)

const defaultMaxTokens = 4096

// Adapter is the Anthropic provider.
type Adapter struct {
	providerapi.Unbatchable
	model string
	httpc *http.Client
}

func New(model string, httpc *http.Client) *Adapter {
	return &Adapter{model: model, httpc: httpc}
}

func (a *Adapter) Name() string { return "anthropic" }

func (a *Adapter) client(credential string) anthropic.Client {
	opts := []option.RequestOption{option.WithAPIKey(credential)}
	if a.httpc != nil {
		opts = append(opts, option.WithHTTPClient(a.httpc))
	}
	return anthropic.NewClient(opts...)
}

func (a *Adapter) buildParams(req *providerapi.Request) (anthropic.MessageNewParams, json.RawMessage, error) {
	maxTokens := int64(defaultMaxTokens)
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: maxTokens,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}

	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return anthropic.MessageNewParams{}, nil, err
		}
		params.Messages = append(params.Messages, msg)
	}

	if req.ToolConfig != nil {
		for _, td := range req.ToolConfig.Tools {
			params.Tools = append(params.Tools, anthropic.ToolUnionParam{
				OfTool: &anthropic.ToolParam{
					Name:        td.Name,
					Description: anthropic.String(td.Description),
					InputSchema: anthropic.ToolInputSchemaParam{Properties: td.Parameters["properties"]},
				},
			})
		}
		switch req.ToolConfig.Choice {
		case providerapi.ToolChoiceNone:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
		case providerapi.ToolChoiceAuto, providerapi.ToolChoiceRequired:
			// Anthropic has no distinct "required" choice; "any" is the
			// nearest equivalent (forces some tool call).
			if req.ToolConfig.Choice == providerapi.ToolChoiceRequired {
				params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
			} else {
				params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
			}
		case providerapi.ToolChoiceSpecific:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{
				OfTool: &anthropic.ToolChoiceToolParam{Name: req.ToolConfig.SpecificTool},
			}
		}
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return anthropic.MessageNewParams{}, nil, err
	}
	raw, err = applyExtraBody(raw, req)
	if err != nil {
		return anthropic.MessageNewParams{}, nil, err
	}
	return params, raw, nil
}

func applyExtraBody(raw json.RawMessage, req *providerapi.Request) (json.RawMessage, error) {
	if len(req.VariantExtraBody) == 0 && len(req.ProviderExtraBody) == 0 {
		return raw, nil
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	replacements := make([]jsonpointer.Replacement, 0, len(req.VariantExtraBody)+len(req.ProviderExtraBody))
	for _, r := range req.VariantExtraBody {
		replacements = append(replacements, jsonpointer.Replacement{Pointer: r.Pointer, Value: r.Value})
	}
	for _, r := range req.ProviderExtraBody {
		replacements = append(replacements, jsonpointer.Replacement{Pointer: r.Pointer, Value: r.Value})
	}
	patched, err := jsonpointer.Apply(body, replacements)
	if err != nil {
		return nil, err
	}
	return json.Marshal(patched)
}

func convertMessage(m providerapi.Message) (anthropic.MessageParam, error) {
	var blocks []anthropic.ContentBlockParamUnion
	for _, block := range m.Content {
		switch block.Type {
		case providerapi.BlockText:
			blocks = append(blocks, anthropic.NewTextBlock(block.Text))
		case providerapi.BlockToolCall:
			var input any
			_ = json.Unmarshal([]byte(block.Args), &input)
			blocks = append(blocks, anthropic.NewToolUseBlock(block.ID, input, block.Name))
		case providerapi.BlockToolResult:
			blocks = append(blocks, anthropic.NewToolResultBlock(block.ID, block.Result, false))
		}
	}

	role := anthropic.MessageParamRoleUser
	if m.Role == providerapi.RoleAssistant {
		role = anthropic.MessageParamRoleAssistant
	}
	return anthropic.MessageParam{Role: role, Content: blocks}, nil
}

func (a *Adapter) Infer(ctx context.Context, req *providerapi.Request, credential string) (*providerapi.Response, error) {
	params, rawRequest, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := a.client(credential).Messages.New(ctx, params, option.WithRequestBody("application/json", rawRequest))
	if err != nil {
		return nil, err
	}
	rawResponse, _ := json.Marshal(resp)

	var content []providerapi.ContentBlock
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			content = append(content, providerapi.ContentBlock{Type: providerapi.BlockText, Text: variant.Text})
		case anthropic.ToolUseBlock:
			args, _ := json.Marshal(variant.Input)
			content = append(content, providerapi.ContentBlock{Type: providerapi.BlockToolCall, ID: variant.ID, Name: variant.Name, Args: string(args)})
		case anthropic.ThinkingBlock:
			content = append(content, providerapi.ContentBlock{Type: providerapi.BlockThought, Text: variant.Thinking, Signature: variant.Signature})
		}
	}

	return &providerapi.Response{
		Content:      content,
		Usage:        providerapi.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
		Latency:      providerapi.Latency{Total: time.Since(start)},
		FinishReason: convertStopReason(string(resp.StopReason)),
		RawRequest:   rawRequest,
		RawResponse:  rawResponse,
	}, nil
}

func (a *Adapter) InferStream(ctx context.Context, req *providerapi.Request, credential string) (*providerapi.Chunk, <-chan providerapi.StreamEvent, []byte, error) {
	params, rawRequest, err := a.buildParams(req)
	if err != nil {
		return nil, nil, nil, err
	}

	stream := a.client(credential).Messages.NewStreaming(ctx, params, option.WithRequestBody("application/json", rawRequest))
	if err := stream.Err(); err != nil {
		return nil, nil, nil, err
	}

	var first *providerapi.Chunk
	if stream.Next() {
		c := convertStreamEvent(stream.Current())
		first = &c
	} else if err := stream.Err(); err != nil {
		stream.Close()
		return nil, nil, nil, err
	}

	events := make(chan providerapi.StreamEvent, 8)
	go func() {
		defer close(events)
		defer stream.Close()
		for stream.Next() {
			c := convertStreamEvent(stream.Current())
			select {
			case events <- providerapi.StreamEvent{Chunk: &c}:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			events <- providerapi.StreamEvent{Err: err}
			return
		}
		events <- providerapi.StreamEvent{Done: true}
	}()

	return first, events, rawRequest, nil
}

func convertStreamEvent(event anthropic.MessageStreamEventUnion) providerapi.Chunk {
	out := providerapi.Chunk{Timestamp: time.Now()}
	switch variant := event.AsAny().(type) {
	case anthropic.ContentBlockDeltaEvent:
		switch delta := variant.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			out.Content = append(out.Content, providerapi.ChunkContentDelta{
				Index: int(variant.Index),
				Block: providerapi.ContentBlock{Type: providerapi.BlockText, Text: delta.Text},
			})
		case anthropic.InputJSONDelta:
			out.Content = append(out.Content, providerapi.ChunkContentDelta{
				Index: int(variant.Index),
				Block: providerapi.ContentBlock{Type: providerapi.BlockToolCall, Args: delta.PartialJSON},
			})
		}
	case anthropic.MessageDeltaEvent:
		if variant.Delta.StopReason != "" {
			fr := convertStopReason(string(variant.Delta.StopReason))
			out.FinishReason = &fr
		}
		out.Usage = &providerapi.Usage{OutputTokens: variant.Usage.OutputTokens}
	}
	return out
}

func convertStopReason(reason string) providerapi.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return providerapi.FinishStop
	case "max_tokens":
		return providerapi.FinishLength
	case "tool_use":
		return providerapi.FinishToolCall
	default:
		return providerapi.FinishUnknown
	}
}

// Package openaifamily builds the one shared OpenAI-wire-protocol client
// construction and request/response translation used by every adapter
// that speaks the OpenAI Chat Completions shape: OpenAI itself, Azure
// OpenAI, Together, and Hyperbolic. spec.md §9 calls this out explicitly
// ("share code via free functions … reused by Azure, Together,
// Hyperbolic"); this package is that shared code.
//
// Grounded on pkg/provider/openai.go's request building and SSE handling
// (teacher), rebuilt on the real github.com/openai/openai-go SDK client
// per MrWong99-glyphoxa's pkg/provider/llm/openai/openai.go usage shape.
package openaifamily

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/tensorzero/inference-gateway/internal/jsonpointer"
	"github.com/tensorzero/inference-gateway/internal/providerapi"
)

// NewClient builds an openai.Client pointed at baseURL with credential as
// the bearer API key. Every OpenAI-family adapter calls this with its own
// base URL; extraHeaders carries provider-specific constant headers
// (e.g. Azure's api-key header) sent on every request. The request's own
// ExtraHeaders are not applied here.
func NewClient(apiKey, baseURL string, extraHeaders map[string]string, httpClient *http.Client) openai.Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	for k, v := range extraHeaders {
		opts = append(opts, option.WithHeader(k, v))
	}
	return openai.NewClient(opts...)
}

// BuildParams translates a canonical request into the SDK's typed
// Chat Completions params, then overlays extra_body replacements
// (variant-level first, provider-level second) on the marshalled wire
// body so callers can still set fields the typed params don't expose.
func BuildParams(req *providerapi.Request, model string) (openai.ChatCompletionNewParams, json.RawMessage, error) {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(model),
	}

	if req.System != "" {
		params.Messages = append(params.Messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		converted, err := convertMessage(m)
		if err != nil {
			return openai.ChatCompletionNewParams{}, nil, err
		}
		params.Messages = append(params.Messages, converted)
	}

	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = param.NewOpt(*req.TopP)
	}
	if req.PresencePenalty != nil {
		params.PresencePenalty = param.NewOpt(*req.PresencePenalty)
	}
	if req.FrequencyPenalty != nil {
		params.FrequencyPenalty = param.NewOpt(*req.FrequencyPenalty)
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = param.NewOpt(*req.MaxTokens)
	}
	if req.Seed != nil {
		params.Seed = param.NewOpt(*req.Seed)
	}
	if req.JSONMode == providerapi.JSONModeOn || req.JSONMode == providerapi.JSONModeStrict {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	if req.ToolConfig != nil {
		for _, td := range req.ToolConfig.Tools {
			params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        td.Name,
					Description: param.NewOpt(td.Description),
					Parameters:  shared.FunctionParameters(td.Parameters),
					Strict:      param.NewOpt(td.Strict),
				},
			})
		}
		switch req.ToolConfig.Choice {
		case providerapi.ToolChoiceNone:
			params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: param.NewOpt("none")}
		case providerapi.ToolChoiceAuto:
			params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: param.NewOpt("auto")}
		case providerapi.ToolChoiceRequired:
			// Sent as OpenAI's own "required" tool_choice value, which
			// forces a call to some tool without naming one.
			params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: param.NewOpt("required")}
		case providerapi.ToolChoiceSpecific:
			params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
				OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
					Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: req.ToolConfig.SpecificTool},
				},
			}
		}
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return openai.ChatCompletionNewParams{}, nil, fmt.Errorf("openaifamily: marshal params: %w", err)
	}
	patched, err := applyExtraBody(raw, req)
	if err != nil {
		return openai.ChatCompletionNewParams{}, nil, err
	}
	return params, patched, nil
}

func applyExtraBody(raw json.RawMessage, req *providerapi.Request) (json.RawMessage, error) {
	if len(req.VariantExtraBody) == 0 && len(req.ProviderExtraBody) == 0 {
		return raw, nil
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("openaifamily: decode params for extra_body patch: %w", err)
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
		return nil, fmt.Errorf("openaifamily: apply extra_body: %w", err)
	}
	out, err := json.Marshal(patched)
	if err != nil {
		return nil, fmt.Errorf("openaifamily: marshal patched params: %w", err)
	}
	return out, nil
}

func convertMessage(m providerapi.Message) (openai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case providerapi.RoleUser:
		return openai.UserMessage(textOf(m.Content)), nil
	case providerapi.RoleSystem:
		return openai.SystemMessage(textOf(m.Content)), nil
	case providerapi.RoleAssistant:
		asst := openai.ChatCompletionAssistantMessageParam{}
		var text string
		for _, block := range m.Content {
			switch block.Type {
			case providerapi.BlockText:
				text += block.Text
			case providerapi.BlockToolCall:
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: block.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      block.Name,
						Arguments: block.Args,
					},
				})
			}
		}
		if text != "" {
			asst.Content.OfString = param.NewOpt(text)
		}
		return openai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
	case providerapi.RoleTool:
		for _, block := range m.Content {
			if block.Type == providerapi.BlockToolResult {
				return openai.ToolMessage(block.Result, block.ID), nil
			}
		}
		return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openaifamily: tool message missing tool_result block")
	default:
		return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openaifamily: unknown role %q", m.Role)
	}
}

func textOf(blocks []providerapi.ContentBlock) string {
	var s string
	for _, b := range blocks {
		if b.Type == providerapi.BlockText {
			s += b.Text
		}
	}
	return s
}

// ConvertResponse translates a completed Chat Completion into the
// canonical Response shape.
func ConvertResponse(resp *openai.ChatCompletion, rawRequest, rawResponse []byte, elapsed time.Duration) (*providerapi.Response, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openaifamily: response has no choices")
	}
	choice := resp.Choices[0]

	var content []providerapi.ContentBlock
	if choice.Message.Content != "" {
		content = append(content, providerapi.ContentBlock{Type: providerapi.BlockText, Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		content = append(content, providerapi.ContentBlock{
			Type: providerapi.BlockToolCall,
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: tc.Function.Arguments,
		})
	}

	return &providerapi.Response{
		Content:      content,
		Usage:        providerapi.Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens},
		Latency:      providerapi.Latency{Total: elapsed},
		FinishReason: convertFinishReason(string(choice.FinishReason)),
		RawRequest:   rawRequest,
		RawResponse:  rawResponse,
	}, nil
}

func convertFinishReason(reason string) providerapi.FinishReason {
	switch reason {
	case "stop":
		return providerapi.FinishStop
	case "length":
		return providerapi.FinishLength
	case "tool_calls", "function_call":
		return providerapi.FinishToolCall
	case "content_filter":
		return providerapi.FinishContentFilter
	default:
		return providerapi.FinishUnknown
	}
}

// ConvertChunk translates one streamed Chat Completion chunk.
func ConvertChunk(chunk *openai.ChatCompletionChunk) providerapi.Chunk {
	out := providerapi.Chunk{Timestamp: time.Now()}
	if len(chunk.Choices) == 0 {
		return out
	}
	choice := chunk.Choices[0]
	if choice.Delta.Content != "" {
		out.Content = append(out.Content, providerapi.ChunkContentDelta{
			Index: 0,
			Block: providerapi.ContentBlock{Type: providerapi.BlockText, Text: choice.Delta.Content},
		})
	}
	for _, tc := range choice.Delta.ToolCalls {
		out.Content = append(out.Content, providerapi.ChunkContentDelta{
			Index: int(tc.Index),
			Block: providerapi.ContentBlock{
				Type: providerapi.BlockToolCall,
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: tc.Function.Arguments,
			},
		})
	}
	if choice.FinishReason != "" {
		fr := convertFinishReason(string(choice.FinishReason))
		out.FinishReason = &fr
	}
	if chunk.Usage.TotalTokens > 0 {
		out.Usage = &providerapi.Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
	}
	return out
}

// Infer performs a non-streaming Chat Completions call shared by every
// OpenAI-family adapter.
func Infer(ctx context.Context, client openai.Client, req *providerapi.Request, model string) (*providerapi.Response, error) {
	params, rawRequest, err := BuildParams(req, model)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := client.Chat.Completions.New(ctx, params, option.WithRequestBody("application/json", rawRequest))
	if err != nil {
		return nil, err
	}
	rawResponse, _ := json.Marshal(resp)
	return ConvertResponse(resp, rawRequest, rawResponse, time.Since(start))
}

// InferStream starts a streaming Chat Completions call, peeking the first
// chunk synchronously per spec.md §4.4 so the router can still fall back
// on an immediate error.
func InferStream(ctx context.Context, client openai.Client, req *providerapi.Request, model string) (*providerapi.Chunk, <-chan providerapi.StreamEvent, []byte, error) {
	params, rawRequest, err := BuildParams(req, model)
	if err != nil {
		return nil, nil, nil, err
	}

	stream := client.Chat.Completions.NewStreaming(ctx, params, option.WithRequestBody("application/json", rawRequest))
	if err := stream.Err(); err != nil {
		return nil, nil, nil, err
	}

	var first *providerapi.Chunk
	if stream.Next() {
		chunk := stream.Current()
		c := ConvertChunk(&chunk)
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
			chunk := stream.Current()
			c := ConvertChunk(&chunk)
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

// Package gemini implements the providerapi.Provider contract for
// Google's Gemini API, built on the real google/generative-ai-go client.
// Grounded on the teacher's pkg/provider/gemini.go (contents/parts/
// usageMetadata field mapping) and on taipm-go-deep-agent's
// agent/adapters/gemini_adapter.go for the real SDK's model-configuration
// shape: system prompt via SystemInstruction, temperature/top-p setters,
// function declarations for tools, iterator-based streaming.
package gemini

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/tensorzero/inference-gateway/internal/providerapi"
)

// Adapter is the Gemini provider.
type Adapter struct {
	providerapi.Unbatchable
	model string
}

func New(model string) *Adapter {
	return &Adapter{model: model}
}

func (a *Adapter) Name() string { return "gemini" }

func (a *Adapter) newModel(ctx context.Context, credential string, req *providerapi.Request) (*genai.Client, *genai.GenerativeModel, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(credential))
	if err != nil {
		return nil, nil, err
	}
	model := client.GenerativeModel(a.model)

	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		if t > 1.0 {
			t = 1.0
		}
		model.SetTemperature(t)
	}
	if req.TopP != nil {
		model.SetTopP(float32(*req.TopP))
	}
	if req.MaxTokens != nil {
		model.SetMaxOutputTokens(int32(*req.MaxTokens))
	}
	if req.ToolConfig != nil {
		model.Tools = convertTools(req.ToolConfig.Tools)
	}

	return client, model, nil
}

func convertTools(tools []providerapi.ToolDeclaration) []*genai.Tool {
	out := make([]*genai.Tool, 0, len(tools))
	for _, td := range tools {
		out = append(out, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  schemaFromJSONSchema(td.Parameters),
			}},
		})
	}
	return out
}

// schemaFromJSONSchema returns a bare object genai.Schema for every tool;
// the properties, types and required list in params are not translated
// into Gemini's schema dialect.
func schemaFromJSONSchema(params map[string]any) *genai.Schema {
	return &genai.Schema{Type: genai.TypeObject}
}

func convertMessagesToParts(messages []providerapi.Message) []genai.Part {
	var parts []genai.Part
	for _, m := range messages {
		if m.Role != providerapi.RoleUser && m.Role != providerapi.RoleAssistant {
			continue
		}
		for _, block := range m.Content {
			if block.Type == providerapi.BlockText {
				parts = append(parts, genai.Text(block.Text))
			}
		}
	}
	return parts
}

func (a *Adapter) Infer(ctx context.Context, req *providerapi.Request, credential string) (*providerapi.Response, error) {
	client, model, err := a.newModel(ctx, credential, req)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	parts := convertMessagesToParts(req.Messages)
	start := time.Now()
	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, err
	}

	rawRequest, _ := json.Marshal(struct {
		System string `json:"system"`
		Parts  int    `json:"part_count"`
	}{req.System, len(parts)})
	rawResponse, _ := json.Marshal(resp)

	content, finish := convertCandidate(resp)
	var usage providerapi.Usage
	if resp.UsageMetadata != nil {
		usage = providerapi.Usage{
			InputTokens:  int64(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
		}
	}

	return &providerapi.Response{
		Content:      content,
		Usage:        usage,
		Latency:      providerapi.Latency{Total: time.Since(start)},
		FinishReason: finish,
		RawRequest:   rawRequest,
		RawResponse:  rawResponse,
	}, nil
}

func convertCandidate(resp *genai.GenerateContentResponse) ([]providerapi.ContentBlock, providerapi.FinishReason) {
	if len(resp.Candidates) == 0 {
		return nil, providerapi.FinishUnknown
	}
	candidate := resp.Candidates[0]

	var content []providerapi.ContentBlock
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			switch p := part.(type) {
			case genai.Text:
				content = append(content, providerapi.ContentBlock{Type: providerapi.BlockText, Text: string(p)})
			case genai.FunctionCall:
				args, _ := json.Marshal(p.Args)
				content = append(content, providerapi.ContentBlock{Type: providerapi.BlockToolCall, Name: p.Name, Args: string(args)})
			}
		}
	}

	return content, convertFinishReason(candidate.FinishReason)
}

func convertFinishReason(fr genai.FinishReason) providerapi.FinishReason {
	switch fr {
	case genai.FinishReasonStop:
		return providerapi.FinishStop
	case genai.FinishReasonMaxTokens:
		return providerapi.FinishLength
	case genai.FinishReasonSafety, genai.FinishReasonRecitation:
		return providerapi.FinishContentFilter
	default:
		return providerapi.FinishUnknown
	}
}

func (a *Adapter) InferStream(ctx context.Context, req *providerapi.Request, credential string) (*providerapi.Chunk, <-chan providerapi.StreamEvent, []byte, error) {
	client, model, err := a.newModel(ctx, credential, req)
	if err != nil {
		return nil, nil, nil, err
	}

	parts := convertMessagesToParts(req.Messages)
	rawRequest, _ := json.Marshal(struct {
		System string `json:"system"`
		Parts  int    `json:"part_count"`
	}{req.System, len(parts)})

	iter := model.GenerateContentStream(ctx, parts...)

	first, err := nextChunk(iter)
	if err != nil {
		client.Close()
		if err == iterator.Done {
			return nil, nil, rawRequest, nil
		}
		return nil, nil, nil, err
	}

	events := make(chan providerapi.StreamEvent, 8)
	go func() {
		defer close(events)
		defer client.Close()
		for {
			chunk, err := nextChunk(iter)
			if err == iterator.Done {
				events <- providerapi.StreamEvent{Done: true}
				return
			}
			if err != nil {
				events <- providerapi.StreamEvent{Err: err}
				return
			}
			select {
			case events <- providerapi.StreamEvent{Chunk: chunk}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return first, events, rawRequest, nil
}

func nextChunk(iter *genai.GenerateContentResponseIterator) (*providerapi.Chunk, error) {
	resp, err := iter.Next()
	if err != nil {
		return nil, err
	}
	content, finish := convertCandidate(resp)
	out := &providerapi.Chunk{Timestamp: time.Now()}
	for i, block := range content {
		out.Content = append(out.Content, providerapi.ChunkContentDelta{Index: i, Block: block})
	}
	if finish != providerapi.FinishUnknown {
		out.FinishReason = &finish
	}
	if resp.UsageMetadata != nil {
		out.Usage = &providerapi.Usage{
			InputTokens:  int64(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

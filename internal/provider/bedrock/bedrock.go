// Package bedrock implements the providerapi.Provider contract for AWS
// Bedrock (the Anthropic-on-Bedrock model family), built on the real
// aws-sdk-go-v2 bedrockruntime client. Not present in any teacher/pack
// go.mod; the client shape (InvokeModelInput{ModelId, Body, ContentType},
// InvokeModelWithResponseStream) is attested by
// other_examples/eb7303bc_viant-agently__genai-llm-provider-bedrock-claude-api.go
// and other_examples/b0c7fd04_newrelic-go-agent__…nrawsbedrock.go.
package bedrock

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/tensorzero/inference-gateway/internal/providerapi"
)

const anthropicVersion = "bedrock-2023-05-31"

// wireMessage/wireContent/wireRequest/wireResponse mirror the Anthropic
// Messages wire shape that Bedrock's Claude models expect inside
// InvokeModelInput.Body — the same shape internal/provider/anthropic
// builds against the hosted API, with anthropic_version added and no HTTP
// auth headers (SigV4 signing is handled by the AWS SDK itself).
type wireContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type wireMessage struct {
	Role    string         `json:"role"`
	Content []wireContent `json:"content"`
}

type wireRequest struct {
	AnthropicVersion string        `json:"anthropic_version"`
	MaxTokens        int64         `json:"max_tokens"`
	System           string        `json:"system,omitempty"`
	Messages         []wireMessage `json:"messages"`
	Temperature      *float64      `json:"temperature,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
}

type wireResponse struct {
	Content    []wireContent `json:"content"`
	StopReason string        `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

type wireStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *struct {
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage,omitempty"`
}

// Adapter is the Bedrock provider, addressing one model id within one
// AWS region.
type Adapter struct {
	providerapi.Unbatchable
	client  *bedrockruntime.Client
	modelID string
}

func New(client *bedrockruntime.Client, modelID string) *Adapter {
	return &Adapter{client: client, modelID: modelID}
}

func (a *Adapter) Name() string { return "bedrock" }

func buildWireRequest(req *providerapi.Request) wireRequest {
	maxTokens := int64(4096)
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	if maxTokens > 200000 {
		maxTokens = 200000
	}

	wr := wireRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxTokens,
		System:           req.System,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
	}
	for _, m := range req.Messages {
		role := "user"
		if m.Role == providerapi.RoleAssistant {
			role = "assistant"
		}
		var content []wireContent
		for _, block := range m.Content {
			switch block.Type {
			case providerapi.BlockText:
				content = append(content, wireContent{Type: "text", Text: block.Text})
			case providerapi.BlockToolCall:
				content = append(content, wireContent{Type: "tool_use", ID: block.ID, Name: block.Name, Input: json.RawMessage(block.Args)})
			case providerapi.BlockToolResult:
				content = append(content, wireContent{Type: "tool_result", ToolUseID: block.ID, Content: block.Result})
			}
		}
		if len(content) > 0 {
			wr.Messages = append(wr.Messages, wireMessage{Role: role, Content: content})
		}
	}
	return wr
}

func convertResponseContent(blocks []wireContent) []providerapi.ContentBlock {
	var out []providerapi.ContentBlock
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out = append(out, providerapi.ContentBlock{Type: providerapi.BlockText, Text: b.Text})
		case "tool_use":
			out = append(out, providerapi.ContentBlock{Type: providerapi.BlockToolCall, ID: b.ID, Name: b.Name, Args: string(b.Input)})
		}
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

func (a *Adapter) Infer(ctx context.Context, req *providerapi.Request, credential string) (*providerapi.Response, error) {
	wr := buildWireRequest(req)
	body, err := json.Marshal(wr)
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal request: %w", err)
	}

	start := time.Now()
	out, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(a.modelID),
		Body:        body,
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, err
	}

	var wresp wireResponse
	if err := json.Unmarshal(out.Body, &wresp); err != nil {
		return nil, fmt.Errorf("bedrock: decode response: %w", err)
	}

	return &providerapi.Response{
		Content:      convertResponseContent(wresp.Content),
		Usage:        providerapi.Usage{InputTokens: wresp.Usage.InputTokens, OutputTokens: wresp.Usage.OutputTokens},
		Latency:      providerapi.Latency{Total: time.Since(start)},
		FinishReason: convertStopReason(wresp.StopReason),
		RawRequest:   body,
		RawResponse:  out.Body,
	}, nil
}

// InferStream uses InvokeModelWithResponseStream, whose event stream
// carries base64-free binary "chunk" events each holding one JSON
// Anthropic-on-Bedrock streaming event — same event vocabulary as the
// hosted Anthropic API (content_block_delta, message_delta, …).
func (a *Adapter) InferStream(ctx context.Context, req *providerapi.Request, credential string) (*providerapi.Chunk, <-chan providerapi.StreamEvent, []byte, error) {
	wr := buildWireRequest(req)
	body, err := json.Marshal(wr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("bedrock: marshal stream request: %w", err)
	}

	out, err := a.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(a.modelID),
		Body:        body,
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, nil, nil, err
	}

	stream := out.GetStream()
	reader := newEventReader(stream)

	first, err := reader.next()
	if err != nil {
		stream.Close()
		return nil, nil, nil, err
	}

	events := make(chan providerapi.StreamEvent, 8)
	go func() {
		defer close(events)
		defer stream.Close()
		for {
			chunk, err := reader.next()
			if err != nil {
				if err == errStreamDone {
					events <- providerapi.StreamEvent{Done: true}
					return
				}
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

	return first, events, body, nil
}

// eventReader decodes the Bedrock event stream's "chunk" payloads, each
// one a JSON-encoded Anthropic streaming event, into canonical Chunks.
// Grounded on bedrockruntime's GetStream()/Events() channel shape.
type eventReader struct {
	stream *bedrockruntime.InvokeModelWithResponseStreamEventStream
	buf    *bufio.Reader
}

var errStreamDone = fmt.Errorf("bedrock: stream complete")

func newEventReader(stream *bedrockruntime.InvokeModelWithResponseStreamEventStream) *eventReader {
	return &eventReader{stream: stream}
}

func (r *eventReader) next() (*providerapi.Chunk, error) {
	event, ok := <-r.stream.Events()
	if !ok {
		if err := r.stream.Err(); err != nil {
			return nil, err
		}
		return nil, errStreamDone
	}

	member, ok := event.(*types.ResponseStreamMemberChunk)
	if !ok {
		return r.next()
	}

	var wevent wireStreamEvent
	if err := json.Unmarshal(member.Value.Bytes, &wevent); err != nil {
		return nil, fmt.Errorf("bedrock: decode stream event: %w", err)
	}

	out := &providerapi.Chunk{Timestamp: time.Now()}
	if wevent.Delta != nil {
		switch wevent.Delta.Type {
		case "text_delta":
			out.Content = append(out.Content, providerapi.ChunkContentDelta{
				Index: wevent.Index,
				Block: providerapi.ContentBlock{Type: providerapi.BlockText, Text: wevent.Delta.Text},
			})
		case "input_json_delta":
			out.Content = append(out.Content, providerapi.ChunkContentDelta{
				Index: wevent.Index,
				Block: providerapi.ContentBlock{Type: providerapi.BlockToolCall, Args: wevent.Delta.PartialJSON},
			})
		}
		if wevent.Delta.StopReason != "" {
			fr := convertStopReason(wevent.Delta.StopReason)
			out.FinishReason = &fr
		}
	}
	if wevent.Usage != nil {
		out.Usage = &providerapi.Usage{OutputTokens: wevent.Usage.OutputTokens}
	}
	return out, nil
}

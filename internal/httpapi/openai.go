package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tensorzero/inference-gateway/internal/engine"
	"github.com/tensorzero/inference-gateway/internal/providerapi"
	"github.com/tensorzero/inference-gateway/internal/template"
	"github.com/tensorzero/inference-gateway/internal/xerrors"
)

// openaiMessage mirrors the OpenAI chat-completions wire message shape.
type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// openaiChatRequest is the request body of the OpenAI-compatible facade
// (spec.md §6: "OpenAI-compatible facade over /inference"). model names
// the target function directly, matching the wider ecosystem's
// convention of overloading the model field for gateway routing.
type openaiChatRequest struct {
	Model    string          `json:"model"`
	Messages []openaiMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type openaiChatResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

// handleOpenAIChatCompletions translates an OpenAI-shaped request into
// engine.Params, runs the regular non-streaming Inference Engine path
// (streaming is not offered through this facade — callers wanting SSE
// use /inference directly), and translates the result back.
func (s *Server) handleOpenAIChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		writeError(w, s.logger, xerrors.New(xerrors.KindInvalidRequest, "httpapi: /openai/v1/chat/completions only accepts POST"))
		return
	}

	var req openaiChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, xerrors.Wrap(xerrors.KindInvalidRequest, err, "httpapi: malformed request body"))
		return
	}
	if req.Model == "" {
		writeError(w, s.logger, xerrors.New(xerrors.KindInvalidRequest, "httpapi: model is required"))
		return
	}

	params := engine.Params{
		FunctionName: req.Model,
		Input:        openaiMessagesToInput(req.Messages),
	}

	result, err := s.engine.Infer(r.Context(), params)
	if err != nil {
		s.observeRequest("/openai/v1/chat/completions", req.Model, false, time.Since(start), err)
		writeError(w, s.logger, err)
		return
	}

	s.observeRequest("/openai/v1/chat/completions", req.Model, true, time.Since(start), nil)
	writeJSON(w, http.StatusOK, openaiResponseFrom(req.Model, result))
}

func openaiMessagesToInput(messages []openaiMessage) template.Input {
	in := template.Input{}
	for _, m := range messages {
		if m.Role == string(providerapi.RoleSystem) {
			in.SystemText = m.Content
			continue
		}
		in.Messages = append(in.Messages, template.MessageInput{
			Role: providerapi.Role(m.Role),
			Text: m.Content,
		})
	}
	return in
}

func openaiResponseFrom(model string, result *engine.Result) openaiChatResponse {
	var text string
	for _, b := range result.Response.Content {
		if b.Type == providerapi.BlockText {
			text += b.Text
		}
	}
	finish := "stop"
	if result.Response.FinishReason == providerapi.FinishLength {
		finish = "length"
	}
	return openaiChatResponse{
		ID:     result.InferenceID.String(),
		Object: "chat.completion",
		Model:  model,
		Choices: []openaiChoice{{
			Index:        0,
			Message:      openaiMessage{Role: string(providerapi.RoleAssistant), Content: text},
			FinishReason: finish,
		}},
		Usage: openaiUsage{
			PromptTokens:     result.Response.Usage.InputTokens,
			CompletionTokens: result.Response.Usage.OutputTokens,
			TotalTokens:      result.Response.Usage.InputTokens + result.Response.Usage.OutputTokens,
		},
	}
}

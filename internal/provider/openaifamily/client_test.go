package openaifamily

import (
	"strings"
	"testing"
	"time"

	"github.com/openai/openai-go"

	"github.com/tensorzero/inference-gateway/internal/providerapi"
)

func TestBuildParamsTranslatesSystemAndUserMessages(t *testing.T) {
	temp := 0.7
	req := &providerapi.Request{
		System: "be terse",
		Messages: []providerapi.Message{
			{Role: providerapi.RoleUser, Content: []providerapi.ContentBlock{{Type: providerapi.BlockText, Text: "hello"}}},
		},
		Temperature: &temp,
	}

	params, raw, err := BuildParams(req, "gpt-4o-mini")
	if err != nil {
		t.Fatalf("BuildParams: %v", err)
	}
	if string(params.Model) != "gpt-4o-mini" {
		t.Fatalf("Model = %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("expected system+user = 2 messages, got %d", len(params.Messages))
	}
	if !strings.Contains(string(raw), `"temperature":0.7`) {
		t.Fatalf("temperature not present in marshalled params: %s", raw)
	}
}

func TestBuildParamsRejectsToolMessageWithoutToolResult(t *testing.T) {
	req := &providerapi.Request{
		Messages: []providerapi.Message{
			{Role: providerapi.RoleTool, Content: []providerapi.ContentBlock{{Type: providerapi.BlockText, Text: "oops"}}},
		},
	}
	if _, _, err := BuildParams(req, "gpt-4o-mini"); err == nil {
		t.Fatal("expected error for tool message missing tool_result block")
	}
}

func TestBuildParamsRejectsUnknownRole(t *testing.T) {
	req := &providerapi.Request{
		Messages: []providerapi.Message{{Role: providerapi.Role("narrator")}},
	}
	if _, _, err := BuildParams(req, "gpt-4o-mini"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestBuildParamsAssistantMessageCarriesToolCalls(t *testing.T) {
	req := &providerapi.Request{
		Messages: []providerapi.Message{
			{
				Role: providerapi.RoleAssistant,
				Content: []providerapi.ContentBlock{
					{Type: providerapi.BlockText, Text: "checking"},
					{Type: providerapi.BlockToolCall, ID: "call_1", Name: "lookup", Args: `{"q":"x"}`},
				},
			},
		},
	}
	params, _, err := BuildParams(req, "gpt-4o-mini")
	if err != nil {
		t.Fatalf("BuildParams: %v", err)
	}
	asst := params.Messages[0].OfAssistant
	if asst == nil {
		t.Fatal("expected an assistant message param")
	}
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "call_1" {
		t.Fatalf("tool calls not carried through: %+v", asst.ToolCalls)
	}
}

func TestConvertResponseMapsContentAndUsage(t *testing.T) {
	resp := &openai.ChatCompletion{}
	resp.Choices = []openai.ChatCompletionChoice{{
		FinishReason: "stop",
	}}
	resp.Choices[0].Message.Content = "hi there"
	resp.Usage.PromptTokens = 12
	resp.Usage.CompletionTokens = 4

	out, err := ConvertResponse(resp, []byte("{}"), []byte("{}"), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("ConvertResponse: %v", err)
	}
	if len(out.Content) != 1 || out.Content[0].Text != "hi there" {
		t.Fatalf("content not mapped: %+v", out.Content)
	}
	if out.Usage.InputTokens != 12 || out.Usage.OutputTokens != 4 {
		t.Fatalf("usage not mapped: %+v", out.Usage)
	}
	if out.FinishReason != providerapi.FinishStop {
		t.Fatalf("FinishReason = %v", out.FinishReason)
	}
}

func TestConvertResponseRejectsNoChoices(t *testing.T) {
	resp := &openai.ChatCompletion{}
	if _, err := ConvertResponse(resp, nil, nil, 0); err == nil {
		t.Fatal("expected error when response has no choices")
	}
}

func TestConvertFinishReasonMapsKnownValues(t *testing.T) {
	cases := map[string]providerapi.FinishReason{
		"stop":           providerapi.FinishStop,
		"length":         providerapi.FinishLength,
		"tool_calls":     providerapi.FinishToolCall,
		"function_call":  providerapi.FinishToolCall,
		"content_filter": providerapi.FinishContentFilter,
		"something_else": providerapi.FinishUnknown,
	}
	for in, want := range cases {
		if got := convertFinishReason(in); got != want {
			t.Errorf("convertFinishReason(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestConvertChunkMapsTextDeltaAndFinishReason(t *testing.T) {
	chunk := &openai.ChatCompletionChunk{}
	chunk.Choices = []openai.ChatCompletionChunkChoice{{FinishReason: "stop"}}
	chunk.Choices[0].Delta.Content = "partial"

	out := ConvertChunk(chunk)

	if len(out.Content) != 1 || out.Content[0].Block.Text != "partial" {
		t.Fatalf("delta content not mapped: %+v", out.Content)
	}
	if out.FinishReason == nil || *out.FinishReason != providerapi.FinishStop {
		t.Fatalf("FinishReason not mapped: %+v", out.FinishReason)
	}
}

func TestConvertChunkHandlesEmptyChoices(t *testing.T) {
	chunk := &openai.ChatCompletionChunk{}
	out := ConvertChunk(chunk)
	if len(out.Content) != 0 || out.FinishReason != nil {
		t.Fatalf("expected empty chunk, got %+v", out)
	}
}

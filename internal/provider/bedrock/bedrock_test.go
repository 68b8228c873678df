package bedrock

import (
	"encoding/json"
	"testing"

	"github.com/tensorzero/inference-gateway/internal/providerapi"
)

func TestBuildWireRequestCapsMaxTokens(t *testing.T) {
	huge := int64(500_000)
	req := &providerapi.Request{MaxTokens: &huge}

	wr := buildWireRequest(req)

	if wr.MaxTokens != 200000 {
		t.Fatalf("MaxTokens = %d, want capped at 200000", wr.MaxTokens)
	}
	if wr.AnthropicVersion != anthropicVersion {
		t.Fatalf("AnthropicVersion = %q", wr.AnthropicVersion)
	}
}

func TestBuildWireRequestDefaultsMaxTokens(t *testing.T) {
	wr := buildWireRequest(&providerapi.Request{})
	if wr.MaxTokens != 4096 {
		t.Fatalf("MaxTokens = %d, want default 4096", wr.MaxTokens)
	}
}

func TestBuildWireRequestMapsMessageRolesAndBlocks(t *testing.T) {
	req := &providerapi.Request{
		System: "be terse",
		Messages: []providerapi.Message{
			{Role: providerapi.RoleUser, Content: []providerapi.ContentBlock{{Type: providerapi.BlockText, Text: "hi"}}},
			{
				Role: providerapi.RoleAssistant,
				Content: []providerapi.ContentBlock{
					{Type: providerapi.BlockToolCall, ID: "call_1", Name: "lookup", Args: `{"q":1}`},
				},
			},
			{Role: providerapi.RoleTool, Content: []providerapi.ContentBlock{{Type: providerapi.BlockToolResult, ID: "call_1", Result: "42"}}},
		},
	}

	wr := buildWireRequest(req)

	if wr.System != "be terse" {
		t.Fatalf("System = %q", wr.System)
	}
	if len(wr.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(wr.Messages))
	}
	if wr.Messages[0].Role != "user" {
		t.Fatalf("first message role = %q, want user", wr.Messages[0].Role)
	}
	if wr.Messages[1].Role != "assistant" || wr.Messages[1].Content[0].Type != "tool_use" {
		t.Fatalf("assistant tool_use block mistranslated: %+v", wr.Messages[1])
	}
	// Tool-result messages keep the "user" role Bedrock's Claude wire
	// format expects; providerapi.RoleTool has no direct wire equivalent.
	if wr.Messages[2].Role != "user" || wr.Messages[2].Content[0].Type != "tool_result" {
		t.Fatalf("tool_result message mistranslated: %+v", wr.Messages[2])
	}
}

func TestBuildWireRequestSkipsMessagesWithNoMappedContent(t *testing.T) {
	req := &providerapi.Request{
		Messages: []providerapi.Message{
			{Role: providerapi.RoleUser, Content: []providerapi.ContentBlock{{Type: providerapi.BlockThought, Text: "unmapped"}}},
		},
	}
	wr := buildWireRequest(req)
	if len(wr.Messages) != 0 {
		t.Fatalf("expected thought-only message to be dropped, got %+v", wr.Messages)
	}
}

func TestConvertResponseContentMapsTextAndToolUse(t *testing.T) {
	blocks := []wireContent{
		{Type: "text", Text: "hello"},
		{Type: "tool_use", ID: "call_1", Name: "lookup", Input: json.RawMessage(`{"q":"x"}`)},
		{Type: "unknown_type", Text: "ignored"},
	}

	out := convertResponseContent(blocks)

	if len(out) != 2 {
		t.Fatalf("expected 2 mapped blocks (unknown type dropped), got %d: %+v", len(out), out)
	}
	if out[0].Type != providerapi.BlockText || out[0].Text != "hello" {
		t.Fatalf("text block mistranslated: %+v", out[0])
	}
	if out[1].Type != providerapi.BlockToolCall || out[1].Name != "lookup" || out[1].Args != `{"q":"x"}` {
		t.Fatalf("tool_use block mistranslated: %+v", out[1])
	}
}

func TestConvertStopReasonMapsKnownValues(t *testing.T) {
	cases := map[string]providerapi.FinishReason{
		"end_turn":      providerapi.FinishStop,
		"stop_sequence": providerapi.FinishStop,
		"max_tokens":    providerapi.FinishLength,
		"tool_use":      providerapi.FinishToolCall,
		"anything_else": providerapi.FinishUnknown,
	}
	for in, want := range cases {
		if got := convertStopReason(in); got != want {
			t.Errorf("convertStopReason(%q) = %v, want %v", in, got, want)
		}
	}
}

package translate

import (
	"encoding/json"
	"testing"

	"gateway/internal/anthropicproto"
	"gateway/internal/cloudcodeproto"
	"gateway/internal/registry"
)

func textMessage(role, text string) anthropicproto.Message {
	return anthropicproto.Message{
		Role:    role,
		Content: []anthropicproto.ContentBlock{{Type: anthropicproto.BlockText, Text: text}},
	}
}

func TestToGoogleSimpleRequest(t *testing.T) {
	tr := New()
	req := &anthropicproto.MessagesRequest{
		Model:     registry.ClaudeSonnet45,
		MaxTokens: 1024,
		Messages:  []anthropicproto.Message{textMessage("user", "Hello")},
	}
	out := tr.ToGoogle(req, registry.ClaudeSonnet45)
	if len(out.Contents) != 1 || out.Contents[0].Role != "user" {
		t.Fatalf("unexpected contents: %+v", out.Contents)
	}
	if out.GenerationConfig == nil || *out.GenerationConfig.MaxOutputTokens != 1024 {
		t.Fatalf("expected max tokens carried through")
	}
	if out.GenerationConfig.ThinkingConfig != nil {
		t.Fatalf("non-thinking model should have no thinking config")
	}
}

func TestToGoogleThinkingClaudeModel(t *testing.T) {
	tr := New()
	req := &anthropicproto.MessagesRequest{
		Model:     registry.ClaudeOpus45Thinking,
		MaxTokens: 512,
		Messages:  []anthropicproto.Message{textMessage("user", "Think")},
	}
	out := tr.ToGoogle(req, registry.ClaudeOpus45Thinking)
	if out.GenerationConfig.ThinkingConfig == nil || !out.GenerationConfig.ThinkingConfig.IncludeThoughts {
		t.Fatalf("expected claude thinking config")
	}
	if out.GenerationConfig.ThinkingConfig.ThinkingBudget != 0 {
		t.Fatalf("claude thinking config should not set a budget")
	}
}

func TestToGoogleThinkingGeminiModel(t *testing.T) {
	tr := New()
	req := &anthropicproto.MessagesRequest{
		Model:     registry.Gemini3Flash,
		MaxTokens: 512,
		Messages:  []anthropicproto.Message{textMessage("user", "Process")},
	}
	out := tr.ToGoogle(req, registry.Gemini3Flash)
	if out.GenerationConfig.ThinkingConfig == nil || out.GenerationConfig.ThinkingConfig.ThinkingBudget != geminiThinkingBudget {
		t.Fatalf("expected gemini thinking config with budget")
	}
}

func TestToGoogleSystemPrompt(t *testing.T) {
	tr := New()
	req := &anthropicproto.MessagesRequest{
		Model:     registry.ClaudeSonnet45,
		MaxTokens: 100,
		System:    json.RawMessage(`"You are a helpful assistant"`),
		Messages:  []anthropicproto.Message{textMessage("user", "Hi")},
	}
	out := tr.ToGoogle(req, registry.ClaudeSonnet45)
	if out.SystemInstruction == nil || len(out.SystemInstruction.Parts) != 1 {
		t.Fatalf("expected system instruction carried through")
	}
	if out.SystemInstruction.Parts[0].Text != "You are a helpful assistant" {
		t.Fatalf("unexpected system text: %+v", out.SystemInstruction.Parts[0])
	}
}

func TestToGoogleTools(t *testing.T) {
	tr := New()
	req := &anthropicproto.MessagesRequest{
		Model:     registry.ClaudeSonnet45,
		MaxTokens: 100,
		Messages:  []anthropicproto.Message{textMessage("user", "Use the tool")},
		Tools: []anthropicproto.Tool{{
			Name:        "get_weather",
			Description: "Get weather for a location",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"location":{"type":"string"}},"required":["location"]}`),
		}},
	}
	out := tr.ToGoogle(req, registry.ClaudeSonnet45)
	if len(out.Tools) != 1 || len(out.Tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("expected one tool declaration")
	}
	if out.Tools[0].FunctionDeclarations[0].Name != "get_weather" {
		t.Fatalf("unexpected tool name")
	}
}

func TestToolUseInHistoryGetsSkipSignatureForGemini(t *testing.T) {
	tr := New()
	req := &anthropicproto.MessagesRequest{
		Model:     registry.Gemini3Flash,
		MaxTokens: 100,
		Messages: []anthropicproto.Message{
			textMessage("user", "Use a tool"),
			{
				Role: "assistant",
				Content: []anthropicproto.ContentBlock{{
					Type:  anthropicproto.BlockToolUse,
					ID:    "toolu_test123",
					Name:  "get_weather",
					Input: json.RawMessage(`{"location":"NYC"}`),
				}},
			},
			{
				Role: "user",
				Content: []anthropicproto.ContentBlock{{
					Type:      anthropicproto.BlockToolResult,
					ToolUseID: "toolu_test123",
					Content:   json.RawMessage(`"Sunny, 72F"`),
				}},
			},
		},
	}
	out := tr.ToGoogle(req, registry.Gemini3Flash)
	assistant := out.Contents[1]
	if assistant.Role != "model" {
		t.Fatalf("expected model role, got %s", assistant.Role)
	}
	found := false
	for _, p := range assistant.Parts {
		if p.FunctionCall != nil && p.ThoughtSignature == GeminiSkipSignature {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected skip signature on replayed tool_use for gemini target")
	}
}

func TestToAnthropicSimpleResponse(t *testing.T) {
	tr := New()
	resp := &cloudcodeproto.GenerateContentResponse{
		Candidates: []cloudcodeproto.Candidate{{
			Content:      cloudcodeproto.Content{Role: "model", Parts: []cloudcodeproto.Part{{Text: "Hello, world!"}}},
			FinishReason: "STOP",
		}},
		UsageMetadata: &cloudcodeproto.UsageMetadata{PromptTokenCount: 100, CandidatesTokenCount: 50, TotalTokenCount: 150},
	}
	out := tr.ToAnthropic(resp, registry.ClaudeSonnet45, "req_123")
	if out.ID != "req_123" || out.Model != registry.ClaudeSonnet45 {
		t.Fatalf("unexpected response metadata: %+v", out)
	}
	if len(out.Content) != 1 || out.Content[0].Text != "Hello, world!" {
		t.Fatalf("unexpected content: %+v", out.Content)
	}
	if out.StopReason != "end_turn" {
		t.Fatalf("expected end_turn, got %s", out.StopReason)
	}
}

func TestToAnthropicStopFunctionCallOverridesStopReason(t *testing.T) {
	tr := New()
	resp := &cloudcodeproto.GenerateContentResponse{
		Candidates: []cloudcodeproto.Candidate{{
			Content: cloudcodeproto.Content{Role: "model", Parts: []cloudcodeproto.Part{
				{FunctionCall: &cloudcodeproto.FunctionCall{Name: "lookup", Args: json.RawMessage(`{}`)}},
			}},
			FinishReason: "STOP",
		}},
		UsageMetadata: &cloudcodeproto.UsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 5},
	}
	out := tr.ToAnthropic(resp, registry.ClaudeSonnet45, "req_124")
	if out.StopReason != "tool_use" {
		t.Fatalf("expected tool_use when a functionCall part is present with finishReason STOP, got %q", out.StopReason)
	}
}

func TestConvertFinishReasons(t *testing.T) {
	cases := map[string]string{
		"STOP":          "end_turn",
		"MAX_TOKENS":    "max_tokens",
		"STOP_SEQUENCE": "stop_sequence",
		"TOOL_CALL":     "tool_use",
		"FUNCTION_CALL": "tool_use",
		"SAFETY":        "end_turn",
		"WEIRD_UNKNOWN": "end_turn",
	}
	for in, want := range cases {
		if got := convertFinishReason(in); got != want {
			t.Errorf("convertFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConvertUsageWithCachedContent(t *testing.T) {
	u := &cloudcodeproto.UsageMetadata{
		PromptTokenCount:        1000,
		CandidatesTokenCount:    100,
		TotalTokenCount:         1100,
		CachedContentTokenCount: 800,
	}
	usage := convertUsage(u)
	if usage.InputTokens != 200 {
		t.Fatalf("expected input tokens 200, got %d", usage.InputTokens)
	}
	if usage.CacheReadInputTokens != 800 {
		t.Fatalf("expected cache read tokens 800, got %d", usage.CacheReadInputTokens)
	}
	if usage.CacheCreationInputTokens != 0 {
		t.Fatalf("expected cache creation tokens always populated as 0")
	}
}

func TestSanitizeSchemaConstToEnum(t *testing.T) {
	in := json.RawMessage(`{"type":"string","const":"fixed"}`)
	out := SanitizeSchema(in)
	var v map[string]any
	if err := json.Unmarshal(out, &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	enum, ok := v["enum"].([]any)
	if !ok || len(enum) != 1 || enum[0] != "fixed" {
		t.Fatalf("expected const folded to enum: %+v", v)
	}
	if _, ok := v["const"]; ok {
		t.Fatalf("const should be removed")
	}
}

func TestSanitizeSchemaEmptyObjectGetsPlaceholder(t *testing.T) {
	in := json.RawMessage(`{"type":"object"}`)
	out := SanitizeSchema(in)
	var v map[string]any
	_ = json.Unmarshal(out, &v)
	props, ok := v["properties"].(map[string]any)
	if !ok || len(props) != 1 {
		t.Fatalf("expected placeholder reason property: %+v", v)
	}
	if _, ok := props["reason"]; !ok {
		t.Fatalf("expected reason property specifically: %+v", props)
	}
	required, ok := v["required"].([]any)
	if !ok || len(required) != 1 || required[0] != "reason" {
		t.Fatalf("expected required=[reason]: %+v", v)
	}
}

func TestSanitizeSchemaDropsDisallowedFields(t *testing.T) {
	in := json.RawMessage(`{"type":"string","format":"email","minLength":3}`)
	out := SanitizeSchema(in)
	var v map[string]any
	_ = json.Unmarshal(out, &v)
	if _, ok := v["format"]; ok {
		t.Fatalf("format should be dropped")
	}
	if _, ok := v["minLength"]; ok {
		t.Fatalf("minLength should be dropped")
	}
}

func TestSanitizeSchemaPrunesInvalidRequired(t *testing.T) {
	in := json.RawMessage(`{"type":"object","properties":{"a":{"type":"string"}},"required":["a","b"]}`)
	out := SanitizeSchema(in)
	var v map[string]any
	_ = json.Unmarshal(out, &v)
	required, ok := v["required"].([]any)
	if !ok || len(required) != 1 || required[0] != "a" {
		t.Fatalf("expected required pruned to [a], got %+v", v["required"])
	}
}

func TestSanitizeSchemaDefaultsMissingType(t *testing.T) {
	in := json.RawMessage(`{"description":"no type here"}`)
	out := SanitizeSchema(in)
	var v map[string]any
	_ = json.Unmarshal(out, &v)
	if v["type"] != "object" {
		t.Fatalf("expected default type object, got %v", v["type"])
	}
}

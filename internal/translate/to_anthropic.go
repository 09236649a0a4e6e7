package translate

import (
	"gateway/internal/anthropicproto"
	"gateway/internal/cloudcodeproto"
	"gateway/internal/registry"

	"github.com/google/uuid"
)

// ToAnthropic converts a Cloud Code generateContent response into an
// Anthropic Messages response. requestID is echoed as the response id.
func (t *Translator) ToAnthropic(resp *cloudcodeproto.GenerateContentResponse, model, requestID string) *anthropicproto.MessagesResponse {
	family := registry.FamilyOf(model)
	if family == registry.FamilyUnknown {
		family = registry.FamilyClaude
	}

	var content []anthropicproto.ContentBlock
	var stopReason string
	if len(resp.Candidates) > 0 {
		content, stopReason = t.convertCandidate(resp.Candidates[0], family)
	}

	var usage anthropicproto.Usage
	if resp.UsageMetadata != nil {
		usage = convertUsage(resp.UsageMetadata)
	}

	return &anthropicproto.MessagesResponse{
		ID:         requestID,
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    content,
		StopReason: stopReason,
		Usage:      usage,
	}
}

func (t *Translator) convertCandidate(c cloudcodeproto.Candidate, family registry.Family) ([]anthropicproto.ContentBlock, string) {
	content := t.convertParts(c.Content.Parts, family)
	var stopReason string
	if c.FinishReason != "" {
		stopReason = convertFinishReason(c.FinishReason)
	}
	for _, b := range content {
		if b.Type == anthropicproto.BlockToolUse {
			stopReason = "tool_use"
			break
		}
	}
	return content, stopReason
}

func (t *Translator) convertParts(parts []cloudcodeproto.Part, family registry.Family) []anthropicproto.ContentBlock {
	out := make([]anthropicproto.ContentBlock, 0, len(parts))
	for _, p := range parts {
		if b, ok := t.convertPart(p, family); ok {
			out = append(out, b)
		}
	}
	return out
}

func (t *Translator) convertPart(p cloudcodeproto.Part, family registry.Family) (anthropicproto.ContentBlock, bool) {
	switch {
	case p.FunctionCall != nil:
		id := p.FunctionCall.ID
		if id == "" {
			id = "toolu_" + generateID()
		}
		if p.ThoughtSignature != "" {
			t.signatures.CacheToolSignature(id, p.ThoughtSignature)
		}
		return anthropicproto.ContentBlock{
			Type:  anthropicproto.BlockToolUse,
			ID:    id,
			Name:  p.FunctionCall.Name,
			Input: p.FunctionCall.Args,
		}, true

	case p.Thought:
		if p.ThoughtSignature != "" {
			t.signatures.CacheThinkingSignature(p.ThoughtSignature, family)
		}
		return anthropicproto.ContentBlock{
			Type:      anthropicproto.BlockThinking,
			Thinking:  p.Text,
			Signature: p.ThoughtSignature,
		}, true

	case p.InlineData != nil, p.FunctionResponse != nil:
		return anthropicproto.ContentBlock{}, false

	default:
		return anthropicproto.ContentBlock{Type: anthropicproto.BlockText, Text: p.Text}, true
	}
}

func convertFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "end_turn"
	case "MAX_TOKENS":
		return "max_tokens"
	case "STOP_SEQUENCE":
		return "stop_sequence"
	case "TOOL_CALL", "FUNCTION_CALL":
		return "tool_use"
	case "SAFETY", "RECITATION", "OTHER":
		// Surfaced as a normal end_turn so the stream never breaks client
		// expectations. The raw reason is dropped: the Anthropic response
		// has no field that carries it.
		return "end_turn"
	default:
		return "end_turn"
	}
}

func convertUsage(u *cloudcodeproto.UsageMetadata) anthropicproto.Usage {
	inputTokens := u.PromptTokenCount
	if u.CachedContentTokenCount > 0 {
		inputTokens = u.PromptTokenCount - u.CachedContentTokenCount
		if inputTokens < 0 {
			inputTokens = 0
		}
	}
	usage := anthropicproto.Usage{
		InputTokens:              inputTokens,
		OutputTokens:             u.CandidatesTokenCount,
		CacheCreationInputTokens: 0,
	}
	if u.CachedContentTokenCount > 0 {
		usage.CacheReadInputTokens = u.CachedContentTokenCount
	}
	return usage
}

func generateID() string {
	return uuid.NewString()
}

// Package translate converts between the Anthropic-shaped wire types this
// gateway accepts from clients and the Google Cloud Code wire types it
// dispatches upstream.
package translate

import (
	"encoding/json"

	"gateway/internal/anthropicproto"
	"gateway/internal/cloudcodeproto"
	"gateway/internal/registry"
)

const geminiThinkingBudget = 16000

// Translator holds the long-lived signature cache used to carry thinking
// and tool-use signatures across requests in a conversation.
type Translator struct {
	signatures *SignatureCache
}

func New() *Translator {
	return &Translator{signatures: NewSignatureCache()}
}

// Signatures exposes the translator's long-lived signature cache so the SSE
// parser can share it when reconstructing thinking/tool_use blocks from a
// streamed response for the same conversation.
func (t *Translator) Signatures() *SignatureCache {
	return t.signatures
}

// ToGoogle converts an Anthropic Messages request into a Cloud Code
// generateContent request targeting canonicalModel.
func (t *Translator) ToGoogle(req *anthropicproto.MessagesRequest, canonicalModel string) *cloudcodeproto.GenerateContentRequest {
	isThinking := registry.IsThinkingModel(canonicalModel)
	family := registry.FamilyOf(canonicalModel)

	contents := make([]cloudcodeproto.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		contents = append(contents, t.convertMessage(m, family))
	}

	var systemInstruction *cloudcodeproto.Content
	if len(req.System) > 0 {
		systemInstruction = t.convertSystemPrompt(req.System)
	}

	var thinkingConfig *cloudcodeproto.ThinkingConfig
	if isThinking {
		switch family {
		case registry.FamilyClaude:
			thinkingConfig = &cloudcodeproto.ThinkingConfig{IncludeThoughts: true}
		case registry.FamilyGemini:
			thinkingConfig = &cloudcodeproto.ThinkingConfig{IncludeThoughts: true, ThinkingBudget: geminiThinkingBudget}
		}
	}

	maxTokens := req.MaxTokens
	genConfig := &cloudcodeproto.GenerationConfig{
		MaxOutputTokens: &maxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		TopK:            req.TopK,
		StopSequences:   req.StopSeqs,
		ThinkingConfig:  thinkingConfig,
	}

	var tools []cloudcodeproto.ToolDeclaration
	if len(req.Tools) > 0 {
		tools = t.convertTools(req.Tools)
	}

	return &cloudcodeproto.GenerateContentRequest{
		SystemInstruction: systemInstruction,
		Contents:          contents,
		GenerationConfig:  genConfig,
		Tools:             tools,
	}
}

func (t *Translator) convertMessage(m anthropicproto.Message, targetFamily registry.Family) cloudcodeproto.Content {
	role := "user"
	if m.Role == "assistant" {
		role = "model"
	}
	parts := make([]cloudcodeproto.Part, 0, len(m.Content))
	for _, b := range m.Content {
		if p, ok := t.convertContentBlock(b, targetFamily); ok {
			parts = append(parts, p)
		}
	}
	return cloudcodeproto.Content{Role: role, Parts: parts}
}

func (t *Translator) convertSystemPrompt(raw json.RawMessage) *cloudcodeproto.Content {
	trimmed := trimLeadingSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return &cloudcodeproto.Content{Role: "user", Parts: []cloudcodeproto.Part{{Text: s}}}
		}
	}
	var blocks []anthropicproto.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return &cloudcodeproto.Content{Role: "user"}
	}
	parts := make([]cloudcodeproto.Part, 0, len(blocks))
	for _, b := range blocks {
		// System prompts never carry signature-bearing blocks meaningfully,
		// so there is no target family to check compatibility against.
		if p, ok := t.convertContentBlock(b, ""); ok {
			parts = append(parts, p)
		}
	}
	return &cloudcodeproto.Content{Role: "user", Parts: parts}
}

func (t *Translator) convertContentBlock(b anthropicproto.ContentBlock, targetFamily registry.Family) (cloudcodeproto.Part, bool) {
	switch b.Type {
	case anthropicproto.BlockText:
		return cloudcodeproto.Part{Text: b.Text}, true

	case anthropicproto.BlockImage:
		if b.Source == nil {
			return cloudcodeproto.Part{}, false
		}
		return cloudcodeproto.Part{InlineData: &cloudcodeproto.Blob{
			MimeType: b.Source.MediaType,
			Data:     b.Source.Data,
		}}, true

	case anthropicproto.BlockToolUse:
		var signature string
		if targetFamily == registry.FamilyGemini {
			if sig, ok := t.signatures.ToolSignature(b.ID); ok {
				signature = sig
			} else {
				signature = GeminiSkipSignature
			}
		}
		return cloudcodeproto.Part{
			FunctionCall: &cloudcodeproto.FunctionCall{
				Name: b.Name,
				Args: b.Input,
				ID:   b.ID,
			},
			ThoughtSignature: signature,
		}, true

	case anthropicproto.BlockToolResult:
		text := b.ToolResultText()
		var response json.RawMessage
		if b.IsError {
			response, _ = json.Marshal(map[string]string{"error": text})
		} else {
			response, _ = json.Marshal(map[string]string{"result": text})
		}
		return cloudcodeproto.Part{
			FunctionResponse: &cloudcodeproto.FunctionResponse{
				Name:     b.ToolUseID,
				Response: response,
				ID:       b.ToolUseID,
			},
		}, true

	case anthropicproto.BlockThinking:
		if targetFamily != "" && b.Signature != "" {
			if !t.signatures.IsSignatureCompatible(b.Signature, targetFamily) {
				return cloudcodeproto.Part{}, false
			}
		}
		signature := b.Signature
		if len(signature) < MinSignatureLength {
			signature = ""
		}
		return cloudcodeproto.Part{
			Thought:          true,
			Text:             b.Thinking,
			ThoughtSignature: signature,
		}, true

	default:
		return cloudcodeproto.Part{}, false
	}
}

func (t *Translator) convertTools(tools []anthropicproto.Tool) []cloudcodeproto.ToolDeclaration {
	decls := make([]cloudcodeproto.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		decls = append(decls, cloudcodeproto.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  SanitizeSchema(tool.InputSchema),
		})
	}
	return []cloudcodeproto.ToolDeclaration{{FunctionDeclarations: decls}}
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n' || b[i] == '\r') {
		i++
	}
	return b[i:]
}

// Package sse implements the streaming Anthropic event codec: a parser
// that turns incremental Google Cloud Code generateContent SSE chunks
// into Anthropic Messages stream events, and an emitter that writes those
// events back out over http.ResponseWriter.
package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gateway/internal/cloudcodeproto"
	"gateway/internal/registry"
	"gateway/internal/translate"

	"github.com/google/uuid"
)

type blockType int

const (
	blockNone blockType = iota
	blockText
	blockThinking
	blockToolUse
)

// Event is one Anthropic stream event the parser emits. Exactly the
// fields relevant to Type are populated.
type Event struct {
	Type string

	MessageStart    *MessageStartPayload
	ContentBlock    *ContentBlockPayload
	Delta           *DeltaPayload
	BlockIndex      int
	MessageDelta    *MessageDeltaPayload
	ErrorPayload    *ErrorPayload
}

type MessageStartPayload struct {
	ID    string
	Model string
	Usage UsagePayload
}

type UsagePayload struct {
	InputTokens              int
	OutputTokens             int
	CacheReadInputTokens     int
	CacheCreationInputTokens int
}

type ContentBlockPayload struct {
	Type string
	Text string
	ID   string
	Name string
}

type DeltaPayload struct {
	Type         string
	Text         string
	Thinking     string
	Signature    string
	PartialJSON  string
}

type MessageDeltaPayload struct {
	StopReason string
	Usage      UsagePayload
}

type ErrorPayload struct {
	Type    string
	Message string
}

// Parser is a stateful, incremental decoder: feed it raw bytes as they
// arrive from the upstream and it returns whatever complete Anthropic
// events those bytes completed.
type Parser struct {
	buf []byte

	model     string
	family    registry.Family
	messageID string

	hasEmittedStart bool
	blockIndex      int
	currentBlock    blockType
	currentThinkSig string

	inputTokens     int
	outputTokens    int
	cacheReadTokens int
	stopReason      string

	lastRawData string

	signatures *translate.SignatureCache
}

func NewParser(model string, signatures *translate.SignatureCache) *Parser {
	return &Parser{
		model:      model,
		family:     registry.FamilyOf(model),
		messageID:  "msg_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		signatures: signatures,
	}
}

// Feed appends data to the internal buffer and returns every event
// completed by it. Call Finish once the upstream stream ends.
func (p *Parser) Feed(data []byte) []Event {
	p.buf = append(p.buf, data...)

	var events []Event
	for {
		pos, skip := nextBoundary(p.buf)
		if pos < 0 {
			break
		}
		line := p.buf[:pos]
		p.buf = p.buf[pos+skip:]
		events = append(events, p.parseLine(line)...)
	}
	return events
}

func nextBoundary(buf []byte) (int, int) {
	if i := bytes.Index(buf, []byte("\r\n\r\n")); i >= 0 {
		return i, 4
	}
	if i := bytes.Index(buf, []byte("\n\n")); i >= 0 {
		return i, 2
	}
	return -1, 0
}

func (p *Parser) parseLine(line []byte) []Event {
	data := extractData(line)
	if data == "" {
		return nil
	}
	if data == "[DONE]" {
		return []Event{{Type: "message_stop"}}
	}

	if len(data) > 500 {
		p.lastRawData = data[:500]
	} else {
		p.lastRawData = data
	}

	resp, errEvent := p.decodeResponse([]byte(data))
	if errEvent != nil {
		return []Event{*errEvent}
	}
	if resp == nil {
		return nil
	}

	if resp.Error != nil {
		return []Event{{Type: "error", ErrorPayload: &ErrorPayload{
			Type:    "api_error",
			Message: fmt.Sprintf("Google API error (%s): %s", resp.Error.Status, resp.Error.Message),
		}}}
	}

	return p.processResponse(resp)
}

func extractData(line []byte) string {
	var dataLines []string
	for _, raw := range bytes.Split(line, []byte("\n")) {
		ln := strings.TrimRight(string(raw), "\r")
		switch {
		case strings.HasPrefix(ln, "data: "):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(ln, "data: ")))
		case strings.HasPrefix(ln, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(ln, "data:")))
		}
	}
	return strings.TrimSpace(strings.Join(dataLines, "\n"))
}

// decodeResponse tries the CloudCodeResponse wrapper first, then falls
// back to a bare GenerateContentResponse. When the payload is shaped like
// a wrapper (has a "response" key) but fails to parse as one, or carries
// a bare top-level Google error object, it returns a diagnostic error
// event instead of silently misreporting "no candidates".
func (p *Parser) decodeResponse(data []byte) (*cloudcodeproto.GenerateContentResponse, *Event) {
	var wrapper cloudcodeproto.CloudCodeResponse
	if err := json.Unmarshal(data, &wrapper); err == nil && wrapper.Response != nil {
		return wrapper.Response, nil
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(data, &generic); err == nil {
		if _, hasResponse := generic["response"]; hasResponse {
			msg := fmt.Sprintf("Failed to parse CloudCodeResponse wrapper. Raw: %s", truncate(string(data), 300))
			return nil, &Event{Type: "error", ErrorPayload: &ErrorPayload{Type: "api_error", Message: msg}}
		}
		if rawErr, hasError := generic["error"]; hasError {
			var statusErr cloudcodeproto.StatusError
			if err := json.Unmarshal(rawErr, &statusErr); err == nil {
				msg := fmt.Sprintf("Google API error (%s): %s", statusErr.Status, statusErr.Message)
				return nil, &Event{Type: "error", ErrorPayload: &ErrorPayload{Type: "api_error", Message: msg}}
			}
		}
	}

	var resp cloudcodeproto.GenerateContentResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, nil
	}
	return &resp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (p *Parser) processResponse(resp *cloudcodeproto.GenerateContentResponse) []Event {
	var events []Event

	if resp.UsageMetadata != nil {
		p.inputTokens = resp.UsageMetadata.PromptTokenCount
		p.outputTokens = resp.UsageMetadata.CandidatesTokenCount
		p.cacheReadTokens = resp.UsageMetadata.CachedContentTokenCount
	}

	var candidate *cloudcodeproto.Candidate
	if len(resp.Candidates) > 0 {
		candidate = &resp.Candidates[0]
	}

	if candidate != nil && candidate.FinishReason != "" {
		reason := strings.ToUpper(candidate.FinishReason)
		if reason == "SAFETY" || reason == "BLOCKED" || reason == "RECITATION" || reason == "OTHER" {
			return []Event{{Type: "error", ErrorPayload: &ErrorPayload{
				Type:    "api_error",
				Message: fmt.Sprintf("Response blocked by Google API (reason: %s)", candidate.FinishReason),
			}}}
		}
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return []Event{{Type: "error", ErrorPayload: &ErrorPayload{
			Type:    "invalid_request_error",
			Message: fmt.Sprintf("Prompt blocked by Google API (reason: %s)", resp.PromptFeedback.BlockReason),
		}}}
	}

	if candidate == nil && !p.hasEmittedStart {
		return []Event{{Type: "error", ErrorPayload: &ErrorPayload{
			Type:    "api_error",
			Message: fmt.Sprintf("Model %s returned no candidates. The model may be unavailable.", p.model),
		}}}
	}

	// Google occasionally answers an outdated client with a candidate that
	// has no role, no finishReason, and no usageMetadata: a plain-text
	// "please update your client" notice disguised as a normal response.
	// Surface its text as a diagnostic error rather than rendering it.
	if candidate != nil && candidate.Content.Role == "" && candidate.FinishReason == "" &&
		resp.UsageMetadata == nil && len(candidate.Content.Parts) > 0 {
		var text string
		for _, part := range candidate.Content.Parts {
			text += part.Text
		}
		if text != "" {
			return []Event{{Type: "error", ErrorPayload: &ErrorPayload{Type: "api_error", Message: text}}}
		}
	}

	var parts []cloudcodeproto.Part
	if candidate != nil {
		parts = candidate.Content.Parts
	}

	if !p.hasEmittedStart && len(parts) > 0 {
		p.hasEmittedStart = true
		adjustedInput := p.inputTokens - p.cacheReadTokens
		if adjustedInput < 0 {
			adjustedInput = 0
		}
		events = append(events, Event{
			Type: "message_start",
			MessageStart: &MessageStartPayload{
				ID:    p.messageID,
				Model: p.model,
				Usage: UsagePayload{
					InputTokens:              adjustedInput,
					CacheReadInputTokens:     p.cacheReadTokens,
					CacheCreationInputTokens: 0,
				},
			},
		})
	}

	for _, part := range parts {
		events = append(events, p.processPart(part)...)
	}

	if candidate != nil && candidate.FinishReason != "" && p.stopReason == "" {
		switch candidate.FinishReason {
		case "MAX_TOKENS":
			p.stopReason = "max_tokens"
		default:
			p.stopReason = "end_turn"
		}
	}

	return events
}

func (p *Parser) processPart(part cloudcodeproto.Part) []Event {
	var events []Event

	switch {
	case part.Thought:
		if p.currentBlock != blockThinking {
			if p.currentBlock != blockNone {
				events = append(events, p.closeBlock())
			}
			p.currentBlock = blockThinking
			p.currentThinkSig = ""
			events = append(events, Event{
				Type:         "content_block_start",
				BlockIndex:   p.blockIndex,
				ContentBlock: &ContentBlockPayload{Type: "thinking"},
			})
		}
		if len(part.ThoughtSignature) >= translate.MinSignatureLength {
			p.currentThinkSig = part.ThoughtSignature
			p.signatures.CacheThinkingSignature(part.ThoughtSignature, p.family)
		}
		if part.Text != "" {
			events = append(events, Event{
				Type:       "content_block_delta",
				BlockIndex: p.blockIndex,
				Delta:      &DeltaPayload{Type: "thinking_delta", Thinking: part.Text},
			})
		}

	case part.FunctionCall != nil:
		if p.currentBlock == blockThinking && p.currentThinkSig != "" {
			events = append(events, Event{
				Type:       "content_block_delta",
				BlockIndex: p.blockIndex,
				Delta:      &DeltaPayload{Type: "signature_delta", Signature: p.currentThinkSig},
			})
			p.currentThinkSig = ""
		}
		if p.currentBlock != blockNone {
			events = append(events, p.closeBlock())
		}
		p.currentBlock = blockToolUse
		p.stopReason = "tool_use"

		toolID := part.FunctionCall.ID
		if toolID == "" {
			toolID = "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}

		events = append(events, Event{
			Type:         "content_block_start",
			BlockIndex:   p.blockIndex,
			ContentBlock: &ContentBlockPayload{Type: "tool_use", ID: toolID, Name: part.FunctionCall.Name},
		})
		events = append(events, Event{
			Type:       "content_block_delta",
			BlockIndex: p.blockIndex,
			Delta:      &DeltaPayload{Type: "input_json_delta", PartialJSON: string(argsWithoutID(part.FunctionCall.Args))},
		})

		if len(part.ThoughtSignature) >= translate.MinSignatureLength {
			p.signatures.CacheToolSignature(toolID, part.ThoughtSignature)
		}

	case part.InlineData != nil, part.FunctionResponse != nil:
		// not representable in an Anthropic stream

	default:
		if part.Text == "" {
			break
		}
		if p.currentBlock != blockText {
			if p.currentBlock == blockThinking && p.currentThinkSig != "" {
				events = append(events, Event{
					Type:       "content_block_delta",
					BlockIndex: p.blockIndex,
					Delta:      &DeltaPayload{Type: "signature_delta", Signature: p.currentThinkSig},
				})
				p.currentThinkSig = ""
			}
			if p.currentBlock != blockNone {
				events = append(events, p.closeBlock())
			}
			p.currentBlock = blockText
			events = append(events, Event{
				Type:         "content_block_start",
				BlockIndex:   p.blockIndex,
				ContentBlock: &ContentBlockPayload{Type: "text"},
			})
		}
		events = append(events, Event{
			Type:       "content_block_delta",
			BlockIndex: p.blockIndex,
			Delta:      &DeltaPayload{Type: "text_delta", Text: part.Text},
		})
	}

	return events
}

func argsWithoutID(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw
	}
	delete(obj, "id")
	out, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return out
}

func (p *Parser) closeBlock() Event {
	e := Event{Type: "content_block_stop", BlockIndex: p.blockIndex}
	p.blockIndex++
	return e
}

// Finish closes any still-open block and returns the final message_delta
// (and, implicitly via the caller, message_stop) events. Call this once
// after the upstream stream has ended.
func (p *Parser) Finish() []Event {
	var events []Event

	if p.currentBlock != blockNone {
		if p.currentBlock == blockThinking && p.currentThinkSig != "" {
			events = append(events, Event{
				Type:       "content_block_delta",
				BlockIndex: p.blockIndex,
				Delta:      &DeltaPayload{Type: "signature_delta", Signature: p.currentThinkSig},
			})
		}
		events = append(events, Event{Type: "content_block_stop", BlockIndex: p.blockIndex})
	}

	stopReason := p.stopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}

	events = append(events, Event{
		Type: "message_delta",
		MessageDelta: &MessageDeltaPayload{
			StopReason: stopReason,
			Usage: UsagePayload{
				OutputTokens:         p.outputTokens,
				CacheReadInputTokens: p.cacheReadTokens,
			},
		},
	})

	return events
}

package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Emitter writes Anthropic stream Events as framed SSE over an
// http.ResponseWriter, flushing after every event so clients see tokens
// as they arrive.
type Emitter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func NewEmitter(w http.ResponseWriter) *Emitter {
	flusher, _ := w.(http.Flusher)
	return &Emitter{w: w, flusher: flusher}
}

func (e *Emitter) flush() {
	if e.flusher != nil {
		e.flusher.Flush()
	}
}

// Write renders ev as one `event: <type>\ndata: <json>\n\n` frame and
// flushes it immediately.
func (e *Emitter) Write(ev Event) error {
	payload, eventType := buildPayload(ev)
	if eventType == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sse: marshal %s event: %w", eventType, err)
	}

	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", eventType, body); err != nil {
		return err
	}
	e.flush()
	return nil
}

func buildPayload(ev Event) (any, string) {
	switch ev.Type {
	case "message_start":
		return map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            ev.MessageStart.ID,
				"type":          "message",
				"role":          "assistant",
				"model":         ev.MessageStart.Model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage": map[string]any{
					"input_tokens":                ev.MessageStart.Usage.InputTokens,
					"output_tokens":                0,
					"cache_creation_input_tokens": ev.MessageStart.Usage.CacheCreationInputTokens,
					"cache_read_input_tokens":     ev.MessageStart.Usage.CacheReadInputTokens,
				},
			},
		}, "message_start"

	case "content_block_start":
		block := map[string]any{"type": ev.ContentBlock.Type}
		switch ev.ContentBlock.Type {
		case "text":
			block["text"] = ""
		case "thinking":
			block["thinking"] = ""
		case "tool_use":
			block["id"] = ev.ContentBlock.ID
			block["name"] = ev.ContentBlock.Name
			block["input"] = map[string]any{}
		}
		return map[string]any{
			"type":          "content_block_start",
			"index":         ev.BlockIndex,
			"content_block": block,
		}, "content_block_start"

	case "content_block_delta":
		var delta map[string]any
		switch ev.Delta.Type {
		case "text_delta":
			delta = map[string]any{"type": "text_delta", "text": ev.Delta.Text}
		case "thinking_delta":
			delta = map[string]any{"type": "thinking_delta", "thinking": ev.Delta.Thinking}
		case "signature_delta":
			delta = map[string]any{"type": "signature_delta", "signature": ev.Delta.Signature}
		case "input_json_delta":
			delta = map[string]any{"type": "input_json_delta", "partial_json": ev.Delta.PartialJSON}
		}
		return map[string]any{
			"type":  "content_block_delta",
			"index": ev.BlockIndex,
			"delta": delta,
		}, "content_block_delta"

	case "content_block_stop":
		return map[string]any{
			"type":  "content_block_stop",
			"index": ev.BlockIndex,
		}, "content_block_stop"

	case "message_delta":
		return map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   ev.MessageDelta.StopReason,
				"stop_sequence": nil,
			},
			"usage": map[string]any{
				"output_tokens":            ev.MessageDelta.Usage.OutputTokens,
				"cache_read_input_tokens":  ev.MessageDelta.Usage.CacheReadInputTokens,
			},
		}, "message_delta"

	case "message_stop":
		return map[string]any{"type": "message_stop"}, "message_stop"

	case "error":
		return map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    ev.ErrorPayload.Type,
				"message": ev.ErrorPayload.Message,
			},
		}, "error"

	default:
		return nil, ""
	}
}

// WriteStream feeds chunk through parser and writes every resulting event
// through e. Call it once per chunk read from the upstream body; once the
// body is exhausted, call parser.Finish and write its events plus a final
// message_stop separately. It returns early if the upstream sends an error
// event.
func WriteStream(e *Emitter, parser *Parser, chunk []byte) error {
	for _, ev := range parser.Feed(chunk) {
		if err := e.Write(ev); err != nil {
			return err
		}
		if ev.Type == "error" {
			return fmt.Errorf("upstream stream error: %s", ev.ErrorPayload.Message)
		}
	}
	return nil
}

package pipeline

import (
	"encoding/json"

	"gateway/internal/anthropicproto"
	"gateway/internal/sse"
)

// collector replays sse.Events into a buffered MessagesResponse. It exists
// because thinking models must be dispatched upstream through the
// streaming Cloud Code path even when the client itself asked for a
// buffered reply (cloudcode.UseStreamingPath), so the pipeline needs to be
// able to turn a stream back into one JSON response.
type collector struct {
	model   string
	blocks  []anthropicproto.ContentBlock
	current *anthropicproto.ContentBlock
	pendingInput string

	usage      anthropicproto.Usage
	stopReason string
	requestID  string
}

func newCollector(model string) *collector {
	return &collector{model: model}
}

func (c *collector) apply(ev sse.Event) {
	switch ev.Type {
	case "message_start":
		c.requestID = ev.MessageStart.ID
		c.usage.InputTokens = ev.MessageStart.Usage.InputTokens
		c.usage.CacheReadInputTokens = ev.MessageStart.Usage.CacheReadInputTokens
		c.usage.CacheCreationInputTokens = ev.MessageStart.Usage.CacheCreationInputTokens

	case "content_block_start":
		block := anthropicproto.ContentBlock{Type: anthropicproto.BlockType(ev.ContentBlock.Type)}
		switch ev.ContentBlock.Type {
		case "tool_use":
			block.ID = ev.ContentBlock.ID
			block.Name = ev.ContentBlock.Name
		}
		c.current = &block
		c.pendingInput = ""

	case "content_block_delta":
		if c.current == nil {
			return
		}
		switch ev.Delta.Type {
		case "text_delta":
			c.current.Text += ev.Delta.Text
		case "thinking_delta":
			c.current.Thinking += ev.Delta.Thinking
		case "signature_delta":
			c.current.Signature = ev.Delta.Signature
		case "input_json_delta":
			c.pendingInput += ev.Delta.PartialJSON
		}

	case "content_block_stop":
		if c.current == nil {
			return
		}
		if c.current.Type == anthropicproto.BlockToolUse {
			if c.pendingInput == "" {
				c.pendingInput = "{}"
			}
			c.current.Input = json.RawMessage(c.pendingInput)
		}
		c.blocks = append(c.blocks, *c.current)
		c.current = nil
		c.pendingInput = ""

	case "message_delta":
		c.stopReason = ev.MessageDelta.StopReason
		c.usage.OutputTokens = ev.MessageDelta.Usage.OutputTokens
		if ev.MessageDelta.Usage.CacheReadInputTokens > 0 {
			c.usage.CacheReadInputTokens = ev.MessageDelta.Usage.CacheReadInputTokens
		}
	}
}

func (c *collector) response() *anthropicproto.MessagesResponse {
	return &anthropicproto.MessagesResponse{
		ID:         c.requestID,
		Type:       "message",
		Role:       "assistant",
		Model:      c.model,
		Content:    c.blocks,
		StopReason: c.stopReason,
		Usage:      c.usage,
	}
}

package pipeline

import (
	"fmt"

	"gateway/internal/anthropicproto"
)

// validate checks the structural invariants spec.md §3 places on a
// Messages request, independent of which model it targets.
func validate(req *anthropicproto.MessagesRequest) error {
	if req.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be greater than 0")
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	if req.Messages[0].Role != "user" {
		return fmt.Errorf("first message must have role \"user\"")
	}

	toolUseIDs := map[string]bool{}
	prevRole := ""
	for i, m := range req.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			return fmt.Errorf("message %d: role must be \"user\" or \"assistant\", got %q", i, m.Role)
		}
		if i > 0 && m.Role == prevRole {
			return fmt.Errorf("message %d: turns must alternate between user and assistant", i)
		}
		prevRole = m.Role

		for _, b := range m.Content {
			switch b.Type {
			case anthropicproto.BlockToolUse:
				if m.Role != "assistant" {
					return fmt.Errorf("message %d: tool_use blocks may only appear in assistant turns", i)
				}
				toolUseIDs[b.ID] = true
			case anthropicproto.BlockToolResult:
				if m.Role != "user" {
					return fmt.Errorf("message %d: tool_result blocks may only appear in user turns", i)
				}
				if !toolUseIDs[b.ToolUseID] {
					return fmt.Errorf("message %d: tool_result references unknown tool_use id %q", i, b.ToolUseID)
				}
			}
		}
	}
	return nil
}

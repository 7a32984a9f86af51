package agent

import (
	"encoding/json"

	"github.com/loomworks/loom/internal/llm"
	"github.com/loomworks/loom/pkg/models"
)

// storedCall is the persisted form of one model tool call, kept as the
// Payload of a tool_call message so the turn can be replayed later.
type storedCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func encodeCalls(calls []llm.ToolUse) (json.RawMessage, error) {
	stored := make([]storedCall, len(calls))
	for i, c := range calls {
		stored[i] = storedCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	return json.Marshal(stored)
}

func decodeCalls(payload json.RawMessage) ([]llm.ToolUse, error) {
	var stored []storedCall
	if err := json.Unmarshal(payload, &stored); err != nil {
		return nil, err
	}
	calls := make([]llm.ToolUse, len(stored))
	for i, s := range stored {
		calls[i] = llm.ToolUse{ID: s.ID, Name: s.Name, Arguments: s.Arguments}
	}
	return calls, nil
}

// encodeHistory converts stored conversation messages into the LLM wire
// transcript. system-typed messages are operator annotations and are not
// forwarded to the model.
func encodeHistory(history []*models.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, msg := range history {
		switch msg.Type {
		case models.MessageUserText:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: msg.Content})
		case models.MessageAssistantText:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: msg.Content})
		case models.MessageToolCall:
			calls, err := decodeCalls(msg.Payload)
			if err != nil || len(calls) == 0 {
				// An unreadable call record cannot be replayed; keep any text.
				if msg.Content != "" {
					out = append(out, llm.Message{Role: llm.RoleAssistant, Content: msg.Content})
				}
				continue
			}
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: msg.Content, ToolCalls: calls})
		case models.MessageToolResult:
			isError := false
			var res models.ToolResult
			if len(msg.Payload) > 0 && json.Unmarshal(msg.Payload, &res) == nil {
				isError = !res.Success
			}
			out = append(out, llm.Message{
				Role:       llm.RoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
				ToolName:   msg.ToolName,
				IsError:    isError,
			})
		}
	}
	return out
}

// repairReport summarizes what repairToolPairing changed.
type repairReport struct {
	Synthesized int // error results inserted for unanswered calls
	Dropped     int // orphan or duplicate results removed
}

func (r repairReport) changed() bool {
	return r.Synthesized > 0 || r.Dropped > 0
}

// repairToolPairing enforces the provider contract that every assistant
// tool call is immediately followed by exactly one matching tool result.
// Calls whose results never landed (crashed or cancelled turns, history
// windows cut mid-turn) get a synthetic error result; duplicate and
// orphan results are dropped. Messages are stored in append order, so a
// result can only ever follow its call, never precede it.
func repairToolPairing(messages []llm.Message) ([]llm.Message, repairReport) {
	var report repairReport
	out := make([]llm.Message, 0, len(messages))

	for i := 0; i < len(messages); i++ {
		msg := messages[i]

		if msg.Role == llm.RoleTool {
			// A result with no preceding call turn in the window.
			report.Dropped++
			continue
		}
		if msg.Role != llm.RoleAssistant || len(msg.ToolCalls) == 0 {
			out = append(out, msg)
			continue
		}

		out = append(out, msg)
		pending := make(map[string]bool, len(msg.ToolCalls))
		for _, call := range msg.ToolCalls {
			pending[call.ID] = true
		}

		// Consume the contiguous result block following the call turn.
		results := make([]llm.Message, 0, len(msg.ToolCalls))
		answered := make(map[string]bool, len(msg.ToolCalls))
		j := i + 1
		for ; j < len(messages); j++ {
			next := messages[j]
			if next.Role != llm.RoleTool {
				break
			}
			if !pending[next.ToolCallID] || answered[next.ToolCallID] {
				report.Dropped++
				continue
			}
			answered[next.ToolCallID] = true
			results = append(results, next)
		}
		i = j - 1

		// Emit results in call order, synthesizing the missing ones.
		for _, call := range msg.ToolCalls {
			found := false
			for _, res := range results {
				if res.ToolCallID == call.ID {
					out = append(out, res)
					found = true
					break
				}
			}
			if !found {
				out = append(out, llm.Message{
					Role:       llm.RoleTool,
					ToolCallID: call.ID,
					ToolName:   call.Name,
					Content:    "tool result was lost; treat this call as failed",
					IsError:    true,
				})
				report.Synthesized++
			}
		}
	}
	return out, report
}

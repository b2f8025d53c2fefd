package providers

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/just-every/magi/pkg/models"
)

// The deepseek-reasoner model rejects requests carrying tool schemas,
// response_format, logprobs, or tool_choice. The fallback rewrites the whole
// exchange into plain text: the tool list becomes a trailing system message
// instructing the model to append a TOOL_CALLS JSON array, prior tool calls
// become "[Previous Action]" text, and tool results become user messages.
// The response is then mined for the TOOL_CALLS array by
// ParseReasonerToolCalls.

func isReasonerModel(model string) bool {
	return strings.Contains(model, "reasoner")
}

// fenceOpenerRe matches a markdown fence opener left dangling at the end of
// the text once the TOOL_CALLS tail has been cut off.
var fenceOpenerRe = regexp.MustCompile("(?:\n|^)```[a-zA-Z0-9]*[ \t]*$")

const reasonerToolInstructions = `You cannot call tools directly. When you want to call one or more tools, end your reply with a single line of the exact form:
TOOL_CALLS: [{"id": "<unique id>", "function": {"name": "<tool name>", "arguments": "<JSON-encoded argument object>"}}]
The TOOL_CALLS array must be the final line of your reply and must be valid JSON. Available tools:`

// prepareReasonerRequest builds the tool-free request shape. Guarantees on
// the produced message list: all system content is consolidated at the head,
// no two consecutive messages share a role, and the last message is user.
func prepareReasonerRequest(req *Request) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Conversation.Messages)+2)
	if req.Instructions != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.Instructions})
	}

	for _, msg := range req.Conversation.Messages {
		switch msg.Type {
		case models.TypeFunctionCall:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: fmt.Sprintf("[Previous Action] Called '%s' with args: %s", msg.Name, msg.Arguments),
			})
		case models.TypeFunctionCallOutput:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: fmt.Sprintf("[Tool Result for %s] %s", msg.ID, msg.Output),
			})
		case models.TypeThinking:
			// skipped
		default:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:    chatRole(msg.Role),
				Content: msg.Content,
			})
		}
	}

	if len(req.Tools) > 0 {
		var b strings.Builder
		b.WriteString(reasonerToolInstructions)
		for _, tool := range req.Tools {
			params, _ := json.Marshal(tool.Parameters)
			fmt.Fprintf(&b, "\n- %s: %s\n  parameters: %s", tool.Name, tool.Description, params)
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: b.String()})
	}

	msgs = consolidateSystemHead(msgs)
	msgs = mergeAdjacentRoles(msgs)
	if len(msgs) == 0 || msgs[len(msgs)-1].Role != openai.ChatMessageRoleUser {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: "Continue."})
	}

	return openai.ChatCompletionRequest{Model: req.Model, Messages: msgs}
}

// consolidateSystemHead moves every system message to the front, preserving
// relative order within each group.
func consolidateSystemHead(msgs []openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	var system, rest []openai.ChatCompletionMessage
	for _, m := range msgs {
		if m.Role == openai.ChatMessageRoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	return append(system, rest...)
}

// mergeAdjacentRoles joins consecutive same-role messages with blank lines.
func mergeAdjacentRoles(msgs []openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	out := msgs[:0]
	for _, m := range msgs {
		if len(out) > 0 && out[len(out)-1].Role == m.Role {
			out[len(out)-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	return out
}

// reasonerCall tolerates models that emit arguments as an object instead of
// a JSON-encoded string.
type reasonerCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// ParseReasonerToolCalls extracts the trailing TOOL_CALLS array from
// response text. Returns the text with the marker stripped and the parsed
// calls. Both a bare trailing line and one wrapped in a ``` fence are
// accepted; the scan anchors on the last TOOL_CALLS: marker and decodes the
// first JSON array after it (documented in DESIGN.md).
func ParseReasonerToolCalls(text string) (string, []models.ToolCall) {
	const marker = "TOOL_CALLS:"
	idx := strings.LastIndex(text, marker)
	if idx < 0 {
		return text, nil
	}
	tail := text[idx+len(marker):]
	start := strings.Index(tail, "[")
	if start < 0 {
		return text, nil
	}

	dec := json.NewDecoder(strings.NewReader(tail[start:]))
	var raw []reasonerCall
	if err := dec.Decode(&raw); err != nil || len(raw) == 0 {
		return text, nil
	}

	calls := make([]models.ToolCall, 0, len(raw))
	for _, rc := range raw {
		if rc.Function.Name == "" {
			continue
		}
		id := rc.ID
		if id == "" {
			id = "call_" + uuid.NewString()[:8]
		}
		calls = append(calls, models.ToolCall{
			ID:       id,
			Kind:     "function",
			Function: models.FunctionCall{Name: rc.Function.Name, Arguments: normalizeArguments(rc.Function.Arguments)},
		})
	}
	if len(calls) == 0 {
		return text, nil
	}

	clean := strings.TrimRight(text[:idx], " \t\n")
	// Drop an opening fence left dangling above the marker.
	clean = fenceOpenerRe.ReplaceAllString(clean, "")
	clean = strings.TrimRight(clean, " \t\n")
	return clean, calls
}

func normalizeArguments(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return "{}"
	}
	// Arguments given as a JSON string containing the object.
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if strings.TrimSpace(asString) == "" {
			return "{}"
		}
		return asString
	}
	// Arguments given directly as an object.
	return trimmed
}

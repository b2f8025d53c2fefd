package history

import (
	"strings"

	"github.com/just-every/magi/pkg/models"
)

// Category classifies a history message for compaction priority.
type Category string

const (
	CategorySystemInstruction  Category = "system_instruction"
	CategoryUserSaid           Category = "user_said"
	CategoryUserInput          Category = "user_input"
	CategoryTalkToUserToolCall Category = "talk_to_user_tool_call"
	CategoryToolCall           Category = "tool_call"
	CategoryToolResult         Category = "tool_result"
	CategoryToolError          Category = "tool_error"
	CategoryAssistantThought   Category = "assistant_thought"
	CategoryAssistantResponse  Category = "assistant_response"
	CategorySystemError        Category = "system_error"
	CategoryHistorySummary     Category = "history_summary"
	CategoryUnknown            Category = "unknown"
)

// SummaryPrefix marks the synthesized message compaction splices in.
const SummaryPrefix = "Summary of previous messages: "

// compactionOrder walks categories from most to least expendable. Within a
// category the oldest messages go first.
var compactionOrder = []Category{
	CategoryAssistantThought,
	CategoryToolResult,
	CategoryToolCall,
	CategoryAssistantResponse,
	CategoryUserInput,
	CategoryHistorySummary,
	CategoryToolError,
	CategorySystemError,
	CategoryTalkToUserToolCall,
	CategoryUserSaid,
	CategorySystemInstruction,
	CategoryUnknown,
}

// Categorize classifies one message. name is the assistant's name, for
// recognizing its own monologue prefix.
func Categorize(msg models.Message, name string) Category {
	switch msg.Type {
	case models.TypeThinking:
		return CategoryAssistantThought
	case models.TypeFunctionCall:
		if strings.HasPrefix(msg.Name, "talk_to_") {
			return CategoryTalkToUserToolCall
		}
		return CategoryToolCall
	case models.TypeFunctionCallOutput:
		if strings.HasPrefix(strings.TrimSpace(msg.Output), `{"error"`) {
			return CategoryToolError
		}
		return CategoryToolResult
	}

	content := strings.TrimSpace(msg.Content)
	switch msg.Role {
	case models.RoleSystem:
		if strings.HasPrefix(content, strings.TrimSpace(SummaryPrefix)) {
			return CategoryHistorySummary
		}
		if strings.HasPrefix(content, "Error") {
			return CategorySystemError
		}
		return CategorySystemInstruction
	case models.RoleDeveloper:
		if strings.Contains(firstLine(content), " said:") {
			return CategoryUserSaid
		}
		if strings.HasPrefix(content, "Error") {
			return CategorySystemError
		}
		return CategorySystemInstruction
	case models.RoleUser:
		return CategoryUserInput
	case models.RoleAssistant:
		if strings.HasPrefix(content, name+" thoughts:") {
			return CategoryAssistantThought
		}
		return CategoryAssistantResponse
	}
	return CategoryUnknown
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// pairLookahead bounds how far ahead a tool call's output may appear.
const pairLookahead = 10

// pairIndexes maps each function_call index to its matching
// function_call_output index and back. A call pairs with the first
// subsequent output sharing its call id within the lookahead window.
func pairIndexes(msgs []models.Message) map[int]int {
	pairs := make(map[int]int)
	for i, msg := range msgs {
		if msg.Type != models.TypeFunctionCall {
			continue
		}
		end := i + pairLookahead
		if end >= len(msgs) {
			end = len(msgs) - 1
		}
		for j := i + 1; j <= end; j++ {
			if msgs[j].Type == models.TypeFunctionCallOutput && msgs[j].ID == msg.ID {
				pairs[i] = j
				pairs[j] = i
				break
			}
		}
	}
	return pairs
}

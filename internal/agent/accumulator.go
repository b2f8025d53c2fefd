package agent

import (
	"strings"

	"github.com/just-every/magi/pkg/models"
)

// AccumulateResult is the fold of one provider stream into conversation
// state.
type AccumulateResult struct {
	Conversation *models.Conversation

	// AssistantMessage is set when the stream produced assistant text.
	AssistantMessage *models.Message

	// ToolCallMessages are the function_call entries appended, in emission
	// order.
	ToolCallMessages []models.Message

	// ThinkingMessages are the reasoning entries appended.
	ThinkingMessages []models.Message

	// DetectedToolCalls are the finalized calls awaiting execution.
	DetectedToolCalls []models.ToolCall

	// Errors collects error events; they never abort accumulation.
	Errors []models.ErrorEvent
}

type toolBuffer struct {
	name string
	args strings.Builder
}

type thinkingBuffer struct {
	content   strings.Builder
	signature string
}

// Accumulate folds a provider stream into conv. The input conversation is
// not modified; the result holds a copy extended with exactly one assistant
// message per non-empty message_complete, one function_call per finalized
// tool call, and one thinking message per thinking_complete, in emission
// order. Consumption stops at stream_end or channel close.
func Accumulate(conv *models.Conversation, events <-chan *models.Event) *AccumulateResult {
	res := &AccumulateResult{Conversation: conv.Clone()}

	textBuffers := map[string]*strings.Builder{}
	textOrder := []string{}
	toolBuffers := map[string]*toolBuffer{}
	toolOrder := []string{}
	thinkingBuffers := map[string]*thinkingBuffer{}
	finalized := map[string]bool{}
	completedText := map[string]bool{}

	finalizeCall := func(call models.ToolCall) {
		if call.ID == "" || finalized[call.ID] {
			return
		}
		finalized[call.ID] = true
		delete(toolBuffers, call.ID)
		if call.Kind == "" {
			call.Kind = "function"
		}
		msg := models.NewFunctionCall(call)
		res.Conversation.Append(msg)
		res.ToolCallMessages = append(res.ToolCallMessages, msg)
		res.DetectedToolCalls = append(res.DetectedToolCalls, call)
	}

	flushText := func(id, full, model string) {
		if completedText[id] {
			return
		}
		content := full
		if content == "" {
			if buf, ok := textBuffers[id]; ok {
				content = buf.String()
			}
		}
		delete(textBuffers, id)
		completedText[id] = true
		if content == "" {
			return
		}
		msg := models.NewMessage(models.RoleAssistant, content)
		msg.Model = model
		res.Conversation.Append(msg)
		res.AssistantMessage = &msg
	}

	var model string

	for ev := range events {
		switch ev.Type {
		case models.EventMessageStart:
			id := ev.Message.MessageID
			if _, ok := textBuffers[id]; !ok {
				textBuffers[id] = &strings.Builder{}
				textOrder = append(textOrder, id)
			}

		case models.EventMessageDelta:
			id := ev.Message.MessageID
			buf, ok := textBuffers[id]
			if !ok {
				buf = &strings.Builder{}
				textBuffers[id] = buf
				textOrder = append(textOrder, id)
			}
			buf.WriteString(ev.Message.Delta)

		case models.EventMessageComplete:
			flushText(ev.Message.MessageID, ev.Message.FullContent, model)
			for _, call := range ev.Message.ToolCalls {
				finalizeCall(call)
			}

		case models.EventToolCallStart:
			id := ev.ToolCall.ToolCallID
			if _, ok := toolBuffers[id]; !ok && id != "" && !finalized[id] {
				toolBuffers[id] = &toolBuffer{name: ev.ToolCall.FunctionName}
				toolOrder = append(toolOrder, id)
			}

		case models.EventToolCallDelta:
			id := ev.ToolCall.ToolCallID
			if id == "" || finalized[id] {
				break
			}
			buf, ok := toolBuffers[id]
			if !ok {
				buf = &toolBuffer{}
				toolBuffers[id] = buf
				toolOrder = append(toolOrder, id)
			}
			if ev.ToolCall.FunctionName != "" {
				buf.name = ev.ToolCall.FunctionName
			}
			buf.args.WriteString(ev.ToolCall.ArgumentChunk)

		case models.EventToolCallComplete:
			if ev.ToolCall.Call != nil {
				finalizeCall(*ev.ToolCall.Call)
			}

		case models.EventToolCallsChunk:
			for _, call := range ev.ToolCall.Calls {
				finalizeCall(call)
			}

		case models.EventThinkingStart:
			id := ev.Thinking.ThinkingID
			if _, ok := thinkingBuffers[id]; !ok {
				thinkingBuffers[id] = &thinkingBuffer{}
			}

		case models.EventThinkingDelta:
			id := ev.Thinking.ThinkingID
			buf, ok := thinkingBuffers[id]
			if !ok {
				buf = &thinkingBuffer{}
				thinkingBuffers[id] = buf
			}
			buf.content.WriteString(ev.Thinking.Delta)

		case models.EventThinkingComplete:
			id := ev.Thinking.ThinkingID
			content := ev.Thinking.Content
			if content == "" {
				if buf, ok := thinkingBuffers[id]; ok {
					content = buf.content.String()
				}
			}
			delete(thinkingBuffers, id)
			msg := models.NewThinking(id, content, ev.Thinking.Signature)
			res.Conversation.Append(msg)
			res.ThinkingMessages = append(res.ThinkingMessages, msg)

		case models.EventError:
			if ev.Error != nil {
				res.Errors = append(res.Errors, *ev.Error)
			}

		case models.EventCostUpdate:
			if ev.Cost != nil && ev.Cost.Usage.Model != "" {
				model = ev.Cost.Usage.Model
			}

		case models.EventStreamEnd:
			// Flush dangling buffers: text with content, tool calls whose
			// name and some arguments arrived but never completed.
			for _, id := range textOrder {
				if _, pending := textBuffers[id]; pending {
					flushText(id, "", model)
				}
			}
			for _, id := range toolOrder {
				buf, pending := toolBuffers[id]
				if !pending || buf.name == "" || buf.args.Len() == 0 {
					continue
				}
				finalizeCall(models.ToolCall{
					ID:       id,
					Kind:     "function",
					Function: models.FunctionCall{Name: buf.name, Arguments: buf.args.String()},
				})
			}
			return res
		}
	}
	return res
}

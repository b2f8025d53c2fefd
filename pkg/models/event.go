package models

import "time"

// EventType identifies one kind of streaming event. Every provider adapter
// emits the same grammar regardless of the upstream wire format.
type EventType string

const (
	EventMessageStart     EventType = "message_start"
	EventMessageDelta     EventType = "message_delta"
	EventMessageComplete  EventType = "message_complete"
	EventToolCallStart    EventType = "tool_call_start"
	EventToolCallDelta    EventType = "tool_call_delta"
	EventToolCallComplete EventType = "tool_call_complete"
	EventToolCallsChunk   EventType = "tool_calls_chunk"
	EventThinkingStart    EventType = "thinking_start"
	EventThinkingDelta    EventType = "thinking_delta"
	EventThinkingComplete EventType = "thinking_complete"
	EventError            EventType = "error"
	EventStreamEnd        EventType = "stream_end"
	EventCostUpdate       EventType = "cost_update"
	EventMetadata         EventType = "metadata"
)

// MessageEvent carries the text payload for message_* events.
type MessageEvent struct {
	MessageID   string     `json:"message_id"`
	Role        Role       `json:"role,omitempty"`
	Delta       string     `json:"delta,omitempty"`
	FullContent string     `json:"content,omitempty"`
	ToolCalls   []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCallEvent carries the payload for tool_call_* and tool_calls_chunk
// events. Call is set only on tool_call_complete; Calls only on
// tool_calls_chunk.
type ToolCallEvent struct {
	ToolCallID    string     `json:"tool_call_id,omitempty"`
	FunctionName  string     `json:"function_name,omitempty"`
	ArgumentChunk string     `json:"argument_chunk,omitempty"`
	Call          *ToolCall  `json:"call,omitempty"`
	Calls         []ToolCall `json:"calls,omitempty"`
}

// ThinkingEvent carries the payload for thinking_* events. Signature is the
// provider's opaque integrity token, present only on thinking_complete and
// only for providers that issue one.
type ThinkingEvent struct {
	ThinkingID string `json:"thinking_id"`
	Delta      string `json:"delta,omitempty"`
	Content    string `json:"content,omitempty"`
	Signature  string `json:"signature,omitempty"`
}

// ErrorEvent carries a non-fatal stream error. The stream continues after
// an error event; only stream_end terminates it.
type ErrorEvent struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Usage reports token consumption for one provider call.
type Usage struct {
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	CachedTokens int    `json:"cached_tokens,omitempty"`
}

// CostEvent carries the payload for cost_update events.
type CostEvent struct {
	Usage Usage `json:"usage"`
}

// MetadataEvent carries provider- or component-specific side information.
type MetadataEvent struct {
	Key   string         `json:"key"`
	Value map[string]any `json:"value,omitempty"`
}

// Event is one item of the unified streaming grammar. Exactly one payload
// pointer is set, matching Type; stream_end carries none.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Message  *MessageEvent  `json:"message,omitempty"`
	ToolCall *ToolCallEvent `json:"tool_call,omitempty"`
	Thinking *ThinkingEvent `json:"thinking,omitempty"`
	Error    *ErrorEvent    `json:"error,omitempty"`
	Cost     *CostEvent     `json:"cost,omitempty"`
	Metadata *MetadataEvent `json:"metadata,omitempty"`
}

func newEvent(t EventType) *Event {
	return &Event{Type: t, Timestamp: time.Now().UTC()}
}

// NewMessageStart announces a new assistant message.
func NewMessageStart(messageID string, role Role) *Event {
	ev := newEvent(EventMessageStart)
	ev.Message = &MessageEvent{MessageID: messageID, Role: role}
	return ev
}

// NewMessageDelta carries one text fragment of a streaming message.
func NewMessageDelta(messageID, delta string) *Event {
	ev := newEvent(EventMessageDelta)
	ev.Message = &MessageEvent{MessageID: messageID, Delta: delta}
	return ev
}

// NewMessageComplete carries the full message text and any tool calls the
// provider reported atomically with it.
func NewMessageComplete(messageID, content string, calls []ToolCall) *Event {
	ev := newEvent(EventMessageComplete)
	ev.Message = &MessageEvent{MessageID: messageID, Role: RoleAssistant, FullContent: content, ToolCalls: calls}
	return ev
}

// NewToolCallStart announces a streaming tool call.
func NewToolCallStart(toolCallID, functionName string) *Event {
	ev := newEvent(EventToolCallStart)
	ev.ToolCall = &ToolCallEvent{ToolCallID: toolCallID, FunctionName: functionName}
	return ev
}

// NewToolCallDelta carries one argument fragment. functionName may be empty
// on fragments after the first.
func NewToolCallDelta(toolCallID, functionName, chunk string) *Event {
	ev := newEvent(EventToolCallDelta)
	ev.ToolCall = &ToolCallEvent{ToolCallID: toolCallID, FunctionName: functionName, ArgumentChunk: chunk}
	return ev
}

// NewToolCallComplete carries one finalized tool call.
func NewToolCallComplete(call ToolCall) *Event {
	ev := newEvent(EventToolCallComplete)
	ev.ToolCall = &ToolCallEvent{ToolCallID: call.ID, FunctionName: call.Function.Name, Call: &call}
	return ev
}

// NewToolCallsChunk carries a batch of finalized tool calls.
func NewToolCallsChunk(calls []ToolCall) *Event {
	ev := newEvent(EventToolCallsChunk)
	ev.ToolCall = &ToolCallEvent{Calls: calls}
	return ev
}

// NewThinkingStart announces a reasoning block.
func NewThinkingStart(thinkingID string) *Event {
	ev := newEvent(EventThinkingStart)
	ev.Thinking = &ThinkingEvent{ThinkingID: thinkingID}
	return ev
}

// NewThinkingDelta carries one reasoning fragment.
func NewThinkingDelta(thinkingID, delta string) *Event {
	ev := newEvent(EventThinkingDelta)
	ev.Thinking = &ThinkingEvent{ThinkingID: thinkingID, Delta: delta}
	return ev
}

// NewThinkingComplete finalizes a reasoning block. content may be empty when
// the full text already arrived via deltas.
func NewThinkingComplete(thinkingID, content, signature string) *Event {
	ev := newEvent(EventThinkingComplete)
	ev.Thinking = &ThinkingEvent{ThinkingID: thinkingID, Content: content, Signature: signature}
	return ev
}

// NewErrorEvent reports a recoverable stream error.
func NewErrorEvent(msg, code string, details map[string]any) *Event {
	ev := newEvent(EventError)
	ev.Error = &ErrorEvent{Error: msg, Code: code, Details: details}
	return ev
}

// NewStreamEnd terminates a stream. It is always the last event.
func NewStreamEnd() *Event {
	return newEvent(EventStreamEnd)
}

// NewCostUpdate reports token usage for the call that produced the stream.
func NewCostUpdate(usage Usage) *Event {
	ev := newEvent(EventCostUpdate)
	ev.Cost = &CostEvent{Usage: usage}
	return ev
}

// NewMetadata carries side-channel information that is not part of the
// conversation itself.
func NewMetadata(key string, value map[string]any) *Event {
	ev := newEvent(EventMetadata)
	ev.Metadata = &MetadataEvent{Key: key, Value: value}
	return ev
}

// IsDelta reports whether the event is an incremental fragment. Delta events
// are rendered live but never persisted.
func (e *Event) IsDelta() bool {
	switch e.Type {
	case EventMessageDelta, EventToolCallDelta, EventThinkingDelta:
		return true
	}
	return false
}

// IsToolCallComplete reports whether the event finalizes a tool call.
func (e *Event) IsToolCallComplete() bool { return e.Type == EventToolCallComplete }

// IsStreamEnd reports whether the event terminates its stream.
func (e *Event) IsStreamEnd() bool { return e.Type == EventStreamEnd }

// IsError reports whether the event is a recoverable stream error.
func (e *Event) IsError() bool { return e.Type == EventError }

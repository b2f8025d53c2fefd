package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleDeveloper Role = "developer"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// MessageType distinguishes the structural kinds of conversation entries.
type MessageType string

const (
	TypeMessage            MessageType = "message"
	TypeFunctionCall       MessageType = "function_call"
	TypeFunctionCallOutput MessageType = "function_call_output"
	TypeThinking           MessageType = "thinking"
)

// ToolCall represents an LLM's request to execute a tool. Arguments is the
// raw JSON-encoded argument object as produced by the model; it is parsed
// and validated at execution time, not here.
type ToolCall struct {
	ID       string       `json:"id"`
	Kind     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall is the function portion of a tool call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// CallID aliases the tool call id for providers that name it call_id.
func (t ToolCall) CallID() string { return t.ID }

// Message is one immutable entry in a conversation. Which fields are set
// depends on Type: plain messages carry Content; function_call carries Name
// and Arguments; function_call_output carries Name and Output; thinking
// carries Content plus ThinkingID and an optional provider Signature.
type Message struct {
	Role       Role        `json:"role"`
	Type       MessageType `json:"type"`
	ID         string      `json:"id,omitempty"`
	Content    string      `json:"content,omitempty"`
	Name       string      `json:"name,omitempty"`
	Arguments  string      `json:"arguments,omitempty"`
	Output     string      `json:"output,omitempty"`
	ThinkingID string      `json:"thinking_id,omitempty"`
	Signature  string      `json:"signature,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Model      string      `json:"model,omitempty"`
}

// NewMessage creates a plain message with the given role and content.
func NewMessage(role Role, content string) Message {
	return Message{
		Role:      role,
		Type:      TypeMessage,
		ID:        uuid.NewString(),
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// NewFunctionCall records an assistant tool call in the conversation.
func NewFunctionCall(call ToolCall) Message {
	return Message{
		Role:      RoleAssistant,
		Type:      TypeFunctionCall,
		ID:        call.ID,
		Name:      call.Function.Name,
		Arguments: call.Function.Arguments,
		Timestamp: time.Now().UTC(),
	}
}

// NewFunctionCallOutput records a tool result paired to callID.
func NewFunctionCallOutput(callID, name, output string) Message {
	return Message{
		Role:      RoleTool,
		Type:      TypeFunctionCallOutput,
		ID:        callID,
		Name:      name,
		Output:    output,
		Timestamp: time.Now().UTC(),
	}
}

// NewThinking records a reasoning block.
func NewThinking(thinkingID, content, signature string) Message {
	return Message{
		Role:       RoleAssistant,
		Type:       TypeThinking,
		ID:         uuid.NewString(),
		Content:    content,
		ThinkingID: thinkingID,
		Signature:  signature,
		Timestamp:  time.Now().UTC(),
	}
}

// ErrorOutput renders a tool failure as the JSON object used for
// function_call_output content.
func ErrorOutput(msg string) string {
	b, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return `{"error":"unserializable error"}`
	}
	return string(b)
}

// Conversation is an ordered sequence of messages owned by one agent
// invocation. Append-only in steady state; the history compactor may splice
// a synthesized summary in place of a chosen subset.
type Conversation struct {
	ID       string    `json:"id"`
	Messages []Message `json:"messages"`
}

// NewConversation creates an empty conversation with a fresh id.
func NewConversation() *Conversation {
	return &Conversation{ID: uuid.NewString()}
}

// Append adds messages to the end of the conversation.
func (c *Conversation) Append(msgs ...Message) {
	c.Messages = append(c.Messages, msgs...)
}

// Clone returns a deep-enough copy: the message slice is copied, messages
// themselves are value types.
func (c *Conversation) Clone() *Conversation {
	out := &Conversation{ID: c.ID, Messages: make([]Message, len(c.Messages))}
	copy(out.Messages, c.Messages)
	return out
}

// Last returns the final message, or false when the conversation is empty.
func (c *Conversation) Last() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

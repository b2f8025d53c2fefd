package models

import (
	"regexp"
	"testing"
)

func TestEventFactoriesSetTypeAndTimestamp(t *testing.T) {
	tests := []struct {
		name string
		ev   *Event
		want EventType
	}{
		{"message_start", NewMessageStart("m1", RoleAssistant), EventMessageStart},
		{"message_delta", NewMessageDelta("m1", "hi"), EventMessageDelta},
		{"message_complete", NewMessageComplete("m1", "hi", nil), EventMessageComplete},
		{"tool_call_start", NewToolCallStart("t1", "add"), EventToolCallStart},
		{"tool_call_delta", NewToolCallDelta("t1", "", `{"a":`), EventToolCallDelta},
		{"tool_call_complete", NewToolCallComplete(ToolCall{ID: "t1"}), EventToolCallComplete},
		{"thinking_start", NewThinkingStart("th1"), EventThinkingStart},
		{"error", NewErrorEvent("boom", "E1", nil), EventError},
		{"stream_end", NewStreamEnd(), EventStreamEnd},
		{"cost_update", NewCostUpdate(Usage{InputTokens: 1}), EventCostUpdate},
		{"metadata", NewMetadata("k", nil), EventMetadata},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.ev.Type != tt.want {
				t.Errorf("Type = %q, want %q", tt.ev.Type, tt.want)
			}
			if tt.ev.Timestamp.IsZero() {
				t.Error("Timestamp not set at creation")
			}
		})
	}
}

func TestIsDelta(t *testing.T) {
	if !NewMessageDelta("m1", "x").IsDelta() {
		t.Error("message_delta should be a delta event")
	}
	if !NewToolCallDelta("t1", "", "x").IsDelta() {
		t.Error("tool_call_delta should be a delta event")
	}
	if !NewThinkingDelta("th1", "x").IsDelta() {
		t.Error("thinking_delta should be a delta event")
	}
	if NewMessageComplete("m1", "x", nil).IsDelta() {
		t.Error("message_complete is not a delta event")
	}
	if NewStreamEnd().IsDelta() {
		t.Error("stream_end is not a delta event")
	}
}

func TestToolCallCompleteCarriesCall(t *testing.T) {
	call := ToolCall{ID: "t1", Kind: "function", Function: FunctionCall{Name: "add", Arguments: `{"a":2}`}}
	ev := NewToolCallComplete(call)
	if ev.ToolCall == nil || ev.ToolCall.Call == nil {
		t.Fatal("tool_call_complete must carry the finalized call")
	}
	if ev.ToolCall.ToolCallID != "t1" || ev.ToolCall.Call.Function.Name != "add" {
		t.Errorf("unexpected payload: %+v", ev.ToolCall)
	}
}

func TestNewProcessID(t *testing.T) {
	pattern := regexp.MustCompile(`^AI-[a-z0-9]{6}$`)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewProcessID()
		if !pattern.MatchString(id) {
			t.Fatalf("id %q does not match AI-xxxxxx", id)
		}
		seen[id] = true
	}
	if len(seen) < 90 {
		t.Errorf("expected near-unique ids, got %d distinct of 100", len(seen))
	}
}

func TestErrorOutput(t *testing.T) {
	got := ErrorOutput(`bad "input"`)
	want := `{"error":"bad \"input\""}`
	if got != want {
		t.Errorf("ErrorOutput = %s, want %s", got, want)
	}
}

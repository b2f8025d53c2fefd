package providers

import (
	"testing"

	"github.com/just-every/magi/pkg/models"
)

func anthropicRequest(toolChoice string) *Request {
	conv := models.NewConversation()
	conv.Append(models.NewMessage(models.RoleUser, "hello"))
	return &Request{
		Model:        "claude-sonnet-4-20250514",
		Instructions: "be brief",
		Conversation: conv,
		Tools: []ToolSchema{{
			Name:        "talk_to_alex",
			Description: "deliver a message",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"message": map[string]any{"type": "string"}},
			},
		}},
		Settings: Settings{ToolChoice: toolChoice},
	}
}

func TestAnthropicParamsForcedToolChoice(t *testing.T) {
	params, err := buildAnthropicParams(anthropicRequest("talk_to_alex"))
	if err != nil {
		t.Fatalf("buildAnthropicParams: %v", err)
	}
	if len(params.Tools) != 1 {
		t.Fatalf("tools = %d, want 1", len(params.Tools))
	}
	if params.ToolChoice.OfTool == nil || params.ToolChoice.OfTool.Name != "talk_to_alex" {
		t.Errorf("tool choice = %+v, want forced talk_to_alex", params.ToolChoice)
	}
}

func TestAnthropicParamsAutoAndNone(t *testing.T) {
	params, err := buildAnthropicParams(anthropicRequest(""))
	if err != nil {
		t.Fatalf("buildAnthropicParams: %v", err)
	}
	if params.ToolChoice.OfTool != nil {
		t.Errorf("empty choice must not force a tool: %+v", params.ToolChoice)
	}
	if len(params.Tools) != 1 {
		t.Errorf("tools = %d, want 1", len(params.Tools))
	}

	params, err = buildAnthropicParams(anthropicRequest("none"))
	if err != nil {
		t.Fatalf("buildAnthropicParams: %v", err)
	}
	if len(params.Tools) != 0 {
		t.Errorf("none choice must withhold the tool list, got %d", len(params.Tools))
	}
}

package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/just-every/magi/internal/config"
	"github.com/just-every/magi/pkg/models"
)

func stubSummarizer(text string) Summarizer {
	return func(ctx context.Context, msgs []models.Message) (string, error) {
		return text, nil
	}
}

func padTo(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return s + strings.Repeat("x", n-len(s))
}

func TestCategorize(t *testing.T) {
	callMsg := models.NewFunctionCall(models.ToolCall{
		ID: "c1", Kind: "function",
		Function: models.FunctionCall{Name: "start_task", Arguments: "{}"},
	})
	talkMsg := models.NewFunctionCall(models.ToolCall{
		ID: "c2", Kind: "function",
		Function: models.FunctionCall{Name: "talk_to_eve", Arguments: "{}"},
	})

	tests := []struct {
		name string
		msg  models.Message
		want Category
	}{
		{"system instruction", models.NewMessage(models.RoleSystem, "You are Magi."), CategorySystemInstruction},
		{"history summary", models.NewMessage(models.RoleSystem, "Summary of previous messages: earlier work"), CategoryHistorySummary},
		{"system error", models.NewMessage(models.RoleSystem, "Error: project creation failed"), CategorySystemError},
		{"user said", models.NewMessage(models.RoleDeveloper, "eve said: hello there"), CategoryUserSaid},
		{"developer status", models.NewMessage(models.RoleDeveloper, "=== System Status ==="), CategorySystemInstruction},
		{"user input", models.NewMessage(models.RoleUser, "raw input"), CategoryUserInput},
		{"assistant thought", models.NewMessage(models.RoleAssistant, "Magi thoughts: pondering"), CategoryAssistantThought},
		{"assistant response", models.NewMessage(models.RoleAssistant, "Here is the plan."), CategoryAssistantResponse},
		{"thinking block", models.NewThinking("th1", "reasoning", ""), CategoryAssistantThought},
		{"tool call", callMsg, CategoryToolCall},
		{"talk to user call", talkMsg, CategoryTalkToUserToolCall},
		{"tool result", models.NewFunctionCallOutput("c1", "start_task", "AI-abc123 started"), CategoryToolResult},
		{"tool error", models.NewFunctionCallOutput("c1", "start_task", `{"error":"invalid JSON"}`), CategoryToolError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Categorize(tt.msg, "Magi"); got != tt.want {
				t.Errorf("Categorize = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPairIndexes(t *testing.T) {
	call := func(id string) models.Message {
		return models.NewFunctionCall(models.ToolCall{
			ID: id, Kind: "function",
			Function: models.FunctionCall{Name: "inspect", Arguments: "{}"},
		})
	}
	filler := models.NewMessage(models.RoleAssistant, "filler")

	msgs := []models.Message{call("near")}
	for i := 0; i < 3; i++ {
		msgs = append(msgs, filler)
	}
	msgs = append(msgs, models.NewFunctionCallOutput("near", "inspect", "ok"))
	msgs = append(msgs, call("far"))
	for i := 0; i < 11; i++ {
		msgs = append(msgs, filler)
	}
	msgs = append(msgs, models.NewFunctionCallOutput("far", "inspect", "ok"))

	pairs := pairIndexes(msgs)
	if pairs[0] != 4 || pairs[4] != 0 {
		t.Errorf("near pair not matched: %v", pairs)
	}
	if _, ok := pairs[5]; ok {
		t.Error("output beyond the lookahead window must stay unpaired")
	}
}

func TestDrainThreadsFIFO(t *testing.T) {
	s := NewStore("Magi", config.HistoryConfig{}, nil, nil, nil)
	s.Append(models.NewMessage(models.RoleSystem, "base"))
	s.QueueThread([]models.Message{models.NewMessage(models.RoleAssistant, "first thread")})
	s.QueueThread([]models.Message{
		models.NewMessage(models.RoleAssistant, "second thread a"),
		models.NewMessage(models.RoleAssistant, "second thread b"),
	})

	if merged := s.DrainThreads(); merged != 3 {
		t.Fatalf("merged = %d, want 3", merged)
	}
	got := s.Messages()
	want := []string{"base", "first thread", "second thread a", "second thread b"}
	for i, content := range want {
		if got[i].Content != content {
			t.Errorf("message %d = %q, want %q", i, got[i].Content, content)
		}
	}
	if s.DrainThreads() != 0 {
		t.Error("second drain should be empty")
	}
}

func TestAddMonologueStripsPrefixes(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"time to check the tasks", "Magi thoughts: time to check the tasks"},
		{"Thoughts: time to check", "Magi thoughts: time to check"},
		{"Magi: Thoughts: time to check", "Magi thoughts: time to check"},
		{"Magi thoughts: already prefixed", "Magi thoughts: already prefixed"},
	}
	for _, tt := range tests {
		s := NewStore("Magi", config.HistoryConfig{}, nil, nil, nil)
		s.AddMonologue(tt.in)
		got := s.Messages()
		if len(got) != 1 || got[0].Content != tt.want {
			t.Errorf("AddMonologue(%q) = %q, want %q", tt.in, got[0].Content, tt.want)
		}
	}
}

func TestAddUserSaidUsesCanonicalPrefix(t *testing.T) {
	s := NewStore("Magi", config.HistoryConfig{}, nil, nil, nil)
	s.AddUserSaid("eve", "  how is the build going?  ")
	got := s.Messages()
	if len(got) != 1 {
		t.Fatal("expected one message")
	}
	if got[0].Content != "eve said: how is the build going?" || got[0].Role != models.RoleDeveloper {
		t.Errorf("message = %+v", got[0])
	}
	if Categorize(got[0], "Magi") != CategoryUserSaid {
		t.Error("ingested message must categorize as user speech")
	}
}

func TestCompactIfNeededBelowThresholdIsNoop(t *testing.T) {
	s := NewStore("Magi", config.HistoryConfig{CompactionThresholdTokens: 2000}, stubSummarizer("ok"), nil, nil)
	s.Append(models.NewMessage(models.RoleUser, "short"))
	changed, err := s.CompactIfNeeded(context.Background())
	if err != nil || changed {
		t.Fatalf("changed=%v err=%v, want untouched history", changed, err)
	}
}

func TestCompactIfNeededSummarizes(t *testing.T) {
	s := NewStore("Magi", config.HistoryConfig{CompactionThresholdTokens: 2000}, stubSummarizer("ok"), nil, nil)

	// 100 messages of exactly 112 characters across five categories,
	// interleaved so category order and message order differ.
	perCategory := map[Category][]string{}
	record := func(cat Category, msg models.Message) {
		perCategory[cat] = append(perCategory[cat], msg.Content)
		s.Append(msg)
	}
	for i := 0; i < 20; i++ {
		record(CategoryAssistantThought,
			models.NewMessage(models.RoleAssistant, padTo(fmt.Sprintf("Magi thoughts: item %03d ", i), 112)))
		record(CategoryAssistantThought,
			models.NewMessage(models.RoleAssistant, padTo(fmt.Sprintf("Magi thoughts: extra %03d ", i), 112)))
		record(CategoryAssistantResponse,
			models.NewMessage(models.RoleAssistant, padTo(fmt.Sprintf("reply %03d ", i), 112)))
		record(CategoryUserInput,
			models.NewMessage(models.RoleUser, padTo(fmt.Sprintf("input %03d ", i), 112)))
		if i < 10 {
			record(CategoryUserSaid,
				models.NewMessage(models.RoleDeveloper, padTo(fmt.Sprintf("eve said: note %03d ", i), 112)))
			record(CategorySystemInstruction,
				models.NewMessage(models.RoleSystem, padTo(fmt.Sprintf("directive %03d ", i), 112)))
		}
	}
	if got := s.ApproxTokens(); got != 2800 {
		t.Fatalf("seed approx tokens = %d, want 2800", got)
	}

	changed, err := s.CompactIfNeeded(context.Background())
	if err != nil || !changed {
		t.Fatalf("changed=%v err=%v, want a compaction", changed, err)
	}

	after := s.Messages()
	summaries := 0
	present := map[string]bool{}
	for _, msg := range after {
		present[msg.Content] = true
		if msg.Role == models.RoleSystem && strings.HasPrefix(msg.Content, "Summary of previous messages:") {
			summaries++
		}
	}
	if summaries != 1 {
		t.Errorf("summary messages = %d, want exactly 1", summaries)
	}
	if got := s.ApproxTokens(); got > 2000 {
		t.Errorf("approx tokens after compaction = %d, want <= 2000", got)
	}
	for cat, contents := range perCategory {
		protected := (len(contents) + 4) / 5
		for _, content := range contents[len(contents)-protected:] {
			if !present[content] {
				t.Errorf("newest 20%% of %s lost: %q", cat, content[:30])
			}
		}
	}
}

func TestCompactionKeepsToolPairsTogether(t *testing.T) {
	s := NewStore("Magi", config.HistoryConfig{CompactionThresholdTokens: 10}, stubSummarizer("ok"), nil, nil)
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("c%d", i)
		s.Append(models.NewFunctionCall(models.ToolCall{
			ID: id, Kind: "function",
			Function: models.FunctionCall{Name: "inspect", Arguments: padTo("{", 40)},
		}))
		s.Append(models.NewFunctionCallOutput(id, "inspect", padTo("result ", 40)))
	}
	for i := 0; i < 4; i++ {
		s.Append(models.NewMessage(models.RoleAssistant, padTo(fmt.Sprintf("note %d ", i), 40)))
	}

	if changed, err := s.CompactIfNeeded(context.Background()); err != nil || !changed {
		t.Fatalf("changed=%v err=%v", changed, err)
	}

	calls := map[string]bool{}
	outputs := map[string]bool{}
	for _, msg := range s.Messages() {
		switch msg.Type {
		case models.TypeFunctionCall:
			calls[msg.ID] = true
		case models.TypeFunctionCallOutput:
			outputs[msg.ID] = true
		}
	}
	for id := range calls {
		if !outputs[id] {
			t.Errorf("call %s survived without its output", id)
		}
	}
	for id := range outputs {
		if !calls[id] {
			t.Errorf("output %s survived without its call", id)
		}
	}
}

func TestCompactionKeepsMessagesAppendedMidSummary(t *testing.T) {
	var s *Store
	racing := func(ctx context.Context, msgs []models.Message) (string, error) {
		s.AddUserSaid("eve", "urgent: stop the deploy task")
		return "condensed", nil
	}
	s = NewStore("Magi", config.HistoryConfig{CompactionThresholdTokens: 100}, racing, nil, nil)
	for i := 0; i < 20; i++ {
		s.Append(models.NewMessage(models.RoleAssistant, padTo(fmt.Sprintf("Magi thoughts: item %03d ", i), 40)))
	}

	changed, err := s.CompactIfNeeded(context.Background())
	if err != nil || !changed {
		t.Fatalf("changed=%v err=%v, want a compaction", changed, err)
	}

	after := s.Messages()
	if last := after[len(after)-1].Content; last != "eve said: urgent: stop the deploy task" {
		t.Errorf("last message = %q, want the mid-compaction append", last)
	}
	summaries := 0
	for _, msg := range after {
		if strings.HasPrefix(msg.Content, "Summary of previous messages:") {
			summaries++
		}
	}
	if summaries != 1 {
		t.Errorf("summary messages = %d, want exactly 1", summaries)
	}
}

func TestCompactionFallsBackToTruncation(t *testing.T) {
	failing := func(ctx context.Context, msgs []models.Message) (string, error) {
		return "", errors.New("summarizer down")
	}
	s := NewStore("Magi", config.HistoryConfig{CompactionThresholdTokens: 100}, failing, nil, nil)
	for i := 0; i < 20; i++ {
		s.Append(models.NewMessage(models.RoleAssistant, padTo(fmt.Sprintf("Magi thoughts: item %03d ", i), 40)))
	}

	before := s.Len()
	changed, err := s.CompactIfNeeded(context.Background())
	if err != nil || !changed {
		t.Fatalf("changed=%v err=%v, want truncation fallback", changed, err)
	}
	after := s.Messages()
	if len(after) >= before {
		t.Fatalf("history did not shrink: %d -> %d", before, len(after))
	}
	for _, msg := range after {
		if strings.HasPrefix(msg.Content, "Summary of previous messages:") {
			t.Fatal("truncation fallback must not insert a summary")
		}
	}
	// Tail truncation keeps the newest messages.
	if last := after[len(after)-1].Content; !strings.Contains(last, "item 019") {
		t.Errorf("newest message lost: %q", last)
	}
}

package overseer

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/just-every/magi/internal/agent"
	"github.com/just-every/magi/internal/comms"
	"github.com/just-every/magi/internal/config"
	"github.com/just-every/magi/internal/history"
	"github.com/just-every/magi/internal/process"
	"github.com/just-every/magi/internal/providers"
	"github.com/just-every/magi/pkg/models"
)

type recordingSender struct {
	mu     sync.Mutex
	events []*models.Event
}

func (s *recordingSender) Send(ev *models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSender) byType(t models.EventType) []*models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestOverseer(t *testing.T, script *providers.ScriptProvider) (*Overseer, *recordingSender) {
	t.Helper()
	cfg := *config.Default()
	cfg.Name = "Magi"
	cfg.PersonName = "alex"
	cfg.Engine.ThoughtDelaySeconds = 0
	cfg.Models = config.ModelsConfig{
		Classes: map[string]config.ModelClass{
			monologueClass: {Models: []string{"script-model"}, Scores: map[string]int{"script-model": 100}},
		},
	}

	reg := providers.NewRegistry()
	reg.Register(script, "script-model")
	runner := agent.NewRunner(reg, agent.NewRotator(cfg.Models, 1), agent.NewRunningToolTracker(), nil, nil)

	hist := history.NewStore(cfg.Name, cfg.History, nil, nil, nil)
	sup := process.NewSupervisor(cfg.Engine, nil, nil, nil)
	sender := &recordingSender{}

	o := New(cfg, runner, hist, sup, process.NewPauseController(), nil, sender, nil)
	o.rng = rand.New(rand.NewSource(1))
	return o, sender
}

func talkCall(id, message string) models.ToolCall {
	return models.ToolCall{
		ID:       id,
		Kind:     "function",
		Function: models.FunctionCall{Name: "talk_to_alex", Arguments: `{"message":"` + message + `"}`},
	}
}

func TestTalkToolCarriesDocument(t *testing.T) {
	o, sender := newTestOverseer(t, providers.NewScriptProvider("script"))
	tool := o.talkTool()

	props, _ := tool.Schema()["properties"].(map[string]any)
	for _, key := range []string{"message", "affect", "document", "incomplete"} {
		if _, ok := props[key]; !ok {
			t.Errorf("talk schema missing %q", key)
		}
	}

	out, err := tool.Execute(context.Background(), map[string]any{
		"message":  "here is the report",
		"document": "# Findings\nall green",
	})
	if err != nil || !strings.Contains(out, "alex") {
		t.Fatalf("Execute = %q, %v", out, err)
	}
	talks := sender.byType(models.EventMetadata)
	if len(talks) != 1 {
		t.Fatalf("metadata events = %d, want 1", len(talks))
	}
	payload := talks[0].Metadata.Value
	if payload["message"] != "here is the report" || payload["document"] != "# Findings\nall green" {
		t.Errorf("talk payload = %v", payload)
	}
}

func TestTurnInjectsStatusWithoutPersistingIt(t *testing.T) {
	script := providers.NewScriptProvider("script", []*models.Event{
		models.NewMessageStart("m1", models.RoleAssistant),
		models.NewMessageComplete("m1", "reviewing the backlog", nil),
		models.NewStreamEnd(),
	})
	o, _ := newTestOverseer(t, script)
	o.history.AddMonologue("an earlier thought")

	if err := o.turn(context.Background()); err != nil {
		t.Fatalf("turn: %v", err)
	}

	var sawStatus bool
	for _, msg := range script.LastRequest.Conversation.Messages {
		if msg.Role == models.RoleDeveloper && strings.Contains(msg.Content, "=== System Status ===") {
			sawStatus = true
		}
	}
	if !sawStatus {
		t.Error("request conversation is missing the system status message")
	}

	msgs := o.history.Messages()
	for _, msg := range msgs {
		if strings.Contains(msg.Content, "=== System Status ===") {
			t.Error("system status message leaked into the history")
		}
	}
	last := msgs[len(msgs)-1]
	if want := "Magi thoughts: reviewing the backlog"; last.Content != want {
		t.Errorf("last history message = %q, want %q", last.Content, want)
	}
}

func TestTurnForcesTalkWhenUserIsWaiting(t *testing.T) {
	script := providers.NewScriptProvider("script", []*models.Event{
		models.NewMessageStart("m1", models.RoleAssistant),
		models.NewToolCallComplete(talkCall("t1", "hi alex")),
		models.NewMessageComplete("m1", "", nil),
		models.NewStreamEnd(),
	})
	o, sender := newTestOverseer(t, script)
	o.UserSaid("are you there?")

	if err := o.turn(context.Background()); err != nil {
		t.Fatalf("turn: %v", err)
	}

	if got := script.LastRequest.Settings.ToolChoice; got != "talk_to_alex" {
		t.Errorf("tool choice = %q, want talk_to_alex", got)
	}
	talks := sender.byType(models.EventMetadata)
	var delivered bool
	for _, ev := range talks {
		if ev.Metadata.Key == "talk" {
			delivered = true
		}
	}
	if !delivered {
		t.Error("talk tool did not emit a talk metadata event")
	}

	var sawCall, sawOutput bool
	for _, msg := range o.history.Messages() {
		switch msg.Type {
		case models.TypeFunctionCall:
			sawCall = msg.Name == "talk_to_alex"
		case models.TypeFunctionCallOutput:
			sawOutput = strings.Contains(msg.Output, "alex")
		}
	}
	if !sawCall || !sawOutput {
		t.Errorf("history missing talk call or output: call=%v output=%v", sawCall, sawOutput)
	}
}

func TestTurnDoesNotForceAfterReplying(t *testing.T) {
	script := providers.NewScriptProvider("script", []*models.Event{
		models.NewMessageStart("m1", models.RoleAssistant),
		models.NewMessageComplete("m1", "back to work", nil),
		models.NewStreamEnd(),
	})
	o, _ := newTestOverseer(t, script)
	o.UserSaid("hello")
	o.history.Append(models.NewFunctionCall(talkCall("t0", "hello back")))
	o.history.Append(models.NewFunctionCallOutput("t0", "talk_to_alex", "Message delivered to alex."))

	if err := o.turn(context.Background()); err != nil {
		t.Fatalf("turn: %v", err)
	}
	if got := script.LastRequest.Settings.ToolChoice; got != "" {
		t.Errorf("tool choice = %q, want unforced", got)
	}
}

func TestPromptGuideNudges(t *testing.T) {
	o, _ := newTestOverseer(t, providers.NewScriptProvider("script"))

	base := []models.Message{models.NewMessage(models.RoleDeveloper, "alex said: ping")}
	nudge, force := o.promptGuide(base)
	if !force || !strings.Contains(nudge, "talk_to_alex") {
		t.Errorf("unanswered message: nudge=%q force=%v", nudge, force)
	}

	base = append(base, models.NewFunctionCall(talkCall("t1", "pong")))
	nudge, force = o.promptGuide(base)
	if force || !strings.Contains(nudge, "just spoke") {
		t.Errorf("after reply: nudge=%q force=%v", nudge, force)
	}
}

func TestSetThoughtDelayValidates(t *testing.T) {
	o, _ := newTestOverseer(t, providers.NewScriptProvider("script"))
	if err := o.SetThoughtDelay(8); err != nil {
		t.Fatalf("SetThoughtDelay(8): %v", err)
	}
	if got := o.ThoughtDelay(); got != 8 {
		t.Errorf("ThoughtDelay = %d, want 8", got)
	}
	if err := o.SetThoughtDelay(7); err == nil {
		t.Error("SetThoughtDelay(7) should fail")
	}
}

func TestOnSystemMessageWakesSleep(t *testing.T) {
	o, _ := newTestOverseer(t, providers.NewScriptProvider("script"))
	o.thoughtDelay.Store(128)

	done := make(chan struct{})
	go func() {
		o.sleepThoughtDelay(context.Background())
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	o.OnSystemMessage("urgent update")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sleep was not interrupted")
	}

	msgs := o.history.Messages()
	if len(msgs) == 0 || msgs[len(msgs)-1].Content != "urgent update" {
		t.Error("system message was not appended to history")
	}
}

func TestOnSystemCommandPauseResume(t *testing.T) {
	o, _ := newTestOverseer(t, providers.NewScriptProvider("script"))

	o.OnSystemCommand(comms.CommandPause)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := o.pause.Wait(ctx); err == nil {
		t.Fatal("Wait should block while paused")
	}

	o.OnSystemCommand(comms.CommandResume)
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if err := o.pause.Wait(ctx2); err != nil {
		t.Fatalf("Wait after resume: %v", err)
	}
}

func TestOnProcessEventUpdatesSupervisor(t *testing.T) {
	o, _ := newTestOverseer(t, providers.NewScriptProvider("script"))
	id, err := o.supervisor.StartTask(process.StartTaskArgs{Name: "inspect", Task: "check things"})
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	o.OnProcessEvent(id, models.StatusRunning, "working", "")
	o.OnProcessEvent(id, models.StatusCompleted, "done", "")

	proc, ok := o.supervisor.Get(id)
	if !ok {
		t.Fatalf("task %s not found", id)
	}
	if proc.Status != models.StatusCompleted {
		t.Errorf("status = %s, want completed", proc.Status)
	}
}

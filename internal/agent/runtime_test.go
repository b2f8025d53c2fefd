package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/just-every/magi/internal/config"
	"github.com/just-every/magi/internal/providers"
	"github.com/just-every/magi/pkg/models"
)

// failingProvider always fails its Run call.
type failingProvider struct{ name string }

func (p *failingProvider) Name() string { return p.name }
func (p *failingProvider) Run(ctx context.Context, req *providers.Request) (<-chan *models.Event, error) {
	return nil, errors.New("upstream unavailable")
}

func runnerFor(t *testing.T, script *providers.ScriptProvider, prefixes ...string) *Runner {
	t.Helper()
	reg := providers.NewRegistry()
	reg.Register(script, prefixes...)
	rot := NewRotator(config.ModelsConfig{
		Classes: map[string]config.ModelClass{
			"standard": {Models: []string{"script-model"}, Scores: map[string]int{"script-model": 100}},
		},
	}, 1)
	return NewRunner(reg, rot, NewRunningToolTracker(), nil, nil)
}

func TestRunToolLoopUntilQuiescent(t *testing.T) {
	script := providers.NewScriptProvider("script",
		[]*models.Event{
			models.NewMessageStart("m1", models.RoleAssistant),
			models.NewToolCallComplete(call("t1", "add", `{"a":2,"b":2}`)),
			models.NewMessageComplete("m1", "", nil),
			models.NewStreamEnd(),
		},
		[]*models.Event{
			models.NewMessageStart("m2", models.RoleAssistant),
			models.NewMessageComplete("m2", "the answer is 4", nil),
			models.NewStreamEnd(),
		},
	)
	runner := runnerFor(t, script, "script-model")

	a := &Agent{Name: "worker", ModelClass: "standard", Tools: []Tool{addTool()}}
	conv, err := runner.Run(context.Background(), a, models.NewConversation(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if script.Calls() != 2 {
		t.Errorf("provider calls = %d, want 2", script.Calls())
	}

	var types []models.MessageType
	for _, msg := range conv.Messages {
		types = append(types, msg.Type)
	}
	want := []models.MessageType{models.TypeFunctionCall, models.TypeFunctionCallOutput, models.TypeMessage}
	if len(types) != len(want) {
		t.Fatalf("messages = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("messages = %v, want %v", types, want)
		}
	}
	if out := conv.Messages[1].Output; out != "4" {
		t.Errorf("tool output = %q, want 4", out)
	}
	if last, ok := conv.Last(); !ok || last.Content != "the answer is 4" {
		t.Errorf("final message = %+v", last)
	}
}

func TestRunRespectsRoundBudget(t *testing.T) {
	// The single script always requests another tool call; a one-round
	// budget must stop after executing the first batch.
	script := providers.NewScriptProvider("script",
		[]*models.Event{
			models.NewToolCallComplete(call("t1", "add", `{"a":1,"b":1}`)),
			models.NewStreamEnd(),
		},
	)
	runner := runnerFor(t, script, "script-model")

	a := &Agent{Name: "overseer", ModelClass: "standard", Tools: []Tool{addTool()}, MaxToolCallRoundsPerTurn: 1}
	conv, err := runner.Run(context.Background(), a, models.NewConversation(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if script.Calls() != 1 {
		t.Errorf("provider calls = %d, want 1", script.Calls())
	}
	if len(conv.Messages) != 2 {
		t.Errorf("messages = %d, want call plus output", len(conv.Messages))
	}
}

func TestRunSynthesizesCompleteBeforeExecution(t *testing.T) {
	// tool_calls_chunk finalizes calls without individual completion
	// events; the runner must surface tool_call_complete before the tool
	// runs.
	script := providers.NewScriptProvider("script",
		[]*models.Event{
			models.NewToolCallsChunk([]models.ToolCall{call("t1", "inspect", `{}`)}),
			models.NewStreamEnd(),
		},
		[]*models.Event{
			models.NewMessageComplete("m1", "done", nil),
			models.NewStreamEnd(),
		},
	)
	runner := runnerFor(t, script, "script-model")

	var mu sync.Mutex
	var trace []string
	inspect := &FuncTool{
		ToolName:        "inspect",
		ToolDescription: "records execution order",
		ToolSchema:      map[string]any{"type": "object"},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			mu.Lock()
			trace = append(trace, "execute")
			mu.Unlock()
			return "ok", nil
		},
	}
	sink := func(ev *models.Event) {
		if ev.IsToolCallComplete() {
			mu.Lock()
			trace = append(trace, "complete")
			mu.Unlock()
		}
	}

	a := &Agent{Name: "worker", ModelClass: "standard", Tools: []Tool{inspect}}
	if _, err := runner.Run(context.Background(), a, models.NewConversation(), sink); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(trace) != 2 || trace[0] != "complete" || trace[1] != "execute" {
		t.Errorf("trace = %v, want completion before execution", trace)
	}
}

func TestRunFiresHooks(t *testing.T) {
	script := providers.NewScriptProvider("script",
		[]*models.Event{
			models.NewToolCallComplete(call("t1", "add", `{"a":1,"b":2}`)),
			models.NewStreamEnd(),
		},
		[]*models.Event{
			models.NewMessageComplete("m1", "three", nil),
			models.NewStreamEnd(),
		},
	)
	runner := runnerFor(t, script, "script-model")

	var requests, responses, toolCalls, toolResults int
	a := &Agent{
		Name:       "worker",
		ModelClass: "standard",
		Tools:      []Tool{addTool()},
		Hooks: Hooks{
			OnRequest: func(ctx context.Context, a *Agent, conv *models.Conversation) *models.Conversation {
				requests++
				return nil
			},
			OnResponse: func(ctx context.Context, a *Agent, msg models.Message) { responses++ },
			OnToolCall: func(ctx context.Context, a *Agent, call models.ToolCall) { toolCalls++ },
			OnToolResult: func(ctx context.Context, a *Agent, result models.Message) { toolResults++ },
		},
	}
	if _, err := runner.Run(context.Background(), a, models.NewConversation(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if requests != 2 || responses != 1 || toolCalls != 1 || toolResults != 1 {
		t.Errorf("hook counts: requests=%d responses=%d toolCalls=%d toolResults=%d",
			requests, responses, toolCalls, toolResults)
	}
}

func TestRunRotatesAwayFromFailingProvider(t *testing.T) {
	script := providers.NewScriptProvider("script",
		[]*models.Event{
			models.NewMessageComplete("m1", "hello", nil),
			models.NewStreamEnd(),
		},
	)
	reg := providers.NewRegistry()
	reg.Register(&failingProvider{name: "broken"}, "broken-model")
	reg.Register(script, "good-model")
	rot := NewRotator(config.ModelsConfig{
		Classes: map[string]config.ModelClass{
			"standard": {
				Models: []string{"broken-model", "good-model"},
				Scores: map[string]int{"broken-model": 100, "good-model": 0},
			},
		},
	}, 1)
	runner := NewRunner(reg, rot, NewRunningToolTracker(), nil, nil)

	a := &Agent{Name: "worker", ModelClass: "standard"}
	conv, err := runner.Run(context.Background(), a, models.NewConversation(), nil)
	if err != nil {
		t.Fatalf("Run should recover via rotation: %v", err)
	}
	if script.Calls() != 1 {
		t.Errorf("fallback provider calls = %d, want 1", script.Calls())
	}
	if last, ok := conv.Last(); !ok || last.Content != "hello" {
		t.Errorf("final message = %+v", last)
	}
}

func TestRunRotatesOnMidStreamError(t *testing.T) {
	erroring := providers.NewScriptProvider("erroring",
		[]*models.Event{
			models.NewErrorEvent("overloaded", "529", nil),
			models.NewStreamEnd(),
		},
	)
	script := providers.NewScriptProvider("script",
		[]*models.Event{
			models.NewMessageComplete("m1", "hello", nil),
			models.NewStreamEnd(),
		},
	)
	reg := providers.NewRegistry()
	reg.Register(erroring, "erroring-model")
	reg.Register(script, "good-model")
	rot := NewRotator(config.ModelsConfig{
		Classes: map[string]config.ModelClass{
			"standard": {
				Models: []string{"erroring-model", "good-model"},
				Scores: map[string]int{"erroring-model": 100, "good-model": 0},
			},
		},
	}, 1)
	runner := NewRunner(reg, rot, NewRunningToolTracker(), nil, nil)

	a := &Agent{Name: "worker", ModelClass: "standard"}
	conv, err := runner.Run(context.Background(), a, models.NewConversation(), nil)
	if err != nil {
		t.Fatalf("Run should recover via rotation: %v", err)
	}
	if erroring.Calls() != 1 || script.Calls() != 1 {
		t.Errorf("provider calls = %d/%d, want 1 each", erroring.Calls(), script.Calls())
	}
	if last, ok := conv.Last(); !ok || last.Content != "hello" {
		t.Errorf("final message = %+v", last)
	}
}

func TestRunSurfacesErrorAfterPartialTurn(t *testing.T) {
	script := providers.NewScriptProvider("script",
		[]*models.Event{
			models.NewMessageStart("m1", models.RoleAssistant),
			models.NewMessageComplete("m1", "partial answer", nil),
			models.NewErrorEvent("connection reset", "", nil),
			models.NewStreamEnd(),
		},
	)
	runner := runnerFor(t, script, "script-model")

	a := &Agent{Name: "worker", ModelClass: "standard"}
	conv, err := runner.Run(context.Background(), a, models.NewConversation(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if script.Calls() != 1 {
		t.Errorf("provider calls = %d, want no retry after a partial turn", script.Calls())
	}
	last, ok := conv.Last()
	if !ok || last.Role != models.RoleSystem || last.Content != "Error: connection reset" {
		t.Errorf("final message = %+v, want the surfaced stream error", last)
	}
	if len(conv.Messages) != 2 || conv.Messages[0].Content != "partial answer" {
		t.Errorf("messages = %+v, want partial text then error", conv.Messages)
	}
}

func TestRunPinnedModelFailureIsTerminal(t *testing.T) {
	reg := providers.NewRegistry()
	reg.Register(&failingProvider{name: "broken"}, "broken-model")
	rot := NewRotator(config.ModelsConfig{
		Classes: map[string]config.ModelClass{
			"standard": {Models: []string{"broken-model"}, Scores: map[string]int{"broken-model": 100}},
		},
	}, 1)
	runner := NewRunner(reg, rot, NewRunningToolTracker(), nil, nil)

	a := &Agent{Name: "worker", ModelClass: "standard", Model: "broken-model"}
	_, err := runner.Run(context.Background(), a, models.NewConversation(), nil)
	if err == nil || !strings.Contains(err.Error(), "unavailable") {
		t.Fatalf("err = %v, want pinned-model failure surfaced", err)
	}
}

func TestRunCancellationAbortsToolExecution(t *testing.T) {
	script := providers.NewScriptProvider("script",
		[]*models.Event{
			models.NewToolCallComplete(call("t1", "block", `{}`)),
			models.NewStreamEnd(),
		},
	)
	runner := runnerFor(t, script, "script-model")

	block := &FuncTool{
		ToolName:        "block",
		ToolDescription: "waits for cancellation",
		ToolSchema:      map[string]any{"type": "object"},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	a := &Agent{Name: "worker", ModelClass: "standard", Tools: []Tool{block}}
	done := make(chan error, 1)
	go func() {
		_, err := runner.Run(ctx, a, models.NewConversation(), nil)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRunCollectsHistoryThread(t *testing.T) {
	script := providers.NewScriptProvider("script",
		[]*models.Event{
			models.NewMessageComplete("m1", "observation", nil),
			models.NewStreamEnd(),
		},
	)
	runner := runnerFor(t, script, "script-model")

	var thread []models.Message
	a := &Agent{Name: "worker", ModelClass: "standard", HistoryThread: &thread}
	if _, err := runner.Run(context.Background(), a, models.NewConversation(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(thread) != 1 || thread[0].Content != "observation" {
		t.Errorf("thread = %+v, want the appended assistant message", thread)
	}
}

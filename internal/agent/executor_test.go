package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/just-every/magi/pkg/models"
)

func addTool() Tool {
	return &FuncTool{
		ToolName:        "add",
		ToolDescription: "Adds two numbers",
		ToolSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			"required": []any{"a", "b"},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			return fmt.Sprintf("%v", args["a"].(float64)+args["b"].(float64)), nil
		},
	}
}

func call(id, name, args string) models.ToolCall {
	return models.ToolCall{ID: id, Kind: "function", Function: models.FunctionCall{Name: name, Arguments: args}}
}

func TestExecuteBatchHappyPath(t *testing.T) {
	exec := NewExecutor(NewToolRegistry(addTool()), NewRunningToolTracker())
	out := exec.ExecuteBatch(context.Background(), &Agent{Name: "test"}, []models.ToolCall{
		call("t1", "add", `{"a":2,"b":2}`),
	})
	if len(out) != 1 {
		t.Fatal("expected one output")
	}
	if out[0].Output != "4" || out[0].ID != "t1" || out[0].Type != models.TypeFunctionCallOutput {
		t.Errorf("output = %+v", out[0])
	}
}

func TestExecuteBatchInvalidJSON(t *testing.T) {
	exec := NewExecutor(NewToolRegistry(addTool()), NewRunningToolTracker())
	out := exec.ExecuteBatch(context.Background(), nil, []models.ToolCall{
		call("t1", "add", `{oops`),
	})
	var payload map[string]string
	if err := json.Unmarshal([]byte(out[0].Output), &payload); err != nil {
		t.Fatalf("output is not JSON: %s", out[0].Output)
	}
	if payload["error"] != "invalid JSON" {
		t.Errorf("error = %q, want invalid JSON", payload["error"])
	}
}

func TestExecuteBatchValidation(t *testing.T) {
	exec := NewExecutor(NewToolRegistry(addTool()), NewRunningToolTracker())
	tests := []struct {
		name string
		call models.ToolCall
		want string
	}{
		{"empty id", models.ToolCall{Kind: "function", Function: models.FunctionCall{Name: "add", Arguments: "{}"}}, "empty id"},
		{"wrong kind", call("t1", "add", "{}"), "kind"},
		{"unknown tool", call("t2", "subtract", "{}"), "unknown tool"},
		{"missing required", call("t3", "add", `{"a":1}`), "schema"},
	}
	tests[1].call.Kind = "message"
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := exec.ExecuteBatch(context.Background(), nil, []models.ToolCall{tt.call})
			if !strings.Contains(out[0].Output, tt.want) {
				t.Errorf("output %s does not mention %q", out[0].Output, tt.want)
			}
		})
	}
}

func TestExecuteBatchPreservesInputOrder(t *testing.T) {
	slow := &FuncTool{
		ToolName:   "slow",
		ToolSchema: map[string]any{"type": "object"},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			time.Sleep(30 * time.Millisecond)
			return "slow done", nil
		},
	}
	fast := &FuncTool{
		ToolName:   "fast",
		ToolSchema: map[string]any{"type": "object"},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			return "fast done", nil
		},
	}
	exec := NewExecutor(NewToolRegistry(slow, fast), NewRunningToolTracker())
	out := exec.ExecuteBatch(context.Background(), nil, []models.ToolCall{
		call("t1", "slow", "{}"),
		call("t2", "fast", "{}"),
	})
	if out[0].Output != "slow done" || out[1].Output != "fast done" {
		t.Errorf("outputs out of order: %s, %s", out[0].Output, out[1].Output)
	}
}

func TestExecuteBatchRecoversPanic(t *testing.T) {
	bomb := &FuncTool{
		ToolName:   "bomb",
		ToolSchema: map[string]any{"type": "object"},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			panic("kaboom")
		},
	}
	exec := NewExecutor(NewToolRegistry(bomb), NewRunningToolTracker())
	out := exec.ExecuteBatch(context.Background(), nil, []models.ToolCall{call("t1", "bomb", "{}")})
	if !strings.Contains(out[0].Output, "kaboom") {
		t.Errorf("panic not captured: %s", out[0].Output)
	}
}

func TestTrackerInterruptWaiting(t *testing.T) {
	tracker := NewRunningToolTracker()
	wait := &FuncTool{
		ToolName:   "wait_for_running_task",
		ToolSchema: map[string]any{"type": "object"},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	exec := NewExecutor(NewToolRegistry(wait), tracker)

	done := make(chan []models.Message)
	go func() {
		done <- exec.ExecuteBatch(context.Background(), nil, []models.ToolCall{call("w1", "wait_for_running_task", "{}")})
	}()

	// Wait until the tool is tracked.
	deadline := time.After(time.Second)
	for {
		if _, ok := tracker.Get("w1"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("tool never registered")
		case <-time.After(time.Millisecond):
		}
	}

	start := time.Now()
	if n := tracker.InterruptWaiting("test"); n != 1 {
		t.Fatalf("interrupted %d tools, want 1", n)
	}
	select {
	case out := <-done:
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("interrupt took %v, want under 50ms", elapsed)
		}
		if !strings.Contains(out[0].Output, "aborted") {
			t.Errorf("output = %s, want aborted", out[0].Output)
		}
	case <-time.After(time.Second):
		t.Fatal("interrupted wait never returned")
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	tracker := NewRunningToolTracker()
	rt, _ := tracker.Track(context.Background(), "t1", "slow", "a", "")
	rt.Abort()
	rt.Abort()
	if rt.Status() != models.ToolAborted {
		t.Errorf("status = %s, want aborted", rt.Status())
	}
}

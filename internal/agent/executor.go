package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/just-every/magi/pkg/models"
)

const argsPreviewLimit = 120

// Executor dispatches validated tool calls, tracks them as RunningTools,
// and captures their outputs as function_call_output messages.
type Executor struct {
	registry *ToolRegistry
	tracker  *RunningToolTracker
}

// NewExecutor creates an executor over the given registry and tracker.
func NewExecutor(registry *ToolRegistry, tracker *RunningToolTracker) *Executor {
	return &Executor{registry: registry, tracker: tracker}
}

// ExecuteBatch runs a batch of tool calls and returns one
// function_call_output message per call, in input order regardless of
// completion order. Calls run concurrently unless the agent's settings
// demand sequential execution. Invalid calls are rejected without executing;
// execution errors become {"error": …} outputs. Cancelling ctx aborts every
// open call cooperatively.
func (e *Executor) ExecuteBatch(ctx context.Context, a *Agent, calls []models.ToolCall) []models.Message {
	results := make([]models.Message, len(calls))

	run := func(i int, call models.ToolCall) {
		results[i] = e.executeOne(ctx, a, call)
	}

	if a != nil && a.ModelSettings.SequentialTools {
		for i, call := range calls {
			run(i, call)
		}
		return results
	}

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			run(i, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (e *Executor) executeOne(ctx context.Context, a *Agent, call models.ToolCall) models.Message {
	name := call.Function.Name

	args, err := e.registry.Validate(call)
	if err != nil {
		return models.NewFunctionCallOutput(call.ID, name, models.ErrorOutput(err.Error()))
	}
	tool, _ := e.registry.Get(name)

	agentName := ""
	if a != nil {
		agentName = a.Name
	}
	rt, runCtx := e.tracker.Track(ctx, call.ID, name, agentName, preview(call.Function.Arguments))

	output, err := runGuarded(runCtx, tool, args)
	switch {
	case rt.Status() == models.ToolAborted:
		e.tracker.Complete(call.ID, models.ToolAborted)
		return models.NewFunctionCallOutput(call.ID, name, models.ErrorOutput("aborted"))
	case err != nil:
		e.tracker.Complete(call.ID, models.ToolFailed)
		return models.NewFunctionCallOutput(call.ID, name, models.ErrorOutput(err.Error()))
	default:
		e.tracker.Complete(call.ID, models.ToolCompleted)
		return models.NewFunctionCallOutput(call.ID, name, output)
	}
}

// runGuarded invokes the tool and converts panics into errors so a broken
// tool cannot take down the agent loop.
func runGuarded(ctx context.Context, tool Tool, args map[string]any) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return tool.Execute(ctx, args)
}

func preview(args string) string {
	if len(args) <= argsPreviewLimit {
		return args
	}
	return args[:argsPreviewLimit] + "…"
}

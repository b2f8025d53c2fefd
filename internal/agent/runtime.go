package agent

import (
	"context"
	"fmt"

	"github.com/just-every/magi/internal/observability"
	"github.com/just-every/magi/internal/providers"
	"github.com/just-every/magi/pkg/models"
)

const defaultToolCallRounds = 10

// providerAttempts bounds how many models rotation may try for one request
// before the round is abandoned.
const providerAttempts = 3

// Gate blocks new provider calls while the system is paused. Wait returns
// once the system is running, or ctx's error.
type Gate interface {
	Wait(ctx context.Context) error
}

// EventSink receives every event of a run in emission order.
type EventSink func(*models.Event)

// Runner executes agent request cycles: provider call, accumulation, tool
// execution, repeat until quiescent.
type Runner struct {
	providers *providers.Registry
	rotator   *Rotator
	tracker   *RunningToolTracker
	pause     Gate
	logger    *observability.Logger
}

// NewRunner creates an agent runtime. pause may be nil when no gating is
// wanted (tests, one-shot tools).
func NewRunner(reg *providers.Registry, rotator *Rotator, tracker *RunningToolTracker, pause Gate, logger *observability.Logger) *Runner {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Runner{providers: reg, rotator: rotator, tracker: tracker, pause: pause, logger: logger}
}

// Tracker exposes the process-wide running-tool registry.
func (r *Runner) Tracker() *RunningToolTracker { return r.tracker }

// Run executes one agent request against conv and returns the extended
// conversation. Events are fanned to sink unchanged and in provider order,
// with tool_call_complete synthesized for calls the adapter finalized only
// implicitly, always before the corresponding execution begins. The loop
// ends when a turn produces no tool calls or MaxToolCallRoundsPerTurn is
// reached; pending calls then surface on the caller's next request.
//
// Cancelling ctx aborts the in-flight provider stream and every open
// RunningTool; the returned conversation holds whatever was finalized.
func (r *Runner) Run(ctx context.Context, a *Agent, conv *models.Conversation, sink EventSink) (*models.Conversation, error) {
	if sink == nil {
		sink = func(*models.Event) {}
	}
	rounds := a.MaxToolCallRoundsPerTurn
	if rounds <= 0 {
		rounds = defaultToolCallRounds
	}

	registry := NewToolRegistry(a.Tools...)
	executor := NewExecutor(registry, r.tracker)
	startLen := len(conv.Messages)
	conv = conv.Clone()

	for round := 0; round < rounds; round++ {
		if a.Hooks.OnRequest != nil {
			if rewritten := a.Hooks.OnRequest(ctx, a, conv); rewritten != nil {
				conv = rewritten
			}
		}

		if r.pause != nil {
			if err := r.pause.Wait(ctx); err != nil {
				return conv, err
			}
		}

		res, err := r.runProviderTurn(ctx, a, conv, sink)
		if err != nil {
			return conv, err
		}
		conv = res.Conversation

		if a.Hooks.OnResponse != nil && res.AssistantMessage != nil {
			a.Hooks.OnResponse(ctx, a, *res.AssistantMessage)
		}
		if a.Hooks.OnThinking != nil {
			for _, msg := range res.ThinkingMessages {
				a.Hooks.OnThinking(ctx, a, msg)
			}
		}
		if a.Hooks.OnToolCall != nil {
			for _, call := range res.DetectedToolCalls {
				a.Hooks.OnToolCall(ctx, a, call)
			}
		}

		if len(res.DetectedToolCalls) == 0 {
			break
		}

		outputs := executor.ExecuteBatch(ctx, a, res.DetectedToolCalls)
		for _, out := range outputs {
			if a.Hooks.OnToolResult != nil {
				a.Hooks.OnToolResult(ctx, a, out)
			}
			conv.Append(out)
		}
		if ctx.Err() != nil {
			return conv, ctx.Err()
		}
	}

	if a.HistoryThread != nil {
		*a.HistoryThread = append(*a.HistoryThread, conv.Messages[startLen:]...)
	}
	return conv, nil
}

// runProviderTurn performs one provider call, retrying across rotated models
// when a provider fails outright or its stream errors before producing
// anything usable.
func (r *Runner) runProviderTurn(ctx context.Context, a *Agent, conv *models.Conversation, sink EventSink) (*AccumulateResult, error) {
	var lastErr error
	tried := map[string]bool{}

	for attempt := 0; attempt < providerAttempts; attempt++ {
		model := a.Model
		if model == "" {
			picked, err := r.rotator.Pick(a.Name, a.ModelClass)
			if err != nil {
				return nil, err
			}
			model = picked
		}
		if tried[model] && a.Model == "" {
			continue
		}
		tried[model] = true

		provider, err := r.providers.ForModel(model)
		if err != nil {
			return nil, err
		}

		req := &providers.Request{
			Model:        model,
			Instructions: a.Instructions,
			Conversation: conv,
			Tools:        toolSchemas(a.Tools),
			Settings: providers.Settings{
				MaxTokens:       a.ModelSettings.MaxTokens,
				Temperature:     a.ModelSettings.Temperature,
				ToolChoice:      a.ModelSettings.ToolChoice,
				SequentialTools: a.ModelSettings.SequentialTools,
			},
		}

		events, err := provider.Run(ctx, req)
		if err != nil {
			lastErr = err
			r.logger.Warn(ctx, "provider call failed, rotating",
				"provider", provider.Name(), "model", model, "error", err)
			if a.Model != "" {
				// A pinned model has nowhere to rotate.
				return nil, err
			}
			continue
		}

		res := r.consume(ctx, conv, events, sink)
		if len(res.Errors) > 0 {
			errText := res.Errors[0].Error
			if res.AssistantMessage == nil && len(res.DetectedToolCalls) == 0 && len(res.ThinkingMessages) == 0 {
				lastErr = fmt.Errorf("provider stream error: %s", errText)
				r.logger.Warn(ctx, "provider stream errored, rotating",
					"provider", provider.Name(), "model", model, "error", errText)
				if a.Model != "" {
					return nil, lastErr
				}
				continue
			}
			// A partial turn arrived before the error; surface it so the
			// caller's next request sees what went wrong.
			res.Conversation.Append(models.NewMessage(models.RoleSystem, "Error: "+errText))
		}
		return res, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no provider succeeded for class %q", a.ModelClass)
	}
	return nil, lastErr
}

// consume tees provider events to the sink while accumulating them, then
// synthesizes tool_call_complete for any call the adapter finalized only at
// stream end.
func (r *Runner) consume(ctx context.Context, conv *models.Conversation, events <-chan *models.Event, sink EventSink) *AccumulateResult {
	buffered := make(chan *models.Event, 64)
	seenComplete := map[string]bool{}

	go func() {
		defer close(buffered)
		for ev := range events {
			if ev.IsToolCallComplete() && ev.ToolCall != nil {
				seenComplete[ev.ToolCall.ToolCallID] = true
			}
			sink(ev)
			select {
			case buffered <- ev:
			case <-ctx.Done():
				// Drain upstream so the adapter can exit.
				for range events {
				}
				return
			}
		}
	}()

	res := Accumulate(conv, buffered)

	for _, call := range res.DetectedToolCalls {
		if !seenComplete[call.ID] {
			sink(models.NewToolCallComplete(call))
		}
	}
	return res
}

func toolSchemas(tools []Tool) []providers.ToolSchema {
	if len(tools) == 0 {
		return nil
	}
	out := make([]providers.ToolSchema, 0, len(tools))
	for _, t := range tools {
		out = append(out, providers.ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return out
}

// Package agent implements the tool-loop runtime shared by the overseer and
// every spawned task: stream accumulation, tool validation and execution,
// model rotation, and the per-request agent cycle.
package agent

import (
	"context"

	"github.com/just-every/magi/pkg/models"
)

// Hooks are optional callbacks fired during an agent run. A nil hook is
// skipped. OnRequest may rewrite the conversation before each provider call
// (system-status injection, prompt guidance); the other hooks observe.
type Hooks struct {
	OnRequest    func(ctx context.Context, a *Agent, conv *models.Conversation) *models.Conversation
	OnResponse   func(ctx context.Context, a *Agent, msg models.Message)
	OnThinking   func(ctx context.Context, a *Agent, msg models.Message)
	OnToolCall   func(ctx context.Context, a *Agent, call models.ToolCall)
	OnToolResult func(ctx context.Context, a *Agent, result models.Message)
}

// ModelSettings tunes generation and execution for one agent.
type ModelSettings struct {
	MaxTokens       int
	Temperature     *float32
	ToolChoice      string
	SequentialTools bool
}

// Agent describes one reasoning actor: its instructions, tool surface, and
// model selection policy. Tools that spawn sub-agents hold a process id into
// the supervisor's registry, never the Agent value, so no Agent↔Tool
// reference cycle forms.
type Agent struct {
	Name         string
	Description  string
	Instructions string
	Tools        []Tool
	ModelClass   string

	// Model pins a fixed model, bypassing rotation.
	Model string

	ModelSettings ModelSettings

	// MaxToolCallRoundsPerTurn bounds the tool loop per request. The
	// overseer runs with 1 so pending calls surface in the next monologue
	// turn.
	MaxToolCallRoundsPerTurn int

	Hooks Hooks

	// HistoryThread, when set, collects the messages this agent appends so
	// a parent can merge them later.
	HistoryThread *[]models.Message
}

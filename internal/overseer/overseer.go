// Package overseer runs the engine's core monologue loop: an infinite
// sequence of single-round agent turns over the shared history, with task
// supervision, thought delays and user-conversation nudges.
package overseer

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/just-every/magi/internal/agent"
	"github.com/just-every/magi/internal/comms"
	"github.com/just-every/magi/internal/config"
	"github.com/just-every/magi/internal/history"
	"github.com/just-every/magi/internal/memory"
	"github.com/just-every/magi/internal/observability"
	"github.com/just-every/magi/internal/process"
	"github.com/just-every/magi/pkg/models"
)

// monologueClass is the model class every monologue turn uses.
const monologueClass = "monologue"

var _ comms.Handler = (*Overseer)(nil)

// Sender delivers events to the controller; the comms client implements it.
type Sender interface {
	Send(ev *models.Event)
}

// Overseer is the long-running core agent of an engine.
type Overseer struct {
	cfg        config.Config
	name       string
	personName string

	runner     *agent.Runner
	history    *history.Store
	supervisor *process.Supervisor
	pause      *process.PauseController
	memories   *memory.Store
	sender     Sender
	tracker    *agent.RunningToolTracker
	logger     *observability.Logger

	thoughtDelay atomic.Int64
	interrupt    chan struct{}
	started      time.Time
	lastSweep    time.Time
	rng          *rand.Rand
}

// New assembles an overseer. memories and sender may be nil in tests.
func New(cfg config.Config, runner *agent.Runner, hist *history.Store, sup *process.Supervisor, pause *process.PauseController, memories *memory.Store, sender Sender, logger *observability.Logger) *Overseer {
	if logger == nil {
		logger = observability.Nop()
	}
	o := &Overseer{
		cfg:        cfg,
		name:       cfg.Name,
		personName: cfg.PersonName,
		runner:     runner,
		history:    hist,
		supervisor: sup,
		pause:      pause,
		memories:   memories,
		sender:     sender,
		tracker:    runner.Tracker(),
		logger:     logger,
		interrupt:  make(chan struct{}, 1),
		started:    time.Now(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	o.thoughtDelay.Store(int64(cfg.Engine.ThoughtDelaySeconds))
	return o
}

// ThoughtDelay returns the current inter-turn delay in seconds.
func (o *Overseer) ThoughtDelay() int { return int(o.thoughtDelay.Load()) }

// SetThoughtDelay changes the inter-turn delay; the value must be one of the
// allowed steps.
func (o *Overseer) SetThoughtDelay(seconds int) error {
	if !config.ValidThoughtDelay(seconds) {
		return fmt.Errorf("thought delay must be one of %v, got %d", config.ThoughtDelays, seconds)
	}
	o.thoughtDelay.Store(int64(seconds))
	return nil
}

// InterruptDelay wakes a sleeping monologue loop early.
func (o *Overseer) InterruptDelay() {
	select {
	case o.interrupt <- struct{}{}:
	default:
	}
}

// Run executes monologue turns until ctx is cancelled.
func (o *Overseer) Run(ctx context.Context) error {
	o.lastSweep = time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.turn(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.logger.Error(ctx, "monologue turn failed", "error", err)
		}
		o.maybeSweepHealth(ctx)
		o.sleepThoughtDelay(ctx)
	}
}

// turn runs one monologue round: drain pending threads, build the request
// conversation (history plus the ephemeral status and guide messages), run
// the agent once, and persist only what the turn itself produced.
func (o *Overseer) turn(ctx context.Context) error {
	if merged := o.history.DrainThreads(); merged > 0 {
		o.logger.Debug(ctx, "merged sub-agent threads", "messages", merged)
	}

	base := o.history.Messages()
	conv := models.NewConversation()
	conv.Append(base...)
	conv.Append(o.systemStatus(ctx))

	a := o.buildAgent()
	if nudge, forceTalk := o.promptGuide(base); nudge != "" {
		conv.Append(models.NewMessage(models.RoleDeveloper, nudge))
		if forceTalk {
			a.ModelSettings.ToolChoice = o.talkToolName()
		}
	}

	before := len(conv.Messages)
	sink := func(ev *models.Event) {
		if o.sender != nil {
			o.sender.Send(ev)
		}
	}
	result, err := o.runner.Run(ctx, a, conv, sink)
	if err != nil {
		return err
	}

	for _, msg := range result.Messages[before:] {
		if msg.Role == models.RoleAssistant && msg.Type == models.TypeMessage {
			o.history.AddMonologue(msg.Content)
			continue
		}
		o.history.Append(msg)
	}

	if changed, err := o.history.CompactIfNeeded(ctx); err != nil {
		o.logger.Warn(ctx, "compaction failed", "error", err)
	} else if changed {
		o.logger.Debug(ctx, "history compacted", "approx_tokens", o.history.ApproxTokens())
	}
	return nil
}

func (o *Overseer) buildAgent() *agent.Agent {
	return &agent.Agent{
		Name:                     "overseer",
		Description:              "The core monologue agent",
		Instructions:             o.instructions(),
		Tools:                    o.tools(),
		ModelClass:               monologueClass,
		MaxToolCallRoundsPerTurn: 1,
	}
}

func (o *Overseer) instructions() string {
	return fmt.Sprintf(`You are %s, an autonomous assistant working for %s.
You think in a continuous internal monologue. Each turn you may reflect,
manage your tasks, or speak to %s with the %s tool. Prefer doing useful
background work over idle chatter. Keep thoughts short and concrete.`,
		o.name, o.personName, o.personName, o.talkToolName())
}

func (o *Overseer) talkToolName() string {
	return "talk_to_" + strings.ToLower(o.personName)
}

// systemStatus renders the ephemeral developer message prepended to every
// monologue request. It is never persisted to history.
func (o *Overseer) systemStatus(ctx context.Context) models.Message {
	var b strings.Builder
	now := time.Now()
	b.WriteString("=== System Status ===\n")
	fmt.Fprintf(&b, "Current time: %s\n", now.Format(time.RFC1123))
	fmt.Fprintf(&b, "Running for: %s\n", now.Sub(o.started).Round(time.Second))
	fmt.Fprintf(&b, "Thought delay: %ds\n", o.ThoughtDelay())

	if projects := o.supervisor.Projects(); len(projects) > 0 {
		fmt.Fprintf(&b, "Active projects: %s\n", strings.Join(projects, ", "))
	}
	if tasks := o.supervisor.List(); len(tasks) > 0 {
		b.WriteString("Tasks:\n")
		for _, task := range tasks {
			fmt.Fprintf(&b, "  %s (%s): %s\n", task.ProcessID, task.Name, task.Status)
		}
	}
	if tools := o.tracker.Snapshot(); len(tools) > 0 {
		b.WriteString("Running tools:\n")
		for _, rt := range tools {
			fmt.Fprintf(&b, "  %s (%s) since %s\n", rt.ToolName, rt.ID, rt.StartedAt.Format(time.TimeOnly))
		}
	}
	if o.memories != nil {
		if recent, err := o.memories.Recent(ctx, memory.TermShort, 5); err == nil && len(recent) > 0 {
			b.WriteString("Short-term memories:\n")
			for _, m := range recent {
				fmt.Fprintf(&b, "  [%d] %s\n", m.ID, m.Content)
			}
		}
	}
	return models.NewMessage(models.RoleDeveloper, b.String())
}

// maybeSweepHealth kicks off a background health sweep at the configured
// interval. Stuck tasks are reported into the history, never terminated.
func (o *Overseer) maybeSweepHealth(ctx context.Context) {
	interval := o.cfg.Engine.TaskHealthCheckInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if time.Since(o.lastSweep) < interval {
		return
	}
	o.lastSweep = time.Now()
	go func() {
		stuck := o.supervisor.CheckAllTaskHealth()
		if len(stuck) == 0 {
			return
		}
		o.logger.Warn(ctx, "health sweep found stuck tasks", "tasks", stuck)
		o.history.Append(models.NewMessage(models.RoleDeveloper,
			fmt.Sprintf("Health check: tasks %s have made no progress recently.", strings.Join(stuck, ", "))))
		o.InterruptDelay()
	}()
}

func (o *Overseer) sleepThoughtDelay(ctx context.Context) {
	delay := time.Duration(o.thoughtDelay.Load()) * time.Second
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-o.interrupt:
	case <-ctx.Done():
	}
}

// OnSystemMessage surfaces a controller system message into the monologue
// and wakes the loop. It implements part of the comms handler.
func (o *Overseer) OnSystemMessage(message string) {
	if strings.TrimSpace(message) == "" {
		return
	}
	o.history.Append(models.NewMessage(models.RoleDeveloper, message))
	o.InterruptDelay()
}

// OnSystemCommand reacts to pause and resume.
func (o *Overseer) OnSystemCommand(command string) {
	switch command {
	case comms.CommandPause:
		if o.pause.Pause() {
			o.tracker.InterruptWaiting("system paused")
			o.logger.Info(context.Background(), "system paused")
		}
	case comms.CommandResume:
		if o.pause.Resume() {
			o.logger.Info(context.Background(), "system resumed")
			o.InterruptDelay()
		}
	default:
		o.logger.Warn(context.Background(), "unknown system command", "command", command)
	}
}

// OnProcessEvent folds a peer task's status update into the supervisor.
func (o *Overseer) OnProcessEvent(processID string, status models.ProcessStatus, output, errText string) {
	o.supervisor.Observe(processID, status, output, errText)
	if status.Terminal() {
		o.InterruptDelay()
	}
}

// OnProjectUpdate records a project creation result in the history.
func (o *Overseer) OnProjectUpdate(update process.ProjectUpdate) {
	o.history.Append(o.supervisor.HandleProjectUpdate(update))
	o.InterruptDelay()
}

// UserSaid ingests a human message under the canonical prefix and wakes the
// loop immediately.
func (o *Overseer) UserSaid(text string) {
	o.history.AddUserSaid(o.personName, text)
	o.InterruptDelay()
}

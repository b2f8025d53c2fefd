package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/just-every/magi/pkg/models"
)

// RunningTool is one in-flight tool invocation with a cooperative abort
// handle. It lives from dispatch until a terminal status.
type RunningTool struct {
	ID          string
	ToolName    string
	AgentName   string
	ArgsPreview string
	StartedAt   time.Time

	mu     sync.Mutex
	status models.RunningToolStatus
	cancel context.CancelFunc
	done   chan struct{}
}

// Status returns the current lifecycle status.
func (rt *RunningTool) Status() models.RunningToolStatus {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.status
}

// Abort cooperatively cancels the invocation. Idempotent; the tool moves to
// a terminal status within bounded time.
func (rt *RunningTool) Abort() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.status == models.ToolRunning {
		rt.status = models.ToolAborted
		rt.cancel()
	}
}

// Done is closed when the invocation reaches a terminal status.
func (rt *RunningTool) Done() <-chan struct{} { return rt.done }

func (rt *RunningTool) finish(status models.RunningToolStatus) {
	rt.mu.Lock()
	if rt.status == models.ToolRunning {
		rt.status = status
	}
	rt.mu.Unlock()
	select {
	case <-rt.done:
	default:
		close(rt.done)
	}
}

// RunningToolTracker is the process-wide registry of in-flight tool calls.
// Appends and terminations are synchronized; readers may observe a stale
// snapshot.
type RunningToolTracker struct {
	mu    sync.RWMutex
	tools map[string]*RunningTool
}

// NewRunningToolTracker creates an empty tracker.
func NewRunningToolTracker() *RunningToolTracker {
	return &RunningToolTracker{tools: make(map[string]*RunningTool)}
}

// Track registers a new running tool and returns it with the context the
// execution must honor.
func (t *RunningToolTracker) Track(ctx context.Context, id, toolName, agentName, argsPreview string) (*RunningTool, context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	rt := &RunningTool{
		ID:          id,
		ToolName:    toolName,
		AgentName:   agentName,
		ArgsPreview: argsPreview,
		StartedAt:   time.Now().UTC(),
		status:      models.ToolRunning,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	t.mu.Lock()
	t.tools[id] = rt
	t.mu.Unlock()
	return rt, runCtx
}

// Complete moves a tool to a terminal status and releases its context.
func (t *RunningToolTracker) Complete(id string, status models.RunningToolStatus) {
	t.mu.Lock()
	rt, ok := t.tools[id]
	if ok {
		delete(t.tools, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	rt.finish(status)
	rt.cancel()
}

// Get returns a running tool by call id.
func (t *RunningToolTracker) Get(id string) (*RunningTool, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rt, ok := t.tools[id]
	return rt, ok
}

// Snapshot lists the currently running tools ordered by start time.
func (t *RunningToolTracker) Snapshot() []*RunningTool {
	t.mu.RLock()
	out := make([]*RunningTool, 0, len(t.tools))
	for _, rt := range t.tools {
		out = append(out, rt)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// waitingToolNames are the cooperative waits interruptible by system pause,
// resume, or fresh human input.
var waitingToolNames = map[string]bool{
	"wait_for_running_task": true,
	"wait_for_running_tool": true,
}

// InterruptWaiting aborts every running wait_for_running_task or
// wait_for_running_tool invocation. Returns how many were interrupted.
func (t *RunningToolTracker) InterruptWaiting(reason string) int {
	t.mu.RLock()
	var waiting []*RunningTool
	for _, rt := range t.tools {
		if waitingToolNames[rt.ToolName] {
			waiting = append(waiting, rt)
		}
	}
	t.mu.RUnlock()

	for _, rt := range waiting {
		rt.Abort()
	}
	return len(waiting)
}

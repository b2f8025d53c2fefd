package process

import (
	"context"
	"fmt"
	"time"

	"github.com/just-every/magi/pkg/models"
)

// DefaultWaitTimeout applies when wait_for_running_task is called without a
// timeout.
const DefaultWaitTimeout = 1800 * time.Second

// WaitForTask blocks until the task reaches a terminal state, the timeout
// expires, or ctx is cancelled (the tool-level abort signal). The task is
// polled at one-second intervals; every sixty seconds a task_waiting
// heartbeat with the elapsed seconds is emitted, and a final
// task_wait_complete carries the status the wait ended on. The returned
// string is the tool output.
func (s *Supervisor) WaitForTask(ctx context.Context, processID string, timeout time.Duration, emit func(*models.Event)) string {
	if emit == nil {
		emit = func(*models.Event) {}
	}
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	finish := func(status models.ProcessStatus, msg string) string {
		final := "unknown"
		if status != "" {
			final = string(status)
		}
		emit(models.NewMetadata("task_wait_complete", map[string]any{
			"task_id":     processID,
			"finalStatus": final,
		}))
		return msg
	}

	proc, ok := s.Get(processID)
	if !ok {
		return finish("", fmt.Sprintf("Unknown task %q", processID))
	}
	if msg, done := terminalMessage(proc); done {
		return finish(proc.Status, msg)
	}

	start := s.now()
	deadline := start.Add(timeout)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			proc, _ = s.Get(processID)
			return finish(proc.Status, fmt.Sprintf("Wait for task %s aborted", processID))

		case <-heartbeat.C:
			elapsed := int(s.now().Sub(start).Seconds())
			emit(models.NewMetadata("task_waiting", map[string]any{
				"task_id":        processID,
				"elapsedSeconds": elapsed,
			}))

		case <-ticker.C:
			proc, ok = s.Get(processID)
			if !ok {
				return finish("", fmt.Sprintf("Task %s disappeared while waiting", processID))
			}
			if msg, done := terminalMessage(proc); done {
				return finish(proc.Status, msg)
			}
			if !s.now().Before(deadline) {
				return finish(proc.Status, fmt.Sprintf(
					"Task %s did not complete within %d seconds; last status=%s",
					processID, int(timeout.Seconds()), proc.Status))
			}
		}
	}
}

func terminalMessage(proc models.Process) (string, bool) {
	switch proc.Status {
	case models.StatusCompleted:
		msg := fmt.Sprintf("Task %s completed", proc.ProcessID)
		if proc.Output != "" {
			msg += ". Output: " + proc.Output
		}
		return msg, true
	case models.StatusFailed:
		msg := fmt.Sprintf("Task %s failed", proc.ProcessID)
		if proc.Error != "" {
			msg += ": " + proc.Error
		}
		return msg, true
	case models.StatusTerminated:
		return fmt.Sprintf("Task %s was terminated", proc.ProcessID), true
	}
	return "", false
}

// ProjectUpdate is the controller's notification about a project the
// overseer asked for.
type ProjectUpdate struct {
	ProjectID string `json:"project_id"`
	Failed    bool   `json:"failed,omitempty"`
	Message   string `json:"message,omitempty"`
}

// HandleProjectUpdate registers a successfully created project and returns
// the message the overseer history should carry. Failures surface as a
// developer-role message so the monologue sees them.
func (s *Supervisor) HandleProjectUpdate(update ProjectUpdate) models.Message {
	if update.Failed {
		return models.NewMessage(models.RoleDeveloper,
			fmt.Sprintf("Creating project %s failed: %s", update.ProjectID, update.Message))
	}
	s.AddProject(update.ProjectID)
	text := update.Message
	if text == "" {
		text = fmt.Sprintf("Project %s is ready", update.ProjectID)
	}
	return models.NewMessage(models.RoleSystem, text)
}

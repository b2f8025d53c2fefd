// Package process implements the engine-side task supervisor: the registry
// of spawned tasks, their lifecycle transitions, health sweeps, the blocking
// wait operation, and the process-wide pause flag.
package process

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/just-every/magi/internal/config"
	"github.com/just-every/magi/internal/observability"
	"github.com/just-every/magi/pkg/models"
)

// maxProjectsPerTask bounds how many projects one task may mount.
const maxProjectsPerTask = 3

// Notifier carries supervisor-originated messages to the controller. The
// comms client implements it; tests use a recording fake.
type Notifier interface {
	// ProcessStart announces a freshly minted task so the controller can
	// launch its engine container.
	ProcessStart(p *models.Process)

	// ProcessCommand injects a command string into a running task;
	// "stop" is the terminate shortcut.
	ProcessCommand(processID, command string)
}

// StartTaskArgs are the parameters of a start_task call.
type StartTaskArgs struct {
	Name       string
	Task       string
	Context    string
	Warnings   string
	Goal       string
	Type       string
	ProjectIDs []string
}

// Supervisor owns the processId → Process map and the designated core
// (overseer) process id.
type Supervisor struct {
	mu       sync.Mutex
	procs    map[string]*models.Process
	projects map[string]bool
	coreID   string

	notifier Notifier
	logger   *observability.Logger
	metrics  *observability.Metrics

	stallThreshold time.Duration

	// pollInterval and heartbeatInterval drive WaitForTask; tests shrink
	// them.
	pollInterval      time.Duration
	heartbeatInterval time.Duration

	now func() time.Time
}

// NewSupervisor creates an empty task registry.
func NewSupervisor(cfg config.EngineConfig, notifier Notifier, logger *observability.Logger, metrics *observability.Metrics) *Supervisor {
	if logger == nil {
		logger = observability.Nop()
	}
	stall := cfg.TaskStallThreshold
	if stall <= 0 {
		stall = 5 * time.Minute
	}
	return &Supervisor{
		procs:             make(map[string]*models.Process),
		projects:          make(map[string]bool),
		notifier:          notifier,
		logger:            logger,
		metrics:           metrics,
		stallThreshold:    stall,
		pollInterval:      time.Second,
		heartbeatInterval: 60 * time.Second,
		now:               time.Now,
	}
}

// SetCore designates the overseer's own process id.
func (s *Supervisor) SetCore(processID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coreID = processID
}

// Core returns the overseer's process id.
func (s *Supervisor) Core() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coreID
}

// AddProject registers a known project id for start_task validation.
func (s *Supervisor) AddProject(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[projectID] = true
}

// Projects returns the known project ids in sorted order.
func (s *Supervisor) Projects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.projects)
}

// Get returns a copy of one task record.
func (s *Supervisor) Get(processID string) (models.Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[processID]
	if !ok {
		return models.Process{}, false
	}
	return *p, true
}

// List returns copies of all task records ordered by start time.
func (s *Supervisor) List() []models.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Process, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// StartTask validates the request, mints an AI-xxxxxx id, registers the
// record and announces it to the controller.
func (s *Supervisor) StartTask(args StartTaskArgs) (string, error) {
	if strings.TrimSpace(args.Name) == "" {
		return "", fmt.Errorf("task name is required")
	}
	if strings.TrimSpace(args.Task) == "" {
		return "", fmt.Errorf("task description is required")
	}

	unique := map[string]bool{}
	for _, id := range args.ProjectIDs {
		unique[id] = true
	}
	if len(unique) > maxProjectsPerTask {
		return "", fmt.Errorf("at most %d projects per task, got %d", maxProjectsPerTask, len(unique))
	}

	s.mu.Lock()
	for id := range unique {
		if !s.projects[id] {
			s.mu.Unlock()
			return "", fmt.Errorf("unknown project %q", id)
		}
	}

	proc := &models.Process{
		ProcessID:      models.NewProcessID(),
		Started:        s.now(),
		Status:         models.StatusStarted,
		Tool:           args.Type,
		Name:           args.Name,
		Command:        args.Task,
		ProjectIDs:     sortedKeys(unique),
		LastObservedAt: s.now(),
	}
	s.procs[proc.ProcessID] = proc
	snapshot := *proc
	s.mu.Unlock()

	s.observeGauge()
	if s.notifier != nil {
		s.notifier.ProcessStart(&snapshot)
	}
	s.logger.Info(context.Background(), "task started",
		"task_id", snapshot.ProcessID, "name", snapshot.Name, "projects", snapshot.ProjectIDs)
	return snapshot.ProcessID, nil
}

// SendMessage injects guidance into a task. The text "stop" terminates it.
func (s *Supervisor) SendMessage(processID, text string) error {
	s.mu.Lock()
	proc, ok := s.procs[processID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown task %q", processID)
	}
	if proc.Status.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("task %s already %s", processID, proc.Status)
	}
	stop := strings.TrimSpace(strings.ToLower(text)) == "stop"
	if stop {
		proc.Status = models.StatusTerminated
		proc.LastObservedAt = s.now()
	}
	s.mu.Unlock()

	s.observeGauge()
	if s.notifier != nil {
		if stop {
			s.notifier.ProcessCommand(processID, "stop")
		} else {
			s.notifier.ProcessCommand(processID, text)
		}
	}
	return nil
}

// Observe records progress for a task: a fresh lastObservedAt plus an
// optional status transition. Terminal states are sticky; a started task
// moves to running on its first progress event.
func (s *Supervisor) Observe(processID string, status models.ProcessStatus, output, errText string) {
	s.mu.Lock()
	proc, ok := s.procs[processID]
	if !ok {
		s.mu.Unlock()
		return
	}
	proc.LastObservedAt = s.now()
	if output != "" {
		proc.Output = output
	}
	if errText != "" {
		proc.Error = errText
	}
	switch {
	case proc.Status.Terminal():
		// Keep the first terminal state.
	case status != "":
		proc.Status = status
	case proc.Status == models.StatusStarted:
		proc.Status = models.StatusRunning
	}
	s.mu.Unlock()
	s.observeGauge()
}

// TaskStatus renders one task for the overseer. detailed includes output and
// error text.
func (s *Supervisor) TaskStatus(processID string, detailed bool) (string, error) {
	proc, ok := s.Get(processID)
	if !ok {
		return "", fmt.Errorf("unknown task %q", processID)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s (%s): %s", proc.ProcessID, proc.Name, proc.Status)
	fmt.Fprintf(&b, ", started %s, last seen %s ago",
		proc.Started.Format(time.RFC3339), s.now().Sub(proc.LastObservedAt).Round(time.Second))
	if detailed {
		fmt.Fprintf(&b, "\nCommand: %s", proc.Command)
		if len(proc.ProjectIDs) > 0 {
			fmt.Fprintf(&b, "\nProjects: %s", strings.Join(proc.ProjectIDs, ", "))
		}
		if proc.Output != "" {
			fmt.Fprintf(&b, "\nOutput: %s", proc.Output)
		}
		if proc.Error != "" {
			fmt.Fprintf(&b, "\nError: %s", proc.Error)
		}
	}
	return b.String(), nil
}

// CheckAllTaskHealth returns the ids of non-terminal tasks with no observed
// progress within the stall threshold. It reports only; nothing is
// terminated.
func (s *Supervisor) CheckAllTaskHealth() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.stallThreshold)
	var stuck []string
	for id, proc := range s.procs {
		if proc.Status.Terminal() {
			continue
		}
		if proc.LastObservedAt.Before(cutoff) {
			stuck = append(stuck, id)
		}
	}
	sort.Strings(stuck)
	return stuck
}

func (s *Supervisor) observeGauge() {
	if s.metrics == nil {
		return
	}
	counts := map[models.ProcessStatus]int{}
	s.mu.Lock()
	for _, p := range s.procs {
		counts[p.Status]++
	}
	s.mu.Unlock()
	for _, status := range []models.ProcessStatus{
		models.StatusStarted, models.StatusRunning, models.StatusWaiting,
		models.StatusCompleted, models.StatusFailed, models.StatusTerminated,
	} {
		s.metrics.ActiveProcesses.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

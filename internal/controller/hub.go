// Package controller implements the mediator process: the engine socket,
// the browser UI socket, the REST and static surfaces, and the docker
// launcher for task engines.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/just-every/magi/internal/comms"
	"github.com/just-every/magi/internal/config"
	"github.com/just-every/magi/internal/observability"
	"github.com/just-every/magi/internal/process"
	"github.com/just-every/magi/pkg/models"
)

// ProcessView is one task as the UI and REST surfaces see it.
type ProcessView struct {
	ID      string               `json:"id"`
	Name    string               `json:"name"`
	Command string               `json:"command"`
	Status  models.ProcessStatus `json:"status"`
	Colors  Colors               `json:"colors"`
	Started time.Time            `json:"started"`
}

// engineConn is one connected engine socket with serialized writes.
type engineConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *engineConn) send(frame *comms.ControlFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(frame)
}

// Hub owns the process registry and routes frames between engines and UI
// sessions. All exported methods are safe for concurrent use.
type Hub struct {
	cfg      config.ControllerConfig
	person   string
	version  string
	launcher Launcher
	logger   *observability.Logger
	metrics  *observability.Metrics

	mu      sync.Mutex
	coreID  string
	engines map[string]*engineConn
	uis     map[*uiSession]struct{}
	procs   map[string]*ProcessView
}

// NewHub wires a hub. launcher may be a NopLauncher for local runs.
func NewHub(cfg config.ControllerConfig, personName, version string, launcher Launcher, logger *observability.Logger, metrics *observability.Metrics) *Hub {
	if logger == nil {
		logger = observability.Nop()
	}
	if launcher == nil {
		launcher = NopLauncher{}
	}
	return &Hub{
		cfg:      cfg,
		person:   personName,
		version:  version,
		launcher: launcher,
		logger:   logger,
		metrics:  metrics,
		engines:  make(map[string]*engineConn),
		uis:      make(map[*uiSession]struct{}),
		procs:    make(map[string]*ProcessView),
	}
}

// SetCore designates the overseer's process id, announced to every engine
// in the connect handshake.
func (h *Hub) SetCore(processID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.coreID = processID
}

// Core returns the overseer's process id.
func (h *Hub) Core() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.coreID
}

// Processes lists known processes sorted by start time.
func (h *Hub) Processes() []ProcessView {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ProcessView, 0, len(h.procs))
	for _, p := range h.procs {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// registerEngine attaches an engine socket and replies with the connect
// handshake.
func (h *Hub) registerEngine(processID string, conn *websocket.Conn) (*engineConn, error) {
	ec := &engineConn{id: processID, conn: conn}

	h.mu.Lock()
	if old, ok := h.engines[processID]; ok {
		old.conn.Close()
	}
	h.engines[processID] = ec
	core := h.coreID
	if _, ok := h.procs[processID]; !ok {
		h.procs[processID] = &ProcessView{
			ID:      processID,
			Status:  models.StatusRunning,
			Colors:  ColorsFor(processID),
			Started: time.Now(),
		}
	}
	view := *h.procs[processID]
	h.mu.Unlock()

	if err := ec.send(&comms.ControlFrame{
		Type:           comms.FrameConnect,
		ControllerPort: h.cfg.Port,
		CoreProcessID:  core,
	}); err != nil {
		return nil, fmt.Errorf("connect handshake: %w", err)
	}
	h.broadcastUI(uiProcessCreate(view))
	h.logger.Info(context.Background(), "engine connected", "process_id", processID)
	return ec, nil
}

func (h *Hub) unregisterEngine(ec *engineConn) {
	h.mu.Lock()
	if cur, ok := h.engines[ec.id]; ok && cur == ec {
		delete(h.engines, ec.id)
	}
	h.mu.Unlock()
	h.logger.Info(context.Background(), "engine disconnected", "process_id", ec.id)
}

// HandleEngineFrame routes one engine → controller message: status updates
// reach the overseer and the UI, task launches reach docker, and everything
// is mirrored to the UI log stream.
func (h *Hub) HandleEngineFrame(ctx context.Context, frame comms.EngineFrame) {
	ev := frame.Event
	if ev == nil {
		return
	}
	if !ev.IsDelta() {
		h.broadcastUI(uiProcessLogs(frame.ProcessID, ev))
	}
	if ev.Type != models.EventMetadata || ev.Metadata == nil {
		return
	}
	switch ev.Metadata.Key {
	case "process_start":
		h.handleProcessStart(ctx, ev.Metadata.Value)
	case "command_start":
		target, _ := ev.Metadata.Value["targetProcessId"].(string)
		command, _ := ev.Metadata.Value["command"].(string)
		h.routeCommand(ctx, target, command)
	case "process_status":
		h.handleProcessStatus(ctx, frame.ProcessID, ev.Metadata.Value)
	}
}

// handleProcessStart registers a task announced by the overseer and spins
// up its engine container.
func (h *Hub) handleProcessStart(ctx context.Context, value map[string]any) {
	id, _ := value["processId"].(string)
	if id == "" {
		return
	}
	name, _ := value["name"].(string)
	command, _ := value["command"].(string)

	h.mu.Lock()
	view := &ProcessView{
		ID:      id,
		Name:    name,
		Command: command,
		Status:  models.StatusStarted,
		Colors:  ColorsFor(id),
		Started: time.Now(),
	}
	h.procs[id] = view
	snapshot := *view
	h.mu.Unlock()

	h.broadcastUI(uiProcessCreate(snapshot))
	h.observeGauge()
	if err := h.launcher.Launch(ctx, id, map[string]string{"MAGI_TASK": command}); err != nil {
		h.logger.Error(ctx, "engine launch failed", "process_id", id, "error", err)
		h.updateStatus(ctx, id, models.StatusFailed, "", err.Error())
	}
}

// handleProcessStatus folds a task engine's status report into the registry
// and forwards it to the overseer as a process_event.
func (h *Hub) handleProcessStatus(ctx context.Context, processID string, value map[string]any) {
	status, _ := value["status"].(string)
	output, _ := value["output"].(string)
	errText, _ := value["error"].(string)
	h.updateStatus(ctx, processID, models.ProcessStatus(status), output, errText)
}

func (h *Hub) updateStatus(ctx context.Context, processID string, status models.ProcessStatus, output, errText string) {
	h.mu.Lock()
	if view, ok := h.procs[processID]; ok && status != "" {
		view.Status = status
	}
	core := h.coreID
	target := h.engines[core]
	h.mu.Unlock()

	h.broadcastUI(uiProcessUpdate(processID, status))
	h.observeGauge()

	if target == nil || processID == core {
		return
	}
	err := target.send(&comms.ControlFrame{
		Type:      comms.FrameProcessEvent,
		ProcessID: processID,
		Status:    status,
		Output:    output,
		Error:     errText,
	})
	if err != nil {
		h.logger.Warn(ctx, "process_event forward failed", "process_id", processID, "error", err)
	}
}

// observeGauge recomputes the per-status process counts.
func (h *Hub) observeGauge() {
	if h.metrics == nil {
		return
	}
	counts := map[models.ProcessStatus]int{}
	h.mu.Lock()
	for _, view := range h.procs {
		counts[view.Status]++
	}
	h.mu.Unlock()
	for _, status := range []models.ProcessStatus{
		models.StatusStarted, models.StatusRunning, models.StatusWaiting,
		models.StatusCompleted, models.StatusFailed, models.StatusTerminated,
	} {
		h.metrics.ActiveProcesses.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// routeCommand delivers an overseer-issued command to a task engine. "stop"
// also tears the container down.
func (h *Hub) routeCommand(ctx context.Context, processID, command string) {
	h.mu.Lock()
	target := h.engines[processID]
	h.mu.Unlock()

	switch command {
	case comms.CommandPause, comms.CommandResume:
		if target != nil {
			target.send(&comms.ControlFrame{Type: comms.FrameSystemCommand, Command: command})
		}
	case "stop":
		if target != nil {
			target.send(&comms.ControlFrame{Type: comms.FrameSystemMessage, Message: "stop"})
		}
		if err := h.launcher.Terminate(ctx, processID); err != nil {
			h.logger.Warn(ctx, "container terminate failed", "process_id", processID, "error", err)
		}
		h.updateStatus(ctx, processID, models.StatusTerminated, "", "")
	default:
		if target != nil {
			target.send(&comms.ControlFrame{Type: comms.FrameSystemMessage, Message: command})
		}
	}
}

// UserSaid forwards a human utterance to the overseer under the canonical
// "<person> said:" prefix.
func (h *Hub) UserSaid(ctx context.Context, text string) error {
	h.mu.Lock()
	core := h.engines[h.coreID]
	h.mu.Unlock()
	if core == nil {
		return fmt.Errorf("core engine is not connected")
	}
	return core.send(&comms.ControlFrame{
		Type:    comms.FrameSystemMessage,
		Message: fmt.Sprintf("%s said: %s", h.person, text),
	})
}

// SystemCommand sends pause or resume to the overseer.
func (h *Hub) SystemCommand(ctx context.Context, command string) error {
	if command != comms.CommandPause && command != comms.CommandResume {
		return fmt.Errorf("unknown system command %q", command)
	}
	h.mu.Lock()
	core := h.engines[h.coreID]
	h.mu.Unlock()
	if core == nil {
		return fmt.Errorf("core engine is not connected")
	}
	return core.send(&comms.ControlFrame{Type: comms.FrameSystemCommand, Command: command})
}

// NotifyProjectUpdate reports a project provisioning result to the overseer.
func (h *Hub) NotifyProjectUpdate(ctx context.Context, update process.ProjectUpdate) error {
	h.mu.Lock()
	core := h.engines[h.coreID]
	h.mu.Unlock()
	if core == nil {
		return fmt.Errorf("core engine is not connected")
	}
	return core.send(&comms.ControlFrame{Type: comms.FrameProjectUpdate, Project: &update})
}

// CreateProject provisions a project workspace under the shared output
// volume and reports the result to the overseer. Tasks mount projects by
// id via start_task.
func (h *Hub) CreateProject(ctx context.Context, projectID string) error {
	projectID = strings.TrimSpace(projectID)
	update := process.ProjectUpdate{ProjectID: projectID}
	if projectID == "" || strings.ContainsAny(projectID, "/\\") {
		update.Failed = true
		update.Message = fmt.Sprintf("invalid project id %q", projectID)
	} else if err := os.MkdirAll(filepath.Join(h.cfg.OutputDir, "projects", projectID), 0o755); err != nil {
		update.Failed = true
		update.Message = err.Error()
	} else {
		update.Message = fmt.Sprintf("Project %s is ready under /magi_output/projects/%s.", projectID, projectID)
	}
	if err := h.NotifyProjectUpdate(ctx, update); err != nil {
		return err
	}
	if update.Failed {
		return fmt.Errorf("create project %s: %s", projectID, update.Message)
	}
	return nil
}

// Terminate stops one task: the engine gets a stop message and the
// container is removed.
func (h *Hub) Terminate(ctx context.Context, processID string) {
	h.routeCommand(ctx, processID, "stop")
}

func (h *Hub) registerUI(s *uiSession) {
	h.mu.Lock()
	h.uis[s] = struct{}{}
	views := make([]ProcessView, 0, len(h.procs))
	for _, p := range h.procs {
		views = append(views, *p)
	}
	h.mu.Unlock()

	s.send(uiServerInfo(h.version))
	sort.Slice(views, func(i, j int) bool { return views[i].Started.Before(views[j].Started) })
	for _, v := range views {
		s.send(uiProcessCreate(v))
	}
}

func (h *Hub) unregisterUI(s *uiSession) {
	h.mu.Lock()
	delete(h.uis, s)
	h.mu.Unlock()
}

func (h *Hub) broadcastUI(frame uiFrame) {
	h.mu.Lock()
	sessions := make([]*uiSession, 0, len(h.uis))
	for s := range h.uis {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		s.send(frame)
	}
}

func renderEvent(ev *models.Event) string {
	data, err := json.Marshal(ev)
	if err != nil {
		return ""
	}
	return string(data)
}

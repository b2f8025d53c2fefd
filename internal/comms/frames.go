// Package comms implements the engine side of the controller transport: the
// reconnecting WebSocket client, the outbound queue, the messages.json
// journal, and cost tracking.
package comms

import (
	"github.com/just-every/magi/internal/process"
	"github.com/just-every/magi/pkg/models"
)

// EngineFrame is one engine → controller message: a streaming event tagged
// with its process id.
type EngineFrame struct {
	ProcessID string        `json:"processId"`
	Event     *models.Event `json:"event"`
}

// Control frame types, controller → engine.
const (
	FrameConnect       = "connect"
	FrameProcessEvent  = "process_event"
	FrameProjectUpdate = "project_update"
	FrameSystemMessage = "system_message"
	FrameSystemCommand = "system_command"
)

// System commands carried by FrameSystemCommand.
const (
	CommandPause  = "pause"
	CommandResume = "resume"
)

// ControlFrame is one controller → engine message. Type selects which of
// the optional fields are meaningful.
type ControlFrame struct {
	Type string `json:"type"`

	// connect
	ControllerPort int    `json:"controllerPort,omitempty"`
	CoreProcessID  string `json:"coreProcessId,omitempty"`

	// process_event
	ProcessID string               `json:"processId,omitempty"`
	Status    models.ProcessStatus `json:"status,omitempty"`
	Output    string               `json:"output,omitempty"`
	Error     string               `json:"error,omitempty"`

	// project_update
	Project *process.ProjectUpdate `json:"project,omitempty"`

	// system_message
	Message string `json:"message,omitempty"`

	// system_command
	Command string `json:"command,omitempty"`
}

// Handler receives decoded controller → engine traffic.
type Handler interface {
	OnProcessEvent(processID string, status models.ProcessStatus, output, errText string)
	OnProjectUpdate(update process.ProjectUpdate)
	OnSystemMessage(message string)
	OnSystemCommand(command string)
}

package models

import (
	"crypto/rand"
	"math/big"
	"time"
)

// ProcessStatus is the lifecycle state of a spawned task.
//
//	started → running → (waiting ↔ running) → completed | failed | terminated
type ProcessStatus string

const (
	StatusStarted    ProcessStatus = "started"
	StatusRunning    ProcessStatus = "running"
	StatusWaiting    ProcessStatus = "waiting"
	StatusCompleted  ProcessStatus = "completed"
	StatusFailed     ProcessStatus = "failed"
	StatusTerminated ProcessStatus = "terminated"
)

// Terminal reports whether s is a final state.
func (s ProcessStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

// Process is the supervisor's record of one spawned task.
type Process struct {
	ProcessID      string        `json:"process_id"`
	Started        time.Time     `json:"started"`
	Status         ProcessStatus `json:"status"`
	Tool           string        `json:"tool,omitempty"`
	Name           string        `json:"name"`
	Command        string        `json:"command"`
	ProjectIDs     []string      `json:"project_ids,omitempty"`
	Output         string        `json:"output,omitempty"`
	Error          string        `json:"error,omitempty"`
	LastObservedAt time.Time     `json:"last_observed_at"`
}

const processIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewProcessID mints a task identity of the form AI-xxxxxx.
func NewProcessID() string {
	b := make([]byte, 6)
	max := big.NewInt(int64(len(processIDAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the OS entropy source is broken;
			// fall back to a fixed character rather than panic.
			b[i] = 'x'
			continue
		}
		b[i] = processIDAlphabet[n.Int64()]
	}
	return "AI-" + string(b)
}

// RunningToolStatus is the lifecycle state of an in-flight tool call.
type RunningToolStatus string

const (
	ToolRunning   RunningToolStatus = "running"
	ToolCompleted RunningToolStatus = "completed"
	ToolFailed    RunningToolStatus = "failed"
	ToolAborted   RunningToolStatus = "aborted"
)

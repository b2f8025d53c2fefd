package controller

import (
	"context"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/just-every/magi/pkg/models"
)

// uiFrame is one controller ↔ browser message. Type selects the meaningful
// fields, mirroring the engine socket's ControlFrame shape.
type uiFrame struct {
	Type string `json:"type"`

	Version string `json:"version,omitempty"`

	ID      string               `json:"id,omitempty"`
	Command string               `json:"command,omitempty"`
	Status  models.ProcessStatus `json:"status,omitempty"`
	Colors  *Colors              `json:"colors,omitempty"`
	Logs    string               `json:"logs,omitempty"`

	ProcessID string `json:"processId,omitempty"`
}

func uiServerInfo(version string) uiFrame {
	return uiFrame{Type: "server:info", Version: version}
}

func uiProcessCreate(v ProcessView) uiFrame {
	colors := v.Colors
	return uiFrame{
		Type:    "process:create",
		ID:      v.ID,
		Command: v.Command,
		Status:  v.Status,
		Colors:  &colors,
	}
}

func uiProcessLogs(processID string, ev *models.Event) uiFrame {
	return uiFrame{Type: "process:logs", ID: processID, Logs: renderEvent(ev)}
}

func uiProcessUpdate(processID string, status models.ProcessStatus) uiFrame {
	return uiFrame{Type: "process:update", ID: processID, Status: status}
}

// uiSession is one connected browser with serialized writes.
type uiSession struct {
	hub  *Hub
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *uiSession) send(frame uiFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteJSON(frame); err != nil {
		s.conn.Close()
	}
}

// readLoop dispatches inbound UI commands until the socket closes.
func (s *uiSession) readLoop(ctx context.Context) {
	defer s.hub.unregisterUI(s)
	defer s.conn.Close()
	for {
		var frame uiFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			return
		}
		s.dispatch(ctx, frame)
	}
}

func (s *uiSession) dispatch(ctx context.Context, frame uiFrame) {
	h := s.hub
	switch frame.Type {
	case "command:run":
		text := strings.TrimSpace(frame.Command)
		if text == "" {
			return
		}
		if err := h.UserSaid(ctx, text); err != nil {
			h.logger.Warn(ctx, "command:run dropped", "error", err)
		}
	case "process:command":
		h.routeCommand(ctx, frame.ProcessID, frame.Command)
	case "process:terminate":
		h.Terminate(ctx, frame.ProcessID)
	case "audio:stream_start", "audio:stream_data", "audio:stream_stop":
		// Voice capture is handled client-side; the controller accepts and
		// discards the control frames.
	default:
		h.logger.Debug(ctx, "unknown ui frame", "type", frame.Type)
	}
}

package comms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/just-every/magi/internal/config"
	"github.com/just-every/magi/internal/observability"
	"github.com/just-every/magi/pkg/models"
)

// defaultReconnectDelay paces redial attempts after a dropped connection.
const defaultReconnectDelay = 3 * time.Second

// Client is the engine's connection to the controller. Events sent while
// disconnected are queued and flushed in order on reconnect, after the
// controller's connect handshake. A handshake announcing a different
// controller port drops the connection and redials there.
type Client struct {
	host      string
	processID string
	handler   Handler
	journal   *Journal
	costs     *CostTracker
	logger    *observability.Logger
	metrics   *observability.Metrics
	testMode  bool
	stdout    io.Writer

	mu             sync.Mutex
	port           int
	conn           *websocket.Conn
	connected      bool
	queue          []EngineFrame
	coreID         string
	reconnectDelay time.Duration
}

// NewClient creates a controller client for one engine process. journal may
// be nil to disable persistence; handler may be nil to ignore inbound
// traffic.
func NewClient(cfg config.EngineConfig, handler Handler, journal *Journal, costs *CostTracker, logger *observability.Logger, metrics *observability.Metrics) *Client {
	if logger == nil {
		logger = observability.Nop()
	}
	if costs == nil {
		costs = NewCostTracker()
	}
	return &Client{
		host:           cfg.ControllerHost,
		port:           cfg.ControllerPort,
		processID:      cfg.ProcessID,
		handler:        handler,
		journal:        journal,
		costs:          costs,
		logger:         logger,
		metrics:        metrics,
		testMode:       cfg.TestMode,
		stdout:         os.Stdout,
		reconnectDelay: defaultReconnectDelay,
	}
}

// Costs exposes the process cost tracker.
func (c *Client) Costs() *CostTracker { return c.costs }

// CoreProcessID returns the overseer id announced by the last handshake.
func (c *Client) CoreProcessID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coreID
}

// Connected reports whether the handshake has completed on a live socket.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run dials the controller and services the connection until ctx is done,
// redialing every reconnect interval. In test mode there is no socket and
// Run just blocks.
func (c *Client) Run(ctx context.Context) error {
	if c.testMode {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		url := fmt.Sprintf("ws://%s:%d/ws/engine/%s", c.host, c.currentPort(), c.processID)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			c.logger.Warn(ctx, "controller dial failed", "url", url, "error", err)
		} else {
			c.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-time.After(c.reconnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	c.readLoop(ctx, conn)
	c.markDisconnected()
	conn.Close()
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn(ctx, "controller socket closed", "error", err)
			}
			return
		}
		var frame ControlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn(ctx, "undecodable controller frame", "error", err)
			continue
		}
		if !c.dispatch(ctx, &frame) {
			return
		}
	}
}

// dispatch handles one inbound frame; a false return drops the connection.
func (c *Client) dispatch(ctx context.Context, frame *ControlFrame) bool {
	switch frame.Type {
	case FrameConnect:
		return c.handleConnect(ctx, frame)
	case FrameProcessEvent:
		if c.handler != nil {
			c.handler.OnProcessEvent(frame.ProcessID, frame.Status, frame.Output, frame.Error)
		}
	case FrameProjectUpdate:
		if c.handler != nil && frame.Project != nil {
			c.handler.OnProjectUpdate(*frame.Project)
		}
	case FrameSystemMessage:
		if c.handler != nil {
			c.handler.OnSystemMessage(frame.Message)
		}
	case FrameSystemCommand:
		if c.handler != nil {
			c.handler.OnSystemCommand(frame.Command)
		}
	default:
		c.logger.Warn(ctx, "unknown controller frame type", "type", frame.Type)
	}
	return true
}

func (c *Client) handleConnect(ctx context.Context, frame *ControlFrame) bool {
	c.mu.Lock()
	if frame.CoreProcessID != "" {
		c.coreID = frame.CoreProcessID
	}
	if frame.ControllerPort != 0 && frame.ControllerPort != c.port {
		c.port = frame.ControllerPort
		c.mu.Unlock()
		c.logger.Info(ctx, "controller moved, reconnecting", "port", frame.ControllerPort)
		return false
	}

	// Handshake complete: announce ourselves, then flush everything that
	// queued while disconnected, in order, before any live event.
	err := c.writeLocked(EngineFrame{
		ProcessID: c.processID,
		Event:     models.NewMetadata("connected", map[string]any{"processId": c.processID}),
	})
	for err == nil && len(c.queue) > 0 {
		next := c.queue[0]
		if err = c.writeLocked(next); err == nil {
			c.queue = c.queue[1:]
		}
	}
	c.connected = err == nil
	c.gaugeQueueLocked()
	c.mu.Unlock()
	return err == nil
}

// Send delivers one event to the controller, queueing it when disconnected.
// Non-delta events are journaled; cost updates feed the cost tracker.
func (c *Client) Send(ev *models.Event) {
	if ev == nil {
		return
	}
	if ev.Type == models.EventCostUpdate && ev.Cost != nil {
		c.costs.Record(ev.Cost.Usage)
	}
	if c.journal != nil {
		if err := c.journal.Append(ev); err != nil {
			c.logger.Warn(context.Background(), "journal write failed", "error", err)
		}
	}
	if c.testMode {
		c.printEvent(ev)
		return
	}

	frame := EngineFrame{ProcessID: c.processID, Event: ev}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		c.queue = append(c.queue, frame)
		c.gaugeQueueLocked()
		return
	}
	if err := c.writeLocked(frame); err != nil {
		c.connected = false
		c.queue = append(c.queue, frame)
		c.gaugeQueueLocked()
		c.logger.Warn(context.Background(), "controller write failed, queueing", "error", err)
	}
}

func (c *Client) writeLocked(frame EngineFrame) error {
	if c.conn == nil {
		return fmt.Errorf("no connection")
	}
	return c.conn.WriteJSON(frame)
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.conn = nil
}

func (c *Client) currentPort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

func (c *Client) gaugeQueueLocked() {
	if c.metrics != nil {
		c.metrics.QueuedEvents.Set(float64(len(c.queue)))
	}
}

// ProcessStart announces a freshly registered task so the controller can
// launch its engine. It implements the supervisor's notifier.
func (c *Client) ProcessStart(p *models.Process) {
	c.Send(models.NewMetadata("process_start", map[string]any{
		"processId":  p.ProcessID,
		"name":       p.Name,
		"command":    p.Command,
		"tool":       p.Tool,
		"projectIds": p.ProjectIDs,
	}))
}

// ProcessCommand injects a command into a running task via the controller.
func (c *Client) ProcessCommand(processID, command string) {
	c.Send(models.NewMetadata("command_start", map[string]any{
		"targetProcessId": processID,
		"command":         command,
	}))
}

// printEvent renders an event for test mode. Text deltas stream straight to
// stdout; everything else is dumped as indented JSON.
func (c *Client) printEvent(ev *models.Event) {
	if ev.Type == models.EventMessageDelta && ev.Message != nil {
		fmt.Fprint(c.stdout, ev.Message.Delta)
		return
	}
	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintln(c.stdout, string(data))
}

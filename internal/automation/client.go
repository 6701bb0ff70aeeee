package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hpungsan/counsel/internal/logging"
)

// Control message types.
const (
	MsgExecuteWorkflow = "execute_workflow"
	MsgStopWorkflow    = "stop_workflow"
	MsgGetStatus       = "get_status"
	MsgPing            = "ping"
	MsgPong            = "pong"
	MsgWorkflowResult  = "workflow_result"
	MsgWorkflowStopped = "workflow_stopped"
	MsgStatus          = "status"
)

// Envelope is the JSON frame exchanged with the orchestrator. Only the
// fields relevant to Type are set.
type Envelope struct {
	Type         string      `json:"type"`
	WorkflowID   string      `json:"workflow_id,omitempty"`
	WorkflowData *Workflow   `json:"workflow_data,omitempty"`
	Context      *RunContext `json:"context,omitempty"`
	Result       *Result     `json:"result,omitempty"`
	Success      *bool       `json:"success,omitempty"`
	Error        string      `json:"error,omitempty"`

	MachineID           string         `json:"machine_id,omitempty"`
	Status              string         `json:"status,omitempty"`
	ActiveWorkflows     []WorkflowInfo `json:"active_workflows,omitempty"`
	Capabilities        []string       `json:"capabilities,omitempty"`
	MachineCapabilities []string       `json:"machine_capabilities,omitempty"`
	LastActivity        *time.Time     `json:"last_activity,omitempty"`
}

// ClientOptions configures a Client.
type ClientOptions struct {
	URL       string
	MachineID string
	// Capabilities advertises what this machine can do, beyond the runner's
	// own template and action names.
	Capabilities []string
	// ReconnectDelay is the pause between connection attempts. Default 5s.
	ReconnectDelay time.Duration
	// MaxReconnects bounds consecutive failed connection attempts. Default 5.
	MaxReconnects int
	// PingInterval is how often an application-level ping is sent. Default 30s.
	PingInterval time.Duration
	Dialer       *websocket.Dialer
	Logger       *slog.Logger
}

// ConnectionInfo reports the client's link state.
type ConnectionInfo struct {
	URL            string     `json:"url"`
	Connected      bool       `json:"connected"`
	QueuedMessages int        `json:"queued_messages"`
	LastPong       *time.Time `json:"last_pong,omitempty"`
}

// Client connects a Runner to a remote orchestrator over a websocket.
type Client struct {
	runner *Runner
	opts   ClientOptions
	logger *slog.Logger

	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex
	conn    *websocket.Conn
	queue   []Envelope

	mu       sync.Mutex
	lastPong time.Time
	wg       sync.WaitGroup
}

// NewClient creates a Client for runner.
func NewClient(runner *Runner, opts ClientOptions) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = 5
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &Client{runner: runner, opts: opts, logger: logging.OrDefault(opts.Logger)}
}

// Run connects and serves control messages until ctx is done, reconnecting
// after a dropped connection. It returns nil on cancellation and an error
// once MaxReconnects consecutive attempts fail. Active workflows are
// stopped before returning.
func (c *Client) Run(ctx context.Context) error {
	defer func() {
		if n := c.runner.StopAll(); n > 0 {
			c.logger.Info("stopped active workflows", "count", n)
		}
		c.wg.Wait()
	}()

	failures := 0
	for {
		conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			c.logger.Warn("automation connect failed", "url", c.opts.URL, "attempt", failures, "error", err)
			if failures >= c.opts.MaxReconnects {
				return fmt.Errorf("connect to %s: giving up after %d attempts: %w", c.opts.URL, failures, err)
			}
		} else {
			failures = 0
			c.logger.Info("automation connected", "url", c.opts.URL)
			c.serve(ctx, conn)
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("automation disconnected", "url", c.opts.URL)
		}

		t := time.NewTimer(c.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.attach(conn)
	defer c.detach()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			conn.Close()
		case <-done:
		}
	}()
	go c.pingLoop(done)

	c.send(c.statusEnvelope())
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("invalid automation frame", "error", err)
			continue
		}
		c.handle(ctx, env)
	}
}

func (c *Client) handle(ctx context.Context, env Envelope) {
	c.logger.Debug("automation message", "type", env.Type, "workflow_id", env.WorkflowID)
	switch env.Type {
	case MsgExecuteWorkflow:
		if env.WorkflowData == nil {
			c.send(Envelope{Type: MsgWorkflowResult, WorkflowID: env.WorkflowID, Success: boolPtr(false), Error: "workflow_data is required"})
			return
		}
		rc := RunContext{}
		if env.Context != nil {
			rc = *env.Context
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			res := c.runner.ExecuteID(ctx, env.WorkflowID, *env.WorkflowData, rc)
			c.send(Envelope{Type: MsgWorkflowResult, WorkflowID: res.WorkflowID, Result: &res, Success: boolPtr(true)})
		}()
	case MsgStopWorkflow:
		if c.runner.Stop(env.WorkflowID) {
			c.send(Envelope{Type: MsgWorkflowStopped, WorkflowID: env.WorkflowID, Success: boolPtr(true)})
		} else {
			c.send(Envelope{Type: MsgWorkflowStopped, WorkflowID: env.WorkflowID, Success: boolPtr(false), Error: "workflow not active"})
		}
	case MsgGetStatus:
		c.send(c.statusEnvelope())
	case MsgPing:
		c.send(Envelope{Type: MsgPong})
	case MsgPong:
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
	default:
		c.logger.Warn("unknown automation message type", "type", env.Type)
	}
}

func (c *Client) statusEnvelope() Envelope {
	st := c.runner.Status()
	last := st.LastActivity
	return Envelope{
		Type:                MsgStatus,
		MachineID:           c.opts.MachineID,
		Status:              "online",
		ActiveWorkflows:     st.ActiveWorkflows,
		Capabilities:        st.Capabilities,
		MachineCapabilities: c.opts.Capabilities,
		LastActivity:        &last,
	}
}

func (c *Client) pingLoop(done <-chan struct{}) {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			c.send(Envelope{Type: MsgPing})
		}
	}
}

// send writes env, or queues it while disconnected. Queued frames are
// flushed on the next connection.
func (c *Client) send(env Envelope) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		c.queue = append(c.queue, env)
		c.logger.Debug("automation link down, message queued", "type", env.Type)
		return
	}
	if err := c.conn.WriteJSON(env); err != nil {
		c.queue = append(c.queue, env)
		c.logger.Warn("automation send failed, message queued", "type", env.Type, "error", err)
	}
}

func (c *Client) attach(conn *websocket.Conn) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn = conn
	pending := c.queue
	c.queue = nil
	for i, env := range pending {
		if err := conn.WriteJSON(env); err != nil {
			c.queue = append(c.queue, pending[i:]...)
			c.logger.Warn("flushing queued automation messages failed", "remaining", len(pending)-i, "error", err)
			return
		}
	}
	if len(pending) > 0 {
		c.logger.Info("flushed queued automation messages", "count", len(pending))
	}
}

func (c *Client) detach() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Info returns the current link state.
func (c *Client) Info() ConnectionInfo {
	c.writeMu.Lock()
	info := ConnectionInfo{URL: c.opts.URL, Connected: c.conn != nil, QueuedMessages: len(c.queue)}
	c.writeMu.Unlock()
	c.mu.Lock()
	if !c.lastPong.IsZero() {
		t := c.lastPong
		info.LastPong = &t
	}
	c.mu.Unlock()
	return info
}

func boolPtr(b bool) *bool { return &b }

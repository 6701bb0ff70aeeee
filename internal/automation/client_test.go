package automation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/counsel/internal/logging"
)

// orchestrator is a test server that hands each accepted connection to the
// test through conns.
type orchestrator struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newOrchestrator(t *testing.T) *orchestrator {
	t.Helper()
	o := &orchestrator{conns: make(chan *websocket.Conn, 4)}
	up := websocket.Upgrader{}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		o.conns <- c
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *orchestrator) url() string { return "ws" + strings.TrimPrefix(o.srv.URL, "http") }

func (o *orchestrator) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-o.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
		return nil
	}
}

func readEnvelope(t *testing.T, c *websocket.Conn, typ string) Envelope {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var env Envelope
		require.NoError(t, c.ReadJSON(&env))
		if env.Type == typ {
			return env
		}
	}
}

func startClient(t *testing.T, o *orchestrator, r *Runner) (context.CancelFunc, <-chan error) {
	t.Helper()
	c := NewClient(r, ClientOptions{
		URL:            o.url(),
		MachineID:      "desk-1",
		Capabilities:   []string{"text_input"},
		ReconnectDelay: 20 * time.Millisecond,
		Logger:         logging.Discard(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errc
}

func TestClient_ProtocolRoundTrip(t *testing.T) {
	o := newOrchestrator(t)
	sim := &Simulator{Logger: logging.Discard()}
	r := instantRunner(sim.Actions())
	cancel, errc := startClient(t, o, r)

	conn := o.accept(t)
	hello := readEnvelope(t, conn, MsgStatus)
	assert.Equal(t, "desk-1", hello.MachineID)
	assert.Equal(t, []string{"text_input"}, hello.MachineCapabilities)
	assert.Contains(t, hello.Capabilities, "send_message")

	require.NoError(t, conn.WriteJSON(Envelope{Type: MsgPing}))
	readEnvelope(t, conn, MsgPong)

	require.NoError(t, conn.WriteJSON(Envelope{
		Type:         MsgExecuteWorkflow,
		WorkflowID:   "remote-7",
		WorkflowData: &Workflow{Template: "send_message"},
		Context:      &RunContext{Variables: map[string]any{"contact_name": "Ada", "message": "hello"}},
	}))
	res := readEnvelope(t, conn, MsgWorkflowResult)
	assert.Equal(t, "remote-7", res.WorkflowID)
	require.NotNil(t, res.Result)
	assert.True(t, res.Result.Success)
	assert.Equal(t, StatusCompleted, res.Result.Status)

	require.NoError(t, conn.WriteJSON(Envelope{Type: MsgExecuteWorkflow, WorkflowID: "remote-8"}))
	bad := readEnvelope(t, conn, MsgWorkflowResult)
	require.NotNil(t, bad.Success)
	assert.False(t, *bad.Success)
	assert.Equal(t, "workflow_data is required", bad.Error)

	require.NoError(t, conn.WriteJSON(Envelope{Type: MsgStopWorkflow, WorkflowID: "ghost"}))
	stopped := readEnvelope(t, conn, MsgWorkflowStopped)
	assert.False(t, *stopped.Success)

	require.NoError(t, conn.WriteJSON(Envelope{Type: MsgGetStatus}))
	st := readEnvelope(t, conn, MsgStatus)
	assert.Equal(t, "online", st.Status)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClient_StopRemoteWorkflow(t *testing.T) {
	o := newOrchestrator(t)
	started := make(chan struct{})
	r := instantRunner(map[string]Action{
		"block": func(ctx context.Context, p map[string]any) (StepResult, error) {
			close(started)
			<-ctx.Done()
			return StepResult{}, ctx.Err()
		},
	})
	startClient(t, o, r)
	conn := o.accept(t)
	readEnvelope(t, conn, MsgStatus)

	require.NoError(t, conn.WriteJSON(Envelope{
		Type:         MsgExecuteWorkflow,
		WorkflowID:   "wf-remote",
		WorkflowData: &Workflow{Steps: []Step{{ID: "b", Action: "block"}}},
	}))
	<-started
	require.NoError(t, conn.WriteJSON(Envelope{Type: MsgStopWorkflow, WorkflowID: "wf-remote"}))

	// The stop ack and the workflow result race each other.
	got := map[string]Envelope{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for len(got) < 2 {
		var env Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Type == MsgWorkflowStopped || env.Type == MsgWorkflowResult {
			got[env.Type] = env
		}
	}
	assert.True(t, *got[MsgWorkflowStopped].Success)
	require.NotNil(t, got[MsgWorkflowResult].Result)
	assert.Equal(t, StatusStopped, got[MsgWorkflowResult].Result.Status)
}

func TestClient_Reconnects(t *testing.T) {
	o := newOrchestrator(t)
	r := instantRunner(map[string]Action{})
	startClient(t, o, r)

	first := o.accept(t)
	readEnvelope(t, first, MsgStatus)
	first.Close()

	second := o.accept(t)
	readEnvelope(t, second, MsgStatus)
}

func TestClient_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	c := NewClient(instantRunner(map[string]Action{}), ClientOptions{
		URL:            url,
		ReconnectDelay: time.Millisecond,
		MaxReconnects:  2,
		Logger:         logging.Discard(),
	})
	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 2 attempts")
	assert.False(t, c.Info().Connected)
}

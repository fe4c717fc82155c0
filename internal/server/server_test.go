package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/schmiede/internal/approval"
	"github.com/codefionn/schmiede/internal/channel"
	"github.com/codefionn/schmiede/internal/llm"
	"github.com/codefionn/schmiede/internal/policy"
	"github.com/codefionn/schmiede/internal/protocol"
	"github.com/codefionn/schmiede/internal/sandbox"
	"github.com/codefionn/schmiede/internal/session"
)

type scriptedClient struct {
	mu        sync.Mutex
	responses []*llm.Response
}

func (c *scriptedClient) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.responses) == 0 {
		return nil, errors.New("scripted client exhausted")
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func (c *scriptedClient) ModelName() string { return "scripted" }

func testFactory(t *testing.T, responses []*llm.Response) SessionFactory {
	t.Helper()
	dir := t.TempDir()
	return func(ch *channel.Channel) (*session.Manager, error) {
		caps := &sandbox.Capabilities{}
		executor, err := sandbox.NewLocal(caps, true)
		if err != nil {
			return nil, err
		}
		return session.NewManager(session.Options{
			WorkingDir:     dir,
			CommandTimeout: 30 * time.Second,
			Channel:        ch,
			Engine:         policy.NewEngine(),
			Executor:       executor,
			Capabilities:   caps,
			Negotiator:     approval.NewNegotiator(0),
			Cache:          approval.NewCache(nil),
			Client:         &scriptedClient{responses: responses},
		})
	}
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/session"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	var ev protocol.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func sendSubmission(t *testing.T, conn *websocket.Conn, op protocol.Op) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(protocol.Submission{ID: protocol.NewID(), Op: op}))
}

func TestHealthEndpoint(t *testing.T) {
	srv := New("127.0.0.1:0", testFactory(t, nil))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSessionOverWebSocket(t *testing.T) {
	srv := New("127.0.0.1:0", testFactory(t, []*llm.Response{
		{
			StopReason: "tool_use",
			ToolCalls: []llm.ToolCall{{
				ID:        "call-1",
				Name:      "run_command",
				Arguments: `{"command":"echo over-the-wire"}`,
			}},
		},
		{Content: "done", StopReason: "end_turn"},
	}))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dial(t, ts)

	ev := readEvent(t, conn)
	configured, ok := ev.Msg.(protocol.SessionConfiguredEvent)
	require.True(t, ok, "first event must be session_configured, got %s", ev.Msg.EventKind())
	assert.NotEmpty(t, configured.SessionID)

	sendSubmission(t, conn, protocol.UserInputOp{Text: "say something"})

	var sawOutput, sawCompleted bool
	for !sawCompleted {
		ev := readEvent(t, conn)
		switch msg := ev.Msg.(type) {
		case protocol.StepOutputEvent:
			if strings.Contains(string(msg.Chunk), "over-the-wire") {
				sawOutput = true
			}
		case protocol.StepCompletedEvent:
			assert.Equal(t, "done", msg.Status)
		case protocol.TurnCompletedEvent:
			sawCompleted = true
		case protocol.TurnFailedEvent:
			t.Fatalf("turn failed: %s", msg.Reason)
		}
	}
	assert.True(t, sawOutput, "command output should stream over the socket")

	sendSubmission(t, conn, protocol.ShutdownOp{})

	// The server closes the socket once the session drains.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	for {
		var ev protocol.Event
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
	}
}

func TestMalformedSubmissionIsIgnored(t *testing.T) {
	srv := New("127.0.0.1:0", testFactory(t, []*llm.Response{
		{Content: "hello", StopReason: "end_turn"},
	}))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dial(t, ts)
	readEvent(t, conn) // session_configured

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":"no-such-op"}`)))
	sendSubmission(t, conn, protocol.UserInputOp{Text: "hi"})

	for {
		ev := readEvent(t, conn)
		if msg, ok := ev.Msg.(protocol.AgentMessageEvent); ok {
			assert.Equal(t, "hello", msg.Text)
			break
		}
	}
}

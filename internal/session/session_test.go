package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/schmiede/internal/approval"
	"github.com/codefionn/schmiede/internal/channel"
	"github.com/codefionn/schmiede/internal/llm"
	"github.com/codefionn/schmiede/internal/policy"
	"github.com/codefionn/schmiede/internal/protocol"
	"github.com/codefionn/schmiede/internal/sandbox"
	"github.com/codefionn/schmiede/internal/tools"
)

const waitTimeout = 10 * time.Second

// scriptedClient replays a fixed sequence of model responses and
// records every request it saw.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*llm.Response
	requests  []*llm.Request
}

func (c *scriptedClient) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.responses) == 0 {
		return nil, errors.New("scripted client exhausted")
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func (c *scriptedClient) ModelName() string { return "scripted" }

func (c *scriptedClient) recorded() []*llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*llm.Request(nil), c.requests...)
}

func textResponse(text string) *llm.Response {
	return &llm.Response{Content: text, StopReason: "end_turn"}
}

func commandResponse(id, command string) *llm.Response {
	return &llm.Response{
		StopReason: "tool_use",
		ToolCalls: []llm.ToolCall{{
			ID:        id,
			Name:      toolRunCommand,
			Arguments: fmt.Sprintf(`{"command":%q}`, command),
		}},
	}
}

// recorder drains the event channel into an inspectable log.
type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func newRecorder(ch *channel.Channel) *recorder {
	r := &recorder{}
	go func() {
		for ev := range ch.Events() {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *recorder) snapshot() []protocol.EventMsg {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := make([]protocol.EventMsg, len(r.events))
	for i, ev := range r.events {
		msgs[i] = ev.Msg
	}
	return msgs
}

// wait polls until an event matching pred appears.
func (r *recorder) wait(t *testing.T, pred func(protocol.EventMsg) bool) protocol.EventMsg {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		for _, msg := range r.snapshot() {
			if pred(msg) {
				return msg
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no matching event within %s; saw %d events", waitTimeout, len(r.snapshot()))
	return nil
}

func (r *recorder) waitKind(t *testing.T, kind string) protocol.EventMsg {
	t.Helper()
	return r.wait(t, func(msg protocol.EventMsg) bool { return msg.EventKind() == kind })
}

func (r *recorder) countKind(kind string) int {
	n := 0
	for _, msg := range r.snapshot() {
		if msg.EventKind() == kind {
			n++
		}
	}
	return n
}

type harness struct {
	t      *testing.T
	dir    string
	ch     *channel.Channel
	rec    *recorder
	client *scriptedClient
	mgr    *Manager
	runErr chan error
	cancel context.CancelFunc
}

func newHarness(t *testing.T, responses []*llm.Response, mutate func(*Options)) *harness {
	t.Helper()

	dir := t.TempDir()
	ch := channel.New(channel.DefaultBuffer)
	client := &scriptedClient{responses: responses}
	caps := &sandbox.Capabilities{}
	executor, err := sandbox.NewLocal(caps, true)
	require.NoError(t, err)

	opts := Options{
		SessionID:      "test-session",
		WorkingDir:     dir,
		CommandTimeout: 30 * time.Second,
		Channel:        ch,
		Engine:         policy.NewEngine(),
		Executor:       executor,
		Capabilities:   caps,
		Negotiator:     approval.NewNegotiator(0),
		Cache:          approval.NewCache(nil),
		Client:         client,
	}
	if mutate != nil {
		mutate(&opts)
	}

	mgr, err := NewManager(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- mgr.Run(ctx) }()
	t.Cleanup(cancel)

	return &harness{
		t:      t,
		dir:    dir,
		ch:     ch,
		rec:    newRecorder(ch),
		client: client,
		mgr:    mgr,
		runErr: runErr,
		cancel: cancel,
	}
}

func (h *harness) submit(op protocol.Op) string {
	h.t.Helper()
	id := protocol.NewID()
	require.NoError(h.t, h.ch.Submit(context.Background(), protocol.Submission{ID: id, Op: op}))
	return id
}

func (h *harness) shutdown() {
	h.t.Helper()
	h.submit(protocol.ShutdownOp{})
	select {
	case err := <-h.runErr:
		require.NoError(h.t, err)
	case <-time.After(waitTimeout):
		h.t.Fatal("manager did not shut down")
	}
}

func TestSessionConfiguredIsFirstEvent(t *testing.T) {
	h := newHarness(t, nil, nil)
	msg := h.rec.waitKind(t, "session_configured")

	conf := msg.(protocol.SessionConfiguredEvent)
	assert.Equal(t, "test-session", conf.SessionID)
	assert.Equal(t, h.dir, conf.WorkingDir)
	assert.Equal(t, "none", conf.SandboxTier)
	h.shutdown()
}

func TestTurnWithReadOnlyCommand(t *testing.T) {
	h := newHarness(t, []*llm.Response{
		commandResponse("call-1", "ls -la"),
		textResponse("listed the files"),
	}, nil)

	subID := h.submit(protocol.UserInputOp{Text: "list files"})

	started := h.rec.waitKind(t, "turn_started").(protocol.TurnStartedEvent)
	assert.Equal(t, subID, started.SubmissionID)

	checked := h.rec.waitKind(t, "policy_checked").(protocol.PolicyCheckedEvent)
	assert.Equal(t, "allow", checked.Decision.Verdict)
	assert.Equal(t, "read-only-inspection", checked.Decision.Rule)

	exec := h.rec.waitKind(t, "step_started").(protocol.StepStartedEvent)
	assert.False(t, exec.Sandboxed)

	completed := h.rec.waitKind(t, "step_completed").(protocol.StepCompletedEvent)
	assert.Equal(t, "done", completed.Status)
	require.NotNil(t, completed.Result)
	assert.Equal(t, 0, completed.Result.ExitCode)
	assert.Equal(t, "enforced", completed.Result.Enforcement)

	h.rec.waitKind(t, "agent_message")
	h.rec.waitKind(t, "turn_completed")

	// The command output was folded back as a tool result.
	reqs := h.client.recorded()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "call-1", last.ToolID)
	assert.Contains(t, last.Content, "exit code: 0")

	h.shutdown()
}

func TestDestructiveRemovalIsDeniedWithoutSpawning(t *testing.T) {
	h := newHarness(t, []*llm.Response{
		commandResponse("call-1", "rm -rf /etc"),
		textResponse("understood, not doing that"),
	}, nil)

	h.submit(protocol.UserInputOp{Text: "clean up"})

	completed := h.rec.waitKind(t, "step_completed").(protocol.StepCompletedEvent)
	assert.Equal(t, "denied", completed.Status)
	assert.Contains(t, completed.Reason, protocol.ErrKindPolicyViolation)

	h.rec.waitKind(t, "turn_completed")
	assert.Zero(t, h.rec.countKind("step_started"), "denied step must never start")
	h.shutdown()
}

func TestApprovalFlowWithSessionScopeCacheHit(t *testing.T) {
	h := newHarness(t, []*llm.Response{
		commandResponse("call-1", "true"),
		commandResponse("call-2", "true"),
		textResponse("done"),
	}, nil)

	h.submit(protocol.UserInputOp{Text: "run it"})

	req := h.rec.waitKind(t, "approval_requested").(protocol.ApprovalRequestedEvent)
	assert.Equal(t, []string{"true"}, req.Command)

	h.submit(protocol.ApprovalResponseOp{
		RequestID: req.RequestID,
		Decision:  protocol.ReviewApprove,
		Scope:     protocol.ScopeSession,
	})

	first := h.rec.waitKind(t, "step_completed").(protocol.StepCompletedEvent)
	assert.Equal(t, "done", first.Status)
	require.NotNil(t, first.Result)
	// Isolation was requested but the host offers none; the session
	// opted into unconfined runs, so the result is flagged degraded.
	assert.Equal(t, "degraded", first.Result.Enforcement)

	h.rec.waitKind(t, "turn_completed")

	// The second identical command skipped the approval round-trip.
	assert.Equal(t, 1, h.rec.countKind("approval_requested"))
	assert.Equal(t, 2, h.rec.countKind("step_started"))

	var cacheHit bool
	for _, msg := range h.rec.snapshot() {
		if checked, ok := msg.(protocol.PolicyCheckedEvent); ok &&
			checked.Decision.Rule == "approval-cache" {
			cacheHit = true
		}
	}
	assert.True(t, cacheHit, "second command should be classified from the approval cache")
	h.shutdown()
}

func TestApprovalDeniedByUser(t *testing.T) {
	h := newHarness(t, []*llm.Response{
		commandResponse("call-1", "true"),
		textResponse("okay, skipping it"),
	}, nil)

	h.submit(protocol.UserInputOp{Text: "run it"})

	req := h.rec.waitKind(t, "approval_requested").(protocol.ApprovalRequestedEvent)
	h.submit(protocol.ApprovalResponseOp{
		RequestID: req.RequestID,
		Decision:  protocol.ReviewDeny,
	})

	completed := h.rec.waitKind(t, "step_completed").(protocol.StepCompletedEvent)
	assert.Equal(t, "denied", completed.Status)
	assert.Contains(t, completed.Reason, protocol.ErrKindApprovalDenied)
	assert.Contains(t, completed.Reason, "denied by user")
	// A user's no is not a rule-table verdict.
	assert.NotContains(t, completed.Reason, protocol.ErrKindPolicyViolation)

	// A denied step does not fail the turn.
	h.rec.waitKind(t, "turn_completed")
	h.shutdown()
}

func TestApprovalTimeout(t *testing.T) {
	h := newHarness(t, []*llm.Response{
		commandResponse("call-1", "true"),
		textResponse("giving up on that command"),
	}, func(opts *Options) {
		opts.Negotiator = approval.NewNegotiator(50 * time.Millisecond)
	})

	h.submit(protocol.UserInputOp{Text: "run it"})

	completed := h.rec.waitKind(t, "step_completed").(protocol.StepCompletedEvent)
	assert.Equal(t, "denied", completed.Status)
	assert.Contains(t, completed.Reason, protocol.ErrKindApprovalTimeout)
	h.rec.waitKind(t, "turn_completed")
	h.shutdown()
}

func TestCancelDuringApprovalWait(t *testing.T) {
	h := newHarness(t, []*llm.Response{
		commandResponse("call-1", "true"),
	}, nil)

	h.submit(protocol.UserInputOp{Text: "run it"})
	h.rec.waitKind(t, "approval_requested")

	h.submit(protocol.CancelOp{})

	completed := h.rec.waitKind(t, "step_completed").(protocol.StepCompletedEvent)
	assert.Equal(t, "cancelled", completed.Status)
	assert.Contains(t, completed.Reason, protocol.ErrKindApprovalCancelled)
	h.rec.waitKind(t, "turn_cancelled")
	assert.Zero(t, h.rec.countKind("step_started"))
	h.shutdown()
}

func TestCancelDuringExecution(t *testing.T) {
	h := newHarness(t, []*llm.Response{
		commandResponse("call-1", "tail -f slow.txt"),
	}, nil)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "slow.txt"), []byte("x\n"), 0o644))

	h.submit(protocol.UserInputOp{Text: "watch the file"})
	h.rec.waitKind(t, "step_started")

	h.submit(protocol.CancelOp{})

	completed := h.rec.waitKind(t, "step_completed").(protocol.StepCompletedEvent)
	assert.Equal(t, "cancelled", completed.Status)
	h.rec.waitKind(t, "turn_cancelled")
	h.shutdown()
}

func TestSandboxRequiredFailsClosed(t *testing.T) {
	h := newHarness(t, []*llm.Response{
		commandResponse("call-1", "mkdir sub"),
		textResponse("could not create the directory"),
	}, func(opts *Options) {
		caps := &sandbox.Capabilities{}
		executor, err := sandbox.NewLocal(caps, false)
		require.NoError(t, err)
		opts.Capabilities = caps
		opts.Executor = executor
	})

	h.submit(protocol.UserInputOp{Text: "make a directory"})

	checked := h.rec.waitKind(t, "policy_checked").(protocol.PolicyCheckedEvent)
	assert.Equal(t, "allow-sandboxed", checked.Decision.Verdict)

	completed := h.rec.waitKind(t, "step_completed").(protocol.StepCompletedEvent)
	assert.Equal(t, "denied", completed.Status)
	assert.Contains(t, completed.Reason, protocol.ErrKindSandboxUnavailable)
	assert.NoDirExists(t, filepath.Join(h.dir, "sub"))

	h.rec.waitKind(t, "turn_completed")
	h.shutdown()
}

func TestParallelStepsMixedOutcome(t *testing.T) {
	h := newHarness(t, []*llm.Response{
		{
			StopReason: "tool_use",
			ToolCalls: []llm.ToolCall{
				{ID: "call-ls", Name: toolRunCommand, Arguments: `{"command":"ls"}`},
				{ID: "call-patch", Name: toolApplyPatch, Arguments: `{"diff":"this is not a diff"}`},
			},
		},
		textResponse("one of the steps failed"),
	}, nil)

	h.submit(protocol.UserInputOp{Text: "do both"})
	h.rec.waitKind(t, "turn_completed")

	statuses := map[string]int{}
	for _, msg := range h.rec.snapshot() {
		if completed, ok := msg.(protocol.StepCompletedEvent); ok {
			statuses[completed.Status]++
		}
	}
	assert.Equal(t, 1, statuses["done"])
	assert.Equal(t, 1, statuses["error"])

	// Both outcomes were reported back to the model in call order.
	reqs := h.client.recorded()
	require.Len(t, reqs, 2)
	msgs := reqs[1].Messages
	require.GreaterOrEqual(t, len(msgs), 2)
	assert.Equal(t, "call-ls", msgs[len(msgs)-2].ToolID)
	assert.Equal(t, "call-patch", msgs[len(msgs)-1].ToolID)
	assert.Contains(t, msgs[len(msgs)-1].Content, "error:")
	h.shutdown()
}

func TestPatchStepCreatesFile(t *testing.T) {
	diffText := "--- /dev/null\n+++ b/hello.txt\n@@ -0,0 +1,2 @@\n+hello\n+world\n"
	h := newHarness(t, []*llm.Response{
		{
			StopReason: "tool_use",
			ToolCalls: []llm.ToolCall{{
				ID:        "call-1",
				Name:      toolApplyPatch,
				Arguments: string(mustJSON(map[string]string{"diff": diffText})),
			}},
		},
		textResponse("created hello.txt"),
	}, nil)

	h.submit(protocol.UserInputOp{Text: "create hello.txt"})

	completed := h.rec.waitKind(t, "step_completed").(protocol.StepCompletedEvent)
	assert.Equal(t, "done", completed.Status)

	data, err := os.ReadFile(filepath.Join(h.dir, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", string(data))
	h.rec.waitKind(t, "turn_completed")
	h.shutdown()
}

func TestRegistryToolStepReadsFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "note.txt"), []byte("remember"), 0o644))

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.NewReadFileTool(dir, nil)))

	h := newHarness(t, []*llm.Response{
		{
			StopReason: "tool_use",
			ToolCalls: []llm.ToolCall{{
				ID:        "call-1",
				Name:      "read_file",
				Arguments: `{"path":"note.txt"}`,
			}},
		},
		textResponse("read the note"),
	}, func(opts *Options) {
		opts.WorkingDir = dir
		opts.Registry = registry
	})

	h.submit(protocol.UserInputOp{Text: "what does the note say"})

	checked := h.rec.waitKind(t, "policy_checked").(protocol.PolicyCheckedEvent)
	assert.Equal(t, "tool-registry", checked.Decision.Rule)

	completed := h.rec.waitKind(t, "step_completed").(protocol.StepCompletedEvent)
	assert.Equal(t, "done", completed.Status)

	reqs := h.client.recorded()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Contains(t, last.Content, "remember")
	h.rec.waitKind(t, "turn_completed")
	h.shutdown()
}

func TestMalformedToolCallIsRejectedWithoutStep(t *testing.T) {
	h := newHarness(t, []*llm.Response{
		{
			StopReason: "tool_use",
			ToolCalls: []llm.ToolCall{{
				ID:        "call-1",
				Name:      toolRunCommand,
				Arguments: `{"command":""}`,
			}},
		},
		textResponse("let me fix that call"),
	}, nil)

	h.submit(protocol.UserInputOp{Text: "run something"})
	h.rec.waitKind(t, "turn_completed")

	assert.Zero(t, h.rec.countKind("step_proposed"))
	reqs := h.client.recorded()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Contains(t, last.Content, "tool call rejected")
	h.shutdown()
}

func TestQueuedUserInputsRunSequentially(t *testing.T) {
	h := newHarness(t, []*llm.Response{
		textResponse("first answer"),
		textResponse("second answer"),
	}, nil)

	h.submit(protocol.UserInputOp{Text: "first"})
	h.submit(protocol.UserInputOp{Text: "second"})

	h.rec.wait(t, func(msg protocol.EventMsg) bool {
		am, ok := msg.(protocol.AgentMessageEvent)
		return ok && am.Text == "second answer"
	})

	var order []string
	for _, msg := range h.rec.snapshot() {
		switch msg.(type) {
		case protocol.TurnStartedEvent:
			order = append(order, "started")
		case protocol.TurnCompletedEvent:
			order = append(order, "completed")
		}
	}
	assert.Equal(t, []string{"started", "completed", "started", "completed"}, order)
	h.shutdown()
}

func TestConfigureRootsAppliesToLaterSteps(t *testing.T) {
	extra := t.TempDir()
	marker := filepath.Join(extra, "marker.txt")
	require.NoError(t, os.WriteFile(marker, []byte("found\n"), 0o644))

	h := newHarness(t, []*llm.Response{
		commandResponse("call-1", "cat "+marker),
		textResponse("read the marker"),
	}, nil)

	h.submit(protocol.ConfigureRootsOp{ReadableRoots: []string{extra}})
	h.submit(protocol.UserInputOp{Text: "read the marker file"})

	checked := h.rec.waitKind(t, "policy_checked").(protocol.PolicyCheckedEvent)
	assert.Equal(t, "allow", checked.Decision.Verdict)

	completed := h.rec.waitKind(t, "step_completed").(protocol.StepCompletedEvent)
	assert.Equal(t, "done", completed.Status)
	assert.Contains(t, completed.Result.Stdout, "found")
	h.rec.waitKind(t, "turn_completed")
	h.shutdown()
}

func TestModelFailureFailsTurnNotSession(t *testing.T) {
	h := newHarness(t, nil, nil) // empty script: first model call errors

	h.submit(protocol.UserInputOp{Text: "hello"})

	failed := h.rec.waitKind(t, "turn_failed").(protocol.TurnFailedEvent)
	assert.Contains(t, failed.Reason, "model request failed")

	// The session survives a failed turn.
	h.shutdown()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

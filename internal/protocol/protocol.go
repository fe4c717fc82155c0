// Package protocol defines the submission/event contract between front
// ends and the session engine. Submissions flow in, events flow out;
// both are closed tagged unions so every consumer can switch
// exhaustively over the kinds it handles.
package protocol

import (
	"github.com/google/uuid"
)

// Verdict strings carried on the wire. They mirror the policy engine's
// classification result.
const (
	VerdictAllow          = "allow"
	VerdictAllowSandboxed = "allow-sandboxed"
	VerdictAskUser        = "ask-user"
	VerdictDeny           = "deny"
)

// ApprovalScope describes how long an approval decision stays valid.
type ApprovalScope string

const (
	// ScopeOnce approves a single step.
	ScopeOnce ApprovalScope = "once"
	// ScopeSession approves equivalent commands for the rest of the session.
	ScopeSession ApprovalScope = "always-this-session"
	// ScopeCommand approves this exact command persistently.
	ScopeCommand ApprovalScope = "always-this-exact-command"
)

// ReviewDecision is the user's answer to an approval request.
type ReviewDecision string

const (
	ReviewApprove ReviewDecision = "approve"
	ReviewDeny    ReviewDecision = "deny"
)

// Error kinds surfaced on Error events. Only ErrKindInternal is fatal
// to a session.
const (
	ErrKindPolicyViolation    = "policy-violation"
	ErrKindApprovalDenied     = "approval-denied"
	ErrKindApprovalCancelled  = "approval-cancelled"
	ErrKindApprovalTimeout    = "approval-timeout"
	ErrKindSandboxUnavailable = "sandbox-unavailable"
	ErrKindExecutionFailure   = "execution-failure"
	ErrKindInternal           = "internal-invariant-violation"
)

// Step payload kinds.
const (
	StepKindCommand = "command"
	StepKindPatch   = "patch"
	StepKindTool    = "tool"
)

// NewID returns a fresh correlation id.
func NewID() string {
	return uuid.NewString()
}

// Submission is one inbound message from a front end. ID is assigned by
// the caller and echoed on directly correlated events.
type Submission struct {
	ID string
	Op Op
}

// Op is the closed set of submission payloads.
type Op interface {
	// OpKind returns the wire tag for this operation.
	OpKind() string
}

// UserInputOp starts a new turn from natural-language input.
type UserInputOp struct {
	Text string `json:"text"`
}

// ApprovalResponseOp answers a pending approval request.
type ApprovalResponseOp struct {
	RequestID string         `json:"request_id"`
	Decision  ReviewDecision `json:"decision"`
	Scope     ApprovalScope  `json:"scope,omitempty"`
}

// CancelOp cancels one turn, or the whole session when TurnID is empty.
type CancelOp struct {
	TurnID string `json:"turn_id,omitempty"`
}

// ConfigureRootsOp replaces the session's declared writable/readable roots.
type ConfigureRootsOp struct {
	WritableRoots []string `json:"writable_roots"`
	ReadableRoots []string `json:"readable_roots,omitempty"`
}

// ShutdownOp asks the session manager to stop after the current turn
// reaches a terminal state.
type ShutdownOp struct{}

func (UserInputOp) OpKind() string        { return "user_input" }
func (ApprovalResponseOp) OpKind() string { return "approval_response" }
func (CancelOp) OpKind() string           { return "cancel" }
func (ConfigureRootsOp) OpKind() string   { return "configure_roots" }
func (ShutdownOp) OpKind() string         { return "shutdown" }

// Event is one outbound message. ID is the engine-assigned event id;
// consumers must treat the stream as a linear log.
type Event struct {
	ID  string
	Msg EventMsg
}

// EventMsg is the closed set of event payloads.
type EventMsg interface {
	// EventKind returns the wire tag for this event.
	EventKind() string
}

// SessionConfiguredEvent is the first event on every session.
type SessionConfiguredEvent struct {
	SessionID     string   `json:"session_id"`
	WorkingDir    string   `json:"working_dir"`
	WritableRoots []string `json:"writable_roots"`
	SandboxTier   string   `json:"sandbox_tier"`
}

// TurnStartedEvent announces a new turn for a user input submission.
type TurnStartedEvent struct {
	TurnID       string `json:"turn_id"`
	SubmissionID string `json:"submission_id"`
}

// StepInfo describes a proposed step.
type StepInfo struct {
	StepID  string   `json:"step_id"`
	TurnID  string   `json:"turn_id"`
	Kind    string   `json:"kind"`
	Command []string `json:"command,omitempty"`
	Cwd     string   `json:"cwd,omitempty"`
	Tool    string   `json:"tool,omitempty"`
	Summary string   `json:"summary,omitempty"`
}

// StepProposedEvent announces a model-proposed step before any checks run.
type StepProposedEvent struct {
	Step StepInfo `json:"step"`
}

// PolicyDecisionInfo is the wire form of a policy decision.
type PolicyDecisionInfo struct {
	Verdict        string   `json:"verdict"`
	WritableRoots  []string `json:"writable_roots,omitempty"`
	NetworkAllowed bool     `json:"network_allowed"`
	Justification  string   `json:"justification"`
	Rule           string   `json:"rule,omitempty"`
}

// PolicyCheckedEvent carries the classification attached to a step.
type PolicyCheckedEvent struct {
	StepID   string             `json:"step_id"`
	Decision PolicyDecisionInfo `json:"decision"`
}

// ApprovalRequestedEvent asks the front end for a human decision.
type ApprovalRequestedEvent struct {
	RequestID     string   `json:"request_id"`
	StepID        string   `json:"step_id"`
	Command       []string `json:"command"`
	Justification string   `json:"justification"`
}

// StepStartedEvent marks the transition to executing.
type StepStartedEvent struct {
	StepID    string `json:"step_id"`
	Sandboxed bool   `json:"sandboxed"`
}

// StepOutputEvent streams a chunk of captured output.
type StepOutputEvent struct {
	StepID string `json:"step_id"`
	Stream string `json:"stream"` // "stdout" or "stderr"
	Chunk  []byte `json:"chunk"`
}

// CommandResult is the wire form of an execution result.
type CommandResult struct {
	ExitCode        int    `json:"exit_code"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	StdoutTruncated bool   `json:"stdout_truncated,omitempty"`
	StderrTruncated bool   `json:"stderr_truncated,omitempty"`
	DurationMS      int64  `json:"duration_ms"`
	TimedOut        bool   `json:"timed_out,omitempty"`
	Enforcement     string `json:"enforcement"`
}

// StepCompletedEvent reports a step's terminal state. Reason is
// machine-readable and required for every non-done status.
type StepCompletedEvent struct {
	StepID string         `json:"step_id"`
	Status string         `json:"status"` // done, denied, error, cancelled
	Reason string         `json:"reason,omitempty"`
	Result *CommandResult `json:"result,omitempty"`
}

// AgentMessageEvent carries the model's natural-language reply.
type AgentMessageEvent struct {
	TurnID string `json:"turn_id"`
	Text   string `json:"text"`
}

// TurnCompletedEvent marks successful turn completion.
type TurnCompletedEvent struct {
	TurnID string `json:"turn_id"`
}

// TurnCancelledEvent marks cooperative cancellation of a turn.
type TurnCancelledEvent struct {
	TurnID string `json:"turn_id"`
}

// TurnFailedEvent marks a turn that failed at the transport or
// invariant level.
type TurnFailedEvent struct {
	TurnID string `json:"turn_id"`
	Reason string `json:"reason"`
}

// ErrorEvent surfaces a structured error. Kind is one of the ErrKind
// constants.
type ErrorEvent struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (SessionConfiguredEvent) EventKind() string { return "session_configured" }
func (TurnStartedEvent) EventKind() string       { return "turn_started" }
func (StepProposedEvent) EventKind() string      { return "step_proposed" }
func (PolicyCheckedEvent) EventKind() string     { return "policy_checked" }
func (ApprovalRequestedEvent) EventKind() string { return "approval_requested" }
func (StepStartedEvent) EventKind() string       { return "step_started" }
func (StepOutputEvent) EventKind() string        { return "step_output" }
func (StepCompletedEvent) EventKind() string     { return "step_completed" }
func (AgentMessageEvent) EventKind() string      { return "agent_message" }
func (TurnCompletedEvent) EventKind() string     { return "turn_completed" }
func (TurnCancelledEvent) EventKind() string     { return "turn_cancelled" }
func (TurnFailedEvent) EventKind() string        { return "turn_failed" }
func (ErrorEvent) EventKind() string             { return "error" }

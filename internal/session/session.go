// Package session owns the turn-by-turn state machine of one
// conversation. The manager consumes submissions, drives the model
// loop, runs every proposed step through policy check, approval and
// sandboxed execution, and emits ordered events.
package session

import (
	"fmt"
	"sync"

	"github.com/codefionn/schmiede/internal/policy"
	"github.com/codefionn/schmiede/internal/sandbox"
)

// TurnStatus is the lifecycle state of one turn.
type TurnStatus string

const (
	TurnPending   TurnStatus = "pending"
	TurnRunning   TurnStatus = "running"
	TurnCompleted TurnStatus = "completed"
	TurnCancelled TurnStatus = "cancelled"
	TurnFailed    TurnStatus = "failed"
)

// StepStatus is the lifecycle state of one step.
type StepStatus string

const (
	StepProposed         StepStatus = "proposed"
	StepPolicyChecked    StepStatus = "policy-checked"
	StepAwaitingApproval StepStatus = "awaiting-approval"
	StepExecuting        StepStatus = "executing"
	StepDone             StepStatus = "done"
	StepDenied           StepStatus = "denied"
	StepError            StepStatus = "error"
	StepCancelled        StepStatus = "cancelled"
)

// turnTransitions enumerates the legal turn state changes.
var turnTransitions = map[TurnStatus][]TurnStatus{
	TurnPending: {TurnRunning, TurnCancelled},
	TurnRunning: {TurnCompleted, TurnCancelled, TurnFailed},
}

// stepTransitions enumerates the legal step state changes.
var stepTransitions = map[StepStatus][]StepStatus{
	StepProposed:         {StepPolicyChecked, StepCancelled},
	StepPolicyChecked:    {StepAwaitingApproval, StepExecuting, StepDenied, StepCancelled},
	StepAwaitingApproval: {StepExecuting, StepDenied, StepCancelled},
	StepExecuting:        {StepDone, StepError, StepDenied, StepCancelled},
}

// Turn is one user request and the agent's response to it.
type Turn struct {
	ID           string
	SubmissionID string
	Input        string

	mu     sync.Mutex
	status TurnStatus
	steps  []*Step
}

// NewTurn returns a pending turn.
func NewTurn(id, submissionID, input string) *Turn {
	return &Turn{
		ID:           id,
		SubmissionID: submissionID,
		Input:        input,
		status:       TurnPending,
	}
}

// Status returns the current turn status.
func (t *Turn) Status() TurnStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Terminal reports whether the turn reached a terminal status.
func (t *Turn) Terminal() bool {
	switch t.Status() {
	case TurnCompleted, TurnCancelled, TurnFailed:
		return true
	}
	return false
}

// Transition moves the turn to the given status. Moving a terminal
// turn to cancelled is a no-op; any other illegal move is an internal
// invariant violation.
func (t *Turn) Transition(to TurnStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, next := range turnTransitions[t.status] {
		if next == to {
			t.status = to
			return nil
		}
	}
	if to == TurnCancelled {
		// Idempotent cancellation.
		return nil
	}
	return fmt.Errorf("illegal turn transition %s -> %s", t.status, to)
}

// AddStep appends a step to the turn's ordered sequence.
func (t *Turn) AddStep(s *Step) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, s)
}

// Steps returns a snapshot of the turn's steps.
func (t *Turn) Steps() []*Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Step(nil), t.steps...)
}

// Step is one atomic proposed action: run a command, apply a patch or
// call a registered tool.
type Step struct {
	ID     string
	TurnID string
	// Kind is one of the protocol step kinds.
	Kind string

	// Command payload.
	Command []string
	Cwd     string
	// Patch payload.
	Diff string
	// Tool payload.
	Tool     string
	ToolArgs string

	mu       sync.Mutex
	status   StepStatus
	decision *policy.Decision
	result   *sandbox.Result
	reason   string
}

// NewStep returns a step in the proposed state.
func NewStep(id, turnID, kind string) *Step {
	return &Step{
		ID:     id,
		TurnID: turnID,
		Kind:   kind,
		status: StepProposed,
	}
}

// Status returns the current step status.
func (s *Step) Status() StepStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Terminal reports whether the step reached a terminal status.
func (s *Step) Terminal() bool {
	switch s.Status() {
	case StepDone, StepDenied, StepError, StepCancelled:
		return true
	}
	return false
}

// Transition moves the step to the given status. Cancelling a terminal
// step is a no-op; any other illegal move is an internal invariant
// violation. Entering executing without an attached policy decision is
// always illegal.
func (s *Step) Transition(to StepStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if to == StepExecuting && s.decision == nil {
		return fmt.Errorf("step %s entered executing without a policy decision", s.ID)
	}

	for _, next := range stepTransitions[s.status] {
		if next == to {
			s.status = to
			return nil
		}
	}
	if to == StepCancelled {
		return nil
	}
	return fmt.Errorf("illegal step transition %s -> %s", s.status, to)
}

// AttachDecision records the immutable policy decision for this step.
// A second attachment is an invariant violation.
func (s *Step) AttachDecision(dec policy.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decision != nil {
		return fmt.Errorf("step %s already carries a policy decision", s.ID)
	}
	s.decision = &dec
	return nil
}

// Decision returns the attached policy decision, nil before the policy
// check ran.
func (s *Step) Decision() *policy.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decision
}

// SetResult records the execution result.
func (s *Step) SetResult(res *sandbox.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = res
}

// Result returns the recorded execution result, nil if none.
func (s *Step) Result() *sandbox.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// SetReason records the machine-readable reason for a non-done
// terminal status.
func (s *Step) SetReason(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reason = reason
}

// Reason returns the recorded terminal reason.
func (s *Step) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

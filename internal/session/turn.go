package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/codefionn/schmiede/internal/approval"
	"github.com/codefionn/schmiede/internal/llm"
	"github.com/codefionn/schmiede/internal/patch"
	"github.com/codefionn/schmiede/internal/policy"
	"github.com/codefionn/schmiede/internal/protocol"
	"github.com/codefionn/schmiede/internal/sandbox"
)

// Step payload tool names offered to the model alongside the registry
// tools.
const (
	toolRunCommand = "run_command"
	toolApplyPatch = "apply_patch"
)

// runTurn drives one turn to a terminal state. A non-nil return error
// is always an internal invariant violation; every environmental
// failure resolves inside the turn.
func (m *Manager) runTurn(ctx context.Context, turn *Turn) error {
	if err := turn.Transition(TurnRunning); err != nil {
		return internalf("turn %s", turn.ID)
	}
	m.emit(protocol.TurnStartedEvent{TurnID: turn.ID, SubmissionID: turn.SubmissionID})
	m.hist.Append(llm.Message{Role: llm.RoleUser, Content: turn.Input})

	for call := 0; ; call++ {
		if ctx.Err() != nil {
			return m.finishCancelled(turn)
		}
		if call >= m.maxModelCalls {
			return m.finishFailed(turn, "model call budget exhausted")
		}

		resp, err := m.client.Complete(ctx, &llm.Request{
			SystemPrompt: m.systemPrompt,
			Messages:     m.hist.Messages(),
			Tools:        m.toolDefs(),
			MaxTokens:    m.modelMaxTokens,
			Temperature:  m.temperature,
		})
		if err != nil {
			if ctx.Err() != nil {
				return m.finishCancelled(turn)
			}
			return m.finishFailed(turn, fmt.Sprintf("model request failed: %v", err))
		}

		m.hist.Append(llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		if resp.Content != "" {
			m.emit(protocol.AgentMessageEvent{TurnID: turn.ID, Text: resp.Content})
		}

		if len(resp.ToolCalls) == 0 {
			if err := turn.Transition(TurnCompleted); err != nil {
				return internalf("turn %s", turn.ID)
			}
			m.emit(protocol.TurnCompletedEvent{TurnID: turn.ID})
			return nil
		}

		results, err := m.runStepGroup(ctx, turn, resp.ToolCalls)
		if err != nil {
			m.finishFailed(turn, "internal invariant violation")
			return err
		}
		for _, r := range results {
			m.hist.Append(llm.Message{Role: llm.RoleTool, Content: r.content, ToolID: r.toolID})
		}
	}
}

func (m *Manager) finishCancelled(turn *Turn) error {
	if err := turn.Transition(TurnCancelled); err != nil {
		return internalf("turn %s", turn.ID)
	}
	m.emit(protocol.TurnCancelledEvent{TurnID: turn.ID})
	return nil
}

func (m *Manager) finishFailed(turn *Turn, reason string) error {
	if err := turn.Transition(TurnFailed); err != nil {
		return internalf("turn %s", turn.ID)
	}
	m.emit(protocol.TurnFailedEvent{TurnID: turn.ID, Reason: reason})
	return nil
}

// toolDefs assembles the tool surface: the two built-in step payloads
// plus everything in the registry.
func (m *Manager) toolDefs() []llm.ToolDef {
	defs := []llm.ToolDef{
		{
			Name:        toolRunCommand,
			Description: "Execute a shell command in the workspace. The command is policy checked and may run sandboxed or require user approval.",
			Parameters: map[string]interface{}{
				"command": map[string]interface{}{
					"type":        "string",
					"description": "The command line to execute",
				},
				"justification": map[string]interface{}{
					"type":        "string",
					"description": "One sentence on why this command is needed",
				},
			},
			Required: []string{"command"},
		},
		{
			Name:        toolApplyPatch,
			Description: "Apply a unified diff to files inside the writable roots. All hunks apply atomically or not at all.",
			Parameters: map[string]interface{}{
				"diff": map[string]interface{}{
					"type":        "string",
					"description": "The unified diff to apply",
				},
			},
			Required: []string{"diff"},
		},
	}
	return append(defs, m.registry.Definitions()...)
}

type stepResult struct {
	toolID  string
	content string
}

// runStepGroup executes the tool calls of one model response. A single
// call runs inline; multiple calls form a parallel group. Only internal
// invariant violations propagate as errors and cancel the group.
func (m *Manager) runStepGroup(ctx context.Context, turn *Turn, calls []llm.ToolCall) ([]stepResult, error) {
	results := make([]stepResult, len(calls))

	if len(calls) == 1 {
		content, err := m.runStep(ctx, turn, calls[0])
		if err != nil {
			return nil, err
		}
		results[0] = stepResult{toolID: calls[0].ID, content: content}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			content, err := m.runStep(gctx, turn, call)
			if err != nil {
				return err
			}
			results[i] = stepResult{toolID: call.ID, content: content}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// runStep pushes one tool call through the propose -> policy check ->
// approval -> execute pipeline. The returned string is the tool result
// folded back into model history; the error return is reserved for
// internal invariant violations.
func (m *Manager) runStep(ctx context.Context, turn *Turn, call llm.ToolCall) (string, error) {
	step, problem := m.buildStep(turn, call)
	if problem != "" {
		// Malformed tool calls are model mistakes, surfaced as tool
		// results so the next response can correct them.
		m.log.Warn("rejecting malformed %s call: %s", call.Name, problem)
		return "tool call rejected: " + problem, nil
	}
	turn.AddStep(step)

	m.emit(protocol.StepProposedEvent{Step: protocol.StepInfo{
		StepID:  step.ID,
		TurnID:  turn.ID,
		Kind:    step.Kind,
		Command: step.Command,
		Cwd:     step.Cwd,
		Tool:    step.Tool,
		Summary: stepSummary(step),
	}})

	if ctx.Err() != nil {
		return m.completeCancelled(step, "turn cancelled")
	}

	dec := m.classifyStep(step)
	if err := step.AttachDecision(dec); err != nil {
		return "", internalf("step %s", step.ID)
	}
	if err := step.Transition(StepPolicyChecked); err != nil {
		return "", internalf("step %s", step.ID)
	}
	m.emit(protocol.PolicyCheckedEvent{StepID: step.ID, Decision: decisionInfo(dec)})

	switch dec.Verdict {
	case policy.VerdictDeny:
		return m.completeDenied(step, dec.Justification)

	case policy.VerdictAskUser:
		content, proceed, err := m.awaitApproval(ctx, turn, step, dec)
		if !proceed {
			return content, err
		}
		return m.executeStep(ctx, step, dec, true)

	case policy.VerdictAllow:
		return m.executeStep(ctx, step, dec, false)

	case policy.VerdictAllowSandboxed:
		return m.executeStep(ctx, step, dec, true)

	default:
		return "", internalf("step %s: unknown verdict %v", step.ID, dec.Verdict)
	}
}

// buildStep converts a tool call into a step. A non-empty problem
// string means the call was malformed and no step exists.
func (m *Manager) buildStep(turn *Turn, call llm.ToolCall) (*Step, string) {
	switch call.Name {
	case toolRunCommand:
		var args struct {
			Command       string `json:"command"`
			Justification string `json:"justification"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return nil, fmt.Sprintf("invalid run_command arguments: %v", err)
		}
		if strings.TrimSpace(args.Command) == "" {
			return nil, "run_command requires a non-empty command"
		}
		argv, err := policy.SplitCommand(args.Command)
		if err != nil || len(argv) == 0 {
			return nil, fmt.Sprintf("command could not be tokenized: %v", err)
		}
		step := NewStep(protocol.NewID(), turn.ID, protocol.StepKindCommand)
		step.Command = argv
		step.Cwd = m.workingDir
		return step, ""

	case toolApplyPatch:
		var args struct {
			Diff string `json:"diff"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return nil, fmt.Sprintf("invalid apply_patch arguments: %v", err)
		}
		if strings.TrimSpace(args.Diff) == "" {
			return nil, "apply_patch requires a non-empty diff"
		}
		step := NewStep(protocol.NewID(), turn.ID, protocol.StepKindPatch)
		step.Diff = args.Diff
		return step, ""

	default:
		if _, ok := m.registry.Get(call.Name); !ok {
			return nil, fmt.Sprintf("unknown tool %q", call.Name)
		}
		step := NewStep(protocol.NewID(), turn.ID, protocol.StepKindTool)
		step.Tool = call.Name
		step.ToolArgs = call.Arguments
		return step, ""
	}
}

// classifyStep produces the policy decision for a step. Commands go
// through the rule engine; patches and registry tools carry synthetic
// decisions matching the confinement their executors enforce.
func (m *Manager) classifyStep(step *Step) policy.Decision {
	writable, readable := m.roots()

	switch step.Kind {
	case protocol.StepKindCommand:
		return m.engine.Classify(step.Command, policy.Context{
			WorkingDir:    m.workingDir,
			WritableRoots: writable,
			ReadableRoots: readable,
			IsApproved:    m.cache.IsApproved,
		})

	case protocol.StepKindPatch:
		return policy.Decision{
			Verdict: policy.VerdictAllowSandboxed,
			Constraint: policy.Constraint{
				WritableRoots: writable,
				ReadableRoots: readable,
			},
			Justification: "patch application confined to the declared writable roots",
			Rule:          "patch-application",
		}

	default:
		return policy.Decision{
			Verdict: policy.VerdictAllow,
			Constraint: policy.Constraint{
				ReadableRoots: readable,
			},
			Justification: "registered read-only tool",
			Rule:          "tool-registry",
		}
	}
}

// awaitApproval suspends the step until the user answers. proceed is
// true only for an approve decision; content carries the tool result
// otherwise.
func (m *Manager) awaitApproval(ctx context.Context, turn *Turn, step *Step, dec policy.Decision) (content string, proceed bool, err error) {
	if terr := step.Transition(StepAwaitingApproval); terr != nil {
		return "", false, internalf("step %s", step.ID)
	}

	reqID := protocol.NewID()
	m.emit(protocol.ApprovalRequestedEvent{
		RequestID:     reqID,
		StepID:        step.ID,
		Command:       step.Command,
		Justification: dec.Justification,
	})

	resp, rerr := m.negotiator.Request(ctx, &approval.Request{
		ID:            reqID,
		TurnID:        turn.ID,
		StepID:        step.ID,
		Command:       step.Command,
		Justification: dec.Justification,
	})
	if rerr != nil {
		if ctx.Err() != nil {
			c, cerr := m.completeCancelledReason(step, protocol.ErrKindApprovalCancelled,
				"approval abandoned by turn cancellation")
			return c, false, cerr
		}
		c, derr := m.completeDeniedReason(step, protocol.ErrKindApprovalTimeout,
			"approval request timed out")
		return c, false, derr
	}
	if resp.Decision != protocol.ReviewApprove {
		c, derr := m.completeDeniedReason(step, protocol.ErrKindApprovalDenied, "denied by user")
		return c, false, derr
	}

	if len(step.Command) > 0 {
		m.cache.Record(step.Command, resp.Scope)
	}
	return "", true, nil
}

// executeStep runs an approved or allowed step and reports its
// terminal state.
func (m *Manager) executeStep(ctx context.Context, step *Step, dec policy.Decision, sandboxed bool) (string, error) {
	if err := step.Transition(StepExecuting); err != nil {
		return "", internalf("step %s", step.ID)
	}
	m.emit(protocol.StepStartedEvent{StepID: step.ID, Sandboxed: sandboxed})

	switch step.Kind {
	case protocol.StepKindCommand:
		return m.executeCommand(ctx, step, dec, sandboxed)
	case protocol.StepKindPatch:
		return m.executePatch(step)
	case protocol.StepKindTool:
		return m.executeTool(ctx, step)
	default:
		return "", internalf("step %s: unknown kind %q", step.ID, step.Kind)
	}
}

func (m *Manager) executeCommand(ctx context.Context, step *Step, dec policy.Decision, sandboxed bool) (string, error) {
	spec := &sandbox.Spec{
		Command:       step.Command,
		WorkingDir:    m.workingDir,
		WritableRoots: dec.Constraint.WritableRoots,
		ReadableRoots: dec.Constraint.ReadableRoots,
		AllowNetwork:  dec.Constraint.AllowNetwork,
		Timeout:       m.commandTimeout,
		Isolate:       sandboxed,
	}

	res, err := m.executor.Run(ctx, spec, func(stream string, chunk []byte) {
		m.emit(protocol.StepOutputEvent{
			StepID: step.ID,
			Stream: stream,
			Chunk:  append([]byte(nil), chunk...),
		})
	})
	if err != nil {
		if errors.Is(err, sandbox.ErrIsolationUnavailable) {
			return m.completeDeniedReason(step, protocol.ErrKindSandboxUnavailable,
				"requested isolation cannot be enforced on this host")
		}
		if ctx.Err() != nil {
			return m.completeCancelled(step, "turn cancelled")
		}
		return m.completeError(step, fmt.Sprintf("command failed to run: %v", err))
	}

	step.SetResult(res)
	if ctx.Err() != nil {
		return m.completeCancelled(step, "turn cancelled")
	}
	if err := step.Transition(StepDone); err != nil {
		return "", internalf("step %s", step.ID)
	}
	m.emit(protocol.StepCompletedEvent{
		StepID: step.ID,
		Status: "done",
		Result: commandResult(res),
	})
	return formatCommandResult(res), nil
}

func (m *Manager) executePatch(step *Step) (string, error) {
	writable, _ := m.roots()
	applier := patch.NewApplier(m.workingDir, writable)

	changes, err := applier.ApplyDiff(step.Diff)
	if err != nil {
		return m.completeError(step, fmt.Sprintf("patch rejected: %v", err))
	}

	if err := step.Transition(StepDone); err != nil {
		return "", internalf("step %s", step.ID)
	}
	m.emit(protocol.StepCompletedEvent{StepID: step.ID, Status: "done"})

	var b strings.Builder
	fmt.Fprintf(&b, "patch applied to %d file(s):\n", len(changes))
	for _, ch := range changes {
		switch {
		case ch.Created:
			fmt.Fprintf(&b, "  created %s\n", ch.Path)
		case ch.Deleted:
			fmt.Fprintf(&b, "  deleted %s\n", ch.Path)
		default:
			fmt.Fprintf(&b, "  modified %s\n", ch.Path)
		}
	}
	return b.String(), nil
}

func (m *Manager) executeTool(ctx context.Context, step *Step) (string, error) {
	svc, ok := m.registry.Get(step.Tool)
	if !ok {
		return m.completeError(step, fmt.Sprintf("unknown tool %q", step.Tool))
	}

	args := map[string]interface{}{}
	if strings.TrimSpace(step.ToolArgs) != "" {
		if err := json.Unmarshal([]byte(step.ToolArgs), &args); err != nil {
			return m.completeError(step, fmt.Sprintf("invalid tool arguments: %v", err))
		}
	}

	result, err := svc.Execute(ctx, args)
	if err != nil {
		if ctx.Err() != nil {
			return m.completeCancelled(step, "turn cancelled")
		}
		return m.completeError(step, fmt.Sprintf("tool failed: %v", err))
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return m.completeError(step, fmt.Sprintf("tool result not serializable: %v", err))
	}

	if err := step.Transition(StepDone); err != nil {
		return "", internalf("step %s", step.ID)
	}
	m.emit(protocol.StepCompletedEvent{StepID: step.ID, Status: "done"})
	return string(encoded), nil
}

// completeDenied ends the step denied with a policy-violation reason.
func (m *Manager) completeDenied(step *Step, reason string) (string, error) {
	return m.completeDeniedReason(step, protocol.ErrKindPolicyViolation, reason)
}

func (m *Manager) completeDeniedReason(step *Step, kind, reason string) (string, error) {
	if err := step.Transition(StepDenied); err != nil {
		return "", internalf("step %s", step.ID)
	}
	step.SetReason(kind + ": " + reason)
	m.emit(protocol.StepCompletedEvent{
		StepID: step.ID,
		Status: "denied",
		Reason: step.Reason(),
	})
	return "denied: " + reason, nil
}

func (m *Manager) completeError(step *Step, reason string) (string, error) {
	if err := step.Transition(StepError); err != nil {
		return "", internalf("step %s", step.ID)
	}
	step.SetReason(reason)
	m.emit(protocol.StepCompletedEvent{
		StepID: step.ID,
		Status: "error",
		Reason: reason,
	})
	return "error: " + reason, nil
}

func (m *Manager) completeCancelled(step *Step, reason string) (string, error) {
	if err := step.Transition(StepCancelled); err != nil {
		return "", internalf("step %s", step.ID)
	}
	step.SetReason(reason)
	m.emit(protocol.StepCompletedEvent{
		StepID: step.ID,
		Status: "cancelled",
		Reason: reason,
	})
	return "cancelled: " + reason, nil
}

// completeCancelledReason cancels the step with a kind-tagged reason.
func (m *Manager) completeCancelledReason(step *Step, kind, reason string) (string, error) {
	if err := step.Transition(StepCancelled); err != nil {
		return "", internalf("step %s", step.ID)
	}
	step.SetReason(kind + ": " + reason)
	m.emit(protocol.StepCompletedEvent{
		StepID: step.ID,
		Status: "cancelled",
		Reason: step.Reason(),
	})
	return "cancelled: " + reason, nil
}

func decisionInfo(dec policy.Decision) protocol.PolicyDecisionInfo {
	return protocol.PolicyDecisionInfo{
		Verdict:        dec.Verdict.String(),
		WritableRoots:  dec.Constraint.WritableRoots,
		NetworkAllowed: dec.Constraint.AllowNetwork,
		Justification:  dec.Justification,
		Rule:           dec.Rule,
	}
}

func commandResult(res *sandbox.Result) *protocol.CommandResult {
	return &protocol.CommandResult{
		ExitCode:        res.ExitCode,
		Stdout:          string(res.Stdout),
		Stderr:          string(res.Stderr),
		StdoutTruncated: res.StdoutTruncated,
		StderrTruncated: res.StderrTruncated,
		DurationMS:      res.Duration.Milliseconds(),
		TimedOut:        res.TimedOut,
		Enforcement:     string(res.Enforcement),
	}
}

// formatCommandResult renders a result for model-facing history.
func formatCommandResult(res *sandbox.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "exit code: %d\n", res.ExitCode)
	if res.TimedOut {
		b.WriteString("the command timed out and was terminated\n")
	}
	if res.Enforcement == sandbox.EnforcementDegraded {
		b.WriteString("note: sandbox isolation was unavailable, the command ran unconfined\n")
	}
	if len(res.Stdout) > 0 {
		b.WriteString("stdout:\n")
		b.Write(res.Stdout)
		if res.Stdout[len(res.Stdout)-1] != '\n' {
			b.WriteByte('\n')
		}
	}
	if len(res.Stderr) > 0 {
		b.WriteString("stderr:\n")
		b.Write(res.Stderr)
		if res.Stderr[len(res.Stderr)-1] != '\n' {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func stepSummary(step *Step) string {
	switch step.Kind {
	case protocol.StepKindCommand:
		return strings.Join(step.Command, " ")
	case protocol.StepKindPatch:
		return "apply patch"
	default:
		return "call " + step.Tool
	}
}

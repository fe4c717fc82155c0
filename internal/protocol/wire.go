package protocol

import (
	"encoding/json"
	"fmt"
)

type submissionEnvelope struct {
	ID   string          `json:"id"`
	Kind string          `json:"kind"`
	Op   json.RawMessage `json:"op"`
}

type eventEnvelope struct {
	ID   string          `json:"id"`
	Kind string          `json:"kind"`
	Msg  json.RawMessage `json:"msg"`
}

// MarshalJSON encodes the submission as {"id","kind","op"}.
func (s Submission) MarshalJSON() ([]byte, error) {
	if s.Op == nil {
		return nil, fmt.Errorf("submission %q has no operation", s.ID)
	}
	op, err := json.Marshal(s.Op)
	if err != nil {
		return nil, err
	}
	return json.Marshal(submissionEnvelope{ID: s.ID, Kind: s.Op.OpKind(), Op: op})
}

// UnmarshalJSON decodes a tagged submission envelope.
func (s *Submission) UnmarshalJSON(data []byte) error {
	var env submissionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	var op Op
	switch env.Kind {
	case UserInputOp{}.OpKind():
		op = &UserInputOp{}
	case ApprovalResponseOp{}.OpKind():
		op = &ApprovalResponseOp{}
	case CancelOp{}.OpKind():
		op = &CancelOp{}
	case ConfigureRootsOp{}.OpKind():
		op = &ConfigureRootsOp{}
	case ShutdownOp{}.OpKind():
		op = &ShutdownOp{}
	default:
		return fmt.Errorf("unknown submission kind %q", env.Kind)
	}

	if len(env.Op) > 0 {
		if err := json.Unmarshal(env.Op, op); err != nil {
			return fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
	}

	s.ID = env.ID
	s.Op = deref(op)
	return nil
}

// MarshalJSON encodes the event as {"id","kind","msg"}.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Msg == nil {
		return nil, fmt.Errorf("event %q has no message", e.ID)
	}
	msg, err := json.Marshal(e.Msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventEnvelope{ID: e.ID, Kind: e.Msg.EventKind(), Msg: msg})
}

// UnmarshalJSON decodes a tagged event envelope.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	var msg EventMsg
	switch env.Kind {
	case SessionConfiguredEvent{}.EventKind():
		msg = &SessionConfiguredEvent{}
	case TurnStartedEvent{}.EventKind():
		msg = &TurnStartedEvent{}
	case StepProposedEvent{}.EventKind():
		msg = &StepProposedEvent{}
	case PolicyCheckedEvent{}.EventKind():
		msg = &PolicyCheckedEvent{}
	case ApprovalRequestedEvent{}.EventKind():
		msg = &ApprovalRequestedEvent{}
	case StepStartedEvent{}.EventKind():
		msg = &StepStartedEvent{}
	case StepOutputEvent{}.EventKind():
		msg = &StepOutputEvent{}
	case StepCompletedEvent{}.EventKind():
		msg = &StepCompletedEvent{}
	case AgentMessageEvent{}.EventKind():
		msg = &AgentMessageEvent{}
	case TurnCompletedEvent{}.EventKind():
		msg = &TurnCompletedEvent{}
	case TurnCancelledEvent{}.EventKind():
		msg = &TurnCancelledEvent{}
	case TurnFailedEvent{}.EventKind():
		msg = &TurnFailedEvent{}
	case ErrorEvent{}.EventKind():
		msg = &ErrorEvent{}
	default:
		return fmt.Errorf("unknown event kind %q", env.Kind)
	}

	if len(env.Msg) > 0 {
		if err := json.Unmarshal(env.Msg, msg); err != nil {
			return fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
	}

	e.ID = env.ID
	e.Msg = derefEvent(msg)
	return nil
}

// deref converts the pointer used for unmarshalling back to the value
// form used everywhere else, so type switches match value types.
func deref(op Op) Op {
	switch v := op.(type) {
	case *UserInputOp:
		return *v
	case *ApprovalResponseOp:
		return *v
	case *CancelOp:
		return *v
	case *ConfigureRootsOp:
		return *v
	case *ShutdownOp:
		return *v
	default:
		return op
	}
}

func derefEvent(msg EventMsg) EventMsg {
	switch v := msg.(type) {
	case *SessionConfiguredEvent:
		return *v
	case *TurnStartedEvent:
		return *v
	case *StepProposedEvent:
		return *v
	case *PolicyCheckedEvent:
		return *v
	case *ApprovalRequestedEvent:
		return *v
	case *StepStartedEvent:
		return *v
	case *StepOutputEvent:
		return *v
	case *StepCompletedEvent:
		return *v
	case *AgentMessageEvent:
		return *v
	case *TurnCompletedEvent:
		return *v
	case *TurnCancelledEvent:
		return *v
	case *TurnFailedEvent:
		return *v
	case *ErrorEvent:
		return *v
	default:
		return msg
	}
}

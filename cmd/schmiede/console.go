package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/codefionn/schmiede/internal/channel"
	"github.com/codefionn/schmiede/internal/protocol"
)

// console is the terminal front end: it renders events and turns stdin
// lines into user inputs or approval answers.
type console struct {
	ch       *channel.Channel
	pending  chan protocol.ApprovalRequestedEvent
	turnDone chan struct{}
}

func newConsole(ch *channel.Channel) *console {
	return &console{
		ch:       ch,
		pending:  make(chan protocol.ApprovalRequestedEvent, 8),
		turnDone: make(chan struct{}, 8),
	}
}

func (c *console) submit(ctx context.Context, op protocol.Op) error {
	return c.ch.Submit(ctx, protocol.Submission{ID: protocol.NewID(), Op: op})
}

// pumpEvents renders the event stream until the channel closes.
func (c *console) pumpEvents(ctx context.Context) {
	for ev := range c.ch.Events() {
		switch msg := ev.Msg.(type) {
		case protocol.SessionConfiguredEvent:
			fmt.Printf("session %s in %s (sandbox: %s)\n",
				msg.SessionID, msg.WorkingDir, msg.SandboxTier)

		case protocol.AgentMessageEvent:
			fmt.Println(msg.Text)

		case protocol.StepProposedEvent:
			fmt.Printf("-> %s\n", msg.Step.Summary)

		case protocol.ApprovalRequestedEvent:
			fmt.Printf("approve %q? (%s)\n  [y]es once  [s]ession  [e]xact always  [n]o: ",
				strings.Join(msg.Command, " "), msg.Justification)
			select {
			case c.pending <- msg:
			default:
				// Front end overloaded with prompts; refuse rather
				// than queue silently.
				_ = c.submit(ctx, protocol.ApprovalResponseOp{
					RequestID: msg.RequestID,
					Decision:  protocol.ReviewDeny,
				})
			}

		case protocol.StepOutputEvent:
			os.Stdout.Write(msg.Chunk)

		case protocol.StepCompletedEvent:
			if msg.Status != "done" {
				fmt.Printf("<- step %s: %s\n", msg.Status, msg.Reason)
			}

		case protocol.TurnCompletedEvent:
			c.signalTurnDone()

		case protocol.TurnCancelledEvent:
			fmt.Println("turn cancelled")
			c.signalTurnDone()

		case protocol.TurnFailedEvent:
			fmt.Printf("turn failed: %s\n", msg.Reason)
			c.signalTurnDone()

		case protocol.ErrorEvent:
			fmt.Printf("error (%s): %s\n", msg.Kind, msg.Message)
		}
	}
}

func (c *console) signalTurnDone() {
	select {
	case c.turnDone <- struct{}{}:
	default:
	}
}

// waitTurnDone blocks until the current turn reaches a terminal state.
func (c *console) waitTurnDone(ctx context.Context) {
	select {
	case <-c.turnDone:
	case <-ctx.Done():
	}
}

// pumpInput reads stdin lines. A line answers the oldest pending
// approval if one exists; in interactive mode any other line starts a
// new turn.
func (c *console) pumpInput(ctx context.Context, interactive bool) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		select {
		case req := <-c.pending:
			decision, scope := parseApprovalAnswer(line)
			if err := c.submit(ctx, protocol.ApprovalResponseOp{
				RequestID: req.RequestID,
				Decision:  decision,
				Scope:     scope,
			}); err != nil {
				return
			}
			continue
		default:
		}

		if !interactive || line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			_ = c.submit(ctx, protocol.ShutdownOp{})
			return
		}
		if line == "/cancel" {
			_ = c.submit(ctx, protocol.CancelOp{})
			continue
		}
		if err := c.submit(ctx, protocol.UserInputOp{Text: line}); err != nil {
			return
		}
	}
	// EOF on stdin ends an interactive session after the running turn
	// drains; one-shot mode shuts down on its own.
	if interactive {
		_ = c.submit(ctx, protocol.ShutdownOp{})
	}
}

func parseApprovalAnswer(line string) (protocol.ReviewDecision, protocol.ApprovalScope) {
	switch strings.ToLower(line) {
	case "y", "yes":
		return protocol.ReviewApprove, protocol.ScopeOnce
	case "s", "session":
		return protocol.ReviewApprove, protocol.ScopeSession
	case "e", "exact", "always":
		return protocol.ReviewApprove, protocol.ScopeCommand
	default:
		return protocol.ReviewDeny, ""
	}
}

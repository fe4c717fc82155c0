package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codefionn/schmiede/internal/protocol"
)

// Request is one approval round-trip to the user.
type Request struct {
	ID            string
	TurnID        string
	StepID        string
	Command       []string
	Justification string
}

// Response is the user's answer to a request.
type Response struct {
	Decision protocol.ReviewDecision
	Scope    protocol.ApprovalScope
}

// Negotiator tracks in-flight approval requests. Request blocks until
// Resolve is called with the matching id, the context is cancelled or
// the optional timeout elapses. A timeout of zero waits forever.
type Negotiator struct {
	mu      sync.Mutex
	pending map[string]chan Response
	timeout time.Duration
}

// NewNegotiator returns a negotiator with the given timeout. Zero means
// requests wait indefinitely for the user.
func NewNegotiator(timeout time.Duration) *Negotiator {
	return &Negotiator{
		pending: make(map[string]chan Response),
		timeout: timeout,
	}
}

// Pending returns the ids of requests still waiting for an answer.
func (n *Negotiator) Pending() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, len(n.pending))
	for id := range n.pending {
		ids = append(ids, id)
	}
	return ids
}

// Request registers the request and blocks for the answer. Cancellation
// and timeout both resolve to a deny with once scope.
func (n *Negotiator) Request(ctx context.Context, req *Request) (Response, error) {
	ch := make(chan Response, 1)

	n.mu.Lock()
	if _, exists := n.pending[req.ID]; exists {
		n.mu.Unlock()
		return Response{}, fmt.Errorf("approval request %s already pending", req.ID)
	}
	n.pending[req.ID] = ch
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.pending, req.ID)
		n.mu.Unlock()
	}()

	var timerC <-chan time.Time
	if n.timeout > 0 {
		timer := time.NewTimer(n.timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return Response{Decision: protocol.ReviewDeny, Scope: protocol.ScopeOnce}, ctx.Err()
	case <-timerC:
		return Response{Decision: protocol.ReviewDeny, Scope: protocol.ScopeOnce},
			fmt.Errorf("approval request %s timed out after %s", req.ID, n.timeout)
	}
}

// Resolve answers a pending request. Unknown or already-answered ids
// are an error so duplicate responses are surfaced instead of silently
// dropped.
func (n *Negotiator) Resolve(id string, resp Response) error {
	n.mu.Lock()
	ch, ok := n.pending[id]
	if ok {
		delete(n.pending, id)
	}
	n.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending approval request %s", id)
	}
	ch <- resp
	return nil
}

// CancelAll denies every pending request. Used when a turn is
// cancelled or the session shuts down.
func (n *Negotiator) CancelAll() {
	n.mu.Lock()
	pending := n.pending
	n.pending = make(map[string]chan Response)
	n.mu.Unlock()

	for _, ch := range pending {
		ch <- Response{Decision: protocol.ReviewDeny, Scope: protocol.ScopeOnce}
	}
}

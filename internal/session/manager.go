package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/codefionn/schmiede/internal/approval"
	"github.com/codefionn/schmiede/internal/channel"
	"github.com/codefionn/schmiede/internal/history"
	"github.com/codefionn/schmiede/internal/llm"
	"github.com/codefionn/schmiede/internal/logger"
	"github.com/codefionn/schmiede/internal/policy"
	"github.com/codefionn/schmiede/internal/protocol"
	"github.com/codefionn/schmiede/internal/sandbox"
	"github.com/codefionn/schmiede/internal/tools"
)

// errInternal marks invariant violations. Everything wrapped with it
// aborts the session; all other failures resolve at turn or step level.
var errInternal = errors.New("internal invariant violation")

func internalf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, errInternal)...)
}

const (
	defaultMaxModelCalls = 32
	defaultModelTokens   = 4096

	defaultSystemPrompt = `You are a coding agent working in the user's workspace.

You can act through tool calls:
- run_command executes a shell command. Commands are policy checked and
  may run sandboxed or require user approval.
- apply_patch applies a unified diff to files inside the writable roots.
Additional read-only tools may be available.

Work in small steps, inspect before you modify, and report what you did
in plain language when you are done.`
)

// Options configures a session manager. Channel, Engine, Executor,
// Negotiator, Cache and Client are required.
type Options struct {
	SessionID     string
	WorkingDir    string
	WritableRoots []string
	ReadableRoots []string

	SystemPrompt   string
	ModelMaxTokens int
	Temperature    float64
	MaxModelCalls  int
	CommandTimeout time.Duration

	Channel      *channel.Channel
	Engine       *policy.Engine
	Executor     sandbox.Executor
	Capabilities *sandbox.Capabilities
	Negotiator   *approval.Negotiator
	Cache        *approval.Cache
	Client       llm.Client
	Registry     *tools.Registry
	History      *history.History
}

// Manager drives one session: one submission loop, at most one running
// turn, queued user inputs, and the approval/cancel plumbing around the
// running turn.
type Manager struct {
	sessionID  string
	workingDir string

	systemPrompt   string
	modelMaxTokens int
	temperature    float64
	maxModelCalls  int
	commandTimeout time.Duration

	ch         *channel.Channel
	engine     *policy.Engine
	executor   sandbox.Executor
	caps       *sandbox.Capabilities
	negotiator *approval.Negotiator
	cache      *approval.Cache
	client     llm.Client
	registry   *tools.Registry
	hist       *history.History
	log        *logger.Logger

	// roots are mutated only by the manager loop but read from the turn
	// goroutine, hence the lock.
	mu            sync.Mutex
	writableRoots []string
	readableRoots []string

	baseCtx context.Context
}

// NewManager validates the options and returns a ready manager.
func NewManager(opts Options) (*Manager, error) {
	switch {
	case opts.Channel == nil:
		return nil, errors.New("session: channel is required")
	case opts.Engine == nil:
		return nil, errors.New("session: policy engine is required")
	case opts.Executor == nil:
		return nil, errors.New("session: executor is required")
	case opts.Negotiator == nil:
		return nil, errors.New("session: negotiator is required")
	case opts.Cache == nil:
		return nil, errors.New("session: approval cache is required")
	case opts.Client == nil:
		return nil, errors.New("session: model client is required")
	case opts.WorkingDir == "":
		return nil, errors.New("session: working directory is required")
	}

	if opts.SessionID == "" {
		opts.SessionID = protocol.NewID()
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	if opts.ModelMaxTokens <= 0 {
		opts.ModelMaxTokens = defaultModelTokens
	}
	if opts.MaxModelCalls <= 0 {
		opts.MaxModelCalls = defaultMaxModelCalls
	}
	if opts.Capabilities == nil {
		opts.Capabilities = sandbox.DetectCapabilities()
	}
	if opts.Registry == nil {
		opts.Registry = tools.NewRegistry()
	}
	if opts.History == nil {
		opts.History = history.New(opts.Client.ModelName(), 0)
	}

	return &Manager{
		sessionID:      opts.SessionID,
		workingDir:     opts.WorkingDir,
		systemPrompt:   opts.SystemPrompt,
		modelMaxTokens: opts.ModelMaxTokens,
		temperature:    opts.Temperature,
		maxModelCalls:  opts.MaxModelCalls,
		commandTimeout: opts.CommandTimeout,
		ch:             opts.Channel,
		engine:         opts.Engine,
		executor:       opts.Executor,
		caps:           opts.Capabilities,
		negotiator:     opts.Negotiator,
		cache:          opts.Cache,
		client:         opts.Client,
		registry:       opts.Registry,
		hist:           opts.History,
		log:            logger.Global().WithScope("session"),
		writableRoots:  append([]string(nil), opts.WritableRoots...),
		readableRoots:  append([]string(nil), opts.ReadableRoots...),
	}, nil
}

// SessionID returns the session's id.
func (m *Manager) SessionID() string { return m.sessionID }

// roots returns a snapshot of the declared roots.
func (m *Manager) roots() (writable, readable []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.writableRoots...),
		append([]string(nil), m.readableRoots...)
}

func (m *Manager) setRoots(writable, readable []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writableRoots = append([]string(nil), writable...)
	m.readableRoots = append([]string(nil), readable...)
}

// sandboxTier names the strongest isolation the host offers.
func (m *Manager) sandboxTier() string {
	switch {
	case m.caps.InsideSandbox:
		return "nested"
	case m.caps.LandlockAvailable:
		return "landlock"
	default:
		return "none"
	}
}

// emit sends an event on the outbound channel. Emission uses the
// session's base context so terminal events of a cancelled turn still
// reach the front end.
func (m *Manager) emit(msg protocol.EventMsg) {
	ctx := m.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := m.ch.Emit(ctx, msg); err != nil {
		m.log.Warn("dropped %s event: %v", msg.EventKind(), err)
	}
}

type turnOutcome struct {
	turn *Turn
	err  error
}

type queuedInput struct {
	submissionID string
	text         string
}

// Run consumes submissions until the channel closes, the context ends,
// a shutdown submission drains the running turn, or an internal
// invariant violation aborts the session.
func (m *Manager) Run(ctx context.Context) error {
	m.baseCtx = ctx

	writable, _ := m.roots()
	m.emit(protocol.SessionConfiguredEvent{
		SessionID:     m.sessionID,
		WorkingDir:    m.workingDir,
		WritableRoots: writable,
		SandboxTier:   m.sandboxTier(),
	})

	var (
		current    *Turn
		cancelTurn context.CancelFunc
		queue      []queuedInput
		shutting   bool
		turnDone   = make(chan turnOutcome, 1)
	)

	start := func(in queuedInput) {
		turn := NewTurn(protocol.NewID(), in.submissionID, in.text)
		turnCtx, cancel := context.WithCancel(ctx)
		current, cancelTurn = turn, cancel
		go func() {
			err := m.runTurn(turnCtx, turn)
			cancel()
			turnDone <- turnOutcome{turn: turn, err: err}
		}()
	}

	defer func() {
		if cancelTurn != nil {
			cancelTurn()
		}
		m.negotiator.CancelAll()
	}()

	for {
		select {
		case <-ctx.Done():
			if cancelTurn != nil {
				cancelTurn()
				<-turnDone
			}
			return ctx.Err()

		case out := <-turnDone:
			current, cancelTurn = nil, nil
			if out.err != nil {
				m.emit(protocol.ErrorEvent{
					Kind:    protocol.ErrKindInternal,
					Message: out.err.Error(),
				})
				return out.err
			}
			if shutting {
				return nil
			}
			if len(queue) > 0 {
				next := queue[0]
				queue = queue[1:]
				start(next)
			}

		case sub, ok := <-m.ch.Submissions():
			if !ok {
				if cancelTurn != nil {
					cancelTurn()
					<-turnDone
				}
				return nil
			}
			switch op := sub.Op.(type) {
			case protocol.UserInputOp:
				in := queuedInput{submissionID: sub.ID, text: op.Text}
				if current != nil {
					queue = append(queue, in)
					continue
				}
				start(in)

			case protocol.ApprovalResponseOp:
				resp := approval.Response{Decision: op.Decision, Scope: op.Scope}
				if err := m.negotiator.Resolve(op.RequestID, resp); err != nil {
					m.log.Warn("approval response for unknown request %s", op.RequestID)
				}

			case protocol.CancelOp:
				if current == nil {
					continue
				}
				if op.TurnID != "" && op.TurnID != current.ID {
					// Cancelling an already-terminal turn is a no-op.
					continue
				}
				cancelTurn()

			case protocol.ConfigureRootsOp:
				m.setRoots(op.WritableRoots, op.ReadableRoots)
				m.log.Info("roots reconfigured: %d writable, %d readable",
					len(op.WritableRoots), len(op.ReadableRoots))

			case protocol.ShutdownOp:
				if current == nil {
					return nil
				}
				shutting = true

			default:
				m.log.Warn("ignoring unknown submission kind %q", sub.Op.OpKind())
			}
		}
	}
}

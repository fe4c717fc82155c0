// Package sandbox executes approved commands under filesystem and
// network isolation. On Linux with Landlock support (kernel 5.13+) the
// command runs in a re-executed helper process that restricts itself
// before exec. Elsewhere, or when Landlock is unavailable, execution
// fails closed unless the session explicitly opted into unconfined
// runs.
package sandbox

import (
	"context"
	"time"
)

// Enforcement records whether the isolation a decision asked for was
// actually applied. Consumers surface it with every result so a
// degraded run is never mistaken for an enforced one.
type Enforcement string

const (
	// EnforcementEnforced means the kernel applied the constraint.
	EnforcementEnforced Enforcement = "enforced"
	// EnforcementDegraded means the command ran with weaker isolation
	// than requested (unconfined opt-in, or no isolation needed).
	EnforcementDegraded Enforcement = "degraded"
)

const (
	// MaxCaptureBytes bounds how much of each output stream is kept.
	MaxCaptureBytes = 128 * 1024
	// TruncationMarker is appended to a stream that hit the bound.
	TruncationMarker = "\n[... output truncated ...]"
)

// Spec describes one command execution request.
type Spec struct {
	Command    []string
	WorkingDir string
	// Env is the exact child environment. Nil means the minimal
	// default environment, never the parent's.
	Env []string
	// WritableRoots and ReadableRoots translate into the filesystem
	// rule set the child is confined to.
	WritableRoots []string
	ReadableRoots []string
	// AllowNetwork permits outbound TCP. Off by default.
	AllowNetwork bool
	// Timeout kills the whole process group when exceeded. Zero means
	// no timeout.
	Timeout time.Duration
	// Isolate requests kernel confinement. When false the command runs
	// directly (already-allowed read-only commands).
	Isolate bool
}

// Result is the outcome of one command execution.
type Result struct {
	ExitCode        int
	Stdout          []byte
	Stderr          []byte
	StdoutTruncated bool
	StderrTruncated bool
	Duration        time.Duration
	TimedOut        bool
	Enforcement     Enforcement
}

// OutputFunc receives output chunks as they arrive. The stream is
// "stdout" or "stderr". The chunk is only valid for the duration of the
// call.
type OutputFunc func(stream string, chunk []byte)

// Executor runs commands. Implementations decide how isolation is
// realized on the current platform.
type Executor interface {
	Run(ctx context.Context, spec *Spec, output OutputFunc) (*Result, error)
}

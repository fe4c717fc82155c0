package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/codefionn/schmiede/internal/logger"
)

// ErrIsolationUnavailable is returned when a spec asks for confinement
// the system cannot provide and unconfined execution was not opted
// into. Fail closed.
var ErrIsolationUnavailable = errors.New("sandbox: isolation unavailable on this system")

// HelperSubcommand is the hidden argv[1] that turns the binary into
// the sandbox helper instead of the agent.
const HelperSubcommand = "sandbox-helper"

// Local executes commands on this machine.
type Local struct {
	caps *Capabilities
	// allowUnconfined permits degraded execution when isolation is
	// requested but unavailable.
	allowUnconfined bool
	// selfPath is the binary re-executed as the helper.
	selfPath string
}

// NewLocal returns an executor using the detected capabilities.
func NewLocal(caps *Capabilities, allowUnconfined bool) (*Local, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve own binary: %w", err)
	}
	return &Local{
		caps:            caps,
		allowUnconfined: allowUnconfined,
		selfPath:        self,
	}, nil
}

// helperSpec is the JSON handed to the helper process on stdin.
type helperSpec struct {
	Command       []string `json:"command"`
	WorkingDir    string   `json:"working_dir"`
	Env           []string `json:"env"`
	WritableRoots []string `json:"writable_roots"`
	ReadableRoots []string `json:"readable_roots"`
	AllowNetwork  bool     `json:"allow_network"`
}

// Run executes the spec and streams output through the callback. The
// returned Result is non-nil whenever the command actually started.
func (l *Local) Run(ctx context.Context, spec *Spec, output OutputFunc) (*Result, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("sandbox: empty command")
	}

	cmd, enforcement, err := l.buildCommand(spec)
	if err != nil {
		return nil, err
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	setProcGroup(cmd)

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command[0], err)
	}

	stdout := newBoundedBuffer("stdout", output)
	stderr := newBoundedBuffer("stderr", output)

	var wg sync.WaitGroup
	wg.Add(2)
	go drain(&wg, stdout, stdoutPipe)
	go drain(&wg, stderr, stderrPipe)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var (
		timerC   <-chan time.Time
		timedOut bool
	)
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	var waitErr error
wait:
	for {
		select {
		case waitErr = <-done:
			break wait
		case <-ctx.Done():
			logger.Global().Warn("sandbox: terminating process group (pid=%d): %v", cmd.Process.Pid, ctx.Err())
			terminateGroup(cmd.Process.Pid)
			waitErr = <-done
			break wait
		case <-timerC:
			timedOut = true
			logger.Global().Warn("sandbox: process group (pid=%d) exceeded timeout %s", cmd.Process.Pid, spec.Timeout)
			terminateGroup(cmd.Process.Pid)
			timerC = nil
		}
	}
	wg.Wait()

	result := &Result{
		ExitCode:        exitCode(waitErr),
		Stdout:          stdout.bytes(),
		Stderr:          stderr.bytes(),
		StdoutTruncated: stdout.truncated,
		StderrTruncated: stderr.truncated,
		Duration:        time.Since(started),
		TimedOut:        timedOut,
		Enforcement:     enforcement,
	}

	if waitErr != nil && result.ExitCode < 0 && !timedOut && ctx.Err() == nil {
		return result, fmt.Errorf("wait for %s: %w", spec.Command[0], waitErr)
	}
	return result, nil
}

// buildCommand decides between direct, helper-confined and degraded
// execution.
func (l *Local) buildCommand(spec *Spec) (*exec.Cmd, Enforcement, error) {
	env := spec.Env
	if env == nil {
		env = MinimalEnv()
	}

	if !spec.Isolate {
		cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
		cmd.Dir = spec.WorkingDir
		cmd.Env = env
		return cmd, EnforcementEnforced, nil
	}

	if l.caps.InsideSandbox {
		// Outer restrictions already apply to every child.
		cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
		cmd.Dir = spec.WorkingDir
		cmd.Env = append(env, insideSandboxEnv+"=1")
		return cmd, EnforcementEnforced, nil
	}

	if l.caps.LandlockAvailable {
		payload, err := json.Marshal(helperSpec{
			Command:       spec.Command,
			WorkingDir:    spec.WorkingDir,
			Env:           append(env, insideSandboxEnv+"=1"),
			WritableRoots: spec.WritableRoots,
			ReadableRoots: spec.ReadableRoots,
			AllowNetwork:  spec.AllowNetwork,
		})
		if err != nil {
			return nil, "", fmt.Errorf("encode helper spec: %w", err)
		}
		cmd := exec.Command(l.selfPath, HelperSubcommand)
		cmd.Dir = spec.WorkingDir
		cmd.Env = env
		cmd.Stdin = newPayloadReader(payload)
		return cmd, EnforcementEnforced, nil
	}

	if !l.allowUnconfined {
		return nil, "", fmt.Errorf("%w: %s", ErrIsolationUnavailable, l.caps.SkipReason())
	}

	logger.Global().Warn("sandbox: running %s unconfined (%s)", spec.Command[0], l.caps.SkipReason())
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = env
	return cmd, EnforcementDegraded, nil
}

// MinimalEnv is the default child environment: enough to run common
// tools, nothing inherited beyond path and locale basics.
func MinimalEnv() []string {
	env := []string{}
	keep := []string{"PATH", "HOME", "LANG", "LC_ALL", "TERM", "TMPDIR", "USER"}
	for _, key := range keep {
		if value := os.Getenv(key); value != "" {
			env = append(env, key+"="+value)
		}
	}
	if len(env) == 0 || os.Getenv("PATH") == "" {
		env = append(env, "PATH=/usr/local/bin:/usr/bin:/bin")
	}
	return env
}

func drain(wg *sync.WaitGroup, dst *boundedBuffer, src io.Reader) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			dst.write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// boundedBuffer keeps at most MaxCaptureBytes and forwards every chunk
// to the output callback regardless of the bound.
type boundedBuffer struct {
	mu        sync.Mutex
	stream    string
	output    OutputFunc
	data      []byte
	truncated bool
}

func newBoundedBuffer(stream string, output OutputFunc) *boundedBuffer {
	return &boundedBuffer{stream: stream, output: output}
}

func (b *boundedBuffer) write(chunk []byte) {
	b.mu.Lock()
	if remaining := MaxCaptureBytes - len(b.data); remaining > 0 {
		if len(chunk) > remaining {
			b.data = append(b.data, chunk[:remaining]...)
			b.truncated = true
		} else {
			b.data = append(b.data, chunk...)
		}
	} else if len(chunk) > 0 {
		b.truncated = true
	}
	b.mu.Unlock()

	if b.output != nil {
		b.output(b.stream, chunk)
	}
}

func (b *boundedBuffer) bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return append(append([]byte(nil), b.data...), TruncationMarker...)
	}
	return append([]byte(nil), b.data...)
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// payloadReader hands a fixed payload to the child's stdin and then
// reports EOF.
type payloadReader struct {
	data []byte
	off  int
}

func newPayloadReader(data []byte) *payloadReader {
	return &payloadReader{data: data}
}

func (r *payloadReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.off:])
	r.off += n
	return n, nil
}

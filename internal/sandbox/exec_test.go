package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unconfined executor for plain command plumbing tests.
func testExecutor(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(&Capabilities{}, true)
	require.NoError(t, err)
	return l
}

func TestRunCapturesOutput(t *testing.T) {
	l := testExecutor(t)

	result, err := l.Run(context.Background(), &Spec{
		Command:    []string{"sh", "-c", "echo out; echo err >&2"},
		WorkingDir: t.TempDir(),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "out\n", string(result.Stdout))
	assert.Equal(t, "err\n", string(result.Stderr))
	assert.False(t, result.TimedOut)
	assert.Equal(t, EnforcementEnforced, result.Enforcement)
}

func TestRunReportsExitCode(t *testing.T) {
	l := testExecutor(t)

	result, err := l.Run(context.Background(), &Spec{
		Command:    []string{"sh", "-c", "exit 3"},
		WorkingDir: t.TempDir(),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
}

func TestRunStreamsChunks(t *testing.T) {
	l := testExecutor(t)

	var mu struct {
		stdout bytes.Buffer
	}
	result, err := l.Run(context.Background(), &Spec{
		Command:    []string{"sh", "-c", "printf hello"},
		WorkingDir: t.TempDir(),
	}, func(stream string, chunk []byte) {
		if stream == "stdout" {
			mu.stdout.Write(chunk)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", mu.stdout.String())
	assert.Equal(t, "hello", string(result.Stdout))
}

func TestRunTimeoutKills(t *testing.T) {
	l := testExecutor(t)

	start := time.Now()
	result, err := l.Run(context.Background(), &Spec{
		Command:    []string{"sleep", "30"},
		WorkingDir: t.TempDir(),
		Timeout:    200 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	assert.True(t, result.TimedOut)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunContextCancel(t *testing.T) {
	l := testExecutor(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	result, err := l.Run(ctx, &Spec{
		Command:    []string{"sleep", "30"},
		WorkingDir: t.TempDir(),
	}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, 0, result.ExitCode)
}

func TestRunIsolationUnavailableFailsClosed(t *testing.T) {
	l, err := NewLocal(&Capabilities{}, false)
	require.NoError(t, err)

	_, err = l.Run(context.Background(), &Spec{
		Command:    []string{"true"},
		WorkingDir: t.TempDir(),
		Isolate:    true,
	}, nil)
	assert.True(t, errors.Is(err, ErrIsolationUnavailable))
}

func TestRunUnconfinedOptInIsDegraded(t *testing.T) {
	l := testExecutor(t)

	result, err := l.Run(context.Background(), &Spec{
		Command:    []string{"true"},
		WorkingDir: t.TempDir(),
		Isolate:    true,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, EnforcementDegraded, result.Enforcement)
}

func TestRunTruncatesAtBound(t *testing.T) {
	l := testExecutor(t)

	result, err := l.Run(context.Background(), &Spec{
		Command:    []string{"sh", "-c", "head -c 300000 /dev/zero | tr '\\0' 'x'"},
		WorkingDir: t.TempDir(),
	}, nil)
	require.NoError(t, err)
	assert.True(t, result.StdoutTruncated)
	assert.True(t, strings.HasSuffix(string(result.Stdout), TruncationMarker))
	assert.LessOrEqual(t, len(result.Stdout), MaxCaptureBytes+len(TruncationMarker))
}

func TestBoundedBufferForwardsPastBound(t *testing.T) {
	var forwarded int
	buf := newBoundedBuffer("stdout", func(stream string, chunk []byte) {
		forwarded += len(chunk)
	})

	chunk := bytes.Repeat([]byte("a"), 100*1024)
	buf.write(chunk)
	buf.write(chunk)

	assert.Equal(t, 200*1024, forwarded)
	assert.True(t, buf.truncated)
	assert.Equal(t, MaxCaptureBytes+len(TruncationMarker), len(buf.bytes()))
}

func TestMinimalEnvHasPath(t *testing.T) {
	env := MinimalEnv()
	found := false
	for _, entry := range env {
		if strings.HasPrefix(entry, "PATH=") {
			found = true
		}
		assert.False(t, strings.HasPrefix(entry, "SSH_"), "leaked entry %s", entry)
	}
	assert.True(t, found)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, -1, exitCode(errors.New("boom")))

	err := exec.Command("sh", "-c", "exit 7").Run()
	assert.Equal(t, 7, exitCode(err))
}

func TestCapabilitiesSkipReason(t *testing.T) {
	caps := &Capabilities{LandlockAvailable: true}
	assert.Empty(t, caps.SkipReason())
	assert.True(t, caps.CanIsolate())

	caps = &Capabilities{InsideSandbox: true}
	assert.True(t, caps.CanIsolate())

	caps = &Capabilities{}
	assert.False(t, caps.CanIsolate())
	assert.NotEmpty(t, caps.SkipReason())
}

package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/schmiede/internal/approval"
	"github.com/codefionn/schmiede/internal/config"
	"github.com/codefionn/schmiede/internal/llm"
	"github.com/codefionn/schmiede/internal/policy"
	"github.com/codefionn/schmiede/internal/protocol"
	"github.com/codefionn/schmiede/internal/sandbox"
)

// The two mode entry points share the provider client type.
var (
	_ func(context.Context, *config.Config, *policy.Engine, sandbox.Executor,
		*sandbox.Capabilities, approval.Persister, llm.Client) error = runServe
	_ func(context.Context, *config.Config, *policy.Engine, sandbox.Executor,
		*sandbox.Capabilities, approval.Persister, llm.Client, string) error = runConsole
)

func TestParseApprovalAnswer(t *testing.T) {
	tests := []struct {
		input    string
		decision protocol.ReviewDecision
		scope    protocol.ApprovalScope
	}{
		{"y", protocol.ReviewApprove, protocol.ScopeOnce},
		{"YES", protocol.ReviewApprove, protocol.ScopeOnce},
		{"s", protocol.ReviewApprove, protocol.ScopeSession},
		{"exact", protocol.ReviewApprove, protocol.ScopeCommand},
		{"n", protocol.ReviewDeny, protocol.ApprovalScope("")},
		{"", protocol.ReviewDeny, protocol.ApprovalScope("")},
	}

	for _, tt := range tests {
		decision, scope := parseApprovalAnswer(tt.input)
		assert.Equal(t, tt.decision, decision, "input %q", tt.input)
		assert.Equal(t, tt.scope, scope, "input %q", tt.input)
	}
}

func TestStringSliceFlag(t *testing.T) {
	var roots stringSlice
	require.NoError(t, roots.Set("/tmp/a"))
	require.NoError(t, roots.Set("/tmp/b"))
	assert.Equal(t, []string{"/tmp/a", "/tmp/b"}, []string(roots))
	assert.Equal(t, "/tmp/a,/tmp/b", roots.String())
}

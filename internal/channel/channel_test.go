package channel

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/schmiede/internal/protocol"
)

func TestSubmitPreservesOrder(t *testing.T) {
	ch := New(8)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sub := protocol.Submission{
			ID: fmt.Sprintf("s%d", i),
			Op: protocol.UserInputOp{Text: fmt.Sprintf("input %d", i)},
		}
		require.NoError(t, ch.Submit(ctx, sub))
	}

	for i := 0; i < 5; i++ {
		got := <-ch.Submissions()
		assert.Equal(t, fmt.Sprintf("s%d", i), got.ID)
	}
}

func TestEmitAssignsEventIDs(t *testing.T) {
	ch := New(2)
	require.NoError(t, ch.Emit(context.Background(), protocol.TurnStartedEvent{TurnID: "t1"}))

	ev := <-ch.Events()
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, protocol.TurnStartedEvent{TurnID: "t1"}, ev.Msg)
}

func TestSubmitBlocksWhenFull(t *testing.T) {
	ch := New(1)
	ctx := context.Background()
	require.NoError(t, ch.Submit(ctx, protocol.Submission{ID: "s1", Op: protocol.ShutdownOp{}}))

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := ch.Submit(blocked, protocol.Submission{ID: "s2", Op: protocol.ShutdownOp{}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClosedChannelRejects(t *testing.T) {
	ch := New(2)
	ch.Close()
	ch.Close() // idempotent

	err := ch.Submit(context.Background(), protocol.Submission{ID: "s1", Op: protocol.ShutdownOp{}})
	assert.ErrorIs(t, err, ErrClosed)

	err = ch.Emit(context.Background(), protocol.TurnCompletedEvent{TurnID: "t1"})
	assert.ErrorIs(t, err, ErrClosed)
}

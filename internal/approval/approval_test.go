package approval

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/schmiede/internal/protocol"
	"github.com/codefionn/schmiede/internal/store"
)

func TestCacheOnceIsNotRemembered(t *testing.T) {
	cache := NewCache(nil)
	command := []string{"curl", "https://example.com"}

	cache.Record(command, protocol.ScopeOnce)
	assert.False(t, cache.IsApproved(command))
}

func TestCacheSessionScopeCoversShape(t *testing.T) {
	cache := NewCache(nil)

	cache.Record([]string{"git", "push", "origin", "main"}, protocol.ScopeSession)

	assert.True(t, cache.IsApproved([]string{"git", "push", "origin", "main"}))
	assert.True(t, cache.IsApproved([]string{"git", "push", "upstream", "dev"}))
	assert.False(t, cache.IsApproved([]string{"git", "pull"}))
	assert.False(t, cache.IsApproved([]string{"curl", "https://example.com"}))
}

func TestCacheExactScopeCoversOnlyIdenticalCommand(t *testing.T) {
	cache := NewCache(nil)
	command := []string{"npm", "install", "left-pad"}

	cache.Record(command, protocol.ScopeCommand)

	assert.True(t, cache.IsApproved(command))
	assert.False(t, cache.IsApproved([]string{"npm", "install", "express"}))
}

func TestCachePersistsExactScope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "approvals.db")
	s, err := store.Open(path)
	require.NoError(t, err)

	command := []string{"go", "get", "golang.org/x/sync"}
	NewCache(s).Record(command, protocol.ScopeCommand)
	require.NoError(t, s.Close())

	s, err = store.Open(path)
	require.NoError(t, err)
	defer s.Close()

	fresh := NewCache(s)
	assert.True(t, fresh.IsApproved(command))
	assert.False(t, fresh.IsApproved([]string{"go", "get", "other"}))
}

func TestNegotiatorResolve(t *testing.T) {
	n := NewNegotiator(0)

	var wg sync.WaitGroup
	wg.Add(1)
	var resp Response
	var reqErr error
	go func() {
		defer wg.Done()
		resp, reqErr = n.Request(context.Background(), &Request{ID: "r1", Command: []string{"curl", "x"}})
	}()

	require.Eventually(t, func() bool {
		return len(n.Pending()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, n.Resolve("r1", Response{Decision: protocol.ReviewApprove, Scope: protocol.ScopeSession}))
	wg.Wait()

	require.NoError(t, reqErr)
	assert.Equal(t, protocol.ReviewApprove, resp.Decision)
	assert.Equal(t, protocol.ScopeSession, resp.Scope)
	assert.Empty(t, n.Pending())
}

func TestNegotiatorResolveUnknownID(t *testing.T) {
	n := NewNegotiator(0)
	assert.Error(t, n.Resolve("missing", Response{}))
}

func TestNegotiatorContextCancelDenies(t *testing.T) {
	n := NewNegotiator(0)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	resp, err := n.Request(ctx, &Request{ID: "r1"})
	assert.Error(t, err)
	assert.Equal(t, protocol.ReviewDeny, resp.Decision)
}

func TestNegotiatorTimeoutDenies(t *testing.T) {
	n := NewNegotiator(30 * time.Millisecond)

	resp, err := n.Request(context.Background(), &Request{ID: "r1"})
	assert.Error(t, err)
	assert.Equal(t, protocol.ReviewDeny, resp.Decision)
	assert.Empty(t, n.Pending())
}

func TestNegotiatorCancelAll(t *testing.T) {
	n := NewNegotiator(0)

	var wg sync.WaitGroup
	responses := make([]Response, 2)
	for i, id := range []string{"r1", "r2"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			responses[i], _ = n.Request(context.Background(), &Request{ID: id})
		}(i, id)
	}

	require.Eventually(t, func() bool {
		return len(n.Pending()) == 2
	}, time.Second, 5*time.Millisecond)

	n.CancelAll()
	wg.Wait()

	for _, resp := range responses {
		assert.Equal(t, protocol.ReviewDeny, resp.Decision)
	}
}

func TestNegotiatorDuplicateRequestID(t *testing.T) {
	n := NewNegotiator(0)

	go func() {
		_, _ = n.Request(context.Background(), &Request{ID: "dup"})
	}()
	require.Eventually(t, func() bool {
		return len(n.Pending()) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := n.Request(context.Background(), &Request{ID: "dup"})
	assert.Error(t, err)

	require.NoError(t, n.Resolve("dup", Response{Decision: protocol.ReviewApprove}))
}

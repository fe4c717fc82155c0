// Package approval negotiates user approvals for commands the policy
// cannot decide on its own, and remembers grants at the scope the user
// chose.
package approval

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/codefionn/schmiede/internal/logger"
	"github.com/codefionn/schmiede/internal/policy"
	"github.com/codefionn/schmiede/internal/protocol"
)

// Persister stores exact-command approvals across sessions. *store.Store
// satisfies it.
type Persister interface {
	SaveApproval(key, command string) error
	HasApproval(key string) (bool, error)
}

// Cache remembers approvals granted during the session. Session-scoped
// grants cover every command with the same shape (program plus
// subcommand); exact grants cover only the identical argv and are
// persisted when a store is attached.
type Cache struct {
	mu      sync.RWMutex
	session map[uint64]struct{}
	exact   map[uint64]struct{}
	store   Persister
}

// NewCache returns a cache, optionally backed by a persistent store
// (nil keeps everything in memory).
func NewCache(store Persister) *Cache {
	return &Cache{
		session: make(map[uint64]struct{}),
		exact:   make(map[uint64]struct{}),
		store:   store,
	}
}

func sessionKey(command []string) uint64 {
	return xxhash.Sum64String(policy.ShapeKey(command))
}

func exactKey(command []string) uint64 {
	return xxhash.Sum64String(policy.ExactKey(command))
}

func persistKey(command []string) string {
	return fmt.Sprintf("%016x", exactKey(command))
}

// Record remembers a grant at the given scope. ScopeOnce is not
// remembered at all.
func (c *Cache) Record(command []string, scope protocol.ApprovalScope) {
	switch scope {
	case protocol.ScopeOnce:
		return
	case protocol.ScopeSession:
		c.mu.Lock()
		c.session[sessionKey(command)] = struct{}{}
		c.mu.Unlock()
	case protocol.ScopeCommand:
		c.mu.Lock()
		c.exact[exactKey(command)] = struct{}{}
		c.mu.Unlock()
		if c.store != nil {
			if err := c.store.SaveApproval(persistKey(command), strings.Join(command, " ")); err != nil {
				logger.Global().Warn("approval: persisting grant failed: %v", err)
			}
		}
	}
}

// IsApproved reports whether command is covered by an earlier grant.
func (c *Cache) IsApproved(command []string) bool {
	if len(command) == 0 {
		return false
	}

	c.mu.RLock()
	_, exactHit := c.exact[exactKey(command)]
	_, sessionHit := c.session[sessionKey(command)]
	c.mu.RUnlock()
	if exactHit || sessionHit {
		return true
	}

	if c.store != nil {
		hit, err := c.store.HasApproval(persistKey(command))
		if err != nil {
			logger.Global().Warn("approval: store lookup failed: %v", err)
			return false
		}
		if hit {
			// Promote so repeated lookups stay in memory.
			c.mu.Lock()
			c.exact[exactKey(command)] = struct{}{}
			c.mu.Unlock()
			return true
		}
	}
	return false
}

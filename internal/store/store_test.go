package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "approvals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndHasApproval(t *testing.T) {
	s := openTestStore(t)

	ok, err := s.HasApproval("abc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveApproval("abc", "git push origin main"))

	ok, err = s.HasApproval("abc")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSaveApprovalIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveApproval("abc", "curl https://example.com"))
	require.NoError(t, s.SaveApproval("abc", "curl https://example.com"))

	approvals, err := s.ListApprovals()
	require.NoError(t, err)
	assert.Len(t, approvals, 1)
}

func TestRemoveApproval(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveApproval("abc", "go get ./..."))
	require.NoError(t, s.RemoveApproval("abc"))

	ok, err := s.HasApproval("abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReopenKeepsApprovals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "approvals.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveApproval("abc", "npm install"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	ok, err := s.HasApproval("abc")
	require.NoError(t, err)
	assert.True(t, ok)
}

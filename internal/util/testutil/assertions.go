package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RuntimeHome creates a fresh CCCC runtime home directory tree
// (registry.json, daemon/, groups/) under t.TempDir() and returns its
// path. Cleanup is automatic via t.TempDir().
func RuntimeHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, "daemon"), 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(home, "groups"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(home, "registry.json"), []byte("[]"), 0o600))
	return home
}

// AssertEventually is a convenience wrapper around assert.Eventually
// with standardized timeout (10s) and polling interval (10ms).
func AssertEventually(t *testing.T, condition func() bool, msgAndArgs ...interface{}) bool {
	t.Helper()
	return assert.Eventually(t, condition, 10*time.Second, 10*time.Millisecond, msgAndArgs...)
}

// RequireEventually is a convenience wrapper around require.Eventually
// with standardized timeout (10s) and polling interval (10ms).
func RequireEventually(t *testing.T, condition func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, condition, 10*time.Second, 10*time.Millisecond, msgAndArgs...)
}

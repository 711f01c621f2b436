package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// testBackingOverlay opens a fresh BackingOverlay in a temporary
// directory, cleaned up automatically by t.TempDir().
func testBackingOverlay(t *testing.T) *BackingOverlay {
	t.Helper()
	path := filepath.Join(t.TempDir(), "overlay.db")
	b, err := OpenBackingOverlay(path)
	require.NoError(t, err)
	t.Cleanup(func() { b.sqlDB.Close() })
	return b
}

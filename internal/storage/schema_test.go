package storage

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSchemaConstants(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "1", SchemaVersion)
	assert.Equal(t, 30000, DefaultBusyTimeout)
}

func TestGetBusyTimeout(t *testing.T) {
	t.Run("default when unset", func(t *testing.T) {
		os.Unsetenv(EnvBusyTimeoutVar)
		assert.Equal(t, DefaultBusyTimeout, GetBusyTimeout())
	})

	t.Run("override when set", func(t *testing.T) {
		os.Setenv(EnvBusyTimeoutVar, "5000")
		defer os.Unsetenv(EnvBusyTimeoutVar)
		assert.Equal(t, 5000, GetBusyTimeout())
	})

	t.Run("ignores invalid override", func(t *testing.T) {
		os.Setenv(EnvBusyTimeoutVar, "not-a-number")
		defer os.Unsetenv(EnvBusyTimeoutVar)
		assert.Equal(t, DefaultBusyTimeout, GetBusyTimeout())
	})

	t.Run("ignores non-positive override", func(t *testing.T) {
		os.Setenv(EnvBusyTimeoutVar, "-1")
		defer os.Unsetenv(EnvBusyTimeoutVar)
		assert.Equal(t, DefaultBusyTimeout, GetBusyTimeout())
	})
}

func TestBuildDSN(t *testing.T) {
	t.Parallel()

	dsn := BuildDSN("/tmp/overlay.db", 1234)
	assert.Contains(t, dsn, "/tmp/overlay.db")
	assert.Contains(t, dsn, "_journal_mode=WAL")
	assert.Contains(t, dsn, "_busy_timeout=1234")
}

func TestSplitStatements(t *testing.T) {
	t.Parallel()

	script := `
-- a comment
CREATE TABLE a (x INTEGER);
CREATE TABLE b (
    y INTEGER
);
`
	stmts := splitStatements(script)
	assert.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE TABLE b")
}

func TestFirstLine(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "one", firstLine("one\ntwo\nthree"))
	assert.Equal(t, "solo", firstLine("solo"))
}

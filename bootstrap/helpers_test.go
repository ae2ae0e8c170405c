package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEnsureWorkDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "work", "nested")
	abs, err := EnsureWorkDir(dir, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(abs))

	info, err := os.Stat(abs)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestEnsureWorkDir_RejectsNullByte(t *testing.T) {
	_, err := EnsureWorkDir("work\x00dir", zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestClassifyConnectionError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{name: "nil error returns empty string", err: nil, contains: ""},
		{name: "refused", err: fmt.Errorf("dial: %w", syscall.ECONNREFUSED), contains: "Connection refused by MongoDB"},
		{name: "server selection", err: errors.New("server selection error: context deadline exceeded"), contains: "Cannot reach any MongoDB server"},
		{name: "auth", err: errors.New("auth error: sasl conversation error"), contains: "Authentication failed"},
		{name: "fallback redacts", err: errors.New("bad uri mongodb://user:hunter2@db"), contains: "Failed to connect to MongoDB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ClassifyConnectionError(tt.err, "MongoDB", "iocpipe")
			if tt.contains == "" {
				assert.Empty(t, result)
				return
			}
			assert.Contains(t, result, tt.contains)
			assert.NotContains(t, result, "hunter2")
		})
	}
}

func TestClassifySQLiteError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{name: "nil error returns empty string", err: nil, contains: ""},
		{name: "locked", err: errors.New("database is locked (5) (SQLITE_BUSY)"), contains: "locked by another process"},
		{name: "permission", err: errors.New("open: permission denied"), contains: "Permission denied"},
		{name: "corrupt", err: errors.New("file is not a database (26): malformed"), contains: "corrupted"},
		{name: "traversal", err: errors.New("invalid database path: path traversal not allowed"), contains: "Rejected SQLite path"},
		{name: "other", err: errors.New("boom"), contains: "Failed to initialize SQLite"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ClassifySQLiteError(tt.err, "/data/iocpipe.db")
			if tt.contains == "" {
				assert.Empty(t, result)
				return
			}
			assert.Contains(t, result, tt.contains)
		})
	}
}

func TestContainsIgnoreCase(t *testing.T) {
	assert.True(t, containsIgnoreCase("Database Is Locked", "database is locked"))
	assert.True(t, containsIgnoreCase("anything", ""))
	assert.False(t, containsIgnoreCase("short", "much longer"))
}

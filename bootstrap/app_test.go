package bootstrap

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"iocpipe/config"
	"iocpipe/core"
	"iocpipe/query"
	"iocpipe/util/runlock"
)

func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	body := "general:\n  work_dir: " + filepath.Join(dir, "work") + "\n" +
		"storage:\n  backend: sqlite\n" +
		"sqlite:\n  path: " + filepath.Join(dir, "iocs.db") + "\n" +
		"lock:\n  path: " + filepath.Join(dir, "ingest.lock") + "\n" +
		"misp:\n  url: https://misp.example.org\n  token: key\n" + extra
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	return cfg
}

func TestApp_FeedEngineRegistersEveryFormat(t *testing.T) {
	app := NewApp(testConfig(t, ""), zap.NewNop().Sugar())
	defer app.Shutdown(context.Background())

	engine, err := app.FeedEngine(context.Background(), nil)
	require.NoError(t, err)
	for _, format := range []core.FeedFormat{core.FeedFormatVendor, core.FeedFormatEvent, core.FeedFormatCSV} {
		_, ok := engine.Handler(format)
		assert.True(t, ok, "handler for %s", format)
	}

	store, err := app.Store(context.Background())
	require.NoError(t, err)
	again, err := app.Store(context.Background())
	require.NoError(t, err)
	assert.Same(t, store, again)
}

func TestApp_RunLockBackends(t *testing.T) {
	app := NewApp(testConfig(t, ""), nil)
	_, ok := app.RunLock().(*runlock.FileLock)
	assert.True(t, ok)

	mr := miniredis.RunT(t)
	app = NewApp(testConfig(t, "redis:\n  addr: "+mr.Addr()+"\nlock:\n  backend: redis\n"), nil)
	defer app.Shutdown(context.Background())

	lock := app.RunLock()
	_, ok = lock.(*runlock.RedisLock)
	require.True(t, ok)
	require.NoError(t, lock.Acquire(context.Background()))
	assert.ErrorIs(t, app.RunLock().Acquire(context.Background()), runlock.ErrLocked)
	require.NoError(t, lock.Release(context.Background()))
}

func TestApp_QueryEngine(t *testing.T) {
	app := NewApp(testConfig(t, ""), nil)
	_, err := app.QueryEngine(app.Config.Query)
	require.NoError(t, err)

	bad := app.Config.Query
	bad.CategoryRules = []string{"(unclosed"}
	_, err = app.QueryEngine(bad)
	assert.ErrorIs(t, err, query.ErrInvalidRule)
}

func TestInitLogger(t *testing.T) {
	var console bytes.Buffer
	errPath := filepath.Join(t.TempDir(), "logs", "errors.json")

	logger, sugar, err := InitLogger(LogOptions{Level: "warn", ErrorLogPath: errPath, NoColor: true, Console: &console})
	require.NoError(t, err)

	sugar.Info("hidden")
	sugar.Warnw("shown", "feed", "abuse")
	sugar.Errorw("persisted", "feed", "abuse")
	_ = logger.Sync()

	out := console.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "shown")

	data, err := os.ReadFile(errPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"persisted"`)
	assert.NotContains(t, string(data), "shown")
}

func TestInitLogger_InvalidLevel(t *testing.T) {
	_, _, err := InitLogger(LogOptions{Level: "loud"})
	assert.Error(t, err)
}

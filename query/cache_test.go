package query

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"iocpipe/core"
)

type countingLoader struct {
	calls  map[string]int
	events map[string]map[string]any
	err    error
}

func newCountingLoader() *countingLoader {
	return &countingLoader{
		calls: make(map[string]int),
		events: map[string]map[string]any{
			"7": {"id": "7", "info": "Phishing wave", "threat_level_id": json.Number("2")},
		},
	}
}

func (l *countingLoader) load(_ context.Context, id string) (map[string]any, error) {
	l.calls[id]++
	if l.err != nil {
		return nil, l.err
	}
	ev, ok := l.events[id]
	if !ok {
		return nil, errors.New("not found")
	}
	// Hand out a copy so normalization never touches the fixture.
	out := make(map[string]any, len(ev))
	for k, v := range ev {
		out[k] = v
	}
	return out, nil
}

func TestEventCache_MemoryTier(t *testing.T) {
	loader := newCountingLoader()
	cache, err := NewEventCache(8, nil, time.Minute, loader.load, zap.NewNop().Sugar())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ev, err := cache.Get(context.Background(), "7")
		require.NoError(t, err)
		assert.Equal(t, "Phishing wave", ev["info"])
		assert.Equal(t, int64(2), ev["threat_level_id"])
	}

	assert.Equal(t, 1, loader.calls["7"])
	assert.Equal(t, 1, cache.Len())
}

func TestEventCache_RedisTierSharedAcrossRuns(t *testing.T) {
	mr := miniredis.RunT(t)
	remote := core.NewRedisCache(mr.Addr(), "", 0, 4, zap.NewNop().Sugar())
	t.Cleanup(func() { _ = remote.Close() })

	loader := newCountingLoader()
	first, err := NewEventCache(8, remote, time.Hour, loader.load, zap.NewNop().Sugar())
	require.NoError(t, err)
	_, err = first.Get(context.Background(), "7")
	require.NoError(t, err)
	assert.True(t, mr.Exists(eventKeyPrefix+"7"))
	assert.Equal(t, time.Hour, mr.TTL(eventKeyPrefix+"7"))

	second, err := NewEventCache(8, remote, time.Hour, loader.load, zap.NewNop().Sugar())
	require.NoError(t, err)
	ev, err := second.Get(context.Background(), "7")
	require.NoError(t, err)

	assert.Equal(t, 1, loader.calls["7"])
	assert.Equal(t, "Phishing wave", ev["info"])
	assert.Equal(t, int64(2), ev["threat_level_id"])
}

func TestEventCache_RedisDownFallsBackToLoader(t *testing.T) {
	mr := miniredis.RunT(t)
	remote := core.NewRedisCache(mr.Addr(), "", 0, 4, zap.NewNop().Sugar())
	t.Cleanup(func() { _ = remote.Close() })
	mr.Close()

	loader := newCountingLoader()
	cache, err := NewEventCache(8, remote, time.Hour, loader.load, zap.NewNop().Sugar())
	require.NoError(t, err)

	ev, err := cache.Get(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, "Phishing wave", ev["info"])
	assert.Equal(t, 1, loader.calls["7"])
}

func TestEventCache_LoaderError(t *testing.T) {
	loader := newCountingLoader()
	loader.err = ErrRemote
	cache, err := NewEventCache(8, nil, time.Minute, loader.load, zap.NewNop().Sugar())
	require.NoError(t, err)

	_, err = cache.Get(context.Background(), "7")
	assert.ErrorIs(t, err, ErrRemote)
	assert.Equal(t, 0, cache.Len())
}

package state

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupIngestState(t *testing.T) *IngestState {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewIngestState(NewRedisKVStore(client), "foxlink", zap.NewNop())
}

func TestWatermark_MissingReturnsFalse(t *testing.T) {
	s := setupIngestState(t)

	_, ok := s.Watermark(context.Background(), "rawdata", "events")

	assert.False(t, ok)
}

func TestWatermark_RoundTrip(t *testing.T) {
	s := setupIngestState(t)
	ctx := context.Background()

	mark := time.Now().Truncate(time.Second)
	s.SetWatermark(ctx, "rawdata", "events", mark)

	got, ok := s.Watermark(ctx, "rawdata", "events")

	require.True(t, ok)
	assert.Equal(t, mark.Unix(), got.Unix())
}

func TestWatermark_IsolatedPerSource(t *testing.T) {
	s := setupIngestState(t)
	ctx := context.Background()

	s.SetWatermark(ctx, "rawdata", "events", time.Now())

	_, ok := s.Watermark(ctx, "rawdata", "other_events")
	assert.False(t, ok)

	_, ok = s.Watermark(ctx, "other_host", "events")
	assert.False(t, ok)
}

func TestSeen_MarkAndCheck(t *testing.T) {
	s := setupIngestState(t)
	ctx := context.Background()

	assert.False(t, s.Seen(ctx, "rawdata", "events", 11))

	s.MarkSeen(ctx, "rawdata", "events", 11)

	assert.True(t, s.Seen(ctx, "rawdata", "events", 11))
	assert.False(t, s.Seen(ctx, "rawdata", "events", 12))
}

func TestRedisKVStore_MissIsErrCacheMiss(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	kv := NewRedisKVStore(client)

	_, err = kv.Get(context.Background(), "missing")
	assert.Equal(t, ErrCacheMiss, err)
}

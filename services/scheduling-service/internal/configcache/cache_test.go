package configcache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/booking"
	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/model"
)

type countingSource struct {
	schedules map[string]model.ProviderSchedule
	reads     int
}

func (s *countingSource) ProviderSchedule(_ context.Context, id string) (model.ProviderSchedule, error) {
	s.reads++
	sched, ok := s.schedules[id]
	if !ok {
		return model.ProviderSchedule{}, booking.ErrNotFound
	}
	return sched, nil
}

func setup(t *testing.T) (*miniredis.Miniredis, *countingSource, *Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	src := &countingSource{schedules: map[string]model.ProviderSchedule{"P1": model.DefaultSchedule("P1")}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return mr, src, New(rdb, src, time.Minute, logger)
}

func TestCache_ReadThrough(t *testing.T) {
	mr, src, cache := setup(t)
	ctx := context.Background()

	first, err := cache.ProviderSchedule(ctx, "P1")
	require.NoError(t, err)
	second, err := cache.ProviderSchedule(ctx, "P1")
	require.NoError(t, err)

	assert.Equal(t, 1, src.reads)
	assert.Equal(t, first.WorkStart, second.WorkStart)
	assert.Equal(t, 30, second.SlotMinutes)
	assert.True(t, mr.Exists(keyPrefix+"P1"))
	assert.Equal(t, time.Minute, mr.TTL(keyPrefix+"P1"))

	mr.FastForward(2 * time.Minute)
	_, err = cache.ProviderSchedule(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 2, src.reads)
}

func TestCache_InvalidateAndMiss(t *testing.T) {
	mr, src, cache := setup(t)
	ctx := context.Background()

	_, err := cache.ProviderSchedule(ctx, "P1")
	require.NoError(t, err)
	require.NoError(t, cache.Invalidate(ctx, "P1"))
	assert.False(t, mr.Exists(keyPrefix+"P1"))

	_, err = cache.ProviderSchedule(ctx, "ghost")
	require.ErrorIs(t, err, booking.ErrNotFound)
	assert.False(t, mr.Exists(keyPrefix+"ghost"))
	assert.Equal(t, 2, src.reads)
}

func TestCache_RedisDownFallsBack(t *testing.T) {
	mr, src, cache := setup(t)
	mr.Close()

	s, err := cache.ProviderSchedule(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, "P1", s.ProviderID)
	assert.Equal(t, 1, src.reads)
}

func TestCache_CorruptEntry(t *testing.T) {
	mr, src, cache := setup(t)
	require.NoError(t, mr.Set(keyPrefix+"P1", "{not json"))

	_, err := cache.ProviderSchedule(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, 1, src.reads)
}

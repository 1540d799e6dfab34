package idgen

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/clock"
	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorker(t *testing.T, now time.Time) (*RedisIDWorker, *miniredis.Miniredis, *clock.MockClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	clk := clock.NewMockClock(now)
	return NewRedisIDWorker(rdb, clk), mr, clk
}

func TestNextID_StrictlyIncreasing(t *testing.T) {
	now := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	w, mr, _ := newWorker(t, now)
	ctx := context.Background()

	seen := make(map[int64]struct{}, 10000)
	var prev int64
	for i := 0; i < 10000; i++ {
		id, err := w.NextID(ctx, "order")
		require.NoError(t, err)
		require.Greater(t, id, prev)
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
		prev = id
	}

	counter, err := mr.Get("icr:order:2026:10:16")
	require.NoError(t, err)
	assert.Equal(t, "10000", counter)
}

func TestNextID_Layout(t *testing.T) {
	now := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	w, _, clk := newWorker(t, now)
	ctx := context.Background()

	id, err := w.NextID(ctx, "order")
	require.NoError(t, err)
	assert.Equal(t, now.Unix(), Timestamp(id))
	assert.Equal(t, int64(1), id&(1<<countBits-1))

	// 跨天后序列号重新开始
	clk.Add(24 * time.Hour)
	next, err := w.NextID(ctx, "order")
	require.NoError(t, err)
	assert.Greater(t, next, id)
	assert.Equal(t, int64(1), next&(1<<countBits-1))
}

func TestNextID_ConcurrentUnique(t *testing.T) {
	w, _, _ := newWorker(t, time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()

	var (
		mu  sync.Mutex
		ids = make(map[int64]struct{})
		wg  sync.WaitGroup
	)
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id, err := w.NextID(ctx, "order")
				assert.NoError(t, err)
				mu.Lock()
				ids[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1000)
}

func TestNextID_StoreUnavailable(t *testing.T) {
	w, mr, _ := newWorker(t, time.Now())
	mr.Close()

	_, err := w.NextID(context.Background(), "order")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

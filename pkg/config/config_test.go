package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("STREAM_CONSUMER", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "stream.orders", cfg.Stream.Name)
	assert.Equal(t, "g1", cfg.Stream.Group)
	assert.Equal(t, 2*time.Second, cfg.Stream.Block)
	assert.Equal(t, 30*time.Minute, cfg.Cache.ShopTTL)
	assert.Equal(t, 2*time.Minute, cfg.Cache.NullTTL)
	assert.Equal(t, 10*time.Second, cfg.Cache.LockTTL)
	assert.Equal(t, 10, cfg.Cache.RebuildWorkers)
	assert.NotEmpty(t, cfg.Stream.Consumer)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("STREAM_CONSUMER", "c1")
	t.Setenv("CACHE_NULL_TTL", "30s")
	t.Setenv("REDIS_SENTINEL_ADDRS", "s1:26379,s2:26379")
	t.Setenv("CACHE_HOT_SHOP_IDS", "1,2,3")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "c1", cfg.Stream.Consumer)
	assert.Equal(t, 30*time.Second, cfg.Cache.NullTTL)
	assert.Equal(t, []string{"s1:26379", "s2:26379"}, cfg.Redis.SentinelAddrs)
	assert.Equal(t, []int64{1, 2, 3}, cfg.Cache.HotShopIDs)
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	t.Setenv("CACHE_SHOP_TTL", "soon")

	_, err := LoadConfig()
	assert.Error(t, err)
}

package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/clock"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

// Loader 回源函数，数据不存在时返回 (nil, nil)
type Loader[T any, ID any] func(ctx context.Context, id ID) (*T, error)

type Options struct {
	Codec          Codec
	NullTTL        time.Duration
	LockTTL        time.Duration
	RebuildWorkers int
	RebuildQueue   int
	Clock          clock.Clock
}

// Client 旁路缓存：空值缓存防穿透，逻辑过期防击穿
type Client struct {
	rdb     redis.Cmdable
	codec   Codec
	log     *logrus.Logger
	cb      *gobreaker.CircuitBreaker
	sf      singleflight.Group
	pool    *RebuildPool
	clock   clock.Clock
	nullTTL time.Duration
	lockTTL time.Duration
	meter   metric.Meter

	hitTotal         uint64
	missTotal        uint64
	nullHitTotal     uint64
	bloomRejectTotal uint64
	rebuildTotal     uint64
	rebuildFailTotal uint64
	rebuildSkipTotal uint64
	decodeFailTotal  uint64
}

// Stats 计数器快照
type Stats struct {
	Hits         uint64
	Misses       uint64
	NullHits     uint64
	BloomRejects uint64
	Rebuilds     uint64
	RebuildFails uint64
	RebuildSkips uint64
	DecodeFails  uint64
}

func New(rdb redis.Cmdable, log *logrus.Logger, opts Options) *Client {
	if opts.Codec == nil {
		opts.Codec = JSONCodec{}
	}
	if opts.NullTTL <= 0 {
		opts.NullTTL = 2 * time.Minute
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Second
	}
	if opts.RebuildWorkers <= 0 {
		opts.RebuildWorkers = 10
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}

	st := gobreaker.Settings{
		Name:        "CacheCircuitBreaker",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,

		// 触发熔断的条件
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},

		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warnf("[CacheClient] CircuitBreaker %s state changed from %s to %s", name, from, to)
		},
	}

	c := &Client{
		rdb:     rdb,
		codec:   opts.Codec,
		log:     log,
		cb:      gobreaker.NewCircuitBreaker(st),
		pool:    NewRebuildPool(opts.RebuildWorkers, opts.RebuildQueue, log),
		clock:   opts.Clock,
		nullTTL: opts.NullTTL,
		lockTTL: opts.LockTTL,
		meter:   otel.GetMeterProvider().Meter("voucherservice.cache"),
	}
	c.registerMetrics()
	return c
}

// Close 等待正在执行的重建任务结束
func (c *Client) Close() {
	c.pool.Close()
}

func (c *Client) registerMetrics() {
	gauges := []struct {
		name string
		v    *uint64
	}{
		{"cache_hit_total", &c.hitTotal},
		{"cache_miss_total", &c.missTotal},
		{"cache_null_hit_total", &c.nullHitTotal},
		{"cache_bloom_reject_total", &c.bloomRejectTotal},
		{"cache_rebuild_total", &c.rebuildTotal},
		{"cache_rebuild_fail_total", &c.rebuildFailTotal},
		{"cache_rebuild_skip_total", &c.rebuildSkipTotal},
		{"cache_decode_fail_total", &c.decodeFailTotal},
	}

	for _, g := range gauges {
		v := g.v
		_, err := c.meter.Int64ObservableGauge(
			g.name,
			metric.WithUnit("{ops}"),
			metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
				obs.Observe(int64(atomic.LoadUint64(v)))
				return nil
			}),
		)
		if err != nil {
			c.log.Warnf("failed to register metric %s: %v", g.name, err)
		}
	}
}

func (c *Client) Stats() Stats {
	return Stats{
		Hits:         atomic.LoadUint64(&c.hitTotal),
		Misses:       atomic.LoadUint64(&c.missTotal),
		NullHits:     atomic.LoadUint64(&c.nullHitTotal),
		BloomRejects: atomic.LoadUint64(&c.bloomRejectTotal),
		Rebuilds:     atomic.LoadUint64(&c.rebuildTotal),
		RebuildFails: atomic.LoadUint64(&c.rebuildFailTotal),
		RebuildSkips: atomic.LoadUint64(&c.rebuildSkipTotal),
		DecodeFails:  atomic.LoadUint64(&c.decodeFailTotal),
	}
}

// Set 写入普通条目
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := c.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// SetWithLogicalExpire 写入逻辑过期条目，redis 层面不设置 TTL
func (c *Client) SetWithLogicalExpire(ctx context.Context, key string, value any, ttl time.Duration) error {
	return c.Set(ctx, key, LogicalEntry[any]{
		Data:       value,
		ExpireTime: c.clock.Now().Add(ttl),
	}, 0)
}

// RefreshLogical 只在 key 已存在时覆盖逻辑过期条目，返回是否写入
func (c *Client) RefreshLogical(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	data, err := c.codec.Marshal(LogicalEntry[any]{
		Data:       value,
		ExpireTime: c.clock.Now().Add(ttl),
	})
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", key, err)
	}
	ok, err := c.rdb.SetXX(ctx, key, data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return ok, nil
}

// Invalidate 数据库更新后删除缓存，由下一次读取回源
func (c *Client) Invalidate(ctx context.Context, keyPrefix string, id any) error {
	if err := c.rdb.Del(ctx, keyPrefix+fmt.Sprint(id)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// get 经过熔断器读取，第二个返回值表示 key 是否存在
func (c *Client) get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.cb.Execute(func() (interface{}, error) {
		res, err := c.rdb.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return res, nil
	})

	// 熔断器开启或 redis 异常
	if err != nil {
		c.log.Errorf("[CacheClient] Circuit breaker open or Redis error for key %s: %v", key, err)
		return "", false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if val == nil {
		return "", false, nil
	}
	return val.(string), true, nil
}

package idgen

import (
	"context"
	"errors"
	"fmt"

	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/clock"
	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/model"
	redis "github.com/redis/go-redis/v9"
)

const (
	// 2022-01-01T00:00:00Z
	beginTimestamp int64 = 1640995200
	countBits            = 32
)

var ErrStoreUnavailable = errors.New("idgen: store unavailable")

// RedisIDWorker 生成 时间戳(31位) + 当日序列号(32位) 的全局唯一 id
type RedisIDWorker struct {
	rdb   redis.Cmdable
	clock clock.Clock
}

func NewRedisIDWorker(rdb redis.Cmdable, clk clock.Clock) *RedisIDWorker {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &RedisIDWorker{rdb: rdb, clock: clk}
}

// NextID 按业务前缀生成 id，Redis 不可用时直接返回错误，没有本地降级
func (w *RedisIDWorker) NextID(ctx context.Context, keyPrefix string) (int64, error) {
	// 1. 时间戳
	now := w.clock.Now().UTC()
	timestamp := now.Unix() - beginTimestamp

	// 2. 序列号，按天分 key
	count, err := w.rdb.Incr(ctx, CounterKey(keyPrefix, now.Format("2006:01:02"))).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// 3. 拼接
	return timestamp<<countBits | count, nil
}

func CounterKey(keyPrefix, day string) string {
	return model.IDCounterKey + keyPrefix + ":" + day
}

// Timestamp 还原 id 中的秒级时间戳
func Timestamp(id int64) int64 {
	return id>>countBits + beginTimestamp
}

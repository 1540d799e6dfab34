package lock

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const keyPrefix = "lock:"

// 只有持有者才能删除，比较和删除必须在同一次脚本执行中完成
const LuaUnlock = `
	if redis.call('get', KEYS[1]) == ARGV[1] then
		return redis.call('del', KEYS[1])
	end
	return 0
`

var unlockScript = redis.NewScript(LuaUnlock)

var (
	// 进程级前缀 + 自增任务号 组成持有者标识
	processPrefix = uuid.NewString() + "-"
	taskSeq       uint64
)

// SimpleRedisLock 基于 SETNX 的分布式锁，每次加锁新建一个实例
type SimpleRedisLock struct {
	rdb      redis.Cmdable
	name     string
	holderID string
}

func New(rdb redis.Cmdable, name string) *SimpleRedisLock {
	return &SimpleRedisLock{
		rdb:      rdb,
		name:     name,
		holderID: processPrefix + strconv.FormatUint(atomic.AddUint64(&taskSeq, 1), 10),
	}
}

// TryLock 非阻塞加锁，false 表示锁被其他持有者占用
func (l *SimpleRedisLock) TryLock(ctx context.Context, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, l.Key(), l.holderID, ttl).Result()
}

// Unlock 释放锁，锁不属于自己（或已过期）时什么都不做
func (l *SimpleRedisLock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.rdb, []string{l.Key()}, l.holderID).Err()
}

func (l *SimpleRedisLock) Key() string {
	return keyPrefix + l.name
}

func (l *SimpleRedisLock) HolderID() string {
	return l.holderID
}

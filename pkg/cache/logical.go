package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/lock"
)

// LogicalEntry 逻辑过期条目
type LogicalEntry[T any] struct {
	Data       T         `json:"data" msgpack:"data"`
	ExpireTime time.Time `json:"expireTime" msgpack:"expireTime"`
}

func getLogical[T any](ctx context.Context, c *Client, key string) (*LogicalEntry[T], error) {
	val, found, err := c.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found || val == nullValue {
		return nil, nil
	}
	var entry LogicalEntry[T]
	if err := c.codec.Unmarshal([]byte(val), &entry); err != nil {
		atomic.AddUint64(&c.decodeFailTotal, 1)
		return nil, fmt.Errorf("decode logical entry %s: %w", key, err)
	}
	// 普通条目也能解码成功，但没有过期时间
	if entry.ExpireTime.IsZero() {
		atomic.AddUint64(&c.decodeFailTotal, 1)
		return nil, fmt.Errorf("decode logical entry %s: %w", key, ErrNotLogical)
	}
	return &entry, nil
}

// GetHot 缓存击穿防护：热点 key 需要提前预热，过期后由一个协程异步重建，其他请求返回旧数据
func GetHot[T any, ID any](ctx context.Context, c *Client, keyPrefix string, id ID, lockPrefix string, loader Loader[T, ID], ttl time.Duration) (*T, error) {
	key := keyPrefix + fmt.Sprint(id)

	// 1. 未预热的 key 直接返回不存在
	entry, err := getLogical[T](ctx, c, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		atomic.AddUint64(&c.missTotal, 1)
		return nil, ErrNotFound
	}

	// 2. 未过期
	if entry.ExpireTime.After(c.clock.Now()) {
		atomic.AddUint64(&c.hitTotal, 1)
		return &entry.Data, nil
	}

	// 3. 已过期，尝试获取重建锁
	lk := lock.New(c.rdb, lockPrefix+fmt.Sprint(id))
	ok, err := lk.TryLock(ctx, c.lockTTL)
	if err != nil {
		c.log.Warnf("[CacheClient] rebuild lock for %s failed, serving stale: %v", key, err)
		return &entry.Data, nil
	}
	if !ok {
		return &entry.Data, nil
	}

	// 4. double check，其他请求可能刚完成重建
	fresh, err := getLogical[T](ctx, c, key)
	if err == nil && fresh != nil && fresh.ExpireTime.After(c.clock.Now()) {
		if err := lk.Unlock(ctx); err != nil {
			c.log.Warnf("[CacheClient] unlock %s failed: %v", lk.Key(), err)
		}
		atomic.AddUint64(&c.hitTotal, 1)
		return &fresh.Data, nil
	}

	// 5. 提交异步重建，当前请求返回旧数据
	submitted := c.pool.Submit(func() {
		rebuildTask(c, key, lk, id, loader, ttl)
	})
	if !submitted {
		atomic.AddUint64(&c.rebuildSkipTotal, 1)
		c.log.Warnf("[CacheClient] rebuild queue full, skip rebuilding %s", key)
		if err := lk.Unlock(ctx); err != nil {
			c.log.Warnf("[CacheClient] unlock %s failed: %v", lk.Key(), err)
		}
	}
	return &entry.Data, nil
}

func (c *Client) rebuildFailed(key string, err error) {
	atomic.AddUint64(&c.rebuildFailTotal, 1)
	c.log.Errorf("[CacheClient] rebuild %s failed: %v", key, err)
}

func rebuildTask[T any, ID any](c *Client, key string, lk *lock.SimpleRedisLock, id ID, loader Loader[T, ID], ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), c.lockTTL)
	defer cancel()

	// 无论成功失败都要释放锁
	defer func() {
		unlockCtx, unlockCancel := context.WithTimeout(context.Background(), time.Second)
		defer unlockCancel()
		if err := lk.Unlock(unlockCtx); err != nil {
			c.log.Warnf("[CacheClient] unlock %s failed: %v", lk.Key(), err)
		}
	}()

	atomic.AddUint64(&c.rebuildTotal, 1)
	v, err := loader(ctx, id)
	if err != nil {
		c.rebuildFailed(key, err)
		return
	}

	// 数据已被删除
	if v == nil {
		if err := c.rdb.Del(ctx, key).Err(); err != nil {
			c.rebuildFailed(key, err)
		}
		return
	}

	if err := c.SetWithLogicalExpire(ctx, key, v, ttl); err != nil {
		c.rebuildFailed(key, err)
	}
}

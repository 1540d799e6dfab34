package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// nullValue 空字符串表示“已回源确认不存在”
const nullValue = ""

// GetOrLoad 缓存穿透防护：不存在的数据缓存空值，TTL 为 nullTTL
func GetOrLoad[T any, ID any](ctx context.Context, c *Client, keyPrefix string, id ID, loader Loader[T, ID], ttl time.Duration) (*T, error) {
	key := keyPrefix + fmt.Sprint(id)

	// 1. 查询缓存
	val, found, err := c.get(ctx, key)
	if err != nil {
		return nil, err
	}

	if found {
		// 2. 命中空值，不再回源
		if val == nullValue {
			atomic.AddUint64(&c.nullHitTotal, 1)
			return nil, ErrNotFound
		}

		// 3. 命中真实数据
		var v T
		decErr := c.codec.Unmarshal([]byte(val), &v)
		if decErr == nil {
			atomic.AddUint64(&c.hitTotal, 1)
			return &v, nil
		}
		atomic.AddUint64(&c.decodeFailTotal, 1)
		c.log.Errorf("[CacheClient] failed to decode %s, reloading: %v", key, decErr)
	}
	atomic.AddUint64(&c.missTotal, 1)

	// 4. 未命中，聚合相同 key 的回源请求
	// 回源结果会被其他等待者共享，不能因为发起者取消而中断
	result, err, shared := c.sf.Do(key, func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.lockTTL)
		defer cancel()
		v, err := loader(lctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLoaderFailure, err)
		}

		// 5. 数据库不存在，写入空值
		if v == nil {
			if err := c.rdb.Set(lctx, key, nullValue, c.nullTTL).Err(); err != nil {
				c.log.Errorf("[CacheClient] failed to write null value for %s: %v", key, err)
			}
			return nil, nil
		}

		// 6. 写回缓存
		if err := c.Set(lctx, key, v, ttl); err != nil {
			c.log.Errorf("[CacheClient] failed to write cache for %s: %v", key, err)
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.log.Debugf("[CacheClient] shared load for key %s", key)
	}
	if result == nil {
		return nil, ErrNotFound
	}
	return result.(*T), nil
}

// GetOrLoadFiltered 先经过布隆过滤器，判定不存在的 id 既不查缓存也不回源
func GetOrLoadFiltered[T any, ID any](ctx context.Context, c *Client, bloom *BloomFilter, keyPrefix string, id ID, loader Loader[T, ID], ttl time.Duration) (*T, error) {
	ok, err := bloom.MightContain(ctx, fmt.Sprint(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		atomic.AddUint64(&c.bloomRejectTotal, 1)
		return nil, ErrNotFound
	}
	return GetOrLoad(ctx, c, keyPrefix, id, loader, ttl)
}

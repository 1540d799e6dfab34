package cache

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	redis "github.com/redis/go-redis/v9"
)

// BloomFilter 基于 redis bitmap 的布隆过滤器，用于拦截不存在的 id
type BloomFilter struct {
	rdb    redis.Cmdable
	key    string
	bits   uint64
	hashes uint
}

func NewBloomFilter(rdb redis.Cmdable, key string, bits uint64, hashes uint) *BloomFilter {
	if bits == 0 {
		bits = 1 << 20
	}
	if hashes == 0 {
		hashes = 5
	}
	return &BloomFilter{rdb: rdb, key: key, bits: bits, hashes: hashes}
}

// double hashing: loc_i = h1 + i*h2 (mod m)
func (b *BloomFilter) locations(item string) []int64 {
	h := xxhash.Sum64String(item)
	h1, h2 := h&0xffffffff, h>>32
	locs := make([]int64, b.hashes)
	for i := uint(0); i < b.hashes; i++ {
		locs[i] = int64((h1 + uint64(i)*h2) % b.bits)
	}
	return locs
}

func (b *BloomFilter) Add(ctx context.Context, item string) error {
	_, err := b.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, loc := range b.locations(item) {
			pipe.SetBit(ctx, b.key, loc, 1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: bloom add: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// MightContain false 表示一定不存在
func (b *BloomFilter) MightContain(ctx context.Context, item string) (bool, error) {
	cmds, err := b.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, loc := range b.locations(item) {
			pipe.GetBit(ctx, b.key, loc)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: bloom check: %v", ErrStoreUnavailable, err)
	}
	for _, cmd := range cmds {
		if cmd.(*redis.IntCmd).Val() == 0 {
			return false, nil
		}
	}
	return true, nil
}

func (b *BloomFilter) Reset(ctx context.Context) error {
	return b.rdb.Del(ctx, b.key).Err()
}

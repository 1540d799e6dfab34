package cache

import "errors"

var (
	// ErrNotFound 数据不存在（包括命中空值缓存、布隆过滤器拦截、热点 key 未预热）
	ErrNotFound = errors.New("cache: not found")
	// ErrStoreUnavailable redis 异常或熔断器打开
	ErrStoreUnavailable = errors.New("cache: store unavailable")
	// ErrLoaderFailure 回源数据库失败，此时不写缓存
	ErrLoaderFailure = errors.New("cache: loader failure")
	// ErrNotLogical 热点 key 中的值不是逻辑过期条目
	ErrNotLogical = errors.New("cache: not a logical entry")
)

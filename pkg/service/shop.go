package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/cache"
	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/repository"
	"github.com/sirupsen/logrus"
)

var ErrInvalidShop = errors.New("shop: id must not be empty")

// ShopService 商铺查询走缓存，更新时先写库再删缓存
type ShopService struct {
	store repository.Store
	cache *cache.Client
	bloom *cache.BloomFilter
	ttl   time.Duration
	log   *logrus.Logger
}

func NewShopService(store repository.Store, c *cache.Client, bloom *cache.BloomFilter, ttl time.Duration, log *logrus.Logger) *ShopService {
	return &ShopService{store: store, cache: c, bloom: bloom, ttl: ttl, log: log}
}

// QueryByID 普通 key，空值缓存防穿透
func (s *ShopService) QueryByID(ctx context.Context, id int64) (*model.Shop, error) {
	return cache.GetOrLoad(ctx, s.cache, model.CacheShopKey, id, s.store.GetShop, s.ttl)
}

// QueryFilteredByID 布隆过滤器 + 空值缓存
func (s *ShopService) QueryFilteredByID(ctx context.Context, id int64) (*model.Shop, error) {
	return cache.GetOrLoadFiltered(ctx, s.cache, s.bloom, model.CacheShopKey, id, s.store.GetShop, s.ttl)
}

// QueryHotByID 热点 key，逻辑过期防击穿
func (s *ShopService) QueryHotByID(ctx context.Context, id int64) (*model.Shop, error) {
	return cache.GetHot(ctx, s.cache, model.CacheShopHotKey, id, model.LockShopName, s.store.GetShop, s.ttl)
}

// Update 缓存删除失败时回滚数据库更新；已预热的热点条目用新数据覆盖，不删除
func (s *ShopService) Update(ctx context.Context, shop *model.Shop) error {
	if shop.ID == 0 {
		return ErrInvalidShop
	}
	return s.store.Transaction(ctx, func(tx repository.Store) error {
		if err := tx.UpdateShop(ctx, shop); err != nil {
			return err
		}
		if err := s.cache.Invalidate(ctx, model.CacheShopKey, shop.ID); err != nil {
			return err
		}
		fresh, err := tx.GetShop(ctx, shop.ID)
		if err != nil || fresh == nil {
			return err
		}
		hotKey := model.CacheShopHotKey + strconv.FormatInt(shop.ID, 10)
		refreshed, err := s.cache.RefreshLogical(ctx, hotKey, fresh, s.ttl)
		if err != nil {
			return err
		}
		if refreshed {
			s.log.Debugf("[ShopService] refreshed hot entry %s", hotKey)
		}
		return nil
	})
}

// WarmHot 预热热点商铺，返回写入的数量
func (s *ShopService) WarmHot(ctx context.Context, ids []int64, ttl time.Duration) (int, error) {
	warmed := 0
	for _, id := range ids {
		shop, err := s.store.GetShop(ctx, id)
		if err != nil {
			return warmed, err
		}
		if shop == nil {
			s.log.Warnf("[ShopService] skip warming missing shop %d", id)
			continue
		}
		key := model.CacheShopHotKey + strconv.FormatInt(id, 10)
		if err := s.cache.SetWithLogicalExpire(ctx, key, shop, ttl); err != nil {
			return warmed, err
		}
		warmed++
	}
	s.log.Infof("[ShopService] warmed %d hot shops", warmed)
	return warmed, nil
}

// LoadBloom 清空后把所有商铺 id 重新写入布隆过滤器，已删除的商铺不会残留
func (s *ShopService) LoadBloom(ctx context.Context) (int, error) {
	ids, err := s.store.ListShopIDs(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.bloom.Reset(ctx); err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := s.bloom.Add(ctx, strconv.FormatInt(id, 10)); err != nil {
			return 0, err
		}
	}
	s.log.Infof("[ShopService] loaded %d shop ids into bloom filter", len(ids))
	return len(ids), nil
}

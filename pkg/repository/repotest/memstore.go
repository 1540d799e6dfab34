// Package repotest 提供 repository.Store 的内存实现，供 service / worker 测试使用
package repotest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/repository"
)

var ErrInjected = errors.New("repotest: injected failure")

type orderKey struct {
	userID    int64
	voucherID int64
}

type MemStore struct {
	mu   sync.Mutex
	txMu sync.Mutex

	shops    map[int64]model.Shop
	vouchers map[int64]model.SeckillVoucher
	orders   map[orderKey]model.VoucherOrder

	failInserts int32
	failGets    int32

	GetShopCalls   int32
	DecrementCalls int32
	DecrementOK    int32
}

var _ repository.Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		shops:    make(map[int64]model.Shop),
		vouchers: make(map[int64]model.SeckillVoucher),
		orders:   make(map[orderKey]model.VoucherOrder),
	}
}

// FailNextInserts 接下来 n 次 InsertOrder 返回 ErrInjected
func (m *MemStore) FailNextInserts(n int) {
	atomic.StoreInt32(&m.failInserts, int32(n))
}

// FailNextGets 接下来 n 次 GetShop 返回 ErrInjected
func (m *MemStore) FailNextGets(n int) {
	atomic.StoreInt32(&m.failGets, int32(n))
}

func (m *MemStore) PutShop(shop model.Shop) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shops[shop.ID] = shop
}

func (m *MemStore) Orders() []model.VoucherOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.VoucherOrder, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	return out
}

func (m *MemStore) Stock(voucherID int64) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vouchers[voucherID].Stock
}

// Transaction 串行执行，fn 返回错误时恢复快照
func (m *MemStore) Transaction(ctx context.Context, fn func(tx repository.Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	shops, vouchers, orders := cloneMap(m.shops), cloneMap(m.vouchers), cloneMap(m.orders)
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.shops, m.vouchers, m.orders = shops, vouchers, orders
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *MemStore) GetShop(ctx context.Context, id int64) (*model.Shop, error) {
	atomic.AddInt32(&m.GetShopCalls, 1)
	if takeFailure(&m.failGets) {
		return nil, ErrInjected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	shop, ok := m.shops[id]
	if !ok {
		return nil, nil
	}
	return &shop, nil
}

func (m *MemStore) UpdateShop(ctx context.Context, shop *model.Shop) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	shop.UpdatedAt = time.Now()
	m.shops[shop.ID] = *shop
	return nil
}

func (m *MemStore) ListShopIDs(ctx context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.shops))
	for id := range m.shops {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *MemStore) CreateSeckillVoucher(ctx context.Context, voucher *model.SeckillVoucher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vouchers[voucher.VoucherID] = *voucher
	return nil
}

func (m *MemStore) GetSeckillVoucher(ctx context.Context, voucherID int64) (*model.SeckillVoucher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vouchers[voucherID]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (m *MemStore) DecrementStockIfPositive(ctx context.Context, voucherID int64) (bool, error) {
	atomic.AddInt32(&m.DecrementCalls, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vouchers[voucherID]
	if !ok || v.Stock <= 0 {
		return false, nil
	}
	v.Stock--
	m.vouchers[voucherID] = v
	atomic.AddInt32(&m.DecrementOK, 1)
	return true, nil
}

func (m *MemStore) OrderExists(ctx context.Context, userID, voucherID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.orders[orderKey{userID, voucherID}]
	return ok, nil
}

func (m *MemStore) InsertOrder(ctx context.Context, order *model.VoucherOrder) error {
	if takeFailure(&m.failInserts) {
		return ErrInjected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := orderKey{order.UserID, order.VoucherID}
	if _, ok := m.orders[k]; ok {
		return repository.ErrOrderExists
	}
	m.orders[k] = *order
	return nil
}

func takeFailure(n *int32) bool {
	for {
		cur := atomic.LoadInt32(n)
		if cur <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(n, cur, cur-1) {
			return true
		}
	}
}

func cloneMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

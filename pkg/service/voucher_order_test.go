package service

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/idgen"
	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/repository/repotest"
	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = io.Discard
	return log
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func newVoucherService(t *testing.T) (*VoucherOrderService, *repotest.MemStore, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, rdb := newRedis(t)
	store := repotest.NewMemStore()
	svc := NewVoucherOrderService(rdb, store, idgen.NewRedisIDWorker(rdb, nil), quietLogger(), model.OrderStreamKey)
	return svc, store, mr, rdb
}

func TestSeckillVoucher_StockOneManyUsers(t *testing.T) {
	svc, _, mr, rdb := newVoucherService(t)
	ctx := context.Background()
	require.NoError(t, svc.AddSeckillVoucher(ctx, &model.SeckillVoucher{VoucherID: 10, Stock: 1}))

	var (
		mu      sync.Mutex
		results = make(map[AdmissionCode]int)
		wg      sync.WaitGroup
	)
	for u := int64(1); u <= 50; u++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			res, err := svc.SeckillVoucher(ctx, 10, userID)
			assert.NoError(t, err)
			mu.Lock()
			results[res.Code]++
			mu.Unlock()
		}(u)
	}
	wg.Wait()

	assert.Equal(t, 1, results[Admitted])
	assert.Equal(t, 49, results[OutOfStock])

	stock, err := mr.Get("seckill:stock:10")
	require.NoError(t, err)
	assert.Equal(t, "0", stock)
	n, err := rdb.XLen(ctx, model.OrderStreamKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSeckillVoucher_DuplicateUser(t *testing.T) {
	svc, _, mr, rdb := newVoucherService(t)
	ctx := context.Background()
	require.NoError(t, svc.AddSeckillVoucher(ctx, &model.SeckillVoucher{VoucherID: 10, Stock: 5}))

	first, err := svc.SeckillVoucher(ctx, 10, 7)
	require.NoError(t, err)
	assert.True(t, first.Admitted())
	assert.NotZero(t, first.OrderID)

	second, err := svc.SeckillVoucher(ctx, 10, 7)
	require.NoError(t, err)
	assert.Equal(t, DuplicateOrder, second.Code)
	assert.Zero(t, second.OrderID)

	stock, err := mr.Get("seckill:stock:10")
	require.NoError(t, err)
	assert.Equal(t, "4", stock)
	ok, err := mr.IsMember("seckill:order:10", "7")
	require.NoError(t, err)
	assert.True(t, ok)

	// 消息内容
	msgs, err := rdb.XRange(ctx, model.OrderStreamKey, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	task, err := model.ParseOrderTask(msgs[0].Values)
	require.NoError(t, err)
	assert.Equal(t, model.OrderTask{OrderID: first.OrderID, UserID: 7, VoucherID: 10}, task)
}

func TestSeckillVoucher_LoadsMissingStock(t *testing.T) {
	svc, store, mr, _ := newVoucherService(t)
	ctx := context.Background()
	require.NoError(t, store.CreateSeckillVoucher(ctx, &model.SeckillVoucher{VoucherID: 11, Stock: 3}))

	res, err := svc.SeckillVoucher(ctx, 11, 1)
	require.NoError(t, err)
	assert.True(t, res.Admitted())

	stock, err := mr.Get("seckill:stock:11")
	require.NoError(t, err)
	assert.Equal(t, "2", stock)
}

func TestSeckillVoucher_UnknownVoucher(t *testing.T) {
	svc, _, _, _ := newVoucherService(t)

	_, err := svc.SeckillVoucher(context.Background(), 404, 1)
	assert.ErrorIs(t, err, ErrVoucherNotFound)
}

func TestSeckillVoucher_StoreUnavailable(t *testing.T) {
	svc, _, mr, _ := newVoucherService(t)
	mr.Close()

	_, err := svc.SeckillVoucher(context.Background(), 10, 1)
	assert.Error(t, err)
	assert.ErrorIs(t, err, idgen.ErrStoreUnavailable)
}

func TestCreateVoucherOrder(t *testing.T) {
	svc, store, _, _ := newVoucherService(t)
	ctx := context.Background()
	require.NoError(t, store.CreateSeckillVoucher(ctx, &model.SeckillVoucher{VoucherID: 10, Stock: 1}))

	t.Run("created", func(t *testing.T) {
		outcome, err := svc.CreateVoucherOrder(ctx, model.OrderTask{OrderID: 1, UserID: 1, VoucherID: 10})
		require.NoError(t, err)
		assert.Equal(t, OrderCreated, outcome)
		assert.Equal(t, int32(0), store.Stock(10))
	})

	t.Run("redelivered message is idempotent", func(t *testing.T) {
		outcome, err := svc.CreateVoucherOrder(ctx, model.OrderTask{OrderID: 1, UserID: 1, VoucherID: 10})
		require.NoError(t, err)
		assert.Equal(t, OrderAlreadyExists, outcome)
		assert.Len(t, store.Orders(), 1)
	})

	t.Run("authoritative stock exhausted", func(t *testing.T) {
		outcome, err := svc.CreateVoucherOrder(ctx, model.OrderTask{OrderID: 2, UserID: 2, VoucherID: 10})
		require.NoError(t, err)
		assert.Equal(t, OrderSoldOut, outcome)
		assert.Len(t, store.Orders(), 1)
	})
}

func TestCreateVoucherOrder_InsertFailureRollsBack(t *testing.T) {
	svc, store, _, _ := newVoucherService(t)
	ctx := context.Background()
	require.NoError(t, store.CreateSeckillVoucher(ctx, &model.SeckillVoucher{VoucherID: 10, Stock: 1}))
	store.FailNextInserts(1)

	_, err := svc.CreateVoucherOrder(ctx, model.OrderTask{OrderID: 1, UserID: 1, VoucherID: 10})
	assert.ErrorIs(t, err, repotest.ErrInjected)
	assert.Equal(t, int32(1), store.Stock(10))
	assert.Empty(t, store.Orders())
}

func TestAdmissionCodeString(t *testing.T) {
	assert.Equal(t, "out of stock", OutOfStock.String())
	assert.Equal(t, "duplicate order", DuplicateOrder.String())
	assert.Equal(t, "unknown(7)", AdmissionCode(7).String())
}

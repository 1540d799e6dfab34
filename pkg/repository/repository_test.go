package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/model"
	"github.com/glebarez/sqlite"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 内存库只存在于单个连接上
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, AutoMigrate(db))
	return db
}

func TestGetShop(t *testing.T) {
	db := newTestDB(t)
	store := NewMysqlStore(db)
	ctx := context.Background()
	require.NoError(t, db.Create(&model.Shop{ID: 1, Name: "103 tea"}).Error)

	shop, err := store.GetShop(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "103 tea", shop.Name)

	shop, err = store.GetShop(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, shop)
}

func TestUpdateShopAndListIDs(t *testing.T) {
	db := newTestDB(t)
	store := NewMysqlStore(db)
	ctx := context.Background()
	require.NoError(t, db.Create(&[]model.Shop{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}}).Error)

	require.NoError(t, store.UpdateShop(ctx, &model.Shop{ID: 2, Name: "b2"}))
	shop, err := store.GetShop(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "b2", shop.Name)

	ids, err := store.ListShopIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, ids)
}

func TestDecrementStockIfPositive_NeverNegative(t *testing.T) {
	db := newTestDB(t)
	store := NewMysqlStore(db)
	ctx := context.Background()
	require.NoError(t, store.CreateSeckillVoucher(ctx, &model.SeckillVoucher{VoucherID: 10, Stock: 5}))

	var (
		succeeded int32
		wg        sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.DecrementStockIfPositive(ctx, 10)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&succeeded, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), succeeded)
	voucher, err := store.GetSeckillVoucher(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int32(0), voucher.Stock)

	ok, err := store.DecrementStockIfPositive(ctx, 999)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOrderExistsAndInsert(t *testing.T) {
	db := newTestDB(t)
	store := NewMysqlStore(db)
	ctx := context.Background()

	exists, err := store.OrderExists(ctx, 1, 10)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.InsertOrder(ctx, &model.VoucherOrder{ID: 100, UserID: 1, VoucherID: 10}))

	exists, err = store.OrderExists(ctx, 1, 10)
	require.NoError(t, err)
	assert.True(t, exists)

	// (user_id, voucher_id) 唯一索引
	err = db.Create(&model.VoucherOrder{ID: 101, UserID: 1, VoucherID: 10}).Error
	assert.Error(t, err)

	err = store.InsertOrder(ctx, &model.VoucherOrder{ID: 102, UserID: 1, VoucherID: 10})
	assert.ErrorIs(t, err, ErrOrderExists)
}

func TestTransaction_RollbackOnError(t *testing.T) {
	db := newTestDB(t)
	store := NewMysqlStore(db)
	ctx := context.Background()
	require.NoError(t, store.CreateSeckillVoucher(ctx, &model.SeckillVoucher{VoucherID: 10, Stock: 1}))

	boom := errors.New("boom")
	err := store.Transaction(ctx, func(tx Store) error {
		ok, err := tx.DecrementStockIfPositive(ctx, 10)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, tx.InsertOrder(ctx, &model.VoucherOrder{ID: 1, UserID: 1, VoucherID: 10}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	voucher, err := store.GetSeckillVoucher(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int32(1), voucher.Stock)
	exists, err := store.OrderExists(ctx, 1, 10)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestIsDuplicateError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"mysql 1062", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}, true},
		{"wrapped mysql 1062", fmt.Errorf("insert: %w", &mysql.MySQLError{Number: 1062}), true},
		{"gorm translated", gorm.ErrDuplicatedKey, true},
		{"other mysql error", &mysql.MySQLError{Number: 1213}, false},
		{"plain error", errors.New("timeout"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsDuplicateError(tt.err))
		})
	}
}

package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/model"
	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// ErrOrderExists (user_id, voucher_id) 唯一键冲突，事务内返回以便回滚扣减
var ErrOrderExists = errors.New("repository: order already exists")

type ShopRepo interface {
	// GetShop 不存在时返回 (nil, nil)
	GetShop(ctx context.Context, id int64) (*model.Shop, error)
	UpdateShop(ctx context.Context, shop *model.Shop) error
	ListShopIDs(ctx context.Context) ([]int64, error)
}

type VoucherRepo interface {
	CreateSeckillVoucher(ctx context.Context, voucher *model.SeckillVoucher) error
	// GetSeckillVoucher 不存在时返回 (nil, nil)
	GetSeckillVoucher(ctx context.Context, voucherID int64) (*model.SeckillVoucher, error)
	// DecrementStockIfPositive 库存大于 0 时扣减 1，返回是否扣减成功
	DecrementStockIfPositive(ctx context.Context, voucherID int64) (bool, error)
}

type OrderRepo interface {
	OrderExists(ctx context.Context, userID, voucherID int64) (bool, error)
	// InsertOrder 唯一键冲突返回 ErrOrderExists
	InsertOrder(ctx context.Context, order *model.VoucherOrder) error
}

type Store interface {
	ShopRepo
	VoucherRepo
	OrderRepo
	// Transaction fn 内通过 tx 执行的操作在同一事务中提交或回滚
	Transaction(ctx context.Context, fn func(tx Store) error) error
}

type mysqlRepo struct {
	db *gorm.DB
}

func NewMysqlStore(db *gorm.DB) Store {
	return &mysqlRepo{db: db}
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.Shop{}, &model.SeckillVoucher{}, &model.VoucherOrder{}, &model.DeadMessage{})
}

func (r *mysqlRepo) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&mysqlRepo{db: tx})
	})
}

func (r *mysqlRepo) GetShop(ctx context.Context, id int64) (*model.Shop, error) {
	var shop model.Shop
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&shop).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get shop: %w", err)
	}
	return &shop, nil
}

func (r *mysqlRepo) UpdateShop(ctx context.Context, shop *model.Shop) error {
	if err := r.db.WithContext(ctx).Model(&model.Shop{}).Where("id = ?", shop.ID).Updates(shop).Error; err != nil {
		return fmt.Errorf("failed to update shop: %w", err)
	}
	return nil
}

func (r *mysqlRepo) ListShopIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := r.db.WithContext(ctx).Model(&model.Shop{}).Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list shop ids: %w", err)
	}
	return ids, nil
}

func (r *mysqlRepo) CreateSeckillVoucher(ctx context.Context, voucher *model.SeckillVoucher) error {
	return r.db.WithContext(ctx).Create(voucher).Error
}

func (r *mysqlRepo) GetSeckillVoucher(ctx context.Context, voucherID int64) (*model.SeckillVoucher, error) {
	var voucher model.SeckillVoucher
	if err := r.db.WithContext(ctx).Where("voucher_id = ?", voucherID).First(&voucher).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get seckill voucher: %w", err)
	}
	return &voucher, nil
}

// UPDATE tb_seckill_voucher SET stock = stock - 1 WHERE voucher_id = ? AND stock > 0
func (r *mysqlRepo) DecrementStockIfPositive(ctx context.Context, voucherID int64) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.SeckillVoucher{}).
		Where("voucher_id = ? AND stock > 0", voucherID).
		Update("stock", gorm.Expr("stock - 1"))
	if res.Error != nil {
		return false, fmt.Errorf("failed to decrement stock: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *mysqlRepo) OrderExists(ctx context.Context, userID, voucherID int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.VoucherOrder{}).
		Where("user_id = ? AND voucher_id = ?", userID, voucherID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to count orders: %w", err)
	}
	return count > 0, nil
}

func (r *mysqlRepo) InsertOrder(ctx context.Context, order *model.VoucherOrder) error {
	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		if IsDuplicateError(err) {
			return fmt.Errorf("%w: user %d voucher %d", ErrOrderExists, order.UserID, order.VoucherID)
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// IsDuplicateError 幂等性检查
func IsDuplicateError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		if mysqlErr.Number == 1062 {
			return true
		}
	}
	return false
}

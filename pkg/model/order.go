package model

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Voucher Order Status Constants
const (
	VoucherOrderUnpaid   = 1
	VoucherOrderPaid     = 2
	VoucherOrderUsed     = 3
	VoucherOrderCanceled = 4
)

type VoucherOrder struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false;column:id" json:"id"`
	UserID    int64     `gorm:"column:user_id;not null;uniqueIndex:idx_user_voucher,priority:1" json:"userId"`
	VoucherID int64     `gorm:"column:voucher_id;not null;uniqueIndex:idx_user_voucher,priority:2" json:"voucherId"`
	PayType   int32     `gorm:"column:pay_type;default:1" json:"payType"`
	Status    int32     `gorm:"column:status;default:1" json:"status"`
	CreatedAt time.Time `gorm:"column:create_time;autoCreateTime" json:"createTime"`
	UpdatedAt time.Time `gorm:"column:update_time;autoUpdateTime" json:"updateTime"`
}

func (VoucherOrder) TableName() string {
	return "tb_voucher_order"
}

// ErrFieldMissing 消息中没有该字段
var ErrFieldMissing = errors.New("missing")

// TaskFieldError 记录解析失败的字段，死信中按字段归类
type TaskFieldError struct {
	Field string
	Err   error
}

func (e *TaskFieldError) Error() string {
	return fmt.Sprintf("field %q: %v", e.Field, e.Err)
}

func (e *TaskFieldError) Unwrap() error { return e.Err }

// OrderTask stream.orders 中的消息体，由秒杀脚本写入
type OrderTask struct {
	OrderID   int64 `json:"id"`
	UserID    int64 `json:"userId"`
	VoucherID int64 `json:"voucherId"`
}

// ParseOrderTask 从 stream 字段解析任务，字段缺失或不是整数时返回错误
func ParseOrderTask(values map[string]interface{}) (OrderTask, error) {
	var task OrderTask
	var err error
	if task.OrderID, err = intField(values, "id"); err != nil {
		return OrderTask{}, err
	}
	if task.UserID, err = intField(values, "userId"); err != nil {
		return OrderTask{}, err
	}
	if task.VoucherID, err = intField(values, "voucherId"); err != nil {
		return OrderTask{}, err
	}
	return task, nil
}

func (t OrderTask) ToOrder() *VoucherOrder {
	return &VoucherOrder{
		ID:        t.OrderID,
		UserID:    t.UserID,
		VoucherID: t.VoucherID,
		PayType:   1,
		Status:    VoucherOrderUnpaid,
	}
}

func intField(values map[string]interface{}, key string) (int64, error) {
	v, ok := values[key]
	if !ok {
		return 0, &TaskFieldError{Field: key, Err: ErrFieldMissing}
	}
	switch val := v.(type) {
	case string:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0, &TaskFieldError{Field: key, Err: err}
		}
		return n, nil
	case int64:
		return val, nil
	default:
		return 0, &TaskFieldError{Field: key, Err: fmt.Errorf("unexpected type %T", v)}
	}
}

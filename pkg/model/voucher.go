package model

import "time"

// SeckillVoucher 秒杀券，库存以数据库为准
type SeckillVoucher struct {
	VoucherID int64     `gorm:"primaryKey;autoIncrement:false;column:voucher_id" json:"voucherId"`
	Stock     int32     `gorm:"column:stock;not null" json:"stock"`
	BeginTime time.Time `gorm:"column:begin_time" json:"beginTime"`
	EndTime   time.Time `gorm:"column:end_time" json:"endTime"`
	CreatedAt time.Time `gorm:"column:create_time;autoCreateTime" json:"createTime"`
	UpdatedAt time.Time `gorm:"column:update_time;autoUpdateTime" json:"updateTime"`
}

func (SeckillVoucher) TableName() string {
	return "tb_seckill_voucher"
}

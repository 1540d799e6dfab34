package model

import "time"

// DeadMessage GORM 模型，对应 MySQL dead_messages 表；raw_* 保存消息中的原始 id，可能不是整数
type DeadMessage struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	MsgID          string    `gorm:"column:msg_id;type:varchar(64);not null;index:idx_msg_id"`
	OriginalStream string    `gorm:"column:original_stream;type:varchar(128);not null"`
	ConsumerGroup  string    `gorm:"column:consumer_group;type:varchar(128);not null"`
	FailedField    string    `gorm:"column:failed_field;type:varchar(32);index:idx_failed_field"`
	RawOrderID     string    `gorm:"column:raw_order_id;type:varchar(64)"`
	RawUserID      string    `gorm:"column:raw_user_id;type:varchar(64)"`
	RawVoucherID   string    `gorm:"column:raw_voucher_id;type:varchar(64)"`
	Payload        string    `gorm:"column:payload;type:text"`
	ErrorReason    string    `gorm:"column:error_reason;type:text"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (DeadMessage) TableName() string {
	return "dead_messages"
}

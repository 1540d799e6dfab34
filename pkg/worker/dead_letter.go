package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/model"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// 死信 stream 字段
const (
	dlFieldStream    = "stream"
	dlFieldGroup     = "group"
	dlFieldMsgID     = "msg_id"
	dlFieldFailed    = "failed_field"
	dlFieldOrderID   = "order_id"
	dlFieldUserID    = "user_id"
	dlFieldVoucherID = "voucher_id"
	dlFieldPayload   = "payload"
	dlFieldReason    = "reason"
	dlFieldCreatedAt = "created_at"
)

// OrderDeadLetter 一条无法解析成 OrderTask 的下单消息
type OrderDeadLetter struct {
	Stream string
	Group  string
	MsgID  string
	// FailedField 为空表示错误无法定位到某个字段
	FailedField string
	// 消息中的原始 id，缺失时为空
	OrderID   string
	UserID    string
	VoucherID string
	Reason    string
	Payload   map[string]interface{}
}

func newOrderDeadLetter(stream, group string, msg redis.XMessage, parseErr error) OrderDeadLetter {
	dl := OrderDeadLetter{
		Stream:    stream,
		Group:     group,
		MsgID:     msg.ID,
		OrderID:   rawField(msg.Values, "id"),
		UserID:    rawField(msg.Values, "userId"),
		VoucherID: rawField(msg.Values, "voucherId"),
		Reason:    parseErr.Error(),
		Payload:   msg.Values,
	}
	var fieldErr *model.TaskFieldError
	if errors.As(parseErr, &fieldErr) {
		dl.FailedField = fieldErr.Field
	}
	return dl
}

func rawField(values map[string]interface{}, key string) string {
	v, ok := values[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func (dl OrderDeadLetter) values(now time.Time) map[string]interface{} {
	payload, _ := json.Marshal(dl.Payload)
	return map[string]interface{}{
		dlFieldStream:    dl.Stream,
		dlFieldGroup:     dl.Group,
		dlFieldMsgID:     dl.MsgID,
		dlFieldFailed:    dl.FailedField,
		dlFieldOrderID:   dl.OrderID,
		dlFieldUserID:    dl.UserID,
		dlFieldVoucherID: dl.VoucherID,
		dlFieldPayload:   string(payload),
		dlFieldReason:    dl.Reason,
		dlFieldCreatedAt: now.UnixMilli(),
	}
}

// toDeadMessage 死信 stream 条目转成 dead_messages 记录
func toDeadMessage(values map[string]interface{}) model.DeadMessage {
	record := model.DeadMessage{
		MsgID:          getString(values, dlFieldMsgID),
		OriginalStream: getString(values, dlFieldStream),
		ConsumerGroup:  getString(values, dlFieldGroup),
		FailedField:    getString(values, dlFieldFailed),
		RawOrderID:     getString(values, dlFieldOrderID),
		RawUserID:      getString(values, dlFieldUserID),
		RawVoucherID:   getString(values, dlFieldVoucherID),
		Payload:        getString(values, dlFieldPayload),
		ErrorReason:    getString(values, dlFieldReason),
	}
	// created_at 为毫秒时间戳
	if ms, err := strconv.ParseInt(getString(values, dlFieldCreatedAt), 10, 64); err == nil {
		record.CreatedAt = time.UnixMilli(ms)
	}
	return record
}

// DeadLetterProducer 把毒丸下单消息写入死信 stream
type DeadLetterProducer struct {
	rdb redis.Cmdable
	log *logrus.Logger
}

func NewDeadLetterProducer(rdb redis.Cmdable, log *logrus.Logger) *DeadLetterProducer {
	return &DeadLetterProducer{rdb: rdb, log: log}
}

func (d *DeadLetterProducer) Send(ctx context.Context, dl OrderDeadLetter) error {
	err := d.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: model.DeadStreamKey,
		Values: dl.values(time.Now()),
	}).Err()
	if err != nil {
		d.log.Errorf("[DeadLetter] Failed to write dead letter for order message %s: %v", dl.MsgID, err)
		return fmt.Errorf("write dead letter: %w", err)
	}

	d.log.WithFields(logrus.Fields{
		"msgID":     dl.MsgID,
		"field":     dl.FailedField,
		"orderID":   dl.OrderID,
		"userID":    dl.UserID,
		"voucherID": dl.VoucherID,
	}).Warnf("[DeadLetter] Order message dead-lettered: %s", dl.Reason)
	return nil
}

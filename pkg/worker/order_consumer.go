package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/lock"
	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/service"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// OrderHandler 事务内创建订单
type OrderHandler interface {
	CreateVoucherOrder(ctx context.Context, task model.OrderTask) (service.OrderOutcome, error)
}

// EventPublisher 订单创建事件，rocketmq.Producer 满足该接口
type EventPublisher interface {
	SendSync(ctx context.Context, msgs ...*primitive.Message) (*primitive.SendResult, error)
}

// errLockBusy 同一用户的订单正在被其他 worker 处理
var errLockBusy = errors.New("order lock held by another worker")

type ConsumerOptions struct {
	StreamKey    string
	Group        string
	Consumer     string
	Block        time.Duration
	RetryBackoff time.Duration
	LockTTL      time.Duration

	// 空闲 pending 消息的认领周期和最小空闲时间
	ClaimInterval time.Duration
	ClaimMinIdle  time.Duration

	Topic string
}

// OrderStreamConsumer 消费 stream.orders，创建订单后 ACK
type OrderStreamConsumer struct {
	rdb       redis.Cmdable
	handler   OrderHandler
	dlq       *DeadLetterProducer
	publisher EventPublisher
	log       *logrus.Logger
	opts      ConsumerOptions
	meter     metric.Meter
	tracer    trace.Tracer

	processedTotal uint64
	failedTotal    uint64
	skippedTotal   uint64
	ackFailTotal   uint64
	deadTotal      uint64
	claimedTotal   uint64
}

func NewOrderStreamConsumer(rdb redis.Cmdable, handler OrderHandler, dlq *DeadLetterProducer, publisher EventPublisher, log *logrus.Logger, opts ConsumerOptions) *OrderStreamConsumer {
	if opts.StreamKey == "" {
		opts.StreamKey = model.OrderStreamKey
	}
	if opts.Group == "" {
		opts.Group = model.OrderStreamGroup
	}
	if opts.Consumer == "" {
		opts.Consumer = "c1"
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 20 * time.Millisecond
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.ClaimInterval <= 0 {
		opts.ClaimInterval = time.Minute
	}
	if opts.ClaimMinIdle <= 0 {
		opts.ClaimMinIdle = time.Minute
	}

	c := &OrderStreamConsumer{
		rdb:       rdb,
		handler:   handler,
		dlq:       dlq,
		publisher: publisher,
		log:       log,
		opts:      opts,
		meter:     otel.GetMeterProvider().Meter("voucherservice.worker"),
		tracer:    otel.Tracer("voucherservice-worker"),
	}
	c.registerMetrics()
	return c
}

func (c *OrderStreamConsumer) registerMetrics() {
	gauges := []struct {
		name string
		v    *uint64
	}{
		{"order_consume_success_total", &c.processedTotal},
		{"order_consume_fail_total", &c.failedTotal},
		{"order_consume_skip_total", &c.skippedTotal},
		{"order_ack_fail_total", &c.ackFailTotal},
		{"order_dead_letter_total", &c.deadTotal},
		{"order_claimed_total", &c.claimedTotal},
	}
	for _, g := range gauges {
		v := g.v
		_, err := c.meter.Int64ObservableGauge(
			g.name,
			metric.WithUnit("{items}"),
			metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
				obs.Observe(int64(atomic.LoadUint64(v)))
				return nil
			}),
		)
		if err != nil {
			c.log.Warnf("failed to register metric %s: %v", g.name, err)
		}
	}
}

// Start 确保消费者组存在，启动主循环和空闲消息认领
func (c *OrderStreamConsumer) Start(ctx context.Context, wg *sync.WaitGroup) {
	err := c.rdb.XGroupCreateMkStream(ctx, c.opts.StreamKey, c.opts.Group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		c.log.Warnf("[OrderConsumer] failed to create group %s: %v", c.opts.Group, err)
	}

	wg.Add(2)
	go c.run(ctx, wg)
	go c.startClaimIdle(ctx, wg)
}

func (c *OrderStreamConsumer) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	c.log.Infof("[OrderConsumer - %s] Start consuming stream %s", c.opts.Consumer, c.opts.StreamKey)

	// 重启后先处理上次未 ACK 的消息
	c.handlePendingList(ctx)

	for {
		select {
		case <-ctx.Done():
			c.log.Infof("[OrderConsumer] Shutting down")
			return
		default:
			// 1. 读取一条新消息 XREADGROUP GROUP g1 c1 COUNT 1 BLOCK 2000 STREAMS stream.orders >
			entries, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    c.opts.Group,
				Consumer: c.opts.Consumer,
				Streams:  []string{c.opts.StreamKey, ">"},
				Count:    1,
				Block:    c.opts.Block,
			}).Result()

			if err != nil {
				if err != redis.Nil && ctx.Err() == nil {
					c.log.Errorf("[OrderConsumer] Failed to read stream: %v", err)
					sleepCtx(ctx, c.opts.RetryBackoff)
				}
				continue
			}

			// 2. 处理消息，失败后转到 pending list
			for _, stream := range entries {
				for _, msg := range stream.Messages {
					if err := c.handleMessage(ctx, msg); err != nil {
						c.log.Errorf("[OrderConsumer] Failed to handle msg %s: %v", msg.ID, err)
						c.handlePendingList(ctx)
					}
				}
			}
		}
	}
}

// handlePendingList 逐条处理已投递未 ACK 的消息，直到 pending list 为空
func (c *OrderStreamConsumer) handlePendingList(ctx context.Context) {
	for ctx.Err() == nil {
		// XREADGROUP GROUP g1 c1 COUNT 1 STREAMS stream.orders 0
		entries, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.opts.Group,
			Consumer: c.opts.Consumer,
			Streams:  []string{c.opts.StreamKey, "0"},
			Count:    1,
			Block:    -1,
		}).Result()

		if err == redis.Nil {
			return
		}
		if err != nil {
			c.log.Errorf("[OrderConsumer] Failed to read pending list: %v", err)
			sleepCtx(ctx, c.opts.RetryBackoff)
			continue
		}

		if len(entries) == 0 || len(entries[0].Messages) == 0 {
			return
		}

		msg := entries[0].Messages[0]
		if err := c.handleMessage(ctx, msg); err != nil {
			c.log.Errorf("[OrderConsumer] Failed to handle pending msg %s: %v", msg.ID, err)
			sleepCtx(ctx, c.opts.RetryBackoff)
			continue
		}

		// 锁被占用的消息留在 pending list，由 startClaimIdle 稍后处理
		if c.stillPending(ctx, msg.ID) {
			return
		}
	}
}

func (c *OrderStreamConsumer) stillPending(ctx context.Context, id string) bool {
	res, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.opts.StreamKey,
		Group:  c.opts.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	return err == nil && len(res) > 0
}

// startClaimIdle 定期认领空闲的 pending 消息，覆盖已下线的消费者和锁冲突时跳过的消息
func (c *OrderStreamConsumer) startClaimIdle(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(c.opts.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			claimed, err := claimIdle(ctx, c.rdb, c.opts.StreamKey, c.opts.Group, c.opts.Consumer, c.opts.ClaimMinIdle, 50)
			if err != nil {
				if ctx.Err() == nil {
					c.log.Errorf("[OrderConsumer Recovery] claim error: %v", err)
				}
				continue
			}
			if len(claimed) == 0 {
				continue
			}
			atomic.AddUint64(&c.claimedTotal, uint64(len(claimed)))
			c.log.Infof("[OrderConsumer Recovery] Claimed %d idle messages", len(claimed))
			for _, msg := range claimed {
				if err := c.handleMessage(ctx, msg); err != nil {
					c.log.Errorf("[OrderConsumer Recovery] Failed to handle claimed msg %s: %v", msg.ID, err)
				}
			}
		}
	}
}

// handleMessage 返回 error 时消息保持未 ACK
func (c *OrderStreamConsumer) handleMessage(ctx context.Context, msg redis.XMessage) error {
	// 消息已被 XDEL / XTRIM 删除
	if msg.Values == nil {
		c.ack(ctx, msg.ID)
		return nil
	}

	task, err := model.ParseOrderTask(msg.Values)
	if err != nil {
		// 毒丸消息进入死信队列，不再重试
		if dlqErr := c.dlq.Send(ctx, newOrderDeadLetter(c.opts.StreamKey, c.opts.Group, msg, err)); dlqErr != nil {
			return dlqErr
		}
		atomic.AddUint64(&c.deadTotal, 1)
		c.ack(ctx, msg.ID)
		return nil
	}

	if err := c.process(ctx, task); err != nil {
		if errors.Is(err, errLockBusy) {
			atomic.AddUint64(&c.skippedTotal, 1)
			c.log.Warnf("[OrderConsumer] user %d is being handled by another worker, skip msg %s", task.UserID, msg.ID)
			return nil
		}
		atomic.AddUint64(&c.failedTotal, 1)
		return err
	}

	c.ack(ctx, msg.ID)
	return nil
}

func (c *OrderStreamConsumer) ack(ctx context.Context, id string) {
	if err := c.rdb.XAck(ctx, c.opts.StreamKey, c.opts.Group, id).Err(); err != nil {
		atomic.AddUint64(&c.ackFailTotal, 1)
		c.log.Errorf("[OrderConsumer] Failed to ACK msg %s: %v", id, err)
	}
}

// process 一人一把锁，锁内事务创建订单
func (c *OrderStreamConsumer) process(ctx context.Context, task model.OrderTask) (err error) {
	ctx, span := c.tracer.Start(ctx, "voucher_order_create",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.Int64("order.id", task.OrderID),
			attribute.Int64("user.id", task.UserID),
			attribute.Int64("voucher.id", task.VoucherID),
		),
	)
	defer func() {
		if err != nil && !errors.Is(err, errLockBusy) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	lk := lock.New(c.rdb, model.LockOrderName+strconv.FormatInt(task.UserID, 10))
	ok, err := lk.TryLock(ctx, c.opts.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire order lock: %w", err)
	}
	if !ok {
		return errLockBusy
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := lk.Unlock(unlockCtx); err != nil {
			c.log.Warnf("[OrderConsumer] unlock %s failed: %v", lk.Key(), err)
		}
	}()

	outcome, err := c.handler.CreateVoucherOrder(ctx, task)
	if err != nil {
		return err
	}

	switch outcome {
	case service.OrderCreated:
		atomic.AddUint64(&c.processedTotal, 1)
		c.publish(ctx, task)
	case service.OrderAlreadyExists:
		c.log.Infof("[OrderConsumer] order for user %d voucher %d already exists, skip", task.UserID, task.VoucherID)
	case service.OrderSoldOut:
		c.log.WithFields(logrus.Fields{
			"order_id":   task.OrderID,
			"user_id":    task.UserID,
			"voucher_id": task.VoucherID,
		}).Warn("[OrderConsumer] admitted order dropped: voucher sold out in database")
	}
	return nil
}

// publish 发送 order_created 事件，失败只记录日志
func (c *OrderStreamConsumer) publish(ctx context.Context, task model.OrderTask) {
	if c.publisher == nil {
		return
	}
	body, _ := json.Marshal(task)
	msg := primitive.NewMessage(c.opts.Topic, body)
	msg.WithKeys([]string{strconv.FormatInt(task.OrderID, 10)})
	msg.WithTag("order_created")

	res, err := c.publisher.SendSync(ctx, msg)
	if err != nil {
		c.log.Errorf("[OrderConsumer] Failed to publish order_created for %d: %v", task.OrderID, err)
		return
	}
	if res.Status != primitive.SendOK {
		c.log.Warnf("[OrderConsumer] order_created send status not OK: %v", res.Status)
	}
}

// ConsumerStats 计数器快照
type ConsumerStats struct {
	Processed    uint64
	Failed       uint64
	Skipped      uint64
	DeadLettered uint64
	Claimed      uint64
}

func (c *OrderStreamConsumer) Stats() ConsumerStats {
	return ConsumerStats{
		Processed:    atomic.LoadUint64(&c.processedTotal),
		Failed:       atomic.LoadUint64(&c.failedTotal),
		Skipped:      atomic.LoadUint64(&c.skippedTotal),
		DeadLettered: atomic.LoadUint64(&c.deadTotal),
		Claimed:      atomic.LoadUint64(&c.claimedTotal),
	}
}

package worker

import (
	"context"
	"sync"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/voucherservice/pkg/model"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const deadLetterGroup = "group_dead_letter_persister"

// DeadLetterConsumer 从死信 stream 拉取消息并持久化到 MySQL
type DeadLetterConsumer struct {
	rdb      redis.Cmdable
	db       *gorm.DB
	log      *logrus.Logger
	consumer string
	block    time.Duration
	interval time.Duration
	minIdle  time.Duration
}

func NewDeadLetterConsumer(rdb redis.Cmdable, db *gorm.DB, log *logrus.Logger, consumer string) *DeadLetterConsumer {
	return &DeadLetterConsumer{
		rdb:      rdb,
		db:       db,
		log:      log,
		consumer: "dead-letter-" + consumer,
		block:    5 * time.Second,
		interval: 60 * time.Second,
		minIdle:  60 * time.Second,
	}
}

// Start 确保消费者组存在并启动消费和 pending 恢复协程
func (c *DeadLetterConsumer) Start(ctx context.Context, wg *sync.WaitGroup) {
	if err := c.rdb.XGroupCreateMkStream(ctx, model.DeadStreamKey, deadLetterGroup, "0").Err(); err != nil && !isBusyGroup(err) {
		c.log.Warnf("[DeadLetterConsumer] failed to create group: %v", err)
	}

	wg.Add(2)
	go c.consume(ctx, wg)
	go c.startRecovery(ctx, wg)
}

func (c *DeadLetterConsumer) consume(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	c.log.Info("[DeadLetterConsumer] Started consuming dead stream")

	for {
		select {
		case <-ctx.Done():
			c.log.Info("[DeadLetterConsumer] Shutting down...")
			return
		default:
			entries, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    deadLetterGroup,
				Consumer: c.consumer,
				Streams:  []string{model.DeadStreamKey, ">"},
				Count:    10,
				Block:    c.block,
			}).Result()

			if err != nil {
				if err != redis.Nil && ctx.Err() == nil {
					c.log.Errorf("[DeadLetterConsumer] XReadGroup error: %v", err)
					sleepCtx(ctx, time.Second)
				}
				continue
			}

			for _, stream := range entries {
				if len(stream.Messages) > 0 {
					c.persistMessages(ctx, stream.Messages)
				}
			}
		}
	}
}

// startRecovery 定期认领空闲的 pending 消息
func (c *DeadLetterConsumer) startRecovery(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			claimed, err := claimIdle(ctx, c.rdb, model.DeadStreamKey, deadLetterGroup, c.consumer, c.minIdle, 50)
			if err != nil {
				c.log.Errorf("[DeadLetterConsumer Recovery] claim error: %v", err)
				continue
			}
			if len(claimed) > 0 {
				c.log.Infof("[DeadLetterConsumer Recovery] Claimed %d pending messages", len(claimed))
				c.persistMessages(ctx, claimed)
			}
		}
	}
}

// persistMessages 批量写入 MySQL，成功后 ACK
func (c *DeadLetterConsumer) persistMessages(ctx context.Context, messages []redis.XMessage) {
	records := make([]model.DeadMessage, 0, len(messages))
	ackIDs := make([]string, 0, len(messages))

	for _, msg := range messages {
		records = append(records, toDeadMessage(msg.Values))
		ackIDs = append(ackIDs, msg.ID)
	}

	if len(records) == 0 {
		return
	}

	if err := c.db.WithContext(ctx).Create(&records).Error; err != nil {
		c.log.Errorf("[DeadLetterConsumer] Failed to persist %d dead messages: %v", len(records), err)
		// 不 ACK，等待下次重试
		return
	}

	if err := c.rdb.XAck(ctx, model.DeadStreamKey, deadLetterGroup, ackIDs...).Err(); err != nil {
		c.log.Errorf("[DeadLetterConsumer] Failed to ACK %d messages: %v", len(ackIDs), err)
		return
	}

	c.log.Infof("[DeadLetterConsumer] Persisted and ACKed %d dead messages", len(records))
}

// getString 安全地从 Redis Stream Values 中提取字符串
func getString(values map[string]interface{}, key string) string {
	if v, ok := values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

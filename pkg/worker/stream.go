package worker

import (
	"context"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// claimIdle 认领空闲超过 minIdle 的 pending 消息（包括已下线消费者的消息）
func claimIdle(ctx context.Context, rdb redis.Cmdable, stream, group, consumer string, minIdle time.Duration, count int64) ([]redis.XMessage, error) {
	pendings, err := rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil || len(pendings) == 0 {
		if err == redis.Nil {
			err = nil
		}
		return nil, err
	}

	ids := make([]string, 0, len(pendings))
	for _, p := range pendings {
		ids = append(ids, p.ID)
	}

	return rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

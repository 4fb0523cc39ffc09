package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dropbox/changes-sub002/internal/models"
	"github.com/go-redis/redis/v8"
)

const (
	READY_LIST_KEY   = "queue:ready"
	DELAYED_ZSET_KEY = "queue:delayed"
)

// ErrEmpty is returned by RedisQueue.Next when nothing is ready.
var ErrEmpty = errors.New("queue: empty")

// RedisQueue is the enqueue/retry primitive on Redis: a list of ready
// messages and a ZSET of delayed ones scored by their run-at time. Messages
// are removed on dequeue, so delivery is at-most-once; the expiry sweeper
// re-submits work lost that way.
type RedisQueue struct {
	rdb    *redis.Client
	policy RetryPolicy
	now    func() time.Time
}

func NewRedisQueue(rdb *redis.Client, policy RetryPolicy) *RedisQueue {
	return &RedisQueue{rdb: rdb, policy: policy, now: time.Now}
}

func (q *RedisQueue) Enqueue(ctx context.Context, name string, kwargs models.Kwargs, countdown time.Duration) error {
	return q.push(ctx, TaskMessage{Name: name, Kwargs: kwargs}, countdown)
}

func (q *RedisQueue) Retry(ctx context.Context, name string, kwargs models.Kwargs, countdown time.Duration) error {
	attempt, delay, err := q.policy.next(AttemptFrom(ctx), countdown)
	if err != nil {
		return err
	}
	return q.push(ctx, TaskMessage{Name: name, Kwargs: kwargs, Attempt: attempt}, delay)
}

func (q *RedisQueue) Resubmit(ctx context.Context, name string, kwargs models.Kwargs, attempt int) error {
	return q.push(ctx, TaskMessage{Name: name, Kwargs: kwargs, Attempt: attempt}, 0)
}

func (q *RedisQueue) push(ctx context.Context, msg TaskMessage, countdown time.Duration) error {
	if countdown > 0 {
		msg.RunAt = q.now().Add(countdown).UnixMilli()
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if countdown <= 0 {
		return q.rdb.LPush(ctx, READY_LIST_KEY, b).Err()
	}
	return q.rdb.ZAdd(ctx, DELAYED_ZSET_KEY, &redis.Z{
		Score:  float64(msg.RunAt),
		Member: string(b),
	}).Err()
}

// PromoteDue moves up to limit delayed messages whose run-at has passed onto
// the ready list. ZREM decides the winner when several workers race.
func (q *RedisQueue) PromoteDue(ctx context.Context, limit int) (int, error) {
	items, err := q.rdb.ZRangeByScore(ctx, DELAYED_ZSET_KEY, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", q.now().UnixMilli()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, it := range items {
		removed, err := q.rdb.ZRem(ctx, DELAYED_ZSET_KEY, it).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, READY_LIST_KEY, it).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// Next promotes due messages and pops the oldest ready one.
func (q *RedisQueue) Next(ctx context.Context) (Delivery, error) {
	if _, err := q.PromoteDue(ctx, 128); err != nil {
		return Delivery{}, err
	}
	raw, err := q.rdb.RPop(ctx, READY_LIST_KEY).Result()
	if err == redis.Nil {
		return Delivery{}, ErrEmpty
	}
	if err != nil {
		return Delivery{}, err
	}

	var tm TaskMessage
	if err := json.Unmarshal([]byte(raw), &tm); err != nil {
		return Delivery{}, err
	}
	return Delivery{Msg: tm, Ack: func(context.Context) error { return nil }}, nil
}

func (q *RedisQueue) Close() error { return nil }

// Lengths reports the ready and delayed backlog.
func (q *RedisQueue) Lengths(ctx context.Context) (ready, delayed int64, err error) {
	ready, err = q.rdb.LLen(ctx, READY_LIST_KEY).Result()
	if err != nil {
		return 0, 0, err
	}
	delayed, err = q.rdb.ZCard(ctx, DELAYED_ZSET_KEY).Result()
	return ready, delayed, err
}

// Package backend builds the lock and queue implementations a process is
// configured for.
package backend

import (
	"context"
	"fmt"
	"log"

	"github.com/dropbox/changes-sub002/internal/config"
	"github.com/dropbox/changes-sub002/internal/lock"
	"github.com/dropbox/changes-sub002/internal/queue"
	"github.com/dropbox/changes-sub002/internal/tracked"
	"github.com/go-redis/redis/v8"
)

func NewRedis(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func NewLocker(ctx context.Context, cfg config.Config, rdb *redis.Client) (lock.Locker, error) {
	switch cfg.LockBackend {
	case "redis":
		return lock.NewRedisLocker(rdb), nil
	case "dynamo":
		return lock.NewDynamoLocker(ctx, cfg.AWSRegion, cfg.DynamoLockTable, cfg.DynamoEndpoint)
	default:
		return nil, fmt.Errorf("unknown LOCK_BACKEND %q", cfg.LockBackend)
	}
}

func RetryPolicy(cfg config.Config) queue.RetryPolicy {
	return queue.RetryPolicy{MaxRetries: cfg.QueueMaxRetries, MaxBackoff: cfg.QueueMaxBackoff}
}

// Queue is both ends of the task queue.
type Queue struct {
	Enqueuer queue.Publisher
	Consumer queue.Consumer
	closers  []func() error
}

func (q *Queue) Close() {
	for _, c := range q.closers {
		if err := c(); err != nil {
			log.Println("backend: close queue:", err)
		}
	}
}

// OpenQueue connects to the configured queue for a worker. The consumer
// reads the main topic (Kafka) or the ready list (Redis).
func OpenQueue(cfg config.Config, rdb *redis.Client) (*Queue, error) {
	return open(cfg, rdb, true)
}

// OpenEnqueuer connects for publishing only. A Kafka consumer joins the
// worker group, so processes that never read must not create one.
func OpenEnqueuer(cfg config.Config, rdb *redis.Client) (*Queue, error) {
	return open(cfg, rdb, false)
}

func open(cfg config.Config, rdb *redis.Client, consume bool) (*Queue, error) {
	switch cfg.QueueBackend {
	case "kafka":
		main := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicMain)
		delayed := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicDelay)
		q := &Queue{
			Enqueuer: queue.NewKafkaQueue(main, delayed, RetryPolicy(cfg)),
			closers:  []func() error{delayed.Close, main.Close},
		}
		if consume {
			consumer := queue.NewConsumer(queue.SplitBrokers(cfg.KafkaBrokers), cfg.KafkaTopicMain, cfg.KafkaGroupID)
			q.Consumer = consumer
			q.closers = append([]func() error{consumer.Close}, q.closers...)
		}
		return q, nil
	case "redis":
		rq := queue.NewRedisQueue(rdb, RetryPolicy(cfg))
		q := &Queue{Enqueuer: rq, closers: []func() error{rq.Close}}
		if consume {
			q.Consumer = rq
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}
}

// TrackedOptions maps the task settings onto the runtime's options.
func TrackedOptions(cfg config.Config) tracked.Options {
	return tracked.Options{
		ContinueDelay: cfg.ContinueDelay,
		RetryDelay:    cfg.RetryDelay,
		RunTimeout:    cfg.RunTimeout,
		ExpireTimeout: cfg.ExpireTimeout,
		SkipFinished:  cfg.SkipFinished,
	}
}

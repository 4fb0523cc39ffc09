package queue

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/dropbox/changes-sub002/internal/models"
	kgo "github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

type Producer struct {
	writer  messageWriter
	timeout time.Duration
}

func NewProducer(brokersCSV, topic string) *Producer {
	brokers := splitCSV(brokersCSV)
	if topic == "" {
		panic("kafka topic is required (topic cannot be empty)")
	}

	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireAll,
	}

	return &Producer{
		writer:  w,
		timeout: 3 * time.Second,
	}
}

func (p *Producer) Close() error { return p.writer.Close() }

func (p *Producer) Publish(ctx context.Context, msg TaskMessage) error {
	return p.publishJSON(ctx, msg.Key(), msg)
}

func (p *Producer) publishJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(key),
		Value: b,
		Time:  time.Now(),
	})
}

// KafkaQueue is the enqueue/retry primitive on Kafka. Immediate messages go
// to the main topic; anything with a countdown goes to the delay topic, from
// which cmd/scheduler re-publishes it once due.
type KafkaQueue struct {
	main    *Producer
	delayed *Producer
	policy  RetryPolicy
	now     func() time.Time
}

func NewKafkaQueue(main, delayed *Producer, policy RetryPolicy) *KafkaQueue {
	return &KafkaQueue{main: main, delayed: delayed, policy: policy, now: time.Now}
}

func (q *KafkaQueue) Enqueue(ctx context.Context, name string, kwargs models.Kwargs, countdown time.Duration) error {
	return q.publish(ctx, TaskMessage{Name: name, Kwargs: kwargs}, countdown)
}

// Retry re-publishes with the queue's backoff. The attempt count comes from
// the message currently being handled (see WithAttempt).
func (q *KafkaQueue) Retry(ctx context.Context, name string, kwargs models.Kwargs, countdown time.Duration) error {
	attempt, delay, err := q.policy.next(AttemptFrom(ctx), countdown)
	if err != nil {
		return err
	}
	return q.publish(ctx, TaskMessage{Name: name, Kwargs: kwargs, Attempt: attempt}, delay)
}

// Resubmit publishes an invocation again right away, keeping the retry count
// it had reached.
func (q *KafkaQueue) Resubmit(ctx context.Context, name string, kwargs models.Kwargs, attempt int) error {
	return q.publish(ctx, TaskMessage{Name: name, Kwargs: kwargs, Attempt: attempt}, 0)
}

func (q *KafkaQueue) publish(ctx context.Context, msg TaskMessage, countdown time.Duration) error {
	if countdown <= 0 {
		return q.main.Publish(ctx, msg)
	}
	msg.RunAt = q.now().Add(countdown).UnixMilli()
	return q.delayed.Publish(ctx, msg)
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

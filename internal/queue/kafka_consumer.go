package queue

import (
	"context"
	"encoding/json"
	"time"

	kgo "github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kgo.Message, error)
	CommitMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

type KafkaConsumer struct {
	reader messageReader
}

func NewConsumer(brokers []string, topic, groupID string) *KafkaConsumer {
	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
	})

	return &KafkaConsumer{reader: r}
}

func (c *KafkaConsumer) Close() error { return c.reader.Close() }

// Next fetches one message. Its offset is committed only when the returned
// Ack is called, so a worker that dies mid-task gets the message again after
// the group rebalances. A live reader moves on regardless: run the delivery
// through Handle before calling Next again.
func (c *KafkaConsumer) Next(ctx context.Context) (Delivery, error) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Delivery{}, err
	}

	var tm TaskMessage
	if err := json.Unmarshal(m.Value, &tm); err != nil {
		// commit bad messages so you don't get stuck forever
		_ = c.reader.CommitMessages(ctx, m)
		return Delivery{}, err
	}

	ack := func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return c.reader.CommitMessages(cctx, m)
	}

	return Delivery{Msg: tm, Ack: ack}, nil
}

// SplitBrokers parses a comma separated broker list.
func SplitBrokers(csv string) []string { return splitCSV(csv) }

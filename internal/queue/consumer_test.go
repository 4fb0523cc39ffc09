package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dropbox/changes-sub002/internal/models"
	kgo "github.com/segmentio/kafka-go"
)

// fakeReader serves a fixed list of messages in order, then blocks.
type fakeReader struct {
	mu      sync.Mutex
	msgs    []kgo.Message
	commits []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kgo.Message, error) {
	for {
		r.mu.Lock()
		if len(r.msgs) > 0 {
			m := r.msgs[0]
			r.msgs = r.msgs[1:]
			r.mu.Unlock()
			return m, nil
		}
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return kgo.Message{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kgo.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.commits = append(r.commits, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.commits...)
}

func kafkaMessage(t *testing.T, offset int64, msg TaskMessage) kgo.Message {
	t.Helper()
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	return kgo.Message{Partition: 0, Offset: offset, Value: b}
}

func taskMessage(id string, runAt int64) TaskMessage {
	return TaskMessage{Name: "sync_job", Kwargs: models.Kwargs{models.KwargTaskID: id}, RunAt: runAt}
}

func TestHandleRetriesBeforeMovingOn(t *testing.T) {
	r := &fakeReader{msgs: []kgo.Message{
		kafkaMessage(t, 0, taskMessage("m0", 0)),
		kafkaMessage(t, 1, taskMessage("m1", 0)),
	}}
	c := &KafkaConsumer{reader: r}
	ctx := context.Background()

	calls := map[string]int{}
	var order []string
	fn := func(_ context.Context, msg TaskMessage) error {
		id := msg.Kwargs[models.KwargTaskID]
		calls[id]++
		order = append(order, id)
		if id == "m0" && calls[id] < 3 {
			return errors.New("ledger unavailable")
		}
		return nil
	}

	for i := 0; i < 2; i++ {
		d, err := c.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if err := Handle(ctx, d, time.Millisecond, fn); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}

	if calls["m0"] != 3 || calls["m1"] != 1 {
		t.Fatalf("calls = %v", calls)
	}
	if want := []string{"m0", "m0", "m0", "m1"}; len(order) != len(want) || order[3] != "m1" {
		t.Fatalf("order = %v, want %v", order, want)
	}
	if got := r.committed(); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("commits = %v, want [0 1]", got)
	}
}

func TestHandleStopsWithContext(t *testing.T) {
	acked := false
	d := Delivery{
		Msg: taskMessage("m0", 0),
		Ack: func(context.Context) error { acked = true; return nil },
	}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Handle(ctx, d, time.Millisecond, func(context.Context, TaskMessage) error {
		calls++
		if calls == 3 {
			cancel()
		}
		return errors.New("down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if acked {
		t.Fatal("acked a message that never succeeded")
	}
}

func TestConsumerCommitsUndecodable(t *testing.T) {
	r := &fakeReader{msgs: []kgo.Message{{Offset: 7, Value: []byte("{")}}}
	c := &KafkaConsumer{reader: r}
	if _, err := c.Next(context.Background()); err == nil {
		t.Fatal("expected a decode error")
	}
	if got := r.committed(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("commits = %v", got)
	}
}

type fakePublisher struct {
	mu       sync.Mutex
	failures int
	msgs     []TaskMessage
}

func (p *fakePublisher) Publish(_ context.Context, msg TaskMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *fakePublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.msgs))
	for _, m := range p.msgs {
		ids = append(ids, m.Kwargs[models.KwargTaskID])
	}
	return ids
}

func runDelayScheduler(t *testing.T, r *fakeReader, p *fakePublisher) (*DelayScheduler, func()) {
	t.Helper()
	s := newDelayScheduler(r, p)
	s.backoff = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	return s, func() {
		cancel()
		<-done
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDelaySchedulerLongBackoffDoesNotBlock(t *testing.T) {
	now := time.Now()
	r := &fakeReader{msgs: []kgo.Message{
		kafkaMessage(t, 0, taskMessage("retry", now.Add(time.Hour).UnixMilli())),
		kafkaMessage(t, 1, taskMessage("continue", now.Add(20*time.Millisecond).UnixMilli())),
	}}
	p := &fakePublisher{}
	s, stop := runDelayScheduler(t, r, p)

	waitFor(t, "the continuation", func() bool { return len(p.published()) == 1 })
	stop()

	if got := p.published(); got[0] != "continue" {
		t.Fatalf("published %v", got)
	}
	if p.msgs[0].RunAt != 0 {
		t.Fatalf("re-published with RunAt %d", p.msgs[0].RunAt)
	}
	if s.Waiting() != 1 {
		t.Fatalf("waiting = %d, want the retry still held", s.Waiting())
	}
	// offset 0 is still waiting, so nothing may be committed
	if got := r.committed(); len(got) != 0 {
		t.Fatalf("commits = %v", got)
	}
}

func TestDelaySchedulerCommitsFinishedPrefix(t *testing.T) {
	now := time.Now()
	r := &fakeReader{msgs: []kgo.Message{
		kafkaMessage(t, 0, taskMessage("later", now.Add(40*time.Millisecond).UnixMilli())),
		kafkaMessage(t, 1, taskMessage("sooner", now.UnixMilli())),
		{Partition: 0, Offset: 2, Value: []byte("not json")},
	}}
	p := &fakePublisher{failures: 2}
	_, stop := runDelayScheduler(t, r, p)

	waitFor(t, "both messages", func() bool { return len(p.published()) == 2 })
	waitFor(t, "the final commit", func() bool {
		got := r.committed()
		return len(got) > 0 && got[len(got)-1] == 2
	})
	stop()

	if got := p.published(); got[0] != "sooner" || got[1] != "later" {
		t.Fatalf("published %v", got)
	}
	prev := int64(-1)
	for _, o := range r.committed() {
		if o < prev {
			t.Fatalf("commits went backwards: %v", r.committed())
		}
		prev = o
	}
}

func TestPartitionLogFinish(t *testing.T) {
	p := newPartitionLog()
	for o := int64(10); o < 13; o++ {
		p.track(kgo.Message{Offset: o})
	}
	if _, ok := p.finish(11); ok {
		t.Fatal("committable before offset 10 finished")
	}
	m, ok := p.finish(10)
	if !ok || m.Offset != 11 {
		t.Fatalf("finish(10) = %d %v, want 11", m.Offset, ok)
	}
	m, ok = p.finish(12)
	if !ok || m.Offset != 12 {
		t.Fatalf("finish(12) = %d %v", m.Offset, ok)
	}
}

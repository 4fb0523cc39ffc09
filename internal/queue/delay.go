package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	kgo "github.com/segmentio/kafka-go"
)

type publisher interface {
	Publish(ctx context.Context, msg TaskMessage) error
}

// DelayScheduler moves messages from the delay topic onto the main topic
// once their RunAt has passed. Fetched messages wait in memory ordered by
// RunAt, so a half-hour retry backoff never holds up a five second
// continuation fetched after it.
//
// Offsets are committed per partition only up to the oldest message that has
// not been re-published yet. After a restart everything still waiting is
// read again; a message re-published twice is harmless to the runtime.
type DelayScheduler struct {
	reader  messageReader
	main    publisher
	now     func() time.Time
	backoff time.Duration
	wake    chan struct{}

	mu      sync.Mutex
	seq     int64
	waiting dueHeap
	parts   map[int]*partitionLog
}

func NewDelayScheduler(src *KafkaConsumer, main *Producer) *DelayScheduler {
	return newDelayScheduler(src.reader, main)
}

func newDelayScheduler(r messageReader, main publisher) *DelayScheduler {
	return &DelayScheduler{
		reader:  r,
		main:    main,
		now:     time.Now,
		backoff: 500 * time.Millisecond,
		wake:    make(chan struct{}, 1),
		parts:   map[int]*partitionLog{},
	}
}

// Run fetches and re-publishes until ctx is done.
func (s *DelayScheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.fetchLoop(ctx)
	}()
	s.publishLoop(ctx)
	wg.Wait()
}

// Waiting reports how many fetched messages are not yet due.
func (s *DelayScheduler) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting.Len()
}

func (s *DelayScheduler) fetchLoop(ctx context.Context) {
	for ctx.Err() == nil {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Println("scheduler: read error:", err)
				sleep(ctx, s.backoff)
			}
			continue
		}
		s.add(m)
	}
}

func (s *DelayScheduler) add(m kgo.Message) {
	d := &delayed{src: m}
	if err := json.Unmarshal(m.Value, &d.msg); err != nil {
		// commit bad messages so the partition doesn't get stuck
		log.Printf("scheduler: dropping undecodable message partition=%d offset=%d: %v", m.Partition, m.Offset, err)
		d.skip = true
	}

	s.mu.Lock()
	p, ok := s.parts[m.Partition]
	if !ok {
		p = newPartitionLog()
		s.parts[m.Partition] = p
	}
	p.track(m)
	s.seq++
	d.seq = s.seq
	heap.Push(&s.waiting, d)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// publishLoop is the only goroutine that pops, publishes and commits, which
// keeps the commits of a partition in offset order.
func (s *DelayScheduler) publishLoop(ctx context.Context) {
	for ctx.Err() == nil {
		d, wait := s.nextDue()
		if d != nil {
			if err := s.publish(ctx, d); err != nil {
				return
			}
			continue
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
		case <-s.wake:
		case <-t.C:
		}
		t.Stop()
	}
}

// nextDue pops the earliest message if it is due, or returns how long to
// wait for it.
func (s *DelayScheduler) nextDue() (*delayed, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiting.Len() == 0 {
		return nil, time.Minute
	}
	first := s.waiting[0]
	if !first.skip {
		if wait := time.UnixMilli(first.msg.RunAt).Sub(s.now()); wait > 0 {
			return nil, wait
		}
	}
	return heap.Pop(&s.waiting).(*delayed), 0
}

func (s *DelayScheduler) publish(ctx context.Context, d *delayed) error {
	if !d.skip {
		msg := d.msg
		msg.RunAt = 0
		err := retryInPlace(ctx, s.backoff, func(ctx context.Context) error {
			return s.main.Publish(ctx, msg)
		}, func(attempt int, err error) {
			log.Printf("scheduler: publish %s failed (attempt %d): %v", msg.Key(), attempt, err)
		})
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	upTo, ok := s.parts[d.src.Partition].finish(d.src.Offset)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.reader.CommitMessages(cctx, upTo); err != nil {
		// the next commit on this partition covers it
		log.Println("scheduler: commit error:", err)
	}
	return nil
}

type delayed struct {
	msg  TaskMessage
	src  kgo.Message
	skip bool
	seq  int64
}

// dueHeap orders by RunAt, then by fetch order.
type dueHeap []*delayed

func (h dueHeap) Len() int { return len(h) }

func (h dueHeap) Less(i, j int) bool {
	if h[i].msg.RunAt != h[j].msg.RunAt {
		return h[i].msg.RunAt < h[j].msg.RunAt
	}
	return h[i].seq < h[j].seq
}

func (h dueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *dueHeap) Push(x any) { *h = append(*h, x.(*delayed)) }

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// partitionLog tracks fetched offsets of one partition until they are
// re-published.
type partitionLog struct {
	pending []int64
	msgs    map[int64]kgo.Message
	done    map[int64]bool
}

func newPartitionLog() *partitionLog {
	return &partitionLog{msgs: map[int64]kgo.Message{}, done: map[int64]bool{}}
}

func (p *partitionLog) track(m kgo.Message) {
	p.pending = append(p.pending, m.Offset)
	p.msgs[m.Offset] = m
}

// finish marks offset as re-published and returns the last message of the
// finished prefix, which is what may be committed.
func (p *partitionLog) finish(offset int64) (kgo.Message, bool) {
	p.done[offset] = true
	var last kgo.Message
	ok := false
	for len(p.pending) > 0 && p.done[p.pending[0]] {
		o := p.pending[0]
		last, ok = p.msgs[o], true
		delete(p.msgs, o)
		delete(p.done, o)
		p.pending = p.pending[1:]
	}
	return last, ok
}

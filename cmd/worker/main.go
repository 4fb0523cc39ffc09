package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dropbox/changes-sub002/internal/backend"
	"github.com/dropbox/changes-sub002/internal/buildsync"
	"github.com/dropbox/changes-sub002/internal/config"
	"github.com/dropbox/changes-sub002/internal/queue"
	"github.com/dropbox/changes-sub002/internal/store"
	"github.com/dropbox/changes-sub002/internal/tracked"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// SQLite store (source of truth)
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal("worker: open store:", err)
	}
	defer st.Close()

	rdb := backend.NewRedis(cfg)
	defer rdb.Close()

	q, err := backend.OpenQueue(cfg, rdb)
	if err != nil {
		log.Fatal("worker: open queue:", err)
	}
	defer q.Close()

	rt := tracked.New(st, q.Enqueuer, tracked.NewLockRegistry(), backend.TrackedOptions(cfg))
	buildsync.Register(rt)

	log.Println("worker: started",
		"workerID=", cfg.WorkerID,
		"queue=", cfg.QueueBackend,
	)

	for ctx.Err() == nil {
		// 1) Read one task message
		d, err := q.Consumer.Next(ctx)
		if errors.Is(err, queue.ErrEmpty) {
			sleep(ctx, 500*time.Millisecond)
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				log.Println("worker: read error:", err)
				sleep(ctx, 500*time.Millisecond)
			}
			continue
		}

		// 2) Run it until its outcome is recorded, then ack. The attempt rides
		// along so a retry continues the count.
		err = queue.Handle(ctx, d, 500*time.Millisecond, func(ctx context.Context, msg queue.TaskMessage) error {
			err := rt.Dispatch(queue.WithAttempt(ctx, msg.Attempt), msg.Name, msg.Kwargs)
			if errors.Is(err, tracked.ErrUnknownTask) {
				log.Println("worker: dropping message:", err)
				return nil
			}
			return err
		})
		if err != nil && ctx.Err() == nil {
			log.Println("worker: commit error:", err)
		}
	}
	log.Println("worker: stopped")
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

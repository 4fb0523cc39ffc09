package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/dropbox/changes-sub002/internal/backend"
	"github.com/dropbox/changes-sub002/internal/config"
	"github.com/dropbox/changes-sub002/internal/email"
	"github.com/dropbox/changes-sub002/internal/store"
	"github.com/dropbox/changes-sub002/internal/sweeper"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal("sweeper: open store:", err)
	}
	defer st.Close()

	rdb := backend.NewRedis(cfg)
	defer rdb.Close()

	q, err := backend.OpenEnqueuer(cfg, rdb)
	if err != nil {
		log.Fatal("sweeper: open queue:", err)
	}
	defer q.Close()

	var notifier sweeper.Notifier = sweeper.NoopNotifier{}
	if cfg.NotifyEmail != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			log.Fatal("sweeper: load aws cfg:", err)
		}
		sender, err := email.NewSESSender(awsCfg, cfg.SESFromEmail)
		if err != nil {
			log.Fatal("sweeper: init ses:", err)
		}
		notifier = email.NewNotifier(sender, cfg.NotifyEmail)
	}

	s := sweeper.New(st, q.Enqueuer, notifier, sweeper.Options{
		CheckAfter:           cfg.SweepCheckAfter,
		ExpireAfter:          cfg.SweepExpireAfter,
		StepHeartbeatTimeout: cfg.StepHeartbeatTimeout,
		Retry:                backend.RetryPolicy(cfg),
		RetryDelay:           cfg.RetryDelay,
	})

	log.Println("sweeper: started interval=", cfg.SweepInterval)
	s.Run(ctx, cfg.SweepInterval)
	log.Println("sweeper: stopped")
}

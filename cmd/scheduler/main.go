package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dropbox/changes-sub002/internal/config"
	"github.com/dropbox/changes-sub002/internal/queue"
)

// scheduler moves messages from the delay topic back onto the main topic once
// their run-at time has passed. Only the Kafka queue needs it; the Redis
// queue promotes due messages itself.
func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	delayConsumer := queue.NewConsumer(queue.SplitBrokers(cfg.KafkaBrokers), cfg.KafkaTopicDelay, cfg.KafkaSchedulerGroup)
	defer delayConsumer.Close()

	mainProducer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicMain)
	defer mainProducer.Close()

	log.Println("scheduler: started delayTopic=", cfg.KafkaTopicDelay, "mainTopic=", cfg.KafkaTopicMain)
	queue.NewDelayScheduler(delayConsumer, mainProducer).Run(ctx)
	log.Println("scheduler: stopped")
}

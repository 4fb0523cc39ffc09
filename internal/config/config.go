// Package config reads process settings from the environment, after loading
// a .env file when one is present.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr string
	DBPath   string
	WorkerID string

	// "kafka" or "redis"
	QueueBackend string
	// "redis" or "dynamo"
	LockBackend string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers        string
	KafkaTopicMain      string
	KafkaTopicDelay     string
	KafkaGroupID        string
	KafkaSchedulerGroup string

	QueueMaxRetries int
	QueueMaxBackoff time.Duration

	AWSRegion       string
	DynamoLockTable string
	DynamoEndpoint  string
	NotifyEmail     string
	SESFromEmail    string

	MaxJobsPerProject int
	StepOptionsPath   string

	ContinueDelay time.Duration
	RetryDelay    time.Duration
	RunTimeout    time.Duration
	ExpireTimeout time.Duration
	SkipFinished  bool

	SweepInterval        time.Duration
	SweepCheckAfter      time.Duration
	SweepExpireAfter     time.Duration
	StepHeartbeatTimeout time.Duration
}

// Load reads .env (if any) and the environment.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv()
}

func FromEnv() Config {
	return Config{
		HTTPAddr: getenv("HTTP_ADDR", ":8080"),
		DBPath:   getenv("DB_PATH", "changes.db"),
		WorkerID: getenv("WORKER_ID", "worker-1"),

		QueueBackend: getenv("QUEUE_BACKEND", "kafka"),
		LockBackend:  getenv("LOCK_BACKEND", "redis"),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getint("REDIS_DB", 0),

		KafkaBrokers:        getenv("KAFKA_BROKERS", "localhost:9092"),
		KafkaTopicMain:      getenv("KAFKA_TOPIC_MAIN", "changes-tasks"),
		KafkaTopicDelay:     getenv("KAFKA_TOPIC_DELAY", "changes-delayed"),
		KafkaGroupID:        getenv("KAFKA_GROUP_ID", "changes-workers"),
		KafkaSchedulerGroup: getenv("KAFKA_SCHEDULER_GROUP", "changes-scheduler"),

		QueueMaxRetries: getint("QUEUE_MAX_RETRIES", 50),
		QueueMaxBackoff: getduration("QUEUE_MAX_BACKOFF", 30*time.Minute),

		AWSRegion:       getenv("AWS_REGION", "us-east-2"),
		DynamoLockTable: os.Getenv("DYNAMO_LOCK_TABLE"),
		DynamoEndpoint:  os.Getenv("DYNAMO_ENDPOINT"),
		NotifyEmail:     os.Getenv("NOTIFY_EMAIL"),
		SESFromEmail:    os.Getenv("SES_FROM_EMAIL"),

		MaxJobsPerProject: getint("MAX_JOBS_PER_PROJECT", 10),
		StepOptionsPath:   os.Getenv("STEP_OPTIONS_PATH"),

		ContinueDelay: getduration("TASK_CONTINUE_DELAY", 5*time.Second),
		RetryDelay:    getduration("TASK_RETRY_DELAY", 60*time.Second),
		RunTimeout:    getduration("TASK_RUN_TIMEOUT", 5*time.Minute),
		ExpireTimeout: getduration("TASK_EXPIRE_TIMEOUT", 60*time.Minute),
		SkipFinished:  getbool("TASK_SKIP_FINISHED", true),

		SweepInterval:        getduration("SWEEP_INTERVAL", time.Minute),
		SweepCheckAfter:      getduration("SWEEP_CHECK_AFTER", 5*time.Minute),
		SweepExpireAfter:     getduration("SWEEP_EXPIRE_AFTER", 6*time.Hour),
		StepHeartbeatTimeout: getduration("STEP_HEARTBEAT_TIMEOUT", 10*time.Minute),
	}
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func getint(k string, def int) int {
	n, err := strconv.Atoi(os.Getenv(k))
	if err != nil {
		return def
	}
	return n
}

func getbool(k string, def bool) bool {
	b, err := strconv.ParseBool(os.Getenv(k))
	if err != nil {
		return def
	}
	return b
}

// getduration accepts Go durations ("90s") or plain seconds ("90").
func getduration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

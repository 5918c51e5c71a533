// Package config loads the engine's runtime configuration from environment
// variables, with an optional .env file for local development. Validation
// errors are accumulated so one Load reports every missing or malformed
// value at once.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Broker selects the transport.
const (
	BrokerKafka  = "kafka"
	BrokerRabbit = "rabbit"
)

// Store backend selects where delivery state lives.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// Config captures all runtime configuration for the delivery engine.
type Config struct {
	App       AppConfig
	Broker    BrokerConfig
	Queues    QueueConfig
	Retry     RetryConfig
	Store     StoreConfig
	Scheduler SchedulerConfig
	Metrics   MetricsConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	LogLevel string
	// LogFile enables rotating JSON file output when set.
	LogFile string
}

// BrokerConfig defines the transport and its addresses.
type BrokerConfig struct {
	// Kind is "kafka" or "rabbit".
	Kind string
	// KafkaBrokers is required when Kind is kafka.
	KafkaBrokers []string
	// RabbitURL is required when Kind is rabbit.
	RabbitURL string
	// ConsumerGroup names the Kafka consumer group.
	ConsumerGroup string
}

// QueueConfig enumerates the engine's destinations. For Kafka these are
// topics; for RabbitMQ, queues.
type QueueConfig struct {
	Main       string
	Wait       string
	DeadLetter string
	// Status is optional; empty disables lifecycle status events.
	Status string
}

// RetryConfig controls the retry and dead-letter policy.
type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	ReprocessLimit    int
	WorkerConcurrency int
	Prefetch          int
	CallbackTimeout   time.Duration
	MsgMaxBytes       int
}

// StoreConfig selects the state backend and its connection details.
type StoreConfig struct {
	// Backend is "memory", "redis", "postgres", or "mongo".
	Backend string
	// RedisAddr is required when Backend is redis.
	RedisAddr string
	// PostgresDSN is required when Backend is postgres.
	PostgresDSN string
	// MongoURI and MongoDatabase are required when Backend is mongo.
	MongoURI      string
	MongoDatabase string
	// IdempotencyRetention bounds how long completion records are kept.
	IdempotencyRetention time.Duration
}

// SchedulerConfig tunes the redelivery pump.
type SchedulerConfig struct {
	PollInterval       time.Duration
	BatchLimit         int
	RepublishPerSecond float64
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	// ListenAddr serves /metrics; empty disables the listener.
	ListenAddr string
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)
	cfg.App.LogFile = ldr.getString("LOG_FILE", "", false)

	cfg.Broker.Kind = strings.ToLower(ldr.getString("BROKER_KIND", BrokerKafka, false))
	switch cfg.Broker.Kind {
	case BrokerKafka:
		cfg.Broker.KafkaBrokers = ldr.getStringSlice("KAFKA_BROKERS", true)
		cfg.Broker.ConsumerGroup = ldr.getString("KAFKA_CONSUMER_GROUP", "delivery-core", false)
	case BrokerRabbit:
		cfg.Broker.RabbitURL = ldr.getString("RABBIT_URL", "", true)
	default:
		ldr.addError(fmt.Sprintf("BROKER_KIND must be %q or %q", BrokerKafka, BrokerRabbit))
	}

	cfg.Queues.Main = ldr.getString("QUEUE_MAIN", "", true)
	cfg.Queues.Wait = ldr.getString("QUEUE_WAIT", "", false)
	cfg.Queues.DeadLetter = ldr.getString("QUEUE_DEAD_LETTER", "", true)
	cfg.Queues.Status = ldr.getString("QUEUE_STATUS", "", false)
	if cfg.Broker.Kind == BrokerRabbit && cfg.Queues.Wait == "" {
		ldr.addError("QUEUE_WAIT is required when BROKER_KIND is rabbit")
	}

	cfg.Retry.MaxAttempts = ldr.getInt("MAX_ATTEMPTS", 5, false)
	cfg.Retry.InitialBackoff = ldr.getDuration("INITIAL_BACKOFF", time.Second, false)
	cfg.Retry.BackoffMultiplier = ldr.getFloat("BACKOFF_MULTIPLIER", 2, false)
	cfg.Retry.MaxBackoff = ldr.getDuration("MAX_BACKOFF", time.Minute, false)
	cfg.Retry.ReprocessLimit = ldr.getInt("REPROCESS_LIMIT", 3, false)
	cfg.Retry.WorkerConcurrency = ldr.getInt("WORKER_CONCURRENCY", 10, false)
	cfg.Retry.Prefetch = ldr.getInt("PREFETCH", 50, false)
	cfg.Retry.CallbackTimeout = ldr.getDuration("CALLBACK_TIMEOUT", 30*time.Second, false)
	cfg.Retry.MsgMaxBytes = ldr.getInt("MSG_MAX_BYTES", 200000, false)

	cfg.Store.Backend = strings.ToLower(ldr.getString("STORE_BACKEND", StoreMemory, false))
	switch cfg.Store.Backend {
	case StoreMemory:
	case StoreRedis:
		cfg.Store.RedisAddr = ldr.getString("REDIS_ADDR", "", true)
	case StorePostgres:
		cfg.Store.PostgresDSN = ldr.getString("POSTGRES_DSN", "", true)
	case StoreMongo:
		cfg.Store.MongoURI = ldr.getString("MONGO_URI", "", true)
		cfg.Store.MongoDatabase = ldr.getString("MONGO_DATABASE", "delivery", false)
	default:
		ldr.addError(fmt.Sprintf("STORE_BACKEND must be one of %q, %q, %q, %q",
			StoreMemory, StoreRedis, StorePostgres, StoreMongo))
	}
	cfg.Store.IdempotencyRetention = ldr.getDuration("IDEMPOTENCY_RETENTION", 7*24*time.Hour, false)

	cfg.Scheduler.PollInterval = ldr.getDuration("SCHEDULER_POLL_INTERVAL", 200*time.Millisecond, false)
	cfg.Scheduler.BatchLimit = ldr.getInt("SCHEDULER_BATCH_LIMIT", 100, false)
	cfg.Scheduler.RepublishPerSecond = ldr.getFloat("SCHEDULER_REPUBLISH_PER_SECOND", 0, false)

	cfg.Metrics.ListenAddr = ldr.getString("METRICS_LISTEN_ADDR", ":9090", false)

	if cfg.Retry.MaxAttempts < 1 {
		ldr.addError("MAX_ATTEMPTS must be at least 1")
	}
	if cfg.Retry.BackoffMultiplier < 1 {
		ldr.addError("BACKOFF_MULTIPLIER must be at least 1")
	}

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	raw := l.getString(key, "", required)
	if raw == "" {
		return def
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

func (l *envLoader) getFloat(key string, def float64, required bool) float64 {
	raw := l.getString(key, "", required)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid number", key))
		return def
	}
	return f
}

func (l *envLoader) getDuration(key string, def time.Duration, required bool) time.Duration {
	raw := l.getString(key, "", required)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid duration (e.g. 30s, 5m)", key))
		return def
	}
	return d
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		if required {
			return nil
		}
		return []string{}
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}

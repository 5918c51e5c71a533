// Command delivery-worker runs the delivery engine end to end: it consumes
// envelopes from the configured broker, drives them through the dispatcher
// with the reference payment processor, pumps scheduled redeliveries, and
// serves Prometheus metrics.
package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/example/delivery-core/internal/backoff"
	"github.com/example/delivery-core/internal/config"
	"github.com/example/delivery-core/internal/deadletter"
	"github.com/example/delivery-core/internal/dispatch"
	"github.com/example/delivery-core/internal/idempotency"
	kafkabridge "github.com/example/delivery-core/internal/kafka"
	"github.com/example/delivery-core/internal/kafka/consumer"
	"github.com/example/delivery-core/internal/kafka/producer"
	kafkapublisher "github.com/example/delivery-core/internal/kafka/publisher"
	"github.com/example/delivery-core/internal/logger"
	"github.com/example/delivery-core/internal/metrics"
	"github.com/example/delivery-core/internal/processors/payment"
	"github.com/example/delivery-core/internal/rabbit"
	"github.com/example/delivery-core/internal/scheduler"
	memorystore "github.com/example/delivery-core/internal/store/memory"
	mongostore "github.com/example/delivery-core/internal/store/mongo"
	postgresstore "github.com/example/delivery-core/internal/store/postgres"
	redisstore "github.com/example/delivery-core/internal/store/redis"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	var writers []io.Writer
	if cfg.App.LogFile != "" {
		writers = append(writers, os.Stdout, logger.NewRotatingWriter(cfg.App.LogFile))
	}
	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel, writers...)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "delivery-worker").Logger()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	sink := metrics.NewPrometheus(registry)

	stores, cleanup, err := openStores(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open state stores")
	}
	defer cleanup()

	strategy := backoff.NewExponential(cfg.Retry.InitialBackoff, cfg.Retry.BackoffMultiplier, cfg.Retry.MaxBackoff)

	group, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.ListenAddr != "" {
		group.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics.ListenAddr, registry, log)
		})
	}

	switch cfg.Broker.Kind {
	case config.BrokerKafka:
		err = runKafka(gctx, group, cfg, stores, strategy, sink, log)
	case config.BrokerRabbit:
		err = runRabbit(gctx, group, cfg, stores, strategy, sink, log)
	default:
		err = errors.New("unsupported broker kind " + cfg.Broker.Kind)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start transport")
	}

	log.Info().
		Str("broker", cfg.Broker.Kind).
		Str("store", cfg.Store.Backend).
		Str("main_queue", cfg.Queues.Main).
		Msg("delivery worker started")

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker terminated with error")
		os.Exit(1)
	}
	log.Info().Msg("delivery worker stopped")
}

// stores bundles the three state backends behind their contracts.
type stores struct {
	guard       idempotency.Guard
	deadLetters deadletter.Store
	schedule    scheduler.Store
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, func(), error) {
	noop := func() {}

	switch cfg.Store.Backend {
	case config.StoreMemory:
		return &stores{
			guard:       memorystore.NewGuard(cfg.Store.IdempotencyRetention, nil),
			deadLetters: memorystore.NewDeadLetterStore(),
			schedule:    memorystore.NewScheduleStore(),
		}, noop, nil

	case config.StoreRedis:
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Store.RedisAddr})
		if err := redisstore.Ping(ctx, client); err != nil {
			client.Close()
			return nil, noop, err
		}
		return &stores{
			guard:       redisstore.NewGuard(client, cfg.Store.IdempotencyRetention),
			deadLetters: redisstore.NewDeadLetterStore(client),
			schedule:    redisstore.NewScheduleStore(client),
		}, func() { client.Close() }, nil

	case config.StorePostgres:
		pool, err := postgresstore.Connect(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, noop, err
		}
		if err := postgresstore.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, noop, err
		}
		return &stores{
			guard:       postgresstore.NewGuard(pool),
			deadLetters: postgresstore.NewDeadLetterStore(pool),
			schedule:    postgresstore.NewScheduleStore(pool),
		}, pool.Close, nil

	case config.StoreMongo:
		client, err := mongostore.Connect(ctx, cfg.Store.MongoURI)
		if err != nil {
			return nil, noop, err
		}
		db := client.Database(cfg.Store.MongoDatabase)
		if err := mongostore.Migrate(ctx, db, cfg.Store.IdempotencyRetention); err != nil {
			_ = client.Disconnect(ctx)
			return nil, noop, err
		}
		return &stores{
				guard:       mongostore.NewGuard(db),
				deadLetters: mongostore.NewDeadLetterStore(db),
				schedule:    mongostore.NewScheduleStore(db),
			}, func() {
				disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = client.Disconnect(disconnectCtx)
			}, nil

	default:
		return nil, noop, errors.New("unsupported store backend " + cfg.Store.Backend)
	}
}

func newDispatcher(cfg *config.Config, st *stores, retrier dispatch.RetryScheduler, dlqPublisher deadletter.Publisher, statusPublisher dispatch.StatusPublisher, sink metrics.Sink, log zerolog.Logger) (*dispatch.Dispatcher, *deadletter.Router, error) {
	router, err := deadletter.NewRouter(deadletter.Dependencies{
		Store:     st.deadLetters,
		Publisher: dlqPublisher,
		Logger:    log,
		Metrics:   sink,
	})
	if err != nil {
		return nil, nil, err
	}

	provider := payment.NewMockProvider(log.With().Str("component", "payment_provider").Logger())
	proc, err := payment.NewProcessor(provider, log)
	if err != nil {
		return nil, nil, err
	}

	d, err := dispatch.New(dispatch.Config{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		CallbackTimeout: cfg.Retry.CallbackTimeout,
		MsgMaxBytes:     cfg.Retry.MsgMaxBytes,
		Concurrency:     cfg.Retry.WorkerConcurrency,
	}, dispatch.Dependencies{
		Processor:       proc,
		Guard:           st.guard,
		Scheduler:       retrier,
		DeadLetters:     router,
		StatusPublisher: statusPublisher,
		Logger:          log,
		Metrics:         sink,
	})
	if err != nil {
		return nil, nil, err
	}
	return d, router, nil
}

func runKafka(ctx context.Context, group *errgroup.Group, cfg *config.Config, st *stores, strategy backoff.Strategy, sink metrics.Sink, log zerolog.Logger) error {
	prod, err := producer.New(cfg.Broker.KafkaBrokers, log.With().Str("component", "kafka_producer").Logger())
	if err != nil {
		return err
	}

	cons, err := consumer.New(cfg.Broker.KafkaBrokers, cfg.Broker.ConsumerGroup, log.With().Str("component", "kafka_consumer").Logger())
	if err != nil {
		prod.Close()
		return err
	}

	envPublisher := kafkapublisher.NewEnvelopePublisher(prod, log)
	dlqPublisher := kafkapublisher.NewDeadLetterPublisher(prod, cfg.Queues.DeadLetter, log)

	var statusPublisher dispatch.StatusPublisher
	if cfg.Queues.Status != "" {
		statusPublisher = kafkapublisher.NewStatusPublisher(prod, cfg.Queues.Status, log)
	}

	sched, err := scheduler.New(scheduler.Config{
		PollInterval:       cfg.Scheduler.PollInterval,
		BatchLimit:         cfg.Scheduler.BatchLimit,
		RepublishPerSecond: cfg.Scheduler.RepublishPerSecond,
	}, scheduler.Dependencies{
		Store:     st.schedule,
		Publisher: envPublisher,
		Strategy:  strategy,
		Logger:    log,
		Metrics:   sink,
	})
	if err != nil {
		prod.Close()
		cons.Close()
		return err
	}

	d, router, err := newDispatcher(cfg, st, sched, dlqPublisher, statusPublisher, sink, log)
	if err != nil {
		prod.Close()
		cons.Close()
		return err
	}

	group.Go(func() error {
		return sched.Run(ctx)
	})

	group.Go(func() error {
		defer closeAll(d, cons, prod, log)
		err := cons.Consume(ctx, []string{cfg.Queues.Main}, kafkabridge.Handler(d, cons, router, log))
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	return nil
}

func runRabbit(ctx context.Context, group *errgroup.Group, cfg *config.Config, st *stores, strategy backoff.Strategy, sink metrics.Sink, log zerolog.Logger) error {
	conn, err := rabbit.Connect(cfg.Broker.RabbitURL)
	if err != nil {
		return err
	}

	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if err := rabbit.Declare(pubCh, rabbit.Topology{
		MainQueue:       cfg.Queues.Main,
		WaitQueue:       cfg.Queues.Wait,
		DeadLetterQueue: cfg.Queues.DeadLetter,
	}); err != nil {
		conn.Close()
		return err
	}

	pub, err := rabbit.NewPublisher(pubCh, log)
	if err != nil {
		conn.Close()
		return err
	}

	// The broker owns the redelivery delay: failed envelopes wait on the
	// wait queue and expire back onto the main queue, so no pump runs.
	delay, err := rabbit.NewDelayPublisher(pub, cfg.Queues.Wait, strategy, sink, log)
	if err != nil {
		conn.Close()
		return err
	}

	dlqPublisher := rabbit.NewBoundDeadLetterPublisher(pub, cfg.Queues.DeadLetter)

	d, router, err := newDispatcher(cfg, st, delay, dlqPublisher, nil, sink, log)
	if err != nil {
		conn.Close()
		return err
	}

	consCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	cons, err := rabbit.NewConsumer(consCh, cfg.Queues.Main, cfg.Retry.Prefetch, d, router, log)
	if err != nil {
		conn.Close()
		return err
	}

	group.Go(func() error {
		defer func() {
			drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := d.Close(drainCtx); err != nil {
				log.Error().Err(err).Msg("dispatcher drain failed")
			}
			if err := conn.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close rabbit connection")
			}
		}()
		err := cons.Consume(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	return nil
}

func closeAll(d *dispatch.Dispatcher, cons *consumer.Consumer, prod *producer.Producer, log zerolog.Logger) {
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.Close(drainCtx); err != nil {
		log.Error().Err(err).Msg("dispatcher drain failed")
	}
	if err := cons.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close kafka consumer")
	}
	if err := prod.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close kafka producer")
	}
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics listener started")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("delivery worker init failed")
}

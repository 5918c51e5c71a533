// Command redrive is the operator tool for the dead-letter store: list
// parked entries, requeue one by business key, purge abandoned ones, and
// check completion records.
//
// Usage:
//
//	redrive -list [-queue payments.capture] [-since 24h] [-limit 50]
//	redrive -reprocess pay-123
//	redrive -purge pay-123
//	redrive -completion pay-123
//	redrive -count
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/delivery-core/internal/config"
	"github.com/example/delivery-core/internal/deadletter"
	"github.com/example/delivery-core/internal/envelope"
	"github.com/example/delivery-core/internal/idempotency"
	"github.com/example/delivery-core/internal/kafka/producer"
	kafkapublisher "github.com/example/delivery-core/internal/kafka/publisher"
	"github.com/example/delivery-core/internal/logger"
	"github.com/example/delivery-core/internal/operator"
	"github.com/example/delivery-core/internal/rabbit"
	"github.com/example/delivery-core/internal/reprocess"
	memorystore "github.com/example/delivery-core/internal/store/memory"
	mongostore "github.com/example/delivery-core/internal/store/mongo"
	postgresstore "github.com/example/delivery-core/internal/store/postgres"
	redisstore "github.com/example/delivery-core/internal/store/redis"
)

func main() {
	var (
		list       = flag.Bool("list", false, "list dead-letter entries")
		queue      = flag.String("queue", "", "filter list by origin queue")
		since      = flag.Duration("since", 0, "filter list to entries newer than this age")
		limit      = flag.Int("limit", 50, "cap list output")
		reproc     = flag.String("reprocess", "", "requeue the dead-lettered business key")
		purge      = flag.String("purge", "", "remove the entry without requeueing")
		completion = flag.String("completion", "", "show the completion record for a business key")
		count      = flag.Bool("count", false, "print the number of parked entries")
		timeout    = flag.Duration("timeout", 30*time.Second, "overall operation timeout")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fatal(err)
	}
	baseLogger, err := logger.New(cfg.App.Env, "warn")
	if err != nil {
		fatal(err)
	}
	log := baseLogger.With().Str("service", "redrive").Logger()

	svc, cleanup, err := buildService(ctx, cfg, *reproc != "", log)
	if err != nil {
		fatal(err)
	}
	defer cleanup()

	switch {
	case *list:
		opts := deadletter.ListOptions{Queue: *queue, Limit: *limit}
		if *since > 0 {
			opts.Since = time.Now().Add(-*since)
		}
		entries, err := svc.ListDeadLetters(ctx, opts)
		if err != nil {
			fatal(err)
		}
		printEntries(entries)

	case *count:
		n, err := svc.DeadLetterCount(ctx)
		if err != nil {
			fatal(err)
		}
		fmt.Println(n)

	case *reproc != "":
		result, err := svc.Reprocess(ctx, *reproc)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%s: %s\n", *reproc, result)

	case *purge != "":
		removed, err := svc.Purge(ctx, *purge)
		if err != nil {
			fatal(err)
		}
		if removed {
			fmt.Printf("%s: purged\n", *purge)
		} else {
			fmt.Printf("%s: not found\n", *purge)
		}

	case *completion != "":
		record, err := svc.Completion(ctx, *completion)
		if err != nil {
			fatal(err)
		}
		printCompletion(*completion, record)

	default:
		flag.Usage()
		os.Exit(2)
	}
}

// buildService wires the operator facade. The broker connection is only
// established when the command will actually republish.
func buildService(ctx context.Context, cfg *config.Config, needsPublisher bool, log zerolog.Logger) (*operator.Service, func(), error) {
	noop := func() {}

	guard, dlqStore, storeCleanup, err := openStores(ctx, cfg)
	if err != nil {
		return nil, noop, err
	}
	cleanup := storeCleanup

	var publisher reprocess.Publisher
	if needsPublisher {
		pub, pubCleanup, err := openPublisher(cfg, log)
		if err != nil {
			cleanup()
			return nil, noop, err
		}
		publisher = pub
		cleanup = func() {
			pubCleanup()
			storeCleanup()
		}
	} else {
		publisher = publishUnavailable{}
	}

	gateway, err := reprocess.New(reprocess.Config{
		ReprocessLimit: cfg.Retry.ReprocessLimit,
	}, reprocess.Dependencies{
		Store:       dlqStore,
		Completions: guard,
		Publisher:   publisher,
		Logger:      log,
	})
	if err != nil {
		cleanup()
		return nil, noop, err
	}

	svc, err := operator.NewService(operator.Dependencies{
		Store:       dlqStore,
		Completions: guard,
		Reprocessor: gateway,
		Logger:      log,
	})
	if err != nil {
		cleanup()
		return nil, noop, err
	}
	return svc, cleanup, nil
}

func openStores(ctx context.Context, cfg *config.Config) (idempotency.Guard, deadletter.Store, func(), error) {
	noop := func() {}

	switch cfg.Store.Backend {
	case config.StoreMemory:
		// An in-memory store holds no state another process could have
		// written; redrive against it is only useful in tests.
		return memorystore.NewGuard(cfg.Store.IdempotencyRetention, nil),
			memorystore.NewDeadLetterStore(), noop, nil

	case config.StoreRedis:
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Store.RedisAddr})
		if err := redisstore.Ping(ctx, client); err != nil {
			client.Close()
			return nil, nil, noop, err
		}
		return redisstore.NewGuard(client, cfg.Store.IdempotencyRetention),
			redisstore.NewDeadLetterStore(client),
			func() { client.Close() }, nil

	case config.StorePostgres:
		pool, err := postgresstore.Connect(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, noop, err
		}
		return postgresstore.NewGuard(pool), postgresstore.NewDeadLetterStore(pool), pool.Close, nil

	case config.StoreMongo:
		client, err := mongostore.Connect(ctx, cfg.Store.MongoURI)
		if err != nil {
			return nil, nil, noop, err
		}
		db := client.Database(cfg.Store.MongoDatabase)
		return mongostore.NewGuard(db), mongostore.NewDeadLetterStore(db), func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(disconnectCtx)
		}, nil

	default:
		return nil, nil, noop, errors.New("unsupported store backend " + cfg.Store.Backend)
	}
}

func openPublisher(cfg *config.Config, log zerolog.Logger) (reprocess.Publisher, func(), error) {
	noop := func() {}

	switch cfg.Broker.Kind {
	case config.BrokerKafka:
		prod, err := producer.New(cfg.Broker.KafkaBrokers, log)
		if err != nil {
			return nil, noop, err
		}
		return kafkapublisher.NewEnvelopePublisher(prod, log), func() { _ = prod.Close() }, nil

	case config.BrokerRabbit:
		conn, err := rabbit.Connect(cfg.Broker.RabbitURL)
		if err != nil {
			return nil, noop, err
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, noop, err
		}
		pub, err := rabbit.NewPublisher(ch, log)
		if err != nil {
			conn.Close()
			return nil, noop, err
		}
		return pub, func() { _ = conn.Close() }, nil

	default:
		return nil, noop, errors.New("unsupported broker kind " + cfg.Broker.Kind)
	}
}

// publishUnavailable backs read-only invocations, where no broker connection
// exists to republish through.
type publishUnavailable struct{}

func (publishUnavailable) PublishEnvelope(context.Context, string, *envelope.Envelope) error {
	return errors.New("redrive: no broker connection for republish")
}

func printEntries(entries []*deadletter.Entry) {
	if len(entries) == 0 {
		fmt.Println("no dead-letter entries")
		return
	}
	for _, e := range entries {
		fmt.Printf("%s\t%s\t%s\tattempts=%d\treprocessed=%d\t%s\t%s\n",
			e.Envelope.BusinessKey,
			e.Envelope.OriginQueue,
			e.FinalReason,
			e.Envelope.AttemptCount,
			e.Envelope.ReprocessCount,
			e.DeadLetteredAt.Format(time.RFC3339),
			e.Envelope.LastError,
		)
	}
}

func printCompletion(key string, record *idempotency.Record) {
	if record == nil {
		fmt.Printf("%s: no completion record\n", key)
		return
	}
	fmt.Printf("%s\tcompleted_at=%s\tsummary=%s\n",
		record.BusinessKey,
		record.CompletedAt.Format(time.RFC3339),
		record.ResultSummary,
	)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "redrive:", err)
	os.Exit(1)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ticketgate/ticketgate/internal/admission"
	"github.com/ticketgate/ticketgate/internal/anonchan"
	"github.com/ticketgate/ticketgate/internal/chatevents"
	"github.com/ticketgate/ticketgate/internal/platforms"
	"github.com/ticketgate/ticketgate/internal/queue"
	"github.com/ticketgate/ticketgate/internal/secrets"
	"github.com/ticketgate/ticketgate/internal/stores"
)

func main() {
	var (
		storeDriver = flag.String("store-driver", "postgres", "store driver: postgres|memory")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required for postgres)")
		owner       = flag.String("owner", "", "instance id used for key leases (default: random)")
		lockTTL     = flag.Duration("lock-ttl", 30*time.Second, "admission key lease TTL")

		secretsDriver = flag.String("secrets-driver", secrets.DriverEnv, "secrets driver: aws|env")

		platformDriver = flag.String("platform-driver", platforms.DriverTelegram, "chat platform: telegram|memory")
		botTokenSecret = flag.String("telegram-token-secret", "TICKETGATE_TELEGRAM_BOT_TOKEN", "secret key of the bot token")
		telegramAPIURL = flag.String("telegram-api-url", "", "Bot API base URL override")
		callTimeout    = flag.Duration("platform-call-timeout", 10*time.Second, "timeout per chat platform call")

		queueDriver   = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka|amqp|stdio")
		queueBrokers  = flag.String("queue-brokers", "", "comma-separated kafka brokers")
		queueGroup    = flag.String("queue-group", "chat-events", "kafka consumer group")
		amqpURL       = flag.String("queue-amqp-url", "", "AMQP URL")
		inputTopic    = flag.String("input-topic", chatevents.DefaultTopic, "chat event topic")
		maxLineBytes  = flag.Int("max-line-bytes", 1<<20, "max stdin line bytes for the stdio driver")
		queueMaxBytes = flag.Int("queue-max-bytes", 10<<20, "max kafka message size to consume")
		ackTimeout    = flag.Duration("queue-ack-timeout", 5*time.Second, "queue message ack timeout")
		maxInflight   = flag.Int("max-inflight-events", 1, "chat lanes handled concurrently; a chat's events are handled in order")
		failureTopic  = flag.String("failure-topic", "", "topic for events that failed handling (optional; default: stop unacked on exhausted retries)")
		maxAttempts   = flag.Int("max-attempts", 3, "attempts per event on platform timeouts")
		retryBackoff  = flag.Duration("retry-backoff", 500*time.Millisecond, "initial backoff between attempts")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *maxInflight <= 0 || *maxLineBytes <= 0 || *queueMaxBytes <= 0 || *maxAttempts <= 0 {
		fmt.Fprintln(os.Stderr, "error: --max-inflight-events, --max-line-bytes, --queue-max-bytes and --max-attempts must be > 0")
		os.Exit(2)
	}
	if *ackTimeout <= 0 || *callTimeout <= 0 || *lockTTL <= 0 || *retryBackoff <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	secretProvider, err := secrets.NewProvider(ctx, *secretsDriver)
	if err != nil {
		log.Error("init secrets provider", "err", err)
		os.Exit(2)
	}

	st, err := stores.Open(ctx, stores.Config{Driver: *storeDriver, PostgresDSN: *postgresDSN, Owner: *owner, LockTTL: *lockTTL}, log)
	if err != nil {
		log.Error("init stores", "err", err)
		os.Exit(2)
	}
	defer st.Close()

	platform, err := platforms.Open(ctx, platforms.Config{
		Driver:      *platformDriver,
		TokenSecret: *botTokenSecret,
		APIURL:      *telegramAPIURL,
		CallTimeout: *callTimeout,
	}, secretProvider)
	if err != nil {
		log.Error("init chat platform", "err", err)
		os.Exit(2)
	}

	gate, err := admission.New(admission.Config{CallTimeout: *callTimeout}, st.Events, st.Records, platform, st.Locker, log)
	if err != nil {
		log.Error("init admission gate", "err", err)
		os.Exit(2)
	}
	binder, err := anonchan.NewChannelBinder(st.Events, log)
	if err != nil {
		log.Error("init channel binder", "err", err)
		os.Exit(2)
	}
	dispatcher, err := chatevents.NewDispatcher(gate, st.Events, binder, platform, log)
	if err != nil {
		log.Error("init dispatcher", "err", err)
		os.Exit(2)
	}

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:        *queueDriver,
		Brokers:       queue.SplitCommaList(*queueBrokers),
		Group:         *queueGroup,
		Topics:        []string{*inputTopic},
		KafkaMaxBytes: *queueMaxBytes,
		AMQPURL:       *amqpURL,
		MaxLineBytes:  *maxLineBytes,
	})
	if err != nil {
		log.Error("init queue consumer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = consumer.Close() }()

	workerCfg := chatevents.WorkerConfig{
		MaxInflight:  *maxInflight,
		AckTimeout:   *ackTimeout,
		MaxAttempts:  *maxAttempts,
		RetryBackoff: *retryBackoff,
	}
	if topic := strings.TrimSpace(*failureTopic); topic != "" {
		producer, err := queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitCommaList(*queueBrokers),
			AMQPURL: *amqpURL,
		})
		if err != nil {
			log.Error("init queue producer", "err", err)
			os.Exit(2)
		}
		defer func() { _ = producer.Close() }()
		workerCfg.FailureTopic = topic
		workerCfg.Failures = producer
	}

	worker, err := chatevents.NewWorker(workerCfg, dispatcher, consumer, log)
	if err != nil {
		log.Error("init worker", "err", err)
		os.Exit(2)
	}

	log.Info("chat-events started",
		"queue_driver", *queueDriver,
		"topic", *inputTopic,
		"store", *storeDriver,
		"platform", *platformDriver,
		"max_inflight", *maxInflight,
		"failure_topic", *failureTopic,
	)
	if err := worker.Run(ctx); err != nil {
		log.Error("chat-events worker exited", "err", err)
		os.Exit(1)
	}
}

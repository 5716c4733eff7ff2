package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ticketgate/ticketgate/internal/admission"
	"github.com/ticketgate/ticketgate/internal/anonchan"
	"github.com/ticketgate/ticketgate/internal/chatevents"
	"github.com/ticketgate/ticketgate/internal/keyfile"
	"github.com/ticketgate/ticketgate/internal/pcd"
	"github.com/ticketgate/ticketgate/internal/pcd/ticketpcd"
	"github.com/ticketgate/ticketgate/internal/pcdapi"
	"github.com/ticketgate/ticketgate/internal/platforms"
	"github.com/ticketgate/ticketgate/internal/provequeue"
	"github.com/ticketgate/ticketgate/internal/queue"
	"github.com/ticketgate/ticketgate/internal/secrets"
	"github.com/ticketgate/ticketgate/internal/stores"
	"github.com/ticketgate/ticketgate/internal/verifier"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8090", "HTTP listen address")

		storeDriver = flag.String("store-driver", "postgres", "store driver: postgres|memory")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required for postgres)")
		owner       = flag.String("owner", "", "instance id used for key leases (default: random)")
		lockTTL     = flag.Duration("lock-ttl", 30*time.Second, "admission key lease TTL")

		secretsDriver = flag.String("secrets-driver", secrets.DriverEnv, "secrets driver: aws|env")

		platformDriver = flag.String("platform-driver", platforms.DriverTelegram, "chat platform: telegram|memory")
		botTokenSecret = flag.String("telegram-token-secret", "TICKETGATE_TELEGRAM_BOT_TOKEN", "secret key of the bot token")
		telegramAPIURL = flag.String("telegram-api-url", "", "Bot API base URL override")
		callTimeout    = flag.Duration("platform-call-timeout", 10*time.Second, "timeout per chat platform call")

		policyFile       = flag.String("policy-file", "", "verifier policy YAML; overrides --signer/--allowed-event-ids")
		signer           = flag.String("signer", "", "ticket issuer address accepted by the verifier")
		allowedEventIDs  = flag.String("allowed-event-ids", "", "comma-separated event allowlist")
		acceptRegistered = flag.Bool("accept-registered-events", false, "accept any event known to the registry")

		proverKeyFile   = flag.String("prover-key-file", "", "prover private key file")
		proverKeySecret = flag.String("prover-key-secret", "", "secret key of the prover private key")
		proverAddress   = flag.String("prover-address", "", "prover address for verification-only deployments")
		proveTimeout    = flag.Duration("prove-timeout", provequeue.DefaultProveTimeout, "timeout per proof computation")

		maxMessagesPerDay = flag.Int("anon-max-messages-per-day", anonchan.DefaultMaxMessagesPerDay, "anonymous messages per nullifier per chat per 24h")
		archiveDriver     = flag.String("archive-driver", "", "anonymous message archive: s3|memory (empty disables)")
		archiveBucket     = flag.String("archive-bucket", "", "S3 bucket for the archive")
		archivePrefix     = flag.String("archive-prefix", "anon-messages", "archive key prefix")

		queueDriver    = flag.String("queue-driver", "", "queue for proof outcomes and webhook updates: kafka|amqp|stdio (empty disables)")
		queueBrokers   = flag.String("queue-brokers", "", "comma-separated kafka brokers")
		amqpURL        = flag.String("queue-amqp-url", "", "AMQP URL")
		completedTopic = flag.String("completed-topic", "pcd.prove.completed.v1", "topic for completed proof jobs")
		failedTopic    = flag.String("failed-topic", "pcd.prove.failed.v1", "topic for failed proof jobs")
		updatesTopic   = flag.String("updates-topic", chatevents.DefaultTopic, "topic for webhook chat events")
		webhookSecret  = flag.String("webhook-secret", "", "secret key of the webhook secret token (empty disables /telegram/webhook)")
		adminSecret    = flag.String("admin-token-secret", "", "secret key of the admin bearer token (empty disables /admin)")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 5, "per-IP refill rate")
		rateLimitBurst     = flag.Int("rate-limit-burst", 20, "per-IP burst capacity")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IPs")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 30*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *policyFile == "" && *signer == "" {
		fmt.Fprintln(os.Stderr, "error: one of --policy-file or --signer is required")
		os.Exit(2)
	}
	if *proverKeyFile == "" && *proverKeySecret == "" && *proverAddress == "" {
		fmt.Fprintln(os.Stderr, "error: one of --prover-key-file, --prover-key-secret or --prover-address is required")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 || *callTimeout <= 0 || *proveTimeout <= 0 || *lockTTL <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxIPs <= 0 || *maxMessagesPerDay <= 0 {
		fmt.Fprintln(os.Stderr, "error: rate limit settings must be > 0")
		os.Exit(2)
	}
	if *webhookSecret != "" && *queueDriver == "" {
		fmt.Fprintln(os.Stderr, "error: --webhook-secret requires --queue-driver")
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

	policy, err := loadPolicy(*policyFile, *signer, *allowedEventIDs, *acceptRegistered)
	if err != nil {
		log.Error("load verifier policy", "err", err)
		os.Exit(2)
	}

	tickets, err := openTicketPackage(ctx, *proverKeyFile, *proverKeySecret, *proverAddress, secretProvider)
	if err != nil {
		log.Error("init ticket package", "err", err)
		os.Exit(2)
	}
	pcds, err := pcd.NewRegistry(tickets)
	if err != nil {
		log.Error("init pcd registry", "err", err)
		os.Exit(2)
	}

	v, err := verifier.New(policy, pcds, st.Events)
	if err != nil {
		log.Error("init verifier", "err", err)
		os.Exit(2)
	}

	gate, err := admission.New(admission.Config{CallTimeout: *callTimeout}, st.Events, st.Records, platform, st.Locker, log)
	if err != nil {
		log.Error("init admission gate", "err", err)
		os.Exit(2)
	}

	archive, err := openArchive(ctx, *archiveDriver, *archiveBucket)
	if err != nil {
		log.Error("init archive", "err", err)
		os.Exit(2)
	}
	anon, err := anonchan.New(anonchan.Config{
		MaxMessagesPerDay: *maxMessagesPerDay,
		CallTimeout:       *callTimeout,
		Archive:           archive,
		ArchivePrefix:     *archivePrefix,
	}, v, st.Events, platform, st.Limits, log)
	if err != nil {
		log.Error("init anon channel binder", "err", err)
		os.Exit(2)
	}

	var producer queue.Producer
	if *queueDriver != "" {
		producer, err = queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitCommaList(*queueBrokers),
			AMQPURL: *amqpURL,
		})
		if err != nil {
			log.Error("init queue producer", "err", err)
			os.Exit(2)
		}
		defer func() { _ = producer.Close() }()
	}

	qcfg := provequeue.Config{ProveTimeout: *proveTimeout}
	if producer != nil {
		qcfg.Publisher = producer
		qcfg.CompletedTopic = *completedTopic
		qcfg.FailedTopic = *failedTopic
	}
	proofs, err := provequeue.New(qcfg, pcds, log)
	if err != nil {
		log.Error("init proof queue", "err", err)
		os.Exit(2)
	}

	apiCfg := pcdapi.Config{
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		Now:                     time.Now,
	}
	if *adminSecret != "" {
		token, err := secretProvider.Get(ctx, *adminSecret)
		if err != nil {
			log.Error("load admin token", "err", err)
			os.Exit(2)
		}
		apiCfg.AdminToken = token
		apiCfg.Events = st.Events
		apiCfg.Chats = platform
	}
	if *webhookSecret != "" {
		secret, err := secretProvider.Get(ctx, *webhookSecret)
		if err != nil {
			log.Error("load webhook secret", "err", err)
			os.Exit(2)
		}
		apiCfg.Updates = producer
		apiCfg.UpdatesTopic = *updatesTopic
		apiCfg.WebhookSecret = secret
	}

	handler, err := pcdapi.NewHandler(apiCfg, proofs, pcds, v, gate, anon, log)
	if err != nil {
		log.Error("init pcd api handler", "err", err)
		os.Exit(2)
	}

	go func() {
		if err := proofs.Run(ctx); err != nil {
			log.Error("proof queue stopped", "err", err)
		}
	}()

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("pcd-api listening",
			"addr", *listenAddr,
			"store", *storeDriver,
			"platform", *platformDriver,
			"signer", policy.Signer.Hex(),
			"supported", strings.Join(pcds.Supported(), ","),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func loadPolicy(path, signer, allowed string, acceptRegistered bool) (verifier.Policy, error) {
	if path != "" {
		return verifier.LoadPolicyFile(path)
	}
	addr, err := keyfile.ParseAddress(signer)
	if err != nil {
		return verifier.Policy{}, fmt.Errorf("--signer: %w", err)
	}
	return verifier.Policy{
		Signer:                 addr,
		AllowedEventIDs:        verifier.SplitEventIDs(allowed),
		AcceptRegisteredEvents: acceptRegistered,
	}, nil
}

func openTicketPackage(ctx context.Context, keyFile, keySecret, address string, p secrets.Provider) (*ticketpcd.Package, error) {
	cfg := ticketpcd.Config{}
	key, err := loadProverKey(ctx, keyFile, keySecret, p)
	if err != nil {
		return nil, err
	}
	cfg.ProverKey = key
	if address != "" {
		addr, err := keyfile.ParseAddress(address)
		if err != nil {
			return nil, fmt.Errorf("--prover-address: %w", err)
		}
		cfg.ProverAddress = addr
	}
	return ticketpcd.New(cfg)
}

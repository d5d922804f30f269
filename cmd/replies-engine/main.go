package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-chi/chi/v5"

	"github.com/junksamiad/replies-engine/internal/api"
	"github.com/junksamiad/replies-engine/internal/config"
	"github.com/junksamiad/replies-engine/internal/delivery"
	"github.com/junksamiad/replies-engine/internal/dlq"
	"github.com/junksamiad/replies-engine/internal/flush"
	"github.com/junksamiad/replies-engine/internal/ingest"
	"github.com/junksamiad/replies-engine/internal/llm"
	"github.com/junksamiad/replies-engine/internal/queue"
	"github.com/junksamiad/replies-engine/internal/secrets"
	slackalert "github.com/junksamiad/replies-engine/internal/slack"
	"github.com/junksamiad/replies-engine/internal/store"
	"github.com/junksamiad/replies-engine/internal/store/dynamo"
	"github.com/junksamiad/replies-engine/internal/sweep"
	"github.com/junksamiad/replies-engine/internal/usage"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("replies-engine starting",
		"port", cfg.Port,
		"nats_url", cfg.NatsURL,
		"store_backend", cfg.StoreBackend,
		"batch_window", cfg.BatchWindow,
		"flush_ack_wait", cfg.FlushAckWait,
		"flush_max_deliver", cfg.FlushMaxDeliver,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Step 1: Load AWS config when any backend needs it.
	var awsCfg aws.Config
	if cfg.StoreBackend == "dynamodb" || cfg.SecretsBackend == "paramstore" {
		var err error
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			slog.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
	}

	// Step 2: Connect the conversation store.
	var db store.DataStore
	var pgStore *store.Store
	switch cfg.StoreBackend {
	case "postgres":
		if cfg.DatabaseURL == "" {
			slog.Error("DATABASE_URL is required for the postgres backend")
			os.Exit(1)
		}
		s, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		if err := s.EnsureSchema(ctx); err != nil {
			slog.Error("failed to ensure schema", "error", err)
			os.Exit(1)
		}
		pgStore = s
		db = s
	case "dynamodb":
		s, err := dynamo.New(dynamodb.NewFromConfig(awsCfg), cfg.DynamoTable)
		if err != nil {
			slog.Error("failed to initialize dynamodb store", "error", err)
			os.Exit(1)
		}
		db = s
	default:
		slog.Error("unknown STORE_BACKEND", "backend", cfg.StoreBackend)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("store connected", "backend", cfg.StoreBackend)

	// Step 3: Build the secrets resolver.
	var resolver secrets.Resolver
	switch cfg.SecretsBackend {
	case "env", "":
		resolver = secrets.Env{}
	case "paramstore":
		ps, err := secrets.NewParamStore(ssm.NewFromConfig(awsCfg), cfg.ParamPrefix)
		if err != nil {
			slog.Error("failed to initialize parameter store resolver", "error", err)
			os.Exit(1)
		}
		resolver = ps
	default:
		slog.Error("unknown SECRETS_BACKEND", "backend", cfg.SecretsBackend)
		os.Exit(1)
	}

	// Step 4: AI client and delivery providers.
	llmClient, err := llm.NewClient(resolver, cfg.AIAPIKeyRef,
		llm.WithBaseURL(cfg.AIBaseURL),
		llm.WithModel(cfg.AIModel),
	)
	if err != nil {
		slog.Error("failed to initialize AI client", "error", err)
		os.Exit(1)
	}

	registry := delivery.NewRegistry(delivery.NewWebhook(resolver, cfg.DeliveryAuthRef))
	if cfg.MailgunDomain != "" && cfg.MailgunAPIKeyRef != "" {
		mailer, err := delivery.NewMailgun(resolver, cfg.MailgunAPIKeyRef, cfg.MailgunDomain, cfg.MailgunRegion)
		if err != nil {
			slog.Error("failed to initialize mailgun provider", "error", err)
			os.Exit(1)
		}
		registry.Register("email", mailer)
		slog.Info("email delivery enabled", "domain", cfg.MailgunDomain)
	}
	if cfg.TelegramTokenRef != "" {
		tg, err := delivery.NewTelegram(resolver, cfg.TelegramTokenRef)
		if err != nil {
			slog.Error("failed to initialize telegram provider", "error", err)
			os.Exit(1)
		}
		registry.Register("telegram", tg)
		slog.Info("telegram delivery enabled")
	}

	// Step 5: Connect NATS and ensure the flush-task stream.
	q, err := queue.New(cfg.NatsURL)
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer q.Close()
	if err := q.EnsureStream(ctx); err != nil {
		slog.Error("failed to ensure flush stream", "error", err)
		os.Exit(1)
	}

	// Step 6: DLQ triage rides the Postgres pool; on DynamoDB deployments
	// dead letters still alert but are not persisted for replay.
	var dlqRoutes chi.Router
	var dead queue.DeadLetterer
	var dlqScanner *dlq.Scanner
	if pgStore != nil {
		dlqStore := dlq.NewStore(pgStore.Pool())
		if err := dlqStore.EnsureSchema(ctx); err != nil {
			slog.Error("failed to ensure dlq schema", "error", err)
			os.Exit(1)
		}
		dead = dlq.NewProcessor(dlqStore)
		dlqRoutes = dlq.NewHandler(dlqStore, q).Routes()
		dlqScanner = dlq.NewScanner(dlqStore, q, cfg.DLQScanInterval)
	} else {
		slog.Info("dlq persistence disabled", "store_backend", cfg.StoreBackend)
	}

	// Conditionally create the Slack alerter for dead letters and commit
	// anomalies.
	var slackAlerter *slackalert.Alerter
	if cfg.SlackBotToken != "" && cfg.SlackAlertChannel != "" {
		slackAlerter = slackalert.NewAlerter(cfg.SlackBotToken, cfg.SlackAlertChannel)
		q.SetAlertHandler(func(subject string, alert []byte) {
			if err := slackAlerter.PostDLQAlert(ctx, subject, alert); err != nil {
				slog.Warn("failed to post DLQ alert to Slack", "error", err)
			}
		})
		slog.Info("Slack alerter enabled", "channel", cfg.SlackAlertChannel)
	}

	// Step 7: Flush processor and the task consumer.
	proc := flush.NewProcessor(db, llmClient, registry, cfg.FlushAckWait/3)
	proc.SetUsageRecorder(usage.NewRecorder(db))
	if slackAlerter != nil {
		proc.SetAlerter(slackAlerter)
	}

	if err := q.StartConsumer(ctx, proc, dead, cfg.FlushAckWait, cfg.FlushMaxDeliver); err != nil {
		slog.Error("failed to start flush consumer", "error", err)
		os.Exit(1)
	}

	if dlqScanner != nil {
		dlqScanner.Start(ctx)
		slog.Info("DLQ scanner started", "interval", cfg.DLQScanInterval)
	}

	// Step 8: Ingest coordinator and the lock sweeper.
	coord := ingest.NewCoordinator(db, db, q, ingest.Config{
		Window:     cfg.BatchWindow,
		LockBuffer: cfg.TriggerLockBuffer,
		StagingTTL: cfg.StagingTTL,
	})

	sweeper := sweep.New(db, cfg.SweepInterval, cfg.SweepStuckThreshold)
	sweeper.Start(ctx)

	// Step 9: HTTP API with DLQ routes mounted at /api/v1/dlq.
	srv := api.NewServer(db, coord, q, cfg.Port, dlqRoutes)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("replies-engine ready", "port", cfg.Port)

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	slog.Info("shutting down", "signal", sig)
	cancel()
	sweeper.Wait()
	if dlqScanner != nil {
		dlqScanner.Wait()
	}
	slog.Info("replies-engine stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}

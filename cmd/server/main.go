// Anchorpipe ingestion server
//
// Usage:
//
//	server                       Start the HTTP server
//	server -config anchorpipe.hcl
//	server -migrate              Run database migrations and exit
//	server -issue-token alice    Print an admin token for alice and exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/anchorpipe/anchorpipe-sub000/internal/api"
	"github.com/anchorpipe/anchorpipe-sub000/internal/audit"
	"github.com/anchorpipe/anchorpipe-sub000/internal/auth"
	"github.com/anchorpipe/anchorpipe-sub000/internal/config"
	"github.com/anchorpipe/anchorpipe-sub000/internal/crypto"
	"github.com/anchorpipe/anchorpipe-sub000/internal/db"
	"github.com/anchorpipe/anchorpipe-sub000/internal/idempotency"
	"github.com/anchorpipe/anchorpipe-sub000/internal/ingest"
	"github.com/anchorpipe/anchorpipe-sub000/internal/logger"
	"github.com/anchorpipe/anchorpipe-sub000/internal/observability"
	"github.com/anchorpipe/anchorpipe-sub000/internal/queue"
	"github.com/anchorpipe/anchorpipe-sub000/internal/secrets"
)

func main() {
	configPath := flag.String("config", os.Getenv("ANCHORPIPE_CONFIG"), "Path to HCL config file")
	migrateOnly := flag.Bool("migrate", false, "Run migrations and exit")
	issueToken := flag.String("issue-token", "", "Print an admin token for the given subject and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		App:    "anchorpipe",
		Env:    cfg.Environment,
		File:   cfg.LogFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	authSvc := auth.New(cfg.JWTSecret, cfg.TokenDuration)
	if *issueToken != "" {
		token, err := authSvc.GenerateJWT(*issueToken)
		if err != nil {
			log.Fatal("Failed to issue token", zap.Error(err))
		}
		fmt.Println(token)
		return
	}

	if err := run(cfg, authSvc, *migrateOnly, log); err != nil {
		log.Fatal("Server error", zap.Error(err))
	}
}

func run(cfg *config.Config, authSvc *auth.Auth, migrateOnly bool, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer database.Close()

	if err := database.RunMigrations(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("Migrations complete")
	if migrateOnly {
		return nil
	}

	shutdownTracing, err := observability.InitTracing(ctx, "anchorpipe", observability.TracingConfig{
		Exporter:    cfg.TracingExporter,
		Endpoint:    cfg.TracingEndpoint,
		Headers:     observability.ParseHeaders(cfg.TracingHeaders),
		Insecure:    cfg.TracingInsecure,
		SampleRatio: cfg.TracingSampleRatio,
		Environment: cfg.Environment,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}()

	masterKey, err := crypto.LoadMasterKey(cfg.MasterKey, cfg.MasterKeyFile)
	if err != nil {
		return fmt.Errorf("loading master key: %w", err)
	}
	cryptoSvc, err := crypto.NewEnvelopeCrypto(masterKey)
	if err != nil {
		return fmt.Errorf("initializing crypto: %w", err)
	}
	log.Info("Envelope encryption initialized")

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
	}

	auditSvc := audit.NewLogger(database)
	secretStore := secrets.NewStore(database, cryptoSvc)
	gate := auth.NewGate(secretStore, auditSvc, log.Named("auth"))
	defer gate.Wait()

	ledger := idempotency.NewLedger(ledgerRepository(cfg, database, rdb), cfg.IdempotencyTTL, log.Named("idempotency"))
	var locker *redislock.Client
	if rdb != nil {
		locker = redislock.New(rdb)
	}
	sweeper := idempotency.NewSweeper(ledger, locker, cfg.SweepInterval, log.Named("sweeper"))
	go sweeper.Start(ctx)
	defer sweeper.Stop()

	deps := ingest.Deps{
		Auth:   gate,
		Ledger: ledger,
		Store:  database,
		Audit:  auditSvc,
		Log:    log.Named("ingest"),
	}
	client, err := queueClient(cfg)
	if err != nil {
		return err
	}
	if client != nil {
		publisher := queue.NewPublisher(client, cfg.QueueName, log.Named("queue"))
		defer publisher.Close()
		deps.Publisher = publisher
		log.Info("Queue publisher configured", zap.String("backend", cfg.QueueBackend), zap.String("queue", cfg.QueueName))
	} else {
		log.Warn("No queue backend configured; ingestions are not published")
	}
	svc := ingest.NewService(deps, ingest.Options{
		MaxBodyBytes:   cfg.MaxBodyBytes,
		IdempotencyTTL: cfg.IdempotencyTTL,
	})

	apiServer := api.NewServer(api.Deps{
		Ingest:     svc,
		Secrets:    secretStore,
		Ledger:     ledger,
		Ingestions: database,
		Tokens:     authSvc,
		Audit:      auditSvc,
		AuditLog:   database,
		Health:     database,
		Log:        log.Named("http"),
	}, api.Options{
		RateLimitRPS: cfg.RateLimitRPS,
		RateBurst:    cfg.RateBurst,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      apiServer.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Anchorpipe server starting", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listening: %w", err)
		}
	case <-ctx.Done():
	}
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	log.Info("Server stopped")
	return nil
}

func ledgerRepository(cfg *config.Config, database *db.DB, rdb *redis.Client) idempotency.Repository {
	switch cfg.LedgerBackend {
	case "redis":
		return idempotency.NewRedisRepository(rdb, "")
	case "memory":
		return idempotency.NewMemoryRepository()
	default:
		return database
	}
}

// queueClient returns nil when publishing is disabled.
func queueClient(cfg *config.Config) (queue.Client, error) {
	switch cfg.QueueBackend {
	case "sqs":
		return queue.NewSQSClient(cfg.SQSRegion, cfg.SQSCreate), nil
	case "pubsub":
		var creds []byte
		if cfg.PubSubCredentialsFile != "" {
			var err error
			creds, err = os.ReadFile(cfg.PubSubCredentialsFile)
			if err != nil {
				return nil, fmt.Errorf("reading pubsub credentials: %w", err)
			}
		}
		return queue.NewPubSubClient(cfg.PubSubProjectID, string(creds)), nil
	case "webhook":
		return queue.NewWebhookClient(cfg.WebhookURL, cfg.WebhookSecret), nil
	case "memory":
		return queue.NewMemoryClient(), nil
	}
	return nil, nil
}

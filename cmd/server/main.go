package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/lpernett/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/facturaIA/invoice-intake-service/api"
	"github.com/facturaIA/invoice-intake-service/internal/auth"
	"github.com/facturaIA/invoice-intake-service/internal/chat"
	"github.com/facturaIA/invoice-intake-service/internal/db"
	"github.com/facturaIA/invoice-intake-service/internal/export"
	"github.com/facturaIA/invoice-intake-service/internal/extract"
	"github.com/facturaIA/invoice-intake-service/internal/jobs"
	"github.com/facturaIA/invoice-intake-service/internal/logging"
	"github.com/facturaIA/invoice-intake-service/internal/models"
	"github.com/facturaIA/invoice-intake-service/internal/ocr"
	"github.com/facturaIA/invoice-intake-service/internal/services"
	"github.com/facturaIA/invoice-intake-service/internal/storage"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := ff.NewFlagSet("invoice-intake")
	var (
		configPath  = fs.StringLong("config", "config.yaml", "YAML configuration file")
		envFile     = fs.StringLong("env-file", ".env", "dotenv file loaded before reading the environment")
		showVersion = fs.BoolLong("version", "Show version information")
	)
	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("INVOICE")); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		return err
	}
	if *showVersion {
		fmt.Println(api.Version)
		return nil
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", *envFile, err)
	}

	cfg, err := loadConfig(*configPath, os.Getenv)
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, objects, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	broker, err := openBroker(cfg.Queue)
	if err != nil {
		return err
	}
	defer broker.Close()

	tesseract := ocr.NewTesseract(cfg.OCR, ocr.ExecRunner{Logger: logger}, logger)
	if v, err := tesseract.Version(ctx); err != nil {
		logger.Warn(ctx, "tesseract not available, jobs will fail until it is installed", "error", err)
	} else {
		logger.Info(ctx, "tesseract found", "version", v)
	}

	processor := services.NewProcessor(store, tesseract, extract.New(cfg.Extraction), cfg.OCR.Timeout, logger)
	pool := jobs.NewPool(store, broker, processor, append(jobs.FromConfig(cfg.Queue), jobs.WithLogger(logger))...)
	gateway := services.NewIntakeGateway(store, pool, cfg.Intake, logger)

	fallback, err := chat.NewFallback(ctx, cfg.Chat)
	if err != nil {
		return fmt.Errorf("chat fallback: %w", err)
	}
	if c, ok := fallback.(io.Closer); ok {
		defer c.Close()
	}
	loc, err := time.LoadLocation(cfg.Chat.Timezone)
	if err != nil {
		logger.Warn(ctx, "unknown chat timezone, using local time", "timezone", cfg.Chat.Timezone, "error", err)
		loc = time.Local
	}
	router := chat.NewRouter(store, gateway, fallback, chat.NewSessions(cfg.Chat.SessionTTL),
		chat.WithLocation(loc),
		chat.WithLogger(logger),
	)

	health := api.NewHealthChecker(api.HealthChecker{
		Tesseract:    tesseract,
		Store:        store,
		StoreName:    storeName(cfg),
		Storage:      objects,
		Broker:       broker,
		BrokerName:   cfg.Queue.Driver,
		ChatProvider: fallback.Name(),
	})
	handler, err := api.NewHandler(api.Deps{
		Config:   cfg,
		Intake:   gateway,
		Invoices: store,
		Images:   store,
		Jobs:     store,
		Exporter: export.NewExporter(store, logger),
		Chat:     router,
		Health:   health,
		Auth:     auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Warn(ctx, "JWT_SECRET not set, owner is taken from the X-Owner-ID header")
	}

	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("starting worker pool: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info(ctx, "invoice intake service started",
		"version", api.Version,
		"addr", addr,
		"store", storeName(cfg),
		"queue", cfg.Queue.Driver,
		"workers", cfg.Queue.Workers,
		"chat", fallback.Name(),
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "server failed", "error", err)
		}
	}

	logger.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown", "error", err)
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "worker pool shutdown", "error", err)
	}
	return nil
}

// openStore returns the Postgres store (with MinIO for images) when a
// database URL is set and the Bolt file store otherwise. objects is nil for
// Bolt.
func openStore(ctx context.Context, cfg *models.Config, logger logging.Logger) (db.Store, api.Pinger, error) {
	if cfg.Database.URL == "" {
		store, err := db.NewBoltStore(cfg.Database.BoltPath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening bolt store: %w", err)
		}
		logger.Info(ctx, "bolt store opened", "path", cfg.Database.BoltPath)
		return store, nil, nil
	}

	if cfg.Storage.Endpoint == "" {
		return nil, nil, fmt.Errorf("MINIO_ENDPOINT is required with DATABASE_URL")
	}
	objects, err := storage.NewMinioStore(cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("minio client: %w", err)
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		return nil, nil, fmt.Errorf("minio bucket: %w", err)
	}

	pool, err := db.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrating database: %w", err)
	}
	logger.Info(ctx, "postgres store ready", "bucket", objects.Bucket())
	return db.NewPostgresStore(pool, objects), objects, nil
}

func openBroker(cfg models.QueueConfig) (jobs.Broker, error) {
	switch cfg.Driver {
	case "memory":
		return jobs.NewMemoryBroker(), nil
	case "rabbitmq":
		if cfg.RabbitMQURL == "" {
			return nil, fmt.Errorf("RABBITMQ_URL is required for the rabbitmq queue driver")
		}
		return jobs.NewRabbitBroker(cfg.RabbitMQURL, cfg.QueueName, cfg.Workers)
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}

func storeName(cfg *models.Config) string {
	if cfg.Database.URL != "" {
		return "postgres"
	}
	return "bolt"
}

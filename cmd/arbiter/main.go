package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/arbiterlabs/arbiter/internal/auth"
	"github.com/arbiterlabs/arbiter/internal/calibration"
	"github.com/arbiterlabs/arbiter/internal/config"
	"github.com/arbiterlabs/arbiter/internal/correction"
	"github.com/arbiterlabs/arbiter/internal/engine"
	"github.com/arbiterlabs/arbiter/internal/orchestration"
	"github.com/arbiterlabs/arbiter/internal/prediction"
	"github.com/arbiterlabs/arbiter/internal/server"
	"github.com/arbiterlabs/arbiter/internal/snapshot"
	"github.com/arbiterlabs/arbiter/internal/storage"
	"github.com/arbiterlabs/arbiter/internal/telemetry"
	"github.com/arbiterlabs/arbiter/internal/weakness"
	"github.com/arbiterlabs/arbiter/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("ARBITER_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("arbiter starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	// Register connection pool OTEL metrics (after telemetry.Init).
	db.RegisterPoolMetrics()

	// Run embedded migrations. RunMigrations tracks applied files in
	// schema_migrations and skips duplicates, so errors here indicate
	// real failures (not "already exists").
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		slog.Warn("migrations failed", "error", err)
	}

	// Verify the core table exists after migration so a broken schema
	// fails at startup rather than on the first request.
	var schemaOK bool
	if err := db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'autonomy_runs')`,
	).Scan(&schemaOK); err != nil {
		return fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		return fmt.Errorf("critical table 'autonomy_runs' does not exist after migration")
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Hash bootstrap access keys once at startup. Unset keys disable the
	// corresponding role entirely.
	var operatorHash, adminHash string
	if cfg.OperatorKey != "" {
		if operatorHash, err = auth.HashAccessKey(cfg.OperatorKey); err != nil {
			return fmt.Errorf("auth: hash operator key: %w", err)
		}
	}
	if cfg.AdminKey != "" {
		if adminHash, err = auth.HashAccessKey(cfg.AdminKey); err != nil {
			return fmt.Errorf("auth: hash admin key: %w", err)
		}
	}
	if operatorHash == "" && adminHash == "" {
		logger.Warn("no bootstrap access keys configured; /auth/token will reject all requests")
	}

	// Orchestration collaborator client. Plan, Execute, and corrective
	// actions all go through it.
	orch := orchestration.NewClient(cfg.OrchestratorURL, cfg.OrchestratorTimeout)

	// Context snapshot builder.
	builder := snapshot.New(db, logger, snapshot.Config{
		MemoryLimit:  cfg.TopMemoryCount,
		RunLookback:  cfg.ContextRunWindow,
		FetchTimeout: cfg.ContextTimeout,
	})

	// Autonomy run engine.
	eng := engine.New(db, builder, orch, db, db, logger, engine.Config{
		OrchestratorTimeout: cfg.OrchestratorTimeout,
	})

	// Analysis services.
	predictor := prediction.New(db, logger, prediction.Config{
		Lookback: cfg.PredictionLookback,
		Horizon:  cfg.PredictionHorizon,
	})
	detector := weakness.New(db, logger, cfg.WeaknessLookback)
	corrector := correction.New(db, orch, db, logger, correction.Config{
		ValidationWindow: cfg.ValidationWindow,
	})
	optimizer := calibration.New(db, logger)

	// Create SSE broker (requires LISTEN/NOTIFY connection).
	var broker *server.Broker
	if db.HasNotifyConn() {
		broker = server.NewBroker(db, logger)
		go broker.Start(ctx)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Engine:              eng,
		Predictor:           predictor,
		Detector:            detector,
		Corrector:           corrector,
		Optimizer:           optimizer,
		Broker:              broker,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OperatorKeyHash:     operatorHash,
		AdminKeyHash:        adminHash,
	})

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting new HTTP requests and drain
	// in-flight ones. Detached run attempts hold their own contexts and
	// finish (or fail their transitions) against the still-open pool.
	slog.Info("arbiter shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("arbiter stopped")
	return nil
}

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/arbiterlabs/arbiter/internal/auth"
	"github.com/arbiterlabs/arbiter/internal/calibration"
	"github.com/arbiterlabs/arbiter/internal/correction"
	"github.com/arbiterlabs/arbiter/internal/engine"
	"github.com/arbiterlabs/arbiter/internal/prediction"
	"github.com/arbiterlabs/arbiter/internal/storage"
	"github.com/arbiterlabs/arbiter/internal/weakness"
)

// Server is the Arbiter HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional (nil-safe): Broker.
type ServerConfig struct {
	// Required dependencies.
	DB        *storage.DB
	JWTMgr    *auth.JWTManager
	Engine    *engine.Engine
	Predictor *prediction.Service
	Detector  *weakness.Service
	Corrector *correction.Engine
	Optimizer *calibration.Optimizer
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Broker *Broker

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Bootstrap access-key hashes.
	OperatorKeyHash string
	AdminKeyHash    string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Engine:              cfg.Engine,
		Predictor:           cfg.Predictor,
		Detector:            cfg.Detector,
		Corrector:           cfg.Corrector,
		Optimizer:           cfg.Optimizer,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OperatorKeyHash:     cfg.OperatorKeyHash,
		AdminKeyHash:        cfg.AdminKeyHash,
	})

	mux := http.NewServeMux()

	// Auth endpoint (no auth required).
	mux.Handle("POST /auth/token", http.HandlerFunc(h.HandleAuthToken))

	// Run lifecycle (operator+).
	anyRole := requireRole(auth.RoleOperator, auth.RoleAdmin)
	mux.Handle("POST /v1/runs", anyRole(http.HandlerFunc(h.HandleCreateRun)))
	mux.Handle("GET /v1/runs", anyRole(http.HandlerFunc(h.HandleListRuns)))
	mux.Handle("GET /v1/runs/{run_id}", anyRole(http.HandlerFunc(h.HandleGetRun)))
	mux.Handle("GET /v1/runs/{run_id}/events", anyRole(http.HandlerFunc(h.HandleRunEvents)))
	mux.Handle("GET /v1/runs/{run_id}/archive", anyRole(http.HandlerFunc(h.HandleRunArchive)))
	mux.Handle("POST /v1/runs/{run_id}/cancel", anyRole(http.HandlerFunc(h.HandleCancelRun)))

	// Analysis (operator+ can read, admin mutates).
	adminOnly := requireRole(auth.RoleAdmin)
	mux.Handle("GET /v1/predictions", anyRole(http.HandlerFunc(h.HandlePredictions)))
	mux.Handle("GET /v1/weaknesses", anyRole(http.HandlerFunc(h.HandleWeaknesses)))
	mux.Handle("GET /v1/corrections", anyRole(http.HandlerFunc(h.HandleListCorrections)))
	mux.Handle("GET /v1/corrections/{cycle_id}", anyRole(http.HandlerFunc(h.HandleGetCorrection)))
	mux.Handle("POST /v1/corrections", adminOnly(http.HandlerFunc(h.HandleStartCorrection)))
	mux.Handle("GET /v1/parameters", anyRole(http.HandlerFunc(h.HandleParameters)))
	mux.Handle("POST /v1/parameters/recalibrate", adminOnly(http.HandlerFunc(h.HandleRecalibrate)))

	// Signal ingestion (admin only).
	mux.Handle("POST /v1/signals/memories", adminOnly(http.HandlerFunc(h.HandleIngestMemory)))
	mux.Handle("POST /v1/signals/telemetry", adminOnly(http.HandlerFunc(h.HandleIngestTelemetry)))
	mux.Handle("POST /v1/signals/orchestrations", adminOnly(http.HandlerFunc(h.HandleIngestOrchestration)))

	// Subscription endpoint (operator+, long-lived connection).
	mux.Handle("GET /v1/subscribe", anyRole(http.HandlerFunc(h.HandleSubscribe)))

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

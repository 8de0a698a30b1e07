package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterlabs/arbiter/internal/auth"
	"github.com/arbiterlabs/arbiter/internal/calibration"
	"github.com/arbiterlabs/arbiter/internal/correction"
	"github.com/arbiterlabs/arbiter/internal/engine"
	"github.com/arbiterlabs/arbiter/internal/model"
	"github.com/arbiterlabs/arbiter/internal/prediction"
	"github.com/arbiterlabs/arbiter/internal/storage"
	"github.com/arbiterlabs/arbiter/internal/weakness"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db              *storage.DB
	jwtMgr          *auth.JWTManager
	engine          *engine.Engine
	predictor       *prediction.Service
	detector        *weakness.Service
	corrector       *correction.Engine
	optimizer       *calibration.Optimizer
	broker          *Broker
	logger          *slog.Logger
	startedAt       time.Time
	version         string
	maxBody         int64
	operatorKeyHash string
	adminKeyHash    string
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker.
type HandlersDeps struct {
	DB        *storage.DB
	JWTMgr    *auth.JWTManager
	Engine    *engine.Engine
	Predictor *prediction.Service
	Detector  *weakness.Service
	Corrector *correction.Engine
	Optimizer *calibration.Optimizer
	Broker    *Broker
	Logger    *slog.Logger
	Version   string

	MaxRequestBodyBytes int64

	// Argon2id hashes of the bootstrap access keys. Empty disables the
	// corresponding role's /auth/token path.
	OperatorKeyHash string
	AdminKeyHash    string
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:              d.DB,
		jwtMgr:          d.JWTMgr,
		engine:          d.Engine,
		predictor:       d.Predictor,
		detector:        d.Detector,
		corrector:       d.Corrector,
		optimizer:       d.Optimizer,
		broker:          d.Broker,
		logger:          d.Logger,
		startedAt:       time.Now(),
		version:         d.Version,
		maxBody:         d.MaxRequestBodyBytes,
		operatorKeyHash: d.OperatorKeyHash,
		adminKeyHash:    d.AdminKeyHash,
	}
}

// HandleAuthToken handles POST /auth/token. Exchanges a bootstrap access
// key for a workspace-scoped JWT. The admin key is checked first so an
// admin key never silently downgrades to operator.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.WorkspaceID == uuid.Nil || req.AccessKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "workspace_id and access_key are required")
		return
	}

	role, ok := h.matchAccessKey(req.AccessKey)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(req.WorkspaceID, role)
	if err != nil {
		h.logger.Error("issue token", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to issue token")
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		Role:      string(role),
		ExpiresAt: expiresAt,
	})
}

func (h *Handlers) matchAccessKey(key string) (auth.Role, bool) {
	if h.adminKeyHash != "" {
		if valid, err := auth.VerifyAccessKey(key, h.adminKeyHash); err == nil && valid {
			return auth.RoleAdmin, true
		}
	}
	if h.operatorKeyHash != "" {
		if valid, err := auth.VerifyAccessKey(key, h.operatorKeyHash); err == nil && valid {
			return auth.RoleOperator, true
		}
	}
	if h.adminKeyHash == "" && h.operatorKeyHash == "" {
		auth.DummyVerify()
	}
	return "", false
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.db.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, map[string]any{
		"status":         status,
		"version":        h.version,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	})
}

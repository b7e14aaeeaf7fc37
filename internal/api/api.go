// CLAUDE:SUMMARY Core API struct and shared HTTP plumbing — route registration, operator auth, error-to-status mapping
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/hazyhaar/metagov/internal/auth"
	"github.com/hazyhaar/metagov/internal/coordinator"
	"github.com/hazyhaar/metagov/internal/db"
	"github.com/hazyhaar/metagov/internal/meta"
)

// handleRe validates operator handle format: ASCII alphanumeric, underscore, hyphen only.
var handleRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// maxBodySize is the maximum HTTP body size for write endpoints.
const maxBodySize = 200 * 1024 // 200KB

// ResolveRateLimiter is the rate limiter for POST /api/resolve (300 req/60s).
var ResolveRateLimiter = NewRateLimiter(300, 60*time.Second)

type API struct {
	db    *db.DB
	coord *coordinator.Coordinator
	meta  *meta.Cycle
	auth  *auth.Auth
}

func New(database *db.DB, coord *coordinator.Coordinator, cycle *meta.Cycle, a *auth.Auth) *API {
	return &API{db: database, coord: coord, meta: cycle, auth: a}
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	// Auth
	mux.HandleFunc("POST /api/register", a.handleRegister)
	mux.HandleFunc("POST /api/login", a.handleLogin)

	// Serving surface
	mux.HandleFunc("POST /api/resolve", RateLimitMiddleware(ResolveRateLimiter, a.handleResolve))
	mux.HandleFunc("POST /api/trace", a.handleRecordTrace)
	mux.HandleFunc("POST /api/trace/{id}/feedback", a.handleAttachFeedback)
	mux.HandleFunc("GET /api/traces", a.handleQueryTraces)

	// Proposals
	mux.HandleFunc("POST /api/proposal", a.handleSubmitProposal)
	mux.HandleFunc("GET /api/proposals", a.handleListProposals)
	mux.HandleFunc("GET /api/proposal/{id}", a.handleGetProposal)
	mux.HandleFunc("POST /api/proposal/{id}/safety", a.handleCheckProposalSafety)
	mux.HandleFunc("POST /api/proposal/{id}/approve", a.handleApproveProposal)
	mux.HandleFunc("POST /api/proposal/{id}/reject", a.handleRejectProposal)

	// Experiments
	mux.HandleFunc("POST /api/experiment/open", a.handleOpenExperiment)
	mux.HandleFunc("GET /api/experiments", a.handleListExperiments)
	mux.HandleFunc("GET /api/experiment/{id}", a.handleGetExperiment)
	mux.HandleFunc("POST /api/experiment/{id}/evaluate", a.handleEvaluateExperiment)
	mux.HandleFunc("POST /api/experiment/{id}/abort", a.handleAbortExperiment)

	// Lineages & versions
	mux.HandleFunc("GET /api/lineages", a.handleListLineages)
	mux.HandleFunc("GET /api/lineage/{name}/versions", a.handleListVersions)
	mux.HandleFunc("GET /api/lineage/{name}/active", a.handleGetActiveVersion)
	mux.HandleFunc("POST /api/version/{id}/activate", a.handleActivateVersion)

	// Recommendation preview & commit
	mux.HandleFunc("GET /api/lineage/{name}/recommendation", a.handleRecommendation)
	mux.HandleFunc("POST /api/lineage/{name}/recommendation/commit", a.handleCommitRecommendation)

	// Safety patterns
	mux.HandleFunc("GET /api/safety/patterns", a.handleListSafetyPatterns)
	mux.HandleFunc("POST /api/safety/patterns", a.handleCreateSafetyPattern)
}

// --- Auth ---

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle   string `json:"handle"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Handle == "" || req.Password == "" {
		jsonError(w, "handle and password are required", http.StatusBadRequest)
		return
	}
	if len(req.Handle) < 3 || len(req.Handle) > 30 {
		jsonError(w, "handle must be 3-30 characters", http.StatusBadRequest)
		return
	}
	if !handleRe.MatchString(req.Handle) {
		jsonError(w, "handle must contain only ASCII letters, digits, underscore or hyphen", http.StatusBadRequest)
		return
	}
	if len(req.Password) < 8 {
		jsonError(w, "password must be at least 8 characters", http.StatusBadRequest)
		return
	}

	hash, err := a.auth.HashPassword(req.Password)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	op, err := a.db.CreateOperator(req.Handle, hash, req.Role)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			jsonError(w, "handle already taken", http.StatusConflict)
			return
		}
		slog.Error("creating operator", "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	token, err := a.auth.GenerateToken(op.ID, op.Handle)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	jsonResp(w, http.StatusCreated, map[string]interface{}{
		"operator": op,
		"token":    token,
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle   string `json:"handle"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	op, passwordHash, err := a.db.GetOperatorByHandle(req.Handle)
	if err != nil {
		jsonError(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if !a.auth.CheckPassword(passwordHash, req.Password) {
		jsonError(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := a.auth.GenerateToken(op.ID, op.Handle)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	_ = a.db.TouchOperatorLastSeen(op.ID)

	jsonResp(w, http.StatusOK, map[string]interface{}{
		"operator": op,
		"token":    token,
	})
}

// requireOperator rejects the request when no valid token is present.
func (a *API) requireOperator(w http.ResponseWriter, r *http.Request) *auth.Claims {
	claims := a.auth.ExtractClaims(r)
	if claims == nil {
		jsonError(w, "authentication required", http.StatusUnauthorized)
	}
	return claims
}

// --- Helpers ---

func jsonResp(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// errStatus maps the storage taxonomy to an HTTP status and a message that
// names the entity and the violated rule, so the response body is actionable.
func errStatus(err error) (int, string) {
	var (
		validation *db.ValidationError
		notFound   *db.NotFoundError
		conflict   *db.ConflictError
		badState   *db.InvalidStateError
		storage    *db.StorageError
		veto       *db.SafetyVeto
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, validation.Error()
	case errors.As(err, &notFound):
		return http.StatusNotFound, notFound.Error()
	case errors.As(err, &conflict):
		return http.StatusConflict, conflict.Error()
	case errors.As(err, &badState):
		return http.StatusConflict, badState.Error()
	case errors.As(err, &veto):
		return http.StatusUnprocessableEntity, veto.Error()
	case errors.Is(err, db.ErrNoActiveVersion):
		return http.StatusConflict, err.Error()
	case errors.As(err, &storage):
		slog.Error("storage failure", "error", err)
		return http.StatusServiceUnavailable, "storage unavailable"
	default:
		slog.Error("unhandled error", "error", err)
		return http.StatusInternalServerError, "internal error"
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status, msg := errStatus(err)
	jsonError(w, msg, status)
}

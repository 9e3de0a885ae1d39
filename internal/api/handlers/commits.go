package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medtrack/stockledger/internal/api/middleware"
	"github.com/medtrack/stockledger/internal/domain/ledger"
	"github.com/medtrack/stockledger/pkg/idempotency"
)

// CommitInbox is the idempotency surface used for retried commit requests.
// Nil disables idempotent replay (dev mode, tests).
type CommitInbox interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// CommitHandler handles the commit ledger endpoints.
type CommitHandler struct {
	svc    *ledger.Service
	inbox  CommitInbox
	logger *zap.Logger
}

// NewCommitHandler creates a new handler
func NewCommitHandler(svc *ledger.Service, inbox CommitInbox, logger *zap.Logger) *CommitHandler {
	return &CommitHandler{svc: svc, inbox: inbox, logger: logger}
}

// Register mounts the commit routes onto the API router.
func (h *CommitHandler) Register(r chi.Router) {
	r.Post("/records/{recordID}/commits", h.Commit)
	r.Get("/records/{recordID}/commits", h.ListCommits)
	r.Post("/commits/{commitID}/rollback", h.Rollback)
}

// CommitRequest is the body for committing usage.
type CommitRequest struct {
	UnitID    string `json:"unit_id,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// Commit handles POST /records/{recordID}/commits. Commit preconditions are
// re-validated server-side regardless of what the client believes the pending
// usage to be.
func (h *CommitHandler) Commit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	recordID := chi.URLParam(r, "recordID")
	userID := middleware.GetUserID(ctx)

	var req CommitRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
	}

	// The caller's unit scope wins; a conflicting body scope is a
	// cross-unit commit attempt.
	unitScope := middleware.GetUnitScope(ctx)
	if unitScope == "" {
		unitScope = req.UnitID
	} else if req.UnitID != "" && req.UnitID != unitScope {
		writeError(w, fmt.Errorf("%w: unit %s outside caller scope", ledger.ErrAccessDenied, req.UnitID))
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" || h.inbox == nil {
		commit, err := h.svc.Commit(ctx, recordID, userID, req.Signature, unitScope)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, commit)
		return
	}

	payload, _ := json.Marshal(req)
	result, err := h.inbox.Process(ctx, key, "commit_usage", payload,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			commit, err := h.svc.Commit(ctx, recordID, userID, req.Signature, unitScope)
			if err != nil {
				return nil, err
			}
			return json.Marshal(commit)
		})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if !result.IsNew {
		// Replayed request: return the original commit unchanged.
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(result.Result)
}

// ListCommits handles GET /records/{recordID}/commits
func (h *CommitHandler) ListCommits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	unit := r.URL.Query().Get("unit")

	// Scoped callers may only read their own unit's ledger.
	if scope := middleware.GetUnitScope(ctx); scope != "" {
		if unit != "" && unit != scope {
			writeError(w, fmt.Errorf("%w: unit %s outside caller scope", ledger.ErrAccessDenied, unit))
			return
		}
		unit = scope
	}

	commits, err := h.svc.ListCommits(ctx, chi.URLParam(r, "recordID"), unit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commits)
}

// RollbackRequest is the body for reversing a commit.
type RollbackRequest struct {
	Reason string `json:"reason"`
}

// Rollback handles POST /commits/{commitID}/rollback
func (h *CommitHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	var req RollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	commit, err := h.svc.Rollback(r.Context(),
		chi.URLParam(r, "commitID"), middleware.GetUserID(r.Context()), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commit)
}

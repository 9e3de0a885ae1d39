// Package handlers provides HTTP handlers for the usage API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/medtrack/stockledger/internal/domain/ledger"
	"github.com/medtrack/stockledger/internal/domain/usage"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the domain error taxonomy onto HTTP status codes. Anything
// outside the taxonomy is treated as a storage or infrastructure failure.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusServiceUnavailable
	switch {
	case errors.Is(err, usage.ErrValidation), errors.Is(err, ledger.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, ledger.ErrSignatureRequired):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrNoItemsToCommit), errors.Is(err, ledger.ErrAlreadyRolledBack):
		status = http.StatusConflict
	case errors.Is(err, usage.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

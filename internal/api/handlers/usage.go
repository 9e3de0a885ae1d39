package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medtrack/stockledger/internal/api/middleware"
	"github.com/medtrack/stockledger/internal/domain/usage"
)

// UsageHandler handles usage, override and event documentation endpoints.
type UsageHandler struct {
	svc    *usage.Service
	logger *zap.Logger
}

// NewUsageHandler creates a new handler
func NewUsageHandler(svc *usage.Service, logger *zap.Logger) *UsageHandler {
	return &UsageHandler{svc: svc, logger: logger}
}

// Register mounts the usage routes onto the API router.
func (h *UsageHandler) Register(r chi.Router) {
	r.Post("/records/{recordID}/usage/recalculate", h.Recalculate)
	r.Get("/records/{recordID}/usage", h.GetUsage)
	r.Post("/records/{recordID}/items/{itemID}/override", h.SetOverride)
	r.Delete("/usage/{usageID}/override", h.ClearOverride)
	r.Post("/records/{recordID}/events", h.DocumentEvent)
	r.Put("/records/{recordID}/events/{eventID}", h.AmendEvent)
	r.Delete("/records/{recordID}/events/{eventID}", h.RemoveEvent)
}

// UsageResponse is one derived usage line with its resolved quantity.
type UsageResponse struct {
	ID       string                  `json:"id"`
	RecordID string                  `json:"record_id"`
	ItemID   string                  `json:"item_id"`
	Quantity usage.EffectiveQuantity `json:"quantity"`
}

func toUsageResponse(records []usage.UsageRecord) []UsageResponse {
	out := make([]UsageResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, UsageResponse{
			ID:       rec.ID,
			RecordID: rec.RecordID,
			ItemID:   rec.ItemID,
			Quantity: rec.Effective(),
		})
	}
	return out
}

// Recalculate handles POST /records/{recordID}/usage/recalculate
func (h *UsageHandler) Recalculate(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.Recalculate(r.Context(), chi.URLParam(r, "recordID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUsageResponse(records))
}

// GetUsage handles GET /records/{recordID}/usage
func (h *UsageHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.GetUsage(r.Context(), chi.URLParam(r, "recordID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUsageResponse(records))
}

// OverrideRequest is the body for setting a manual quantity correction.
type OverrideRequest struct {
	Quantity float64 `json:"quantity"`
	Reason   string  `json:"reason"`
}

// SetOverride handles POST /records/{recordID}/items/{itemID}/override
func (h *UsageHandler) SetOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	rec, err := h.svc.SetOverride(r.Context(),
		chi.URLParam(r, "recordID"), chi.URLParam(r, "itemID"),
		req.Quantity, req.Reason, middleware.GetUserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUsageResponse([]usage.UsageRecord{rec})[0])
}

// ClearOverride handles DELETE /usage/{usageID}/override
func (h *UsageHandler) ClearOverride(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.ClearOverride(r.Context(),
		chi.URLParam(r, "usageID"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUsageResponse([]usage.UsageRecord{rec})[0])
}

// EventRequest is the body for documenting or amending a timeline event.
type EventRequest struct {
	ItemID       string     `json:"item_id"`
	Type         string     `json:"type"`
	Timestamp    time.Time  `json:"timestamp,omitempty"`
	EndTimestamp *time.Time `json:"end_timestamp,omitempty"`
	Dose         string     `json:"dose,omitempty"`
	Rate         string     `json:"rate,omitempty"`
	SessionID    string     `json:"session_id,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

func (req EventRequest) toEvent(recordID, eventID string) usage.AdministrationEvent {
	return usage.AdministrationEvent{
		ID:           eventID,
		RecordID:     recordID,
		ItemID:       req.ItemID,
		Type:         usage.EventType(req.Type),
		Timestamp:    req.Timestamp,
		EndTimestamp: req.EndTimestamp,
		Dose:         req.Dose,
		Rate:         req.Rate,
		SessionID:    req.SessionID,
	}
}

// DocumentEvent handles POST /records/{recordID}/events
func (h *UsageHandler) DocumentEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	e, err := h.svc.DocumentEvent(r.Context(),
		req.toEvent(chi.URLParam(r, "recordID"), ""),
		middleware.GetUserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// AmendEvent handles PUT /records/{recordID}/events/{eventID}
func (h *UsageHandler) AmendEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	e, err := h.svc.AmendEvent(r.Context(),
		req.toEvent(chi.URLParam(r, "recordID"), chi.URLParam(r, "eventID")),
		middleware.GetUserID(r.Context()), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// RemoveEvent handles DELETE /records/{recordID}/events/{eventID}
func (h *UsageHandler) RemoveEvent(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	err := h.svc.RemoveEvent(r.Context(),
		chi.URLParam(r, "recordID"), chi.URLParam(r, "eventID"),
		middleware.GetUserID(r.Context()), reason)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

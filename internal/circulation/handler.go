// internal/circulation/handler.go
package circulation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"librarium/internal/auth"
)

type Handler struct {
	service      Service
	reservations Reserving
	registry     *CopyRegistry
	directory    Directory
}

func NewHandler(service Service, reservations Reserving, registry *CopyRegistry, directory Directory) *Handler {
	if directory == nil {
		directory = OpenDirectory{}
	}
	return &Handler{service: service, reservations: reservations, registry: registry, directory: directory}
}

// Routes mounts the circulation endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/copies", h.handleRegisterCopy)
	r.Get("/copies/{id}", h.handleGetCopy)
	r.Post("/borrow", h.handleBorrow)
	r.Post("/return", h.handleReturn)
	r.Post("/renew", h.handleRenew)
	r.Post("/reservations", h.handleReserve)
	r.Post("/reservations/{id}/pickup", h.handlePickup)
	r.Delete("/reservations/{id}", h.handleCancelReservation)
	r.Post("/copies/{id}/lost", h.handleMarkLost)
	r.Post("/copies/{id}/damaged", h.handleMarkDamaged)
	r.Post("/copies/{id}/condition", h.handleReportCondition)
	r.Post("/copies/{id}/repaired", h.handleCompleteMaintenance)
	r.Post("/copies/{id}/retire", h.handleRetire)
	r.Get("/borrowings/{id}/fine", h.handleOverduePreview)
	r.Get("/history", h.handleHistory)
}

func (h *Handler) handleRegisterCopy(w http.ResponseWriter, r *http.Request) {
	if _, ok := auth.FromContext(r.Context()); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Barcode   string    `json:"barcode"`
		TitleID   uuid.UUID `json:"title_id"`
		Condition Condition `json:"condition"`
		Location  string    `json:"location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Barcode == "" || req.TitleID == uuid.Nil {
		http.Error(w, "barcode and title_id are required", http.StatusBadRequest)
		return
	}

	if err := h.directory.CheckTitle(r.Context(), req.TitleID); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	c, err := h.registry.Register(r.Context(), req.Barcode, req.TitleID, req.Condition, req.Location)
	if err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(c)
}

func (h *Handler) handleGetCopy(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid copy ID", http.StatusBadRequest)
		return
	}

	c, err := h.registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(c)
}

func (h *Handler) handleBorrow(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		CopyID     uuid.UUID `json:"copy_id"`
		LoanPeriod int       `json:"loan_period_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.directory.CheckBorrower(r.Context(), principal.MemberID); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	b, err := h.service.Borrow(r.Context(), req.CopyID, principal.MemberID, time.Duration(req.LoanPeriod)*24*time.Hour)
	if err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(b)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		BorrowingID uuid.UUID `json:"borrowing_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b, err := h.service.Return(r.Context(), req.BorrowingID, principal.MemberID)
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(b)
}

func (h *Handler) handleRenew(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		BorrowingID uuid.UUID `json:"borrowing_id"`
		Extension   int       `json:"extension_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b, err := h.service.Renew(r.Context(), req.BorrowingID, time.Duration(req.Extension)*24*time.Hour, principal.MemberID)
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(b)
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		TitleID uuid.UUID `json:"title_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.directory.CheckBorrower(r.Context(), principal.MemberID); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err := h.directory.CheckTitle(r.Context(), req.TitleID); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	res, err := h.reservations.Enqueue(r.Context(), req.TitleID, principal.MemberID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(res)
}

func (h *Handler) handlePickup(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid reservation ID", http.StatusBadRequest)
		return
	}

	b, err := h.service.PickupReservation(r.Context(), id, principal.MemberID)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(b)
}

func (h *Handler) handleCancelReservation(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid reservation ID", http.StatusBadRequest)
		return
	}

	if err := h.reservations.Cancel(r.Context(), id, principal.MemberID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMarkLost(w http.ResponseWriter, r *http.Request) {
	h.copyAction(w, r, h.service.MarkLost)
}

func (h *Handler) handleMarkDamaged(w http.ResponseWriter, r *http.Request) {
	h.copyAction(w, r, h.service.MarkDamaged)
}

func (h *Handler) handleRetire(w http.ResponseWriter, r *http.Request) {
	h.copyAction(w, r, h.service.Retire)
}

func (h *Handler) copyAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, copyID, actor uuid.UUID) error) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid copy ID", http.StatusBadRequest)
		return
	}

	if err := action(r.Context(), id, principal.MemberID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleReportCondition(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid copy ID", http.StatusBadRequest)
		return
	}

	var req struct {
		Condition Condition `json:"condition"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.service.ReportCondition(r.Context(), id, req.Condition, principal.MemberID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCompleteMaintenance(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid copy ID", http.StatusBadRequest)
		return
	}

	var req struct {
		Condition Condition `json:"condition"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.service.CompleteMaintenance(r.Context(), id, req.Condition, principal.MemberID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleOverduePreview(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid borrowing ID", http.StatusBadRequest)
		return
	}

	fine, err := h.service.OverduePreview(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]float64{"fine": fine})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	history, err := h.service.BorrowerHistory(r.Context(), principal.MemberID)
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(history)
}

// writeError maps the engine's error taxonomy to HTTP statuses: stale
// state and business-rule rejections are conflicts the client can act
// on, missing entities are 404, everything else is internal.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrStaleState),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrCopyNotAvailable),
		errors.Is(err, ErrNotBorrowed),
		errors.Is(err, ErrNotPending),
		errors.Is(err, ErrReservationWaiting),
		errors.Is(err, ErrCopyHeldByOther):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

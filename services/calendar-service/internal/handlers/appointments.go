package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/solobook/solobook/services/calendar-service/internal/lifecycle"
	"github.com/solobook/solobook/services/calendar-service/internal/model"
)

type AppointmentHandler struct {
	manager *lifecycle.Manager
	logger  *slog.Logger
}

func NewAppointmentHandler(manager *lifecycle.Manager, logger *slog.Logger) *AppointmentHandler {
	return &AppointmentHandler{manager: manager, logger: logger}
}

type createAppointmentRequest struct {
	CustomerName    string `json:"customer_name"`
	StartTime       string `json:"start_time"`
	DurationMinutes int    `json:"duration_minutes"`
}

type rescheduleRequest struct {
	StartTime string `json:"start_time"`
}

type appointmentItem struct {
	AppointmentID   string `json:"appointment_id"`
	CustomerName    string `json:"customer_name"`
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	DurationMinutes int    `json:"duration_minutes"`
	SyncStatus      string `json:"sync_status"`
	ExternalRef     string `json:"external_ref,omitempty"`
}

type conflictResponse struct {
	Error         string `json:"error"`
	Reason        string `json:"reason"`
	ConflictingID string `json:"conflicting_id,omitempty"`
}

type syncFailureResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

func toItem(appt model.Appointment) appointmentItem {
	return appointmentItem{
		AppointmentID:   appt.ID,
		CustomerName:    appt.CustomerName,
		StartTime:       appt.StartTime.UTC().Format(time.RFC3339),
		EndTime:         appt.EndTime().UTC().Format(time.RFC3339),
		DurationMinutes: appt.DurationMinutes,
		SyncStatus:      string(appt.SyncStatus),
		ExternalRef:     appt.ExternalRef,
	}
}

// Collection handles /api/v1/appointments.
func (h *AppointmentHandler) Collection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.create(w, r)
	case http.MethodGet:
		h.list(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// Item handles /api/v1/appointments/{id}.
func (h *AppointmentHandler) Item(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.get(w, r)
	case http.MethodPatch:
		h.reschedule(w, r)
	case http.MethodDelete:
		h.remove(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *AppointmentHandler) create(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req createAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return
	}

	appt, err := h.manager.Create(r.Context(), lifecycle.CreateRequest{
		OwnerID:         ownerID,
		CustomerName:    req.CustomerName,
		StartTime:       start,
		DurationMinutes: req.DurationMinutes,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(toItem(appt))
}

func (h *AppointmentHandler) list(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	appts, err := h.manager.List(r.Context(), ownerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeList(w, appts)
}

// Upcoming handles /api/v1/appointments/upcoming.
func (h *AppointmentHandler) Upcoming(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ownerID, ok := OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	appts, err := h.manager.ListUpcoming(r.Context(), ownerID, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeList(w, appts)
}

func (h *AppointmentHandler) get(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		http.Error(w, "missing appointment id", http.StatusBadRequest)
		return
	}

	appt, err := h.manager.Get(r.Context(), ownerID, id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toItem(appt))
}

func (h *AppointmentHandler) reschedule(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		http.Error(w, "missing appointment id", http.StatusBadRequest)
		return
	}

	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return
	}

	appt, err := h.manager.Reschedule(r.Context(), ownerID, id, start)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toItem(appt))
}

func (h *AppointmentHandler) remove(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		http.Error(w, "missing appointment id", http.StatusBadRequest)
		return
	}

	if err := h.manager.Delete(r.Context(), ownerID, id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AppointmentHandler) writeList(w http.ResponseWriter, appts []model.Appointment) {
	items := make([]appointmentItem, 0, len(appts))
	for _, appt := range appts {
		items = append(items, toItem(appt))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"appointments": items})
}

func (h *AppointmentHandler) writeError(w http.ResponseWriter, err error) {
	var vErr *lifecycle.ValidationError
	var cErr *lifecycle.ConflictError
	var sErr *lifecycle.SyncError
	switch {
	case errors.As(err, &vErr):
		http.Error(w, vErr.Error(), http.StatusBadRequest)
	case errors.As(err, &cErr):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(conflictResponse{
			Error:         "booking conflict",
			Reason:        string(cErr.Result.Reason),
			ConflictingID: cErr.Result.ConflictingID,
		})
	case errors.As(err, &sErr):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(syncFailureResponse{
			Error:     "scheduling engine rejected the booking",
			Retryable: sErr.Retryable,
		})
	case errors.Is(err, lifecycle.ErrNotFound):
		http.Error(w, "appointment not found", http.StatusNotFound)
	default:
		h.logger.Error("appointment request failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

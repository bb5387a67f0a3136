package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/solobook/solobook/services/calendar-service/internal/availability"
	"github.com/solobook/solobook/services/calendar-service/internal/model"
	"github.com/solobook/solobook/services/calendar-service/internal/syncjobs"
	"github.com/solobook/solobook/services/calendar-service/internal/timerange"
)

// EnginePusher mirrors the weekly configuration to the scheduling engine.
// The local store stays authoritative; a failed push is queued for
// background retry.
type EnginePusher interface {
	PushAvailability(ctx context.Context, windows []model.AvailabilityWindow) error
}

// BusyLister returns the owner's appointments intersecting a range, for
// free/busy projection.
type BusyLister interface {
	ListOverlapping(ctx context.Context, ownerID string, start, end time.Time) ([]model.Appointment, error)
}

// RetryEnqueuer flags a failed engine push for background completion.
type RetryEnqueuer interface {
	Enqueue(ctx context.Context, op, id, externalRef string) error
}

type AvailabilityHandler struct {
	store  *availability.Store
	engine EnginePusher
	busy   BusyLister
	retry  RetryEnqueuer
	logger *slog.Logger
}

func NewAvailabilityHandler(store *availability.Store, engine EnginePusher, busy BusyLister, retry RetryEnqueuer, logger *slog.Logger) *AvailabilityHandler {
	return &AvailabilityHandler{store: store, engine: engine, busy: busy, retry: retry, logger: logger}
}

type windowItem struct {
	Day   int    `json:"day_of_week"`
	Start string `json:"start_time"`
	End   string `json:"end_time"`
}

type setAvailabilityRequest struct {
	Windows []windowItem `json:"windows"`
}

type slotResponseItem struct {
	Start     string `json:"start"`
	End       string `json:"end"`
	Available bool   `json:"available"`
}

// Config handles /api/v1/availability.
func (h *AvailabilityHandler) Config(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.getConfig(w, r)
	case http.MethodPut:
		h.setConfig(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *AvailabilityHandler) getConfig(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	windows, err := h.store.Windows(r.Context(), ownerID)
	if err != nil {
		h.logger.Error("load availability", "err", err)
		http.Error(w, "failed to load availability", http.StatusInternalServerError)
		return
	}

	items := make([]windowItem, 0, len(windows))
	for _, win := range windows {
		items = append(items, windowItem{
			Day:   int(win.Day),
			Start: minuteClock(win.StartMinute),
			End:   minuteClock(win.EndMinute),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"windows": items})
}

func (h *AvailabilityHandler) setConfig(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req setAvailabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	windows := make([]model.AvailabilityWindow, 0, len(req.Windows))
	for _, item := range req.Windows {
		startMin, err := parseClock(item.Start)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid start_time %q", item.Start), http.StatusBadRequest)
			return
		}
		endMin, err := parseClock(item.End)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid end_time %q", item.End), http.StatusBadRequest)
			return
		}
		windows = append(windows, model.AvailabilityWindow{
			Day:         time.Weekday(item.Day),
			StartMinute: startMin,
			EndMinute:   endMin,
		})
	}

	if err := h.store.SetWindows(r.Context(), ownerID, windows); err != nil {
		if errors.Is(err, availability.ErrInvalidWindow) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("replace availability", "err", err)
		http.Error(w, "failed to save availability", http.StatusInternalServerError)
		return
	}

	if h.engine != nil {
		if err := h.engine.PushAvailability(r.Context(), windows); err != nil {
			h.logger.Warn("availability push to engine failed, queueing retry", "owner_id", ownerID, "err", err)
			if h.retry != nil {
				if qErr := h.retry.Enqueue(r.Context(), syncjobs.OpAvailability, ownerID, ""); qErr != nil {
					h.logger.Error("enqueue availability retry", "owner_id", ownerID, "err", qErr)
				}
			}
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// Slots handles /api/v1/availability/slots: the expanded free/busy calendar
// over a date range.
func (h *AvailabilityHandler) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ownerID, ok := OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	from, err := parseDateParam(r.URL.Query().Get("from"))
	if err != nil {
		http.Error(w, "invalid from date", http.StatusBadRequest)
		return
	}
	to, err := parseDateParam(r.URL.Query().Get("to"))
	if err != nil {
		http.Error(w, "invalid to date", http.StatusBadRequest)
		return
	}
	if !to.After(from) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return
	}

	windows, err := h.store.Windows(r.Context(), ownerID)
	if err != nil {
		h.logger.Error("load availability", "err", err)
		http.Error(w, "failed to load availability", http.StatusInternalServerError)
		return
	}

	appts, err := h.busy.ListOverlapping(r.Context(), ownerID, from, to)
	if err != nil {
		h.logger.Error("load appointments", "err", err)
		http.Error(w, "failed to load appointments", http.StatusInternalServerError)
		return
	}
	busy := make([]timerange.Span, 0, len(appts))
	for _, appt := range appts {
		busy = append(busy, timerange.Span{Start: appt.StartTime, End: appt.EndTime()})
	}

	free := availability.Expand(windows, from, to)
	slots := availability.Project(free, busy)

	items := make([]slotResponseItem, 0, len(slots))
	for _, s := range slots {
		items = append(items, slotResponseItem{
			Start:     s.Start.UTC().Format(time.RFC3339),
			End:       s.End.UTC().Format(time.RFC3339),
			Available: s.Available,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"slots": items})
}

func parseClock(v string) (int, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM")
	}
	var hh, mm int
	if _, err := fmt.Sscanf(v, "%d:%d", &hh, &mm); err != nil {
		return 0, err
	}
	if hh < 0 || hh > 24 || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("out of range")
	}
	return hh*60 + mm, nil
}

func minuteClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

func parseDateParam(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", v)
}

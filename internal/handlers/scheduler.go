package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"farmscheduler/internal/worker"
)

// Ticker is the part of the scheduler the ops API drives.
type Ticker interface {
	Tick(ctx context.Context, manual bool) (worker.TickReport, bool)
	LastTick() (worker.TickReport, bool)
	Interval() time.Duration
}

type SchedulerHandler struct {
	scheduler Ticker
	log       zerolog.Logger
}

func NewSchedulerHandler(scheduler Ticker, logger zerolog.Logger) *SchedulerHandler {
	return &SchedulerHandler{
		scheduler: scheduler,
		log:       logger.With().Str("component", "scheduler-handler").Logger(),
	}
}

type statusResponse struct {
	Interval string             `json:"interval"`
	LastTick *worker.TickReport `json:"last_tick"`
}

func (h *SchedulerHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Interval: h.scheduler.Interval().String()}
	if last, ok := h.scheduler.LastTick(); ok {
		resp.LastTick = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

// RunNow triggers a tick outside the timer. The tick outlives the request so a
// dropped client cannot cut it short. With leases enabled, jobs this replica
// already ran in the current slot are reported as already_ran_this_slot.
func (h *SchedulerHandler) RunNow(w http.ResponseWriter, r *http.Request) {
	report, ok := h.scheduler.Tick(context.WithoutCancel(r.Context()), true)
	if !ok {
		http.Error(w, "A tick is already running", http.StatusConflict)
		return
	}

	h.log.Info().Time("slot", report.Slot).Msg("Manual tick finished")
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

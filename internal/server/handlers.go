package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/varmetrics/varmetrics/internal/experiment"
	"github.com/varmetrics/varmetrics/internal/scheduler"
)

type HealthResponse struct {
	Status        string `json:"status"`
	ScheduledTags int    `json:"scheduled_tags"`
	RunningTags   int    `json:"running_tags"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}
	if s.scheduler != nil {
		for _, st := range s.scheduler.Status() {
			response.ScheduledTags++
			if st.Running {
				response.RunningTags++
			}
		}
	}

	writeJSON(w, http.StatusOK, response)
}

type RunResponse struct {
	ID          string `json:"id"`
	Tag         string `json:"tag"`
	Metric      string `json:"metric"`
	Table       string `json:"table"`
	Status      string `json:"status"`
	DaysTotal   int    `json:"days_total"`
	DaysFailed  int    `json:"days_failed"`
	RowsWritten int    `json:"rows_written"`
	StartedAt   string `json:"started_at"`
	FinishedAt  string `json:"finished_at,omitempty"`
	Error       string `json:"error,omitempty"`
}

// handleRuns lists the run ledger, optionally filtered by ?tag= and capped by ?limit=
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag != "" {
		if err := experiment.ValidateTag(tag); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := s.ledger.List(r.Context(), tag, limit)
	if err != nil {
		s.logger.Error("failed to list runs", zap.Error(err))
		http.Error(w, "Failed to list runs", http.StatusInternalServerError)
		return
	}

	response := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		rr := RunResponse{
			ID:          run.ID,
			Tag:         run.Tag,
			Metric:      run.Metric,
			Table:       run.Table,
			Status:      string(run.Status),
			DaysTotal:   run.DaysTotal,
			DaysFailed:  run.DaysFailed,
			RowsWritten: run.RowsWritten,
			StartedAt:   run.StartedAt.Format(time.RFC3339),
			Error:       run.Error,
		}
		if !run.FinishedAt.IsZero() {
			rr.FinishedAt = run.FinishedAt.Format(time.RFC3339)
		}
		response = append(response, rr)
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeJSON(w, http.StatusOK, []scheduler.TagStatus{})
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

// handleTrigger starts a run of a scheduled tag outside the schedule
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		http.Error(w, "Scheduler not running", http.StatusServiceUnavailable)
		return
	}

	tag := chi.URLParam(r, "tag")
	err := s.scheduler.Trigger(tag)
	switch {
	case errors.Is(err, scheduler.ErrUnknownTag):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, scheduler.ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"tag": tag, "status": "started"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

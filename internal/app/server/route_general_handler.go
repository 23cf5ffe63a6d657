package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"ip2asn/internal/table"
)

const instanceCountTimeout = 2 * time.Second

type tableResponse struct {
	Generation      uint64      `json:"generation"`
	Source          string      `json:"source,omitempty"`
	Fingerprint     string      `json:"fingerprint,omitempty"`
	BuiltAt         *time.Time  `json:"built_at,omitempty"`
	BuildDurationMs int64       `json:"build_duration_ms"`
	Stats           table.Stats `json:"stats"`
	Instances       *int        `json:"instances,omitempty"`
}

type reloadResponse struct {
	Reason     string      `json:"reason"`
	Status     string      `json:"status"`
	Generation uint64      `json:"generation"`
	Stats      table.Stats `json:"stats"`
	Records    int         `json:"records"`
	Duplicates int         `json:"duplicates"`
	Skipped    int         `json:"skipped"`
	DurationMs int64       `json:"duration_ms"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	current := s.svc.Current()
	if current.Generation == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "loading"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "generation": current.Generation})
}

func (s *Server) tableInfo(w http.ResponseWriter, r *http.Request) {
	current := s.svc.Current()

	resp := tableResponse{
		Generation:      current.Generation,
		Source:          current.Source,
		BuildDurationMs: current.BuildDuration.Milliseconds(),
		Stats:           current.Stats(),
	}
	if current.Fingerprint != 0 {
		resp.Fingerprint = fmt.Sprintf("%016x", current.Fingerprint)
	}
	if !current.BuiltAt.IsZero() {
		builtAt := current.BuiltAt.UTC()
		resp.BuiltAt = &builtAt
	}

	if s.instances != nil {
		ctx, cancel := context.WithTimeout(r.Context(), instanceCountTimeout)
		defer cancel()
		if n, err := s.instances(ctx); err != nil {
			log.Warn("Failed to count active instances", "error", err)
		} else {
			resp.Instances = &n
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	outcome, err := s.svc.Reload(r.Context(), "admin", force)
	if err != nil {
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	writeJSON(w, http.StatusOK, reloadResponse{
		Reason:     outcome.Reason,
		Status:     outcome.Status,
		Generation: outcome.Generation,
		Stats:      outcome.Stats,
		Records:    outcome.Report.Records,
		Duplicates: outcome.Report.Duplicates,
		Skipped:    outcome.Report.Skipped,
		DurationMs: outcome.Duration.Milliseconds(),
	})
}

func (s *Server) listReloads(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, "reload history is not configured", http.StatusNotFound)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	loads, err := s.history.ListTableLoads(r.Context(), limit)
	if err != nil {
		log.Error("Failed to list table loads", "error", err)
		writeError(w, "failed to list reloads", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, loads)
}

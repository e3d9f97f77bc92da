package status

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/controller/internal/audit"
)

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state := s.loop.State()
	gone := s.liveness != nil && s.liveness.ParentGone()

	status := "ok"
	switch {
	case gone:
		status = "parent_gone"
	case state.Terminal():
		status = "terminated"
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        status,
		LoopState:     state.String(),
		ParentGone:    gone,
		PID:           s.config.PID,
		ParentPID:     s.config.ParentPID,
		CommandPipe:   s.config.CommandPipe,
		AllowList:     s.config.AllowList,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Version:       s.config.Version,
	})
}

// handleLaunches handles GET /launches?limit=N.
func (s *Server) handleLaunches(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "audit journal is disabled")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list launches", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list launches")
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	respondJSON(w, http.StatusOK, LaunchesResponse{Launches: entries})
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

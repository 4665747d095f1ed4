package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Snapshot())
}

// handleUpdate runs one scheduler tick on demand, typically from an external
// cron like Cloud Scheduler. Failures inside the tick are reported with 200
// so the caller does not retry-storm; the snapshot carries the state.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !s.bypassAuth {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeJSONError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			writeJSONError(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}
		token, err := s.verifier(ctx, parts[1])
		if err != nil {
			slog.WarnContext(ctx, "failed to validate id token", slog.Any("error", err))
			writeJSONError(w, "invalid id token", http.StatusUnauthorized)
			return
		}
		if s.updateEmail != "" {
			var claims struct {
				Email string `json:"email"`
			}
			if err := token.Claims(&claims); err != nil || claims.Email != s.updateEmail {
				slog.WarnContext(ctx, "unauthorized email for update", slog.String("email", claims.Email))
				writeJSONError(w, "unauthorized email", http.StatusForbidden)
				return
			}
		}
	}

	status := "success"
	if err := s.orch.Tick(ctx); err != nil {
		slog.ErrorContext(ctx, "update tick failed", slog.Any("error", err))
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"snapshot": s.orch.Snapshot(),
	})
}

// timeRange parses optional start/end query parameters (RFC 3339), defaulting
// to the trailing three days.
func timeRange(r *http.Request) (time.Time, time.Time, error) {
	end := time.Now()
	start := end.AddDate(0, 0, -3)
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		end = t
	}
	return start, end, nil
}

func (s *Server) handleHistoryEnergy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start, end, err := timeRange(r)
	if err != nil {
		writeJSONError(w, "invalid time range", http.StatusBadRequest)
		return
	}

	samples, err := s.storage.GetEnergySamples(ctx, start, end)
	if err != nil {
		slog.ErrorContext(ctx, "failed to get energy samples", slog.Any("error", err))
		writeJSONError(w, "failed to get energy samples", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"samples": samples})
}

func (s *Server) handleHistoryPlans(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start, end, err := timeRange(r)
	if err != nil {
		writeJSONError(w, "invalid time range", http.StatusBadRequest)
		return
	}

	plans, err := s.storage.GetPlanRecords(ctx, start, end)
	if err != nil {
		slog.ErrorContext(ctx, "failed to get plan records", slog.Any("error", err))
		writeJSONError(w, "failed to get plan records", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

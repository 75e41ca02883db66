// internal/handler/dispatch_handler.go
package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/service"
)

// CycleRunner runs one dispatch cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (service.Summary, error)
}

// DispatchHandler exposes the dispatch cycle to an external scheduler.
type DispatchHandler struct {
	Runner CycleRunner
	Secret string
	Log    zerolog.Logger
}

// TriggerCycle runs one cycle and responds with the per-campaign summary.
// Callers authenticate with "Authorization: Bearer <secret>".
func (h *DispatchHandler) TriggerCycle(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "unauthorized"})
		return
	}

	// The cycle outlives a caller that hangs up; sends already in flight
	// must still be recorded.
	summary, err := h.Runner.RunCycle(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, appErrors.ErrCycleInProgress):
		writeJSON(w, http.StatusConflict, map[string]any{"success": false, "error": err.Error()})
		return
	case err != nil:
		h.Log.Error().Err(err).Msg("dispatch cycle failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "results": summary})
}

func (h *DispatchHandler) authorized(r *http.Request) bool {
	if h.Secret == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.Secret)) == 1
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Health reports whether the database is reachable.
func Health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

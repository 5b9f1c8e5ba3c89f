package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quantlab/regimeflow/internal/engine"
	"github.com/quantlab/regimeflow/internal/persistence"
	"github.com/quantlab/regimeflow/internal/regime"
	"github.com/quantlab/regimeflow/internal/reload"
)

type handlers struct {
	engine        *engine.Engine
	reloader      *reload.Reloader
	reloadLimiter *rate.Limiter
	repo          persistence.DecisionRepo
	hub           *hub
	started       time.Time
	log           zerolog.Logger
}

// evaluateRequest is the feed boundary: one bar's indicator fields plus
// optional expression context (trading status, last closed candle, chart
// window).
type evaluateRequest struct {
	Indicators map[string]map[string]float64 `json:"indicators"`
	Context    map[string]any                `json:"context,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// evaluate runs one evaluation cycle against the posted snapshot. The
// result is returned, broadcast to stream subscribers, and recorded in the
// decision history when persistence is enabled.
func (h *handlers) evaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed request: " + err.Error()})
		return
	}
	if len(req.Indicators) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "indicators must be non-empty"})
		return
	}

	result, err := h.engine.EvaluateBar(req.Indicators, req.Context)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	h.hub.BroadcastCycle(result)
	if h.repo != nil {
		decision := persistence.Decision{
			CycleID:       result.CycleID,
			At:            result.At,
			SchemaVersion: result.SchemaVersion,
			ActiveRegimes: regime.IDs(result.ActiveRegimes),
			StrategySetID: result.StrategySetID,
			SignalCount:   len(result.Signals),
			Elapsed:       result.Elapsed,
		}
		if err := h.repo.Insert(r.Context(), decision); err != nil {
			h.log.Warn().Err(err).Str("cycle_id", result.CycleID).Msg("decision history write failed")
		}
	}
	writeJSON(w, http.StatusOK, result)
}

// history serves recent decisions when persistence is enabled.
func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "decision history is not enabled"})
		return
	}
	decisions, err := h.repo.Range(r.Context(), time.Now().Add(-24*time.Hour), time.Now(), 100)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(h.started).Seconds()),
		"schema_version": h.reloader.Current().SchemaVersion,
	})
}

// regimes reports the last cycle's active regimes.
func (h *handlers) regimes(w http.ResponseWriter, _ *http.Request) {
	last := h.engine.Last()
	if last == nil {
		writeJSON(w, http.StatusOK, map[string]any{"active_regimes": []any{}, "note": "no evaluation cycle has run yet"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cycle_id":       last.CycleID,
		"at":             last.At,
		"active_regimes": last.ActiveRegimes,
	})
}

// routing reports the last routed strategy set and emitted signals.
func (h *handlers) routing(w http.ResponseWriter, _ *http.Request) {
	last := h.engine.Last()
	if last == nil {
		writeJSON(w, http.StatusOK, map[string]any{"note": "no evaluation cycle has run yet"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cycle_id":        last.CycleID,
		"strategy_set_id": last.StrategySetID,
		"signals":         last.Signals,
		"elapsed_us":      last.Elapsed.Microseconds(),
	})
}

func (h *handlers) configSummary(w http.ResponseWriter, _ *http.Request) {
	cfg := h.reloader.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"schema_version": cfg.SchemaVersion,
		"counts":         cfg.Counts(),
	})
}

// reload triggers a manual configuration reload, rate limited.
func (h *handlers) reload(w http.ResponseWriter, _ *http.Request) {
	if !h.reloadLimiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "reload rate limit exceeded"})
		return
	}
	if err := h.reloader.Reload(); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"success":        false,
			"error":          err.Error(),
			"schema_version": h.reloader.Current().SchemaVersion,
		})
		return
	}
	cfg := h.reloader.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"schema_version": cfg.SchemaVersion,
		"counts":         cfg.Counts(),
	})
}

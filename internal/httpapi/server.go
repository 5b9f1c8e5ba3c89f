// Package httpapi is the read-only telemetry surface: active regimes,
// routing state, configuration summary, Prometheus metrics, a manual
// reload trigger and a websocket event stream. The core never depends on a
// response from any of it.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quantlab/regimeflow/internal/engine"
	"github.com/quantlab/regimeflow/internal/metrics"
	"github.com/quantlab/regimeflow/internal/persistence"
	"github.com/quantlab/regimeflow/internal/reload"
)

// Server wires the handlers onto a gorilla/mux router.
type Server struct {
	router *mux.Router
	server *http.Server
	hub    *hub
	log    zerolog.Logger
}

// Config holds the listener settings.
type Config struct {
	Host             string
	Port             int
	ReloadRatePerMin int
}

// New builds the server. repo may be nil when decision history is
// disabled. The reload limiter protects against a UI stuck in a retry loop
// hammering the reload endpoint.
func New(cfg Config, eng *engine.Engine, reloader *reload.Reloader, reg *metrics.Registry, repo persistence.DecisionRepo, log zerolog.Logger) *Server {
	l := log.With().Str("component", "httpapi").Logger()

	hub := newHub(l)
	reloader.Subscribe(hub.BroadcastReload)

	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.ReloadRatePerMin)), cfg.ReloadRatePerMin)
	h := &handlers{
		engine:        eng,
		reloader:      reloader,
		reloadLimiter: limiter,
		repo:          repo,
		hub:           hub,
		started:       time.Now(),
		log:           l,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/evaluate", h.evaluate).Methods(http.MethodPost)
	r.HandleFunc("/history", h.history).Methods(http.MethodGet)
	r.HandleFunc("/regimes", h.regimes).Methods(http.MethodGet)
	r.HandleFunc("/routing", h.routing).Methods(http.MethodGet)
	r.HandleFunc("/config", h.configSummary).Methods(http.MethodGet)
	r.HandleFunc("/reload", h.reload).Methods(http.MethodPost)
	r.HandleFunc("/ws", hub.serve).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{router: r, server: srv, hub: hub, log: l}
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler { return s.router }

// BroadcastCycle pushes a cycle summary to websocket subscribers. The run
// loop calls it after each evaluation.
func (s *Server) BroadcastCycle(result *engine.CycleResult) {
	s.hub.BroadcastCycle(result)
}

func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("telemetry server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

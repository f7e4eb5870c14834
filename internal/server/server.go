// Package server exposes the refresh triggers, health and status over HTTP.
// Scheduling stays outside: a cron job or operator calls the trigger
// endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/eve-market-replica/internal/events"
	"github.com/Sternrassler/eve-market-replica/internal/market"
	"github.com/Sternrassler/eve-market-replica/internal/universe"
	"github.com/Sternrassler/eve-market-replica/pkg/logging"
	"github.com/Sternrassler/eve-market-replica/pkg/metrics"
	"github.com/Sternrassler/eve-market-replica/pkg/ratelimit"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "replica_http_requests_total",
	Help: "Inbound HTTP requests by route and status",
}, []string{"route", "status"})

// UniverseRunner runs a universe refresh.
type UniverseRunner interface {
	Run(ctx context.Context) (*universe.Report, error)
}

// MarketRunner runs market refreshes.
type MarketRunner interface {
	RefreshAll(ctx context.Context) (*market.Report, error)
	RefreshRegion(ctx context.Context, regionID int32) (*market.Report, error)
}

// FetchStatus is the fetch client state shown on /status.
type FetchStatus interface {
	RemainingErrorBudget() int
	IsRateLimited() bool
	AvailableConnections() int
	Gate() *ratelimit.Gate
	Tracker() *ratelimit.Tracker
}

// Pinger checks a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the server triggers and reports on. Events
// and Checks are optional.
type Deps struct {
	Universe UniverseRunner
	Market   MarketRunner
	Client   FetchStatus
	Events   events.Publisher
	Checks   map[string]Pinger
}

// Server is the inbound HTTP surface.
type Server struct {
	deps   Deps
	router *mux.Router
	http   *http.Server
	logger zerolog.Logger

	// Set while a refresh of that pipeline runs.
	universeRunning atomic.Bool
	marketRunning   atomic.Bool
}

// New wires the routes.
func New(addr string, deps Deps) (*Server, error) {
	if deps.Universe == nil || deps.Market == nil || deps.Client == nil {
		return nil, fmt.Errorf("universe, market and client are required")
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}

	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
		logger: logging.NewLogger("server"),
	}

	s.router.Use(s.logRequests)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/refresh/universe", s.handleRefreshUniverse).Methods(http.MethodPost)
	s.router.HandleFunc("/refresh/market", s.handleRefreshMarket).Methods(http.MethodPost)
	s.router.HandleFunc("/refresh/market/{regionID:[0-9]+}", s.handleRefreshRegion).Methods(http.MethodPost)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("HTTP server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	for name, p := range s.deps.Checks {
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn().Err(err).Str("check", name).Msg("Readiness check failed")
			http.Error(w, fmt.Sprintf("%s not ready", name), http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

type statusResponse struct {
	RateLimited          bool                      `json:"rate_limited"`
	RemainingErrorBudget int                       `json:"remaining_error_budget"`
	AvailableConnections int                       `json:"available_connections"`
	Gate                 ratelimit.Snapshot        `json:"gate"`
	Upstream             *ratelimit.UpstreamBudget `json:"upstream,omitempty"`
	UniverseRunning      bool                      `json:"universe_running"`
	MarketRunning        bool                      `json:"market_running"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	c := s.deps.Client
	resp := statusResponse{
		RateLimited:          c.IsRateLimited(),
		RemainingErrorBudget: c.RemainingErrorBudget(),
		AvailableConnections: c.AvailableConnections(),
		Gate:                 c.Gate().Snapshot(),
		UniverseRunning:      s.universeRunning.Load(),
		MarketRunning:        s.marketRunning.Load(),
	}
	if t := c.Tracker(); t != nil {
		if budget, ok := t.LastUpstream(); ok {
			resp.Upstream = &budget
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// ErrAlreadyRunning is returned when the same pipeline is already running.
var ErrAlreadyRunning = errors.New("refresh already running")

// RefreshUniverse runs a universe refresh and publishes its outcome. Only
// one universe refresh runs at a time.
func (s *Server) RefreshUniverse(ctx context.Context) (*universe.Report, error) {
	if !s.universeRunning.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("universe: %w", ErrAlreadyRunning)
	}
	defer s.universeRunning.Store(false)

	report, err := s.deps.Universe.Run(ctx)
	id := ""
	if report != nil {
		id = report.RunID
	}
	s.notify(ctx, events.UniverseRefreshed, report, id, err)
	return report, err
}

// RefreshMarket refreshes every known region, or only regionID when it is
// non-zero. Whole-market and single-region runs share one guard.
func (s *Server) RefreshMarket(ctx context.Context, regionID int32) (*market.Report, error) {
	if !s.marketRunning.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("market: %w", ErrAlreadyRunning)
	}
	defer s.marketRunning.Store(false)

	var (
		report *market.Report
		err    error
	)
	if regionID == 0 {
		report, err = s.deps.Market.RefreshAll(ctx)
	} else {
		report, err = s.deps.Market.RefreshRegion(ctx, regionID)
	}
	if errors.Is(err, market.ErrUnknownRegion) {
		return nil, err
	}

	id := ""
	if report != nil {
		id = report.RunID
	}
	s.notify(ctx, events.MarketRefreshed, report, id, err)
	return report, err
}

func (s *Server) handleRefreshUniverse(w http.ResponseWriter, r *http.Request) {
	report, err := s.RefreshUniverse(context.WithoutCancel(r.Context()))
	respondRun(w, report, err)
}

func (s *Server) handleRefreshMarket(w http.ResponseWriter, r *http.Request) {
	report, err := s.RefreshMarket(context.WithoutCancel(r.Context()), 0)
	respondRun(w, report, err)
}

func (s *Server) handleRefreshRegion(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["regionID"], 10, 32)
	if err != nil || id <= 0 {
		respondError(w, "invalid region id", http.StatusBadRequest)
		return
	}

	report, err := s.RefreshMarket(context.WithoutCancel(r.Context()), int32(id))
	respondRun(w, report, err)
}

// respondRun maps a refresh outcome to a response. Reports are returned on
// failure too so callers see which phase or region broke.
func respondRun[R any](w http.ResponseWriter, report *R, err error) {
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		respondError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, market.ErrUnknownRegion):
		respondError(w, err.Error(), http.StatusNotFound)
	case err != nil:
		respondJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "report": report})
	default:
		respondJSON(w, http.StatusOK, report)
	}
}

func (s *Server) notify(ctx context.Context, eventType string, report any, id string, err error) {
	e := events.Event{Type: eventType, RunID: id, Success: err == nil, Report: report}
	if err != nil {
		e.Error = err.Error()
	}
	events.Notify(ctx, s.deps.Events, s.logger, e)
}

// statusRecorder captures the status written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		httpRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()

		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, status, map[string]string{"error": message})
}

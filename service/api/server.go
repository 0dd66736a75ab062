// Package api exposes the engine over HTTP: event intake, run inspection and
// cancellation, health and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/conveyor-ci/conveyor/model/trigger"
	"github.com/conveyor-ci/conveyor/runtime/execution"
	"github.com/conveyor-ci/conveyor/service/dao"
)

// Engine is the surface of the pipeline runtime the API serves.
type Engine interface {
	Trigger(ctx context.Context, event *trigger.Event) ([]*execution.Run, error)
	Run(ctx context.Context, id string) (*execution.Run, error)
	Runs(ctx context.Context, states ...string) ([]*execution.Run, error)
	CancelRun(ctx context.Context, id string) error
	Pipelines() []string
}

// Config controls the HTTP server.
type Config struct {
	Addr string
	// RateLimit caps requests per client IP per minute; 0 disables limiting.
	RateLimit int
}

// Server wires the engine behind a chi router.
type Server struct {
	engine Engine
	config Config
	logger zerolog.Logger
	http   *http.Server
}

// New creates an HTTP server for the engine.
func New(engine Engine, config Config, logger zerolog.Logger) *Server {
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	s := &Server{
		engine: engine,
		config: config,
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.http = &http.Server{
		Addr:              config.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route tree; exposed for tests.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(s.requestLogger)
	if s.config.RateLimit > 0 {
		r.Use(httprate.Limit(s.config.RateLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP)))
	}

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", s.handleEvent)
		r.Get("/pipelines", s.handlePipelines)
		r.Get("/runs", s.handleRuns)
		r.Get("/runs/{id}", s.handleRun)
		r.Delete("/runs/{id}", s.handleCancelRun)
	})
	return r
}

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.config.Addr).Msg("http server listening")
		errCh <- s.http.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(started)).
			Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvent accepts a trigger event and starts runs of every matching
// pipeline.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var event trigger.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}
	switch event.Kind {
	case trigger.Push, trigger.PullRequest:
	default:
		writeError(w, http.StatusBadRequest, "kind must be push or pull_request")
		return
	}
	runs, err := s.engine.Trigger(r.Context(), &event)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to trigger runs")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type startedRun struct {
		ID       string `json:"id"`
		Pipeline string `json:"pipeline"`
		State    string `json:"state"`
	}
	response := make([]startedRun, 0, len(runs))
	for _, run := range runs {
		response = append(response, startedRun{ID: run.ID, Pipeline: run.PipelineName, State: string(run.State)})
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"runs": response})
}

func (s *Server) handlePipelines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"pipelines": s.engine.Pipelines()})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	var states []string
	if state := r.URL.Query().Get("state"); state != "" {
		states = append(states, state)
	}
	runs, err := s.engine.Runs(r.Context(), states...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.Run(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, dao.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	err := s.engine.CancelRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, dao.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Package server is the operator HTTP surface: health, metrics and a manual check.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"feedbot/internal/notifier"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type Checker interface {
	Check(ctx context.Context) (notifier.Report, error)
}

type checkResponse struct {
	Fetched   int    `json:"fetched"`
	Selected  int    `json:"selected"`
	Delivered int    `json:"delivered"`
	Filtered  int    `json:"filtered"`
	Cursor    string `json:"cursor,omitempty"`
	Stage     string `json:"stage,omitempty"`
	ItemID    string `json:"item_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Server struct {
	addr    string
	checker Checker
	metrics http.Handler
	logger  zerolog.Logger
}

func New(addr string, checker Checker, metrics http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		addr:    addr,
		checker: checker,
		metrics: metrics,
		logger:  logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	r.Post("/check", s.handleCheck)

	return r
}

// Run serves until ctx is done and then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return ctx.Err()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	report, err := s.checker.Check(r.Context())

	resp := checkResponse{
		Fetched:   report.Fetched,
		Selected:  report.Selected,
		Delivered: report.Delivered,
		Filtered:  report.Filtered,
		Cursor:    report.Cursor,
	}

	status := http.StatusOK
	if err != nil {
		status = http.StatusBadGateway
		resp.Error = err.Error()

		var cycleErr *notifier.CycleError
		if errors.As(err, &cycleErr) {
			resp.Stage = string(cycleErr.Stage)
			resp.ItemID = cycleErr.ItemID
		}

		s.logger.Warn().Err(err).Msg("Manual check failed")
	}

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

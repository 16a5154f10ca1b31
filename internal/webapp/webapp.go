// Package webapp serves the controller's HTTP API: the task endpoints
// agents poll, and the RAP endpoints clients create, cancel and query jobs
// through. All endpoints are bearer-token authenticated and speak JSON.
package webapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/raplab/raprunner/internal/controller"
)

// Server wires the controller into HTTP handlers.
type Server struct {
	ctrl *controller.Controller
	log  *zap.Logger
}

// New builds a Server.
func New(ctrl *controller.Controller, log *zap.Logger) *Server {
	return &Server{ctrl: ctrl, log: log}
}

// Router builds the chi router with all endpoints mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Group(func(r chi.Router) {
		r.Use(s.clientAuth)
		r.Post("/rap/create/", s.handleRapCreate)
		r.Post("/rap/cancel/", s.handleRapCancel)
		r.Post("/rap/status/", s.handleRapStatus)
		r.Get("/backend/status/", s.handleBackendStatus)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.agentAuth)
		r.Get("/{backend}/tasks/", s.handleTasks)
		r.Post("/{backend}/task/update/", s.handleTaskUpdate)
	})

	return r
}

// Run serves the API until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.ctrl.Config()
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: s.Router(),
	}
	errc := make(chan error, 1)
	go func() { errc <- server.ListenAndServe() }()
	s.log.Info("API listening", zap.String("addr", server.Addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

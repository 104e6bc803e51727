// internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/crypto/acme/autocert"

	"github.com/markb/rentrt/internal/auth"
	"github.com/markb/rentrt/internal/db"
	"github.com/markb/rentrt/internal/log"
	"github.com/markb/rentrt/internal/observability"
	"github.com/markb/rentrt/internal/realtime"
)

const defaultLogLines = 100

type Server struct {
	db       *db.DB
	router   *chi.Mux
	issuer   *auth.Issuer
	realtime *realtime.Service
	tel      *observability.Telemetry

	// HTTP server for graceful shutdown
	httpServer *http.Server

	// HTTPS fields
	httpsServer  *http.Server
	httpRedirect *http.Server
	autocertMgr  *autocert.Manager
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string            `json:"status"`
	Realtime realtime.HubStats `json:"realtime"`
}

// New wires the notification API and the realtime endpoints on top of
// database. tel may be nil.
func New(database *db.DB, issuer *auth.Issuer, tel *observability.Telemetry) *Server {
	s := &Server{
		db:       database,
		router:   chi.NewRouter(),
		issuer:   issuer,
		realtime: realtime.NewService(database, issuer, tel.Metrics()),
		tel:      tel,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// CORS middleware for browser-based apps
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.router.Use(log.RequestLogger)
	s.router.Use(observability.HTTPMiddleware(s.tel, "rentrt"))
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/realtime/{endpoint}", s.realtime.HandleWebSocket)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))
		r.Use(s.authMiddleware)

		r.Get("/logs", s.handleLogs)
		r.Post("/system", s.handleBroadcastSystem)

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", s.handleListNotifications)
			r.Post("/", s.handleCreateNotification)
			r.Delete("/", s.handleDeleteAllNotifications)
			r.Patch("/read-all", s.handleMarkAllRead)
			r.Post("/test", s.handleSendTest)
			r.Get("/preferences", s.handleGetPreferences)
			r.Put("/preferences", s.handleUpdatePreferences)
			r.Patch("/{id}/read", s.handleMarkRead)
			r.Delete("/{id}", s.handleDeleteNotification)
		})
	})
}

func (s *Server) Router() *chi.Mux {
	return s.router
}

// Realtime returns the websocket hub service.
func (s *Server) Realtime() *realtime.Service {
	return s.realtime
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Realtime: s.realtime.Stats()})
}

// handleLogs serves the most recent buffered log lines.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := defaultLogLines
	if v := r.URL.Query().Get("lines"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "lines must be a positive integer")
			return
		}
		n = parsed
	}
	lines := log.GetBufferedLogs(n)
	if lines == nil {
		lines = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, closes every websocket and waits for
// in-flight handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	s.realtime.Close()

	if s.httpsServer != nil {
		if err := s.httpsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTPS server: %w", err))
		}
	}

	if s.httpRedirect != nil {
		if err := s.httpRedirect.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP redirect server: %w", err))
		}
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("server: cannot write response", "error", err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, errCode, message string) {
	s.writeJSON(w, status, ErrorResponse{
		Error:   errCode,
		Message: message,
	})
}

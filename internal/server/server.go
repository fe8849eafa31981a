// Package server implements the HTTP store server shared by all devices:
// settings documents with a long-pollable change feed, device registration
// and trust transitions, and credential layers.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/marlowe/crmsync/internal/serverdb"
)

// Server is the HTTP store server.
type Server struct {
	config Config
	http   *http.Server
	store  *serverdb.ServerDB
	notify *notifier
	cancel context.CancelFunc
}

// NewServer creates a Server over the given store.
func NewServer(cfg Config, store *serverdb.ServerDB) *Server {
	s := &Server{
		config: cfg,
		store:  store,
		notify: newNotifier(),
	}
	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.MaxPollWait + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start begins listening for HTTP requests (non-blocking) and starts the
// retention janitor.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.janitor(ctx)

	return nil
}

// janitor periodically trims the change feed and security event log.
func (s *Server) janitor(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("janitor panic", "panic", r)
		}
	}()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.store.PruneChangesBefore(time.Now().Add(-s.config.ChangeRetention)); err != nil {
				slog.Error("prune change feed", "err", err)
			} else if n > 0 {
				slog.Info("pruned change feed", "rows", n)
			}
			if n, err := s.store.PruneSecurityEventsBefore(time.Now().Add(-s.config.EventRetention)); err != nil {
				slog.Error("prune security events", "err", err)
			} else if n > 0 {
				slog.Info("pruned security events", "rows", n)
			}
		}
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.http.Shutdown(ctx)
}

// routes builds the router with all endpoints and middleware.
func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(recoveryMiddleware, loggingMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.requireAuth)

	v1.HandleFunc("/tenants/{tenant}/users/{user}/settings", s.handleGetSettings).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/{tenant}/users/{user}/settings", s.handlePutSettings).Methods(http.MethodPut)
	v1.HandleFunc("/tenants/{tenant}/users/{user}/settings/changes", s.handleChanges).Methods(http.MethodGet)

	v1.HandleFunc("/tenants/{tenant}/users/{user}/credentials/{name}", s.handleGetCredential).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/{tenant}/users/{user}/credentials/{name}", s.handlePutCredential).Methods(http.MethodPut)
	v1.HandleFunc("/tenants/{tenant}/users/{user}/credentials/{name}", s.handleDeleteCredential).Methods(http.MethodDelete)

	v1.HandleFunc("/devices", s.handleRegisterDevice).Methods(http.MethodPost)
	v1.HandleFunc("/devices", s.handleListDevices).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{id}/verify", s.handleVerifyDevice).Methods(http.MethodPost)
	v1.HandleFunc("/devices/{id}/revoke", s.handleRevokeDevice).Methods(http.MethodPost)

	return r
}

// requireAuth checks the bearer token. An empty configured token disables
// auth for local development.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIToken != "" {
			auth := r.Header.Get("Authorization")
			token := strings.TrimPrefix(auth, "Bearer ")
			if token == auth || token != s.config.APIToken {
				writeError(w, http.StatusUnauthorized, errCodeUnauthorized, "invalid or missing token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware turns handler panics into 500s instead of dropping
// the connection.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("handler panic", "path", r.URL.Path, "panic", rec)
				writeError(w, http.StatusInternalServerError, errCodeInternal, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// handleHealth returns a health check response, pinging the server DB.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Package server exposes the Telegram webhook endpoints, the admin API for
// bot registration and a health check over a single net/http listener.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/edgard/relaybot/internal/config"
	"github.com/edgard/relaybot/internal/database"
	"github.com/edgard/relaybot/internal/logger"
	"github.com/edgard/relaybot/internal/registration"
)

// Store is the data access the HTTP surface needs directly.
type Store interface {
	Ping(ctx context.Context) error
	GetBot(ctx context.Context, id string) (*database.Bot, error)
}

// Registrar manages bots on behalf of the admin API.
type Registrar interface {
	Register(ctx context.Context, req registration.Request) (*database.Bot, error)
	SetActive(ctx context.Context, id string, active bool) (*database.Bot, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]database.Bot, error)
}

// Webhooks resolves the update handler of a bot.
type Webhooks interface {
	WebhookHandler(bot database.Bot) (http.Handler, error)
}

// Deps groups the collaborators of Server.
type Deps struct {
	Logger       *slog.Logger
	Store        Store
	Registration Registrar
	Webhooks     Webhooks
}

// Server is the HTTP listener of the relay.
type Server struct {
	cfg        config.HTTPConfig
	deps       Deps
	log        *slog.Logger
	httpServer *http.Server
}

// New builds the server and its routes.
func New(cfg config.HTTPConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logger.Discard()
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger.With("component", "http_server"),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}
	return s
}

// Handler returns the routed handler, wrapped with access logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.health)
	mux.HandleFunc("POST /telegram/{botID}", s.webhook)

	mux.HandleFunc("GET /api/bots", s.withAdmin(s.listBots))
	mux.HandleFunc("POST /api/bots", s.withAdmin(s.createBot))
	mux.HandleFunc("PATCH /api/bots/{id}", s.withAdmin(s.updateBot))
	mux.HandleFunc("DELETE /api/bots/{id}", s.withAdmin(s.deleteBot))

	return s.accessLog(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", "addr", ln.Addr().String())
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	s.log.Info("Shutting down HTTP server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	want := []byte("Bearer " + s.cfg.AdminToken)
	return func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if s.cfg.AdminToken == "" || subtle.ConstantTimeCompare(got, want) != 1 {
			s.log.WarnContext(r.Context(), "Rejected admin request", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if strings.HasPrefix(path, "/telegram/") {
			path = "/telegram/{botID}"
		}
		s.log.DebugContext(r.Context(), "HTTP request",
			"method", r.Method,
			"path", path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.deps.Store.Ping(ctx); err != nil {
		s.log.ErrorContext(ctx, "Health check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Package server is the control plane's operator-facing HTTP surface.
//
// Authentication is a single admin password exchanged for an in-memory
// session bearer. Every /api/* route except /api/login requires
// "Authorization: Bearer <token>"; /health is open. A fixed-window rate
// limiter (100 requests/minute per client IP, /health exempt) fronts
// everything, and every response carries a restrictive set of security
// headers.
//
// Endpoints:
//
//	POST   /api/login                   {password} → {token}
//	POST   /api/logout                  → {success:true}
//	GET    /api/bots                    → {bots:[...]}
//	POST   /api/bots                    → bot (201)
//	GET    /api/bots/{hostname}         → bot
//	DELETE /api/bots/{hostname}         → {success:true}
//	POST   /api/bots/{hostname}/start   → {success:true, status}
//	POST   /api/bots/{hostname}/stop    → {success:true, status}
//	POST   /api/bots/{hostname}/restart → {success:true, status}
//	GET    /api/bots/{hostname}/logs    → {logs}
//	GET    /api/stats                   → {stats:[...]}
//	GET    /api/admin/orphans           → orphan report
//	POST   /api/admin/cleanup           → removal counts
//	GET    /api/admin/audit             → {entries:[...]}
//	POST   /api/models/discover         → {models:[...]}
//	GET    /api/proxy/keys              → {keys:[...]}     (keyring)
//	POST   /api/proxy/keys              → {id}             (keyring)
//	DELETE /api/proxy/keys/{id}         → {ok:true}        (keyring)
//	GET    /api/proxy/health            → keyring health   (keyring)
//	GET    /health                      → {status, timestamp, version}
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/openclaw/botmaker/common/redact"
	"github.com/openclaw/botmaker/common/trace"
	"github.com/openclaw/botmaker/internal/botmaker/keyring"
	"github.com/openclaw/botmaker/internal/botmaker/lifecycle"
	"github.com/openclaw/botmaker/internal/botmaker/reconcile"
	"github.com/openclaw/botmaker/internal/botmaker/runtime"
	"github.com/openclaw/botmaker/internal/botmaker/store"
)

// defaultRateLimit is requests per minute per client IP.
const defaultRateLimit = 100

// Config holds the HTTP surface settings.
type Config struct {
	// Addr is the listen address, host:port.
	Addr string
	// AdminPassword guards /api/login. The app layer enforces the
	// minimum length before the server ever starts.
	AdminPassword string
	// SessionExpiry bounds how long a minted bearer stays valid.
	SessionExpiry time.Duration
	// RateLimit overrides the default of 100 requests/minute per IP.
	RateLimit int
}

// Bots is the lifecycle surface the HTTP layer drives.
type Bots interface {
	Create(ctx context.Context, req lifecycle.CreateRequest) (lifecycle.View, error)
	Get(ctx context.Context, hostname string) (lifecycle.View, error)
	List(ctx context.Context) ([]lifecycle.View, error)
	Start(ctx context.Context, hostname string) (lifecycle.View, error)
	Stop(ctx context.Context, hostname string) (lifecycle.View, error)
	Restart(ctx context.Context, hostname string) (lifecycle.View, error)
	Delete(ctx context.Context, hostname string) error
	Logs(ctx context.Context, hostname string, tail int) (string, error)
	Stats(ctx context.Context) ([]runtime.ContainerStats, error)
}

// Janitor serves the admin orphan report and cleanup sweep.
type Janitor interface {
	Report(ctx context.Context) (*reconcile.Report, error)
	Cleanup(ctx context.Context) (*reconcile.CleanupResult, error)
}

// AuditTrail records operator actions. Writes are best-effort; a failed
// audit write never fails the operation it describes.
type AuditTrail interface {
	WriteAudit(ctx context.Context, traceID, actor, action, subject string, params map[string]any) error
	GetAuditLog(ctx context.Context, limit int) ([]*store.AuditEntry, error)
}

// KeyAdmin is the slice of the keyring admin API the pass-through
// routes expose to the UI.
type KeyAdmin interface {
	AddKey(ctx context.Context, vendor, secret, label, tag string) (string, error)
	ListKeys(ctx context.Context) ([]keyring.Key, error)
	DeleteKey(ctx context.Context, id string) error
	Health(ctx context.Context) (*keyring.HealthResponse, error)
}

// Deps are the collaborators behind the HTTP surface. Keys is nil when
// no keyring is configured; its routes then answer 503.
type Deps struct {
	Bots    Bots
	Janitor Janitor
	Audit   AuditTrail
	Keys    KeyAdmin
}

// Server is the control plane HTTP server.
type Server struct {
	cfg            Config
	deps           Deps
	sessions       *sessionStore
	limiter        *rateLimiter
	server         *http.Server
	discoverClient *http.Client
	logger         *slog.Logger
}

// New assembles the middleware chain and route table.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		sessions: newSessionStore(cfg.SessionExpiry),
		limiter:  newRateLimiter(limit, time.Minute),
		discoverClient: &http.Client{
			Timeout: discoverTimeout,
			// A redirect could point a public hostname back into the
			// private network the gate just cleared.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}

	// api: everything behind the session check.
	api := http.NewServeMux()
	api.HandleFunc("/api/logout", s.handleLogout)
	api.HandleFunc("/api/bots", s.handleBots)
	api.HandleFunc("/api/bots/{hostname}", s.handleBot)
	api.HandleFunc("/api/bots/{hostname}/start", s.handleStart)
	api.HandleFunc("/api/bots/{hostname}/stop", s.handleStop)
	api.HandleFunc("/api/bots/{hostname}/restart", s.handleRestart)
	api.HandleFunc("/api/bots/{hostname}/logs", s.handleLogs)
	api.HandleFunc("/api/stats", s.handleStats)
	api.HandleFunc("/api/admin/orphans", s.handleOrphans)
	api.HandleFunc("/api/admin/cleanup", s.handleCleanup)
	api.HandleFunc("/api/admin/audit", s.handleAudit)
	api.HandleFunc("/api/models/discover", s.handleDiscover)
	api.HandleFunc("/api/proxy/keys", s.handleProxyKeys)
	api.HandleFunc("/api/proxy/keys/{id}", s.handleProxyKeyDelete)
	api.HandleFunc("/api/proxy/health", s.handleProxyHealth)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.Handle("/api/", s.requireSession(api))

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.securityHeaders(s.traceRequests(s.limitRequests(mux))),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start begins listening. It returns once the listener is bound so
// callers can immediately send requests.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.logger.Info("control plane listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.server.Shutdown(context.Background())
	}()
	go s.sweepSessions(ctx)
	return nil
}

// Stop gracefully shuts down the server, draining in-flight handlers.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
}

func (s *Server) sweepSessions(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sessions.sweep()
		}
	}
}

// --- middleware ---

func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Content-Security-Policy", "default-src 'self'")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(trace.Header)
		if id == "" {
			id = trace.GenerateID()
		}
		w.Header().Set(trace.Header, id)
		next.ServeHTTP(w, r.WithContext(trace.WithTraceID(r.Context(), id)))
	})
}

func (s *Server) limitRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.limiter.Allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok || !s.sessions.Valid(token) {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	return auth[len("Bearer "):], true
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// respondError maps the closed sentinel sets onto HTTP statuses.
// Anything unmapped is an upstream or internal failure: logged in full,
// answered with a scrubbed 500.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, runtime.ErrNotFound),
		errors.Is(err, keyring.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicateHostname),
		errors.Is(err, runtime.ErrAlreadyExists),
		errors.Is(err, keyring.ErrConflict),
		errors.Is(err, store.ErrPortsExhausted):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed",
			"method", r.Method, "path", r.URL.Path,
			"trace", trace.FromContext(r.Context()), "err", err)
		writeError(w, http.StatusInternalServerError, redact.String(err.Error()))
	}
}

// audit records an operator action. Failures are logged, never surfaced.
func (s *Server) audit(r *http.Request, action, subject string, params map[string]any) {
	err := s.deps.Audit.WriteAudit(r.Context(), trace.FromContext(r.Context()),
		clientIP(r), action, subject, params)
	if err != nil {
		s.logger.Warn("audit write failed", "action", action, "err", err)
	}
}

// TestHandler exposes the full middleware chain for httptest.NewServer.
// This is only intended for tests.
func (s *Server) TestHandler() http.Handler {
	return s.server.Handler
}

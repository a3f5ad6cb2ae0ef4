// Package admin implements the keyring's management API.
//
// Every route sits behind the static admin bearer:
//
//	POST   /admin/keys       store a provider key           → {"id": ...}
//	GET    /admin/keys       list keys, secrets excluded    → {"keys": [...]}
//	DELETE /admin/keys/{id}  remove a key                   → {"ok": true}
//	POST   /admin/bots       register a bot, mint a bearer  → {"token": ...}
//	GET    /admin/bots       list bots, hashes excluded     → {"bots": [...]}
//	DELETE /admin/bots/{id}  revoke a bot's bearer          → {"ok": true}
//	GET    /admin/health     readiness and inventory counts
//	GET    /admin/usage      recent data-plane exchanges    → {"entries": [...]}
//
// A missing or malformed Authorization header answers 401; a well-formed
// bearer that does not match answers 403. The comparison is constant-time.
package admin

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openclaw/botmaker/common/providers"
	"github.com/openclaw/botmaker/common/trace"
	"github.com/openclaw/botmaker/internal/keyring/store"
)

// maxBodyBytes caps admin request bodies.
const maxBodyBytes = 1 * 1024 * 1024 // 1 MiB

const (
	defaultUsageLimit = 50
	maxUsageLimit     = 500
)

// Config holds the admin server's settings.
type Config struct {
	// Addr is the listen address, e.g. ":9100".
	Addr string
	// Token is the static admin bearer.
	Token string
}

// Server is the admin API over one keyring store.
type Server struct {
	cfg    Config
	store  *store.Store
	server *http.Server
	logger *slog.Logger
}

// New creates the admin server. Start must be called to begin serving.
func New(cfg Config, st *store.Store, logger *slog.Logger) *Server {
	s := &Server{cfg: cfg, store: st, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/admin/keys", s.handleKeys)
	mux.HandleFunc("/admin/keys/{id}", s.handleKeyDelete)
	mux.HandleFunc("/admin/bots", s.handleBots)
	mux.HandleFunc("/admin/bots/{id}", s.handleBotDelete)
	mux.HandleFunc("/admin/health", s.handleHealth)
	mux.HandleFunc("/admin/usage", s.handleUsage)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.traceRequests(s.requireToken(mux)),
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
	s.logger.Info("admin api listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin server error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.server.Shutdown(context.Background())
	}()
	return nil
}

// Stop gracefully shuts down the server, draining in-flight handlers.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
}

// --- middleware ---

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "authorization required")
			return
		}
		if !tokensEqual(token, s.cfg.Token) {
			s.logger.Warn("admin token rejected", "remote", r.RemoteAddr)
			writeError(w, http.StatusForbidden, "invalid admin token")
			return
		}
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

// tokensEqual hashes both sides so the comparison is constant-time over
// equal-length inputs regardless of token length.
func tokensEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// --- handlers ---

type keyResponse struct {
	ID        string    `json:"id"`
	Vendor    string    `json:"vendor"`
	Label     string    `json:"label,omitempty"`
	Tag       string    `json:"tag,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListKeys(w, r)
	case http.MethodPost:
		s.handleAddKey(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.store.ListKeys(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	out := make([]keyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyResponse{
			ID:        k.ID,
			Vendor:    k.Vendor,
			Label:     k.Label.String,
			Tag:       k.Tag.String,
			CreatedAt: k.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": out})
}

func (s *Server) handleAddKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Vendor string `json:"vendor"`
		Secret string `json:"secret"`
		Label  string `json:"label"`
		Tag    string `json:"tag"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !providers.KnownVendor(req.Vendor) {
		writeError(w, http.StatusBadRequest, "unknown vendor "+strconv.Quote(req.Vendor))
		return
	}
	if req.Secret == "" {
		writeError(w, http.StatusBadRequest, "secret is required")
		return
	}

	key, err := s.store.AddKey(r.Context(), req.Vendor, req.Secret, req.Label, req.Tag)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.logger.Info("key added", "id", key.ID, "vendor", key.Vendor, "tag", req.Tag)
	writeJSON(w, http.StatusCreated, map[string]string{"id": key.ID})
}

func (s *Server) handleKeyDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.PathValue("id")
	if err := s.store.DeleteKey(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.logger.Info("key deleted", "id", id)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type botResponse struct {
	BotID     string    `json:"botId"`
	Hostname  string    `json:"hostname"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) handleBots(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListBots(w, r)
	case http.MethodPost:
		s.handleRegisterBot(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	bots, err := s.store.ListBots(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	// Token hashes stay server-side.
	out := make([]botResponse, 0, len(bots))
	for _, b := range bots {
		out = append(out, botResponse{
			BotID:     b.ID,
			Hostname:  b.Hostname,
			Tags:      b.Tags,
			CreatedAt: b.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"bots": out})
}

func (s *Server) handleRegisterBot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BotID    string   `json:"botId"`
		Hostname string   `json:"hostname"`
		Tags     []string `json:"tags"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BotID == "" || req.Hostname == "" {
		writeError(w, http.StatusBadRequest, "botId and hostname are required")
		return
	}

	token, err := s.store.RegisterBot(r.Context(), req.BotID, req.Hostname, req.Tags)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.logger.Info("bot registered", "id", req.BotID, "hostname", req.Hostname)
	// The bearer appears in this response and nowhere else, ever again.
	writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}

func (s *Server) handleBotDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.PathValue("id")
	if err := s.store.RevokeBot(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.logger.Info("bot revoked", "id", id)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	keyCount, err := s.store.KeyCount(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	botCount, err := s.store.BotCount(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"keyCount": keyCount,
		"botCount": botCount,
	})
}

type usageResponse struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	BotID      string    `json:"botId"`
	Vendor     string    `json:"vendor"`
	KeyID      string    `json:"keyId,omitempty"`
	StatusCode int       `json:"statusCode"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := defaultUsageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxUsageLimit {
		limit = maxUsageLimit
	}

	entries, err := s.store.ListUsage(r.Context(), limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	out := make([]usageResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, usageResponse{
			ID:         e.ID,
			Timestamp:  e.Timestamp,
			BotID:      e.BotID,
			Vendor:     e.Vendor,
			KeyID:      e.KeyID.String,
			StatusCode: e.StatusCode,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
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

// respondError maps the store's sentinel set onto HTTP statuses. Anything
// unmapped is logged in full and answered with a plain 500.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicateBot):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("admin request failed",
			"method", r.Method, "path", r.URL.Path,
			"trace", trace.FromContext(r.Context()), "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// TestHandler exposes the full middleware chain for httptest.NewServer.
// This is only intended for tests.
func (s *Server) TestHandler() http.Handler {
	return s.server.Handler
}

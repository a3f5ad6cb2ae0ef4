package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	_ "embed"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/openclaw/botmaker/common/providers"
	"github.com/openclaw/botmaker/common/version"
	"github.com/openclaw/botmaker/internal/botmaker/keyring"
	"github.com/openclaw/botmaker/internal/botmaker/lifecycle"
	"github.com/openclaw/botmaker/internal/botmaker/reconcile"
	"github.com/openclaw/botmaker/internal/botmaker/workspace"
)

const maxBodyBytes = 1 * 1024 * 1024

// Log tails are clamped so a single request cannot stream an unbounded
// container history.
const (
	defaultLogTail = 100
	maxLogTail     = 1000
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

//go:embed create_bot.schema.json
var createBotSchemaJSON string

var createBotSchema = jsonschema.MustCompileString("create_bot.schema.json", createBotSchemaJSON)

// botResponse is the wire shape of a bot. status is the effective
// status (row status with the health-derived "starting" overlay);
// container_status is the raw runtime state when a container exists.
type botResponse struct {
	ID              string    `json:"id"`
	Hostname        string    `json:"hostname"`
	Name            string    `json:"name"`
	AIProvider      string    `json:"ai_provider"`
	Model           string    `json:"model"`
	ChannelType     string    `json:"channel_type"`
	ContainerID     string    `json:"container_id,omitempty"`
	Port            int64     `json:"port,omitempty"`
	GatewayToken    string    `json:"gateway_token,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
	Status          string    `json:"status"`
	ImageVersion    string    `json:"image_version,omitempty"`
	ContainerStatus string    `json:"container_status,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func describeBot(v lifecycle.View) botResponse {
	resp := botResponse{
		ID:              v.ID,
		Hostname:        v.Hostname,
		Name:            v.Name,
		AIProvider:      v.AIProvider,
		Model:           v.Model,
		ChannelType:     v.ChannelType,
		GatewayToken:    v.GatewayToken,
		Tags:            v.Tags,
		Status:          v.EffectiveStatus,
		ImageVersion:    v.ImageVersion,
		ContainerStatus: v.ContainerStatus,
		CreatedAt:       v.CreatedAt,
		UpdatedAt:       v.UpdatedAt,
	}
	if v.ContainerID.Valid {
		resp.ContainerID = v.ContainerID.String
	}
	if v.Port.Valid {
		resp.Port = v.Port.Int64
	}
	return resp
}

type createBotRequest struct {
	Name      string `json:"name"`
	Hostname  string `json:"hostname"`
	Emoji     string `json:"emoji"`
	Providers []struct {
		ProviderID string `json:"providerId"`
		Model      string `json:"model"`
	} `json:"providers"`
	PrimaryProvider string `json:"primaryProvider"`
	Channels        []struct {
		ChannelType string `json:"channelType"`
		Token       string `json:"token"`
	} `json:"channels"`
	Persona struct {
		Name         string `json:"name"`
		SoulMarkdown string `json:"soulMarkdown"`
	} `json:"persona"`
	Features struct {
		Commands       bool   `json:"commands"`
		TTS            bool   `json:"tts"`
		TTSVoice       string `json:"ttsVoice"`
		Sandbox        bool   `json:"sandbox"`
		SandboxTimeout int    `json:"sandboxTimeout"`
		SessionScope   string `json:"sessionScope"`
	} `json:"features"`
	Tags []string `json:"tags"`
}

func (req createBotRequest) toCreateRequest() lifecycle.CreateRequest {
	out := lifecycle.CreateRequest{
		Name:            req.Name,
		Hostname:        req.Hostname,
		Emoji:           req.Emoji,
		PrimaryProvider: req.PrimaryProvider,
		Persona: workspace.Persona{
			Name:         req.Persona.Name,
			SoulMarkdown: req.Persona.SoulMarkdown,
		},
		Features: workspace.Features{
			Commands:       req.Features.Commands,
			TTS:            req.Features.TTS,
			TTSVoice:       req.Features.TTSVoice,
			Sandbox:        req.Features.Sandbox,
			SandboxTimeout: req.Features.SandboxTimeout,
			SessionScope:   req.Features.SessionScope,
		},
		Tags: req.Tags,
	}
	for _, p := range req.Providers {
		out.Providers = append(out.Providers, workspace.ProviderRef{
			ProviderID: p.ProviderID,
			Model:      p.Model,
		})
	}
	for _, ch := range req.Channels {
		out.Channels = append(out.Channels, lifecycle.ChannelCredential{
			ChannelType: ch.ChannelType,
			Token:       ch.Token,
		})
	}
	return out
}

func (req createBotRequest) channelTypes() []string {
	types := make([]string, 0, len(req.Channels))
	for _, ch := range req.Channels {
		types = append(types, ch.ChannelType)
	}
	return types
}

// --- open routes ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   version.Version,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !passwordsEqual(req.Password, s.cfg.AdminPassword) {
		s.logger.Warn("login rejected", "ip", clientIP(r))
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}
	token, err := s.sessions.Mint()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.audit(r, "login", "", nil)
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// passwordsEqual hashes both sides so the comparison is constant-time
// over equal-length inputs regardless of password length.
func passwordsEqual(got, want string) bool {
	g := sha256.Sum256([]byte(got))
	h := sha256.Sum256([]byte(want))
	return subtle.ConstantTimeCompare(g[:], h[:]) == 1
}

// --- session routes ---

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if token, ok := bearerToken(r); ok {
		s.sessions.Revoke(token)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleBots(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		views, err := s.deps.Bots.List(r.Context())
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		bots := make([]botResponse, 0, len(views))
		for _, v := range views {
			bots = append(bots, describeBot(v))
		}
		writeJSON(w, http.StatusOK, map[string]any{"bots": bots})
	case http.MethodPost:
		s.handleCreateBot(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read request body: "+err.Error())
		return
	}
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := createBotSchema.Validate(payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req createBotRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	view, err := s.deps.Bots.Create(r.Context(), req.toCreateRequest())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.audit(r, "bot.create", view.Hostname, map[string]any{
		"name":     req.Name,
		"provider": view.AIProvider,
		"model":    view.Model,
		"channels": req.channelTypes(),
	})
	writeJSON(w, http.StatusCreated, describeBot(view))
}

func (s *Server) handleBot(w http.ResponseWriter, r *http.Request) {
	hostname := r.PathValue("hostname")
	switch r.Method {
	case http.MethodGet:
		view, err := s.deps.Bots.Get(r.Context(), hostname)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, describeBot(view))
	case http.MethodDelete:
		if err := s.deps.Bots.Delete(r.Context(), hostname); err != nil {
			s.respondError(w, r, err)
			return
		}
		s.audit(r, "bot.delete", hostname, nil)
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, "bot.start", s.deps.Bots.Start)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, "bot.stop", s.deps.Bots.Stop)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, "bot.restart", s.deps.Bots.Restart)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, action string,
	op func(ctx context.Context, hostname string) (lifecycle.View, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hostname := r.PathValue("hostname")
	view, err := op(r.Context(), hostname)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.audit(r, action, hostname, nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  view.EffectiveStatus,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tail := defaultLogTail
	if raw := r.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "tail must be a positive integer")
			return
		}
		tail = n
	}
	if tail > maxLogTail {
		tail = maxLogTail
	}
	logs, err := s.deps.Bots.Logs(r.Context(), r.PathValue("hostname"), tail)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.deps.Bots.Stats(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	type statResponse struct {
		BotID         string  `json:"botId"`
		Name          string  `json:"name"`
		CPUPercent    float64 `json:"cpuPercent"`
		MemoryBytes   uint64  `json:"memoryBytes"`
		MemoryPercent float64 `json:"memoryPercent"`
		NetRxBytes    uint64  `json:"netRxBytes"`
		NetTxBytes    uint64  `json:"netTxBytes"`
	}
	out := make([]statResponse, 0, len(stats))
	for _, st := range stats {
		out = append(out, statResponse{
			BotID:         st.BotID,
			Name:          st.Name,
			CPUPercent:    st.CPUPercent,
			MemoryBytes:   st.MemoryBytes,
			MemoryPercent: st.MemoryPercent,
			NetRxBytes:    st.NetRxBytes,
			NetTxBytes:    st.NetTxBytes,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": out})
}

// --- admin routes ---

func (s *Server) handleOrphans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rep, err := s.deps.Janitor.Report(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orphanedContainers": orEmptyContainers(rep.OrphanContainers),
		"orphanedWorkspaces": orEmptyStrings(rep.OrphanWorkspaces),
		"orphanedSecrets":    orEmptyStrings(rep.OrphanSecrets),
		"total":              rep.Total(),
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res, err := s.deps.Janitor.Cleanup(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.audit(r, "admin.cleanup", "", map[string]any{
		"containersRemoved": res.ContainersRemoved,
		"workspacesRemoved": res.WorkspacesRemoved,
		"secretsRemoved":    res.SecretsRemoved,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"containersRemoved": res.ContainersRemoved,
		"workspacesRemoved": res.WorkspacesRemoved,
		"secretsRemoved":    res.SecretsRemoved,
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}
	entries, err := s.deps.Audit.GetAuditLog(r.Context(), limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	type auditResponse struct {
		ID        int64           `json:"id"`
		Timestamp time.Time       `json:"timestamp"`
		TraceID   string          `json:"traceId,omitempty"`
		Actor     string          `json:"actor"`
		Action    string          `json:"action"`
		Subject   string          `json:"subject,omitempty"`
		Params    json.RawMessage `json:"params,omitempty"`
	}
	out := make([]auditResponse, 0, len(entries))
	for _, e := range entries {
		resp := auditResponse{
			ID:        e.ID,
			Timestamp: e.Timestamp,
			TraceID:   e.TraceID,
			Actor:     e.Actor,
			Action:    e.Action,
		}
		if e.Subject.Valid {
			resp.Subject = e.Subject.String
		}
		if e.ParamsJSON.Valid {
			resp.Params = json.RawMessage(e.ParamsJSON.String)
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// --- keyring pass-through ---

func (s *Server) handleProxyKeys(w http.ResponseWriter, r *http.Request) {
	if s.deps.Keys == nil {
		writeError(w, http.StatusServiceUnavailable, "keyring not configured")
		return
	}
	switch r.Method {
	case http.MethodGet:
		keys, err := s.deps.Keys.ListKeys(r.Context())
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		if keys == nil {
			keys = []keyring.Key{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
	case http.MethodPost:
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
			writeError(w, http.StatusBadRequest, "secret must not be empty")
			return
		}
		id, err := s.deps.Keys.AddKey(r.Context(), req.Vendor, req.Secret, req.Label, req.Tag)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.audit(r, "key.add", id, map[string]any{"vendor": req.Vendor, "tag": req.Tag})
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleProxyKeyDelete(w http.ResponseWriter, r *http.Request) {
	if s.deps.Keys == nil {
		writeError(w, http.StatusServiceUnavailable, "keyring not configured")
		return
	}
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Keys.DeleteKey(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.audit(r, "key.delete", id, nil)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleProxyHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Keys == nil {
		writeError(w, http.StatusServiceUnavailable, "keyring not configured")
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	health, err := s.deps.Keys.Health(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func orEmptyContainers(list []reconcile.OrphanContainer) []reconcile.OrphanContainer {
	if list == nil {
		return []reconcile.OrphanContainer{}
	}
	return list
}

func orEmptyStrings(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

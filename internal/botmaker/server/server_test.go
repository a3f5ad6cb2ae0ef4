package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openclaw/botmaker/internal/botmaker/keyring"
	"github.com/openclaw/botmaker/internal/botmaker/lifecycle"
	"github.com/openclaw/botmaker/internal/botmaker/reconcile"
	"github.com/openclaw/botmaker/internal/botmaker/runtime"
	"github.com/openclaw/botmaker/internal/botmaker/server"
	"github.com/openclaw/botmaker/internal/botmaker/store"
)

const testPassword = "correct-horse-battery"

// ---- stubs ----------------------------------------------------------------

type stubBots struct {
	mu        sync.Mutex
	views     map[string]lifecycle.View
	created   []lifecycle.CreateRequest
	deleted   []string
	lastTail  int
	logs      string
	stats     []runtime.ContainerStats
	createErr error
	opErr     error
}

func newStubBots() *stubBots {
	return &stubBots{views: make(map[string]lifecycle.View)}
}

func stubView(hostname, status string) lifecycle.View {
	now := time.Now().UTC()
	bot := &store.Bot{
		ID:           "bot-" + hostname,
		Hostname:     hostname,
		Name:         "Bot " + hostname,
		AIProvider:   "openai",
		Model:        "gpt-4.1",
		ChannelType:  "telegram",
		GatewayToken: "gw-token",
		Status:       status,
		ImageVersion: "openclaw:1.2",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return lifecycle.View{Bot: bot, ContainerStatus: status, EffectiveStatus: status}
}

func (b *stubBots) Create(ctx context.Context, req lifecycle.CreateRequest) (lifecycle.View, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return lifecycle.View{}, b.createErr
	}
	b.created = append(b.created, req)
	v := stubView(req.Hostname, store.StatusRunning)
	b.views[req.Hostname] = v
	return v, nil
}

func (b *stubBots) Get(ctx context.Context, hostname string) (lifecycle.View, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.views[hostname]
	if !ok {
		return lifecycle.View{}, fmt.Errorf("bot %s: %w", hostname, store.ErrNotFound)
	}
	return v, nil
}

func (b *stubBots) List(ctx context.Context) ([]lifecycle.View, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]lifecycle.View, 0, len(b.views))
	for _, v := range b.views {
		out = append(out, v)
	}
	return out, nil
}

func (b *stubBots) transition(hostname, status string) (lifecycle.View, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opErr != nil {
		return lifecycle.View{}, b.opErr
	}
	v, ok := b.views[hostname]
	if !ok {
		return lifecycle.View{}, fmt.Errorf("bot %s: %w", hostname, store.ErrNotFound)
	}
	v.EffectiveStatus = status
	b.views[hostname] = v
	return v, nil
}

func (b *stubBots) Start(ctx context.Context, hostname string) (lifecycle.View, error) {
	return b.transition(hostname, store.StatusRunning)
}

func (b *stubBots) Stop(ctx context.Context, hostname string) (lifecycle.View, error) {
	return b.transition(hostname, store.StatusStopped)
}

func (b *stubBots) Restart(ctx context.Context, hostname string) (lifecycle.View, error) {
	return b.transition(hostname, store.StatusRunning)
}

func (b *stubBots) Delete(ctx context.Context, hostname string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opErr != nil {
		return b.opErr
	}
	b.deleted = append(b.deleted, hostname)
	delete(b.views, hostname)
	return nil
}

func (b *stubBots) Logs(ctx context.Context, hostname string, tail int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.views[hostname]; !ok {
		return "", fmt.Errorf("bot %s: %w", hostname, store.ErrNotFound)
	}
	b.lastTail = tail
	return b.logs, nil
}

func (b *stubBots) Stats(ctx context.Context) ([]runtime.ContainerStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats, nil
}

type stubJanitor struct {
	report  *reconcile.Report
	cleanup *reconcile.CleanupResult
	err     error
}

func (j *stubJanitor) Report(ctx context.Context) (*reconcile.Report, error) {
	if j.err != nil {
		return nil, j.err
	}
	return j.report, nil
}

func (j *stubJanitor) Cleanup(ctx context.Context) (*reconcile.CleanupResult, error) {
	if j.err != nil {
		return nil, j.err
	}
	return j.cleanup, nil
}

type stubKeys struct {
	mu      sync.Mutex
	keys    []keyring.Key
	added   []string
	deleted []string
	err     error
}

func (k *stubKeys) AddKey(ctx context.Context, vendor, secret, label, tag string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.err != nil {
		return "", k.err
	}
	id := fmt.Sprintf("key-%d", len(k.added)+1)
	k.added = append(k.added, vendor)
	return id, nil
}

func (k *stubKeys) ListKeys(ctx context.Context) ([]keyring.Key, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.err != nil {
		return nil, k.err
	}
	return k.keys, nil
}

func (k *stubKeys) DeleteKey(ctx context.Context, id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.err != nil {
		return k.err
	}
	k.deleted = append(k.deleted, id)
	return nil
}

func (k *stubKeys) Health(ctx context.Context) (*keyring.HealthResponse, error) {
	if k.err != nil {
		return nil, k.err
	}
	return &keyring.HealthResponse{Status: "ok", KeyCount: len(k.keys)}, nil
}

// ---- harness --------------------------------------------------------------

type testEnv struct {
	ts      *httptest.Server
	bots    *stubBots
	janitor *stubJanitor
	store   *store.Store
}

func newTestEnv(t *testing.T, opts ...func(*server.Config, *server.Deps)) *testEnv {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "botmaker.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bots := newStubBots()
	janitor := &stubJanitor{
		report:  &reconcile.Report{},
		cleanup: &reconcile.CleanupResult{},
	}
	cfg := server.Config{
		AdminPassword: testPassword,
		SessionExpiry: time.Hour,
	}
	deps := server.Deps{Bots: bots, Janitor: janitor, Audit: st}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	srv := server.New(cfg, deps, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.TestHandler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, bots: bots, janitor: janitor, store: st}
}

func (e *testEnv) do(t *testing.T, method, path, token string, payload any) *http.Response {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/login", "", map[string]string{"password": testPassword})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Token string `json:"token"`
	}
	decode(t, resp, &body)
	if body.Token == "" {
		t.Fatal("login returned an empty token")
	}
	return body.Token
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func validCreateBody() map[string]any {
	return map[string]any{
		"name":     "My Bot",
		"hostname": "my-bot",
		"emoji":    "🤖",
		"providers": []map[string]any{
			{"providerId": "openai", "model": "gpt-4.1"},
		},
		"channels": []map[string]any{
			{"channelType": "telegram", "token": "123456:test-telegram-token"},
		},
		"persona":  map[string]any{"name": "My Bot", "soulMarkdown": "Be helpful."},
		"features": map[string]any{"commands": true, "sessionScope": "user"},
	}
}

// ---- auth -----------------------------------------------------------------

func TestHealth_OpenAndVersioned(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := resp.Header.Get("Content-Security-Policy"); got == "" {
		t.Error("missing Content-Security-Policy header")
	}
	if got := resp.Header.Get("X-Trace-ID"); got == "" {
		t.Error("missing X-Trace-ID header")
	}
	var body struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
		Version   string `json:"version"`
	}
	decode(t, resp, &body)
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.Version == "" {
		t.Error("version is empty")
	}
	if _, err := time.Parse(time.RFC3339, body.Timestamp); err != nil {
		t.Errorf("timestamp %q is not RFC3339: %v", body.Timestamp, err)
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/login", "", map[string]string{"password": "nope"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestLogin_MalformedBody(t *testing.T) {
	env := newTestEnv(t)

	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/api/login", strings.NewReader("{nope"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /api/login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestAPI_RequiresSession(t *testing.T) {
	env := newTestEnv(t)

	for _, token := range []string{"", "not-a-session"} {
		resp := env.do(t, http.MethodGet, "/api/bots", token, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("token %q: expected 401, got %d", token, resp.StatusCode)
		}
	}
}

func TestLogout_EndsSession(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	resp := env.do(t, http.MethodGet, "/api/bots", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("before logout: expected 200, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/logout", token, nil)
	var out struct {
		Success bool `json:"success"`
	}
	decode(t, resp, &out)
	if !out.Success {
		t.Error("logout did not report success")
	}

	resp = env.do(t, http.MethodGet, "/api/bots", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("after logout: expected 401, got %d", resp.StatusCode)
	}
}

func TestSession_Expires(t *testing.T) {
	env := newTestEnv(t, func(cfg *server.Config, _ *server.Deps) {
		cfg.SessionExpiry = -time.Second
	})
	token := env.login(t)

	resp := env.do(t, http.MethodGet, "/api/bots", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expired session: expected 401, got %d", resp.StatusCode)
	}
}

// ---- rate limiting --------------------------------------------------------

func TestRateLimit_CapsPerClient(t *testing.T) {
	env := newTestEnv(t, func(cfg *server.Config, _ *server.Deps) {
		cfg.RateLimit = 3
	})

	for i := 0; i < 3; i++ {
		resp := env.do(t, http.MethodGet, "/api/bots", "", nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("request %d: expected 401, got %d", i+1, resp.StatusCode)
		}
	}

	resp := env.do(t, http.MethodGet, "/api/bots", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after limit, got %d", resp.StatusCode)
	}

	// /health stays reachable for the probes even when the client is
	// rate limited.
	resp = env.do(t, http.MethodGet, "/health", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/health: expected 200, got %d", resp.StatusCode)
	}
}

// ---- bots -----------------------------------------------------------------

func TestCreateBot(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	resp := env.do(t, http.MethodPost, "/api/bots", token, validCreateBody())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	var bot struct {
		Hostname string `json:"hostname"`
		Status   string `json:"status"`
	}
	decode(t, resp, &bot)
	if bot.Hostname != "my-bot" || bot.Status != "running" {
		t.Errorf("response = %+v, want hostname my-bot status running", bot)
	}

	if len(env.bots.created) != 1 {
		t.Fatalf("create calls = %d, want 1", len(env.bots.created))
	}
	req := env.bots.created[0]
	if req.Name != "My Bot" || req.Hostname != "my-bot" {
		t.Errorf("request = %+v", req)
	}
	if len(req.Providers) != 1 || req.Providers[0].ProviderID != "openai" || req.Providers[0].Model != "gpt-4.1" {
		t.Errorf("providers = %+v", req.Providers)
	}
	if len(req.Channels) != 1 || req.Channels[0].Token != "123456:test-telegram-token" {
		t.Errorf("channels = %+v", req.Channels)
	}
	if !req.Features.Commands || req.Features.SessionScope != "user" {
		t.Errorf("features = %+v", req.Features)
	}
}

func TestCreateBot_SchemaRejects(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	cases := map[string]func(map[string]any){
		"missing hostname":    func(b map[string]any) { delete(b, "hostname") },
		"uppercase hostname":  func(b map[string]any) { b["hostname"] = "My-Bot" },
		"empty providers":     func(b map[string]any) { b["providers"] = []map[string]any{} },
		"channel sans token":  func(b map[string]any) { b["channels"] = []map[string]any{{"channelType": "telegram"}} },
		"unknown field":       func(b map[string]any) { b["junk"] = 1 },
		"bad session scope":   func(b map[string]any) { b["features"] = map[string]any{"sessionScope": "everyone"} },
		"negative sandbox":    func(b map[string]any) { b["features"] = map[string]any{"sandboxTimeout": -5} },
		"model too long":      func(b map[string]any) { b["providers"] = []map[string]any{{"providerId": "openai", "model": strings.Repeat("m", 200)}} },
		"tag with underscore": func(b map[string]any) { b["tags"] = []string{"bad_tag"} },
	}
	for name, mutate := range cases {
		body := validCreateBody()
		mutate(body)
		resp := env.do(t, http.MethodPost, "/api/bots", token, body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, resp.StatusCode)
		}
	}
	if len(env.bots.created) != 0 {
		t.Errorf("create calls = %d, want 0", len(env.bots.created))
	}
}

func TestCreateBot_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", fmt.Errorf("%w: unknown provider", lifecycle.ErrValidation), http.StatusBadRequest},
		{"duplicate", fmt.Errorf("%w: my-bot", store.ErrDuplicateHostname), http.StatusConflict},
		{"ports exhausted", store.ErrPortsExhausted, http.StatusConflict},
		{"keyring conflict", keyring.ErrConflict, http.StatusConflict},
		{"internal", errors.New("docker daemon unreachable"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			token := env.login(t)
			env.bots.createErr = tc.err

			resp := env.do(t, http.MethodPost, "/api/bots", token, validCreateBody())
			body := readBody(t, resp)
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, resp.StatusCode, body)
			}
			if !strings.Contains(body, `"error"`) {
				t.Errorf("body %q has no error field", body)
			}
		})
	}
}

func TestGetBot(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)
	env.bots.views["my-bot"] = stubView("my-bot", store.StatusRunning)

	resp := env.do(t, http.MethodGet, "/api/bots/my-bot", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var bot struct {
		Hostname        string `json:"hostname"`
		Status          string `json:"status"`
		ContainerStatus string `json:"container_status"`
		GatewayToken    string `json:"gateway_token"`
	}
	decode(t, resp, &bot)
	if bot.Hostname != "my-bot" || bot.ContainerStatus != "running" {
		t.Errorf("response = %+v", bot)
	}

	resp = env.do(t, http.MethodGet, "/api/bots/ghost", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown bot: expected 404, got %d", resp.StatusCode)
	}
}

func TestListBots(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	resp := env.do(t, http.MethodGet, "/api/bots", token, nil)
	if body := readBody(t, resp); !strings.Contains(body, `"bots":[]`) {
		t.Errorf("empty list body = %s, want bots:[]", body)
	}

	env.bots.views["my-bot"] = stubView("my-bot", store.StatusRunning)
	resp = env.do(t, http.MethodGet, "/api/bots", token, nil)
	var out struct {
		Bots []struct {
			Hostname string `json:"hostname"`
		} `json:"bots"`
	}
	decode(t, resp, &out)
	if len(out.Bots) != 1 || out.Bots[0].Hostname != "my-bot" {
		t.Errorf("bots = %+v", out.Bots)
	}
}

func TestDeleteBot_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)
	env.bots.views["my-bot"] = stubView("my-bot", store.StatusRunning)

	for i := 0; i < 2; i++ {
		resp := env.do(t, http.MethodDelete, "/api/bots/my-bot", token, nil)
		var out struct {
			Success bool `json:"success"`
		}
		decode(t, resp, &out)
		if !out.Success {
			t.Errorf("delete %d did not report success", i+1)
		}
	}
}

func TestTransitions(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)
	env.bots.views["my-bot"] = stubView("my-bot", store.StatusRunning)

	resp := env.do(t, http.MethodPost, "/api/bots/my-bot/stop", token, nil)
	var out struct {
		Success bool   `json:"success"`
		Status  string `json:"status"`
	}
	decode(t, resp, &out)
	if !out.Success || out.Status != "stopped" {
		t.Errorf("stop = %+v", out)
	}

	resp = env.do(t, http.MethodPost, "/api/bots/my-bot/start", token, nil)
	decode(t, resp, &out)
	if !out.Success || out.Status != "running" {
		t.Errorf("start = %+v", out)
	}

	resp = env.do(t, http.MethodPost, "/api/bots/my-bot/restart", token, nil)
	decode(t, resp, &out)
	if !out.Success || out.Status != "running" {
		t.Errorf("restart = %+v", out)
	}

	resp = env.do(t, http.MethodGet, "/api/bots/my-bot/start", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET start: expected 405, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/bots/ghost/start", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("ghost start: expected 404, got %d", resp.StatusCode)
	}
}

func TestLogs(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)
	env.bots.views["my-bot"] = stubView("my-bot", store.StatusRunning)
	env.bots.logs = "line one\nline two\n"

	resp := env.do(t, http.MethodGet, "/api/bots/my-bot/logs?tail=25", token, nil)
	var out struct {
		Logs string `json:"logs"`
	}
	decode(t, resp, &out)
	if out.Logs != env.bots.logs {
		t.Errorf("logs = %q", out.Logs)
	}
	if env.bots.lastTail != 25 {
		t.Errorf("tail = %d, want 25", env.bots.lastTail)
	}

	// Default and clamp.
	resp = env.do(t, http.MethodGet, "/api/bots/my-bot/logs", token, nil)
	resp.Body.Close()
	if env.bots.lastTail != 100 {
		t.Errorf("default tail = %d, want 100", env.bots.lastTail)
	}
	resp = env.do(t, http.MethodGet, "/api/bots/my-bot/logs?tail=99999", token, nil)
	resp.Body.Close()
	if env.bots.lastTail != 1000 {
		t.Errorf("clamped tail = %d, want 1000", env.bots.lastTail)
	}

	resp = env.do(t, http.MethodGet, "/api/bots/my-bot/logs?tail=zero", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad tail: expected 400, got %d", resp.StatusCode)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)
	env.bots.stats = []runtime.ContainerStats{
		{BotID: "bot-1", Name: "my-bot", CPUPercent: 2.5, MemoryBytes: 64 << 20},
	}

	resp := env.do(t, http.MethodGet, "/api/stats", token, nil)
	var out struct {
		Stats []struct {
			BotID       string  `json:"botId"`
			CPUPercent  float64 `json:"cpuPercent"`
			MemoryBytes uint64  `json:"memoryBytes"`
		} `json:"stats"`
	}
	decode(t, resp, &out)
	if len(out.Stats) != 1 || out.Stats[0].BotID != "bot-1" || out.Stats[0].MemoryBytes != 64<<20 {
		t.Errorf("stats = %+v", out.Stats)
	}
}

// ---- admin ----------------------------------------------------------------

func TestOrphanReport(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	resp := env.do(t, http.MethodGet, "/api/admin/orphans", token, nil)
	body := readBody(t, resp)
	if !strings.Contains(body, `"orphanedContainers":[]`) || !strings.Contains(body, `"total":0`) {
		t.Errorf("empty report body = %s", body)
	}

	env.janitor.report = &reconcile.Report{
		OrphanContainers: []reconcile.OrphanContainer{
			{ID: "c-9", Name: "botmaker-stale", BotID: "unknown", State: "exited"},
		},
		OrphanWorkspaces: []string{"stale-bot"},
		OrphanSecrets:    []string{"stale-bot"},
	}
	resp = env.do(t, http.MethodGet, "/api/admin/orphans", token, nil)
	var out struct {
		OrphanedContainers []struct {
			ID string `json:"id"`
		} `json:"orphanedContainers"`
		OrphanedWorkspaces []string `json:"orphanedWorkspaces"`
		Total              int      `json:"total"`
	}
	decode(t, resp, &out)
	if len(out.OrphanedContainers) != 1 || out.OrphanedContainers[0].ID != "c-9" {
		t.Errorf("containers = %+v", out.OrphanedContainers)
	}
	if out.Total != 3 {
		t.Errorf("total = %d, want 3", out.Total)
	}
}

func TestCleanup(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)
	env.janitor.cleanup = &reconcile.CleanupResult{
		ContainersRemoved: 1,
		WorkspacesRemoved: 2,
		SecretsRemoved:    1,
	}

	resp := env.do(t, http.MethodPost, "/api/admin/cleanup", token, nil)
	var out struct {
		Success           bool `json:"success"`
		ContainersRemoved int  `json:"containersRemoved"`
		WorkspacesRemoved int  `json:"workspacesRemoved"`
		SecretsRemoved    int  `json:"secretsRemoved"`
	}
	decode(t, resp, &out)
	if !out.Success || out.ContainersRemoved != 1 || out.WorkspacesRemoved != 2 || out.SecretsRemoved != 1 {
		t.Errorf("cleanup = %+v", out)
	}
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	resp := env.do(t, http.MethodPost, "/api/bots", token, validCreateBody())
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/api/admin/audit", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := readBody(t, resp)
	if !strings.Contains(body, `"action":"bot.create"`) || !strings.Contains(body, `"action":"login"`) {
		t.Errorf("audit body = %s", body)
	}
	if strings.Contains(body, "123456:test-telegram-token") {
		t.Error("audit trail leaked a channel token")
	}

	resp = env.do(t, http.MethodGet, "/api/admin/audit?limit=borked", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", resp.StatusCode)
	}
}

// ---- keyring pass-through -------------------------------------------------

func TestProxyRoutes_NoKeyring(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	for _, path := range []string{"/api/proxy/keys", "/api/proxy/health"} {
		resp := env.do(t, http.MethodGet, path, token, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, resp.StatusCode)
		}
	}
}

func TestProxyRoutes(t *testing.T) {
	keys := &stubKeys{keys: []keyring.Key{{ID: "key-1", Vendor: "openai", Tag: "prod"}}}
	env := newTestEnv(t, func(_ *server.Config, deps *server.Deps) {
		deps.Keys = keys
	})
	token := env.login(t)

	resp := env.do(t, http.MethodGet, "/api/proxy/keys", token, nil)
	var list struct {
		Keys []struct {
			ID     string `json:"id"`
			Vendor string `json:"vendor"`
		} `json:"keys"`
	}
	decode(t, resp, &list)
	if len(list.Keys) != 1 || list.Keys[0].Vendor != "openai" {
		t.Errorf("keys = %+v", list.Keys)
	}

	resp = env.do(t, http.MethodPost, "/api/proxy/keys", token,
		map[string]string{"vendor": "anthropic", "secret": "sk-ant-test", "tag": "prod"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add key: expected 201, got %d", resp.StatusCode)
	}
	var added struct {
		ID string `json:"id"`
	}
	decode(t, resp, &added)
	if added.ID == "" {
		t.Error("add key returned no id")
	}

	resp = env.do(t, http.MethodPost, "/api/proxy/keys", token,
		map[string]string{"vendor": "not-a-vendor", "secret": "x"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown vendor: expected 400, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodDelete, "/api/proxy/keys/key-1", token, nil)
	var ok struct {
		OK bool `json:"ok"`
	}
	decode(t, resp, &ok)
	if !ok.OK {
		t.Error("delete key did not report ok")
	}
	if len(keys.deleted) != 1 || keys.deleted[0] != "key-1" {
		t.Errorf("deleted = %+v", keys.deleted)
	}

	resp = env.do(t, http.MethodGet, "/api/proxy/health", token, nil)
	var health struct {
		Status   string `json:"status"`
		KeyCount int    `json:"keyCount"`
	}
	decode(t, resp, &health)
	if health.Status != "ok" || health.KeyCount != 1 {
		t.Errorf("health = %+v", health)
	}
}

func TestProxyRoutes_KeyringErrors(t *testing.T) {
	keys := &stubKeys{err: keyring.ErrNotFound}
	env := newTestEnv(t, func(_ *server.Config, deps *server.Deps) {
		deps.Keys = keys
	})
	token := env.login(t)

	resp := env.do(t, http.MethodDelete, "/api/proxy/keys/ghost", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}

	keys.err = errors.New("keyring GET /admin/keys → 500: boom")
	resp = env.do(t, http.MethodGet, "/api/proxy/keys", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", resp.StatusCode)
	}
}

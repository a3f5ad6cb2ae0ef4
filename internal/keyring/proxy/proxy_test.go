package proxy_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openclaw/botmaker/common/crypto"
	"github.com/openclaw/botmaker/common/providers"
	"github.com/openclaw/botmaker/internal/keyring/proxy"
	"github.com/openclaw/botmaker/internal/keyring/selector"
	"github.com/openclaw/botmaker/internal/keyring/store"
)

const botBearer = "test-bot-bearer"

type stubBots struct {
	byHash map[string]*store.ProxyBot
}

func (s *stubBots) BotByTokenHash(_ context.Context, hash string) (*store.ProxyBot, error) {
	if bot, ok := s.byHash[hash]; ok {
		return bot, nil
	}
	return nil, fmt.Errorf("bot %s: %w", hash, store.ErrNotFound)
}

type pickCall struct {
	vendor string
	tags   []string
}

type stubPicker struct {
	mu        sync.Mutex
	selection *selector.Selection
	err       error
	calls     []pickCall
}

func (s *stubPicker) Pick(_ context.Context, vendor string, botTags []string) (*selector.Selection, error) {
	s.mu.Lock()
	s.calls = append(s.calls, pickCall{vendor: vendor, tags: botTags})
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.selection, nil
}

func (s *stubPicker) snapshot() []pickCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pickCall(nil), s.calls...)
}

type usageRow struct {
	botID  string
	vendor string
	keyID  string
	status int
}

type stubUsage struct {
	mu   sync.Mutex
	rows []usageRow
}

func (s *stubUsage) AddUsage(_ context.Context, botID, vendor, keyID string, statusCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, usageRow{botID: botID, vendor: vendor, keyID: keyID, status: statusCode})
	return nil
}

func (s *stubUsage) snapshot() []usageRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]usageRow(nil), s.rows...)
}

type env struct {
	ts     *httptest.Server
	bots   *stubBots
	picker *stubPicker
	usage  *stubUsage
}

// newEnv serves a proxy whose vendor table contains exactly the given
// vendors, with one registered bot answering to botBearer.
func newEnv(t *testing.T, cfg proxy.Config, bot *store.ProxyBot, vendors ...providers.Vendor) *env {
	t.Helper()

	byID := make(map[string]providers.Vendor, len(vendors))
	for _, v := range vendors {
		byID[v.ID] = v
	}
	cfg.Lookup = func(id string) (providers.Vendor, bool) {
		v, ok := byID[id]
		return v, ok
	}

	if bot == nil {
		bot = &store.ProxyBot{ID: "bot-1", Hostname: "my-bot"}
	}
	bots := &stubBots{byHash: map[string]*store.ProxyBot{
		crypto.HashToken(botBearer): bot,
	}}
	picker := &stubPicker{selection: &selector.Selection{KeyID: "key-1", Secret: "sk-vendor-secret"}}
	usage := &stubUsage{}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := proxy.New(bots, picker, usage, cfg, logger)
	ts := httptest.NewServer(p)
	t.Cleanup(ts.Close)

	return &env{ts: ts, bots: bots, picker: picker, usage: usage}
}

// vendorFor points a synthetic vendor at a test upstream.
func vendorFor(t *testing.T, id, upstream string) providers.Vendor {
	t.Helper()
	u, err := url.Parse(upstream)
	if err != nil {
		t.Fatalf("parse upstream url: %v", err)
	}
	return providers.Vendor{
		ID:         id,
		Label:      "Test " + id,
		Scheme:     "http",
		Host:       u.Host,
		BasePath:   "/v1",
		AuthHeader: "Authorization",
		AuthScheme: "bearer",
		API:        providers.APIOpenAICompletions,
	}
}

func send(t *testing.T, env *env, method, path, bearer string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, env.ts.URL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestProxy_RejectsBadBearers(t *testing.T) {
	env := newEnv(t, proxy.Config{}, nil)

	for name, bearer := range map[string]string{
		"missing": "",
		"unknown": "some-other-token",
	} {
		t.Run(name, func(t *testing.T) {
			resp := send(t, env, http.MethodGet, "/openai/models", bearer, nil)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", resp.StatusCode)
			}
		})
	}
	if calls := env.picker.snapshot(); len(calls) != 0 {
		t.Errorf("selector consulted for unauthenticated requests: %+v", calls)
	}
}

func TestProxy_UnknownVendor(t *testing.T) {
	env := newEnv(t, proxy.Config{}, nil)

	resp := send(t, env, http.MethodGet, "/nonesuch/models", botBearer, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	resp = send(t, env, http.MethodGet, "/", botBearer, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("bare path status = %d, want 404", resp.StatusCode)
	}
}

func TestProxy_RewritesAndInjectsCredential(t *testing.T) {
	type seen struct {
		method, path, query, auth, custom string
		body                              []byte
	}
	var mu sync.Mutex
	var got seen

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = seen{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			auth:   r.Header.Get("Authorization"),
			custom: r.Header.Get("X-Request-Id"),
			body:   body,
		}
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"id":"resp-1"}`)
	}))
	defer upstream.Close()

	bot := &store.ProxyBot{ID: "bot-1", Hostname: "my-bot", Tags: []string{"eu", "prod"}}
	env := newEnv(t, proxy.Config{}, bot, vendorFor(t, "acme", upstream.URL))

	req, _ := http.NewRequest(http.MethodPost,
		env.ts.URL+"/acme/chat/completions?beta=true", strings.NewReader(`{"model":"m1"}`))
	req.Header.Set("Authorization", "Bearer "+botBearer)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", "r-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	payload, _ := io.ReadAll(resp.Body)
	if string(payload) != `{"id":"resp-1"}` {
		t.Errorf("body = %s", payload)
	}

	mu.Lock()
	defer mu.Unlock()
	if got.method != http.MethodPost || got.path != "/v1/chat/completions" {
		t.Errorf("upstream saw %s %s, want POST /v1/chat/completions", got.method, got.path)
	}
	if got.query != "beta=true" {
		t.Errorf("query = %q, want beta=true", got.query)
	}
	// The bot bearer is replaced by the vendor credential.
	if got.auth != "Bearer sk-vendor-secret" {
		t.Errorf("upstream Authorization = %q", got.auth)
	}
	if got.custom != "r-42" {
		t.Errorf("custom header not forwarded, got %q", got.custom)
	}
	if string(got.body) != `{"model":"m1"}` {
		t.Errorf("upstream body = %s", got.body)
	}

	// The selector received the bot's ordered tags.
	calls := env.picker.snapshot()
	if len(calls) != 1 {
		t.Fatalf("picker calls = %d, want 1", len(calls))
	}
	call := calls[0]
	if call.vendor != "acme" || len(call.tags) != 2 || call.tags[0] != "eu" || call.tags[1] != "prod" {
		t.Errorf("pick call = %+v", call)
	}

	rows := env.usage.snapshot()
	if len(rows) != 1 {
		t.Fatalf("usage rows = %d, want 1", len(rows))
	}
	want := usageRow{botID: "bot-1", vendor: "acme", keyID: "key-1", status: 200}
	if rows[0] != want {
		t.Errorf("usage = %+v, want %+v", rows[0], want)
	}
}

func TestProxy_NoCredential(t *testing.T) {
	env := newEnv(t, proxy.Config{}, nil, vendorFor(t, "acme", "http://127.0.0.1:1"))
	env.picker.err = fmt.Errorf("vendor acme: %w", selector.ErrNoKey)

	resp := send(t, env, http.MethodGet, "/acme/models", botBearer, nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	// Nothing reached the vendor, so nothing is logged as usage.
	if rows := env.usage.snapshot(); len(rows) != 0 {
		t.Errorf("usage rows = %+v, want none", rows)
	}
}

func TestProxy_DecryptFailureStaysOpaque(t *testing.T) {
	env := newEnv(t, proxy.Config{}, nil, vendorFor(t, "acme", "http://127.0.0.1:1"))
	env.picker.err = fmt.Errorf("key key-1: %w", crypto.ErrDecrypt)

	resp := send(t, env, http.MethodGet, "/acme/models", botBearer, nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if strings.Contains(strings.ToLower(string(body)), "decrypt") {
		t.Errorf("response leaks decrypt detail: %s", body)
	}
}

func TestProxy_PassesVendorErrorsThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"type":"rate_limit_exceeded"}}`)
	}))
	defer upstream.Close()

	env := newEnv(t, proxy.Config{}, nil, vendorFor(t, "acme", upstream.URL))

	resp := send(t, env, http.MethodPost, "/acme/chat/completions", botBearer,
		strings.NewReader(`{"model":"m1"}`))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "7" {
		t.Errorf("Retry-After = %q, want 7", resp.Header.Get("Retry-After"))
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "rate_limit_exceeded") {
		t.Errorf("body = %s", body)
	}

	rows := env.usage.snapshot()
	if len(rows) != 1 || rows[0].status != http.StatusTooManyRequests {
		t.Errorf("usage = %+v, want one 429 row", rows)
	}
}

func TestProxy_StreamsSSEChunkByChunk(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	env := newEnv(t, proxy.Config{}, nil, vendorFor(t, "acme", upstream.URL))

	resp := send(t, env, http.MethodGet, "/acme/stream", botBearer, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", got)
	}

	// The first event must arrive while the upstream is still holding the
	// stream open; a proxy that buffers the body would block here forever.
	reader := bufio.NewReader(resp.Body)
	lines := make(chan string, 1)
	go func() {
		line, err := reader.ReadString('\n')
		if err != nil {
			lines <- "read error: " + err.Error()
			return
		}
		lines <- line
	}()
	select {
	case line := <-lines:
		if strings.TrimSpace(line) != "data: first" {
			t.Fatalf("first line = %q", line)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first chunk was not flushed before the stream ended")
	}

	close(release)
	rest, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read remainder: %v", err)
	}
	if !strings.Contains(string(rest), "data: [DONE]") {
		t.Errorf("remainder = %q, want the trailing [DONE] event", rest)
	}

	rows := env.usage.snapshot()
	if len(rows) != 1 || rows[0].status != 200 {
		t.Errorf("usage = %+v, want one 200 row", rows)
	}
}

func TestProxy_ForceNonStreamingSynthesizesSSE(t *testing.T) {
	var mu sync.Mutex
	var upstreamBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		upstreamBody = body
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chat-1","choices":[]}`)
	}))
	defer upstream.Close()

	vendor := vendorFor(t, "locald", upstream.URL)
	vendor.AuthHeader = ""
	vendor.AuthScheme = "none"
	vendor.NoAuth = true
	vendor.ForceNonStreaming = true

	env := newEnv(t, proxy.Config{}, nil, vendor)

	resp := send(t, env, http.MethodPost, "/locald/chat/completions", botBearer,
		strings.NewReader(`{"model":"llama3","stream":true}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	body, _ := io.ReadAll(resp.Body)
	want := "data: {\"id\":\"chat-1\",\"choices\":[]}\n\ndata: [DONE]\n\n"
	if string(body) != want {
		t.Errorf("body = %q, want %q", body, want)
	}

	// The upstream request lost its stream flag.
	mu.Lock()
	var sent map[string]any
	if err := json.Unmarshal(upstreamBody, &sent); err != nil {
		t.Fatalf("upstream body is not JSON: %v", err)
	}
	mu.Unlock()
	if _, present := sent["stream"]; present {
		t.Errorf("stream flag forwarded upstream: %v", sent)
	}
	if sent["model"] != "llama3" {
		t.Errorf("model = %v, want llama3", sent["model"])
	}

	// No-auth vendors never consult the selector and log a blank key id.
	if calls := env.picker.snapshot(); len(calls) != 0 {
		t.Errorf("picker consulted for no-auth vendor: %+v", calls)
	}
	rows := env.usage.snapshot()
	if len(rows) != 1 || rows[0].keyID != "" || rows[0].status != 200 {
		t.Errorf("usage = %+v, want one 200 row with blank key", rows)
	}
}

func TestProxy_ForceNonStreamingPlainWhenNotAsked(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chat-2"}`)
	}))
	defer upstream.Close()

	vendor := vendorFor(t, "locald", upstream.URL)
	vendor.NoAuth = true
	vendor.ForceNonStreaming = true

	env := newEnv(t, proxy.Config{}, nil, vendor)

	resp := send(t, env, http.MethodPost, "/locald/chat/completions", botBearer,
		strings.NewReader(`{"model":"llama3"}`))
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Errorf("Content-Type = %q, want plain JSON", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"id":"chat-2"}` {
		t.Errorf("body = %s", body)
	}
}

func TestProxy_UpstreamUnreachable(t *testing.T) {
	// A port nothing listens on.
	env := newEnv(t, proxy.Config{}, nil, vendorFor(t, "acme", "http://127.0.0.1:1"))

	resp := send(t, env, http.MethodGet, "/acme/models", botBearer, nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}

	rows := env.usage.snapshot()
	if len(rows) != 1 {
		t.Fatalf("usage rows = %d, want 1", len(rows))
	}
	if rows[0].status != http.StatusBadGateway || rows[0].keyID != "key-1" {
		t.Errorf("usage = %+v", rows[0])
	}
}

func TestProxy_UpstreamTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()

	env := newEnv(t, proxy.Config{Timeout: 100 * time.Millisecond}, nil,
		vendorFor(t, "acme", upstream.URL))

	resp := send(t, env, http.MethodGet, "/acme/models", botBearer, nil)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", resp.StatusCode)
	}

	rows := env.usage.snapshot()
	if len(rows) != 1 || rows[0].status != http.StatusGatewayTimeout {
		t.Errorf("usage = %+v, want one 504 row", rows)
	}
}

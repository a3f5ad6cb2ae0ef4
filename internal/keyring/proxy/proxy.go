// Package proxy implements the keyring's data plane.
//
// Bots send their LLM traffic here instead of to the vendor:
//
//	{METHOD} /{vendor}/{path...}
//
// with their proxy bearer in Authorization. The proxy authenticates the
// bearer against the registered-bot table, resolves a stored credential via
// the selector, rewrites the request onto the vendor's real endpoint with
// the credential injected, and relays the response. The bot never sees a
// vendor key and the vendor never sees the bot bearer.
//
// Streaming (text/event-stream) responses are relayed chunk by chunk with an
// explicit flush after every read so tokens reach the bot as the vendor
// emits them. Vendors flagged force_non_streaming get the inverse treatment:
// the proxy strips stream:true from the request, performs a plain exchange,
// and re-frames the complete answer as SSE when the bot asked for a stream.
//
// Every upstream exchange is recorded in the usage log after the response
// body finishes, including 502/504 rows for unreachable or timed-out
// vendors.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openclaw/botmaker/common/crypto"
	"github.com/openclaw/botmaker/common/providers"
	"github.com/openclaw/botmaker/internal/keyring/selector"
	"github.com/openclaw/botmaker/internal/keyring/store"
)

// DefaultTimeout bounds one whole upstream exchange, streamed body
// included. Chunks arriving do not extend it.
const DefaultTimeout = 120 * time.Second

// maxRewriteBody caps request bodies the proxy must buffer for the
// force-non-streaming rewrite. Local daemons accept large prompts, so this
// is far above the 1 MiB used elsewhere.
const maxRewriteBody = 16 * 1024 * 1024

// hopByHop are the request headers the proxy never forwards. Authorization
// carries the bot bearer and is replaced by the vendor credential; the rest
// describe the inbound connection, not the outbound one. Go keeps Host out
// of Header (it lives in Request.Host), listed here for completeness.
var hopByHop = map[string]bool{
	"Host":              true,
	"Connection":        true,
	"Transfer-Encoding": true,
	"Content-Length":    true,
	"Authorization":     true,
}

// botSource is the slice of the store the proxy needs for authentication.
type botSource interface {
	BotByTokenHash(ctx context.Context, hash string) (*store.ProxyBot, error)
}

// usageLog records completed exchanges.
type usageLog interface {
	AddUsage(ctx context.Context, botID, vendor, keyID string, statusCode int) error
}

// credentialPicker resolves a vendor credential for a bot's tags.
type credentialPicker interface {
	Pick(ctx context.Context, vendor string, botTags []string) (*selector.Selection, error)
}

// Proxy handles {METHOD} /{vendor}/{path...} on the data listener.
type Proxy struct {
	bots    botSource
	picker  credentialPicker
	usage   usageLog
	lookup  func(id string) (providers.Vendor, bool)
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// Config holds options for creating a Proxy.
type Config struct {
	// Timeout bounds one upstream exchange end to end. Defaults to
	// DefaultTimeout (120s) when zero.
	Timeout time.Duration
	// Lookup resolves a vendor id to its upstream config. Defaults to the
	// embedded catalogue, providers.VendorByID.
	Lookup func(id string) (providers.Vendor, bool)
}

// New creates a Proxy. The upstream client carries no timeout of its own;
// the per-request context enforces the total budget so streamed bodies are
// not cut off early by a transport-level deadline.
func New(bots botSource, picker credentialPicker, usage usageLog, cfg Config, logger *slog.Logger) *Proxy {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	lookup := cfg.Lookup
	if lookup == nil {
		lookup = providers.VendorByID
	}
	return &Proxy{
		bots:   bots,
		picker: picker,
		usage:  usage,
		lookup: lookup,
		client: &http.Client{
			// 3xx answers belong to the bot, not the proxy.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: timeout,
		logger:  logger,
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bot := p.authenticate(w, r)
	if bot == nil {
		return
	}

	vendorID, rest := splitVendorPath(r.URL.Path)
	vendor, ok := p.lookup(vendorID)
	if !ok {
		http.Error(w, "unknown vendor", http.StatusNotFound)
		return
	}

	keyID := ""
	authValue := ""
	if !vendor.NoAuth {
		picked, err := p.picker.Pick(r.Context(), vendorID, bot.Tags)
		if errors.Is(err, selector.ErrNoKey) {
			http.Error(w, "no credential stored for vendor", http.StatusBadGateway)
			return
		}
		if err != nil {
			// A decrypt failure means the master key and the database
			// disagree. Operators get the detail, the bot gets a plain 502.
			p.logger.Warn("credential resolution failed",
				"bot", bot.ID, "vendor", vendorID, "err", err,
				"decrypt", errors.Is(err, crypto.ErrDecrypt))
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		keyID = picked.KeyID
		authValue = vendor.AuthValue(picked.Secret)
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()

	body, contentLength, wantStream, err := p.outgoingBody(r, vendor)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL(vendor, rest, r.URL.RawQuery), body)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	req.ContentLength = contentLength
	copyRequestHeaders(req.Header, r.Header)
	if authValue != "" {
		req.Header.Set(vendor.AuthHeader, authValue)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.finishUpstreamError(w, r, bot, vendorID, keyID, err)
		return
	}
	defer resp.Body.Close()

	status := p.relay(w, resp, wantStream)
	p.recordUsage(bot.ID, vendorID, keyID, status)
	p.logger.Info("proxied",
		"bot", bot.ID, "vendor", vendorID, "path", rest,
		"status", status, "key", keyID)
}

// authenticate resolves the registered bot from the request bearer. On
// failure it writes the 401 itself and returns nil. Absent and unknown
// bearers are indistinguishable to the caller.
func (p *Proxy) authenticate(w http.ResponseWriter, r *http.Request) *store.ProxyBot {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil
	}

	bot, err := p.bots.BotByTokenHash(r.Context(), crypto.HashToken(token))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil
	}
	if err != nil {
		p.logger.Error("bot lookup failed", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return nil
	}
	return bot
}

// outgoingBody prepares the body for the upstream request. For ordinary
// vendors the inbound body streams through untouched. Force-non-streaming
// vendors get their JSON buffered and the stream flag stripped; wantStream
// reports whether the bot had asked for a stream and expects SSE framing
// back.
func (p *Proxy) outgoingBody(r *http.Request, vendor providers.Vendor) (io.Reader, int64, bool, error) {
	if !vendor.ForceNonStreaming || r.Body == nil {
		return r.Body, r.ContentLength, false, nil
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRewriteBody))
	if err != nil {
		return nil, 0, false, err
	}
	rewritten, wantStream := stripStreamFlag(raw)
	return bytes.NewReader(rewritten), int64(len(rewritten)), wantStream, nil
}

// finishUpstreamError maps a failed exchange to 502 or 504 and records it.
// A bot that hung up gets nothing; there is no one left to answer.
func (p *Proxy) finishUpstreamError(w http.ResponseWriter, r *http.Request, bot *store.ProxyBot, vendorID, keyID string, err error) {
	if r.Context().Err() == context.Canceled {
		p.logger.Debug("bot disconnected mid-request", "bot", bot.ID, "vendor", vendorID)
		return
	}

	status := http.StatusBadGateway
	msg := "upstream unreachable"
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
		msg = "upstream timeout"
	}
	p.logger.Warn("upstream exchange failed",
		"bot", bot.ID, "vendor", vendorID, "status", status, "err", err)
	http.Error(w, msg, status)
	p.recordUsage(bot.ID, vendorID, keyID, status)
}

// relay copies the upstream response to the bot and returns the status the
// bot saw. Upstream statuses pass through verbatim, 4xx included.
func (p *Proxy) relay(w http.ResponseWriter, resp *http.Response, wantStream bool) int {
	streaming := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")

	copyResponseHeaders(w.Header(), resp.Header)

	// Synthesized SSE only makes sense for a successful answer; vendor
	// errors stay plain JSON the bot's client library understands.
	if wantStream && resp.StatusCode == http.StatusOK && !streaming {
		return p.synthesizeSSE(w, resp)
	}

	if streaming {
		setSSEHeaders(w.Header())
		w.WriteHeader(resp.StatusCode)
		if err := flushCopy(w, resp.Body); err != nil {
			p.logger.Debug("stream relay ended early", "err", err)
		}
		return resp.StatusCode
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Debug("response relay ended early", "err", err)
	}
	return resp.StatusCode
}

// synthesizeSSE re-frames a complete JSON answer as the two-event stream
// the bot asked for: one data event with the full payload, then [DONE].
func (p *Proxy) synthesizeSSE(w http.ResponseWriter, resp *http.Response) int {
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxRewriteBody))
	if err != nil {
		p.logger.Warn("failed to read upstream response for SSE synthesis", "err", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return http.StatusBadGateway
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	setSSEHeaders(h)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	fmt.Fprintf(w, "data: %s\n\n", bytes.TrimSpace(payload))
	if flusher != nil {
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
	return http.StatusOK
}

// recordUsage appends the usage row once the exchange is over. The request
// context may already be dead at this point, so the write gets its own.
func (p *Proxy) recordUsage(botID, vendorID, keyID string, status int) {
	if err := p.usage.AddUsage(context.Background(), botID, vendorID, keyID, status); err != nil {
		p.logger.Warn("failed to record usage",
			"bot", botID, "vendor", vendorID, "err", err)
	}
}

// splitVendorPath splits /{vendor}/{path...} into the vendor id and the
// remainder, leading slash preserved on the remainder.
func splitVendorPath(path string) (string, string) {
	trimmed := strings.TrimPrefix(path, "/")
	vendor, rest, found := strings.Cut(trimmed, "/")
	if !found {
		return vendor, ""
	}
	return vendor, "/" + rest
}

// upstreamURL joins the vendor's base URL with the request remainder and
// query string.
func upstreamURL(vendor providers.Vendor, rest, rawQuery string) string {
	u := vendor.BaseURL() + rest
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

func copyRequestHeaders(dst, src http.Header) {
	for name, values := range src {
		if hopByHop[name] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// copyResponseHeaders mirrors upstream headers onto the bot's response,
// minus connection management ones. Content-Length is left for the server
// to re-derive from what is actually written.
func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		switch name {
		case "Connection", "Transfer-Encoding", "Content-Length", "Keep-Alive":
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// setSSEHeaders forces the cache and connection hints streaming clients
// expect, whatever the upstream sent.
func setSSEHeaders(h http.Header) {
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
}

// flushCopy relays body to w, flushing after every read so stream chunks
// are not held back by response buffering.
func flushCopy(w http.ResponseWriter, body io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// stripStreamFlag removes a top-level "stream": true from a JSON object
// body. Non-JSON bodies and bodies without the flag pass through unchanged.
func stripStreamFlag(raw []byte) ([]byte, bool) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return raw, false
	}
	stream, ok := payload["stream"].(bool)
	if !ok || !stream {
		return raw, false
	}

	delete(payload, "stream")
	rewritten, err := json.Marshal(payload)
	if err != nil {
		return raw, false
	}
	return rewritten, true
}

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	discoverTimeout = 5 * time.Second
	maxDiscoverBody = 1 * 1024 * 1024
)

// discoverAllowedHosts bypass the private-address gate. Local inference
// daemons are the whole point of discovery, so the operator's own
// loopback names stay reachable.
var discoverAllowedHosts = map[string]bool{
	"localhost":            true,
	"127.0.0.1":            true,
	"host.docker.internal": true,
}

// cgnat is 100.64.0.0/10, which net.IP.IsPrivate does not cover.
var cgnat = func() *net.IPNet {
	_, n, _ := net.ParseCIDR("100.64.0.0/10")
	return n
}()

// handleDiscover probes an OpenAI-compatible endpoint for its model
// listing. The target URL is operator-supplied, so hosts that resolve
// into the private network are rejected before any connection is made.
// Once the gate passes, every failure mode (unreachable, non-200,
// malformed body) degrades to an empty list.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		BaseURL string `json:"baseUrl"`
		APIKey  string `json:"apiKey"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	target, err := url.Parse(strings.TrimSpace(req.BaseURL))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		writeError(w, http.StatusBadRequest, "baseUrl must be an absolute http or https URL")
		return
	}
	if err := gateHost(r.Context(), target.Hostname()); err != nil {
		s.logger.Warn("model discovery rejected", "host", target.Hostname(), "ip", clientIP(r))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"models": s.fetchModels(r.Context(), target, req.APIKey),
	})
}

// gateHost rejects targets that point into the private network. DNS
// resolution failures pass the gate; an unresolvable host fails at
// fetch time instead, which keeps discovery best-effort.
func gateHost(ctx context.Context, host string) error {
	lower := strings.ToLower(host)
	if discoverAllowedHosts[lower] {
		return nil
	}
	if strings.HasSuffix(lower, ".local") || strings.HasSuffix(lower, ".internal") || lower == "0.0.0.0" {
		return fmt.Errorf("host %q is not reachable from here", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return fmt.Errorf("host %q is a private address", host)
		}
		return nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		if isPrivateIP(addr.IP) {
			return fmt.Errorf("host %q resolves to a private address", host)
		}
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsPrivate() ||
		ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		cgnat.Contains(ip)
}

func (s *Server) fetchModels(ctx context.Context, base *url.URL, apiKey string) []string {
	models := []string{}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, modelsURL(base), nil)
	if err != nil {
		return models
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := s.discoverClient.Do(req)
	if err != nil {
		s.logger.Debug("model discovery fetch failed", "host", base.Hostname(), "err", err)
		return models
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDiscoverBody))
	if err != nil {
		return models
	}
	var listing struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return models
	}
	for _, m := range listing.Data {
		if m.ID != "" {
			models = append(models, m.ID)
		}
	}
	return models
}

// modelsURL appends /models unless the operator already included it.
func modelsURL(base *url.URL) string {
	u := strings.TrimRight(base.String(), "/")
	if strings.HasSuffix(u, "/models") {
		return u
	}
	return u + "/models"
}

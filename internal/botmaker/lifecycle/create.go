package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/botmaker/common/crypto"
	"github.com/openclaw/botmaker/common/providers"
	"github.com/openclaw/botmaker/common/trace"
	"github.com/openclaw/botmaker/internal/botmaker/runtime"
	"github.com/openclaw/botmaker/internal/botmaker/secrets"
	"github.com/openclaw/botmaker/internal/botmaker/store"
	"github.com/openclaw/botmaker/internal/botmaker/workspace"
)

// ChannelCredential is one channel with its inbound token. The token is
// written to the secrets vault and never stored in the database.
type ChannelCredential struct {
	ChannelType string
	Token       string
}

// CreateRequest is a validated-on-entry bot creation order.
type CreateRequest struct {
	Name            string
	Hostname        string
	Emoji           string
	Providers       []workspace.ProviderRef
	PrimaryProvider string
	Channels        []ChannelCredential
	Persona         workspace.Persona
	Features        workspace.Features
	Tags            []string
}

var modelPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/-]{0,127}$`)

// sessionScopes are the accepted values for Features.SessionScope.
var sessionScopes = map[string]bool{"user": true, "channel": true, "global": true}

// validate normalizes the request in place and reports the first
// problem found. All failures wrap ErrValidation.
func validate(req *CreateRequest) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > 64 {
		return fail("name must be 1-64 characters")
	}
	if !secrets.ValidHostname(req.Hostname) {
		return fail("hostname %q must match ^[a-z0-9][a-z0-9-]{0,63}$", req.Hostname)
	}

	if len(req.Providers) == 0 {
		return fail("at least one provider is required")
	}
	for _, p := range req.Providers {
		if !providers.KnownVendor(p.ProviderID) {
			return fail("unknown provider %q", p.ProviderID)
		}
		if !modelPattern.MatchString(p.Model) {
			return fail("invalid model %q for provider %s", p.Model, p.ProviderID)
		}
	}
	if req.PrimaryProvider == "" {
		req.PrimaryProvider = req.Providers[0].ProviderID
	}
	if primary(req) == nil {
		return fail("primaryProvider %q is not among the configured providers", req.PrimaryProvider)
	}

	if len(req.Channels) == 0 {
		return fail("at least one channel is required")
	}
	for _, ch := range req.Channels {
		if !providers.KnownChannel(ch.ChannelType) {
			return fail("unknown channel %q", ch.ChannelType)
		}
		if strings.TrimSpace(ch.Token) == "" {
			return fail("channel %s requires a token", ch.ChannelType)
		}
	}

	if req.Features.SessionScope == "" {
		req.Features.SessionScope = "user"
	}
	if !sessionScopes[req.Features.SessionScope] {
		return fail("sessionScope must be user, channel, or global")
	}
	if req.Features.SandboxTimeout < 0 {
		return fail("sandboxTimeout must not be negative")
	}
	return nil
}

func primary(req *CreateRequest) *workspace.ProviderRef {
	for i := range req.Providers {
		if req.Providers[i].ProviderID == req.PrimaryProvider {
			return &req.Providers[i]
		}
	}
	return nil
}

// Poll window after container start. A worker that boots slower than
// this is reported as created anyway; the reconciler converges it.
const (
	startPollWindow   = 3 * time.Second
	startPollInterval = 250 * time.Millisecond
)

// Create runs the creation saga. On any failure the steps already taken
// are compensated in reverse and the original error is returned.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (View, error) {
	if err := validate(&req); err != nil {
		return View{}, err
	}
	traceID := trace.FromContext(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.store.GetBotByHostname(ctx, req.Hostname); err == nil {
		return View{}, fmt.Errorf("%w: %s", store.ErrDuplicateHostname, req.Hostname)
	} else if !errors.Is(err, store.ErrNotFound) {
		return View{}, err
	}

	port, err := m.store.NextFreePort(ctx, m.cfg.PortStart)
	if err != nil {
		return View{}, err
	}
	gatewayToken, err := crypto.NewToken()
	if err != nil {
		return View{}, fmt.Errorf("generate gateway token: %w", err)
	}

	prim := primary(&req)
	bot := &store.Bot{
		ID:           uuid.New().String(),
		Hostname:     req.Hostname,
		Name:         req.Name,
		AIProvider:   prim.ProviderID,
		Model:        prim.Model,
		ChannelType:  req.Channels[0].ChannelType,
		Port:         sql.NullInt64{Int64: int64(port), Valid: true},
		GatewayToken: gatewayToken,
		Tags:         req.Tags,
		Status:       store.StatusCreated,
	}
	if err := m.store.CreateBot(ctx, bot); err != nil {
		return View{}, err
	}

	scope := teardownScope{row: true}
	fail := func(step string, err error) (View, error) {
		m.logger.Warn("bot create failed, compensating",
			"hostname", req.Hostname, "step", step, "trace", traceID, "err", err)
		m.teardown(ctx, bot, scope)
		return View{}, fmt.Errorf("create %s: %s: %w", req.Hostname, step, err)
	}

	proxyBearer := ""
	if m.registrar != nil {
		proxyBearer, err = m.registrar.RegisterBot(ctx, bot.ID, bot.Hostname, req.Tags)
		if err != nil {
			return fail("keyring registration", err)
		}
		scope.keyring = true
	}

	// Teardown of a directory that was never written is a no-op, so the
	// scope flags flip before the step rather than after.
	scope.secrets = true
	for _, ch := range req.Channels {
		channel, _ := providers.ChannelByID(ch.ChannelType)
		if err := m.vault.Write(bot.Hostname, channel.SecretName, ch.Token); err != nil {
			return fail("secrets", err)
		}
	}

	scope.workspace = true
	if err := m.renderer.Render(renderParams(bot, &req, port, proxyBearer, m.cfg.ProxyURL)); err != nil {
		return fail("workspace", err)
	}

	botdata, secretsDir, sandbox, err := m.hostPaths(ctx, bot.Hostname)
	if err != nil {
		return fail("bind paths", err)
	}
	containerID, err := m.driver.Create(ctx, runtime.CreateSpec{
		Hostname:    bot.Hostname,
		BotID:       bot.ID,
		Image:       m.cfg.Image,
		Port:        port,
		Env:         workerEnv(bot, port),
		BotdataPath: botdata,
		SecretsPath: secretsDir,
		SandboxPath: sandbox,
		Network:     m.cfg.Network,
	})
	if err != nil {
		return fail("container create", err)
	}
	scope.container = true

	if err := m.store.UpdateBotHandle(ctx, bot.ID, containerID, m.cfg.Image); err != nil {
		return fail("persist container handle", err)
	}
	if err := m.driver.Start(ctx, bot.Hostname); err != nil {
		return fail("container start", err)
	}
	m.waitRunning(ctx, bot.Hostname)
	if err := m.store.UpdateBotStatus(ctx, bot.ID, store.StatusRunning); err != nil {
		return fail("persist status", err)
	}

	created, err := m.store.GetBot(ctx, bot.ID)
	if err != nil {
		return View{}, err
	}
	m.logger.Info("bot created",
		"hostname", created.Hostname, "id", created.ID, "port", port,
		"provider", created.AIProvider, "model", created.Model, "trace", traceID)
	return m.describe(ctx, created), nil
}

// waitRunning polls the container state so the create response reflects
// what actually happened after start, without failing the saga on a
// slow boot.
func (m *Manager) waitRunning(ctx context.Context, hostname string) {
	deadline := time.Now().Add(startPollWindow)
	for {
		st, err := m.driver.Status(ctx, hostname)
		if err == nil && st != nil && st.Running {
			return
		}
		if ctx.Err() != nil || time.Now().After(deadline) {
			return
		}
		time.Sleep(startPollInterval)
	}
}

func renderParams(bot *store.Bot, req *CreateRequest, port int, proxyBearer, proxyURL string) workspace.RenderParams {
	channels := make([]workspace.ChannelMount, 0, len(req.Channels))
	for _, ch := range req.Channels {
		channel, _ := providers.ChannelByID(ch.ChannelType)
		channels = append(channels, workspace.ChannelMount{
			ChannelType: ch.ChannelType,
			SecretName:  channel.SecretName,
		})
	}
	if proxyBearer == "" {
		proxyURL = ""
	}
	return workspace.RenderParams{
		BotID:        bot.ID,
		Hostname:     bot.Hostname,
		Name:         bot.Name,
		Emoji:        req.Emoji,
		Providers:    req.Providers,
		Primary:      *primary(req),
		Channels:     channels,
		Persona:      req.Persona,
		Features:     req.Features,
		GatewayPort:  port,
		GatewayToken: bot.GatewayToken,
		ProxyURL:     proxyURL,
		ProxyBearer:  proxyBearer,
	}
}

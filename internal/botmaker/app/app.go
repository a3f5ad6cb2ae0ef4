// Package app wires the control plane together: store, secrets vault,
// workspace renderer, container driver, optional keyring client,
// lifecycle manager, reconciler, and the HTTP server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/openclaw/botmaker/common/retry"
	"github.com/openclaw/botmaker/internal/botmaker/keyring"
	"github.com/openclaw/botmaker/internal/botmaker/lifecycle"
	"github.com/openclaw/botmaker/internal/botmaker/reconcile"
	"github.com/openclaw/botmaker/internal/botmaker/runtime/docker"
	"github.com/openclaw/botmaker/internal/botmaker/secrets"
	"github.com/openclaw/botmaker/internal/botmaker/server"
	"github.com/openclaw/botmaker/internal/botmaker/store"
	"github.com/openclaw/botmaker/internal/botmaker/workspace"
)

// keyringDataPort is the keyring's data-plane port, used when
// PROXY_DATA_URL must be derived from the admin URL.
const keyringDataPort = "9101"

// Config holds application configuration.
type Config struct {
	// Host and Port form the HTTP listen address.
	Host string
	Port int
	// DataDir holds the database and the per-bot workspaces (under
	// <DataDir>/bots). SecretsDir holds the per-bot secret files.
	DataDir    string
	SecretsDir string
	// DataVolume and SecretsVolume name the volumes backing the two
	// directories when the control plane itself runs in a container.
	// Empty when running straight on the host.
	DataVolume    string
	SecretsVolume string
	// Image is the worker image new bots run.
	Image string
	// PortStart is the bottom of the host port range handed to bots.
	PortStart int
	// Network optionally names the container network bots join.
	Network string
	// ProxyAdminURL, ProxyAdminToken and ProxyDataURL configure the
	// keyring. All keyring wiring is skipped when ProxyAdminURL is
	// empty: bots then talk to vendors directly with their own keys.
	ProxyAdminURL   string
	ProxyAdminToken string
	ProxyDataURL    string
	// AdminPassword guards the operator API.
	AdminPassword string
	// SessionExpiry bounds operator sessions.
	SessionExpiry time.Duration
	// ReconcileInterval is the periodic reconcile cadence. Zero
	// disables the loop; the startup pass always runs.
	ReconcileInterval time.Duration
}

// App is the assembled control plane.
type App struct {
	cfg        *Config
	store      *store.Store
	vault      *secrets.Vault
	renderer   *workspace.Renderer
	driver     *docker.Adapter
	keyring    *keyring.Client
	manager    *lifecycle.Manager
	reconciler *reconcile.Reconciler
	server     *server.Server
	logger     *slog.Logger
}

// New wires the application. Collaborators are built in dependency
// order; a failure tears down what was already opened.
func New(cfg *Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dbPath := filepath.Join(cfg.DataDir, "botmaker.db")
	logger.Info("opening database", "path", dbPath)
	st, err := store.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	vault, err := secrets.New(cfg.SecretsDir)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("secrets vault: %w", err)
	}

	renderer, err := workspace.NewRenderer(filepath.Join(cfg.DataDir, "bots"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("workspace renderer: %w", err)
	}

	driver, err := docker.New(cfg.Network)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("docker driver: %w", err)
	}
	if err := driver.EnsureNetwork(context.Background()); err != nil {
		logger.Warn("could not ensure docker network; bot creation may fail",
			"network", cfg.Network, "err", err)
	}

	// Keyring is optional. Without it the lifecycle runs proxyless and
	// the key pass-through routes answer 503.
	var (
		kr        *keyring.Client
		registrar lifecycle.Registrar
		keys      server.KeyAdmin
		proxyURL  string
	)
	if cfg.ProxyAdminURL != "" {
		kr = keyring.New(cfg.ProxyAdminURL, cfg.ProxyAdminToken)
		registrar = kr
		keys = kr
		proxyURL = cfg.ProxyDataURL
		logger.Info("keyring configured", "adminURL", cfg.ProxyAdminURL, "dataURL", proxyURL)
	} else {
		logger.Info("no keyring configured; bots will use vendor credentials directly")
	}

	manager := lifecycle.New(st, vault, renderer, driver, registrar, lifecycle.Config{
		Image:         cfg.Image,
		PortStart:     cfg.PortStart,
		ProxyURL:      proxyURL,
		Network:       cfg.Network,
		DataVolume:    cfg.DataVolume,
		SecretsVolume: cfg.SecretsVolume,
	}, logger)

	reconciler := reconcile.New(st, vault, renderer, driver, reconcile.Config{
		Interval: cfg.ReconcileInterval,
	}, logger)

	srv := server.New(server.Config{
		Addr:          net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		AdminPassword: cfg.AdminPassword,
		SessionExpiry: cfg.SessionExpiry,
	}, server.Deps{
		Bots:    manager,
		Janitor: reconciler,
		Audit:   st,
		Keys:    keys,
	}, logger)

	return &App{
		cfg:        cfg,
		store:      st,
		vault:      vault,
		renderer:   renderer,
		driver:     driver,
		keyring:    kr,
		manager:    manager,
		reconciler: reconciler,
		server:     srv,
		logger:     logger,
	}, nil
}

// Run starts the application and blocks until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.probeKeyring(ctx)

	// Converge row state with whatever survived the restart before
	// accepting operator traffic.
	a.startupReconcile(ctx)

	if err := a.server.Start(ctx); err != nil {
		return err
	}

	go a.reconciler.Run(ctx)

	a.logger.Info("botmaker is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.logger.Info("shutting down")
	return nil
}

// Stop drains the HTTP server and closes the database.
func (a *App) Stop() {
	a.server.Stop()
	a.logger.Info("closing database")
	a.store.Close()
}

// probeKeyring verifies the keyring is reachable at startup. Failure is
// logged, not fatal: the keyring may come up after the control plane.
func (a *App) probeKeyring(ctx context.Context) {
	if a.keyring == nil {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	err := retry.Do(probeCtx, retry.Config{MaxAttempts: 3, InitialDelay: time.Second}, func() error {
		_, err := a.keyring.Health(probeCtx)
		return err
	})
	if err != nil {
		a.logger.Warn("keyring unreachable at startup; bot creation will fail until it is up", "err", err)
		return
	}
	a.logger.Info("keyring reachable")
}

// startupReconcile runs one report pass, retrying while the docker
// daemon is still coming up.
func (a *App) startupReconcile(ctx context.Context) {
	var rep *reconcile.Report
	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, InitialDelay: 2 * time.Second}, func() error {
		var err error
		rep, err = a.reconciler.Report(ctx)
		return err
	})
	if err != nil {
		a.logger.Warn("startup reconcile failed", "err", err)
		return
	}
	if rep.StatusAdjusted > 0 || rep.Total() > 0 {
		a.logger.Info("startup reconcile",
			"checked", rep.BotsChecked,
			"adjusted", rep.StatusAdjusted,
			"orphans", rep.Total())
	}
}

// DataURLFromAdmin derives the keyring data-plane base URL from its
// admin URL by swapping the port. Returns "" when the admin URL does
// not parse.
func DataURLFromAdmin(adminURL string) string {
	u, err := url.Parse(adminURL)
	if err != nil || u.Scheme == "" || u.Hostname() == "" {
		return ""
	}
	return u.Scheme + "://" + net.JoinHostPort(u.Hostname(), keyringDataPort)
}

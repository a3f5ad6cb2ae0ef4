// Package app wires the keyring together: store, selector, data-plane
// proxy, and the admin API, each plane on its own listener.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openclaw/botmaker/internal/keyring/admin"
	"github.com/openclaw/botmaker/internal/keyring/proxy"
	"github.com/openclaw/botmaker/internal/keyring/selector"
	"github.com/openclaw/botmaker/internal/keyring/store"
)

// Config holds application configuration.
type Config struct {
	// AdminAddr is the management API listen address.
	AdminAddr string
	// DataAddr is the data-plane listen address bots send LLM traffic to.
	DataAddr string
	// DBPath is the SQLite database file.
	DBPath string
	// MasterKey is the 32-byte AES-256 key sealing stored secrets.
	MasterKey []byte
	// AdminToken is the static bearer guarding the admin API.
	AdminToken string
}

// App owns the keyring's two servers and their shared store.
type App struct {
	cfg    *Config
	store  *store.Store
	admin  *admin.Server
	data   *http.Server
	logger *slog.Logger
}

// New builds the application from config. It opens the database and wires
// both planes but listens only once Run is called.
func New(cfg *Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening database", "path", cfg.DBPath)
	st, err := store.New(cfg.DBPath, cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	px := proxy.New(st, selector.New(st), st, proxy.Config{}, logger)
	adminSrv := admin.New(admin.Config{Addr: cfg.AdminAddr, Token: cfg.AdminToken}, st, logger)

	data := &http.Server{
		Addr:    cfg.DataAddr,
		Handler: px,
		// No WriteTimeout: a write deadline would sever long-lived SSE
		// streams mid-answer. The proxy enforces its own total budget.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	return &App{
		cfg:    cfg,
		store:  st,
		admin:  adminSrv,
		data:   data,
		logger: logger,
	}, nil
}

// Run starts both listeners and blocks until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.admin.Start(ctx); err != nil {
		return err
	}
	if err := a.startData(ctx); err != nil {
		return err
	}

	a.logger.Info("keyring is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.logger.Info("shutting down")
	return nil
}

// startData binds the data-plane listener and serves the proxy on it.
func (a *App) startData(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.DataAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.DataAddr, err)
	}
	a.logger.Info("data plane listening", "addr", ln.Addr().String())
	go func() {
		if err := a.data.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.logger.Error("data server error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		a.data.Shutdown(context.Background())
	}()
	return nil
}

// Stop drains both servers and closes the database.
func (a *App) Stop() {
	a.admin.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.data.Shutdown(ctx)

	a.logger.Info("closing database")
	a.store.Close()
}

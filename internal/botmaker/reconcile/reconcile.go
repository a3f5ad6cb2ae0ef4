// Package reconcile compares declared bot state with what the container
// runtime and the filesystem actually hold.
//
// There is no transaction spanning the metadata store, the Docker
// daemon, and the two directory trees. Report is read-only and safe to
// repeat; Cleanup removes orphans one at a time and tolerates
// individual failures. Convergence comes from running passes
// repeatedly, not from any single pass being atomic.
package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/openclaw/botmaker/internal/botmaker/runtime"
	"github.com/openclaw/botmaker/internal/botmaker/secrets"
	"github.com/openclaw/botmaker/internal/botmaker/store"
	"github.com/openclaw/botmaker/internal/botmaker/workspace"
)

// DefaultInterval paces the background loop when the operator does not
// configure one.
const DefaultInterval = 5 * time.Minute

// Config configures the reconciler.
type Config struct {
	// Interval is how often Run re-syncs bot status. Zero or negative
	// disables the loop; Report and Cleanup stay available on demand.
	Interval time.Duration
}

// Reconciler diffs the bots table against managed containers, workspace
// directories, and secret directories.
type Reconciler struct {
	store    *store.Store
	vault    *secrets.Vault
	renderer *workspace.Renderer
	driver   runtime.Driver
	cfg      Config
	logger   *slog.Logger
}

func New(st *store.Store, vault *secrets.Vault, renderer *workspace.Renderer, driver runtime.Driver, cfg Config, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:    st,
		vault:    vault,
		renderer: renderer,
		driver:   driver,
		cfg:      cfg,
		logger:   logger,
	}
}

// OrphanContainer is a managed container whose bot-id label matches no
// declared bot.
type OrphanContainer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	BotID string `json:"botId"`
	State string `json:"state"`
}

// Report is the result of one declared-vs-observed pass.
type Report struct {
	BotsChecked      int               `json:"botsChecked"`
	StatusAdjusted   int               `json:"statusAdjusted"`
	OrphanContainers []OrphanContainer `json:"orphanedContainers"`
	OrphanWorkspaces []string          `json:"orphanedWorkspaces"`
	OrphanSecrets    []string          `json:"orphanedSecrets"`
}

// Total is the number of orphaned resources of all kinds.
func (r *Report) Total() int {
	return len(r.OrphanContainers) + len(r.OrphanWorkspaces) + len(r.OrphanSecrets)
}

// CleanupResult counts what a cleanup sweep actually removed.
type CleanupResult struct {
	ContainersRemoved int `json:"containersRemoved"`
	WorkspacesRemoved int `json:"workspacesRemoved"`
	SecretsRemoved    int `json:"secretsRemoved"`
}

// Report syncs every bot's persisted status with its observed container
// and enumerates orphaned resources. Nothing is removed. Database and
// container listing failures abort the pass; filesystem scan failures
// only degrade the orphan report.
func (r *Reconciler) Report(ctx context.Context) (*Report, error) {
	bots, err := r.store.ListBots(ctx)
	if err != nil {
		return nil, err
	}
	containers, err := r.driver.ListManaged(ctx)
	if err != nil {
		return nil, err
	}

	observed := make(map[string]runtime.ManagedContainer, len(containers))
	for _, c := range containers {
		observed[c.BotID] = c
	}

	rep := &Report{BotsChecked: len(bots)}
	knownIDs := make(map[string]bool, len(bots))
	knownHostnames := make(map[string]bool, len(bots))
	for _, bot := range bots {
		knownIDs[bot.ID] = true
		knownHostnames[bot.Hostname] = true

		adjusted, err := r.syncBot(ctx, bot, observed)
		if err != nil {
			r.logger.Warn("status sync failed", "hostname", bot.Hostname, "err", err)
			continue
		}
		if adjusted {
			rep.StatusAdjusted++
		}
	}

	for _, c := range containers {
		if !knownIDs[c.BotID] {
			rep.OrphanContainers = append(rep.OrphanContainers, OrphanContainer{
				ID:    c.ID,
				Name:  c.Name,
				BotID: c.BotID,
				State: c.State,
			})
		}
	}
	sort.Slice(rep.OrphanContainers, func(i, j int) bool {
		return rep.OrphanContainers[i].Name < rep.OrphanContainers[j].Name
	})

	rep.OrphanWorkspaces = r.orphanDirs(r.renderer.Hostnames, knownHostnames, "workspace")
	rep.OrphanSecrets = r.orphanDirs(r.vault.Hostnames, knownHostnames, "secrets")
	return rep, nil
}

// syncBot applies the observed container state to the bot row. Only
// disagreements touch the database, so a converged system reports zero
// adjustments.
func (r *Reconciler) syncBot(ctx context.Context, bot *store.Bot, observed map[string]runtime.ManagedContainer) (bool, error) {
	c, found := observed[bot.ID]
	if !found {
		if bot.Status != store.StatusRunning {
			return false, nil
		}
		r.logger.Info("container missing, marking stopped", "hostname", bot.Hostname)
		err := r.store.SyncBotObserved(ctx, bot.ID, store.StatusStopped, sql.NullString{})
		return err == nil, err
	}

	handle := sql.NullString{String: c.ID, Valid: true}
	switch {
	case c.Running && bot.Status != store.StatusRunning:
		r.logger.Info("bot status synced",
			"hostname", bot.Hostname, "from", bot.Status, "to", store.StatusRunning)
		err := r.store.SyncBotObserved(ctx, bot.ID, store.StatusRunning, handle)
		return err == nil, err

	case !c.Running && bot.Status == store.StatusRunning:
		status := store.StatusStopped
		if st, err := r.driver.Status(ctx, bot.Hostname); err == nil && st != nil && st.ExitCode != 0 {
			status = store.StatusError
		}
		r.logger.Info("bot status synced",
			"hostname", bot.Hostname, "from", bot.Status, "to", status)
		err := r.store.SyncBotObserved(ctx, bot.ID, status, handle)
		return err == nil, err
	}
	return false, nil
}

// orphanDirs lists the hostname-shaped directories under a root that no
// bot claims.
func (r *Reconciler) orphanDirs(scan func() ([]string, error), known map[string]bool, kind string) []string {
	hostnames, err := scan()
	if err != nil {
		r.logger.Warn("orphan scan failed", "kind", kind, "err", err)
		return nil
	}
	var orphans []string
	for _, h := range hostnames {
		if !known[h] {
			orphans = append(orphans, h)
		}
	}
	sort.Strings(orphans)
	return orphans
}

// Cleanup runs a Report and then removes every orphan it found. Each
// removal is independent; a failure is logged and the sweep continues.
func (r *Reconciler) Cleanup(ctx context.Context) (*CleanupResult, error) {
	rep, err := r.Report(ctx)
	if err != nil {
		return nil, err
	}

	res := &CleanupResult{}
	for _, c := range rep.OrphanContainers {
		err := r.driver.RemoveByID(ctx, c.ID)
		if err != nil && !errors.Is(err, runtime.ErrNotFound) {
			r.logger.Warn("failed to remove orphan container",
				"id", c.ID, "name", c.Name, "err", err)
			continue
		}
		r.logger.Info("removed orphan container", "id", c.ID, "name", c.Name, "botId", c.BotID)
		res.ContainersRemoved++
	}
	for _, hostname := range rep.OrphanWorkspaces {
		if err := r.renderer.Delete(hostname); err != nil {
			r.logger.Warn("failed to remove orphan workspace", "hostname", hostname, "err", err)
			continue
		}
		r.logger.Info("removed orphan workspace", "hostname", hostname)
		res.WorkspacesRemoved++
	}
	for _, hostname := range rep.OrphanSecrets {
		if err := r.vault.DeleteAll(hostname); err != nil {
			r.logger.Warn("failed to remove orphan secrets", "hostname", hostname, "err", err)
			continue
		}
		r.logger.Info("removed orphan secrets", "hostname", hostname)
		res.SecretsRemoved++
	}
	return res, nil
}

// Run re-syncs declared and observed state on a ticker until ctx is
// cancelled. Orphans are only reported here; removal stays behind the
// explicit admin cleanup call.
func (r *Reconciler) Run(ctx context.Context) {
	if r.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", "interval", r.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			rep, err := r.Report(ctx)
			if err != nil {
				r.logger.Warn("reconcile pass failed", "err", err)
				continue
			}
			if rep.StatusAdjusted > 0 || rep.Total() > 0 {
				r.logger.Info("reconcile pass",
					"adjusted", rep.StatusAdjusted, "orphans", rep.Total())
			}
		}
	}
}

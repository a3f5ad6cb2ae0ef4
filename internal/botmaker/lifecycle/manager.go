// Package lifecycle coordinates bot creation, deletion, and state
// changes across the metadata store, the secrets vault, the workspace
// renderer, the container driver, and (optionally) the keyring.
//
// Create and delete are sagas: each step that takes effect is undone in
// reverse order when a later step fails, and the original error is
// reported. Delete is idempotent end to end; deleting an absent bot is
// success.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/openclaw/botmaker/internal/botmaker/runtime"
	"github.com/openclaw/botmaker/internal/botmaker/secrets"
	"github.com/openclaw/botmaker/internal/botmaker/store"
	"github.com/openclaw/botmaker/internal/botmaker/workspace"
)

// ErrValidation marks caller input the saga refused to act on.
var ErrValidation = errors.New("invalid bot request")

// defaultGraceSeconds is the stop grace window handed to the driver.
const defaultGraceSeconds = 10

// Registrar is the keyring dependency. A nil Registrar means no keyring
// is configured: bots are created without proxy wiring and their
// manifests point straight at the vendors.
type Registrar interface {
	RegisterBot(ctx context.Context, botID, hostname string, tags []string) (string, error)
	RevokeBot(ctx context.Context, botID string) error
}

// Config holds the static lifecycle settings.
type Config struct {
	// Image is the worker image for new containers; its tag is recorded
	// on the row as the bot's image version.
	Image string
	// PortStart is the bottom of the host port range handed to bots.
	PortStart int
	// ProxyURL is the keyring data-plane base URL as reachable from
	// inside a worker container. Empty when no keyring is configured.
	ProxyURL string
	// Network optionally names the container network bots join.
	Network string
	// DataVolume and SecretsVolume name the volumes backing the data
	// and secrets directories when the control plane itself runs in a
	// container. When set, bind mount sources are resolved through the
	// driver to host-perspective paths.
	DataVolume    string
	SecretsVolume string
}

// Manager is the lifecycle coordinator.
type Manager struct {
	// mu serializes sagas. Port allocation and the row insert must not
	// interleave between two creates, and a delete must not race the
	// create of the same hostname.
	mu sync.Mutex

	store     *store.Store
	vault     *secrets.Vault
	renderer  *workspace.Renderer
	driver    runtime.Driver
	registrar Registrar
	cfg       Config
	logger    *slog.Logger
}

// New creates a Manager. registrar may be nil.
func New(st *store.Store, vault *secrets.Vault, renderer *workspace.Renderer, driver runtime.Driver, registrar Registrar, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     st,
		vault:     vault,
		renderer:  renderer,
		driver:    driver,
		registrar: registrar,
		cfg:       cfg,
		logger:    logger,
	}
}

// View is a bot row joined with its observed container state.
// EffectiveStatus is the row status with the health overlay applied: a
// running container still reporting health "starting" is presented as
// starting, but that value is never written back to the row.
type View struct {
	*store.Bot
	ContainerStatus string
	EffectiveStatus string
}

func (m *Manager) describe(ctx context.Context, bot *store.Bot) View {
	v := View{Bot: bot, EffectiveStatus: bot.Status}
	st, err := m.driver.Status(ctx, bot.Hostname)
	if err != nil {
		m.logger.Warn("container status unavailable", "hostname", bot.Hostname, "error", err)
		return v
	}
	if st == nil {
		return v
	}
	v.ContainerStatus = st.State
	if bot.Status == store.StatusRunning && st.Running && st.HealthStatus == runtime.HealthStarting {
		v.EffectiveStatus = store.StatusStarting
	}
	return v
}

// Get returns one bot with its observed container state.
func (m *Manager) Get(ctx context.Context, hostname string) (View, error) {
	bot, err := m.store.GetBotByHostname(ctx, hostname)
	if err != nil {
		return View{}, err
	}
	return m.describe(ctx, bot), nil
}

// List returns all bots with their observed container states.
func (m *Manager) List(ctx context.Context) ([]View, error) {
	bots, err := m.store.ListBots(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(bots))
	for _, bot := range bots {
		views = append(views, m.describe(ctx, bot))
	}
	return views, nil
}

// Start starts a bot's container and marks the row running.
func (m *Manager) Start(ctx context.Context, hostname string) (View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bot, err := m.store.GetBotByHostname(ctx, hostname)
	if err != nil {
		return View{}, err
	}
	if err := m.driver.Start(ctx, hostname); err != nil {
		return View{}, fmt.Errorf("start %s: %w", hostname, err)
	}
	if err := m.store.UpdateBotStatus(ctx, bot.ID, store.StatusRunning); err != nil {
		return View{}, err
	}
	bot.Status = store.StatusRunning
	return m.describe(ctx, bot), nil
}

// Stop stops a bot's container and marks the row stopped.
func (m *Manager) Stop(ctx context.Context, hostname string) (View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bot, err := m.store.GetBotByHostname(ctx, hostname)
	if err != nil {
		return View{}, err
	}
	if err := m.driver.Stop(ctx, hostname, defaultGraceSeconds); err != nil {
		return View{}, fmt.Errorf("stop %s: %w", hostname, err)
	}
	if err := m.store.UpdateBotStatus(ctx, bot.ID, store.StatusStopped); err != nil {
		return View{}, err
	}
	bot.Status = store.StatusStopped
	return m.describe(ctx, bot), nil
}

// Restart restarts a bot's container and marks the row running.
func (m *Manager) Restart(ctx context.Context, hostname string) (View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bot, err := m.store.GetBotByHostname(ctx, hostname)
	if err != nil {
		return View{}, err
	}
	if err := m.driver.Restart(ctx, hostname, defaultGraceSeconds); err != nil {
		return View{}, fmt.Errorf("restart %s: %w", hostname, err)
	}
	if err := m.store.UpdateBotStatus(ctx, bot.ID, store.StatusRunning); err != nil {
		return View{}, err
	}
	bot.Status = store.StatusRunning
	return m.describe(ctx, bot), nil
}

// Delete tears a bot down completely. Every step tolerates the target
// already being gone, so deleting twice and deleting a half-created bot
// both succeed.
func (m *Manager) Delete(ctx context.Context, hostname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bot, err := m.store.GetBotByHostname(ctx, hostname)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	m.teardown(ctx, bot, teardownScope{
		container: true,
		keyring:   true,
		workspace: true,
		secrets:   true,
		row:       true,
	})
	return nil
}

// Logs returns the tail of a bot's container log.
func (m *Manager) Logs(ctx context.Context, hostname string, tail int) (string, error) {
	if _, err := m.store.GetBotByHostname(ctx, hostname); err != nil {
		return "", err
	}
	return m.driver.Logs(ctx, hostname, tail)
}

// Stats samples resource usage across all running bot containers.
func (m *Manager) Stats(ctx context.Context) ([]runtime.ContainerStats, error) {
	return m.driver.Stats(ctx)
}

// teardownScope selects which teardown steps run. Create compensation
// enables only the steps that had taken effect; delete enables all.
type teardownScope struct {
	container bool
	keyring   bool
	workspace bool
	secrets   bool
	row       bool
}

// teardown removes a bot's artifacts in reverse creation order. Each
// step is tolerant: failures are logged and counted, never fatal, so a
// partial teardown can be re-run.
func (m *Manager) teardown(ctx context.Context, bot *store.Bot, scope teardownScope) {
	if scope.container {
		if err := m.driver.Remove(ctx, bot.Hostname); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			m.logger.Warn("teardown: container removal failed", "hostname", bot.Hostname, "error", err)
		}
	}
	if scope.keyring && m.registrar != nil {
		if err := m.registrar.RevokeBot(ctx, bot.ID); err != nil {
			m.logger.Warn("teardown: keyring revoke failed", "hostname", bot.Hostname, "error", err)
		}
	}
	if scope.workspace {
		if err := m.renderer.Delete(bot.Hostname); err != nil {
			m.logger.Warn("teardown: workspace removal failed", "hostname", bot.Hostname, "error", err)
		}
	}
	if scope.secrets {
		if err := m.vault.DeleteAll(bot.Hostname); err != nil {
			m.logger.Warn("teardown: secrets removal failed", "hostname", bot.Hostname, "error", err)
		}
	}
	if scope.row {
		if err := m.store.DeleteBot(ctx, bot.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("teardown: row deletion failed", "hostname", bot.Hostname, "error", err)
		}
	}
}

// hostPaths resolves the three bind mount sources for a bot from the
// host's perspective. With named volumes configured the paths are
// computed from the volume mountpoints, because the control plane's own
// view of DATA_DIR and SECRETS_DIR is container-internal and useless to
// the daemon.
func (m *Manager) hostPaths(ctx context.Context, hostname string) (botdata, secretsDir, sandbox string, err error) {
	if m.cfg.DataVolume != "" {
		mp, verr := m.driver.VolumeMount(ctx, m.cfg.DataVolume)
		if verr != nil {
			return "", "", "", fmt.Errorf("resolve data volume: %w", verr)
		}
		botdata = filepath.Join(mp, "bots", hostname)
	} else {
		botdata, err = m.renderer.BotDir(hostname)
		if err != nil {
			return "", "", "", err
		}
	}
	sandbox = filepath.Join(botdata, "sandbox")

	if m.cfg.SecretsVolume != "" {
		mp, verr := m.driver.VolumeMount(ctx, m.cfg.SecretsVolume)
		if verr != nil {
			return "", "", "", fmt.Errorf("resolve secrets volume: %w", verr)
		}
		secretsDir = filepath.Join(mp, hostname)
	} else {
		secretsDir, err = m.vault.BotDir(hostname)
		if err != nil {
			return "", "", "", err
		}
	}
	return botdata, secretsDir, sandbox, nil
}

func workerEnv(bot *store.Bot, port int) map[string]string {
	return map[string]string{
		"BOT_ID":      bot.ID,
		"BOT_NAME":    bot.Name,
		"AI_PROVIDER": bot.AIProvider,
		"AI_MODEL":    bot.Model,
		"PORT":        strconv.Itoa(port),
	}
}

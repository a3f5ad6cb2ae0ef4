// Package runtime defines the container driver contract for bot workers.
//
// A Driver owns exactly the containers it created: they are named
// botmaker-<hostname> and carry the managed label so that every other
// container on the host is invisible to it. Implementations translate
// their runtime's errors into the closed set below; raw runtime errors
// never escape the package boundary.
package runtime

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Container naming and labelling. The bot-id label is the join key the
// reconciler uses to match observed containers back to metadata rows.
const (
	NamePrefix   = "botmaker-"
	LabelManaged = "botmaker.managed"
	LabelBotID   = "botmaker.bot-id"
)

// Mount targets inside the worker container. The workspace renderer and
// the driver must agree on these paths: the renderer writes token file
// paths under SecretsMountPath into the manifest, the driver binds the
// host directories onto them.
const (
	BotdataMountPath = "/app/botdata"
	SecretsMountPath = "/run/secrets"
	SandboxMountPath = "/app/workspace"
)

// Health states as reported by the container runtime.
const (
	HealthStarting  = "starting"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthNone      = "none"
)

var (
	// ErrNotFound means no managed container exists for the hostname.
	ErrNotFound = errors.New("container not found")
	// ErrAlreadyExists means a container with the derived name already exists.
	ErrAlreadyExists = errors.New("container already exists")
	// ErrCreateFailed wraps creation failures other than a name conflict.
	ErrCreateFailed = errors.New("container create failed")
	// ErrStartFailed wraps start failures.
	ErrStartFailed = errors.New("container start failed")
	// ErrStopFailed wraps stop failures.
	ErrStopFailed = errors.New("container stop failed")
	// ErrNetwork means the container runtime itself was unreachable.
	ErrNetwork = errors.New("container runtime unreachable")
)

// ContainerName derives the managed container name for a bot hostname.
func ContainerName(hostname string) string {
	return NamePrefix + hostname
}

// HostnameFromName inverts ContainerName. The second return is false for
// container names outside the managed namespace.
func HostnameFromName(name string) (string, bool) {
	name = strings.TrimPrefix(name, "/")
	if !strings.HasPrefix(name, NamePrefix) {
		return "", false
	}
	return strings.TrimPrefix(name, NamePrefix), true
}

// CreateSpec describes the container to create for a bot. All paths are
// host-perspective bind mount sources.
type CreateSpec struct {
	Hostname string
	BotID    string
	Image    string

	// Port is published host-side and passed to the worker; the worker
	// listens on the same number inside the container.
	Port int

	// Env is the worker environment. Secrets never travel here; the
	// worker reads them from files under SecretsMountPath.
	Env map[string]string

	BotdataPath string // bound to BotdataMountPath
	SecretsPath string // bound read-only to SecretsMountPath
	SandboxPath string // bound to SandboxMountPath

	// Network optionally attaches the container to a named network.
	Network string
}

// Status is a point-in-time view of one managed container.
type Status struct {
	State        string
	Running      bool
	ExitCode     int
	StartedAt    time.Time
	FinishedAt   time.Time
	HealthStatus string
}

// ManagedContainer is one entry from a ListManaged sweep.
type ManagedContainer struct {
	ID      string
	Name    string
	BotID   string
	State   string
	Running bool
}

// ContainerStats is a point-in-time resource sample for one running
// managed container.
type ContainerStats struct {
	BotID         string
	Name          string
	CPUPercent    float64
	MemoryBytes   uint64
	MemoryPercent float64
	NetRxBytes    uint64
	NetTxBytes    uint64
}

// Driver is the container runtime seen by the lifecycle coordinator and
// the reconciler.
type Driver interface {
	// Create creates the container and returns its runtime id. It does
	// not start it.
	Create(ctx context.Context, spec CreateSpec) (string, error)

	// Start is idempotent: starting a running container succeeds.
	Start(ctx context.Context, hostname string) error

	// Stop requests graceful termination and force-kills after
	// graceSeconds. Stopping a stopped container succeeds.
	Stop(ctx context.Context, hostname string, graceSeconds int) error

	// Restart stops (with grace) and starts the container.
	Restart(ctx context.Context, hostname string, graceSeconds int) error

	// Remove stops and deletes the container. Removing a missing
	// container returns ErrNotFound; callers that want idempotent
	// delete swallow it.
	Remove(ctx context.Context, hostname string) error

	// RemoveByID force-removes a container by its runtime id. Orphan
	// containers carry the managed label but their names are not
	// trusted to follow the naming scheme.
	RemoveByID(ctx context.Context, id string) error

	// Status returns nil (and no error) when no container exists.
	Status(ctx context.Context, hostname string) (*Status, error)

	// ListManaged returns every container carrying the managed label,
	// stopped ones included.
	ListManaged(ctx context.Context) ([]ManagedContainer, error)

	// Stats samples every running managed container. Containers that
	// disappear mid-sweep are skipped, not reported as errors.
	Stats(ctx context.Context) ([]ContainerStats, error)

	// Logs returns up to tail lines of the container's combined
	// stdout and stderr.
	Logs(ctx context.Context, hostname string, tail int) (string, error)

	// VolumeMount resolves a named volume to its host filesystem path.
	// Needed when the control plane itself runs containerized and must
	// hand the runtime host-perspective bind sources.
	VolumeMount(ctx context.Context, volumeName string) (string, error)
}

// Package docker implements runtime.Driver against the Docker Engine API.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/openclaw/botmaker/internal/botmaker/runtime"
)

// statsTimeout bounds the stats sample for any single container so one
// wedged container cannot stall the whole sweep.
const statsTimeout = 3 * time.Second

// Adapter implements runtime.Driver using the Docker Engine API.
type Adapter struct {
	client  *dockerclient.Client
	network string
}

// New creates an adapter talking to the daemon named by DOCKER_HOST or
// the default socket. network, when non-empty, is the named network new
// containers join.
func New(network string) (*Adapter, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Adapter{client: cli, network: network}, nil
}

// EnsureNetwork creates the configured network if it does not exist.
// No-op when no network is configured.
func (a *Adapter) EnsureNetwork(ctx context.Context) error {
	if a.network == "" {
		return nil
	}
	nets, err := a.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", a.network)),
	})
	if err != nil {
		return translate(err, runtime.ErrNetwork, "list networks")
	}
	for _, n := range nets {
		if n.Name == a.network {
			return nil
		}
	}
	_, err = a.client.NetworkCreate(ctx, a.network, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
		Labels:     map[string]string{runtime.LabelManaged: "true"},
	})
	if err != nil {
		return translate(err, runtime.ErrNetwork, "create network "+a.network)
	}
	return nil
}

// Create creates the bot container without starting it.
func (a *Adapter) Create(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	name := runtime.ContainerName(spec.Hostname)
	port := nat.Port(fmt.Sprintf("%d/tcp", spec.Port))

	containerCfg := &container.Config{
		Image:        spec.Image,
		Env:          envList(spec.Env),
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels: map[string]string{
			runtime.LabelManaged: "true",
			runtime.LabelBotID:   spec.BotID,
		},
	}

	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostPort: strconv.Itoa(spec.Port)}},
		},
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: spec.BotdataPath, Target: runtime.BotdataMountPath},
			{Type: mount.TypeBind, Source: spec.SecretsPath, Target: runtime.SecretsMountPath, ReadOnly: true},
			{Type: mount.TypeBind, Source: spec.SandboxPath, Target: runtime.SandboxMountPath},
		},
	}

	var networkCfg *network.NetworkingConfig
	if n := a.networkFor(spec); n != "" {
		networkCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{n: {}},
		}
	}

	resp, err := a.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, name)
	if err != nil {
		switch {
		case errdefs.IsConflict(err):
			return "", translate(err, runtime.ErrAlreadyExists, name)
		default:
			return "", translate(err, runtime.ErrCreateFailed, "create "+name)
		}
	}
	return resp.ID, nil
}

func (a *Adapter) networkFor(spec runtime.CreateSpec) string {
	if spec.Network != "" {
		return spec.Network
	}
	return a.network
}

// Start starts the container. A not-modified response (already running)
// counts as success.
func (a *Adapter) Start(ctx context.Context, hostname string) error {
	name := runtime.ContainerName(hostname)
	err := a.client.ContainerStart(ctx, name, container.StartOptions{})
	if err == nil || errdefs.IsNotModified(err) {
		return nil
	}
	if dockerclient.IsErrNotFound(err) {
		return translate(err, runtime.ErrNotFound, name)
	}
	return translate(err, runtime.ErrStartFailed, "start "+name)
}

// Stop requests graceful termination, force-killing after graceSeconds.
// A not-modified response (already stopped) counts as success.
func (a *Adapter) Stop(ctx context.Context, hostname string, graceSeconds int) error {
	name := runtime.ContainerName(hostname)
	err := a.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &graceSeconds})
	if err == nil || errdefs.IsNotModified(err) {
		return nil
	}
	if dockerclient.IsErrNotFound(err) {
		return translate(err, runtime.ErrNotFound, name)
	}
	return translate(err, runtime.ErrStopFailed, "stop "+name)
}

// Restart stops (with grace) and starts the container.
func (a *Adapter) Restart(ctx context.Context, hostname string, graceSeconds int) error {
	name := runtime.ContainerName(hostname)
	err := a.client.ContainerRestart(ctx, name, container.StopOptions{Timeout: &graceSeconds})
	if err == nil {
		return nil
	}
	if dockerclient.IsErrNotFound(err) {
		return translate(err, runtime.ErrNotFound, name)
	}
	return translate(err, runtime.ErrStartFailed, "restart "+name)
}

// Remove stops the container best-effort, then deletes it.
func (a *Adapter) Remove(ctx context.Context, hostname string) error {
	return a.removeRef(ctx, runtime.ContainerName(hostname))
}

func (a *Adapter) RemoveByID(ctx context.Context, id string) error {
	return a.removeRef(ctx, id)
}

// removeRef accepts either a container name or a runtime id; the daemon
// resolves both.
func (a *Adapter) removeRef(ctx context.Context, ref string) error {
	grace := 10
	_ = a.client.ContainerStop(ctx, ref, container.StopOptions{Timeout: &grace})
	err := a.client.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true})
	if err == nil {
		return nil
	}
	if dockerclient.IsErrNotFound(err) {
		return translate(err, runtime.ErrNotFound, ref)
	}
	return translate(err, runtime.ErrStopFailed, "remove "+ref)
}

// Status inspects the container. Returns nil with no error when no
// container exists for the hostname.
func (a *Adapter) Status(ctx context.Context, hostname string) (*runtime.Status, error) {
	inspect, err := a.client.ContainerInspect(ctx, runtime.ContainerName(hostname))
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, translate(err, runtime.ErrNetwork, "inspect "+hostname)
	}

	st := &runtime.Status{HealthStatus: runtime.HealthNone}
	if inspect.State != nil {
		st.State = inspect.State.Status
		st.Running = inspect.State.Running
		st.ExitCode = inspect.State.ExitCode
		st.StartedAt, _ = time.Parse(time.RFC3339Nano, inspect.State.StartedAt)
		st.FinishedAt, _ = time.Parse(time.RFC3339Nano, inspect.State.FinishedAt)
		if inspect.State.Health != nil && inspect.State.Health.Status != "" {
			st.HealthStatus = inspect.State.Health.Status
		}
	}
	return st, nil
}

// ListManaged returns every container carrying the managed label,
// stopped ones included.
func (a *Adapter) ListManaged(ctx context.Context) ([]runtime.ManagedContainer, error) {
	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", runtime.LabelManaged+"=true"),
		),
	})
	if err != nil {
		return nil, translate(err, runtime.ErrNetwork, "list containers")
	}

	managed := make([]runtime.ManagedContainer, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			if h, ok := runtime.HostnameFromName(c.Names[0]); ok {
				name = runtime.ContainerName(h)
			} else {
				name = c.Names[0]
			}
		}
		managed = append(managed, runtime.ManagedContainer{
			ID:      c.ID,
			Name:    name,
			BotID:   c.Labels[runtime.LabelBotID],
			State:   c.State,
			Running: c.State == "running",
		})
	}
	return managed, nil
}

// Stats samples every running managed container in parallel. Containers
// that disappear or stall mid-sweep are skipped.
func (a *Adapter) Stats(ctx context.Context) ([]runtime.ContainerStats, error) {
	managed, err := a.ListManaged(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		samples []runtime.ContainerStats
	)
	for _, c := range managed {
		if !c.Running {
			continue
		}
		wg.Add(1)
		go func(c runtime.ManagedContainer) {
			defer wg.Done()
			sampleCtx, cancel := context.WithTimeout(ctx, statsTimeout)
			defer cancel()

			resp, err := a.client.ContainerStats(sampleCtx, c.ID, false)
			if err != nil {
				return
			}
			defer resp.Body.Close()

			var raw container.StatsResponse
			if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
				return
			}
			sample := statsFromRaw(&raw)
			sample.BotID = c.BotID
			sample.Name = c.Name

			mu.Lock()
			samples = append(samples, sample)
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	sort.Slice(samples, func(i, j int) bool { return samples[i].Name < samples[j].Name })
	return samples, nil
}

// Logs returns up to tail lines of combined stdout and stderr.
func (a *Adapter) Logs(ctx context.Context, hostname string, tail int) (string, error) {
	name := runtime.ContainerName(hostname)
	reader, err := a.client.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return "", translate(err, runtime.ErrNotFound, name)
		}
		return "", translate(err, runtime.ErrNetwork, "logs "+name)
	}
	defer reader.Close()

	// Worker containers run without a TTY, so the log stream is
	// multiplexed and must be demuxed.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return "", translate(err, runtime.ErrNetwork, "read logs "+name)
	}
	return buf.String(), nil
}

// VolumeMount resolves a named volume to its host filesystem path.
func (a *Adapter) VolumeMount(ctx context.Context, volumeName string) (string, error) {
	vol, err := a.client.VolumeInspect(ctx, volumeName)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return "", translate(err, runtime.ErrNotFound, "volume "+volumeName)
		}
		return "", translate(err, runtime.ErrNetwork, "inspect volume "+volumeName)
	}
	return vol.Mountpoint, nil
}

// translate wraps a sentinel from the closed error set around a
// human-readable detail string. The raw daemon error is folded into the
// message with %v, never with %w: callers match on the sentinel only and
// the daemon's error types stay inside this package. Daemon
// connectivity failures override the fallback sentinel.
func translate(err error, sentinel error, detail string) error {
	if dockerclient.IsErrConnectionFailed(err) || errors.Is(err, context.DeadlineExceeded) {
		sentinel = runtime.ErrNetwork
	}
	return fmt.Errorf("%w: %s: %v", sentinel, detail, err)
}

// envList serializes an env map into Docker's K=V form, sorted so
// container diffs are stable.
func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}

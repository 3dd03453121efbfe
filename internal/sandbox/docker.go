package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/quarrylabs/quarry/internal/config"
)

const (
	stopTimeoutSecs = 10

	// Resource limits per sandbox.
	memoryLimitBytes = 2 * 1024 * 1024 * 1024 // 2GB
	cpuQuota         = 200000                 // 2 CPUs
	pidsLimit        = 512

	sandboxSubnet = "172.29.0.0/16"
)

// DockerController implements Controller using the Docker API.
type DockerController struct {
	cli *client.Client
	cfg config.SandboxConfig

	// coordinatorURL is injected into each sandbox so the worker knows
	// where to report events and poll for messages.
	coordinatorURL string
}

// NewDockerController creates a Docker-backed sandbox controller.
func NewDockerController(cfg config.SandboxConfig, coordinatorURL string) (*DockerController, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if cfg.Runtime != "" {
		slog.Info("Docker client initialized", "runtime", cfg.Runtime)
	} else {
		slog.Info("Docker client initialized", "runtime", "default")
	}
	return &DockerController{cli: cli, cfg: cfg, coordinatorURL: coordinatorURL}, nil
}

// EnsureNetwork creates the sandbox bridge network if it doesn't exist.
func (c *DockerController) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := c.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name == c.cfg.Network {
			slog.Info("Sandbox network already exists", "network_id", nw.ID)
			return nw.ID, nil
		}
	}

	createResp, err := c.cli.NetworkCreate(ctx, c.cfg.Network, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: sandboxSubnet}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", c.cfg.Network, err)
	}
	slog.Info("Sandbox network created", "network_id", createResp.ID, "subnet", sandboxSubnet)
	return createResp.ID, nil
}

// containerName derives the container name from the opaque sandbox ID.
func containerName(sandboxID string) string {
	return "quarry-" + sandboxID
}

// Spawn provisions and starts a sandbox container for a task.
func (c *DockerController) Spawn(ctx context.Context, taskID string) (string, error) {
	sandboxID := "sb-" + uuid.NewString()

	cfg := &container.Config{
		Image: c.cfg.Image,
		Env: []string{
			"QUARRY_COORDINATOR_URL=" + c.coordinatorURL,
			"QUARRY_SANDBOX_ID=" + sandboxID,
			"QUARRY_TASK_ID=" + taskID,
		},
		Labels: map[string]string{
			"quarry.sandbox_id": sandboxID,
			"quarry.task_id":    taskID,
		},
	}

	hostConfig := &container.HostConfig{
		Runtime:     c.cfg.Runtime,
		NetworkMode: container.NetworkMode(c.cfg.Network),
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
		DNS: []string{"8.8.8.8", "8.8.4.4"},
	}

	resp, err := c.cli.ContainerCreate(ctx, cfg, hostConfig, nil, nil, containerName(sandboxID))
	if err != nil {
		return "", fmt.Errorf("create sandbox container: %w", err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := c.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil {
			slog.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start sandbox container %s: %w", resp.ID, err)
	}

	slog.Info("Sandbox spawned", "sandbox_id", sandboxID, "task_id", taskID, "container_id", resp.ID)
	return sandboxID, nil
}

// Terminate stops and removes a sandbox container.
// It is idempotent and handles concurrent calls gracefully.
func (c *DockerController) Terminate(ctx context.Context, sandboxID string) error {
	name := containerName(sandboxID)
	slog.Info("Terminating sandbox", "sandbox_id", sandboxID)

	inspect, err := c.cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Sandbox container already removed", "sandbox_id", sandboxID)
			return nil
		}
		return fmt.Errorf("inspect sandbox %s: %w", sandboxID, err)
	}

	timeout := stopTimeoutSecs
	if err := c.cli.ContainerStop(ctx, inspect.ID, container.StopOptions{Timeout: &timeout}); err != nil {
		// Container may already be stopped or being removed by another caller.
		if errdefs.IsNotFound(err) {
			slog.Debug("Sandbox container already stopped/removed", "sandbox_id", sandboxID)
		} else {
			slog.Debug("Sandbox stop returned error, continuing to remove", "sandbox_id", sandboxID, "error", err)
		}
	}

	if err := c.cli.ContainerRemove(ctx, inspect.ID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			slog.Debug("Sandbox removal already in progress", "sandbox_id", sandboxID)
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, container may still be removed", "sandbox_id", sandboxID, "error", err)
			return nil
		}
		return fmt.Errorf("remove sandbox %s: %w", sandboxID, err)
	}

	slog.Info("Sandbox terminated", "sandbox_id", sandboxID)
	return nil
}

// GetInfo returns the sandbox's current infrastructure state.
func (c *DockerController) GetInfo(ctx context.Context, sandboxID string) (*Info, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerName(sandboxID))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return &Info{SandboxID: sandboxID, Running: false}, nil
		}
		return nil, fmt.Errorf("inspect sandbox %s: %w", sandboxID, err)
	}

	info := &Info{SandboxID: sandboxID, Running: inspect.State.Running}
	if inspect.State.StartedAt != "" {
		if started, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			info.StartedAt = started
		}
	}
	return info, nil
}

var _ Controller = (*DockerController)(nil)

func ptr[T any](v T) *T {
	return &v
}

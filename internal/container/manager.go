// Package container boots the embedded agent backend in a Docker container.
package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	// Container configuration.
	defaultImage         = "ghcr.io/sst/opencode:latest"
	defaultContainerName = "opencode-backend"
	backendPort          = 4096
	stopTimeoutSecs      = 10

	// Resource limits.
	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB
	pidsLimit        = 512

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond
)

var errPortInUse = errors.New("host port already in use")

// LauncherConfig holds configuration for the embedded backend container.
type LauncherConfig struct {
	Image         string
	ContainerName string
	HostPort      int
	DefaultModel  string
	Runtime       string // "" = default (runc), "runsc" = gVisor
}

// DockerLauncher implements opencode.Launcher using the Docker API.
type DockerLauncher struct {
	cli *client.Client
	cfg LauncherConfig

	mu      sync.Mutex
	created string // container ID this process created, if any
}

// NewDockerLauncher creates a Docker-backed launcher from the environment's Docker settings.
func NewDockerLauncher(cfg LauncherConfig) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	if cfg.ContainerName == "" {
		cfg.ContainerName = defaultContainerName
	}
	if cfg.HostPort == 0 {
		cfg.HostPort = 4097
	}
	slog.Info("Docker client initialized", "image", cfg.Image, "host_port", cfg.HostPort)
	return &DockerLauncher{cli: cli, cfg: cfg}, nil
}

// EnsureBackend makes sure the backend container is running and returns its base URL.
// A running container is reused, a stopped one restarted, otherwise one is created.
func (l *DockerLauncher) EnsureBackend(ctx context.Context) (string, error) {
	baseURL := backendURL(l.cfg.HostPort)

	inspect, err := l.cli.ContainerInspect(ctx, l.cfg.ContainerName)
	switch {
	case err == nil && inspect.State != nil && inspect.State.Running:
		slog.Info("Backend container already running", "container_id", inspect.ID)
		return baseURL, nil
	case err == nil:
		slog.Info("Restarting stopped backend container", "container_id", inspect.ID)
		if err := l.cli.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err != nil {
			return "", explainStartError(l.cfg.HostPort, fmt.Errorf("restart container %s: %w", inspect.ID, err))
		}
		return baseURL, nil
	case !errdefs.IsNotFound(err):
		return "", fmt.Errorf("inspect container %s: %w", l.cfg.ContainerName, err)
	}

	id, err := l.create(ctx)
	if err != nil {
		return "", err
	}

	if err := l.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		if removeErr := l.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			slog.Warn("Failed to remove container after start failure", "container_id", id, "error", removeErr)
		}
		return "", explainStartError(l.cfg.HostPort, fmt.Errorf("start container %s: %w", id, err))
	}

	l.mu.Lock()
	l.created = id
	l.mu.Unlock()

	slog.Info("Backend container created and started", "container_id", id, "url", baseURL)
	return baseURL, nil
}

func (l *DockerLauncher) create(ctx context.Context) (string, error) {
	config, hostConfig, err := buildContainerConfig(l.cfg)
	if err != nil {
		return "", err
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = l.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, l.cfg.ContainerName)
		if createErr == nil {
			return resp.ID, nil
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create container: %w", createErr)
		}

		// Another bridge instance may be creating the same named container.
		slog.Warn("Container name conflict during create, retrying",
			"container_name", l.cfg.ContainerName,
			"attempt", i+1,
			"error", createErr,
		)
		if inspect, inspectErr := l.cli.ContainerInspect(ctx, l.cfg.ContainerName); inspectErr == nil {
			return inspect.ID, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	return "", fmt.Errorf("create container after retries: %w", createErr)
}

// Shutdown stops the backend container if this process created it.
func (l *DockerLauncher) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	id := l.created
	l.created = ""
	l.mu.Unlock()

	if id == "" {
		return nil
	}
	return l.StopContainer(ctx, id)
}

// Close releases the Docker client.
func (l *DockerLauncher) Close() error {
	return l.cli.Close()
}

// StopContainer stops and removes a container.
// It is idempotent and handles concurrent calls gracefully.
func (l *DockerLauncher) StopContainer(ctx context.Context, containerID string) error {
	slog.Info("Stopping backend container", "container_id", containerID)

	timeout := stopTimeoutSecs
	if err := l.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container_id", containerID)
			return nil
		}
		slog.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
	}

	if err := l.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, container may still be removed", "container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}

	slog.Info("Backend container stopped and removed", "container_id", containerID)
	return nil
}

// IsRunning checks if the backend container is currently running.
func (l *DockerLauncher) IsRunning(ctx context.Context) (bool, error) {
	inspect, err := l.cli.ContainerInspect(ctx, l.cfg.ContainerName)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container %s: %w", l.cfg.ContainerName, err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

func buildContainerConfig(cfg LauncherConfig) (*container.Config, *container.HostConfig, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(backendPort))
	if err != nil {
		return nil, nil, fmt.Errorf("build port spec: %w", err)
	}

	var env []string
	if cfg.DefaultModel != "" {
		content, err := json.Marshal(map[string]string{"model": cfg.DefaultModel})
		if err != nil {
			return nil, nil, fmt.Errorf("encode backend config: %w", err)
		}
		env = append(env, "OPENCODE_CONFIG_CONTENT="+string(content))
	}

	config := &container.Config{
		Image:        cfg.Image,
		Cmd:          []string{"serve", "--hostname", "0.0.0.0", "--port", strconv.Itoa(backendPort)},
		Env:          env,
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels:       map[string]string{"app": "agent-bridge", "role": "backend"},
	}

	hostConfig := &container.HostConfig{
		Runtime: cfg.Runtime,
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(cfg.HostPort)}},
		},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}
	return config, hostConfig, nil
}

// explainStartError marks port conflicts so the caller can print port guidance.
func explainStartError(hostPort int, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "port is already allocated") || strings.Contains(msg, "address already in use") {
		return fmt.Errorf("%w: port %d: %w", errPortInUse, hostPort, err)
	}
	return err
}

func backendURL(hostPort int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", hostPort)
}

func ptr[T any](v T) *T {
	return &v
}

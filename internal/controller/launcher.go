package controller

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/just-every/magi/internal/observability"
)

// Launcher starts and stops engine containers for spawned tasks.
type Launcher interface {
	Launch(ctx context.Context, processID string, env map[string]string) error
	Terminate(ctx context.Context, processID string) error
}

// DockerLauncher runs each task engine in its own container, named
// magi-<processId>, with the shared output volume mounted at /magi_output.
type DockerLauncher struct {
	cli       *client.Client
	image     string
	outputDir string
	host      string
	port      int
	logger    *observability.Logger
}

// NewDockerLauncher connects to the local docker daemon. host is the
// address engines use to dial back to the controller.
func NewDockerLauncher(image, outputDir, host string, port int, logger *observability.Logger) (*DockerLauncher, error) {
	if logger == nil {
		logger = observability.Nop()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerLauncher{
		cli:       cli,
		image:     image,
		outputDir: outputDir,
		host:      host,
		port:      port,
		logger:    logger,
	}, nil
}

func containerName(processID string) string {
	return "magi-" + strings.ToLower(processID)
}

// Launch creates and starts a detached engine container.
func (d *DockerLauncher) Launch(ctx context.Context, processID string, env map[string]string) error {
	envList := []string{
		"MAGI_PROCESS_ID=" + processID,
		"MAGI_CONTROLLER_HOST=" + d.host,
		fmt.Sprintf("MAGI_CONTROLLER_PORT=%d", d.port),
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		envList = append(envList, k+"="+env[k])
	}

	created, err := d.cli.ContainerCreate(ctx,
		&container.Config{Image: d.image, Env: envList},
		&container.HostConfig{
			Binds:      []string{filepath.Clean(d.outputDir) + ":/magi_output"},
			AutoRemove: true,
			ExtraHosts: []string{"host.docker.internal:host-gateway"},
		},
		nil, nil, containerName(processID))
	if err != nil {
		return fmt.Errorf("container create: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}
	d.logger.Info(ctx, "engine container started",
		"process_id", processID, "container", created.ID[:12])
	return nil
}

// Terminate force-removes the container. A missing container is not an
// error since AutoRemove may already have reaped it.
func (d *DockerLauncher) Terminate(ctx context.Context, processID string) error {
	err := d.cli.ContainerRemove(ctx, containerName(processID), container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	d.logger.Info(ctx, "engine container removed", "process_id", processID)
	return nil
}

// NopLauncher ignores launch requests. It backs local and test runs where
// task engines are not containerized.
type NopLauncher struct{}

func (NopLauncher) Launch(ctx context.Context, processID string, env map[string]string) error {
	return nil
}

func (NopLauncher) Terminate(ctx context.Context, processID string) error { return nil }

package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// PoolContainer is a recyclable sandbox instance the ContainerRunner
// executes the CLI runner binary inside.
type PoolContainer struct {
	ID       string
	OrgID    string
	LastUsed time.Time
}

// ContainerPool handles the lifecycle of PoolContainers: pre-warm ->
// acquire -> scrub -> release, grounded on the same channel-plus-map
// bookkeeping used by other container-pool tooling in this lineage.
type ContainerPool struct {
	mu          sync.Mutex
	available   chan *PoolContainer
	active      map[string]*PoolContainer
	minIdle     int
	maxCapacity int
	imageName   string
}

// NewContainerPool initializes the pool and starts pre-warming.
func NewContainerPool(minIdle, maxCap int, image string) *ContainerPool {
	cp := &ContainerPool{
		available:   make(chan *PoolContainer, maxCap),
		active:      make(map[string]*PoolContainer),
		minIdle:     minIdle,
		maxCapacity: maxCap,
		imageName:   image,
	}
	go cp.maintainPool()
	return cp
}

// Acquire retrieves a pre-warmed container or blocks until one is ready.
func (cp *ContainerPool) Acquire(ctx context.Context, orgID string) (*PoolContainer, error) {
	select {
	case c := <-cp.available:
		cp.mu.Lock()
		cp.active[c.ID] = c
		cp.mu.Unlock()

		c.LastUsed = time.Now()
		c.OrgID = orgID

		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a container to the pool after scrubbing its state.
func (cp *ContainerPool) Release(c *PoolContainer) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := cp.scrubContainer(ctx, c); err != nil {
			slog.Warn("failed to scrub container, destroying", "id", c.ID, "error", err)
			cp.destroyContainer(ctx, c)
			return
		}

		cp.mu.Lock()
		delete(cp.active, c.ID)
		cp.mu.Unlock()
		cp.available <- c
	}()
}

// scrubContainer resets the environment via docker exec so the next task
// doesn't see the previous task's working state.
func (cp *ContainerPool) scrubContainer(ctx context.Context, c *PoolContainer) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	defer cli.Close()

	execConfig := types.ExecConfig{
		User:         "root",
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"/bin/sh", "-c", "rm -rf /workspace/* && pkill -u runner || true"},
	}

	execID, err := cli.ContainerExecCreate(ctx, c.ID, execConfig)
	if err != nil {
		return fmt.Errorf("failed to create scrub exec: %w", err)
	}

	err = cli.ContainerExecStart(ctx, execID.ID, types.ExecStartCheck{
		Detach: false,
		Tty:    false,
	})
	if err != nil {
		return fmt.Errorf("failed to start scrub: %w", err)
	}

	return nil
}

// maintainPool keeps the idle pool populated.
func (cp *ContainerPool) maintainPool() {
	for {
		time.Sleep(2 * time.Second)

		cp.mu.Lock()
		activeCount := len(cp.active)
		cp.mu.Unlock()

		availableCount := len(cp.available)
		total := activeCount + availableCount

		if availableCount < cp.minIdle && total < cp.maxCapacity {
			deficit := cp.minIdle - availableCount
			for i := 0; i < deficit; i++ {
				if activeCount+availableCount+i >= cp.maxCapacity {
					break
				}
				go cp.createContainer()
			}
		}
	}
}

func (cp *ContainerPool) createContainer() {
	ctx := context.Background()
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		slog.Warn("error creating docker client", "error", err)
		return
	}
	defer cli.Close()

	hostConfig := &container.HostConfig{
		NetworkMode:    "none", // no network access for the runner binary
		ReadonlyRootfs: true,
		Resources: container.Resources{
			NanoCPUs: 2000000000,         // 2.0 CPU
			Memory:   2048 * 1024 * 1024, // 2GB
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=256m",
		},
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image: cp.imageName,
		Tty:   false,
		Cmd:   []string{"sleep", "infinity"},
	}, hostConfig, nil, nil, "")
	if err != nil {
		slog.Warn("failed to create runner container", "error", err)
		return
	}

	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		slog.Warn("failed to start runner container", "error", err)
		return
	}

	c := &PoolContainer{
		ID:       resp.ID,
		LastUsed: time.Now(),
	}

	cp.available <- c
	slog.Info("runner container pre-warmed", "id", resp.ID[:12])
}

// destroyContainer forcefully removes a container and its resources.
func (cp *ContainerPool) destroyContainer(ctx context.Context, c *PoolContainer) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		slog.Warn("failed to create client for destroy", "error", err)
		return
	}
	defer cli.Close()

	if err := cli.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
		slog.Warn("failed to force remove container", "id", c.ID, "error", err)
	}

	dir := filepath.Join("/tmp", "agentctl-sandboxes", c.ID)
	os.RemoveAll(dir)

	slog.Info("cleaned up container resources", "id", c.ID)
}

// Exec runs the CLI runner command inside a specific container and
// returns its combined stdout/stderr.
func (cp *ContainerPool) Exec(ctx context.Context, containerID string, cmd []string) ([]byte, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	execConfig := types.ExecConfig{
		User:         "runner",
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
	}

	execID, err := cli.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("exec create failed: %w", err)
	}

	resp, err := cli.ContainerExecAttach(ctx, execID.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("exec attach failed: %w", err)
	}
	defer resp.Close()

	output, _ := io.ReadAll(resp.Reader)
	return output, nil
}

// Stats returns current pool statistics.
func (cp *ContainerPool) Stats() map[string]interface{} {
	cp.mu.Lock()
	activeCount := len(cp.active)
	cp.mu.Unlock()

	availableCount := len(cp.available)

	return map[string]interface{}{
		"active_containers": activeCount,
		"idle_containers":   availableCount,
		"total_capacity":    cp.maxCapacity,
		"min_idle":          cp.minIdle,
	}
}

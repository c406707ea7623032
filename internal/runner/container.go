package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ContainerRunner executes the CLI binary inside a locked-down, pooled
// Docker container instead of a bare subprocess: no network, readonly
// rootfs, capped CPU/memory. Selected via CLI_RUNNER_MODE=container.
type ContainerRunner struct {
	Pool       *ContainerPool
	BinaryPath string
}

// NewContainerRunner wires a ContainerRunner to an existing pool.
func NewContainerRunner(pool *ContainerPool, binaryPath string) *ContainerRunner {
	return &ContainerRunner{Pool: pool, BinaryPath: binaryPath}
}

// Run acquires a container from the pool, execs the CLI binary inside it,
// and streams its line-framed JSON stdout as Events. The container is
// always released back to the pool (and scrubbed) before returning.
func (c *ContainerRunner) Run(ctx context.Context, inv Invocation) (<-chan Event, error) {
	container, err := c.Pool.Acquire(ctx, inv.Env["ORG_ID"])
	if err != nil {
		return nil, fmt.Errorf("acquire container: %w", err)
	}

	cmd := append([]string{c.BinaryPath, inv.Command}, inv.Args...)

	events := make(chan Event, 64)
	go func() {
		defer close(events)
		defer c.Pool.Release(container)

		output, execErr := c.Pool.Exec(ctx, container.ID, cmd)
		scanner := bufio.NewScanner(strings.NewReader(string(output)))
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var ev Event
			if err := json.Unmarshal(line, &ev); err != nil {
				events <- Event{Kind: EventProgress, Message: string(line), Timestamp: time.Now()}
				continue
			}
			if ev.Timestamp.IsZero() {
				ev.Timestamp = time.Now()
			}
			events <- ev
		}

		if execErr != nil {
			events <- Event{Kind: EventError, Message: execErr.Error(), ErrorKind: "system", Timestamp: time.Now()}
			return
		}
		events <- Event{Kind: EventDone, ExitCode: 0, Timestamp: time.Now()}
	}()

	return events, nil
}

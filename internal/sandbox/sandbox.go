// Package sandbox runs repository analysis commands inside locked-down
// containers: memory and CPU caps, read-only rootfs, no-new-privileges,
// bounded log capture. The command line comes from a fixed template and
// configuration only.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"github.com/codescout/internal/logging"
)

// maxCapturedBytes bounds each captured stream so a log-spamming test run
// cannot exhaust worker memory.
const maxCapturedBytes = 1 << 20

// stopGrace is how long a timed-out container gets to exit cleanly before
// it is killed.
const stopGrace = 10 * time.Second

// Options configures the container the executor spawns.
type Options struct {
	Image           string
	Workdir         string
	MemoryBytes     int64
	NanoCPUs        int64
	ReadOnly        bool
	AutoRemove      bool
	NoNewPrivileges bool
	Timeout         time.Duration
}

// ExecResult is the outcome of one sandboxed run. A nonzero exit code is
// not an error: callers read the captured output either way.
type ExecResult struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	StartedAt time.Time
	EndedAt   time.Time
}

// TimedOut reports whether the run was cut off by the executor.
func (r *ExecResult) TimedOut() bool {
	return r.ExitCode == -1
}

// ContainerAPI is the slice of the Docker client the executor needs.
type ContainerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
}

// Executor spawns one container per Run call.
type Executor struct {
	api  ContainerAPI
	opts Options
	log  zerolog.Logger
}

// NewExecutor builds an executor over an existing client, used by tests.
func NewExecutor(api ContainerAPI, opts Options) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	return &Executor{api: api, opts: opts, log: logging.Component("sandbox")}
}

// NewDockerExecutor connects to the local Docker daemon from the
// environment.
func NewDockerExecutor(opts Options) (*Executor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}
	return NewExecutor(cli, opts), nil
}

// Run mounts workspaceDir at the configured workdir and executes cmd until
// it exits or the timeout fires. On timeout the container gets a graceful
// stop, then a kill, and the result carries exit code -1 with whatever
// output was captured.
func (e *Executor) Run(ctx context.Context, workspaceDir string, cmd []string, env []string) (*ExecResult, error) {
	securityOpt := []string{}
	if e.opts.NoNewPrivileges {
		securityOpt = append(securityOpt, "no-new-privileges")
	}

	created, err := e.api.ContainerCreate(ctx,
		&container.Config{
			Image:      e.opts.Image,
			Cmd:        cmd,
			WorkingDir: e.opts.Workdir,
			Env:        env,
		},
		&container.HostConfig{
			Binds:          []string{fmt.Sprintf("%s:%s", workspaceDir, e.opts.Workdir)},
			ReadonlyRootfs: e.opts.ReadOnly,
			AutoRemove:     e.opts.AutoRemove,
			SecurityOpt:    securityOpt,
			Resources: container.Resources{
				Memory:   e.opts.MemoryBytes,
				NanoCPUs: e.opts.NanoCPUs,
			},
		},
		nil, nil, "codescout-"+uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("creating sandbox container: %w", err)
	}
	id := created.ID

	startedAt := time.Now().UTC()
	if err := e.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("starting sandbox container: %w", err)
	}

	// Logs must stream while the container lives: with AutoRemove set the
	// container is gone by the time wait returns.
	stdout := newCappedBuffer(maxCapturedBytes)
	stderr := newCappedBuffer(maxCapturedBytes)
	var logWG sync.WaitGroup
	logs, err := e.api.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err == nil {
		logWG.Add(1)
		go func() {
			defer logWG.Done()
			defer logs.Close()
			stdcopy.StdCopy(stdout, stderr, logs)
		}()
	} else {
		e.log.Warn().Err(err).Str("container", id).Msg("log attach failed; output will be empty")
	}

	waitCh, errCh := e.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	timer := time.NewTimer(e.opts.Timeout)
	defer timer.Stop()

	result := &ExecResult{StartedAt: startedAt}
	select {
	case resp := <-waitCh:
		result.ExitCode = int(resp.StatusCode)
	case err := <-errCh:
		e.stopContainer(id)
		return nil, fmt.Errorf("waiting for sandbox container: %w", err)
	case <-timer.C:
		e.log.Warn().Str("container", id).Dur("timeout", e.opts.Timeout).Msg("sandbox run timed out")
		e.stopContainer(id)
		result.ExitCode = -1
	case <-ctx.Done():
		e.stopContainer(id)
		return nil, ctx.Err()
	}

	logWG.Wait()
	result.EndedAt = time.Now().UTC()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	e.log.Info().Str("container", id).Int("exitCode", result.ExitCode).
		Dur("elapsed", result.EndedAt.Sub(result.StartedAt)).Msg("sandbox run finished")
	return result, nil
}

// stopContainer stops gracefully, then kills. Runs under its own context
// because the caller's may already be canceled.
func (e *Executor) stopContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), stopGrace+5*time.Second)
	defer cancel()

	grace := int(stopGrace.Seconds())
	if err := e.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &grace}); err != nil {
		if killErr := e.api.ContainerKill(ctx, id, "SIGKILL"); killErr != nil {
			e.log.Warn().Err(killErr).Str("container", id).Msg("container kill failed")
		}
	}
}

// cappedBuffer accepts writes up to its cap and silently discards the rest.
type cappedBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

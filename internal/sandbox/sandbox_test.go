package sandbox

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDocker scripts the container lifecycle without a daemon.
type fakeDocker struct {
	created    *container.Config
	hostConfig *container.HostConfig
	exitCode   int64
	stdout     string
	stderr     string
	hang       bool // never deliver the wait response

	stopped  bool
	killed   bool
	failStop bool
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.created = config
	f.hostConfig = hostConfig
	return container.CreateResponse{ID: "cid-1"}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, _ container.StartOptions) error {
	return nil
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, id string, _ container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	return io.NopCloser(&buf), nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, id string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	waitCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if !f.hang {
		waitCh <- container.WaitResponse{StatusCode: f.exitCode}
	}
	return waitCh, errCh
}

func (f *fakeDocker) ContainerStop(ctx context.Context, id string, _ container.StopOptions) error {
	f.stopped = true
	if f.failStop {
		return assert.AnError
	}
	return nil
}

func (f *fakeDocker) ContainerKill(ctx context.Context, id, signal string) error {
	f.killed = true
	return nil
}

func testOptions() Options {
	return Options{
		Image:           "codescout/analysis:latest",
		Workdir:         "/workspace",
		MemoryBytes:     2 << 30,
		NanoCPUs:        2e9,
		ReadOnly:        true,
		AutoRemove:      true,
		NoNewPrivileges: true,
		Timeout:         time.Second,
	}
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	fake := &fakeDocker{exitCode: 3, stdout: "2 tests run\n", stderr: "1 failure\n"}
	e := NewExecutor(fake, testOptions())

	result, err := e.Run(context.Background(), "/tmp/ws", []string{"mvn", "test"}, []string{"CI=true"})
	require.NoError(t, err)

	// Nonzero exit is data, not an error.
	assert.Equal(t, 3, result.ExitCode)
	assert.False(t, result.TimedOut())
	assert.Equal(t, "2 tests run\n", result.Stdout)
	assert.Equal(t, "1 failure\n", result.Stderr)
	assert.False(t, result.EndedAt.Before(result.StartedAt))
}

func TestRunAppliesIsolation(t *testing.T) {
	fake := &fakeDocker{}
	e := NewExecutor(fake, testOptions())

	_, err := e.Run(context.Background(), "/tmp/ws", []string{"mvn", "test"}, nil)
	require.NoError(t, err)

	hc := fake.hostConfig
	assert.True(t, hc.ReadonlyRootfs)
	assert.True(t, hc.AutoRemove)
	assert.Contains(t, hc.SecurityOpt, "no-new-privileges")
	assert.Equal(t, int64(2<<30), hc.Resources.Memory)
	assert.Equal(t, int64(2e9), hc.Resources.NanoCPUs)
	assert.Equal(t, []string{"/tmp/ws:/workspace"}, hc.Binds)

	assert.Equal(t, "/workspace", fake.created.WorkingDir)
	assert.Equal(t, []string{"mvn", "test"}, []string(fake.created.Cmd))
}

func TestRunTimeoutStopsContainer(t *testing.T) {
	fake := &fakeDocker{hang: true, stdout: "partial"}
	opts := testOptions()
	opts.Timeout = 50 * time.Millisecond
	e := NewExecutor(fake, opts)

	result, err := e.Run(context.Background(), "/tmp/ws", []string{"sleep", "forever"}, nil)
	require.NoError(t, err)

	assert.True(t, result.TimedOut())
	assert.True(t, fake.stopped)
	assert.Equal(t, "partial", result.Stdout)
}

func TestRunTimeoutKillsWhenStopFails(t *testing.T) {
	fake := &fakeDocker{hang: true, failStop: true}
	opts := testOptions()
	opts.Timeout = 50 * time.Millisecond
	e := NewExecutor(fake, opts)

	_, err := e.Run(context.Background(), "/tmp/ws", []string{"sleep", "forever"}, nil)
	require.NoError(t, err)
	assert.True(t, fake.killed)
}

func TestRunContextCancellation(t *testing.T) {
	fake := &fakeDocker{hang: true}
	e := NewExecutor(fake, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Run(ctx, "/tmp/ws", []string{"true"}, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, fake.stopped)
}

func TestCappedBufferTruncates(t *testing.T) {
	buf := newCappedBuffer(10)
	n, err := buf.Write([]byte(strings.Repeat("x", 25)))
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	assert.Len(t, buf.String(), 10)

	// Further writes are accepted and discarded.
	_, err = buf.Write([]byte("more"))
	require.NoError(t, err)
	assert.Len(t, buf.String(), 10)
}

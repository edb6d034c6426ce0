package backend

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// CommandRunner abstracts command execution for testing.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, exitCode int, err error)
}

// osCommandRunner is the real implementation using os/exec.
type osCommandRunner struct{}

func (osCommandRunner) Run(ctx context.Context, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	switch e := err.(type) {
	case nil:
		return stdout.String(), stderr.String(), 0, nil
	case *exec.ExitError:
		if ctx.Err() != nil {
			return stdout.String(), stderr.String(), e.ExitCode(), ctx.Err()
		}
		return stdout.String(), stderr.String(), e.ExitCode(), nil
	default:
		return stdout.String(), stderr.String(), -1, err
	}
}

// ContainerSpec is one container invocation. HostDir is mounted at /work.
type ContainerSpec struct {
	Name    string
	Image   string
	Command []string
	Env     map[string]string
	HostDir string
}

// ContainerResult is what a finished container left behind.
type ContainerResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ContainerRunner runs a container to completion.
type ContainerRunner interface {
	Runtime() string
	Run(ctx context.Context, spec ContainerSpec) (*ContainerResult, error)
}

func sortedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k + "=" + env[k]
	}
	return out
}

// DockerRunner runs containers with the docker CLI.
type DockerRunner struct {
	runner CommandRunner
	logger *slog.Logger
}

// NewDockerRunner creates a DockerRunner using os/exec.
func NewDockerRunner(logger *slog.Logger) *DockerRunner {
	return newDockerRunnerWithRunner(logger, osCommandRunner{})
}

// newDockerRunnerWithRunner is used by tests to inject a mock CommandRunner.
func newDockerRunnerWithRunner(logger *slog.Logger, runner CommandRunner) *DockerRunner {
	return &DockerRunner{runner: runner, logger: logger.With("component", "docker-runner")}
}

// Runtime returns "docker".
func (r *DockerRunner) Runtime() string { return "docker" }

// Run executes `docker run --rm` with HostDir bind-mounted at /work.
func (r *DockerRunner) Run(ctx context.Context, spec ContainerSpec) (*ContainerResult, error) {
	args := []string{
		"run", "--rm",
		"--name", spec.Name,
		"-v", spec.HostDir + ":/work",
		"-w", "/work",
	}
	for _, kv := range sortedEnv(spec.Env) {
		args = append(args, "-e", kv)
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	stdout, stderr, code, err := r.runner.Run(ctx, "docker", args...)
	if ctx.Err() != nil {
		// The CLI was killed; make sure the container goes too.
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, _, _, rmErr := r.runner.Run(rmCtx, "docker", "rm", "-f", spec.Name); rmErr != nil {
			r.logger.Warn("remove cancelled container", "name", spec.Name, "error", rmErr)
		}
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("docker run: %w", err)
	}
	r.logger.Debug("container finished", "name", spec.Name, "image", spec.Image, "exit_code", code)
	return &ContainerResult{Stdout: stdout, Stderr: stderr, ExitCode: code}, nil
}

// ApptainerRunner runs containers with the apptainer CLI.
type ApptainerRunner struct {
	runner CommandRunner
	logger *slog.Logger
}

// NewApptainerRunner creates an ApptainerRunner using os/exec.
func NewApptainerRunner(logger *slog.Logger) *ApptainerRunner {
	return newApptainerRunnerWithRunner(logger, osCommandRunner{})
}

// newApptainerRunnerWithRunner is used by tests to inject a mock CommandRunner.
func newApptainerRunnerWithRunner(logger *slog.Logger, runner CommandRunner) *ApptainerRunner {
	return &ApptainerRunner{runner: runner, logger: logger.With("component", "apptainer-runner")}
}

// Runtime returns "apptainer".
func (r *ApptainerRunner) Runtime() string { return "apptainer" }

// Run executes `apptainer exec` with HostDir bound at /work. Images without a
// transport prefix are pulled from a docker registry.
func (r *ApptainerRunner) Run(ctx context.Context, spec ContainerSpec) (*ContainerResult, error) {
	args := []string{
		"exec",
		"--bind", spec.HostDir + ":/work",
		"--pwd", "/work",
	}
	for _, kv := range sortedEnv(spec.Env) {
		args = append(args, "--env", kv)
	}
	image := spec.Image
	if !strings.Contains(image, "://") && !strings.HasSuffix(image, ".sif") {
		image = "docker://" + image
	}
	args = append(args, image)
	args = append(args, spec.Command...)

	stdout, stderr, code, err := r.runner.Run(ctx, "apptainer", args...)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("apptainer exec: %w", err)
	}
	r.logger.Debug("container finished", "image", image, "exit_code", code)
	return &ContainerResult{Stdout: stdout, Stderr: stderr, ExitCode: code}, nil
}

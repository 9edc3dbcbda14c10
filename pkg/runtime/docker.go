package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/converge/pkg/log"
	"github.com/cuemby/converge/pkg/metrics"
	"github.com/cuemby/converge/pkg/types"
)

// Runner executes one external command and returns its combined output
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands on the local host
type ExecRunner struct{}

// Run implements Runner
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	command := name
	if len(args) > 0 {
		command += " " + args[0]
	}
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return out.String(), fmt.Errorf("%w: %s: %v", types.ErrCommandFailed, command, ctx.Err())
		}
		return out.String(), fmt.Errorf("%w: %s: %v: %s",
			types.ErrCommandFailed, command, err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

// DockerConfig configures the docker CLI runtime
type DockerConfig struct {
	Binary       string        // Defaults to "docker"
	BuildDir     string        // Parent of the temporary build contexts
	ListCacheTTL time.Duration // 0 disables the running list cache
}

// DockerRuntime drives the docker CLI
type DockerRuntime struct {
	runner   Runner
	binary   string
	buildDir string
	list     *listCache
	logger   zerolog.Logger
}

// NewDockerRuntime creates a docker runtime executing commands through
// runner
func NewDockerRuntime(cfg DockerConfig, runner Runner) *DockerRuntime {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &DockerRuntime{
		runner:   runner,
		binary:   cfg.Binary,
		buildDir: cfg.BuildDir,
		list:     newListCache(cfg.ListCacheTTL),
		logger:   log.WithComponent("runtime"),
	}
}

// Close implements Runtime
func (r *DockerRuntime) Close() error {
	return nil
}

func (r *DockerRuntime) run(ctx context.Context, operation string, args ...string) (string, error) {
	timer := metrics.NewTimer()
	out, err := r.runner.Run(ctx, r.binary, args...)
	timer.ObserveDurationVec(metrics.RuntimeCommandDuration, operation)
	if err != nil {
		metrics.RuntimeCommandFailures.WithLabelValues(operation).Inc()
		r.logger.Debug().Err(err).Str("operation", operation).Msg("Docker command failed")
		return out, err
	}
	return out, nil
}

// BuildImage writes a build context and runs docker build on it
func (r *DockerRuntime) BuildImage(ctx context.Context, spec BuildSpec) error {
	dir, err := os.MkdirTemp(r.buildDir, "converge-build-")
	if err != nil {
		return fmt.Errorf("failed to create build context: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := WriteBuildContext(dir, spec.Definition); err != nil {
		return err
	}

	if _, err := r.run(ctx, "build", "build", "--tag", spec.Image, dir); err != nil {
		return fmt.Errorf("failed to build %s: %w", spec.Image, err)
	}
	return nil
}

// StartContainer replaces any container of the same name with a new one
func (r *DockerRuntime) StartContainer(ctx context.Context, spec RunSpec) error {
	defer r.list.invalidate()

	// The previous container may not exist
	_, _ = r.run(ctx, "remove", "rm", "--force", spec.Name)

	if _, err := r.run(ctx, "start", runArgs(spec)...); err != nil {
		return fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}
	return nil
}

func runArgs(spec RunSpec) []string {
	args := []string{"run", "--detach", "--name", spec.Name}
	if spec.Restart != "" {
		args = append(args, "--restart", string(spec.Restart))
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	if spec.IP != "" {
		args = append(args, "--ip", spec.IP)
	}
	for _, host := range sortedPorts(spec.Ports) {
		args = append(args, "--publish", fmt.Sprintf("%d:%d", host, spec.Ports[host]))
	}
	for _, host := range sortedPorts(spec.PortsUDP) {
		args = append(args, "--publish", fmt.Sprintf("%d:%d/udp", host, spec.PortsUDP[host]))
	}
	for _, v := range spec.Volumes {
		mount := v.HostFolder + ":" + v.ContainerFolder
		if v.ReadOnly {
			mount += ":ro"
		}
		args = append(args, "--volume", mount)
	}
	for _, host := range sortedKeys(spec.Hosts) {
		args = append(args, "--add-host", host+":"+spec.Hosts[host])
	}
	return append(args, spec.Image)
}

// StopContainer stops and removes the container
func (r *DockerRuntime) StopContainer(ctx context.Context, name string) error {
	defer r.list.invalidate()

	if _, err := r.run(ctx, "stop", "stop", name); err != nil {
		return fmt.Errorf("failed to stop %s: %w", name, err)
	}
	if _, err := r.run(ctx, "remove", "rm", name); err != nil {
		return fmt.Errorf("failed to remove %s: %w", name, err)
	}
	return nil
}

// ListRunning returns the names of the running containers
func (r *DockerRuntime) ListRunning(ctx context.Context) ([]string, error) {
	return r.list.get(func() ([]string, error) {
		out, err := r.run(ctx, "list", "ps", "--format", "{{.Names}}")
		if err != nil {
			return nil, fmt.Errorf("failed to list containers: %w", err)
		}
		return strings.Fields(out), nil
	})
}

// CopyInto copies a host file or folder into the container
func (r *DockerRuntime) CopyInto(ctx context.Context, name, source, destination string) error {
	if _, err := r.run(ctx, "copy", "cp", source, name+":"+destination); err != nil {
		return fmt.Errorf("failed to copy %s into %s: %w", source, name, err)
	}
	return nil
}

// Exec runs a shell command inside the container
func (r *DockerRuntime) Exec(ctx context.Context, name, command string) (string, error) {
	out, err := r.run(ctx, "exec", "exec", name, "sh", "-c", command)
	if err != nil {
		return out, fmt.Errorf("failed to exec in %s: %w", name, err)
	}
	return out, nil
}

// CreateNetwork creates the bridge network unless it exists
func (r *DockerRuntime) CreateNetwork(ctx context.Context, name, subnet string) error {
	if _, err := r.run(ctx, "network", "network", "inspect", "--format", "{{.Name}}", name); err == nil {
		return nil
	}
	args := []string{"network", "create", "--driver", "bridge"}
	if subnet != "" {
		args = append(args, "--subnet", subnet)
	}
	if _, err := r.run(ctx, "network", append(args, name)...); err != nil {
		return fmt.Errorf("failed to create network %s: %w", name, err)
	}
	return nil
}

// NetworkMembers returns container name -> IP for the network
func (r *DockerRuntime) NetworkMembers(ctx context.Context, network string) (map[string]string, error) {
	out, err := r.run(ctx, "network", "network", "inspect", "--format",
		`{{range .Containers}}{{.Name}} {{.IPv4Address}}{{"\n"}}{{end}}`, network)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect network %s: %w", network, err)
	}
	return parseMembers(out), nil
}

func parseMembers(out string) map[string]string {
	members := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		ip, _, _ := strings.Cut(fields[1], "/")
		members[fields[0]] = ip
	}
	return members
}

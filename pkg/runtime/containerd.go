package runtime

import (
	"bytes"
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/images"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/cuemby/converge/pkg/log"
	"github.com/cuemby/converge/pkg/metrics"
)

const (
	// DefaultNamespace is the containerd namespace for converge
	DefaultNamespace = "converge"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	stopTimeout = 10 * time.Second
)

// ContainerdRuntime runs prebuilt images through containerd. It has no
// image builder and no CNI networking: definitions with build steps or
// assets, copies into containers and networks are unsupported.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	list      *listCache
	logger    zerolog.Logger
}

// NewContainerdRuntime connects to the containerd socket
func NewContainerdRuntime(socketPath string, listCacheTTL time.Duration) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: DefaultNamespace,
		list:      newListCache(listCacheTTL),
		logger:    log.WithComponent("runtime"),
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdRuntime) observe(operation string, timer *metrics.Timer, err error) error {
	timer.ObserveDurationVec(metrics.RuntimeCommandDuration, operation)
	if err != nil {
		metrics.RuntimeCommandFailures.WithLabelValues(operation).Inc()
		r.logger.Debug().Err(err).Str("operation", operation).Msg("Containerd call failed")
	}
	return err
}

// BuildImage pulls the base image and tags it with spec.Image
func (r *ContainerdRuntime) BuildImage(ctx context.Context, spec BuildSpec) (err error) {
	timer := metrics.NewTimer()
	defer func() { err = r.observe("build", timer, err) }()

	def := spec.Definition
	if len(def.BuildSteps) > 0 || len(def.Assets) > 0 || len(def.UsersToChangeID) > 0 {
		return fmt.Errorf("%w: image %s needs build steps", ErrUnsupported, spec.Image)
	}

	ctx = namespaces.WithNamespace(ctx, r.namespace)
	pulled, err := r.client.Pull(ctx, def.From, containerd.WithPullUnpack)
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", def.From, err)
	}

	tagged := images.Image{Name: spec.Image, Target: pulled.Target()}
	is := r.client.ImageService()
	if _, err := is.Create(ctx, tagged); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return fmt.Errorf("failed to tag %s: %w", spec.Image, err)
		}
		if _, err := is.Update(ctx, tagged); err != nil {
			return fmt.Errorf("failed to tag %s: %w", spec.Image, err)
		}
	}
	return nil
}

// StartContainer replaces any container of the same name and starts a task
// for it
func (r *ContainerdRuntime) StartContainer(ctx context.Context, spec RunSpec) (err error) {
	defer r.list.invalidate()
	if err := r.remove(ctx, spec.Name); err != nil {
		return err
	}

	timer := metrics.NewTimer()
	defer func() { err = r.observe("start", timer, err) }()

	ctx = namespaces.WithNamespace(ctx, r.namespace)
	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return fmt.Errorf("failed to get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{oci.WithImageConfig(image)}
	if len(spec.Volumes) > 0 {
		mounts := make([]specs.Mount, 0, len(spec.Volumes))
		for _, v := range spec.Volumes {
			options := []string{"rbind", "rw"}
			if v.ReadOnly {
				options = []string{"rbind", "ro"}
			}
			mounts = append(mounts, specs.Mount{
				Source:      v.HostFolder,
				Destination: v.ContainerFolder,
				Type:        "bind",
				Options:     options,
			})
		}
		opts = append(opts, oci.WithMounts(mounts))
	}
	if len(spec.Ports) > 0 || len(spec.PortsUDP) > 0 || spec.Network != "" {
		// Without CNI the task shares the host network
		opts = append(opts, oci.WithHostNamespace(specs.NetworkNamespace), oci.WithHostHostsFile, oci.WithHostResolvconf)
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}
	return nil
}

// StopContainer stops the task and removes the container
func (r *ContainerdRuntime) StopContainer(ctx context.Context, name string) error {
	defer r.list.invalidate()
	return r.remove(ctx, name)
}

func (r *ContainerdRuntime) remove(ctx context.Context, name string) (err error) {
	timer := metrics.NewTimer()
	defer func() { err = r.observe("stop", timer, err) }()

	ctx = namespaces.WithNamespace(ctx, r.namespace)
	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", name, err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		if err := stopTask(ctx, task); err != nil {
			return err
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	return nil
}

// stopTask sends SIGTERM, escalates to SIGKILL after stopTimeout and
// deletes the task
func stopTask(ctx context.Context, task containerd.Task) error {
	stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}
	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
		<-statusC
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// ListRunning returns the ids of containers with a running task
func (r *ContainerdRuntime) ListRunning(ctx context.Context) ([]string, error) {
	return r.list.get(func() (names []string, err error) {
		timer := metrics.NewTimer()
		defer func() { err = r.observe("list", timer, err) }()

		ctx := namespaces.WithNamespace(ctx, r.namespace)
		containers, err := r.client.Containers(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list containers: %w", err)
		}

		for _, c := range containers {
			task, err := c.Task(ctx, nil)
			if err != nil {
				continue
			}
			status, err := task.Status(ctx)
			if err != nil {
				continue
			}
			if status.Status == containerd.Running {
				names = append(names, c.ID())
			}
		}
		return names, nil
	})
}

// CopyInto implements Runtime
func (r *ContainerdRuntime) CopyInto(ctx context.Context, name, source, destination string) error {
	return fmt.Errorf("%w: copy into %s", ErrUnsupported, name)
}

// Exec runs a shell command in the task of the container and returns its
// output
func (r *ContainerdRuntime) Exec(ctx context.Context, name, command string) (out string, err error) {
	timer := metrics.NewTimer()
	defer func() { err = r.observe("exec", timer, err) }()

	ctx = namespaces.WithNamespace(ctx, r.namespace)
	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to load container %s: %w", name, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("container %s is not running: %w", name, err)
	}
	spec, err := container.Spec(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read spec of %s: %w", name, err)
	}

	pspec := *spec.Process
	pspec.Terminal = false
	pspec.Args = []string{"sh", "-c", command}

	var stdout, stderr bytes.Buffer
	process, err := task.Exec(ctx, "exec-"+uuid.NewString(), &pspec, cio.NewCreator(cio.WithStreams(nil, &stdout, &stderr)))
	if err != nil {
		return "", fmt.Errorf("failed to exec in %s: %w", name, err)
	}
	defer process.Delete(ctx)

	statusC, err := process.Wait(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to wait for exec in %s: %w", name, err)
	}
	if err := process.Start(ctx); err != nil {
		return "", fmt.Errorf("failed to start exec in %s: %w", name, err)
	}

	status := <-statusC
	code, _, err := status.Result()
	output := stdout.String() + stderr.String()
	if err != nil {
		return output, fmt.Errorf("exec in %s: %w", name, err)
	}
	if code != 0 {
		return output, fmt.Errorf("exec in %s exited with %d", name, code)
	}
	return output, nil
}

// CreateNetwork implements Runtime
func (r *ContainerdRuntime) CreateNetwork(ctx context.Context, name, subnet string) error {
	return fmt.Errorf("%w: network %s", ErrUnsupported, name)
}

// NetworkMembers implements Runtime
func (r *ContainerdRuntime) NetworkMembers(ctx context.Context, network string) (map[string]string, error) {
	return nil, fmt.Errorf("%w: network %s", ErrUnsupported, network)
}

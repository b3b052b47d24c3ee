package runtime

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
)

// DefaultNamespace is the containerd namespace used for every instance
// this runtime manages.
const DefaultNamespace = "spearctl"

// DefaultSocketPath is the default containerd socket path.
const DefaultSocketPath = "/run/containerd/containerd.sock"

// ContainerRuntime implements the Runtime interface over containerd,
// directly adapted from the teacher's ContainerdRuntime
// (PullImage/CreateContainer/StartContainer/StopContainer/
// GetContainerStatus) onto the create_instance/start_instance/
// stop_instance/execute shape spec.md §4.10 names.
type ContainerRuntime struct {
	client    *containerd.Client
	namespace string

	mu       sync.Mutex
	configs  map[string]InstanceConfig
	starts   map[string]time.Time
}

// NewContainerRuntime connects to the containerd socket at socketPath
// ("" uses DefaultSocketPath).
func NewContainerRuntime(socketPath string) (*ContainerRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to containerd: %v", ErrRuntimeError, err)
	}
	return &ContainerRuntime{
		client:    client,
		namespace: DefaultNamespace,
		configs:   make(map[string]InstanceConfig),
		starts:    make(map[string]time.Time),
	}, nil
}

// Close closes the containerd client connection.
func (r *ContainerRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerRuntime) Kind() Kind { return KindContainer }

func (r *ContainerRuntime) CreateInstance(ctx context.Context, cfg InstanceConfig) (string, error) {
	if err := r.ValidateConfig(cfg); err != nil {
		return "", err
	}
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, cfg.Image)
	if err != nil {
		image, err = r.client.Pull(ctx, cfg.Image, containerd.WithPullUnpack)
		if err != nil {
			return "", fmt.Errorf("%w: failed to get image %s: %v", ErrRuntimeError, cfg.Image, err)
		}
	}

	opts := []oci.SpecOpts{oci.WithImageConfig(image)}
	var env []string
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	if len(env) > 0 {
		opts = append(opts, oci.WithEnv(env))
	}
	if len(cfg.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(cfg.Command...))
	}
	if cfg.Resources.CPUCores > 0 {
		shares := uint64(cfg.Resources.CPUCores * 1024)
		quota := int64(cfg.Resources.CPUCores * 100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, 100000))
	}
	if cfg.Resources.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(cfg.Resources.MemoryBytes)))
	}

	ctrdContainer, err := r.client.NewContainer(
		ctx,
		cfg.InstanceID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(cfg.InstanceID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create container: %v", ErrRuntimeError, err)
	}

	r.mu.Lock()
	r.configs[cfg.InstanceID] = cfg
	r.mu.Unlock()
	return ctrdContainer.ID(), nil
}

func (r *ContainerRuntime) StartInstance(ctx context.Context, instanceID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, instanceID)
	if err != nil {
		return ErrInstanceNotFound
	}
	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("%w: failed to create task: %v", ErrRuntimeError, err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("%w: failed to start task: %v", ErrRuntimeError, err)
	}

	r.mu.Lock()
	r.starts[instanceID] = time.Now()
	r.mu.Unlock()
	return nil
}

func (r *ContainerRuntime) StopInstance(ctx context.Context, instanceID string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, instanceID)
	if err != nil {
		return ErrInstanceNotFound
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("%w: failed to signal task: %v", ErrRuntimeError, err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("%w: failed to wait for task: %v", ErrRuntimeError, err)
	}
	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("%w: failed to force kill task: %v", ErrRuntimeError, err)
		}
	}
	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("%w: failed to delete task: %v", ErrRuntimeError, err)
	}
	return nil
}

// Execute is not a native containerd concept: the Container variant
// treats one instance as a long-running task and reports its current
// status, matching how the manager invokes runtimes for HTTP-driven
// workloads rather than one-shot invocations.
func (r *ContainerRuntime) Execute(ctx context.Context, instanceID string, ec ExecutionContext) (RuntimeExecutionResponse, error) {
	state, err := r.HealthCheck(ctx, instanceID)
	if err != nil {
		return RuntimeExecutionResponse{}, err
	}
	if state != InstanceRunning {
		return RuntimeExecutionResponse{}, ErrInstanceNotReady
	}
	return RuntimeExecutionResponse{
		ExecutionID:     ec.ExecutionID,
		ExecutionMode:   KindContainer,
		ExecutionStatus: ExecutionRunning,
		StatusEndpoint:  fmt.Sprintf("instance/%s", instanceID),
	}, nil
}

func (r *ContainerRuntime) HealthCheck(ctx context.Context, instanceID string) (InstanceState, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, instanceID)
	if err != nil {
		return "", ErrInstanceNotFound
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return InstanceCreating, nil
	}
	status, err := task.Status(ctx)
	if err != nil {
		return InstanceError, fmt.Errorf("%w: failed to get task status: %v", ErrRuntimeError, err)
	}
	switch status.Status {
	case containerd.Running, containerd.Paused:
		return InstanceRunning, nil
	case containerd.Stopped:
		return InstanceStopped, nil
	default:
		return InstanceStarting, nil
	}
}

func (r *ContainerRuntime) GetMetrics(ctx context.Context, instanceID string) (Metrics, error) {
	r.mu.Lock()
	started, ok := r.starts[instanceID]
	r.mu.Unlock()
	if !ok {
		return Metrics{}, nil
	}
	return Metrics{Uptime: time.Since(started)}, nil
}

func (r *ContainerRuntime) ScaleInstance(ctx context.Context, instanceID string, resources ResourceLimits) error {
	return &UnsupportedOperationError{Op: "scale_instance", Runtime: KindContainer}
}

func (r *ContainerRuntime) CleanupInstance(ctx context.Context, instanceID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	container, err := r.client.LoadContainer(ctx, instanceID)
	if err != nil {
		return nil
	}
	_ = r.StopInstance(ctx, instanceID, 10*time.Second)
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("%w: failed to delete container: %v", ErrRuntimeError, err)
	}
	r.mu.Lock()
	delete(r.configs, instanceID)
	delete(r.starts, instanceID)
	r.mu.Unlock()
	return nil
}

func (r *ContainerRuntime) ValidateConfig(cfg InstanceConfig) error {
	if cfg.Image == "" {
		return fmt.Errorf("%w: image is required for container runtime", ErrConfigurationErr)
	}
	return nil
}

func (r *ContainerRuntime) GetCapabilities() Capabilities {
	return Capabilities{SupportsMetrics: true, SupportsHealth: true, SupportedNetworks: []string{"bridge", "host"}}
}

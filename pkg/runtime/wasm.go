package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

type wasmHandle struct {
	cfg   InstanceConfig
	state InstanceState
}

// WasmRuntime executes WASM modules by shelling out to an external
// wasmtime/wasmer binary, the same way the teacher's Container variant
// shells out to the containerd socket rather than embedding a runtime:
// the retrieved pack carries no embeddable WASM SDK for Go.
type WasmRuntime struct {
	binary string

	mu        sync.Mutex
	instances map[string]*wasmHandle
}

// NewWasmRuntime constructs a WasmRuntime invoking binary ("wasmtime" if
// empty) to run modules.
func NewWasmRuntime(binary string) *WasmRuntime {
	if binary == "" {
		binary = "wasmtime"
	}
	return &WasmRuntime{binary: binary, instances: make(map[string]*wasmHandle)}
}

func (r *WasmRuntime) Kind() Kind { return KindWasm }

func (r *WasmRuntime) CreateInstance(ctx context.Context, cfg InstanceConfig) (string, error) {
	if err := r.ValidateConfig(cfg); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[cfg.InstanceID] = &wasmHandle{cfg: cfg, state: InstanceCreating}
	return cfg.InstanceID, nil
}

func (r *WasmRuntime) StartInstance(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.instances[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	h.state = InstanceRunning
	return nil
}

func (r *WasmRuntime) StopInstance(ctx context.Context, instanceID string, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.instances[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	h.state = InstanceStopped
	return nil
}

func (r *WasmRuntime) Execute(ctx context.Context, instanceID string, ec ExecutionContext) (RuntimeExecutionResponse, error) {
	r.mu.Lock()
	h, ok := r.instances[instanceID]
	r.mu.Unlock()
	if !ok {
		return RuntimeExecutionResponse{}, ErrInstanceNotFound
	}
	if h.state != InstanceRunning {
		return RuntimeExecutionResponse{}, ErrInstanceNotReady
	}

	started := time.Now()
	execCtx := ctx
	var cancel context.CancelFunc
	if !ec.Deadline.IsZero() {
		execCtx, cancel = context.WithDeadline(ctx, ec.Deadline)
		defer cancel()
	}

	args := append([]string{"run", h.cfg.Image}, h.cfg.Command...)
	cmd := exec.CommandContext(execCtx, r.binary, args...)
	cmd.Stdin = bytes.NewReader(ec.Input)
	var out bytes.Buffer
	cmd.Stdout = &out
	runErr := cmd.Run()
	dur := time.Since(started)

	resp := RuntimeExecutionResponse{
		ExecutionID:   ec.ExecutionID,
		ExecutionMode: KindWasm,
		Data:          out.Bytes(),
		DurationMs:    dur.Milliseconds(),
	}
	if execCtx.Err() == context.DeadlineExceeded {
		resp.ExecutionStatus = ExecutionTimeout
		resp.Error = ErrExecutionTimeout.Error()
		return resp, ErrExecutionTimeout
	}
	if runErr != nil {
		resp.ExecutionStatus = ExecutionFailed
		resp.Error = runErr.Error()
		return resp, fmt.Errorf("%w: %v", ErrRuntimeError, runErr)
	}
	resp.ExecutionStatus = ExecutionSucceeded
	return resp, nil
}

func (r *WasmRuntime) HealthCheck(ctx context.Context, instanceID string) (InstanceState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.instances[instanceID]
	if !ok {
		return "", ErrInstanceNotFound
	}
	return h.state, nil
}

func (r *WasmRuntime) GetMetrics(ctx context.Context, instanceID string) (Metrics, error) {
	r.mu.Lock()
	_, ok := r.instances[instanceID]
	r.mu.Unlock()
	if !ok {
		return Metrics{}, ErrInstanceNotFound
	}
	return Metrics{}, nil
}

func (r *WasmRuntime) ScaleInstance(ctx context.Context, instanceID string, resources ResourceLimits) error {
	return &UnsupportedOperationError{Op: "scale_instance", Runtime: KindWasm}
}

func (r *WasmRuntime) CleanupInstance(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, instanceID)
	return nil
}

func (r *WasmRuntime) ValidateConfig(cfg InstanceConfig) error {
	if cfg.Image == "" {
		return fmt.Errorf("%w: a .wasm module path is required", ErrConfigurationErr)
	}
	return nil
}

func (r *WasmRuntime) GetCapabilities() Capabilities {
	return Capabilities{SupportsHealth: true}
}

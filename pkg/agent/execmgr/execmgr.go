// Package execmgr is the Worker Agent execution manager (C9):
// ensure_artifact_from_sms/ensure_task_from_sms idempotent artifact and
// task binding, submit_execution lifecycle reporting, and cancellation.
// Grounded on the teacher's pkg/worker/worker.go executeContainer/
// stopContainer lifecycle (pull/create/start, monitor loop,
// stop-with-grace, mark terminal state), generalized from one container
// runtime to the pkg/runtime abstraction; artifact/task idempotence is
// grounded at the filename level on
// original_source/src/spearlet/execution/task.rs and instance.rs.
package execmgr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spearworks/spearctl/pkg/apitypes"
	"github.com/spearworks/spearctl/pkg/log"
	"github.com/spearworks/spearctl/pkg/runtime"
)

// ArtifactType mirrors the executable kind a runtime dispatches on.
type ArtifactType string

const (
	ArtifactProcess   ArtifactType = "process"
	ArtifactContainer ArtifactType = "container"
	ArtifactWasm      ArtifactType = "wasm"
)

// ArtifactRecord is the locally-derived identity of a task's executable.
type ArtifactRecord struct {
	ID       string
	Type     ArtifactType
	URI      string
	Version  string
	Checksum string
	Metadata map[string]string
}

// LocalTask is the Worker Agent's local record binding a task to an
// artifact.
type LocalTask struct {
	TaskID     string
	ArtifactID string
}

// MSReporter is the subset of the MS surface the execution manager calls
// to report lifecycle events, bound in cmd/wa to pkg/eventbus
// (in-process) or an RPC stub.
type MSReporter interface {
	ReportExecution(ctx context.Context, exe apitypes.Execution, op apitypes.EventOp) error
	ReportInstance(ctx context.Context, inst apitypes.Instance, op apitypes.EventOp) error
}

// ExecutionMode selects how submit_execution reports back to the
// caller, per spec.md §4.9.
type ExecutionMode string

const (
	ModeSync   ExecutionMode = "sync"
	ModeAsync  ExecutionMode = "async"
	ModeStream ExecutionMode = "stream"
)

// InvokeFunctionRequest is the inbound request submit_execution acts on.
type InvokeFunctionRequest struct {
	Task       apitypes.Task
	ExecutionID string
	Input       []byte
	Mode        ExecutionMode
	Wait        bool
	Deadline    time.Time
}

const logBackendSMS = "sms_log"

// Manager coordinates artifacts, local tasks, instances, and runtime
// dispatch for one Worker Agent process.
type Manager struct {
	nodeUUID string
	reporter MSReporter

	mu        sync.Mutex
	artifacts map[string]ArtifactRecord
	tasks     map[string]LocalTask
	instances map[string]*instanceState // keyed by task id: one instance per task
	runtimes  map[ArtifactType]runtime.Runtime
}

type instanceState struct {
	instance apitypes.Instance
	runtime  runtime.Runtime
	mu       sync.Mutex // serializes every execution on this instance; runtime capabilities are not consulted
}

// New constructs a Manager. runtimes maps artifact type to the runtime
// variant that executes it; a nil or missing entry falls back to
// ArtifactProcess's runtime.
func New(nodeUUID string, reporter MSReporter, runtimes map[ArtifactType]runtime.Runtime) *Manager {
	return &Manager{
		nodeUUID:  nodeUUID,
		reporter:  reporter,
		artifacts: make(map[string]ArtifactRecord),
		tasks:     make(map[string]LocalTask),
		instances: make(map[string]*instanceState),
		runtimes:  runtimes,
	}
}

func artifactTypeFromCode(code string) ArtifactType {
	switch code {
	case string(ArtifactContainer):
		return ArtifactContainer
	case string(ArtifactWasm):
		return ArtifactWasm
	default:
		return ArtifactProcess
	}
}

// EnsureArtifactFromSMS derives and idempotently records the
// ArtifactRecord for task.Executable, per spec.md §4.9.
func (m *Manager) EnsureArtifactFromSMS(task apitypes.Task) (ArtifactRecord, error) {
	if task.Executable == nil {
		return ArtifactRecord{}, fmt.Errorf("execmgr: task %s has no executable", task.TaskID)
	}
	ex := task.Executable

	var id string
	if ex.ChecksumSHA256 != "" {
		id = ex.ChecksumSHA256
	} else {
		sum := sha256.Sum256([]byte(ex.URI))
		id = hex.EncodeToString(sum[:])
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.artifacts[id]; ok {
		return existing, nil
	}

	rec := ArtifactRecord{
		ID:       id,
		Type:     artifactTypeFromCode(ex.Type),
		URI:      ex.URI,
		Version:  ex.Version,
		Checksum: ex.ChecksumSHA256,
		Metadata: map[string]string{"task_id": task.TaskID},
	}
	m.artifacts[id] = rec
	return rec, nil
}

// EnsureTaskFromSMS idempotently records a local Task bound to artifact.
func (m *Manager) EnsureTaskFromSMS(task apitypes.Task, artifact ArtifactRecord) (LocalTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.tasks[task.TaskID]; ok {
		return existing, nil
	}
	lt := LocalTask{TaskID: task.TaskID, ArtifactID: artifact.ID}
	m.tasks[task.TaskID] = lt
	return lt, nil
}

func (m *Manager) runtimeFor(artifactType ArtifactType) (runtime.Runtime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.runtimes[artifactType]; ok {
		return rt, nil
	}
	if rt, ok := m.runtimes[ArtifactProcess]; ok {
		return rt, nil
	}
	return nil, fmt.Errorf("execmgr: no runtime registered for artifact type %q", artifactType)
}

func (m *Manager) getOrCreateInstance(ctx context.Context, task apitypes.Task, artifact ArtifactRecord) (*instanceState, error) {
	m.mu.Lock()
	st, ok := m.instances[task.TaskID]
	m.mu.Unlock()
	if ok {
		return st, nil
	}

	rt, err := m.runtimeFor(artifact.Type)
	if err != nil {
		return nil, err
	}

	instanceID := uuid.NewString()
	cfg := runtime.InstanceConfig{
		TaskID:     task.TaskID,
		InstanceID: instanceID,
		Image:      artifact.URI,
		Env:        toEnv(task.TaskID, task.Config),
	}
	if _, err := rt.CreateInstance(ctx, cfg); err != nil {
		return nil, fmt.Errorf("execmgr: create instance: %w", err)
	}
	if err := rt.StartInstance(ctx, instanceID); err != nil {
		return nil, fmt.Errorf("execmgr: start instance: %w", err)
	}

	now := nowMs()
	st = &instanceState{
		runtime: rt,
		instance: apitypes.Instance{
			InstanceID:  instanceID,
			TaskID:      task.TaskID,
			NodeUUID:    m.nodeUUID,
			Status:      apitypes.InstanceStarting,
			CreatedAtMs: now,
			UpdatedAtMs: now,
			LastSeenMs:  now,
		},
	}

	m.mu.Lock()
	m.instances[task.TaskID] = st
	m.mu.Unlock()
	return st, nil
}

// toEnv builds an instance's environment from task config, seeding
// TASK_ID per spec §4.10 ("environment ... must contain TASK_ID");
// an explicit TASK_ID in cfg is overridden to keep it authoritative.
func toEnv(taskID string, cfg map[string]string) map[string]string {
	out := make(map[string]string, len(cfg)+1)
	for k, v := range cfg {
		out[k] = v
	}
	out["TASK_ID"] = taskID
	return out
}

func nowMs() int64 { return time.Now().UnixMilli() }

func defaultLogRef(executionID string) *apitypes.LogRef {
	return &apitypes.LogRef{
		Backend:     logBackendSMS,
		URIPrefix:   fmt.Sprintf("smslog://executions/%s/", executionID),
		ContentType: "text/plain",
	}
}

// SubmitExecution selects a runtime, obtains or creates an instance, and
// executes the request, reporting lifecycle events back to the MS per
// spec.md §4.9. For ModeSync/Wait=true, the execution completes before
// this call returns; otherwise a placeholder queued response is
// returned immediately and completion is reported asynchronously from a
// goroutine.
func (m *Manager) SubmitExecution(ctx context.Context, req InvokeFunctionRequest) (runtime.RuntimeExecutionResponse, error) {
	logger := log.WithComponent("agent.execmgr").With().Str("task_id", req.Task.TaskID).Logger()

	artifact, err := m.EnsureArtifactFromSMS(req.Task)
	if err != nil {
		return runtime.RuntimeExecutionResponse{}, err
	}
	if _, err := m.EnsureTaskFromSMS(req.Task, artifact); err != nil {
		return runtime.RuntimeExecutionResponse{}, err
	}

	st, err := m.getOrCreateInstance(ctx, req.Task, artifact)
	if err != nil {
		return runtime.RuntimeExecutionResponse{}, err
	}

	executionID := req.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}

	startedMs := nowMs()
	exe := apitypes.Execution{
		ExecutionID: executionID,
		TaskID:      req.Task.TaskID,
		NodeUUID:    m.nodeUUID,
		InstanceID:  st.instance.InstanceID,
		Status:      apitypes.ExecRunning,
		StartedAtMs: startedMs,
		LogRef:      defaultLogRef(executionID),
		UpdatedAtMs: startedMs,
	}
	if err := m.reporter.ReportExecution(ctx, exe, apitypes.OpCreate); err != nil {
		logger.Warn().Err(err).Msg("failed to report execution start")
	}

	m.mu.Lock()
	st.instance.Status = apitypes.InstanceRunning
	st.instance.LastSeenMs = startedMs
	st.instance.CurrentExecutionID = executionID
	st.instance.UpdatedAtMs = startedMs
	instSnapshot := st.instance
	m.mu.Unlock()
	if err := m.reporter.ReportInstance(ctx, instSnapshot, apitypes.OpUpdate); err != nil {
		logger.Warn().Err(err).Msg("failed to report instance update")
	}

	run := func() runtime.RuntimeExecutionResponse {
		st.mu.Lock()
		defer st.mu.Unlock()
		resp, execErr := st.runtime.Execute(ctx, st.instance.InstanceID, runtime.ExecutionContext{
			ExecutionID: executionID,
			Input:       req.Input,
			Deadline:    req.Deadline,
		})
		m.completeExecution(ctx, st, executionID, resp, execErr)
		return resp
	}

	if req.Mode == ModeSync || req.Wait {
		return run(), nil
	}

	go run()
	return runtime.RuntimeExecutionResponse{
		ExecutionID:     executionID,
		ExecutionMode:   st.runtime.Kind(),
		ExecutionStatus: runtime.ExecutionQueued,
		TaskID:          req.Task.TaskID,
		StatusEndpoint:  fmt.Sprintf("execution/%s", executionID),
	}, nil
}

func (m *Manager) completeExecution(ctx context.Context, st *instanceState, executionID string, resp runtime.RuntimeExecutionResponse, execErr error) {
	logger := log.WithComponent("agent.execmgr")

	status := apitypes.ExecSucceeded
	switch resp.ExecutionStatus {
	case runtime.ExecutionFailed:
		status = apitypes.ExecFailed
	case runtime.ExecutionCancelled:
		status = apitypes.ExecCancelled
	case runtime.ExecutionTimeout:
		status = apitypes.ExecTimeout
	}
	if execErr != nil && resp.ExecutionStatus == "" {
		status = apitypes.ExecFailed
	}

	now := nowMs()
	exe := apitypes.Execution{
		ExecutionID:   executionID,
		TaskID:        st.instance.TaskID,
		NodeUUID:      m.nodeUUID,
		InstanceID:    st.instance.InstanceID,
		Status:        status,
		CompletedAtMs: now,
		LogRef:        defaultLogRef(executionID),
		UpdatedAtMs:   now,
	}
	if err := m.reporter.ReportExecution(ctx, exe, apitypes.OpUpdate); err != nil {
		logger.Warn().Err(err).Msg("failed to report execution completion")
	}

	m.mu.Lock()
	st.instance.CurrentExecutionID = ""
	st.instance.UpdatedAtMs = now
	st.instance.LastSeenMs = now
	instSnapshot := st.instance
	m.mu.Unlock()
	if err := m.reporter.ReportInstance(ctx, instSnapshot, apitypes.OpUpdate); err != nil {
		logger.Warn().Err(err).Msg("failed to report instance completion")
	}
}

// DefaultStopGrace is used when Cancel is given no positive grace
// period.
const DefaultStopGrace = 10 * time.Second

// Cancel triggers stop_instance on the task's instance, passing grace to
// the runtime as the stop timeout, transitioning the instance
// stopping -> stopped, per spec.md §4.9.
func (m *Manager) Cancel(ctx context.Context, taskID string, grace time.Duration) error {
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	m.mu.Lock()
	st, ok := m.instances[taskID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("execmgr: no instance for task %s", taskID)
	}

	now := nowMs()
	m.mu.Lock()
	st.instance.Status = apitypes.InstanceStopping
	st.instance.UpdatedAtMs = now
	instSnapshot := st.instance
	m.mu.Unlock()
	if err := m.reporter.ReportInstance(ctx, instSnapshot, apitypes.OpUpdate); err != nil {
		log.WithComponent("agent.execmgr").Warn().Err(err).Msg("failed to report instance stopping")
	}

	if err := st.runtime.StopInstance(ctx, st.instance.InstanceID, grace); err != nil {
		return fmt.Errorf("execmgr: stop instance: %w", err)
	}

	now = nowMs()
	m.mu.Lock()
	st.instance.Status = apitypes.InstanceStopped
	st.instance.UpdatedAtMs = now
	instSnapshot = st.instance
	m.mu.Unlock()
	return m.reporter.ReportInstance(ctx, instSnapshot, apitypes.OpUpdate)
}

package execmgr_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spearworks/spearctl/pkg/agent/execmgr"
	"github.com/spearworks/spearctl/pkg/apitypes"
	"github.com/spearworks/spearctl/pkg/runtime"
)

type fakeRuntime struct {
	mu       sync.Mutex
	created  []string
	started  []string
	stopped  []string
	execFunc func(ctx context.Context, instanceID string, ec runtime.ExecutionContext) (runtime.RuntimeExecutionResponse, error)
}

func (f *fakeRuntime) Kind() runtime.Kind { return runtime.KindProcess }

func (f *fakeRuntime) CreateInstance(ctx context.Context, cfg runtime.InstanceConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, cfg.InstanceID)
	return cfg.InstanceID, nil
}

func (f *fakeRuntime) StartInstance(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, instanceID)
	return nil
}

func (f *fakeRuntime) StopInstance(ctx context.Context, instanceID string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, instanceID)
	return nil
}

func (f *fakeRuntime) Execute(ctx context.Context, instanceID string, ec runtime.ExecutionContext) (runtime.RuntimeExecutionResponse, error) {
	if f.execFunc != nil {
		return f.execFunc(ctx, instanceID, ec)
	}
	return runtime.RuntimeExecutionResponse{
		ExecutionID:     ec.ExecutionID,
		ExecutionStatus: runtime.ExecutionSucceeded,
		Data:            []byte("ok"),
	}, nil
}

func (f *fakeRuntime) HealthCheck(ctx context.Context, instanceID string) (runtime.InstanceState, error) {
	return runtime.InstanceRunning, nil
}
func (f *fakeRuntime) GetMetrics(ctx context.Context, instanceID string) (runtime.Metrics, error) {
	return runtime.Metrics{}, nil
}
func (f *fakeRuntime) ScaleInstance(ctx context.Context, instanceID string, resources runtime.ResourceLimits) error {
	return nil
}
func (f *fakeRuntime) CleanupInstance(ctx context.Context, instanceID string) error { return nil }
func (f *fakeRuntime) ValidateConfig(cfg runtime.InstanceConfig) error             { return nil }
func (f *fakeRuntime) GetCapabilities() runtime.Capabilities                       { return runtime.Capabilities{} }

type fakeReporter struct {
	mu         sync.Mutex
	executions []apitypes.Execution
	instances  []apitypes.Instance
}

func (r *fakeReporter) ReportExecution(ctx context.Context, exe apitypes.Execution, op apitypes.EventOp) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions = append(r.executions, exe)
	return nil
}

func (r *fakeReporter) ReportInstance(ctx context.Context, inst apitypes.Instance, op apitypes.EventOp) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances = append(r.instances, inst)
	return nil
}

func taskWithExecutable() apitypes.Task {
	return apitypes.Task{
		TaskID: "t1",
		Executable: &apitypes.ExecutableSpec{
			URI:  "file:///bin/true",
			Type: "process",
		},
	}
}

func TestEnsureArtifactFromSMS_IdempotentByChecksum(t *testing.T) {
	m := execmgr.New("n1", &fakeReporter{}, map[execmgr.ArtifactType]runtime.Runtime{})
	task := apitypes.Task{TaskID: "t1", Executable: &apitypes.ExecutableSpec{URI: "file:///bin/true", ChecksumSHA256: "abc123"}}

	a1, err := m.EnsureArtifactFromSMS(task)
	require.NoError(t, err)
	require.Equal(t, "abc123", a1.ID)

	a2, err := m.EnsureArtifactFromSMS(task)
	require.NoError(t, err)
	require.Equal(t, a1, a2)
}

func TestEnsureArtifactFromSMS_DerivesIDFromURIWhenNoChecksum(t *testing.T) {
	m := execmgr.New("n1", &fakeReporter{}, nil)
	task := apitypes.Task{TaskID: "t1", Executable: &apitypes.ExecutableSpec{URI: "file:///bin/true"}}

	a1, err := m.EnsureArtifactFromSMS(task)
	require.NoError(t, err)
	require.NotEmpty(t, a1.ID)

	a2, err := m.EnsureArtifactFromSMS(task)
	require.NoError(t, err)
	require.Equal(t, a1.ID, a2.ID)
}

func TestEnsureArtifactFromSMS_RequiresExecutable(t *testing.T) {
	m := execmgr.New("n1", &fakeReporter{}, nil)
	_, err := m.EnsureArtifactFromSMS(apitypes.Task{TaskID: "t1"})
	require.Error(t, err)
}

func TestSubmitExecution_SyncReportsLifecycle(t *testing.T) {
	rt := &fakeRuntime{}
	reporter := &fakeReporter{}
	m := execmgr.New("n1", reporter, map[execmgr.ArtifactType]runtime.Runtime{execmgr.ArtifactProcess: rt})

	resp, err := m.SubmitExecution(context.Background(), execmgr.InvokeFunctionRequest{
		Task: taskWithExecutable(),
		Mode: execmgr.ModeSync,
	})
	require.NoError(t, err)
	require.Equal(t, runtime.ExecutionSucceeded, resp.ExecutionStatus)

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	require.Len(t, reporter.executions, 2) // create(running) + update(succeeded)
	require.Equal(t, apitypes.ExecRunning, reporter.executions[0].Status)
	require.Equal(t, apitypes.ExecSucceeded, reporter.executions[1].Status)
	require.NotEmpty(t, reporter.instances)
	require.Equal(t, "sms_log", reporter.executions[0].LogRef.Backend)
}

func TestSubmitExecution_AsyncReturnsQueuedImmediately(t *testing.T) {
	rt := &fakeRuntime{}
	started := make(chan struct{})
	rt.execFunc = func(ctx context.Context, instanceID string, ec runtime.ExecutionContext) (runtime.RuntimeExecutionResponse, error) {
		close(started)
		return runtime.RuntimeExecutionResponse{ExecutionStatus: runtime.ExecutionSucceeded}, nil
	}
	reporter := &fakeReporter{}
	m := execmgr.New("n1", reporter, map[execmgr.ArtifactType]runtime.Runtime{execmgr.ArtifactProcess: rt})

	resp, err := m.SubmitExecution(context.Background(), execmgr.InvokeFunctionRequest{
		Task: taskWithExecutable(),
		Mode: execmgr.ModeAsync,
		Wait: false,
	})
	require.NoError(t, err)
	require.Equal(t, runtime.ExecutionQueued, resp.ExecutionStatus)
	require.NotEmpty(t, resp.StatusEndpoint)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("async execution never ran")
	}
}

func TestSubmitExecution_ReusesInstancePerTask(t *testing.T) {
	rt := &fakeRuntime{}
	m := execmgr.New("n1", &fakeReporter{}, map[execmgr.ArtifactType]runtime.Runtime{execmgr.ArtifactProcess: rt})

	_, err := m.SubmitExecution(context.Background(), execmgr.InvokeFunctionRequest{Task: taskWithExecutable(), Mode: execmgr.ModeSync})
	require.NoError(t, err)
	_, err = m.SubmitExecution(context.Background(), execmgr.InvokeFunctionRequest{Task: taskWithExecutable(), Mode: execmgr.ModeSync})
	require.NoError(t, err)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	require.Len(t, rt.created, 1) // one instance created and reused across executions
}

func TestCancel_TransitionsInstanceToStopped(t *testing.T) {
	rt := &fakeRuntime{}
	reporter := &fakeReporter{}
	m := execmgr.New("n1", reporter, map[execmgr.ArtifactType]runtime.Runtime{execmgr.ArtifactProcess: rt})

	_, err := m.SubmitExecution(context.Background(), execmgr.InvokeFunctionRequest{Task: taskWithExecutable(), Mode: execmgr.ModeSync})
	require.NoError(t, err)

	require.NoError(t, m.Cancel(context.Background(), "t1", 0))

	rt.mu.Lock()
	require.Len(t, rt.stopped, 1)
	rt.mu.Unlock()

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	last := reporter.instances[len(reporter.instances)-1]
	require.Equal(t, apitypes.InstanceStopped, last.Status)
}

func TestCancel_NoInstanceForTask(t *testing.T) {
	m := execmgr.New("n1", &fakeReporter{}, nil)
	err := m.Cancel(context.Background(), "missing-task", 0)
	require.Error(t, err)
}

type fakeTaskFetcher struct {
	tasks map[string]apitypes.Task
}

func (f *fakeTaskFetcher) GetTask(ctx context.Context, taskID string) (apitypes.Task, bool, error) {
	t, ok := f.tasks[taskID]
	return t, ok, nil
}

func TestEventDispatcher_HandleCreate_ShortRunningWaitsSync(t *testing.T) {
	rt := &fakeRuntime{}
	m := execmgr.New("n1", &fakeReporter{}, map[execmgr.ArtifactType]runtime.Runtime{execmgr.ArtifactProcess: rt})
	fetcher := &fakeTaskFetcher{tasks: map[string]apitypes.Task{
		"t1": {TaskID: "t1", ExecutionKind: apitypes.ExecutionShortRunning, Executable: &apitypes.ExecutableSpec{URI: "file:///bin/true"}},
	}}
	d := &execmgr.EventDispatcher{Manager: m, Tasks: fetcher}

	err := d.HandleCreate(context.Background(), apitypes.TaskEvent{TaskID: "t1", Kind: apitypes.TaskEventCreate})
	require.NoError(t, err)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	require.Len(t, rt.created, 1)
}

func TestEventDispatcher_HandleCreate_LongRunningDoesNotBlock(t *testing.T) {
	rt := &fakeRuntime{}
	release := make(chan struct{})
	rt.execFunc = func(ctx context.Context, instanceID string, ec runtime.ExecutionContext) (runtime.RuntimeExecutionResponse, error) {
		<-release
		return runtime.RuntimeExecutionResponse{ExecutionStatus: runtime.ExecutionSucceeded}, nil
	}
	m := execmgr.New("n1", &fakeReporter{}, map[execmgr.ArtifactType]runtime.Runtime{execmgr.ArtifactProcess: rt})
	fetcher := &fakeTaskFetcher{tasks: map[string]apitypes.Task{
		"t1": {TaskID: "t1", ExecutionKind: apitypes.ExecutionLongRunning, Executable: &apitypes.ExecutableSpec{URI: "file:///bin/true"}},
	}}
	d := &execmgr.EventDispatcher{Manager: m, Tasks: fetcher}

	done := make(chan error, 1)
	go func() { done <- d.HandleCreate(context.Background(), apitypes.TaskEvent{TaskID: "t1", Kind: apitypes.TaskEventCreate}) }()

	select {
	case err := <-done:
		close(release)
		require.NoError(t, err)
	case <-time.After(100 * time.Millisecond):
		close(release)
		t.Fatal("HandleCreate blocked on a long_running task")
	}
}

func TestEventDispatcher_HandleCreate_TaskNotFound(t *testing.T) {
	m := execmgr.New("n1", &fakeReporter{}, nil)
	d := &execmgr.EventDispatcher{Manager: m, Tasks: &fakeTaskFetcher{tasks: map[string]apitypes.Task{}}}
	err := d.HandleCreate(context.Background(), apitypes.TaskEvent{TaskID: "missing"})
	require.Error(t, err)
}

func TestEventDispatcher_HandleCancel_DelegatesToManager(t *testing.T) {
	rt := &fakeRuntime{}
	m := execmgr.New("n1", &fakeReporter{}, map[execmgr.ArtifactType]runtime.Runtime{execmgr.ArtifactProcess: rt})
	_, err := m.SubmitExecution(context.Background(), execmgr.InvokeFunctionRequest{Task: taskWithExecutable(), Mode: execmgr.ModeSync})
	require.NoError(t, err)

	d := &execmgr.EventDispatcher{Manager: m, Tasks: &fakeTaskFetcher{}}
	require.NoError(t, d.HandleCancel(context.Background(), apitypes.TaskEvent{TaskID: "t1"}))

	rt.mu.Lock()
	defer rt.mu.Unlock()
	require.Len(t, rt.stopped, 1)
}

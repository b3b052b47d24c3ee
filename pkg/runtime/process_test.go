package runtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spearworks/spearctl/pkg/runtime"
)

func TestProcessRuntime_CreateStartStopLifecycle(t *testing.T) {
	r := runtime.NewProcessRuntime()
	ctx := context.Background()

	cfg := runtime.InstanceConfig{
		TaskID:     "t1",
		InstanceID: "i1",
		Command:    []string{"sleep", "30"},
	}
	id, err := r.CreateInstance(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, "i1", id)

	require.NoError(t, r.StartInstance(ctx, id))

	state, err := r.HealthCheck(ctx, id)
	require.NoError(t, err)
	require.Equal(t, runtime.InstanceRunning, state)

	require.NoError(t, r.StopInstance(ctx, id, 2*time.Second))

	state, err = r.HealthCheck(ctx, id)
	require.NoError(t, err)
	require.Equal(t, runtime.InstanceStopped, state)
}

func TestProcessRuntime_ExecuteReturnsOutput(t *testing.T) {
	r := runtime.NewProcessRuntime()
	ctx := context.Background()

	cfg := runtime.InstanceConfig{
		InstanceID: "i1",
		Command:    []string{"echo", "hello"},
	}
	_, err := r.CreateInstance(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, r.StartInstance(ctx, "i1"))

	resp, err := r.Execute(ctx, "i1", runtime.ExecutionContext{ExecutionID: "e1"})
	require.NoError(t, err)
	require.Equal(t, runtime.ExecutionSucceeded, resp.ExecutionStatus)
	require.Contains(t, string(resp.Data), "hello")
}

func TestProcessRuntime_ExecuteFailsOnNonZeroExit(t *testing.T) {
	r := runtime.NewProcessRuntime()
	ctx := context.Background()
	cfg := runtime.InstanceConfig{InstanceID: "i1", Command: []string{"false"}}
	_, err := r.CreateInstance(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, r.StartInstance(ctx, "i1"))

	resp, err := r.Execute(ctx, "i1", runtime.ExecutionContext{ExecutionID: "e1"})
	require.Error(t, err)
	require.Equal(t, runtime.ExecutionFailed, resp.ExecutionStatus)
}

func TestProcessRuntime_ExecuteTimesOutOnDeadline(t *testing.T) {
	r := runtime.NewProcessRuntime()
	ctx := context.Background()
	cfg := runtime.InstanceConfig{InstanceID: "i1", Command: []string{"sleep", "5"}}
	_, err := r.CreateInstance(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, r.StartInstance(ctx, "i1"))

	resp, err := r.Execute(ctx, "i1", runtime.ExecutionContext{
		ExecutionID: "e1",
		Deadline:    time.Now().Add(20 * time.Millisecond),
	})
	require.ErrorIs(t, err, runtime.ErrExecutionTimeout)
	require.Equal(t, runtime.ExecutionTimeout, resp.ExecutionStatus)
}

func TestProcessRuntime_ExecuteBeforeStartReturnsNotReady(t *testing.T) {
	r := runtime.NewProcessRuntime()
	ctx := context.Background()
	_, err := r.CreateInstance(ctx, runtime.InstanceConfig{InstanceID: "i1", Command: []string{"true"}})
	require.NoError(t, err)

	_, err = r.Execute(ctx, "i1", runtime.ExecutionContext{ExecutionID: "e1"})
	require.ErrorIs(t, err, runtime.ErrInstanceNotReady)
}

func TestProcessRuntime_UnknownInstanceErrors(t *testing.T) {
	r := runtime.NewProcessRuntime()
	ctx := context.Background()
	_, err := r.HealthCheck(ctx, "missing")
	require.ErrorIs(t, err, runtime.ErrInstanceNotFound)

	err = r.StopInstance(ctx, "missing", time.Second)
	require.ErrorIs(t, err, runtime.ErrInstanceNotFound)
}

func TestProcessRuntime_ValidateConfigRequiresCommand(t *testing.T) {
	r := runtime.NewProcessRuntime()
	err := r.ValidateConfig(runtime.InstanceConfig{InstanceID: "i1"})
	require.ErrorIs(t, err, runtime.ErrConfigurationErr)
}

func TestProcessRuntime_ScaleInstanceUnsupported(t *testing.T) {
	r := runtime.NewProcessRuntime()
	ctx := context.Background()
	_, err := r.CreateInstance(ctx, runtime.InstanceConfig{InstanceID: "i1", Command: []string{"true"}})
	require.NoError(t, err)

	err = r.ScaleInstance(ctx, "i1", runtime.ResourceLimits{})
	var unsupported *runtime.UnsupportedOperationError
	require.ErrorAs(t, err, &unsupported)
}

func TestProcessRuntime_CleanupRemovesInstance(t *testing.T) {
	r := runtime.NewProcessRuntime()
	ctx := context.Background()
	_, err := r.CreateInstance(ctx, runtime.InstanceConfig{InstanceID: "i1", Command: []string{"true"}})
	require.NoError(t, err)

	require.NoError(t, r.CleanupInstance(ctx, "i1"))
	_, err = r.HealthCheck(ctx, "i1")
	require.ErrorIs(t, err, runtime.ErrInstanceNotFound)
}

func TestProcessRuntime_GetCapabilities(t *testing.T) {
	r := runtime.NewProcessRuntime()
	caps := r.GetCapabilities()
	require.True(t, caps.SupportsMetrics)
	require.True(t, caps.SupportsHealth)
	require.False(t, caps.SupportsScale)
}

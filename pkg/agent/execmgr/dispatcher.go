package execmgr

import (
	"context"
	"fmt"

	"github.com/spearworks/spearctl/pkg/apitypes"
)

// TaskFetcher resolves full task details from a task id, as needed to
// act on a TaskEvent that only carries the id, per spec.md §4.8's "fetch
// task details" step.
type TaskFetcher interface {
	GetTask(ctx context.Context, taskID string) (apitypes.Task, bool, error)
}

// EventDispatcher adapts a Manager to pkg/agent/consumer's Dispatcher
// interface (satisfied structurally, not by import, to avoid a cycle
// between execmgr and consumer).
type EventDispatcher struct {
	Manager *Manager
	Tasks   TaskFetcher
}

// HandleCreate fetches task details and submits an execution, choosing
// sync+wait for short_running tasks and async+no-wait for long_running
// tasks per spec.md §4.8.
func (d *EventDispatcher) HandleCreate(ctx context.Context, evt apitypes.TaskEvent) error {
	task, ok, err := d.Tasks.GetTask(ctx, evt.TaskID)
	if err != nil {
		return fmt.Errorf("execmgr: fetch task %s: %w", evt.TaskID, err)
	}
	if !ok {
		return fmt.Errorf("execmgr: task %s not found", evt.TaskID)
	}

	mode := ModeAsync
	wait := false
	if evt.ExecutionKind == apitypes.ExecutionShortRunning || task.ExecutionKind == apitypes.ExecutionShortRunning {
		mode = ModeSync
		wait = true
	}

	_, err = d.Manager.SubmitExecution(ctx, InvokeFunctionRequest{
		Task:        task,
		ExecutionID: evt.ExecutionID,
		Mode:        mode,
		Wait:        wait,
	})
	return err
}

// HandleCancel triggers cancellation of the running instance for the
// event's task.
func (d *EventDispatcher) HandleCancel(ctx context.Context, evt apitypes.TaskEvent) error {
	return d.Manager.Cancel(ctx, evt.TaskID, DefaultStopGrace)
}

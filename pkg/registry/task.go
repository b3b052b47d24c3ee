package registry

import (
	"fmt"

	"context"

	"github.com/spearworks/spearctl/pkg/apitypes"
	"github.com/spearworks/spearctl/pkg/keyspace"
)

// TaskFilters narrows ListTasks by the fields named in spec §6.
type TaskFilters struct {
	Status   string
	NodeUUID string
	Priority apitypes.TaskPriority
}

// RegisterTask creates or replaces a task record and publishes a create
// event whenever the task names a node, including on replace.
func (r *Registry) RegisterTask(ctx context.Context, t apitypes.Task) (apitypes.Task, error) {
	if t.TaskID == "" {
		return apitypes.Task{}, fmt.Errorf("%w: task_id is required", apitypes.ErrInvalidArg)
	}
	if err := keyspace.Sanitize(t.TaskID); err != nil {
		return apitypes.Task{}, fmt.Errorf("%w: %v", apitypes.ErrInvalidArg, err)
	}
	if t.RegisteredAt == 0 {
		t.RegisteredAt = nowMs()
	}
	if t.ExecutionKind == "" {
		t.ExecutionKind = apitypes.ExecutionShortRunning
	}
	if t.Priority == "" {
		t.Priority = apitypes.PriorityNormal
	}
	if t.Metadata == nil {
		t.Metadata = map[string]string{}
	}
	if t.Config == nil {
		t.Config = map[string]string{}
	}

	err := r.withLock(func() error { return r.putTask(ctx, t) })
	if err != nil {
		return apitypes.Task{}, err
	}
	if t.NodeUUID != "" {
		if _, err := r.bus.PublishTaskEvent(ctx, t, apitypes.TaskEventCreate); err != nil {
			r.logger.Warn().Err(err).Str("task_id", t.TaskID).Msg("failed to publish task create event")
		}
	}
	return t, nil
}

// GetTask returns a task record.
func (r *Registry) GetTask(ctx context.Context, taskID string) (apitypes.Task, bool, error) {
	raw, ok, err := r.kv.Get(ctx, keyspace.TaskKey(taskID))
	if err != nil {
		return apitypes.Task{}, false, fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
	}
	if !ok {
		return apitypes.Task{}, false, nil
	}
	var t apitypes.Task
	if err := keyspace.Unmarshal(raw, &t); err != nil {
		return apitypes.Task{}, false, err
	}
	return t, true, nil
}

// ListTasks returns tasks matching filters, paginated by limit/offset.
func (r *Registry) ListTasks(ctx context.Context, filters TaskFilters, limit, offset int) ([]apitypes.Task, error) {
	pairs, err := r.kv.ScanPrefix(ctx, keyspace.PrefixTask)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
	}
	var matched []apitypes.Task
	for _, p := range pairs {
		var t apitypes.Task
		if err := keyspace.Unmarshal(p.Value, &t); err != nil {
			continue
		}
		if filters.Status != "" && t.Status != filters.Status {
			continue
		}
		if filters.NodeUUID != "" && t.NodeUUID != filters.NodeUUID {
			continue
		}
		if filters.Priority != "" && t.Priority != filters.Priority {
			continue
		}
		matched = append(matched, t)
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return []apitypes.Task{}, nil
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return matched[offset:end], nil
}

// UnregisterTask is a soft state transition: status moves to
// "unregistered" and a cancel event is published; the record is kept.
func (r *Registry) UnregisterTask(ctx context.Context, taskID, reason string) error {
	t, ok, err := r.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: task %s", apitypes.ErrNotFound, taskID)
	}
	t.Status = "unregistered"
	if t.Metadata == nil {
		t.Metadata = map[string]string{}
	}
	t.Metadata["unregister_reason"] = reason
	if err := r.withLock(func() error { return r.putTask(ctx, t) }); err != nil {
		return err
	}
	if t.NodeUUID != "" {
		if _, err := r.bus.PublishTaskEvent(ctx, t, apitypes.TaskEventCancel); err != nil {
			r.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to publish task cancel event")
		}
	}
	return nil
}

func (r *Registry) putTask(ctx context.Context, t apitypes.Task) error {
	val, err := keyspace.Marshal(t)
	if err != nil {
		return err
	}
	if err := r.kv.Put(ctx, keyspace.TaskKey(t.TaskID), val); err != nil {
		return fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
	}
	return nil
}

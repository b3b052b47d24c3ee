// Package projection maintains the task_active_instances and
// instance_recent_executions indexes described in spec §4.4, directly
// grounded on original_source/src/sms/instance_execution_index.rs.
package projection

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/spearworks/spearctl/pkg/apitypes"
	"github.com/spearworks/spearctl/pkg/keyspace"
	"github.com/spearworks/spearctl/pkg/kv"
)

const (
	DefaultMaxActiveInstancesPerTask     = 256
	DefaultMaxRecentExecutionsPerInstance = 1000
	DefaultStaleAfterMs                   = 120_000
)

// Index is the task_active_instances / instance_recent_executions
// projection, driven by Apply calls from a stream consumer (see drive.go).
type Index struct {
	kv kv.Store

	maxActiveInstancesPerTask      int
	maxRecentExecutionsPerInstance int
	staleAfterMs                   int64
}

// New constructs an Index. Zero-valued caps fall back to spec defaults.
func New(store kv.Store, maxActiveInstancesPerTask, maxRecentExecutionsPerInstance int, staleAfterMs int64) *Index {
	if maxActiveInstancesPerTask <= 0 {
		maxActiveInstancesPerTask = DefaultMaxActiveInstancesPerTask
	}
	if maxRecentExecutionsPerInstance <= 0 {
		maxRecentExecutionsPerInstance = DefaultMaxRecentExecutionsPerInstance
	}
	if staleAfterMs <= 0 {
		staleAfterMs = DefaultStaleAfterMs
	}
	return &Index{
		kv:                             store,
		maxActiveInstancesPerTask:      maxActiveInstancesPerTask,
		maxRecentExecutionsPerInstance: maxRecentExecutionsPerInstance,
		staleAfterMs:                   staleAfterMs,
	}
}

// UpsertInstance writes inst if no stored record exists or the stored
// record's UpdatedAtMs is not larger (monotonic upsert, invariant 4).
// Returns whether the write happened and the resulting UpdatedAtMs.
func (ix *Index) UpsertInstance(ctx context.Context, inst apitypes.Instance) (bool, int64, error) {
	if inst.InstanceID == "" || inst.TaskID == "" || inst.NodeUUID == "" {
		return false, 0, fmt.Errorf("%w: instance_id, task_id, node_uuid are required", apitypes.ErrInvalidArg)
	}
	key := keyspace.InstanceKey(inst.InstanceID)
	if existing, ok, err := ix.getInstance(ctx, key); err != nil {
		return false, 0, err
	} else if ok && existing.UpdatedAtMs > inst.UpdatedAtMs {
		return false, existing.UpdatedAtMs, nil
	}
	val, err := keyspace.Marshal(inst)
	if err != nil {
		return false, 0, err
	}
	if err := ix.kv.Put(ctx, key, val); err != nil {
		return false, 0, fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
	}
	return true, inst.UpdatedAtMs, nil
}

// UpsertExecution is UpsertInstance's execution analogue.
func (ix *Index) UpsertExecution(ctx context.Context, exe apitypes.Execution) (bool, int64, error) {
	if exe.ExecutionID == "" || exe.TaskID == "" || exe.NodeUUID == "" || exe.InstanceID == "" {
		return false, 0, fmt.Errorf("%w: execution_id, task_id, node_uuid, instance_id are required", apitypes.ErrInvalidArg)
	}
	key := keyspace.ExecutionKey(exe.ExecutionID)
	if existing, ok, err := ix.getExecution(ctx, key); err != nil {
		return false, 0, err
	} else if ok && existing.UpdatedAtMs > exe.UpdatedAtMs {
		return false, existing.UpdatedAtMs, nil
	}
	val, err := keyspace.Marshal(exe)
	if err != nil {
		return false, 0, err
	}
	if err := ix.kv.Put(ctx, key, val); err != nil {
		return false, 0, fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
	}
	return true, exe.UpdatedAtMs, nil
}

func (ix *Index) getInstance(ctx context.Context, key string) (apitypes.Instance, bool, error) {
	raw, ok, err := ix.kv.Get(ctx, key)
	if err != nil {
		return apitypes.Instance{}, false, fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
	}
	if !ok {
		return apitypes.Instance{}, false, nil
	}
	var out apitypes.Instance
	if err := keyspace.Unmarshal(raw, &out); err != nil {
		return apitypes.Instance{}, false, err
	}
	return out, true, nil
}

func (ix *Index) getExecution(ctx context.Context, key string) (apitypes.Execution, bool, error) {
	raw, ok, err := ix.kv.Get(ctx, key)
	if err != nil {
		return apitypes.Execution{}, false, fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
	}
	if !ok {
		return apitypes.Execution{}, false, nil
	}
	var out apitypes.Execution
	if err := keyspace.Unmarshal(raw, &out); err != nil {
		return apitypes.Execution{}, false, err
	}
	return out, true, nil
}

// GetExecution returns a stored execution record, if any.
func (ix *Index) GetExecution(ctx context.Context, executionID string) (apitypes.Execution, bool, error) {
	if executionID == "" {
		return apitypes.Execution{}, false, nil
	}
	return ix.getExecution(ctx, keyspace.ExecutionKey(executionID))
}

// GetInstance returns a stored instance record, if any.
func (ix *Index) GetInstance(ctx context.Context, instanceID string) (apitypes.Instance, bool, error) {
	if instanceID == "" {
		return apitypes.Instance{}, false, nil
	}
	return ix.getInstance(ctx, keyspace.InstanceKey(instanceID))
}

// isActiveAndFresh implements spec §4.4's active-and-fresh predicate.
func isActiveAndFresh(status apitypes.InstanceStatus, lastSeenMs, nowMs, staleAfterMs int64) bool {
	if lastSeenMs <= 0 {
		return false
	}
	if nowMs-lastSeenMs > staleAfterMs {
		return false
	}
	return status != apitypes.InstanceTerminated && status != apitypes.InstanceUnknown
}

// ListTaskInstances returns a page of the task_active_instances index.
func (ix *Index) ListTaskInstances(ctx context.Context, taskID string, nowMs int64, limit int, pageToken string) ([]apitypes.InstanceSummary, string, error) {
	list, err := ix.loadInstanceSummaries(ctx, keyspace.TaskActiveInstancesKey(taskID))
	if err != nil {
		return nil, "", err
	}
	filtered := list[:0:0]
	for _, s := range list {
		if isActiveAndFresh(s.Status, s.LastSeenMs, nowMs, ix.staleAfterMs) {
			filtered = append(filtered, s)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].LastSeenMs > filtered[j].LastSeenMs })
	return paginateInstances(filtered, limit, pageToken, ix.maxActiveInstancesPerTask)
}

// ListInstanceExecutions returns a page of the instance_recent_executions index.
func (ix *Index) ListInstanceExecutions(ctx context.Context, instanceID string, limit int, pageToken string) ([]apitypes.ExecutionSummary, string, error) {
	list, err := ix.loadExecutionSummaries(ctx, keyspace.InstanceRecentExecutionsKey(instanceID))
	if err != nil {
		return nil, "", err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].StartedAtMs > list[j].StartedAtMs })
	return paginateExecutions(list, limit, pageToken, ix.maxRecentExecutionsPerInstance)
}

func parseOffset(token string) int {
	v, err := strconv.Atoi(token)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func clampLimit(limit, cap int) int {
	if limit <= 0 {
		limit = 1
	}
	if limit > cap {
		limit = cap
	}
	return limit
}

func paginateInstances(list []apitypes.InstanceSummary, limit int, token string, cap int) ([]apitypes.InstanceSummary, string, error) {
	offset := parseOffset(token)
	limit = clampLimit(limit, cap)
	if offset >= len(list) {
		return nil, "", nil
	}
	end := offset + limit
	if end > len(list) {
		end = len(list)
	}
	page := append([]apitypes.InstanceSummary(nil), list[offset:end]...)
	next := ""
	if end < len(list) {
		next = strconv.Itoa(end)
	}
	return page, next, nil
}

func paginateExecutions(list []apitypes.ExecutionSummary, limit int, token string, cap int) ([]apitypes.ExecutionSummary, string, error) {
	offset := parseOffset(token)
	limit = clampLimit(limit, cap)
	if offset >= len(list) {
		return nil, "", nil
	}
	end := offset + limit
	if end > len(list) {
		end = len(list)
	}
	page := append([]apitypes.ExecutionSummary(nil), list[offset:end]...)
	next := ""
	if end < len(list) {
		next = strconv.Itoa(end)
	}
	return page, next, nil
}

func (ix *Index) loadInstanceSummaries(ctx context.Context, key string) ([]apitypes.InstanceSummary, error) {
	raw, ok, err := ix.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
	}
	if !ok {
		return nil, nil
	}
	var out []apitypes.InstanceSummary
	if err := keyspace.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (ix *Index) storeInstanceSummaries(ctx context.Context, key string, list []apitypes.InstanceSummary) error {
	val, err := keyspace.Marshal(list)
	if err != nil {
		return err
	}
	if err := ix.kv.Put(ctx, key, val); err != nil {
		return fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
	}
	return nil
}

func (ix *Index) loadExecutionSummaries(ctx context.Context, key string) ([]apitypes.ExecutionSummary, error) {
	raw, ok, err := ix.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
	}
	if !ok {
		return nil, nil
	}
	var out []apitypes.ExecutionSummary
	if err := keyspace.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (ix *Index) storeExecutionSummaries(ctx context.Context, key string, list []apitypes.ExecutionSummary) error {
	val, err := keyspace.Marshal(list)
	if err != nil {
		return err
	}
	if err := ix.kv.Put(ctx, key, val); err != nil {
		return fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
	}
	return nil
}

// updateTaskActiveInstances removes any prior entry for inst.InstanceID,
// filters stale peers, re-inserts if fresh, sorts, and truncates to cap.
func (ix *Index) updateTaskActiveInstances(ctx context.Context, inst apitypes.Instance, nowMs int64) error {
	key := keyspace.TaskActiveInstancesKey(inst.TaskID)
	list, err := ix.loadInstanceSummaries(ctx, key)
	if err != nil {
		return err
	}
	kept := list[:0:0]
	for _, s := range list {
		if s.InstanceID == inst.InstanceID {
			continue
		}
		if isActiveAndFresh(s.Status, s.LastSeenMs, nowMs, ix.staleAfterMs) {
			kept = append(kept, s)
		}
	}
	if isActiveAndFresh(inst.Status, inst.LastSeenMs, nowMs, ix.staleAfterMs) {
		kept = append(kept, apitypes.InstanceSummary{
			InstanceID:         inst.InstanceID,
			NodeUUID:           inst.NodeUUID,
			Status:             inst.Status,
			LastSeenMs:         inst.LastSeenMs,
			CurrentExecutionID: inst.CurrentExecutionID,
		})
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].LastSeenMs > kept[j].LastSeenMs })
	if len(kept) > ix.maxActiveInstancesPerTask {
		kept = kept[:ix.maxActiveInstancesPerTask]
	}
	return ix.storeInstanceSummaries(ctx, key, kept)
}

func (ix *Index) removeFromTaskActiveInstances(ctx context.Context, taskID, instanceID string) error {
	key := keyspace.TaskActiveInstancesKey(taskID)
	list, err := ix.loadInstanceSummaries(ctx, key)
	if err != nil {
		return err
	}
	before := len(list)
	kept := list[:0:0]
	for _, s := range list {
		if s.InstanceID != instanceID {
			kept = append(kept, s)
		}
	}
	if len(kept) != before {
		return ix.storeInstanceSummaries(ctx, key, kept)
	}
	return nil
}

func (ix *Index) updateInstanceRecentExecutions(ctx context.Context, exe apitypes.Execution) error {
	key := keyspace.InstanceRecentExecutionsKey(exe.InstanceID)
	list, err := ix.loadExecutionSummaries(ctx, key)
	if err != nil {
		return err
	}
	kept := list[:0:0]
	for _, s := range list {
		if s.ExecutionID != exe.ExecutionID {
			kept = append(kept, s)
		}
	}
	kept = append(kept, apitypes.ExecutionSummary{
		ExecutionID:   exe.ExecutionID,
		TaskID:        exe.TaskID,
		Status:        exe.Status,
		StartedAtMs:   exe.StartedAtMs,
		CompletedAtMs: exe.CompletedAtMs,
		FunctionName:  exe.FunctionName,
	})
	sort.Slice(kept, func(i, j int) bool { return kept[i].StartedAtMs > kept[j].StartedAtMs })
	if len(kept) > ix.maxRecentExecutionsPerInstance {
		kept = kept[:ix.maxRecentExecutionsPerInstance]
	}
	return ix.storeExecutionSummaries(ctx, key, kept)
}

func (ix *Index) removeFromInstanceRecentExecutions(ctx context.Context, instanceID, executionID string) error {
	if instanceID == "" || executionID == "" {
		return nil
	}
	key := keyspace.InstanceRecentExecutionsKey(instanceID)
	list, err := ix.loadExecutionSummaries(ctx, key)
	if err != nil {
		return err
	}
	before := len(list)
	kept := list[:0:0]
	for _, s := range list {
		if s.ExecutionID != executionID {
			kept = append(kept, s)
		}
	}
	if len(kept) != before {
		return ix.storeExecutionSummaries(ctx, key, kept)
	}
	return nil
}

// deleteInstance removes the instance record and its active-index entry.
func (ix *Index) deleteInstance(ctx context.Context, instanceID, taskID string) error {
	if instanceID != "" {
		if _, err := ix.kv.Delete(ctx, keyspace.InstanceKey(instanceID)); err != nil {
			return fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
		}
	}
	if taskID != "" {
		return ix.removeFromTaskActiveInstances(ctx, taskID, instanceID)
	}
	return nil
}

func (ix *Index) deleteExecution(ctx context.Context, executionID string) error {
	if executionID == "" {
		return nil
	}
	if _, err := ix.kv.Delete(ctx, keyspace.ExecutionKey(executionID)); err != nil {
		return fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
	}
	return nil
}

// ApplyInstanceEvent applies a decoded Instance envelope to the index.
func (ix *Index) ApplyInstanceEvent(ctx context.Context, op apitypes.EventOp, inst apitypes.Instance, nowMs int64) error {
	if op == apitypes.OpDelete {
		return ix.deleteInstance(ctx, inst.InstanceID, inst.TaskID)
	}
	if _, _, err := ix.UpsertInstance(ctx, inst); err != nil {
		return err
	}
	return ix.updateTaskActiveInstances(ctx, inst, nowMs)
}

// ApplyExecutionEvent applies a decoded Execution envelope to the index.
// Per spec §4.4 and §9's documented Open Question, a running-instance
// record stamped with nowMs is upserted for the execution's instance, so
// cross-ordering (execution arrives before instance) still yields a
// consistent active index. Since the upsert keeps whichever record has
// the larger updated_at_ms, this can briefly resurrect an instance
// reported terminated when nowMs is later than that report's
// updated_at_ms; treated as intentional per spec.
func (ix *Index) ApplyExecutionEvent(ctx context.Context, op apitypes.EventOp, exe apitypes.Execution, nowMs int64) error {
	if op == apitypes.OpDelete {
		if err := ix.deleteExecution(ctx, exe.ExecutionID); err != nil {
			return err
		}
		return ix.removeFromInstanceRecentExecutions(ctx, exe.InstanceID, exe.ExecutionID)
	}
	if _, _, err := ix.UpsertExecution(ctx, exe); err != nil {
		return err
	}
	if err := ix.updateInstanceRecentExecutions(ctx, exe); err != nil {
		return err
	}
	if exe.InstanceID != "" && exe.TaskID != "" {
		synth := apitypes.Instance{
			InstanceID:         exe.InstanceID,
			TaskID:             exe.TaskID,
			NodeUUID:           exe.NodeUUID,
			Status:             apitypes.InstanceRunning,
			UpdatedAtMs:        nowMs,
			LastSeenMs:         nowMs,
			CurrentExecutionID: exe.ExecutionID,
			Metadata:           map[string]string{},
		}
		if _, _, err := ix.UpsertInstance(ctx, synth); err != nil {
			return err
		}
		return ix.updateTaskActiveInstances(ctx, synth, nowMs)
	}
	return nil
}

// LoadCheckpoint returns the last applied stream sequence for a named
// projection, defaulting to 0 when absent.
func (ix *Index) LoadCheckpoint(ctx context.Context, name string) (uint64, error) {
	raw, ok, err := ix.kv.Get(ctx, keyspace.ProjectionCheckpointKey(name))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
	}
	if !ok {
		return 0, nil
	}
	return keyspace.ParseCheckpoint(string(raw)), nil
}

// StoreCheckpoint persists the last applied stream sequence.
func (ix *Index) StoreCheckpoint(ctx context.Context, name string, seq uint64) error {
	if err := ix.kv.Put(ctx, keyspace.ProjectionCheckpointKey(name), []byte(keyspace.FormatCheckpoint(seq))); err != nil {
		return fmt.Errorf("%w: %v", apitypes.ErrStorage, err)
	}
	return nil
}

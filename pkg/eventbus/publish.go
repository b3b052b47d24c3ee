package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spearworks/spearctl/pkg/apitypes"
)

// anyOf wraps v's JSON encoding as an AnyPayload tagged with typeURL.
// This stands in for google.protobuf.Any (anypb) in the absence of a
// generated schema for these domain messages (see DESIGN.md).
func anyOf(typeURL string, v any) *apitypes.AnyPayload {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return &apitypes.AnyPayload{TypeURL: typeURL, Value: b}
}

func nowMs() int64 { return time.Now().UnixMilli() }

// PublishTaskEvent emits a TaskEvent on the owning node's stream plus the
// all/type/resource streams, per §4.3.
func (b *Bus) PublishTaskEvent(ctx context.Context, task apitypes.Task, kind apitypes.TaskEventKind) (uint64, error) {
	op := apitypes.OpUnknown
	switch kind {
	case apitypes.TaskEventCreate:
		op = apitypes.OpCreate
	case apitypes.TaskEventUpdate:
		op = apitypes.OpUpdate
	case apitypes.TaskEventCancel:
		op = apitypes.OpCancel
	}

	payload := apitypes.TaskEvent{
		TsS:           time.Now().Unix(),
		NodeUUID:      task.NodeUUID,
		TaskID:        task.TaskID,
		Kind:          kind,
		ExecutionKind: task.ExecutionKind,
	}

	env := apitypes.EventEnvelope{
		EventID:       NewEventID(),
		TsMs:          nowMs(),
		ResourceType:  apitypes.ResourceTask,
		ResourceID:    task.TaskID,
		Op:            op,
		SchemaVersion: 1,
		NodeUUID:      task.NodeUUID,
		Headers:       map[string]string{},
		Payload:       anyOf("spearctl.TaskEvent", payload),
		ContentType:   "application/json",
	}

	streams := []string{
		NodeStream(task.NodeUUID),
		AllStream(),
		TypeStream(apitypes.ResourceTask),
		ResourceStream(apitypes.ResourceTask, task.TaskID),
	}
	return b.Append(ctx, env, streams)
}

// PublishNodeEvent emits a Node create/update event.
func (b *Bus) PublishNodeEvent(ctx context.Context, node apitypes.Node, op apitypes.EventOp) (uint64, error) {
	env := apitypes.EventEnvelope{
		EventID:       NewEventID(),
		TsMs:          nowMs(),
		ResourceType:  apitypes.ResourceNode,
		ResourceID:    node.UUID,
		Op:            op,
		SchemaVersion: 1,
		NodeUUID:      node.UUID,
		Headers:       map[string]string{},
		Payload:       anyOf("spearctl.Node", node),
		ContentType:   "application/json",
	}
	streams := []string{
		NodeStream(node.UUID),
		AllStream(),
		TypeStream(apitypes.ResourceNode),
		ResourceStream(apitypes.ResourceNode, node.UUID),
	}
	return b.Append(ctx, env, streams)
}

// PublishNodeDeleted emits a Node delete event with no payload.
func (b *Bus) PublishNodeDeleted(ctx context.Context, nodeUUID string) (uint64, error) {
	env := apitypes.EventEnvelope{
		EventID:       NewEventID(),
		TsMs:          nowMs(),
		ResourceType:  apitypes.ResourceNode,
		ResourceID:    nodeUUID,
		Op:            apitypes.OpDelete,
		SchemaVersion: 1,
		NodeUUID:      nodeUUID,
		Headers:       map[string]string{},
	}
	streams := []string{
		NodeStream(nodeUUID),
		AllStream(),
		TypeStream(apitypes.ResourceNode),
		ResourceStream(apitypes.ResourceNode, nodeUUID),
	}
	return b.Append(ctx, env, streams)
}

// PublishInstanceEvent emits an Instance event, additionally appending to
// the owning task's resource stream when TaskID is set.
func (b *Bus) PublishInstanceEvent(ctx context.Context, inst apitypes.Instance, op apitypes.EventOp) (uint64, error) {
	env := apitypes.EventEnvelope{
		EventID:       NewEventID(),
		TsMs:          nowMs(),
		ResourceType:  apitypes.ResourceInstance,
		ResourceID:    inst.InstanceID,
		Op:            op,
		SchemaVersion: 1,
		NodeUUID:      inst.NodeUUID,
		Headers:       map[string]string{},
		Payload:       anyOf("spearctl.Instance", inst),
		ContentType:   "application/json",
	}
	streams := []string{
		NodeStream(inst.NodeUUID),
		AllStream(),
		TypeStream(apitypes.ResourceInstance),
		ResourceStream(apitypes.ResourceInstance, inst.InstanceID),
	}
	if inst.TaskID != "" {
		streams = append(streams, ResourceStream(apitypes.ResourceTask, inst.TaskID))
	}
	return b.Append(ctx, env, streams)
}

// PublishExecutionEvent emits an Execution event, additionally appending
// to the owning task's and instance's resource streams when set.
func (b *Bus) PublishExecutionEvent(ctx context.Context, exe apitypes.Execution, op apitypes.EventOp) (uint64, error) {
	env := apitypes.EventEnvelope{
		EventID:       NewEventID(),
		TsMs:          nowMs(),
		ResourceType:  apitypes.ResourceExecution,
		ResourceID:    exe.ExecutionID,
		Op:            op,
		SchemaVersion: 1,
		NodeUUID:      exe.NodeUUID,
		Headers:       map[string]string{},
		Payload:       anyOf("spearctl.Execution", exe),
		ContentType:   "application/json",
	}
	streams := []string{
		NodeStream(exe.NodeUUID),
		AllStream(),
		TypeStream(apitypes.ResourceExecution),
		ResourceStream(apitypes.ResourceExecution, exe.ExecutionID),
	}
	if exe.TaskID != "" {
		streams = append(streams, ResourceStream(apitypes.ResourceTask, exe.TaskID))
	}
	if exe.InstanceID != "" {
		streams = append(streams, ResourceStream(apitypes.ResourceInstance, exe.InstanceID))
	}
	return b.Append(ctx, env, streams)
}

// DecodePayload decodes an AnyPayload previously built with anyOf into v.
func DecodePayload(payload *apitypes.AnyPayload, v any) error {
	if payload == nil {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(payload.Value, v)
}

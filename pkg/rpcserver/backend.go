package rpcserver

import (
	"context"
	"strconv"

	"github.com/spearworks/spearctl/pkg/apitypes"
	"github.com/spearworks/spearctl/pkg/eventbus"
	"github.com/spearworks/spearctl/pkg/executionlog"
	"github.com/spearworks/spearctl/pkg/registry"
)

// Backend is the Metadata Server's business logic surface, the same
// role pkg/api/server.go's embedded *manager.Manager plays in the
// teacher: one object the gRPC layer calls straight through to, with
// no intermediate RPC-shaped types.
type Backend interface {
	RegisterNode(ctx context.Context, node apitypes.Node) (apitypes.Node, error)
	Heartbeat(ctx context.Context, nodeUUID string, tsS int64) error
	GetTask(ctx context.Context, taskID string) (apitypes.Task, bool, error)
	ReportExecution(ctx context.Context, exe apitypes.Execution, op apitypes.EventOp) error
	ReportInstance(ctx context.Context, inst apitypes.Instance, op apitypes.EventOp) error
	ReplayTaskEvents(ctx context.Context, nodeUUID string, afterEventID uint64, limit int) ([]apitypes.TaskEvent, error)
	SubscribeTaskEvents(nodeUUID string) (<-chan apitypes.EventEnvelope, func())
	AppendLogs(executionID string, lines []executionlog.AppendLogLine) (executionlog.AppendResult, error)
	ReadLogs(executionID string, afterSeq uint64, limit int) (executionlog.ReadResult, error)
}

// DefaultBackend wires the Backend surface directly to pkg/registry,
// pkg/eventbus, and pkg/executionlog, the way cmd/sms assembles a
// Metadata Server process. It holds no state of its own.
type DefaultBackend struct {
	Registry *registry.Registry
	Bus      *eventbus.Bus
	Logs     *executionlog.Store
}

// NewDefaultBackend builds a Backend over an already-constructed
// registry, event bus, and execution log store.
func NewDefaultBackend(reg *registry.Registry, bus *eventbus.Bus, logs *executionlog.Store) *DefaultBackend {
	return &DefaultBackend{Registry: reg, Bus: bus, Logs: logs}
}

func (b *DefaultBackend) RegisterNode(ctx context.Context, node apitypes.Node) (apitypes.Node, error) {
	return b.Registry.RegisterNode(ctx, node)
}

func (b *DefaultBackend) Heartbeat(ctx context.Context, nodeUUID string, tsS int64) error {
	_, err := b.Registry.Heartbeat(ctx, nodeUUID, tsS, nil)
	return err
}

func (b *DefaultBackend) GetTask(ctx context.Context, taskID string) (apitypes.Task, bool, error) {
	return b.Registry.GetTask(ctx, taskID)
}

// ReportExecution and ReportInstance only append to the event bus; the
// projection driver (pkg/projection) is the sole writer of durable
// instance/execution state, consuming these same streams asynchronously.
func (b *DefaultBackend) ReportExecution(ctx context.Context, exe apitypes.Execution, op apitypes.EventOp) error {
	_, err := b.Bus.PublishExecutionEvent(ctx, exe, op)
	return err
}

func (b *DefaultBackend) ReportInstance(ctx context.Context, inst apitypes.Instance, op apitypes.EventOp) error {
	_, err := b.Bus.PublishInstanceEvent(ctx, inst, op)
	return err
}

// ReplayTaskEvents serves the backlog portion of SubscribeTaskEvents,
// decoding only the envelopes carrying a TaskEvent payload (the node
// stream is shared with node/instance/execution traffic too).
func (b *DefaultBackend) ReplayTaskEvents(ctx context.Context, nodeUUID string, afterEventID uint64, limit int) ([]apitypes.TaskEvent, error) {
	envs, err := b.Bus.ReplaySince(ctx, eventbus.NodeStream(nodeUUID), afterEventID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]apitypes.TaskEvent, 0, len(envs))
	for _, env := range envs {
		if env.ResourceType != apitypes.ResourceTask {
			continue
		}
		var te apitypes.TaskEvent
		if err := eventbus.DecodePayload(env.Payload, &te); err != nil {
			continue
		}
		te.EventID = env.Seq
		out = append(out, te)
	}
	return out, nil
}

// SubscribeTaskEvents hands back the raw node-stream subscription; the
// caller (service.go's streaming handler) filters to task events and
// assigns TaskEvent.EventID from each envelope's stream seq.
func (b *DefaultBackend) SubscribeTaskEvents(nodeUUID string) (<-chan apitypes.EventEnvelope, func()) {
	return b.Bus.Subscribe(eventbus.NodeStream(nodeUUID))
}

func (b *DefaultBackend) AppendLogs(executionID string, lines []executionlog.AppendLogLine) (executionlog.AppendResult, error) {
	return b.Logs.AppendLogs(executionID, lines)
}

func (b *DefaultBackend) ReadLogs(executionID string, afterSeq uint64, limit int) (executionlog.ReadResult, error) {
	return b.Logs.ReadPage(executionID, strconv.FormatUint(afterSeq, 10), limit)
}

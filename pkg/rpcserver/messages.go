package rpcserver

import (
	"github.com/spearworks/spearctl/pkg/apitypes"
	"github.com/spearworks/spearctl/pkg/executionlog"
)

// Wire messages for the RPCs pkg/agent's interfaces need. Bare
// apitypes structs already round-trip through jsonCodec; these wrappers
// only exist where a method needs more than one field or a differently
// shaped response (e.g. "found" booleans, which protobuf would spell as
// a oneof/nil pointer, map here to an explicit flag field since
// apitypes structs carry no generated nil-oneof machinery).

// HeartbeatRequest is Heartbeat's argument.
type HeartbeatRequest struct {
	NodeUUID string `json:"node_uuid"`
	TsS      int64  `json:"ts_s"`
}

// HeartbeatResponse is Heartbeat's (empty) result.
type HeartbeatResponse struct{}

// SubscribeTaskEventsRequest is SubscribeTaskEvents' argument.
type SubscribeTaskEventsRequest struct {
	NodeUUID     string `json:"node_uuid"`
	AfterEventID uint64 `json:"after_event_id"`
}

// GetTaskRequest is GetTask's argument.
type GetTaskRequest struct {
	TaskID string `json:"task_id"`
}

// GetTaskResponse is GetTask's result; Found distinguishes "no such
// task" from the zero-value Task.
type GetTaskResponse struct {
	Task  apitypes.Task `json:"task"`
	Found bool          `json:"found"`
}

// ReportExecutionRequest is ReportExecution's argument.
type ReportExecutionRequest struct {
	Execution apitypes.Execution `json:"execution"`
	Op        apitypes.EventOp   `json:"op"`
}

// ReportInstanceRequest is ReportInstance's argument.
type ReportInstanceRequest struct {
	Instance apitypes.Instance `json:"instance"`
	Op       apitypes.EventOp  `json:"op"`
}

// Empty is the result shape for RPCs that only report success via the
// gRPC status code.
type Empty struct{}

// AppendLogsRequest ships a batch of unsequenced log lines, server-stamped
// on arrival (see pkg/executionlog.AppendLogs).
type AppendLogsRequest struct {
	ExecutionID string             `json:"execution_id"`
	Lines       []AppendLogLineMsg `json:"lines"`
}

// AppendLogLineMsg mirrors pkg/executionlog.AppendLogLine over the wire.
type AppendLogLineMsg struct {
	Stream    string `json:"stream,omitempty"`
	Level     string `json:"level,omitempty"`
	Message   string `json:"message"`
	TsMs      int64  `json:"ts_ms,omitempty"`
}

// AppendLogsResponse reports the assigned seq range.
type AppendLogsResponse struct {
	FirstSeq uint64 `json:"first_seq"`
	LastSeq  uint64 `json:"last_seq"`
	Count    int    `json:"count"`
}

// ReadLogsRequest pages through one execution's stored log.
type ReadLogsRequest struct {
	ExecutionID string `json:"execution_id"`
	AfterSeq    uint64 `json:"after_seq"`
	Limit       int    `json:"limit"`
}

// ReadLogsResponse is one page of a stored execution log.
type ReadLogsResponse struct {
	Lines      []executionlog.StoredLogLine `json:"lines"`
	NextCursor string                       `json:"next_cursor"`
	Truncated  bool                         `json:"truncated"`
	Completed  bool                         `json:"completed"`
}

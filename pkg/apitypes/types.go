package apitypes

// NodeStatus is the liveness state of a registered node.
type NodeStatus string

const (
	NodeOnline      NodeStatus = "online"
	NodeOffline     NodeStatus = "offline"
	NodeMaintenance NodeStatus = "maintenance"
)

// Node is a registered Worker Agent host.
type Node struct {
	UUID            string            `json:"uuid"`
	IP              string            `json:"ip"`
	Port            int               `json:"port"`
	Status          NodeStatus        `json:"status"`
	RegisteredAtS   int64             `json:"registered_at_s"`
	LastHeartbeatS  int64             `json:"last_heartbeat_s"`
	Metadata        map[string]string `json:"metadata"`
}

// NodeResource is the most recent resource snapshot reported by a node.
type NodeResource struct {
	UUID          string  `json:"uuid"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemPercent    float64 `json:"mem_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	Load1         float64 `json:"load1"`
	Load5         float64 `json:"load5"`
	Load15        float64 `json:"load15"`
	UpdatedAtMs   int64   `json:"updated_at_ms"`
}

// TaskPriority orders placement and admin surfacing.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityNormal   TaskPriority = "normal"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// ExecutionKind distinguishes tasks that run to completion quickly from
// tasks that keep an instance alive across many invocations.
type ExecutionKind string

const (
	ExecutionShortRunning ExecutionKind = "short_running"
	ExecutionLongRunning  ExecutionKind = "long_running"
)

// ExecutableSpec names the artifact backing a task, in the shape the
// Worker Agent's execution manager uses to derive an ArtifactRecord.
type ExecutableSpec struct {
	Type           string `json:"type"` // process|container|wasm
	URI            string `json:"uri"`
	Version        string `json:"version"`
	ChecksumSHA256 string `json:"checksum_sha256"`
}

// Task is a logical unit of work bound to a node and an artifact.
type Task struct {
	TaskID             string            `json:"task_id"`
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	Status             string            `json:"status"`
	Priority           TaskPriority      `json:"priority"`
	NodeUUID           string            `json:"node_uuid"`
	Endpoint           string            `json:"endpoint"`
	Version            string            `json:"version"`
	Capabilities       []string          `json:"capabilities"`
	RegisteredAt       int64             `json:"registered_at"`
	LastHeartbeat      int64             `json:"last_heartbeat"`
	Metadata           map[string]string `json:"metadata"`
	Config             map[string]string `json:"config"`
	Executable         *ExecutableSpec   `json:"executable,omitempty"`
	ExecutionKind      ExecutionKind     `json:"execution_kind"`
	ResultURIs         []string          `json:"result_uris"`
	LastResultURI      string            `json:"last_result_uri"`
	LastResultStatus   string            `json:"last_result_status"`
	LastCompletedAt    int64             `json:"last_completed_at"`
	LastResultMetadata map[string]string `json:"last_result_metadata"`
}

// ToolBudgets caps an MCP server's resource usage per call.
type ToolBudgets struct {
	ToolTimeoutMs      int64 `json:"tool_timeout_ms"`
	MaxConcurrency     int   `json:"max_concurrency"`
	MaxToolOutputBytes int64 `json:"max_tool_output_bytes"`
}

// McpServerRecord registers an external MCP tool server with the MS.
type McpServerRecord struct {
	ServerID       string      `json:"server_id"`
	DisplayName    string      `json:"display_name"`
	Transport      string      `json:"transport"` // stdio|http
	ToolNamespace  string      `json:"tool_namespace"`
	AllowedTools   []string    `json:"allowed_tools"`
	ApprovalPolicy string      `json:"approval_policy"`
	Budgets        ToolBudgets `json:"budgets"`
	UpdatedAtMs    int64       `json:"updated_at_ms"`
}

// InstanceStatus is the lifecycle state of a running task embodiment.
type InstanceStatus string

const (
	InstanceUnknown     InstanceStatus = "unknown"
	InstanceStarting    InstanceStatus = "starting"
	InstanceRunning     InstanceStatus = "running"
	InstanceDegraded    InstanceStatus = "degraded"
	InstanceUnhealthy   InstanceStatus = "unhealthy"
	InstanceStopping    InstanceStatus = "stopping"
	InstanceStopped     InstanceStatus = "stopped"
	InstanceTerminated  InstanceStatus = "terminated"
)

// Instance is a running embodiment of a Task on a Node.
type Instance struct {
	InstanceID         string            `json:"instance_id"`
	TaskID             string            `json:"task_id"`
	NodeUUID           string            `json:"node_uuid"`
	Status             InstanceStatus    `json:"status"`
	CreatedAtMs        int64             `json:"created_at_ms"`
	UpdatedAtMs        int64             `json:"updated_at_ms"`
	LastSeenMs         int64             `json:"last_seen_ms"`
	CurrentExecutionID string            `json:"current_execution_id"`
	Metadata           map[string]string `json:"metadata"`
}

// LogRef points an Execution at its log backend.
type LogRef struct {
	Backend     string `json:"backend"`
	URIPrefix   string `json:"uri_prefix"`
	ContentType string `json:"content_type"`
	Compression string `json:"compression"`
}

// ExecutionStatus is the lifecycle state of one invocation on an instance.
type ExecutionStatus string

const (
	ExecQueued   ExecutionStatus = "queued"
	ExecRunning  ExecutionStatus = "running"
	ExecSucceeded ExecutionStatus = "succeeded"
	ExecFailed   ExecutionStatus = "failed"
	ExecCancelled ExecutionStatus = "cancelled"
	ExecTimeout  ExecutionStatus = "timeout"
)

// Execution is one invocation on an Instance.
type Execution struct {
	ExecutionID  string            `json:"execution_id"`
	InvocationID string            `json:"invocation_id"`
	TaskID       string            `json:"task_id"`
	FunctionName string            `json:"function_name"`
	NodeUUID     string            `json:"node_uuid"`
	InstanceID   string            `json:"instance_id"`
	Status       ExecutionStatus   `json:"status"`
	StartedAtMs  int64             `json:"started_at_ms"`
	CompletedAtMs int64            `json:"completed_at_ms"`
	LogRef       *LogRef           `json:"log_ref,omitempty"`
	Metadata     map[string]string `json:"metadata"`
	UpdatedAtMs  int64             `json:"updated_at_ms"`
}

// InstanceSummary is the projection entry stored in
// idx:task_active_instances:{task_id}.
type InstanceSummary struct {
	InstanceID         string         `json:"instance_id"`
	NodeUUID           string         `json:"node_uuid"`
	Status             InstanceStatus `json:"status"`
	LastSeenMs         int64          `json:"last_seen_ms"`
	CurrentExecutionID string         `json:"current_execution_id"`
}

// ExecutionSummary is the projection entry stored in
// idx:instance_recent_executions:{instance_id}.
type ExecutionSummary struct {
	ExecutionID   string          `json:"execution_id"`
	TaskID        string          `json:"task_id"`
	Status        ExecutionStatus `json:"status"`
	StartedAtMs   int64           `json:"started_at_ms"`
	CompletedAtMs int64           `json:"completed_at_ms"`
	FunctionName  string          `json:"function_name"`
}

// ResourceType tags the entity an EventEnvelope or TaskEvent describes.
type ResourceType string

const (
	ResourceTask      ResourceType = "task"
	ResourceNode      ResourceType = "node"
	ResourceArtifact  ResourceType = "artifact"
	ResourceInstance  ResourceType = "instance"
	ResourceExecution ResourceType = "execution"
	ResourceUnknown   ResourceType = "unknown"
)

// EventOp is the mutation kind an envelope or task event carries.
type EventOp string

const (
	OpUnknown EventOp = "unknown"
	OpCreate  EventOp = "create"
	OpUpdate  EventOp = "update"
	OpDelete  EventOp = "delete"
	OpCancel  EventOp = "cancel"
)

// AnyPayload is a length-delimited typed payload, the Go analogue of
// google.protobuf.Any used for EventEnvelope.Payload.
type AnyPayload struct {
	TypeURL string `json:"type_url"`
	Value   []byte `json:"value"`
}

// EventEnvelope is the wire and storage record for one entry on the
// event bus.
type EventEnvelope struct {
	EventID        string            `json:"event_id"`
	TsMs           int64             `json:"ts_ms"`
	Stream         string            `json:"stream"`
	Seq            uint64            `json:"seq"`
	ResourceType   ResourceType      `json:"resource_type"`
	ResourceID     string            `json:"resource_id"`
	Op             EventOp           `json:"op"`
	SchemaVersion  uint32            `json:"schema_version"`
	NodeUUID       string            `json:"node_uuid"`
	CorrelationID  string            `json:"correlation_id"`
	Headers        map[string]string `json:"headers"`
	Payload        *AnyPayload       `json:"payload,omitempty"`
	ContentType    string            `json:"content_type"`
}

// TaskEventKind is the mutation kind carried by a TaskEvent.
type TaskEventKind string

const (
	TaskEventCreate  TaskEventKind = "create"
	TaskEventUpdate  TaskEventKind = "update"
	TaskEventCancel  TaskEventKind = "cancel"
	TaskEventUnknown TaskEventKind = "unknown"
)

// TaskEvent is what a Worker Agent receives from SubscribeTaskEvents.
type TaskEvent struct {
	EventID       uint64        `json:"event_id"`
	TsS           int64         `json:"ts"`
	NodeUUID      string        `json:"node_uuid"`
	TaskID        string        `json:"task_id"`
	Kind          TaskEventKind `json:"kind"`
	ExecutionKind ExecutionKind `json:"execution_kind,omitempty"`
	ExecutionID   string        `json:"execution_id,omitempty"`
}

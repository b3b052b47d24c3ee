// Package keyspace owns canonical key formation and entity (de)serialization
// for every namespace the KV store holds, per spec §4.2.
package keyspace

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spearworks/spearctl/pkg/apitypes"
)

// Reserved keyspace prefixes. Collisions between them are forbidden.
const (
	PrefixNode                   = "node:"
	PrefixResource               = "resource:"
	PrefixTask                   = "task:"
	PrefixMcpServer              = "mcp_server:"
	PrefixInstance               = "instance:"
	PrefixExecution              = "execution:"
	PrefixEvents                 = "events:"
	PrefixEventsCounter          = "events_counter:"
	PrefixIdxTaskActiveInstances = "idx:task_active_instances:"
	PrefixIdxInstanceRecentExecs = "idx:instance_recent_executions:"
	PrefixProjectionCheckpoint   = "projection_checkpoint:"
)

// NodeKey returns the storage key for a node record.
func NodeKey(uuid string) string { return PrefixNode + uuid }

// ResourceKey returns the storage key for a node's resource snapshot.
func ResourceKey(uuid string) string { return PrefixResource + uuid }

// TaskKey returns the storage key for a task record.
func TaskKey(taskID string) string { return PrefixTask + taskID }

// McpServerKey returns the storage key for an MCP server record.
func McpServerKey(serverID string) string { return PrefixMcpServer + serverID }

// InstanceKey returns the storage key for an instance record.
func InstanceKey(instanceID string) string { return PrefixInstance + instanceID }

// ExecutionKey returns the storage key for an execution record.
func ExecutionKey(executionID string) string { return PrefixExecution + executionID }

// EventKey returns the storage key for one envelope in a stream.
func EventKey(stream string, seq uint64) string {
	return PrefixEvents + stream + ":" + strconv.FormatUint(seq, 10)
}

// EventStreamPrefix returns the scan prefix for all envelopes in a stream.
func EventStreamPrefix(stream string) string { return PrefixEvents + stream + ":" }

// EventsCounterKey returns the storage key for a stream's sequence counter.
func EventsCounterKey(stream string) string { return PrefixEventsCounter + stream }

// TaskActiveInstancesKey returns the storage key for a task's active-instance index.
func TaskActiveInstancesKey(taskID string) string {
	return PrefixIdxTaskActiveInstances + taskID
}

// InstanceRecentExecutionsKey returns the storage key for an instance's
// recent-execution index.
func InstanceRecentExecutionsKey(instanceID string) string {
	return PrefixIdxInstanceRecentExecs + instanceID
}

// ProjectionCheckpointKey returns the storage key for a projection's checkpoint.
func ProjectionCheckpointKey(name string) string {
	return PrefixProjectionCheckpoint + name
}

// Sanitize rejects keys/ids derived from user input that contain path
// traversal or separator characters, per §4.2 and §9's duck-typed config
// map boundary-validation note.
func Sanitize(id string) error {
	if id == "" {
		return fmt.Errorf("keyspace: empty id")
	}
	if strings.Contains(id, "/") || strings.Contains(id, "\\") || strings.Contains(id, "..") {
		return fmt.Errorf("keyspace: id %q contains a forbidden path segment", id)
	}
	return nil
}

// Marshal encodes an entity using the self-describing object codec
// (JSON) specified for everything other than event payloads.
func Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apitypes.ErrSerialization, err)
	}
	return b, nil
}

// Unmarshal decodes an entity previously written with Marshal.
func Unmarshal(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", apitypes.ErrSerialization, err)
	}
	return nil
}

// FormatCheckpoint renders a stream sequence as the decimal string
// projection_checkpoint values are stored as.
func FormatCheckpoint(seq uint64) string { return strconv.FormatUint(seq, 10) }

// ParseCheckpoint parses a stored checkpoint value, defaulting to 0 for
// anything absent or malformed.
func ParseCheckpoint(s string) uint64 {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

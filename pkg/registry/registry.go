// Package registry is the Task/Node Registry (C6): CRUD for nodes, tasks,
// and MCP server records, each mutation funneled through a single mutex.
// Node register/update/delete and node-bound task register/unregister are
// published on the event bus; heartbeats and MCP server changes are not.
// Grounded on the teacher's
// pkg/manager/manager.go CRUD methods and pkg/manager/fsm.go's
// Command{Op,Data} single-funnel-write pattern, adapted to write directly
// to pkg/kv instead of through hashicorp/raft (cross-MS consensus is a
// documented non-goal — see DESIGN.md).
package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spearworks/spearctl/pkg/eventbus"
	"github.com/spearworks/spearctl/pkg/kv"
	"github.com/spearworks/spearctl/pkg/log"
)

// DefaultHeartbeatTimeoutS is the default node liveness window, per §3.
const DefaultHeartbeatTimeoutS = 30

// Registry is the funneled write surface for Node, Task, and MCP server
// records. Every mutation that binds a task to a node publishes through
// Bus, mirroring how the teacher's manager.Apply calls m.PublishEvent.
type Registry struct {
	kv  kv.Store
	bus *eventbus.Bus

	mu sync.Mutex // funnels writes, matching the teacher's single-FSM-apply shape

	heartbeatTimeoutS int64
	logger            zerolog.Logger
}

// New constructs a Registry. heartbeatTimeoutS falls back to
// DefaultHeartbeatTimeoutS when zero.
func New(store kv.Store, bus *eventbus.Bus, heartbeatTimeoutS int64) *Registry {
	if heartbeatTimeoutS <= 0 {
		heartbeatTimeoutS = DefaultHeartbeatTimeoutS
	}
	return &Registry{
		kv:                store,
		bus:               bus,
		heartbeatTimeoutS: heartbeatTimeoutS,
		logger:            log.WithComponent("registry"),
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }
func nowS() int64  { return time.Now().Unix() }

// withLock runs fn under the registry-wide funnel mutex.
func (r *Registry) withLock(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn()
}

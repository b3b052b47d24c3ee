// Package placement is the candidate-scoring engine (C5): weighted
// CPU/mem/load scoring over fresh node-resource snapshots, hard filters,
// and feedback-driven cooldowns. Grounded on the teacher's
// pkg/scheduler/scheduler.go loop/selection shape (ticker-driven
// reconciliation, filterSchedulableNodes-style hard filters,
// least-loaded tie-break), generalized from round-robin container counts
// to the weighted scoring and cooldown/spillback model in spec §4.5.
package placement

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/spearworks/spearctl/pkg/apitypes"
	"github.com/spearworks/spearctl/pkg/metrics"
	"github.com/spearworks/spearctl/pkg/registry"
)

// Weights for the CPU/mem/load penalty, per spec §4.5.
const (
	WeightCPU  = 0.4
	WeightMem  = 0.4
	WeightLoad = 0.2
)

// DefaultCooldown is how long a node is excluded after a transient
// failure feedback.
const DefaultCooldown = 30 * time.Second

// DefaultHeartbeatFreshness bounds how stale a node's resource snapshot
// may be and still be considered.
const DefaultHeartbeatFreshness = 30 * time.Second

// Requirements narrows the candidate pool for one placement request.
type Requirements struct {
	Capabilities []string
	Labels       map[string]string
	PinnedNode   string
}

// Candidate is one scored, orderable node.
type Candidate struct {
	NodeUUID string
	Score    float64
}

// FeedbackKind classifies an invocation outcome fed back into cooldowns.
type FeedbackKind int

const (
	FeedbackSuccess FeedbackKind = iota
	FeedbackTransient
	FeedbackPermanent
)

// Engine scores and ranks candidate nodes, and tracks transient-failure
// cooldowns fed back from admin invocation outcomes.
type Engine struct {
	nodes *registry.Registry

	mu         sync.Mutex
	cooldowns  map[string]time.Time
	cooldownMs time.Duration
	freshness  time.Duration
}

// New constructs a placement Engine over the given node registry.
func New(nodes *registry.Registry) *Engine {
	return &Engine{
		nodes:      nodes,
		cooldowns:  make(map[string]time.Time),
		cooldownMs: DefaultCooldown,
		freshness:  DefaultHeartbeatFreshness,
	}
}

// RecordFeedback applies one invocation outcome. Transient failures
// start a cooldown; permanent (invalid-argument class) failures do not
// penalize the node, since the fault is with the request, per §4.5.
func (e *Engine) RecordFeedback(nodeUUID string, kind FeedbackKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch kind {
	case FeedbackTransient:
		e.cooldowns[nodeUUID] = time.Now().Add(e.cooldownMs)
		metrics.PlacementSpillbacksTotal.WithLabelValues("transient").Inc()
	case FeedbackPermanent:
		metrics.PlacementSpillbacksTotal.WithLabelValues("permanent").Inc()
	case FeedbackSuccess:
		metrics.PlacementSpillbacksTotal.WithLabelValues("success").Inc()
	}
}

func (e *Engine) inCooldown(nodeUUID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.cooldowns[nodeUUID]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(e.cooldowns, nodeUUID)
		return false
	}
	return true
}

func hasCapabilities(meta map[string]string, required []string) bool {
	for _, cap := range required {
		if meta[cap] == "" {
			if _, ok := meta["capability."+cap]; !ok {
				return false
			}
		}
	}
	return true
}

func matchesLabels(meta, labels map[string]string) bool {
	for k, v := range labels {
		if meta[k] != v {
			return false
		}
	}
	return true
}

func normalize(v, max float64) float64 {
	if max <= 0 {
		return 0
	}
	n := v / max
	if n < 0 {
		n = 0
	}
	if n > 1 {
		n = 1
	}
	return n
}

func score(res apitypes.NodeResource) float64 {
	penalty := WeightCPU*normalize(res.CPUPercent, 100) +
		WeightMem*normalize(res.MemPercent, 100) +
		WeightLoad*normalize(res.Load1, 64)
	return 1 - penalty
}

// Candidates returns up to maxCandidates live nodes meeting req's hard
// filters, ranked by descending score. Ties are broken by lowest CPU%,
// then lowest load, then lexicographic node_uuid, per §4.5.
func (e *Engine) Candidates(ctx context.Context, req Requirements, maxCandidates int) ([]Candidate, error) {
	nodes, err := e.nodes.ListNodes(ctx, apitypes.NodeOnline)
	if err != nil {
		return nil, err
	}

	type scored struct {
		uuid string
		res  apitypes.NodeResource
		s    float64
	}
	var pool []scored
	for _, n := range nodes {
		if req.PinnedNode != "" && n.UUID != req.PinnedNode {
			continue
		}
		if e.inCooldown(n.UUID) {
			continue
		}
		if !hasCapabilities(n.Metadata, req.Capabilities) {
			continue
		}
		if !matchesLabels(n.Metadata, req.Labels) {
			continue
		}
		res, ok, err := e.nodes.GetNodeResource(ctx, n.UUID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if time.Since(time.UnixMilli(res.UpdatedAtMs)) > e.freshness {
			continue
		}
		pool = append(pool, scored{uuid: n.UUID, res: res, s: score(res)})
	}

	sort.Slice(pool, func(i, j int) bool {
		if pool[i].s != pool[j].s {
			return pool[i].s > pool[j].s
		}
		if pool[i].res.CPUPercent != pool[j].res.CPUPercent {
			return pool[i].res.CPUPercent < pool[j].res.CPUPercent
		}
		if pool[i].res.Load1 != pool[j].res.Load1 {
			return pool[i].res.Load1 < pool[j].res.Load1
		}
		return pool[i].uuid < pool[j].uuid
	})

	if maxCandidates <= 0 || maxCandidates > len(pool) {
		maxCandidates = len(pool)
	}
	out := make([]Candidate, 0, maxCandidates)
	for _, s := range pool[:maxCandidates] {
		out = append(out, Candidate{NodeUUID: s.uuid, Score: s.s})
	}
	metrics.PlacementCandidatesReturned.Observe(float64(len(out)))
	return out, nil
}

package placement_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spearworks/spearctl/pkg/apitypes"
	"github.com/spearworks/spearctl/pkg/eventbus"
	"github.com/spearworks/spearctl/pkg/kv"
	"github.com/spearworks/spearctl/pkg/placement"
	"github.com/spearworks/spearctl/pkg/registry"
)

func newEngine(t *testing.T) (*placement.Engine, *registry.Registry) {
	t.Helper()
	store := kv.NewMemory()
	bus := eventbus.New(store, 0, 0)
	reg := registry.New(store, bus, 0)
	return placement.New(reg), reg
}

func registerNodeWithResource(t *testing.T, reg *registry.Registry, uuid string, cpu, mem, load1 float64) {
	t.Helper()
	ctx := context.Background()
	_, err := reg.RegisterNode(ctx, apitypes.Node{UUID: uuid, IP: "10.0.0.1", Port: 9000, Status: apitypes.NodeOnline})
	require.NoError(t, err)
	_, err = reg.Heartbeat(ctx, uuid, time.Now().Unix(), nil)
	require.NoError(t, err)
	err = reg.UpdateNodeResource(ctx, apitypes.NodeResource{
		UUID: uuid, CPUPercent: cpu, MemPercent: mem, Load1: load1,
		UpdatedAtMs: nowMs(),
	})
	require.NoError(t, err)
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// Candidates ranks lower-utilization nodes higher.
func TestCandidates_ScoresLowerUtilizationHigher(t *testing.T) {
	eng, reg := newEngine(t)
	registerNodeWithResource(t, reg, "busy", 90, 90, 10)
	registerNodeWithResource(t, reg, "idle", 5, 5, 0.1)

	cands, err := eng.Candidates(context.Background(), placement.Requirements{}, 10)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	require.Equal(t, "idle", cands[0].NodeUUID)
	require.Greater(t, cands[0].Score, cands[1].Score)
}

// Scenario 2: placement spillback on transient failure excludes the
// failing node from subsequent candidate lists via cooldown, while the
// successful node remains.
func TestSpillback_TransientFailureExcludesNodeFromSubsequentPlacement(t *testing.T) {
	eng, reg := newEngine(t)
	registerNodeWithResource(t, reg, "A", 1, 1, 0.1) // vastly better resources
	registerNodeWithResource(t, reg, "B", 50, 50, 2)

	cands, err := eng.Candidates(context.Background(), placement.Requirements{}, 2)
	require.NoError(t, err)
	require.Equal(t, "A", cands[0].NodeUUID) // A would be picked first on resources alone

	winner, err := eng.Spillback(context.Background(), cands, func(ctx context.Context, nodeUUID string) error {
		if nodeUUID == "A" {
			return apitypes.ErrUnavailable
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "B", winner)

	after, err := eng.Candidates(context.Background(), placement.Requirements{}, 2)
	require.NoError(t, err)
	var uuids []string
	for _, c := range after {
		uuids = append(uuids, c.NodeUUID)
	}
	require.NotContains(t, uuids, "A")
	require.Contains(t, uuids, "B")
}

// Scenario 3: placement does not spill back on a permanent
// (invalid-argument-class) error — exactly one invocation is made.
func TestSpillback_PermanentFailureStopsImmediately(t *testing.T) {
	eng, reg := newEngine(t)
	registerNodeWithResource(t, reg, "A", 1, 1, 0.1)
	registerNodeWithResource(t, reg, "B", 50, 50, 2)

	cands, err := eng.Candidates(context.Background(), placement.Requirements{}, 2)
	require.NoError(t, err)
	require.Equal(t, "A", cands[0].NodeUUID)

	var calls []string
	_, err = eng.Spillback(context.Background(), cands, func(ctx context.Context, nodeUUID string) error {
		calls = append(calls, nodeUUID)
		if nodeUUID == "A" {
			return apitypes.ErrInvalidArg
		}
		return nil
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, apitypes.ErrInvalidArg))
	require.Equal(t, []string{"A"}, calls) // B was never invoked

	// A permanent error must not start a cooldown: A remains a candidate.
	after, err := eng.Candidates(context.Background(), placement.Requirements{}, 2)
	require.NoError(t, err)
	require.Equal(t, "A", after[0].NodeUUID)
}

func TestSpillback_NoCandidatesReturnsError(t *testing.T) {
	eng, _ := newEngine(t)
	_, err := eng.Spillback(context.Background(), nil, func(ctx context.Context, nodeUUID string) error {
		t.Fatal("invoke must not be called with zero candidates")
		return nil
	})
	require.ErrorIs(t, err, placement.ErrNoCandidates)
}

func TestCandidates_HardFiltersCapabilitiesAndLabels(t *testing.T) {
	eng, reg := newEngine(t)
	ctx := context.Background()
	_, err := reg.RegisterNode(ctx, apitypes.Node{
		UUID: "gpu-node", IP: "10.0.0.2", Port: 9000, Status: apitypes.NodeOnline,
		Metadata: map[string]string{"capability.gpu": "true", "zone": "us-east"},
	})
	require.NoError(t, err)
	_, err = reg.Heartbeat(ctx, "gpu-node", time.Now().Unix(), nil)
	require.NoError(t, err)
	require.NoError(t, reg.UpdateNodeResource(ctx, apitypes.NodeResource{UUID: "gpu-node", UpdatedAtMs: nowMs()}))

	registerNodeWithResource(t, reg, "plain-node", 10, 10, 1)

	cands, err := eng.Candidates(ctx, placement.Requirements{Capabilities: []string{"gpu"}}, 10)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	require.Equal(t, "gpu-node", cands[0].NodeUUID)

	cands, err = eng.Candidates(ctx, placement.Requirements{Labels: map[string]string{"zone": "us-east"}}, 10)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	require.Equal(t, "gpu-node", cands[0].NodeUUID)
}

package projection_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spearworks/spearctl/pkg/apitypes"
	"github.com/spearworks/spearctl/pkg/eventbus"
	"github.com/spearworks/spearctl/pkg/kv"
	"github.com/spearworks/spearctl/pkg/projection"
)

// Scenario 5: publish 5 Instance updates with updated_at_ms 100..500, run
// a Driver to checkpoint 3, stop, then restart from the persisted
// checkpoint. The final index entry must reflect the last event
// (updated_at_ms=500) regardless of the restart.
func TestDriver_ReplayFromCheckpointAfterRestart(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	bus := eventbus.New(store, 0, 0)
	idx := projection.New(store, 0, 0, 0)

	for _, ts := range []int64{100, 200, 300, 400, 500} {
		_, err := bus.PublishInstanceEvent(ctx, apitypes.Instance{
			InstanceID: "i1", TaskID: "t1", NodeUUID: "n1",
			Status: apitypes.InstanceRunning, UpdatedAtMs: ts, LastSeenMs: ts,
		}, apitypes.OpUpdate)
		require.NoError(t, err)
	}

	// First driver run: apply only the first 3 envelopes manually to
	// simulate a crash after seq=3, then persist that checkpoint.
	envs, err := bus.ReplaySince(ctx, eventbus.AllStream(), 0, 10)
	require.NoError(t, err)
	require.Len(t, envs, 5)
	for _, env := range envs[:3] {
		var inst apitypes.Instance
		require.NoError(t, eventbus.DecodePayload(env.Payload, &inst))
		require.NoError(t, idx.ApplyInstanceEvent(ctx, env.Op, inst, time.Now().UnixMilli()))
	}
	require.NoError(t, idx.StoreCheckpoint(ctx, "instance_execution_index", 3))

	// Restart: a fresh Driver resumes from the persisted checkpoint via Run.
	runCtx, cancel := context.WithCancel(ctx)
	driver := projection.NewDriver(idx, bus, "instance_execution_index", eventbus.AllStream())
	done := make(chan error, 1)
	go func() { done <- driver.Run(runCtx) }()

	require.Eventually(t, func() bool {
		inst, ok, err := idx.GetInstance(ctx, "i1")
		return err == nil && ok && inst.UpdatedAtMs == 500
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	cp, err := idx.LoadCheckpoint(ctx, "instance_execution_index")
	require.NoError(t, err)
	require.Equal(t, uint64(5), cp)
}

package registration_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/spearworks/spearctl/pkg/agent/registration"
	"github.com/spearworks/spearctl/pkg/apitypes"
)

type fakeMS struct {
	mu           sync.Mutex
	registerErr  error
	heartbeatErr error
	registered   []apitypes.Node
	heartbeats   int
}

func (f *fakeMS) RegisterNode(ctx context.Context, node apitypes.Node) (apitypes.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return apitypes.Node{}, f.registerErr
	}
	f.registered = append(f.registered, node)
	return node, nil
}

func (f *fakeMS) Heartbeat(ctx context.Context, nodeUUID string, tsS int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return f.heartbeatErr
}

func TestDeriveNodeUUID_Deterministic(t *testing.T) {
	u1 := registration.DeriveNodeUUID("10.0.0.1:9000", "worker-a")
	u2 := registration.DeriveNodeUUID("10.0.0.1:9000", "worker-a")
	require.Equal(t, u1, u2)

	u3 := registration.DeriveNodeUUID("10.0.0.1:9000", "worker-b")
	require.NotEqual(t, u1, u3)
}

func TestDeriveNodeUUID_HonorsExplicitUUID(t *testing.T) {
	explicit := uuid.New().String()
	got := registration.DeriveNodeUUID("anything", explicit)
	require.Equal(t, explicit, got)
}

func TestAgent_RegistersAndHeartbeats(t *testing.T) {
	ms := &fakeMS{}
	agent := registration.New(registration.Config{
		NodeName:          "worker-a",
		IP:                "10.0.0.1",
		Port:              9000,
		HeartbeatInterval: 10 * time.Millisecond,
		ConnectTimeout:    time.Second,
		ConnectRetry:      5 * time.Millisecond,
	}, ms, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	require.Eventually(t, func() bool {
		ms.mu.Lock()
		defer ms.mu.Unlock()
		return ms.heartbeats >= 2
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, registration.StateRegistered, agent.State())
	cancel()
	require.NoError(t, <-done)

	ms.mu.Lock()
	require.Len(t, ms.registered, 1)
	require.Equal(t, "worker-a", ms.registered[0].Metadata["name"])
	ms.mu.Unlock()
}

func TestAgent_ReconnectDeadlineExceededExits(t *testing.T) {
	ms := &fakeMS{}
	var exitCode int32 = -1
	agent := registration.New(registration.Config{
		NodeName:          "worker-b",
		HeartbeatInterval: 5 * time.Millisecond,
		ConnectTimeout:    20 * time.Millisecond,
		ConnectRetry:      2 * time.Millisecond,
		ReconnectDeadline: 30 * time.Millisecond,
	}, ms, func(code int) { atomic.StoreInt32(&exitCode, int32(code)) })

	// First register succeeds; once heartbeating starts, flip both
	// heartbeat and subsequent register to fail so reconnect never
	// recovers and the deadline trips.
	ctx := context.Background()
	go func() {
		time.Sleep(15 * time.Millisecond)
		ms.mu.Lock()
		ms.heartbeatErr = errors.New("boom")
		ms.registerErr = errors.New("unreachable")
		ms.mu.Unlock()
	}()

	err := agent.Run(ctx)
	require.Error(t, err)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&exitCode) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestAgent_ConnectRetriesUntilSuccess(t *testing.T) {
	ms := &fakeMS{registerErr: errors.New("not ready yet")}
	agent := registration.New(registration.Config{
		NodeName:          "worker-c",
		HeartbeatInterval: time.Second,
		ConnectTimeout:    200 * time.Millisecond,
		ConnectRetry:      5 * time.Millisecond,
	}, ms, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		ms.mu.Lock()
		ms.registerErr = nil
		ms.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_ = agent.Run(ctx)

	require.Equal(t, registration.StateRegistered, agent.State())
}

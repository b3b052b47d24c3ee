package hostapi_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spearworks/spearctl/pkg/hostapi"
)

func TestFdTable_AllocStartsAtGivenFd(t *testing.T) {
	table := hostapi.NewFdTable(3)
	fd := table.Alloc(&hostapi.FdEntry{Kind: hostapi.KindMic})
	require.Equal(t, int32(3), fd)

	fd2 := table.Alloc(&hostapi.FdEntry{Kind: hostapi.KindMic})
	require.Equal(t, int32(4), fd2)
}

func TestFdTable_GetUnknownFdReturnsNil(t *testing.T) {
	table := hostapi.NewFdTable(0)
	require.Nil(t, table.Get(99))
}

func TestFdTable_CloseUnknownFdReturnsEBADF(t *testing.T) {
	table := hostapi.NewFdTable(0)
	require.Equal(t, int32(-hostapi.EBADF), table.Close(99))
}

func TestFdTable_CloseMarksEntryClosedAndIdempotent(t *testing.T) {
	table := hostapi.NewFdTable(0)
	fd := table.Alloc(&hostapi.FdEntry{Kind: hostapi.KindMic, Mic: &hostapi.MicState{Running: true}})

	require.Equal(t, int32(0), table.Close(fd))
	entry := table.Get(fd)
	require.True(t, entry.Closed)
	require.False(t, entry.Mic.Running)

	// closing again is a no-op success, not a second transition
	require.Equal(t, int32(0), table.Close(fd))
}

func TestFdTable_EpCreateAndEpCtlAddRegistersWatcher(t *testing.T) {
	table := hostapi.NewFdTable(0)
	dataFd := table.Alloc(&hostapi.FdEntry{Kind: hostapi.KindMic, PollMask: hostapi.PollIN})
	epfd := table.EpCreate()

	rc := table.EpCtl(epfd, hostapi.EpCtlAdd, dataFd, hostapi.PollIN)
	require.Equal(t, int32(0), rc)

	ready, rc := table.EpWaitReady(epfd, 0)
	require.Equal(t, int32(0), rc)
	require.Len(t, ready, 1)
	require.Equal(t, dataFd, ready[0].Fd)
	require.True(t, ready[0].Events.Has(hostapi.PollIN))
}

func TestFdTable_EpCtlSelfWatchIsInvalid(t *testing.T) {
	table := hostapi.NewFdTable(0)
	epfd := table.EpCreate()
	require.Equal(t, int32(-hostapi.EINVAL), table.EpCtl(epfd, hostapi.EpCtlAdd, epfd, hostapi.PollIN))
}

func TestFdTable_EpCtlUnknownFdsReturnEBADF(t *testing.T) {
	table := hostapi.NewFdTable(0)
	epfd := table.EpCreate()
	require.Equal(t, int32(-hostapi.EBADF), table.EpCtl(epfd, hostapi.EpCtlAdd, 999, hostapi.PollIN))
	require.Equal(t, int32(-hostapi.EBADF), table.EpCtl(999, hostapi.EpCtlAdd, epfd, hostapi.PollIN))
}

func TestFdTable_EpCtlCannotWatchAnotherEpollFd(t *testing.T) {
	table := hostapi.NewFdTable(0)
	epfd := table.EpCreate()
	otherEp := table.EpCreate()
	require.Equal(t, int32(-hostapi.EINVAL), table.EpCtl(epfd, hostapi.EpCtlAdd, otherEp, hostapi.PollIN))
}

func TestFdTable_EpWaitReadyImmediateReturnsEmptyWhenNothingReady(t *testing.T) {
	table := hostapi.NewFdTable(0)
	dataFd := table.Alloc(&hostapi.FdEntry{Kind: hostapi.KindMic})
	epfd := table.EpCreate()
	table.EpCtl(epfd, hostapi.EpCtlAdd, dataFd, hostapi.PollIN)

	ready, rc := table.EpWaitReady(epfd, 0)
	require.Equal(t, int32(0), rc)
	require.Empty(t, ready)
}

func TestFdTable_EpWaitReadyWakesOnNotifyWatchers(t *testing.T) {
	table := hostapi.NewFdTable(0)
	dataFd := table.Alloc(&hostapi.FdEntry{Kind: hostapi.KindMic})
	epfd := table.EpCreate()
	table.EpCtl(epfd, hostapi.EpCtlAdd, dataFd, hostapi.PollIN)

	done := make(chan []hostapi.ReadyFd, 1)
	go func() {
		ready, _ := table.EpWaitReady(epfd, 2000)
		done <- ready
	}()

	time.Sleep(20 * time.Millisecond)

	// Close sets PollHUP and calls NotifyWatchers, which wakes EpWaitReady.
	table.RegisterWatcher(dataFd, epfd)
	table.Close(dataFd)

	select {
	case ready := <-done:
		require.Len(t, ready, 1)
		require.Equal(t, dataFd, ready[0].Fd)
		require.True(t, ready[0].Events.Has(hostapi.PollHUP))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for epoll wakeup")
	}
}

func TestFdTable_EpCtlDelUnregistersWatcher(t *testing.T) {
	table := hostapi.NewFdTable(0)
	dataFd := table.Alloc(&hostapi.FdEntry{Kind: hostapi.KindMic, PollMask: hostapi.PollIN})
	epfd := table.EpCreate()
	table.EpCtl(epfd, hostapi.EpCtlAdd, dataFd, hostapi.PollIN)
	table.EpCtl(epfd, hostapi.EpCtlDel, dataFd, 0)

	ready, rc := table.EpWaitReady(epfd, 0)
	require.Equal(t, int32(0), rc)
	require.Empty(t, ready)
}

func TestFdTable_FdCtlSetAndGetFlags(t *testing.T) {
	table := hostapi.NewFdTable(0)
	fd := table.Alloc(&hostapi.FdEntry{Kind: hostapi.KindMic})

	_, rc := table.FdCtl(fd, hostapi.CtlSetFlags, []byte(`{"set":["O_NONBLOCK"]}`))
	require.Equal(t, int32(0), rc)

	out, rc := table.FdCtl(fd, hostapi.CtlGetFlags, nil)
	require.Equal(t, int32(0), rc)
	require.Contains(t, string(out), "O_NONBLOCK")
}

func TestFdTable_FdCtlSetFlagsRequiresPayload(t *testing.T) {
	table := hostapi.NewFdTable(0)
	fd := table.Alloc(&hostapi.FdEntry{Kind: hostapi.KindMic})
	_, rc := table.FdCtl(fd, hostapi.CtlSetFlags, nil)
	require.Equal(t, int32(-hostapi.EINVAL), rc)
}

func TestFdTable_FdCtlGetKind(t *testing.T) {
	table := hostapi.NewFdTable(0)
	fd := table.Alloc(&hostapi.FdEntry{Kind: hostapi.KindRtAsr})
	out, rc := table.FdCtl(fd, hostapi.CtlGetKind, nil)
	require.Equal(t, int32(0), rc)
	require.Contains(t, string(out), "RtAsr")
}

func TestFdTable_FdCtlGetStatusReflectsClosedState(t *testing.T) {
	table := hostapi.NewFdTable(0)
	fd := table.Alloc(&hostapi.FdEntry{Kind: hostapi.KindMic})
	table.Close(fd)

	out, rc := table.FdCtl(fd, hostapi.CtlGetStatus, nil)
	require.Equal(t, int32(0), rc)
	require.Contains(t, string(out), `"closed":true`)
}

func TestFdTable_FdCtlGetMetricsDefaultsToEmptyObject(t *testing.T) {
	table := hostapi.NewFdTable(0)
	fd := table.Alloc(&hostapi.FdEntry{Kind: hostapi.KindChatResponse})
	out, rc := table.FdCtl(fd, hostapi.CtlGetMetrics, nil)
	require.Equal(t, int32(0), rc)
	require.Equal(t, "{}", string(out))
}

func TestFdTable_FdCtlGetMetricsReturnsStoredBytes(t *testing.T) {
	table := hostapi.NewFdTable(0)
	fd := table.Alloc(&hostapi.FdEntry{
		Kind:         hostapi.KindChatResponse,
		ChatResponse: &hostapi.ChatResponseState{MetricsBytes: []byte(`{"tokens":42}`)},
	})
	out, rc := table.FdCtl(fd, hostapi.CtlGetMetrics, nil)
	require.Equal(t, int32(0), rc)
	require.Equal(t, `{"tokens":42}`, string(out))
}

func TestFdTable_FdCtlUnknownCmdReturnsEINVAL(t *testing.T) {
	table := hostapi.NewFdTable(0)
	fd := table.Alloc(&hostapi.FdEntry{Kind: hostapi.KindMic})
	_, rc := table.FdCtl(fd, 999, nil)
	require.Equal(t, int32(-hostapi.EINVAL), rc)
}

func TestFdTable_FdCtlUnknownFdReturnsEBADF(t *testing.T) {
	table := hostapi.NewFdTable(0)
	_, rc := table.FdCtl(999, hostapi.CtlGetKind, nil)
	require.Equal(t, int32(-hostapi.EBADF), rc)
}

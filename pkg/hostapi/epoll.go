package hostapi

import (
	"sync"
	"time"
)

// EpollState is the watch-list plus change-notification primitive
// backing one Epoll fd. The Rust original parks on a condvar inside
// wait_for_change; Go's sync.Cond is the direct analogue.
type EpollState struct {
	mu      sync.Mutex
	cond    *sync.Cond
	watch   map[int32]PollEvents
	seq     uint64
	closed  bool
}

// NewEpollState constructs an empty EpollState.
func NewEpollState() *EpollState {
	s := &EpollState{watch: make(map[int32]PollEvents)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *EpollState) CtlAdd(fd int32, events PollEvents) {
	s.mu.Lock()
	s.watch[fd] = events
	s.seq++
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *EpollState) CtlMod(fd int32, events PollEvents) {
	s.mu.Lock()
	s.watch[fd] = events
	s.seq++
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *EpollState) CtlDel(fd int32) {
	s.mu.Lock()
	delete(s.watch, fd)
	s.seq++
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *EpollState) SnapshotWatch() map[int32]PollEvents {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int32]PollEvents, len(s.watch))
	for k, v := range s.watch {
		out[k] = v
	}
	return out
}

func (s *EpollState) ListWatchedFds() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int32, 0, len(s.watch))
	for fd := range s.watch {
		out = append(out, fd)
	}
	return out
}

func (s *EpollState) CurrentSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *EpollState) MarkClosed() {
	s.mu.Lock()
	s.closed = true
	s.seq++
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Notify wakes every waiter blocked in WaitForChange.
func (s *EpollState) Notify() {
	s.mu.Lock()
	s.seq++
	s.mu.Unlock()
	s.cond.Broadcast()
}

// WaitForChange blocks until seq advances past lastSeq or remaining
// elapses (nil remaining blocks indefinitely). Returns false on timeout,
// true if a change was observed.
func (s *EpollState) WaitForChange(lastSeq uint64, remaining *time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seq != lastSeq {
		return true
	}
	if remaining == nil {
		for s.seq == lastSeq {
			s.cond.Wait()
		}
		return true
	}
	if *remaining <= 0 {
		return false
	}

	done := make(chan struct{})
	timer := time.AfterFunc(*remaining, func() {
		s.mu.Lock()
		close(done)
		s.mu.Unlock()
		s.cond.Broadcast()
	})
	defer timer.Stop()

	for s.seq == lastSeq {
		select {
		case <-done:
			return s.seq != lastSeq
		default:
		}
		s.cond.Wait()
	}
	return true
}

package hostapi

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// FdEntry is one table slot: kind-tagged state plus poll bookkeeping.
// The Rust original wraps this in Arc<Mutex<FdEntry>>; a per-entry mutex
// here plays the same role.
type FdEntry struct {
	mu        sync.Mutex
	Kind      FdKind
	Flags     FdFlags
	PollMask  PollEvents
	Watchers  map[int32]struct{}
	Closed    bool

	Epoll        *EpollState
	ChatResponse *ChatResponseState
	Mic          *MicState
}

func (e *FdEntry) effectivePollMask() PollEvents {
	mask := e.PollMask
	if e.Closed {
		mask |= PollHUP
	}
	return mask
}

// FdTable is the per-instance synthetic file descriptor table: atomic
// fd allocation, a concurrent entry map, and epoll-style readiness
// dispatch. Grounded directly on fd_table.rs's FdTable — its
// DashMap<i32, Arc<Mutex<FdEntry>>> becomes a sync.Map here since Go has
// no off-the-shelf dashmap equivalent in the retrieved pack.
type FdTable struct {
	nextFd  atomic.Int32
	entries sync.Map // int32 -> *FdEntry
}

// NewFdTable constructs a table whose first allocated fd is startFd.
func NewFdTable(startFd int32) *FdTable {
	t := &FdTable{}
	t.nextFd.Store(startFd)
	return t
}

// Alloc inserts a prepared entry and returns its newly assigned fd.
func (t *FdTable) Alloc(e *FdEntry) int32 {
	fd := t.nextFd.Add(1) - 1
	t.entries.Store(fd, e)
	return fd
}

// Get returns the entry for fd, or nil if absent.
func (t *FdTable) Get(fd int32) *FdEntry {
	v, ok := t.entries.Load(fd)
	if !ok {
		return nil
	}
	return v.(*FdEntry)
}

// Close marks fd closed, notifying any epoll watchers, and -- if fd is
// itself an Epoll fd -- unregisters it from everything it was watching.
// Returns 0 on success, -EBADF if fd is unknown.
func (t *FdTable) Close(fd int32) int32 {
	e := t.Get(fd)
	if e == nil {
		return -EBADF
	}

	e.mu.Lock()
	if e.Closed {
		e.mu.Unlock()
		return 0
	}
	e.Closed = true
	e.PollMask |= PollHUP
	if e.Kind == KindMic && e.Mic != nil {
		e.Mic.Running = false
		e.Mic.Generation++
	}
	watchers := make([]int32, 0, len(e.Watchers))
	for w := range e.Watchers {
		watchers = append(watchers, w)
	}
	epollState := e.Epoll
	kind := e.Kind
	e.mu.Unlock()

	for _, epfd := range watchers {
		t.NotifyEpoll(epfd)
	}

	if kind == KindEpoll && epollState != nil {
		epollState.MarkClosed()
		for _, wfd := range epollState.ListWatchedFds() {
			t.UnregisterWatcher(wfd, fd)
		}
	}
	return 0
}

func (t *FdTable) RegisterWatcher(fd, epfd int32) int32 {
	e := t.Get(fd)
	if e == nil {
		return -EBADF
	}
	e.mu.Lock()
	if e.Watchers == nil {
		e.Watchers = make(map[int32]struct{})
	}
	e.Watchers[epfd] = struct{}{}
	e.mu.Unlock()
	return 0
}

func (t *FdTable) UnregisterWatcher(fd, epfd int32) {
	e := t.Get(fd)
	if e == nil {
		return
	}
	e.mu.Lock()
	delete(e.Watchers, epfd)
	e.mu.Unlock()
}

// NotifyWatchers wakes every epoll fd registered on fd.
func (t *FdTable) NotifyWatchers(fd int32) {
	e := t.Get(fd)
	if e == nil {
		return
	}
	e.mu.Lock()
	watchers := make([]int32, 0, len(e.Watchers))
	for w := range e.Watchers {
		watchers = append(watchers, w)
	}
	e.mu.Unlock()
	for _, epfd := range watchers {
		t.NotifyEpoll(epfd)
	}
}

func (t *FdTable) NotifyEpoll(epfd int32) {
	e := t.Get(epfd)
	if e == nil {
		return
	}
	e.mu.Lock()
	st := e.Epoll
	e.mu.Unlock()
	if st != nil {
		st.Notify()
	}
}

// EpCreate allocates a fresh Epoll fd.
func (t *FdTable) EpCreate() int32 {
	return t.Alloc(&FdEntry{
		Kind:     KindEpoll,
		Watchers: make(map[int32]struct{}),
		Epoll:    NewEpollState(),
	})
}

// EpCtl adds, modifies, or removes a watch on fd from epfd's interest
// set.
func (t *FdTable) EpCtl(epfd int32, op int, fd int32, events PollEvents) int32 {
	if epfd == fd {
		return -EINVAL
	}
	epEntry := t.Get(epfd)
	if epEntry == nil {
		return -EBADF
	}
	fdEntry := t.Get(fd)
	if fdEntry == nil {
		return -EBADF
	}

	epEntry.mu.Lock()
	if epEntry.Kind != KindEpoll || epEntry.Closed {
		epEntry.mu.Unlock()
		return -EBADF
	}
	st := epEntry.Epoll
	epEntry.mu.Unlock()
	if st == nil {
		return -EBADF
	}

	fdEntry.mu.Lock()
	isEpoll := fdEntry.Kind == KindEpoll
	fdEntry.mu.Unlock()
	if isEpoll {
		return -EINVAL
	}

	switch op {
	case EpCtlAdd:
		st.CtlAdd(fd, events)
		return t.RegisterWatcher(fd, epfd)
	case EpCtlMod:
		st.CtlMod(fd, events)
		return 0
	case EpCtlDel:
		st.CtlDel(fd)
		t.UnregisterWatcher(fd, epfd)
		return 0
	default:
		return -EINVAL
	}
}

// ReadyFd is one ready (fd, events) pair returned by EpWaitReady.
type ReadyFd struct {
	Fd     int32
	Events PollEvents
}

// EpWaitReady blocks until at least one watched fd is ready, timeoutMs
// elapses, or timeoutMs==0 for an immediate poll. timeoutMs<0 blocks
// indefinitely.
func (t *FdTable) EpWaitReady(epfd int32, timeoutMs int32) ([]ReadyFd, int32) {
	epEntry := t.Get(epfd)
	if epEntry == nil {
		return nil, -EBADF
	}
	epEntry.mu.Lock()
	if epEntry.Kind != KindEpoll || epEntry.Closed {
		epEntry.mu.Unlock()
		return nil, -EBADF
	}
	st := epEntry.Epoll
	epEntry.mu.Unlock()
	if st == nil {
		return nil, -EBADF
	}

	start := time.Now()
	var timeout *time.Duration
	if timeoutMs >= 0 {
		d := time.Duration(timeoutMs) * time.Millisecond
		timeout = &d
	}

	for {
		ready := t.scanReady(st)
		if len(ready) > 0 {
			return ready, 0
		}
		if timeoutMs == 0 {
			return nil, 0
		}

		lastSeq := st.CurrentSeq()
		var remaining *time.Duration
		if timeout != nil {
			r := *timeout - time.Since(start)
			if r <= 0 {
				return nil, 0
			}
			remaining = &r
		}
		if !st.WaitForChange(lastSeq, remaining) {
			return nil, 0
		}
	}
}

func (t *FdTable) scanReady(st *EpollState) []ReadyFd {
	watch := st.SnapshotWatch()
	var ready []ReadyFd
	for fd, interests := range watch {
		e := t.Get(fd)
		if e == nil {
			continue
		}
		e.mu.Lock()
		mask := e.effectivePollMask().And(interests | PollHUP | PollERR)
		e.mu.Unlock()
		if !mask.IsEmpty() {
			ready = append(ready, ReadyFd{Fd: fd, Events: mask})
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].Fd < ready[j].Fd })
	return ready
}

// FdCtl dispatches a control command against fd, per fd_table.rs's
// fd_ctl dispatch table.
func (t *FdTable) FdCtl(fd int32, cmd int, payload []byte) ([]byte, int32) {
	e := t.Get(fd)
	if e == nil {
		return nil, -EBADF
	}

	switch cmd {
	case CtlSetFlags:
		if payload == nil {
			return nil, -EINVAL
		}
		var req struct {
			Set   []string `json:"set"`
			Clear []string `json:"clear"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, -EINVAL
		}
		e.mu.Lock()
		for _, s := range req.Set {
			if s == "O_NONBLOCK" {
				e.Flags |= FlagNonblock
			}
		}
		for _, s := range req.Clear {
			if s == "O_NONBLOCK" {
				e.Flags &^= FlagNonblock
			}
		}
		e.mu.Unlock()
		return nil, 0

	case CtlGetFlags:
		e.mu.Lock()
		flags := e.Flags.Names()
		e.mu.Unlock()
		b, _ := json.Marshal(map[string]any{"flags": flags})
		return b, 0

	case CtlGetKind:
		e.mu.Lock()
		kind := e.Kind
		e.mu.Unlock()
		b, _ := json.Marshal(map[string]any{"kind": kind})
		return b, 0

	case CtlGetStatus:
		e.mu.Lock()
		status := statusJSON{
			Kind:     string(e.Kind),
			Flags:    e.Flags.Names(),
			PollMask: e.effectivePollMask().Names(),
			Closed:   e.Closed,
		}
		e.mu.Unlock()
		b, _ := json.Marshal(status)
		return b, 0

	case CtlGetMetrics:
		e.mu.Lock()
		var out []byte
		if e.ChatResponse != nil && len(e.ChatResponse.MetricsBytes) > 0 {
			out = append([]byte(nil), e.ChatResponse.MetricsBytes...)
		}
		e.mu.Unlock()
		if out == nil {
			out = []byte("{}")
		}
		return out, 0

	default:
		return nil, -EINVAL
	}
}

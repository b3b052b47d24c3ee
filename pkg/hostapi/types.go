// Package hostapi is the realtime host API surface (C12) exposed to
// instances: a synthetic file-descriptor table with epoll-style
// readiness notification, and the RtAsr/Mic streaming device state
// machines layered on top of it. Directly grounded on
// original_source/src/spearlet/execution/hostcall/fd_table.rs and
// types.rs: the Rust original's dashmap::DashMap-backed FdTable and
// condvar-driven EpollState are rendered here as a sync.Map plus
// sync.Cond, Go's nearest equivalents.
package hostapi


// PollEvents is a readiness bitmask, mirroring the Rust original's
// bitflags PollEvents.
type PollEvents uint32

const (
	PollIN  PollEvents = 1 << 0
	PollOUT PollEvents = 1 << 1
	PollERR PollEvents = 1 << 2
	PollHUP PollEvents = 1 << 3
)

func (p PollEvents) Has(flag PollEvents) bool { return p&flag != 0 }
func (p PollEvents) And(o PollEvents) PollEvents { return p & o }
func (p PollEvents) IsEmpty() bool             { return p == 0 }

func (p PollEvents) Names() []string {
	var names []string
	if p.Has(PollIN) {
		names = append(names, "EPOLLIN")
	}
	if p.Has(PollOUT) {
		names = append(names, "EPOLLOUT")
	}
	if p.Has(PollERR) {
		names = append(names, "EPOLLERR")
	}
	if p.Has(PollHUP) {
		names = append(names, "EPOLLHUP")
	}
	return names
}

// FdFlags is the per-fd flag bitmask.
type FdFlags uint32

const FlagNonblock FdFlags = 1 << 0

func (f FdFlags) Names() []string {
	if f&FlagNonblock != 0 {
		return []string{"O_NONBLOCK"}
	}
	return nil
}

// FdKind tags what an fd table entry represents.
type FdKind string

const (
	KindChatSession  FdKind = "ChatSession"
	KindChatResponse FdKind = "ChatResponse"
	KindEpoll        FdKind = "Epoll"
	KindRtAsr        FdKind = "RtAsr"
	KindMic          FdKind = "Mic"
)

// Control commands for FdCtl, matching the Rust original's numeric
// constants.
const (
	CtlSetFlags    = 1
	CtlGetFlags    = 2
	CtlGetKind     = 3
	CtlGetStatus   = 4
	CtlGetMetrics  = 5
)

// Epoll control ops for EpCtl.
const (
	EpCtlAdd = 1
	EpCtlMod = 2
	EpCtlDel = 3
)

// Error codes returned (as negative ints, matching the Rust original's
// -EBADF/-EINVAL convention so host-call boundary callers can pass the
// same sentinel values across the ABI).
const (
	EBADF  = 9
	EINVAL = 22
)

// ChatResponseState holds the last reported metrics payload for a
// ChatResponse fd.
type ChatResponseState struct {
	MetricsBytes []byte
}

// MicState tracks a live microphone source device fd.
type MicState struct {
	Running    bool
	Generation uint64
}

// statusJSON is the FD_CTL_GET_STATUS response shape.
type statusJSON struct {
	Kind      string   `json:"kind"`
	Flags     []string `json:"flags"`
	PollMask  []string `json:"poll_mask"`
	Closed    bool     `json:"closed"`
}

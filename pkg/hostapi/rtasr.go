package hostapi

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/spearworks/spearctl/pkg/log"
)

// RtAsrConnState is the realtime-ASR connection state machine, directly
// grounded on rtasr.rs's RtAsrConnState.
type RtAsrConnState string

const (
	RtAsrInit       RtAsrConnState = "Init"
	RtAsrConfigured RtAsrConnState = "Configured"
	RtAsrConnecting RtAsrConnState = "Connecting"
	RtAsrConnected  RtAsrConnState = "Connected"
	RtAsrDraining   RtAsrConnState = "Draining"
	RtAsrClosed     RtAsrConnState = "Closed"
	RtAsrError      RtAsrConnState = "Error"
)

// Control commands for RtAsrCtl, per rtasr.rs.
const (
	RtAsrCtlSetParam      = 1
	RtAsrCtlConnect       = 2
	RtAsrCtlGetStatus     = 3
	RtAsrCtlSendEvent     = 4
	RtAsrCtlFlush         = 5
	RtAsrCtlClear         = 6
	RtAsrCtlSetAutoflush  = 7
	RtAsrCtlGetAutoflush  = 8
)

const defaultMaxQueueBytes = 1024 * 1024

// RtAsrItem is one queued send item: either raw audio or a websocket
// text control frame, mirroring rtasr.rs's RtAsrSendItem.
type RtAsrItem struct {
	Audio []byte
	Text  string
}

func (i RtAsrItem) byteLen() int {
	if i.Text != "" {
		return len(i.Text)
	}
	return len(i.Audio)
}

// RtAsrFd is the live state for one RtAsr fd: connection state, queued
// audio/control frames, and the underlying websocket once connected.
// The byte-capped send/recv queues and dropped_events counter are
// ported directly from rtasr.rs's RtAsrState.
type RtAsrFd struct {
	mu     sync.Mutex
	state  RtAsrConnState
	params map[string]any

	sendQueue      *list.List
	sendQueueBytes int
	maxSendBytes   int

	recvQueue      *list.List
	recvQueueBytes int
	maxRecvBytes   int

	dropped   uint64
	lastError string
	autoflush bool

	conn   *websocket.Conn
	cancel context.CancelFunc
}

// NewRtAsrFd constructs fresh RtAsr state in the Init connection state.
func NewRtAsrFd() *RtAsrFd {
	return &RtAsrFd{
		state:        RtAsrInit,
		params:       make(map[string]any),
		sendQueue:    list.New(),
		recvQueue:    list.New(),
		maxSendBytes: defaultMaxQueueBytes,
		maxRecvBytes: defaultMaxQueueBytes,
		autoflush:    true,
	}
}

// RtAsrCreate allocates an RtAsr fd whose poll mask starts as PollOUT
// (mirroring rtasr.rs's rtasr_create initial poll_mask=OUT).
func (t *FdTable) RtAsrCreate() int32 {
	return t.Alloc(&FdEntry{
		Kind:     KindRtAsr,
		PollMask: PollOUT,
		Watchers: make(map[int32]struct{}),
	})
}

// RtAsrSession owns the fd-to-RtAsrFd binding for one instance's host
// API surface, layered on top of a shared FdTable.
type RtAsrSession struct {
	table *FdTable

	mu    sync.Mutex
	asrs  map[int32]*RtAsrFd
}

// NewRtAsrSession binds RtAsr state management to table.
func NewRtAsrSession(table *FdTable) *RtAsrSession {
	return &RtAsrSession{table: table, asrs: make(map[int32]*RtAsrFd)}
}

// Create allocates a new RtAsr fd and its backing state.
func (s *RtAsrSession) Create() int32 {
	fd := s.table.RtAsrCreate()
	s.mu.Lock()
	s.asrs[fd] = NewRtAsrFd()
	s.mu.Unlock()
	return fd
}

func (s *RtAsrSession) get(fd int32) *RtAsrFd {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.asrs[fd]
}

// Ctl dispatches one RtAsr control command, per rtasr.rs's rtasr_ctl.
func (s *RtAsrSession) Ctl(ctx context.Context, fd int32, cmd int, payload []byte) ([]byte, int32) {
	entry := s.table.Get(fd)
	st := s.get(fd)
	if entry == nil || st == nil {
		return nil, -EBADF
	}

	switch cmd {
	case RtAsrCtlSetParam:
		return s.setParam(fd, entry, st, payload)
	case RtAsrCtlConnect:
		return s.connect(ctx, fd, entry, st, payload)
	case RtAsrCtlGetStatus:
		return s.getStatus(st)
	case RtAsrCtlSendEvent:
		return s.sendEvent(st, payload)
	case RtAsrCtlFlush:
		return s.flush(st)
	case RtAsrCtlClear:
		return s.clear(st)
	case RtAsrCtlSetAutoflush:
		return s.setAutoflush(st, payload)
	case RtAsrCtlGetAutoflush:
		st.mu.Lock()
		defer st.mu.Unlock()
		b, _ := json.Marshal(map[string]bool{"autoflush": st.autoflush})
		return b, 0
	default:
		return nil, -EINVAL
	}
}

func (s *RtAsrSession) setParam(fd int32, entry *FdEntry, st *RtAsrFd, payload []byte) ([]byte, int32) {
	if payload == nil {
		return nil, -EINVAL
	}
	var req struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.Key == "" {
		return nil, -EINVAL
	}

	st.mu.Lock()
	if st.state == RtAsrClosed {
		st.mu.Unlock()
		return nil, -EBADF
	}
	st.params[req.Key] = req.Value
	if st.state == RtAsrInit {
		st.state = RtAsrConfigured
	}
	if req.Key == "max_send_queue_bytes" {
		if n, ok := toInt(req.Value); ok {
			st.maxSendBytes = n
		}
	}
	if req.Key == "max_recv_queue_bytes" {
		if n, ok := toInt(req.Value); ok {
			st.maxRecvBytes = n
		}
	}
	st.mu.Unlock()

	s.table.NotifyWatchers(fd)
	return nil, 0
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

// connect dials the websocket URL carried in params["ws_url"], mirroring
// rtasr.rs's connect path generalized from the Rust original's
// tokio-tungstenite usage onto gorilla/websocket.
func (s *RtAsrSession) connect(ctx context.Context, fd int32, entry *FdEntry, st *RtAsrFd, payload []byte) ([]byte, int32) {
	st.mu.Lock()
	if st.state == RtAsrClosed {
		st.mu.Unlock()
		return nil, -EBADF
	}
	wsURL, _ := st.params["ws_url"].(string)
	st.state = RtAsrConnecting
	st.mu.Unlock()

	if wsURL == "" {
		st.mu.Lock()
		st.state = RtAsrError
		st.lastError = "ws_url not configured"
		st.mu.Unlock()
		return nil, -EINVAL
	}

	connCtx, cancel := context.WithCancel(ctx)
	conn, _, err := websocket.DefaultDialer.DialContext(connCtx, wsURL, nil)
	if err != nil {
		cancel()
		st.mu.Lock()
		st.state = RtAsrError
		st.lastError = err.Error()
		st.mu.Unlock()
		return nil, -5 // EIO
	}

	st.mu.Lock()
	st.conn = conn
	st.cancel = cancel
	st.state = RtAsrConnected
	st.mu.Unlock()

	go s.recvLoop(fd, st, conn)
	s.table.NotifyWatchers(fd)
	return nil, 0
}

func (s *RtAsrSession) recvLoop(fd int32, st *RtAsrFd, conn *websocket.Conn) {
	logger := log.WithComponent("hostapi.rtasr")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			st.mu.Lock()
			if st.state != RtAsrClosed {
				st.state = RtAsrError
				st.lastError = err.Error()
			}
			st.mu.Unlock()
			logger.Debug().Err(err).Msg("rtasr websocket closed")
			s.table.NotifyWatchers(fd)
			return
		}

		st.mu.Lock()
		if st.recvQueueBytes+len(data) > st.maxRecvBytes {
			st.dropped++
		} else {
			st.recvQueue.PushBack(data)
			st.recvQueueBytes += len(data)
		}
		st.mu.Unlock()

		entry := s.table.Get(fd)
		if entry != nil {
			entry.mu.Lock()
			entry.PollMask |= PollIN
			entry.mu.Unlock()
		}
		s.table.NotifyWatchers(fd)
	}
}

func (s *RtAsrSession) getStatus(st *RtAsrFd) ([]byte, int32) {
	st.mu.Lock()
	defer st.mu.Unlock()
	status := map[string]any{
		"state":            st.state,
		"send_queue_len":   st.sendQueue.Len(),
		"send_queue_bytes": st.sendQueueBytes,
		"recv_queue_len":   st.recvQueue.Len(),
		"recv_queue_bytes": st.recvQueueBytes,
		"dropped_events":   st.dropped,
		"last_error":       st.lastError,
		"autoflush":        st.autoflush,
	}
	b, _ := json.Marshal(status)
	return b, 0
}

func (s *RtAsrSession) sendEvent(st *RtAsrFd, payload []byte) ([]byte, int32) {
	if payload == nil {
		return nil, -EINVAL
	}
	item := RtAsrItem{Audio: append([]byte(nil), payload...)}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state == RtAsrClosed || st.state == RtAsrError {
		return nil, -EBADF
	}
	if st.sendQueueBytes+item.byteLen() > st.maxSendBytes {
		st.dropped++
		return nil, -28 // ENOSPC
	}
	st.sendQueue.PushBack(item)
	st.sendQueueBytes += item.byteLen()

	if st.autoflush && st.conn != nil {
		s.flushLocked(st)
	}
	return nil, 0
}

func (s *RtAsrSession) flush(st *RtAsrFd) ([]byte, int32) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return nil, s.flushLocked(st)
}

func (s *RtAsrSession) flushLocked(st *RtAsrFd) int32 {
	if st.conn == nil {
		return -EBADF
	}
	for st.sendQueue.Len() > 0 {
		front := st.sendQueue.Front()
		item := front.Value.(RtAsrItem)
		var err error
		if item.Text != "" {
			err = st.conn.WriteMessage(websocket.TextMessage, []byte(item.Text))
		} else {
			err = st.conn.WriteMessage(websocket.BinaryMessage, item.Audio)
		}
		if err != nil {
			st.state = RtAsrError
			st.lastError = err.Error()
			return -5
		}
		st.sendQueueBytes -= item.byteLen()
		st.sendQueue.Remove(front)
	}
	return 0
}

func (s *RtAsrSession) clear(st *RtAsrFd) ([]byte, int32) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sendQueue.Init()
	st.sendQueueBytes = 0
	st.recvQueue.Init()
	st.recvQueueBytes = 0
	return nil, 0
}

func (s *RtAsrSession) setAutoflush(st *RtAsrFd, payload []byte) ([]byte, int32) {
	if payload == nil {
		return nil, -EINVAL
	}
	var req struct {
		Autoflush bool `json:"autoflush"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, -EINVAL
	}
	st.mu.Lock()
	st.autoflush = req.Autoflush
	st.mu.Unlock()
	return nil, 0
}

// Close tears down the websocket connection (if any) and marks the
// RtAsr fd closed.
func (s *RtAsrSession) Close(fd int32) {
	st := s.get(fd)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.state = RtAsrClosed
	if st.cancel != nil {
		st.cancel()
	}
	if st.conn != nil {
		_ = st.conn.Close()
	}
	st.mu.Unlock()
	s.table.Close(fd)

	s.mu.Lock()
	delete(s.asrs, fd)
	s.mu.Unlock()
}

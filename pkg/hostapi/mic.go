package hostapi

import (
	"container/list"
	"sync"
)

// MicSession manages Mic fds: a buffer-backed audio source the host
// environment feeds via PushSamples. The original's mic/source_device.rs
// gates real device capture (cpal) behind a "mic-device" feature that is
// off by default and returns NotImplemented otherwise; this package
// mirrors the default (non-hardware) path only — device capture itself
// is out of scope without a Go cpal equivalent in the retrieved pack.
type MicSession struct {
	table *FdTable

	mu   sync.Mutex
	mics map[int32]*micFd
}

type micFd struct {
	mu         sync.Mutex
	running    bool
	generation uint64
	buffer     *list.List
	bufferSize int
	maxBytes   int
}

// NewMicSession binds Mic state management to table.
func NewMicSession(table *FdTable) *MicSession {
	return &MicSession{table: table, mics: make(map[int32]*micFd)}
}

// Create allocates a new Mic fd in the stopped state.
func (s *MicSession) Create(maxBufferBytes int) int32 {
	if maxBufferBytes <= 0 {
		maxBufferBytes = defaultMaxQueueBytes
	}
	fd := s.table.Alloc(&FdEntry{
		Kind:     KindMic,
		Watchers: make(map[int32]struct{}),
		Mic:      &MicState{},
	})
	s.mu.Lock()
	s.mics[fd] = &micFd{buffer: list.New(), maxBytes: maxBufferBytes}
	s.mu.Unlock()
	return fd
}

// Start marks a Mic fd running, per spawn_mic_device_task's success
// path, and returns 0; an fd this session does not own returns -EBADF.
func (s *MicSession) Start(fd int32) int32 {
	s.mu.Lock()
	m, ok := s.mics[fd]
	s.mu.Unlock()
	if !ok {
		return -EBADF
	}
	m.mu.Lock()
	m.running = true
	m.generation++
	m.mu.Unlock()
	s.syncEntry(fd, true, m)
	return 0
}

// Stop halts capture and bumps generation so in-flight reads from a
// prior session are recognized as stale.
func (s *MicSession) Stop(fd int32) int32 {
	s.mu.Lock()
	m, ok := s.mics[fd]
	s.mu.Unlock()
	if !ok {
		return -EBADF
	}
	m.mu.Lock()
	m.running = false
	m.generation++
	m.mu.Unlock()
	s.syncEntry(fd, false, m)
	s.table.NotifyWatchers(fd)
	return 0
}

// syncEntry mirrors micFd's running/generation state into the shared
// FdEntry.Mic field so fdtable.go's Close path observes the same state
// without reaching back into MicSession.
func (s *MicSession) syncEntry(fd int32, running bool, m *micFd) {
	e := s.table.Get(fd)
	if e == nil {
		return
	}
	m.mu.Lock()
	gen := m.generation
	m.mu.Unlock()
	e.mu.Lock()
	if e.Mic == nil {
		e.Mic = &MicState{}
	}
	e.Mic.Running = running
	e.Mic.Generation = gen
	e.mu.Unlock()
}

// PushSamples enqueues PCM samples from an external audio source
// (tests, or a real capture loop wired in by an embedder), dropping the
// oldest buffered chunk if the byte cap is exceeded.
func (s *MicSession) PushSamples(fd int32, pcm []byte) int32 {
	s.mu.Lock()
	m, ok := s.mics[fd]
	s.mu.Unlock()
	if !ok {
		return -EBADF
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return -EBADF
	}
	for m.bufferSize+len(pcm) > m.maxBytes && m.buffer.Len() > 0 {
		front := m.buffer.Front()
		m.bufferSize -= len(front.Value.([]byte))
		m.buffer.Remove(front)
	}
	m.buffer.PushBack(append([]byte(nil), pcm...))
	m.bufferSize += len(pcm)
	m.mu.Unlock()

	if entry := s.table.Get(fd); entry != nil {
		entry.mu.Lock()
		entry.PollMask |= PollIN
		entry.mu.Unlock()
	}
	s.table.NotifyWatchers(fd)
	return 0
}

// ReadSamples drains and returns all buffered PCM data for fd.
func (s *MicSession) ReadSamples(fd int32) ([]byte, int32) {
	s.mu.Lock()
	m, ok := s.mics[fd]
	s.mu.Unlock()
	if !ok {
		return nil, -EBADF
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []byte
	for m.buffer.Len() > 0 {
		front := m.buffer.Front()
		out = append(out, front.Value.([]byte)...)
		m.buffer.Remove(front)
	}
	m.bufferSize = 0
	return out, 0
}

// Close stops capture (if running) and releases the Mic fd.
func (s *MicSession) Close(fd int32) {
	s.Stop(fd)
	s.table.Close(fd)
	s.mu.Lock()
	delete(s.mics, fd)
	s.mu.Unlock()
}

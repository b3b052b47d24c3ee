// Package executionlog is the append-only per-execution NDJSON log store
// (C11): monotonic seq, size-capped truncation, finalize, paged read, and
// download. Directly grounded on
// original_source/src/sms/execution_logs.rs, with the per-key lock table
// idiom adapted from the teacher's map[string]*types.Container +
// sync.RWMutex pattern in pkg/worker/worker.go (Go's stand-in for the
// Rust original's dashmap::DashMap).
package executionlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	logsFileName = "logs.ndjson"
	metaFileName = "meta.json"

	// DefaultMaxBytesPerExecution is the size cap used when neither the
	// constructor nor MS_EXECUTION_LOG_MAX_BYTES override it.
	DefaultMaxBytesPerExecution = 10 * 1024 * 1024
)

// Sentinel errors for the append paths, per spec §4.11/§7.
var (
	ErrInvalidExecutionID = errors.New("executionlog: invalid execution id")
	ErrCompleted          = errors.New("executionlog: execution log is completed")
	ErrTruncated          = errors.New("executionlog: execution log is truncated")
	ErrInvalidSeq         = errors.New("executionlog: invalid seq")
)

// OutOfOrderError reports a client-stamped append whose seq skipped ahead
// of the expected next value.
type OutOfOrderError struct {
	Expected uint64
	Got      uint64
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("executionlog: out of order append: expected seq %d, got %d", e.Expected, e.Got)
}

// StoredLogLine is one NDJSON line on disk.
type StoredLogLine struct {
	TsMs    int64  `json:"ts_ms"`
	Seq     uint64 `json:"seq"`
	Stream  string `json:"stream"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// LogMeta is the atomically-replaced meta.json sidecar.
type LogMeta struct {
	ExecutionID string `json:"execution_id"`
	NextSeq     uint64 `json:"next_seq"`
	TotalBytes  uint64 `json:"total_bytes"`
	Truncated   bool   `json:"truncated"`
	Completed   bool   `json:"completed"`
	UpdatedAtMs int64  `json:"updated_at_ms"`
}

// AppendLogLine is one server-stamped append request line; unset optional
// fields take their documented defaults.
type AppendLogLine struct {
	TsMs    *int64
	Stream  *string
	Level   *string
	Message string
}

// AppendResult is the outcome of a server-stamped append.
type AppendResult struct {
	Accepted  int
	Truncated bool
	NextSeq   uint64
}

// AppendWithSeqResult is the outcome of a client-stamped append.
type AppendWithSeqResult struct {
	Accepted  uint64
	AckedSeq  uint64
	Truncated bool
	NextSeq   uint64
}

// ReadResult is one page of log lines.
type ReadResult struct {
	Lines      []StoredLogLine
	NextCursor string
	Truncated  bool
	Completed  bool
}

// Store is the per-process execution log store. Each instance owns its
// own lock table: construct one per process (or per test) rather than
// relying on a package-level singleton, so tests can cross-configure
// freely.
type Store struct {
	baseDir      string
	maxBytes     int64
	locksMu      sync.Mutex
	locks        map[string]*sync.Mutex
}

// New constructs a Store rooted at baseDir (spec's execution_logs/
// directory). maxBytesPerExecution <= 0 falls back to the
// MS_EXECUTION_LOG_MAX_BYTES env var, then DefaultMaxBytesPerExecution.
func New(baseDir string, maxBytesPerExecution int64) *Store {
	if maxBytesPerExecution <= 0 {
		maxBytesPerExecution = maxBytesFromEnv()
	}
	return &Store{
		baseDir:  baseDir,
		maxBytes: maxBytesPerExecution,
		locks:    make(map[string]*sync.Mutex),
	}
}

func maxBytesFromEnv() int64 {
	if v := os.Getenv("MS_EXECUTION_LOG_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return DefaultMaxBytesPerExecution
}

func sanitizeExecutionID(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", false
	}
	if strings.Contains(id, "/") || strings.Contains(id, "\\") || strings.Contains(id, "..") {
		return "", false
	}
	return id, true
}

func (s *Store) lockFor(executionID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[executionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[executionID] = l
	}
	return l
}

func (s *Store) execDir(executionID string) string  { return filepath.Join(s.baseDir, executionID) }
func (s *Store) logsPath(executionID string) string { return filepath.Join(s.execDir(executionID), logsFileName) }
func (s *Store) metaPath(executionID string) string { return filepath.Join(s.execDir(executionID), metaFileName) }

func nowMs() int64 { return time.Now().UnixMilli() }

func (s *Store) loadOrInitMeta(executionID string) (LogMeta, error) {
	b, err := os.ReadFile(s.metaPath(executionID))
	if errors.Is(err, os.ErrNotExist) {
		return LogMeta{ExecutionID: executionID, NextSeq: 1, UpdatedAtMs: nowMs()}, nil
	}
	if err != nil {
		return LogMeta{}, err
	}
	var m LogMeta
	if err := json.Unmarshal(b, &m); err != nil {
		return LogMeta{ExecutionID: executionID, NextSeq: 1, UpdatedAtMs: nowMs()}, nil
	}
	return m, nil
}

func (s *Store) saveMeta(m LogMeta) error {
	dir := s.execDir(m.ExecutionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(dir, fmt.Sprintf("%s.%s.tmp", metaFileName, uuid.NewString()))
	b, err := json.Marshal(m)
	if err != nil {
		b = []byte("{}")
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.metaPath(m.ExecutionID))
}

// Finalize marks an execution's log as completed; further appends fail.
func (s *Store) Finalize(executionID string) (LogMeta, error) {
	id, ok := sanitizeExecutionID(executionID)
	if !ok {
		return LogMeta{}, ErrInvalidExecutionID
	}
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.loadOrInitMeta(id)
	if err != nil {
		return LogMeta{}, err
	}
	m.Completed = true
	m.UpdatedAtMs = nowMs()
	if err := s.saveMeta(m); err != nil {
		return LogMeta{}, err
	}
	return m, nil
}

func parseCursorSeq(cursor string) uint64 {
	cursor = strings.TrimSpace(cursor)
	v, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// ReadPage returns lines with seq > cursor (parsed as a decimal u64, "0"
// for the start), up to limit lines.
func (s *Store) ReadPage(executionID string, cursor string, limit int) (ReadResult, error) {
	id, ok := sanitizeExecutionID(executionID)
	if !ok {
		return ReadResult{NextCursor: "0"}, nil
	}
	m, err := s.loadOrInitMeta(id)
	if err != nil {
		m = LogMeta{ExecutionID: id, NextSeq: 1}
	}

	after := parseCursorSeq(cursor)
	f, err := os.Open(s.logsPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return ReadResult{NextCursor: strconv.FormatUint(after, 10), Truncated: m.Truncated, Completed: m.Completed}, nil
	}
	if err != nil {
		return ReadResult{}, err
	}
	defer f.Close()

	if limit <= 0 {
		limit = 1
	}
	var out []StoredLogLine
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() && len(out) < limit {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var v StoredLogLine
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			continue
		}
		if v.Seq <= after {
			continue
		}
		out = append(out, v)
	}

	nextCursor := strconv.FormatUint(after, 10)
	if len(out) > 0 {
		nextCursor = strconv.FormatUint(out[len(out)-1].Seq, 10)
	}
	return ReadResult{Lines: out, NextCursor: nextCursor, Truncated: m.Truncated, Completed: m.Completed}, nil
}

// DownloadText concatenates every line as "{ts_ms}\t{stream}\t{level}\t{message}\n".
func (s *Store) DownloadText(executionID string) ([]byte, bool, error) {
	id, ok := sanitizeExecutionID(executionID)
	if !ok {
		return nil, false, nil
	}
	m, err := s.loadOrInitMeta(id)
	if err != nil {
		m = LogMeta{ExecutionID: id}
	}
	b, err := os.ReadFile(s.logsPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, m.Truncated, nil
	}
	if err != nil {
		return nil, false, err
	}

	var out []byte
	for _, line := range strings.Split(string(b), "\n") {
		if line == "" {
			continue
		}
		var v StoredLogLine
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			continue
		}
		out = append(out, []byte(fmt.Sprintf("%d\t%s\t%s\t%s\n", v.TsMs, v.Stream, v.Level, v.Message))...)
	}
	return out, m.Truncated, nil
}

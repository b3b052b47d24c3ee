package executionlog

import (
	"encoding/json"
	"os"
)

// AppendLogs is the server-stamped append path: seq is assigned from
// meta.next_seq regardless of what the caller sends. The size cap is
// checked before each line: a line is either written whole or not at
// all, and once total_bytes has reached the cap truncated is raised and
// no further line is written. A line that starts below the cap is
// written in full even when it takes total_bytes past the cap.
func (s *Store) AppendLogs(executionID string, lines []AppendLogLine) (AppendResult, error) {
	id, ok := sanitizeExecutionID(executionID)
	if !ok {
		return AppendResult{NextSeq: 1}, nil
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	dir := s.execDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return AppendResult{}, err
	}
	m, err := s.loadOrInitMeta(id)
	if err != nil {
		return AppendResult{}, err
	}

	if m.Completed {
		return AppendResult{Truncated: m.Truncated, NextSeq: m.NextSeq}, ErrCompleted
	}
	if m.Truncated || int64(m.TotalBytes) >= s.maxBytes {
		m.Truncated = true
		m.UpdatedAtMs = nowMs()
		_ = s.saveMeta(m)
		return AppendResult{Truncated: true, NextSeq: m.NextSeq}, nil
	}

	f, err := os.OpenFile(s.logsPath(id), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return AppendResult{}, err
	}
	defer f.Close()

	accepted := 0
	for _, l := range lines {
		if int64(m.TotalBytes) >= s.maxBytes {
			m.Truncated = true
			break
		}
		stored := StoredLogLine{
			TsMs:    defaultInt64(l.TsMs, nowMs()),
			Seq:     m.NextSeq,
			Stream:  defaultString(l.Stream, "stdout"),
			Level:   defaultString(l.Level, "info"),
			Message: l.Message,
		}
		lineBytes, err := json.Marshal(stored)
		if err != nil {
			continue
		}
		lineBytes = append(lineBytes, '\n')
		if _, err := f.Write(lineBytes); err != nil {
			return AppendResult{}, err
		}
		m.TotalBytes += uint64(len(lineBytes))
		m.NextSeq++
		accepted++
	}

	m.UpdatedAtMs = nowMs()
	if err := s.saveMeta(m); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Accepted: accepted, Truncated: m.Truncated, NextSeq: m.NextSeq}, nil
}

// AppendLogsWithSeq is the client-stamped append path: seq==0 is
// rejected, seq<next_seq is silently skipped (idempotent retry),
// seq>next_seq is OutOfOrder, seq==next_seq is accepted.
func (s *Store) AppendLogsWithSeq(executionID string, lines []StoredLogLine) (AppendWithSeqResult, error) {
	id, ok := sanitizeExecutionID(executionID)
	if !ok {
		return AppendWithSeqResult{}, ErrInvalidExecutionID
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	dir := s.execDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return AppendWithSeqResult{}, err
	}
	m, err := s.loadOrInitMeta(id)
	if err != nil {
		return AppendWithSeqResult{}, err
	}

	if m.Completed {
		return AppendWithSeqResult{}, ErrCompleted
	}
	if m.Truncated || int64(m.TotalBytes) >= s.maxBytes {
		m.Truncated = true
		m.UpdatedAtMs = nowMs()
		_ = s.saveMeta(m)
		return AppendWithSeqResult{}, ErrTruncated
	}

	f, err := os.OpenFile(s.logsPath(id), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return AppendWithSeqResult{}, err
	}
	defer f.Close()

	var accepted uint64
	for _, l := range lines {
		if int64(m.TotalBytes) >= s.maxBytes {
			m.Truncated = true
			break
		}
		if l.Seq == 0 {
			return AppendWithSeqResult{}, ErrInvalidSeq
		}
		if l.Seq < m.NextSeq {
			continue // idempotent retry of an already-accepted line
		}
		if l.Seq != m.NextSeq {
			return AppendWithSeqResult{}, &OutOfOrderError{Expected: m.NextSeq, Got: l.Seq}
		}
		if l.Stream == "" {
			l.Stream = "stdout"
		}
		if l.Level == "" {
			l.Level = "info"
		}
		lineBytes, err := json.Marshal(l)
		if err != nil {
			continue
		}
		lineBytes = append(lineBytes, '\n')
		if _, err := f.Write(lineBytes); err != nil {
			return AppendWithSeqResult{}, err
		}
		m.TotalBytes += uint64(len(lineBytes))
		m.NextSeq++
		accepted++
	}

	m.UpdatedAtMs = nowMs()
	if err := s.saveMeta(m); err != nil {
		return AppendWithSeqResult{}, err
	}
	return AppendWithSeqResult{
		Accepted:  accepted,
		AckedSeq:  m.NextSeq - 1,
		Truncated: m.Truncated,
		NextSeq:   m.NextSeq,
	}, nil
}

func defaultInt64(p *int64, fallback int64) int64 {
	if p != nil {
		return *p
	}
	return fallback
}

func defaultString(p *string, fallback string) string {
	if p != nil && *p != "" {
		return *p
	}
	return fallback
}

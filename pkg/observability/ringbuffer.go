package observability

import (
	"sync"
	"time"
)

// LogRecord is a single structured, already-redacted log record retained in
// the ring buffer for the log analyzer.
type LogRecord struct {
	Time      time.Time              `json:"time"`
	Level     LogLevel               `json:"level"`
	Prefix    string                 `json:"prefix"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// RingBuffer retains the last N log records. Writes never block and never
// fail; once full, the oldest record is overwritten.
type RingBuffer struct {
	mu      sync.RWMutex
	records []LogRecord
	next    int
	full    bool
}

// NewRingBuffer creates a ring buffer holding up to size records.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{records: make([]LogRecord, size)}
}

// Append adds a record, overwriting the oldest when full.
func (r *RingBuffer) Append(rec LogRecord) {
	r.mu.Lock()
	r.records[r.next] = rec
	r.next++
	if r.next == len(r.records) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Snapshot returns the retained records in chronological order.
func (r *RingBuffer) Snapshot() []LogRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.full {
		out := make([]LogRecord, r.next)
		copy(out, r.records[:r.next])
		return out
	}
	out := make([]LogRecord, 0, len(r.records))
	out = append(out, r.records[r.next:]...)
	out = append(out, r.records[:r.next]...)
	return out
}

// RecentSince returns retained records at or after t, chronological.
func (r *RingBuffer) RecentSince(t time.Time) []LogRecord {
	all := r.Snapshot()
	for i, rec := range all {
		if !rec.Time.Before(t) {
			return all[i:]
		}
	}
	return nil
}

// Len returns the number of retained records.
func (r *RingBuffer) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.records)
	}
	return r.next
}

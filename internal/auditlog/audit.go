package auditlog

import (
	"database/sql"
	"log/slog"
	"sync"
	"time"
)

// Event is a single audit log entry: an action taken against a target
// (a spot request ID, an instance ID, or a zone/instance-type pair) with a
// free-form detail string (the bid, the deficit covered, the error seen).
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Detail    string    `json:"detail"`
}

// Log is a thread-safe ring buffer of audit events with optional SQLite
// persistence.
type Log struct {
	mu     sync.RWMutex
	events []Event
	max    int
	db     *sql.DB
	writer *Writer
}

// New creates an audit log with the given max in-memory capacity.
func New(maxEvents int) *Log {
	return &Log{events: make([]Event, 0, maxEvents), max: maxEvents}
}

// NewWithDB creates an audit log backed by SQLite. A nil writer means new
// events are kept in memory only; a nil db means All reads the in-memory
// ring buffer. With db set and writer nil, All still reads from db.
func NewWithDB(maxEvents int, db *sql.DB, writer *Writer) *Log {
	return &Log{events: make([]Event, 0, maxEvents), max: maxEvents, db: db, writer: writer}
}

// Record adds a new audit event.
func (l *Log) Record(action, target, detail string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	event := Event{Timestamp: time.Now(), Action: action, Target: target, Detail: detail}

	if len(l.events) >= l.max {
		copy(l.events, l.events[1:])
		l.events[len(l.events)-1] = event
	} else {
		l.events = append(l.events, event)
	}

	if l.writer != nil {
		ts := event.Timestamp.Format(time.RFC3339)
		act, tgt, det := event.Action, event.Target, event.Detail
		l.writer.Enqueue(func(db *sql.DB) {
			if _, err := db.Exec(
				"INSERT INTO audit_events (timestamp, action, target, detail) VALUES (?, ?, ?, ?)",
				ts, act, tgt, det,
			); err != nil {
				slog.Error("auditlog: insert event", "action", act, "error", err)
			}
		})
	}
}

// Recent returns the most recent n events in reverse chronological order.
func (l *Log) Recent(n int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	count := len(l.events)
	if n > count {
		n = count
	}
	result := make([]Event, n)
	for i := 0; i < n; i++ {
		result[i] = l.events[count-1-i]
	}
	return result
}

// Flush ensures all pending audit events are written to SQLite before
// shutdown. It is a no-op if no async writer is configured.
func (l *Log) Flush() {
	if l.writer != nil {
		l.writer.Drain()
	}
}

// All returns events in reverse chronological order. When backed by SQLite,
// it returns up to the 10,000 most recent persisted events; if the query
// fails or finds no rows, it falls back to the in-memory ring buffer.
func (l *Log) All() []Event {
	if l.db != nil {
		if events := l.queryAll(); events != nil {
			return events
		}
	}
	l.mu.RLock()
	count := len(l.events)
	l.mu.RUnlock()
	return l.Recent(count)
}

func (l *Log) queryAll() []Event {
	rows, err := l.db.Query(
		"SELECT timestamp, action, target, detail FROM audit_events ORDER BY timestamp DESC LIMIT 10000",
	)
	if err != nil {
		return nil
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) []Event {
	var result []Event
	for rows.Next() {
		var e Event
		var ts string
		if err := rows.Scan(&ts, &e.Action, &e.Target, &e.Detail); err != nil {
			slog.Warn("auditlog: scan row", "error", err)
			continue
		}
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			slog.Warn("auditlog: parse timestamp", "ts", ts, "error", err)
			continue
		}
		e.Timestamp = parsed
		result = append(result, e)
	}
	return result
}

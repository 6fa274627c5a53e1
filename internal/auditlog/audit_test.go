package auditlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestRecord_InMemoryRingBufferEvictsOldest(t *testing.T) {
	l := New(2)
	l.Record("bid", "m3.large@us-east-1a", "0.10")
	l.Record("bid", "m3.large@us-east-1a", "0.11")
	l.Record("bid", "m3.large@us-east-1a", "0.12")

	recent := l.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("len(recent) = %d, want 2", len(recent))
	}
	if recent[0].Detail != "0.12" || recent[1].Detail != "0.11" {
		t.Errorf("recent = %+v, want newest-first [0.12, 0.11]", recent)
	}
}

func TestOpenThenRecord_PersistsAndSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	db, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	writer := NewWriter(db.RawDB(), 16)
	ctx, cancel := context.WithCancel(context.Background())
	writer.Run(ctx)

	l := NewWithDB(8, db.RawDB(), writer)
	l.Record("terminate", "i-1", "deficit covered")
	l.Flush()
	cancel()
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	l2 := NewWithDB(8, db2.RawDB(), nil)
	all := l2.All()
	if len(all) != 1 {
		t.Fatalf("len(all) = %d, want 1", len(all))
	}
	if all[0].Action != "terminate" || all[0].Target != "i-1" {
		t.Errorf("all[0] = %+v, want action=terminate target=i-1", all[0])
	}
}

func TestCleanup_RemovesEventsOlderThanRetention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	db, err := Open(Config{Path: path, RetentionDays: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	old := time.Now().AddDate(0, 0, -5).Format(time.RFC3339)
	if _, err := db.RawDB().Exec(
		"INSERT INTO audit_events (timestamp, action, target, detail) VALUES (?, ?, ?, ?)",
		old, "terminate", "i-old", "stale",
	); err != nil {
		t.Fatalf("seeding old row: %v", err)
	}

	if err := db.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	l := NewWithDB(8, db.RawDB(), nil)
	if all := l.All(); len(all) != 0 {
		t.Fatalf("len(all) = %d, want 0 after cleanup", len(all))
	}
}

package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	appLog "nestalert/internal/log"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newLedger(t *testing.T, c *fakeClock) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "alerts_seen.json")
	return Open(path, c.Now, appLog.Discard()), path
}

func readFile(t *testing.T, path string) map[string]Entry {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]Entry
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

func TestRecordIsIdempotentPerDay(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 10, 16, 9, 55, 0, 0, time.UTC)}
	l, path := newLedger(t, clock)
	l.Load()

	if err := l.Record("Standup"); err != nil {
		t.Fatalf("record: %v", err)
	}
	clock.t = clock.t.Add(30 * time.Second)
	if err := l.Record("Standup"); err != nil {
		t.Fatalf("record again: %v", err)
	}

	onDisk := readFile(t, path)
	if len(onDisk) != 1 {
		t.Fatalf("expected one entry, got %v", onDisk)
	}
	e := onDisk["Standup"]
	if e.Date != "2026-10-16" || e.Time != "09:55:30" {
		t.Fatalf("entry = %+v", e)
	}
	if !l.IsAlerted("Standup") || l.IsAlerted("Retro") {
		t.Fatal("membership mismatch")
	}
}

func TestLoadDropsPreviousDays(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)}
	l, path := newLedger(t, clock)

	old := map[string]Entry{
		"Standup": {Date: "2026-10-15", Time: "09:55:00"},
		"Retro":   {Date: "2026-10-16", Time: "07:58:00"},
	}
	data, _ := json.Marshal(old)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	got := l.Load()
	if len(got) != 1 || got["Retro"].Time != "07:58:00" {
		t.Fatalf("loaded = %v", got)
	}
	if l.IsAlerted("Standup") {
		t.Fatal("yesterday's alert should not suppress today")
	}

	// Crossing midnight without reloading also stops matching.
	clock.t = clock.t.Add(24 * time.Hour)
	if l.IsAlerted("Retro") {
		t.Fatal("entry from a previous day still matches")
	}
}

func TestLoadFailsOpenOnCorruptFile(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	l, path := newLedger(t, clock)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if got := l.Load(); len(got) != 0 {
		t.Fatalf("expected empty ledger, got %v", got)
	}
	if err := l.Record("Standup"); err != nil {
		t.Fatalf("record after corrupt load: %v", err)
	}
	if len(readFile(t, path)) != 1 {
		t.Fatal("record did not rewrite the corrupt file")
	}
}

func TestReset(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	l, path := newLedger(t, clock)
	l.Load()
	_ = l.Record("A")
	_ = l.Record("B")

	if err := l.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(l.Keys()) != 0 || len(readFile(t, path)) != 0 {
		t.Fatal("reset left entries behind")
	}
}

// Package ledger records which event titles were already announced today.
//
// The ledger is a small JSON file mapping title -> {date, time}. Entries from
// previous days are dropped on every load, which gives a daily reset without
// a scheduled job. Corrupt or unreadable files are treated as empty.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"nestalert/internal/config"
	appLog "nestalert/internal/log"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04:05"
)

// Entry is the on-disk record of one alert.
type Entry struct {
	Date string `json:"date"`
	Time string `json:"time"`
}

// Ledger is the daily dedup record. One process writes it; the audio host
// may read it concurrently through Entries.
type Ledger struct {
	path  string
	clock func() time.Time
	log   *appLog.Logger

	mu      sync.RWMutex
	entries map[string]Entry
}

// Open returns a Ledger for path. clock must return time in the zone that
// defines "today"; nil means time.Now. Call Load before use.
func Open(path string, clock func() time.Time, log *appLog.Logger) *Ledger {
	if clock == nil {
		clock = time.Now
	}
	return &Ledger{
		path:    path,
		clock:   clock,
		log:     log,
		entries: map[string]Entry{},
	}
}

// Load reads the file and keeps only today's entries. It never fails: a
// missing file is an empty ledger and a broken one is logged and ignored.
func (l *Ledger) Load() map[string]Entry {
	today := l.clock().Format(dateLayout)
	kept := map[string]Entry{}

	data, err := os.ReadFile(l.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		l.log.Warn("ledger unreadable, starting empty", "path", l.path, "err", err)
	default:
		var all map[string]Entry
		if err := json.Unmarshal(data, &all); err != nil {
			l.log.Warn("ledger corrupt, starting empty", "path", l.path, "err", err)
			break
		}
		for k, e := range all {
			if e.Date == today {
				kept[k] = e
			}
		}
	}

	l.mu.Lock()
	l.entries = kept
	l.mu.Unlock()

	l.log.Debug("ledger loaded", "path", l.path, "today", today, "entries", len(kept))
	return copyEntries(kept)
}

// IsAlerted reports whether key already fired today.
func (l *Ledger) IsAlerted(key string) bool {
	today := l.clock().Format(dateLayout)
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[key]
	return ok && e.Date == today
}

// Record stores key for today and rewrites the file. Recording the same key
// twice on one day only moves its time forward.
func (l *Ledger) Record(key string) error {
	now := l.clock()

	l.mu.Lock()
	l.entries[key] = Entry{Date: now.Format(dateLayout), Time: now.Format(timeLayout)}
	snapshot := copyEntries(l.entries)
	l.mu.Unlock()

	if err := l.persist(snapshot); err != nil {
		return fmt.Errorf("ledger: record %q: %w", key, err)
	}
	return nil
}

// Reset forgets every entry and rewrites the file empty.
func (l *Ledger) Reset() error {
	l.mu.Lock()
	l.entries = map[string]Entry{}
	l.mu.Unlock()

	if err := l.persist(map[string]Entry{}); err != nil {
		return fmt.Errorf("ledger: reset: %w", err)
	}
	return nil
}

// Entries returns a copy of today's entries.
func (l *Ledger) Entries() map[string]Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyEntries(l.entries)
}

// Keys returns today's keys sorted alphabetically.
func (l *Ledger) Keys() []string {
	l.mu.RLock()
	keys := make([]string, 0, len(l.entries))
	for k := range l.entries {
		keys = append(keys, k)
	}
	l.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

func (l *Ledger) persist(entries map[string]Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return config.WriteFileAtomic(l.path, append(data, '\n'), 0o644)
}

func copyEntries(in map[string]Entry) map[string]Entry {
	out := make(map[string]Entry, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

package util

import (
	"fmt"
	"sync"
	"time"
)

// JournalEntry is one timestamped line in a Journal.
type JournalEntry struct {
	At   time.Time
	Line string
}

// Journal is a bounded in-memory log of recent events, oldest dropped
// first. The call coordinator keeps one per call for diagnostics; it is
// safe for concurrent use.
type Journal struct {
	mu      sync.Mutex
	max     int
	entries []JournalEntry
}

// NewJournal creates a journal that retains at most max entries.
func NewJournal(max int) *Journal {
	if max <= 0 {
		max = 64
	}
	return &Journal{max: max}
}

// Recordf appends a formatted entry, evicting the oldest when full.
func (j *Journal) Recordf(format string, args ...any) {
	j.mu.Lock()
	j.entries = append(j.entries, JournalEntry{At: time.Now(), Line: fmt.Sprintf(format, args...)})
	if len(j.entries) > j.max {
		j.entries = j.entries[len(j.entries)-j.max:]
	}
	j.mu.Unlock()
}

// Recent returns a copy of the retained entries, oldest first.
func (j *Journal) Recent() []JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]JournalEntry, len(j.entries))
	copy(out, j.entries)
	return out
}

// Len returns the number of retained entries.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

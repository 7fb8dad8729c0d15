// Package history keeps the per-session log of visited pages that backs
// the back and forward actions.
package history

import (
	"errors"
	"sync"
)

// DefaultContentType is recorded when a page reported no content type.
const DefaultContentType = "text/html"

var (
	// ErrNoPreviousPage is returned by Back at the start of the log.
	ErrNoPreviousPage = errors.New("no previous page")
	// ErrNoNextPage is returned by Forward at the end of the log.
	ErrNoNextPage = errors.New("no next page")
)

// Entry is one visited page.
type Entry struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

// Log is an ordered list of entries with a cursor. The zero value is an
// empty log with the cursor before the first entry.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	pos     int
	started bool
}

// New returns an empty log.
func New() *Log {
	return &Log{}
}

// Append pushes e and moves the cursor to it.
func (l *Log) Append(e Entry) {
	if e.ContentType == "" {
		e.ContentType = DefaultContentType
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, e)
	l.pos = len(l.entries) - 1
	l.started = true
}

// Back moves the cursor one entry back and returns the entry there.
func (l *Log) Back() (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started || l.pos <= 0 {
		return Entry{}, ErrNoPreviousPage
	}
	l.pos--
	return l.entries[l.pos], nil
}

// Forward moves the cursor one entry forward and returns the entry there.
func (l *Log) Forward() (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started || l.pos >= len(l.entries)-1 {
		return Entry{}, ErrNoNextPage
	}
	l.pos++
	return l.entries[l.pos], nil
}

// Current returns the entry under the cursor.
func (l *Log) Current() (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started {
		return Entry{}, false
	}
	return l.entries[l.pos], true
}

// Position returns the cursor index, or -1 for an empty log.
func (l *Log) Position() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started {
		return -1
	}
	return l.pos
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns a copy of the log.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

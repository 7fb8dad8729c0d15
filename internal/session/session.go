// Package session owns the live browser sessions: creation under an
// instance ceiling, lookup by worker pid, inactivity reaping, orphan
// reconciliation and the per-session browser operations.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dchrostowski/mfeddie2/internal/browser"
	"github.com/dchrostowski/mfeddie2/internal/filter"
	"github.com/dchrostowski/mfeddie2/internal/history"
	"github.com/dchrostowski/mfeddie2/internal/logger"
)

// Settings are fixed when a session is created and apply to every later
// operation on it.
type Settings struct {
	UserAgent       string         `json:"user_agent,omitempty"`
	Proxy           string         `json:"proxy,omitempty"`
	Filter          filter.Options `json:"filter"`
	PageTimeout     time.Duration  `json:"page_timeout"`
	ResourceTimeout time.Duration  `json:"resource_timeout"`
	ReturnOnTimeout bool           `json:"return_on_timeout"`
	SuppressWarn    bool           `json:"suppress_warn"`
}

// Session is one browser worker and its history. Operations on a session
// are serialized; operations on different sessions run concurrently.
type Session struct {
	ID       int
	Created  time.Time
	Settings Settings

	worker  browser.Worker
	history *history.Log
	log     *logger.Logger

	lastTouched atomic.Int64
	ops         sync.Mutex

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

func newSession(w browser.Worker, settings Settings, now time.Time, log *logger.Logger) *Session {
	s := &Session{
		ID:       w.PID(),
		Created:  now,
		Settings: settings,
		worker:   w,
		history:  history.New(),
		log:      log.WithSession(w.PID()),
	}
	s.lastTouched.Store(now.UnixNano())
	return s
}

// LastTouched returns when the session was last used.
func (s *Session) LastTouched() time.Time {
	return time.Unix(0, s.lastTouched.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastTouched.Store(now.UnixNano())
}

// History returns the session's page log.
func (s *Session) History() *history.Log {
	return s.history
}

// Closed reports whether the worker has been terminated.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// close terminates the worker exactly once.
func (s *Session) close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.worker.Close()
	})
	return s.closeErr
}

// Result is the successful outcome of one operation.
type Result struct {
	// Message is the human-readable status line.
	Message string
	// Content is set when the operation returns the page itself.
	Content string
	// Raw marks Content as the response body, served with ContentType.
	Raw         bool
	ContentType string
	URL         string
	StatusCode  int
	Warnings    []string
	// TimedOut marks partial content returned after the page timeout.
	TimedOut bool
}

// Info is a point-in-time description of a session.
type Info struct {
	ID          int            `json:"pid"`
	Created     time.Time      `json:"created"`
	LastTouched time.Time      `json:"last_touched"`
	History     int            `json:"history"`
	Current     *history.Entry `json:"current,omitempty"`
}

// Info describes the session.
func (s *Session) Info() Info {
	info := Info{
		ID:          s.ID,
		Created:     s.Created,
		LastTouched: s.LastTouched(),
		History:     s.history.Len(),
	}
	if e, ok := s.history.Current(); ok {
		info.Current = &e
	}
	return info
}

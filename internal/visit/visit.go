// Package visit runs one navigation of one session to a single terminal
// outcome. Backend events, the page timer and the caller's context all
// race to conclude the visit; the first terminal transition is committed
// and every later signal is ignored.
package visit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dchrostowski/mfeddie2/internal/browser"
	"github.com/dchrostowski/mfeddie2/internal/errors"
	"github.com/dchrostowski/mfeddie2/internal/filter"
)

// Warning texts attached to outcomes.
const (
	WarnPartialContent = "Page failed to fully load prior to page timeout."
	warnResourceFmt    = "Resource Timeout: %s timed out while loading page."
)

// DefaultContentType is reported when a page loaded without announcing one.
const DefaultContentType = "text/html"

// State is a visit's position in its lifecycle.
type State int

const (
	// Idle is a visit that has not started.
	Idle State = iota
	// Loading is a visit waiting for its outcome.
	Loading
	// Succeeded is a fully loaded page.
	Succeeded
	// Warned is partial content returned after the page timeout.
	Warned
	// Failed is a fatal outcome.
	Failed
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Succeeded:
		return "succeeded"
	case Warned:
		return "warned"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends the visit.
func (s State) Terminal() bool {
	return s == Succeeded || s == Warned || s == Failed
}

// Options configure one visit.
type Options struct {
	URL             string
	PageTimeout     time.Duration
	ResourceTimeout time.Duration
	ReturnOnTimeout bool
	Policy          filter.Policy
}

// Outcome is the single result of a visit.
type Outcome struct {
	State       State
	URL         string
	ContentType string
	StatusCode  int
	Warnings    []string
	TimedOut    bool
	// Err is set when State is Failed.
	Err *errors.SessionError
}

// Fatal reports whether the outcome forces the session to be destroyed.
func (o Outcome) Fatal() bool {
	return o.State == Failed
}

// SignalKind identifies a transition trigger.
type SignalKind int

const (
	SignalNavigationRequested SignalKind = iota + 1
	SignalResourceReceived
	SignalResourceTimeout
	SignalOpenFinished
	SignalPageTimeout
	SignalCancelled
)

// Signal is one trigger delivered to a Machine.
type Signal struct {
	Kind        SignalKind
	URL         string
	RedirectURL string
	ContentType string
	Status      int
	Err         error
}

// FromEvent converts a backend event into a signal.
func FromEvent(ev browser.Event) Signal {
	s := Signal{
		URL:         ev.URL,
		RedirectURL: ev.RedirectURL,
		ContentType: ev.ContentType,
		Status:      ev.Status,
		Err:         ev.Err,
	}
	switch ev.Kind {
	case browser.EventNavigationRequested:
		s.Kind = SignalNavigationRequested
	case browser.EventResourceReceived:
		s.Kind = SignalResourceReceived
	case browser.EventResourceTimeout:
		s.Kind = SignalResourceTimeout
	case browser.EventOpenFinished:
		s.Kind = SignalOpenFinished
	}
	return s
}

// visitContext is the mutable state of one navigation.
type visitContext struct {
	url         string
	contentType string
	typeKnown   bool
	status      int
	warnings    []string
}

// Machine is the state machine for one visit. All methods are safe for
// concurrent use; transitions are serialized.
type Machine struct {
	mu     sync.Mutex
	opts   Options
	state  State
	vc     visitContext
	result *Outcome
}

// NewMachine creates an idle machine.
func NewMachine(opts Options) *Machine {
	return &Machine{
		opts: opts,
		vc:   visitContext{url: opts.URL},
	}
}

// Start moves an idle machine to Loading.
func (m *Machine) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Idle {
		m.state = Loading
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Step applies one signal. It returns true only for the call that commits
// the terminal outcome; once committed every further call is a no-op.
func (m *Machine) Step(sig Signal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.result != nil || m.state != Loading {
		return false
	}

	out := transition(&m.vc, m.opts, sig)
	if out == nil {
		return false
	}

	m.result = out
	m.state = out.State
	return true
}

// Outcome returns the committed outcome, if any.
func (m *Machine) Outcome() (Outcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.result == nil {
		return Outcome{}, false
	}
	out := *m.result
	out.Warnings = append([]string(nil), m.result.Warnings...)
	return out, true
}

// transition is the pure transition function. It mutates vc for
// non-terminal signals and returns the outcome for terminal ones.
func transition(vc *visitContext, opts Options, sig Signal) *Outcome {
	switch sig.Kind {
	case SignalNavigationRequested:
		vc.url = sig.URL
		vc.contentType = ""
		vc.typeKnown = false
		vc.warnings = nil
		return nil

	case SignalResourceReceived:
		if vc.typeKnown || !sameURL(sig.URL, vc.url) {
			return nil
		}
		if sig.RedirectURL != "" {
			vc.url = sig.RedirectURL
			vc.contentType = ""
			vc.typeKnown = false
			return nil
		}
		vc.contentType = sig.ContentType
		vc.typeKnown = true
		vc.status = sig.Status
		return nil

	case SignalResourceTimeout:
		if sameURL(sig.URL, vc.url) || !vc.typeKnown {
			return fail(vc, errors.NewMainResourceTimeout(sig.URL))
		}
		if !opts.ReturnOnTimeout {
			return fail(vc, errors.NewResourceTimeout(sig.URL, vc.url))
		}
		vc.warnings = append(vc.warnings, fmt.Sprintf(warnResourceFmt, sig.URL))
		return nil

	case SignalPageTimeout:
		if opts.ReturnOnTimeout && vc.typeKnown {
			vc.warnings = append(vc.warnings, WarnPartialContent)
			out := conclude(vc, Warned)
			out.TimedOut = true
			return out
		}
		return fail(vc, errors.NewPageTimeout(vc.url, opts.PageTimeout.Milliseconds()))

	case SignalOpenFinished:
		if sig.Err != nil {
			err := errors.NewNavigationFailed(opts.URL, sig.Err)
			if vc.status >= 400 {
				err.StatusCode = vc.status
			}
			return fail(vc, err)
		}
		return conclude(vc, Succeeded)

	case SignalCancelled:
		cause := sig.Err
		if cause == nil {
			cause = context.Canceled
		}
		return fail(vc, errors.Categorize(cause, "visit"))
	}

	return nil
}

func conclude(vc *visitContext, state State) *Outcome {
	ct := vc.contentType
	if ct == "" {
		ct = DefaultContentType
	}
	status := vc.status
	if status == 0 {
		status = 200
	}
	return &Outcome{
		State:       state,
		URL:         vc.url,
		ContentType: ct,
		StatusCode:  status,
		Warnings:    append([]string(nil), vc.warnings...),
	}
}

func fail(vc *visitContext, err *errors.SessionError) *Outcome {
	return &Outcome{
		State:       Failed,
		URL:         vc.url,
		ContentType: vc.contentType,
		StatusCode:  err.StatusCode,
		Warnings:    append([]string(nil), vc.warnings...),
		Err:         err,
	}
}

// sameURL compares URLs ignoring every slash, so trailing-slash and
// scheme-separator differences between request and response do not matter.
func sameURL(a, b string) bool {
	return strings.ReplaceAll(a, "/", "") == strings.ReplaceAll(b, "/", "")
}

// Navigator starts navigations. browser.Worker satisfies it.
type Navigator interface {
	Open(ctx context.Context, nav browser.Navigation) error
}

// eventBuffer bounds how far the backend may run ahead of the machine.
const eventBuffer = 64

// Run performs one visit and blocks until its outcome is committed. The
// page timer starts when Run is called and is never extended. When Run
// returns, ctx handed to the navigator is cancelled so the backend stops
// emitting.
func Run(ctx context.Context, nav Navigator, opts Options) Outcome {
	m := NewMachine(opts)
	m.Start()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var pageTimeout <-chan time.Time
	if opts.PageTimeout > 0 {
		timer := time.NewTimer(opts.PageTimeout)
		defer timer.Stop()
		pageTimeout = timer.C
	}

	events := make(chan browser.Event, eventBuffer)
	err := nav.Open(ctx, browser.Navigation{
		URL:             opts.URL,
		ResourceTimeout: opts.ResourceTimeout,
		Admit:           opts.Policy.Admit,
		Events:          events,
	})
	if err != nil {
		m.Step(Signal{Kind: SignalOpenFinished, Err: err})
	}

	for {
		if out, done := m.Outcome(); done {
			return out
		}
		select {
		case ev := <-events:
			m.Step(FromEvent(ev))
		case <-pageTimeout:
			m.Step(Signal{Kind: SignalPageTimeout})
		case <-ctx.Done():
			m.Step(Signal{Kind: SignalCancelled, Err: ctx.Err()})
		}
	}
}

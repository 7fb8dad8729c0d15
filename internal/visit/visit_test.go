package visit

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/dchrostowski/mfeddie2/internal/browser"
	"github.com/dchrostowski/mfeddie2/internal/errors"
	"github.com/dchrostowski/mfeddie2/internal/filter"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newOpts(url string, returnOnTimeout bool) Options {
	return Options{
		URL:             url,
		PageTimeout:     2 * time.Second,
		ResourceTimeout: time.Second,
		ReturnOnTimeout: returnOnTimeout,
		Policy:          filter.NewPolicy(url, filter.Options{}),
	}
}

func received(url, ct string, status int) Signal {
	return Signal{Kind: SignalResourceReceived, URL: url, ContentType: ct, Status: status}
}

var openOK = Signal{Kind: SignalOpenFinished}

// =============================================================================
// Transition Tests
// =============================================================================

func TestMachine_Transitions(t *testing.T) {
	tests := []struct {
		name            string
		returnOnTimeout bool
		signals         []Signal
		wantState       State
		wantType        errors.ErrorType
		wantStatus      int
		wantURL         string
		wantCT          string
		wantWarnings    []string
		wantTimedOut    bool
	}{
		{
			name:            "main-frame navigation drops earlier warnings",
			returnOnTimeout: true,
			signals: []Signal{
				received("http://example.com", "text/html", 200),
				{Kind: SignalResourceTimeout, URL: "http://example.com/slow.js"},
				{Kind: SignalNavigationRequested, URL: "http://example.com/next"},
				received("http://example.com/next", "text/html", 200),
				openOK,
			},
			wantState:  Succeeded,
			wantStatus: 200,
			wantURL:    "http://example.com/next",
			wantCT:     "text/html",
		},
		{
			name:       "main resource then open success",
			signals:    []Signal{received("http://example.com/", "text/html", 200), openOK},
			wantState:  Succeeded,
			wantStatus: 200,
			wantURL:    "http://example.com",
			wantCT:     "text/html",
		},
		{
			name:       "open failure",
			signals:    []Signal{{Kind: SignalOpenFinished, Err: stderrors.New("net::ERR_NAME_NOT_RESOLVED")}},
			wantState:  Failed,
			wantType:   errors.NavigationFailed,
			wantStatus: 500,
			wantURL:    "http://example.com",
		},
		{
			name: "open failure keeps recorded error status",
			signals: []Signal{
				received("http://example.com", "text/html", 502),
				{Kind: SignalOpenFinished, Err: stderrors.New("aborted")},
			},
			wantState:  Failed,
			wantType:   errors.NavigationFailed,
			wantStatus: 502,
			wantURL:    "http://example.com",
			wantCT:     "text/html",
		},
		{
			name: "redirect is followed",
			signals: []Signal{
				{Kind: SignalResourceReceived, URL: "http://example.com", RedirectURL: "http://example.com/home", Status: 301},
				received("http://example.com/home", "application/json", 200),
				openOK,
			},
			wantState:  Succeeded,
			wantStatus: 200,
			wantURL:    "http://example.com/home",
			wantCT:     "application/json",
		},
		{
			name: "sub-resource response is ignored",
			signals: []Signal{
				received("http://example.com/app.js", "application/javascript", 200),
				received("http://example.com", "text/html", 201),
				openOK,
			},
			wantState:  Succeeded,
			wantStatus: 201,
			wantURL:    "http://example.com",
			wantCT:     "text/html",
		},
		{
			name: "main frame navigation resets content type",
			signals: []Signal{
				received("http://example.com", "text/html", 200),
				{Kind: SignalNavigationRequested, URL: "http://example.com/next"},
				received("http://example.com/next", "text/plain", 200),
				openOK,
			},
			wantState:  Succeeded,
			wantStatus: 200,
			wantURL:    "http://example.com/next",
			wantCT:     "text/plain",
		},
		{
			name:       "missing content type defaults to html",
			signals:    []Signal{openOK},
			wantState:  Succeeded,
			wantStatus: 200,
			wantURL:    "http://example.com",
			wantCT:     "text/html",
		},
		{
			name:       "main resource timeout",
			signals:    []Signal{{Kind: SignalResourceTimeout, URL: "http://example.com/"}},
			wantState:  Failed,
			wantType:   errors.GatewayTimeout,
			wantStatus: 504,
			wantURL:    "http://example.com",
		},
		{
			name:            "sub-resource timeout before content type is fatal",
			returnOnTimeout: true,
			signals:         []Signal{{Kind: SignalResourceTimeout, URL: "http://example.com/a.js"}},
			wantState:       Failed,
			wantType:        errors.GatewayTimeout,
			wantStatus:      504,
			wantURL:         "http://example.com",
		},
		{
			name:            "sub-resource timeout with return_on_timeout warns",
			returnOnTimeout: true,
			signals: []Signal{
				received("http://example.com", "text/html", 200),
				{Kind: SignalResourceTimeout, URL: "http://example.com/a.js"},
				openOK,
			},
			wantState:    Succeeded,
			wantStatus:   200,
			wantURL:      "http://example.com",
			wantCT:       "text/html",
			wantWarnings: []string{"Resource Timeout: http://example.com/a.js timed out while loading page."},
		},
		{
			name: "sub-resource timeout without return_on_timeout fails",
			signals: []Signal{
				received("http://example.com", "text/html", 200),
				{Kind: SignalResourceTimeout, URL: "http://example.com/a.js"},
			},
			wantState:  Failed,
			wantType:   errors.ResourceTimeout,
			wantStatus: 504,
			wantURL:    "http://example.com",
			wantCT:     "text/html",
		},
		{
			name:            "page timeout with content type and return_on_timeout",
			returnOnTimeout: true,
			signals: []Signal{
				received("http://example.com", "text/html", 200),
				{Kind: SignalPageTimeout},
			},
			wantState:    Warned,
			wantStatus:   200,
			wantURL:      "http://example.com",
			wantCT:       "text/html",
			wantWarnings: []string{WarnPartialContent},
			wantTimedOut: true,
		},
		{
			name: "page timeout without return_on_timeout",
			signals: []Signal{
				received("http://example.com", "text/html", 200),
				{Kind: SignalPageTimeout},
			},
			wantState:  Failed,
			wantType:   errors.GatewayTimeout,
			wantStatus: 504,
			wantURL:    "http://example.com",
			wantCT:     "text/html",
		},
		{
			name:            "page timeout before content type",
			returnOnTimeout: true,
			signals:         []Signal{{Kind: SignalPageTimeout}},
			wantState:       Failed,
			wantType:        errors.GatewayTimeout,
			wantStatus:      504,
			wantURL:         "http://example.com",
		},
		{
			name: "first terminal wins",
			signals: []Signal{
				{Kind: SignalOpenFinished, Err: stderrors.New("refused")},
				openOK,
				{Kind: SignalPageTimeout},
			},
			wantState:  Failed,
			wantType:   errors.NavigationFailed,
			wantStatus: 500,
			wantURL:    "http://example.com",
		},
		{
			name:       "cancelled",
			signals:    []Signal{{Kind: SignalCancelled, Err: context.DeadlineExceeded}},
			wantState:  Failed,
			wantType:   errors.GatewayTimeout,
			wantStatus: 504,
			wantURL:    "http://example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine(newOpts("http://example.com", tt.returnOnTimeout))
			m.Start()

			commits := 0
			for _, sig := range tt.signals {
				if m.Step(sig) {
					commits++
				}
			}
			if commits != 1 {
				t.Fatalf("commits = %d, want 1", commits)
			}

			out, ok := m.Outcome()
			if !ok {
				t.Fatal("Outcome() not committed")
			}
			if out.State != tt.wantState {
				t.Errorf("State = %v, want %v", out.State, tt.wantState)
			}
			if m.State() != tt.wantState {
				t.Errorf("machine State() = %v, want %v", m.State(), tt.wantState)
			}
			if tt.wantState == Failed {
				if out.Err == nil {
					t.Fatal("Err = nil for failed outcome")
				}
				if out.Err.Type != tt.wantType {
					t.Errorf("Err.Type = %v, want %v", out.Err.Type, tt.wantType)
				}
				if !out.Fatal() {
					t.Error("Fatal() = false for failed outcome")
				}
			} else if out.Err != nil {
				t.Errorf("Err = %v, want nil", out.Err)
			}
			if out.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", out.StatusCode, tt.wantStatus)
			}
			if out.URL != tt.wantURL {
				t.Errorf("URL = %q, want %q", out.URL, tt.wantURL)
			}
			if out.ContentType != tt.wantCT {
				t.Errorf("ContentType = %q, want %q", out.ContentType, tt.wantCT)
			}
			if diff := cmp.Diff(tt.wantWarnings, out.Warnings); diff != "" {
				t.Errorf("Warnings mismatch (-want +got):\n%s", diff)
			}
			if out.TimedOut != tt.wantTimedOut {
				t.Errorf("TimedOut = %v, want %v", out.TimedOut, tt.wantTimedOut)
			}
		})
	}
}

func TestMachine_IgnoresSignalsBeforeStart(t *testing.T) {
	m := NewMachine(newOpts("http://example.com", false))

	if m.Step(openOK) {
		t.Error("Step() on an idle machine must not commit")
	}
	if m.State() != Idle {
		t.Errorf("State() = %v, want Idle", m.State())
	}
}

func TestMachine_ConcurrentTriggersCommitOnce(t *testing.T) {
	triggers := []Signal{
		openOK,
		{Kind: SignalOpenFinished, Err: stderrors.New("refused")},
		{Kind: SignalResourceTimeout, URL: "http://example.com"},
		{Kind: SignalPageTimeout},
	}

	for round := 0; round < 50; round++ {
		m := NewMachine(newOpts("http://example.com", true))
		m.Start()

		var (
			wg      sync.WaitGroup
			commits atomic.Int32
			winner  atomic.Int32
		)
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				sig := triggers[i%len(triggers)]
				if m.Step(sig) {
					commits.Add(1)
					winner.Store(int32(sig.Kind))
				}
			}(i)
		}
		wg.Wait()

		if commits.Load() != 1 {
			t.Fatalf("round %d: commits = %d, want 1", round, commits.Load())
		}
		out, _ := m.Outcome()
		if SignalKind(winner.Load()) == SignalOpenFinished && out.State == Warned {
			t.Fatalf("round %d: open signal committed a page-timeout outcome", round)
		}
		if !out.State.Terminal() {
			t.Fatalf("round %d: State = %v, want terminal", round, out.State)
		}
	}
}

func TestMachine_OutcomeIsCopy(t *testing.T) {
	m := NewMachine(newOpts("http://example.com", true))
	m.Start()
	m.Step(received("http://example.com", "text/html", 200))
	m.Step(Signal{Kind: SignalPageTimeout})

	out, _ := m.Outcome()
	out.Warnings[0] = "mutated"

	again, _ := m.Outcome()
	if again.Warnings[0] != WarnPartialContent {
		t.Error("Outcome() must return a copy of the warnings")
	}
}

func TestSameURL(t *testing.T) {
	if !sameURL("http://example.com/", "http://example.com") {
		t.Error("trailing slash should not matter")
	}
	if sameURL("http://example.com/a", "http://example.com/b") {
		t.Error("different paths must differ")
	}
}

func TestFromEvent(t *testing.T) {
	ev := browser.Event{Kind: browser.EventResourceReceived, URL: "u", RedirectURL: "r", ContentType: "c", Status: 302}
	want := Signal{Kind: SignalResourceReceived, URL: "u", RedirectURL: "r", ContentType: "c", Status: 302}
	if diff := cmp.Diff(want, FromEvent(ev), cmp.Comparer(func(a, b error) bool { return a == b })); diff != "" {
		t.Errorf("FromEvent() mismatch (-want +got):\n%s", diff)
	}
}

// =============================================================================
// Run Tests
// =============================================================================

// scriptNavigator plays a fixed list of events, pausing between them.
type scriptNavigator struct {
	events  []browser.Event
	gap     time.Duration
	openErr error
	got     browser.Navigation
}

func (s *scriptNavigator) Open(ctx context.Context, nav browser.Navigation) error {
	s.got = nav
	if s.openErr != nil {
		return s.openErr
	}
	go func() {
		for _, ev := range s.events {
			if s.gap > 0 {
				select {
				case <-time.After(s.gap):
				case <-ctx.Done():
					return
				}
			}
			if !nav.Emit(ctx, ev) {
				return
			}
		}
	}()
	return nil
}

func TestRun_Success(t *testing.T) {
	nav := &scriptNavigator{events: []browser.Event{
		{Kind: browser.EventNavigationRequested, URL: "http://example.com"},
		{Kind: browser.EventResourceReceived, URL: "http://example.com/", ContentType: "text/html", Status: 200},
		{Kind: browser.EventResourceReceived, URL: "http://example.com/logo.png", ContentType: "image/png", Status: 200},
		{Kind: browser.EventOpenFinished, URL: "http://example.com"},
	}}

	opts := newOpts("http://example.com", false)
	out := Run(context.Background(), nav, opts)

	if out.State != Succeeded {
		t.Fatalf("State = %v, want Succeeded (err %v)", out.State, out.Err)
	}
	if out.ContentType != "text/html" || out.StatusCode != 200 {
		t.Errorf("ContentType/StatusCode = %q/%d", out.ContentType, out.StatusCode)
	}
	if nav.got.ResourceTimeout != opts.ResourceTimeout {
		t.Errorf("ResourceTimeout = %v, want %v", nav.got.ResourceTimeout, opts.ResourceTimeout)
	}
	if nav.got.Admit("http://thirdparty.net/x.js") {
		t.Error("navigation should carry the visit's filter policy")
	}
}

func TestRun_OpenError(t *testing.T) {
	nav := &scriptNavigator{openErr: browser.ErrClosed}

	out := Run(context.Background(), nav, newOpts("http://example.com", false))

	if out.State != Failed || out.Err.Type != errors.NavigationFailed {
		t.Errorf("outcome = %v/%v, want Failed/NavigationFailed", out.State, out.Err)
	}
}

func TestRun_PageTimeoutReturnsPartialContent(t *testing.T) {
	nav := &scriptNavigator{events: []browser.Event{
		{Kind: browser.EventResourceReceived, URL: "http://example.com", ContentType: "text/html", Status: 200},
	}}
	opts := newOpts("http://example.com", true)
	opts.PageTimeout = 30 * time.Millisecond

	out := Run(context.Background(), nav, opts)

	if out.State != Warned || !out.TimedOut {
		t.Fatalf("State/TimedOut = %v/%v, want Warned/true", out.State, out.TimedOut)
	}
	if out.ContentType != "text/html" {
		t.Errorf("ContentType = %q, want text/html", out.ContentType)
	}
	if diff := cmp.Diff([]string{WarnPartialContent}, out.Warnings); diff != "" {
		t.Errorf("Warnings mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_PageTimeoutWithoutReturnOnTimeout(t *testing.T) {
	nav := &scriptNavigator{events: []browser.Event{
		{Kind: browser.EventResourceReceived, URL: "http://example.com", ContentType: "text/html", Status: 200},
	}}
	opts := newOpts("http://example.com", false)
	opts.PageTimeout = 30 * time.Millisecond

	out := Run(context.Background(), nav, opts)

	if out.State != Failed || out.Err.Type != errors.GatewayTimeout || out.StatusCode != 504 {
		t.Errorf("outcome = %v/%v/%d, want Failed/GatewayTimeout/504", out.State, out.Err, out.StatusCode)
	}
}

func TestRun_RedirectDoesNotExtendBudget(t *testing.T) {
	nav := &scriptNavigator{
		gap: 20 * time.Millisecond,
		events: []browser.Event{
			{Kind: browser.EventResourceReceived, URL: "http://example.com", RedirectURL: "http://example.com/a", Status: 302},
			{Kind: browser.EventResourceReceived, URL: "http://example.com/a", RedirectURL: "http://example.com/b", Status: 302},
			{Kind: browser.EventResourceReceived, URL: "http://example.com/b", RedirectURL: "http://example.com/c", Status: 302},
			{Kind: browser.EventResourceReceived, URL: "http://example.com/c", ContentType: "text/html", Status: 200},
			{Kind: browser.EventOpenFinished},
		},
	}
	opts := newOpts("http://example.com", false)
	opts.PageTimeout = 50 * time.Millisecond

	out := Run(context.Background(), nav, opts)

	if out.State != Failed || out.Err.Type != errors.GatewayTimeout {
		t.Errorf("outcome = %v/%v, want Failed/GatewayTimeout", out.State, out.Err)
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	nav := &scriptNavigator{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := Run(ctx, nav, newOpts("http://example.com", false))

	if out.State != Failed {
		t.Errorf("State = %v, want Failed", out.State)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		Idle: "idle", Loading: "loading", Succeeded: "succeeded",
		Warned: "warned", Failed: "failed", State(42): "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}

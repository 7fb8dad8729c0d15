package browser

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/go-cmp/cmp"
)

// =============================================================================
// Selector Tests
// =============================================================================

func TestParseSelector(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		force   string
		want    Selector
		wantErr bool
	}{
		{"css by default", "#login", "", Selector{Expr: "#login", Kind: CSS}, false},
		{"leading slash is xpath", "//a[@id='x']", "", Selector{Expr: "//a[@id='x']", Kind: XPath}, false},
		{"inner slash stays css", "a[href='/home']", "", Selector{Expr: "a[href='/home']", Kind: CSS}, false},
		{"forced css", "/weird", "css", Selector{Expr: "/weird", Kind: CSS}, false},
		{"forced xpath", "id('x')", "XPATH", Selector{Expr: "id('x')", Kind: XPath}, false},
		{"bad force", "#x", "sizzle", Selector{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSelector(tt.expr, tt.force)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSelector() error = %v, wantErr %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseSelector() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSelectorKind_String(t *testing.T) {
	if CSS.String() != "css" || XPath.String() != "xpath" {
		t.Errorf("String() = %q/%q", CSS.String(), XPath.String())
	}
}

// =============================================================================
// Interceptor Tests
// =============================================================================

func TestInterceptor_Expired(t *testing.T) {
	i := NewInterceptor()
	base := time.Now()

	i.Record("1", "http://a/slow.js", base)
	i.Record("2", "http://a/fast.css", base.Add(900*time.Millisecond))
	i.Record("3", "http://a/older.js", base.Add(-time.Second))
	i.Done("2")

	got := i.Expired(base.Add(time.Second), 500*time.Millisecond)
	want := []string{"http://a/older.js", "http://a/slow.js"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Expired() mismatch (-want +got):\n%s", diff)
	}
	if again := i.Expired(base.Add(time.Hour), 0); len(again) != 0 {
		t.Errorf("expired requests must be reported once, got %v", again)
	}
}

func TestInterceptor_RedirectRestartsClock(t *testing.T) {
	i := NewInterceptor()
	base := time.Now()

	i.Record("doc", "http://a/", base)
	i.Record("doc", "http://a/home", base.Add(800*time.Millisecond))

	if got := i.Expired(base.Add(time.Second), 500*time.Millisecond); len(got) != 0 {
		t.Errorf("Expired() = %v, want none", got)
	}
	got := i.Expired(base.Add(2*time.Second), 500*time.Millisecond)
	if diff := cmp.Diff([]string{"http://a/home"}, got); diff != "" {
		t.Errorf("Expired() after the redirect mismatch (-want +got):\n%s", diff)
	}
}

// =============================================================================
// Navigation Tests
// =============================================================================

func TestNavigation_Emit(t *testing.T) {
	ch := make(chan Event, 1)
	nav := Navigation{Events: ch}

	if !nav.Emit(context.Background(), Event{Kind: EventOpenFinished}) {
		t.Fatal("Emit() should deliver into a free buffer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if nav.Emit(ctx, Event{Kind: EventOpenFinished}) {
		t.Error("Emit() on a full channel with a done context should give up")
	}
}

func TestEventKind_String(t *testing.T) {
	tests := map[EventKind]string{
		EventNavigationRequested: "navigation_requested",
		EventResourceReceived:    "resource_received",
		EventResourceTimeout:     "resource_timeout",
		EventOpenFinished:        "open_finished",
		EventKind(0):             "unknown",
	}
	for k, want := range tests {
		if got := k.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}

func TestNewLauncher_Defaults(t *testing.T) {
	l := NewLauncher(Config{})
	if l.config.CloseTimeout != 5*time.Second {
		t.Errorf("CloseTimeout = %v, want 5s", l.config.CloseTimeout)
	}
}

func TestQueryError(t *testing.T) {
	evalErr := &rod.ErrEval{RuntimeExceptionDetails: &proto.RuntimeExceptionDetails{
		Exception: &proto.RuntimeRemoteObject{Description: "SyntaxError: '##x' is not a valid selector"},
	}}
	other := stderrors.New("websocket: close 1006")

	tests := []struct {
		name        string
		err         error
		wantInvalid bool
	}{
		{"evaluation error", evalErr, true},
		{"wrapped evaluation error", fmt.Errorf("query: %w", evalErr), true},
		{"transport error", other, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := queryError(tt.err)
			if stderrors.Is(got, ErrInvalidSelector) != tt.wantInvalid {
				t.Errorf("queryError(%v) = %v, invalid selector = %v", tt.err, got, tt.wantInvalid)
			}
		})
	}
}

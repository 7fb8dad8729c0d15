// Package browser is the boundary to the rendering backend: it launches
// headless Chrome workers and exposes the narrow command and event
// surface the session layer drives.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNoMatch is returned by Query when the selector matched nothing.
	ErrNoMatch = errors.New("no element matched selector")
	// ErrInvalidSelector is returned by Query when the backend rejected the
	// selector expression.
	ErrInvalidSelector = errors.New("invalid selector")
	// ErrClosed is returned by operations on a closed worker.
	ErrClosed = errors.New("worker closed")
)

// EventKind identifies a backend navigation event.
type EventKind int

const (
	// EventNavigationRequested is a main-frame navigation starting.
	EventNavigationRequested EventKind = iota + 1
	// EventResourceReceived is a response for any resource. RedirectURL is
	// set when the response is a redirect.
	EventResourceReceived
	// EventResourceTimeout is a resource that did not finish within the
	// resource timeout.
	EventResourceTimeout
	// EventOpenFinished is the end of the navigation. Err is set when the
	// URL could not be opened.
	EventOpenFinished
)

// String returns the string representation of EventKind.
func (k EventKind) String() string {
	switch k {
	case EventNavigationRequested:
		return "navigation_requested"
	case EventResourceReceived:
		return "resource_received"
	case EventResourceTimeout:
		return "resource_timeout"
	case EventOpenFinished:
		return "open_finished"
	default:
		return "unknown"
	}
}

// Event is one signal from the backend during a navigation.
type Event struct {
	Kind        EventKind
	URL         string
	RedirectURL string
	ContentType string
	Status      int
	Err         error
}

// Navigation describes one page open.
type Navigation struct {
	URL             string
	ResourceTimeout time.Duration
	// Admit is consulted synchronously for every request the page makes.
	// A false result aborts that request.
	Admit func(requestURL string) bool
	// Events receives the navigation's events until ctx is done.
	Events chan<- Event
}

// Emit delivers ev on the navigation's channel unless ctx ends first.
func (n Navigation) Emit(ctx context.Context, ev Event) bool {
	select {
	case n.Events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// SelectorKind is the selector language.
type SelectorKind int

const (
	// CSS selects with document.querySelector.
	CSS SelectorKind = iota
	// XPath selects with document.evaluate.
	XPath
)

// String returns the name used in client messages.
func (k SelectorKind) String() string {
	if k == XPath {
		return "xpath"
	}
	return "css"
}

// Selector is an element locator.
type Selector struct {
	Expr string
	Kind SelectorKind
}

// ParseSelector builds a selector from its expression. Expressions starting
// with "/" are xpath; force may be "css" or "xpath" to override detection.
func ParseSelector(expr, force string) (Selector, error) {
	switch strings.ToLower(force) {
	case "":
		if strings.HasPrefix(expr, "/") {
			return Selector{Expr: expr, Kind: XPath}, nil
		}
		return Selector{Expr: expr, Kind: CSS}, nil
	case "css":
		return Selector{Expr: expr, Kind: CSS}, nil
	case "xpath":
		return Selector{Expr: expr, Kind: XPath}, nil
	default:
		return Selector{}, fmt.Errorf("Invalid selector type '%s'", force)
	}
}

// Rect is an element's bounding box in page coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Key is a keystroke sent to the focused element.
type Key rune

// KeyReturn is the Return key.
const KeyReturn Key = '\r'

// LaunchOptions are the per-worker settings fixed at launch.
type LaunchOptions struct {
	UserAgent string
	Proxy     string
}

// Launcher spawns workers.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Worker, error)
}

// Worker is one browser process with a single page.
type Worker interface {
	// PID is the operating system id of the browser process.
	PID() int
	// Open starts navigating to nav.URL and returns once the navigation is
	// under way. Progress and completion arrive on nav.Events.
	Open(ctx context.Context, nav Navigation) error
	Content(ctx context.Context) (string, error)
	ContentType(ctx context.Context) (string, error)
	// Assign sets window.location.href.
	Assign(ctx context.Context, url string) error
	Query(ctx context.Context, sel Selector) (Element, error)
	Back(ctx context.Context) error
	Forward(ctx context.Context) error
	// Screenshot captures the page, or only clip when it is non-nil, as PNG.
	Screenshot(ctx context.Context, clip *Rect) ([]byte, error)
	Type(ctx context.Context, k Key) error
	// Close terminates the browser process.
	Close() error
}

// Element is a matched DOM element.
type Element interface {
	// Visible is false when the element has no rendered width and height.
	Visible(ctx context.Context) (bool, error)
	HasAttribute(ctx context.Context, name string) (bool, error)
	Href(ctx context.Context) (string, error)
	Rect(ctx context.Context) (Rect, error)
	Click(ctx context.Context) error
}

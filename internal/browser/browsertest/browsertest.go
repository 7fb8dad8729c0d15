// Package browsertest provides an in-memory browser backend for tests.
// Pages are HTML fixtures; CSS selectors are resolved with goquery.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/dchrostowski/mfeddie2/internal/browser"
)

// PNG is the image every fake screenshot returns.
var PNG = []byte("\x89PNG\r\n\x1a\nfake")

// Page is a fixture served for one URL.
type Page struct {
	HTML        string
	ContentType string
	Status      int
	// RedirectTo makes the page answer with a redirect to another fixture.
	RedirectTo string
	// XPath maps xpath expressions to equivalent CSS for this page.
	XPath map[string]string
}

// OpenFunc scripts a navigation. It runs in its own goroutine and reports
// through nav.Emit.
type OpenFunc func(ctx context.Context, w *Worker, nav browser.Navigation)

// Launcher creates fake workers.
type Launcher struct {
	mu      sync.Mutex
	nextPID int
	pages   map[string]Page
	workers []*Worker

	// Err fails every launch when set.
	Err error
	// Delay is added to every launch.
	Delay time.Duration
	// Open overrides the default navigation script.
	Open OpenFunc
}

// NewLauncher creates a launcher serving pages.
func NewLauncher(pages map[string]Page) *Launcher {
	if pages == nil {
		pages = make(map[string]Page)
	}
	return &Launcher{nextPID: 1000, pages: pages}
}

// AddPage registers a fixture.
func (l *Launcher) AddPage(rawURL string, p Page) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pages[rawURL] = p
}

func (l *Launcher) page(rawURL string) (Page, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pages[rawURL]
	if !ok {
		p, ok = l.pages[strings.TrimSuffix(rawURL, "/")]
	}
	return p, ok
}

// Launch implements browser.Launcher.
func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Worker, error) {
	if l.Delay > 0 {
		select {
		case <-time.After(l.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.Err != nil {
		return nil, l.Err
	}

	l.nextPID++
	w := &Worker{launcher: l, pid: l.nextPID, Options: opts}
	l.workers = append(l.workers, w)
	return w, nil
}

// Workers returns every worker launched so far.
func (l *Launcher) Workers() []*Worker {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Worker(nil), l.workers...)
}

// Worker is a fake browser process.
type Worker struct {
	launcher *Launcher
	pid      int

	// Options are the launch options the worker was created with.
	Options browser.LaunchOptions

	mu       sync.Mutex
	url      string
	current  Page
	loaded   bool
	closed   int
	clicks   []string
	typed    []browser.Key
	shots    []*browser.Rect
	backs    int
	forwards int
	denied   []string
}

// PID implements browser.Worker.
func (w *Worker) PID() int { return w.pid }

// Open implements browser.Worker. The default script serves the fixture
// for nav.URL, following RedirectTo, and emits the same events a real
// backend would.
func (w *Worker) Open(ctx context.Context, nav browser.Navigation) error {
	if w.Closed() {
		return browser.ErrClosed
	}
	script := w.launcher.Open
	if script == nil {
		script = ServeFixture
	}
	go script(ctx, w, nav)
	return nil
}

// ServeFixture is the default navigation script.
func ServeFixture(ctx context.Context, w *Worker, nav browser.Navigation) {
	target := nav.URL
	for hops := 0; hops < 10; hops++ {
		if nav.Admit != nil && !nav.Admit(target) {
			w.recordDenied(target)
			nav.Emit(ctx, browser.Event{Kind: browser.EventOpenFinished, URL: nav.URL,
				Err: errors.New("net::ERR_BLOCKED_BY_CLIENT")})
			return
		}

		nav.Emit(ctx, browser.Event{Kind: browser.EventNavigationRequested, URL: target})

		p, ok := w.launcher.page(target)
		if !ok {
			nav.Emit(ctx, browser.Event{Kind: browser.EventOpenFinished, URL: nav.URL,
				Err: errors.New("net::ERR_NAME_NOT_RESOLVED")})
			return
		}

		if p.RedirectTo != "" {
			nav.Emit(ctx, browser.Event{Kind: browser.EventResourceReceived, URL: target,
				RedirectURL: p.RedirectTo, Status: 302})
			target = p.RedirectTo
			continue
		}

		status := p.Status
		if status == 0 {
			status = 200
		}
		nav.Emit(ctx, browser.Event{Kind: browser.EventResourceReceived, URL: target,
			ContentType: p.ContentType, Status: status})
		w.Load(target, p)
		nav.Emit(ctx, browser.Event{Kind: browser.EventOpenFinished, URL: nav.URL})
		return
	}

	nav.Emit(ctx, browser.Event{Kind: browser.EventOpenFinished, URL: nav.URL,
		Err: errors.New("net::ERR_TOO_MANY_REDIRECTS")})
}

// Load makes p the current document.
func (w *Worker) Load(rawURL string, p Page) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.url = rawURL
	w.current = p
	w.loaded = true
}

func (w *Worker) recordDenied(u string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.denied = append(w.denied, u)
}

func (w *Worker) document() (*goquery.Document, Page, string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed > 0 {
		return nil, Page{}, "", browser.ErrClosed
	}
	root, err := html.Parse(strings.NewReader(w.current.HTML))
	if err != nil {
		return nil, Page{}, "", err
	}
	return goquery.NewDocumentFromNode(root), w.current, w.url, nil
}

// Content implements browser.Worker.
func (w *Worker) Content(ctx context.Context) (string, error) {
	if err := w.check(ctx); err != nil {
		return "", err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current.HTML, nil
}

// ContentType implements browser.Worker.
func (w *Worker) ContentType(ctx context.Context) (string, error) {
	if err := w.check(ctx); err != nil {
		return "", err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current.ContentType == "" && w.loaded {
		return "text/html", nil
	}
	return w.current.ContentType, nil
}

// Assign implements browser.Worker by loading the fixture synchronously.
func (w *Worker) Assign(ctx context.Context, rawURL string) error {
	if err := w.check(ctx); err != nil {
		return err
	}
	p, ok := w.launcher.page(rawURL)
	if !ok {
		return fmt.Errorf("no fixture for %s", rawURL)
	}
	w.Load(rawURL, p)
	return nil
}

// Query implements browser.Worker.
func (w *Worker) Query(ctx context.Context, sel browser.Selector) (browser.Element, error) {
	if err := w.check(ctx); err != nil {
		return nil, err
	}
	doc, page, base, err := w.document()
	if err != nil {
		return nil, err
	}

	expr := sel.Expr
	if sel.Kind == browser.XPath {
		css, ok := page.XPath[sel.Expr]
		if !ok {
			return nil, browser.ErrNoMatch
		}
		expr = css
	}

	matcher, err := cascadia.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", browser.ErrInvalidSelector, err)
	}

	found := doc.FindMatcher(matcher).First()
	if found.Length() == 0 {
		return nil, browser.ErrNoMatch
	}
	return &Element{worker: w, sel: found, base: base, expr: sel.Expr}, nil
}

// Back implements browser.Worker.
func (w *Worker) Back(ctx context.Context) error {
	if err := w.check(ctx); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.backs++
	return nil
}

// Forward implements browser.Worker.
func (w *Worker) Forward(ctx context.Context) error {
	if err := w.check(ctx); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.forwards++
	return nil
}

// Screenshot implements browser.Worker.
func (w *Worker) Screenshot(ctx context.Context, clip *browser.Rect) ([]byte, error) {
	if err := w.check(ctx); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.shots = append(w.shots, clip)
	return PNG, nil
}

// Type implements browser.Worker.
func (w *Worker) Type(ctx context.Context, k browser.Key) error {
	if err := w.check(ctx); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.typed = append(w.typed, k)
	return nil
}

// Close implements browser.Worker.
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed++
	return nil
}

func (w *Worker) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.Closed() {
		return browser.ErrClosed
	}
	return nil
}

// Closed reports whether Close was called.
func (w *Worker) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed > 0
}

// CloseCount returns how many times Close was called.
func (w *Worker) CloseCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Clicks returns the selectors clicked so far.
func (w *Worker) Clicks() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.clicks...)
}

// Typed returns the keys typed so far.
func (w *Worker) Typed() []browser.Key {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]browser.Key(nil), w.typed...)
}

// Screenshots returns the clip of every screenshot; nil means full page.
func (w *Worker) Screenshots() []*browser.Rect {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*browser.Rect(nil), w.shots...)
}

// HistoryMoves returns how many back and forward navigations were requested.
func (w *Worker) HistoryMoves() (backs, forwards int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.backs, w.forwards
}

// Denied returns URLs the admission callback rejected.
func (w *Worker) Denied() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.denied...)
}

// Element is a fixture element. It is hidden when it carries the hidden
// attribute or an inline display:none style.
type Element struct {
	worker *Worker
	sel    *goquery.Selection
	base   string
	expr   string
}

// Visible implements browser.Element.
func (e *Element) Visible(ctx context.Context) (bool, error) {
	if _, hidden := e.sel.Attr("hidden"); hidden {
		return false, nil
	}
	style := strings.ReplaceAll(strings.ToLower(e.sel.AttrOr("style", "")), " ", "")
	return !strings.Contains(style, "display:none"), nil
}

// HasAttribute implements browser.Element.
func (e *Element) HasAttribute(ctx context.Context, name string) (bool, error) {
	_, ok := e.sel.Attr(name)
	return ok, nil
}

// Href implements browser.Element, resolving against the page URL.
func (e *Element) Href(ctx context.Context) (string, error) {
	href, ok := e.sel.Attr("href")
	if !ok {
		return "", nil
	}
	base, err := url.Parse(e.base)
	if err != nil {
		return href, nil
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// Rect implements browser.Element. Fixtures may set data-rect="x,y,w,h".
func (e *Element) Rect(ctx context.Context) (browser.Rect, error) {
	raw, ok := e.sel.Attr("data-rect")
	if !ok {
		return browser.Rect{Width: 100, Height: 20}, nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return browser.Rect{}, fmt.Errorf("bad data-rect %q", raw)
	}
	var vals [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return browser.Rect{}, err
		}
		vals[i] = v
	}
	return browser.Rect{X: vals[0], Y: vals[1], Width: vals[2], Height: vals[3]}, nil
}

// Click implements browser.Element.
func (e *Element) Click(ctx context.Context) error {
	if err := e.worker.check(ctx); err != nil {
		return err
	}
	e.worker.mu.Lock()
	defer e.worker.mu.Unlock()
	e.worker.clicks = append(e.worker.clicks, e.expr)
	return nil
}

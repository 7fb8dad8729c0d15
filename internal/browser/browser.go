package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
)

// Config defines browser configuration.
type Config struct {
	Headless          bool          `json:"headless" yaml:"headless"`
	Bin               string        `json:"bin" yaml:"bin"`
	NoSandbox         bool          `json:"no_sandbox" yaml:"no_sandbox"`
	UserAgent         string        `json:"user_agent" yaml:"user_agent"`
	ViewportWidth     int           `json:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `json:"viewport_height" yaml:"viewport_height"`
	IgnoreHTTPSErrors bool          `json:"ignore_https_errors" yaml:"ignore_https_errors"`
	CloseTimeout      time.Duration `json:"close_timeout" yaml:"close_timeout"`
}

// DefaultConfig returns default browser configuration.
func DefaultConfig() Config {
	return Config{
		Headless:          true,
		ViewportWidth:     800,
		ViewportHeight:    800,
		IgnoreHTTPSErrors: true,
		CloseTimeout:      5 * time.Second,
	}
}

// RodLauncher starts one Chrome process per worker.
type RodLauncher struct {
	config Config
}

// NewLauncher creates a launcher.
func NewLauncher(config Config) *RodLauncher {
	if config.CloseTimeout <= 0 {
		config.CloseTimeout = 5 * time.Second
	}
	return &RodLauncher{config: config}
}

// Launch starts a browser process and opens its page. The process is a
// direct child of this one so orphan reconciliation can recognise it.
func (r *RodLauncher) Launch(ctx context.Context, opts LaunchOptions) (Worker, error) {
	l := launcher.New().
		Headless(r.config.Headless).
		Leakless(false)

	if r.config.Bin != "" {
		l = l.Bin(r.config.Bin)
	}
	if r.config.NoSandbox {
		l = l.NoSandbox(true)
	}
	if r.config.IgnoreHTTPSErrors {
		l = l.Set("ignore-certificate-errors")
	}
	if opts.Proxy != "" {
		l = l.Proxy(opts.Proxy)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	controlURL, err := l.Launch()
	if err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = b.Close()
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	w := &rodWorker{
		pid:      l.PID(),
		launcher: l,
		browser:  b,
		page:     page,
		config:   r.config,
	}

	if err := w.setup(opts); err != nil {
		_ = w.Close()
		return nil, err
	}

	return w, nil
}

type rodWorker struct {
	pid      int
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	router   *rod.HijackRouter
	config   Config

	admit     atomic.Pointer[func(string) bool]
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (w *rodWorker) setup(opts LaunchOptions) error {
	// Set viewport (ignore errors, not critical)
	_ = w.page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:  w.config.ViewportWidth,
		Height: w.config.ViewportHeight,
	})

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = w.config.UserAgent
	}
	if userAgent != "" {
		if err := (proto.NetworkSetUserAgentOverride{UserAgent: userAgent}).Call(w.page); err != nil {
			return fmt.Errorf("failed to set user agent: %w", err)
		}
	}

	if err := (proto.NetworkEnable{}).Call(w.page); err != nil {
		return fmt.Errorf("failed to enable network events: %w", err)
	}

	// Every request the page makes passes through the current admission func.
	w.router = w.page.HijackRequests()
	if err := w.router.Add("*", "", w.intercept); err != nil {
		return fmt.Errorf("failed to install request filter: %w", err)
	}
	go w.router.Run()

	return nil
}

func (w *rodWorker) intercept(h *rod.Hijack) {
	if admit := w.admit.Load(); admit != nil && !(*admit)(h.Request.URL().String()) {
		h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
		return
	}
	h.ContinueRequest(&proto.FetchContinueRequest{})
}

func (w *rodWorker) PID() int {
	return w.pid
}

func (w *rodWorker) Open(ctx context.Context, nav Navigation) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if nav.Admit != nil {
		admit := nav.Admit
		w.admit.Store(&admit)
	}

	page := w.page.Context(ctx)
	tracker := NewInterceptor()

	wait := page.EachEvent(
		func(e *proto.NetworkRequestWillBeSent) {
			tracker.Record(string(e.RequestID), e.Request.URL, time.Now())
			if e.Type != proto.NetworkResourceTypeDocument || e.FrameID != w.page.FrameID {
				return
			}
			if e.RedirectResponse != nil {
				nav.Emit(ctx, Event{
					Kind:        EventResourceReceived,
					URL:         e.RedirectResponse.URL,
					RedirectURL: e.Request.URL,
					ContentType: e.RedirectResponse.MIMEType,
					Status:      e.RedirectResponse.Status,
				})
				return
			}
			nav.Emit(ctx, Event{Kind: EventNavigationRequested, URL: e.Request.URL})
		},
		func(e *proto.NetworkResponseReceived) {
			nav.Emit(ctx, Event{
				Kind:        EventResourceReceived,
				URL:         e.Response.URL,
				ContentType: e.Response.MIMEType,
				Status:      e.Response.Status,
			})
		},
		func(e *proto.NetworkLoadingFinished) {
			tracker.Done(string(e.RequestID))
		},
		func(e *proto.NetworkLoadingFailed) {
			tracker.Done(string(e.RequestID))
		},
	)
	go wait()

	if nav.ResourceTimeout > 0 {
		go watchResources(ctx, nav, tracker)
	}

	go func() {
		err := page.Navigate(nav.URL)
		if err == nil {
			err = page.WaitLoad()
		}
		nav.Emit(ctx, Event{Kind: EventOpenFinished, URL: nav.URL, Err: err})
	}()

	return nil
}

func watchResources(ctx context.Context, nav Navigation, tracker *Interceptor) {
	tick := nav.ResourceTimeout / 4
	if tick > 250*time.Millisecond {
		tick = 250 * time.Millisecond
	}
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, u := range tracker.Expired(now, nav.ResourceTimeout) {
				if !nav.Emit(ctx, Event{Kind: EventResourceTimeout, URL: u}) {
					return
				}
			}
		}
	}
}

func (w *rodWorker) eval(ctx context.Context, js string, args ...interface{}) (gson.JSON, error) {
	if w.closed.Load() {
		return gson.New(nil), ErrClosed
	}
	res, err := w.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return gson.New(nil), err
	}
	return res.Value, nil
}

func (w *rodWorker) Content(ctx context.Context) (string, error) {
	if w.closed.Load() {
		return "", ErrClosed
	}
	return w.page.Context(ctx).HTML()
}

func (w *rodWorker) ContentType(ctx context.Context) (string, error) {
	v, err := w.eval(ctx, `() => document.contentType`)
	if err != nil {
		return "", err
	}
	return v.Str(), nil
}

func (w *rodWorker) Assign(ctx context.Context, url string) error {
	_, err := w.eval(ctx, `(u) => { window.location.href = u }`, url)
	return err
}

func (w *rodWorker) Query(ctx context.Context, sel Selector) (Element, error) {
	if w.closed.Load() {
		return nil, ErrClosed
	}

	page := w.page.Context(ctx)

	var (
		els rod.Elements
		err error
	)
	if sel.Kind == XPath {
		els, err = page.ElementsX(sel.Expr)
	} else {
		els, err = page.Elements(sel.Expr)
	}
	if err != nil {
		return nil, queryError(err)
	}
	if els.Empty() {
		return nil, ErrNoMatch
	}
	return &rodElement{el: els.First()}, nil
}

// queryError marks a selector the page could not evaluate as invalid.
func queryError(err error) error {
	var evalErr *rod.ErrEval
	if errors.As(err, &evalErr) {
		return fmt.Errorf("%w: %v", ErrInvalidSelector, err)
	}
	return err
}

func (w *rodWorker) Back(ctx context.Context) error {
	if w.closed.Load() {
		return ErrClosed
	}
	return w.page.Context(ctx).NavigateBack()
}

func (w *rodWorker) Forward(ctx context.Context) error {
	if w.closed.Load() {
		return ErrClosed
	}
	return w.page.Context(ctx).NavigateForward()
}

func (w *rodWorker) Screenshot(ctx context.Context, clip *Rect) ([]byte, error) {
	if w.closed.Load() {
		return nil, ErrClosed
	}

	req := &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng}
	if clip == nil {
		return w.page.Context(ctx).Screenshot(true, req)
	}

	req.Clip = &proto.PageViewport{
		X:      clip.X,
		Y:      clip.Y,
		Width:  clip.Width,
		Height: clip.Height,
		Scale:  1,
	}
	return w.page.Context(ctx).Screenshot(false, req)
}

func (w *rodWorker) Type(ctx context.Context, k Key) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	switch {
	case k == KeyReturn:
		return w.page.Keyboard.Type(input.Enter)
	case k >= 0x20 && k < 0x7f:
		return w.page.Keyboard.Type(input.Key(k))
	default:
		return w.page.InsertText(string(rune(k)))
	}
}

// Close shuts the browser down and kills its process. Safe to call more
// than once.
func (w *rodWorker) Close() error {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		if w.router != nil {
			_ = w.router.Stop()
		}
		w.closeErr = w.browser.Timeout(w.config.CloseTimeout).Close()
		w.launcher.Kill()
		w.launcher.Cleanup()
	})
	return w.closeErr
}

type rodElement struct {
	el *rod.Element
}

func (e *rodElement) Visible(ctx context.Context) (bool, error) {
	res, err := e.el.Context(ctx).Eval(`() => this.offsetWidth > 0 || this.offsetHeight > 0`)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (e *rodElement) HasAttribute(ctx context.Context, name string) (bool, error) {
	v, err := e.el.Context(ctx).Attribute(name)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

func (e *rodElement) Href(ctx context.Context) (string, error) {
	v, err := e.el.Context(ctx).Property("href")
	if err != nil {
		return "", err
	}
	if v.Nil() {
		return "", nil
	}
	return v.Str(), nil
}

func (e *rodElement) Rect(ctx context.Context) (Rect, error) {
	res, err := e.el.Context(ctx).Eval(`() => {
		const r = this.getBoundingClientRect();
		return {x: r.left + window.scrollX, y: r.top + window.scrollY, width: r.width, height: r.height};
	}`)
	if err != nil {
		return Rect{}, err
	}
	v := res.Value
	return Rect{
		X:      v.Get("x").Num(),
		Y:      v.Get("y").Num(),
		Width:  v.Get("width").Num(),
		Height: v.Get("height").Num(),
	}, nil
}

// Click dispatches a synthetic click so that forced clicks on hidden
// elements still reach their handlers.
func (e *rodElement) Click(ctx context.Context) error {
	_, err := e.el.Context(ctx).Eval(`() => {
		const ev = document.createEvent('Events');
		ev.initEvent('click', true, false);
		this.dispatchEvent(ev);
	}`)
	return err
}

package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/dchrostowski/mfeddie2/internal/browser"
	"github.com/dchrostowski/mfeddie2/internal/errors"
	"github.com/dchrostowski/mfeddie2/internal/filter"
	"github.com/dchrostowski/mfeddie2/internal/history"
	"github.com/dchrostowski/mfeddie2/internal/visit"
)

// Target locates the element an interacting operation acts on.
type Target struct {
	Selector string
	// ForceType overrides selector language detection ("css" or "xpath").
	ForceType string
	// Force skips the visibility and value-attribute checks.
	Force bool
}

// Visit navigates to url. With getContent the page itself is returned.
func (s *Session) Visit(ctx context.Context, url string, getContent bool) (Result, error) {
	s.ops.Lock()
	defer s.ops.Unlock()

	out := visit.Run(ctx, s.worker, visit.Options{
		URL:             url,
		PageTimeout:     s.Settings.PageTimeout,
		ResourceTimeout: s.Settings.ResourceTimeout,
		ReturnOnTimeout: s.Settings.ReturnOnTimeout,
		Policy:          filter.NewPolicy(url, s.Settings.Filter),
	})

	res := Result{
		URL:         out.URL,
		ContentType: out.ContentType,
		StatusCode:  out.StatusCode,
		Warnings:    out.Warnings,
		TimedOut:    out.TimedOut,
	}
	if out.Fatal() {
		s.log.WithURL(url).WithError(out.Err).Warn("Visit failed")
		return res, out.Err.WithSession(s.ID)
	}

	s.history.Append(history.Entry{URL: out.URL, ContentType: out.ContentType})
	s.log.WithURL(out.URL).Infof("Page opened with status code %d and content type %s", out.StatusCode, out.ContentType)

	if !getContent {
		res.Message = "Successfully visited page."
		return res, nil
	}

	content, err := s.worker.Content(ctx)
	if err != nil {
		return res, s.fail("visit", err)
	}
	if content == "" {
		return res, errors.NewNoContent("visit").WithSession(s.ID)
	}
	res.Content = content
	res.Raw = true
	return res, nil
}

// Click dispatches a click on the target and waits settle.
func (s *Session) Click(ctx context.Context, t Target, settle time.Duration) (Result, error) {
	s.ops.Lock()
	defer s.ops.Unlock()

	el, err := s.resolve(ctx, "click", t)
	if err != nil {
		return Result{}, err
	}
	if err := el.Click(ctx); err != nil {
		return Result{}, s.fail("click", err)
	}
	if err := s.sleep(ctx, "click", settle); err != nil {
		return Result{}, err
	}
	return Result{Message: "Fired click event on " + t.Selector}, nil
}

// EnterText clicks the target and types text one key at a time. Each key
// waits a random delay between half and one and a half times delay. The
// two characters `\n` are sent as Return.
func (s *Session) EnterText(ctx context.Context, t Target, text string, delay time.Duration) (Result, error) {
	s.ops.Lock()
	defer s.ops.Unlock()

	el, err := s.resolve(ctx, "enter_text", t)
	if err != nil {
		return Result{}, err
	}
	if !t.Force {
		ok, err := el.HasAttribute(ctx, "value")
		if err != nil {
			return Result{}, s.fail("enter_text", err)
		}
		if !ok {
			return Result{}, errors.NewNotEditable(t.Selector).WithSession(s.ID)
		}
	}
	if err := el.Click(ctx); err != nil {
		return Result{}, s.fail("enter_text", err)
	}

	for _, k := range Keystrokes(text) {
		if err := s.sleep(ctx, "enter_text", jitter(delay)); err != nil {
			return Result{}, err
		}
		if err := s.worker.Type(ctx, k); err != nil {
			return Result{}, s.fail("enter_text", err)
		}
	}
	return Result{Message: fmt.Sprintf("Successfully entered %s to element %s", text, t.Selector)}, nil
}

// Keystrokes converts text to keys. Both a newline and the escape `\n`
// become Return.
func Keystrokes(text string) []browser.Key {
	runes := []rune(text)
	keys := make([]browser.Key, 0, len(runes))
	for i := 0; i < len(runes); i++ {
		switch {
		case runes[i] == '\\' && i+1 < len(runes) && runes[i+1] == 'n':
			keys = append(keys, browser.KeyReturn)
			i++
		case runes[i] == '\n':
			keys = append(keys, browser.KeyReturn)
		default:
			keys = append(keys, browser.Key(runes[i]))
		}
	}
	return keys
}

// jitter returns a duration uniformly drawn from [d/2, 3d/2].
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	lo := d / 2
	return lo + time.Duration(rand.Int64N(int64(d)+1))
}

// FollowLink navigates to the target's href, waits settle and records the
// page in the history.
func (s *Session) FollowLink(ctx context.Context, t Target, settle time.Duration) (Result, error) {
	s.ops.Lock()
	defer s.ops.Unlock()

	el, err := s.resolve(ctx, "follow_link", t)
	if err != nil {
		return Result{}, err
	}
	link, err := el.Href(ctx)
	if err != nil {
		return Result{}, s.fail("follow_link", err)
	}
	if link == "" {
		return Result{}, errors.New(errors.ElementNotFound, "follow_link",
			fmt.Sprintf("%s does not have an href", t.Selector), nil).WithSession(s.ID)
	}

	if err := s.worker.Assign(ctx, link); err != nil {
		return Result{}, s.fail("follow_link", err)
	}
	if err := s.sleep(ctx, "follow_link", settle); err != nil {
		return Result{}, err
	}

	ct, err := s.worker.ContentType(ctx)
	if err != nil {
		return Result{}, s.fail("follow_link", err)
	}
	if ct == "" {
		ct = history.DefaultContentType
	}
	s.history.Append(history.Entry{URL: link, ContentType: ct})

	return Result{
		Message:     fmt.Sprintf("Followed link to %s.  Page content-type is %s", link, ct),
		URL:         link,
		ContentType: ct,
	}, nil
}

// DownloadImage captures the target's bounding box to dst as PNG.
func (s *Session) DownloadImage(ctx context.Context, t Target, dst string, settle time.Duration) (Result, error) {
	s.ops.Lock()
	defer s.ops.Unlock()

	el, err := s.resolve(ctx, "download_image", t)
	if err != nil {
		return Result{}, err
	}
	rect, err := el.Rect(ctx)
	if err != nil {
		return Result{}, s.fail("download_image", err)
	}
	png, err := s.worker.Screenshot(ctx, &rect)
	if err != nil {
		return Result{}, s.fail("download_image", err)
	}
	if err := s.write("download_image", dst, png); err != nil {
		return Result{}, err
	}
	if err := s.sleep(ctx, "download_image", settle); err != nil {
		return Result{}, err
	}
	return Result{Message: "Downloaded image to " + dst}, nil
}

// RenderPage captures the whole page to dst as PNG.
func (s *Session) RenderPage(ctx context.Context, dst string, settle time.Duration) (Result, error) {
	s.ops.Lock()
	defer s.ops.Unlock()

	png, err := s.worker.Screenshot(ctx, nil)
	if err != nil {
		return Result{}, s.fail("render_page", err)
	}
	if err := s.write("render_page", dst, png); err != nil {
		return Result{}, err
	}
	if err := s.sleep(ctx, "render_page", settle); err != nil {
		return Result{}, err
	}
	return Result{Message: "Rendered page to " + dst}, nil
}

// GetContent waits settle and returns the current page.
func (s *Session) GetContent(ctx context.Context, settle time.Duration) (Result, error) {
	s.ops.Lock()
	defer s.ops.Unlock()

	if err := s.sleep(ctx, "get_content", settle); err != nil {
		return Result{}, err
	}
	content, err := s.worker.Content(ctx)
	if err != nil {
		return Result{}, s.fail("get_content", err)
	}
	if content == "" {
		return Result{}, errors.NewNoContent("get_content").WithSession(s.ID)
	}

	ct, err := s.worker.ContentType(ctx)
	if err != nil || ct == "" {
		ct = history.DefaultContentType
		if e, ok := s.history.Current(); ok {
			ct = e.ContentType
		}
	}
	return Result{Content: content, Raw: true, ContentType: ct}, nil
}

// Back moves to the previous history entry. The reported content type
// comes from the history, not from the browser.
func (s *Session) Back(ctx context.Context, settle time.Duration) (Result, error) {
	return s.move(ctx, "back", settle)
}

// Forward moves to the next history entry.
func (s *Session) Forward(ctx context.Context, settle time.Duration) (Result, error) {
	return s.move(ctx, "forward", settle)
}

func (s *Session) move(ctx context.Context, op string, settle time.Duration) (Result, error) {
	s.ops.Lock()
	defer s.ops.Unlock()

	step, nav, verb := s.history.Back, s.worker.Back, "back"
	if op == "forward" {
		step, nav, verb = s.history.Forward, s.worker.Forward, "forward"
	}

	entry, err := step()
	if err != nil {
		return Result{}, errors.NewNoHistory(op, err).WithSession(s.ID)
	}
	if err := nav(ctx); err != nil {
		s.log.WithError(err).Warnf("Browser could not go %s", verb)
	}
	if err := s.sleep(ctx, op, settle); err != nil {
		return Result{}, err
	}

	return Result{
		Message:     fmt.Sprintf("Went %s to %s", verb, entry.URL),
		URL:         entry.URL,
		ContentType: entry.ContentType,
	}, nil
}

// Wait blocks for d.
func (s *Session) Wait(ctx context.Context, d time.Duration) (Result, error) {
	s.ops.Lock()
	defer s.ops.Unlock()

	if err := s.sleep(ctx, "wait", d); err != nil {
		return Result{}, err
	}
	return Result{Message: fmt.Sprintf("Waited for %d ms", d.Milliseconds())}, nil
}

// resolve finds the target element and applies the visibility check.
func (s *Session) resolve(ctx context.Context, op string, t Target) (browser.Element, error) {
	sel, err := browser.ParseSelector(t.Selector, t.ForceType)
	if err != nil {
		return nil, errors.NewClientParam(err.Error()).WithSession(s.ID)
	}

	el, err := s.worker.Query(ctx, sel)
	switch {
	case stderrors.Is(err, browser.ErrNoMatch):
		return nil, errors.NewElementNotFound(op, sel.Kind.String(), sel.Expr).WithSession(s.ID)
	case stderrors.Is(err, browser.ErrInvalidSelector):
		return nil, errors.NewSelectorInvalid(op, sel.Expr, err).WithSession(s.ID)
	case err != nil:
		return nil, s.fail(op, err)
	}

	if t.Force {
		return el, nil
	}
	visible, err := el.Visible(ctx)
	if err != nil {
		return nil, s.fail(op, err)
	}
	if !visible {
		return nil, errors.NewElementHidden(op).WithSession(s.ID)
	}
	return el, nil
}

func (s *Session) sleep(ctx context.Context, op string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return s.fail(op, ctx.Err())
	}
}

func (s *Session) write(op, dst string, data []byte) error {
	if dir := filepath.Dir(dst); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.New(errors.ClientParam, op, fmt.Sprintf("Unable to write %s", dst), err).WithSession(s.ID)
		}
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return errors.New(errors.ClientParam, op, fmt.Sprintf("Unable to write %s", dst), err).WithSession(s.ID)
	}
	return nil
}

func (s *Session) fail(op string, err error) *errors.SessionError {
	return errors.Categorize(err, op).WithSession(s.ID)
}

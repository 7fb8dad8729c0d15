package api

import (
	"time"

	"github.com/dchrostowski/mfeddie2/internal/filter"
	"github.com/dchrostowski/mfeddie2/internal/session"
)

// Command is the typed argument set of one action.
type Command interface {
	command()
}

type (
	// Visit opens a page, creating a session when none is named.
	Visit struct {
		URL        string
		GetContent bool
		Settings   session.Settings
	}
	// Click clicks an element.
	Click struct {
		Target session.Target
		Settle time.Duration
	}
	// EnterText types into an element.
	EnterText struct {
		Target session.Target
		Text   string
		Delay  time.Duration
	}
	// FollowLink navigates to an element's href.
	FollowLink struct {
		Target session.Target
		Settle time.Duration
	}
	// DownloadImage captures an element to a file.
	DownloadImage struct {
		Target session.Target
		Dst    string
		Settle time.Duration
	}
	// GetContent returns the current page. It serves get_html too.
	GetContent struct {
		Settle time.Duration
	}
	// Back moves back in the history.
	Back struct {
		Settle time.Duration
	}
	// Forward moves forward in the history.
	Forward struct {
		Settle time.Duration
	}
	// RenderPage captures the page to a file.
	RenderPage struct {
		Dst    string
		Settle time.Duration
	}
	// Kill ends the session.
	Kill struct{}
	// Wait sleeps.
	Wait struct {
		Duration time.Duration
	}
)

func (Visit) command()         {}
func (Click) command()         {}
func (EnterText) command()     {}
func (FollowLink) command()    {}
func (DownloadImage) command() {}
func (GetContent) command()    {}
func (Back) command()          {}
func (Forward) command()       {}
func (RenderPage) command()    {}
func (Kill) command()          {}
func (Wait) command()          {}

// Request is a validated control request.
type Request struct {
	Action Action
	// PID names the target session; 0 means none was given.
	PID       int
	KeepAlive bool
	Command   Command
}

// Parse validates p and builds the typed request.
func (t Tables) Parse(p Params) (Request, error) {
	action, v, err := t.Bind(p)
	if err != nil {
		return Request{Action: action}, err
	}

	req := Request{
		Action:    action,
		PID:       v.Int("pid"),
		KeepAlive: v.Flag("keep_alive"),
	}

	ms := func(key string) time.Duration {
		return time.Duration(v.Int(key)) * time.Millisecond
	}
	target := func() session.Target {
		return session.Target{
			Selector:  v.String("selector"),
			ForceType: v.String("force_selector_type"),
			Force:     v.Flag("force"),
		}
	}

	switch action {
	case ActionVisit:
		req.Command = Visit{URL: v.String("url"), GetContent: v.Flag("get_content"), Settings: settings(v)}
	case ActionClick:
		req.Command = Click{Target: target(), Settle: ms("timeout")}
	case ActionEnterText:
		req.Command = EnterText{Target: target(), Text: v.String("text"), Delay: ms("timeout")}
	case ActionFollowLink:
		req.Command = FollowLink{Target: target(), Settle: ms("timeout")}
	case ActionDownloadImage:
		req.Command = DownloadImage{Target: target(), Dst: v.String("dl_file_loc"), Settle: ms("timeout")}
	case ActionGetHTML, ActionGetContent:
		req.Command = GetContent{Settle: ms("timeout")}
	case ActionBack:
		req.Command = Back{Settle: ms("timeout")}
	case ActionForward:
		req.Command = Forward{Settle: ms("timeout")}
	case ActionRenderPage:
		req.Command = RenderPage{Dst: v.String("dl_file_loc"), Settle: ms("timeout")}
	case ActionKill:
		req.Command = Kill{}
	case ActionWait:
		req.Command = Wait{Duration: ms("timeout")}
	}
	return req, nil
}

// settings are the per-session options fixed by the creating visit.
func settings(v Values) session.Settings {
	s := session.Settings{
		UserAgent: v.String("user_agent"),
		Filter: filter.Options{
			Allowed:      v.Strings("allowed"),
			Disallowed:   v.Strings("disallowed"),
			LoadExternal: v.Flag("load_external"),
			LoadImages:   v.Flag("load_images"),
			LoadCSS:      v.Flag("load_css"),
		},
		PageTimeout:     time.Duration(v.Int("page_timeout")) * time.Millisecond,
		ResourceTimeout: time.Duration(v.Int("resource_timeout")) * time.Millisecond,
		ReturnOnTimeout: v.Flag("return_on_timeout"),
		SuppressWarn:    v.Flag("suppress_warn"),
	}
	if v.Flag("require_proxy") {
		s.Proxy = v.String("proxy")
	}
	return s
}

package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dchrostowski/mfeddie2/internal/session"
)

// Watcher subscribes to a remote event stream.
type Watcher struct {
	dialer  *websocket.Dialer
	headers http.Header
}

// NewWatcher creates a watcher.
func NewWatcher() *Watcher {
	return &Watcher{
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		headers: make(http.Header),
	}
}

// SetHeaders sets headers sent with the handshake.
func (w *Watcher) SetHeaders(headers map[string]string) {
	for k, v := range headers {
		w.headers.Set(k, v)
	}
}

// StreamURL converts an http(s) address to the matching websocket scheme.
func StreamURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	switch parsed.Scheme {
	case "ws", "wss":
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", errors.New("unsupported scheme: " + parsed.Scheme)
	}
	return parsed.String(), nil
}

// Watch connects to rawURL and calls fn for every event until ctx ends, the
// server closes the stream, or fn returns an error. A clean end returns nil.
func (w *Watcher) Watch(ctx context.Context, rawURL string, fn func(session.Event) error) error {
	target, err := StreamURL(rawURL)
	if err != nil {
		return err
	}

	conn, _, err := w.dialer.DialContext(ctx, target, w.headers.Clone())
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var ev session.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

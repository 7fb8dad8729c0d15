package browser

import (
	"sort"
	"sync"
	"time"
)

// Interceptor tracks requests that are in flight during a page load so that
// slow ones can be reported as resource timeouts.
type Interceptor struct {
	mu       sync.Mutex
	inflight map[string]pendingRequest
}

type pendingRequest struct {
	url     string
	started time.Time
}

// NewInterceptor creates an empty tracker.
func NewInterceptor() *Interceptor {
	return &Interceptor{
		inflight: make(map[string]pendingRequest),
	}
}

// Record marks a request as started. A redirect reuses the request id and
// restarts its clock with the new URL.
func (i *Interceptor) Record(id, url string, at time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.inflight[id] = pendingRequest{url: url, started: at}
}

// Done forgets a finished or failed request.
func (i *Interceptor) Done(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.inflight, id)
}

// Expired removes and returns the URLs of requests started more than
// timeout before now, oldest first.
func (i *Interceptor) Expired(now time.Time, timeout time.Duration) []string {
	i.mu.Lock()
	defer i.mu.Unlock()

	var expired []pendingRequest
	for id, req := range i.inflight {
		if now.Sub(req.started) > timeout {
			expired = append(expired, req)
			delete(i.inflight, id)
		}
	}

	sort.Slice(expired, func(a, b int) bool {
		return expired[a].started.Before(expired[b].started)
	})

	urls := make([]string, len(expired))
	for n, req := range expired {
		urls[n] = req.url
	}
	return urls
}

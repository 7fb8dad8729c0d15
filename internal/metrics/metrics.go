// Package metrics provides metrics collection for the session control plane.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Collector collects and aggregates metrics.
type Collector struct {
	// Counters
	requestsTotal     atomic.Int64
	errorsTotal       atomic.Int64
	sessionsCreated   atomic.Int64
	sessionsDestroyed atomic.Int64
	sessionsReaped    atomic.Int64
	admissionRejected atomic.Int64
	roguesKilled      atomic.Int64
	visitsTotal       atomic.Int64
	visitsPartial     atomic.Int64
	warningsTotal     atomic.Int64

	// Rate tracking
	requestsInWindow atomic.Int64
	errorsInWindow   atomic.Int64
	windowStart      atomic.Int64

	// Response time tracking
	responseTimesSum atomic.Int64
	responseTimesNum atomic.Int64

	// Gauges
	sessionsActive  atomic.Int64
	sessionsPending atomic.Int64
	maxInstances    atomic.Int64

	// Histograms (buckets for response times in ms)
	responseTimeBuckets [len(BucketBounds) + 1]atomic.Int64

	// Error breakdown
	errorCounts map[string]*atomic.Int64
	errorMu     sync.RWMutex

	// Status code breakdown
	statusCodes map[int]*atomic.Int64
	statusMu    sync.RWMutex

	// Action breakdown
	actionCounts map[string]*atomic.Int64
	actionMu     sync.RWMutex

	startTime atomic.Int64
}

// BucketBounds are the upper bounds, in ms, of the response time
// histogram. The last bucket holds everything above the final bound.
var BucketBounds = [...]int64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

// New creates a new metrics collector.
func New() *Collector {
	now := time.Now()
	c := &Collector{
		errorCounts:  make(map[string]*atomic.Int64),
		statusCodes:  make(map[int]*atomic.Int64),
		actionCounts: make(map[string]*atomic.Int64),
	}
	c.windowStart.Store(now.UnixNano())
	c.startTime.Store(now.UnixNano())
	return c
}

// RecordRequest records a control request for action.
func (c *Collector) RecordRequest(action string) {
	c.requestsTotal.Add(1)
	c.requestsInWindow.Add(1)
	incr(&c.actionMu, c.actionCounts, action)
}

// RecordError records an error by type.
func (c *Collector) RecordError(errorType string) {
	c.errorsTotal.Add(1)
	c.errorsInWindow.Add(1)
	incr(&c.errorMu, c.errorCounts, errorType)
}

// RecordWarning records a warning attached to a response.
func (c *Collector) RecordWarning() {
	c.warningsTotal.Add(1)
}

// RecordResponseTime records a response time.
func (c *Collector) RecordResponseTime(d time.Duration) {
	ms := d.Milliseconds()
	c.responseTimesSum.Add(ms)
	c.responseTimesNum.Add(1)
	c.responseTimeBuckets[getBucket(ms)].Add(1)
}

// getBucket returns the histogram bucket for a given response time.
func getBucket(ms int64) int {
	for i, bound := range BucketBounds {
		if ms < bound {
			return i
		}
	}
	return len(BucketBounds)
}

// RecordStatusCode records an HTTP status code.
func (c *Collector) RecordStatusCode(code int) {
	c.statusMu.Lock()
	if c.statusCodes[code] == nil {
		c.statusCodes[code] = &atomic.Int64{}
	}
	c.statusCodes[code].Add(1)
	c.statusMu.Unlock()
}

// RecordSessionCreated increments created sessions.
func (c *Collector) RecordSessionCreated() {
	c.sessionsCreated.Add(1)
}

// RecordSessionDestroyed increments destroyed sessions.
func (c *Collector) RecordSessionDestroyed() {
	c.sessionsDestroyed.Add(1)
}

// RecordSessionReaped increments sessions destroyed for inactivity.
func (c *Collector) RecordSessionReaped() {
	c.sessionsReaped.Add(1)
}

// RecordAdmissionRejected increments refused creations.
func (c *Collector) RecordAdmissionRejected() {
	c.admissionRejected.Add(1)
}

// RecordRogueKilled increments killed orphan workers.
func (c *Collector) RecordRogueKilled() {
	c.roguesKilled.Add(1)
}

// RecordVisit records a finished visit. partial marks a page returned
// after the page timeout.
func (c *Collector) RecordVisit(partial bool) {
	c.visitsTotal.Add(1)
	if partial {
		c.visitsPartial.Add(1)
	}
}

// SetPoolStats sets the session pool gauges.
func (c *Collector) SetPoolStats(active, pending, max int64) {
	c.sessionsActive.Store(active)
	c.sessionsPending.Store(pending)
	c.maxInstances.Store(max)
}

// GetRequestsPerSecond returns the current requests per second rate.
func (c *Collector) GetRequestsPerSecond() float64 {
	return c.getRatePerSecond(&c.requestsInWindow)
}

// GetErrorsPerSecond returns the current errors per second rate.
func (c *Collector) GetErrorsPerSecond() float64 {
	return c.getRatePerSecond(&c.errorsInWindow)
}

// getRatePerSecond calculates rate per second with window rotation.
func (c *Collector) getRatePerSecond(counter *atomic.Int64) float64 {
	windowDuration := 10 * time.Second
	now := time.Now().UnixNano()
	windowStart := c.windowStart.Load()

	elapsed := time.Duration(now - windowStart)
	if elapsed >= windowDuration {
		// Rotate window
		if c.windowStart.CompareAndSwap(windowStart, now) {
			c.requestsInWindow.Store(0)
			c.errorsInWindow.Store(0)
		}
		return 0
	}

	count := counter.Load()
	if elapsed <= 0 {
		return 0
	}

	return float64(count) / elapsed.Seconds()
}

// GetAverageResponseTime returns the average response time.
func (c *Collector) GetAverageResponseTime() time.Duration {
	sum := c.responseTimesSum.Load()
	num := c.responseTimesNum.Load()
	if num == 0 {
		return 0
	}
	return time.Duration(sum/num) * time.Millisecond
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() *Snapshot {
	s := &Snapshot{
		Timestamp:           time.Now(),
		Uptime:              time.Since(time.Unix(0, c.startTime.Load())),
		RequestsTotal:       c.requestsTotal.Load(),
		ErrorsTotal:         c.errorsTotal.Load(),
		WarningsTotal:       c.warningsTotal.Load(),
		SessionsCreated:     c.sessionsCreated.Load(),
		SessionsDestroyed:   c.sessionsDestroyed.Load(),
		SessionsReaped:      c.sessionsReaped.Load(),
		AdmissionRejected:   c.admissionRejected.Load(),
		RoguesKilled:        c.roguesKilled.Load(),
		VisitsTotal:         c.visitsTotal.Load(),
		VisitsPartial:       c.visitsPartial.Load(),
		SessionsActive:      c.sessionsActive.Load(),
		SessionsPending:     c.sessionsPending.Load(),
		MaxInstances:        c.maxInstances.Load(),
		RequestsPerSecond:   c.GetRequestsPerSecond(),
		ErrorsPerSecond:     c.GetErrorsPerSecond(),
		AverageResponseTime: c.GetAverageResponseTime(),
		ResponseTimeSumMS:   c.responseTimesSum.Load(),
		ErrorCounts:         copyCounts(&c.errorMu, c.errorCounts),
		ActionCounts:        copyCounts(&c.actionMu, c.actionCounts),
		StatusCodes:         make(map[int]int64),
		ResponseTimeHist:    make([]int64, len(c.responseTimeBuckets)),
	}

	c.statusMu.RLock()
	for k, v := range c.statusCodes {
		s.StatusCodes[k] = v.Load()
	}
	c.statusMu.RUnlock()

	for i := range c.responseTimeBuckets {
		s.ResponseTimeHist[i] = c.responseTimeBuckets[i].Load()
	}

	return s
}

// Reset resets all metrics.
func (c *Collector) Reset() {
	for _, v := range []*atomic.Int64{
		&c.requestsTotal, &c.errorsTotal, &c.warningsTotal,
		&c.sessionsCreated, &c.sessionsDestroyed, &c.sessionsReaped,
		&c.admissionRejected, &c.roguesKilled, &c.visitsTotal, &c.visitsPartial,
		&c.requestsInWindow, &c.errorsInWindow,
		&c.responseTimesSum, &c.responseTimesNum,
		&c.sessionsActive, &c.sessionsPending, &c.maxInstances,
	} {
		v.Store(0)
	}

	for i := range c.responseTimeBuckets {
		c.responseTimeBuckets[i].Store(0)
	}

	c.errorMu.Lock()
	c.errorCounts = make(map[string]*atomic.Int64)
	c.errorMu.Unlock()

	c.actionMu.Lock()
	c.actionCounts = make(map[string]*atomic.Int64)
	c.actionMu.Unlock()

	c.statusMu.Lock()
	c.statusCodes = make(map[int]*atomic.Int64)
	c.statusMu.Unlock()

	now := time.Now().UnixNano()
	c.windowStart.Store(now)
	c.startTime.Store(now)
}

func incr(mu *sync.RWMutex, m map[string]*atomic.Int64, key string) {
	mu.RLock()
	v := m[key]
	mu.RUnlock()
	if v == nil {
		mu.Lock()
		if v = m[key]; v == nil {
			v = &atomic.Int64{}
			m[key] = v
		}
		mu.Unlock()
	}
	v.Add(1)
}

func copyCounts(mu *sync.RWMutex, m map[string]*atomic.Int64) map[string]int64 {
	mu.RLock()
	defer mu.RUnlock()
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v.Load()
	}
	return out
}

// Snapshot represents a point-in-time view of metrics.
type Snapshot struct {
	Timestamp           time.Time        `json:"timestamp"`
	Uptime              time.Duration    `json:"uptime"`
	RequestsTotal       int64            `json:"requests_total"`
	ErrorsTotal         int64            `json:"errors_total"`
	WarningsTotal       int64            `json:"warnings_total"`
	SessionsCreated     int64            `json:"sessions_created"`
	SessionsDestroyed   int64            `json:"sessions_destroyed"`
	SessionsReaped      int64            `json:"sessions_reaped"`
	AdmissionRejected   int64            `json:"admission_rejected"`
	RoguesKilled        int64            `json:"rogues_killed"`
	VisitsTotal         int64            `json:"visits_total"`
	VisitsPartial       int64            `json:"visits_partial"`
	SessionsActive      int64            `json:"sessions_active"`
	SessionsPending     int64            `json:"sessions_pending"`
	MaxInstances        int64            `json:"max_instances"`
	RequestsPerSecond   float64          `json:"requests_per_second"`
	ErrorsPerSecond     float64          `json:"errors_per_second"`
	AverageResponseTime time.Duration    `json:"average_response_time"`
	ResponseTimeSumMS   int64            `json:"response_time_sum_ms"`
	ErrorCounts         map[string]int64 `json:"error_counts"`
	ActionCounts        map[string]int64 `json:"action_counts"`
	StatusCodes         map[int]int64    `json:"status_codes"`
	ResponseTimeHist    []int64          `json:"response_time_histogram"`
}

// ErrorRate returns the error rate (errors/requests).
func (s *Snapshot) ErrorRate() float64 {
	if s.RequestsTotal == 0 {
		return 0
	}
	return float64(s.ErrorsTotal) / float64(s.RequestsTotal)
}

// PoolUtilization returns live plus spawning sessions over the ceiling (0-1).
func (s *Snapshot) PoolUtilization() float64 {
	if s.MaxInstances == 0 {
		return 0
	}
	return float64(s.SessionsActive+s.SessionsPending) / float64(s.MaxInstances)
}

// Actions returns the recorded action names in sorted order.
func (s *Snapshot) Actions() []string {
	names := make([]string, 0, len(s.ActionCounts))
	for k := range s.ActionCounts {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Summary returns a human-readable summary.
func (s *Snapshot) Summary() map[string]interface{} {
	return map[string]interface{}{
		"uptime":               s.Uptime.String(),
		"requests_total":       s.RequestsTotal,
		"errors_total":         s.ErrorsTotal,
		"error_rate":           s.ErrorRate(),
		"sessions_active":      s.SessionsActive,
		"sessions_pending":     s.SessionsPending,
		"max_instances":        s.MaxInstances,
		"sessions_reaped":      s.SessionsReaped,
		"rogues_killed":        s.RoguesKilled,
		"requests_per_second":  s.RequestsPerSecond,
		"avg_response_time_ms": s.AverageResponseTime.Milliseconds(),
		"pool_util":            s.PoolUtilization(),
	}
}

// Global metrics collector.
var globalCollector = New()

// SetGlobal sets the global metrics collector.
func SetGlobal(c *Collector) {
	globalCollector = c
}

// Global returns the global metrics collector.
func Global() *Collector {
	return globalCollector
}

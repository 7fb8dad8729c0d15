package session

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dchrostowski/mfeddie2/internal/browser"
	"github.com/dchrostowski/mfeddie2/internal/errors"
	"github.com/dchrostowski/mfeddie2/internal/logger"
	"github.com/dchrostowski/mfeddie2/internal/metrics"
	"github.com/dchrostowski/mfeddie2/internal/procs"
	"github.com/dchrostowski/mfeddie2/internal/state"
)

// Config defines pool limits and timers.
type Config struct {
	MaxInstances   int           `json:"max_instances" yaml:"max_instances"`
	StatusInterval time.Duration `json:"status_interval" yaml:"status_interval"`
	ProcessTimeout time.Duration `json:"process_timeout" yaml:"process_timeout"`
	OrphanMinAge   time.Duration `json:"orphan_min_age" yaml:"orphan_min_age"`
	WorkerName     string        `json:"worker_process_name" yaml:"worker_process_name"`
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxInstances:   8,
		StatusInterval: 5 * time.Second,
		ProcessTimeout: 120 * time.Second,
		OrphanMinAge:   60 * time.Second,
		WorkerName:     "chrome",
	}
}

// Event kinds published to a Notifier.
const (
	EventCreated   = "created"
	EventDestroyed = "destroyed"
	EventReaped    = "reaped"
	EventRejected  = "rejected"
	EventRogue     = "rogue_killed"
)

// Event is a session lifecycle change.
type Event struct {
	Kind   string    `json:"kind"`
	PID    int       `json:"pid"`
	Reason string    `json:"reason,omitempty"`
	Active int       `json:"active"`
	Time   time.Time `json:"time"`
}

// Notifier receives lifecycle events. Publish must not block.
type Notifier interface {
	Publish(ev Event)
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l *logger.Logger) Option {
	return func(p *Pool) { p.log = l.WithComponent("pool") }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithStore persists tracked sessions.
func WithStore(s state.Store) Option {
	return func(p *Pool) { p.store = s }
}

// WithNotifier publishes lifecycle events.
func WithNotifier(n Notifier) Option {
	return func(p *Pool) { p.notifier = n }
}

// WithProcessLister enables orphan reconciliation.
func WithProcessLister(l procs.Lister) Option {
	return func(p *Pool) { p.lister = l }
}

// WithKiller replaces the process killer used for rogue workers.
func WithKiller(k procs.Killer) Option {
	return func(p *Pool) { p.killer = k }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithSelfPID replaces os.Getpid for reconciliation.
func WithSelfPID(pid int) Option {
	return func(p *Pool) { p.self = pid }
}

// WithCircuitBreaker replaces the launch circuit breaker.
func WithCircuitBreaker(cb *errors.CircuitBreaker) Option {
	return func(p *Pool) { p.breaker = cb }
}

// Pool is the set of live sessions keyed by worker pid.
type Pool struct {
	config   Config
	launcher browser.Launcher
	log      *logger.Logger
	metrics  *metrics.Collector
	store    state.Store
	notifier Notifier
	lister   procs.Lister
	killer   procs.Killer
	breaker  *errors.CircuitBreaker
	now      func() time.Time
	self     int

	mu       sync.Mutex
	sessions map[int]*Session
	pending  int
}

// NewPool creates an empty pool.
func NewPool(config Config, launcher browser.Launcher, opts ...Option) *Pool {
	def := DefaultConfig()
	if config.MaxInstances <= 0 {
		config.MaxInstances = def.MaxInstances
	}
	if config.StatusInterval <= 0 {
		config.StatusInterval = def.StatusInterval
	}
	if config.ProcessTimeout <= 0 {
		config.ProcessTimeout = def.ProcessTimeout
	}
	if config.OrphanMinAge <= 0 {
		config.OrphanMinAge = def.OrphanMinAge
	}
	if config.WorkerName == "" {
		config.WorkerName = def.WorkerName
	}

	p := &Pool{
		config:   config,
		launcher: launcher,
		log:      logger.Nop(),
		metrics:  metrics.New(),
		killer:   procs.OSKiller{},
		breaker:  errors.NewDefaultCircuitBreaker(),
		now:      time.Now,
		self:     os.Getpid(),
		sessions: make(map[int]*Session),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.breaker.OnStateChange(func(from, to errors.CircuitState) {
		p.log.Warnf("Browser launch circuit %s -> %s", from, to)
	})
	p.updateGauges()
	return p
}

// Config returns the pool configuration.
func (p *Pool) Config() Config {
	return p.config
}

// LaunchStats reports the circuit breaker guarding worker launches.
func (p *Pool) LaunchStats() errors.CircuitBreakerStats {
	return p.breaker.Stats()
}

// Create launches a worker and registers it. It fails with
// AdmissionRejected when live plus spawning sessions reach the ceiling.
func (p *Pool) Create(ctx context.Context, settings Settings) (*Session, error) {
	p.mu.Lock()
	if len(p.sessions)+p.pending >= p.config.MaxInstances {
		p.mu.Unlock()
		p.metrics.RecordAdmissionRejected()
		p.publish(EventRejected, 0, "max instances")
		p.log.Warnf("Refusing new browser instance, %d running", p.config.MaxInstances)
		return nil, errors.NewAdmissionRejected(p.config.MaxInstances)
	}
	p.pending++
	p.mu.Unlock()
	p.updateGauges()

	var w browser.Worker
	err := p.breaker.Execute("create", func() error {
		var err error
		w, err = p.launcher.Launch(ctx, browser.LaunchOptions{
			UserAgent: settings.UserAgent,
			Proxy:     settings.Proxy,
		})
		return err
	})

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.mu.Unlock()
		p.updateGauges()
		p.log.WithError(err).Error("Failed to launch browser")
		return nil, errors.Categorize(fmt.Errorf("failed to launch browser: %w", err), "create")
	}

	now := p.now()
	s := newSession(w, settings, now, p.log)
	if _, exists := p.sessions[s.ID]; exists {
		p.mu.Unlock()
		p.updateGauges()
		w.Close()
		return nil, errors.NewBackend("create", fmt.Errorf("worker pid %d is already tracked", s.ID))
	}
	p.sessions[s.ID] = s
	p.mu.Unlock()
	p.updateGauges()

	p.metrics.RecordSessionCreated()
	p.persist(s)
	p.publish(EventCreated, s.ID, "")
	s.log.SessionEvent(EventCreated, s.ID, "")
	return s, nil
}

// Lookup returns the session with the given id.
func (p *Pool) Lookup(id int) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		return nil, errors.NewSessionExpired(id)
	}
	return s, nil
}

var errSpared = fmt.Errorf("session is still in use")

// Acquire looks up a session and resets its inactivity clock in one step,
// so the reaper cannot take it in between.
func (p *Pool) Acquire(id int) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		return nil, errors.NewSessionExpired(id)
	}
	s.touch(p.now())
	return s, nil
}

// Touch resets the session's inactivity clock.
func (p *Pool) Touch(id int) error {
	_, err := p.Acquire(id)
	return err
}

// Count returns the number of live sessions.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Pending returns the number of sessions still spawning.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// IDs returns the live session ids in ascending order.
func (p *Pool) IDs() []int {
	p.mu.Lock()
	ids := make([]int, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Ints(ids)
	return ids
}

// Sessions describes every live session.
func (p *Pool) Sessions() []Info {
	p.mu.Lock()
	list := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		list = append(list, s)
	}
	p.mu.Unlock()

	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Destroy terminates the session's worker and forgets it.
func (p *Pool) Destroy(id int) error {
	return p.destroy(id, "killed", EventDestroyed)
}

func (p *Pool) destroy(id int, reason, kind string) error {
	return p.destroyIf(id, reason, kind, nil)
}

// destroyIf removes the session only if cond, checked under the pool lock,
// holds. A nil cond always holds.
func (p *Pool) destroyIf(id int, reason, kind string, cond func(*Session) bool) error {
	p.mu.Lock()
	s, ok := p.sessions[id]
	if ok && cond != nil && !cond(s) {
		p.mu.Unlock()
		return errSpared
	}
	if ok {
		delete(p.sessions, id)
	}
	p.mu.Unlock()
	if !ok {
		return errors.NewSessionExpired(id)
	}
	p.updateGauges()

	if err := s.close(); err != nil {
		s.log.WithError(err).Error("Failed to terminate browser worker")
	}
	if p.store != nil {
		if err := p.store.Delete(id); err != nil {
			s.log.WithError(err).Warn("Failed to remove session from registry")
		}
	}

	p.metrics.RecordSessionDestroyed()
	p.publish(kind, id, reason)
	s.log.SessionEvent(kind, id, reason)
	return nil
}

// Conclude decides a session's fate after an operation. A fatal error
// always destroys it; otherwise it survives only when keepAlive is set.
// It reports whether the session was destroyed.
func (p *Pool) Conclude(s *Session, opErr error, keepAlive bool) bool {
	fatal := opErr != nil && errors.IsFatal(opErr)
	if fatal || !keepAlive {
		reason := "mf_keep_alive = 0"
		if fatal {
			reason = "fatal error: " + errors.Message(opErr)
		}
		if err := p.destroy(s.ID, reason, EventDestroyed); err != nil {
			// Already gone: reaped or killed while the operation ran.
			s.log.Debug("Session already destroyed")
		}
		return true
	}

	s.touch(p.now())
	p.persist(s)
	return false
}

// Reap destroys every session idle for longer than ProcessTimeout and
// returns their ids.
func (p *Pool) Reap() []int {
	now := p.now()

	p.mu.Lock()
	var stale []int
	for id, s := range p.sessions {
		if now.Sub(s.LastTouched()) > p.config.ProcessTimeout {
			stale = append(stale, id)
		}
	}
	p.mu.Unlock()
	sort.Ints(stale)

	reaped := stale[:0]
	for _, id := range stale {
		if p.expire(id, now) {
			reaped = append(reaped, id)
		}
	}
	return reaped
}

// expire destroys the session if it is still idle at now. A session
// acquired after the reap snapshot was taken survives.
func (p *Pool) expire(id int, now time.Time) bool {
	idle := func(s *Session) bool {
		return now.Sub(s.LastTouched()) > p.config.ProcessTimeout
	}
	if err := p.destroyIf(id, "process timeout", EventReaped, idle); err != nil {
		return false
	}
	p.log.WithSession(id).Infof("Killed browser instance idle for more than %s", p.config.ProcessTimeout)
	p.metrics.RecordSessionReaped()
	return true
}

// Reconcile kills worker processes that no session tracks and returns
// their pids. It is a no-op without a process lister.
func (p *Pool) Reconcile() ([]int, error) {
	if p.lister == nil {
		return nil, nil
	}

	observed, err := p.lister.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list worker processes: %w", err)
	}

	p.mu.Lock()
	tracked := make(map[int]bool, len(p.sessions))
	for id := range p.sessions {
		tracked[id] = true
	}
	p.mu.Unlock()

	rogue := procs.Rogue(observed, tracked, procs.Criteria{
		Name:   p.config.WorkerName,
		MinAge: p.config.OrphanMinAge,
		Self:   p.self,
	}, p.now())

	killed := rogue[:0]
	for _, pid := range rogue {
		if err := p.killer.Kill(pid); err != nil {
			p.log.WithSession(pid).WithError(err).Warn("Failed to kill rogue worker")
			continue
		}
		p.log.WithSession(pid).Warn("Killed rogue worker process")
		p.metrics.RecordRogueKilled()
		p.publish(EventRogue, pid, "untracked")
		killed = append(killed, pid)
	}
	return killed, nil
}

// Recover clears registry records left by a previous run and kills the
// ones whose worker is still alive. With a process lister a recorded pid
// is only killed while it still carries the worker name, since the
// kernel may have reused it.
func (p *Pool) Recover() ([]int, error) {
	if p.store == nil {
		return nil, nil
	}
	recs, err := p.store.List()
	if err != nil {
		return nil, fmt.Errorf("failed to read session registry: %w", err)
	}

	var alive map[int]bool
	if p.lister != nil {
		observed, err := p.lister.List()
		if err != nil {
			return nil, fmt.Errorf("failed to list worker processes: %w", err)
		}
		alive = make(map[int]bool, len(observed))
		for _, proc := range observed {
			if proc.Name == p.config.WorkerName {
				alive[proc.PID] = true
			}
		}
	}

	var killed []int
	for _, rec := range recs {
		p.mu.Lock()
		_, tracked := p.sessions[rec.PID]
		p.mu.Unlock()
		if tracked {
			continue
		}

		if alive == nil || alive[rec.PID] {
			if err := p.killer.Kill(rec.PID); err == nil {
				p.log.WithSession(rec.PID).Warn("Killed worker left by a previous run")
				p.metrics.RecordRogueKilled()
				p.publish(EventRogue, rec.PID, "stale registry")
				killed = append(killed, rec.PID)
			}
		}
		if err := p.store.Delete(rec.PID); err != nil {
			p.log.WithSession(rec.PID).WithError(err).Warn("Failed to remove stale registry record")
		}
	}
	return killed, nil
}

// Run reaps idle sessions and reconciles orphans every StatusInterval
// until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Pool) tick() {
	p.Reap()
	if _, err := p.Reconcile(); err != nil {
		p.log.WithError(err).Warn("Orphan reconciliation failed")
	}
	ids := p.IDs()
	p.log.Event(logger.InfoLevel).
		Int("count", len(ids)).
		Ints("pids", ids).
		Msg("Pool status")
}

// Close destroys every session concurrently.
func (p *Pool) Close(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, id := range p.IDs() {
		g.Go(func() error {
			if err := p.destroy(id, "shutdown", EventDestroyed); err != nil && errors.GetErrorType(err) != errors.SessionExpired {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) persist(s *Session) {
	if p.store == nil {
		return
	}
	rec := state.Record{
		PID:       s.ID,
		CreatedAt: s.Created,
		UserAgent: s.Settings.UserAgent,
		Proxy:     s.Settings.Proxy,
	}
	if e, ok := s.history.Current(); ok {
		rec.LastURL = e.URL
	}
	if err := p.store.Put(rec); err != nil {
		s.log.WithError(err).Warn("Failed to record session in registry")
	}
}

func (p *Pool) publish(kind string, pid int, reason string) {
	if p.notifier == nil {
		return
	}
	p.notifier.Publish(Event{
		Kind:   kind,
		PID:    pid,
		Reason: reason,
		Active: p.Count(),
		Time:   p.now(),
	})
}

func (p *Pool) updateGauges() {
	p.mu.Lock()
	active, pending := len(p.sessions), p.pending
	p.mu.Unlock()
	p.metrics.SetPoolStats(int64(active), int64(pending), int64(p.config.MaxInstances))
}

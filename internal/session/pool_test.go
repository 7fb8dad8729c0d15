package session

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/dchrostowski/mfeddie2/internal/browser/browsertest"
	"github.com/dchrostowski/mfeddie2/internal/errors"
	"github.com/dchrostowski/mfeddie2/internal/metrics"
	"github.com/dchrostowski/mfeddie2/internal/procs"
	"github.com/dchrostowski/mfeddie2/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const examplePage = `<html><body>
<a id="next" href="/about">About</a>
<input id="q" value="">
<div id="ghost" hidden>boo</div>
<img id="logo" src="/logo.png" data-rect="1,2,30,40">
</body></html>`

func fixtures() map[string]browsertest.Page {
	return map[string]browsertest.Page{
		"http://example.com": {
			HTML:        examplePage,
			ContentType: "text/html",
			XPath:       map[string]string{"//a[@id='next']": "#next"},
		},
		"http://example.com/about": {HTML: "<p>about</p>", ContentType: "text/plain"},
		"http://example.com/empty": {ContentType: "text/html"},
		"http://example.com/out":   {RedirectTo: "http://other.org/"},
		"http://other.org":         {HTML: "<p>elsewhere</p>"},
	}
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func newTestPool(t *testing.T, max int, opts ...Option) (*Pool, *browsertest.Launcher) {
	t.Helper()
	l := browsertest.NewLauncher(fixtures())
	cfg := DefaultConfig()
	cfg.MaxInstances = max
	p := NewPool(cfg, l, opts...)
	t.Cleanup(func() { p.Close(context.Background()) })
	return p, l
}

func mustCreate(t *testing.T, p *Pool) *Session {
	t.Helper()
	s, err := p.Create(context.Background(), Settings{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return s
}

// =============================================================================
// Admission Tests
// =============================================================================

func TestPool_AdmissionCeiling(t *testing.T) {
	m := metrics.New()
	p, _ := newTestPool(t, 2, WithMetrics(m))

	first := mustCreate(t, p)
	mustCreate(t, p)

	_, err := p.Create(context.Background(), Settings{})
	if errors.GetErrorType(err) != errors.AdmissionRejected {
		t.Fatalf("Create() over ceiling error = %v, want AdmissionRejected", err)
	}
	if errors.StatusCode(err) != 503 {
		t.Errorf("StatusCode = %d, want 503", errors.StatusCode(err))
	}
	if p.Count() != 2 {
		t.Errorf("Count() = %d, want 2", p.Count())
	}

	if err := p.Destroy(first.ID); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	mustCreate(t, p)

	snap := m.Snapshot()
	if snap.AdmissionRejected != 1 || snap.SessionsCreated != 3 || snap.SessionsActive != 2 {
		t.Errorf("metrics rejected/created/active = %d/%d/%d, want 1/3/2",
			snap.AdmissionRejected, snap.SessionsCreated, snap.SessionsActive)
	}
}

func TestPool_SpawningCountsTowardCeiling(t *testing.T) {
	p, l := newTestPool(t, 1)
	l.Delay = 100 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := p.Create(context.Background(), Settings{})
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for p.Pending() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if _, err := p.Create(context.Background(), Settings{}); errors.GetErrorType(err) != errors.AdmissionRejected {
		t.Errorf("Create() while spawning error = %v, want AdmissionRejected", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("first Create() error = %v", err)
	}
	if p.Pending() != 0 || p.Count() != 1 {
		t.Errorf("Pending/Count = %d/%d, want 0/1", p.Pending(), p.Count())
	}
}

func TestPool_LaunchFailure(t *testing.T) {
	cb := errors.NewCircuitBreaker(errors.CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
	})
	p, l := newTestPool(t, 4, WithCircuitBreaker(cb))
	l.Err = stderrors.New("chrome not found")

	for i := 0; i < 2; i++ {
		_, err := p.Create(context.Background(), Settings{})
		if errors.GetErrorType(err) != errors.Backend {
			t.Fatalf("Create() error = %v, want Backend", err)
		}
	}

	_, err := p.Create(context.Background(), Settings{})
	var open *errors.CircuitOpenError
	if !stderrors.As(err, &open) {
		t.Errorf("Create() after repeated failures error = %v, want CircuitOpenError", err)
	}
	if p.Pending() != 0 || p.Count() != 0 {
		t.Errorf("Pending/Count = %d/%d, want 0/0", p.Pending(), p.Count())
	}
}

func TestPool_LaunchOptions(t *testing.T) {
	p, l := newTestPool(t, 1)

	_, err := p.Create(context.Background(), Settings{UserAgent: "crawler/1.0", Proxy: "10.1.1.1:8080"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	w := l.Workers()[0]
	if w.Options.UserAgent != "crawler/1.0" || w.Options.Proxy != "10.1.1.1:8080" {
		t.Errorf("launch options = %+v", w.Options)
	}
}

// =============================================================================
// Lookup And Destroy Tests
// =============================================================================

func TestPool_LookupAndDestroy(t *testing.T) {
	p, l := newTestPool(t, 2)
	s := mustCreate(t, p)

	got, err := p.Lookup(s.ID)
	if err != nil || got != s {
		t.Fatalf("Lookup() = %v, %v", got, err)
	}

	if err := p.Destroy(s.ID); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if err := p.Destroy(s.ID); errors.GetErrorType(err) != errors.SessionExpired {
		t.Errorf("second Destroy() error = %v, want SessionExpired", err)
	}
	if _, err := p.Lookup(s.ID); errors.GetErrorType(err) != errors.SessionExpired {
		t.Errorf("Lookup() after Destroy error = %v, want SessionExpired", err)
	}
	if err := p.Touch(s.ID); errors.GetErrorType(err) != errors.SessionExpired {
		t.Errorf("Touch() after Destroy error = %v, want SessionExpired", err)
	}

	if n := l.Workers()[0].CloseCount(); n != 1 {
		t.Errorf("worker closed %d times, want 1", n)
	}
	if !s.Closed() {
		t.Error("Closed() = false after Destroy")
	}
}

func TestPool_ConcurrentDestroyClosesOnce(t *testing.T) {
	p, l := newTestPool(t, 1)
	s := mustCreate(t, p)

	var wg sync.WaitGroup
	var ok sync.Map
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if p.Destroy(s.ID) == nil {
				ok.Store(i, true)
			}
		}(i)
	}
	wg.Wait()

	wins := 0
	ok.Range(func(_, _ any) bool { wins++; return true })
	if wins != 1 {
		t.Errorf("successful Destroy() calls = %d, want 1", wins)
	}
	if n := l.Workers()[0].CloseCount(); n != 1 {
		t.Errorf("worker closed %d times, want 1", n)
	}
}

func TestPool_IDsAndSessions(t *testing.T) {
	p, _ := newTestPool(t, 3)
	a := mustCreate(t, p)
	b := mustCreate(t, p)

	if diff := cmp.Diff([]int{a.ID, b.ID}, p.IDs()); diff != "" {
		t.Errorf("IDs() mismatch (-want +got):\n%s", diff)
	}

	infos := p.Sessions()
	if len(infos) != 2 || infos[0].ID != a.ID || infos[0].History != 0 || infos[0].Current != nil {
		t.Errorf("Sessions() = %+v", infos)
	}
}

// =============================================================================
// Fate Tests
// =============================================================================

func TestPool_Conclude(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		keepAlive bool
		wantDead  bool
	}{
		{"success kept alive", nil, true, false},
		{"success without keep-alive", nil, false, true},
		{"non-fatal error kept alive", errors.NewElementNotFound("click", "css", "#missing"), true, false},
		{"warning kept alive", errors.NewElementHidden("click"), true, false},
		{"fatal error overrides keep-alive", errors.NewNavigationFailed("http://x", nil), true, true},
		{"timeout overrides keep-alive", errors.NewMainResourceTimeout("http://x"), true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			p, _ := newTestPool(t, 1, WithClock(clock.Now))
			s := mustCreate(t, p)
			clock.Advance(time.Minute)

			dead := p.Conclude(s, tt.err, tt.keepAlive)
			if dead != tt.wantDead {
				t.Errorf("Conclude() = %v, want %v", dead, tt.wantDead)
			}
			if (p.Count() == 0) != tt.wantDead {
				t.Errorf("Count() = %d after Conclude", p.Count())
			}
			if !tt.wantDead && !s.LastTouched().Equal(clock.Now()) {
				t.Errorf("LastTouched() = %v, want %v", s.LastTouched(), clock.Now())
			}
		})
	}
}

func TestPool_ConcludeAfterReap(t *testing.T) {
	p, _ := newTestPool(t, 1)
	s := mustCreate(t, p)
	p.Destroy(s.ID)

	if !p.Conclude(s, nil, false) {
		t.Error("Conclude() on a vanished session should report it dead")
	}
}

// =============================================================================
// Reaper Tests
// =============================================================================

func TestPool_Reap(t *testing.T) {
	clock := newFakeClock()
	m := metrics.New()
	p, l := newTestPool(t, 3, WithClock(clock.Now), WithMetrics(m))

	stale := mustCreate(t, p)
	clock.Advance(60 * time.Second)
	fresh := mustCreate(t, p)
	clock.Advance(60 * time.Second)

	// Idle for exactly ProcessTimeout is not yet stale.
	if got := p.Reap(); len(got) != 0 {
		t.Fatalf("Reap() at the boundary = %v, want none", got)
	}

	clock.Advance(time.Millisecond)
	if diff := cmp.Diff([]int{stale.ID}, p.Reap()); diff != "" {
		t.Errorf("Reap() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{fresh.ID}, p.IDs()); diff != "" {
		t.Errorf("IDs() after Reap mismatch (-want +got):\n%s", diff)
	}
	if !l.Workers()[0].Closed() {
		t.Error("reaped worker should be closed")
	}
	if m.Snapshot().SessionsReaped != 1 {
		t.Errorf("SessionsReaped = %d, want 1", m.Snapshot().SessionsReaped)
	}
}

func TestPool_ReapKeepsTouched(t *testing.T) {
	clock := newFakeClock()
	p, _ := newTestPool(t, 2, WithClock(clock.Now))

	stale := mustCreate(t, p)
	fresh := mustCreate(t, p)

	clock.Advance(119 * time.Second)
	p.Touch(fresh.ID)
	clock.Advance(2 * time.Second)

	if diff := cmp.Diff([]int{stale.ID}, p.Reap()); diff != "" {
		t.Errorf("Reap() mismatch (-want +got):\n%s", diff)
	}
	if _, err := p.Lookup(fresh.ID); err != nil {
		t.Errorf("freshly touched session was reaped: %v", err)
	}
}

func TestPool_AcquireAfterReapSnapshot(t *testing.T) {
	clock := newFakeClock()
	p, l := newTestPool(t, 2, WithClock(clock.Now))
	s := mustCreate(t, p)

	clock.Advance(121 * time.Second)
	snapshot := clock.Now()

	got, err := p.Acquire(s.ID)
	if err != nil || got != s {
		t.Fatalf("Acquire() = %v, %v", got, err)
	}
	if p.expire(s.ID, snapshot) {
		t.Error("expire() destroyed a session acquired after the snapshot")
	}
	if l.Workers()[0].Closed() {
		t.Error("worker closed for a session that survived")
	}

	clock.Advance(121 * time.Second)
	if diff := cmp.Diff([]int{s.ID}, p.Reap()); diff != "" {
		t.Errorf("Reap() mismatch (-want +got):\n%s", diff)
	}
	if _, err := p.Acquire(s.ID); errors.GetErrorType(err) != errors.SessionExpired {
		t.Errorf("Acquire() after reap error = %v, want SessionExpired", err)
	}
}

func TestPool_RunReapsInBackground(t *testing.T) {
	l := browsertest.NewLauncher(fixtures())
	p := NewPool(Config{
		MaxInstances:   2,
		StatusInterval: 5 * time.Millisecond,
		ProcessTimeout: 20 * time.Millisecond,
	}, l)
	mustCreate(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for p.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if p.Count() != 0 {
		t.Errorf("Count() = %d, want 0 after reaper ran", p.Count())
	}
}

// =============================================================================
// Reconciliation Tests
// =============================================================================

func TestPool_Reconcile(t *testing.T) {
	clock := newFakeClock()
	old := clock.Now().Add(-5 * time.Minute)
	self := 500

	var killed []int
	killer := procs.KillerFunc(func(pid int) error {
		if pid == 61 {
			return stderrors.New("permission denied")
		}
		killed = append(killed, pid)
		return nil
	})

	var tracked int
	lister := procs.ListerFunc(func() ([]procs.Process, error) {
		return []procs.Process{
			{PID: tracked, PPID: self, Name: "chrome", Started: old},
			{PID: 60, PPID: self, Name: "chrome", Started: old},
			{PID: 61, PPID: procs.InitPID, Name: "chrome", Started: old},
			{PID: 62, PPID: self, Name: "chrome", Started: clock.Now().Add(-time.Second)},
			{PID: 63, PPID: 4321, Name: "chrome", Started: old},
			{PID: 64, PPID: self, Name: "node", Started: old},
		}, nil
	})

	m := metrics.New()
	events := &recorder{}
	p, _ := newTestPool(t, 2,
		WithClock(clock.Now),
		WithSelfPID(self),
		WithProcessLister(lister),
		WithKiller(killer),
		WithMetrics(m),
		WithNotifier(events),
	)
	tracked = mustCreate(t, p).ID

	got, err := p.Reconcile()
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if diff := cmp.Diff([]int{60}, got); diff != "" {
		t.Errorf("Reconcile() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{60}, killed); diff != "" {
		t.Errorf("killed mismatch (-want +got):\n%s", diff)
	}
	if p.Count() != 1 {
		t.Error("Reconcile() must not touch tracked sessions")
	}
	if m.Snapshot().RoguesKilled != 1 {
		t.Errorf("RoguesKilled = %d, want 1", m.Snapshot().RoguesKilled)
	}
	if diff := cmp.Diff([]string{EventCreated, EventRogue}, events.kinds()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestPool_ReconcileWithoutLister(t *testing.T) {
	p, _ := newTestPool(t, 1)

	got, err := p.Reconcile()
	if err != nil || got != nil {
		t.Errorf("Reconcile() = %v, %v, want nil, nil", got, err)
	}
}

func TestPool_ReconcileListError(t *testing.T) {
	p, _ := newTestPool(t, 1, WithProcessLister(procs.ListerFunc(func() ([]procs.Process, error) {
		return nil, stderrors.New("no /proc")
	})))

	if _, err := p.Reconcile(); err == nil {
		t.Error("Reconcile() should report lister failures")
	}
}

// =============================================================================
// Shutdown, Registry And Event Tests
// =============================================================================

func TestPool_Close(t *testing.T) {
	p, l := newTestPool(t, 4)
	for i := 0; i < 4; i++ {
		mustCreate(t, p)
	}

	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if p.Count() != 0 {
		t.Errorf("Count() = %d, want 0", p.Count())
	}
	for _, w := range l.Workers() {
		if w.CloseCount() != 1 {
			t.Errorf("worker %d closed %d times, want 1", w.PID(), w.CloseCount())
		}
	}
}

func TestPool_Registry(t *testing.T) {
	store := state.NewMemoryStore()
	p, _ := newTestPool(t, 2, WithStore(store))

	s, err := p.Create(context.Background(), Settings{UserAgent: "ua"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	recs, _ := store.List()
	if len(recs) != 1 || recs[0].PID != s.ID || recs[0].UserAgent != "ua" {
		t.Fatalf("registry after Create = %+v", recs)
	}

	if _, err := s.Visit(context.Background(), "http://example.com", false); err != nil {
		t.Fatalf("Visit() error = %v", err)
	}
	p.Conclude(s, nil, true)
	recs, _ = store.List()
	if recs[0].LastURL != "http://example.com" {
		t.Errorf("LastURL = %q, want http://example.com", recs[0].LastURL)
	}

	p.Destroy(s.ID)
	if recs, _ := store.List(); len(recs) != 0 {
		t.Errorf("registry after Destroy = %+v", recs)
	}
}

func TestPool_Recover(t *testing.T) {
	store := state.NewMemoryStore()
	for _, pid := range []int{70, 71, 72} {
		store.Put(state.Record{PID: pid})
	}

	lister := procs.ListerFunc(func() ([]procs.Process, error) {
		return []procs.Process{
			{PID: 70, PPID: procs.InitPID, Name: "chrome"},
			{PID: 71, PPID: procs.InitPID, Name: "postgres"},
		}, nil
	})
	var killed []int
	killer := procs.KillerFunc(func(pid int) error {
		killed = append(killed, pid)
		return nil
	})

	events := &recorder{}
	p, _ := newTestPool(t, 1, WithStore(store), WithProcessLister(lister), WithKiller(killer), WithNotifier(events))

	got, err := p.Recover()
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if diff := cmp.Diff([]int{70}, got); diff != "" {
		t.Errorf("Recover() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{70}, killed); diff != "" {
		t.Errorf("killed mismatch (-want +got):\n%s", diff)
	}
	if recs, _ := store.List(); len(recs) != 0 {
		t.Errorf("registry after Recover = %+v, want empty", recs)
	}
	if diff := cmp.Diff([]string{EventRogue}, events.kinds()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestPool_RecoverWithoutStore(t *testing.T) {
	p, _ := newTestPool(t, 1)
	if got, err := p.Recover(); got != nil || err != nil {
		t.Errorf("Recover() = %v, %v, want nil, nil", got, err)
	}
}

func TestPool_Events(t *testing.T) {
	events := &recorder{}
	p, _ := newTestPool(t, 1, WithNotifier(events))

	s := mustCreate(t, p)
	p.Create(context.Background(), Settings{})
	p.Destroy(s.ID)

	want := []string{EventCreated, EventRejected, EventDestroyed}
	if diff := cmp.Diff(want, events.kinds()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestNewPool_Defaults(t *testing.T) {
	p := NewPool(Config{}, browsertest.NewLauncher(nil))
	if diff := cmp.Diff(DefaultConfig(), p.Config()); diff != "" {
		t.Errorf("Config() mismatch (-want +got):\n%s", diff)
	}
}

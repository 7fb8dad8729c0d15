package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newHandler(timeout time.Duration) *Handler {
	cfg := DefaultConfig()
	cfg.Timeout = timeout
	return New(cfg)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
	if len(cfg.Signals) != 2 {
		t.Errorf("Signals length = %d, want 2", len(cfg.Signals))
	}
}

func TestNew_Defaults(t *testing.T) {
	h := New(Config{})
	defer h.Shutdown()

	if h.timeout != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", h.timeout)
	}
	if h.Stopping() {
		t.Error("new handler should not be stopping")
	}
}

func TestHandler_StepsRunNewestFirst(t *testing.T) {
	h := newHandler(time.Second)

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"http server", "reaper", "sessions", "registry"} {
		name := name
		h.RegisterFunc(name, func() {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		})
	}

	res := h.Shutdown()

	want := []string{"registry", "sessions", "reaper", "http server"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	if res.HasErrors() {
		t.Errorf("Errors = %v", res.Errors)
	}
}

func TestHandler_ContextCancelledOnShutdown(t *testing.T) {
	h := newHandler(time.Second)

	select {
	case <-h.Context().Done():
		t.Fatal("context cancelled before shutdown")
	default:
	}

	h.Shutdown()

	select {
	case <-h.Context().Done():
	default:
		t.Error("context should be cancelled after shutdown")
	}
	select {
	case <-h.Done():
	default:
		t.Error("Done() should be closed after shutdown")
	}
}

func TestHandler_ShutdownIsIdempotent(t *testing.T) {
	h := newHandler(time.Second)

	var calls atomic.Int32
	h.Register("once", func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("boom")
	})

	var wg sync.WaitGroup
	results := make([]Result, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.Shutdown()
		}(i)
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("step ran %d times, want 1", calls.Load())
	}
	for i, r := range results {
		if len(r.Errors) != 1 {
			t.Errorf("result %d errors = %v, want the shared failure", i, r.Errors)
		}
	}
}

func TestHandler_StepErrorsAreCollected(t *testing.T) {
	h := newHandler(time.Second)
	first := errors.New("first")
	second := errors.New("second")

	h.Register("a", func(context.Context) error { return first })
	h.Register("b", func(context.Context) error { return nil })
	h.Register("c", func(context.Context) error { return second })

	res := h.Shutdown()
	if !res.HasErrors() || len(res.Errors) != 2 {
		t.Fatalf("Errors = %v, want two", res.Errors)
	}
	if !errors.Is(res.Err(), first) || !errors.Is(res.Err(), second) {
		t.Errorf("Err() = %v, want both failures joined", res.Err())
	}
}

func TestHandler_Timeout(t *testing.T) {
	h := newHandler(50 * time.Millisecond)

	release := make(chan struct{})
	defer close(release)
	h.Register("stuck", func(ctx context.Context) error {
		<-release
		return nil
	})

	start := time.Now()
	res := h.Shutdown()

	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("Shutdown took %v, should time out", time.Since(start))
	}
	var te *TimeoutError
	if !errors.As(res.Err(), &te) || te.Step != "stuck" {
		t.Errorf("Err() = %v, want TimeoutError for stuck", res.Err())
	}
}

func TestHandler_Trigger(t *testing.T) {
	h := newHandler(time.Second)
	ran := make(chan struct{})
	h.RegisterFunc("step", func() { close(ran) })

	go h.Wait(context.Background())
	h.Trigger()

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("Trigger() should start shutdown")
	}
	select {
	case <-ran:
	default:
		t.Error("step did not run")
	}
}

func TestHandler_WaitContext(t *testing.T) {
	h := newHandler(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h.Wait(ctx)
	if !h.Stopping() {
		t.Error("Wait() should shut down when its context ends")
	}
}

type fakeServer struct {
	called atomic.Bool
}

func (s *fakeServer) Shutdown(ctx context.Context) error {
	s.called.Store(true)
	return nil
}

func TestHandler_RegisterServer(t *testing.T) {
	h := newHandler(time.Second)
	srv := &fakeServer{}

	h.RegisterServer("http", srv)
	h.Shutdown()

	if !srv.called.Load() {
		t.Error("server Shutdown was not called")
	}
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{Step: "registry"}

	if err.Error() != "shutdown step timed out: registry" {
		t.Errorf("Error() = %s", err.Error())
	}
}

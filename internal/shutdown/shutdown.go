// Package shutdown runs cleanup steps in reverse registration order when
// the process is asked to stop.
package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dchrostowski/mfeddie2/internal/logger"
)

// Step is one cleanup action.
type Step func(ctx context.Context) error

type namedStep struct {
	name string
	run  Step
}

// Handler manages graceful shutdown.
type Handler struct {
	mu    sync.Mutex
	steps []namedStep

	stopping atomic.Bool
	done     chan struct{}
	timeout  time.Duration
	result   Result

	ctx    context.Context
	cancel context.CancelFunc

	sigChan chan os.Signal
	log     *logger.Logger
}

// Config holds shutdown configuration.
type Config struct {
	Timeout time.Duration
	Signals []os.Signal
	Logger  *logger.Logger
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// New creates a handler and starts listening for the configured signals.
func New(cfg Config) *Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	h := &Handler{
		done:    make(chan struct{}),
		timeout: cfg.Timeout,
		ctx:     ctx,
		cancel:  cancel,
		sigChan: make(chan os.Signal, 1),
		log:     cfg.Logger.WithComponent("shutdown"),
	}

	signal.Notify(h.sigChan, cfg.Signals...)

	return h
}

// Register adds a named step. Steps run last-registered first.
func (h *Handler) Register(name string, step Step) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.steps = append(h.steps, namedStep{name: name, run: step})
}

// RegisterFunc registers a step that cannot fail.
func (h *Handler) RegisterFunc(name string, fn func()) {
	h.Register(name, func(ctx context.Context) error {
		fn()
		return nil
	})
}

// GracefulServer is anything with an http.Server style Shutdown.
type GracefulServer interface {
	Shutdown(ctx context.Context) error
}

// RegisterServer registers server.Shutdown as a step.
func (h *Handler) RegisterServer(name string, server GracefulServer) {
	h.Register(name, server.Shutdown)
}

// Context is cancelled when shutdown begins.
func (h *Handler) Context() context.Context {
	return h.ctx
}

// Stopping reports whether shutdown has begun.
func (h *Handler) Stopping() bool {
	return h.stopping.Load()
}

// Done is closed once every step has finished.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until a signal arrives or ctx ends, then shuts down.
func (h *Handler) Wait(ctx context.Context) Result {
	select {
	case sig := <-h.sigChan:
		h.log.Infof("Received %s", sig)
	case <-ctx.Done():
	case <-h.ctx.Done():
	}
	return h.Shutdown()
}

// Trigger requests shutdown as if a SIGTERM had arrived.
func (h *Handler) Trigger() {
	select {
	case h.sigChan <- syscall.SIGTERM:
	default:
	}
}

// Shutdown runs every step once, newest first, each bounded by the shared
// timeout. Concurrent and later calls wait for the first and return its
// result.
func (h *Handler) Shutdown() Result {
	if !h.stopping.CompareAndSwap(false, true) {
		<-h.done
		return h.result
	}

	signal.Stop(h.sigChan)
	start := time.Now()
	h.log.Info("Shutting down")
	h.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	h.mu.Lock()
	steps := append([]namedStep(nil), h.steps...)
	h.mu.Unlock()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		if err := h.run(ctx, steps[i]); err != nil {
			h.log.WithError(err).Warnf("Shutdown step %s failed", steps[i].name)
			errs = append(errs, err)
		}
	}

	h.result = Result{Elapsed: time.Since(start), Errors: errs}
	h.log.Infof("Shutdown finished in %s", h.result.Elapsed)
	close(h.done)
	return h.result
}

func (h *Handler) run(ctx context.Context, s namedStep) error {
	done := make(chan error, 1)

	go func() {
		done <- s.run(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return &TimeoutError{Step: s.name}
	}
}

// TimeoutError is returned when a step outlives the shutdown timeout.
type TimeoutError struct {
	Step string
}

func (e *TimeoutError) Error() string {
	return "shutdown step timed out: " + e.Step
}

// Result summarizes a shutdown.
type Result struct {
	Elapsed time.Duration
	Errors  []error
}

// HasErrors returns whether any step failed.
func (r Result) HasErrors() bool {
	return len(r.Errors) > 0
}

// Err joins the step errors.
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

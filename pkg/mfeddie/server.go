// Package mfeddie wires the control plane together: configuration, the
// session pool and its registry, the HTTP control API, the event stream
// and graceful shutdown.
package mfeddie

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dchrostowski/mfeddie2/internal/api"
	"github.com/dchrostowski/mfeddie2/internal/browser"
	"github.com/dchrostowski/mfeddie2/internal/logger"
	"github.com/dchrostowski/mfeddie2/internal/metrics"
	"github.com/dchrostowski/mfeddie2/internal/procs"
	"github.com/dchrostowski/mfeddie2/internal/ratelimit"
	"github.com/dchrostowski/mfeddie2/internal/session"
	"github.com/dchrostowski/mfeddie2/internal/shutdown"
	"github.com/dchrostowski/mfeddie2/internal/state"
	"github.com/dchrostowski/mfeddie2/internal/websocket"
)

// Server is a configured control plane.
type Server struct {
	config  *Config
	log     *logger.Logger
	metrics *metrics.Collector
	store   state.Store
	hub     *websocket.Hub
	pool    *session.Pool
	limiter *ratelimit.Limiter
	api     *api.Server
	http    *http.Server

	mu    sync.Mutex
	addr  net.Addr
	ready chan struct{}
}

// Option configures a Server.
type Option func(*options)

type options struct {
	launcher browser.Launcher
	log      *logger.Logger
	lister   procs.Lister
	killer   procs.Killer
}

// WithLauncher replaces the Chrome launcher.
func WithLauncher(l browser.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithLogger replaces the logger built from the config.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithProcessLister replaces the procfs worker lister.
func WithProcessLister(l procs.Lister) Option {
	return func(o *options) { o.lister = l }
}

// WithKiller replaces the signal-based process killer.
func WithKiller(k procs.Killer) Option {
	return func(o *options) { o.killer = k }
}

// New validates config and builds every component. Nothing listens or
// runs until Run.
func New(config *Config, opts ...Option) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if o.log == nil {
		lc, _ := config.LoggerConfig()
		o.log = logger.New(lc)
	}
	if o.launcher == nil {
		o.launcher = browser.NewLauncher(config.Browser)
	}
	if o.lister == nil {
		lister, err := procs.NewProcFSLister()
		if err != nil {
			o.log.WithError(err).Warn("Process listing unavailable, orphan reconciliation disabled")
		} else {
			o.lister = lister
		}
	}
	if o.killer == nil {
		o.killer = procs.OSKiller{}
	}

	s := &Server{
		config:  config,
		log:     o.log,
		metrics: metrics.New(),
		ready:   make(chan struct{}),
	}

	poolOpts := []session.Option{
		session.WithLogger(o.log),
		session.WithMetrics(s.metrics),
		session.WithKiller(o.killer),
	}
	if o.lister != nil {
		poolOpts = append(poolOpts, session.WithProcessLister(o.lister))
	}

	if config.RegistryPath != "" {
		store, err := state.NewBoltStore(config.RegistryPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open session registry: %w", err)
		}
		s.store = store
		poolOpts = append(poolOpts, session.WithStore(store))
	}

	s.hub = websocket.NewHub(websocket.WithHubLogger(o.log))
	poolOpts = append(poolOpts, session.WithNotifier(s.hub))
	s.pool = session.NewPool(config.Config, o.launcher, poolOpts...)

	apiOpts := []api.Option{
		api.WithLogger(o.log),
		api.WithMetrics(s.metrics),
		api.WithHub(s.hub),
	}
	if config.RateLimit.RequestsPerSecond > 0 {
		s.limiter = ratelimit.NewLimiter(config.RateLimit.RequestsPerSecond, config.RateLimit.Burst,
			ratelimit.WithTrustedProxies(config.RateLimit.TrustedProxies...))
		apiOpts = append(apiOpts, api.WithLimiter(s.limiter))
	}
	s.api = api.New(s.pool, config.Tables(), apiOpts...)

	s.http = &http.Server{
		Addr:              config.Addr(),
		Handler:           s.api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Handler returns the control API handler.
func (s *Server) Handler() http.Handler {
	return s.api
}

// Pool returns the session pool.
func (s *Server) Pool() *session.Pool {
	return s.pool
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address, or nil before Run has started listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run serves until ctx ends or SIGINT/SIGTERM arrives, then stops the HTTP
// server, the reaper, every session, the registry and the event hub in
// that order.
func (s *Server) Run(ctx context.Context) error {
	sd := shutdown.New(shutdown.Config{Logger: s.log})

	if killed, err := s.pool.Recover(); err != nil {
		s.log.WithError(err).Warn("Session registry recovery failed")
	} else if len(killed) > 0 {
		s.log.Warnf("Killed %d workers left by a previous run", len(killed))
	}

	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		sd.Shutdown()
		s.closeStores()
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	// Registered in reverse: the last step runs first.
	sd.RegisterFunc("event hub", s.hub.Close)
	if s.store != nil {
		sd.Register("session registry", func(context.Context) error { return s.store.Close() })
	}
	sd.Register("sessions", s.pool.Close)

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		s.pool.Run(reaperCtx)
	}()
	if s.limiter != nil {
		background.Add(1)
		go func() {
			defer background.Done()
			s.limiter.Run(reaperCtx)
		}()
	}
	reaperDone := make(chan struct{})
	go func() {
		background.Wait()
		close(reaperDone)
	}()
	sd.Register("reaper", func(ctx context.Context) error {
		stopReaper()
		select {
		case <-reaperDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	sd.RegisterServer("http server", s.http)

	serveErr := make(chan error, 1)
	go func() {
		err := s.http.Serve(ln)
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			sd.Trigger()
		}
		close(serveErr)
	}()

	s.log.Event(logger.InfoLevel).
		Str("addr", ln.Addr().String()).
		Int("max_instances", s.config.MaxInstances).
		Msg("Control server listening")
	close(s.ready)

	result := sd.Wait(ctx)
	s.log.Infof("Shutdown finished in %s", result.Elapsed.Round(time.Millisecond))

	return stderrors.Join(<-serveErr, result.Err())
}

func (s *Server) closeStores() {
	s.hub.Close()
	if s.store != nil {
		s.store.Close()
	}
}

// Package api is the HTTP control surface. It parses mf-prefixed
// parameters, dispatches actions to sessions, binds clients to sessions
// with a pid cookie and serves the status, metrics and event endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dchrostowski/mfeddie2/internal/errors"
	"github.com/dchrostowski/mfeddie2/internal/logger"
	"github.com/dchrostowski/mfeddie2/internal/metrics"
	"github.com/dchrostowski/mfeddie2/internal/ratelimit"
	"github.com/dchrostowski/mfeddie2/internal/session"
	"github.com/dchrostowski/mfeddie2/internal/websocket"
)

// Server handles control requests.
type Server struct {
	pool    *session.Pool
	tables  Tables
	metrics *metrics.Collector
	limiter *ratelimit.Limiter
	hub     *websocket.Hub
	log     *logger.Logger

	mux     *http.ServeMux
	actions http.Handler
	handler http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics sets the collector behind /metrics and /status.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLimiter enables per-client rate limiting of actions.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithHub serves session events on /events.
func WithHub(h *websocket.Hub) Option {
	return func(s *Server) { s.hub = h }
}

// New creates a control server. tables must already be validated.
func New(pool *session.Pool, tables Tables, opts ...Option) *Server {
	s := &Server{
		pool:    pool,
		tables:  tables,
		metrics: metrics.New(),
		log:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithComponent("api")

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.Handle("/metrics", metrics.Handler(s.metrics))
	if s.hub != nil {
		s.mux.Handle("/events", s.hub)
	}

	s.actions = s.limit(http.HandlerFunc(s.handleAction))
	s.handler = s.recovery(http.HandlerFunc(s.route))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// route sends a request to the ambient endpoints only when it carries no
// action, so proxy clients can reach any path.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	if !hasAction(r) {
		switch r.URL.Path {
		case "/status", "/metrics", "/events":
			s.mux.ServeHTTP(w, r)
			return
		}
	}
	s.actions.ServeHTTP(w, r)
}

func hasAction(r *http.Request) bool {
	return FromQuery(r.URL.Query())["action"] != "" || FromHeader(r.Header)["action"] != ""
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	log := s.log.WithRequestID(uuid.NewString())

	params := Extract(r)
	req, err := s.tables.Parse(params)
	action := req.Action.String()
	log = log.WithAction(action)
	log.Event(logger.DebugLevel).Interface("params", params).Msg("Request parameters")
	s.metrics.RecordRequest(action)

	pid := req.PID
	status := http.StatusOK
	defer func() {
		s.metrics.RecordStatusCode(status)
		s.metrics.RecordResponseTime(time.Since(start))
		log.RequestEvent(action, pid, status, time.Since(start))
	}()

	if err != nil {
		status = s.fail(w, err)
		return
	}

	sess, err := s.acquire(r.Context(), req)
	if err != nil {
		clearPIDCookie(w)
		status = s.fail(w, err)
		return
	}
	pid = sess.ID

	res, opErr := s.execute(r.Context(), sess, req)
	switch {
	case opErr == nil, errors.IsWarning(opErr):
	case errors.IsFatal(opErr):
		log.ErrorEvent(opErr, sess.ID, action)
	default:
		log.WithSession(sess.ID).WithError(opErr).Warnf("%s failed", action)
	}

	keepAlive := req.KeepAlive && req.Action != ActionKill
	if s.pool.Conclude(sess, opErr, keepAlive) {
		clearPIDCookie(w)
	} else {
		setPIDCookie(w, sess.ID)
	}

	status = s.respond(w, sess, res, opErr)
}

// acquire finds the named session, or creates one for a visit without a pid.
func (s *Server) acquire(ctx context.Context, req Request) (*session.Session, error) {
	if req.PID != 0 {
		return s.pool.Acquire(req.PID)
	}

	v, ok := req.Command.(Visit)
	if !ok {
		return nil, errors.New(errors.SessionExpired, "lookup", "Invalid Phantom process id", nil)
	}
	return s.pool.Create(ctx, v.Settings)
}

func (s *Server) execute(ctx context.Context, sess *session.Session, req Request) (session.Result, error) {
	switch c := req.Command.(type) {
	case Visit:
		res, err := sess.Visit(ctx, c.URL, c.GetContent)
		if err == nil {
			s.metrics.RecordVisit(res.TimedOut)
		}
		return res, err
	case Click:
		return sess.Click(ctx, c.Target, c.Settle)
	case EnterText:
		return sess.EnterText(ctx, c.Target, c.Text, c.Delay)
	case FollowLink:
		return sess.FollowLink(ctx, c.Target, c.Settle)
	case DownloadImage:
		return sess.DownloadImage(ctx, c.Target, c.Dst, c.Settle)
	case GetContent:
		return sess.GetContent(ctx, c.Settle)
	case Back:
		return sess.Back(ctx, c.Settle)
	case Forward:
		return sess.Forward(ctx, c.Settle)
	case RenderPage:
		return sess.RenderPage(ctx, c.Dst, c.Settle)
	case Kill:
		return session.Result{Message: fmt.Sprintf("killing browser with phantom pid %d", sess.ID)}, nil
	case Wait:
		return sess.Wait(ctx, c.Duration)
	default:
		return session.Result{}, errors.NewClientParam("Invalid action: " + req.Action.String())
	}
}

// respond writes the outcome and returns the status code sent.
func (s *Server) respond(w http.ResponseWriter, sess *session.Session, res session.Result, opErr error) int {
	warnings := res.Warnings
	if sess.Settings.SuppressWarn {
		warnings = nil
	}
	if len(res.Warnings) > 0 {
		s.metrics.RecordWarning()
	}

	switch {
	case opErr != nil && errors.IsWarning(opErr):
		s.metrics.RecordWarning()
		status := errors.StatusCode(opErr)
		writeEnvelope(w, status, Envelope{Status: StatusWarning, Message: errors.Message(opErr), Warnings: warnings})
		return normalizeStatus(status)

	case opErr != nil:
		s.metrics.RecordError(errors.GetErrorType(opErr).String())
		status := errors.StatusCode(opErr)
		writeEnvelope(w, status, Envelope{Status: StatusError, Message: errors.Message(opErr), Warnings: warnings})
		return normalizeStatus(status)

	case res.Raw:
		writeRaw(w, res.StatusCode, res.ContentType, res.Content, warnings, res.TimedOut)
		return normalizeStatus(res.StatusCode)

	default:
		status := StatusOK
		if res.TimedOut {
			status = StatusWarning
		}
		writeEnvelope(w, res.StatusCode, Envelope{Status: status, Message: res.Message, Warnings: warnings})
		return normalizeStatus(res.StatusCode)
	}
}

// fail writes an error that happened before any session was involved.
func (s *Server) fail(w http.ResponseWriter, err error) int {
	s.metrics.RecordError(errors.GetErrorType(err).String())
	status := errors.StatusCode(err)
	writeEnvelope(w, status, Envelope{Status: StatusError, Message: errors.Message(err)})
	return normalizeStatus(status)
}

func (s *Server) limit(next http.Handler) http.Handler {
	if s.limiter == nil || !s.limiter.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := s.limiter.ClientKey(r)
		if !s.limiter.Allow(client) {
			s.metrics.RecordStatusCode(http.StatusServiceUnavailable)
			s.log.WithField("client", client).Warn("Rate limit exceeded")
			writeEnvelope(w, http.StatusServiceUnavailable,
				Envelope{Status: StatusError, Message: "Too many requests.  Try again later."})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.WithField("path", r.URL.Path).Errorf("Panic recovered: %v", rec)
				writeEnvelope(w, http.StatusInternalServerError,
					Envelope{Status: StatusError, Message: "Internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Status is the body of GET /status.
type Status struct {
	Pool      PoolStatus              `json:"pool"`
	Metrics   map[string]interface{}  `json:"metrics"`
	Events    *websocket.HubStats     `json:"events,omitempty"`
	RateLimit *ratelimit.LimiterStats `json:"rate_limit,omitempty"`
}

// PoolStatus describes the session pool.
type PoolStatus struct {
	Active   int                        `json:"active"`
	Pending  int                        `json:"pending"`
	Max      int                        `json:"max_instances"`
	Sessions []session.Info              `json:"sessions"`
	Launches errors.CircuitBreakerStats `json:"launches"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{
		Pool: PoolStatus{
			Active:   s.pool.Count(),
			Pending:  s.pool.Pending(),
			Max:      s.pool.Config().MaxInstances,
			Sessions: s.pool.Sessions(),
			Launches: s.pool.LaunchStats(),
		},
		Metrics: s.metrics.Snapshot().Summary(),
	}
	if s.hub != nil {
		hs := s.hub.Stats()
		st.Events = &hs
	}
	if s.limiter != nil {
		ls := s.limiter.Stats()
		st.RateLimit = &ls
	}
	writeJSON(w, http.StatusOK, st)
}

// Package gateway composes connections, circuit breakers, the session
// registry and the permission probe into one service.
//
// A Service is constructed explicitly and owns all shared state. Every
// connection it opens forwards its events, tagged with the user and session,
// to the service bus. When a connection's life ends the session is forgotten.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/rickgao/brokerlink/internal/auth"
	"github.com/rickgao/brokerlink/internal/breaker"
	"github.com/rickgao/brokerlink/internal/connection"
	"github.com/rickgao/brokerlink/internal/events"
	"github.com/rickgao/brokerlink/internal/metrics"
	"github.com/rickgao/brokerlink/internal/probe"
	"github.com/rickgao/brokerlink/internal/session"
)

// ErrStopped is returned by Connect after Stop.
var ErrStopped = errors.New("gateway: service stopped")

// Config configures a Service.
type Config struct {
	Connection connection.Config
	Breaker    breaker.Settings
	Sessions   session.Config
	Probe      probe.Config
}

// Deps are the collaborators of a Service. All are optional.
type Deps struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
	// Dialer overrides how the probe opens connections.
	Dialer probe.Dialer
}

// Session is a registered, authorized connection.
type Session struct {
	ID     string
	UserID string
	Conn   *connection.Manager
}

// Service is the gateway's composition root.
type Service struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	bus      *events.Bus
	breakers *breaker.Registry
	sessions *session.Registry
	prober   *probe.Validator

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup // forwarders
}

// New creates a Service. Call Start to run background sweeps.
func New(cfg Config, deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("")
	}

	s := &Service{
		cfg:     cfg,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		tracer:  deps.Tracer,
		bus:     events.NewBus(deps.Logger),
		done:    make(chan struct{}),
	}

	settings := cfg.Breaker
	userHook := settings.OnStateChange
	settings.OnStateChange = func(key breaker.Key, from, to breaker.State, reason string) {
		s.onBreakerChange(key, to, reason)
		if userHook != nil {
			userHook(key, from, to, reason)
		}
	}
	s.breakers = breaker.NewRegistry(settings, deps.Logger)

	s.sessions = session.NewRegistry(cfg.Sessions, session.Deps{
		Logger:   deps.Logger,
		Metrics:  deps.Metrics,
		Observer: s.bus.Publish,
	})

	dial := deps.Dialer
	if dial == nil {
		dial = probe.ManagerDialer(cfg.Connection, connection.Deps{
			Logger:  deps.Logger.With("component", "probe"),
			Metrics: deps.Metrics,
			Tracer:  deps.Tracer,
		})
	}
	s.prober = probe.NewValidator(cfg.Probe, dial, deps.Logger)

	return s
}

// Start runs the stale-session sweep until Stop or ctx ends.
func (s *Service) Start(ctx context.Context) {
	s.sessions.Start(ctx)
	s.logger.Info("gateway started")
}

// Stop closes every session, waits for their final events to be forwarded
// (or ctx to end) and closes the bus.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.sessions.Stop()
	for _, u := range s.sessions.Users() {
		s.sessions.DisconnectAll(ctx, u)
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn("gateway stop: abandoning event forwarders", "error", ctx.Err())
	}
	close(s.done)
	<-drained

	s.bus.Close()
	s.logger.Info("gateway stopped")
}

// Connect opens a connection for userID, authorizes it with token and
// registers it as a session. The connection is torn down on any failure.
func (s *Service) Connect(ctx context.Context, userID string, token auth.Token) (*Session, error) {
	if userID == "" {
		return nil, session.ErrInvalidUser
	}
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return nil, ErrStopped
	}

	m := connection.NewManager(s.cfg.Connection, connection.Deps{
		Token:   token,
		Logger:  s.logger.With("user_id", userID),
		Metrics: s.metrics,
		Tracer:  s.tracer,
	})
	sub := m.Subscribe()

	abandon := func() {
		sub.Close()
		m.Disconnect(context.WithoutCancel(ctx))
	}
	if err := m.Connect(ctx); err != nil {
		abandon()
		return nil, err
	}
	sid, err := s.sessions.Register(userID, m)
	if err != nil {
		abandon()
		return nil, err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.sessions.Unregister(userID, sid)
		abandon()
		return nil, ErrStopped
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go s.forward(userID, sid, sub)

	return &Session{ID: sid, UserID: userID, Conn: m}, nil
}

// forward republishes a connection's events on the service bus until the
// connection's final event.
func (s *Service) forward(userID, sessionID string, sub *events.Subscription) {
	defer s.wg.Done()
	defer sub.Close()

	for {
		select {
		case <-s.done:
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			e.UserID = userID
			e.SessionID = sessionID
			s.bus.Publish(e)
			if e.Final {
				s.sessions.Unregister(userID, sessionID)
				return
			}
		}
	}
}

func (s *Service) onBreakerChange(key breaker.Key, to breaker.State, reason string) {
	s.metrics.BreakerTransition(to.String())

	var typ events.Type
	switch to {
	case breaker.Open:
		typ = events.CircuitOpened
	case breaker.Closed:
		typ = events.CircuitClosed
	default:
		return
	}
	s.bus.Publish(events.Event{
		Type:   typ,
		UserID: key.UserID,
		BotID:  key.BotID,
		Reason: reason,
	})
}

// Subscribe streams service events of the given types, or all types.
func (s *Service) Subscribe(types ...events.Type) *events.Subscription {
	return s.bus.Subscribe(types...)
}

// CanExecute reports whether the breaker of (userID, botID) admits a request.
func (s *Service) CanExecute(userID, botID string) breaker.Decision {
	return s.breakers.CanExecute(userID, botID)
}

// RecordSuccess counts a successful request against the breaker of (userID, botID).
func (s *Service) RecordSuccess(userID, botID string) {
	s.breakers.RecordSuccess(userID, botID)
}

// RecordFailure counts a failed request against the breaker of (userID, botID).
func (s *Service) RecordFailure(userID, botID string, cause error) {
	s.breakers.RecordFailure(userID, botID, cause)
}

// BreakerStatus snapshots the breaker of (userID, botID).
func (s *Service) BreakerStatus(userID, botID string) breaker.Status {
	return s.breakers.Status(userID, botID)
}

// ResetBreaker forces the breaker of (userID, botID) closed.
func (s *Service) ResetBreaker(userID, botID string) {
	s.breakers.Reset(userID, botID)
}

// TeardownBot forgets the breaker of a bot that was stopped.
func (s *Service) TeardownBot(userID, botID string) bool {
	return s.breakers.Remove(userID, botID)
}

// DisconnectUserSessions closes every connection of userID. Returns how many
// closed cleanly.
func (s *Service) DisconnectUserSessions(ctx context.Context, userID string) int {
	return s.sessions.DisconnectAll(ctx, userID)
}

// TeardownUser closes every connection of userID and drops all of the
// user's breakers. Used when a credential is revoked.
func (s *Service) TeardownUser(ctx context.Context, userID string) int {
	closed := s.sessions.DisconnectAll(ctx, userID)
	removed := s.breakers.RemoveUser(userID)
	s.logger.Info("user torn down", "user_id", userID, "closed", closed, "breakers", removed)
	return closed
}

// ListSessions returns the sessions of userID, oldest first.
func (s *Service) ListSessions(userID string) []session.Session {
	return s.sessions.ListSessions(userID)
}

// Users returns every user with a live session.
func (s *Service) Users() []string {
	return s.sessions.Users()
}

// SessionCount returns the number of registered sessions.
func (s *Service) SessionCount() int {
	return s.sessions.Count()
}

// Breakers returns the keys of every tracked breaker.
func (s *Service) Breakers() []breaker.Key {
	return s.breakers.Keys()
}

// ValidateToken probes token on a short-lived connection of its own.
func (s *Service) ValidateToken(ctx context.Context, token auth.Token, required ...probe.Permission) probe.Result {
	return s.prober.Validate(ctx, token, required...)
}

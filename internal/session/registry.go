// Package session tracks the live broker connections of each user.
//
// A session is one registered connection. DisconnectAll is the credential
// revocation path: it closes every connection of a user best-effort and then
// forgets the user. A background sweep reaps connections that have gone quiet.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/brokerlink/internal/events"
	"github.com/rickgao/brokerlink/internal/metrics"
)

var (
	ErrInvalidUser = errors.New("session: user id is required")
	ErrNilConn     = errors.New("session: connection is nil")
	ErrConnOwned   = errors.New("session: connection belongs to another user")
)

// Conn is the part of a broker connection the registry needs.
type Conn interface {
	ID() string
	Disconnect(ctx context.Context) error
	LastActivity() time.Time
}

// Session describes one registered connection.
type Session struct {
	ID           string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	ConnID       string    `json:"conn_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Config configures a Registry.
type Config struct {
	StaleAfter            time.Duration // Idle time after which the sweep reaps a connection
	SweepInterval         time.Duration
	DisconnectParallelism int           // Concurrent closes per DisconnectAll
	DisconnectTimeout     time.Duration // Bound on each close
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		StaleAfter:            30 * time.Minute,
		SweepInterval:         time.Minute,
		DisconnectParallelism: 8,
		DisconnectTimeout:     5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.DisconnectParallelism <= 0 {
		c.DisconnectParallelism = d.DisconnectParallelism
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = d.DisconnectTimeout
	}
	return c
}

// Deps are the collaborators of a Registry. All are optional.
type Deps struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Observer receives session_registered and session_removed events.
	Observer func(events.Event)
}

type entry struct {
	session Session
	conn    Conn
}

// Registry maps users to their live connections.
type Registry struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	observer func(events.Event)

	mu     sync.RWMutex
	users  map[string]map[string]*entry // user id -> session id -> entry
	byConn map[string]*entry            // conn id -> entry
	count  int

	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg.withDefaults(),
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		observer: deps.Observer,
		users:    make(map[string]map[string]*entry),
		byConn:   make(map[string]*entry),
		now:      time.Now,
	}
}

// Register records conn as a session of userID and returns the session id.
// Registering the same connection again returns its existing id.
func (r *Registry) Register(userID string, conn Conn) (string, error) {
	if userID == "" {
		return "", ErrInvalidUser
	}
	if conn == nil {
		return "", ErrNilConn
	}

	r.mu.Lock()
	if e, ok := r.byConn[conn.ID()]; ok {
		r.mu.Unlock()
		if e.session.UserID != userID {
			return "", ErrConnOwned
		}
		return e.session.ID, nil
	}

	e := &entry{
		session: Session{
			ID:        uuid.NewString(),
			UserID:    userID,
			ConnID:    conn.ID(),
			CreatedAt: r.now(),
		},
		conn: conn,
	}
	sessions := r.users[userID]
	if sessions == nil {
		sessions = make(map[string]*entry)
		r.users[userID] = sessions
	}
	sessions[e.session.ID] = e
	r.byConn[conn.ID()] = e
	r.count++
	n := r.count
	r.mu.Unlock()

	r.metrics.SetSessions(n)
	r.logger.Info("session registered",
		"user_id", userID,
		"session_id", e.session.ID,
		"conn_id", e.session.ConnID,
	)
	r.notify(events.SessionRegistered, e.session)
	return e.session.ID, nil
}

// Unregister forgets a session without closing its connection.
func (r *Registry) Unregister(userID, sessionID string) bool {
	r.mu.Lock()
	e, ok := r.users[userID][sessionID]
	if ok {
		r.removeLocked(e)
	}
	n := r.count
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.metrics.SetSessions(n)
	r.logger.Info("session unregistered", "user_id", userID, "session_id", sessionID)
	r.notify(events.SessionRemoved, e.session)
	return true
}

// DisconnectAll closes every connection of userID and removes it. Sessions
// registered while the closes run are closed in a further round, so the user
// has no sessions on return. A failing close does not stop the others.
// Returns how many closed cleanly.
func (r *Registry) DisconnectAll(ctx context.Context, userID string) int {
	total, closed := 0, 0
	for {
		r.mu.RLock()
		entries := make([]*entry, 0, len(r.users[userID]))
		for _, e := range r.users[userID] {
			entries = append(entries, e)
		}
		r.mu.RUnlock()

		if len(entries) == 0 {
			break
		}
		total += len(entries)
		closed += r.closeAll(ctx, entries)
		r.remove(entries)
	}

	r.logger.Info("user sessions disconnected",
		"user_id", userID,
		"sessions", total,
		"closed", closed,
	)
	return closed
}

// remove drops the entries still registered and reports them.
func (r *Registry) remove(entries []*entry) []*entry {
	r.mu.Lock()
	var removed []*entry
	for _, e := range entries {
		if cur, ok := r.byConn[e.session.ConnID]; ok && cur == e {
			r.removeLocked(e)
			removed = append(removed, e)
		}
	}
	n := r.count
	r.mu.Unlock()

	r.metrics.SetSessions(n)
	for _, e := range removed {
		r.notify(events.SessionRemoved, e.session)
	}
	return removed
}

// closeAll disconnects entries with bounded parallelism.
func (r *Registry) closeAll(ctx context.Context, entries []*entry) int {
	var closed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.DisconnectParallelism)

	for _, e := range entries {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, r.cfg.DisconnectTimeout)
			defer cancel()
			if err := e.conn.Disconnect(cctx); err != nil {
				r.logger.Warn("session disconnect failed",
					"user_id", e.session.UserID,
					"session_id", e.session.ID,
					"error", err,
				)
				return nil
			}
			closed.Add(1)
			return nil
		})
	}
	g.Wait()
	return int(closed.Load())
}

// ListSessions returns the sessions of userID, oldest first.
func (r *Registry) ListSessions(userID string) []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.users[userID]))
	conns := make([]Conn, 0, len(r.users[userID]))
	for _, e := range r.users[userID] {
		out = append(out, e.session)
		conns = append(conns, e.conn)
	}
	r.mu.RUnlock()

	for i, c := range conns {
		out[i].LastActivity = c.LastActivity()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Users returns every user with at least one session.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.users))
	for u := range r.users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// CleanupStale closes and removes every connection idle for longer than
// maxAge. Returns the number removed.
func (r *Registry) CleanupStale(ctx context.Context, maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)

	r.mu.RLock()
	var stale []*entry
	for _, sessions := range r.users {
		for _, e := range sessions {
			if e.conn.LastActivity().Before(cutoff) {
				stale = append(stale, e)
			}
		}
	}
	r.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}

	r.closeAll(ctx, stale)

	removed := r.remove(stale)
	for _, e := range removed {
		r.logger.Info("stale session reaped",
			"user_id", e.session.UserID,
			"session_id", e.session.ID,
		)
	}
	return len(removed)
}

// Start runs the stale-session sweep until Stop or ctx ends.
func (r *Registry) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.CleanupStale(ctx, r.cfg.StaleAfter); n > 0 {
					r.logger.Info("session sweep", "reaped", n)
				}
			}
		}
	}()

	r.logger.Info("session sweep started",
		"interval", r.cfg.SweepInterval,
		"stale_after", r.cfg.StaleAfter,
	)
}

// Stop ends the sweep and waits for it to exit.
func (r *Registry) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// removeLocked drops e from both indexes. Caller holds mu.
func (r *Registry) removeLocked(e *entry) {
	sessions := r.users[e.session.UserID]
	if _, ok := sessions[e.session.ID]; !ok {
		return
	}
	delete(sessions, e.session.ID)
	if len(sessions) == 0 {
		delete(r.users, e.session.UserID)
	}
	delete(r.byConn, e.session.ConnID)
	r.count--
}

func (r *Registry) notify(typ events.Type, s Session) {
	if r.observer == nil {
		return
	}
	r.observer(events.Event{
		Type:      typ,
		UserID:    s.UserID,
		SessionID: s.ID,
		ConnID:    s.ConnID,
	})
}

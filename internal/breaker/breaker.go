// Package breaker implements a registry of per-(user, bot) circuit breakers.
//
// Each breaker keeps timestamped failure and success events in rolling
// windows. Closed breakers open once enough failures land inside
// FailureWindow; open breakers admit a bounded number of half-open probes
// after RecoveryTimeout; enough probe successes close the breaker again.
package breaker

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/rickgao/brokerlink/internal/failure"
)

// State represents the circuit breaker state.
type State int32

const (
	Closed   State = iota // Normal operation, tracking failures
	Open                  // Failing fast
	HalfOpen              // Probing for recovery
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Key identifies one breaker.
type Key struct {
	UserID string
	BotID  string
}

func (k Key) String() string {
	return k.UserID + "/" + k.BotID
}

// Settings configures every breaker in a Registry.
type Settings struct {
	// FailureThreshold is the number of failures inside FailureWindow that
	// opens a closed breaker.
	FailureThreshold int
	FailureWindow    time.Duration

	// RecoveryTimeout is how long a breaker stays open before admitting probes.
	RecoveryTimeout time.Duration

	// HalfOpenMaxAttempts bounds the probes admitted while half-open.
	HalfOpenMaxAttempts int

	// SuccessThreshold is the number of half-open successes inside
	// SuccessWindow that closes the breaker.
	SuccessThreshold int
	SuccessWindow    time.Duration

	// OnStateChange is called after a transition, outside the breaker lock.
	OnStateChange func(key Key, from, to State, reason string)
}

// DefaultSettings returns 5 failures in 60s, 30s recovery, 3 probes and 2
// successes in 60s.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold:    5,
		FailureWindow:       60 * time.Second,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxAttempts: 3,
		SuccessThreshold:    2,
		SuccessWindow:       60 * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.FailureWindow <= 0 {
		s.FailureWindow = d.FailureWindow
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = d.RecoveryTimeout
	}
	if s.HalfOpenMaxAttempts <= 0 {
		s.HalfOpenMaxAttempts = d.HalfOpenMaxAttempts
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = d.SuccessThreshold
	}
	if s.SuccessWindow <= 0 {
		s.SuccessWindow = d.SuccessWindow
	}
	return s
}

// Decision is the answer to CanExecute.
type Decision struct {
	Allowed    bool
	State      State
	RetryAfter time.Duration // Set when denied by an open breaker
	Reason     string        // Set when denied
}

// Err returns nil for an allowed decision and a CircuitOpen error otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &failure.Error{
		Kind:       failure.CircuitOpen,
		Message:    d.Reason,
		RetryAfter: d.RetryAfter,
	}
}

// Status is a point-in-time view of one breaker.
type Status struct {
	Key              Key           `json:"-"`
	UserID           string        `json:"user_id"`
	BotID            string        `json:"bot_id"`
	State            State         `json:"state"`
	Failures         int           `json:"failures"`
	Successes        int           `json:"successes"`
	HalfOpenAttempts int           `json:"half_open_attempts"`
	OpenedAt         time.Time     `json:"opened_at,omitzero"`
	RetryAfter       time.Duration `json:"retry_after_ns,omitempty"`
	LastFailure      string        `json:"last_failure,omitempty"`
}

// transition is a state change to report once the breaker lock is released.
type transition struct {
	from, to State
	reason   string
}

// breaker is the state of one key. All fields are guarded by mu.
type breaker struct {
	mu sync.Mutex

	state      State
	failures   []time.Time
	successes  []time.Time
	openedAt   time.Time
	halfOpenAt time.Time
	probes     int // Probes admitted since entering HalfOpen
	lastCause  string
}

// prune drops events that fell out of their windows.
func (b *breaker) prune(now time.Time, s Settings) {
	b.failures = pruneBefore(b.failures, now.Add(-s.FailureWindow))
	b.successes = pruneBefore(b.successes, now.Add(-s.SuccessWindow))
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

func (b *breaker) setState(to State, now time.Time, reason string) *transition {
	if b.state == to {
		return nil
	}
	t := &transition{from: b.state, to: to, reason: reason}
	b.state = to
	switch to {
	case Open:
		b.openedAt = now
		b.probes = 0
	case HalfOpen:
		b.halfOpenAt = now
		b.probes = 0
		b.successes = b.successes[:0]
	case Closed:
		b.failures = b.failures[:0]
		b.successes = b.successes[:0]
		b.probes = 0
		b.openedAt = time.Time{}
	}
	return t
}

func (b *breaker) retryAfter(now time.Time, s Settings) time.Duration {
	if b.state != Open {
		return 0
	}
	d := b.openedAt.Add(s.RecoveryTimeout).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func openReason(retry time.Duration) string {
	secs := int64(math.Ceil(retry.Seconds()))
	return fmt.Sprintf("circuit open, retry after %ds", secs)
}

// shardCount must be a power of two.
const shardCount = 32

// Registry holds one breaker per (user, bot). Keys are spread over shards so
// unrelated users never contend on one lock; each breaker serializes its own
// updates.
type Registry struct {
	settings Settings
	logger   *slog.Logger
	shards   shards

	now func() time.Time
}

// NewRegistry creates an empty registry. Zero settings fields take defaults.
func NewRegistry(settings Settings, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		settings: settings.withDefaults(),
		logger:   logger,
		shards:   newShards(),
		now:      time.Now,
	}
}

// Settings returns the effective settings.
func (r *Registry) Settings() Settings {
	return r.settings
}

// CanExecute reports whether the bot may issue a broker operation now.
func (r *Registry) CanExecute(userID, botID string) Decision {
	key := Key{UserID: userID, BotID: botID}
	b := r.shards.getOrCreate(key)
	now := r.now()
	s := r.settings

	b.mu.Lock()
	b.prune(now, s)

	var t *transition
	var d Decision
	switch b.state {
	case Closed:
		if len(b.failures) >= s.FailureThreshold {
			t = b.setState(Open, now, "failure threshold reached")
			d = r.deny(b, now)
		} else {
			d = Decision{Allowed: true, State: Closed}
		}

	case Open:
		if now.Sub(b.openedAt) >= s.RecoveryTimeout {
			t = b.setState(HalfOpen, now, "recovery timeout elapsed")
			b.probes++
			d = Decision{Allowed: true, State: HalfOpen}
		} else {
			d = r.deny(b, now)
		}

	case HalfOpen:
		switch {
		case b.probes < s.HalfOpenMaxAttempts:
			b.probes++
			d = Decision{Allowed: true, State: HalfOpen}
		case len(b.successes) >= b.probes || now.Sub(b.halfOpenAt) >= s.RecoveryTimeout:
			// Every probe reported without closing the breaker, or the
			// outstanding ones never reported.
			t = b.setState(Open, now, "half-open probe budget exhausted")
			d = r.deny(b, now)
		default:
			d = Decision{
				State:  HalfOpen,
				Reason: fmt.Sprintf("circuit half-open, %d probes in flight", b.probes-len(b.successes)),
			}
		}
	}
	b.mu.Unlock()

	r.report(key, t)
	return d
}

func (r *Registry) deny(b *breaker, now time.Time) Decision {
	retry := b.retryAfter(now, r.settings)
	return Decision{
		State:      Open,
		RetryAfter: retry,
		Reason:     openReason(retry),
	}
}

// RecordSuccess records a successful operation.
func (r *Registry) RecordSuccess(userID, botID string) {
	key := Key{UserID: userID, BotID: botID}
	b := r.shards.getOrCreate(key)
	now := r.now()
	s := r.settings

	b.mu.Lock()
	b.prune(now, s)
	b.successes = append(b.successes, now)

	var t *transition
	if b.state == HalfOpen && len(b.successes) >= s.SuccessThreshold {
		t = b.setState(Closed, now, "recovered")
	}
	b.mu.Unlock()

	r.report(key, t)
}

// RecordFailure records a failed operation. A failure while half-open
// reopens the breaker immediately.
func (r *Registry) RecordFailure(userID, botID string, cause error) {
	key := Key{UserID: userID, BotID: botID}
	b := r.shards.getOrCreate(key)
	now := r.now()
	s := r.settings

	b.mu.Lock()
	b.prune(now, s)
	b.failures = append(b.failures, now)
	if cause != nil {
		b.lastCause = cause.Error()
	}

	var t *transition
	switch b.state {
	case Closed:
		if len(b.failures) >= s.FailureThreshold {
			t = b.setState(Open, now, "failure threshold reached")
		}
	case HalfOpen:
		t = b.setState(Open, now, "probe failed")
	}
	b.mu.Unlock()

	r.report(key, t)
}

// Status returns the breaker state without creating or advancing it.
func (r *Registry) Status(userID, botID string) Status {
	key := Key{UserID: userID, BotID: botID}
	st := Status{Key: key, UserID: userID, BotID: botID, State: Closed}

	b, ok := r.shards.get(key)
	if !ok {
		return st
	}
	now := r.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(now, r.settings)

	st.State = b.state
	st.Failures = len(b.failures)
	st.Successes = len(b.successes)
	st.HalfOpenAttempts = b.probes
	st.OpenedAt = b.openedAt
	st.RetryAfter = b.retryAfter(now, r.settings)
	st.LastFailure = b.lastCause
	return st
}

// Reset forces the breaker closed and clears its history.
func (r *Registry) Reset(userID, botID string) {
	key := Key{UserID: userID, BotID: botID}
	b, ok := r.shards.get(key)
	if !ok {
		return
	}

	b.mu.Lock()
	t := b.setState(Closed, r.now(), "manual reset")
	b.failures = b.failures[:0]
	b.successes = b.successes[:0]
	b.lastCause = ""
	b.mu.Unlock()

	r.report(key, t)
}

// Remove drops the breaker for one bot.
func (r *Registry) Remove(userID, botID string) bool {
	return r.shards.remove(Key{UserID: userID, BotID: botID})
}

// RemoveUser drops every breaker belonging to userID and returns how many
// were removed.
func (r *Registry) RemoveUser(userID string) int {
	return r.shards.removeWhere(func(k Key) bool { return k.UserID == userID })
}

// Keys returns every tracked key.
func (r *Registry) Keys() []Key {
	return r.shards.keys()
}

// Len returns the number of tracked breakers.
func (r *Registry) Len() int {
	return len(r.shards.keys())
}

func (r *Registry) report(key Key, t *transition) {
	if t == nil {
		return
	}
	log := r.logger.Info
	if t.to == Open {
		log = r.logger.Warn
	}
	log("circuit breaker state change",
		"user_id", key.UserID,
		"bot_id", key.BotID,
		"from", t.from,
		"to", t.to,
		"reason", t.reason,
	)
	if r.settings.OnStateChange != nil {
		r.settings.OnStateChange(key, t.from, t.to, t.reason)
	}
}

package connection

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"

	"github.com/rickgao/brokerlink/internal/auth"
	"github.com/rickgao/brokerlink/internal/correlator"
	"github.com/rickgao/brokerlink/internal/events"
	"github.com/rickgao/brokerlink/internal/failure"
	"github.com/rickgao/brokerlink/internal/metrics"
	"github.com/rickgao/brokerlink/internal/protocol"
	"github.com/rickgao/brokerlink/internal/tracing"
)

// Reasons attached to locally initiated closes.
const (
	reasonClientDisconnect = "client disconnect"
	reasonHeartbeat        = "heartbeat timeout"
	reasonMalformed        = "malformed frame storm"
	reasonAuthFailed       = "authorization failed during reconnect"
	reasonMaxAttempts      = "max reconnect attempts reached"
)

// Deps are the collaborators of a Manager. All are optional.
type Deps struct {
	ID        string // Defaults to a random uuid
	Token     auth.Token
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer
	NewClient func(ClientConfig, *slog.Logger) Client
}

// Manager owns one broker connection.
type Manager struct {
	id        string
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	newClient func(ClientConfig, *slog.Logger) Client

	bus     *events.Bus
	pending *correlator.Correlator[protocol.Envelope]
	flight  singleflight.Group

	mu             sync.Mutex
	state          State
	client         Client
	gen            uint64 // Bumped whenever the socket is replaced; stale loops compare against it
	loopCancel     context.CancelFunc
	token          auth.Token
	authRejected   bool // The broker refused token on this socket
	account        *protocol.AccountInfo
	attempts       int
	manualClose    bool
	reconnectTimer *time.Timer
	connectedAt    time.Time
	malformed      []time.Time

	lastFrame atomic.Int64 // unix nanos of last inbound frame
	lastUse   atomic.Int64 // unix nanos of last caller connect, authorize or request

	now func() time.Time
}

// NewManager creates a disconnected Manager.
func NewManager(cfg Config, deps Deps) *Manager {
	if deps.ID == "" {
		deps.ID = uuid.NewString()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if deps.NewClient == nil {
		deps.NewClient = NewClient
	}
	logger := deps.Logger.With("conn_id", deps.ID)

	return &Manager{
		id:        deps.ID,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		newClient: deps.NewClient,
		bus:       events.NewBus(logger),
		pending:   correlator.New[protocol.Envelope](),
		token:     deps.Token,
		now:       time.Now,
	}
}

// ID returns the connection id.
func (m *Manager) ID() string {
	return m.id
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Account returns the last account snapshot, if one was ever authorized.
func (m *Manager) Account() (protocol.AccountInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.account == nil {
		return protocol.AccountInfo{}, false
	}
	return *m.account, true
}

// LastActivity returns when a caller last connected, authorized or sent a
// request. Heartbeats and pushes do not count.
func (m *Manager) LastActivity() time.Time {
	return time.Unix(0, m.lastUse.Load())
}

// LastFrame returns when the last inbound frame arrived.
func (m *Manager) LastFrame() time.Time {
	return time.Unix(0, m.lastFrame.Load())
}

func (m *Manager) touch() {
	m.lastUse.Store(m.now().UnixNano())
}

// ConnectedAt returns when the current socket opened.
func (m *Manager) ConnectedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectedAt
}

// ReconnectAttempts returns the current reconnect attempt counter.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Pending returns the number of in-flight requests.
func (m *Manager) Pending() int {
	return m.pending.Len()
}

// Subscribe streams this connection's events of the given types.
func (m *Manager) Subscribe(types ...events.Type) *events.Subscription {
	return m.bus.Subscribe(types...)
}

// Connect opens the socket and, if a token is held, authorizes. Concurrent
// callers share one attempt. Cancelling ctx abandons only this caller's wait.
func (m *Manager) Connect(ctx context.Context) error {
	m.touch()
	m.mu.Lock()
	ready := m.state == Authenticated || (m.state == Connected && m.token.IsZero())
	m.mu.Unlock()
	if ready {
		return nil
	}

	ch := m.flight.DoChan("connect", func() (any, error) {
		return nil, m.establish()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Authorize exchanges token for a session on an open socket.
func (m *Manager) Authorize(ctx context.Context, token auth.Token) (protocol.AccountInfo, error) {
	if token.IsZero() {
		return protocol.AccountInfo{}, failure.New(failure.AuthenticationFailed, "token is required")
	}
	m.touch()
	return m.authorize(ctx, token)
}

// Send issues req and waits for its response. The connection must be
// authenticated. While a socket is being opened or re-authorized the error is
// ConnectionClosed; AuthenticationFailed means no credential was accepted.
func (m *Manager) Send(ctx context.Context, req protocol.Request) (protocol.Envelope, error) {
	m.touch()
	m.mu.Lock()
	st := m.state
	unauthorized := m.token.IsZero() || m.authRejected
	m.mu.Unlock()

	switch {
	case st == Authenticated:
	case st == Connected && unauthorized:
		return protocol.Envelope{}, failure.New(failure.AuthenticationFailed, "not authenticated")
	default:
		return protocol.Envelope{}, failure.Wrap(failure.ConnectionClosed, ErrNotConnected, "%s while %s", req.Kind(), st)
	}
	return m.roundTrip(ctx, req)
}

// Disconnect closes the socket with a normal closure, fails every pending
// request with ConnectionClosed and cancels any scheduled reconnect.
func (m *Manager) Disconnect(ctx context.Context) error {
	return m.teardown(websocket.CloseNormalClosure, reasonClientDisconnect, false)
}

// establish runs one connect attempt detached from any caller context.
func (m *Manager) establish() error {
	m.mu.Lock()
	switch m.state {
	case Disconnected:
		if m.reconnectTimer != nil {
			m.reconnectTimer.Stop()
			m.reconnectTimer = nil
		}
		m.manualClose = false
		m.setState(Connecting)
		m.mu.Unlock()

		if err := m.dial(); err != nil {
			return err
		}
	default:
		m.mu.Unlock()
	}

	m.mu.Lock()
	token := m.token
	m.mu.Unlock()
	if token.IsZero() {
		return nil
	}
	_, err := m.authorize(context.Background(), token)
	return err
}

// dial opens a socket and starts its loops.
func (m *Manager) dial() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()

	c := m.newClient(m.cfg.clientConfig(), m.logger)
	if err := c.Connect(ctx); err != nil {
		m.mu.Lock()
		if m.state == Connecting {
			m.setState(Disconnected)
		}
		m.mu.Unlock()
		m.logger.Warn("dial failed", "error", err)
		return failure.Wrap(failure.ConnectionTimeout, err, "dial")
	}

	m.mu.Lock()
	if m.manualClose || m.state != Connecting {
		m.mu.Unlock()
		c.Close(websocket.CloseNormalClosure, reasonClientDisconnect)
		return failure.New(failure.ConnectionClosed, "disconnected while connecting")
	}

	now := m.now()
	m.gen++
	gen := m.gen
	m.client = c
	m.connectedAt = now
	m.malformed = nil
	m.authRejected = false
	m.lastFrame.Store(now.UnixNano())
	if m.token.IsZero() {
		m.attempts = 0
	}
	loopCtx, loopCancel := context.WithCancel(context.Background())
	m.loopCancel = loopCancel
	m.setState(Connected)
	m.mu.Unlock()

	go m.readLoop(loopCtx, gen, c)
	go m.heartbeatLoop(loopCtx, gen, c)
	go m.pending.Run(loopCtx, m.cfg.SweepInterval)

	m.logger.Info("connected")
	m.emit(events.Event{Type: events.Connected})
	return nil
}

// authorize sends the authorize frame and records the account snapshot.
func (m *Manager) authorize(ctx context.Context, token auth.Token) (protocol.AccountInfo, error) {
	m.mu.Lock()
	if !m.state.live() {
		m.mu.Unlock()
		return protocol.AccountInfo{}, failure.Wrap(failure.ConnectionClosed, ErrNotConnected, "authorize")
	}
	m.token = token
	m.authRejected = false
	m.setState(Authenticating)
	m.mu.Unlock()

	info, err := m.exchangeAuthorize(ctx, token)
	if err != nil {
		m.mu.Lock()
		if m.state == Authenticating {
			m.setState(Connected)
			m.authRejected = failure.KindOf(err) == failure.AuthenticationFailed
		}
		m.mu.Unlock()
		m.logger.Warn("authorization failed", "token", token, "error", err)
		return protocol.AccountInfo{}, err
	}

	m.mu.Lock()
	if m.state != Authenticating {
		m.mu.Unlock()
		return protocol.AccountInfo{}, failure.New(failure.ConnectionClosed, "connection lost during authorize")
	}
	m.account = &info
	m.attempts = 0
	m.setState(Authenticated)
	m.mu.Unlock()

	m.logger.Info("authorized",
		"account_id", info.AccountID,
		"account_kind", info.Kind,
		"currency", info.Currency,
	)
	m.emit(events.Event{Type: events.Authorized, Account: &info})
	return info, nil
}

func (m *Manager) exchangeAuthorize(ctx context.Context, token auth.Token) (protocol.AccountInfo, error) {
	env, err := m.roundTrip(ctx, protocol.AuthorizeRequest{Authorize: token.Reveal()})
	if err != nil {
		switch failure.KindOf(err) {
		case failure.ConnectionClosed, failure.AuthenticationFailed:
			return protocol.AccountInfo{}, err
		}
		return protocol.AccountInfo{}, failure.Wrap(failure.AuthenticationFailed, err, "authorize")
	}

	var a protocol.Authorization
	if err := env.Unmarshal(&a); err != nil {
		return protocol.AccountInfo{}, failure.Wrap(failure.AuthenticationFailed, err, "authorize")
	}
	return protocol.NewAccountInfo(a, m.now()), nil
}

// roundTrip encodes req, waits for the correlated response and records the
// span and metrics for it.
func (m *Manager) roundTrip(ctx context.Context, req protocol.Request) (protocol.Envelope, error) {
	op := req.Kind()
	start := time.Now()

	ctx, span := m.tracer.Start(ctx, "broker."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("broker.conn_id", m.id)),
	)
	env, err := m.exchange(ctx, req)
	tracing.End(span, err)

	status := "ok"
	if err != nil {
		status = string(failure.KindOf(err))
		if status == "" {
			status = "canceled"
		}
	}
	m.metrics.ObserveRequest(op, status, time.Since(start))
	return env, err
}

func (m *Manager) exchange(ctx context.Context, req protocol.Request) (protocol.Envelope, error) {
	m.mu.Lock()
	c := m.client
	live := c != nil && m.state.live()
	m.mu.Unlock()
	if !live {
		return protocol.Envelope{}, failure.Wrap(failure.ConnectionClosed, ErrNotConnected, "%s", req.Kind())
	}

	id := m.pending.NextID()
	data, err := protocol.Encode(req, id)
	if err != nil {
		return protocol.Envelope{}, &failure.Error{
			Kind:    failure.Rejected,
			Code:    "InputValidationFailed",
			Message: "invalid request",
			Err:     err,
		}
	}

	timeout := m.cfg.RequestTimeout
	w := m.pending.Register(id, m.now().Add(timeout))
	m.metrics.AddPending(1)
	defer m.metrics.AddPending(-1)

	if err := c.Send(data); err != nil {
		if w.Cancel() {
			return protocol.Envelope{}, failure.Wrap(failure.ConnectionClosed, err, "send %s", req.Kind())
		}
		return settle(<-w.Done())
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w.Done():
		return settle(res)
	case <-timer.C:
		if w.Cancel() {
			return protocol.Envelope{}, failure.New(failure.RequestTimeout, "%s timed out after %s", req.Kind(), timeout)
		}
		return settle(<-w.Done())
	case <-ctx.Done():
		if w.Cancel() {
			return protocol.Envelope{}, ctx.Err()
		}
		return settle(<-w.Done())
	}
}

// settle turns a waiter result into the caller's return values.
func settle(res correlator.Result[protocol.Envelope]) (protocol.Envelope, error) {
	if res.Err != nil {
		return protocol.Envelope{}, res.Err
	}
	if res.Value.Error != nil {
		return res.Value, res.Value.Error.Classify()
	}
	return res.Value, nil
}

// readLoop dispatches inbound frames for one socket generation.
func (m *Manager) readLoop(ctx context.Context, gen uint64, c Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.Errors():
			m.handleSocketFailure(gen, asCloseError(err))
			return
		case msg := <-c.Messages():
			m.lastFrame.Store(msg.ReceivedAt.UnixNano())
			m.dispatch(gen, msg.Data)
		}
	}
}

// dispatch routes one frame to its waiter or to subscribers.
func (m *Manager) dispatch(gen uint64, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		m.onMalformed(gen, err)
		return
	}

	// A subscription's first frame answers the request that opened it and
	// is also the first push.
	if env.ReqID != 0 && m.pending.Resolve(env.ReqID, env) && env.Kind == protocol.KindResponse {
		return
	}
	if env.Kind == protocol.KindPush {
		m.publishPush(gen, env)
		return
	}
	if env.MsgType != protocol.MsgPing {
		m.logger.Debug("unmatched response", "msg_type", env.MsgType, "req_id", env.ReqID)
	}
}

// publishPush converts a broker push into an event.
func (m *Manager) publishPush(gen uint64, env protocol.Envelope) {
	if env.Error != nil {
		m.logger.Warn("push error", "msg_type", env.MsgType, "code", env.Error.Code, "message", env.Error.Message)
		return
	}

	switch env.MsgType {
	case protocol.MsgTick:
		var tick protocol.Tick
		if err := env.Unmarshal(&tick); err != nil {
			m.onMalformed(gen, err)
			return
		}
		m.emit(events.Event{Type: events.Tick, Tick: &tick})
	case protocol.MsgOpenContract:
		m.emit(events.Event{Type: events.ContractUpdate, Payload: env.Payload})
	case protocol.MsgTransaction:
		m.emit(events.Event{Type: events.Transaction, Payload: env.Payload})
	case protocol.MsgBalance:
		var b protocol.Balance
		if err := env.Unmarshal(&b); err != nil {
			m.onMalformed(gen, err)
			return
		}
		m.refreshBalance(b)
		m.emit(events.Event{Type: events.BalanceUpdate, Payload: env.Payload})
	default:
		m.logger.Debug("unhandled push", "msg_type", env.MsgType)
	}
}

// onMalformed counts a bad frame and forces a reconnect once
// MalformedThreshold frames arrive within MalformedWindow.
func (m *Manager) onMalformed(gen uint64, err error) {
	m.metrics.MalformedFrame()
	m.logger.Warn("malformed frame", "error", err)

	now := m.now()
	cutoff := now.Add(-m.cfg.MalformedWindow)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	kept := m.malformed[:0]
	for _, ts := range m.malformed {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	m.malformed = append(kept, now)
	storm := len(m.malformed) >= m.cfg.MalformedThreshold
	m.mu.Unlock()

	if storm {
		m.logger.Error("malformed frame threshold reached, forcing reconnect",
			"threshold", m.cfg.MalformedThreshold,
			"window", m.cfg.MalformedWindow,
		)
		m.handleSocketFailure(gen, &CloseError{Code: websocket.CloseProtocolError, Reason: reasonMalformed})
	}
}

// heartbeatLoop sends app-level pings and runs the inbound-silence watchdog.
func (m *Manager) heartbeatLoop(ctx context.Context, gen uint64, c Client) {
	interval := m.cfg.HeartbeatInterval
	limit := interval * time.Duration(m.cfg.WatchdogMultiplier)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if idle := m.now().Sub(m.LastFrame()); idle > limit {
				m.logger.Warn("no inbound traffic, connection stale",
					"idle", idle,
					"limit", limit,
				)
				m.handleSocketFailure(gen, &CloseError{Code: websocket.CloseAbnormalClosure, Reason: reasonHeartbeat})
				return
			}

			data, err := protocol.Encode(protocol.PingRequest{Ping: 1}, m.pending.NextID())
			if err != nil {
				continue
			}
			if err := c.Send(data); err != nil {
				m.logger.Debug("failed to send ping", "error", err)
			}
		}
	}
}

// handleSocketFailure tears down a socket that ended on its own and schedules
// a reconnect unless the close was normal or manual.
func (m *Manager) handleSocketFailure(gen uint64, ce *CloseError) {
	m.mu.Lock()
	if gen != m.gen || m.client == nil {
		m.mu.Unlock()
		return
	}
	c := m.client
	m.client = nil
	m.gen++
	if m.loopCancel != nil {
		m.loopCancel()
		m.loopCancel = nil
	}
	m.setState(Disconnected)

	var sched reconnectPlan
	if !m.manualClose && ce.Code != websocket.CloseNormalClosure {
		sched = m.planReconnectLocked()
	}
	m.mu.Unlock()

	c.Close(ce.Code, ce.Reason)
	n := m.pending.RejectAll(failure.Wrap(failure.ConnectionClosed, ce, "connection lost"))

	m.logger.Warn("connection lost",
		"code", ce.Code,
		"reason", ce.Reason,
		"failed_requests", n,
	)
	m.emit(events.Event{
		Type:   events.Disconnected,
		Code:   ce.Code,
		Reason: ce.Reason,
		Final:  sched == reconnectPlan{},
	})
	m.announce(sched)
}

// reconnectPlan is the outcome of planReconnectLocked.
type reconnectPlan struct {
	attempt  int
	delay    time.Duration
	terminal bool
}

// planReconnectLocked arms the reconnect timer or gives up. Caller holds mu.
func (m *Manager) planReconnectLocked() reconnectPlan {
	if m.reconnectTimer != nil {
		return reconnectPlan{}
	}
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		return reconnectPlan{attempt: m.attempts, terminal: true}
	}
	m.attempts++
	delay := m.cfg.Backoff.Delay(m.attempts)
	m.reconnectTimer = time.AfterFunc(delay, m.reconnect)
	return reconnectPlan{attempt: m.attempts, delay: delay}
}

func (m *Manager) announce(p reconnectPlan) {
	switch {
	case p.terminal:
		m.metrics.Reconnect("failed")
		m.logger.Error("giving up on reconnect", "attempts", p.attempt)
		m.emit(events.Event{Type: events.ReconnectFailed, Attempt: p.attempt, Reason: reasonMaxAttempts, Final: true})
	case p.attempt > 0:
		m.metrics.Reconnect("scheduled")
		m.logger.Info("reconnect scheduled", "attempt", p.attempt, "delay", p.delay)
		m.emit(events.Event{Type: events.ReconnectScheduled, Attempt: p.attempt, Delay: p.delay})
	}
}

// reconnect is the reconnect timer callback.
func (m *Manager) reconnect() {
	m.mu.Lock()
	m.reconnectTimer = nil
	if m.manualClose || m.state != Disconnected {
		m.mu.Unlock()
		return
	}
	attempt := m.attempts
	m.mu.Unlock()

	m.logger.Info("attempting reconnection", "attempt", attempt)

	res := <-m.flight.DoChan("connect", func() (any, error) {
		return nil, m.establish()
	})
	if res.Err == nil {
		m.logger.Info("reconnected", "attempt", attempt)
		return
	}

	switch failure.KindOf(res.Err) {
	case failure.AuthenticationFailed, failure.PermissionDenied:
		m.teardown(websocket.CloseNormalClosure, reasonAuthFailed, true)
		return
	}

	m.mu.Lock()
	var plan reconnectPlan
	if !m.manualClose && m.state == Disconnected {
		plan = m.planReconnectLocked()
	}
	m.mu.Unlock()
	m.announce(plan)
}

// teardown is the manual close path shared by Disconnect and terminal
// reconnect failures.
func (m *Manager) teardown(code int, reason string, terminal bool) error {
	m.mu.Lock()
	m.manualClose = true
	hadReconnect := m.reconnectTimer != nil
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	c := m.client
	m.client = nil
	m.gen++
	if m.loopCancel != nil {
		m.loopCancel()
		m.loopCancel = nil
	}
	was := m.state
	m.setState(Disconnected)
	attempts := m.attempts
	m.mu.Unlock()

	var err error
	if c != nil {
		err = c.Close(code, reason)
	}
	n := m.pending.RejectAll(failure.New(failure.ConnectionClosed, "%s", reason))

	giveUp := hadReconnect || terminal
	if was != Disconnected {
		m.logger.Info("disconnected", "reason", reason, "failed_requests", n)
		m.emit(events.Event{Type: events.Disconnected, Code: code, Reason: reason, Final: !giveUp})
	}
	if giveUp {
		m.metrics.Reconnect("failed")
		m.emit(events.Event{Type: events.ReconnectFailed, Attempt: attempts, Reason: reason, Final: true})
	}

	if err != nil {
		return failure.Wrap(failure.ConnectionClosed, err, "close socket")
	}
	return nil
}

// refreshBalance updates the account snapshot from a balance read or push.
func (m *Manager) refreshBalance(b protocol.Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.account == nil {
		return
	}
	next := m.account.WithBalance(b, m.now())
	m.account = &next
}

// setState records a transition. Caller holds mu.
func (m *Manager) setState(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.metrics.ConnectionState(stateLabel(from), stateLabel(to))
	m.logger.Debug("state change", "from", from, "to", to)
}

// stateLabel omits Disconnected from the gauge so dropped managers do not
// accumulate there.
func stateLabel(s State) string {
	if s == Disconnected {
		return ""
	}
	return s.String()
}

func (m *Manager) emit(e events.Event) {
	e.ConnID = m.id
	m.bus.Publish(e)
}

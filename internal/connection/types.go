package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/brokerlink/internal/backoff"
)

// Socket-level errors. The manager converts these into failure kinds before
// they reach callers.
var (
	ErrNotConnected  = errors.New("not connected")
	ErrAlreadyClosed = errors.New("already closed")
)

// State is the connection lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Authenticating
	Authenticated
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// live reports whether a socket is open in this state.
func (s State) live() bool {
	return s >= Connected
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// CloseError describes why a socket ended. Code follows RFC 6455; reads that
// fail without a close frame report 1006.
type CloseError struct {
	Code   int
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("socket closed (%d): %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("socket closed (%d)", e.Code)
}

func (e *CloseError) Unwrap() error {
	return e.Err
}

// asCloseError normalizes a read error.
func asCloseError(err error) *CloseError {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce
	}
	var wsErr *websocket.CloseError
	if errors.As(err, &wsErr) {
		return &CloseError{Code: wsErr.Code, Reason: wsErr.Text, Err: err}
	}
	reason := "abnormal closure"
	if err != nil {
		reason = err.Error()
	}
	return &CloseError{Code: websocket.CloseAbnormalClosure, Reason: reason, Err: err}
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL including app_id
	Origin           string        // Origin header, if the broker requires one
	HandshakeTimeout time.Duration // Bound on the HTTP upgrade
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
	ReadLimit        int64         // Max inbound frame size in bytes
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       256,
		ReadLimit:        1 << 20,
	}
}

// Config configures a Manager.
type Config struct {
	URL    string
	Origin string

	ConnectTimeout time.Duration // Dial deadline
	WriteTimeout   time.Duration
	RequestTimeout time.Duration // Per-request deadline
	SweepInterval  time.Duration // Expired-waiter sweep period

	HeartbeatInterval  time.Duration // App-level ping period
	WatchdogMultiplier int           // Silence beyond interval*multiplier is a failure

	MaxReconnectAttempts int
	Backoff              backoff.Policy

	MalformedThreshold int           // Malformed frames within MalformedWindow that force a reconnect
	MalformedWindow    time.Duration

	BufferSize int
	ReadLimit  int64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       10 * time.Second,
		WriteTimeout:         5 * time.Second,
		RequestTimeout:       30 * time.Second,
		SweepInterval:        5 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		WatchdogMultiplier:   3,
		MaxReconnectAttempts: 5,
		Backoff:              backoff.Default(),
		MalformedThreshold:   10,
		MalformedWindow:      time.Minute,
		BufferSize:           256,
		ReadLimit:            1 << 20,
	}
}

// withDefaults fills zero fields from DefaultConfig. MaxReconnectAttempts is
// left alone since zero is meaningful.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.WatchdogMultiplier <= 0 {
		c.WatchdogMultiplier = d.WatchdogMultiplier
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff = d.Backoff
	}
	if c.MalformedThreshold <= 0 {
		c.MalformedThreshold = d.MalformedThreshold
	}
	if c.MalformedWindow <= 0 {
		c.MalformedWindow = d.MalformedWindow
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	return c
}

func (c Config) clientConfig() ClientConfig {
	return ClientConfig{
		URL:              c.URL,
		Origin:           c.Origin,
		HandshakeTimeout: c.ConnectTimeout,
		WriteTimeout:     c.WriteTimeout,
		BufferSize:       c.BufferSize,
		ReadLimit:        c.ReadLimit,
	}
}

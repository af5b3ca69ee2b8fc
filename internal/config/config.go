// Package config loads the gateway's YAML configuration.
//
// Values of the form ${VAR} are expanded from the environment before parsing,
// so credentials can stay out of the file.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/brokerlink/internal/backoff"
	"github.com/rickgao/brokerlink/internal/breaker"
	"github.com/rickgao/brokerlink/internal/connection"
	"github.com/rickgao/brokerlink/internal/gateway"
	"github.com/rickgao/brokerlink/internal/logging"
	"github.com/rickgao/brokerlink/internal/probe"
	"github.com/rickgao/brokerlink/internal/protocol"
	"github.com/rickgao/brokerlink/internal/session"
	"github.com/rickgao/brokerlink/internal/tracing"
)

// GatewayConfig is the root configuration of the gateway process.
type GatewayConfig struct {
	Instance   InstanceConfig   `yaml:"instance"`
	Broker     BrokerConfig     `yaml:"broker"`
	Connection ConnectionConfig `yaml:"connection"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Probe      ProbeConfig      `yaml:"probe"`
	Audit      AuditConfig      `yaml:"audit"`
	Events     EventsConfig     `yaml:"events"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    logging.Config   `yaml:"logging"`
	Tracing    tracing.Config   `yaml:"tracing"`
}

type InstanceConfig struct {
	ID string `yaml:"id"`
}

// BrokerConfig locates the broker's WebSocket endpoint.
type BrokerConfig struct {
	WSURL  string `yaml:"ws_url"`
	AppID  string `yaml:"app_id"`
	Origin string `yaml:"origin"`
}

// Endpoint returns WSURL with the app_id query parameter set.
func (b BrokerConfig) Endpoint() (string, error) {
	u, err := url.Parse(b.WSURL)
	if err != nil {
		return "", fmt.Errorf("parse broker.ws_url: %w", err)
	}
	if b.AppID != "" {
		q := u.Query()
		q.Set("app_id", b.AppID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type ConnectionConfig struct {
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	WatchdogMultiplier int           `yaml:"watchdog_multiplier"`

	// Nil means the default; zero disables reconnects.
	MaxReconnectAttempts *int          `yaml:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	ReconnectFactor      float64       `yaml:"reconnect_factor"`

	MalformedThreshold int           `yaml:"malformed_threshold"`
	MalformedWindow    time.Duration `yaml:"malformed_window"`

	BufferSize int   `yaml:"buffer_size"`
	ReadLimit  int64 `yaml:"read_limit"`
}

type BreakerConfig struct {
	FailureThreshold    int           `yaml:"failure_threshold"`
	FailureWindow       time.Duration `yaml:"failure_window"`
	RecoveryTimeout     time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxAttempts int           `yaml:"half_open_max_attempts"`
	SuccessThreshold    int           `yaml:"success_threshold"`
	SuccessWindow       time.Duration `yaml:"success_window"`
}

type SessionsConfig struct {
	StaleAfter            time.Duration `yaml:"stale_after"`
	SweepInterval         time.Duration `yaml:"sweep_interval"`
	DisconnectParallelism int           `yaml:"disconnect_parallelism"`
	DisconnectTimeout     time.Duration `yaml:"disconnect_timeout"`
}

// ProbeConfig configures token validation. The probe quote never executes.
type ProbeConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	TeardownTimeout time.Duration `yaml:"teardown_timeout"`
	Symbol          string        `yaml:"symbol"`
	ContractType    string        `yaml:"contract_type"`
	Amount          string        `yaml:"amount"`
}

// AuditConfig controls the database event log.
type AuditConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// EventsConfig controls event export to Kafka.
type EventsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// ConnectionSettings maps the broker and connection sections onto a
// connection.Config.
func (c *GatewayConfig) ConnectionSettings() (connection.Config, error) {
	endpoint, err := c.Broker.Endpoint()
	if err != nil {
		return connection.Config{}, err
	}
	cc := c.Connection
	out := connection.Config{
		URL:                endpoint,
		Origin:             c.Broker.Origin,
		ConnectTimeout:     cc.ConnectTimeout,
		WriteTimeout:       cc.WriteTimeout,
		RequestTimeout:     cc.RequestTimeout,
		SweepInterval:      cc.SweepInterval,
		HeartbeatInterval:  cc.HeartbeatInterval,
		WatchdogMultiplier: cc.WatchdogMultiplier,
		Backoff: backoff.Policy{
			Initial: cc.ReconnectBaseDelay,
			Max:     cc.ReconnectMaxDelay,
			Factor:  cc.ReconnectFactor,
		},
		MalformedThreshold: cc.MalformedThreshold,
		MalformedWindow:    cc.MalformedWindow,
		BufferSize:         cc.BufferSize,
		ReadLimit:          cc.ReadLimit,
	}
	if cc.MaxReconnectAttempts != nil {
		out.MaxReconnectAttempts = *cc.MaxReconnectAttempts
	}
	return out, nil
}

// GatewaySettings assembles the gateway service configuration.
func (c *GatewayConfig) GatewaySettings() (gateway.Config, error) {
	conn, err := c.ConnectionSettings()
	if err != nil {
		return gateway.Config{}, err
	}

	p := probe.DefaultConfig()
	p.Timeout = c.Probe.Timeout
	p.TeardownTimeout = c.Probe.TeardownTimeout
	p.Proposal.Symbol = c.Probe.Symbol
	p.Proposal.ContractType = c.Probe.ContractType
	amount, err := decimal.NewFromString(c.Probe.Amount)
	if err != nil {
		return gateway.Config{}, fmt.Errorf("probe.amount: %w", err)
	}
	p.Proposal.Amount = protocol.NewAmount(amount)

	b := c.Breaker
	s := c.Sessions
	return gateway.Config{
		Connection: conn,
		Breaker: breaker.Settings{
			FailureThreshold:    b.FailureThreshold,
			FailureWindow:       b.FailureWindow,
			RecoveryTimeout:     b.RecoveryTimeout,
			HalfOpenMaxAttempts: b.HalfOpenMaxAttempts,
			SuccessThreshold:    b.SuccessThreshold,
			SuccessWindow:       b.SuccessWindow,
		},
		Sessions: session.Config{
			StaleAfter:            s.StaleAfter,
			SweepInterval:         s.SweepInterval,
			DisconnectParallelism: s.DisconnectParallelism,
			DisconnectTimeout:     s.DisconnectTimeout,
		},
		Probe: p,
	}, nil
}

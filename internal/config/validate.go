package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"
)

// Validate checks that all required fields are set and values are valid.
func (c *GatewayConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Broker.WSURL == "" {
		return errors.New("broker.ws_url is required")
	}
	u, err := url.Parse(c.Broker.WSURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("broker.ws_url must be a ws:// or wss:// URL, got %q", c.Broker.WSURL)
	}

	if c.Connection.RequestTimeout <= 0 {
		return errors.New("connection.request_timeout must be > 0")
	}
	if c.Connection.MaxReconnectAttempts != nil && *c.Connection.MaxReconnectAttempts < 0 {
		return errors.New("connection.max_reconnect_attempts must be >= 0")
	}
	if c.Connection.ReconnectMaxDelay < c.Connection.ReconnectBaseDelay {
		return fmt.Errorf("connection.reconnect_max_delay (%s) cannot be below reconnect_base_delay (%s)",
			c.Connection.ReconnectMaxDelay, c.Connection.ReconnectBaseDelay)
	}
	if c.Connection.ReconnectFactor < 1 {
		return errors.New("connection.reconnect_factor must be >= 1")
	}

	if c.Breaker.FailureThreshold < 1 {
		return errors.New("breaker.failure_threshold must be >= 1")
	}
	if c.Breaker.HalfOpenMaxAttempts < 1 {
		return errors.New("breaker.half_open_max_attempts must be >= 1")
	}
	if c.Breaker.SuccessThreshold < 1 {
		return errors.New("breaker.success_threshold must be >= 1")
	}
	if c.Breaker.SuccessThreshold > c.Breaker.HalfOpenMaxAttempts {
		return fmt.Errorf("breaker.success_threshold (%d) cannot exceed half_open_max_attempts (%d)",
			c.Breaker.SuccessThreshold, c.Breaker.HalfOpenMaxAttempts)
	}

	if c.Sessions.DisconnectParallelism < 1 {
		return errors.New("sessions.disconnect_parallelism must be >= 1")
	}

	if amount, err := decimal.NewFromString(c.Probe.Amount); err != nil || !amount.IsPositive() {
		return fmt.Errorf("probe.amount must be a positive number, got %q", c.Probe.Amount)
	}

	if c.Audit.Enabled {
		if err := c.Audit.Database.validate("audit.database"); err != nil {
			return err
		}
		if c.Audit.BatchSize < 1 {
			return errors.New("audit.batch_size must be >= 1")
		}
	}

	if c.Events.Enabled {
		if len(c.Events.Brokers) == 0 {
			return errors.New("events.brokers is required when events are enabled")
		}
		if c.Events.Topic == "" {
			return errors.New("events.topic is required when events are enabled")
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

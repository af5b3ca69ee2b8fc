package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultWSURL                = "wss://ws.derivws.com/websockets/v3"
	DefaultConnectTimeout       = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultRequestTimeout       = 30 * time.Second
	DefaultSweepInterval        = 5 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultWatchdogMultiplier   = 3
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultReconnectFactor      = 2.0
	DefaultMalformedThreshold   = 10
	DefaultMalformedWindow      = time.Minute
	DefaultBufferSize           = 256
	DefaultReadLimit            = 1 << 20

	DefaultFailureThreshold    = 5
	DefaultFailureWindow       = 60 * time.Second
	DefaultRecoveryTimeout     = 30 * time.Second
	DefaultHalfOpenMaxAttempts = 3
	DefaultSuccessThreshold    = 2
	DefaultSuccessWindow       = 60 * time.Second

	DefaultStaleAfter            = 30 * time.Minute
	DefaultSessionSweep          = time.Minute
	DefaultDisconnectParallelism = 8
	DefaultDisconnectTimeout     = 5 * time.Second

	DefaultProbeTimeout  = 15 * time.Second
	DefaultProbeTeardown = 5 * time.Second
	DefaultProbeSymbol   = "R_100"
	DefaultProbeContract = "CALL"
	DefaultProbeAmount   = "1"

	DefaultDBPort        = 5432
	DefaultDBSSLMode     = "prefer"
	DefaultMaxConns      = 10
	DefaultMinConns      = 2
	DefaultBatchSize     = 500
	DefaultFlushInterval = 1 * time.Second

	DefaultEventsTopic       = "brokerlink.events"
	DefaultEventsBatchSize   = 100
	DefaultEventsBatchTimeout = 500 * time.Millisecond

	DefaultMetricsPort = 9090
	DefaultMetricsPath = "/metrics"

	DefaultLogLevel    = "info"
	DefaultLogFormat   = "json"
	DefaultServiceName = "brokerlink"
)

func (c *GatewayConfig) applyDefaults() {
	// Broker defaults
	if c.Broker.WSURL == "" {
		c.Broker.WSURL = DefaultWSURL
	}

	// Connection defaults
	cc := &c.Connection
	if cc.ConnectTimeout == 0 {
		cc.ConnectTimeout = DefaultConnectTimeout
	}
	if cc.WriteTimeout == 0 {
		cc.WriteTimeout = DefaultWriteTimeout
	}
	if cc.RequestTimeout == 0 {
		cc.RequestTimeout = DefaultRequestTimeout
	}
	if cc.SweepInterval == 0 {
		cc.SweepInterval = DefaultSweepInterval
	}
	if cc.HeartbeatInterval == 0 {
		cc.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cc.WatchdogMultiplier == 0 {
		cc.WatchdogMultiplier = DefaultWatchdogMultiplier
	}
	if cc.MaxReconnectAttempts == nil {
		n := DefaultMaxReconnectAttempts
		cc.MaxReconnectAttempts = &n
	}
	if cc.ReconnectBaseDelay == 0 {
		cc.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if cc.ReconnectMaxDelay == 0 {
		cc.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if cc.ReconnectFactor == 0 {
		cc.ReconnectFactor = DefaultReconnectFactor
	}
	if cc.MalformedThreshold == 0 {
		cc.MalformedThreshold = DefaultMalformedThreshold
	}
	if cc.MalformedWindow == 0 {
		cc.MalformedWindow = DefaultMalformedWindow
	}
	if cc.BufferSize == 0 {
		cc.BufferSize = DefaultBufferSize
	}
	if cc.ReadLimit == 0 {
		cc.ReadLimit = DefaultReadLimit
	}

	// Breaker defaults
	b := &c.Breaker
	if b.FailureThreshold == 0 {
		b.FailureThreshold = DefaultFailureThreshold
	}
	if b.FailureWindow == 0 {
		b.FailureWindow = DefaultFailureWindow
	}
	if b.RecoveryTimeout == 0 {
		b.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if b.HalfOpenMaxAttempts == 0 {
		b.HalfOpenMaxAttempts = DefaultHalfOpenMaxAttempts
	}
	if b.SuccessThreshold == 0 {
		b.SuccessThreshold = DefaultSuccessThreshold
	}
	if b.SuccessWindow == 0 {
		b.SuccessWindow = DefaultSuccessWindow
	}

	// Session defaults
	s := &c.Sessions
	if s.StaleAfter == 0 {
		s.StaleAfter = DefaultStaleAfter
	}
	if s.SweepInterval == 0 {
		s.SweepInterval = DefaultSessionSweep
	}
	if s.DisconnectParallelism == 0 {
		s.DisconnectParallelism = DefaultDisconnectParallelism
	}
	if s.DisconnectTimeout == 0 {
		s.DisconnectTimeout = DefaultDisconnectTimeout
	}

	// Probe defaults
	p := &c.Probe
	if p.Timeout == 0 {
		p.Timeout = DefaultProbeTimeout
	}
	if p.TeardownTimeout == 0 {
		p.TeardownTimeout = DefaultProbeTeardown
	}
	if p.Symbol == "" {
		p.Symbol = DefaultProbeSymbol
	}
	if p.ContractType == "" {
		p.ContractType = DefaultProbeContract
	}
	if p.Amount == "" {
		p.Amount = DefaultProbeAmount
	}

	// Audit defaults
	applyDBDefaults(&c.Audit.Database)
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = DefaultBatchSize
	}
	if c.Audit.FlushInterval == 0 {
		c.Audit.FlushInterval = DefaultFlushInterval
	}

	// Event export defaults
	if c.Events.Topic == "" {
		c.Events.Topic = DefaultEventsTopic
	}
	if c.Events.BatchSize == 0 {
		c.Events.BatchSize = DefaultEventsBatchSize
	}
	if c.Events.BatchTimeout == 0 {
		c.Events.BatchTimeout = DefaultEventsBatchTimeout
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Logging and tracing defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = DefaultServiceName
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}

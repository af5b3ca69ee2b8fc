// Package events carries lifecycle notifications and market-data pushes from
// connections, breakers and the session registry to their consumers.
package events

import (
	"encoding/json"
	"time"

	"github.com/rickgao/brokerlink/internal/protocol"
)

// Type names an event kind.
type Type string

const (
	Connected          Type = "connected"
	Authorized         Type = "authorized"
	Disconnected       Type = "disconnected"
	ReconnectScheduled Type = "reconnect_scheduled"
	ReconnectFailed    Type = "reconnect_failed"
	Tick               Type = "tick"
	ContractUpdate     Type = "contract_update"
	Transaction        Type = "transaction"
	BalanceUpdate      Type = "balance_update"
	CircuitOpened      Type = "circuit_opened"
	CircuitClosed      Type = "circuit_closed"
	SessionRegistered  Type = "session_registered"
	SessionRemoved     Type = "session_removed"
)

// MarketData reports whether t is a broker push rather than a lifecycle change.
func (t Type) MarketData() bool {
	switch t {
	case Tick, ContractUpdate, Transaction, BalanceUpdate:
		return true
	}
	return false
}

// Event is one notification. Only the fields relevant to Type are set.
// Events never carry credentials or raw frames.
type Event struct {
	Type      Type      `json:"type"`
	Time      time.Time `json:"time"`
	ConnID    string    `json:"conn_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	BotID     string    `json:"bot_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`

	// Final marks the last event of a connection's life: no reconnect follows.
	Final bool `json:"final,omitempty"`

	Code    int           `json:"code,omitempty"`     // Close code (disconnected)
	Reason  string        `json:"reason,omitempty"`   // Close or breaker reason
	Attempt int           `json:"attempt,omitempty"`  // Reconnect attempt
	Delay   time.Duration `json:"delay_ms,omitempty"` // Reconnect delay

	Account *protocol.AccountInfo `json:"account,omitempty"`
	Tick    *protocol.Tick        `json:"tick,omitempty"`
	Payload json.RawMessage       `json:"payload,omitempty"` // Decoded push body (contract_update, transaction, balance_update)
}

// MarshalJSON renders Delay in milliseconds.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	return json.Marshal(struct {
		alias
		Delay int64 `json:"delay_ms,omitempty"`
	}{
		alias: alias(e),
		Delay: e.Delay.Milliseconds(),
	})
}

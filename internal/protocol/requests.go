package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// SchemaVersion identifies the request schema revision implemented here.
const SchemaVersion = "v3"

// Request is an outgoing call. Kind is the top-level key that names the call.
type Request interface {
	Kind() string
	Validate() error
}

// Amount is a decimal that marshals as a bare JSON number, which the broker
// requires for prices and stakes.
type Amount struct {
	decimal.Decimal
}

// NewAmount wraps d.
func NewAmount(d decimal.Decimal) Amount {
	return Amount{Decimal: d}
}

// MustAmount parses s, panicking on malformed input. Intended for constants.
func MustAmount(s string) Amount {
	return Amount{Decimal: decimal.RequireFromString(s)}
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.Decimal.String()), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	return a.Decimal.UnmarshalJSON(data)
}

// AuthorizeRequest exchanges a credential for a session.
type AuthorizeRequest struct {
	Authorize string `json:"authorize"`
}

func (AuthorizeRequest) Kind() string { return "authorize" }

func (r AuthorizeRequest) Validate() error {
	if strings.TrimSpace(r.Authorize) == "" {
		return errors.New("authorize: token is required")
	}
	return nil
}

// BalanceRequest reads the account balance.
type BalanceRequest struct {
	Balance int    `json:"balance"`
	Account string `json:"account,omitempty"`
}

func (BalanceRequest) Kind() string { return "balance" }

func (r BalanceRequest) Validate() error {
	return requireFlag("balance", r.Balance)
}

// ProposalRequest asks for a price quote. It never executes a trade.
type ProposalRequest struct {
	Proposal     int    `json:"proposal"`
	Amount       Amount `json:"amount"`
	Basis        string `json:"basis"`
	ContractType string `json:"contract_type"`
	Currency     string `json:"currency"`
	Duration     int    `json:"duration,omitempty"`
	DurationUnit string `json:"duration_unit,omitempty"`
	Symbol       string `json:"symbol"`
	Barrier      string `json:"barrier,omitempty"`
}

func (ProposalRequest) Kind() string { return "proposal" }

func (r ProposalRequest) Validate() error {
	if err := requireFlag("proposal", r.Proposal); err != nil {
		return err
	}
	if !r.Amount.IsPositive() {
		return errors.New("proposal: amount must be positive")
	}
	if r.Basis != "stake" && r.Basis != "payout" {
		return fmt.Errorf("proposal: basis must be 'stake' or 'payout', got %q", r.Basis)
	}
	if r.ContractType == "" {
		return errors.New("proposal: contract_type is required")
	}
	if r.Currency == "" {
		return errors.New("proposal: currency is required")
	}
	if r.Symbol == "" {
		return errors.New("proposal: symbol is required")
	}
	if r.Duration < 0 {
		return errors.New("proposal: duration must be >= 0")
	}
	if r.Duration > 0 && !validDurationUnit(r.DurationUnit) {
		return fmt.Errorf("proposal: invalid duration_unit %q", r.DurationUnit)
	}
	return nil
}

func validDurationUnit(u string) bool {
	switch u {
	case "t", "s", "m", "h", "d":
		return true
	}
	return false
}

// BuyRequest executes a previously quoted proposal.
type BuyRequest struct {
	Buy   string `json:"buy"`
	Price Amount `json:"price"`
}

func (BuyRequest) Kind() string { return "buy" }

func (r BuyRequest) Validate() error {
	if r.Buy == "" {
		return errors.New("buy: proposal id is required")
	}
	if !r.Price.IsPositive() {
		return errors.New("buy: price must be positive")
	}
	return nil
}

// SellRequest closes an open contract. A zero price sells at market.
type SellRequest struct {
	Sell  int64  `json:"sell"`
	Price Amount `json:"price"`
}

func (SellRequest) Kind() string { return "sell" }

func (r SellRequest) Validate() error {
	if r.Sell <= 0 {
		return errors.New("sell: contract id is required")
	}
	if r.Price.IsNegative() {
		return errors.New("sell: price must be >= 0")
	}
	return nil
}

// PortfolioRequest lists open contracts.
type PortfolioRequest struct {
	Portfolio int `json:"portfolio"`
}

func (PortfolioRequest) Kind() string { return "portfolio" }

func (r PortfolioRequest) Validate() error {
	return requireFlag("portfolio", r.Portfolio)
}

// StatementRequest reads transaction history.
type StatementRequest struct {
	Statement   int    `json:"statement"`
	Description int    `json:"description,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	Offset      int    `json:"offset,omitempty"`
	DateFrom    int64  `json:"date_from,omitempty"`
	DateTo      int64  `json:"date_to,omitempty"`
	ActionType  string `json:"action_type,omitempty"`
}

// MaxStatementLimit is the largest page the broker returns.
const MaxStatementLimit = 999

func (StatementRequest) Kind() string { return "statement" }

func (r StatementRequest) Validate() error {
	if err := requireFlag("statement", r.Statement); err != nil {
		return err
	}
	if r.Limit < 0 || r.Limit > MaxStatementLimit {
		return fmt.Errorf("statement: limit must be between 0 and %d, got %d", MaxStatementLimit, r.Limit)
	}
	if r.Offset < 0 {
		return errors.New("statement: offset must be >= 0")
	}
	if r.DateFrom > 0 && r.DateTo > 0 && r.DateFrom > r.DateTo {
		return errors.New("statement: date_from is after date_to")
	}
	switch r.ActionType {
	case "", "buy", "sell", "deposit", "withdrawal", "escrow", "adjustment", "virtual_credit", "transfer":
	default:
		return fmt.Errorf("statement: unknown action_type %q", r.ActionType)
	}
	return nil
}

// TicksRequest subscribes to a symbol's tick stream.
type TicksRequest struct {
	Ticks     string `json:"ticks"`
	Subscribe int    `json:"subscribe,omitempty"`
}

func (TicksRequest) Kind() string { return "ticks" }

func (r TicksRequest) Validate() error {
	if r.Ticks == "" {
		return errors.New("ticks: symbol is required")
	}
	if r.Subscribe != 0 && r.Subscribe != 1 {
		return errors.New("ticks: subscribe must be 0 or 1")
	}
	return nil
}

// ForgetRequest cancels a stream subscription.
type ForgetRequest struct {
	Forget string `json:"forget"`
}

func (ForgetRequest) Kind() string { return "forget" }

func (r ForgetRequest) Validate() error {
	if r.Forget == "" {
		return errors.New("forget: subscription id is required")
	}
	return nil
}

// PingRequest is the application-level keepalive.
type PingRequest struct {
	Ping int `json:"ping"`
}

func (PingRequest) Kind() string { return "ping" }

func (r PingRequest) Validate() error {
	return requireFlag("ping", r.Ping)
}

func requireFlag(name string, v int) error {
	if v != 1 {
		return fmt.Errorf("%s: flag must be 1, got %d", name, v)
	}
	return nil
}

// Package probe validates a broker token by exercising it on a short-lived
// connection.
//
// A successful balance read establishes read permissions. Trading permission
// is inferred from a price quote that never executes: pricing data means the
// token may trade, a permission-shaped rejection means it may not, and any
// other failure is inconclusive and reported as not permitted.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/brokerlink/internal/auth"
	"github.com/rickgao/brokerlink/internal/connection"
	"github.com/rickgao/brokerlink/internal/failure"
	"github.com/rickgao/brokerlink/internal/protocol"
)

// Permission is a capability a caller can require.
type Permission string

const (
	Trade            Permission = "trade"
	ReadBalance      Permission = "read_balance"
	ReadTransactions Permission = "read_transactions"
)

// ParsePermission maps a name to a Permission.
func ParsePermission(s string) (Permission, error) {
	switch p := Permission(strings.ToLower(strings.TrimSpace(s))); p {
	case Trade, ReadBalance, ReadTransactions:
		return p, nil
	}
	return "", fmt.Errorf("unknown permission %q", s)
}

// Permissions are the capabilities the probe confirmed.
type Permissions struct {
	CanTrade            bool `json:"can_trade"`
	CanReadBalance      bool `json:"can_read_balance"`
	CanReadTransactions bool `json:"can_read_transactions"`
}

func (p Permissions) has(perm Permission) bool {
	switch perm {
	case Trade:
		return p.CanTrade
	case ReadBalance:
		return p.CanReadBalance
	case ReadTransactions:
		return p.CanReadTransactions
	}
	return false
}

// Result is the outcome of one validation. It never contains the token.
type Result struct {
	IsValid     bool                 `json:"is_valid"`
	AccountType protocol.AccountKind `json:"account_type,omitempty"`
	AccountID   string               `json:"account_id,omitempty"`
	Balance     decimal.Decimal      `json:"balance"`
	Currency    string               `json:"currency,omitempty"`
	Permissions Permissions          `json:"permissions"`
	Errors      []string             `json:"errors,omitempty"`
	Warnings    []string             `json:"warnings,omitempty"`

	kind failure.Kind
}

// Err returns nil for a valid result, otherwise an error whose kind explains
// why the token was refused.
func (r Result) Err() error {
	if r.IsValid {
		return nil
	}
	kind := r.kind
	if kind == "" {
		kind = failure.PermissionDenied
	}
	return failure.New(kind, "%s", strings.Join(r.Errors, "; "))
}

func (r *Result) fail(kind failure.Kind, format string, args ...any) {
	if r.kind == "" {
		r.kind = kind
	}
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Conn is the part of a broker connection the probe drives.
type Conn interface {
	Authorize(ctx context.Context, token auth.Token) (protocol.AccountInfo, error)
	GetBalance(ctx context.Context) (protocol.Balance, error)
	GetProposal(ctx context.Context, req protocol.ProposalRequest) (protocol.Proposal, error)
	Disconnect(ctx context.Context) error
}

// Dialer opens an unauthorized connection.
type Dialer func(ctx context.Context) (Conn, error)

// ManagerDialer returns a Dialer that opens a fresh connection.Manager per
// probe. deps.Token is ignored.
func ManagerDialer(cfg connection.Config, deps connection.Deps) Dialer {
	cfg.MaxReconnectAttempts = 0
	deps.Token = auth.Token{}
	return func(ctx context.Context) (Conn, error) {
		d := deps
		d.ID = ""
		m := connection.NewManager(cfg, d)
		if err := m.Connect(ctx); err != nil {
			m.Disconnect(context.Background())
			return nil, err
		}
		return m, nil
	}
}

// Config configures a Validator.
type Config struct {
	Timeout         time.Duration // Bound on the whole validation
	TeardownTimeout time.Duration
	// Proposal is the quote used to probe trading. Its currency is replaced
	// by the account currency.
	Proposal protocol.ProposalRequest
}

// DefaultConfig returns a 15s budget and a one-unit rise/fall quote on R_100.
func DefaultConfig() Config {
	return Config{
		Timeout:         15 * time.Second,
		TeardownTimeout: 5 * time.Second,
		Proposal: protocol.ProposalRequest{
			Amount:       protocol.MustAmount("1"),
			Basis:        "stake",
			ContractType: "CALL",
			Currency:     "USD",
			Duration:     5,
			DurationUnit: "t",
			Symbol:       "R_100",
		},
	}
}

// Validator runs permission probes.
type Validator struct {
	cfg    Config
	dial   Dialer
	logger *slog.Logger
}

// NewValidator creates a Validator. Zero config fields take defaults.
func NewValidator(cfg Config, dial Dialer, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = d.TeardownTimeout
	}
	if cfg.Proposal.Symbol == "" {
		cfg.Proposal = d.Proposal
	}
	return &Validator{cfg: cfg, dial: dial, logger: logger}
}

// Validate authorizes token on a new connection and reports what it may do.
// The connection is always torn down before Validate returns.
func (v *Validator) Validate(ctx context.Context, token auth.Token, required ...Permission) Result {
	var res Result
	if token.IsZero() {
		res.fail(failure.AuthenticationFailed, "token is required")
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	logger := v.logger.With("token", token)
	start := time.Now()

	conn, err := v.dial(ctx)
	if err != nil {
		res.fail(kindOr(err, failure.ConnectionTimeout), "connect: %s", describe(err))
		logger.Warn("probe connect failed", "error", err)
		return res
	}
	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), v.cfg.TeardownTimeout)
		defer tcancel()
		if err := conn.Disconnect(tctx); err != nil {
			logger.Debug("probe teardown failed", "error", err)
		}
	}()

	info, err := conn.Authorize(ctx, token)
	if err != nil {
		res.fail(kindOr(err, failure.AuthenticationFailed), "authorize: %s", describe(err))
		logger.Info("probe authorization failed", "error", err)
		return res
	}
	res.AccountID = info.AccountID
	res.AccountType = info.Kind
	res.Balance = info.Balance
	res.Currency = info.Currency

	v.probeBalance(ctx, conn, &res)
	v.probeTrading(ctx, conn, info, &res)

	for _, p := range required {
		if !res.Permissions.has(p) {
			res.fail(failure.PermissionDenied, "missing permission: %s", p)
		}
	}
	res.IsValid = len(res.Errors) == 0

	logger.Info("token probed",
		"account_id", res.AccountID,
		"account_type", res.AccountType,
		"valid", res.IsValid,
		"can_trade", res.Permissions.CanTrade,
		"can_read_balance", res.Permissions.CanReadBalance,
		"warnings", len(res.Warnings),
		"duration", time.Since(start),
	)
	return res
}

func (v *Validator) probeBalance(ctx context.Context, conn Conn, res *Result) {
	bal, err := conn.GetBalance(ctx)
	if err != nil {
		if permissionShaped(err) {
			res.warn("balance read not permitted: %s", describe(err))
		} else {
			res.warn("balance read failed: %s", describe(err))
		}
		return
	}
	res.Permissions.CanReadBalance = true
	// Statement access comes with balance access for this broker.
	res.Permissions.CanReadTransactions = true
	res.Balance = bal.Balance
	if bal.Currency != "" {
		res.Currency = bal.Currency
	}
}

func (v *Validator) probeTrading(ctx context.Context, conn Conn, info protocol.AccountInfo, res *Result) {
	req := v.cfg.Proposal
	if info.Currency != "" {
		req.Currency = info.Currency
	}

	p, err := conn.GetProposal(ctx, req)
	switch {
	case err == nil && p.ID != "":
		res.Permissions.CanTrade = true
	case err == nil:
		res.warn("trading permission inconclusive: quote carried no id; treating as not permitted")
	case permissionShaped(err):
		res.warn("trading not permitted: %s", describe(err))
	default:
		res.warn("trading permission inconclusive: %s; treating as not permitted", describe(err))
	}
}

// permissionShaped reports whether err is a rejection of the credential's
// capabilities rather than of the request itself.
func permissionShaped(err error) bool {
	switch failure.KindOf(err) {
	case failure.PermissionDenied, failure.AuthenticationFailed:
		return true
	}
	var fe *failure.Error
	if errors.As(err, &fe) {
		switch fe.Code {
		case protocol.CodePermissionDenied, protocol.CodeAuthorizationRequired, protocol.CodeInvalidToken:
			return true
		}
	}
	msg := strings.ToLower(describe(err))
	return strings.Contains(msg, "permission") ||
		strings.Contains(msg, "scope") ||
		strings.Contains(msg, "authoriz")
}

// describe returns the human-readable part of err.
func describe(err error) string {
	var fe *failure.Error
	if errors.As(err, &fe) && fe.Message != "" {
		return fe.Message
	}
	return err.Error()
}

func kindOr(err error, fallback failure.Kind) failure.Kind {
	if k := failure.KindOf(err); k != "" {
		return k
	}
	return fallback
}

package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rickgao/brokerlink/internal/connection"
	"github.com/rickgao/brokerlink/internal/protocol"
	"github.com/rickgao/brokerlink/internal/tracing"
)

// Conn is the set of broker operations a Trader guards.
// *connection.Manager implements it.
type Conn interface {
	GetBalance(ctx context.Context) (protocol.Balance, error)
	GetProposal(ctx context.Context, req protocol.ProposalRequest) (protocol.Proposal, error)
	Buy(ctx context.Context, proposalID string, price decimal.Decimal) (protocol.BuyReceipt, error)
	Sell(ctx context.Context, contractID int64, price decimal.Decimal) (protocol.SellReceipt, error)
	Portfolio(ctx context.Context) (protocol.Portfolio, error)
	GetTransactionHistory(ctx context.Context, f connection.TransactionFilter) (protocol.Statement, error)
}

// Trader runs a bot's broker operations behind its circuit breaker.
type Trader struct {
	svc    *Service
	userID string
	botID  string
	conn   Conn
}

// Trader binds conn to the breaker of (userID, botID).
func (s *Service) Trader(userID, botID string, conn Conn) *Trader {
	return &Trader{svc: s, userID: userID, botID: botID, conn: conn}
}

// GetBalance fetches the account balance through the breaker.
func (t *Trader) GetBalance(ctx context.Context) (protocol.Balance, error) {
	return guard(ctx, t, "balance", t.conn.GetBalance)
}

// GetProposal prices a contract.
func (t *Trader) GetProposal(ctx context.Context, req protocol.ProposalRequest) (protocol.Proposal, error) {
	return guard(ctx, t, "proposal", func(ctx context.Context) (protocol.Proposal, error) {
		return t.conn.GetProposal(ctx, req)
	})
}

// Buy purchases proposalID at no more than price.
func (t *Trader) Buy(ctx context.Context, proposalID string, price decimal.Decimal) (protocol.BuyReceipt, error) {
	return guard(ctx, t, "buy", func(ctx context.Context) (protocol.BuyReceipt, error) {
		return t.conn.Buy(ctx, proposalID, price)
	})
}

// Sell closes contractID. A zero price sells at market.
func (t *Trader) Sell(ctx context.Context, contractID int64, price decimal.Decimal) (protocol.SellReceipt, error) {
	return guard(ctx, t, "sell", func(ctx context.Context) (protocol.SellReceipt, error) {
		return t.conn.Sell(ctx, contractID, price)
	})
}

// Portfolio lists open contracts.
func (t *Trader) Portfolio(ctx context.Context) (protocol.Portfolio, error) {
	return guard(ctx, t, "portfolio", t.conn.Portfolio)
}

// GetTransactionHistory fetches the account statement matching f.
func (t *Trader) GetTransactionHistory(ctx context.Context, f connection.TransactionFilter) (protocol.Statement, error) {
	return guard(ctx, t, "statement", func(ctx context.Context) (protocol.Statement, error) {
		return t.conn.GetTransactionHistory(ctx, f)
	})
}

// guard fails fast with CircuitOpen while the breaker denies, otherwise runs
// fn and records its outcome. A caller cancelling its own context is not a
// broker failure.
func guard[T any](ctx context.Context, t *Trader, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if d := t.svc.breakers.CanExecute(t.userID, t.botID); !d.Allowed {
		t.svc.logger.Debug("operation refused by breaker",
			"op", op,
			"user_id", t.userID,
			"bot_id", t.botID,
			"state", d.State,
		)
		return zero, d.Err()
	}

	ctx, span := t.svc.tracer.Start(ctx, "trader."+op,
		trace.WithAttributes(
			attribute.String("user_id", t.userID),
			attribute.String("bot_id", t.botID),
		),
	)
	v, err := fn(ctx)
	tracing.End(span, err)

	switch {
	case err == nil:
		t.svc.breakers.RecordSuccess(t.userID, t.botID)
	case errors.Is(err, context.Canceled):
	default:
		t.svc.breakers.RecordFailure(t.userID, t.botID, err)
	}
	return v, err
}

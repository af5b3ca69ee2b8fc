package connection

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/brokerlink/internal/protocol"
)

// TransactionFilter narrows a transaction history read.
type TransactionFilter struct {
	Limit      int
	Offset     int
	From       time.Time
	To         time.Time
	ActionType string // buy, sell, deposit, withdrawal, ...
}

func (f TransactionFilter) request() protocol.StatementRequest {
	req := protocol.StatementRequest{
		Statement:   1,
		Description: 1,
		Limit:       f.Limit,
		Offset:      f.Offset,
		ActionType:  f.ActionType,
	}
	if !f.From.IsZero() {
		req.DateFrom = f.From.Unix()
	}
	if !f.To.IsZero() {
		req.DateTo = f.To.Unix()
	}
	return req
}

// call sends req and decodes the response payload into T.
func call[T any](ctx context.Context, m *Manager, req protocol.Request) (T, protocol.Envelope, error) {
	var out T
	env, err := m.Send(ctx, req)
	if err != nil {
		return out, env, err
	}
	if err := env.Unmarshal(&out); err != nil {
		return out, env, err
	}
	return out, env, nil
}

// GetBalance reads the account balance and refreshes the account snapshot.
func (m *Manager) GetBalance(ctx context.Context) (protocol.Balance, error) {
	b, _, err := call[protocol.Balance](ctx, m, protocol.BalanceRequest{Balance: 1})
	if err != nil {
		return protocol.Balance{}, err
	}
	m.refreshBalance(b)
	return b, nil
}

// GetProposal requests a price quote. It never executes a trade.
func (m *Manager) GetProposal(ctx context.Context, req protocol.ProposalRequest) (protocol.Proposal, error) {
	req.Proposal = 1
	p, _, err := call[protocol.Proposal](ctx, m, req)
	return p, err
}

// Buy executes a quoted proposal at no more than price.
func (m *Manager) Buy(ctx context.Context, proposalID string, price decimal.Decimal) (protocol.BuyReceipt, error) {
	r, _, err := call[protocol.BuyReceipt](ctx, m, protocol.BuyRequest{
		Buy:   proposalID,
		Price: protocol.NewAmount(price),
	})
	return r, err
}

// Sell closes an open contract. A zero price sells at market.
func (m *Manager) Sell(ctx context.Context, contractID int64, price decimal.Decimal) (protocol.SellReceipt, error) {
	r, _, err := call[protocol.SellReceipt](ctx, m, protocol.SellRequest{
		Sell:  contractID,
		Price: protocol.NewAmount(price),
	})
	return r, err
}

// Portfolio lists open contracts.
func (m *Manager) Portfolio(ctx context.Context) (protocol.Portfolio, error) {
	p, _, err := call[protocol.Portfolio](ctx, m, protocol.PortfolioRequest{Portfolio: 1})
	return p, err
}

// GetTransactionHistory reads a page of the account statement.
func (m *Manager) GetTransactionHistory(ctx context.Context, f TransactionFilter) (protocol.Statement, error) {
	s, _, err := call[protocol.Statement](ctx, m, f.request())
	return s, err
}

// SubscribeTicks starts a tick stream for symbol and returns its
// subscription id. Ticks arrive as events.Tick.
func (m *Manager) SubscribeTicks(ctx context.Context, symbol string) (string, error) {
	_, env, err := call[protocol.Tick](ctx, m, protocol.TicksRequest{Ticks: symbol, Subscribe: 1})
	if err != nil {
		return "", err
	}
	return env.SubscriptionID, nil
}

// Forget cancels a stream subscription.
func (m *Manager) Forget(ctx context.Context, subscriptionID string) error {
	_, err := m.Send(ctx, protocol.ForgetRequest{Forget: subscriptionID})
	return err
}

// Ping performs one app-level round trip.
func (m *Manager) Ping(ctx context.Context) error {
	_, err := m.Send(ctx, protocol.PingRequest{Ping: 1})
	return err
}

package probe

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/brokerlink/internal/auth"
	"github.com/rickgao/brokerlink/internal/brokertest"
	"github.com/rickgao/brokerlink/internal/connection"
	"github.com/rickgao/brokerlink/internal/failure"
	"github.com/rickgao/brokerlink/internal/protocol"
)

const secret = "a1b2c3d4e5f6g7h8"

// fakeConn scripts the broker's answers.
type fakeConn struct {
	authErr     error
	balanceErr  error
	proposalErr error
	proposal    protocol.Proposal
	block       bool // GetBalance waits for ctx

	gotCurrency  string
	balanceCalls atomic.Int32
	closed       atomic.Int32
}

func (c *fakeConn) Authorize(ctx context.Context, token auth.Token) (protocol.AccountInfo, error) {
	if c.authErr != nil {
		return protocol.AccountInfo{}, c.authErr
	}
	return protocol.NewAccountInfo(protocol.Authorization{
		LoginID:  "VRTC42",
		Balance:  decimal.NewFromInt(10000),
		Currency: "EUR",
	}, time.Now()), nil
}

func (c *fakeConn) GetBalance(ctx context.Context) (protocol.Balance, error) {
	c.balanceCalls.Add(1)
	if c.block {
		<-ctx.Done()
		return protocol.Balance{}, failure.New(failure.RequestTimeout, "balance timed out")
	}
	if c.balanceErr != nil {
		return protocol.Balance{}, c.balanceErr
	}
	return protocol.Balance{Balance: decimal.NewFromInt(9500), Currency: "EUR"}, nil
}

func (c *fakeConn) GetProposal(ctx context.Context, req protocol.ProposalRequest) (protocol.Proposal, error) {
	c.gotCurrency = req.Currency
	if c.proposalErr != nil {
		return protocol.Proposal{}, c.proposalErr
	}
	return c.proposal, nil
}

func (c *fakeConn) Disconnect(ctx context.Context) error {
	c.closed.Add(1)
	return nil
}

func dialerFor(c *fakeConn) Dialer {
	return func(context.Context) (Conn, error) { return c, nil }
}

func mustToken(t *testing.T, s string) auth.Token {
	t.Helper()
	tok, err := auth.NewToken(s)
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	return tok
}

func brokerErr(code, msg string) error {
	return (&protocol.BrokerError{Code: code, Message: msg}).Classify()
}

func TestValidate_FullAccess(t *testing.T) {
	conn := &fakeConn{proposal: protocol.Proposal{ID: "prop-1"}}
	v := NewValidator(Config{}, dialerFor(conn), nil)

	res := v.Validate(context.Background(), mustToken(t, secret), Trade, ReadBalance)

	if !res.IsValid {
		t.Fatalf("IsValid = false, errors: %v", res.Errors)
	}
	if res.Err() != nil {
		t.Errorf("Err() = %v, want nil", res.Err())
	}
	if res.AccountType != protocol.AccountDemo {
		t.Errorf("AccountType = %s, want demo", res.AccountType)
	}
	if res.AccountID != "VRTC42" {
		t.Errorf("AccountID = %s", res.AccountID)
	}
	if !res.Balance.Equal(decimal.NewFromInt(9500)) {
		t.Errorf("Balance = %s, want 9500 from the balance read", res.Balance)
	}
	want := Permissions{CanTrade: true, CanReadBalance: true, CanReadTransactions: true}
	if res.Permissions != want {
		t.Errorf("Permissions = %+v, want %+v", res.Permissions, want)
	}
	if conn.gotCurrency != "EUR" {
		t.Errorf("quote currency = %q, want account currency EUR", conn.gotCurrency)
	}
	if conn.closed.Load() != 1 {
		t.Errorf("Disconnect calls = %d, want 1", conn.closed.Load())
	}
}

func TestValidate_PermissionShapedQuoteFailure(t *testing.T) {
	conn := &fakeConn{
		proposalErr: brokerErr(protocol.CodePermissionDenied, "Permission denied, requires trade scope(s)."),
	}
	v := NewValidator(Config{}, dialerFor(conn), nil)

	res := v.Validate(context.Background(), mustToken(t, secret))

	if !res.Permissions.CanReadBalance {
		t.Error("CanReadBalance = false, want true")
	}
	if res.Permissions.CanTrade {
		t.Error("CanTrade = true, want false")
	}
	if !res.IsValid {
		t.Errorf("IsValid = false with nothing required: %v", res.Errors)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "not permitted") {
		t.Errorf("Warnings = %v", res.Warnings)
	}
}

func TestValidate_MissingRequiredPermission(t *testing.T) {
	conn := &fakeConn{
		proposalErr: failure.New(failure.Rejected, "Token lacks the required scope"),
	}
	v := NewValidator(Config{}, dialerFor(conn), nil)

	res := v.Validate(context.Background(), mustToken(t, secret), Trade)

	if res.IsValid {
		t.Fatal("IsValid = true, want false")
	}
	if !errors.Is(res.Err(), failure.ErrPermissionDenied) {
		t.Errorf("Err() = %v, want PermissionDenied", res.Err())
	}
	if len(res.Errors) != 1 || res.Errors[0] != "missing permission: trade" {
		t.Errorf("Errors = %v", res.Errors)
	}
}

func TestValidate_InconclusiveQuoteFailsClosed(t *testing.T) {
	conn := &fakeConn{
		proposalErr: brokerErr("MarketIsClosed", "This market is presently closed."),
	}
	v := NewValidator(Config{}, dialerFor(conn), nil)

	res := v.Validate(context.Background(), mustToken(t, secret))

	if res.Permissions.CanTrade {
		t.Error("CanTrade = true, want false")
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "inconclusive") {
		t.Errorf("Warnings = %v", res.Warnings)
	}
}

func TestValidate_AuthenticationFailure(t *testing.T) {
	conn := &fakeConn{
		authErr: brokerErr(protocol.CodeInvalidToken, "The token is invalid."),
	}
	v := NewValidator(Config{}, dialerFor(conn), nil)

	res := v.Validate(context.Background(), mustToken(t, secret), Trade)

	if res.IsValid {
		t.Fatal("IsValid = true, want false")
	}
	if !errors.Is(res.Err(), failure.ErrAuthenticationFailed) {
		t.Errorf("Err() = %v, want AuthenticationFailed", res.Err())
	}
	if conn.balanceCalls.Load() != 0 {
		t.Error("balance was read after failed authorization")
	}
	if conn.closed.Load() != 1 {
		t.Errorf("Disconnect calls = %d, want 1", conn.closed.Load())
	}
}

func TestValidate_DialFailure(t *testing.T) {
	dial := func(context.Context) (Conn, error) {
		return nil, failure.New(failure.ConnectionTimeout, "dial")
	}
	v := NewValidator(Config{}, dial, nil)

	res := v.Validate(context.Background(), mustToken(t, secret))

	if res.IsValid {
		t.Fatal("IsValid = true, want false")
	}
	if !errors.Is(res.Err(), failure.ErrConnectionTimeout) {
		t.Errorf("Err() = %v, want ConnectionTimeout", res.Err())
	}
}

func TestValidate_EmptyToken(t *testing.T) {
	dialed := false
	dial := func(context.Context) (Conn, error) {
		dialed = true
		return nil, errors.New("unreachable")
	}
	v := NewValidator(Config{}, dial, nil)

	res := v.Validate(context.Background(), auth.Token{})
	if !errors.Is(res.Err(), failure.ErrAuthenticationFailed) {
		t.Errorf("Err() = %v, want AuthenticationFailed", res.Err())
	}
	if dialed {
		t.Error("dialed with an empty token")
	}
}

func TestValidate_TimeoutStillTearsDown(t *testing.T) {
	conn := &fakeConn{block: true, proposalErr: context.DeadlineExceeded}
	v := NewValidator(Config{Timeout: 50 * time.Millisecond}, dialerFor(conn), nil)

	start := time.Now()
	res := v.Validate(context.Background(), mustToken(t, secret))

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Validate took %v", elapsed)
	}
	if res.Permissions.CanReadBalance || res.Permissions.CanTrade {
		t.Errorf("Permissions = %+v, want none", res.Permissions)
	}
	if conn.closed.Load() != 1 {
		t.Errorf("Disconnect calls = %d, want 1", conn.closed.Load())
	}
}

func TestValidate_ResultNeverCarriesToken(t *testing.T) {
	conn := &fakeConn{
		authErr: brokerErr(protocol.CodeInvalidToken, "The token is invalid."),
	}
	v := NewValidator(Config{}, dialerFor(conn), nil)

	res := v.Validate(context.Background(), mustToken(t, secret))
	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), secret) || strings.Contains(res.Err().Error(), secret) {
		t.Error("token leaked into the result")
	}
}

func TestValidate_AgainstBroker(t *testing.T) {
	b := brokertest.NewServer()
	defer b.Close()

	readOnly := brokertest.DemoAccount()
	readOnly.Scopes = []string{"read"}
	b.AddAccount(secret, readOnly)

	cfg := connection.DefaultConfig()
	cfg.URL = b.URL()
	cfg.RequestTimeout = 2 * time.Second
	v := NewValidator(Config{Timeout: 5 * time.Second}, ManagerDialer(cfg, connection.Deps{}), nil)

	res := v.Validate(context.Background(), mustToken(t, secret))

	if !res.Permissions.CanReadBalance || res.Permissions.CanTrade {
		t.Errorf("Permissions = %+v, want read-only", res.Permissions)
	}
	if res.AccountType != protocol.AccountDemo {
		t.Errorf("AccountType = %s, want demo", res.AccountType)
	}
	if !res.Balance.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("Balance = %s, want 10000", res.Balance)
	}
	if b.Requests("buy") != 0 {
		t.Error("probe executed a trade")
	}
}

func TestParsePermission(t *testing.T) {
	for _, s := range []string{"trade", " READ_BALANCE ", "read_transactions"} {
		if _, err := ParsePermission(s); err != nil {
			t.Errorf("ParsePermission(%q): %v", s, err)
		}
	}
	if _, err := ParsePermission("withdraw"); err == nil {
		t.Error("expected error for unknown permission")
	}
}

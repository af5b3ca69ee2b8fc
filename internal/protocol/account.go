package protocol

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/brokerlink/internal/failure"
)

// AccountKind is demo or real.
type AccountKind string

const (
	AccountDemo AccountKind = "demo"
	AccountReal AccountKind = "real"
)

// demoPrefixes are login-id prefixes used by virtual accounts.
var demoPrefixes = []string{"VRTC", "VRT", "DEMO"}

// realPrefixes are login-id prefixes of real-money accounts. A marker balance
// never overrides them.
var realPrefixes = []string{"CR", "MF", "MLT", "MX"}

// markerBalances are the balances a virtual account is seeded with.
var markerBalances = []decimal.Decimal{decimal.NewFromInt(10000)}

// AccountInfo is the account snapshot taken from an authorize response and
// refreshed by explicit balance reads.
type AccountInfo struct {
	AccountID      string          `json:"account_id"`
	Kind           AccountKind     `json:"kind"`
	Balance        decimal.Decimal `json:"balance"`
	Currency       string          `json:"currency"`
	Email          string          `json:"email,omitempty"`
	Country        string          `json:"country,omitempty"`
	LandingCompany string          `json:"landing_company,omitempty"`
	Scopes         []string        `json:"scopes,omitempty"`
	FetchedAt      time.Time       `json:"fetched_at"`
}

// NewAccountInfo builds a snapshot from an authorize payload.
func NewAccountInfo(a Authorization, fetchedAt time.Time) AccountInfo {
	return AccountInfo{
		AccountID:      a.LoginID,
		Kind:           ClassifyAccount(a),
		Balance:        a.Balance,
		Currency:       a.Currency,
		Email:          a.Email,
		Country:        a.Country,
		LandingCompany: a.LandingCompanyName,
		Scopes:         append([]string(nil), a.Scopes...),
		FetchedAt:      fetchedAt,
	}
}

// WithBalance returns a copy refreshed by a balance read.
func (a AccountInfo) WithBalance(b Balance, fetchedAt time.Time) AccountInfo {
	a.Balance = b.Balance
	if b.Currency != "" {
		a.Currency = b.Currency
	}
	a.FetchedAt = fetchedAt
	return a
}

// HasScope reports whether the broker granted scope to the session.
func (a AccountInfo) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ClassifyAccount decides demo versus real. The explicit is_virtual flag wins
// when present. Otherwise the login-id prefix or the "virtual" landing company
// mark a demo account, as does a seed balance on an id without a real-money
// prefix. Everything else is real.
func ClassifyAccount(a Authorization) AccountKind {
	if a.IsVirtual != nil {
		if *a.IsVirtual == 1 {
			return AccountDemo
		}
		return AccountReal
	}

	id := strings.ToUpper(a.LoginID)
	if hasPrefix(id, demoPrefixes) {
		return AccountDemo
	}
	if strings.EqualFold(a.LandingCompanyName, "virtual") {
		return AccountDemo
	}
	if !hasPrefix(id, realPrefixes) {
		for _, m := range markerBalances {
			if a.Balance.Equal(m) {
				return AccountDemo
			}
		}
	}
	return AccountReal
}

func hasPrefix(id string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(id, p) {
			return true
		}
	}
	return false
}

// Broker error codes with a dedicated failure kind.
const (
	CodeInvalidToken          = "InvalidToken"
	CodeAuthorizationRequired = "AuthorizationRequired"
	CodePermissionDenied      = "PermissionDenied"
)

// Classify maps a broker error to a failure kind: credential problems are
// AuthenticationFailed, scope problems PermissionDenied, the rest Rejected.
func (e *BrokerError) Classify() *failure.Error {
	kind := failure.Rejected
	switch e.Code {
	case CodeInvalidToken, CodeAuthorizationRequired:
		kind = failure.AuthenticationFailed
	case CodePermissionDenied:
		kind = failure.PermissionDenied
	}
	return &failure.Error{Kind: kind, Code: e.Code, Message: e.Message}
}

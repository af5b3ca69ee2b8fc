package protocol

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func intPtr(v int) *int { return &v }

func TestClassifyAccount(t *testing.T) {
	tests := []struct {
		name string
		auth Authorization
		want AccountKind
	}{
		{"virtual flag", Authorization{LoginID: "CR123", IsVirtual: intPtr(1)}, AccountDemo},
		{"real flag beats prefix", Authorization{LoginID: "VRTC123", IsVirtual: intPtr(0)}, AccountReal},
		{"vrtc prefix", Authorization{LoginID: "VRTC900"}, AccountDemo},
		{"lowercase prefix", Authorization{LoginID: "vrt900"}, AccountDemo},
		{"demo prefix", Authorization{LoginID: "DEMO1"}, AccountDemo},
		{"virtual company", Authorization{LoginID: "X1", LandingCompanyName: "virtual"}, AccountDemo},
		{"real default", Authorization{LoginID: "CR555"}, AccountReal},
		{"marker balance", Authorization{LoginID: "X77", Balance: decimal.NewFromInt(10000)}, AccountDemo},
		{"marker balance with decimals", Authorization{LoginID: "X77", Balance: decimal.RequireFromString("10000.00")}, AccountDemo},
		{"marker balance on real prefix", Authorization{LoginID: "CR555", Balance: decimal.NewFromInt(10000)}, AccountReal},
		{"real flag beats marker balance", Authorization{LoginID: "X77", Balance: decimal.NewFromInt(10000), IsVirtual: intPtr(0)}, AccountReal},
		{"other balance", Authorization{LoginID: "X77", Balance: decimal.NewFromInt(9999)}, AccountReal},
		{"empty defaults real", Authorization{}, AccountReal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyAccount(tt.auth); got != tt.want {
				t.Errorf("ClassifyAccount() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAccountInfo_WithBalance(t *testing.T) {
	t0 := time.Unix(100, 0)
	info := NewAccountInfo(Authorization{
		LoginID:  "VRTC1",
		Balance:  decimal.NewFromInt(10000),
		Currency: "USD",
		Scopes:   []string{"read", "trade"},
	}, t0)

	if info.Kind != AccountDemo {
		t.Errorf("Kind = %s, want demo", info.Kind)
	}
	if !info.HasScope("trade") || info.HasScope("admin") {
		t.Errorf("scopes = %v", info.Scopes)
	}

	t1 := t0.Add(time.Minute)
	next := info.WithBalance(Balance{Balance: decimal.RequireFromString("9990.5")}, t1)
	if !next.Balance.Equal(decimal.RequireFromString("9990.5")) {
		t.Errorf("Balance = %s", next.Balance)
	}
	if next.Currency != "USD" {
		t.Errorf("Currency = %q, want USD kept", next.Currency)
	}
	if !next.FetchedAt.Equal(t1) {
		t.Errorf("FetchedAt = %v, want %v", next.FetchedAt, t1)
	}
	if !info.Balance.Equal(decimal.NewFromInt(10000)) {
		t.Error("WithBalance mutated the original snapshot")
	}
}

package protocol

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/rickgao/brokerlink/internal/failure"
)

func TestEncode_StampsCorrelationID(t *testing.T) {
	data, err := Encode(BalanceRequest{Balance: 1}, 7)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if got, want := string(data), `{"balance":1,"req_id":7}`; got != want {
		t.Errorf("Encode() = %s, want %s", got, want)
	}
}

func TestEncode_AmountIsBareNumber(t *testing.T) {
	req := ProposalRequest{
		Proposal:     1,
		Amount:       MustAmount("10.50"),
		Basis:        "stake",
		ContractType: "CALL",
		Currency:     "USD",
		Duration:     5,
		DurationUnit: "t",
		Symbol:       "R_100",
	}
	data, err := Encode(req, 3)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !strings.Contains(string(data), `"amount":10.5`) {
		t.Errorf("amount not encoded as number: %s", data)
	}
}

func TestEncode_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		id   int64
	}{
		{"nil", nil, 1},
		{"missing flag", BalanceRequest{}, 1},
		{"empty token", AuthorizeRequest{Authorize: "  "}, 1},
		{"zero id", PingRequest{Ping: 1}, 0},
		{"buy without price", BuyRequest{Buy: "abc"}, 1},
		{"sell negative", SellRequest{Sell: 5, Price: MustAmount("-1")}, 1},
		{"statement limit", StatementRequest{Statement: 1, Limit: 1000}, 1},
		{"foreign type", foreignRequest{}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Encode(tt.req, tt.id); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// foreignRequest claims a known kind but is not the registered schema type.
type foreignRequest struct {
	Balance int    `json:"balance"`
	Extra   string `json:"extra"`
}

func (foreignRequest) Kind() string    { return "balance" }
func (foreignRequest) Validate() error { return nil }

func TestDecodeRequest_RoundTrip(t *testing.T) {
	data, err := Encode(&SellRequest{Sell: 42, Price: MustAmount("0")}, 11)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	req, id, err := DecodeRequest(data)
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	if id != 11 {
		t.Errorf("id = %d, want 11", id)
	}
	sell, ok := req.(*SellRequest)
	if !ok {
		t.Fatalf("request type = %T, want *SellRequest", req)
	}
	if sell.Sell != 42 {
		t.Errorf("Sell = %d, want 42", sell.Sell)
	}
}

func TestDecodeRequest_Strict(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"unknown field", `{"balance":1,"subscribe":1,"req_id":1}`},
		{"unknown kind", `{"cashier":"deposit","req_id":1}`},
		{"two kinds", `{"balance":1,"ping":1,"req_id":1}`},
		{"not json", `balance`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := DecodeRequest([]byte(tt.frame)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDecode_Response(t *testing.T) {
	frame := `{"msg_type":"balance","balance":{"balance":10000,"currency":"USD","loginid":"VRTC1"},` +
		`"echo_req":{"balance":1,"req_id":4},"req_id":4}`

	env, err := Decode([]byte(frame))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if env.Kind != KindResponse || env.ReqID != 4 || env.MsgType != MsgBalance {
		t.Errorf("envelope = %+v", env)
	}

	var b Balance
	if err := env.Unmarshal(&b); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !b.Balance.Equal(decimal.NewFromInt(10000)) || b.Currency != "USD" {
		t.Errorf("balance = %s %s", b.Balance, b.Currency)
	}
}

func TestDecode_DropsEchoedCredential(t *testing.T) {
	frame := `{"msg_type":"authorize","authorize":{"loginid":"CR1"},"echo_req":{"authorize":"s3cret"},"req_id":1}`

	env, err := Decode([]byte(frame))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if strings.Contains(string(env.Payload), "s3cret") {
		t.Error("payload leaks echoed credential")
	}
}

func TestDecode_Push(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		sub   string
	}{
		{"subscription", `{"msg_type":"tick","tick":{"symbol":"R_100","quote":1.5,"epoch":1},"subscription":{"id":"abc"},"req_id":3}`, "abc"},
		{"no req_id", `{"msg_type":"transaction","transaction":{"action":"buy"}}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode([]byte(tt.frame))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if env.Kind != KindPush {
				t.Errorf("Kind = %v, want push", env.Kind)
			}
			if env.SubscriptionID != tt.sub {
				t.Errorf("SubscriptionID = %q, want %q", env.SubscriptionID, tt.sub)
			}
		})
	}
}

func TestDecode_Error(t *testing.T) {
	frame := `{"msg_type":"authorize","error":{"code":"InvalidToken","message":"The token is invalid."},"req_id":1}`

	env, err := Decode([]byte(frame))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if env.Error == nil {
		t.Fatal("expected broker error")
	}
	if env.Payload != nil {
		t.Errorf("payload = %s, want nil", env.Payload)
	}
	if !errors.Is(env.Error.Classify(), failure.ErrAuthenticationFailed) {
		t.Errorf("Classify() = %v, want AuthenticationFailed", env.Error.Classify())
	}
}

func TestDecode_Malformed(t *testing.T) {
	for _, frame := range []string{`not json`, `{"req_id":1}`, `[1,2]`, `{"msg_type":5}`} {
		_, err := Decode([]byte(frame))
		if !errors.Is(err, failure.ErrMalformedFrame) {
			t.Errorf("Decode(%q) error = %v, want MalformedFrame", frame, err)
		}
		if err != nil && strings.Contains(err.Error(), frame) {
			t.Errorf("error %q echoes raw frame", err)
		}
	}
}

func TestBrokerError_Classify(t *testing.T) {
	tests := []struct {
		code string
		want failure.Kind
	}{
		{CodeInvalidToken, failure.AuthenticationFailed},
		{CodeAuthorizationRequired, failure.AuthenticationFailed},
		{CodePermissionDenied, failure.PermissionDenied},
		{"InsufficientBalance", failure.Rejected},
	}

	for _, tt := range tests {
		got := (&BrokerError{Code: tt.code, Message: "x"}).Classify()
		if got.Kind != tt.want || got.Code != tt.code {
			t.Errorf("Classify(%s) = %v, want %s", tt.code, got, tt.want)
		}
	}
}

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/rickgao/brokerlink/internal/failure"
)

// EnvelopeKind distinguishes correlated responses from unsolicited pushes.
type EnvelopeKind int

const (
	KindResponse EnvelopeKind = iota
	KindPush
)

func (k EnvelopeKind) String() string {
	if k == KindPush {
		return "push"
	}
	return "response"
}

// Envelope is a decoded inbound frame.
type Envelope struct {
	Kind           EnvelopeKind
	MsgType        string
	ReqID          int64
	SubscriptionID string
	Payload        json.RawMessage // Value under the msg_type key; nil on error
	Error          *BrokerError
}

// Unmarshal decodes the payload into v.
func (e Envelope) Unmarshal(v any) error {
	if len(e.Payload) == 0 || bytes.Equal(e.Payload, []byte("null")) {
		return failure.New(failure.MalformedFrame, "%s frame has no payload", e.MsgType)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return failure.Wrap(failure.MalformedFrame, err, "decode %s payload", e.MsgType)
	}
	return nil
}

// schema maps every accepted request kind to a constructor for strict decoding.
var schema = map[string]func() Request{
	"authorize": func() Request { return &AuthorizeRequest{} },
	"balance":   func() Request { return &BalanceRequest{} },
	"proposal":  func() Request { return &ProposalRequest{} },
	"buy":       func() Request { return &BuyRequest{} },
	"sell":      func() Request { return &SellRequest{} },
	"portfolio": func() Request { return &PortfolioRequest{} },
	"statement": func() Request { return &StatementRequest{} },
	"ticks":     func() Request { return &TicksRequest{} },
	"forget":    func() Request { return &ForgetRequest{} },
	"ping":      func() Request { return &PingRequest{} },
}

// Kinds returns the accepted request kinds in sorted order.
func Kinds() []string {
	kinds := make([]string, 0, len(schema))
	for k := range schema {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Encode validates req and serializes it with the given correlation id.
func Encode(req Request, correlationID int64) ([]byte, error) {
	if req == nil {
		return nil, errors.New("encode: nil request")
	}
	newFn, ok := schema[req.Kind()]
	if !ok {
		return nil, fmt.Errorf("encode: unknown request kind %q", req.Kind())
	}
	if indirectType(req) != indirectType(newFn()) {
		return nil, fmt.Errorf("encode: %T is not a %s request", req, req.Kind())
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	if correlationID <= 0 {
		return nil, fmt.Errorf("encode: invalid correlation id %d", correlationID)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", req.Kind(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", req.Kind(), err)
	}
	fields["req_id"] = json.RawMessage(fmt.Sprintf("%d", correlationID))

	return json.Marshal(fields)
}

// DecodeRequest parses an inbound request frame strictly: exactly one known
// request kind, no unknown fields. Returns the request and its correlation id.
func DecodeRequest(data []byte) (Request, int64, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, 0, fmt.Errorf("decode request: %w", err)
	}

	var reqID int64
	if raw, ok := fields["req_id"]; ok {
		if err := json.Unmarshal(raw, &reqID); err != nil {
			return nil, 0, fmt.Errorf("decode request: req_id: %w", err)
		}
		delete(fields, "req_id")
	}

	var kind string
	for k := range fields {
		if _, ok := schema[k]; !ok {
			continue
		}
		if kind != "" {
			return nil, reqID, fmt.Errorf("decode request: ambiguous kinds %q and %q", kind, k)
		}
		kind = k
	}
	if kind == "" {
		return nil, reqID, errors.New("decode request: no known request kind")
	}

	body, err := json.Marshal(fields)
	if err != nil {
		return nil, reqID, fmt.Errorf("decode request: %w", err)
	}

	req := schema[kind]()
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		return nil, reqID, fmt.Errorf("decode %s request: %w", kind, err)
	}
	if err := req.Validate(); err != nil {
		return nil, reqID, fmt.Errorf("decode request: %w", err)
	}
	return req, reqID, nil
}

// wireFrame holds the envelope fields common to every inbound frame.
type wireFrame struct {
	MsgType      string       `json:"msg_type"`
	ReqID        int64        `json:"req_id"`
	Error        *BrokerError `json:"error"`
	Subscription *struct {
		ID string `json:"id"`
	} `json:"subscription"`
}

// Decode parses an inbound frame. Any failure is a MalformedFrame error whose
// message never includes the frame contents.
func Decode(data []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Envelope{}, failure.New(failure.MalformedFrame, "invalid json (%d bytes)", len(data))
	}

	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return Envelope{}, failure.New(failure.MalformedFrame, "invalid envelope fields")
	}
	if f.MsgType == "" {
		return Envelope{}, failure.New(failure.MalformedFrame, "missing msg_type")
	}

	env := Envelope{
		MsgType: f.MsgType,
		ReqID:   f.ReqID,
		Error:   f.Error,
	}
	if f.Error == nil {
		env.Payload = fields[f.MsgType]
	}

	switch {
	case f.Subscription != nil:
		env.Kind = KindPush
		env.SubscriptionID = f.Subscription.ID
	case f.ReqID == 0:
		env.Kind = KindPush
	default:
		env.Kind = KindResponse
	}
	return env, nil
}

func indirectType(v any) reflect.Type {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

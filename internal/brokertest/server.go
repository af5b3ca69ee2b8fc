// Package brokertest provides an in-process broker WebSocket server for tests.
//
// The server speaks the same JSON protocol as the real broker: it parses
// requests strictly with protocol.DecodeRequest, keeps per-connection
// authorization state, and answers with realistic payloads. Tests can
// override any request kind, push frames, or drop connections abruptly.
package brokertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/rickgao/brokerlink/internal/protocol"
)

// Account is the state behind one token.
type Account struct {
	LoginID        string
	Currency       string
	Balance        decimal.Decimal
	IsVirtual      *int
	Scopes         []string
	Email          string
	Country        string
	LandingCompany string
}

// DemoAccount returns a virtual USD account with 10000 and read/trade scopes.
func DemoAccount() Account {
	return Account{
		LoginID:        "VRTC1000001",
		Currency:       "USD",
		Balance:        decimal.NewFromInt(10000),
		Scopes:         []string{"read", "trade"},
		LandingCompany: "virtual",
	}
}

func (a Account) hasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Handler answers one request. Returning false falls through to the default
// behaviour for the request kind.
type Handler func(c *Conn, req protocol.Request, reqID int64) bool

// Server is a fake broker.
type Server struct {
	srv *httptest.Server

	mu       sync.Mutex
	accounts map[string]*Account
	handlers map[string]Handler
	conns    []*Conn
	counts   map[string]int

	accepts    atomic.Int64
	contractID atomic.Int64
}

// NewServer starts a fake broker. Call Close when done.
func NewServer() *Server {
	s := &Server{
		accounts: make(map[string]*Account),
		handlers: make(map[string]Handler),
		counts:   make(map[string]int),
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.accepts.Add(1)
		c := &Conn{ws: ws, server: s}
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		c.serve()
	}))
	return s
}

// URL returns the ws:// address of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Close drops every connection and stops the server.
func (s *Server) Close() {
	s.DropAll()
	s.srv.Close()
}

// AddAccount makes token valid for a.
func (s *Server) AddAccount(token string, a Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := a
	s.accounts[token] = &acct
}

// Handle overrides the behaviour for a request kind.
func (s *Server) Handle(kind string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// Accepts returns how many sockets the server has accepted.
func (s *Server) Accepts() int {
	return int(s.accepts.Load())
}

// Requests returns how many requests of kind were received.
func (s *Server) Requests(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[kind]
}

// Conns returns the accepted connections, oldest first.
func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Conn(nil), s.conns...)
}

// Latest returns the most recently accepted connection, or nil.
func (s *Server) Latest() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

// DropAll closes every socket without a close frame.
func (s *Server) DropAll() {
	for _, c := range s.Conns() {
		c.Drop()
	}
}

// Conn is the server side of one client socket.
type Conn struct {
	ws     *websocket.Conn
	server *Server

	writeMu sync.Mutex

	mu      sync.Mutex
	account *Account
	bought  []protocol.OpenContract
}

// Account returns the account this socket authorized as, or nil.
func (c *Conn) Account() *Account {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account
}

// Reply writes a successful response.
func (c *Conn) Reply(msgType string, reqID int64, payload any) error {
	return c.writeJSON(map[string]any{
		"msg_type": msgType,
		msgType:    payload,
		"req_id":   reqID,
	})
}

// ReplyError writes an error response.
func (c *Conn) ReplyError(msgType string, reqID int64, code, message string) error {
	return c.writeJSON(map[string]any{
		"msg_type": msgType,
		"error":    map[string]string{"code": code, "message": message},
		"req_id":   reqID,
	})
}

// Push writes an unsolicited frame. A non-empty subID adds a subscription block.
func (c *Conn) Push(msgType, subID string, payload any) error {
	frame := map[string]any{
		"msg_type": msgType,
		msgType:    payload,
	}
	if subID != "" {
		frame["subscription"] = map[string]string{"id": subID}
	}
	return c.writeJSON(frame)
}

// WriteRaw writes data as a text frame verbatim.
func (c *Conn) WriteRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Drop closes the socket without a close frame; the client sees 1006.
func (c *Conn) Drop() {
	c.ws.UnderlyingConn().Close()
}

// CloseWith sends a close frame with code and closes the socket.
func (c *Conn) CloseWith(code int, reason string) {
	c.writeMu.Lock()
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.writeMu.Unlock()
	c.ws.Close()
}

func (c *Conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteRaw(data)
}

func (c *Conn) serve() {
	defer c.ws.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.handle(data)
	}
}

func (c *Conn) handle(data []byte) {
	req, reqID, err := protocol.DecodeRequest(data)
	if err != nil {
		c.ReplyError("error", reqID, "InputValidationFailed", "Input validation failed")
		return
	}
	kind := req.Kind()

	s := c.server
	s.mu.Lock()
	s.counts[kind]++
	h := s.handlers[kind]
	s.mu.Unlock()

	if h != nil && h(c, req, reqID) {
		return
	}
	c.defaultHandle(req, reqID)
}

func (c *Conn) defaultHandle(req protocol.Request, reqID int64) {
	if r, ok := req.(*protocol.AuthorizeRequest); ok {
		c.authorize(r, reqID)
		return
	}
	if _, ok := req.(*protocol.PingRequest); ok {
		c.Reply(protocol.MsgPing, reqID, "pong")
		return
	}

	acct := c.Account()
	if acct == nil {
		c.ReplyError(req.Kind(), reqID, protocol.CodeAuthorizationRequired, "Please log in.")
		return
	}

	switch r := req.(type) {
	case *protocol.BalanceRequest:
		c.server.mu.Lock()
		bal := acct.Balance
		c.server.mu.Unlock()
		c.Reply(protocol.MsgBalance, reqID, protocol.Balance{
			Balance:  bal,
			Currency: acct.Currency,
			LoginID:  acct.LoginID,
		})

	case *protocol.ProposalRequest:
		if !acct.hasScope("trade") {
			c.ReplyError(protocol.MsgProposal, reqID, protocol.CodePermissionDenied, "Permission denied, requires trade scope(s).")
			return
		}
		c.Reply(protocol.MsgProposal, reqID, protocol.Proposal{
			ID:       fmt.Sprintf("prop-%d", reqID),
			AskPrice: r.Amount.Decimal,
			Payout:   r.Amount.Decimal.Mul(decimal.RequireFromString("1.95")).Round(2),
			Spot:     decimal.RequireFromString("1234.56"),
			LongCode: fmt.Sprintf("Win payout if %s rises.", r.Symbol),
		})

	case *protocol.BuyRequest:
		if !acct.hasScope("trade") {
			c.ReplyError(protocol.MsgBuy, reqID, protocol.CodePermissionDenied, "Permission denied, requires trade scope(s).")
			return
		}
		id := c.server.contractID.Add(1)
		c.server.mu.Lock()
		acct.Balance = acct.Balance.Sub(r.Price.Decimal)
		after := acct.Balance
		c.server.mu.Unlock()
		contract := protocol.OpenContract{
			ContractID:    id,
			TransactionID: id * 10,
			ContractType:  "CALL",
			Currency:      acct.Currency,
			BuyPrice:      r.Price.Decimal,
		}
		c.mu.Lock()
		c.bought = append(c.bought, contract)
		c.mu.Unlock()
		c.Reply(protocol.MsgBuy, reqID, protocol.BuyReceipt{
			ContractID:    id,
			TransactionID: id * 10,
			BuyPrice:      r.Price.Decimal,
			BalanceAfter:  after,
		})

	case *protocol.SellRequest:
		c.mu.Lock()
		found := false
		for i, oc := range c.bought {
			if oc.ContractID == r.Sell {
				c.bought = append(c.bought[:i], c.bought[i+1:]...)
				found = true
				break
			}
		}
		c.mu.Unlock()
		if !found {
			c.ReplyError(protocol.MsgSell, reqID, "InvalidSellContractProposal", "This contract was not found among your open positions.")
			return
		}
		c.Reply(protocol.MsgSell, reqID, protocol.SellReceipt{
			ContractID:    r.Sell,
			TransactionID: r.Sell*10 + 1,
			SoldFor:       r.Price.Decimal,
		})

	case *protocol.PortfolioRequest:
		c.mu.Lock()
		contracts := append([]protocol.OpenContract{}, c.bought...)
		c.mu.Unlock()
		c.Reply(protocol.MsgPortfolio, reqID, protocol.Portfolio{Contracts: contracts})

	case *protocol.StatementRequest:
		c.mu.Lock()
		var txs []protocol.Transaction
		for _, oc := range c.bought {
			txs = append(txs, protocol.Transaction{
				TransactionID: oc.TransactionID,
				ContractID:    oc.ContractID,
				ActionType:    "buy",
				Amount:        oc.BuyPrice.Neg(),
			})
		}
		c.mu.Unlock()
		if r.Limit > 0 && len(txs) > r.Limit {
			txs = txs[:r.Limit]
		}
		c.Reply(protocol.MsgStatement, reqID, protocol.Statement{Count: len(txs), Transactions: txs})

	case *protocol.TicksRequest:
		subID := "sub-" + r.Ticks
		frame := map[string]any{
			"msg_type":     protocol.MsgTick,
			"subscription": map[string]string{"id": subID},
			"req_id":       reqID,
		}
		frame[protocol.MsgTick] = protocol.Tick{
			ID:     subID,
			Symbol: r.Ticks,
			Quote:  decimal.RequireFromString("100.5"),
			Epoch:  1700000000,
		}
		c.writeJSON(frame)

	case *protocol.ForgetRequest:
		c.Reply(protocol.MsgForget, reqID, 1)
	}
}

func (c *Conn) authorize(r *protocol.AuthorizeRequest, reqID int64) {
	c.server.mu.Lock()
	acct, ok := c.server.accounts[r.Authorize]
	c.server.mu.Unlock()

	if !ok {
		c.ReplyError(protocol.MsgAuthorize, reqID, protocol.CodeInvalidToken, "The token is invalid.")
		return
	}

	c.mu.Lock()
	c.account = acct
	c.mu.Unlock()

	c.server.mu.Lock()
	payload := protocol.Authorization{
		LoginID:            acct.LoginID,
		Balance:            acct.Balance,
		Currency:           acct.Currency,
		Email:              acct.Email,
		Country:            acct.Country,
		LandingCompanyName: acct.LandingCompany,
		IsVirtual:          acct.IsVirtual,
		Scopes:             acct.Scopes,
	}
	c.server.mu.Unlock()

	// The real broker echoes the request, token included.
	frame := map[string]any{
		"msg_type": protocol.MsgAuthorize,
		"echo_req": map[string]any{"authorize": r.Authorize, "req_id": reqID},
		"req_id":   reqID,
	}
	frame[protocol.MsgAuthorize] = payload
	c.writeJSON(frame)
}

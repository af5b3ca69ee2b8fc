package protocol

import (
	"github.com/shopspring/decimal"
)

// Message types as they appear in the msg_type field.
const (
	MsgAuthorize    = "authorize"
	MsgBalance      = "balance"
	MsgProposal     = "proposal"
	MsgBuy          = "buy"
	MsgSell         = "sell"
	MsgPortfolio    = "portfolio"
	MsgStatement    = "statement"
	MsgTick         = "tick"
	MsgForget       = "forget"
	MsgPing         = "ping"
	MsgOpenContract = "proposal_open_contract"
	MsgTransaction  = "transaction"
)

// Authorization is the payload of a successful authorize response.
type Authorization struct {
	LoginID            string          `json:"loginid"`
	Balance            decimal.Decimal `json:"balance"`
	Currency           string          `json:"currency"`
	Email              string          `json:"email"`
	Country            string          `json:"country"`
	FullName           string          `json:"fullname"`
	LandingCompanyName string          `json:"landing_company_name"`
	IsVirtual          *int            `json:"is_virtual,omitempty"`
	Scopes             []string        `json:"scopes"`
	UserID             int64           `json:"user_id"`
}

// Balance is the payload of a balance response or balance_update push.
type Balance struct {
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
	LoginID  string          `json:"loginid"`
	ID       string          `json:"id,omitempty"`
}

// Proposal is a price quote.
type Proposal struct {
	ID           string          `json:"id"`
	AskPrice     decimal.Decimal `json:"ask_price"`
	Payout       decimal.Decimal `json:"payout"`
	Spot         decimal.Decimal `json:"spot"`
	SpotTime     int64           `json:"spot_time"`
	DateStart    int64           `json:"date_start"`
	LongCode     string          `json:"longcode"`
	DisplayValue string          `json:"display_value"`
}

// BuyReceipt confirms an executed purchase.
type BuyReceipt struct {
	ContractID    int64           `json:"contract_id"`
	TransactionID int64           `json:"transaction_id"`
	BuyPrice      decimal.Decimal `json:"buy_price"`
	Payout        decimal.Decimal `json:"payout"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	StartTime     int64           `json:"start_time"`
	PurchaseTime  int64           `json:"purchase_time"`
	LongCode      string          `json:"longcode"`
	ShortCode     string          `json:"shortcode"`
}

// SellReceipt confirms a closed contract.
type SellReceipt struct {
	ContractID    int64           `json:"contract_id"`
	TransactionID int64           `json:"transaction_id"`
	ReferenceID   int64           `json:"reference_id"`
	SoldFor       decimal.Decimal `json:"sold_for"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
}

// OpenContract is one entry in a portfolio.
type OpenContract struct {
	ContractID    int64           `json:"contract_id"`
	TransactionID int64           `json:"transaction_id"`
	ContractType  string          `json:"contract_type"`
	Symbol        string          `json:"symbol"`
	Currency      string          `json:"currency"`
	BuyPrice      decimal.Decimal `json:"buy_price"`
	Payout        decimal.Decimal `json:"payout"`
	PurchaseTime  int64           `json:"purchase_time"`
	ExpiryTime    int64           `json:"expiry_time"`
	LongCode      string          `json:"longcode"`
}

// Portfolio lists open contracts.
type Portfolio struct {
	Contracts []OpenContract `json:"contracts"`
}

// Transaction is one statement line.
type Transaction struct {
	TransactionID   int64           `json:"transaction_id"`
	ContractID      int64           `json:"contract_id,omitempty"`
	ReferenceID     int64           `json:"reference_id,omitempty"`
	ActionType      string          `json:"action_type"`
	Amount          decimal.Decimal `json:"amount"`
	BalanceAfter    decimal.Decimal `json:"balance_after"`
	TransactionTime int64           `json:"transaction_time"`
	LongCode        string          `json:"longcode,omitempty"`
}

// Statement is a page of transaction history.
type Statement struct {
	Count        int           `json:"count"`
	Transactions []Transaction `json:"transactions"`
}

// Tick is one price update for a symbol.
type Tick struct {
	ID     string          `json:"id,omitempty"`
	Symbol string          `json:"symbol"`
	Quote  decimal.Decimal `json:"quote"`
	Ask    decimal.Decimal `json:"ask"`
	Bid    decimal.Decimal `json:"bid"`
	Epoch  int64           `json:"epoch"`
}

// BrokerError is the error block of a failed response.
type BrokerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (e *BrokerError) Error() string {
	if e.Field != "" {
		return e.Code + ": " + e.Message + " (" + e.Field + ")"
	}
	return e.Code + ": " + e.Message
}

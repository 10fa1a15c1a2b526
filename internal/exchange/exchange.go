// Package exchange defines what the broker consumes from a trading gateway,
// instrument metadata and the trading account, and provides the Wallex and
// paper implementations of those contracts.
package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/amirphl/simple-broker/internal/order"
)

var (
	// ErrNotFound means the collaborator answered but has no such data.
	ErrNotFound = errors.New("not found")
	// ErrUnsupported means the gateway cannot carry out the requested action.
	ErrUnsupported = errors.New("not supported by gateway")
)

type Action string

const (
	ActionNewOrder      Action = "NEW_ORDER"
	ActionNewStopOrder  Action = "NEW_STOP_ORDER"
	ActionKillOrder     Action = "KILL_ORDER"
	ActionKillStopOrder Action = "KILL_STOP_ORDER"
)

// PriceType is the pricing of the order a transaction creates.
type PriceType string

const (
	PriceMarket PriceType = "M"
	PriceLimit  PriceType = "L"
)

// Transaction is one request sent to the gateway. TransID echoes back on every
// event the gateway produces for it.
type Transaction struct {
	TransID    int64
	Action     Action
	ClassCode  string
	SecCode    string
	Account    string
	ClientCode string
	Side       order.Side
	Type       PriceType
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	StopPrice  decimal.Decimal
	// ExpiryDate is GTC, TODAY or YYYYMMDD for stop orders.
	ExpiryDate   string
	OrderKey     string
	StopOrderKey string
}

// State is an order's state as the gateway sees it.
type State int

const (
	StateActive State = iota
	StateCanceled
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCanceled:
		return "canceled"
	case StateCompleted:
		return "completed"
	}
	return "unknown"
}

// Event is anything the gateway delivers on its event stream.
type Event interface {
	event()
}

// TransReply acknowledges a transaction.
type TransReply struct {
	TransID  int64
	OrderNum string
	Status   int
	Message  string
}

// Trade is a fill. TradeNum is unique per instrument. Qty is unsigned and in
// lots when the venue counts in lots.
type Trade struct {
	TradeNum  string
	OrderNum  string
	TransID   int64
	ClassCode string
	SecCode   string
	Qty       float64
	IsSell    bool
	Price     float64
	Time      time.Time
}

// OrderState reports a change of a regular order.
type OrderState struct {
	TransID  int64
	OrderNum string
	State    State
	Partial  bool
	Price    float64
}

// StopOrderState reports a change of a stop order. LinkedOrder is the order
// number created when the stop triggered.
type StopOrderState struct {
	TransID     int64
	OrderNum    string
	State       State
	Price       float64
	LinkedOrder string
}

func (TransReply) event()     {}
func (Trade) event()          {}
func (OrderState) event()     {}
func (StopOrderState) event() {}

// OrderRef identifies an order the broker believes the gateway holds.
type OrderRef struct {
	TransID   int64
	OrderNum  string
	ClassCode string
	SecCode   string
	Side      order.Side
}

// LiveOrder is one entry of the gateway's order book.
type LiveOrder struct {
	TransID     int64
	OrderNum    string
	State       State
	Partial     bool
	Price       float64
	LinkedOrder string
}

// Gateway is the trading gateway.
type Gateway interface {
	Name() string
	// SendTransaction hands tx to the gateway and returns its TransID. An
	// error means the gateway refused it outright.
	SendTransaction(ctx context.Context, tx Transaction) (int64, error)
	// Orders returns the current state of the given regular orders.
	Orders(ctx context.Context, refs []OrderRef) ([]LiveOrder, error)
	// StopOrders returns the current state of the given stop orders.
	StopOrders(ctx context.Context, refs []OrderRef) ([]LiveOrder, error)
	// Events delivers replies, trades and order-state changes in order.
	Events() <-chan Event
}

// Instruments provides instrument metadata and market prices.
type Instruments interface {
	Info(ctx context.Context, classCode, secCode string) (Info, error)
	LastPrice(ctx context.Context, classCode, secCode string) (float64, error)
}

// AccountInfo binds orders to a trading account.
type AccountInfo struct {
	TradeAccountID string
	ClientCode     string
	FirmID         string
	Futures        bool
}

// Holding is a position reported by the account. Size is in lots when the
// venue counts in lots.
type Holding struct {
	ClassCode string
	SecCode   string
	Size      float64
	Price     float64
}

// Accounts provides account identity, cash and holdings.
type Accounts interface {
	Account(ctx context.Context) (AccountInfo, error)
	Cash(ctx context.Context) (float64, error)
	Positions(ctx context.Context) ([]Holding, error)
}

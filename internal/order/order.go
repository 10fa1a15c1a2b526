// Package order
package order

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an order.
type Status int

const (
	Created Status = iota
	Submitted
	Accepted
	Partial
	Completed
	Canceled
	Expired
	Margin
	Rejected
)

var statusNames = [...]string{"Created", "Submitted", "Accepted", "Partial", "Completed", "Canceled", "Expired", "Margin", "Rejected"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// Alive reports whether the order can still change on the gateway.
func (s Status) Alive() bool {
	switch s {
	case Created, Submitted, Accepted, Partial:
		return true
	}
	return false
}

// Failed reports a terminal disposition other than a fill.
func (s Status) Failed() bool {
	switch s {
	case Canceled, Expired, Margin, Rejected:
		return true
	}
	return false
}

// ExecType is the execution type requested by the strategy.
type ExecType int

const (
	Market ExecType = iota
	Close
	Limit
	Stop
	StopLimit
	StopTrail
	StopTrailLimit
	Historical
)

var execNames = [...]string{"Market", "Close", "Limit", "Stop", "StopLimit", "StopTrail", "StopTrailLimit", "Historical"}

func (e ExecType) String() string {
	if e < 0 || int(e) >= len(execNames) {
		return fmt.Sprintf("ExecType(%d)", int(e))
	}
	return execNames[e]
}

// Supported reports whether the broker can build a transaction for e.
func (e ExecType) Supported() bool {
	switch e {
	case Market, Limit, Stop, StopLimit:
		return true
	}
	return false
}

// IsStop reports whether the order lives in the gateway's stop-order book
// until it triggers.
func (e ExecType) IsStop() bool {
	return e == Stop || e == StopLimit
}

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

// Stage marks what the broker is waiting for from the gateway.
type Stage string

const (
	StageNone     Stage = ""
	StageNew      Stage = "new"
	StageCancel   Stage = "cancel"
	StageDone     Stage = "done"
	StageError    Stage = "error"
	StageRejected Stage = "rejected"
	StageMargin   Stage = "margin"
)

// Instrument identifies a tradable security by market segment and symbol.
type Instrument struct {
	ClassCode  string `json:"class_code"`
	SecCode    string `json:"sec_code"`
	Derivative bool   `json:"derivative"`
}

// Key is the instrument name used for positions and fill de-duplication.
func (i Instrument) Key() string {
	return i.ClassCode + "." + i.SecCode
}

func (i Instrument) String() string { return i.Key() }

// Execution accumulates fills applied to an order.
type Execution struct {
	Size      float64   `json:"size"`
	Price     float64   `json:"price"`
	Remaining float64   `json:"remaining"`
	Fills     int       `json:"fills"`
	Time      time.Time `json:"time,omitempty"`
}

// Order is the broker's record of a single order.
type Order struct {
	SubmissionID int64      `json:"submission_id"`
	Ref          int64      `json:"ref"`
	ExchangeID   string     `json:"exchange_id,omitempty"`
	LinkedOrder  string     `json:"linked_order,omitempty"`
	Instrument   Instrument `json:"instrument"`
	DataID       string     `json:"data_id"`
	Owner        string     `json:"owner,omitempty"`

	Side       Side     `json:"side"`
	ExecType   ExecType `json:"exec_type"`
	Size       float64  `json:"size"`
	Price      float64  `json:"price"`
	PriceLimit float64  `json:"price_limit,omitempty"`

	ValidUntil time.Time `json:"valid_until,omitempty"`
	ValidDay   bool      `json:"valid_day,omitempty"`

	Status   Status    `json:"status"`
	Executed Execution `json:"executed"`

	ParentRef int64 `json:"parent_ref,omitempty"`
	Transmit  bool  `json:"transmit"`

	Account    string  `json:"account,omitempty"`
	ClientCode string  `json:"client_code,omitempty"`
	PriceStep  float64 `json:"price_step,omitempty"`
	Stage      Stage   `json:"stage,omitempty"`
	Reason     string  `json:"reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsBuy reports the order direction.
func (o *Order) IsBuy() bool { return o.Side == Buy }

// Alive reports whether the order is still working.
func (o *Order) Alive() bool { return o.Status.Alive() }

// Sent reports whether a transaction for the order ever left the broker.
func (o *Order) Sent() bool { return o.Status != Created || o.Stage != StageNone }

// HasParent reports whether the order is a bracket child.
func (o *Order) HasParent() bool { return o.ParentRef != 0 }

// Execute applies a signed fill to the order's execution record and returns
// the remaining quantity.
func (o *Order) Execute(size, price float64, at time.Time) float64 {
	abs := size
	if abs < 0 {
		abs = -abs
	}
	prev := o.Executed.Size
	if total := prev + abs; total != 0 {
		o.Executed.Price = (o.Executed.Price*prev + price*abs) / total
	}
	o.Executed.Size = prev + abs
	o.Executed.Remaining -= abs
	if o.Executed.Remaining < 1e-9 {
		o.Executed.Remaining = 0
	}
	o.Executed.Fills++
	o.Executed.Time = at
	return o.Executed.Remaining
}

// Request is what a strategy asks the broker to place.
type Request struct {
	Owner      string
	DataID     string
	Side       Side
	Size       float64
	Price      float64
	PriceLimit float64
	ExecType   ExecType
	ValidUntil time.Time
	ValidDay   bool
	// OCO is the submission id of the order this one cancels on failure.
	OCO int64
	// Parent is the submission id of the bracket root.
	Parent   int64
	Transmit bool
}

// Notification is one entry of the strategy-facing queue. A nil Order marks a
// processing-cycle boundary.
type Notification struct {
	Order *Order
}

// Boundary reports whether n is a cycle marker.
func (n Notification) Boundary() bool { return n.Order == nil }

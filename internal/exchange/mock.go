package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amirphl/simple-broker/internal/order"
)

// MockOptions controls how MockGateway answers transactions.
type MockOptions struct {
	// AutoAccept replies to every transaction with ReplyExecuted.
	AutoAccept bool
	// AutoFill fills market and limit orders in full right after accepting.
	AutoFill bool
	// FillPrice prices fills of orders sent without a price.
	FillPrice func(tx Transaction) float64
}

// MockGateway is an in-process gateway for paper trading and tests. It keeps
// its own order book and emits the events a real venue would.
type MockGateway struct {
	logger *zap.Logger
	opts   MockOptions
	queue  *eventQueue

	mu           sync.Mutex
	orderCounter int64
	sent         []Transaction
	orders       map[int64]LiveOrder
	stops        map[int64]LiveOrder
	failNext     error
	lookupErr    error
}

func NewMockGateway(logger *zap.Logger, opts MockOptions) *MockGateway {
	return &MockGateway{
		logger:       logger.Named("mock-gateway"),
		opts:         opts,
		queue:        newEventQueue(),
		orderCounter: 1000,
		orders:       make(map[int64]LiveOrder),
		stops:        make(map[int64]LiveOrder),
	}
}

func (m *MockGateway) Name() string {
	return "mock"
}

// Start delivers events until ctx is done.
func (m *MockGateway) Start(ctx context.Context) {
	go m.queue.run(ctx)
}

func (m *MockGateway) Events() <-chan Event {
	return m.queue.out
}

// Emit injects ev and waits until the consumer has received it.
func (m *MockGateway) Emit(ctx context.Context, ev Event) error {
	done := m.queue.push(ev)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FailNext makes the next SendTransaction return err.
func (m *MockGateway) FailNext(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

// FailLookups makes Orders and StopOrders return err.
func (m *MockGateway) FailLookups(err error) {
	m.mu.Lock()
	m.lookupErr = err
	m.mu.Unlock()
}

// SetBook replaces the gateway's live order and stop-order books.
func (m *MockGateway) SetBook(orders, stops []LiveOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = make(map[int64]LiveOrder, len(orders))
	for _, o := range orders {
		m.orders[o.TransID] = o
	}
	m.stops = make(map[int64]LiveOrder, len(stops))
	for _, o := range stops {
		m.stops[o.TransID] = o
	}
}

// Sent returns every transaction received so far.
func (m *MockGateway) Sent() []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transaction(nil), m.sent...)
}

func (m *MockGateway) SendTransaction(ctx context.Context, tx Transaction) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, tx)
	if err := m.failNext; err != nil {
		m.failNext = nil
		return 0, err
	}

	switch tx.Action {
	case ActionNewOrder:
		m.orderCounter++
		num := fmt.Sprintf("mock_%d_%d", time.Now().Unix(), m.orderCounter)
		live := LiveOrder{TransID: tx.TransID, OrderNum: num, State: StateActive, Price: tx.Price.InexactFloat64()}
		m.orders[tx.TransID] = live
		m.accept(tx, num)
		if m.opts.AutoAccept && m.opts.AutoFill {
			m.fill(tx, live)
		}
	case ActionNewStopOrder:
		m.orderCounter++
		num := fmt.Sprintf("mock_stop_%d_%d", time.Now().Unix(), m.orderCounter)
		m.stops[tx.TransID] = LiveOrder{TransID: tx.TransID, OrderNum: num, State: StateActive, Price: tx.StopPrice.InexactFloat64()}
		m.accept(tx, num)
	case ActionKillOrder:
		m.kill(tx, m.orders, tx.OrderKey, false)
	case ActionKillStopOrder:
		m.kill(tx, m.stops, tx.StopOrderKey, true)
	default:
		return 0, fmt.Errorf("mock gateway: action %q: %w", tx.Action, ErrUnsupported)
	}

	m.logger.Debug("MockGateway | transaction accepted",
		zap.Int64("trans_id", tx.TransID), zap.String("action", string(tx.Action)),
		zap.String("sec_code", tx.SecCode), zap.String("quantity", tx.Quantity.String()))
	return tx.TransID, nil
}

func (m *MockGateway) accept(tx Transaction, num string) {
	if m.opts.AutoAccept {
		m.queue.push(TransReply{TransID: tx.TransID, OrderNum: num, Status: ReplyExecuted})
	}
}

func (m *MockGateway) fill(tx Transaction, live LiveOrder) {
	price := tx.Price.InexactFloat64()
	if price == 0 && m.opts.FillPrice != nil {
		price = m.opts.FillPrice(tx)
	}
	m.queue.push(Trade{
		TradeNum:  "fill_" + live.OrderNum,
		OrderNum:  live.OrderNum,
		TransID:   tx.TransID,
		ClassCode: tx.ClassCode,
		SecCode:   tx.SecCode,
		Qty:       tx.Quantity.InexactFloat64(),
		IsSell:    tx.Side == order.Sell,
		Price:     price,
		Time:      time.Now().UTC(),
	})
	live.State = StateCompleted
	m.orders[tx.TransID] = live
	m.queue.push(OrderState{TransID: tx.TransID, OrderNum: live.OrderNum, State: StateCompleted, Price: price})
}

func (m *MockGateway) kill(tx Transaction, book map[int64]LiveOrder, key string, stop bool) {
	for id, live := range book {
		if key == "" {
			break
		}
		if live.OrderNum != key && live.LinkedOrder != key {
			continue
		}
		live.State = StateCanceled
		book[id] = live
		if stop {
			m.queue.push(StopOrderState{TransID: id, OrderNum: live.OrderNum, State: StateCanceled, Price: live.Price})
		} else {
			m.queue.push(OrderState{TransID: id, OrderNum: live.OrderNum, State: StateCanceled, Price: live.Price})
		}
		break
	}
	if m.opts.AutoAccept {
		m.queue.push(TransReply{TransID: tx.TransID, OrderNum: key, Status: ReplyExecuted})
	}
}

func (m *MockGateway) Orders(ctx context.Context, refs []OrderRef) ([]LiveOrder, error) {
	return m.lookup(ctx, false, refs)
}

func (m *MockGateway) StopOrders(ctx context.Context, refs []OrderRef) ([]LiveOrder, error) {
	return m.lookup(ctx, true, refs)
}

func (m *MockGateway) lookup(ctx context.Context, stops bool, refs []OrderRef) ([]LiveOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	book := m.orders
	if stops {
		book = m.stops
	}
	var out []LiveOrder
	for _, ref := range refs {
		if live, ok := book[ref.TransID]; ok {
			out = append(out, live)
		}
	}
	return out, nil
}

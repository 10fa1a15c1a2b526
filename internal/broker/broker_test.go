package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/amirphl/simple-broker/internal/db"
	"github.com/amirphl/simple-broker/internal/exchange"
	"github.com/amirphl/simple-broker/internal/journal"
	"github.com/amirphl/simple-broker/internal/order"
	"github.com/amirphl/simple-broker/internal/registry"
	"github.com/amirphl/simple-broker/internal/state"
)

var (
	sber = order.Instrument{ClassCode: "TQBR", SecCode: "SBER"}
	riz6 = order.Instrument{ClassCode: "SPBFUT", SecCode: "RIZ6", Derivative: true}
)

type fixture struct {
	t           *testing.T
	ctx         context.Context
	gw          *exchange.MockGateway
	instruments *exchange.StaticInstruments
	accounts    *exchange.StaticAccounts
	storage     *db.MemoryStorage
	broker      *Broker

	mu   sync.Mutex
	sent []order.Order
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	mock     exchange.MockOptions
	opts     Options
	account  exchange.AccountInfo
	cash     float64
	holdings []exchange.Holding
	before   func(f *fixture)
}

func withMock(m exchange.MockOptions) fixtureOption {
	return func(c *fixtureConfig) { c.mock = m }
}

func withOptions(fn func(*Options)) fixtureOption {
	return func(c *fixtureConfig) { fn(&c.opts) }
}

func withHoldings(cash float64, holdings ...exchange.Holding) fixtureOption {
	return func(c *fixtureConfig) { c.cash, c.holdings = cash, holdings }
}

func beforeStart(fn func(f *fixture)) fixtureOption {
	return func(c *fixtureConfig) { c.before = fn }
}

func newFixture(t *testing.T, options ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{
		account: exchange.AccountInfo{TradeAccountID: "L01-00000F00", ClientCode: "C1", FirmID: "MC0002500000"},
		cash:    1000,
	}
	for _, opt := range options {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := zaptest.NewLogger(t)
	f := &fixture{
		t:   t,
		ctx: ctx,
		gw:  exchange.NewMockGateway(logger, cfg.mock),
		instruments: exchange.NewStaticInstruments([]exchange.Info{
			{ClassCode: "TQBR", SecCode: "SBER", TickSize: 0.01, LotSize: 10, Scale: 2},
			{ClassCode: "SPBFUT", SecCode: "RIZ6", TickSize: 10, LotSize: 1, StepPrice: 13.5},
		}, nil),
		accounts: exchange.NewStaticAccounts(cfg.account, cfg.cash, cfg.holdings),
		storage:  db.NewMemory(),
	}

	opts := cfg.opts
	opts.Gateway = f.gw
	opts.Instruments = f.instruments
	opts.Accounts = f.accounts
	opts.Data = DataMap{"sber": sber, "ri": riz6}
	opts.State = f.storage
	opts.Journal = f.storage
	opts.Logger = logger
	opts.Notify = func(o order.Order) {
		f.mu.Lock()
		f.sent = append(f.sent, o)
		f.mu.Unlock()
	}
	b, err := New(opts)
	require.NoError(t, err)
	f.broker = b

	if cfg.before != nil {
		cfg.before(f)
	}
	f.gw.Start(ctx)
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() {
		b.Stop()
		cancel()
	})
	return f
}

// emit delivers ev and waits until the worker has processed it.
func (f *fixture) emit(ev exchange.Event) {
	f.t.Helper()
	require.NoError(f.t, f.gw.Emit(f.ctx, ev))
	f.sync()
}

func (f *fixture) sync() {
	f.t.Helper()
	_, err := call(f.ctx, f.broker, func(context.Context) (struct{}, error) { return struct{}{}, nil })
	require.NoError(f.t, err)
}

func (f *fixture) order(id int64) order.Order {
	f.t.Helper()
	o, err := f.broker.Order(id)
	require.NoError(f.t, err)
	return o
}

func (f *fixture) snapshot() state.Snapshot {
	f.t.Helper()
	b, err := f.storage.LoadState(f.ctx)
	require.NoError(f.t, err)
	snap, err := state.Decode(b)
	require.NoError(f.t, err)
	return snap
}

func (f *fixture) statuses() []order.Status {
	var out []order.Status
	for {
		n := f.broker.Next()
		if n.Boundary() {
			return out
		}
		out = append(out, n.Order.Status)
	}
}

func (f *fixture) kills() []exchange.Transaction {
	var out []exchange.Transaction
	for _, tx := range f.gw.Sent() {
		if tx.Action == exchange.ActionKillOrder || tx.Action == exchange.ActionKillStopOrder {
			out = append(out, tx)
		}
	}
	return out
}

func limit(dataID string, size, price float64) order.Request {
	return order.Request{DataID: dataID, Size: size, Price: price, ExecType: order.Limit, Transmit: true}
}

func TestLimitOrderLifecycle(t *testing.T) {
	f := newFixture(t)

	o, err := f.broker.Buy(f.ctx, limit("sber", 10, 250.123))
	require.NoError(t, err)
	id := o.SubmissionID
	assert.Equal(t, order.Submitted, o.Status)
	assert.Equal(t, order.StageNew, o.Stage)
	assert.Equal(t, "L01-00000F00", o.Account)
	assert.Equal(t, "C1", o.ClientCode)
	assert.Equal(t, order.Submitted, f.snapshot().Orders[id].Status)

	sent := f.gw.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, id, sent[0].TransID)
	assert.Equal(t, exchange.ActionNewOrder, sent[0].Action)
	assert.Equal(t, exchange.PriceLimit, sent[0].Type)
	assert.Equal(t, "250.12", sent[0].Price.String())
	assert.Equal(t, "10", sent[0].Quantity.String())

	f.emit(exchange.TransReply{TransID: id, OrderNum: "1001", Status: exchange.ReplyExecuted})
	o = f.order(id)
	assert.Equal(t, order.Accepted, o.Status)
	assert.Equal(t, "1001", o.ExchangeID)

	trade := exchange.Trade{TradeNum: "T1", OrderNum: "1001", TransID: id, ClassCode: "TQBR", SecCode: "SBER", Qty: 10, Price: 250, Time: time.Now()}
	f.emit(trade)
	o = f.order(id)
	assert.Equal(t, order.Completed, o.Status)
	assert.Equal(t, 0.0, o.Executed.Remaining)
	assert.Equal(t, 10.0, f.broker.Position("TQBR.SBER").Size)
	assert.Equal(t, order.Completed, f.snapshot().Orders[id].Status)
	assert.Equal(t, []string{"T1"}, f.snapshot().FillIDs["TQBR.SBER"])

	f.emit(trade)
	o = f.order(id)
	assert.Equal(t, 10.0, f.broker.Position("TQBR.SBER").Size)
	assert.Equal(t, 10.0, o.Executed.Size)
	assert.Equal(t, 1, o.Executed.Fills)

	assert.Equal(t, []order.Status{order.Created, order.Submitted, order.Accepted, order.Completed}, f.statuses())
	assert.True(t, f.broker.Next().Boundary())

	f.mu.Lock()
	assert.Len(t, f.sent, 4)
	f.mu.Unlock()

	trades, err := f.storage.GetEvents(f.ctx, journal.TypeTrade, time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestPartialFillsReduceRemaining(t *testing.T) {
	f := newFixture(t)
	o, err := f.broker.Sell(f.ctx, limit("sber", 10, 300))
	require.NoError(t, err)
	id := o.SubmissionID
	f.emit(exchange.TransReply{TransID: id, OrderNum: "2001", Status: exchange.ReplyAcceptedAdjusted})
	f.statuses()

	remaining := 10.0
	for i, qty := range []float64{4, 3, 3} {
		f.emit(exchange.Trade{TradeNum: "P" + string(rune('a'+i)), OrderNum: "2001", TransID: id, Qty: qty, IsSell: true, Price: 300})
		o = f.order(id)
		assert.Less(t, o.Executed.Remaining, remaining)
		remaining = o.Executed.Remaining
	}
	assert.Equal(t, 0.0, remaining)
	assert.Equal(t, order.Completed, o.Status)
	assert.Equal(t, -10.0, f.broker.Position("TQBR.SBER").Size)
	assert.Equal(t, []order.Status{order.Partial, order.Completed}, f.statuses())
}

func TestOCOPartnerCanceledOnce(t *testing.T) {
	f := newFixture(t)

	a, err := f.broker.Buy(f.ctx, limit("sber", 10, 100))
	require.NoError(t, err)
	req := limit("sber", 10, 120)
	req.OCO = a.SubmissionID
	bo, err := f.broker.Sell(f.ctx, req)
	require.NoError(t, err)

	f.emit(exchange.TransReply{TransID: bo.SubmissionID, OrderNum: "B1", Status: exchange.ReplyExecuted})
	f.emit(exchange.TransReply{TransID: a.SubmissionID, Status: exchange.ReplyExchangeRejected, Message: "bad price"})

	a = f.order(a.SubmissionID)
	assert.Equal(t, order.Rejected, a.Status)
	assert.Equal(t, "bad price", a.Reason)

	kills := f.kills()
	require.Len(t, kills, 1)
	assert.Equal(t, exchange.ActionKillOrder, kills[0].Action)
	assert.Equal(t, bo.SubmissionID, kills[0].TransID)
	assert.Equal(t, "B1", kills[0].OrderKey)
	assert.Equal(t, order.StageCancel, f.order(bo.SubmissionID).Stage)

	f.emit(exchange.TransReply{TransID: a.SubmissionID, Status: exchange.ReplyExchangeRejected})
	assert.Len(t, f.kills(), 1)

	f.emit(exchange.TransReply{TransID: bo.SubmissionID, OrderNum: "B1", Status: exchange.ReplyExecuted})
	assert.Equal(t, order.Canceled, f.order(bo.SubmissionID).Status)
}

func TestOCOPartnerCanceledAfterFill(t *testing.T) {
	f := newFixture(t)
	a, err := f.broker.Buy(f.ctx, limit("sber", 10, 100))
	require.NoError(t, err)
	req := limit("sber", 10, 90)
	req.ExecType = order.Stop
	req.OCO = a.SubmissionID
	s, err := f.broker.Sell(f.ctx, req)
	require.NoError(t, err)
	f.emit(exchange.TransReply{TransID: s.SubmissionID, OrderNum: "S1", Status: exchange.ReplyExecuted})

	f.emit(exchange.Trade{TradeNum: "T1", TransID: a.SubmissionID, Qty: 10, Price: 100})
	assert.Equal(t, order.Completed, f.order(a.SubmissionID).Status)

	kills := f.kills()
	require.Len(t, kills, 1)
	assert.Equal(t, exchange.ActionKillStopOrder, kills[0].Action)
	assert.Equal(t, "S1", kills[0].StopOrderKey)
}

func TestStopCancelTargetsLinkedOrder(t *testing.T) {
	f := newFixture(t)

	req := limit("sber", 10, 95)
	req.ExecType = order.Stop
	s, err := f.broker.Sell(f.ctx, req)
	require.NoError(t, err)
	sent := f.gw.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, exchange.ActionNewStopOrder, sent[0].Action)
	assert.Equal(t, "95", sent[0].StopPrice.String())
	assert.True(t, sent[0].Price.IsZero())
	assert.Equal(t, "GTC", sent[0].ExpiryDate)

	f.emit(exchange.TransReply{TransID: s.SubmissionID, OrderNum: "S1", Status: exchange.ReplyExecuted})
	f.emit(exchange.StopOrderState{TransID: s.SubmissionID, OrderNum: "S1", State: exchange.StateCompleted, LinkedOrder: "L1"})
	s = f.order(s.SubmissionID)
	assert.Equal(t, "L1", s.LinkedOrder)
	assert.True(t, s.Alive())

	_, err = f.broker.Cancel(f.ctx, s.SubmissionID)
	require.NoError(t, err)
	kills := f.kills()
	require.Len(t, kills, 1)
	assert.Equal(t, exchange.ActionKillOrder, kills[0].Action)
	assert.Equal(t, "L1", kills[0].OrderKey)
	assert.Equal(t, s.SubmissionID, kills[0].TransID)

	// a second cancel while the first is pending does nothing
	_, err = f.broker.Cancel(f.ctx, s.SubmissionID)
	require.NoError(t, err)
	assert.Len(t, f.kills(), 1)

	f.emit(exchange.OrderState{TransID: s.SubmissionID, OrderNum: "L1", State: exchange.StateCanceled})
	assert.Equal(t, order.Canceled, f.order(s.SubmissionID).Status)
}

func TestUntriggeredStopCancelledByStopKey(t *testing.T) {
	f := newFixture(t)
	req := limit("sber", 10, 95)
	req.ExecType = order.StopLimit
	req.PriceLimit = 94.505
	req.ValidDay = true
	s, err := f.broker.Sell(f.ctx, req)
	require.NoError(t, err)
	sent := f.gw.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "94.5", sent[0].Price.String())
	assert.Equal(t, "TODAY", sent[0].ExpiryDate)
	assert.Equal(t, exchange.PriceLimit, sent[0].Type)

	f.emit(exchange.TransReply{TransID: s.SubmissionID, OrderNum: "S9", Status: exchange.ReplyExecuted})
	_, err = f.broker.Cancel(f.ctx, s.SubmissionID)
	require.NoError(t, err)
	kills := f.kills()
	require.Len(t, kills, 1)
	assert.Equal(t, exchange.ActionKillStopOrder, kills[0].Action)
	assert.Equal(t, "S9", kills[0].StopOrderKey)

	f.emit(exchange.StopOrderState{TransID: s.SubmissionID, OrderNum: "S9", State: exchange.StateCanceled})
	assert.Equal(t, order.Canceled, f.order(s.SubmissionID).Status)
}

func TestStopExpiryDate(t *testing.T) {
	f := newFixture(t)
	req := limit("sber", 10, 95)
	req.ExecType = order.Stop
	req.ValidUntil = time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	_, err := f.broker.Buy(f.ctx, req)
	require.NoError(t, err)
	sent := f.gw.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "20261231", sent[0].ExpiryDate)
}

func TestBracketReleasesChildrenAfterRootFill(t *testing.T) {
	f := newFixture(t)

	rootReq := limit("sber", 10, 100)
	rootReq.Transmit = false
	root, err := f.broker.Buy(f.ctx, rootReq)
	require.NoError(t, err)
	assert.Equal(t, order.Created, root.Status)

	stopReq := limit("sber", 10, 90)
	stopReq.ExecType = order.Stop
	stopReq.Parent = root.SubmissionID
	stopReq.Transmit = false
	stop, err := f.broker.Sell(f.ctx, stopReq)
	require.NoError(t, err)

	takeReq := limit("sber", 10, 120)
	takeReq.Parent = root.SubmissionID
	take, err := f.broker.Sell(f.ctx, takeReq)
	require.NoError(t, err)
	assert.Equal(t, order.Created, take.Status)

	sent := f.gw.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, root.SubmissionID, sent[0].TransID)

	f.emit(exchange.TransReply{TransID: root.SubmissionID, OrderNum: "R1", Status: exchange.ReplyExecuted})
	assert.Len(t, f.gw.Sent(), 1)

	f.emit(exchange.Trade{TradeNum: "T1", OrderNum: "R1", TransID: root.SubmissionID, Qty: 10, Price: 100})
	sent = f.gw.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, stop.SubmissionID, sent[1].TransID)
	assert.Equal(t, exchange.ActionNewStopOrder, sent[1].Action)
	assert.Equal(t, take.SubmissionID, sent[2].TransID)
	assert.Equal(t, exchange.ActionNewOrder, sent[2].Action)
	assert.Equal(t, order.Submitted, f.order(stop.SubmissionID).Status)

	f.emit(exchange.TransReply{TransID: stop.SubmissionID, OrderNum: "S1", Status: exchange.ReplyExecuted})
	f.emit(exchange.TransReply{TransID: take.SubmissionID, OrderNum: "P1", Status: exchange.ReplyExecuted})
	f.emit(exchange.Trade{TradeNum: "T2", OrderNum: "P1", TransID: take.SubmissionID, Qty: 10, IsSell: true, Price: 120})

	assert.Equal(t, order.Completed, f.order(take.SubmissionID).Status)
	kills := f.kills()
	require.Len(t, kills, 1)
	assert.Equal(t, stop.SubmissionID, kills[0].TransID)
	assert.Equal(t, exchange.ActionKillStopOrder, kills[0].Action)
	assert.Equal(t, "S1", kills[0].StopOrderKey)
	assert.Equal(t, 0.0, f.broker.Position("TQBR.SBER").Size)
	assert.InDelta(t, 200.0, f.broker.Position("TQBR.SBER").Realized, 1e-9)
}

func TestCanceledRootCancelsUnsentChildrenLocally(t *testing.T) {
	f := newFixture(t)
	rootReq := limit("sber", 10, 100)
	rootReq.Transmit = false
	root, err := f.broker.Buy(f.ctx, rootReq)
	require.NoError(t, err)
	childReq := limit("sber", 10, 120)
	childReq.Parent = root.SubmissionID
	child, err := f.broker.Sell(f.ctx, childReq)
	require.NoError(t, err)

	f.emit(exchange.TransReply{TransID: root.SubmissionID, OrderNum: "R1", Status: exchange.ReplyExecuted})
	_, err = f.broker.Cancel(f.ctx, root.SubmissionID)
	require.NoError(t, err)
	f.emit(exchange.TransReply{TransID: root.SubmissionID, OrderNum: "R1", Status: exchange.ReplyExecuted})

	assert.Equal(t, order.Canceled, f.order(root.SubmissionID).Status)
	assert.Equal(t, order.Canceled, f.order(child.SubmissionID).Status)

	sent := f.gw.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, exchange.ActionKillOrder, sent[1].Action)
	assert.Equal(t, root.SubmissionID, sent[1].TransID)
}

func TestCancelUnsentOrderLocally(t *testing.T) {
	f := newFixture(t)
	req := limit("sber", 10, 100)
	req.Transmit = false
	o, err := f.broker.Buy(f.ctx, req)
	require.NoError(t, err)

	o, err = f.broker.Cancel(f.ctx, o.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, order.Canceled, o.Status)
	assert.Empty(t, f.gw.Sent())

	_, err = f.broker.Cancel(f.ctx, o.SubmissionID)
	assert.ErrorIs(t, err, ErrNothingToCancel)
	_, err = f.broker.Cancel(f.ctx, 424242)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestRejectionsBeforeSubmission(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		req  order.Request
		err  error
	}{
		{"unsupported exec type", order.Request{DataID: "sber", Size: 10, ExecType: order.StopTrail, Transmit: true}, ErrUnsupportedExecType},
		{"unknown data", limit("nope", 10, 100), ErrUnknownInstrument},
		{"unknown parent", order.Request{DataID: "sber", Size: 10, Price: 1, ExecType: order.Limit, Parent: 777, Transmit: true}, ErrParentNotFound},
		{"unknown oco partner", order.Request{DataID: "sber", Size: 10, Price: 1, ExecType: order.Limit, OCO: 777, Transmit: true}, ErrLinkConflict},
		{"below one lot", order.Request{DataID: "sber", Size: 0, Price: 1, ExecType: order.Limit, Transmit: true}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := f.broker.Buy(f.ctx, tt.req)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			}
			assert.Equal(t, order.Rejected, o.Status)
			assert.NotEmpty(t, o.Reason)
		})
	}
	assert.Empty(t, f.gw.Sent())
}

func TestOCOGroupCanceled(t *testing.T) {
	f := newFixture(t)
	a, err := f.broker.Buy(f.ctx, limit("sber", 10, 100))
	require.NoError(t, err)

	var partners []int64
	for i, price := range []float64{120, 130} {
		req := limit("sber", 10, price)
		req.OCO = a.SubmissionID
		o, err := f.broker.Sell(f.ctx, req)
		require.NoError(t, err)
		f.emit(exchange.TransReply{TransID: o.SubmissionID, OrderNum: fmt.Sprintf("G%d", i), Status: exchange.ReplyExecuted})
		partners = append(partners, o.SubmissionID)
	}

	_, err = f.broker.Cancel(f.ctx, a.SubmissionID)
	require.NoError(t, err)
	f.emit(exchange.TransReply{TransID: a.SubmissionID, Status: exchange.ReplyExecuted})
	assert.Equal(t, order.Canceled, f.order(a.SubmissionID).Status)

	kills := f.kills()
	require.Len(t, kills, 3)
	assert.Equal(t, a.SubmissionID, kills[0].TransID)
	assert.ElementsMatch(t, partners, []int64{kills[1].TransID, kills[2].TransID})
}

func TestGatewayRefusalRejects(t *testing.T) {
	f := newFixture(t)
	f.gw.FailNext(errors.New("connection reset"))

	o, err := f.broker.Buy(f.ctx, limit("sber", 10, 100))
	require.NoError(t, err)
	assert.Equal(t, order.Rejected, o.Status)
	assert.Equal(t, order.StageError, o.Stage)
	assert.Equal(t, "connection reset", o.Reason)
	assert.Equal(t, order.Rejected, f.snapshot().Orders[o.SubmissionID].Status)

	rejects, err := f.storage.GetEvents(f.ctx, journal.TypeReject, time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, rejects, 1)
}

func TestMarginReply(t *testing.T) {
	f := newFixture(t)
	o, err := f.broker.Buy(f.ctx, limit("sber", 10, 100))
	require.NoError(t, err)
	f.emit(exchange.TransReply{TransID: o.SubmissionID, Status: exchange.ReplyLimitsFailed, Message: "not enough money"})

	o = f.order(o.SubmissionID)
	assert.Equal(t, order.Margin, o.Status)
	assert.Equal(t, order.StageMargin, o.Stage)
	_, err = f.broker.Cancel(f.ctx, o.SubmissionID)
	assert.ErrorIs(t, err, ErrNothingToCancel)
}

func TestPendingRepliesOnlyRefreshNumber(t *testing.T) {
	f := newFixture(t)
	o, err := f.broker.Buy(f.ctx, limit("sber", 10, 100))
	require.NoError(t, err)
	f.statuses()

	f.emit(exchange.TransReply{TransID: o.SubmissionID, OrderNum: "X1", Status: exchange.ReplyReceived})
	o = f.order(o.SubmissionID)
	assert.Equal(t, order.Submitted, o.Status)
	assert.Equal(t, "X1", o.ExchangeID)
	assert.Empty(t, f.statuses())
}

func TestForeignEventsIgnored(t *testing.T) {
	f := newFixture(t)
	f.emit(exchange.TransReply{TransID: 999, Status: exchange.ReplyExecuted})
	f.emit(exchange.Trade{TradeNum: "F1", TransID: 999, ClassCode: "TQBR", SecCode: "SBER", Qty: 5, Price: 1})
	f.emit(exchange.OrderState{TransID: 999, State: exchange.StateCanceled})
	f.emit(exchange.StopOrderState{TransID: 999, State: exchange.StateCompleted, LinkedOrder: "L"})

	assert.True(t, f.broker.Next().Boundary())
	assert.Equal(t, 0.0, f.broker.Position("TQBR.SBER").Size)
	assert.Empty(t, f.broker.Orders())
}

func TestOrderStateCancelNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	o, err := f.broker.Buy(f.ctx, limit("sber", 10, 100))
	require.NoError(t, err)
	f.emit(exchange.TransReply{TransID: o.SubmissionID, OrderNum: "C1", Status: exchange.ReplyExecuted})
	f.statuses()

	_, err = f.broker.Cancel(f.ctx, o.SubmissionID)
	require.NoError(t, err)
	f.emit(exchange.OrderState{TransID: o.SubmissionID, OrderNum: "C1", State: exchange.StateCanceled})
	f.emit(exchange.TransReply{TransID: o.SubmissionID, OrderNum: "C1", Status: exchange.ReplyExecuted})

	assert.Equal(t, []order.Status{order.Canceled}, f.statuses())
}

func TestLotsAndDerivativeSlippage(t *testing.T) {
	f := newFixture(t, withOptions(func(o *Options) {
		o.LotsMode = true
		o.SlippageSteps = 2
	}))
	f.instruments.SetLastPrice("SPBFUT", "RIZ6", 100000)

	o, err := f.broker.Buy(f.ctx, order.Request{DataID: "sber", Size: 25, ExecType: order.Market, Transmit: true})
	require.NoError(t, err)
	assert.Equal(t, 20.0, o.Size)

	_, err = f.broker.Buy(f.ctx, order.Request{DataID: "ri", Size: 1, ExecType: order.Market, Transmit: true})
	require.NoError(t, err)
	_, err = f.broker.Sell(f.ctx, order.Request{DataID: "ri", Size: 1, ExecType: order.Market, Transmit: true})
	require.NoError(t, err)

	sent := f.gw.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "2", sent[0].Quantity.String())
	assert.True(t, sent[0].Price.IsZero())
	assert.Equal(t, exchange.PriceMarket, sent[0].Type)
	assert.Equal(t, "100020", sent[1].Price.String())
	assert.Equal(t, "99980", sent[2].Price.String())

	f.emit(exchange.Trade{TradeNum: "T1", TransID: o.SubmissionID, Qty: 2, Price: 250})
	assert.Equal(t, 20.0, f.broker.Position("TQBR.SBER").Size)
	assert.Equal(t, order.Completed, f.order(o.SubmissionID).Status)
}

func TestBalances(t *testing.T) {
	f := newFixture(t, withHoldings(1000, exchange.Holding{ClassCode: "TQBR", SecCode: "SBER", Size: 5, Price: 100}))
	f.instruments.SetLastPrice("TQBR", "SBER", 110)
	assert.Equal(t, 5.0, f.broker.Position("TQBR.SBER").Size)
	assert.Equal(t, 1000.0, f.broker.Cash())

	o, err := f.broker.Buy(f.ctx, limit("sber", 5, 110))
	require.NoError(t, err)
	f.accounts.SetCash(450)
	f.emit(exchange.Trade{TradeNum: "T1", TransID: o.SubmissionID, Qty: 5, Price: 110})

	assert.Equal(t, 10.0, f.broker.Position("TQBR.SBER").Size)
	assert.Equal(t, 450.0, f.broker.Cash())
	assert.InDelta(t, 450+10*110.0, f.broker.Value(), 1e-9)
	assert.Len(t, f.broker.Positions(), 1)
}

func TestPaperGatewayFillsMarketOrders(t *testing.T) {
	f := newFixture(t, withMock(exchange.MockOptions{
		AutoAccept: true,
		AutoFill:   true,
		FillPrice:  func(exchange.Transaction) float64 { return 101 },
	}))

	o, err := f.broker.Buy(f.ctx, order.Request{DataID: "sber", Size: 3, ExecType: order.Market, Transmit: true})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := f.broker.Order(o.SubmissionID)
		return err == nil && got.Status == order.Completed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3.0, f.broker.Position("TQBR.SBER").Size)
	assert.InDelta(t, 101.0, f.broker.Position("TQBR.SBER").Price, 1e-9)
}

func TestStartRequiresAccount(t *testing.T) {
	logger := zaptest.NewLogger(t)
	b, err := New(Options{
		Gateway:     exchange.NewMockGateway(logger, exchange.MockOptions{}),
		Instruments: exchange.NewStaticInstruments(nil, nil),
		Accounts:    exchange.NewStaticAccounts(exchange.AccountInfo{}, 0, nil),
		Data:        DataMap{},
		Logger:      logger,
	})
	require.NoError(t, err)

	assert.ErrorIs(t, b.Start(context.Background()), ErrAccountNotFound)
	_, err = b.Buy(context.Background(), limit("sber", 1, 1))
	assert.ErrorIs(t, err, ErrStopped)

	_, err = New(Options{})
	assert.Error(t, err)
}

func TestStoppedBrokerRefusesCommands(t *testing.T) {
	f := newFixture(t)
	f.broker.Stop()
	_, err := f.broker.Buy(f.ctx, limit("sber", 10, 100))
	assert.ErrorIs(t, err, ErrStopped)
	_, err = f.broker.Cancel(f.ctx, 1)
	assert.ErrorIs(t, err, ErrStopped)

	assert.ErrorIs(t, f.broker.Start(f.ctx), ErrAlreadyStarted)
	_, err = f.broker.Buy(f.ctx, limit("sber", 10, 100))
	assert.ErrorIs(t, err, ErrStopped)
	f.broker.Stop()
}

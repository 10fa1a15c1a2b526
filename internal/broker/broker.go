// Package broker is the order-management core between a strategy and a
// trading gateway.
//
// One worker goroutine owns the order registry, the linkage graph, the fill
// filter and the position book. Strategy calls that need a result are handed
// to the worker as commands and block until it answers. Gateway events are
// consumed by the same worker, in delivery order. Code running on the worker
// calls the unexported helpers directly and never goes through call.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/amirphl/simple-broker/internal/dedup"
	"github.com/amirphl/simple-broker/internal/exchange"
	"github.com/amirphl/simple-broker/internal/journal"
	"github.com/amirphl/simple-broker/internal/linkage"
	"github.com/amirphl/simple-broker/internal/order"
	"github.com/amirphl/simple-broker/internal/position"
	"github.com/amirphl/simple-broker/internal/registry"
	"github.com/amirphl/simple-broker/internal/state"
)

var (
	ErrUnsupportedExecType = errors.New("execution type not supported")
	ErrUnknownInstrument   = errors.New("unknown instrument")
	ErrParentNotFound      = errors.New("parent order chain not found")
	ErrLinkConflict        = errors.New("order link conflicts with an existing link")
	ErrNothingToCancel     = errors.New("order is not alive, nothing to cancel")
	ErrStopped             = errors.New("broker is not running")
	ErrAccountNotFound     = errors.New("trade account not resolved")
	ErrInvalidSize         = errors.New("order size is below one lot")
	ErrAlreadyStarted      = errors.New("broker was already started")
)

// DataSources resolves the data feed id a strategy trades on to an instrument.
type DataSources interface {
	Resolve(dataID string) (order.Instrument, bool)
}

// DataMap is a static DataSources.
type DataMap map[string]order.Instrument

func (m DataMap) Resolve(dataID string) (order.Instrument, bool) {
	inst, ok := m[dataID]
	return inst, ok
}

// Options configures a Broker. Gateway, Instruments, Accounts and Data are
// required.
type Options struct {
	Gateway     exchange.Gateway
	Instruments exchange.Instruments
	Accounts    exchange.Accounts
	Data        DataSources

	// State stores snapshots. Without it nothing survives a restart.
	State   state.StateManager
	Journal journal.Journaler
	// Notify receives a copy of every queued notification. It must not block.
	Notify func(order.Order)

	// ClientCodeForOrders overrides the account client code on transactions.
	ClientCodeForOrders string
	// LotsMode sends quantities in lots and converts fills back to units.
	LotsMode bool
	// SlippageSteps is how many ticks a derivative market order may slip.
	SlippageSteps int

	Logger *zap.Logger
}

type result struct {
	val any
	err error
}

type command struct {
	fn    func(ctx context.Context) (any, error)
	reply chan result
}

// Broker is the order-management service. Create it with New, run it with
// Start and stop it with Stop.
type Broker struct {
	logger      *zap.Logger
	gw          exchange.Gateway
	instruments exchange.Instruments
	accounts    exchange.Accounts
	data        DataSources
	store       *state.Store
	journal     journal.Journaler
	sink        func(order.Order)

	clientCodeForOrders string
	lotsMode            bool
	slippageSteps       int

	registry  *registry.Registry
	links     *linkage.Graph
	fills     *dedup.Filter
	positions *position.Book

	notifyMu      sync.Mutex
	notifications []order.Order

	balanceMu sync.RWMutex
	account   exchange.AccountInfo
	cash      float64
	value     float64

	commands chan command
	started  atomic.Bool
	running  atomic.Bool
	stop     context.CancelFunc
	done     chan struct{}
}

func New(opts Options) (*Broker, error) {
	if opts.Gateway == nil || opts.Instruments == nil || opts.Accounts == nil || opts.Data == nil {
		return nil, errors.New("broker: gateway, instruments, accounts and data sources are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broker{
		logger:              logger.Named("broker"),
		gw:                  opts.Gateway,
		instruments:         opts.Instruments,
		accounts:            opts.Accounts,
		data:                opts.Data,
		journal:             opts.Journal,
		sink:                opts.Notify,
		clientCodeForOrders: opts.ClientCodeForOrders,
		lotsMode:            opts.LotsMode,
		slippageSteps:       opts.SlippageSteps,
		links:               linkage.New(),
		fills:               dedup.New(),
		positions:           position.NewBook(),
		commands:            make(chan command),
		done:                make(chan struct{}),
	}
	if opts.State != nil {
		b.store = state.NewStore(opts.State)
	}
	b.registry = registry.New(b.persist)
	return b, nil
}

// Start binds the trade account, loads positions and balances, restores and
// reconciles persisted orders and then starts the worker. Failing to bind the
// account is fatal. A broker runs once; after Stop it cannot be restarted.
func (b *Broker) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	account, err := b.accounts.Account(ctx)
	if err != nil {
		b.started.Store(false)
		return fmt.Errorf("%w: %v", ErrAccountNotFound, err)
	}
	b.balanceMu.Lock()
	b.account = account
	b.balanceMu.Unlock()
	b.logger.Info("Broker | account bound",
		zap.String("account", account.TradeAccountID), zap.String("client_code", account.ClientCode),
		zap.String("gateway", b.gw.Name()))

	b.loadPositions(ctx)
	b.restore(ctx)
	b.refreshBalances(ctx)

	wctx, cancel := context.WithCancel(ctx)
	b.stop = cancel
	b.running.Store(true)
	go b.run(wctx)
	return nil
}

// Stop ends the worker and waits for it to exit.
func (b *Broker) Stop() {
	if !b.running.Load() {
		return
	}
	b.stop()
	<-b.done
}

func (b *Broker) run(ctx context.Context) {
	defer func() {
		b.running.Store(false)
		close(b.done)
		b.logger.Info("Broker | worker stopped")
	}()
	events := b.gw.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-b.commands:
			v, err := cmd.fn(ctx)
			cmd.reply <- result{val: v, err: err}
		case ev, ok := <-events:
			if !ok {
				b.logger.Warn("Broker | gateway event stream closed")
				events = nil
				continue
			}
			b.handle(ctx, ev)
		}
	}
}

// call runs fn on the worker and waits for its result.
func call[T any](ctx context.Context, b *Broker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if !b.running.Load() {
		return zero, ErrStopped
	}
	reply := make(chan result, 1)
	cmd := command{
		fn:    func(ctx context.Context) (any, error) { return fn(ctx) },
		reply: reply,
	}
	select {
	case b.commands <- cmd:
	case <-b.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case r := <-reply:
		v, _ := r.val.(T)
		return v, r.err
	case <-b.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (b *Broker) handle(ctx context.Context, ev exchange.Event) {
	switch e := ev.(type) {
	case exchange.TransReply:
		b.onTransReply(ctx, e)
	case exchange.Trade:
		b.onTrade(ctx, e)
	case exchange.OrderState:
		b.onOrder(ctx, e)
	case exchange.StopOrderState:
		b.onStopOrder(ctx, e)
	default:
		b.logger.Warn("Broker | unknown gateway event", zap.String("type", fmt.Sprintf("%T", ev)))
	}
}

// Buy places a buy order. The returned order reflects its state when the
// worker finished placing it. A rejected order is returned together with the
// reason as error.
func (b *Broker) Buy(ctx context.Context, req order.Request) (order.Order, error) {
	req.Side = order.Buy
	return call(ctx, b, func(ctx context.Context) (order.Order, error) { return b.submit(ctx, req) })
}

// Sell places a sell order. See Buy.
func (b *Broker) Sell(ctx context.Context, req order.Request) (order.Order, error) {
	req.Side = order.Sell
	return call(ctx, b, func(ctx context.Context) (order.Order, error) { return b.submit(ctx, req) })
}

// Cancel requests cancellation of the order with submission id id.
func (b *Broker) Cancel(ctx context.Context, id int64) (order.Order, error) {
	return call(ctx, b, func(ctx context.Context) (order.Order, error) { return b.cancel(ctx, id) })
}

// Next pops the oldest notification. When the queue is empty it returns a
// cycle boundary.
func (b *Broker) Next() order.Notification {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()
	if len(b.notifications) == 0 {
		return order.Notification{}
	}
	o := b.notifications[0]
	b.notifications[0] = order.Order{}
	b.notifications = b.notifications[1:]
	return order.Notification{Order: &o}
}

// Order returns the order with submission id id.
func (b *Broker) Order(id int64) (order.Order, error) {
	return b.registry.Get(id)
}

// Orders returns every order the broker tracks.
func (b *Broker) Orders() []order.Order {
	return b.registry.All()
}

// Position returns the position of an instrument key (CLASS.SEC).
func (b *Broker) Position(instrument string) position.Position {
	return b.positions.Get(instrument)
}

// Positions returns every open position.
func (b *Broker) Positions() []position.Position {
	return b.positions.All()
}

func (b *Broker) Cash() float64 {
	b.balanceMu.RLock()
	defer b.balanceMu.RUnlock()
	return b.cash
}

// Value is the account value: cash plus the open positions at last price.
func (b *Broker) Value() float64 {
	b.balanceMu.RLock()
	defer b.balanceMu.RUnlock()
	return b.value + b.cash
}

func (b *Broker) Account() exchange.AccountInfo {
	b.balanceMu.RLock()
	defer b.balanceMu.RUnlock()
	return b.account
}

// notify queues o for the strategy, journals it and hands it to the sink.
func (b *Broker) notify(ctx context.Context, o order.Order) {
	b.notifyMu.Lock()
	b.notifications = append(b.notifications, o)
	b.notifyMu.Unlock()

	eventType := journal.TypeOrder
	if o.Status == order.Rejected || o.Status == order.Margin {
		eventType = journal.TypeReject
	}
	b.record(ctx, eventType, fmt.Sprintf("order %d %s", o.SubmissionID, o.Status), map[string]any{
		"submission_id": o.SubmissionID,
		"ref":           o.Ref,
		"exchange_id":   o.ExchangeID,
		"instrument":    o.Instrument.Key(),
		"status":        o.Status.String(),
		"reason":        o.Reason,
	})

	if b.sink != nil {
		b.sink(o)
	}
}

func (b *Broker) record(ctx context.Context, eventType, description string, data map[string]any) {
	if b.journal == nil {
		return
	}
	if err := b.journal.LogEvent(ctx, journal.NewEvent(eventType, description, data)); err != nil {
		b.logger.Warn("Broker | failed to journal event", zap.String("type", eventType), zap.Error(err))
	}
}

// persist writes a snapshot of the current state. It runs after every
// registry change, before the change is notified.
func (b *Broker) persist() {
	if b.store == nil {
		return
	}
	lastID, lastRef := b.registry.Counters()
	all := b.registry.All()
	orders := make(map[int64]order.Order, len(all))
	for _, o := range all {
		orders[o.SubmissionID] = o
	}
	snap := state.Snapshot{
		LastSubmissionID: lastID,
		LastRef:          lastRef,
		Orders:           orders,
		OCOLinks:         b.links.OCOLinks(),
		FillIDs:          b.fills.Snapshot(),
		SavedAt:          time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.store.Save(ctx, snap); err != nil {
		b.logger.Error("Broker | failed to persist state", zap.Error(err))
	}
}

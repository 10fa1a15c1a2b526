package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	wallex "github.com/wallexchange/wallex-go"
	"go.uber.org/zap"

	"github.com/amirphl/simple-broker/internal/order"
)

// wallexOrder is the part of a Wallex order the gateway works with.
type wallexOrder struct {
	ID            string
	Status        string
	Price         float64
	OrigQty       float64
	ExecutedQty   float64
	ExecutedPrice float64
}

type wallexBalance struct {
	Available float64
	Locked    float64
	Fiat      bool
}

// wallexAPI is the subset of the Wallex REST API the adapter uses.
type wallexAPI interface {
	PlaceOrder(symbol, orderType, side string, price, quantity decimal.Decimal) (wallexOrder, error)
	CancelOrder(id string) error
	Order(id string) (wallexOrder, error)
	Balances() (map[string]wallexBalance, error)
	LastTrade(symbol string) (float64, error)
}

type wallexClient struct {
	client *wallex.Client
}

func newWallexClient(apiKey string) *wallexClient {
	return &wallexClient{client: wallex.New(wallex.ClientOptions{APIKey: apiKey})}
}

func (c *wallexClient) PlaceOrder(symbol, orderType, side string, price, quantity decimal.Decimal) (wallexOrder, error) {
	resp, err := c.client.PlaceOrder(&wallex.OrderParams{
		Symbol:   symbol,
		Type:     orderType,
		Side:     side,
		Price:    wallex.Number(price.String()),
		Quantity: wallex.Number(quantity.String()),
	})
	if err != nil {
		return wallexOrder{}, err
	}
	return wallexOrder{
		ID:            resp.ClientOrderID,
		Status:        strings.ToUpper(resp.Status),
		Price:         price.InexactFloat64(),
		OrigQty:       quantity.InexactFloat64(),
		ExecutedQty:   float64Ptr(resp.ExecutedQty),
		ExecutedPrice: float64Ptr(resp.ExecutedPrice),
	}, nil
}

func (c *wallexClient) CancelOrder(id string) error {
	return c.client.CancelOrder(id)
}

func (c *wallexClient) Order(id string) (wallexOrder, error) {
	resp, err := c.client.Order(id)
	if err != nil {
		return wallexOrder{}, err
	}
	return wallexOrder{
		ID:            resp.ClientOrderID,
		Status:        strings.ToUpper(resp.Status),
		Price:         float64Ptr(&resp.Price),
		OrigQty:       float64Ptr(&resp.OrigQty),
		ExecutedQty:   float64Ptr(resp.ExecutedQty),
		ExecutedPrice: float64Ptr(resp.ExecutedPrice),
	}, nil
}

func (c *wallexClient) Balances() (map[string]wallexBalance, error) {
	var wallexBalances map[string]*wallex.Balance
	err := retry(3, 2*time.Second, func() error {
		var err error
		wallexBalances, err = c.client.Balances()
		if err != nil {
			return fmt.Errorf("fetching balances: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	balances := make(map[string]wallexBalance, len(wallexBalances))
	for asset, wb := range wallexBalances {
		balances[asset] = wallexBalance{
			Available: float64Ptr(&wb.Value),
			Locked:    float64Ptr(&wb.Locked),
			Fiat:      wb.Fiat,
		}
	}
	return balances, nil
}

func (c *wallexClient) LastTrade(symbol string) (float64, error) {
	var trades []*wallex.MarketTrade
	err := retry(3, 2*time.Second, func() error {
		var err error
		trades, err = c.client.MarketTrades(symbol)
		if err != nil {
			return fmt.Errorf("fetching latest trade: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(trades) == 0 {
		return 0, fmt.Errorf("trades for %s: %w", symbol, ErrNotFound)
	}
	return float64Ptr(&trades[0].Price), nil
}

// retry wraps a read-only call with exponential backoff. Submissions and
// cancels are never retried.
func retry(attempts int, delay time.Duration, fn func() error) error {
	backoff := delay
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return fmt.Errorf("all %d attempts failed: %w", attempts, err)
}

// Helper to safely dereference *wallex.Number
func float64Ptr(n *wallex.Number) float64 {
	if n == nil {
		return 0
	}
	out, _ := strconv.ParseFloat(string(*n), 64)
	return out
}

type trackedOrder struct {
	ref      OrderRef
	executed float64
	avgPrice float64
}

// WallexGateway trades on Wallex through its REST API. Wallex has no event
// stream for orders, so submissions are acknowledged synchronously and a
// poller turns order status changes into trade and order-state events.
type WallexGateway struct {
	api          wallexAPI
	logger       *zap.Logger
	queue        *eventQueue
	pollInterval time.Duration

	mu      sync.Mutex
	tracked map[string]*trackedOrder
}

func NewWallexGateway(apiKey string, pollInterval time.Duration, logger *zap.Logger) *WallexGateway {
	return newWallexGateway(newWallexClient(apiKey), pollInterval, logger)
}

func newWallexGateway(api wallexAPI, pollInterval time.Duration, logger *zap.Logger) *WallexGateway {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &WallexGateway{
		api:          api,
		logger:       logger.Named("wallex"),
		queue:        newEventQueue(),
		pollInterval: pollInterval,
		tracked:      make(map[string]*trackedOrder),
	}
}

func (w *WallexGateway) Name() string {
	return "wallex"
}

func (w *WallexGateway) Events() <-chan Event {
	return w.queue.out
}

// Start delivers events and polls tracked orders until ctx is done.
func (w *WallexGateway) Start(ctx context.Context) {
	go w.queue.run(ctx)
	go w.orderStatusChecker(ctx)
}

func (w *WallexGateway) SendTransaction(ctx context.Context, tx Transaction) (int64, error) {
	select {
	case <-ctx.Done():
		w.logger.Warn("Exchange | SendTransaction timeout", zap.Int64("trans_id", tx.TransID))
		return 0, ctx.Err()
	default:
	}

	switch tx.Action {
	case ActionNewOrder:
		if err := w.placeOrder(tx); err != nil {
			return 0, err
		}
		return tx.TransID, nil
	case ActionKillOrder:
		if err := w.api.CancelOrder(tx.OrderKey); err != nil {
			return 0, fmt.Errorf("cancel order %s: %w", tx.OrderKey, err)
		}
		w.queue.push(TransReply{TransID: tx.TransID, OrderNum: tx.OrderKey, Status: ReplyExecuted})
		return tx.TransID, nil
	default:
		return 0, fmt.Errorf("wallex: %s: %w", tx.Action, ErrUnsupported)
	}
}

func (w *WallexGateway) placeOrder(tx Transaction) error {
	orderType := "LIMIT"
	if tx.Type == PriceMarket {
		orderType = "MARKET"
	}
	side := strings.ToUpper(tx.Side.String())

	resp, err := w.api.PlaceOrder(NormalizeSymbol(tx.SecCode), orderType, side, tx.Price, tx.Quantity)
	if err != nil {
		return fmt.Errorf("place order %s: %w", tx.SecCode, err)
	}
	w.logger.Info("Exchange | order placed",
		zap.Int64("trans_id", tx.TransID), zap.String("order_id", resp.ID), zap.String("status", resp.Status))

	if resp.Status == "REJECTED" {
		w.queue.push(TransReply{TransID: tx.TransID, OrderNum: resp.ID, Status: ReplyExchangeRejected, Message: resp.Status})
		return nil
	}
	w.queue.push(TransReply{TransID: tx.TransID, OrderNum: resp.ID, Status: ReplyExecuted})

	w.mu.Lock()
	defer w.mu.Unlock()
	t := &trackedOrder{ref: OrderRef{
		TransID:   tx.TransID,
		OrderNum:  resp.ID,
		ClassCode: tx.ClassCode,
		SecCode:   tx.SecCode,
		Side:      tx.Side,
	}}
	w.tracked[resp.ID] = t
	w.observe(t, resp)
	return nil
}

// observe emits a trade for any growth of the executed quantity and an
// order-state event once the order is final. w.mu must be held.
func (w *WallexGateway) observe(t *trackedOrder, o wallexOrder) {
	if o.ExecutedQty > t.executed {
		delta := o.ExecutedQty - t.executed
		price := o.ExecutedPrice
		if t.executed > 0 {
			price = (o.ExecutedPrice*o.ExecutedQty - t.avgPrice*t.executed) / delta
		}
		w.queue.push(Trade{
			TradeNum:  t.ref.OrderNum + "-" + strconv.FormatFloat(o.ExecutedQty, 'f', -1, 64),
			OrderNum:  t.ref.OrderNum,
			TransID:   t.ref.TransID,
			ClassCode: t.ref.ClassCode,
			SecCode:   t.ref.SecCode,
			Qty:       delta,
			IsSell:    t.ref.Side == order.Sell,
			Price:     price,
			Time:      time.Now().UTC(),
		})
		t.executed, t.avgPrice = o.ExecutedQty, o.ExecutedPrice
	}

	if state, final := wallexState(o.Status); final {
		w.queue.push(OrderState{TransID: t.ref.TransID, OrderNum: t.ref.OrderNum, State: state, Price: o.Price})
		delete(w.tracked, t.ref.OrderNum)
	}
}

// orderStatusChecker periodically checks the status of tracked orders.
func (w *WallexGateway) orderStatusChecker(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.Info("orderStatusChecker | Starting order status checker")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("orderStatusChecker | Order status checker stopped")
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *WallexGateway) poll(ctx context.Context) {
	w.mu.Lock()
	ids := make([]string, 0, len(w.tracked))
	for id := range w.tracked {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		o, err := w.api.Order(id)
		if err != nil {
			w.logger.Warn("orderStatusChecker | Error fetching order status", zap.String("order_id", id), zap.Error(err))
			continue
		}
		w.mu.Lock()
		if t, ok := w.tracked[id]; ok {
			w.observe(t, o)
		}
		w.mu.Unlock()
	}
}

// Orders looks up every acknowledged order and resumes polling the ones
// still active. Any failed lookup fails the whole call.
func (w *WallexGateway) Orders(ctx context.Context, refs []OrderRef) ([]LiveOrder, error) {
	var out []LiveOrder
	for _, ref := range refs {
		if ref.OrderNum == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		o, err := w.api.Order(ref.OrderNum)
		if err != nil {
			return nil, fmt.Errorf("order %s: %w", ref.OrderNum, err)
		}
		state, final := wallexState(o.Status)
		out = append(out, LiveOrder{
			TransID:  ref.TransID,
			OrderNum: ref.OrderNum,
			State:    state,
			Partial:  !final && o.ExecutedQty > 0,
			Price:    o.Price,
		})
		if !final {
			w.mu.Lock()
			w.tracked[ref.OrderNum] = &trackedOrder{ref: ref, executed: o.ExecutedQty, avgPrice: o.ExecutedPrice}
			w.mu.Unlock()
		}
	}
	return out, nil
}

// StopOrders is always empty: Wallex takes no stop orders.
func (w *WallexGateway) StopOrders(context.Context, []OrderRef) ([]LiveOrder, error) {
	return nil, nil
}

func wallexState(status string) (State, bool) {
	switch strings.ToUpper(status) {
	case "FILLED":
		return StateCompleted, true
	case "CANCELED", "CANCELLED", "EXPIRED", "REJECTED":
		return StateCanceled, true
	}
	return StateActive, false
}

// WallexAccounts reads cash and holdings from Wallex balances.
type WallexAccounts struct {
	api      wallexAPI
	account  AccountInfo
	currency string
	assets   map[string]order.Instrument
}

// NewWallexAccounts binds the account to the given trade account id.
// assets maps a base asset, e.g. BTC, to the instrument holding it.
func NewWallexAccounts(apiKey string, account AccountInfo, currency string, assets map[string]order.Instrument) *WallexAccounts {
	return newWallexAccounts(newWallexClient(apiKey), account, currency, assets)
}

func newWallexAccounts(api wallexAPI, account AccountInfo, currency string, assets map[string]order.Instrument) *WallexAccounts {
	return &WallexAccounts{api: api, account: account, currency: strings.ToUpper(currency), assets: assets}
}

// Account verifies the credentials by reading balances.
func (a *WallexAccounts) Account(ctx context.Context) (AccountInfo, error) {
	if a.account.TradeAccountID == "" {
		return AccountInfo{}, fmt.Errorf("trade account: %w", ErrNotFound)
	}
	if err := ctx.Err(); err != nil {
		return AccountInfo{}, err
	}
	if _, err := a.api.Balances(); err != nil {
		return AccountInfo{}, fmt.Errorf("wallex account %s: %w", a.account.TradeAccountID, err)
	}
	return a.account, nil
}

func (a *WallexAccounts) Cash(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	balances, err := a.api.Balances()
	if err != nil {
		return 0, err
	}
	b, ok := balances[a.currency]
	if !ok {
		return 0, fmt.Errorf("balance %s: %w", a.currency, ErrNotFound)
	}
	return b.Available, nil
}

func (a *WallexAccounts) Positions(ctx context.Context) ([]Holding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	balances, err := a.api.Balances()
	if err != nil {
		return nil, err
	}
	var out []Holding
	for asset, inst := range a.assets {
		b, ok := balances[strings.ToUpper(asset)]
		if !ok {
			continue
		}
		if total := b.Available + b.Locked; total != 0 {
			out = append(out, Holding{ClassCode: inst.ClassCode, SecCode: inst.SecCode, Size: total})
		}
	}
	return out, nil
}

// WallexPrices reads the last traded price over REST.
type WallexPrices struct {
	api    wallexAPI
	logger *zap.Logger
}

func NewWallexPrices(apiKey string, logger *zap.Logger) *WallexPrices {
	return &WallexPrices{api: newWallexClient(apiKey), logger: logger.Named("wallex-prices")}
}

func (p *WallexPrices) LastPrice(symbol string) (float64, bool) {
	price, err := p.api.LastTrade(symbol)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			p.logger.Warn("Exchange | last trade lookup failed", zap.String("symbol", symbol), zap.Error(err))
		}
		return 0, false
	}
	return price, true
}

// Prices tries each source in turn.
type Prices []PriceSource

func (ps Prices) LastPrice(symbol string) (float64, bool) {
	for _, p := range ps {
		if p == nil {
			continue
		}
		if price, ok := p.LastPrice(symbol); ok {
			return price, true
		}
	}
	return 0, false
}

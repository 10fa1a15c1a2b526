package broker

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/amirphl/simple-broker/internal/exchange"
	"github.com/amirphl/simple-broker/internal/journal"
	"github.com/amirphl/simple-broker/internal/order"
	"github.com/amirphl/simple-broker/internal/position"
	"github.com/amirphl/simple-broker/internal/registry"
)

// onTrade applies a fill to the position book and to the order it belongs to.
// A fill id is applied at most once per instrument.
func (b *Broker) onTrade(ctx context.Context, ev exchange.Trade) {
	o, err := b.registry.Get(ev.TransID)
	if errors.Is(err, registry.ErrNotFound) {
		b.logger.Debug("Broker | trade for foreign order ignored",
			zap.Int64("trans_id", ev.TransID), zap.String("trade_num", ev.TradeNum))
		return
	}

	// A triggered stop trades under the number of the order it produced.
	if ev.OrderNum != "" {
		switch {
		case o.ExecType.IsStop() && ev.OrderNum != o.ExchangeID && ev.OrderNum != o.LinkedOrder:
			o, _ = b.registry.Update(o.SubmissionID, func(o *order.Order) { o.LinkedOrder = ev.OrderNum })
		case !o.ExecType.IsStop() && ev.OrderNum != o.ExchangeID:
			o, _ = b.registry.Update(o.SubmissionID, func(o *order.Order) { o.ExchangeID = ev.OrderNum })
		}
	}

	instrument := o.Instrument.Key()
	if !b.fills.Add(instrument, ev.TradeNum) {
		b.logger.Debug("Broker | duplicate trade ignored",
			zap.Int64("trans_id", ev.TransID), zap.String("trade_num", ev.TradeNum))
		return
	}

	size := ev.Qty
	if b.lotsMode {
		info, err := b.instruments.Info(ctx, o.Instrument.ClassCode, o.Instrument.SecCode)
		if err != nil {
			b.logger.Error("Broker | no lot size for trade, applying raw quantity",
				zap.String("instrument", instrument), zap.Error(err))
		} else {
			size = info.LotsToSize(ev.Qty)
		}
	}
	if ev.IsSell {
		size = -size
	}

	pos, opened, closed := b.positions.Apply(instrument, size, ev.Price, ev.Time)
	b.record(ctx, journal.TypeTrade, "trade "+ev.TradeNum, map[string]any{
		"submission_id": o.SubmissionID,
		"trade_num":     ev.TradeNum,
		"instrument":    instrument,
		"size":          size,
		"price":         ev.Price,
		"opened":        opened,
		"closed":        closed,
		"position":      pos.Size,
	})

	var completed, partial bool
	updated, err := b.registry.Update(o.SubmissionID, func(o *order.Order) {
		remaining := o.Execute(size, ev.Price, ev.Time)
		if !o.Alive() {
			return
		}
		switch {
		case remaining > 0 && o.Status != order.Partial:
			o.Status = order.Partial
			partial = true
		case remaining == 0:
			o.Status = order.Completed
			o.Stage = order.StageDone
			completed = true
		}
	})
	if err != nil {
		return
	}
	b.logger.Info("Broker | trade applied",
		zap.Int64("trans_id", o.SubmissionID), zap.String("trade_num", ev.TradeNum),
		zap.Float64("size", size), zap.Float64("price", ev.Price),
		zap.Float64("remaining", updated.Executed.Remaining), zap.Float64("position", pos.Size))

	if partial || completed {
		b.notify(ctx, updated)
	}
	if completed {
		b.dispose(ctx, o.SubmissionID, true)
	}
	b.refreshBalances(ctx)
}

// onOrder handles a state change of a regular order, which for a stop order
// is the order its trigger produced.
func (b *Broker) onOrder(ctx context.Context, ev exchange.OrderState) {
	o, err := b.registry.Get(ev.TransID)
	if errors.Is(err, registry.ErrNotFound) {
		return
	}
	if !o.Alive() {
		return
	}

	var (
		status   = o.Status
		filled   bool
		terminal bool
	)
	switch ev.State {
	case exchange.StateActive:
		if o.Stage != order.StageCancel && (status == order.Created || status == order.Submitted) {
			status = order.Accepted
		}
	case exchange.StateCanceled:
		status, terminal = order.Canceled, true
	case exchange.StateCompleted:
		// Fills of regular orders complete them through trades.
		if !o.ExecType.IsStop() {
			return
		}
		status, filled, terminal = order.Completed, true, true
	}

	if status == o.Status {
		return
	}
	updated, err := b.registry.Update(ev.TransID, func(o *order.Order) {
		o.Status = status
		if terminal {
			o.Stage = order.StageDone
		}
		if ev.OrderNum == "" {
			return
		}
		if o.ExecType.IsStop() {
			o.LinkedOrder = ev.OrderNum
		} else if o.ExchangeID == "" {
			o.ExchangeID = ev.OrderNum
		}
	})
	if err != nil {
		return
	}
	b.notify(ctx, updated)
	if terminal {
		b.dispose(ctx, ev.TransID, filled)
	}
}

// onStopOrder handles a state change of a stop order. A completed stop has
// triggered and the order it produced is recorded as the linked order.
func (b *Broker) onStopOrder(ctx context.Context, ev exchange.StopOrderState) {
	o, err := b.registry.Get(ev.TransID)
	if errors.Is(err, registry.ErrNotFound) {
		return
	}
	if !o.Alive() {
		return
	}

	switch ev.State {
	case exchange.StateCompleted:
		if ev.LinkedOrder == "" || ev.LinkedOrder == o.LinkedOrder {
			return
		}
		updated, err := b.registry.Update(ev.TransID, func(o *order.Order) { o.LinkedOrder = ev.LinkedOrder })
		if err != nil {
			return
		}
		b.logger.Info("Broker | stop order triggered",
			zap.Int64("trans_id", ev.TransID), zap.String("linked_order", ev.LinkedOrder))
		b.notify(ctx, updated)
	case exchange.StateCanceled:
		updated, err := b.registry.Update(ev.TransID, func(o *order.Order) {
			o.Status = order.Canceled
			o.Stage = order.StageDone
		})
		if err != nil {
			return
		}
		b.notify(ctx, updated)
		b.dispose(ctx, ev.TransID, false)
	case exchange.StateActive:
		if ev.OrderNum != "" && o.ExchangeID == "" {
			b.registry.Update(ev.TransID, func(o *order.Order) { o.ExchangeID = ev.OrderNum })
		}
	}
}

// loadPositions replaces the position book with the account's holdings.
func (b *Broker) loadPositions(ctx context.Context) {
	holdings, err := b.accounts.Positions(ctx)
	if err != nil {
		b.logger.Error("Broker | failed to load positions", zap.Error(err))
		return
	}
	positions := make(map[string]position.Position, len(holdings))
	for _, h := range holdings {
		inst := order.Instrument{ClassCode: h.ClassCode, SecCode: h.SecCode}
		size := h.Size
		if b.lotsMode {
			if info, err := b.instruments.Info(ctx, h.ClassCode, h.SecCode); err == nil {
				size = info.LotsToSize(h.Size)
			} else {
				b.logger.Warn("Broker | no lot size for holding", zap.String("instrument", inst.Key()), zap.Error(err))
			}
		}
		positions[inst.Key()] = position.Position{Size: size, Price: h.Price}
	}
	b.positions.Replace(positions)
	b.logger.Info("Broker | positions loaded", zap.Int("count", len(positions)))
}

// refreshBalances reloads cash and values open positions at their last price
// in account currency.
func (b *Broker) refreshBalances(ctx context.Context) {
	cash, err := b.accounts.Cash(ctx)
	if err != nil {
		b.logger.Error("Broker | failed to fetch cash", zap.Error(err))
		b.balanceMu.RLock()
		cash = b.cash
		b.balanceMu.RUnlock()
	}

	var value float64
	for _, p := range b.positions.All() {
		class, sec, ok := strings.Cut(p.Instrument, ".")
		if !ok {
			continue
		}
		price, err := b.instruments.LastPrice(ctx, class, sec)
		if err != nil {
			price = p.Price
		}
		if info, err := b.instruments.Info(ctx, class, sec); err == nil {
			price = info.ToAccountCurrency(price)
		}
		value += p.Size * price
	}

	b.balanceMu.Lock()
	b.cash, b.value = cash, value
	b.balanceMu.Unlock()
}

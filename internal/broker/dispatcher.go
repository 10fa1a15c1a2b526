package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amirphl/simple-broker/internal/exchange"
	"github.com/amirphl/simple-broker/internal/order"
	"github.com/amirphl/simple-broker/internal/registry"
)

const (
	expiryGTC   = "GTC"
	expiryToday = "TODAY"
)

// submit creates, links and, when the request says so, places an order.
func (b *Broker) submit(ctx context.Context, req order.Request) (order.Order, error) {
	now := time.Now().UTC()
	o := &order.Order{
		SubmissionID: b.registry.NextID(),
		Ref:          b.registry.NextRef(),
		DataID:       req.DataID,
		Owner:        req.Owner,
		Side:         req.Side,
		ExecType:     req.ExecType,
		Size:         req.Size,
		Price:        req.Price,
		PriceLimit:   req.PriceLimit,
		ValidUntil:   req.ValidUntil,
		ValidDay:     req.ValidDay,
		Status:       order.Created,
		ParentRef:    req.Parent,
		Transmit:     req.Transmit,
		Executed:     order.Execution{Remaining: req.Size},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if !req.ExecType.Supported() {
		return b.rejectNew(ctx, o, fmt.Errorf("%w: %s", ErrUnsupportedExecType, req.ExecType))
	}

	account := b.Account()
	o.Account = account.TradeAccountID
	o.ClientCode = account.ClientCode
	if b.clientCodeForOrders != "" {
		o.ClientCode = b.clientCodeForOrders
	}

	inst, ok := b.data.Resolve(req.DataID)
	if !ok {
		return b.rejectNew(ctx, o, fmt.Errorf("%w: data %q", ErrUnknownInstrument, req.DataID))
	}
	o.Instrument = inst
	info, err := b.instruments.Info(ctx, inst.ClassCode, inst.SecCode)
	if err != nil {
		if !errors.Is(err, exchange.ErrNotFound) {
			b.logger.Error("Broker | instrument lookup failed", zap.String("instrument", inst.Key()), zap.Error(err))
		}
		return b.rejectNew(ctx, o, fmt.Errorf("%w: %s: %v", ErrUnknownInstrument, inst.Key(), err))
	}
	o.PriceStep = info.TickSize

	if req.Parent != 0 && !b.links.HasChain(req.Parent) {
		return b.rejectNew(ctx, o, fmt.Errorf("%w: %d", ErrParentNotFound, req.Parent))
	}
	if req.OCO != 0 {
		if !b.registry.Has(req.OCO) {
			return b.rejectNew(ctx, o, fmt.Errorf("%w: oco partner %d is unknown", ErrLinkConflict, req.OCO))
		}
		if err := b.links.LinkOCO(o.SubmissionID, req.OCO); err != nil {
			return b.rejectNew(ctx, o, fmt.Errorf("%w: %v", ErrLinkConflict, err))
		}
	}
	if !req.Transmit || req.Parent != 0 {
		root := req.Parent
		if root == 0 {
			root = o.SubmissionID
		}
		if err := b.links.EnqueueChain(root, o.SubmissionID); err != nil {
			b.links.Remove(o.SubmissionID)
			return b.rejectNew(ctx, o, fmt.Errorf("%w: %v", ErrLinkConflict, err))
		}
	}

	if err := b.registry.Register(o); err != nil {
		b.links.Remove(o.SubmissionID)
		return *o, err
	}
	b.notify(ctx, *o)

	switch {
	case !req.Transmit:
	case req.Parent == 0:
		b.place(ctx, o.SubmissionID)
	default:
		if b.registry.Unsent(req.Parent) && b.registry.Alive(req.Parent) {
			b.place(ctx, req.Parent)
		}
	}
	return b.registry.Get(o.SubmissionID)
}

// rejectNew registers o as rejected before it was ever sent.
func (b *Broker) rejectNew(ctx context.Context, o *order.Order, reason error) (order.Order, error) {
	o.Status = order.Rejected
	o.Stage = order.StageRejected
	o.Reason = reason.Error()
	b.logger.Warn("Broker | order rejected", zap.Int64("trans_id", o.SubmissionID), zap.Error(reason))
	if err := b.registry.Register(o); err != nil {
		return *o, err
	}
	b.notify(ctx, *o)
	b.dispose(ctx, o.SubmissionID, false)
	return *o, reason
}

// place builds the transaction for a Created order and sends it. The order is
// persisted before the send and again once the gateway took it.
func (b *Broker) place(ctx context.Context, id int64) {
	o, err := b.registry.Get(id)
	if err != nil {
		return
	}
	info, err := b.instruments.Info(ctx, o.Instrument.ClassCode, o.Instrument.SecCode)
	if err != nil {
		b.fail(ctx, id, order.StageRejected, fmt.Errorf("%w: %s: %v", ErrUnknownInstrument, o.Instrument.Key(), err))
		return
	}
	tx, size, err := b.buildTransaction(ctx, o, info)
	if err != nil {
		b.fail(ctx, id, order.StageRejected, err)
		return
	}

	if _, err := b.registry.Update(id, func(o *order.Order) {
		o.Size = size
		o.Executed.Remaining = size - o.Executed.Size
		o.Stage = order.StageNew
	}); err != nil {
		return
	}

	if _, err := b.gw.SendTransaction(ctx, tx); err != nil {
		b.logger.Error("Broker | transaction refused by gateway", zap.Int64("trans_id", id), zap.Error(err))
		b.fail(ctx, id, order.StageError, err)
		return
	}

	updated, err := b.registry.Update(id, func(o *order.Order) {
		if o.Status == order.Created {
			o.Status = order.Submitted
		}
	})
	if err != nil {
		return
	}
	b.logger.Info("Broker | order submitted",
		zap.Int64("trans_id", id), zap.String("instrument", o.Instrument.Key()),
		zap.String("side", o.Side.String()), zap.String("quantity", tx.Quantity.String()),
		zap.String("price", tx.Price.String()))
	if updated.Status == order.Submitted {
		b.notify(ctx, updated)
	}
}

// buildTransaction returns the transaction for o and the order size it
// actually covers, which differs from the requested size in lots mode.
func (b *Broker) buildTransaction(ctx context.Context, o order.Order, info exchange.Info) (exchange.Transaction, float64, error) {
	size, qty := o.Size, o.Size
	if b.lotsMode {
		qty = info.SizeToLots(o.Size)
		size = info.LotsToSize(qty)
	}
	if qty <= 0 {
		return exchange.Transaction{}, 0, fmt.Errorf("%w: size %g", ErrInvalidSize, o.Size)
	}

	tx := exchange.Transaction{
		TransID:    o.SubmissionID,
		Action:     exchange.ActionNewOrder,
		ClassCode:  o.Instrument.ClassCode,
		SecCode:    o.Instrument.SecCode,
		Account:    o.Account,
		ClientCode: o.ClientCode,
		Side:       o.Side,
		Quantity:   decimal.NewFromFloat(qty),
	}

	switch o.ExecType {
	case order.Market:
		tx.Type = exchange.PriceMarket
		if o.Instrument.Derivative {
			last, err := b.instruments.LastPrice(ctx, o.Instrument.ClassCode, o.Instrument.SecCode)
			if err != nil {
				return exchange.Transaction{}, 0, fmt.Errorf("no last price for market order on %s: %w", o.Instrument.Key(), err)
			}
			tx.Price = info.ValidPrice(b.slipped(o.Side, last, info))
		}
	case order.Limit:
		tx.Type = exchange.PriceLimit
		tx.Price = info.ValidPrice(o.Price)
	case order.Stop:
		tx.Action = exchange.ActionNewStopOrder
		tx.Type = exchange.PriceMarket
		tx.StopPrice = info.ValidPrice(o.Price)
		if o.Instrument.Derivative {
			tx.Price = info.ValidPrice(b.slipped(o.Side, o.Price, info))
		}
		tx.ExpiryDate = expiry(o)
	case order.StopLimit:
		tx.Action = exchange.ActionNewStopOrder
		tx.Type = exchange.PriceLimit
		tx.StopPrice = info.ValidPrice(o.Price)
		tx.Price = info.ValidPrice(o.PriceLimit)
		tx.ExpiryDate = expiry(o)
	default:
		return exchange.Transaction{}, 0, fmt.Errorf("%w: %s", ErrUnsupportedExecType, o.ExecType)
	}
	return tx, size, nil
}

// slipped moves price against the order by the configured number of ticks.
func (b *Broker) slipped(side order.Side, price float64, info exchange.Info) float64 {
	slippage := info.TickSize * float64(b.slippageSteps)
	if side == order.Buy {
		return price + slippage
	}
	return price - slippage
}

func expiry(o order.Order) string {
	switch {
	case o.ValidDay:
		return expiryToday
	case !o.ValidUntil.IsZero():
		return o.ValidUntil.Format("20060102")
	}
	return expiryGTC
}

// fail moves an order that could not be placed to Rejected.
func (b *Broker) fail(ctx context.Context, id int64, stage order.Stage, reason error) {
	updated, err := b.registry.Update(id, func(o *order.Order) {
		o.Status = order.Rejected
		o.Stage = stage
		o.Reason = reason.Error()
	})
	if err != nil {
		return
	}
	b.logger.Warn("Broker | order rejected", zap.Int64("trans_id", id), zap.Error(reason))
	b.notify(ctx, updated)
	b.dispose(ctx, id, false)
}

// cancel asks the gateway to cancel an alive order. Orders that never left
// the broker are canceled locally.
func (b *Broker) cancel(ctx context.Context, id int64) (order.Order, error) {
	o, err := b.registry.Get(id)
	if err != nil {
		return order.Order{}, fmt.Errorf("cancel %d: %w", id, err)
	}
	if !o.Alive() {
		return o, ErrNothingToCancel
	}
	if o.Stage == order.StageCancel {
		return o, nil
	}
	if !o.Sent() {
		return b.cancelLocal(ctx, id)
	}

	tx := exchange.Transaction{
		TransID:    o.SubmissionID,
		ClassCode:  o.Instrument.ClassCode,
		SecCode:    o.Instrument.SecCode,
		Account:    o.Account,
		ClientCode: o.ClientCode,
		Side:       o.Side,
	}
	switch {
	case o.ExecType.IsStop() && o.LinkedOrder == "":
		tx.Action = exchange.ActionKillStopOrder
		tx.StopOrderKey = o.ExchangeID
	case o.ExecType.IsStop():
		tx.Action = exchange.ActionKillOrder
		tx.OrderKey = o.LinkedOrder
	default:
		tx.Action = exchange.ActionKillOrder
		tx.OrderKey = o.ExchangeID
	}

	prevStage := o.Stage
	if o, err = b.registry.Update(id, func(o *order.Order) { o.Stage = order.StageCancel }); err != nil {
		return o, err
	}
	if _, err := b.gw.SendTransaction(ctx, tx); err != nil {
		b.logger.Error("Broker | cancel refused by gateway", zap.Int64("trans_id", id), zap.Error(err))
		o, _ = b.registry.Update(id, func(o *order.Order) { o.Stage = prevStage })
		return o, fmt.Errorf("cancel %d: %w", id, err)
	}
	b.logger.Info("Broker | cancel sent",
		zap.Int64("trans_id", id), zap.String("action", string(tx.Action)),
		zap.String("order_key", tx.OrderKey+tx.StopOrderKey))
	return o, nil
}

// cancelLocal cancels an order that was never handed to the gateway.
func (b *Broker) cancelLocal(ctx context.Context, id int64) (order.Order, error) {
	updated, err := b.registry.Update(id, func(o *order.Order) {
		o.Status = order.Canceled
		o.Stage = order.StageDone
	})
	if err != nil {
		return updated, err
	}
	b.logger.Info("Broker | unsent order canceled locally", zap.Int64("trans_id", id))
	b.notify(ctx, updated)
	b.dispose(ctx, id, false)
	return updated, nil
}

func (b *Broker) onTransReply(ctx context.Context, ev exchange.TransReply) {
	o, err := b.registry.Get(ev.TransID)
	if errors.Is(err, registry.ErrNotFound) {
		b.logger.Debug("Broker | reply for foreign transaction ignored", zap.Int64("trans_id", ev.TransID))
		return
	}
	refresh := ev.OrderNum != "" && ev.OrderNum != o.ExchangeID &&
		(o.ExchangeID == "" || o.Stage == order.StageNew)

	if !o.Alive() {
		if refresh {
			b.registry.Update(ev.TransID, func(o *order.Order) { o.ExchangeID = ev.OrderNum })
		}
		return
	}

	bucket := exchange.Classify(ev.Status)
	b.logger.Debug("Broker | transaction reply",
		zap.Int64("trans_id", ev.TransID), zap.Int("status", ev.Status),
		zap.String("bucket", bucket.String()), zap.String("order_num", ev.OrderNum))

	var (
		status   = o.Status
		stage    = o.Stage
		reason   = o.Reason
		terminal bool
	)
	switch bucket {
	case exchange.BucketPending:
	case exchange.BucketAccepted:
		if o.Stage == order.StageCancel {
			status, stage, terminal = order.Canceled, order.StageDone, true
			break
		}
		stage = order.StageDone
		if status == order.Created || status == order.Submitted {
			status = order.Accepted
		}
	case exchange.BucketRejected:
		status, stage, reason, terminal = order.Rejected, order.StageRejected, ev.Message, true
	case exchange.BucketMargin:
		status, stage, reason, terminal = order.Margin, order.StageMargin, ev.Message, true
	default:
		b.logger.Warn("Broker | unknown reply status", zap.Int64("trans_id", ev.TransID), zap.Int("status", ev.Status))
		return
	}

	if !refresh && status == o.Status && stage == o.Stage {
		return
	}
	updated, err := b.registry.Update(ev.TransID, func(o *order.Order) {
		if refresh {
			o.ExchangeID = ev.OrderNum
		}
		o.Status, o.Stage, o.Reason = status, stage, reason
	})
	if err != nil || updated.Status == o.Status {
		return
	}
	if terminal && updated.Status.Failed() && updated.Status != order.Canceled {
		b.logger.Warn("Broker | order rejected by gateway",
			zap.Int64("trans_id", ev.TransID), zap.Int("status", ev.Status), zap.String("message", ev.Message))
	}
	b.notify(ctx, updated)
	if terminal {
		b.dispose(ctx, ev.TransID, false)
	}
}

// dispose dispatches what the linkage graph says must follow a terminal
// status of id.
func (b *Broker) dispose(ctx context.Context, id int64, filled bool) {
	plan := b.links.Dispose(id, filled, b.registry)
	if plan.Empty() {
		return
	}
	b.logger.Info("Broker | linked orders follow terminal order",
		zap.Int64("trans_id", id), zap.Bool("filled", filled),
		zap.Int64s("cancel", plan.Cancel), zap.Int64s("submit", plan.Submit))
	for _, other := range plan.Cancel {
		if _, err := b.cancel(ctx, other); err != nil && !errors.Is(err, ErrNothingToCancel) {
			b.logger.Error("Broker | failed to cancel linked order", zap.Int64("trans_id", other), zap.Error(err))
		}
	}
	for _, child := range plan.Submit {
		b.place(ctx, child)
	}
}

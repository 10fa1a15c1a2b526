package broker

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/amirphl/simple-broker/internal/exchange"
	"github.com/amirphl/simple-broker/internal/order"
	"github.com/amirphl/simple-broker/internal/state"
)

// restore loads the last snapshot and reconciles it against the gateway's
// order books. Whatever goes wrong, the broker starts; at worst with an empty
// registry.
func (b *Broker) restore(ctx context.Context) {
	if b.store == nil {
		return
	}
	snap, err := b.store.Load(ctx)
	switch {
	case errors.Is(err, state.ErrNoSnapshot):
		b.logger.Info("Broker | no snapshot, starting cold")
		return
	case errors.Is(err, state.ErrVersionMismatch):
		b.logger.Warn("Broker | snapshot discarded, starting cold", zap.Error(err))
		return
	case err != nil:
		b.logger.Error("Broker | failed to load snapshot, starting cold", zap.Error(err))
		return
	}

	orders := b.materialize(snap)
	orders = b.reconcile(ctx, orders)

	b.registry.Restore(orders, snap.LastSubmissionID, snap.LastRef)
	b.links.RestoreOCO(snap.OCOLinks)
	b.relinkChains(orders)
	b.fills.Restore(snap.FillIDs)
	b.persist()

	b.logger.Info("Broker | state restored",
		zap.Int("snapshot_orders", len(snap.Orders)), zap.Int("orders", len(orders)),
		zap.Int64("last_submission_id", snap.LastSubmissionID))
}

// materialize is the first load pass: it rebinds every persisted order to its
// instrument and drops those whose data source no longer resolves.
func (b *Broker) materialize(snap state.Snapshot) []order.Order {
	out := make([]order.Order, 0, len(snap.Orders))
	for id, o := range snap.Orders {
		inst, ok := b.data.Resolve(o.DataID)
		if !ok {
			b.logger.Warn("Broker | dropping restored order with unknown data source",
				zap.Int64("trans_id", id), zap.String("data_id", o.DataID))
			continue
		}
		o.SubmissionID = id
		o.Instrument = inst
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmissionID < out[j].SubmissionID })
	return out
}

// relinkChains is the second load pass: it rebuilds bracket chains from the
// parent ids the orders carry. Children whose root is gone become standalone.
func (b *Broker) relinkChains(orders []order.Order) {
	present := make(map[int64]bool, len(orders))
	for _, o := range orders {
		present[o.SubmissionID] = true
	}
	for _, o := range orders {
		if o.ParentRef == 0 || !present[o.ParentRef] || b.links.HasChain(o.ParentRef) {
			continue
		}
		if err := b.links.EnqueueChain(o.ParentRef, o.ParentRef); err != nil {
			b.logger.Warn("Broker | failed to rebuild chain root", zap.Int64("trans_id", o.ParentRef), zap.Error(err))
		}
	}
	for _, o := range orders {
		if o.ParentRef == 0 || !present[o.ParentRef] {
			continue
		}
		if err := b.links.EnqueueChain(o.ParentRef, o.SubmissionID); err != nil {
			b.logger.Warn("Broker | failed to rebuild chain member", zap.Int64("trans_id", o.SubmissionID), zap.Error(err))
		}
	}
}

// reconcile refreshes restored orders from the gateway's live books and drops
// those the gateway no longer reports. If a book cannot be fetched the orders
// are kept as loaded.
func (b *Broker) reconcile(ctx context.Context, orders []order.Order) []order.Order {
	var regular, stops []exchange.OrderRef
	for _, o := range orders {
		ref := exchange.OrderRef{
			TransID:   o.SubmissionID,
			OrderNum:  o.ExchangeID,
			ClassCode: o.Instrument.ClassCode,
			SecCode:   o.Instrument.SecCode,
			Side:      o.Side,
		}
		if !o.ExecType.IsStop() {
			regular = append(regular, ref)
			continue
		}
		stops = append(stops, ref)
		if o.LinkedOrder != "" {
			ref.OrderNum = o.LinkedOrder
			regular = append(regular, ref)
		}
	}

	live, err := b.gw.Orders(ctx, regular)
	if err != nil {
		b.logger.Error("Broker | failed to fetch live orders, keeping restored orders unreconciled", zap.Error(err))
		return orders
	}
	liveStops, err := b.gw.StopOrders(ctx, stops)
	if err != nil {
		b.logger.Error("Broker | failed to fetch live stop orders, keeping restored orders unreconciled", zap.Error(err))
		return orders
	}
	byID := make(map[int64]exchange.LiveOrder, len(live))
	for _, lo := range live {
		byID[lo.TransID] = lo
	}
	stopsByID := make(map[int64]exchange.LiveOrder, len(liveStops))
	for _, lo := range liveStops {
		stopsByID[lo.TransID] = lo
	}

	// Stops that triggered while we were down carry a linked order the first
	// lookup did not ask for.
	var linked []exchange.OrderRef
	for _, o := range orders {
		stop, ok := stopsByID[o.SubmissionID]
		if !ok || !o.ExecType.IsStop() || stop.LinkedOrder == "" || stop.LinkedOrder == o.LinkedOrder {
			continue
		}
		linked = append(linked, exchange.OrderRef{
			TransID:   o.SubmissionID,
			OrderNum:  stop.LinkedOrder,
			ClassCode: o.Instrument.ClassCode,
			SecCode:   o.Instrument.SecCode,
			Side:      o.Side,
		})
	}
	if len(linked) > 0 {
		more, err := b.gw.Orders(ctx, linked)
		if err != nil {
			b.logger.Error("Broker | failed to fetch linked orders, keeping restored orders unreconciled", zap.Error(err))
			return orders
		}
		for _, lo := range more {
			byID[lo.TransID] = lo
		}
	}

	kept := make([]order.Order, 0, len(orders))
	for _, o := range orders {
		lo, found := byID[o.SubmissionID]
		if stop, ok := stopsByID[o.SubmissionID]; ok && o.ExecType.IsStop() {
			if stop.LinkedOrder != "" {
				o.LinkedOrder = stop.LinkedOrder
			}
			// A linked order found in the regular book speaks for its stop.
			// Otherwise the stop book state applies as reported.
			if !found {
				lo, found = stop, true
			}
		}
		if !found {
			b.logger.Info("Broker | dropping stale order", zap.Int64("trans_id", o.SubmissionID), zap.String("status", o.Status.String()))
			continue
		}
		before := o.Status
		reconcileStatus(&o, lo)
		if o.Status != before {
			b.logger.Info("Broker | order reconciled",
				zap.Int64("trans_id", o.SubmissionID), zap.String("from", before.String()), zap.String("to", o.Status.String()))
		}
		kept = append(kept, o)
	}
	return kept
}

func reconcileStatus(o *order.Order, lo exchange.LiveOrder) {
	switch lo.State {
	case exchange.StateActive:
		if o.Status == order.Created || o.Status == order.Submitted {
			o.Status = order.Accepted
		}
		if lo.Partial && o.Status == order.Accepted {
			o.Status = order.Partial
		}
	case exchange.StateCanceled:
		if o.Alive() {
			o.Status = order.Canceled
			o.Stage = order.StageDone
		}
	case exchange.StateCompleted:
		if o.Alive() {
			o.Status = order.Completed
			o.Stage = order.StageDone
		}
	}
	if lo.Price != 0 {
		o.Price = lo.Price
	}
	if o.ExchangeID == "" && lo.OrderNum != "" && !o.ExecType.IsStop() {
		o.ExchangeID = lo.OrderNum
	}
}

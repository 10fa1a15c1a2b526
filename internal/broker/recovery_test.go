package broker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/simple-broker/internal/exchange"
	"github.com/amirphl/simple-broker/internal/order"
	"github.com/amirphl/simple-broker/internal/state"
)

func persisted(id int64, dataID string, exec order.ExecType, status order.Status, exchangeID string) order.Order {
	return order.Order{
		SubmissionID: id,
		Ref:          id - 100,
		ExchangeID:   exchangeID,
		DataID:       dataID,
		Side:         order.Buy,
		ExecType:     exec,
		Size:         10,
		Price:        100,
		Status:       status,
		Transmit:     true,
		Executed:     order.Execution{Remaining: 10},
		CreatedAt:    time.Now().UTC(),
	}
}

func seed(t *testing.T, f *fixture, snap state.Snapshot) {
	t.Helper()
	b, err := state.Encode(snap)
	require.NoError(t, err)
	require.NoError(t, f.storage.SaveState(f.ctx, b))
}

func orderIDs(orders []order.Order) []int64 {
	var out []int64
	for _, o := range orders {
		out = append(out, o.SubmissionID)
	}
	return out
}

func recoverySnapshot() state.Snapshot {
	stop := persisted(105, "sber", order.Stop, order.Accepted, "S105")
	stop.Side = order.Sell
	return state.Snapshot{
		LastSubmissionID: 105,
		LastRef:          5,
		Orders: map[int64]order.Order{
			101: persisted(101, "sber", order.Limit, order.Submitted, "E101"),
			102: persisted(102, "sber", order.Limit, order.Accepted, "E102"),
			103: persisted(103, "sber", order.Limit, order.Accepted, "E103"),
			104: persisted(104, "gone", order.Limit, order.Accepted, "E104"),
			105: stop,
		},
		OCOLinks: map[int64]int64{101: 105},
		FillIDs:  map[string][]string{"TQBR.SBER": {"T9"}},
	}
}

func TestRestoreReconcilesAgainstGateway(t *testing.T) {
	f := newFixture(t, beforeStart(func(f *fixture) {
		seed(t, f, recoverySnapshot())
		f.gw.SetBook(
			[]exchange.LiveOrder{
				{TransID: 101, OrderNum: "E101", State: exchange.StateActive, Partial: true, Price: 99.5},
				{TransID: 102, OrderNum: "E102", State: exchange.StateCanceled},
				{TransID: 104, OrderNum: "E104", State: exchange.StateActive},
			},
			[]exchange.LiveOrder{
				{TransID: 105, OrderNum: "S105", State: exchange.StateActive},
			},
		)
	}))

	assert.Equal(t, []int64{101, 102, 105}, orderIDs(f.broker.Orders()))
	o := f.order(101)
	assert.Equal(t, order.Partial, o.Status)
	assert.Equal(t, 99.5, o.Price)
	assert.Equal(t, sber, o.Instrument)
	assert.Equal(t, order.Canceled, f.order(102).Status)
	assert.Equal(t, order.Accepted, f.order(105).Status)
	assert.Len(t, f.snapshot().Orders, 3)

	// fills applied before the restart stay applied
	f.emit(exchange.Trade{TradeNum: "T9", TransID: 101, Qty: 10, Price: 100})
	assert.Equal(t, 0.0, f.broker.Position("TQBR.SBER").Size)

	// the restored OCO link still cancels the partner
	f.emit(exchange.TransReply{TransID: 101, Status: exchange.ReplyCheckFailed})
	assert.Equal(t, order.Rejected, f.order(101).Status)
	kills := f.kills()
	require.Len(t, kills, 1)
	assert.Equal(t, exchange.ActionKillStopOrder, kills[0].Action)
	assert.Equal(t, "S105", kills[0].StopOrderKey)

	next, err := f.broker.Buy(f.ctx, limit("sber", 10, 100))
	require.NoError(t, err)
	assert.Greater(t, next.SubmissionID, int64(105))
	assert.Equal(t, int64(6), next.Ref)
}

func TestRestoreRebuildsBracketChains(t *testing.T) {
	root := persisted(201, "sber", order.Limit, order.Completed, "R201")
	root.Transmit = false
	stop := persisted(202, "sber", order.Stop, order.Accepted, "S202")
	stop.ParentRef, stop.Side, stop.Transmit = 201, order.Sell, false
	take := persisted(203, "sber", order.Limit, order.Accepted, "P203")
	take.ParentRef, take.Side = 201, order.Sell

	f := newFixture(t, beforeStart(func(f *fixture) {
		seed(t, f, state.Snapshot{
			LastSubmissionID: 203,
			Orders:           map[int64]order.Order{201: root, 202: stop, 203: take},
		})
		f.gw.SetBook(
			[]exchange.LiveOrder{
				{TransID: 201, OrderNum: "R201", State: exchange.StateCompleted},
				{TransID: 203, OrderNum: "P203", State: exchange.StateActive},
			},
			[]exchange.LiveOrder{{TransID: 202, OrderNum: "S202", State: exchange.StateActive}},
		)
	}))
	require.Len(t, f.broker.Orders(), 3)

	f.emit(exchange.Trade{TradeNum: "T1", OrderNum: "P203", TransID: 203, Qty: 10, IsSell: true, Price: 120})
	assert.Equal(t, order.Completed, f.order(203).Status)

	kills := f.kills()
	require.Len(t, kills, 1)
	assert.Equal(t, int64(202), kills[0].TransID)
	assert.Equal(t, "S202", kills[0].StopOrderKey)
}

func TestRestoreDiscardsOtherSchemaVersions(t *testing.T) {
	f := newFixture(t, beforeStart(func(f *fixture) {
		payload := []byte(`{"version":99,"last_submission_id":7,"orders":{"7":{"submission_id":7,"data_id":"sber"}}}`)
		require.NoError(t, f.storage.SaveState(f.ctx, payload))
		f.gw.SetBook([]exchange.LiveOrder{{TransID: 7, State: exchange.StateActive}}, nil)
	}))
	assert.Empty(t, f.broker.Orders())
}

func TestRestoreKeepsOrdersWhenBookUnavailable(t *testing.T) {
	f := newFixture(t, beforeStart(func(f *fixture) {
		seed(t, f, recoverySnapshot())
		f.gw.FailLookups(errors.New("gateway down"))
	}))

	assert.Equal(t, []int64{101, 102, 103, 105}, orderIDs(f.broker.Orders()))
	assert.Equal(t, order.Submitted, f.order(101).Status)
	assert.Equal(t, order.Accepted, f.order(102).Status)
}

func TestColdStartWithoutSnapshot(t *testing.T) {
	f := newFixture(t)
	assert.Empty(t, f.broker.Orders())
	_, err := f.storage.LoadState(f.ctx)
	assert.ErrorIs(t, err, state.ErrNoSnapshot)
}

func TestRestoreTriggeredStops(t *testing.T) {
	tests := []struct {
		name    string
		regular []exchange.LiveOrder
		stop    []exchange.LiveOrder
		kept    bool
		status  order.Status
		linked  string
		alive   bool
	}{
		{
			name:   "triggered and linked order filled",
			stop:   []exchange.LiveOrder{{TransID: 301, OrderNum: "S301", State: exchange.StateCompleted, LinkedOrder: "L9"}},
			kept:   true,
			status: order.Completed,
			linked: "L9",
		},
		{
			name:    "triggered and linked order working",
			regular: []exchange.LiveOrder{{TransID: 301, OrderNum: "L9", State: exchange.StateActive}},
			stop:    []exchange.LiveOrder{{TransID: 301, OrderNum: "S301", State: exchange.StateCompleted, LinkedOrder: "L9"}},
			kept:    true,
			status:  order.Accepted,
			linked:  "L9",
			alive:   true,
		},
		{
			name:    "triggered and linked order partly filled",
			regular: []exchange.LiveOrder{{TransID: 301, OrderNum: "L9", State: exchange.StateActive, Partial: true}},
			stop:    []exchange.LiveOrder{{TransID: 301, OrderNum: "S301", State: exchange.StateCompleted, LinkedOrder: "L9"}},
			kept:    true,
			status:  order.Partial,
			linked:  "L9",
			alive:   true,
		},
		{
			name:   "canceled before trigger",
			stop:   []exchange.LiveOrder{{TransID: 301, OrderNum: "S301", State: exchange.StateCanceled}},
			kept:   true,
			status: order.Canceled,
		},
		{
			name: "gone from both books",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stop := persisted(301, "sber", order.Stop, order.Accepted, "S301")
			stop.Side = order.Sell
			f := newFixture(t, beforeStart(func(f *fixture) {
				seed(t, f, state.Snapshot{
					LastSubmissionID: 301,
					Orders:           map[int64]order.Order{301: stop},
				})
				f.gw.SetBook(tt.regular, tt.stop)
			}))

			if !tt.kept {
				assert.Empty(t, f.broker.Orders())
				return
			}
			o := f.order(301)
			assert.Equal(t, tt.status, o.Status)
			assert.Equal(t, tt.linked, o.LinkedOrder)
			assert.Equal(t, tt.alive, o.Alive())
			assert.Equal(t, "S301", o.ExchangeID)
			if !tt.alive {
				assert.Equal(t, order.StageDone, o.Stage)
			}
		})
	}
}

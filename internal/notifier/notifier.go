// Package notifier
package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amirphl/simple-broker/internal/order"
)

// Notifier interface for sending notifications (e.g., Telegram, email).
type Notifier interface {
	Send(ctx context.Context, msg string) error
}

// Sink receives order notifications.
type Sink interface {
	Notify(ctx context.Context, o order.Order) error
}

// TextSink formats orders as text for a Notifier.
type TextSink struct {
	Notifier Notifier
}

func (s TextSink) Notify(ctx context.Context, o order.Order) error {
	return s.Notifier.Send(ctx, FormatOrder(o))
}

// FormatOrder renders an order as a one-line message.
func FormatOrder(o order.Order) string {
	msg := fmt.Sprintf("Order %d (ref %d) %s %s %g %s @ %g: %s",
		o.SubmissionID, o.Ref, o.Side, o.Instrument, o.Size, o.ExecType, o.Price, o.Status)
	if o.Executed.Size > 0 {
		msg += fmt.Sprintf(", filled %g @ %g", o.Executed.Size, o.Executed.Price)
	}
	if o.Reason != "" {
		msg += " (" + o.Reason + ")"
	}
	return msg
}

// Fanout delivers orders to sinks from its own goroutine so that slow sinks
// never hold up the broker. Publish drops orders once the buffer is full.
type Fanout struct {
	logger  *zap.Logger
	sinks   []Sink
	ch      chan order.Order
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewFanout(logger *zap.Logger, buffer int, sinks ...Sink) *Fanout {
	if buffer <= 0 {
		buffer = 256
	}
	return &Fanout{
		logger:  logger.Named("notifier"),
		sinks:   sinks,
		ch:      make(chan order.Order, buffer),
		timeout: 10 * time.Second,
	}
}

// Publish queues o without blocking.
func (f *Fanout) Publish(o order.Order) {
	select {
	case f.ch <- o:
	default:
		f.logger.Warn("Notifier | buffer full, dropping notification", zap.Int64("submission_id", o.SubmissionID))
	}
}

// Start delivers queued orders until ctx is done.
func (f *Fanout) Start(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case o := <-f.ch:
				f.deliver(ctx, o)
			}
		}
	}()
}

// Wait blocks until the delivery goroutine has exited.
func (f *Fanout) Wait() {
	f.wg.Wait()
}

func (f *Fanout) deliver(ctx context.Context, o order.Order) {
	for _, sink := range f.sinks {
		sctx, cancel := context.WithTimeout(ctx, f.timeout)
		if err := sink.Notify(sctx, o); err != nil {
			f.logger.Warn("Notifier | delivery failed", zap.Int64("submission_id", o.SubmissionID), zap.Error(err))
		}
		cancel()
	}
}

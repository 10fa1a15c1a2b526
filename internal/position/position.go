// Package position
package position

import (
	"sort"
	"sync"
	"time"
)

// Position is the running size and average entry price of one instrument.
type Position struct {
	Instrument string    `json:"instrument"`
	Size       float64   `json:"size"`
	Price      float64   `json:"price"`
	Realized   float64   `json:"realized"`
	Trades     int64     `json:"trades"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Update applies a signed fill and returns the opened and closed parts of it.
// Adds in the same direction re-average the entry price, reductions keep it,
// and a reversal restarts it at the fill price.
func (p *Position) Update(size, price float64) (opened, closed float64) {
	old, oldPrice := p.Size, p.Price
	p.Size += size
	p.Trades++

	switch {
	case p.Size == 0:
		opened, closed = 0, size
		p.Price = 0
	case old == 0:
		opened, closed = size, 0
		p.Price = price
	case (old > 0) == (size > 0):
		opened, closed = size, 0
		p.Price = (oldPrice*old + price*size) / p.Size
	case (old > 0) == (p.Size > 0):
		opened, closed = 0, size
	default:
		opened, closed = p.Size, -old
		p.Price = price
	}

	if closed != 0 {
		p.Realized += -closed * (price - oldPrice)
	}
	return opened, closed
}

// Book holds positions keyed by instrument. It is written by the broker worker
// and read by strategy goroutines.
type Book struct {
	mu        sync.RWMutex
	positions map[string]Position
}

func NewBook() *Book {
	return &Book{positions: make(map[string]Position)}
}

// Get returns the position for instrument, zero if there is none.
func (b *Book) Get(instrument string) Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[instrument]
	if !ok {
		return Position{Instrument: instrument}
	}
	return p
}

// Apply updates the position of instrument with a signed fill.
func (b *Book) Apply(instrument string, size, price float64, at time.Time) (Position, float64, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.positions[instrument]
	p.Instrument = instrument
	opened, closed := p.Update(size, price)
	p.UpdatedAt = at
	b.positions[instrument] = p
	return p, opened, closed
}

// Replace swaps in positions loaded from the account.
func (b *Book) Replace(positions map[string]Position) {
	next := make(map[string]Position, len(positions))
	for k, p := range positions {
		p.Instrument = k
		next[k] = p
	}
	b.mu.Lock()
	b.positions = next
	b.mu.Unlock()
}

// All returns every non-flat position sorted by instrument.
func (b *Book) All() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		if p.Size != 0 {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

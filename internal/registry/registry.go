// Package registry holds the broker's orders keyed by submission id.
//
// Only the broker worker mutates a Registry. Reads from other goroutines go
// through Get and All, which hand out copies under a read lock.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/simple-broker/internal/order"
)

var (
	ErrDuplicateID = errors.New("submission id already registered")
	ErrNotFound    = errors.New("order not found")
)

// Registry is the order map plus the submission-id and client-ref counters.
type Registry struct {
	mu      sync.RWMutex
	orders  map[int64]*order.Order
	byRef   map[int64]int64
	lastID  int64
	lastRef int64

	now      func() time.Time
	onChange func()
}

// New returns an empty registry. onChange, when set, runs after every
// state-changing call and is where the broker hooks its snapshot write.
func New(onChange func()) *Registry {
	return &Registry{
		orders:   make(map[int64]*order.Order),
		byRef:    make(map[int64]int64),
		now:      time.Now,
		onChange: onChange,
	}
}

// NextID allocates a submission id. Ids are derived from the wall clock so
// they rarely repeat across restarts, never go backwards, and never collide
// with a registered order.
func (r *Registry) NextID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.now().UnixMilli() % 100_000_000
	if id <= r.lastID {
		id = r.lastID + 1
	}
	for {
		if _, taken := r.orders[id]; !taken {
			break
		}
		id++
	}
	r.lastID = id
	return id
}

// NextRef allocates a client order reference.
func (r *Registry) NextRef() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastRef++
	return r.lastRef
}

// Register adds o under its submission id.
func (r *Registry) Register(o *order.Order) error {
	r.mu.Lock()
	if _, ok := r.orders[o.SubmissionID]; ok {
		r.mu.Unlock()
		return ErrDuplicateID
	}
	r.orders[o.SubmissionID] = o
	if o.Ref != 0 {
		r.byRef[o.Ref] = o.SubmissionID
	}
	if o.SubmissionID > r.lastID {
		r.lastID = o.SubmissionID
	}
	if o.Ref > r.lastRef {
		r.lastRef = o.Ref
	}
	r.mu.Unlock()
	r.changed()
	return nil
}

// Get returns a copy of the order with submission id id.
func (r *Registry) Get(id int64) (order.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return order.Order{}, ErrNotFound
	}
	return *o, nil
}

// ByRef returns a copy of the order with client reference ref.
func (r *Registry) ByRef(ref int64) (order.Order, error) {
	r.mu.RLock()
	id, ok := r.byRef[ref]
	r.mu.RUnlock()
	if !ok {
		return order.Order{}, ErrNotFound
	}
	return r.Get(id)
}

// Has reports whether id is registered.
func (r *Registry) Has(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.orders[id]
	return ok
}

// Update applies fn to the stored order and returns the result.
func (r *Registry) Update(id int64, fn func(o *order.Order)) (order.Order, error) {
	r.mu.Lock()
	o, ok := r.orders[id]
	if !ok {
		r.mu.Unlock()
		return order.Order{}, ErrNotFound
	}
	fn(o)
	o.UpdatedAt = r.now()
	out := *o
	r.mu.Unlock()
	r.changed()
	return out, nil
}

// Remove drops id from the registry.
func (r *Registry) Remove(id int64) {
	r.mu.Lock()
	o, ok := r.orders[id]
	if ok {
		delete(r.orders, id)
		delete(r.byRef, o.Ref)
	}
	r.mu.Unlock()
	if ok {
		r.changed()
	}
}

// All returns copies of every order sorted by submission id.
func (r *Registry) All() []order.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]order.Order, 0, len(r.orders))
	for _, o := range r.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmissionID < out[j].SubmissionID })
	return out
}

// Counters returns the last allocated submission id and client ref.
func (r *Registry) Counters() (lastID, lastRef int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastID, r.lastRef
}

// Restore replaces the registry content with orders loaded from a snapshot.
// It does not fire the change hook.
func (r *Registry) Restore(orders []order.Order, lastID, lastRef int64) {
	next := make(map[int64]*order.Order, len(orders))
	refs := make(map[int64]int64, len(orders))
	for i := range orders {
		o := orders[i]
		next[o.SubmissionID] = &o
		if o.Ref != 0 {
			refs[o.Ref] = o.SubmissionID
		}
		lastID = max(lastID, o.SubmissionID)
		lastRef = max(lastRef, o.Ref)
	}
	r.mu.Lock()
	r.orders, r.byRef = next, refs
	r.lastID, r.lastRef = lastID, lastRef
	r.mu.Unlock()
}

// Alive reports whether id is registered and still working.
func (r *Registry) Alive(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	return ok && o.Alive()
}

// Unsent reports whether id is registered and was never handed to the gateway.
func (r *Registry) Unsent(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	return ok && !o.Sent()
}

func (r *Registry) changed() {
	if r.onChange != nil {
		r.onChange()
	}
}

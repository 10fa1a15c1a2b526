// Package linkage tracks one-cancels-other pairs and bracket chains between
// orders. It never talks to the gateway: disposition of a terminal order
// yields a Plan that the caller dispatches.
package linkage

import (
	"errors"
	"sort"
)

var (
	ErrOCOExists   = errors.New("oco link already registered")
	ErrChainMember = errors.New("order already belongs to a chain")
	ErrNoChain     = errors.New("chain not found")
)

// Plan lists the orders to cancel and to submit after a disposition.
type Plan struct {
	Cancel []int64
	Submit []int64
}

// Empty reports whether there is nothing to dispatch.
func (p Plan) Empty() bool { return len(p.Cancel) == 0 && len(p.Submit) == 0 }

// State answers liveness questions about orders the graph refers to.
type State interface {
	// Alive reports whether the order is still working.
	Alive(id int64) bool
	// Unsent reports whether the order was never handed to the gateway.
	Unsent(id int64) bool
}

// Graph holds OCO links and parent/child chains keyed by submission id.
type Graph struct {
	oco    map[int64]int64
	chains map[int64][]int64
	member map[int64]int64
}

func New() *Graph {
	return &Graph{
		oco:    make(map[int64]int64),
		chains: make(map[int64][]int64),
		member: make(map[int64]int64),
	}
}

// LinkOCO records that a terminal a cancels b. An existing link for a is never
// overwritten.
func (g *Graph) LinkOCO(a, b int64) error {
	if a == b {
		return ErrOCOExists
	}
	if _, ok := g.oco[a]; ok {
		return ErrOCOExists
	}
	g.oco[a] = b
	return nil
}

// OCOPartners returns every order linked to id in either direction.
func (g *Graph) OCOPartners(id int64) []int64 {
	seen := make(map[int64]struct{})
	var out []int64
	if b, ok := g.oco[id]; ok {
		seen[b] = struct{}{}
		out = append(out, b)
	}
	for a, b := range g.oco {
		if b != id {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EnqueueChain appends id to the chain rooted at root. The root must be
// enqueued first, into its own chain.
func (g *Graph) EnqueueChain(root, id int64) error {
	if _, ok := g.member[id]; ok {
		return ErrChainMember
	}
	if root != id {
		if _, ok := g.chains[root]; !ok {
			return ErrNoChain
		}
	} else if _, ok := g.chains[root]; ok {
		return ErrChainMember
	}
	g.chains[root] = append(g.chains[root], id)
	g.member[id] = root
	return nil
}

// HasChain reports whether root heads a chain.
func (g *Graph) HasChain(root int64) bool {
	_, ok := g.chains[root]
	return ok
}

// ChildrenOf returns the chain rooted at root in enqueue order, root first.
func (g *Graph) ChildrenOf(root int64) []int64 {
	return append([]int64(nil), g.chains[root]...)
}

// RootOf returns the chain root of id.
func (g *Graph) RootOf(id int64) (int64, bool) {
	r, ok := g.member[id]
	return r, ok
}

// Dispose computes what must happen after id reached a terminal status.
func (g *Graph) Dispose(id int64, filled bool, st State) Plan {
	var p Plan
	cancel := make(map[int64]struct{})
	addCancel := func(other int64) {
		if other == id || !st.Alive(other) {
			return
		}
		if _, ok := cancel[other]; ok {
			return
		}
		cancel[other] = struct{}{}
		p.Cancel = append(p.Cancel, other)
	}

	for _, other := range g.OCOPartners(id) {
		addCancel(other)
	}

	root, inChain := g.member[id]
	switch {
	case !inChain:
	case root == id && filled:
		for _, child := range g.chains[root][1:] {
			if st.Alive(child) && st.Unsent(child) {
				p.Submit = append(p.Submit, child)
			}
		}
	case root == id:
		for _, child := range g.chains[root][1:] {
			addCancel(child)
		}
	default:
		for _, sibling := range g.chains[root][1:] {
			addCancel(sibling)
		}
	}
	return p
}

// Remove forgets id: its OCO links and chain membership. A removed root takes
// its chain with it.
func (g *Graph) Remove(id int64) {
	delete(g.oco, id)
	for a, b := range g.oco {
		if b == id {
			delete(g.oco, a)
		}
	}
	root, ok := g.member[id]
	if !ok {
		return
	}
	delete(g.member, id)
	if root == id {
		for _, child := range g.chains[root] {
			delete(g.member, child)
		}
		delete(g.chains, root)
		return
	}
	chain := g.chains[root]
	for i, v := range chain {
		if v == id {
			g.chains[root] = append(chain[:i:i], chain[i+1:]...)
			break
		}
	}
}

// OCOLinks returns a copy of the OCO map for persistence.
func (g *Graph) OCOLinks() map[int64]int64 {
	out := make(map[int64]int64, len(g.oco))
	for k, v := range g.oco {
		out[k] = v
	}
	return out
}

// RestoreOCO replaces the OCO map.
func (g *Graph) RestoreOCO(links map[int64]int64) {
	g.oco = make(map[int64]int64, len(links))
	for k, v := range links {
		g.oco[k] = v
	}
}

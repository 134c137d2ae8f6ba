// Copyright The Hiberlib Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package extent implements run-length encoded sets of index values
// (page frame numbers or storage block numbers) as chains of closed
// intervals. Chains are built by appending in ascending order, with
// contiguous appends coalesced into the tail extent, and are consumed
// by forward iteration with position save and restore.
package extent

import "fmt"

// ErrNoNodes is returned by Add when the chain's node budget is
// exhausted. Entries added before the failure stay committed; there is
// no automatic rollback.
var ErrNoNodes = fmt.Errorf("extent: out of extent nodes")

// Extent is a closed interval [Min, Max] of index values.
type Extent struct {
	Min int
	Max int
}

// Chain is an ordered sequence of extents plus a count of the total
// values covered. Extents are kept in the ascending order they were
// added; enumeration yields values in that logical order.
type Chain struct {
	extents []Extent
	size    int
	limit   int
}

// ChainOption is an option for a Chain.
type ChainOption func(*Chain)

// WithNodeLimit caps the number of extent nodes the chain may hold.
// Additions needing a new node beyond the cap fail with ErrNoNodes.
func WithNodeLimit(n int) ChainOption {
	return func(c *Chain) {
		c.limit = n
	}
}

// NewChain creates an empty chain.
func NewChain(options ...ChainOption) *Chain {
	c := &Chain{}
	for _, o := range options {
		o(c)
	}
	return c
}

// Add appends the closed interval [min, max] to the chain, coalescing
// with the tail extent if the new interval continues it contiguously.
func (c *Chain) Add(min, max int) error {
	if max < min {
		return fmt.Errorf("extent: invalid interval [%d, %d]", min, max)
	}

	if n := len(c.extents); n > 0 && c.extents[n-1].Max+1 == min {
		c.extents[n-1].Max = max
		c.size += max - min + 1
		return nil
	}

	if c.limit > 0 && len(c.extents) >= c.limit {
		return ErrNoNodes
	}

	c.extents = append(c.extents, Extent{Min: min, Max: max})
	c.size += max - min + 1

	return nil
}

// Size returns the total number of values covered by the chain.
func (c *Chain) Size() int {
	return c.size
}

// Extents returns the number of extent nodes in the chain.
func (c *Chain) Extents() int {
	return len(c.extents)
}

// Intervals returns the extents of the chain in logical order. The
// returned slice is owned by the chain and valid until the next Add or
// Clear.
func (c *Chain) Intervals() []Extent {
	return c.extents
}

// Clear empties the chain.
func (c *Chain) Clear() {
	c.extents = c.extents[:0]
	c.size = 0
}

// Foreach calls the given function for every value covered by the chain
// in logical (ascending insertion) order until it returns false.
func (c *Chain) Foreach(fn func(value int) bool) {
	for _, e := range c.extents {
		for v := e.Min; v <= e.Max; v++ {
			if !fn(v) {
				return
			}
		}
	}
}

// State is a saved iteration position: the chain index (for multi-chain
// walkers), the extent index within the chain, and the offset within
// the extent.
type State struct {
	Chain  int
	Extent int
	Offset int
}

// Walker iterates over the values of one or more chains in sequence,
// with position snapshot and restore. Reading and writing the image is
// interleaved across multiple sequential streams, so consumers snapshot
// the walker per stream and resume it when the stream continues.
type Walker struct {
	chains []*Chain
	pos    State
}

// NewWalker creates a walker over the given chains, positioned at the
// start.
func NewWalker(chains ...*Chain) *Walker {
	return &Walker{chains: chains}
}

// Reset repositions the walker at the start.
func (w *Walker) Reset() {
	w.pos = State{}
}

// Save returns the current iteration position.
func (w *Walker) Save() State {
	return w.pos
}

// Restore repositions the walker at the given saved position.
func (w *Walker) Restore(s State) {
	w.pos = s
}

// AtEOF returns true if the walker has no further values.
func (w *Walker) AtEOF() bool {
	pos := w.pos
	for pos.Chain < len(w.chains) {
		c := w.chains[pos.Chain]
		if pos.Extent < len(c.extents) {
			e := c.extents[pos.Extent]
			if e.Min+pos.Offset <= e.Max {
				return false
			}
		}
		pos = State{Chain: pos.Chain + 1}
	}
	return true
}

// Next returns the index of the chain holding the next value and the
// value itself, advancing the walker. The second return is false at
// end of iteration.
func (w *Walker) Next() (int, int, bool) {
	for w.pos.Chain < len(w.chains) {
		c := w.chains[w.pos.Chain]
		if w.pos.Extent < len(c.extents) {
			e := c.extents[w.pos.Extent]
			if v := e.Min + w.pos.Offset; v <= e.Max {
				chain := w.pos.Chain
				w.pos.Offset++
				if e.Min+w.pos.Offset > e.Max {
					w.pos.Extent++
					w.pos.Offset = 0
				}
				return chain, v, true
			}
			w.pos.Extent++
			w.pos.Offset = 0
			continue
		}
		w.pos = State{Chain: w.pos.Chain + 1}
	}
	return 0, 0, false
}

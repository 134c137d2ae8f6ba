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

package prepare

import (
	"math/bits"

	"github.com/containers/hiberlib/pkg/memory"
	"github.com/containers/hiberlib/pkg/pageflags"
)

// The atomic copy of pageset1 lands in pageset2 pages. When pageset1
// is the larger set (normally only just after boot), extra pages are
// allocated to hold the overflow. Each allocation is recorded with its
// order for clean release.
type extraBlock struct {
	pfn   int
	order int
}

// allocateExtraPagedirMemory grows the extra backup-page reservation
// towards the given total. Allocation starts at the largest useful
// order and halves on failure down to single pages; running out is
// reported through the return value, not an error, since the caller
// retries on the next iteration.
func (n *Negotiator) allocateExtraPagedirMemory(totalNeeded int) int {
	numToAlloc := totalNeeded - n.extraAllocated
	if numToAlloc < 1 {
		return n.extraAllocated
	}

	order := bits.Len(uint(numToAlloc))
	if order >= memory.MaxOrder {
		order = memory.MaxOrder - 1
	}

	for numToAlloc > 0 {
		for (1 << order) > numToAlloc {
			order--
		}

		pfn, err := n.sys.AllocPages(order)
		for err != nil && order > 0 {
			order--
			pfn, err = n.sys.AllocPages(order)
		}
		if err != nil {
			return n.extraAllocated
		}

		n.extras = append(n.extras, extraBlock{pfn: pfn, order: order})

		for p := pfn; p < pfn+(1<<order); p++ {
			n.flags.Set(p, pageflags.Nosave)
			n.flags.Set(p, pageflags.Pageset1Copy)
		}

		n.extraAllocated += 1 << order
		numToAlloc -= 1 << order
	}

	return n.extraAllocated
}

// FreeExtraPagedirMemory releases the extra backup-page reservation.
// PrepareImage calls it on its failure exits; a caller unwinding an
// aborted or finished attempt calls it to return the reservation to
// the memory manager.
func (n *Negotiator) FreeExtraPagedirMemory() {
	for _, blk := range n.extras {
		for p := blk.pfn; p < blk.pfn+(1<<blk.order); p++ {
			n.flags.Clear(p, pageflags.Nosave)
			n.flags.Clear(p, pageflags.Pageset1Copy)
		}
		n.sys.FreePageBlock(blk.pfn, blk.order)
	}
	n.extras = n.extras[:0]
	n.extraAllocated = 0
}

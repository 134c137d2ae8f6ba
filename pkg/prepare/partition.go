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
	"github.com/containers/hiberlib/pkg/memory"
	"github.com/containers/hiberlib/pkg/pageflags"
)

// markTaskAsPageset classifies the saveable pages mapped by a task.
// Special mappings (device memory and the like) are never touched.
func (n *Negotiator) markTaskAsPageset(t *memory.Task, pageset2 bool) {
	for _, vma := range t.VMAs {
		if vma.Special {
			log.Debug("skipping special mapping [%d, %d) of %s (pid %d)",
				vma.Start, vma.Start+vma.Count, t.Name, t.PID)
			continue
		}
		for pfn := vma.Start; pfn < vma.Start+vma.Count; pfn++ {
			if !n.sys.Saveable(pfn) {
				continue
			}
			if pageset2 {
				n.flags.Set(pfn, pageflags.Pageset2)
			} else {
				n.flags.Clear(pfn, pageflags.Pageset2)
				n.flags.Set(pfn, pageflags.Pageset1)
			}
		}
	}
}

// markLRUAsPageset2 classifies every page on the LRU lists as
// pageset2, the aggressive alternative to walking task mappings.
func (n *Negotiator) markLRUAsPageset2() {
	n.sys.ForeachLRUPage(func(pfn int) bool {
		if n.sys.Saveable(pfn) {
			n.flags.Set(pfn, pageflags.Pageset2)
		}
		return true
	})
}

// markPagesForPageset2 computes pageset2 eligibility: pages owned by
// tasks not needed during the freeze window. Tasks that must keep
// running (unfreezable helpers and the hibernating task itself) are
// collected on an attention list while the task table lock is held and
// reclassified into pageset1 afterwards, so the lock is never held
// across the more expensive per-task walk.
func (n *Negotiator) markPagesForPageset2() {
	if n.sess.Config().NoPageset2 {
		return
	}

	n.flags.Map(pageflags.Pageset2).ClearAll()

	if n.sess.Config().Pageset2Full {
		n.markLRUAsPageset2()
	} else {
		n.sys.ForeachTask(func(t *memory.Task) bool {
			if t.Kernel || len(t.VMAs) == 0 {
				return true
			}
			n.markTaskAsPageset(t, true)
			return true
		})
	}

	attention := []*memory.Task{}
	n.sys.ForeachTask(func(t *memory.Task) bool {
		if t.NoFreeze {
			attention = append(attention, t)
		}
		return true
	})

	// The attention tasks are the ones running the hibernation, so
	// they cannot go away under us.
	for _, t := range attention {
		if n.sess.Aborted() {
			break
		}
		n.markTaskAsPageset(t, false)
	}
}

// generateFreePageMap rebuilds the free-page bitmap from the
// allocator's free lists so classification can skip free runs in bulk.
func (n *Negotiator) generateFreePageMap() {
	free := n.flags.Map(pageflags.NosaveFree)
	free.ClearAll()

	for _, zone := range n.sys.Zones() {
		n.sys.ForeachFreePage(zone, func(pfn int) bool {
			free.Set(pfn)
			return true
		})
	}
}

// sizeOfFreeRegion returns the number of free pages starting at and
// including the given one, bounded by its zone.
func (n *Negotiator) sizeOfFreeRegion(pfn int, zone *memory.Zone) int {
	free := n.flags.Map(pageflags.NosaveFree)
	last := zone.StartPFN + zone.Spanned - 1

	posn := pfn
	for posn <= last && free.Test(posn) {
		posn++
	}
	return posn - pfn
}

// flagImagePages walks every physical page and classifies it into
// pageset1, pageset2 or nosave, rebuilding the pageset1 bitmap and the
// pagedir counters. A page already classified pageset2 but flagged for
// resaving goes into pageset1 as well; the double count is deliberate,
// preferring a page saved twice over one lost to stale classification.
func (n *Negotiator) flagImagePages(atomicCopy bool) {
	numFree := 0

	n.pagedir1 = PageDir{}
	n.pagedir2 = PageDir{}
	n.numNosave = 0

	n.flags.Map(pageflags.Pageset1).ClearAll()

	n.generateFreePageMap()

	for _, zone := range n.sys.Zones() {
		high := zone.Class == memory.ClassHigh

		for pfn := zone.StartPFN; pfn < zone.StartPFN+zone.Spanned; pfn++ {
			if !n.sys.PageValid(pfn) {
				continue
			}

			if run := n.sizeOfFreeRegion(pfn, zone); run > 0 {
				numFree += run
				pfn += run - 1
				continue
			}

			if !n.sys.Saveable(pfn) || n.flags.Test(pfn, pageflags.Nosave) {
				n.numNosave++
				continue
			}

			if n.flags.Test(pfn, pageflags.Pageset2) {
				n.pagedir2.Size++
				if high {
					n.pagedir2.High++
				} else {
					n.flags.Set(pfn, pageflags.Pageset1Copy)
				}
				if n.flags.Test(pfn, pageflags.Resave) {
					n.flags.Set(pfn, pageflags.Pageset1)
					n.flags.Clear(pfn, pageflags.Pageset1Copy)
					n.pagedir1.Size++
					if high {
						n.pagedir1.High++
					}
				}
			} else {
				n.pagedir1.Size++
				n.flags.Set(pfn, pageflags.Pageset1)
				if high {
					n.pagedir1.High++
				}
			}
		}
	}

	n.numFree = numFree

	if atomicCopy {
		return
	}

	log.Debug("count data pages: set1 (%d) + set2 (%d) + nosave (%d) + free (%d) = %d",
		n.pagedir1.Size, n.pagedir2.Size, n.numNosave, numFree,
		n.pagedir1.Size+n.pagedir2.Size+n.numNosave+numFree)
}

// RecalculateImageContents reclassifies every page and re-measures the
// pagesets. With atomicCopy set it runs in the freeze window: no
// eligibility recomputation, no storage re-measurement, no logging.
func (n *Negotiator) RecalculateImageContents(atomicCopy bool) {
	n.flags.Map(pageflags.Pageset1).ClearAll()

	if !atomicCopy {
		n.setState(Classifying)
		// Drop copy-destination marks on pageset2 pages only; marks on
		// the extra backup pages must survive reclassification.
		copyMap := n.flags.Map(pageflags.Pageset1Copy)
		n.flags.Map(pageflags.Pageset2).Foreach(func(pfn int) bool {
			copyMap.Clear(pfn)
			return true
		})
		n.markPagesForPageset2()
	}

	n.flagImagePages(atomicCopy)

	if !atomicCopy {
		n.storageAvailable = n.backend.StorageAvailable()
		n.displayStats(false)
	}
}

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

// Package memory defines the physical-memory collaborator contracts the
// hibernation engine runs against, and provides a simulated machine
// implementing them for tests and the demo daemon.
package memory

import (
	"fmt"

	"github.com/containers/hiberlib/pkg/pageflags"
)

const (
	// PageShift is the base-2 logarithm of the page size.
	PageShift = 12
	// PageSize is the size of one physical page in bytes.
	PageSize = 1 << PageShift
	// WordsPerPage is the number of 64-bit words in one page.
	WordsPerPage = PageSize / 8
	// MaxOrder bounds the largest contiguous allocation to 2^(MaxOrder-1)
	// pages.
	MaxOrder = 11
)

// Class represents the known classes of physical memory.
type Class int

const (
	// ClassLow is directly addressable memory.
	ClassLow Class = iota
	// ClassHigh is memory needing a transient mapping before access.
	ClassHigh
)

var classNames = map[Class]string{
	ClassLow:  "low",
	ClassHigh: "high",
}

// String returns the name of the memory class.
func (c Class) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("%%!(memory:Bad-Class %d)", int(c))
}

// Mask returns the ClassMask for the memory class.
func (c Class) Mask() ClassMask {
	return ClassMask(1 << c)
}

// ClassMask represents a set of memory classes as a bit mask.
type ClassMask int

const (
	// ClassMaskLow contains the low memory class.
	ClassMaskLow ClassMask = 1 << ClassLow
	// ClassMaskHigh contains the high memory class.
	ClassMaskHigh ClassMask = 1 << ClassHigh
	// ClassMaskAll contains all memory classes.
	ClassMaskAll = ClassMaskLow | ClassMaskHigh
)

// Contains returns true if all the given classes are present in the mask.
func (m ClassMask) Contains(classes ...Class) bool {
	for _, c := range classes {
		if m&(1<<c) == 0 {
			return false
		}
	}
	return true
}

// String returns a string representation of the class mask.
func (m ClassMask) String() string {
	str, sep := "", ""
	for _, c := range []Class{ClassLow, ClassHigh} {
		if m&(1<<c) != 0 {
			str += sep + c.String()
			sep = ","
		}
	}
	return str
}

// Zone is one contiguous populated region of physical memory of a single
// class.
type Zone struct {
	Name     string
	Class    Class
	StartPFN int
	Spanned  int
}

// Span returns the populated PFN span of the zone.
func (z *Zone) Span() pageflags.Span {
	return pageflags.Span{Start: z.StartPFN, Count: z.Spanned}
}

// VMA is one virtual memory area of a task, identity-mapped onto a PFN
// range in this model.
type VMA struct {
	Start   int  // first PFN
	Count   int  // pages mapped
	Special bool // IO or PFN-mapped area, never saved via pageset2
}

// Task is one schedulable context owning memory.
type Task struct {
	PID      int
	Name     string
	NoFreeze bool // must keep running through the freeze window
	Kernel   bool // kernel thread, owns no address space
	VMAs     []VMA
}

// System is the physical-memory enumeration and allocation contract the
// engine consumes.
type System interface {
	// MaxPFN returns the highest valid physical frame number.
	MaxPFN() int
	// Zones returns the populated memory zones.
	Zones() []*Zone
	// Spans returns the populated PFN spans, for sizing classification
	// bitmaps.
	Spans() []pageflags.Span
	// PageValid returns true if the PFN maps to a populated page.
	PageValid(pfn int) bool
	// IsHighmem returns true if the page needs a transient mapping.
	IsHighmem(pfn int) bool
	// Saveable returns true if the page may be included in the image
	// (valid and not reserved or driver-owned).
	Saveable(pfn int) bool

	// FreePages counts free pages in the given classes, including any
	// allocator-private per-CPU pools.
	FreePages(classes ClassMask) int
	// ForeachFreePage walks the allocator free lists of the given zone
	// until the function returns false.
	ForeachFreePage(zone *Zone, fn func(pfn int) bool)

	// AllocPage allocates one page, optionally from high memory.
	AllocPage(allowHigh bool) (int, error)
	// AllocPages allocates 2^order contiguous low pages, returning the
	// first PFN.
	AllocPages(order int) (int, error)
	// FreePage releases one page.
	FreePage(pfn int)
	// FreePageBlock releases 2^order contiguous pages.
	FreePageBlock(pfn, order int)

	// Page returns the direct mapping of a low page's contents.
	Page(pfn int) []uint64
	// MapPage returns a transient mapping of any page's contents.
	// The mapping is chosen to have no side effect on CPU state.
	MapPage(pfn int) []uint64
	// UnmapPage tears down a transient mapping.
	UnmapPage(pfn int)

	// ForeachTask walks the task table under its read lock.
	ForeachTask(fn func(t *Task) bool)
	// ForeachLRUPage walks the active and inactive page lists.
	ForeachLRUPage(fn func(pfn int) bool)
	// UnlinkLRULists detaches pages from the lists the atomic copy must
	// not observe mutating. Called only after image preparation succeeds.
	UnlinkLRULists()
}

// Freezer is the freeze/thaw collaborator.
type Freezer interface {
	// FreezeAllTasks freezes every freezable context. Failure always
	// aborts the attempt, never retried silently.
	FreezeAllTasks() error
	// ThawAllTasks thaws everything frozen.
	ThawAllTasks()
	// ThawKernelThreads thaws kernel threads only.
	ThawKernelThreads()
}

// Reclaimer is the best-effort memory reclamation collaborator. No call
// guarantees the exact target is met; callers re-measure and iterate.
type Reclaimer interface {
	// ShrinkZone tries to free up to target pages from the given zone,
	// returning the number actually freed.
	ShrinkZone(zone *Zone, target int) int
	// DropPageCache performs a single cache-drop pass, returning the
	// number of pages freed.
	DropPageCache() int
}

// DevicePower is the device power-management collaborator. Every call
// may fail; each failure maps to a distinct abort reason.
type DevicePower interface {
	SuspendDevices() error
	ResumeDevices() error
	PowerDownDevices() error
	PowerUpDevices() error
	DisableIRQs()
	EnableIRQs()
	DisableNonbootCPUs() error
	EnableNonbootCPUs() error
	PrepareArch() error
	SaveProcessorState()
	RestoreProcessorState()
}

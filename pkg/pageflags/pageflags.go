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

// Package pageflags implements dynamically sized bitmaps over the physical
// page space, used to record per-page classification roles during a
// hibernation attempt. The backing storage is keyed by the populated spans
// of the page space, so sparse physical layouts with large holes do not
// waste memory.
package pageflags

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sort"
)

// Role identifies one per-page classification role.
type Role int

const (
	// Nosave marks pages excluded from the image.
	Nosave Role = iota
	// NosaveFree marks pages currently on the memory manager's free lists.
	NosaveFree
	// Pageset1 marks pages copied atomically during the freeze window.
	Pageset1
	// Pageset1Copy marks pages allocated as atomic copy destinations.
	Pageset1Copy
	// Pageset2 marks pages written out before the freeze window.
	Pageset2
	// Resave marks pages whose previous classification has gone stale.
	Resave

	// NumRoles is the number of classification roles.
	NumRoles
)

var roleNames = map[Role]string{
	Nosave:       "nosave",
	NosaveFree:   "nosave-free",
	Pageset1:     "pageset1",
	Pageset1Copy: "pageset1-copy",
	Pageset2:     "pageset2",
	Resave:       "resave",
}

// String returns the name of the role.
func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("%%!(pageflags:Bad-Role %d)", int(r))
}

// Span describes one contiguous populated range of page frame numbers.
type Span struct {
	Start int // first PFN of the span
	Count int // number of pages spanned
}

// Bitmap is a set of page frame numbers with span-keyed backing storage.
type Bitmap struct {
	spans []*bitmapSpan
}

type bitmapSpan struct {
	start int
	count int
	words []uint64
}

// NewBitmap creates a bitmap covering the given populated spans.
func NewBitmap(spans ...Span) *Bitmap {
	b := &Bitmap{}
	for _, s := range spans {
		if s.Count <= 0 {
			continue
		}
		b.spans = append(b.spans, &bitmapSpan{
			start: s.Start,
			count: s.Count,
			words: make([]uint64, (s.Count+63)/64),
		})
	}
	b.sortSpans()
	return b
}

// NextSet walks spans in slice order, so ascending iteration needs
// them sorted by start PFN no matter how the caller listed them.
func (b *Bitmap) sortSpans() {
	sort.Slice(b.spans, func(i, j int) bool {
		return b.spans[i].start < b.spans[j].start
	})
}

func (b *Bitmap) span(pfn int) *bitmapSpan {
	for _, s := range b.spans {
		if pfn >= s.start && pfn < s.start+s.count {
			return s
		}
	}
	return nil
}

// Set adds the given PFN to the bitmap. Setting a PFN outside every
// populated span is a caller bug.
func (b *Bitmap) Set(pfn int) {
	s := b.span(pfn)
	if s == nil {
		panic(fmt.Sprintf("pageflags: PFN %d outside populated spans", pfn))
	}
	idx := pfn - s.start
	s.words[idx/64] |= 1 << (idx % 64)
}

// Clear removes the given PFN from the bitmap. Clearing an unpopulated
// PFN is a no-op.
func (b *Bitmap) Clear(pfn int) {
	s := b.span(pfn)
	if s == nil {
		return
	}
	idx := pfn - s.start
	s.words[idx/64] &^= 1 << (idx % 64)
}

// Test returns true if the given PFN is in the bitmap.
func (b *Bitmap) Test(pfn int) bool {
	s := b.span(pfn)
	if s == nil {
		return false
	}
	idx := pfn - s.start
	return s.words[idx/64]&(1<<(idx%64)) != 0
}

// ClearAll removes all PFNs from the bitmap.
func (b *Bitmap) ClearAll() {
	for _, s := range b.spans {
		for i := range s.words {
			s.words[i] = 0
		}
	}
}

// Count returns the number of PFNs in the bitmap.
func (b *Bitmap) Count() int {
	total := 0
	for _, s := range b.spans {
		for _, w := range s.words {
			total += bits.OnesCount64(w)
		}
	}
	return total
}

// NextSet returns the first PFN greater than after which is in the bitmap,
// or -1 if there is none. Iteration from the start uses NextSet(-1).
func (b *Bitmap) NextSet(after int) int {
	for _, s := range b.spans {
		from := s.start
		if after+1 > from {
			from = after + 1
		}
		last := s.start + s.count
		for pfn := from; pfn < last; {
			idx := pfn - s.start
			w := s.words[idx/64] >> (idx % 64)
			if w == 0 {
				pfn += 64 - idx%64
				continue
			}
			return pfn + bits.TrailingZeros64(w)
		}
	}
	return -1
}

// Foreach calls the given function for each PFN in the bitmap in ascending
// order until the function returns false. Mutating the bitmap during
// iteration is visible to the remainder of the walk.
func (b *Bitmap) Foreach(fn func(pfn int) bool) {
	for pfn := b.NextSet(-1); pfn >= 0; pfn = b.NextSet(pfn) {
		if !fn(pfn) {
			return
		}
	}
}

// StorageBytes returns the number of bytes needed to serialize the bitmap
// into the image header: a span count, then a span descriptor plus the
// raw words per span.
func (b *Bitmap) StorageBytes() int {
	total := 8
	for _, s := range b.spans {
		total += 16 + 8*len(s.words)
	}
	return total
}

// MarshalBinary serializes the bitmap for the image header.
func (b *Bitmap) MarshalBinary() ([]byte, error) {
	data := make([]byte, 0, b.StorageBytes())
	data = binary.LittleEndian.AppendUint64(data, uint64(len(b.spans)))
	for _, s := range b.spans {
		data = binary.LittleEndian.AppendUint64(data, uint64(s.start))
		data = binary.LittleEndian.AppendUint64(data, uint64(s.count))
		for _, w := range s.words {
			data = binary.LittleEndian.AppendUint64(data, w)
		}
	}
	return data, nil
}

// UnmarshalBinary rebuilds the bitmap, spans included, from its header
// serialization. It returns the number of bytes consumed.
func (b *Bitmap) UnmarshalBinary(data []byte) (int, error) {
	if len(data) < 8 {
		return 0, fmt.Errorf("pageflags: truncated bitmap record")
	}
	nspans := int(binary.LittleEndian.Uint64(data))
	posn := 8

	b.spans = nil
	for i := 0; i < nspans; i++ {
		if len(data) < posn+16 {
			return 0, fmt.Errorf("pageflags: truncated span descriptor %d", i)
		}
		start := int(binary.LittleEndian.Uint64(data[posn:]))
		count := int(binary.LittleEndian.Uint64(data[posn+8:]))
		posn += 16

		words := make([]uint64, (count+63)/64)
		if len(data) < posn+8*len(words) {
			return 0, fmt.Errorf("pageflags: truncated span %d words", i)
		}
		for w := range words {
			words[w] = binary.LittleEndian.Uint64(data[posn:])
			posn += 8
		}
		b.spans = append(b.spans, &bitmapSpan{start: start, count: count, words: words})
	}
	b.sortSpans()
	return posn, nil
}

// Flags bundles one bitmap per classification role for a single
// hibernation attempt. No internal locking is provided; the attempt's
// control flow is the single writer.
type Flags struct {
	maps [NumRoles]*Bitmap
}

// NewFlags creates classification bitmaps covering the given spans.
func NewFlags(spans ...Span) *Flags {
	f := &Flags{}
	for r := Role(0); r < NumRoles; r++ {
		f.maps[r] = NewBitmap(spans...)
	}
	return f
}

// Map returns the bitmap for the given role.
func (f *Flags) Map(role Role) *Bitmap {
	return f.maps[role]
}

// Set adds the PFN to the bitmap of the given role.
func (f *Flags) Set(pfn int, role Role) { f.maps[role].Set(pfn) }

// Clear removes the PFN from the bitmap of the given role.
func (f *Flags) Clear(pfn int, role Role) { f.maps[role].Clear(pfn) }

// Test returns true if the PFN is in the bitmap of the given role.
func (f *Flags) Test(pfn int, role Role) bool { return f.maps[role].Test(pfn) }

// ClearAll clears the bitmap of the given role.
func (f *Flags) ClearAll(role Role) { f.maps[role].ClearAll() }

// HeaderBytes returns the bytes needed to store the classification maps
// which are written into the image header (the pageset maps; the free and
// copy maps are rebuilt at resume time).
func (f *Flags) HeaderBytes() int {
	return f.maps[Pageset1].StorageBytes() + f.maps[Pageset2].StorageBytes()
}

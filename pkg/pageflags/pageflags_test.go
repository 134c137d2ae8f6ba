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

package pageflags_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/containers/hiberlib/pkg/pageflags"
)

func TestBitmapSetTestClear(t *testing.T) {
	b := NewBitmap(Span{Start: 0, Count: 128}, Span{Start: 1024, Count: 64})

	for _, pfn := range []int{0, 1, 63, 64, 127, 1024, 1087} {
		require.False(t, b.Test(pfn), "PFN %d set in fresh bitmap", pfn)
		b.Set(pfn)
		require.True(t, b.Test(pfn), "PFN %d not set after Set()", pfn)
	}

	require.Equal(t, 7, b.Count())

	b.Clear(64)
	require.False(t, b.Test(64))
	require.Equal(t, 6, b.Count())

	b.ClearAll()
	require.Equal(t, 0, b.Count())
}

func TestBitmapUnpopulated(t *testing.T) {
	b := NewBitmap(Span{Start: 16, Count: 16})

	require.False(t, b.Test(0), "unpopulated PFN reported set")
	require.False(t, b.Test(32), "unpopulated PFN reported set")
	require.NotPanics(t, func() { b.Clear(0) })
	require.Panics(t, func() { b.Set(0) })
}

func TestBitmapNextSet(t *testing.T) {
	type testCase struct {
		name  string
		spans []Span
		set   []int
		want  []int
	}

	for _, tc := range []*testCase{
		{
			name:  "empty bitmap",
			spans: []Span{{Start: 0, Count: 256}},
			set:   nil,
			want:  nil,
		},
		{
			name:  "single span",
			spans: []Span{{Start: 0, Count: 256}},
			set:   []int{0, 7, 63, 64, 65, 200, 255},
			want:  []int{0, 7, 63, 64, 65, 200, 255},
		},
		{
			name:  "hole between spans",
			spans: []Span{{Start: 0, Count: 64}, {Start: 4096, Count: 64}},
			set:   []int{63, 4096, 4159},
			want:  []int{63, 4096, 4159},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := NewBitmap(tc.spans...)
			for _, pfn := range tc.set {
				b.Set(pfn)
			}

			var got []int
			for pfn := b.NextSet(-1); pfn >= 0; pfn = b.NextSet(pfn) {
				got = append(got, pfn)
			}
			require.Equal(t, tc.want, got)
		})
	}
}

func TestBitmapForeachEarlyStop(t *testing.T) {
	b := NewBitmap(Span{Start: 0, Count: 128})
	for pfn := 0; pfn < 128; pfn += 2 {
		b.Set(pfn)
	}

	seen := 0
	b.Foreach(func(pfn int) bool {
		seen++
		return seen < 10
	})
	require.Equal(t, 10, seen)
}

func TestFlagsRolesAreDisjointMaps(t *testing.T) {
	f := NewFlags(Span{Start: 0, Count: 64})

	f.Set(5, Pageset1)
	require.True(t, f.Test(5, Pageset1))
	require.False(t, f.Test(5, Pageset2))
	require.False(t, f.Test(5, Pageset1Copy))

	f.Set(5, Pageset2)
	f.Clear(5, Pageset1)
	require.False(t, f.Test(5, Pageset1))
	require.True(t, f.Test(5, Pageset2))

	f.ClearAll(Pageset2)
	require.Equal(t, 0, f.Map(Pageset2).Count())
}

func TestHeaderBytes(t *testing.T) {
	f := NewFlags(Span{Start: 0, Count: 640})

	// 640 pages need 10 words per map, 2 maps stored in the header,
	// each prefixed with its span count.
	require.Equal(t, 2*(8+16+10*8), f.HeaderBytes())
}

func TestBitmapSerialization(t *testing.T) {
	b := NewBitmap(Span{Start: 0, Count: 100}, Span{Start: 256, Count: 64})
	for _, pfn := range []int{0, 63, 64, 99, 256, 319} {
		b.Set(pfn)
	}

	data, err := b.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, b.StorageBytes())

	// Trailing bytes belong to the next header record and must be
	// left unconsumed.
	got := &Bitmap{}
	used, err := got.UnmarshalBinary(append(data, 0xde, 0xad))
	require.NoError(t, err)
	require.Equal(t, len(data), used)

	require.Equal(t, b.Count(), got.Count())
	for pfn := b.NextSet(-1); pfn >= 0; pfn = b.NextSet(pfn) {
		require.True(t, got.Test(pfn), "pfn %d lost", pfn)
	}

	_, err = got.UnmarshalBinary(data[:len(data)-4])
	require.Error(t, err)
}

func TestBitmapSpanOrderIndependence(t *testing.T) {
	// Spans listed highest first must still iterate in ascending PFN
	// order, or every lockstep walk over two bitmaps falls apart.
	b := NewBitmap(Span{Start: 256, Count: 64}, Span{Start: 0, Count: 100})
	for _, pfn := range []int{300, 4, 99, 256} {
		b.Set(pfn)
	}

	got := []int{}
	b.Foreach(func(pfn int) bool {
		got = append(got, pfn)
		return true
	})
	require.Equal(t, []int{4, 99, 256, 300}, got)
}

func TestUnmarshalOutOfOrderSpans(t *testing.T) {
	// A hand-built record with its spans reversed: one word covering
	// PFNs [512,576) with 515 set, then one covering [0,64) with 7 set.
	data := binary.LittleEndian.AppendUint64(nil, 2)
	data = binary.LittleEndian.AppendUint64(data, 512)
	data = binary.LittleEndian.AppendUint64(data, 64)
	data = binary.LittleEndian.AppendUint64(data, 1<<3)
	data = binary.LittleEndian.AppendUint64(data, 0)
	data = binary.LittleEndian.AppendUint64(data, 64)
	data = binary.LittleEndian.AppendUint64(data, 1<<7)

	b := &Bitmap{}
	used, err := b.UnmarshalBinary(data)
	require.NoError(t, err)
	require.Equal(t, len(data), used)

	require.Equal(t, 7, b.NextSet(-1))
	require.Equal(t, 515, b.NextSet(7))
	require.Equal(t, -1, b.NextSet(515))
}

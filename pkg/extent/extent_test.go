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

package extent_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	. "github.com/containers/hiberlib/pkg/extent"
)

func collect(c *Chain) []int {
	var values []int
	c.Foreach(func(v int) bool {
		values = append(values, v)
		return true
	})
	return values
}

func TestChainRoundTrip(t *testing.T) {
	type testCase struct {
		name    string
		add     [][2]int
		want    []int
		extents int
	}

	for _, tc := range []*testCase{
		{
			name:    "single interval",
			add:     [][2]int{{3, 6}},
			want:    []int{3, 4, 5, 6},
			extents: 1,
		},
		{
			name:    "contiguous appends coalesce",
			add:     [][2]int{{0, 1}, {2, 2}, {3, 5}},
			want:    []int{0, 1, 2, 3, 4, 5},
			extents: 1,
		},
		{
			name:    "gap starts a new extent",
			add:     [][2]int{{0, 1}, {4, 5}, {6, 6}},
			want:    []int{0, 1, 4, 5, 6},
			extents: 2,
		},
		{
			name:    "single values",
			add:     [][2]int{{10, 10}, {12, 12}, {13, 13}},
			want:    []int{10, 12, 13},
			extents: 2,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := NewChain()
			for _, iv := range tc.add {
				require.NoError(t, c.Add(iv[0], iv[1]))
			}

			require.Equal(t, len(tc.want), c.Size())
			require.Equal(t, tc.extents, c.Extents())

			if diff := cmp.Diff(tc.want, collect(c)); diff != "" {
				t.Errorf("unexpected values (-want +got):\n%s", diff)
			}
		})
	}
}

func TestChainNodeExhaustion(t *testing.T) {
	c := NewChain(WithNodeLimit(2))

	require.NoError(t, c.Add(0, 3))
	require.NoError(t, c.Add(10, 13))
	// Coalescing appends need no new node even at the limit.
	require.NoError(t, c.Add(14, 20))

	err := c.Add(30, 31)
	require.ErrorIs(t, err, ErrNoNodes)

	// Already-added entries stay committed after the failure.
	require.Equal(t, 15, c.Size())
	require.Equal(t, []int{0, 1, 2, 3, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}, collect(c))
}

func TestChainInvalidInterval(t *testing.T) {
	c := NewChain()
	require.Error(t, c.Add(5, 4))
	require.Equal(t, 0, c.Size())
}

func TestWalkerSequence(t *testing.T) {
	c1 := NewChain()
	require.NoError(t, c1.Add(0, 2))
	require.NoError(t, c1.Add(7, 8))
	c2 := NewChain()
	require.NoError(t, c2.Add(100, 101))

	w := NewWalker(c1, c2)

	type step struct {
		chain int
		value int
	}
	want := []step{{0, 0}, {0, 1}, {0, 2}, {0, 7}, {0, 8}, {1, 100}, {1, 101}}

	for i, s := range want {
		require.False(t, w.AtEOF(), "premature EOF at step %d", i)
		chain, v, ok := w.Next()
		require.True(t, ok, "premature end at step %d", i)
		require.Equal(t, s.chain, chain, "chain at step %d", i)
		require.Equal(t, s.value, v, "value at step %d", i)
	}

	require.True(t, w.AtEOF())
	_, _, ok := w.Next()
	require.False(t, ok)
}

func TestWalkerSaveRestore(t *testing.T) {
	c := NewChain()
	require.NoError(t, c.Add(0, 9))
	require.NoError(t, c.Add(20, 24))

	w := NewWalker(c)

	// Advance into the chain, snapshot, advance further, then restore:
	// the subsequent values must replay exactly.
	for i := 0; i < 4; i++ {
		w.Next()
	}
	saved := w.Save()

	var advanced []int
	for i := 0; i < 6; i++ {
		_, v, ok := w.Next()
		require.True(t, ok)
		advanced = append(advanced, v)
	}

	w.Restore(saved)

	var replayed []int
	for i := 0; i < 6; i++ {
		_, v, ok := w.Next()
		require.True(t, ok)
		replayed = append(replayed, v)
	}

	require.Equal(t, advanced, replayed)
}

func TestWalkerEmptyChains(t *testing.T) {
	w := NewWalker(NewChain(), NewChain())
	require.True(t, w.AtEOF())
	_, _, ok := w.Next()
	require.False(t, ok)
}

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

package prepare_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/hiberlib/pkg/blockio"
	"github.com/containers/hiberlib/pkg/memory"
	"github.com/containers/hiberlib/pkg/pageflags"
	. "github.com/containers/hiberlib/pkg/prepare"
	"github.com/containers/hiberlib/pkg/session"
	"github.com/containers/hiberlib/pkg/storage"
)

type harness struct {
	m    *memory.Machine
	b    *storage.FileBackend
	sess *session.Session
	n    *Negotiator
}

func newHarness(t *testing.T, mcfg memory.Config, scfg *session.Config, capacity int) *harness {
	t.Helper()

	m, err := memory.NewMachine(mcfg)
	require.NoError(t, err)

	b, err := storage.NewFileBackend(filepath.Join(t.TempDir(), "image"),
		storage.WithCapacity(capacity))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	if scfg == nil {
		scfg = session.DefaultConfig()
		scfg.ExtraPagesAllowance = 50
	}
	sess := session.New(session.WithConfig(scfg), session.WithReporter(session.NullReporter()))

	n, err := New(sess, m, b)
	require.NoError(t, err)

	return &harness{m: m, b: b, sess: sess, n: n}
}

func taskPFNs(m *memory.Machine, name string) []int {
	pfns := []int{}
	m.ForeachTask(func(t *memory.Task) bool {
		if t.Name != name {
			return true
		}
		for _, vma := range t.VMAs {
			for pfn := vma.Start; pfn < vma.Start+vma.Count; pfn++ {
				pfns = append(pfns, pfn)
			}
		}
		return true
	})
	return pfns
}

// The worked scenario: 1000 pages, 50 excluded, 300 pageset2-eligible
// of which 10 need resaving, remainder pinned. Resaved pages count in
// both sets, so pagedir1 is 650+10 and pagedir2 stays 300.
func TestClassificationScenario(t *testing.T) {
	h := newHarness(t, memory.Config{
		LowPages:    1000,
		KernelPages: 650,
		Reserved:    []pageflags.Span{{Start: 0, Count: 50}},
		Tasks:       []memory.TaskConfig{{Name: "app", Pages: 300}},
	}, nil, 4096)

	app := taskPFNs(h.m, "app")
	require.Len(t, app, 300)
	for _, pfn := range app[:10] {
		h.n.Flags().Set(pfn, pageflags.Resave)
	}

	h.n.RecalculateImageContents(false)

	require.Equal(t, 660, h.n.PageDir1().Size)
	require.Equal(t, 300, h.n.PageDir2().Size)
	require.Equal(t, 50, h.n.NumNosave())
	require.Equal(t, 0, h.n.NumFree())

	// The ten resaved pages are in both sets and are never copy
	// destinations.
	for _, pfn := range app[:10] {
		require.True(t, h.n.Flags().Test(pfn, pageflags.Pageset1))
		require.True(t, h.n.Flags().Test(pfn, pageflags.Pageset2))
		require.False(t, h.n.Flags().Test(pfn, pageflags.Pageset1Copy))
	}
}

// Without resaves, classification partitions the page space exactly.
func TestClassificationPartitionInvariant(t *testing.T) {
	h := newHarness(t, memory.Config{
		LowPages:    1200,
		HighPages:   300,
		KernelPages: 250,
		CachePages:  100,
		Reserved:    []pageflags.Span{{Start: 16, Count: 24}},
		Tasks: []memory.TaskConfig{
			{Name: "init", Pages: 40},
			{Name: "app", Pages: 80, HighPages: 60},
		},
	}, nil, 4096)

	h.n.RecalculateImageContents(false)

	flags := h.n.Flags()
	total := 0
	for pfn := 0; pfn <= h.m.MaxPFN(); pfn++ {
		if !h.m.PageValid(pfn) {
			continue
		}
		total++

		states := 0
		if flags.Test(pfn, pageflags.Pageset1) {
			states++
		}
		if flags.Test(pfn, pageflags.Pageset2) {
			states++
		}
		if !h.m.Saveable(pfn) || flags.Test(pfn, pageflags.Nosave) {
			states++
		}
		if flags.Test(pfn, pageflags.NosaveFree) {
			states++
		}
		require.Equal(t, 1, states, "pfn %d in %d states", pfn, states)
	}

	counted := h.n.PageDir1().Size + h.n.PageDir2().Size +
		h.n.NumNosave() + h.n.NumFree()
	require.Equal(t, total, counted)
}

// Unfreezable tasks are reclassified into pageset1 by the deferred
// attention pass, even in aggressive LRU mode.
func TestAttentionListOverridesPageset2(t *testing.T) {
	scfg := session.DefaultConfig()
	scfg.ExtraPagesAllowance = 50
	scfg.Pageset2Full = true

	h := newHarness(t, memory.Config{
		LowPages:    512,
		KernelPages: 100,
		CachePages:  50,
		Tasks: []memory.TaskConfig{
			{Name: "app", Pages: 30},
			{Name: "hiberd", Pages: 8, NoFreeze: true},
		},
	}, scfg, 2048)

	h.n.RecalculateImageContents(false)

	for _, pfn := range taskPFNs(h.m, "hiberd") {
		require.True(t, h.n.Flags().Test(pfn, pageflags.Pageset1))
		require.False(t, h.n.Flags().Test(pfn, pageflags.Pageset2))
	}
	for _, pfn := range taskPFNs(h.m, "app") {
		require.True(t, h.n.Flags().Test(pfn, pageflags.Pageset2))
	}
}

func TestSpecialMappingsStayOutOfPageset2(t *testing.T) {
	h := newHarness(t, memory.Config{
		LowPages:    256,
		KernelPages: 50,
		Tasks: []memory.TaskConfig{
			{Name: "xsvr", Pages: 10, SpecialPages: 4},
		},
	}, nil, 2048)

	h.n.RecalculateImageContents(false)

	special := 0
	h.m.ForeachTask(func(task *memory.Task) bool {
		for _, vma := range task.VMAs {
			if !vma.Special {
				continue
			}
			for pfn := vma.Start; pfn < vma.Start+vma.Count; pfn++ {
				special++
				require.False(t, h.n.Flags().Test(pfn, pageflags.Pageset2))
				require.True(t, h.n.Flags().Test(pfn, pageflags.Pageset1))
			}
		}
		return true
	})
	require.Equal(t, 4, special)
}

// With reclaimable memory and ample storage the negotiator must reach
// Ready within the bounded retries.
func TestNegotiatorConvergence(t *testing.T) {
	h := newHarness(t, memory.Config{
		LowPages:    2048,
		KernelPages: 200,
		CachePages:  600,
		Tasks: []memory.TaskConfig{
			{Name: "app", Pages: 100},
			{Name: "hiberd", Pages: 10, NoFreeze: true},
		},
	}, nil, 4096)

	require.NoError(t, h.n.PrepareImage())
	require.Equal(t, Ready, h.n.State())
	require.False(t, h.sess.Aborted())
	require.True(t, h.m.Frozen())

	// All hard constraints hold at Ready.
	require.GreaterOrEqual(t, h.b.StorageAllocated(),
		h.n.PageDir1().Size+h.n.PageDir2().Size)
	require.GreaterOrEqual(t, h.b.HeaderSpaceAllocated(), h.n.HeaderPagesNeeded())

	// The per-stream budget follows straight from the prepared image.
	counts := h.n.StreamPageCounts()
	require.Equal(t, h.n.HeaderPagesNeeded(), counts[blockio.StreamHeader])
	require.Equal(t, h.n.PageDir1().Size+h.n.Allowance(), counts[blockio.StreamPageset1])
	require.Equal(t, h.n.PageDir2().Size, counts[blockio.StreamPageset2])
}

// With storage fixed below the unavoidable minimum the negotiator must
// fail within the bounded retries, never report Ready.
func TestNegotiatorNonConvergence(t *testing.T) {
	h := newHarness(t, memory.Config{
		LowPages:    1024,
		KernelPages: 500,
		CachePages:  100,
	}, nil, 64)

	require.ErrorIs(t, h.n.PrepareImage(), ErrNotReady)
	require.Equal(t, Failed, h.n.State())
	require.True(t, h.sess.Result().Contains(session.Aborted,
		session.UnableToPrepareImage, session.InsufficientStorage))
	require.Equal(t, 0, h.n.ExtraPagesAllocated(),
		"failed preparation must return the extra reservation")
}

// Ample storage, extras and body allocated in full, but the low memory
// deficit persists because nothing is reclaimable: that is a freeing
// failure, not a storage one.
func TestNegotiatorUnableToFreeEnough(t *testing.T) {
	h := newHarness(t, memory.Config{
		LowPages:    1900,
		KernelPages: 900,
	}, nil, 8192)

	require.ErrorIs(t, h.n.PrepareImage(), ErrNotReady)
	require.Equal(t, Failed, h.n.State())
	require.True(t, h.sess.Result().Contains(session.Aborted,
		session.UnableToPrepareImage, session.UnableToFreeEnough))
	require.False(t, h.sess.Result().Contains(session.InsufficientStorage))
	require.Equal(t, 0, h.n.ExtraPagesAllocated())
}

func TestNegotiatorAbortRequested(t *testing.T) {
	h := newHarness(t, memory.Config{
		LowPages:    2048,
		KernelPages: 200,
		CachePages:  600,
	}, nil, 4096)

	h.sess.RequestAbort("operator interrupt")

	require.ErrorIs(t, h.n.PrepareImage(), ErrNotReady)
	require.Equal(t, Failed, h.n.State())
	require.True(t, h.sess.Result().Contains(session.Aborted, session.AbortRequested))
	require.Equal(t, 0, h.n.ExtraPagesAllocated())
}

func TestNegotiatorWouldEatMemory(t *testing.T) {
	scfg := session.DefaultConfig()
	scfg.ExtraPagesAllowance = 50
	scfg.ImageSizeLimitMB = session.SizeLimitNoEatingMemory

	h := newHarness(t, memory.Config{
		LowPages:    1024,
		KernelPages: 500,
		CachePages:  100,
	}, scfg, 64)

	require.ErrorIs(t, h.n.PrepareImage(), ErrNotReady)
	require.True(t, h.sess.Result().Contains(session.Aborted, session.WouldEatMemory))
}

func TestNegotiatorCacheOnlyPolicy(t *testing.T) {
	scfg := session.DefaultConfig()
	scfg.ExtraPagesAllowance = 50
	scfg.ImageSizeLimitMB = session.SizeLimitCacheOnly

	h := newHarness(t, memory.Config{
		LowPages:    2048,
		KernelPages: 200,
		CachePages:  600,
	}, scfg, 4096)

	require.NoError(t, h.n.PrepareImage())
	require.Equal(t, Ready, h.n.State())
	require.Equal(t, 0, h.m.DropPageCache(), "caches were dropped during preparation")
}

func TestNegotiatorFreezingFailure(t *testing.T) {
	h := newHarness(t, memory.Config{
		LowPages:       512,
		KernelPages:    50,
		FreezeFailures: 1,
	}, nil, 1024)

	require.Error(t, h.n.PrepareImage())
	require.Equal(t, Failed, h.n.State())
	require.True(t, h.sess.Result().Contains(session.Aborted, session.FreezingFailed))
}

func TestNegotiatorNoStorage(t *testing.T) {
	h := newHarness(t, memory.Config{
		LowPages:    512,
		KernelPages: 50,
	}, nil, 2)

	require.NoError(t, h.b.AllocateHeaderSpace(1), "consume the only block")
	require.ErrorIs(t, h.n.PrepareImage(), ErrNotReady)
	require.True(t, h.sess.Result().Contains(session.Aborted, session.NoStorageAvailable))
}

// A zero configured allowance asks for the trial-run probe, which must
// discover the pages drivers allocate across suspend.
func TestDriverAllowanceProbe(t *testing.T) {
	scfg := session.DefaultConfig()
	scfg.ExtraPagesAllowance = 0

	h := newHarness(t, memory.Config{
		LowPages:           2048,
		KernelPages:        100,
		CachePages:         400,
		DriverSuspendPages: 40,
	}, scfg, 4096)

	require.NoError(t, h.n.PrepareImage())
	require.Equal(t, MinExtraPagesAllowance+40, h.n.Allowance())
	require.False(t, h.m.DevicesSuspended(), "probe must undo its trial suspend")
}

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

package snapshot_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/hiberlib/pkg/memory"
	"github.com/containers/hiberlib/pkg/pageflags"
	"github.com/containers/hiberlib/pkg/session"
	. "github.com/containers/hiberlib/pkg/snapshot"
	"github.com/containers/hiberlib/pkg/storage"
)

// suspendToImage runs the whole suspend arc and returns the rig for
// content comparison plus the image path.
func suspendToImage(t *testing.T) *rig {
	t.Helper()
	r := readyRig(t, nil)

	outcome, err := r.eng.SuspendAndWaitForPossibleRestore()
	require.NoError(t, err)
	require.Equal(t, OutcomeImageWritten, outcome)
	return r
}

// bootRestorer reopens the image store the way a rescue boot would and
// builds a restorer over a fresh machine.
func bootRestorer(t *testing.T, r *rig, scfg *session.Config) (*Restorer, *memory.Machine, *storage.FileBackend) {
	t.Helper()

	boot, err := memory.NewMachine(bootMachineConfig())
	require.NoError(t, err)

	b, err := storage.NewFileBackend(r.path, storage.WithCapacity(storeCapacity))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	if scfg == nil {
		scfg = session.DefaultConfig()
	}
	sess := session.New(session.WithConfig(scfg), session.WithReporter(session.NullReporter()))

	rst, err := NewRestorer(sess, boot, b)
	require.NoError(t, err)
	return rst, boot, b
}

// verifyRestored checks that every image page in the restored machine
// carries the exact content the suspended machine had.
func verifyRestored(t *testing.T, r *rig, boot *memory.Machine) {
	t.Helper()

	flags := r.neg.Flags()
	checked := 0
	for _, role := range []pageflags.Role{pageflags.Pageset1, pageflags.Pageset2} {
		flags.Map(role).Foreach(func(pfn int) bool {
			require.Equal(t, pageWord(r.m, pfn, 0), pageWord(boot, pfn, 0),
				"%s page %d", role, pfn)
			require.Equal(t, pageWord(r.m, pfn, memory.WordsPerPage-1),
				pageWord(boot, pfn, memory.WordsPerPage-1),
				"%s page %d tail", role, pfn)
			checked++
			return true
		})
	}
	require.Greater(t, checked, 0)
}

func TestSuspendResumeRoundTrip(t *testing.T) {
	r := suspendToImage(t)
	rst, boot, b := bootRestorer(t, r, nil)

	outcome, err := rst.ResumeFromImage()
	require.NoError(t, err)
	require.Equal(t, OutcomeResumedFromImage, outcome)

	verifyRestored(t, r, boot)

	// Out of the freeze window, nothing left mapped or frozen, and the
	// consumed image cannot be resumed from twice.
	require.False(t, boot.DevicesSuspended())
	require.False(t, boot.IRQsDisabled())
	require.Equal(t, 0, boot.MappedPages())
	require.False(t, boot.Frozen())

	_, err = b.ReadSignature()
	require.ErrorIs(t, err, storage.ErrNoImage)
}

func TestRestorePlacement(t *testing.T) {
	r := suspendToImage(t)
	rst, _, _ := bootRestorer(t, r, nil)

	require.NoError(t, rst.ReadImageMetadata())
	require.NoError(t, rst.PrepareLoadAddresses())

	loads := rst.LoadAddresses()
	require.Equal(t, r.neg.PageDir1().Size, len(loads))

	// No two pages share a load frame, and staged frames are never
	// pageset1 destinations themselves.
	used := map[int]bool{}
	for orig, load := range loads {
		require.False(t, used[load], "frame %d assigned twice", load)
		used[load] = true
		if load != orig {
			require.False(t, r.neg.Flags().Test(load, pageflags.Pageset1),
				"staged frame %d is itself a destination", load)
		}
	}

	require.Equal(t, len(rst.Backups()), countStaged(loads))
}

func countStaged(loads map[int]int) int {
	staged := 0
	for orig, load := range loads {
		if orig != load {
			staged++
		}
	}
	return staged
}

// With direct loading disabled every page goes through a backup entry,
// and conflicting frames handed out by the allocator are parked rather
// than freed. The restored contents must be identical all the same.
func TestRestoreNoDirectLoad(t *testing.T) {
	r := suspendToImage(t)

	scfg := session.DefaultConfig()
	scfg.NoDirectLoad = true
	rst, boot, _ := bootRestorer(t, r, scfg)

	require.NoError(t, rst.ReadImageMetadata())
	require.NoError(t, rst.PrepareLoadAddresses())
	require.Equal(t, r.neg.PageDir1().Size, len(rst.Backups()),
		"every page staged when direct loading is off")

	require.NoError(t, rst.ReadPageset1())
	require.NoError(t, rst.AtomicRestore())
	require.NoError(t, rst.ReadPageset2())

	verifyRestored(t, r, boot)
	require.Equal(t, 0, boot.MappedPages())
}

func TestResumeWithoutImage(t *testing.T) {
	boot, err := memory.NewMachine(bootMachineConfig())
	require.NoError(t, err)

	b, err := storage.NewFileBackend(t.TempDir()+"/empty", storage.WithCapacity(64))
	require.NoError(t, err)
	defer b.Close()

	sess := session.New(session.WithReporter(session.NullReporter()))
	rst, err := NewRestorer(sess, boot, b)
	require.NoError(t, err)

	outcome, err := rst.ResumeFromImage()
	require.ErrorIs(t, err, storage.ErrNoImage)
	require.Equal(t, OutcomeFailed, outcome)
}

// A resaved page is written in both streams. The restore takes it from
// pageset1 and skips its slot in pageset2 without falling out of step
// with the rest of that stream.
func TestRestorePrefersResavedCopy(t *testing.T) {
	r := newRig(t, suspendMachineConfig(), nil)
	stampPages(r.m)

	// Mark a few app pages stale before classification.
	var resaved []int
	r.m.ForeachTask(func(task *memory.Task) bool {
		if task.Name != "app" {
			return true
		}
		vma := task.VMAs[0]
		for pfn := vma.Start; pfn < vma.Start+vma.Count && len(resaved) < 4; pfn++ {
			resaved = append(resaved, pfn)
		}
		return true
	})
	require.Len(t, resaved, 4)
	for _, pfn := range resaved {
		r.neg.Flags().Set(pfn, pageflags.Resave)
	}

	require.NoError(t, r.neg.PrepareImage())

	outcome, err := r.eng.SuspendAndWaitForPossibleRestore()
	require.NoError(t, err)
	require.Equal(t, OutcomeImageWritten, outcome)

	rst, boot, _ := bootRestorer(t, r, nil)
	outcome, err = rst.ResumeFromImage()
	require.NoError(t, err)
	require.Equal(t, OutcomeResumedFromImage, outcome)

	verifyRestored(t, r, boot)
	for _, pfn := range resaved {
		require.Equal(t, stamp(pfn), pageWord(boot, pfn, 0), "resaved page %d", pfn)
	}
}

// An image flagged as resaved is refused when the resume policy says
// so, and stays on storage untouched.
func TestResumeRefusedOnResaveNeeded(t *testing.T) {
	r := suspendToImage(t)

	// Flag the image the way a grown pageset1 leaves it.
	b, err := storage.NewFileBackend(r.path, storage.WithCapacity(storeCapacity))
	require.NoError(t, err)
	defer b.Close()
	sig, err := b.ReadSignature()
	require.NoError(t, err)
	sig.Flags |= storage.SigResaveNeeded
	require.NoError(t, b.WriteSignature(sig))

	boot, err := memory.NewMachine(bootMachineConfig())
	require.NoError(t, err)
	scfg := session.DefaultConfig()
	scfg.AbortOnResave = true
	sess := session.New(session.WithConfig(scfg), session.WithReporter(session.NullReporter()))
	rst, err := NewRestorer(sess, boot, b)
	require.NoError(t, err)

	outcome, err := rst.ResumeFromImage()
	require.ErrorIs(t, err, ErrKeptImage)
	require.Equal(t, OutcomeFailed, outcome)
	require.True(t, sess.Result().Contains(session.ResaveNeeded, session.KeptImage))

	// The signature must survive the refusal so a later boot with a
	// laxer policy can still resume.
	_, err = b.ReadSignature()
	require.NoError(t, err)
}

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

package snapshot

import (
	"fmt"

	"github.com/containers/hiberlib/pkg/blockio"
	"github.com/containers/hiberlib/pkg/memory"
	"github.com/containers/hiberlib/pkg/session"
	"github.com/containers/hiberlib/pkg/storage"
)

// PageBackup pairs a pageset1 page's final frame with the frame its
// image data is staged in until the copyback.
type PageBackup struct {
	Orig int
	Copy int
}

// Restorer drives the resume side: it reads the image written by a
// previous boot's Engine and hands the machine back to it. It runs in
// the freshly booted rescue kernel, whose own pages constrain where
// image data may be staged.
type Restorer struct {
	atomics
	sys     memory.System
	frz     memory.Freezer
	backend storage.Backend
	streams *blockio.Streams

	hdr     *imageHeader
	loadMap map[int]int

	// Staged pages, split by class: backup entries for high pages may
	// themselves need high staging, with low frames as the fallback.
	pbesLow    []PageBackup
	pbesHigh   []PageBackup
	lowForHigh int

	pool        map[int]bool
	ps2Cursor   int
	conflicting []int
}

// RestorerOption is an option for a Restorer.
type RestorerOption func(*Restorer)

// WithRestoreFreezer overrides the freeze/thaw collaborator.
func WithRestoreFreezer(f memory.Freezer) RestorerOption {
	return func(r *Restorer) { r.frz = f }
}

// WithRestoreDevicePower overrides the device power collaborator.
func WithRestoreDevicePower(p memory.DevicePower) RestorerOption {
	return func(r *Restorer) { r.pwr = p }
}

// NewRestorer creates the resume-side engine over a backend that may
// hold an image.
func NewRestorer(sess *session.Session, sys memory.System, backend storage.Backend,
	options ...RestorerOption) (*Restorer, error) {
	r := &Restorer{
		atomics:   atomics{sess: sess},
		sys:       sys,
		backend:   backend,
		streams:   blockio.New(backend),
		ps2Cursor: -1,
	}
	if frz, ok := sys.(memory.Freezer); ok {
		r.frz = frz
	}
	if pwr, ok := sys.(memory.DevicePower); ok {
		r.pwr = pwr
	}
	for _, o := range options {
		o(r)
	}
	if r.frz == nil || r.pwr == nil {
		return nil, fmt.Errorf("snapshot: missing freeze or device power collaborator")
	}
	return r, nil
}

// ReadImageMetadata checks the signature and loads the image header,
// positioning the pageset streams for reading. storage.ErrNoImage
// means a normal boot, not a failure.
func (r *Restorer) ReadImageMetadata() error {
	sig, err := r.backend.ReadSignature()
	if err != nil {
		return err
	}
	if sig.Flags&storage.SigResaveNeeded != 0 {
		r.sess.SetResult(session.ResaveNeeded)
		if r.sess.Config().AbortOnResave {
			r.sess.SetResult(session.KeptImage)
			return fmt.Errorf("%w: image %s needs resaving and resume policy refuses it",
				ErrKeptImage, sig.AttemptID)
		}
		log.Info("image %s was written with stale pageset2 pages resaved", sig.AttemptID)
	}

	hdr, err := r.readHeader()
	if err != nil {
		return err
	}
	if hdr.AttemptID != sig.AttemptID {
		return fmt.Errorf("%w: header is from attempt %s, signature from %s",
			storage.ErrBadRecord, hdr.AttemptID, sig.AttemptID)
	}

	r.hdr = hdr
	r.streams.SetStreamPositions(hdr.Positions)

	log.Info("image %s: pageset1 %d pages (%d high), pageset2 %d pages",
		hdr.AttemptID, hdr.Pagedir1.Size, hdr.Pagedir1.High, hdr.Pagedir2.Size)
	return nil
}

// LoadAddresses returns the final-to-load frame assignment built by
// PrepareLoadAddresses.
func (r *Restorer) LoadAddresses() map[int]int {
	out := make(map[int]int, len(r.loadMap))
	for orig, load := range r.loadMap {
		out[orig] = load
	}
	return out
}

// Backups returns the staged backup entries, low then high.
func (r *Restorer) Backups() []PageBackup {
	return append(append([]PageBackup{}, r.pbesLow...), r.pbesHigh...)
}

// takeNonconflicting hands out one staging frame. Pageset2 frames we
// hold are preferred, tracked by an advancing cursor: their image data
// is read only after the copyback, so until then they are free staging
// space. Fresh frames that turn out to be pageset1 destinations are
// not freed but parked on the conflicting list, to be released in bulk
// once placement is complete; freeing one mid-placement could hand the
// same frame back out.
func (r *Restorer) takeNonconflicting(allowHigh bool) (int, error) {
	for {
		pfn := r.hdr.Pageset2.NextSet(r.ps2Cursor)
		if pfn < 0 {
			break
		}
		r.ps2Cursor = pfn
		if !r.pool[pfn] || r.hdr.Pageset1.Test(pfn) {
			continue
		}
		if r.sys.IsHighmem(pfn) && !allowHigh {
			continue
		}
		delete(r.pool, pfn)
		return pfn, nil
	}

	// Class-matching frames first; for high pages fall back to low
	// frames when high memory runs out.
	for _, high := range []bool{allowHigh, false} {
		for pfn := range r.pool {
			if r.hdr.Pageset1.Test(pfn) {
				r.conflicting = append(r.conflicting, pfn)
				delete(r.pool, pfn)
				continue
			}
			if r.sys.IsHighmem(pfn) != high {
				continue
			}
			delete(r.pool, pfn)
			if allowHigh && !high {
				r.lowForHigh++
			}
			return pfn, nil
		}
		if !allowHigh {
			break
		}
	}

	return 0, ErrNoPlacement
}

// PrepareLoadAddresses solves the placement problem: pageset1 frames
// the rescue kernel does not occupy receive their data directly, the
// rest stage through backup pages and are copied into place inside the
// freeze window.
func (r *Restorer) PrepareLoadAddresses() error {
	noDirect := r.sess.Config().NoDirectLoad

	// Take every free frame up front so the direct/staged split
	// cannot shift while it is being computed.
	r.pool = map[int]bool{}
	for {
		pfn, err := r.sys.AllocPage(true)
		if err != nil {
			break
		}
		r.pool[pfn] = true
	}

	r.loadMap = make(map[int]int, r.hdr.Pagedir1.Size)

	if !noDirect {
		r.hdr.Pageset1.Foreach(func(orig int) bool {
			if r.pool[orig] {
				r.loadMap[orig] = orig
				delete(r.pool, orig)
			}
			return true
		})
	}

	var failed error
	r.hdr.Pageset1.Foreach(func(orig int) bool {
		if _, direct := r.loadMap[orig]; direct {
			return true
		}
		high := r.sys.IsHighmem(orig)
		copyPFN, err := r.takeNonconflicting(high)
		if err != nil {
			failed = err
			return false
		}
		pbe := PageBackup{Orig: orig, Copy: copyPFN}
		if high {
			r.pbesHigh = append(r.pbesHigh, pbe)
		} else {
			r.pbesLow = append(r.pbesLow, pbe)
		}
		r.loadMap[orig] = copyPFN
		return true
	})

	for pfn := range r.pool {
		r.sys.FreePage(pfn)
	}
	r.pool = nil
	for _, pfn := range r.conflicting {
		r.sys.FreePage(pfn)
	}
	r.conflicting = nil

	if failed != nil {
		r.sess.Abort(session.UnableToPrepareImage,
			"no room to place the image: %v", failed)
		return failed
	}

	log.Debug("load addresses: %d direct, %d staged low, %d staged high (%d in low frames)",
		len(r.loadMap)-len(r.pbesLow)-len(r.pbesHigh),
		len(r.pbesLow), len(r.pbesHigh), r.lowForHigh)
	return nil
}

// ReadPageset1 streams pageset1 into its load addresses, in the same
// bitmap order the suspend side wrote it.
func (r *Restorer) ReadPageset1() error {
	if err := r.streams.SeekStream(blockio.StreamPageset1); err != nil {
		return err
	}

	var failed error
	r.hdr.Pageset1.Foreach(func(orig int) bool {
		load, ok := r.loadMap[orig]
		if !ok {
			failed = fmt.Errorf("snapshot: no load address for page %d", orig)
			return false
		}
		data, done := pageContent(r.sys, load)
		failed = r.streams.ReadPage(blockio.StreamPageset1, data)
		done()
		if failed != nil {
			return false
		}
		r.sess.Reporter().Progress("reading pageset1",
			r.streams.PagesDone(blockio.StreamPageset1), r.hdr.Pagedir1.Size)
		return true
	})

	if failed != nil {
		r.sess.Abort(session.FailedIO, "reading pageset1: %v", failed)
		return failed
	}
	if got := r.streams.PagesDone(blockio.StreamPageset1); got != r.hdr.Pagedir1.Size {
		r.sess.Abort(session.FailedIO, "pageset1 stream has %d pages, header says %d",
			got, r.hdr.Pagedir1.Size)
		return ErrShortStream
	}
	return nil
}

// AtomicRestore copies the staged pages to their final frames inside
// the freeze window and restores the CPU context. Past the first
// copyback there is no way out: the frames being overwritten include
// the running kernel's own, so nothing here may fail.
func (r *Restorer) AtomicRestore() error {
	if err := r.streams.FinishAllIO(); err != nil {
		r.sess.Abort(session.FailedIO, "draining image I/O: %v", err)
		return err
	}

	if err := r.goAtomic(false); err != nil {
		return err
	}

	for _, pbe := range r.pbesLow {
		copyPage(r.sys.Page(pbe.Orig), r.sys.Page(pbe.Copy))
	}
	for _, pbe := range r.pbesHigh {
		to := r.sys.MapPage(pbe.Orig)
		from := r.sys.MapPage(pbe.Copy)
		copyPage(to, from)
		r.sys.UnmapPage(pbe.Copy)
		r.sys.UnmapPage(pbe.Orig)
	}

	r.pwr.RestoreProcessorState()

	if err := r.endAtomic(stepAll, false); err != nil {
		log.Error("freeze window teardown: %v", err)
	}
	return nil
}

// ReadPageset2 streams pageset2 into its final frames. It runs after
// the copyback, logically in the restored kernel before anything is
// thawed. Resaved pages appear in both streams; their pageset2 copy is
// the stale one and is skipped, the stream read into a scratch page to
// stay in step.
func (r *Restorer) ReadPageset2() error {
	if err := r.streams.SeekStream(blockio.StreamPageset2); err != nil {
		return err
	}

	scratch := make([]uint64, memory.WordsPerPage)

	var failed error
	r.hdr.Pageset2.Foreach(func(pfn int) bool {
		if r.hdr.Pageset1.Test(pfn) {
			failed = r.streams.ReadPage(blockio.StreamPageset2, scratch)
			return failed == nil
		}
		data, done := pageContent(r.sys, pfn)
		failed = r.streams.ReadPage(blockio.StreamPageset2, data)
		done()
		if failed != nil {
			return false
		}
		r.sess.Reporter().Progress("reading pageset2",
			r.streams.PagesDone(blockio.StreamPageset2), r.hdr.Pagedir2.Size)
		return true
	})

	if failed != nil {
		r.sess.Abort(session.FailedIO, "reading pageset2: %v", failed)
	}
	return failed
}

// ResumeFromImage runs the whole resume arc: signature and header,
// placement, pageset1, the atomic copyback, pageset2, then signature
// invalidation so a crash cannot resume from the consumed image again.
// storage.ErrNoImage means there is nothing to resume from.
func (r *Restorer) ResumeFromImage() (Outcome, error) {
	if err := r.ReadImageMetadata(); err != nil {
		return OutcomeFailed, err
	}

	if err := r.frz.FreezeAllTasks(); err != nil {
		r.sess.Abort(session.FreezingFailed, "failed to freeze for restore: %v", err)
		return OutcomeFailed, err
	}

	if err := r.PrepareLoadAddresses(); err != nil {
		r.frz.ThawAllTasks()
		return OutcomeFailed, err
	}

	if err := r.ReadPageset1(); err != nil {
		r.frz.ThawAllTasks()
		return OutcomeFailed, err
	}

	if err := r.AtomicRestore(); err != nil {
		r.frz.ThawAllTasks()
		return OutcomeFailed, err
	}

	if err := r.ReadPageset2(); err != nil {
		return OutcomeFailed, err
	}

	if err := r.backend.InvalidateSignature(); err != nil {
		log.Error("invalidating consumed image: %v", err)
	}

	r.frz.ThawAllTasks()
	r.sess.Reporter().Status("resumed from image %s", r.hdr.AttemptID)
	return OutcomeResumedFromImage, nil
}

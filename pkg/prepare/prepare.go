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

// Package prepare implements image preparation: the iterative resource
// negotiation that frees memory until the snapshot fits, and the page
// classification that partitions physical memory into the two pagesets.
//
// Memory must be eaten until the attempt can
//  1. perform the save without changing anything,
//  2. fit the image in the storage available,
//  3. reload pageset1 at boot into pages that don't collide with its
//     final destinations, assuming worst-case no overlap, and
//  4. meet the user's requested limit, if any, on the image size.
package prepare

import (
	"fmt"

	"github.com/containers/hiberlib/pkg/blockio"
	logger "github.com/containers/hiberlib/pkg/log"
	"github.com/containers/hiberlib/pkg/memory"
	"github.com/containers/hiberlib/pkg/pageflags"
	"github.com/containers/hiberlib/pkg/session"
	"github.com/containers/hiberlib/pkg/storage"
)

var log = logger.Get("prepare")

// Sentinel errors of image preparation.
var (
	ErrNotReady   = fmt.Errorf("prepare: image could not be made ready")
	ErrIncomplete = fmt.Errorf("prepare: missing collaborator")
)

// Preparation is bounded: if the image cannot be made ready within
// this many iterations it never will be.
const MaxTries = 2

// MinExtraPagesAllowance is the least allowance for pageset1 growth
// during the freeze window.
const MinExtraPagesAllowance = 500

// State is the negotiator's position in one preparation attempt.
type State int

const (
	// Freezing stops all freezable execution.
	Freezing State = iota
	// Classifying partitions pages into the pagesets.
	Classifying
	// MeasuringConstraints computes the freeing and storage deficits.
	MeasuringConstraints
	// Reclaiming frees memory towards the measured deficits.
	Reclaiming
	// AllocatingStorage reserves image and header storage.
	AllocatingStorage
	// Ready means all constraints hold and the atomic copy may begin.
	Ready
	// Failed means the attempt aborted or did not converge.
	Failed
)

var stateNames = map[State]string{
	Freezing:             "freezing",
	Classifying:          "classifying",
	MeasuringConstraints: "measuring-constraints",
	Reclaiming:           "reclaiming",
	AllocatingStorage:    "allocating-storage",
	Ready:                "ready",
	Failed:               "failed",
}

// String returns the name of the state.
func (s State) String() string {
	return stateNames[s]
}

// PageDir is the per-pageset aggregate: how many pages the set holds
// and how many of them are in the high memory class.
type PageDir struct {
	Size int
	High int
}

// Low returns the number of low memory pages in the set.
func (p PageDir) Low() int {
	return p.Size - p.High
}

// Negotiator is the resource negotiator of one hibernation attempt. It
// repeatedly reclassifies pages, measures the constraint deficits,
// drives reclamation and allocates storage until the image is ready or
// the retry bound is exhausted.
type Negotiator struct {
	sess    *session.Session
	sys     memory.System
	frz     memory.Freezer
	rec     memory.Reclaimer
	pwr     memory.DevicePower
	backend storage.Backend

	flags *pageflags.Flags
	state State

	pagedir1, pagedir2 PageDir
	numNosave, numFree int
	tries              int

	allowance        int
	extras           []extraBlock
	extraAllocated   int
	headerAllocated  int
	mainAllocated    int
	storageAvailable int
}

// Option is an opaque option for New.
type Option func(*Negotiator)

// WithFreezer overrides the freeze/thaw collaborator.
func WithFreezer(f memory.Freezer) Option {
	return func(n *Negotiator) { n.frz = f }
}

// WithReclaimer overrides the memory reclamation collaborator.
func WithReclaimer(r memory.Reclaimer) Option {
	return func(n *Negotiator) { n.rec = r }
}

// WithDevicePower overrides the device power collaborator.
func WithDevicePower(p memory.DevicePower) Option {
	return func(n *Negotiator) { n.pwr = p }
}

// New creates a negotiator for one attempt. Collaborators not given as
// options are taken from the memory system when it implements them.
func New(sess *session.Session, sys memory.System, backend storage.Backend, options ...Option) (*Negotiator, error) {
	n := &Negotiator{
		sess:      sess,
		sys:       sys,
		backend:   backend,
		flags:     pageflags.NewFlags(sys.Spans()...),
		allowance: sess.Config().ExtraPagesAllowance,
	}

	if f, ok := sys.(memory.Freezer); ok {
		n.frz = f
	}
	if r, ok := sys.(memory.Reclaimer); ok {
		n.rec = r
	}
	if p, ok := sys.(memory.DevicePower); ok {
		n.pwr = p
	}
	for _, o := range options {
		o(n)
	}

	switch {
	case n.frz == nil:
		return nil, fmt.Errorf("%w: freezer", ErrIncomplete)
	case n.rec == nil:
		return nil, fmt.Errorf("%w: reclaimer", ErrIncomplete)
	case n.pwr == nil:
		return nil, fmt.Errorf("%w: device power", ErrIncomplete)
	}

	return n, nil
}

// Flags returns the classification bitmaps of the attempt.
func (n *Negotiator) Flags() *pageflags.Flags {
	return n.flags
}

// State returns the negotiator's current state.
func (n *Negotiator) State() State {
	return n.state
}

// PageDir1 returns the pageset1 aggregate of the last classification.
func (n *Negotiator) PageDir1() PageDir {
	return n.pagedir1
}

// PageDir2 returns the pageset2 aggregate of the last classification.
func (n *Negotiator) PageDir2() PageDir {
	return n.pagedir2
}

// NumNosave returns the excluded page count of the last classification.
func (n *Negotiator) NumNosave() int {
	return n.numNosave
}

// NumFree returns the free page count of the last classification.
func (n *Negotiator) NumFree() int {
	return n.numFree
}

// Allowance returns the extra pages allowance for pageset1 growth.
func (n *Negotiator) Allowance() int {
	return n.allowance
}

// ExtraPagesAllocated returns the size of the extra backup reservation.
func (n *Negotiator) ExtraPagesAllocated() int {
	return n.extraAllocated
}

// HeaderPagesNeeded returns the header storage requirement in pages.
func (n *Negotiator) HeaderPagesNeeded() int {
	return n.headerStorageNeeded()
}

// Tries returns the number of preparation iterations the last
// PrepareImage call performed.
func (n *Negotiator) Tries() int {
	return n.tries
}

func (n *Negotiator) setState(s State) {
	if n.state == s {
		return
	}
	log.Debug("state %s -> %s", n.state, s)
	n.state = s
}

func (n *Negotiator) freeHighPages() int {
	return n.sys.FreePages(memory.ClassMaskHigh)
}

func (n *Negotiator) freeLowPages() int {
	return n.sys.FreePages(memory.ClassMaskLow)
}

// highPagesToFree is the high memory deficit: every pageset1 page
// freed both removes a page to copy and yields a page to copy into, so
// the difference is halved.
func (n *Negotiator) highPagesToFree() int {
	return max(0, (n.pagedir1.High-n.pagedir2.High+1)/2-n.freeHighPages())
}

// lowPagesToFree is the low memory deficit, which additionally covers
// the growth allowance, the free reserve and what auxiliary components
// need for themselves.
func (n *Negotiator) lowPagesToFree() int {
	cfg := n.sess.Config()
	return max(0, (n.pagedir1.Low()+n.allowance+cfg.MinFreeRAM+
		cfg.ExternalMemoryNeeded-n.pagedir2.Low()-
		n.freeLowPages()-n.extraAllocated+1)/2)
}

// mainStorageNeeded projects the body storage requirement, optionally
// applying the expected compression and optionally ignoring the
// allowance for pageset1 growth.
func (n *Negotiator) mainStorageNeeded(useECR, ignoreAllowance bool) int {
	pages := n.pagedir1.Size + n.pagedir2.Size
	if !ignoreAllowance {
		pages += n.allowance
	}
	if useECR {
		pages = pages * (100 - n.sess.Config().ExpectedCompression) / 100
	}
	return pages
}

// headerStorageNeeded returns the header requirement: the master
// record plus the serialized pageset bitmaps, in pages.
func (n *Negotiator) headerStorageNeeded() int {
	bytes := memory.PageSize + n.flags.HeaderBytes()
	return (bytes + memory.PageSize - 1) / memory.PageSize
}

func (n *Negotiator) currentImageSize() int {
	return n.pagedir1.Size + n.pagedir2.Size + n.headerAllocated
}

// anyToFree is the storage-driven deficit: pages to shed to fit the
// projected image into available storage and under the user's size
// cap. Unlike the per-class deficits, freeing any page helps here.
func (n *Negotiator) anyToFree(useSizeLimit bool) int {
	userLimit := 0
	if limit := n.sess.Config().StorageLimitPages(); useSizeLimit && limit > 0 {
		userLimit = max(0, n.currentImageSize()-limit)
	}

	storageLimit := max(0, n.mainStorageNeeded(true, true)-n.storageAvailable)

	return max(userLimit, storageLimit)
}

// amountNeeded is the amount by which the image must shrink to meet
// all constraints.
func (n *Negotiator) amountNeeded(useSizeLimit bool) int {
	return max(n.highPagesToFree()+n.lowPagesToFree(), n.anyToFree(useSizeLimit))
}

func (n *Negotiator) imageNotReady(useSizeLimit bool) bool {
	needed := n.amountNeeded(useSizeLimit)

	log.Debug("amount still needed %d > 0: %v, header %d < %d: %v, storage %d < %d: %v",
		needed, needed > 0,
		n.headerAllocated, n.headerStorageNeeded(),
		n.headerAllocated < n.headerStorageNeeded(),
		n.mainAllocated, n.mainStorageNeeded(true, true),
		n.mainAllocated < n.mainStorageNeeded(true, true))

	return needed > 0 ||
		n.headerAllocated < n.headerStorageNeeded() ||
		n.mainAllocated < n.mainStorageNeeded(true, true)
}

func (n *Negotiator) displayStats(always bool) {
	line := fmt.Sprintf(
		"free:%d(%d) sets:%d(%d),%d(%d) header:%d/%d nosave:%d-%d=%d "+
			"storage:%d/%d(%d=>%d) needed:%d,%d,%d",
		n.sys.FreePages(memory.ClassMaskAll), n.freeLowPages(),
		n.pagedir1.Size, n.pagedir1.Low(),
		n.pagedir2.Size, n.pagedir2.Low(),
		n.headerAllocated, n.headerStorageNeeded(),
		n.numNosave, n.extraAllocated, n.numNosave-n.extraAllocated,
		n.mainAllocated, n.storageAvailable,
		n.mainStorageNeeded(true, false), n.mainStorageNeeded(true, true),
		n.lowPagesToFree(), n.highPagesToFree(), n.anyToFree(true))

	if always {
		log.Info("%s", line)
	} else {
		log.Debug("%s", line)
	}
}

// probeExtraAllowance measures how much extra memory the drivers need
// when asked to suspend, by running a trial suspend/power-down cycle
// and watching the free page delta.
func (n *Negotiator) probeExtraAllowance() {
	n.sess.Reporter().Status("finding allowance for drivers")

	orig := n.sys.FreePages(memory.ClassMaskAll)
	final := orig

	if n.pwr.SuspendDevices() == nil {
		n.pwr.DisableIRQs()
		if n.pwr.PowerDownDevices() == nil {
			final = n.sys.FreePages(memory.ClassMaskAll)
			if err := n.pwr.PowerUpDevices(); err != nil {
				log.Error("power up after allowance probe: %v", err)
			}
		}
		n.pwr.EnableIRQs()
		if err := n.pwr.ResumeDevices(); err != nil {
			log.Error("device resume after allowance probe: %v", err)
		}
	}

	n.allowance = max(orig-final+MinExtraPagesAllowance, MinExtraPagesAllowance)
	log.Info("driver allowance probe: %d pages (free %d -> %d)",
		n.allowance, orig, final)
}

// attemptToFreeze thaws and refreezes all tasks, syncing in between.
func (n *Negotiator) attemptToFreeze() error {
	n.setState(Freezing)
	n.frz.ThawAllTasks()
	n.sess.Reporter().Status("freezing processes and syncing filesystems")

	if err := n.frz.FreezeAllTasks(); err != nil {
		n.sess.Abort(session.FreezingFailed, "failed to freeze processes: %v", err)
		return err
	}
	return nil
}

// eatMemory frees memory towards the measured deficits. The "don't eat
// memory" policy aborts instead and the "caches only" policy does a
// single page cache drop instead of general reclamation.
func (n *Negotiator) eatMemory() {
	cfg := n.sess.Config()

	n.RecalculateImageContents(false)
	n.setState(MeasuringConstraints)
	amountWanted := n.amountNeeded(true)
	didEat := false

	switch cfg.ImageSizeLimitMB {
	case session.SizeLimitNoEatingMemory:
		if amountWanted > 0 {
			n.sess.Abort(session.WouldEatMemory,
				"image needs %d more pages but eating memory is forbidden",
				amountWanted)
			return
		}
	case session.SizeLimitCacheOnly:
		n.rec.DropPageCache()
		n.RecalculateImageContents(false)
		amountWanted = n.amountNeeded(true)
		didEat = true
	}

	if amountWanted > 0 && !n.sess.Aborted() {
		n.setState(Reclaiming)
		n.sess.Reporter().Status("seeking to free %d pages of memory", amountWanted)

		n.frz.ThawKernelThreads()

		// Two independent passes, one per memory class: the classes
		// have different availability and backup-page cost, and each
		// pass stops as soon as its own deficit is met.
		for _, zone := range n.sys.Zones() {
			classToFree := n.lowPagesToFree()
			if zone.Class == memory.ClassHigh {
				classToFree = n.highPagesToFree()
			}
			target := max(classToFree, amountWanted)
			if target <= 0 {
				break
			}

			n.rec.ShrinkZone(zone, target)
			didEat = true

			n.RecalculateImageContents(false)
			amountWanted = n.amountNeeded(true)
		}

		if err := n.frz.FreezeAllTasks(); err != nil {
			n.sess.Abort(session.FreezingFailed,
				"failed to refreeze after reclaim: %v", err)
		}
	}

	if didEat {
		n.RecalculateImageContents(false)
	}
}

// updateImage allocates more memory and storage for the image: the
// extra backup reservation for pageset1 overflow, then body and header
// storage up to the projected need.
func (n *Negotiator) updateImage() {
	n.setState(AllocatingStorage)
	n.RecalculateImageContents(false)

	// Allow for pageset1 growth while pageset2 is being written.
	wanted := n.pagedir1.Size + n.allowance - n.pagedir2.Low()
	if wanted > n.extraAllocated {
		got := n.allocateExtraPagedirMemory(wanted)
		if got < wanted {
			log.Info("want %d extra pages for pageset1, got %d", wanted, got)
			return
		}
	}

	n.frz.ThawKernelThreads()

	// Allocate remaining body storage up to the maximum we could need,
	// ignoring expected compression so a ratio that fails to hold does
	// not strand us, but without complaining if less is granted.
	target := min(n.mainAllocated+n.backend.StorageAvailable(),
		n.mainStorageNeeded(false, false))
	if _, err := n.backend.AllocateStorage(target); err != nil {
		log.Warn("body storage allocation: %v", err)
	}
	n.mainAllocated = n.backend.StorageAllocated()

	if needed := n.headerStorageNeeded(); n.headerAllocated < needed {
		if err := n.backend.AllocateHeaderSpace(needed - n.headerAllocated); err != nil {
			log.Info("still need more storage for the image header: %v", err)
		} else {
			n.headerAllocated = needed
		}
	}

	if err := n.frz.FreezeAllTasks(); err != nil {
		n.sess.Abort(session.FreezingFailed,
			"failed to refreeze after allocation: %v", err)
	}

	n.RecalculateImageContents(false)
}

// PrepareImage drives one preparation attempt: freeze, then iterate
// eating memory and allocating storage until the image is ready or the
// bounded retries run out. On success the LRU lists are unlinked and
// the atomic copy may begin.
func (n *Negotiator) PrepareImage() error {
	n.headerAllocated = 0
	n.mainAllocated = 0

	if err := n.attemptToFreeze(); err != nil {
		n.setState(Failed)
		return err
	}

	if n.allowance == 0 {
		n.probeExtraAllowance()
	}

	n.storageAvailable = n.backend.StorageAvailable()
	if n.storageAvailable == 0 {
		n.sess.Abort(session.NoStorageAvailable,
			"some storage must be available to be able to hibernate")
		n.setState(Failed)
		return ErrNotReady
	}

	tries := 1
	for {
		n.sess.Reporter().Status("preparing image, try %d", tries)
		n.tries = tries

		n.eatMemory()
		if n.sess.Aborted() {
			break
		}

		n.updateImage()
		tries++

		if !n.imageNotReady(true) || tries > MaxTries || n.sess.Aborted() {
			break
		}
	}

	notReady := n.imageNotReady(false)

	if n.sess.Aborted() {
		n.FreeExtraPagedirMemory()
		n.setState(Failed)
		return ErrNotReady
	}

	if notReady {
		n.displayStats(true)
		n.sess.Abort(session.UnableToPrepareImage|n.failureReason(),
			"unable to successfully prepare the image")
		n.FreeExtraPagedirMemory()
		n.setState(Failed)
		return ErrNotReady
	}

	n.sys.UnlinkLRULists()
	n.setState(Ready)
	n.sess.Reporter().Status("image preparation complete")

	return nil
}

// failureReason pins non-convergence on the constraint still unmet:
// storage granted fell short of the projected image, or reclamation
// could not free what the per-class deficits demanded.
func (n *Negotiator) failureReason() session.Result {
	switch {
	case n.headerAllocated < n.headerStorageNeeded() ||
		n.mainAllocated < n.mainStorageNeeded(true, true) ||
		n.anyToFree(false) > 0:
		return session.InsufficientStorage
	case n.highPagesToFree() > 0 || n.lowPagesToFree() > 0:
		return session.UnableToFreeEnough
	}
	return 0
}

// StreamPageCounts returns the page counts each image stream must
// carry: the header, pageset1 including its growth allowance, and
// pageset2.
func (n *Negotiator) StreamPageCounts() [blockio.NumStreams]int {
	return [blockio.NumStreams]int{
		blockio.StreamHeader:   n.headerStorageNeeded(),
		blockio.StreamPageset1: n.pagedir1.Size + n.allowance,
		blockio.StreamPageset2: n.pagedir2.Size,
	}
}

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

// Package snapshot implements the freeze-window side of hibernation:
// the atomic copy of pageset1 on suspend, writing the image streams and
// signature, and the mirror restore path with its non-conflicting page
// placement.
package snapshot

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/containers/hiberlib/pkg/blockio"
	logger "github.com/containers/hiberlib/pkg/log"
	"github.com/containers/hiberlib/pkg/memory"
	"github.com/containers/hiberlib/pkg/pageflags"
	"github.com/containers/hiberlib/pkg/prepare"
	"github.com/containers/hiberlib/pkg/session"
	"github.com/containers/hiberlib/pkg/storage"
)

var log = logger.Get("snapshot")

// Sentinel errors of the snapshot engine.
var (
	ErrAborted      = fmt.Errorf("snapshot: attempt aborted")
	ErrKeptImage    = fmt.Errorf("snapshot: image kept on storage, not resumed")
	ErrNotReady     = fmt.Errorf("snapshot: image not prepared")
	ErrNoPlacement  = fmt.Errorf("snapshot: out of pages for image placement")
	ErrShortStream  = fmt.Errorf("snapshot: image stream shorter than recorded")
	ErrWrongVersion = fmt.Errorf("snapshot: unsupported image version")
)

// Outcome is the explicit result of the suspend arc. On real hardware
// the suspend call site is reached twice, once when the image has been
// written and the machine is about to lose power and once more when a
// later boot restores the image and execution continues; the two are
// kept apart as distinct outcome values.
type Outcome int

const (
	// OutcomeFailed means the attempt aborted; the session result
	// carries the reason.
	OutcomeFailed Outcome = iota
	// OutcomeImageWritten means the image is on storage and the
	// machine may power down.
	OutcomeImageWritten
	// OutcomeResumedFromImage means execution continues from a
	// restored image.
	OutcomeResumedFromImage
)

var outcomeNames = map[Outcome]string{
	OutcomeFailed:           "failed",
	OutcomeImageWritten:     "image written",
	OutcomeResumedFromImage: "resumed from image",
}

// String returns the name of the outcome.
func (o Outcome) String() string {
	return outcomeNames[o]
}

// atomicStep marks how far into the freeze window setup we got, so the
// teardown runs only the applicable steps in reverse.
type atomicStep int

const (
	stepNone atomicStep = iota
	stepDeviceResume
	stepCPUHotplug
	stepIRQs
	stepPowerUp
	stepAll
)

// atomics is the staged entry to and exit from the freeze window,
// shared by the suspend and restore sides.
type atomics struct {
	sess *session.Session
	pwr  memory.DevicePower
}

// goAtomic runs the freeze window setup. On failure it aborts the
// session with the step's reason and unwinds whatever was set up.
func (a *atomics) goAtomic(suspendTime bool) error {
	cfg := a.sess.Config()

	if err := a.pwr.SuspendDevices(); err != nil {
		a.abortAtomic(stepNone, suspendTime, session.DeviceRefused,
			"device suspend refused: %v", err)
		return err
	}

	if suspendTime && !cfg.LateCPUHotplug {
		if err := a.pwr.DisableNonbootCPUs(); err != nil {
			a.abortAtomic(stepDeviceResume, suspendTime, session.CPUHotplugFailed,
				"failed to take secondary CPUs offline: %v", err)
			return err
		}
	}

	a.pwr.DisableIRQs()

	if err := a.pwr.PowerDownDevices(); err != nil {
		a.abortAtomic(stepIRQs, suspendTime, session.DeviceRefused,
			"device power down refused: %v", err)
		return err
	}

	if suspendTime && cfg.LateCPUHotplug {
		if err := a.pwr.DisableNonbootCPUs(); err != nil {
			a.abortAtomic(stepPowerUp, suspendTime, session.CPUHotplugFailed,
				"failed to take secondary CPUs offline: %v", err)
			return err
		}
	}

	if err := a.pwr.PrepareArch(); err != nil {
		a.abortAtomic(stepPowerUp, suspendTime, session.ArchPrepareFailed,
			"architecture refused to enter the freeze window: %v", err)
		return err
	}

	return nil
}

// endAtomic unwinds the freeze window from the given step down,
// collecting rather than short-circuiting on teardown errors so every
// applicable step still runs.
func (a *atomics) endAtomic(step atomicStep, suspendTime bool) error {
	var errs *multierror.Error

	switch step {
	case stepAll:
		fallthrough
	case stepPowerUp:
		if err := a.pwr.PowerUpDevices(); err != nil {
			errs = multierror.Append(errs, err)
		}
		fallthrough
	case stepIRQs:
		a.pwr.EnableIRQs()
		fallthrough
	case stepCPUHotplug:
		if suspendTime {
			if err := a.pwr.EnableNonbootCPUs(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		fallthrough
	case stepDeviceResume:
		if err := a.pwr.ResumeDevices(); err != nil {
			errs = multierror.Append(errs, err)
		}
	case stepNone:
	}

	return errs.ErrorOrNil()
}

func (a *atomics) abortAtomic(step atomicStep, suspendTime bool,
	reason session.Result, format string, args ...interface{}) {
	a.sess.Abort(reason, format, args...)
	if err := a.endAtomic(step, suspendTime); err != nil {
		log.Error("freeze window teardown: %v", err)
	}
}

// copyPage moves one page of content word by word. The loop stays
// explicit: inside the freeze window even the register side effects of
// a generic copy routine would leak into the saved CPU context.
func copyPage(to, from []uint64) {
	for i := 0; i < memory.WordsPerPage; i++ {
		to[i] = from[i]
	}
}

// Engine drives the suspend side of the freeze window.
type Engine struct {
	atomics
	sys     memory.System
	frz     memory.Freezer
	backend storage.Backend
	neg     *prepare.Negotiator
	streams *blockio.Streams

	sizeBeforeCopy int
}

// EngineOption is an option for an Engine.
type EngineOption func(*Engine)

// WithFreezer overrides the freeze/thaw collaborator.
func WithFreezer(f memory.Freezer) EngineOption {
	return func(e *Engine) { e.frz = f }
}

// WithDevicePower overrides the device power collaborator.
func WithDevicePower(p memory.DevicePower) EngineOption {
	return func(e *Engine) { e.pwr = p }
}

// NewEngine creates the suspend-side engine over a prepared image. The
// freeze and device power collaborators default to the system when it
// implements them.
func NewEngine(sess *session.Session, sys memory.System, backend storage.Backend,
	neg *prepare.Negotiator, options ...EngineOption) (*Engine, error) {
	e := &Engine{
		atomics: atomics{sess: sess},
		sys:     sys,
		backend: backend,
		neg:     neg,
		streams: blockio.New(backend),
	}
	if frz, ok := sys.(memory.Freezer); ok {
		e.frz = frz
	}
	if pwr, ok := sys.(memory.DevicePower); ok {
		e.pwr = pwr
	}
	for _, o := range options {
		o(e)
	}
	if e.frz == nil || e.pwr == nil {
		return nil, fmt.Errorf("snapshot: missing freeze or device power collaborator")
	}
	return e, nil
}

// Streams returns the image stream layer the engine writes through.
func (e *Engine) Streams() *blockio.Streams {
	return e.streams
}

// pageContent returns a page's contents and a function releasing any
// transient mapping taken for it.
func pageContent(sys memory.System, pfn int) ([]uint64, func()) {
	if sys.IsHighmem(pfn) {
		return sys.MapPage(pfn), func() { sys.UnmapPage(pfn) }
	}
	return sys.Page(pfn), func() {}
}

// writePageset2 streams every pageset2 page out in bitmap order. Runs
// with tasks frozen, before the freeze window; the owners of these
// pages will not run again until after a restore.
func (e *Engine) writePageset2() error {
	flags := e.neg.Flags()
	total := e.neg.PageDir2().Size

	e.streams.SeekBody()
	e.streams.MarkStream(blockio.StreamPageset2)

	var failed error
	flags.Map(pageflags.Pageset2).Foreach(func(pfn int) bool {
		data, done := pageContent(e.sys, pfn)
		failed = e.streams.WritePage(blockio.StreamPageset2, data)
		done()
		if failed != nil {
			return false
		}
		e.sess.Reporter().Progress("writing pageset2",
			e.streams.PagesDone(blockio.StreamPageset2), total)
		return true
	})

	if failed != nil {
		e.sess.Abort(session.FailedIO, "writing pageset2: %v", failed)
	}
	return failed
}

// copyPageset1 walks the pageset1 and copy bitmaps in lockstep, copying
// each source page to its paired backup page. Copy destinations are
// always low pages; sources may need a transient mapping.
func (e *Engine) copyPageset1() int {
	flags := e.neg.Flags()
	orig := flags.Map(pageflags.Pageset1)
	copies := flags.Map(pageflags.Pageset1Copy)

	copied := 0
	src, dst := orig.NextSet(-1), copies.NextSet(-1)
	for src >= 0 && dst >= 0 {
		from, done := pageContent(e.sys, src)
		copyPage(e.sys.Page(dst), from)
		done()
		copied++
		src, dst = orig.NextSet(src), copies.NextSet(dst)
	}
	return copied
}

// AtomicCopy enters the freeze window, saves the CPU context and copies
// pageset1 to its backup pages. Pageset1 is re-measured first: pages
// the drivers dirtied on the way down grew it, and growth beyond the
// configured allowance means there is nowhere to put the extra pages.
func (e *Engine) AtomicCopy() error {
	cfg := e.sess.Config()
	e.sizeBeforeCopy = e.neg.PageDir1().Size

	if err := e.streams.FinishAllIO(); err != nil {
		e.sess.Abort(session.FailedIO, "draining image I/O: %v", err)
		return err
	}

	if err := e.goAtomic(true); err != nil {
		return err
	}

	e.pwr.SaveProcessorState()

	// No cancellation from here on: complete the copy or fail the
	// attempt, nothing in between.
	e.neg.RecalculateImageContents(true)

	grown := e.neg.PageDir1().Size - e.sizeBeforeCopy
	if grown > e.neg.Allowance() {
		e.sess.Abort(session.ExtraPagesAllowanceTooSmall,
			"pageset1 grew by %d pages in the freeze window, allowance is %d",
			grown, e.neg.Allowance())
		if err := e.endAtomic(stepAll, true); err != nil {
			log.Error("freeze window teardown: %v", err)
		}
		return ErrAborted
	}
	if grown > 0 {
		e.sess.SetResult(session.ResaveNeeded)
		if cfg.AbortOnResave {
			e.sess.Abort(session.ResaveNeeded,
				"pageset1 grew by %d pages and resaving is disabled", grown)
			if err := e.endAtomic(stepAll, true); err != nil {
				log.Error("freeze window teardown: %v", err)
			}
			return ErrAborted
		}
		log.Info("pageset1 grew by %d pages in the freeze window", grown)
	}

	copied := e.copyPageset1()
	log.Debug("atomically copied %d pages", copied)

	if err := e.endAtomic(stepAll, true); err != nil {
		log.Error("freeze window teardown: %v", err)
	}
	return nil
}

// writePageset1 streams the backup copies out in the same lockstep
// order the copy used, so the restore side can pair the stream with the
// pageset1 bitmap from the header.
func (e *Engine) writePageset1() error {
	flags := e.neg.Flags()
	orig := flags.Map(pageflags.Pageset1)
	copies := flags.Map(pageflags.Pageset1Copy)
	total := e.neg.PageDir1().Size

	e.streams.MarkStream(blockio.StreamPageset1)

	src, dst := orig.NextSet(-1), copies.NextSet(-1)
	for src >= 0 && dst >= 0 {
		if err := e.streams.WritePage(blockio.StreamPageset1, e.sys.Page(dst)); err != nil {
			e.sess.Abort(session.FailedIO, "writing pageset1: %v", err)
			return err
		}
		e.sess.Reporter().Progress("writing pageset1",
			e.streams.PagesDone(blockio.StreamPageset1), total)
		src, dst = orig.NextSet(src), copies.NextSet(dst)
	}
	return nil
}

// SuspendAndWaitForPossibleRestore runs the whole suspend arc over a
// prepared image: pageset2 out, the atomic copy, pageset1 and the
// header out, then the signature that makes the image discoverable.
// It returns OutcomeImageWritten at the point a real machine would
// power down; a later ResumeFromImage continues the arc.
func (e *Engine) SuspendAndWaitForPossibleRestore() (Outcome, error) {
	if e.neg.State() != prepare.Ready {
		return OutcomeFailed, ErrNotReady
	}

	if err := e.writePageset2(); err != nil {
		return OutcomeFailed, err
	}

	if err := e.AtomicCopy(); err != nil {
		return OutcomeFailed, err
	}

	if err := e.writePageset1(); err != nil {
		return OutcomeFailed, err
	}

	if err := e.writeHeader(); err != nil {
		e.sess.Abort(session.FailedIO, "writing image header: %v", err)
		return OutcomeFailed, err
	}

	if err := e.streams.FinishAllIO(); err != nil {
		e.sess.Abort(session.FailedIO, "draining image I/O: %v", err)
		return OutcomeFailed, err
	}

	sig := &storage.Signature{
		Version:     storage.SignatureVersion,
		AttemptID:   e.sess.ID(),
		ImagePages:  uint64(e.streams.PagesDone(blockio.StreamPageset1) + e.streams.PagesDone(blockio.StreamPageset2)),
		HeaderBlock: uint64(e.backend.HeaderBlocks().Intervals()[0].Min),
	}
	if e.sess.Result().Contains(session.ResaveNeeded) {
		sig.Flags |= storage.SigResaveNeeded
	}
	if err := e.backend.WriteSignature(sig); err != nil {
		e.sess.Abort(session.FailedIO, "writing image signature: %v", err)
		return OutcomeFailed, err
	}

	e.sess.Reporter().Status("image written, powering down")
	return OutcomeImageWritten, nil
}

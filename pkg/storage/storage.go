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

// Package storage provides image storage backends. A backend hands out
// block-granular storage for the image header and body and carries the
// signature record that marks an image as present.
package storage

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/containers/hiberlib/pkg/extent"
	logger "github.com/containers/hiberlib/pkg/log"
)

var log = logger.Get("storage")

// Sentinel errors for storage backends.
var (
	ErrNoStorage    = fmt.Errorf("storage: no storage configured")
	ErrNoImage      = fmt.Errorf("storage: no image signature present")
	ErrBadRecord    = fmt.Errorf("storage: malformed signature record")
	ErrRecordTooBig = fmt.Errorf("storage: signature record does not fit in its block")
	ErrOutOfRange   = fmt.Errorf("storage: block out of range")
	ErrIO           = fmt.Errorf("storage: I/O failure")
)

// SignatureFlags qualify a written image.
type SignatureFlags uint32

const (
	// SigResaveNeeded marks an image whose pages must be saved again
	// before it can be trusted.
	SigResaveNeeded SignatureFlags = 1 << iota
)

// Signature is the record marking an image as present. It is the last
// thing written on suspend and the first thing checked on resume.
type Signature struct {
	// Version of the record layout.
	Version uint32
	// AttemptID identifies the attempt that wrote the image.
	AttemptID uuid.UUID
	// HeaderBlock is the first block of the image header stream.
	HeaderBlock uint64
	// ImagePages counts the pages in the image body.
	ImagePages uint64
	// Flags qualify the image.
	Flags SignatureFlags
}

// Backend is the storage collaborator of the hibernation core. The
// core deals only in logical page counts; block layout and byte format
// are the backend's concern.
//
// AllocateStorage may grant less than requested. The caller is
// expected to re-measure and retry or abort; a partial grant is not an
// error.
type Backend interface {
	// StorageAvailable returns the number of pages that could still be
	// allocated.
	StorageAvailable() int
	// AllocateStorage grows the image body allocation towards the
	// given total, returning the number of pages actually allocated
	// in this call.
	AllocateStorage(pages int) (int, error)
	// StorageAllocated returns the number of body pages currently
	// allocated.
	StorageAllocated() int
	// AllocateHeaderSpace allocates the given number of pages for the
	// image header. Header space is all-or-nothing.
	AllocateHeaderSpace(pages int) error
	// HeaderSpaceAllocated returns the number of header pages
	// currently allocated.
	HeaderSpaceAllocated() int
	// ReleaseStorage returns all allocated storage, header and body.
	ReleaseStorage() error

	// HeaderBlocks returns the block chain backing the header stream.
	HeaderBlocks() *extent.Chain
	// BodyBlocks returns the block chain backing the body streams.
	BodyBlocks() *extent.Chain

	// ReadBlock and WriteBlock move one page of data.
	ReadBlock(block int, data []uint64) error
	WriteBlock(block int, data []uint64) error

	// WriteSignature marks an image as present. ErrRecordTooBig means
	// the allocated block chains are too fragmented to record.
	WriteSignature(sig *Signature) error
	// ReadSignature returns the current signature, or ErrNoImage.
	ReadSignature() (*Signature, error)
	// InvalidateSignature removes the image mark so a crash cannot
	// resume from a stale image.
	InvalidateSignature() error

	// Sync flushes everything written so far to stable storage.
	Sync() error
}

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

package storage

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/containers/hiberlib/pkg/extent"
	"github.com/containers/hiberlib/pkg/memory"
)

// Block 0 carries the signature record; image data starts at block 1.
const (
	sigBlock   = 0
	firstBlock = 1

	// SignatureVersion is the current signature record layout version.
	SignatureVersion = 1
)

var sigMagic = [8]byte{'H', 'I', 'B', 'E', 'R', 'S', 'I', 'G'}

// sigRecord is the on-disk layout of the signature, followed by the
// header stream's block extents and then the body's, so resume can
// rebuild both chains from block 0 alone.
type sigRecord struct {
	Magic       [8]byte
	Version     uint32
	Flags       uint32
	AttemptID   [16]byte
	HeaderBlock uint64
	ImagePages  uint64
	HeaderExts  uint32
	BodyExts    uint32
}

// FileBackend stores the image in a preallocated regular file, swap
// style: storage is handed out as chains of block extents and the
// signature record in block 0 marks an image as present.
type FileBackend struct {
	path     string
	file     *os.File
	capacity int
	unusable map[int]bool
	cursor   int
	header   *extent.Chain
	body     *extent.Chain
}

var _ Backend = &FileBackend{}

// FileOption is an opaque option for NewFileBackend.
type FileOption func(*FileBackend)

// WithCapacity sets the backing file size in pages, including the
// signature block.
func WithCapacity(pages int) FileOption {
	return func(b *FileBackend) {
		b.capacity = pages
	}
}

// WithUnusableBlocks marks blocks the allocator must skip over, the
// way bad or already-claimed swap slots fragment a real device.
func WithUnusableBlocks(blocks ...int) FileOption {
	return func(b *FileBackend) {
		for _, blk := range blocks {
			b.unusable[blk] = true
		}
	}
}

// NewFileBackend opens or creates a file-backed image store.
func NewFileBackend(path string, options ...FileOption) (*FileBackend, error) {
	b := &FileBackend{
		path:     path,
		capacity: 1024,
		unusable: map[int]bool{},
		cursor:   firstBlock,
		header:   extent.NewChain(),
		body:     extent.NewChain(),
	}
	for _, o := range options {
		o(b)
	}
	if b.capacity < 2 {
		return nil, errors.Wrapf(ErrNoStorage, "capacity %d pages", b.capacity)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image store %q", path)
	}
	if err := file.Truncate(int64(b.capacity) * memory.PageSize); err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "failed to size image store %q", path)
	}
	b.file = file

	log.Info("image store %q: %d blocks, %d unusable",
		path, b.capacity, len(b.unusable))

	return b, nil
}

// Close closes the backing file.
func (b *FileBackend) Close() error {
	return b.file.Close()
}

// StorageAvailable implements Backend.
func (b *FileBackend) StorageAvailable() int {
	count := 0
	for blk := b.cursor; blk < b.capacity; blk++ {
		if !b.unusable[blk] {
			count++
		}
	}
	return count
}

func (b *FileBackend) allocBlocks(pages int, chain *extent.Chain) (int, error) {
	granted := 0
	for granted < pages && b.cursor < b.capacity {
		blk := b.cursor
		b.cursor++
		if b.unusable[blk] {
			continue
		}
		if err := chain.Add(blk, blk); err != nil {
			return granted, errors.Wrap(err, "failed to extend block chain")
		}
		granted++
	}
	return granted, nil
}

// AllocateStorage implements Backend. The grant may be partial.
func (b *FileBackend) AllocateStorage(pages int) (int, error) {
	wanted := pages - b.body.Size()
	if wanted <= 0 {
		return 0, nil
	}
	granted, err := b.allocBlocks(wanted, b.body)
	if err != nil {
		return granted, err
	}
	log.Debug("allocated %d/%d body pages, %d total", granted, wanted, b.body.Size())
	return granted, nil
}

// StorageAllocated implements Backend.
func (b *FileBackend) StorageAllocated() int {
	return b.body.Size()
}

// AllocateHeaderSpace implements Backend. All-or-nothing.
func (b *FileBackend) AllocateHeaderSpace(pages int) error {
	if b.StorageAvailable() < pages {
		return errors.Wrapf(ErrNoStorage, "header needs %d pages, %d available",
			pages, b.StorageAvailable())
	}
	if _, err := b.allocBlocks(pages, b.header); err != nil {
		return err
	}
	return nil
}

// HeaderSpaceAllocated implements Backend.
func (b *FileBackend) HeaderSpaceAllocated() int {
	return b.header.Size()
}

// ReleaseStorage implements Backend.
func (b *FileBackend) ReleaseStorage() error {
	b.header.Clear()
	b.body.Clear()
	b.cursor = firstBlock
	return nil
}

// HeaderBlocks implements Backend.
func (b *FileBackend) HeaderBlocks() *extent.Chain {
	return b.header
}

// BodyBlocks implements Backend.
func (b *FileBackend) BodyBlocks() *extent.Chain {
	return b.body
}

func (b *FileBackend) checkBlock(block int) error {
	if block < 0 || block >= b.capacity {
		return errors.Wrapf(ErrOutOfRange, "block %d of %d", block, b.capacity)
	}
	return nil
}

// ReadBlock implements Backend.
func (b *FileBackend) ReadBlock(block int, data []uint64) error {
	if err := b.checkBlock(block); err != nil {
		return err
	}
	buf := make([]byte, memory.PageSize)
	if _, err := b.file.ReadAt(buf, int64(block)*memory.PageSize); err != nil {
		return errors.Wrapf(ErrIO, "reading block %d: %v", block, err)
	}
	for i := range data {
		data[i] = binary.LittleEndian.Uint64(buf[8*i:])
	}
	return nil
}

// WriteBlock implements Backend.
func (b *FileBackend) WriteBlock(block int, data []uint64) error {
	if err := b.checkBlock(block); err != nil {
		return err
	}
	buf := make([]byte, memory.PageSize)
	for i := range data {
		binary.LittleEndian.PutUint64(buf[8*i:], data[i])
	}
	if _, err := b.file.WriteAt(buf, int64(block)*memory.PageSize); err != nil {
		return errors.Wrapf(ErrIO, "writing block %d: %v", block, err)
	}
	return nil
}

// WriteSignature implements Backend. The header and body block chains
// are stored with the record so that resume can locate the image
// streams with no other state.
func (b *FileBackend) WriteSignature(sig *Signature) error {
	rec := sigRecord{
		Magic:       sigMagic,
		Version:     SignatureVersion,
		Flags:       uint32(sig.Flags),
		AttemptID:   [16]byte(sig.AttemptID),
		HeaderBlock: sig.HeaderBlock,
		ImagePages:  sig.ImagePages,
		HeaderExts:  uint32(len(b.header.Intervals())),
		BodyExts:    uint32(len(b.body.Intervals())),
	}

	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, &rec); err != nil {
		return errors.Wrap(err, "failed to encode signature record")
	}
	for _, chain := range []*extent.Chain{b.header, b.body} {
		for _, ext := range chain.Intervals() {
			if err := binary.Write(buf, binary.LittleEndian,
				[2]uint64{uint64(ext.Min), uint64(ext.Max)}); err != nil {
				return errors.Wrap(err, "failed to encode block extent")
			}
		}
	}

	// A heavily fragmented store can produce more extents than block 0
	// holds. Refuse to write a record resume could not read back.
	if buf.Len() > memory.PageSize {
		return errors.Wrapf(ErrRecordTooBig,
			"%d header and %d body extents need %d bytes, block holds %d",
			rec.HeaderExts, rec.BodyExts, buf.Len(), memory.PageSize)
	}

	page := make([]byte, memory.PageSize)
	copy(page, buf.Bytes())
	if _, err := b.file.WriteAt(page, sigBlock); err != nil {
		return errors.Wrapf(ErrIO, "writing signature record: %v", err)
	}
	return b.Sync()
}

// ReadSignature implements Backend. Reading a valid signature also
// rebuilds the header and body block chains.
func (b *FileBackend) ReadSignature() (*Signature, error) {
	page := make([]byte, memory.PageSize)
	if _, err := b.file.ReadAt(page, sigBlock); err != nil {
		return nil, errors.Wrapf(ErrIO, "reading signature record: %v", err)
	}

	rec := sigRecord{}
	buf := bytes.NewReader(page)
	if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
		return nil, errors.Wrap(err, "failed to decode signature record")
	}
	if rec.Magic != sigMagic {
		return nil, ErrNoImage
	}
	if rec.Version != SignatureVersion {
		return nil, errors.Wrapf(ErrBadRecord, "signature version %d, want %d",
			rec.Version, SignatureVersion)
	}

	b.header.Clear()
	b.body.Clear()
	for _, rebuild := range []struct {
		chain *extent.Chain
		exts  uint32
	}{{b.header, rec.HeaderExts}, {b.body, rec.BodyExts}} {
		for i := uint32(0); i < rebuild.exts; i++ {
			var ext [2]uint64
			if err := binary.Read(buf, binary.LittleEndian, &ext); err != nil {
				return nil, errors.Wrap(ErrBadRecord, "truncated block extents")
			}
			if err := rebuild.chain.Add(int(ext[0]), int(ext[1])); err != nil {
				return nil, errors.Wrap(err, "failed to rebuild block chain")
			}
		}
	}

	return &Signature{
		Version:     rec.Version,
		AttemptID:   uuid.UUID(rec.AttemptID),
		HeaderBlock: rec.HeaderBlock,
		ImagePages:  rec.ImagePages,
		Flags:       SignatureFlags(rec.Flags),
	}, nil
}

// InvalidateSignature implements Backend.
func (b *FileBackend) InvalidateSignature() error {
	page := make([]byte, memory.PageSize)
	if _, err := b.file.WriteAt(page, sigBlock); err != nil {
		return errors.Wrapf(ErrIO, "clearing signature record: %v", err)
	}
	return b.Sync()
}

// Sync implements Backend.
func (b *FileBackend) Sync() error {
	if err := unix.Fdatasync(int(b.file.Fd())); err != nil {
		return errors.Wrapf(ErrIO, "syncing image store %q: %v", b.path, err)
	}
	return nil
}

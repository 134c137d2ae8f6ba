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
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/containers/hiberlib/pkg/blockio"
	"github.com/containers/hiberlib/pkg/memory"
	"github.com/containers/hiberlib/pkg/pageflags"
	"github.com/containers/hiberlib/pkg/prepare"
)

// headerVersion is the image header layout version. Bumped on any
// field change; a mismatch fails the resume rather than guessing.
const headerVersion = 1

// imageHeader is everything the restore side needs before it can read
// the pageset streams: the attempt identity, the measured pageset
// sizes, where each stream starts, and the two classification bitmaps.
type imageHeader struct {
	AttemptID uuid.UUID
	Pagedir1  prepare.PageDir
	Pagedir2  prepare.PageDir
	Allowance int
	Positions [blockio.NumStreams]blockio.Position
	Pageset1  *pageflags.Bitmap
	Pageset2  *pageflags.Bitmap
}

func (h *imageHeader) marshal() ([]byte, error) {
	data := make([]byte, 0, memory.PageSize)

	data = binary.LittleEndian.AppendUint64(data, headerVersion)
	data = append(data, h.AttemptID[:]...)

	for _, v := range []int{
		h.Pagedir1.Size, h.Pagedir1.High,
		h.Pagedir2.Size, h.Pagedir2.High,
		h.Allowance,
	} {
		data = binary.LittleEndian.AppendUint64(data, uint64(v))
	}

	for _, p := range h.Positions {
		data = binary.LittleEndian.AppendUint64(data, uint64(p.Chain))
		data = binary.LittleEndian.AppendUint64(data, uint64(p.Extent))
		data = binary.LittleEndian.AppendUint64(data, uint64(p.Offset))
	}

	for _, bm := range []*pageflags.Bitmap{h.Pageset1, h.Pageset2} {
		raw, err := bm.MarshalBinary()
		if err != nil {
			return nil, err
		}
		data = append(data, raw...)
	}

	return data, nil
}

func (h *imageHeader) unmarshal(data []byte) error {
	fixed := 8 + 16 + 5*8 + int(blockio.NumStreams)*3*8
	if len(data) < fixed {
		return fmt.Errorf("snapshot: truncated image header")
	}

	if v := binary.LittleEndian.Uint64(data); v != headerVersion {
		return fmt.Errorf("%w: header version %d, want %d",
			ErrWrongVersion, v, headerVersion)
	}
	posn := 8

	copy(h.AttemptID[:], data[posn:posn+16])
	posn += 16

	for _, v := range []*int{
		&h.Pagedir1.Size, &h.Pagedir1.High,
		&h.Pagedir2.Size, &h.Pagedir2.High,
		&h.Allowance,
	} {
		*v = int(binary.LittleEndian.Uint64(data[posn:]))
		posn += 8
	}

	for i := range h.Positions {
		h.Positions[i].Chain = int(binary.LittleEndian.Uint64(data[posn:]))
		h.Positions[i].Extent = int(binary.LittleEndian.Uint64(data[posn+8:]))
		h.Positions[i].Offset = int(binary.LittleEndian.Uint64(data[posn+16:]))
		posn += 24
	}

	h.Pageset1, h.Pageset2 = &pageflags.Bitmap{}, &pageflags.Bitmap{}
	for _, bm := range []*pageflags.Bitmap{h.Pageset1, h.Pageset2} {
		used, err := bm.UnmarshalBinary(data[posn:])
		if err != nil {
			return err
		}
		posn += used
	}

	return nil
}

// pageWords converts one page worth of header bytes to block words.
func pageWords(data []byte) []uint64 {
	words := make([]uint64, memory.WordsPerPage)
	for i := range words {
		if off := i * 8; off < len(data) {
			end := min(off+8, len(data))
			var b [8]byte
			copy(b[:], data[off:end])
			words[i] = binary.LittleEndian.Uint64(b[:])
		}
	}
	return words
}

// writeHeader serializes the image header into the header stream. The
// stream positions it records were marked as each stream was written,
// so this must come last.
func (e *Engine) writeHeader() error {
	e.streams.SeekHeader()
	e.streams.MarkStream(blockio.StreamHeader)

	flags := e.neg.Flags()
	hdr := &imageHeader{
		AttemptID: e.sess.ID(),
		Pagedir1:  e.neg.PageDir1(),
		Pagedir2:  e.neg.PageDir2(),
		Allowance: e.neg.Allowance(),
		Positions: e.streams.StreamPositions(),
		Pageset1:  flags.Map(pageflags.Pageset1),
		Pageset2:  flags.Map(pageflags.Pageset2),
	}

	data, err := hdr.marshal()
	if err != nil {
		return err
	}

	for off := 0; off < len(data); off += memory.PageSize {
		end := min(off+memory.PageSize, len(data))
		if err := e.streams.WritePage(blockio.StreamHeader, pageWords(data[off:end])); err != nil {
			return err
		}
	}

	log.Debug("image header: %d bytes in %d pages",
		len(data), e.streams.PagesDone(blockio.StreamHeader))
	return nil
}

// readHeader loads and parses the image header from the start of the
// header chain.
func (r *Restorer) readHeader() (*imageHeader, error) {
	pages := r.backend.HeaderSpaceAllocated()
	if pages == 0 {
		return nil, fmt.Errorf("snapshot: image has no header space")
	}

	r.streams.SeekHeader()
	r.streams.MarkStream(blockio.StreamHeader)

	data := make([]byte, 0, pages*memory.PageSize)
	words := make([]uint64, memory.WordsPerPage)
	for i := 0; i < pages; i++ {
		if err := r.streams.ReadPage(blockio.StreamHeader, words); err != nil {
			return nil, err
		}
		for _, w := range words {
			data = binary.LittleEndian.AppendUint64(data, w)
		}
	}

	hdr := &imageHeader{}
	if err := hdr.unmarshal(data); err != nil {
		return nil, err
	}
	return hdr, nil
}

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

// Package blockio turns the block chains handed out by a storage
// backend into sequential page streams. The image has three streams,
// all sharing one position over the chains: the header stream over the
// header chain and the two pageset streams over the body chain.
package blockio

import (
	"fmt"

	"github.com/containers/hiberlib/pkg/extent"
	logger "github.com/containers/hiberlib/pkg/log"
	"github.com/containers/hiberlib/pkg/storage"
)

var log = logger.Get("blockio")

// Sentinel errors of the stream layer.
var (
	ErrEndOfStream = fmt.Errorf("blockio: stream storage exhausted")
	ErrNoPosition  = fmt.Errorf("blockio: stream position never marked")
)

// Stream identifies one of the image streams.
type Stream int

const (
	// StreamHeader carries the image header.
	StreamHeader Stream = iota
	// StreamPageset1 carries the atomically copied pageset.
	StreamPageset1
	// StreamPageset2 carries the pages saved before the atomic copy.
	StreamPageset2
	// NumStreams is the number of image streams.
	NumStreams
)

var streamNames = map[Stream]string{
	StreamHeader:   "header",
	StreamPageset1: "pageset1",
	StreamPageset2: "pageset2",
}

// String returns the name of the stream.
func (s Stream) String() string {
	return streamNames[s]
}

// Position is a stream position over the block chains. Positions are
// plain values so the engine can record them in the image header and
// seek back to them on resume.
type Position = extent.State

const (
	headerChain = 0
	bodyChain   = 1
)

// Streams provides sequential page I/O over a backend's block chains.
type Streams struct {
	backend storage.Backend
	walker  *extent.Walker
	bound   int
	saved   [NumStreams]Position
	marked  [NumStreams]bool
	pages   [NumStreams]int
}

// New creates the stream layer over a backend. The backend's chains
// must be fully allocated before any I/O.
func New(backend storage.Backend) *Streams {
	return &Streams{
		backend: backend,
		walker:  extent.NewWalker(backend.HeaderBlocks(), backend.BodyBlocks()),
		bound:   headerChain,
	}
}

// SeekHeader positions at the start of the header chain.
func (s *Streams) SeekHeader() {
	s.walker.Restore(Position{Chain: headerChain})
	s.bound = headerChain
}

// SeekBody positions at the start of the body chain.
func (s *Streams) SeekBody() {
	s.walker.Restore(Position{Chain: bodyChain})
	s.bound = bodyChain
}

// MarkStream records the current position as the start of the given
// stream, the moment before its first page is written.
func (s *Streams) MarkStream(stream Stream) {
	s.saved[stream] = s.walker.Save()
	s.marked[stream] = true
	s.pages[stream] = 0
	log.Debug("%s stream starts at %+v", stream, s.saved[stream])
}

// SeekStream positions at the recorded start of the given stream.
func (s *Streams) SeekStream(stream Stream) error {
	if !s.marked[stream] {
		return fmt.Errorf("%w: %s", ErrNoPosition, stream)
	}
	s.walker.Restore(s.saved[stream])
	s.bound = s.saved[stream].Chain
	s.pages[stream] = 0
	return nil
}

// StreamPositions returns the recorded stream start positions, for
// inclusion in the image header.
func (s *Streams) StreamPositions() [NumStreams]Position {
	return s.saved
}

// SetStreamPositions installs stream start positions recovered from an
// image header.
func (s *Streams) SetStreamPositions(positions [NumStreams]Position) {
	s.saved = positions
	for i := range s.marked {
		s.marked[i] = true
	}
}

// PagesDone returns the number of pages moved since the given stream
// was last marked or sought.
func (s *Streams) PagesDone(stream Stream) int {
	return s.pages[stream]
}

func (s *Streams) next(stream Stream) (int, error) {
	chain, block, ok := s.walker.Next()
	if !ok || chain != s.bound {
		return 0, fmt.Errorf("%w: %s after %d pages",
			ErrEndOfStream, stream, s.pages[stream])
	}
	s.pages[stream]++
	return block, nil
}

// WritePage writes the next page of the given stream.
func (s *Streams) WritePage(stream Stream, data []uint64) error {
	block, err := s.next(stream)
	if err != nil {
		return err
	}
	return s.backend.WriteBlock(block, data)
}

// ReadPage reads the next page of the given stream.
func (s *Streams) ReadPage(stream Stream, data []uint64) error {
	block, err := s.next(stream)
	if err != nil {
		return err
	}
	return s.backend.ReadBlock(block, data)
}

// FinishAllIO flushes all streams to stable storage. Nothing written
// is trusted until this returns.
func (s *Streams) FinishAllIO() error {
	return s.backend.Sync()
}

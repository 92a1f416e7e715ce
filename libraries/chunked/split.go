// Copyright 2026 Dolthub, Inc.
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

// Package chunked splits large messages into pieces for transfer and puts
// them back together on the other side. A transfer carries one or more named
// streams; each piece names its transfer, its stream and the byte offset it
// starts at, so pieces may arrive in any order.
package chunked

import (
	"github.com/google/uuid"
	"github.com/kch42/buzhash"
)

const (
	// Avg piece size of 64k.
	defaultPattern = uint32(1<<16 - 1)
	// A prime window spreads boundaries on repetitive input.
	defaultWindow = uint32(67)

	defaultMinPiece = 4 << 10
	defaultMaxPiece = 1 << 20
)

// Piece is one contiguous part of one stream of a transfer.
type Piece struct {
	Transfer uuid.UUID `json:"transfer_uid"`
	Stream   string    `json:"stream"`
	// Streams is how many streams the transfer has.
	Streams int `json:"streams"`
	Offset  int `json:"offset"`
	// Total is the length of the whole stream.
	Total int    `json:"total"`
	Data  []byte `json:"-"`
}

// Stream is a named byte sequence to send.
type Stream struct {
	Name string
	Data []byte
}

// Splitter cuts byte streams at content-defined boundaries, so re-sending
// data that grew at the end reproduces the leading pieces exactly.
type Splitter struct {
	pattern  uint32
	window   uint32
	minPiece int
	maxPiece int
}

// NewSplitter cuts pieces of roughly |avg| bytes, never shorter than |lo|
// unless the stream ends, and never longer than |hi|. Zero keeps a default.
func NewSplitter(avg, lo, hi int) *Splitter {
	s := &Splitter{pattern: defaultPattern, window: defaultWindow, minPiece: defaultMinPiece, maxPiece: defaultMaxPiece}
	if avg > 0 {
		p := uint32(1)
		for int(p) < avg {
			p <<= 1
		}
		s.pattern = p - 1
	}
	if lo > 0 {
		s.minPiece = lo
	}
	if hi > 0 {
		s.maxPiece = hi
	}
	if s.minPiece > s.maxPiece {
		s.minPiece = s.maxPiece
	}
	return s
}

// Boundaries returns the end offset of every piece of |data|. The last
// boundary is len(data).
func (s *Splitter) Boundaries(data []byte) []int {
	var ret []int
	bz := buzhash.NewBuzHash(s.window)
	start := 0
	for i, b := range data {
		bz.HashByte(b)
		n := i + 1 - start
		if n >= s.maxPiece || (n >= s.minPiece && bz.Sum32()&s.pattern == s.pattern) {
			ret = append(ret, i+1)
			start = i + 1
			bz = buzhash.NewBuzHash(s.window)
		}
	}
	if start < len(data) || len(ret) == 0 {
		ret = append(ret, len(data))
	}
	return ret
}

// Split cuts |streams| into the pieces of transfer |id|. Every stream yields
// at least one piece, an empty one if the stream is empty.
func (s *Splitter) Split(id uuid.UUID, streams ...Stream) []Piece {
	var ret []Piece
	for _, st := range streams {
		start := 0
		for _, end := range s.Boundaries(st.Data) {
			ret = append(ret, Piece{
				Transfer: id,
				Stream:   st.Name,
				Streams:  len(streams),
				Offset:   start,
				Total:    len(st.Data),
				Data:     st.Data[start:end],
			})
			start = end
		}
	}
	return ret
}

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

package refs

import (
	"github.com/dolthub/blobgraph/store/blobs"
	"github.com/dolthub/blobgraph/store/graph"
)

// InlineRefs is how many indices a collection holds before it delegates to
// the heap.
const InlineRefs = 8

// Refs is a list of blob indices of one graph. Up to InlineRefs entries live
// in the value itself; longer lists live in a delegate slice of exactly the
// needed size and every operation forwards to it.
//
// A delegated Refs shares its delegate with plain copies of itself, so an
// Append through one copy can overwrite entries seen through another. Copy
// with Clone, or hand the contents over with Move.
type Refs struct {
	n        int
	inline   [InlineRefs]blobs.Index
	delegate []blobs.Index
}

// NewRefs returns a collection with room for |size| entries without
// growing.
func NewRefs(size int) Refs {
	var rs Refs
	rs.Grow(size)
	return rs
}

func (rs *Refs) Len() int {
	return rs.n
}

// Delegated reports whether the entries live on the heap.
func (rs *Refs) Delegated() bool {
	return rs.delegate != nil
}

func (rs *Refs) items() []blobs.Index {
	if rs.delegate != nil {
		return rs.delegate[:rs.n]
	}
	return rs.inline[:rs.n]
}

// Indices returns the entries. The slice aliases |rs| until the next
// mutation.
func (rs *Refs) Indices() []blobs.Index {
	return rs.items()
}

func (rs *Refs) At(i int) blobs.Index {
	return rs.items()[i]
}

// Grow makes room for |size| entries in total.
func (rs *Refs) Grow(size int) {
	if rs.delegate != nil {
		if size > cap(rs.delegate) {
			grown := make([]blobs.Index, rs.n, size)
			copy(grown, rs.delegate[:rs.n])
			rs.delegate = grown
		}
		return
	}
	if size <= InlineRefs {
		return
	}
	del := make([]blobs.Index, rs.n, size)
	copy(del, rs.inline[:rs.n])
	rs.delegate = del
	rs.inline = [InlineRefs]blobs.Index{}
}

func (rs *Refs) Append(idx ...blobs.Index) {
	if need := rs.n + len(idx); need > InlineRefs || rs.delegate != nil {
		if rs.delegate == nil {
			rs.Grow(need)
		}
		rs.delegate = append(rs.delegate[:rs.n], idx...)
	} else {
		copy(rs.inline[rs.n:], idx)
	}
	rs.n += len(idx)
}

// Clone returns an independent copy.
func (rs *Refs) Clone() Refs {
	ret := Refs{n: rs.n, inline: rs.inline}
	if rs.delegate != nil {
		ret.delegate = make([]blobs.Index, rs.n)
		copy(ret.delegate, rs.delegate[:rs.n])
	}
	return ret
}

// Move returns the contents and leaves |rs| empty with no delegate.
func (rs *Refs) Move() Refs {
	ret := *rs
	*rs = Refs{}
	return ret
}

func (rs *Refs) Reset() {
	*rs = Refs{}
}

// Contains reports whether |idx| is among the entries.
func (rs *Refs) Contains(idx blobs.Index) bool {
	for _, v := range rs.items() {
		if v == idx {
			return true
		}
	}
	return false
}

func (rs *Refs) Equals(o *Refs) bool {
	a, b := rs.items(), o.items()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Refs resolves the entries against |g|.
func (rs *Refs) Refs(g *graph.GraphData) []Ref {
	ret := make([]Ref, rs.n)
	for i, idx := range rs.items() {
		ret[i] = New(g, idx)
	}
	return ret
}

// Len, Less and Swap sort a *Refs by position.
func (rs *Refs) Less(i, j int) bool {
	items := rs.items()
	return items[i] < items[j]
}

func (rs *Refs) Swap(i, j int) {
	items := rs.items()
	items[i], items[j] = items[j], items[i]
}

// SlicedRefs is a Refs observed as of one transaction.
type SlicedRefs struct {
	Refs
	Tx Ref
}

// At returns entry |i| as a Sliced ref.
func (s *SlicedRefs) At(i int) Sliced {
	return Sliced{Ref: New(s.Tx.g, s.Refs.At(i)), Tx: s.Tx}
}

// Equals compares two sliced collections. Collections sliced at different
// transactions are not comparable.
func (s *SlicedRefs) Equals(o *SlicedRefs) (bool, error) {
	if s.Tx != o.Tx {
		return false, ErrIncomparableSlices.New(s.Tx.idx, o.Tx.idx)
	}
	return s.Refs.Equals(&o.Refs), nil
}

func (s *SlicedRefs) Clone() SlicedRefs {
	return SlicedRefs{Refs: s.Refs.Clone(), Tx: s.Tx}
}

func (s *SlicedRefs) Move() SlicedRefs {
	ret := SlicedRefs{Refs: s.Refs.Move(), Tx: s.Tx}
	s.Tx = Ref{}
	return ret
}

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

package blobs

import (
	"sync/atomic"

	"github.com/dolthub/blobgraph/store/d"
)

// AllocFunc returns the index of a fresh DeferredEdgeList for |owner| with
// room for |capacity| slots.
type AllocFunc func(owner Index, capacity int) (Index, error)

// UndoFunc is told the previous value of every slot an EdgeWriter overwrites.
type UndoFunc func(off int, old int32)

// EdgeWriter appends to edge lists in place.
type EdgeWriter struct {
	Mem   []byte
	Alloc AllocFunc
	Undo  UndoFunc
}

// RestoreSlot puts back a value reported to an UndoFunc.
func RestoreSlot(mem []byte, off int, v int32) {
	atomic.StoreInt32(slot(mem, off), v)
}

func (w EdgeWriter) store(off int, v int32) {
	p := slot(w.Mem, off)
	if w.Undo != nil {
		w.Undo(off, atomic.LoadInt32(p))
	}
	atomic.StoreInt32(p, v)
}

// holderSlots returns the offset of the first slot of |holder| and its slot
// count, the terminator included.
func holderSlots(mem []byte, holder Index) (int, int) {
	b := At(mem, holder)
	l := b.layout()
	d.PanicIfFalse(l.slots >= 0, "blobs: %s at %d holds no edges", l.name, holder)
	return b.off(l.slots), b.Capacity()
}

func nextCapacity(prev int) int {
	return min(2*prev, MaxDeferredCap)
}

// Append adds |v| to the end of |owner|'s edge list, allocating and linking a
// new continuation blob when the last holder is full.
func (w EdgeWriter) Append(owner Index, v int32) error {
	d.PanicIfTrue(v == 0, "blobs: zero edge value for owner %d", owner)
	ob := At(w.Mem, owner)
	d.PanicIfFalse(ob.HasEdgeList(), "blobs: %s at %d has no edge list", ob.Kind(), owner)
	holder := ob.LastHolder()
	off, n := holderSlots(w.Mem, holder)
	for i := 0; i < n-1; i++ {
		p := off + 4*i
		if atomic.LoadInt32(slot(w.Mem, p)) == 0 {
			w.store(p, v)
			return nil
		}
	}

	next, err := w.Alloc(owner, nextCapacity(n))
	if err != nil {
		return err
	}
	nb := At(w.Mem, next)
	d.PanicIfFalse(nb.Kind() == KindDeferredEdgeList && nb.Owner() == owner,
		"blobs: continuation %d is not a deferred list of %d", next, owner)
	noff, _ := holderSlots(w.Mem, next)
	w.store(noff, v)
	// publish the continuation only once its first slot is filled
	w.store(off+4*(n-1), int32(next))
	w.store(ob.off(ob.layout().lastHolder), int32(next))
	return nil
}

// AppendIdempotent is Append, except that it does nothing and returns false
// when |v| is already in the list.
func (w EdgeWriter) AppendIdempotent(owner Index, v int32) (bool, error) {
	if Contains(w.Mem, owner, v, Index(len(w.Mem)/Stride)) {
		return false, nil
	}
	return true, w.Append(owner, v)
}

// Contains reports whether |v| is in |owner|'s edge list as seen below |head|.
func Contains(mem []byte, owner Index, v int32, head Index) bool {
	it := Edges(mem, owner, head)
	for e, ok := it.Next(); ok; e, ok = it.Next() {
		if e == v {
			return true
		}
	}
	return false
}

// EdgeIter walks an edge list across its continuation blobs. Values and
// continuations at or beyond the head captured at construction are treated
// as the end of the list, so a reader never follows a half published append.
type EdgeIter struct {
	mem    []byte
	owner  Index
	head   Index
	fault  func(Index)
	holder Index
	off    int
	n      int
	pos    int
	done   bool
}

// Edges returns an iterator over |owner|'s edge list bounded by |head|.
func Edges(mem []byte, owner Index, head Index) *EdgeIter {
	return NewEdgeIter(mem, owner, head, nil)
}

// NewEdgeIter is Edges with a hook called with every holder before the
// iterator reads it, for regions whose bytes load on demand.
func NewEdgeIter(mem []byte, owner Index, head Index, fault func(Index)) *EdgeIter {
	it := &EdgeIter{mem: mem, owner: owner, head: head, fault: fault}
	it.Reset()
	return it
}

func (it *EdgeIter) enter(holder Index) {
	if it.fault != nil {
		it.fault(holder)
	}
	it.holder = holder
	it.off, it.n = holderSlots(it.mem, holder)
	it.pos = 0
}

// Reset restarts the iteration from the owner's first slot.
func (it *EdgeIter) Reset() {
	it.enter(it.owner)
	it.done = false
}

// Next returns the next edge list value.
func (it *EdgeIter) Next() (int32, bool) {
	for !it.done {
		if it.pos < it.n-1 {
			v := atomic.LoadInt32(slot(it.mem, it.off+4*it.pos))
			it.pos++
			if v == 0 || EdgeTarget(v) >= it.head {
				it.done = true
				return 0, false
			}
			return v, true
		}
		next := Index(atomic.LoadInt32(slot(it.mem, it.off+4*(it.n-1))))
		if next == 0 || next >= it.head {
			it.done = true
			return 0, false
		}
		it.enter(next)
	}
	return 0, false
}

// AllEdges collects every value of |owner|'s edge list below |head|.
func AllEdges(mem []byte, owner Index, head Index) []int32 {
	var ret []int32
	it := Edges(mem, owner, head)
	for v, ok := it.Next(); ok; v, ok = it.Next() {
		ret = append(ret, v)
	}
	return ret
}

// Scrub erases every reference the edge list fields of |b| hold to blobs at
// or beyond |hi|. For owners the last holder is recomputed by walking the
// surviving chain.
func Scrub(w EdgeWriter, b Blob, hi Index) {
	l := b.layout()
	if l.slots < 0 {
		return
	}
	off, n := b.off(l.slots), b.Capacity()
	for i := 0; i < n-1; i++ {
		p := off + 4*i
		if v := atomic.LoadInt32(slot(w.Mem, p)); v != 0 && EdgeTarget(v) >= hi {
			w.store(p, 0)
		}
	}
	term := off + 4*(n-1)
	if v := atomic.LoadInt32(slot(w.Mem, term)); v != 0 && Index(v) >= hi {
		w.store(term, 0)
	}
	if l.lastHolder < 0 {
		return
	}
	holder := b.idx
	for {
		hoff, hn := holderSlots(w.Mem, holder)
		next := Index(atomic.LoadInt32(slot(w.Mem, hoff+4*(hn-1))))
		if next == 0 || next >= hi {
			break
		}
		holder = next
	}
	if lh := b.off(l.lastHolder); atomic.LoadInt32(slot(w.Mem, lh)) != int32(holder) {
		w.store(lh, int32(holder))
	}
}

// AppendCanonical appends the bytes of |b| as they contribute to a structural
// hash bounded by |hi|: the last holder field is zeroed and so is every edge
// list value or continuation at or beyond |hi|.
func AppendCanonical(dst []byte, b Blob, hi Index) []byte {
	start := len(dst)
	dst = append(dst, b.Bytes()...)
	rec := dst[start:]
	l := b.layout()
	if l.lastHolder >= 0 {
		clear(rec[l.lastHolder : l.lastHolder+4])
	}
	if l.slots >= 0 {
		n := b.Capacity()
		for i := 0; i < n; i++ {
			p := l.slots + 4*i
			v := atomic.LoadInt32(slot(b.mem, b.off(p)))
			if v != 0 && EdgeTarget(v) >= hi {
				clear(rec[p : p+4])
			} else {
				// slots may be written concurrently, use the atomic read
				putInt32(rec[p:], v)
			}
		}
	}
	return dst
}

func putInt32(b []byte, v int32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

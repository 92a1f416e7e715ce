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

// Package blobs defines the binary layout of every record stored in a graph
// region.
//
// A region is one contiguous byte range. Its first HeaderSize bytes belong to
// the graph header; blobs are packed after it, each starting on a Stride
// boundary and addressed by Index, its offset in strides. A blob starts with
// a one-byte Kind tag, and its Kind fixes which of the optional fields (uid,
// source/target, token, inline edge list, data buffer) it carries.
//
// Edge lists hold signed int32 slots: a positive value is an outgoing edge,
// a negative value an incoming one and zero is an empty slot. The final slot
// of every holder is reserved for the index of the next DeferredEdgeList in
// the chain, zero meaning the chain ends here.
package blobs

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"

	"github.com/dolthub/blobgraph/store/d"
)

const (
	// Stride is the alignment, in bytes, of every blob.
	Stride = 16

	// HeaderSize is the number of bytes in front of the root blob.
	HeaderSize = 1024

	// Root is the index of the first blob in every region.
	Root Index = HeaderSize / Stride

	// LayoutVersion names this byte layout. It keys the structural hash.
	LayoutVersion = "blobgraph-layout-1"
)

// Index addresses a blob by its offset in strides from the start of the
// region. Zero is never a valid blob index.
type Index int32

// Offset is the byte offset of the blob.
func (i Index) Offset() int {
	return int(i) * Stride
}

// IndexOf converts a byte offset, which must be stride aligned.
func IndexOf(off int) Index {
	d.PanicIfFalse(off%Stride == 0, "blobs: unaligned offset %d", off)
	return Index(off / Stride)
}

// Out is the edge list value for an outgoing edge to |i|.
func Out(i Index) int32 {
	return int32(i)
}

// In is the edge list value for an incoming edge from |i|.
func In(i Index) int32 {
	return -int32(i)
}

// EdgeTarget is the blob an edge list value refers to.
func EdgeTarget(v int32) Index {
	if v < 0 {
		return Index(-v)
	}
	return Index(v)
}

func roundUp(n int) int {
	return (n + Stride - 1) &^ (Stride - 1)
}

// Blob is a read view of one record in a region.
type Blob struct {
	mem []byte
	idx Index
}

// At returns the blob at |idx|. The tag must be recognized and the whole
// blob must lie within |mem|.
func At(mem []byte, idx Index) Blob {
	off := idx.Offset()
	d.PanicIfFalse(idx >= Root && off+Stride <= len(mem), "blobs: index %d out of range", idx)
	b := Blob{mem: mem, idx: idx}
	sz := b.Size()
	d.PanicIfFalse(off+sz <= len(mem), "blobs: %s at %d overruns region", b.Kind(), idx)
	return b
}

// KindAt reads the tag at |idx| without validating the rest of the blob.
func KindAt(mem []byte, idx Index) Kind {
	off := idx.Offset()
	d.PanicIfFalse(idx >= Root && off < len(mem), "blobs: index %d out of range", idx)
	return Kind(mem[off])
}

func (b Blob) Index() Index {
	return b.idx
}

func (b Blob) Kind() Kind {
	k := Kind(b.mem[b.idx.Offset()])
	if !k.Valid() {
		d.Panic("blobs: unrecognized blob tag %d at index %d", uint8(k), b.idx)
	}
	return k
}

func (b Blob) layout() *layout {
	return b.Kind().layout()
}

func (b Blob) off(field int) int {
	return b.idx.Offset() + field
}

func (b Blob) u32(field int) uint32 {
	return binary.LittleEndian.Uint32(b.mem[b.off(field):])
}

// Size is the length of the blob in bytes, padded to the stride.
func (b Blob) Size() int {
	l := b.layout()
	switch {
	case l.dataLen >= 0:
		return roundUp(l.fixed + int(b.u32(l.dataLen)))
	case l.capField >= 0:
		return roundUp(l.fixed + 4*int(b.u32(l.capField)))
	default:
		return roundUp(l.fixed)
	}
}

// Next is the index just past this blob.
func (b Blob) Next() Index {
	return b.idx + Index(b.Size()/Stride)
}

// Bytes is the raw record, padding included.
func (b Blob) Bytes() []byte {
	off := b.idx.Offset()
	return b.mem[off : off+b.Size()]
}

func (b Blob) HasUID() bool          { return b.Kind().HasUID() }
func (b Blob) HasSourceTarget() bool { return b.Kind().HasSourceTarget() }
func (b Blob) HasEdgeList() bool     { return b.Kind().HasEdgeList() }
func (b Blob) HasDataBuffer() bool   { return b.Kind().HasDataBuffer() }

func (b Blob) UID() uuid.UUID {
	l := b.layout()
	d.PanicIfFalse(l.uid >= 0, "blobs: %s has no uid", l.name)
	return uuid.UUID(b.mem[b.off(l.uid) : b.off(l.uid)+16])
}

func (b Blob) Source() Index {
	l := b.layout()
	d.PanicIfFalse(l.source >= 0, "blobs: %s has no source", l.name)
	return Index(b.u32(l.source))
}

func (b Blob) Target() Index {
	l := b.layout()
	d.PanicIfFalse(l.target >= 0, "blobs: %s has no target", l.name)
	return Index(b.u32(l.target))
}

// Tx is the transaction that performed an assignment.
func (b Blob) Tx() Index {
	l := b.layout()
	d.PanicIfFalse(l.tx >= 0, "blobs: %s has no tx", l.name)
	return Index(b.u32(l.tx))
}

func (b Blob) Token() uint32 {
	l := b.layout()
	d.PanicIfFalse(l.token >= 0, "blobs: %s has no token", l.name)
	return b.u32(l.token)
}

// Time is the commit wall clock of a TxEvent, in unix nanoseconds.
func (b Blob) Time() int64 {
	l := b.layout()
	d.PanicIfFalse(l.time >= 0, "blobs: %s has no time", l.name)
	return int64(binary.LittleEndian.Uint64(b.mem[b.off(l.time):]))
}

func (b Blob) Data() []byte {
	l := b.layout()
	d.PanicIfFalse(l.data >= 0, "blobs: %s has no data buffer", l.name)
	start := b.off(l.data)
	return b.mem[start : start+int(b.u32(l.dataLen))]
}

// Owner is the blob whose edge list a DeferredEdgeList continues.
func (b Blob) Owner() Index {
	l := b.layout()
	d.PanicIfFalse(l.owner >= 0, "blobs: %s has no owner", l.name)
	return Index(b.u32(l.owner))
}

// LastHolder is the last blob in the edge list chain of an owner.
func (b Blob) LastHolder() Index {
	l := b.layout()
	d.PanicIfFalse(l.lastHolder >= 0, "blobs: %s has no edge list", l.name)
	return Index(atomic.LoadInt32(slot(b.mem, b.off(l.lastHolder))))
}

// Capacity is the number of slots in this blob's edge list, the terminator
// included.
func (b Blob) Capacity() int {
	l := b.layout()
	if l.capField >= 0 {
		return int(b.u32(l.capField))
	}
	d.PanicIfFalse(l.lastHolder >= 0, "blobs: %s has no edge list", l.name)
	return l.capacity
}

// Links returns the owners this blob registers itself with and the signed
// value stored in each owner's edge list.
func (b Blob) Links() []Link {
	l := b.layout()
	if len(l.links) == 0 {
		return nil
	}
	ret := make([]Link, len(l.links))
	for i, ln := range l.links {
		owner := Index(b.u32(ln.field))
		v := Out(b.idx)
		if ln.in {
			v = In(b.idx)
		}
		ret[i] = Link{Owner: owner, Value: v}
	}
	return ret
}

// Link is one edge list registration.
type Link struct {
	Owner Index
	Value int32
}

// slot returns the int32 at |off|. Edge list slots and last holder fields are
// only touched through atomic loads and stores on it.
func slot(mem []byte, off int) *int32 {
	d.PanicIfFalse(off%4 == 0 && off+4 <= len(mem), "blobs: bad slot offset %d", off)
	return (*int32)(unsafe.Pointer(&mem[off]))
}

// Spec describes a blob to be written by Encode.
type Spec struct {
	Kind     Kind
	UID      uuid.UUID
	Source   Index
	Target   Index
	Tx       Index
	Token    uint32
	Time     int64
	Data     []byte
	Owner    Index
	Capacity int
}

// SizeOf is the padded size Encode will write for |s|.
func SizeOf(s Spec) int {
	l := s.Kind.layout()
	switch {
	case l.dataLen >= 0:
		return roundUp(l.fixed + len(s.Data))
	case l.capField >= 0:
		return roundUp(l.fixed + 4*s.Capacity)
	default:
		return roundUp(l.fixed)
	}
}

// Encode writes |s| at |idx| and returns the written blob. The destination
// bytes must be zero. An owner starts out as its own last holder.
func Encode(mem []byte, idx Index, s Spec) Blob {
	l := s.Kind.layout()
	sz := SizeOf(s)
	off := idx.Offset()
	d.PanicIfFalse(idx >= Root && off+sz <= len(mem), "blobs: no room for %s at %d", l.name, idx)
	buf := mem[off : off+sz]
	put := func(field int, v uint32) {
		binary.LittleEndian.PutUint32(buf[field:], v)
	}
	if l.uid >= 0 {
		copy(buf[l.uid:], s.UID[:])
	}
	if l.source >= 0 {
		put(l.source, uint32(s.Source))
		put(l.target, uint32(s.Target))
	}
	if l.tx >= 0 {
		put(l.tx, uint32(s.Tx))
	}
	if l.token >= 0 {
		put(l.token, s.Token)
	}
	if l.time >= 0 {
		binary.LittleEndian.PutUint64(buf[l.time:], uint64(s.Time))
	}
	if l.dataLen >= 0 {
		put(l.dataLen, uint32(len(s.Data)))
		copy(buf[l.data:], s.Data)
	}
	if l.capField >= 0 {
		d.PanicIfFalse(s.Capacity >= 2 && s.Capacity <= MaxDeferredCap, "blobs: bad deferred capacity %d", s.Capacity)
		put(l.owner, uint32(s.Owner))
		put(l.capField, uint32(s.Capacity))
	}
	if l.lastHolder >= 0 {
		put(l.lastHolder, uint32(idx))
	}
	// the tag goes last so a zeroed tag never fronts a half written record
	buf[0] = byte(s.Kind)
	return Blob{mem: mem, idx: idx}
}

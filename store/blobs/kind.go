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
	"fmt"

	"github.com/dolthub/blobgraph/store/d"
)

// Kind is the one-byte type tag every blob starts with.
type Kind uint8

const (
	KindUnspecified Kind = iota
	KindRoot
	KindTxEvent
	KindNextTxEdge
	KindEntity
	KindAtomicEntity
	KindAtomicValue
	KindRelation
	KindInstantiationEdge
	KindTerminationEdge
	KindValueAssignmentEdge
	KindTagAssignmentEdge
	KindDeferredEdgeList
	KindForeignGraph
	KindForeignEntity
	KindForeignAtomicEntity
	KindForeignRelation
	KindOriginRAEEdge
	KindOriginGraphEdge

	numKinds
)

// NumKinds is the number of valid tags, KindUnspecified excluded.
const NumKinds = int(numKinds) - 1

func (k Kind) String() string {
	if k.Valid() {
		return kinds[k].name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Valid reports whether |k| names a real blob type.
func (k Kind) Valid() bool {
	return k > KindUnspecified && k < numKinds
}

func (k Kind) HasUID() bool          { return k.layout().uid >= 0 }
func (k Kind) HasSourceTarget() bool { return k.layout().source >= 0 }
func (k Kind) HasEdgeList() bool     { return k.layout().lastHolder >= 0 }
func (k Kind) HasDataBuffer() bool   { return k.layout().data >= 0 }
func (k Kind) HasToken() bool        { return k.layout().token >= 0 }

// IsEdge reports whether blobs of this kind register themselves in the edge
// lists of the blobs they point at.
func (k Kind) IsEdge() bool { return len(k.layout().links) > 0 }

func (k Kind) layout() *layout {
	if !k.Valid() {
		d.Panic("blobs: unrecognized blob tag %d", uint8(k))
	}
	return &kinds[k]
}

// link describes an edge registration: the blob named by the int32 field at
// |field| receives this blob's index, negated when |in| is set.
type link struct {
	field int
	in    bool
}

// layout is the byte map of one Kind. Offsets of absent fields are -1.
type layout struct {
	name string

	uid    int
	source int
	target int
	tx     int
	token  int
	time   int

	// edge list owners
	lastHolder int
	slots      int
	capacity   int

	// deferred edge list continuation nodes
	owner    int
	capField int

	// variable length buffer, length at dataLen
	dataLen int
	data    int

	fixed int
	links []link
}

type layoutBuilder struct {
	l   layout
	off int
}

func newLayout(name string) *layoutBuilder {
	return &layoutBuilder{
		l: layout{
			name: name, uid: -1, source: -1, target: -1, tx: -1, token: -1, time: -1,
			lastHolder: -1, slots: -1, owner: -1, capField: -1, dataLen: -1, data: -1,
		},
		// byte 0 is the tag, bytes 1-3 are zero
		off: 4,
	}
}

func (b *layoutBuilder) field(dst *int, size int) *layoutBuilder {
	for b.off%size != 0 {
		b.off++
	}
	*dst = b.off
	b.off += size
	return b
}

func (b *layoutBuilder) withUID() *layoutBuilder    { return b.field(&b.l.uid, 4).grow(12) }
func (b *layoutBuilder) withToken() *layoutBuilder  { return b.field(&b.l.token, 4) }
func (b *layoutBuilder) withTime() *layoutBuilder   { return b.field(&b.l.time, 8) }
func (b *layoutBuilder) withOwner() *layoutBuilder  { return b.field(&b.l.owner, 4).field(&b.l.capField, 4) }
func (b *layoutBuilder) withLength() *layoutBuilder { return b.field(&b.l.dataLen, 4) }

func (b *layoutBuilder) grow(n int) *layoutBuilder {
	b.off += n
	return b
}

func (b *layoutBuilder) withSourceTarget() *layoutBuilder {
	return b.field(&b.l.source, 4).field(&b.l.target, 4)
}

// linked registers the blob as outgoing on its source and incoming on its
// target.
func (b *layoutBuilder) linked() *layoutBuilder {
	return b.linkSource().linkTarget()
}

func (b *layoutBuilder) linkSource() *layoutBuilder {
	b.l.links = append(b.l.links, link{field: b.l.source})
	return b
}

func (b *layoutBuilder) linkTarget() *layoutBuilder {
	b.l.links = append(b.l.links, link{field: b.l.target, in: true})
	return b
}

func (b *layoutBuilder) withTx() *layoutBuilder {
	b.field(&b.l.tx, 4)
	b.l.links = append(b.l.links, link{field: b.l.tx})
	return b
}

func (b *layoutBuilder) withEdges(capacity int) *layoutBuilder {
	b.field(&b.l.lastHolder, 4)
	b.l.slots = b.off
	b.l.capacity = capacity
	b.off += 4 * capacity
	return b
}

func (b *layoutBuilder) withSlots() *layoutBuilder {
	b.l.slots = b.off
	return b
}

func (b *layoutBuilder) withData() *layoutBuilder {
	b.l.data = b.off
	return b
}

func (b *layoutBuilder) build() layout {
	b.l.fixed = b.off
	return b.l
}

const (
	rootCapacity   = 16
	nodeCapacity   = 8
	MaxDeferredCap = 1024
)

// kinds is indexed by Kind. An entry left out here is caught at init.
var kinds = [numKinds]layout{
	KindRoot:     newLayout("Root").withUID().withEdges(rootCapacity).build(),
	KindTxEvent:  newLayout("TxEvent").withUID().withTime().withEdges(nodeCapacity).build(),
	KindEntity:   newLayout("Entity").withUID().withToken().withEdges(nodeCapacity).build(),
	KindRelation: newLayout("Relation").withUID().withToken().withSourceTarget().linked().withEdges(nodeCapacity).build(),

	KindAtomicEntity: newLayout("AtomicEntity").withUID().withToken().withEdges(nodeCapacity).build(),
	KindAtomicValue:  newLayout("AtomicValue").withToken().withLength().withData().build(),

	KindNextTxEdge:          newLayout("NextTxEdge").withSourceTarget().linked().build(),
	KindInstantiationEdge:   newLayout("InstantiationEdge").withSourceTarget().linked().build(),
	KindTerminationEdge:     newLayout("TerminationEdge").withSourceTarget().linked().build(),
	KindValueAssignmentEdge: newLayout("ValueAssignmentEdge").withSourceTarget().linkSource().withTx().build(),
	KindTagAssignmentEdge:   newLayout("TagAssignmentEdge").withSourceTarget().linked().withLength().withData().build(),

	KindDeferredEdgeList: newLayout("DeferredEdgeList").withOwner().withSlots().build(),

	KindForeignGraph:        newLayout("ForeignGraph").withUID().withEdges(nodeCapacity).build(),
	KindForeignEntity:       newLayout("ForeignEntity").withUID().withToken().withEdges(nodeCapacity).build(),
	KindForeignAtomicEntity: newLayout("ForeignAtomicEntity").withUID().withToken().withEdges(nodeCapacity).build(),
	KindForeignRelation:     newLayout("ForeignRelation").withUID().withToken().withSourceTarget().linked().withEdges(nodeCapacity).build(),
	KindOriginRAEEdge:       newLayout("OriginRAEEdge").withSourceTarget().linked().build(),
	KindOriginGraphEdge:     newLayout("OriginGraphEdge").withSourceTarget().linked().build(),
}

func init() {
	for k := KindUnspecified + 1; k < numKinds; k++ {
		l := &kinds[k]
		d.Chk.NotEmpty(l.name, "blobs: no layout for kind %d", k)
		d.Chk.GreaterOrEqual(l.fixed, 4, "blobs: %s layout overlaps its tag", l.name)
		for _, ln := range l.links {
			d.Chk.GreaterOrEqual(ln.field, 4, "blobs: %s links through a field it lacks", l.name)
		}
		if l.lastHolder >= 0 {
			d.Chk.Positive(l.capacity, "blobs: %s has an edge list without slots", l.name)
		}
	}
}

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
	"github.com/dolthub/blobgraph/store/d"
)

// Visitor has one method per Kind. A new Kind without a method here fails to
// compile wherever a Visitor is implemented.
type Visitor interface {
	Root(Blob)
	TxEvent(Blob)
	NextTxEdge(Blob)
	Entity(Blob)
	AtomicEntity(Blob)
	AtomicValue(Blob)
	Relation(Blob)
	InstantiationEdge(Blob)
	TerminationEdge(Blob)
	ValueAssignmentEdge(Blob)
	TagAssignmentEdge(Blob)
	DeferredEdgeList(Blob)
	ForeignGraph(Blob)
	ForeignEntity(Blob)
	ForeignAtomicEntity(Blob)
	ForeignRelation(Blob)
	OriginRAEEdge(Blob)
	OriginGraphEdge(Blob)
}

// Visit dispatches |b| to the method of |v| matching its Kind.
func Visit(b Blob, v Visitor) {
	switch k := b.Kind(); k {
	case KindRoot:
		v.Root(b)
	case KindTxEvent:
		v.TxEvent(b)
	case KindNextTxEdge:
		v.NextTxEdge(b)
	case KindEntity:
		v.Entity(b)
	case KindAtomicEntity:
		v.AtomicEntity(b)
	case KindAtomicValue:
		v.AtomicValue(b)
	case KindRelation:
		v.Relation(b)
	case KindInstantiationEdge:
		v.InstantiationEdge(b)
	case KindTerminationEdge:
		v.TerminationEdge(b)
	case KindValueAssignmentEdge:
		v.ValueAssignmentEdge(b)
	case KindTagAssignmentEdge:
		v.TagAssignmentEdge(b)
	case KindDeferredEdgeList:
		v.DeferredEdgeList(b)
	case KindForeignGraph:
		v.ForeignGraph(b)
	case KindForeignEntity:
		v.ForeignEntity(b)
	case KindForeignAtomicEntity:
		v.ForeignAtomicEntity(b)
	case KindForeignRelation:
		v.ForeignRelation(b)
	case KindOriginRAEEdge:
		v.OriginRAEEdge(b)
	case KindOriginGraphEdge:
		v.OriginGraphEdge(b)
	default:
		d.Panic("blobs: no visitor case for %s", k)
	}
}

// Walk calls |cb| for every blob in [lo, hi) in index order. It stops at the
// first error.
func Walk(mem []byte, lo, hi Index, cb func(Blob) error) error {
	for i := lo; i < hi; {
		b := At(mem, i)
		if err := cb(b); err != nil {
			return err
		}
		i = b.Next()
		d.PanicIfTrue(i > hi, "blobs: blob at %d straddles bound %d", b.idx, hi)
	}
	return nil
}

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
	"fmt"

	"github.com/dolthub/blobgraph/store/blobs"
	"github.com/dolthub/blobgraph/store/d"
)

// Sliced is a Ref observed as of one transaction. Everything a Sliced ref
// reports reflects the transactions up to and including |Tx|.
type Sliced struct {
	Ref
	Tx Ref
}

// Slice observes |r| as of transaction |tx|, which must be a transaction
// event of the same graph.
func Slice(r Ref, tx Ref) Sliced {
	d.PanicIfFalse(r.g == tx.g, "refs: slicing %s with a transaction of another graph", r)
	d.PanicIfFalse(tx.Kind() == blobs.KindTxEvent || tx.Kind() == blobs.KindRoot, "refs: %s is not a transaction", tx)
	return Sliced{Ref: r, Tx: tx}
}

// Now observes |r| as of the latest committed transaction.
func Now(r Ref) Sliced {
	return Slice(r, New(r.g, r.g.Heads().LatestCompleteTx))
}

// Equals compares two sliced refs. Refs sliced at different transactions are
// not comparable.
func (s Sliced) Equals(o Sliced) (bool, error) {
	if s.Tx != o.Tx {
		return false, ErrIncomparableSlices.New(s.Tx.idx, o.Tx.idx)
	}
	return s.Ref == o.Ref, nil
}

// In returns |o| observed in the same transaction as |s|.
func (s Sliced) In(o Ref) Sliced {
	return Slice(o, s.Tx)
}

// visible reports whether the edge blob |e| was written by a transaction at
// or before the slice.
func (s Sliced) visible(tx blobs.Index) bool {
	return tx <= s.Tx.idx
}

func (s Sliced) edges(f func(v int32, b blobs.Blob) bool) {
	g := s.g
	it := g.EdgeIter(s.idx, g.ReadHead())
	for v, ok := it.Next(); ok; v, ok = it.Next() {
		if !f(v, g.Blob(blobs.EdgeTarget(v))) {
			return
		}
	}
}

// Alive reports whether the blob had been instantiated and not yet
// terminated as of the slice. Placeholders for foreign blobs have no
// instantiation edge and count as instantiated.
func (s Sliced) Alive() bool {
	k := s.Kind()
	born := k == blobs.KindRoot || k == blobs.KindForeignEntity || k == blobs.KindForeignAtomicEntity || k == blobs.KindForeignRelation
	dead := false
	s.edges(func(v int32, b blobs.Blob) bool {
		if v > 0 {
			return true
		}
		switch b.Kind() {
		case blobs.KindInstantiationEdge:
			born = born || s.visible(b.Source())
		case blobs.KindTerminationEdge:
			dead = dead || s.visible(b.Source())
		}
		return true
	})
	return born && !dead
}

// Value returns the value of an atomic entity as of the slice.
func (s Sliced) Value() ([]byte, bool) {
	var last blobs.Blob
	found := false
	s.edges(func(v int32, b blobs.Blob) bool {
		if v > 0 && b.Kind() == blobs.KindValueAssignmentEdge && s.visible(b.Tx()) {
			last, found = b, true
		}
		return true
	})
	if !found {
		return nil, false
	}
	return s.g.Blob(last.Target()).Data(), true
}

// Relations lists the live relations leaving (|out|) or entering the blob as
// of the slice.
func (s Sliced) Relations(out bool) SlicedRefs {
	ret := SlicedRefs{Tx: s.Tx}
	s.edges(func(v int32, b blobs.Blob) bool {
		if (v > 0) != out {
			return true
		}
		switch b.Kind() {
		case blobs.KindRelation, blobs.KindForeignRelation:
			if rel := s.In(Ref{s.g, b.Index()}); rel.Alive() {
				ret.Append(b.Index())
			}
		}
		return true
	})
	return ret
}

func (s Sliced) String() string {
	return fmt.Sprintf("%s|%d", s.Ref, s.Tx.idx)
}

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

// Package refs holds handles to blobs of a graph: the plain Ref, the Sliced
// ref that observes its blob as of one transaction, and small collections of
// either.
package refs

import (
	"fmt"

	"github.com/google/uuid"
	goerrors "gopkg.in/src-d/go-errors.v1"

	"github.com/dolthub/blobgraph/store/blobs"
	"github.com/dolthub/blobgraph/store/d"
	"github.com/dolthub/blobgraph/store/graph"
)

// ErrIncomparableSlices is returned when refs observed in different
// transactions are compared.
var ErrIncomparableSlices = goerrors.NewKind("cannot compare refs sliced at transaction %d and transaction %d")

// Ref is a handle to one blob. The zero Ref is null.
type Ref struct {
	g   *graph.GraphData
	idx blobs.Index
}

// New returns a Ref to the blob at |idx|. An index outside the graph's
// written range, or one that does not start a blob, is a fault.
func New(g *graph.GraphData, idx blobs.Index) Ref {
	d.PanicIfTrue(g == nil, "refs: nil graph")
	wh := g.WriteHead()
	d.PanicIfFalse(idx >= blobs.Root && idx < wh, "refs: index %d outside [%d, %d)", idx, blobs.Root, wh)
	g.Blob(idx)
	return Ref{g, idx}
}

// FromUID resolves |uid| among the committed blobs of |g|.
func FromUID(g *graph.GraphData, uid uuid.UUID) (Ref, bool) {
	idx, ok := g.LookupUID(uid)
	if !ok {
		return Ref{}, false
	}
	return Ref{g, idx}, true
}

func (r Ref) IsNull() bool {
	return r.g == nil
}

// Valid reports whether |r| is non-null and points at a recognized blob.
func (r Ref) Valid() bool {
	if r.g == nil || r.idx < blobs.Root || r.idx >= r.g.WriteHead() {
		return false
	}
	return blobs.KindAt(r.g.Region().Bytes(), r.idx).Valid()
}

func (r Ref) Index() blobs.Index {
	return r.idx
}

func (r Ref) Graph() *graph.GraphData {
	return r.g
}

func (r Ref) Blob() blobs.Blob {
	return r.g.Blob(r.idx)
}

func (r Ref) Kind() blobs.Kind {
	return r.Blob().Kind()
}

// Follow returns a Ref to the blob |v| points at, where |v| is an edge list
// value of this ref's blob.
func (r Ref) Follow(v int32) Ref {
	return New(r.g, blobs.EdgeTarget(v))
}

func (r Ref) String() string {
	if r.g == nil {
		return "null"
	}
	return fmt.Sprintf("%s@%d", r.Kind(), r.idx)
}

// Less orders refs of one graph by position.
func Less(r1, r2 Ref) bool {
	return r1.idx < r2.idx
}

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

package graph

import (
	"context"

	"github.com/google/uuid"

	"github.com/dolthub/blobgraph/store/blobs"
	"github.com/dolthub/blobgraph/store/d"
)

// Blob returns the blob at |idx|, faulting it in if needed. An index at or
// beyond the write head is a fault.
func (g *GraphData) Blob(idx blobs.Index) blobs.Blob {
	b, err := g.LoadBlob(context.Background(), idx)
	d.PanicIfError(err)
	return b
}

// LoadBlob is Blob with a context for the fetch of a non-resident blob.
func (g *GraphData) LoadBlob(ctx context.Context, idx blobs.Index) (blobs.Blob, error) {
	wh := g.WriteHead()
	d.PanicIfFalse(idx >= blobs.Root && idx < wh, "graph: blob index %d outside [%d, %d)", idx, blobs.Root, wh)
	if err := g.ensure(ctx, idx); err != nil {
		return blobs.Blob{}, err
	}
	return blobs.At(g.region.Bytes(), idx), nil
}

// Edges lists the edge list of |owner| as visible to readers.
func (g *GraphData) Edges(owner blobs.Index) []int32 {
	var ret []int32
	it := g.EdgeIter(owner, g.ReadHead())
	for v, ok := it.Next(); ok; v, ok = it.Next() {
		ret = append(ret, v)
	}
	return ret
}

// EdgeIter iterates the edge list of |owner| bounded by |head|, faulting in
// continuation blobs as they are reached.
func (g *GraphData) EdgeIter(owner blobs.Index, head blobs.Index) *blobs.EdgeIter {
	var fault func(blobs.Index)
	if g.region.Paged() {
		fault = func(idx blobs.Index) { g.Blob(idx) }
	}
	return blobs.NewEdgeIter(g.region.Bytes(), owner, head, fault)
}

// LookupUID resolves a blob uid.
func (g *GraphData) LookupUID(uid uuid.UUID) (blobs.Index, bool) {
	idx, ok := g.caches.UIDs.Lookup(uid)
	if !ok || idx >= g.ReadHead() {
		return 0, false
	}
	return idx, true
}

// LookupTag resolves a tag to the transaction that last assigned it.
func (g *GraphData) LookupTag(name string) (blobs.Index, bool) {
	idx, ok := g.caches.Tags.Lookup(name)
	if !ok || idx >= g.ReadHead() {
		return 0, false
	}
	return idx, true
}

// Walk calls |cb| for every blob in [lo, hi). |hi| may not exceed the read
// head.
func (g *GraphData) Walk(ctx context.Context, lo, hi blobs.Index, cb func(blobs.Blob) error) error {
	d.PanicIfTrue(hi > g.ReadHead(), "graph: walk bound %d beyond read head %d", hi, g.ReadHead())
	for i := lo; i < hi; {
		b, err := g.LoadBlob(ctx, i)
		if err != nil {
			return err
		}
		if err := cb(b); err != nil {
			return err
		}
		i = b.Next()
	}
	return nil
}

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
	"context"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dolthub/blobgraph/store/blobs"
	"github.com/dolthub/blobgraph/store/graph"
	"github.com/dolthub/blobgraph/store/region"
)

func newTestGraph(t *testing.T) *graph.GraphData {
	g, err := graph.New(uuid.New(), region.NewHeap(1<<20), graph.Options{})
	require.NoError(t, err)
	return g
}

func commit(t *testing.T, g *graph.GraphData, f func(tx *graph.Tx)) Ref {
	var node blobs.Index
	require.NoError(t, g.WithTransaction(context.Background(), graph.FinishOptions{}, func(_ context.Context, tx *graph.Tx) error {
		node = tx.Node()
		f(tx)
		return nil
	}))
	return New(g, node)
}

func TestRefValidity(t *testing.T) {
	assert := assert.New(t)
	g := newTestGraph(t)

	var null Ref
	assert.True(null.IsNull())
	assert.False(null.Valid())
	assert.Equal("null", null.String())

	root := New(g, blobs.Root)
	assert.True(root.Valid())
	assert.Equal(blobs.KindRoot, root.Kind())
	assert.Equal(blobs.Root, root.Index())

	assert.Panics(func() { New(g, g.WriteHead()) })
	assert.Panics(func() { New(g, 0) })
	assert.Panics(func() { New(nil, blobs.Root) })

	byUID, ok := FromUID(g, g.UID())
	assert.True(ok)
	assert.Equal(root, byUID)
	_, ok = FromUID(g, uuid.New())
	assert.False(ok)
}

func TestSlicedEquality(t *testing.T) {
	assert := assert.New(t)
	g := newTestGraph(t)
	var e blobs.Index
	tx1 := commit(t, g, func(tx *graph.Tx) {
		var err error
		e, err = tx.InstantiateEntity(1)
		require.NoError(t, err)
	})
	tx2 := commit(t, g, func(*graph.Tx) {})

	a := Slice(New(g, e), tx1)
	b := Slice(New(g, e), tx1)
	eq, err := a.Equals(b)
	assert.NoError(err)
	assert.True(eq)

	eq, err = a.Equals(Slice(New(g, blobs.Root), tx1))
	assert.NoError(err)
	assert.False(eq)

	_, err = a.Equals(Slice(New(g, e), tx2))
	assert.True(ErrIncomparableSlices.Is(err))

	assert.Equal(tx2, Now(New(g, e)).Tx)
	assert.Panics(func() { Slice(New(g, e), New(g, e)) })
}

func TestSlicedObservesHistory(t *testing.T) {
	assert := assert.New(t)
	g := newTestGraph(t)
	var e, ae, rel blobs.Index
	before := commit(t, g, func(*graph.Tx) {})
	born := commit(t, g, func(tx *graph.Tx) {
		var err error
		e, err = tx.InstantiateEntity(1)
		require.NoError(t, err)
		ae, err = tx.InstantiateAtomicEntity(2)
		require.NoError(t, err)
		rel, err = tx.InstantiateRelation(3, e, ae)
		require.NoError(t, err)
		_, err = tx.AssignValue(ae, []byte("first"))
		require.NoError(t, err)
	})
	changed := commit(t, g, func(tx *graph.Tx) {
		_, err := tx.AssignValue(ae, []byte("second"))
		require.NoError(t, err)
		_, err = tx.Terminate(rel)
		require.NoError(t, err)
	})

	assert.False(Slice(New(g, e), before).Alive())
	assert.True(Slice(New(g, e), born).Alive())
	assert.True(Slice(New(g, rel), born).Alive())
	assert.False(Slice(New(g, rel), changed).Alive())
	assert.True(Slice(New(g, blobs.Root), before).Alive())

	v, ok := Slice(New(g, ae), born).Value()
	assert.True(ok)
	assert.Equal("first", string(v))
	v, ok = Slice(New(g, ae), changed).Value()
	assert.True(ok)
	assert.Equal("second", string(v))
	_, ok = Slice(New(g, ae), before).Value()
	assert.False(ok)

	out := Slice(New(g, e), born).Relations(true)
	assert.Equal([]blobs.Index{rel}, out.Indices())
	in := Slice(New(g, ae), born).Relations(false)
	assert.Equal([]blobs.Index{rel}, in.Indices())
	assert.Equal(rel, in.At(0).Index())
	assert.Equal(born, in.At(0).Tx)
	changedOut := Slice(New(g, e), changed).Relations(true)
	assert.Zero(changedOut.Len())
	bornIn := Slice(New(g, e), born).Relations(false)
	assert.Zero(bornIn.Len())
}

func TestRefsDelegation(t *testing.T) {
	assert := assert.New(t)
	var rs Refs
	for i := 1; i <= InlineRefs; i++ {
		rs.Append(blobs.Index(i))
	}
	assert.False(rs.Delegated())
	assert.Equal(InlineRefs, rs.Len())

	rs.Append(100)
	assert.True(rs.Delegated())
	assert.Equal(InlineRefs+1, rs.Len())
	assert.Equal(blobs.Index(100), rs.At(InlineRefs))
	assert.True(rs.Contains(3))
	assert.False(rs.Contains(99))

	c := rs.Clone()
	assert.True(c.Equals(&rs))
	c.Swap(0, 1)
	assert.False(c.Equals(&rs))
	assert.Equal(blobs.Index(1), rs.At(0))

	m := rs.Move()
	assert.Zero(rs.Len())
	assert.False(rs.Delegated())
	assert.True(m.Delegated())
	assert.Equal(InlineRefs+1, m.Len())
	rs.Append(7)
	assert.Equal([]blobs.Index{7}, rs.Indices())
	assert.Equal(blobs.Index(1), m.At(0))
}

func TestClonedRefsAppendIndependently(t *testing.T) {
	assert := assert.New(t)
	rs := NewRefs(2 * InlineRefs)
	for i := 1; i <= InlineRefs+1; i++ {
		rs.Append(blobs.Index(i))
	}
	require.True(t, rs.Delegated())
	require.Greater(t, cap(rs.delegate), rs.Len())

	c := rs.Clone()
	c.Append(200)
	rs.Append(100)
	assert.Equal(blobs.Index(100), rs.At(InlineRefs+1))
	assert.Equal(blobs.Index(200), c.At(InlineRefs+1))

	m := c.Move()
	m.Append(300)
	rs.Append(101)
	assert.Equal(blobs.Index(300), m.At(InlineRefs+2))
	assert.Equal(blobs.Index(101), rs.At(InlineRefs+2))
	assert.Zero(c.Len())
}

func TestRefsGrow(t *testing.T) {
	assert := assert.New(t)
	small := NewRefs(InlineRefs)
	assert.False(small.Delegated())
	big := NewRefs(20)
	assert.True(big.Delegated())
	assert.Equal(20, cap(big.delegate))

	inline := NewRefs(0)
	inline.Append(5, 3, 9)
	inline.Grow(30)
	assert.True(inline.Delegated())
	assert.Equal([]blobs.Index{5, 3, 9}, inline.Indices())
	sort.Sort(&inline)
	assert.Equal([]blobs.Index{3, 5, 9}, inline.Indices())

	inline.Reset()
	assert.Zero(inline.Len())
	assert.False(inline.Delegated())
}

func TestSlicedRefs(t *testing.T) {
	assert := assert.New(t)
	g := newTestGraph(t)
	tx1 := commit(t, g, func(*graph.Tx) {})
	tx2 := commit(t, g, func(*graph.Tx) {})

	a := SlicedRefs{Tx: tx1}
	a.Append(blobs.Root)
	b := a.Clone()
	eq, err := a.Equals(&b)
	assert.NoError(err)
	assert.True(eq)

	c := SlicedRefs{Tx: tx2}
	c.Append(blobs.Root)
	_, err = a.Equals(&c)
	assert.True(ErrIncomparableSlices.Is(err))

	m := a.Move()
	assert.True(a.Tx.IsNull())
	assert.Zero(a.Len())
	assert.Equal(tx1, m.Tx)
	assert.Equal(1, m.Len())
}

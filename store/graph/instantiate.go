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
	"github.com/dolthub/blobgraph/store/caches"
)

// WithTransaction runs |f| inside a transaction. The transaction is aborted
// if |f| returns an error or panics, and finished with |opts| otherwise.
func (g *GraphData) WithTransaction(ctx context.Context, opts FinishOptions, f func(ctx context.Context, tx *Tx) error) error {
	ctx, tx, err := g.StartTransaction(ctx)
	if err != nil {
		return err
	}
	done := false
	defer func() {
		if !done {
			tx.Abort()
		}
	}()
	if err := f(ctx, tx); err != nil {
		return err
	}
	done = true
	return tx.Finish(ctx, opts)
}

// checkKind validates a caller supplied index against the write head.
func (t *Tx) checkKind(idx blobs.Index, what string, ok func(blobs.Kind) bool) error {
	wh := t.g.WriteHead()
	if idx < blobs.Root || idx >= wh {
		return ErrBadIndex.New(idx, what, wh)
	}
	b, err := t.g.LoadBlob(context.Background(), idx)
	if err != nil {
		return err
	}
	if !ok(b.Kind()) {
		return ErrBadIndex.New(idx, what, wh)
	}
	return nil
}

func isRAE(k blobs.Kind) bool {
	switch k {
	case blobs.KindEntity, blobs.KindAtomicEntity, blobs.KindRelation,
		blobs.KindForeignEntity, blobs.KindForeignAtomicEntity, blobs.KindForeignRelation:
		return true
	}
	return false
}

func isKind(want blobs.Kind) func(blobs.Kind) bool {
	return func(k blobs.Kind) bool { return k == want }
}

// instantiate appends |s| and the instantiation edge from this transaction.
func (t *Tx) instantiate(s blobs.Spec) (blobs.Index, error) {
	if s.Kind.HasUID() && s.UID == uuid.Nil {
		s.UID = t.newUID()
	}
	b, err := t.appendLinked(s)
	if err != nil {
		return 0, err
	}
	_, err = t.appendLinked(blobs.Spec{Kind: blobs.KindInstantiationEdge, Source: t.node, Target: b.Index()})
	return b.Index(), err
}

// InstantiateEntity creates an entity of type |entityType|.
func (t *Tx) InstantiateEntity(entityType uint32) (blobs.Index, error) {
	return t.instantiate(blobs.Spec{Kind: blobs.KindEntity, Token: entityType})
}

// InstantiateAtomicEntity creates an atomic entity holding values of type
// |valueType|.
func (t *Tx) InstantiateAtomicEntity(valueType uint32) (blobs.Index, error) {
	return t.instantiate(blobs.Spec{Kind: blobs.KindAtomicEntity, Token: valueType})
}

// InstantiateRelation creates a relation of type |relationType| from |src|
// to |dst|, both of which must be entities, atomic entities or relations.
func (t *Tx) InstantiateRelation(relationType uint32, src, dst blobs.Index) (blobs.Index, error) {
	if err := t.checkKind(src, "relation endpoint", isRAE); err != nil {
		return 0, err
	}
	if err := t.checkKind(dst, "relation endpoint", isRAE); err != nil {
		return 0, err
	}
	return t.instantiate(blobs.Spec{Kind: blobs.KindRelation, Token: relationType, Source: src, Target: dst})
}

// AssignValue stores |data| as the current value of atomic entity |ae|.
func (t *Tx) AssignValue(ae blobs.Index, data []byte) (blobs.Index, error) {
	if err := t.checkKind(ae, "atomic entity", isKind(blobs.KindAtomicEntity)); err != nil {
		return 0, err
	}
	val, err := t.appendLinked(blobs.Spec{Kind: blobs.KindAtomicValue, Token: t.g.Blob(ae).Token(), Data: data})
	if err != nil {
		return 0, err
	}
	edge, err := t.appendLinked(blobs.Spec{Kind: blobs.KindValueAssignmentEdge, Source: ae, Target: val.Index(), Tx: t.node})
	if err != nil {
		return 0, err
	}
	return edge.Index(), nil
}

// Value returns the most recently assigned value of |ae| as seen by this
// transaction.
func (t *Tx) Value(ae blobs.Index) ([]byte, bool) {
	return latestValue(t.g, ae, t.g.WriteHead())
}

func latestValue(g *GraphData, ae blobs.Index, head blobs.Index) ([]byte, bool) {
	var last blobs.Index
	it := g.EdgeIter(ae, head)
	for v, ok := it.Next(); ok; v, ok = it.Next() {
		if v > 0 && g.Blob(blobs.EdgeTarget(v)).Kind() == blobs.KindValueAssignmentEdge {
			last = blobs.EdgeTarget(v)
		}
	}
	if last == 0 {
		return nil, false
	}
	return g.Blob(g.Blob(last).Target()).Data(), true
}

// Value returns the committed value of |ae|.
func (g *GraphData) Value(ae blobs.Index) ([]byte, bool) {
	return latestValue(g, ae, g.ReadHead())
}

// Terminate ends the lifetime of |rae| in this transaction.
func (t *Tx) Terminate(rae blobs.Index) (blobs.Index, error) {
	if err := t.checkKind(rae, "entity, atomic entity or relation", isRAE); err != nil {
		return 0, err
	}
	if terminatedBefore(t.g, rae, t.g.WriteHead()) {
		return 0, ErrAlreadyTerminated.New(rae)
	}
	b, err := t.appendLinked(blobs.Spec{Kind: blobs.KindTerminationEdge, Source: t.node, Target: rae})
	return b.Index(), err
}

func terminatedBefore(g *GraphData, rae blobs.Index, head blobs.Index) bool {
	it := g.EdgeIter(rae, head)
	for v, ok := it.Next(); ok; v, ok = it.Next() {
		if v < 0 && g.Blob(blobs.EdgeTarget(v)).Kind() == blobs.KindTerminationEdge {
			return true
		}
	}
	return false
}

// IsTerminated reports whether a committed transaction terminated |rae|.
func (g *GraphData) IsTerminated(rae blobs.Index) bool {
	return terminatedBefore(g, rae, g.ReadHead())
}

// AssignTag names the graph state at this transaction. A later assignment of
// the same name moves it.
func (t *Tx) AssignTag(name string) (blobs.Index, error) {
	if len(name) == 0 || len(name) > caches.MaxTagLen {
		return 0, ErrBadIndex.New(t.node, "tag name of valid length", t.g.WriteHead())
	}
	b, err := t.appendLinked(blobs.Spec{Kind: blobs.KindTagAssignmentEdge, Source: t.node, Target: blobs.Root, Data: []byte(name)})
	return b.Index(), err
}

// AddForeignGraph adds a placeholder for graph |uid|, or returns the one
// already present.
func (t *Tx) AddForeignGraph(uid uuid.UUID) (blobs.Index, error) {
	if idx, ok := t.g.caches.UIDs.Lookup(uid); ok {
		if err := t.checkKind(idx, "foreign graph", isKind(blobs.KindForeignGraph)); err != nil {
			return 0, ErrUIDExists.New(uid, idx)
		}
		return idx, nil
	}
	fg, err := t.appendLinked(blobs.Spec{Kind: blobs.KindForeignGraph, UID: uid})
	if err != nil {
		return 0, err
	}
	if _, err = t.appendLinked(blobs.Spec{Kind: blobs.KindOriginGraphEdge, Source: blobs.Root, Target: fg.Index()}); err != nil {
		return 0, err
	}
	return fg.Index(), nil
}

// AddForeign adds a placeholder for entity, atomic entity or relation |uid|
// living in foreign graph |fg|. Relations also need |src| and |dst|.
func (t *Tx) AddForeign(kind blobs.Kind, fg blobs.Index, uid uuid.UUID, token uint32, src, dst blobs.Index) (blobs.Index, error) {
	switch kind {
	case blobs.KindForeignEntity, blobs.KindForeignAtomicEntity, blobs.KindForeignRelation:
	default:
		return 0, ErrBadIndex.New(fg, "foreign kind", t.g.WriteHead())
	}
	if err := t.checkKind(fg, "foreign graph", isKind(blobs.KindForeignGraph)); err != nil {
		return 0, err
	}
	if idx, ok := t.g.caches.UIDs.Lookup(uid); ok {
		return 0, ErrUIDExists.New(uid, idx)
	}
	s := blobs.Spec{Kind: kind, UID: uid, Token: token}
	if kind == blobs.KindForeignRelation {
		if err := t.checkKind(src, "relation endpoint", isRAE); err != nil {
			return 0, err
		}
		if err := t.checkKind(dst, "relation endpoint", isRAE); err != nil {
			return 0, err
		}
		s.Source, s.Target = src, dst
	}
	b, err := t.appendLinked(s)
	if err != nil {
		return 0, err
	}
	if _, err = t.appendLinked(blobs.Spec{Kind: blobs.KindOriginRAEEdge, Source: b.Index(), Target: fg}); err != nil {
		return 0, err
	}
	return b.Index(), nil
}

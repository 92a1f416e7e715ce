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
	"time"

	"github.com/google/uuid"

	"github.com/dolthub/blobgraph/store/blobs"
)

type txKey struct {
	g *GraphData
}

type undoEntry struct {
	off int
	old int32
}

// FinishOptions control FinishTransaction.
type FinishOptions struct {
	// Wait blocks until upstream has acknowledged the transaction, when this
	// instance is a syncing primary.
	Wait bool
	// RollbackEmpty discards a transaction that appended nothing beyond its
	// own transaction event.
	RollbackEmpty bool
	// CheckSchema runs the graph's SchemaValidator before committing.
	CheckSchema bool
}

// Tx is the open transaction of a graph. At most one exists per graph; its
// owner is identified by the context returned from StartTransaction.
type Tx struct {
	g        *GraphData
	node     blobs.Index
	start    blobs.Index
	body     blobs.Index
	depth    int
	undo     []undoEntry
	marks    map[string]int
	finished bool
}

// StartTransaction blocks until the graph's transaction lock is free, claims
// it and appends a transaction event linked from the previous one. Calling it
// again with the returned context nests inside the open transaction; each
// nested call needs its own FinishTransaction.
func (g *GraphData) StartTransaction(ctx context.Context) (context.Context, *Tx, error) {
	if t, ok := ctx.Value(txKey{g}).(*Tx); ok && !t.finished {
		g.mu.Lock()
		owned := g.open == t
		g.mu.Unlock()
		if owned {
			t.depth++
			return ctx, t, nil
		}
	}
	if g.ShouldSync() && !g.IsPrimary() {
		return ctx, nil, ErrNotPrimary.New(g.uid)
	}
	t := &Tx{g: g}
	if err := g.claim(ctx, t); err != nil {
		return ctx, nil, err
	}
	if err := t.begin(); err != nil {
		t.rollback()
		return ctx, nil, err
	}
	return context.WithValue(ctx, txKey{g}, t), t, nil
}

// claim waits for the transaction lock and takes it for |t|.
func (g *GraphData) claim(ctx context.Context, t *Tx) error {
	return g.awaitThen(ctx, func() bool {
		return g.open == nil || g.state != StateOK
	}, func() error {
		if err := g.errLocked(); err != nil {
			return err
		}
		g.open = t
		t.start = g.WriteHead()
		t.marks = g.caches.Sizes()
		return nil
	})
}

// exclusive runs |f| holding the transaction lock without opening a
// transaction event.
func (g *GraphData) exclusive(ctx context.Context, f func(t *Tx) error) error {
	t := &Tx{g: g}
	if err := g.claim(ctx, t); err != nil {
		return err
	}
	defer g.release(t)
	return f(t)
}

func (g *GraphData) release(t *Tx) {
	g.Update(func() {
		if g.open == t {
			g.open = nil
		}
	})
}

func (t *Tx) begin() error {
	g := t.g
	if g.ReadHead() <= blobs.Root {
		return ErrBadIndex.New(blobs.Root, "root", g.ReadHead())
	}
	prev := blobs.Index(g.latestCompleteTx.Load())
	node, err := t.appendLinked(blobs.Spec{Kind: blobs.KindTxEvent, UID: t.newUID(), Time: time.Now().UnixNano()})
	if err != nil {
		return err
	}
	if _, err = t.appendLinked(blobs.Spec{Kind: blobs.KindNextTxEdge, Source: prev, Target: node.Index()}); err != nil {
		return err
	}
	t.node = node.Index()
	t.body = g.WriteHead()
	return nil
}

// Node is the transaction event of this transaction.
func (t *Tx) Node() blobs.Index {
	return t.node
}

func (t *Tx) Graph() *GraphData {
	return t.g
}

// newUID draws a uid not yet used in this graph.
func (t *Tx) newUID() uuid.UUID {
	for {
		u := uuid.New()
		if _, taken := t.g.caches.UIDs.Lookup(u); !taken {
			return u
		}
	}
}

// held fails unless |t| still holds the transaction lock of a usable graph.
func (t *Tx) held() error {
	g := t.g
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open != t {
		return ErrTxFinished.New(g.uid)
	}
	return g.errLocked()
}

// append writes |s| at the write head and advances it.
func (t *Tx) append(s blobs.Spec) (blobs.Blob, error) {
	if err := t.held(); err != nil {
		return blobs.Blob{}, err
	}
	g := t.g
	idx := g.WriteHead()
	sz := blobs.SizeOf(s)
	if err := g.region.Extend(idx.Offset() + sz); err != nil {
		return blobs.Blob{}, err
	}
	if g.region.Paged() {
		if err := g.region.EnsureResident(context.Background(), idx.Offset(), sz); err != nil {
			return blobs.Blob{}, err
		}
	}
	b := blobs.Encode(g.region.Bytes(), idx, s)
	g.writeHead.Store(int32(b.Next()))
	return b, nil
}

// appendLinked appends |s|, records it in the caches and registers it in the
// edge lists of the blobs it points at.
func (t *Tx) appendLinked(s blobs.Spec) (blobs.Blob, error) {
	b, err := t.append(s)
	if err != nil {
		return b, err
	}
	t.g.caches.Observe(b)
	for _, l := range b.Links() {
		if err := t.link(l.Owner, l.Value); err != nil {
			return b, err
		}
	}
	return b, nil
}

func (t *Tx) link(owner blobs.Index, v int32) error {
	g := t.g
	if err := g.ensure(context.Background(), owner); err != nil {
		return err
	}
	if err := g.ensure(context.Background(), blobs.At(g.region.Bytes(), owner).LastHolder()); err != nil {
		return err
	}
	return t.writer().Append(owner, v)
}

func (t *Tx) writer() blobs.EdgeWriter {
	return blobs.EdgeWriter{
		Mem:   t.g.region.Bytes(),
		Alloc: t.allocDeferred,
		Undo:  t.record,
	}
}

func (t *Tx) allocDeferred(owner blobs.Index, capacity int) (blobs.Index, error) {
	b, err := t.append(blobs.Spec{Kind: blobs.KindDeferredEdgeList, Owner: owner, Capacity: capacity})
	return b.Index(), err
}

// record keeps the old value of slots that predate the transaction. Slots in
// blobs the transaction created vanish with them.
func (t *Tx) record(off int, old int32) {
	if off < t.start.Offset() {
		t.undo = append(t.undo, undoEntry{off: off, old: old})
	}
}

// rollback undoes everything the transaction wrote and releases the lock.
func (t *Tx) rollback() {
	g := t.g
	mem := g.region.Bytes()
	for i := len(t.undo) - 1; i >= 0; i-- {
		blobs.RestoreSlot(mem, t.undo[i].off, t.undo[i].old)
	}
	t.undo = nil
	clear(mem[t.start.Offset():g.WriteHead().Offset()])
	g.caches.TruncateTo(t.marks, false)
	g.writeHead.Store(int32(t.start))
	t.finished = true
	t.depth = 0
	g.release(t)
}

// FinishTransaction is an alias of Finish for callers holding only the
// context.
func (g *GraphData) FinishTransaction(ctx context.Context, opts FinishOptions) error {
	t, ok := ctx.Value(txKey{g}).(*Tx)
	if !ok {
		return ErrTxFinished.New(g.uid)
	}
	return t.Finish(ctx, opts)
}

// AbortTransaction is an alias of Abort for callers holding only the context.
func (g *GraphData) AbortTransaction(ctx context.Context) {
	if t, ok := ctx.Value(txKey{g}).(*Tx); ok {
		t.Abort()
	}
}

// Finish ends one level of the transaction. The outermost Finish commits:
// the read head moves to the write head and the transaction event becomes
// the latest complete transaction.
func (t *Tx) Finish(ctx context.Context, opts FinishOptions) error {
	g := t.g
	if t.finished {
		return ErrTxFinished.New(g.uid)
	}
	if t.depth > 0 {
		t.depth--
		return nil
	}
	if opts.RollbackEmpty && g.WriteHead() == t.body {
		t.rollback()
		return nil
	}
	if opts.CheckSchema && g.opts.Validator != nil {
		if err := g.opts.Validator(ctx, g, t.node); err != nil {
			t.rollback()
			return ErrSchemaViolation.Wrap(err, t.node)
		}
	}

	committed := g.WriteHead()
	var failures uint64
	var err error
	g.Update(func() {
		if err = g.errLocked(); err != nil {
			return
		}
		g.readHead.Store(int32(committed))
		g.latestCompleteTx.Store(int32(t.node))
		g.persistHeader()
		g.open = nil
		failures = g.syncFailure
	})
	if err != nil {
		t.rollback()
		return err
	}
	t.finished = true
	t.undo = nil
	if g.opts.SyncOnCommit {
		if err := g.region.Flush(); err != nil {
			g.lgr.Warnf("graph: flushing region after commit: %v", err)
		}
	}
	g.lgr.Tracef("graph: committed transaction %d, read head now %d", t.node, committed)

	if opts.Wait && g.IsPrimary() && g.ShouldSync() {
		return g.waitSynced(ctx, committed, failures)
	}
	return nil
}

// Abort rolls the graph back to where it was before StartTransaction,
// whatever the nesting depth, and releases the lock.
func (t *Tx) Abort() {
	if t.finished {
		return
	}
	t.g.lgr.Tracef("graph: aborting transaction %d", t.node)
	t.rollback()
}

// waitSynced blocks until the sync head reaches |target|. A push failure
// reported after |failures| ends the wait with ErrSyncFailed.
func (g *GraphData) waitSynced(ctx context.Context, target blobs.Index, failures uint64) error {
	return g.awaitThen(ctx, func() bool {
		return blobs.Index(g.syncHead.Load()) >= target ||
			g.state != StateOK ||
			g.syncFailure != failures ||
			!g.isPrimary.Load() || !g.shouldSync.Load()
	}, func() error {
		if err := g.errLocked(); err != nil {
			return err
		}
		if blobs.Index(g.syncHead.Load()) < target && g.syncFailure != failures {
			return ErrSyncFailed.New(g.uid)
		}
		return nil
	})
}

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

// Package graph implements GraphData, the state of one graph held in one
// region: the head watermarks, the single-writer transaction lock, the caches
// and the operations that grow, replicate and roll back the blob log.
//
// Heads only move forward except during RollBackTo. Readers bound every
// traversal by the read head they observed when they started; the writer
// writes blob bytes first and publishes them by advancing the read head at
// commit.
package graph

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dolthub/blobgraph/store/blobs"
	"github.com/dolthub/blobgraph/store/caches"
	"github.com/dolthub/blobgraph/store/d"
	"github.com/dolthub/blobgraph/store/region"
)

// State is the error state of a graph. StateUnspecifiedError is terminal.
type State int32

const (
	StateOK State = iota
	StateUnspecifiedError
)

func (s State) String() string {
	if s == StateOK {
		return "ok"
	}
	return "unspecified error"
}

// SchemaValidator inspects a finished transaction before it commits. A
// non-nil error aborts the transaction.
type SchemaValidator func(ctx context.Context, g *GraphData, tx blobs.Index) error

// Options configure a GraphData.
type Options struct {
	Log          *logrus.Entry
	Validator    SchemaValidator
	SyncOnCommit bool
	// RejectBadHash makes ApplyUpdate refuse an update whose structural
	// hash does not match without marking the graph invalid. Canonical
	// copies use it since the fault lies with the sender.
	RejectBadHash bool
}

// Heads is a snapshot of the watermarks of a graph.
type Heads struct {
	Write            blobs.Index
	Read             blobs.Index
	LatestCompleteTx blobs.Index
	Sync             blobs.Index
	ManagerTx        blobs.Index
}

// InSync reports whether everything written has been acknowledged upstream.
func (h Heads) InSync() bool {
	return h.Sync == h.Read && h.Read == h.Write
}

// GraphData is the shared state of one graph.
type GraphData struct {
	uid    uuid.UUID
	region *region.Region
	caches *caches.Set
	lgr    *logrus.Entry
	opts   Options

	writeHead        atomic.Int32
	readHead         atomic.Int32
	latestCompleteTx atomic.Int32
	syncHead         atomic.Int32
	managerTxHead    atomic.Int32

	isPrimary  atomic.Bool
	shouldSync atomic.Bool

	// |mu| guards everything below and pairs with |cond|. Every change made
	// under it is followed by a Broadcast.
	mu          sync.Mutex
	cond        *sync.Cond
	open        *Tx
	state       State
	reason      string
	syncFailure uint64

	refs atomic.Int32
}

func newGraphData(uid uuid.UUID, r *region.Region, opts Options) *GraphData {
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	g := &GraphData{
		uid:    uid,
		region: r,
		caches: caches.NewSet(),
		opts:   opts,
		lgr:    opts.Log.WithField("graph", uid.String()),
	}
	g.cond = sync.NewCond(&g.mu)
	g.refs.Store(1)
	return g
}

// New formats |r| as a fresh graph with a root blob whose uid is the graph's
// uid. The new graph is local only: it neither syncs nor holds primary.
func New(uid uuid.UUID, r *region.Region, opts Options) (*GraphData, error) {
	g := newGraphData(uid, r, opts)
	if err := r.EnsureResident(context.Background(), 0, blobs.HeaderSize); err != nil {
		return nil, err
	}
	if err := r.Extend(blobs.HeaderSize); err != nil {
		return nil, err
	}
	root := blobs.Spec{Kind: blobs.KindRoot, UID: uid, Time: time.Now().UnixNano()}
	end := blobs.Root.Offset() + blobs.SizeOf(root)
	if err := r.Extend(end); err != nil {
		return nil, err
	}
	r.MarkResident(0, end)
	b := blobs.Encode(r.Bytes(), blobs.Root, root)
	g.caches.Observe(b)
	next := int32(b.Next())
	g.writeHead.Store(next)
	g.readHead.Store(next)
	g.latestCompleteTx.Store(int32(blobs.Root))
	g.managerTxHead.Store(next)
	g.persistHeader()
	return g, nil
}

// NewReplica formats |r| as an empty copy of graph |uid|, to be filled by
// ApplyUpdate starting at blobs.Root.
func NewReplica(uid uuid.UUID, r *region.Region, opts Options) (*GraphData, error) {
	g := newGraphData(uid, r, opts)
	if err := r.EnsureResident(context.Background(), 0, blobs.HeaderSize); err != nil {
		return nil, err
	}
	if err := r.Extend(blobs.HeaderSize); err != nil {
		return nil, err
	}
	r.MarkResident(0, blobs.HeaderSize)
	for _, h := range []*atomic.Int32{&g.writeHead, &g.readHead, &g.syncHead, &g.managerTxHead} {
		h.Store(int32(blobs.Root))
	}
	g.persistHeader()
	return g, nil
}

// Open loads the graph stored in |r|. Anything written past the last
// committed head is discarded and the caches are rebuilt from the blobs.
func Open(r *region.Region, opts Options) (*GraphData, error) {
	if r.Size() < blobs.HeaderSize {
		return nil, ErrBadHeader.New("region too small")
	}
	if err := r.EnsureResident(context.Background(), 0, blobs.HeaderSize); err != nil {
		return nil, err
	}
	h, err := decodeHeader(r.Bytes())
	if err != nil {
		return nil, err
	}
	g := newGraphData(h.uid, r, opts)
	if h.head.Offset() > r.Size() {
		return nil, ErrBadHeader.New("committed head beyond end of region")
	}
	g.writeHead.Store(int32(h.head))
	g.readHead.Store(int32(h.head))
	g.latestCompleteTx.Store(int32(h.latestTx))
	g.syncHead.Store(int32(h.syncHead))
	g.managerTxHead.Store(int32(h.head))
	g.isPrimary.Store(h.primary)
	g.shouldSync.Store(h.shouldSync)

	err = d.Try(func() {
		g.scrubBeyond(h.head, nil)
		clear(r.Bytes()[h.head.Offset():r.Size()])
		g.fillCaches()
	})
	if err != nil {
		return nil, ErrBadHeader.Wrap(err, "blob log is corrupt")
	}
	return g, nil
}

func (g *GraphData) UID() uuid.UUID {
	return g.uid
}

func (g *GraphData) Region() *region.Region {
	return g.region
}

func (g *GraphData) Caches() *caches.Set {
	return g.caches
}

func (g *GraphData) Logger() *logrus.Entry {
	return g.lgr
}

func (g *GraphData) Heads() Heads {
	return Heads{
		Write:            blobs.Index(g.writeHead.Load()),
		Read:             blobs.Index(g.readHead.Load()),
		LatestCompleteTx: blobs.Index(g.latestCompleteTx.Load()),
		Sync:             blobs.Index(g.syncHead.Load()),
		ManagerTx:        blobs.Index(g.managerTxHead.Load()),
	}
}

func (g *GraphData) ReadHead() blobs.Index {
	return blobs.Index(g.readHead.Load())
}

func (g *GraphData) WriteHead() blobs.Index {
	return blobs.Index(g.writeHead.Load())
}

func (g *GraphData) IsPrimary() bool {
	return g.isPrimary.Load()
}

func (g *GraphData) ShouldSync() bool {
	return g.shouldSync.Load()
}

// SetPrimary records whether this instance holds the primary role.
func (g *GraphData) SetPrimary(v bool) {
	g.Update(func() {
		g.isPrimary.Store(v)
		g.persistHeader()
	})
}

func (g *GraphData) SetShouldSync(v bool) {
	g.Update(func() {
		g.shouldSync.Store(v)
		g.persistHeader()
	})
}

// SetSyncHead records that upstream holds everything below |idx|.
func (g *GraphData) SetSyncHead(idx blobs.Index) {
	g.Update(func() {
		d.PanicIfTrue(idx > g.WriteHead(), "graph: sync head %d beyond write head %d", idx, g.WriteHead())
		g.syncHead.Store(int32(idx))
		g.persistHeader()
	})
}

// SetManagerTxHead records how far local subscribers have been notified.
func (g *GraphData) SetManagerTxHead(idx blobs.Index) {
	g.Update(func() {
		g.managerTxHead.Store(int32(idx))
	})
}

// ReportSyncFailure wakes FinishTransaction callers waiting on a push that
// could not be delivered.
func (g *GraphData) ReportSyncFailure() {
	g.Update(func() {
		g.syncFailure++
	})
}

// State returns the error state and its reason.
func (g *GraphData) State() (State, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state, g.reason
}

// Fail moves the graph into its terminal error state. The first reason
// sticks.
func (g *GraphData) Fail(reason string) {
	g.Update(func() {
		if g.state != StateOK {
			return
		}
		g.state = StateUnspecifiedError
		g.reason = reason
		g.lgr.Errorf("graph marked invalid: %s", reason)
	})
}

// Err is nil while the graph is usable.
func (g *GraphData) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.errLocked()
}

func (g *GraphData) errLocked() error {
	if g.state != StateOK {
		return ErrGraphInvalid.New(g.uid, g.reason)
	}
	return nil
}

// Update runs |f| under the header lock and then wakes every waiter.
func (g *GraphData) Update(f func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f()
	g.cond.Broadcast()
}

// Await blocks until |pred|, evaluated under the header lock, holds or
// |ctx| is done.
func (g *GraphData) Await(ctx context.Context, pred func() bool) error {
	return g.awaitThen(ctx, pred, nil)
}

// awaitThen is Await followed by |then|, run under the same hold of the
// header lock in which |pred| was seen to be true.
func (g *GraphData) awaitThen(ctx context.Context, pred func() bool, then func() error) error {
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	defer stop()
	g.mu.Lock()
	defer g.mu.Unlock()
	for !pred() {
		if err := ctx.Err(); err != nil {
			return err
		}
		g.cond.Wait()
	}
	if then == nil {
		return nil
	}
	err := then()
	g.cond.Broadcast()
	return err
}

// Retain adds an owner. Every Retain needs a matching Release.
func (g *GraphData) Retain() *GraphData {
	d.PanicIfFalse(g.refs.Add(1) > 1, "graph: retain after final release")
	return g
}

// Release drops an owner. The last release closes the region.
func (g *GraphData) Release() error {
	n := g.refs.Add(-1)
	d.PanicIfTrue(n < 0, "graph: released more often than retained")
	if n > 0 {
		return nil
	}
	g.lgr.Tracef("graph: last owner released, closing region")
	return g.region.Close()
}

// persistHeader writes the committed state. Callers hold |g.mu| or own the
// region exclusively.
func (g *GraphData) persistHeader() {
	header{
		uid:        g.uid,
		head:       g.ReadHead(),
		latestTx:   blobs.Index(g.latestCompleteTx.Load()),
		syncHead:   blobs.Index(g.syncHead.Load()),
		primary:    g.isPrimary.Load(),
		shouldSync: g.shouldSync.Load(),
	}.encode(g.region.Bytes())
}

// ensure makes the blob at |idx| resident. Every field that determines a
// blob's size lives in its first stride.
func (g *GraphData) ensure(ctx context.Context, idx blobs.Index) error {
	if !g.region.Paged() {
		return nil
	}
	off := idx.Offset()
	if err := g.region.EnsureResident(ctx, off, blobs.Stride); err != nil {
		return err
	}
	return g.region.EnsureResident(ctx, off, blobs.At(g.region.Bytes(), idx).Size())
}

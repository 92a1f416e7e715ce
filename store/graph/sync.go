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
	"fmt"

	"github.com/dolthub/blobgraph/store/blobs"
	"github.com/dolthub/blobgraph/store/caches"
	"github.com/dolthub/blobgraph/store/d"
	"github.com/dolthub/blobgraph/store/hash"
	"github.com/dolthub/blobgraph/store/payload"
)

// Hash computes the structural hash of [blobs.Root, hi). Edge list state that
// refers at or beyond |hi| does not contribute, so two copies that agree on
// the range hash equally whatever either has appended since.
func (g *GraphData) Hash(ctx context.Context, hi blobs.Index) (hash.Hash, error) {
	if rh := g.ReadHead(); hi > rh {
		return hash.Hash{}, ErrHeadsAhead.New(hi, rh)
	}
	return g.hashTo(ctx, hi)
}

func (g *GraphData) hashTo(ctx context.Context, hi blobs.Index) (hash.Hash, error) {
	h := hash.NewHasher(blobs.LayoutVersion)
	var buf []byte
	err := g.walkBelow(ctx, hi, func(b blobs.Blob) error {
		buf = blobs.AppendCanonical(buf[:0], b, hi)
		h.Write(buf)
		return nil
	})
	if err != nil {
		return hash.Hash{}, err
	}
	return h.Sum(), nil
}

// LocalHeads reports what this copy holds, in wire form.
func (g *GraphData) LocalHeads() payload.Heads {
	ret := payload.Heads{Blobs: g.ReadHead(), Caches: map[string]payload.CacheHead{}}
	for name, c := range g.caches.Heads() {
		ret.Caches[name] = payload.CacheHead{Head: c.Size, Revision: c.Revision}
	}
	return ret
}

// CollectUpdate builds the update that takes a copy at |from| to this copy's
// read head. The transaction lock is held while bytes are copied, so the
// result is a consistent snapshot. With |withHash| set the structural hash of
// the full range travels along.
func (g *GraphData) CollectUpdate(ctx context.Context, from payload.Heads, withHash bool) (*payload.Update, error) {
	var u *payload.Update
	err := g.exclusive(ctx, func(*Tx) error {
		hi := g.ReadHead()
		if from.Blobs > hi {
			return ErrHeadsAhead.New(from.Blobs, hi)
		}
		lo := max(from.Blobs, blobs.Root)
		if err := g.region.EnsureResident(ctx, lo.Offset(), (hi - lo).Offset()); err != nil {
			return err
		}
		u = &payload.Update{
			Header: payload.Header{
				GraphUID:         g.uid,
				BlobIndexLo:      lo,
				BlobIndexHi:      hi,
				LatestCompleteTx: blobs.Index(g.latestCompleteTx.Load()),
				LayoutVersion:    blobs.LayoutVersion,
			},
			Blobs: append([]byte(nil), g.region.Bytes()[lo.Offset():hi.Offset()]...),
		}
		for _, c := range g.caches.All() {
			remote := from.Caches[c.Name()]
			size := c.Size()
			if remote.Head > size {
				return ErrCacheMismatch.New(c.Name(), remote.Head, remote.Revision, size, c.Revision())
			}
			u.Header.Caches = append(u.Header.Caches, payload.CacheDescriptor{
				Name:     c.Name(),
				IndexLo:  remote.Head,
				IndexHi:  size,
				Revision: remote.Revision,
			})
			u.Caches = append(u.Caches, c.Bytes(remote.Head, size))
		}
		if withHash {
			sum, err := g.hashTo(ctx, hi)
			if err != nil {
				return err
			}
			u.Hash = sum.String()
		}
		return nil
	})
	return u, err
}

// ApplyUpdate appends an update produced by another copy of this graph. The
// update must start exactly at the local write head and every cache range
// must start at the local size and revision of its cache, or nothing is
// applied. On success all heads, the sync head included, move to the end of
// the update. A structural hash that does not match after applying marks the
// graph invalid.
func (g *GraphData) ApplyUpdate(ctx context.Context, u *payload.Update) error {
	if err := u.Validate(); err != nil {
		return err
	}
	if u.GraphUID != g.uid {
		return ErrWrongGraph.New(u.GraphUID, g.uid)
	}
	if u.LayoutVersion != blobs.LayoutVersion {
		return ErrLayoutVersion.New(u.LayoutVersion, blobs.LayoutVersion)
	}
	var want hash.Hash
	if u.Hash != "" {
		var ok bool
		if want, ok = hash.MaybeParse(u.Hash); !ok {
			return payload.ErrMalformed.New("unparseable hash " + u.Hash)
		}
	}
	return g.exclusive(ctx, func(t *Tx) error {
		if wh := g.WriteHead(); u.BlobIndexLo != wh {
			return ErrHeadsMismatch.New(u.BlobIndexLo, wh)
		}
		targets := make([]caches.Cache, len(u.Header.Caches))
		for i, desc := range u.Header.Caches {
			c, ok := g.caches.Get(desc.Name)
			if !ok {
				return payload.ErrMalformed.New("unknown cache " + desc.Name)
			}
			if desc.IndexLo != c.Size() || desc.Revision != c.Revision() {
				return ErrCacheMismatch.New(desc.Name, desc.IndexLo, desc.Revision, c.Size(), c.Revision())
			}
			targets[i] = c
		}

		if err := g.appendRange(ctx, t, u); err != nil {
			t.rollback()
			return err
		}
		for i, c := range targets {
			if err := c.Apply(u.Caches[i]); err != nil {
				t.rollback()
				return err
			}
		}
		hi := u.BlobIndexHi
		if !want.IsEmpty() {
			got, err := g.hashTo(ctx, hi)
			if err != nil {
				t.rollback()
				return err
			}
			if got != want {
				t.rollback()
				herr := ErrHashMismatch.New(hi, got, want)
				if !g.opts.RejectBadHash {
					g.Fail(herr.Error())
				}
				return herr
			}
		}

		g.Update(func() {
			g.readHead.Store(int32(hi))
			if u.LatestCompleteTx >= blobs.Root {
				g.latestCompleteTx.Store(int32(u.LatestCompleteTx))
			}
			g.syncHead.Store(int32(hi))
			g.persistHeader()
		})
		if g.opts.SyncOnCommit {
			if err := g.region.Flush(); err != nil {
				g.lgr.Warnf("graph: flushing region after apply: %v", err)
			}
		}
		g.lgr.Tracef("graph: applied update [%d, %d)", u.BlobIndexLo, hi)
		return nil
	})
}

// appendRange copies the blob bytes of |u| in at the write head and replays
// the edge list registrations they make on blobs that were already present.
func (g *GraphData) appendRange(ctx context.Context, t *Tx, u *payload.Update) error {
	lo, hi := u.BlobIndexLo, u.BlobIndexHi
	if lo == hi {
		return nil
	}
	if err := g.region.Extend(hi.Offset()); err != nil {
		return err
	}
	if err := g.region.EnsureResident(ctx, lo.Offset(), (hi - lo).Offset()); err != nil {
		return err
	}
	copy(g.region.Bytes()[lo.Offset():hi.Offset()], u.Blobs)
	g.writeHead.Store(int32(hi))

	var err error
	if fault := d.Try(func() { err = g.replay(ctx, t, lo, hi) }); fault != nil {
		return ErrReplay.Wrap(fault, fault.Error())
	}
	return err
}

// replay registers the blobs in [lo, hi) with the edge lists of owners below
// |lo|. The sender appended the same values in the same order, so wherever it
// had to allocate a continuation the range holds one, and those are used in
// the order they appear instead of allocating.
func (g *GraphData) replay(ctx context.Context, t *Tx, lo, hi blobs.Index) error {
	mem := g.region.Bytes()
	queues := map[blobs.Index][]blobs.Index{}
	var owners []blobs.Index
	err := blobs.Walk(mem, lo, hi, func(b blobs.Blob) error {
		if b.Kind() == blobs.KindDeferredEdgeList && b.Owner() < lo {
			if _, seen := queues[b.Owner()]; !seen {
				owners = append(owners, b.Owner())
			}
			queues[b.Owner()] = append(queues[b.Owner()], b.Index())
		}
		return nil
	})
	if err != nil {
		return err
	}

	var pending int32
	w := blobs.EdgeWriter{
		Mem:  mem,
		Undo: t.record,
		Alloc: func(owner blobs.Index, capacity int) (blobs.Index, error) {
			q := queues[owner]
			if len(q) == 0 {
				return 0, ErrReplay.New(fmt.Sprintf("no continuation for owner %d", owner))
			}
			next := blobs.At(mem, q[0])
			if next.Capacity() != capacity {
				return 0, ErrReplay.New(fmt.Sprintf("continuation %d of owner %d has capacity %d, want %d", q[0], owner, next.Capacity(), capacity))
			}
			if first := blobs.AllEdges(mem, q[0], hi); len(first) == 0 || first[0] != pending {
				return 0, ErrReplay.New(fmt.Sprintf("continuation %d does not start with edge %d", q[0], pending))
			}
			queues[owner] = q[1:]
			return q[0], nil
		},
	}
	err = blobs.Walk(mem, lo, hi, func(b blobs.Blob) error {
		for _, l := range b.Links() {
			if l.Owner >= lo {
				continue
			}
			if err := g.ensure(ctx, l.Owner); err != nil {
				return err
			}
			ob := blobs.At(mem, l.Owner)
			if !ob.HasEdgeList() {
				return ErrReplay.New(fmt.Sprintf("%s at %d links to %s at %d", b.Kind(), b.Index(), ob.Kind(), l.Owner))
			}
			// the rest of this owner's values are already in the range
			if ob.LastHolder() >= lo {
				continue
			}
			if err := g.ensure(ctx, ob.LastHolder()); err != nil {
				return err
			}
			pending = l.Value
			if _, err := w.AppendIdempotent(l.Owner, l.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, owner := range owners {
		if rest := queues[owner]; len(rest) > 0 {
			// more continuations than replayed overflows
			if blobs.At(mem, owner).LastHolder() < lo {
				return ErrReplay.New(fmt.Sprintf("continuation %d of owner %d is never linked", rest[0], owner))
			}
		}
		blobs.Scrub(w, blobs.At(mem, owner), hi)
	}
	return nil
}

// RollBackTo discards every blob at or beyond |hi|, which must be a blob
// boundary no greater than the read head, together with every edge list entry
// that refers to them. With |fillCaches| the caches are rebuilt from the
// surviving blobs, otherwise they are left empty. Cache revisions advance
// either way, so peers holding cache ranges from before the roll back can no
// longer apply them.
func (g *GraphData) RollBackTo(ctx context.Context, hi blobs.Index, fillCaches bool) error {
	return g.exclusive(ctx, func(t *Tx) error {
		rh := g.ReadHead()
		if hi < blobs.Root || hi > rh {
			return ErrBadRollback.New(hi, fmt.Sprintf("outside [%d, %d]", blobs.Root, rh))
		}
		latest := blobs.Root
		i := blobs.Root
		for i < hi {
			b, err := g.LoadBlob(ctx, i)
			if err != nil {
				return err
			}
			if b.Kind() == blobs.KindTxEvent {
				latest = i
			}
			i = b.Next()
		}
		if i != hi {
			return ErrBadRollback.New(hi, "not a blob boundary")
		}

		g.lgr.Warnf("graph: rolling back from %d to %d", g.WriteHead(), hi)
		if err := d.Try(func() { g.scrubBeyond(hi, nil) }); err != nil {
			return err
		}
		clear(g.region.Bytes()[hi.Offset():g.WriteHead().Offset()])
		g.Update(func() {
			g.writeHead.Store(int32(hi))
			g.readHead.Store(int32(hi))
			g.latestCompleteTx.Store(int32(latest))
			g.syncHead.Store(min(g.syncHead.Load(), int32(hi)))
			g.managerTxHead.Store(min(g.managerTxHead.Load(), int32(hi)))
			g.persistHeader()
		})
		empty := map[string]int{}
		for _, c := range g.caches.All() {
			empty[c.Name()] = 0
		}
		g.caches.TruncateTo(empty, true)
		if fillCaches {
			return d.Try(g.fillCaches)
		}
		return nil
	})
}

func (g *GraphData) fillCaches() {
	err := g.walkBelow(context.Background(), g.ReadHead(), func(b blobs.Blob) error {
		g.caches.Observe(b)
		return nil
	})
	d.PanicIfError(err)
}

// scrubBeyond removes references at or beyond |hi| from every blob below it.
func (g *GraphData) scrubBeyond(hi blobs.Index, undo blobs.UndoFunc) {
	w := blobs.EdgeWriter{Mem: g.region.Bytes(), Undo: undo}
	err := g.walkBelow(context.Background(), hi, func(b blobs.Blob) error {
		blobs.Scrub(w, b, hi)
		return nil
	})
	d.PanicIfError(err)
}

// walkBelow is Walk without the read head bound, for callers holding the
// transaction lock.
func (g *GraphData) walkBelow(ctx context.Context, hi blobs.Index, cb func(blobs.Blob) error) error {
	for i := blobs.Root; i < hi; {
		if err := g.ensure(ctx, i); err != nil {
			return err
		}
		b := blobs.At(g.region.Bytes(), i)
		d.Exp.LessOrEqual(b.Next(), hi, "graph: blob %d runs past head %d", i, hi)
		if err := cb(b); err != nil {
			return err
		}
		i = b.Next()
	}
	return nil
}

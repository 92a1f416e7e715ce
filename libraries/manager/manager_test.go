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

package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dolthub/blobgraph/libraries/transport"
	"github.com/dolthub/blobgraph/store/blobs"
	"github.com/dolthub/blobgraph/store/graph"
	"github.com/dolthub/blobgraph/store/payload"
	"github.com/dolthub/blobgraph/store/region"
)

const testCapacity = 4 << 20

// fakeUpstream answers requests against one canonical graph the way the
// authority does, and pushes accepted updates to its listeners.
type fakeUpstream struct {
	mu        sync.Mutex
	canon     *graph.GraphData
	down      bool
	refuse    bool
	listeners []*Manager
	requests  map[transport.Kind]int
	// gate, when set, holds every fetch until it is closed.
	gate chan struct{}
}

func newFakeUpstream(t *testing.T, uid uuid.UUID) *fakeUpstream {
	canon, err := graph.NewReplica(uid, region.NewHeap(testCapacity), graph.Options{RejectBadHash: true})
	require.NoError(t, err)
	return &fakeUpstream{canon: canon, requests: make(map[transport.Kind]int)}
}

func (f *fakeUpstream) setDown(v bool) {
	f.mu.Lock()
	f.down = v
	f.mu.Unlock()
}

func (f *fakeUpstream) count(k transport.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[k]
}

func (f *fakeUpstream) setGate(gate chan struct{}) {
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
}

func (f *fakeUpstream) Request(ctx context.Context, e *transport.Envelope) (*transport.Envelope, error) {
	f.mu.Lock()
	f.requests[e.Kind]++
	gate := f.gate
	f.mu.Unlock()
	if e.Kind == transport.KindFetch && gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, transport.ErrDisconnected.New()
	}
	switch e.Kind {
	case transport.KindSubscribe:
		up := f.canon.LocalHeads()
		idx := min(max(e.HashIndex, blobs.Root), up.Blobs)
		h, err := f.canon.Hash(ctx, idx)
		if err != nil {
			return e.Fail(err.Error()), nil
		}
		resp := e.Succeed()
		resp.UpstreamHeads = &up
		resp.HashIndex = idx
		resp.Hash = h.String()
		resp.HashAgreed = idx == max(e.HashIndex, blobs.Root) && resp.Hash == e.Hash
		return resp, nil
	case transport.KindFetch:
		u, err := f.canon.CollectUpdate(ctx, *e.Heads, true)
		if err != nil {
			return e.Fail(err.Error()), nil
		}
		data, err := u.Marshal()
		if err != nil {
			return nil, err
		}
		up := f.canon.LocalHeads()
		resp := e.Succeed()
		resp.UpstreamHeads = &up
		resp.Payload = data
		return resp, nil
	case transport.KindUpdate:
		u, err := e.Update()
		if err != nil {
			return e.Fail(err.Error()), nil
		}
		if err := f.canon.ApplyUpdate(ctx, u); err != nil {
			resp := e.Fail(err.Error())
			if graph.ErrHeadsMismatch.Is(err) || graph.ErrCacheMismatch.Is(err) {
				up := f.canon.LocalHeads()
				resp.UpstreamHeads = &up
			}
			return resp, nil
		}
		for _, l := range f.listeners {
			l.Deliver(&transport.Envelope{Kind: transport.KindUpdate, Graph: e.Graph, Payload: e.Payload})
		}
		up := f.canon.LocalHeads()
		resp := e.Succeed()
		resp.UpstreamHeads = &up
		return resp, nil
	case transport.KindMakePrimary:
		if f.refuse {
			return e.Fail("another session holds the primary role"), nil
		}
		return e.Succeed(), nil
	case transport.KindReleasePrimary:
		return e.Succeed(), nil
	case transport.KindPageRequest:
		resp := e.Succeed()
		resp.Payload = append([]byte(nil), f.canon.Region().Bytes()[e.Offset:e.Offset+e.Length]...)
		return resp, nil
	}
	return e.Fail("unexpected " + string(e.Kind)), nil
}

func startManager(t *testing.T, g *graph.GraphData, up Upstream) *Manager {
	m := New(g, Options{Upstream: up, SendBackoff: time.Millisecond})
	m.Start(context.Background())
	t.Cleanup(func() { assert.NoError(t, m.Stop()) })
	return m
}

func addEntities(t *testing.T, g *graph.GraphData, token uint32, n int, opts graph.FinishOptions) error {
	return g.WithTransaction(context.Background(), opts, func(_ context.Context, tx *graph.Tx) error {
		for i := 0; i < n; i++ {
			if _, err := tx.InstantiateEntity(token); err != nil {
				return err
			}
		}
		return nil
	})
}

func requireConverged(t *testing.T, a, b *graph.GraphData) {
	require.Eventually(t, func() bool { return a.ReadHead() == b.ReadHead() }, 5*time.Second, time.Millisecond)
	ctx := context.Background()
	ha, err := a.Hash(ctx, a.ReadHead())
	require.NoError(t, err)
	hb, err := b.Hash(ctx, b.ReadHead())
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func newLocal(t *testing.T, uid uuid.UUID) *graph.GraphData {
	g, err := graph.New(uid, region.NewHeap(testCapacity), graph.Options{})
	require.NoError(t, err)
	return g
}

func TestPrimaryPushesCommits(t *testing.T) {
	ctx := context.Background()
	uid := uuid.New()
	g := newLocal(t, uid)
	up := newFakeUpstream(t, uid)
	m := startManager(t, g, up)

	require.NoError(t, m.Connected(ctx))
	assert.True(t, m.Subscribed())
	require.NoError(t, m.MakePrimary(ctx))
	assert.True(t, g.IsPrimary())
	assert.True(t, g.ShouldSync())

	require.NoError(t, addEntities(t, g, 2, 3, graph.FinishOptions{Wait: true}))
	assert.True(t, g.Heads().InSync())
	requireConverged(t, g, up.canon)
	assert.Equal(t, g.ReadHead(), m.UpstreamHeads().Blobs)

	require.NoError(t, addEntities(t, g, 3, 1, graph.FinishOptions{Wait: true}))
	requireConverged(t, g, up.canon)

	require.NoError(t, m.ReleasePrimary(ctx))
	assert.False(t, g.IsPrimary())
}

func TestReplicaFollowsPushes(t *testing.T) {
	ctx := context.Background()
	uid := uuid.New()
	up := newFakeUpstream(t, uid)

	primary := newLocal(t, uid)
	pm := startManager(t, primary, up)
	require.NoError(t, pm.Connected(ctx))
	require.NoError(t, pm.MakePrimary(ctx))
	require.NoError(t, addEntities(t, primary, 2, 2, graph.FinishOptions{Wait: true}))

	replica, err := graph.NewReplica(uid, region.NewHeap(testCapacity), graph.Options{})
	require.NoError(t, err)
	rm := startManager(t, replica, up)
	require.NoError(t, rm.Connected(ctx))
	requireConverged(t, primary, replica)

	var mu sync.Mutex
	var seen []blobs.Index
	cancel := rm.Subscribe(func(lo, hi blobs.Index) {
		mu.Lock()
		seen = append(seen, hi)
		mu.Unlock()
	})
	defer cancel()

	up.mu.Lock()
	up.listeners = append(up.listeners, rm)
	up.mu.Unlock()

	require.NoError(t, addEntities(t, primary, 4, 5, graph.FinishOptions{Wait: true}))
	requireConverged(t, primary, replica)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == replica.ReadHead()
	}, 5*time.Second, time.Millisecond)
}

func TestReplicaCatchesUpOnMismatchedPush(t *testing.T) {
	ctx := context.Background()
	uid := uuid.New()
	up := newFakeUpstream(t, uid)

	primary := newLocal(t, uid)
	pm := startManager(t, primary, up)
	require.NoError(t, pm.Connected(ctx))
	require.NoError(t, pm.MakePrimary(ctx))
	require.NoError(t, addEntities(t, primary, 2, 2, graph.FinishOptions{Wait: true}))

	replica, err := graph.NewReplica(uid, region.NewHeap(testCapacity), graph.Options{})
	require.NoError(t, err)
	rm := startManager(t, replica, up)
	require.NoError(t, rm.Connected(ctx))

	// The replica misses this push and sees the next one out of line.
	require.NoError(t, addEntities(t, primary, 2, 1, graph.FinishOptions{Wait: true}))
	up.mu.Lock()
	up.listeners = append(up.listeners, rm)
	up.mu.Unlock()
	require.NoError(t, addEntities(t, primary, 2, 1, graph.FinishOptions{Wait: true}))

	requireConverged(t, primary, replica)
	assert.NoError(t, replica.Err())
}

func TestWritesWhileDisconnectedArePushedOnReconnect(t *testing.T) {
	ctx := context.Background()
	uid := uuid.New()
	g := newLocal(t, uid)
	up := newFakeUpstream(t, uid)
	m := startManager(t, g, up)

	require.NoError(t, m.Connected(ctx))
	require.NoError(t, m.MakePrimary(ctx))
	require.NoError(t, addEntities(t, g, 2, 1, graph.FinishOptions{Wait: true}))

	m.Disconnected()
	require.Eventually(t, func() bool { return !m.Subscribed() }, 5*time.Second, time.Millisecond)
	up.setDown(true)
	require.NoError(t, addEntities(t, g, 2, 4, graph.FinishOptions{}))
	assert.False(t, g.Heads().InSync())

	up.setDown(false)
	require.NoError(t, m.Connected(ctx))
	requireConverged(t, g, up.canon)
	require.Eventually(t, func() bool { return g.Heads().InSync() }, 5*time.Second, time.Millisecond)
	assert.True(t, g.IsPrimary())
}

func TestPushGivesUpAfterAttempts(t *testing.T) {
	ctx := context.Background()
	uid := uuid.New()
	g := newLocal(t, uid)
	up := newFakeUpstream(t, uid)
	m := startManager(t, g, up)

	require.NoError(t, m.Connected(ctx))
	require.NoError(t, m.MakePrimary(ctx))
	require.Eventually(t, func() bool { return g.Heads().InSync() }, 5*time.Second, time.Millisecond)
	up.setDown(true)

	err := addEntities(t, g, 2, 1, graph.FinishOptions{Wait: true})
	assert.True(t, graph.ErrSyncFailed.Is(err), "got %v", err)
	assert.Equal(t, defaultSendAttempts, up.count(transport.KindUpdate))
	assert.NoError(t, g.Err())

	up.setDown(false)
	require.NoError(t, addEntities(t, g, 2, 1, graph.FinishOptions{Wait: true}))
	requireConverged(t, g, up.canon)
}

func TestReconnectWhenUpstreamLostWrites(t *testing.T) {
	ctx := context.Background()
	uid := uuid.New()
	g := newLocal(t, uid)
	up := newFakeUpstream(t, uid)

	require.NoError(t, addEntities(t, g, 2, 2, graph.FinishOptions{}))
	u, err := g.CollectUpdate(ctx, up.canon.LocalHeads(), true)
	require.NoError(t, err)
	require.NoError(t, up.canon.ApplyUpdate(ctx, u))

	// Upstream acknowledged the second transaction and then lost it.
	require.NoError(t, addEntities(t, g, 2, 2, graph.FinishOptions{}))
	g.SetSyncHead(g.ReadHead())
	g.SetPrimary(true)
	g.SetShouldSync(true)

	m := startManager(t, g, up)
	require.NoError(t, m.Connected(ctx))
	requireConverged(t, g, up.canon)
	require.Eventually(t, func() bool { return g.Heads().InSync() }, 5*time.Second, time.Millisecond)
	assert.NoError(t, g.Err())
}

func TestReconnectKeepsWritesUpstreamAlreadyHas(t *testing.T) {
	ctx := context.Background()
	uid := uuid.New()
	g := newLocal(t, uid)
	up := newFakeUpstream(t, uid)

	// The push of the first transaction landed but its response was lost.
	require.NoError(t, addEntities(t, g, 2, 2, graph.FinishOptions{}))
	landed := g.ReadHead()
	u, err := g.CollectUpdate(ctx, up.canon.LocalHeads(), true)
	require.NoError(t, err)
	require.NoError(t, up.canon.ApplyUpdate(ctx, u))
	require.NoError(t, addEntities(t, g, 3, 1, graph.FinishOptions{}))
	g.SetPrimary(true)
	g.SetShouldSync(true)

	m := startManager(t, g, up)
	require.NoError(t, m.Connected(ctx))
	assert.True(t, g.Heads().Sync >= landed)
	requireConverged(t, g, up.canon)
	require.Eventually(t, func() bool { return g.Heads().InSync() }, 5*time.Second, time.Millisecond)
	assert.NoError(t, g.Err())
}

func TestReconnectDiscardsWritesUpstreamDoesNotHave(t *testing.T) {
	ctx := context.Background()
	uid := uuid.New()
	up := newFakeUpstream(t, uid)

	writer := newLocal(t, uid)
	require.NoError(t, addEntities(t, writer, 2, 1, graph.FinishOptions{}))

	stale, err := graph.NewReplica(uid, region.NewHeap(testCapacity), graph.Options{})
	require.NoError(t, err)
	u, err := writer.CollectUpdate(ctx, stale.LocalHeads(), true)
	require.NoError(t, err)
	require.NoError(t, stale.ApplyUpdate(ctx, u))
	require.NoError(t, up.canon.ApplyUpdate(ctx, u))

	// Upstream moves on while the stale copy writes on its own.
	require.NoError(t, addEntities(t, writer, 2, 3, graph.FinishOptions{}))
	u, err = writer.CollectUpdate(ctx, up.canon.LocalHeads(), true)
	require.NoError(t, err)
	require.NoError(t, up.canon.ApplyUpdate(ctx, u))
	require.NoError(t, addEntities(t, stale, 7, 1, graph.FinishOptions{}))

	m := startManager(t, stale, up)
	require.NoError(t, m.Connected(ctx))
	requireConverged(t, writer, stale)
	assert.NoError(t, stale.Err())
}

func TestDivergedCopyFails(t *testing.T) {
	ctx := context.Background()
	uid := uuid.New()
	up := newFakeUpstream(t, uid)

	other := newLocal(t, uid)
	require.NoError(t, addEntities(t, other, 3, 2, graph.FinishOptions{}))
	u, err := other.CollectUpdate(ctx, up.canon.LocalHeads(), true)
	require.NoError(t, err)
	require.NoError(t, up.canon.ApplyUpdate(ctx, u))

	g := newLocal(t, uid)
	require.NoError(t, addEntities(t, g, 2, 2, graph.FinishOptions{}))
	g.SetSyncHead(g.ReadHead())

	m := startManager(t, g, up)
	err = m.Connected(ctx)
	assert.True(t, ErrDiverged.Is(err), "got %v", err)
	assert.Error(t, g.Err())
	assert.False(t, m.Subscribed())
}

func TestPrimaryRefused(t *testing.T) {
	ctx := context.Background()
	uid := uuid.New()
	g := newLocal(t, uid)
	up := newFakeUpstream(t, uid)
	up.refuse = true
	m := startManager(t, g, up)

	require.NoError(t, m.Connected(ctx))
	err := m.MakePrimary(ctx)
	assert.True(t, ErrPrimaryRefused.Is(err), "got %v", err)
	assert.False(t, g.IsPrimary())
}

func TestReleaseRefusedWhileUnsynced(t *testing.T) {
	ctx := context.Background()
	uid := uuid.New()
	g := newLocal(t, uid)
	up := newFakeUpstream(t, uid)
	m := startManager(t, g, up)

	require.NoError(t, m.Connected(ctx))
	require.NoError(t, m.MakePrimary(ctx))
	m.Disconnected()
	require.Eventually(t, func() bool { return !m.Subscribed() }, 5*time.Second, time.Millisecond)
	require.NoError(t, addEntities(t, g, 2, 1, graph.FinishOptions{}))

	err := m.ReleasePrimary(ctx)
	assert.True(t, ErrUnsynced.Is(err), "got %v", err)
	assert.True(t, g.IsPrimary())
}

func TestPagerReadsCanonicalRegion(t *testing.T) {
	ctx := context.Background()
	uid := uuid.New()
	up := newFakeUpstream(t, uid)
	src := newLocal(t, uid)
	require.NoError(t, addEntities(t, src, 2, 2, graph.FinishOptions{}))
	u, err := src.CollectUpdate(ctx, up.canon.LocalHeads(), true)
	require.NoError(t, err)
	require.NoError(t, up.canon.ApplyUpdate(ctx, u))

	p := Pager{Upstream: up, Graph: uid}
	dst := make([]byte, region.PageSize)
	require.NoError(t, p.FetchPage(ctx, 0, dst))
	assert.Equal(t, up.canon.Region().Bytes()[:region.PageSize], dst)
}

func TestStopWithoutStart(t *testing.T) {
	g := newLocal(t, uuid.New())
	m := New(g, Options{})
	assert.NoError(t, m.Stop())
	assert.Equal(t, blobs.Index(0), m.UpstreamHeads().Blobs)
}

func TestDeliverNeverBlocks(t *testing.T) {
	ctx := context.Background()
	uid := uuid.New()
	up := newFakeUpstream(t, uid)
	src := newLocal(t, uid)
	u, err := src.CollectUpdate(ctx, payload.Heads{Blobs: blobs.Root, Caches: map[string]payload.CacheHead{}}, true)
	require.NoError(t, err)
	require.NoError(t, up.canon.ApplyUpdate(ctx, u))

	replica, err := graph.NewReplica(uid, region.NewHeap(testCapacity), graph.Options{})
	require.NoError(t, err)
	replica.SetShouldSync(true)
	m := startManager(t, replica, up)
	require.NoError(t, m.Connected(ctx))
	requireConverged(t, replica, up.canon)

	var pushed []*transport.Envelope
	for i := 0; i < inboxSize+16; i++ {
		from := src.LocalHeads()
		require.NoError(t, addEntities(t, src, 4, 1, graph.FinishOptions{}))
		u, err := src.CollectUpdate(ctx, from, true)
		require.NoError(t, err)
		require.NoError(t, up.canon.ApplyUpdate(ctx, u))
		data, err := u.Marshal()
		require.NoError(t, err)
		pushed = append(pushed, &transport.Envelope{Kind: transport.KindUpdate, Graph: uid, Payload: data})
	}

	// An update that does not line up sends the manager into a fetch,
	// which stays stuck until the gate opens.
	gate := make(chan struct{})
	up.setGate(gate)
	fetches := up.count(transport.KindFetch)
	m.Deliver(pushed[1])
	require.Eventually(t, func() bool { return up.count(transport.KindFetch) > fetches }, 5*time.Second, time.Millisecond)

	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		for _, e := range pushed {
			m.Deliver(e)
		}
	}()
	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("Deliver blocked behind a busy manager")
	}

	close(gate)
	requireConverged(t, replica, up.canon)
	assert.NoError(t, replica.Err())
}

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

// Package manager keeps one graph in step with the upstream authority.
//
// Every managed graph has two goroutines. The manager goroutine owns the
// conversation with upstream: it resubscribes after a reconnect, reclaims
// the primary role and applies updates pushed by upstream. The sync
// goroutine waits on the graph's heads; it tells local subscribers about
// newly readable blobs and, while this instance is a subscribed primary,
// pushes committed blobs upstream.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	goerrors "gopkg.in/src-d/go-errors.v1"

	"github.com/dolthub/blobgraph/libraries/metrics"
	"github.com/dolthub/blobgraph/libraries/transport"
	"github.com/dolthub/blobgraph/store/blobs"
	"github.com/dolthub/blobgraph/store/graph"
	"github.com/dolthub/blobgraph/store/payload"
)

var (
	ErrDiverged       = goerrors.NewKind("graph %s diverged from upstream below blob index %d")
	ErrPrimaryRefused = goerrors.NewKind("upstream refused the primary role of graph %s: %s")
	ErrRequestFailed  = goerrors.NewKind("upstream failed %s of graph %s: %s")
	ErrUnsynced       = goerrors.NewKind("graph %s has writes upstream has not acknowledged")
	ErrStopped        = goerrors.NewKind("manager of graph %s is stopped")

	errConflict = goerrors.NewKind("upstream of graph %s is at blob index %d")
)

// Upstream sends a request to the authority and returns its response.
type Upstream interface {
	Request(ctx context.Context, e *transport.Envelope) (*transport.Envelope, error)
}

const (
	defaultSendAttempts = 3
	defaultSendBackoff  = time.Second
	inboxSize           = 64
)

type Options struct {
	Upstream Upstream
	// SendAttempts bounds the tries of one push; SendBackoff separates them.
	SendAttempts uint64
	SendBackoff  time.Duration
	Metrics      *metrics.Sync
	Log          *logrus.Entry
}

// LocalSubscriber is called with every range of blobs that becomes readable,
// whether written locally or applied from upstream.
type LocalSubscriber func(lo, hi blobs.Index)

type message interface {
	isMessage()
}

type connectedMsg struct {
	done chan error
}

type disconnectedMsg struct{}

type incomingMsg struct {
	env *transport.Envelope
}

type primaryMsg struct {
	claim bool
	done  chan error
}

func (connectedMsg) isMessage()    {}
func (disconnectedMsg) isMessage() {}
func (incomingMsg) isMessage()     {}
func (primaryMsg) isMessage()      {}

// Manager manages one graph. Start it before use and Stop it when done.
type Manager struct {
	g    *graph.GraphData
	opts Options
	uid  string
	lgr  *logrus.Entry

	inbox chan message
	// behind is signalled when an update was dropped because the inbox was
	// full. The run loop answers it with one fetch.
	behind chan struct{}

	// subscribed and failedAt are read by the sync goroutine's wait
	// predicate; they change under g.Update so the change wakes it.
	subscribed atomic.Bool
	// failedAt is the read head a push last gave up at, or -1.
	failedAt atomic.Int32

	mu            sync.Mutex
	upstreamHeads payload.Heads
	subs          map[int]LocalSubscriber
	nextSub       int

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group
}

func New(g *graph.GraphData, opts Options) *Manager {
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.SendAttempts == 0 {
		opts.SendAttempts = defaultSendAttempts
	}
	if opts.SendBackoff <= 0 {
		opts.SendBackoff = defaultSendBackoff
	}
	m := &Manager{
		g:     g,
		opts:  opts,
		uid:   g.UID().String(),
		lgr:   opts.Log.WithField("thread", "graph manager").WithField("graph", g.UID().String()),
		inbox:  make(chan message, inboxSize),
		behind: make(chan struct{}, 1),
		subs:  make(map[int]LocalSubscriber),
	}
	m.failedAt.Store(-1)
	return m
}

func (m *Manager) Graph() *graph.GraphData {
	return m.g
}

// Start runs the manager and sync goroutines until Stop or until |ctx| is
// done.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.eg, m.ctx = errgroup.WithContext(ctx)
	m.eg.Go(func() error { return m.run(m.ctx) })
	m.eg.Go(func() error { return m.syncLoop(m.ctx) })
	m.lgr.Tracef("manager: started")
}

// Stop ends both goroutines and waits for them.
func (m *Manager) Stop() error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	err := m.eg.Wait()
	m.opts.Metrics.Forget(m.uid)
	if m.subscribed.Load() {
		m.opts.Metrics.Subscribed(-1)
	}
	m.lgr.Tracef("manager: stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (m *Manager) post(ctx context.Context, msg message) error {
	select {
	case m.inbox <- msg:
		return nil
	case <-m.ctx.Done():
		return ErrStopped.New(m.uid)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) await(ctx context.Context, done chan error) error {
	select {
	case err := <-done:
		return err
	case <-m.ctx.Done():
		return ErrStopped.New(m.uid)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected runs the reconnect protocol on a fresh upstream session and
// returns once the graph is subscribed or the attempt failed.
func (m *Manager) Connected(ctx context.Context) error {
	done := make(chan error, 1)
	if err := m.post(ctx, connectedMsg{done}); err != nil {
		return err
	}
	return m.await(ctx, done)
}

// Disconnected stops pushing until the next Connected.
func (m *Manager) Disconnected() {
	m.post(context.Background(), disconnectedMsg{})
}

// Deliver hands the manager an envelope upstream sent unasked. It never
// blocks: when the inbox is full the envelope is dropped and the manager
// fetches whatever it missed once it gets to it.
func (m *Manager) Deliver(e *transport.Envelope) {
	select {
	case m.inbox <- incomingMsg{e}:
		return
	default:
	}
	select {
	case m.behind <- struct{}{}:
		m.lgr.Debugf("manager: inbox full, dropped %s and will fetch", e)
	default:
	}
}

// MakePrimary claims the primary role. A graph that is primary and syncing
// accepts transactions and pushes them upstream.
func (m *Manager) MakePrimary(ctx context.Context) error {
	done := make(chan error, 1)
	if err := m.post(ctx, primaryMsg{claim: true, done: done}); err != nil {
		return err
	}
	return m.await(ctx, done)
}

// ReleasePrimary gives the primary role back. It fails while upstream lacks
// some of the graph's writes.
func (m *Manager) ReleasePrimary(ctx context.Context) error {
	done := make(chan error, 1)
	if err := m.post(ctx, primaryMsg{claim: false, done: done}); err != nil {
		return err
	}
	return m.await(ctx, done)
}

// Subscribe registers |f|. The returned func unregisters it.
func (m *Manager) Subscribe(f LocalSubscriber) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = f
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Manager) Subscribed() bool {
	return m.subscribed.Load()
}

// UpstreamHeads is what upstream was last known to hold.
func (m *Manager) UpstreamHeads() payload.Heads {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upstreamHeads.Clone()
}

func (m *Manager) setUpstreamHeads(h payload.Heads) {
	m.mu.Lock()
	m.upstreamHeads = h.Clone()
	m.mu.Unlock()
}

func (m *Manager) setSubscribed(v bool) {
	var changed bool
	m.g.Update(func() {
		changed = m.subscribed.Swap(v) != v
		if v {
			m.failedAt.Store(-1)
		}
	})
	if changed {
		if v {
			m.opts.Metrics.Subscribed(1)
		} else {
			m.opts.Metrics.Subscribed(-1)
		}
	}
}

func (m *Manager) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.behind:
			m.catchUp(ctx)
		case msg := <-m.inbox:
			switch msg := msg.(type) {
			case connectedMsg:
				err := m.reconnect(ctx)
				if err != nil {
					m.lgr.Warnf("manager: resubscribing: %v", err)
				}
				msg.done <- err
			case disconnectedMsg:
				m.setSubscribed(false)
				m.lgr.Debugf("manager: upstream disconnected")
			case incomingMsg:
				m.applyIncoming(ctx, msg.env)
			case primaryMsg:
				if msg.claim {
					msg.done <- m.claimPrimary(ctx)
				} else {
					msg.done <- m.releasePrimary(ctx)
				}
			}
		}
	}
}

func (m *Manager) request(ctx context.Context, e *transport.Envelope) (*transport.Envelope, error) {
	e.Graph = m.g.UID()
	return m.opts.Upstream.Request(ctx, e)
}

// reconnect subscribes again and settles any difference between the local
// copy and upstream's:
//
//   - upstream agrees with everything up to the local sync head: fetch
//     whatever upstream has beyond it. If upstream is further along, local
//     writes past the sync head are kept when they match upstream's up to its
//     head, and discarded first otherwise.
//   - the local sync head is beyond upstream's head: if both hold the same
//     bytes up to upstream's head the local copy is only ahead, and the sync
//     head moves back so the missing writes are pushed again.
//   - anything else means the copies diverged and the graph is failed.
//
// A graph that was primary then claims the role back.
func (m *Manager) reconnect(ctx context.Context) error {
	if err := m.g.Err(); err != nil {
		return err
	}
	base := max(m.g.Heads().Sync, blobs.Root)
	h, err := m.g.Hash(ctx, base)
	if err != nil {
		return err
	}
	local := m.g.LocalHeads()
	resp, err := m.request(ctx, &transport.Envelope{
		Kind:      transport.KindSubscribe,
		HashIndex: base,
		Hash:      h.String(),
		Heads:     &local,
	})
	if err != nil {
		return err
	}
	if !resp.Success || resp.UpstreamHeads == nil {
		return ErrRequestFailed.New("subscribe", m.uid, resp.Reason)
	}
	up := *resp.UpstreamHeads
	m.setUpstreamHeads(up)

	switch {
	case resp.HashAgreed:
	case resp.HashIndex < base:
		mine, err := m.g.Hash(ctx, resp.HashIndex)
		if err != nil {
			return err
		}
		if mine.String() != resp.Hash {
			derr := ErrDiverged.New(m.uid, resp.HashIndex)
			m.g.Fail(derr.Error())
			return derr
		}
		m.lgr.Warnf("manager: upstream only has blobs below %d, local sync head was %d; pushing again", resp.HashIndex, base)
		m.g.SetSyncHead(resp.HashIndex)
		base = resp.HashIndex
	default:
		derr := ErrDiverged.New(m.uid, base)
		m.g.Fail(derr.Error())
		return derr
	}

	if up.Blobs > base {
		read := m.g.ReadHead()
		if read >= up.Blobs {
			// A push may have landed without its response arriving.
			agreed, err := m.agreesAt(ctx, up.Blobs)
			if err != nil {
				return err
			}
			if agreed {
				m.g.SetSyncHead(up.Blobs)
				base = up.Blobs
			}
		}
		if up.Blobs > base {
			if read > base {
				m.lgr.Errorf("manager: upstream moved on to blob index %d without the local writes [%d, %d); discarding them", up.Blobs, base, read)
				if err := m.g.RollBackTo(ctx, base, true); err != nil {
					return err
				}
			}
			if err := m.fetch(ctx); err != nil {
				return err
			}
		}
	}
	m.setSubscribed(true)
	m.lgr.Debugf("manager: subscribed, upstream at blob index %d", up.Blobs)

	if m.g.IsPrimary() {
		resp, err := m.request(ctx, &transport.Envelope{Kind: transport.KindMakePrimary})
		if err != nil {
			return err
		}
		if !resp.Success {
			if m.g.Heads().InSync() {
				m.lgr.Warnf("manager: upstream refused to give the primary role back (%s); continuing as a replica", resp.Reason)
				m.g.SetPrimary(false)
				return nil
			}
			perr := ErrPrimaryRefused.New(m.uid, resp.Reason)
			m.lgr.Errorf("manager: lost the primary role with writes upstream has not acknowledged; they cannot be delivered: %v", perr)
			m.g.Fail(perr.Error())
			return perr
		}
	}
	return nil
}

// agreesAt asks upstream whether both copies hold the same blobs below
// |idx|.
func (m *Manager) agreesAt(ctx context.Context, idx blobs.Index) (bool, error) {
	h, err := m.g.Hash(ctx, idx)
	if err != nil {
		return false, err
	}
	local := m.g.LocalHeads()
	resp, err := m.request(ctx, &transport.Envelope{
		Kind:      transport.KindSubscribe,
		HashIndex: idx,
		Hash:      h.String(),
		Heads:     &local,
	})
	if err != nil {
		return false, err
	}
	if !resp.Success || resp.UpstreamHeads == nil {
		return false, ErrRequestFailed.New("subscribe", m.uid, resp.Reason)
	}
	m.setUpstreamHeads(*resp.UpstreamHeads)
	return resp.HashAgreed && resp.HashIndex == idx, nil
}

// fetch brings the local copy up to upstream's.
func (m *Manager) fetch(ctx context.Context) error {
	local := m.g.LocalHeads()
	resp, err := m.request(ctx, &transport.Envelope{Kind: transport.KindFetch, Heads: &local})
	if err != nil {
		return err
	}
	if !resp.Success {
		return ErrRequestFailed.New("fetch", m.uid, resp.Reason)
	}
	u, err := resp.Update()
	if err != nil {
		return err
	}
	if err := m.g.ApplyUpdate(ctx, u); err != nil {
		return err
	}
	if resp.UpstreamHeads != nil {
		m.setUpstreamHeads(*resp.UpstreamHeads)
	}
	m.opts.Metrics.UpdateApplied(m.uid, len(resp.Payload))
	m.lgr.Tracef("manager: fetched [%d, %d)", u.BlobIndexLo, u.BlobIndexHi)
	return nil
}

// catchUp fetches what dropped updates carried.
func (m *Manager) catchUp(ctx context.Context) {
	if !m.subscribed.Load() || m.g.Err() != nil {
		return
	}
	if err := m.fetch(ctx); err != nil {
		m.lgr.Warnf("manager: catching up after dropped updates: %v", err)
	}
}

func (m *Manager) applyIncoming(ctx context.Context, e *transport.Envelope) {
	if e.Kind != transport.KindUpdate {
		m.lgr.Warnf("manager: ignoring unsolicited %s", e)
		return
	}
	if m.g.Err() != nil {
		return
	}
	u, err := e.Update()
	if err != nil {
		m.lgr.Warnf("manager: dropping undecodable update: %v", err)
		return
	}
	err = m.g.ApplyUpdate(ctx, u)
	switch {
	case err == nil:
		m.mu.Lock()
		m.upstreamHeads = m.upstreamHeads.After(u)
		m.mu.Unlock()
		m.opts.Metrics.UpdateApplied(m.uid, len(e.Payload))
	case graph.ErrHeadsMismatch.Is(err) || graph.ErrCacheMismatch.Is(err):
		m.lgr.Tracef("manager: pushed update does not line up (%v), fetching", err)
		if err := m.fetch(ctx); err != nil {
			m.lgr.Warnf("manager: catching up: %v", err)
		}
	default:
		m.lgr.Errorf("manager: applying pushed update [%d, %d): %v", u.BlobIndexLo, u.BlobIndexHi, err)
	}
}

func (m *Manager) claimPrimary(ctx context.Context) error {
	resp, err := m.request(ctx, &transport.Envelope{Kind: transport.KindMakePrimary})
	if err != nil {
		return err
	}
	if !resp.Success {
		return ErrPrimaryRefused.New(m.uid, resp.Reason)
	}
	m.g.SetPrimary(true)
	m.g.SetShouldSync(true)
	m.lgr.Infof("manager: holding the primary role")
	return nil
}

func (m *Manager) releasePrimary(ctx context.Context) error {
	if !m.g.Heads().InSync() {
		return ErrUnsynced.New(m.uid)
	}
	resp, err := m.request(ctx, &transport.Envelope{Kind: transport.KindReleasePrimary})
	if err != nil {
		return err
	}
	if !resp.Success {
		return ErrRequestFailed.New("release of primary role", m.uid, resp.Reason)
	}
	m.g.SetPrimary(false)
	m.lgr.Infof("manager: released the primary role")
	return nil
}

func (m *Manager) shouldPush(h graph.Heads) bool {
	return m.g.IsPrimary() && m.g.ShouldSync() && m.subscribed.Load() &&
		h.Read > h.Sync && int32(h.Read) != m.failedAt.Load()
}

func (m *Manager) syncLoop(ctx context.Context) error {
	for {
		var notify, push bool
		err := m.g.Await(ctx, func() bool {
			h := m.g.Heads()
			notify = h.Read != h.ManagerTx
			push = m.shouldPush(h)
			return notify || push
		})
		if err != nil {
			return err
		}
		if notify {
			m.notify()
		}
		if push {
			m.sendUpdate(ctx)
		}
	}
}

func (m *Manager) notify() {
	h := m.g.Heads()
	lo, hi := h.ManagerTx, h.Read
	m.mu.Lock()
	subs := make([]LocalSubscriber, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()
	if lo < hi {
		for _, s := range subs {
			s(lo, hi)
		}
	}
	m.g.SetManagerTxHead(hi)
	m.reportLag()
}

func (m *Manager) reportLag() {
	h := m.g.Heads()
	if h.Read > h.Sync && m.g.ShouldSync() {
		m.opts.Metrics.Lag(m.uid, (h.Read - h.Sync).Offset())
	} else {
		m.opts.Metrics.Lag(m.uid, 0)
	}
}

func retryable(err error) bool {
	return transport.ErrTimeout.Is(err) || transport.ErrDisconnected.Is(err) || transport.ErrClosed.Is(err)
}

// sendUpdate pushes everything upstream lacks. Transient failures are
// retried a bounded number of times. When they run out, or upstream is at a
// different head, the push waits for the next commit or reconnect.
func (m *Manager) sendUpdate(ctx context.Context) {
	read := m.g.ReadHead()
	op := func() error {
		from := m.UpstreamHeads()
		u, err := m.g.CollectUpdate(ctx, from, true)
		if err != nil {
			return backoff.Permanent(err)
		}
		if u.Empty() {
			m.g.SetSyncHead(u.BlobIndexHi)
			return nil
		}
		data, err := u.Marshal()
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := m.request(ctx, &transport.Envelope{Kind: transport.KindUpdate, Payload: data})
		if err != nil {
			if retryable(err) {
				m.lgr.Warnf("manager: pushing [%d, %d): %v", u.BlobIndexLo, u.BlobIndexHi, err)
				return err
			}
			return backoff.Permanent(err)
		}
		if !resp.Success {
			if resp.UpstreamHeads != nil {
				m.setUpstreamHeads(*resp.UpstreamHeads)
				return backoff.Permanent(errConflict.New(m.uid, resp.UpstreamHeads.Blobs))
			}
			reason := fmt.Sprintf("upstream rejected update [%d, %d): %s", u.BlobIndexLo, u.BlobIndexHi, resp.Reason)
			m.g.Fail(reason)
			return backoff.Permanent(ErrRequestFailed.New("update", m.uid, resp.Reason))
		}
		if resp.UpstreamHeads != nil {
			m.setUpstreamHeads(*resp.UpstreamHeads)
		} else {
			m.setUpstreamHeads(from.After(u))
		}
		m.g.SetSyncHead(u.BlobIndexHi)
		m.opts.Metrics.UpdateSent(m.uid, len(data))
		m.lgr.Tracef("manager: pushed [%d, %d)", u.BlobIndexLo, u.BlobIndexHi)
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(m.opts.SendBackoff), m.opts.SendAttempts-1), ctx)
	err := backoff.Retry(op, bo)
	m.reportLag()
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}
	if errConflict.Is(err) {
		m.lgr.Warnf("manager: push did not line up, %v; retrying on the next commit or reconnect", err)
	} else {
		m.lgr.Errorf("manager: could not push blobs up to %d, they stay pending until the next commit or reconnect: %v", read, err)
		m.opts.Metrics.SendFailed(m.uid)
	}
	m.g.Update(func() {
		m.failedAt.Store(int32(read))
	})
	m.g.ReportSyncFailure()
}

// Pager fetches pages of a graph's canonical region from upstream.
type Pager struct {
	Upstream Upstream
	Graph    uuid.UUID
}

func (p Pager) FetchPage(ctx context.Context, off int, dst []byte) error {
	resp, err := p.Upstream.Request(ctx, &transport.Envelope{
		Kind:   transport.KindPageRequest,
		Graph:  p.Graph,
		Offset: off,
		Length: len(dst),
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		return ErrRequestFailed.New("page request", p.Graph, resp.Reason)
	}
	copy(dst, resp.Payload)
	return nil
}

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

// Package upstream is the reference authority graphs synchronize with. It
// keeps the canonical copy of every graph, grants the primary role to at
// most one session per graph, checks the structural hash of every update it
// accepts and forwards accepted updates to the other subscribed sessions.
package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	goerrors "gopkg.in/src-d/go-errors.v1"

	"github.com/dolthub/blobgraph/libraries/snapshot"
	"github.com/dolthub/blobgraph/libraries/tokens"
	"github.com/dolthub/blobgraph/libraries/transport"
	"github.com/dolthub/blobgraph/store/blobs"
	"github.com/dolthub/blobgraph/store/graph"
	"github.com/dolthub/blobgraph/store/payload"
	"github.com/dolthub/blobgraph/store/region"
)

var ErrUnknownGraph = goerrors.NewKind("graph %s is not known upstream")

const (
	defaultCapacity     = 1 << 30
	defaultPokeInterval = 5 * time.Second
	// pushTimeout bounds forwarding an update to one subscriber. A
	// subscriber that cannot keep up is disconnected and catches up when it
	// resubscribes.
	pushTimeout = 30 * time.Second
)

type Options struct {
	// Store keeps canonical copies on disk. Without one they live in
	// anonymous memory and are lost on restart.
	Store *snapshot.Store
	// Capacity of each canonical region when Store is nil.
	Capacity     int
	Tokens       *tokens.LocalStore
	PokeInterval time.Duration
	// Chunking, if set, reassembles pieced envelopes and splits large
	// responses. Clients must be configured the same way.
	Chunking *transport.ChunkOptions
	Log      *logrus.Entry
}

// Authority serves any number of sessions.
type Authority struct {
	opts   Options
	lgr    *logrus.Entry
	tokens *tokens.LocalStore

	mu       sync.Mutex
	graphs   map[uuid.UUID]*canon
	sessions map[*session]struct{}
	closed   bool
}

type canon struct {
	g     *graph.GraphData
	close func() error

	// mu serializes changes to the canonical copy with the fan-out that
	// follows them, so every subscriber sees updates in order.
	mu      sync.Mutex
	primary *session
	subs    map[*session]payload.Heads
}

type session struct {
	id   uuid.UUID
	conn transport.Conn
	lgr  *logrus.Entry
}

func (s *session) send(ctx context.Context, e *transport.Envelope) error {
	return s.conn.Send(ctx, e)
}

// New returns an Authority holding the graphs already in |opts.Store|.
func New(opts Options) (*Authority, error) {
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	if opts.PokeInterval <= 0 {
		opts.PokeInterval = defaultPokeInterval
	}
	if opts.Tokens == nil {
		opts.Tokens = tokens.NewLocalStore()
	}
	a := &Authority{
		opts:     opts,
		lgr:      opts.Log.WithField("thread", "upstream"),
		tokens:   opts.Tokens,
		graphs:   make(map[uuid.UUID]*canon),
		sessions: make(map[*session]struct{}),
	}
	if opts.Store != nil {
		uids, err := opts.Store.List()
		if err != nil {
			return nil, err
		}
		for _, uid := range uids {
			sg, ok, err := opts.Store.Load(uid, a.graphOptions())
			if err != nil {
				a.Close()
				return nil, err
			}
			if !ok {
				continue
			}
			a.graphs[uid] = newCanon(sg.GraphData, sg.Close)
			a.lgr.Infof("loaded graph %s at blob index %d", uid, sg.ReadHead())
		}
	}
	return a, nil
}

func newCanon(g *graph.GraphData, closer func() error) *canon {
	return &canon{g: g, close: closer, subs: make(map[*session]payload.Heads)}
}

func (a *Authority) graphOptions() graph.Options {
	return graph.Options{Log: a.opts.Log, RejectBadHash: true, SyncOnCommit: a.opts.Store != nil}
}

// canonical returns the copy of |uid|, creating an empty one if |create|.
func (a *Authority) canonical(uid uuid.UUID, create bool) (*canon, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.graphs[uid]; ok {
		return c, nil
	}
	if !create || uid == uuid.Nil {
		return nil, ErrUnknownGraph.New(uid)
	}
	var c *canon
	if a.opts.Store != nil {
		sg, err := a.opts.Store.Create(uid, true, a.graphOptions())
		if err != nil {
			return nil, err
		}
		c = newCanon(sg.GraphData, sg.Close)
	} else {
		r, err := region.NewAnonymous(a.opts.Capacity)
		if err != nil {
			return nil, err
		}
		g, err := graph.NewReplica(uid, r, a.graphOptions())
		if err != nil {
			r.Close()
			return nil, err
		}
		c = newCanon(g, g.Release)
	}
	a.graphs[uid] = c
	a.lgr.Infof("created canonical copy of graph %s", uid)
	return c, nil
}

// Graph returns the canonical copy of |uid|.
func (a *Authority) Graph(uid uuid.UUID) (*graph.GraphData, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.graphs[uid]
	if !ok {
		return nil, false
	}
	return c.g, true
}

// Primary reports whether some session holds the primary role of |uid|.
func (a *Authority) Primary(uid uuid.UUID) bool {
	c, err := a.canonical(uid, false)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primary != nil
}

// Loopback returns a Dialer whose sessions are served in process.
func (a *Authority) Loopback() transport.Loopback {
	return transport.Loopback{Serve: func(ctx context.Context, c transport.Conn) {
		if err := a.ServeConn(ctx, c); err != nil {
			a.lgr.Warnf("session ended: %v", err)
		}
	}}
}

// ServeConn serves one session until the connection closes. Requests of a
// session are handled in the order they arrive.
func (a *Authority) ServeConn(ctx context.Context, conn transport.Conn) error {
	s := &session{id: uuid.New(), conn: conn}
	s.lgr = a.lgr.WithField("session", s.id.String())
	if a.opts.Chunking != nil {
		opts := *a.opts.Chunking
		opts.Log = s.lgr
		c := transport.NewChunking(conn, opts)
		cctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go c.Run(cctx)
		s.conn = c
		conn = c
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		conn.Close()
		return transport.ErrClosed.New()
	}
	a.sessions[s] = struct{}{}
	a.mu.Unlock()
	defer a.drop(s)
	s.lgr.Debugf("session started")

	for {
		e, err := conn.Recv(ctx)
		if err != nil {
			if transport.ErrClosed.Is(err) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		a.handle(ctx, s, e)
	}
}

func (a *Authority) drop(s *session) {
	a.mu.Lock()
	delete(a.sessions, s)
	cs := make([]*canon, 0, len(a.graphs))
	for _, c := range a.graphs {
		cs = append(cs, c)
	}
	a.mu.Unlock()
	for _, c := range cs {
		c.mu.Lock()
		delete(c.subs, s)
		if c.primary == s {
			c.primary = nil
			s.lgr.Infof("primary of graph %s disconnected, role released", c.g.UID())
		}
		c.mu.Unlock()
	}
	s.conn.Close()
	s.lgr.Debugf("session ended")
}

// Close ends every session and closes every canonical copy.
func (a *Authority) Close() error {
	a.mu.Lock()
	a.closed = true
	sessions := a.sessions
	a.sessions = make(map[*session]struct{})
	graphs := a.graphs
	a.graphs = make(map[uuid.UUID]*canon)
	a.mu.Unlock()
	for s := range sessions {
		s.conn.Close()
	}
	var err error
	for _, c := range graphs {
		if cerr := c.close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (a *Authority) handle(ctx context.Context, s *session, e *transport.Envelope) {
	switch e.Kind {
	case transport.KindPoke, transport.KindResponse:
		return
	}
	stop := a.keepAlive(ctx, s, e.Task)
	resp := a.dispatch(ctx, s, e)
	stop()
	if err := s.send(ctx, resp); err != nil {
		s.lgr.Warnf("sending response to %s: %v", e, err)
	}
}

// keepAlive pokes |task| until the returned func is called, so the client
// does not give up on a slow request.
func (a *Authority) keepAlive(ctx context.Context, s *session, task uuid.UUID) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(a.opts.PokeInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := s.send(ctx, &transport.Envelope{Kind: transport.KindPoke, Task: task}); err != nil {
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (a *Authority) dispatch(ctx context.Context, s *session, e *transport.Envelope) *transport.Envelope {
	switch e.Kind {
	case transport.KindSubscribe:
		return a.subscribe(ctx, s, e)
	case transport.KindUnsubscribe:
		return a.unsubscribe(s, e)
	case transport.KindFetch:
		return a.fetch(ctx, s, e)
	case transport.KindMakePrimary:
		return a.makePrimary(s, e)
	case transport.KindReleasePrimary:
		return a.releasePrimary(s, e)
	case transport.KindUpdate:
		return a.update(ctx, s, e)
	case transport.KindHeads:
		return a.heads(e)
	case transport.KindPageRequest:
		return a.page(e)
	case transport.KindTokens:
		return a.resolveTokens(ctx, e)
	}
	return e.Fail(fmt.Sprintf("%s is not a request", e.Kind))
}

// subscribe compares the client's hash at its sync head with the canonical
// copy. A client ahead of the canonical copy gets the hash at the canonical
// head instead, to check it holds the same prefix.
func (a *Authority) subscribe(ctx context.Context, s *session, e *transport.Envelope) *transport.Envelope {
	c, err := a.canonical(e.Graph, true)
	if err != nil {
		return e.Fail(err.Error())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	up := c.g.LocalHeads()
	resp := e.Succeed()
	resp.UpstreamHeads = &up

	idx := max(e.HashIndex, blobs.Root)
	if idx > up.Blobs {
		idx = up.Blobs
	}
	h, err := c.g.Hash(ctx, idx)
	if err != nil {
		return e.Fail(err.Error())
	}
	resp.HashIndex = idx
	resp.Hash = h.String()
	resp.HashAgreed = idx == max(e.HashIndex, blobs.Root) && resp.Hash == e.Hash

	var heads payload.Heads
	if e.Heads != nil {
		heads = e.Heads.Clone()
	}
	c.subs[s] = heads
	s.lgr.Debugf("subscribed to graph %s, hash agreed %t at %d", e.Graph, resp.HashAgreed, idx)
	return resp
}

func (a *Authority) unsubscribe(s *session, e *transport.Envelope) *transport.Envelope {
	c, err := a.canonical(e.Graph, false)
	if err != nil {
		return e.Fail(err.Error())
	}
	c.mu.Lock()
	delete(c.subs, s)
	c.mu.Unlock()
	return e.Succeed()
}

func (a *Authority) fetch(ctx context.Context, s *session, e *transport.Envelope) *transport.Envelope {
	c, err := a.canonical(e.Graph, false)
	if err != nil {
		return e.Fail(err.Error())
	}
	if e.Heads == nil {
		return e.Fail("fetch without heads")
	}
	c.mu.Lock()
	u, err := c.g.CollectUpdate(ctx, *e.Heads, true)
	up := c.g.LocalHeads()
	if err == nil {
		if _, ok := c.subs[s]; ok {
			c.subs[s] = e.Heads.After(u)
		}
	}
	c.mu.Unlock()
	if err != nil {
		resp := e.Fail(err.Error())
		resp.UpstreamHeads = &up
		return resp
	}
	data, err := u.Marshal()
	if err != nil {
		return e.Fail(err.Error())
	}
	resp := e.Succeed()
	resp.UpstreamHeads = &up
	resp.Payload = data
	return resp
}

func (a *Authority) makePrimary(s *session, e *transport.Envelope) *transport.Envelope {
	c, err := a.canonical(e.Graph, true)
	if err != nil {
		return e.Fail(err.Error())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.primary != nil && c.primary != s {
		return e.Fail(fmt.Sprintf("graph %s already has a primary", e.Graph))
	}
	c.primary = s
	s.lgr.Infof("granted primary role of graph %s", e.Graph)
	return e.Succeed()
}

func (a *Authority) releasePrimary(s *session, e *transport.Envelope) *transport.Envelope {
	c, err := a.canonical(e.Graph, false)
	if err != nil {
		return e.Fail(err.Error())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.primary == s {
		c.primary = nil
	}
	return e.Succeed()
}

// update applies a primary's update to the canonical copy and forwards it.
// A failed response carries the canonical heads when the update did not
// line up with them.
func (a *Authority) update(ctx context.Context, s *session, e *transport.Envelope) *transport.Envelope {
	c, err := a.canonical(e.Graph, false)
	if err != nil {
		return e.Fail(err.Error())
	}
	u, err := e.Update()
	if err != nil {
		return e.Fail(err.Error())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.primary != s {
		return e.Fail(fmt.Sprintf("session does not hold the primary role of graph %s", e.Graph))
	}
	err = c.g.ApplyUpdate(ctx, u)
	up := c.g.LocalHeads()
	if err != nil {
		s.lgr.Warnf("rejected update [%d, %d) of graph %s: %v", u.BlobIndexLo, u.BlobIndexHi, e.Graph, err)
		resp := e.Fail(err.Error())
		if graph.ErrHeadsMismatch.Is(err) || graph.ErrCacheMismatch.Is(err) {
			resp.UpstreamHeads = &up
		}
		return resp
	}
	s.lgr.Tracef("accepted update [%d, %d) of graph %s", u.BlobIndexLo, u.BlobIndexHi, e.Graph)
	c.fanOut(ctx, s, u, e.Payload, up)
	resp := e.Succeed()
	resp.UpstreamHeads = &up
	return resp
}

// fanOut sends |u| to every subscriber but |from|. Callers hold |c.mu|.
func (c *canon) fanOut(ctx context.Context, from *session, u *payload.Update, raw []byte, up payload.Heads) {
	for sub, heads := range c.subs {
		if sub == from {
			c.subs[sub] = up.Clone()
			continue
		}
		data := raw
		if !linesUp(heads, u) {
			catchUp, err := c.g.CollectUpdate(ctx, heads, true)
			if err == nil {
				data, err = catchUp.Marshal()
			}
			if err != nil {
				sub.lgr.Warnf("cannot build update for subscriber of graph %s, disconnecting it: %v", c.g.UID(), err)
				sub.conn.Close()
				delete(c.subs, sub)
				continue
			}
		}
		pctx, cancel := context.WithTimeout(ctx, pushTimeout)
		err := sub.send(pctx, &transport.Envelope{Kind: transport.KindUpdate, Graph: c.g.UID(), Payload: data})
		cancel()
		if err != nil {
			sub.lgr.Warnf("forwarding update of graph %s failed, disconnecting subscriber: %v", c.g.UID(), err)
			sub.conn.Close()
			delete(c.subs, sub)
			continue
		}
		c.subs[sub] = up.Clone()
	}
}

// linesUp reports whether a copy at |h| can apply |u| as is.
func linesUp(h payload.Heads, u *payload.Update) bool {
	if h.Blobs != u.BlobIndexLo {
		return false
	}
	for _, desc := range u.Header.Caches {
		if ch := h.Caches[desc.Name]; ch.Head != desc.IndexLo || ch.Revision != desc.Revision {
			return false
		}
	}
	return true
}

func (a *Authority) heads(e *transport.Envelope) *transport.Envelope {
	c, err := a.canonical(e.Graph, false)
	if err != nil {
		return e.Fail(err.Error())
	}
	c.mu.Lock()
	up := c.g.LocalHeads()
	c.mu.Unlock()
	resp := e.Succeed()
	resp.UpstreamHeads = &up
	resp.HashIndex = up.Blobs
	return resp
}

// page returns committed bytes of the canonical region. Bytes at or past
// the read head come back as zeros.
func (a *Authority) page(e *transport.Envelope) *transport.Envelope {
	c, err := a.canonical(e.Graph, false)
	if err != nil {
		return e.Fail(err.Error())
	}
	if e.Offset < 0 || e.Length <= 0 || e.Length > region.PageSize {
		return e.Fail(fmt.Sprintf("bad page request [%d, +%d)", e.Offset, e.Length))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	limit := c.g.ReadHead().Offset()
	data := make([]byte, e.Length)
	if hi := min(e.Offset+e.Length, limit); hi > e.Offset {
		copy(data, c.g.Region().Bytes()[e.Offset:hi])
	}
	resp := e.Succeed()
	resp.Offset = e.Offset
	resp.Length = e.Length
	resp.Payload = data
	return resp
}

func (a *Authority) resolveTokens(ctx context.Context, e *transport.Envelope) *transport.Envelope {
	want := make([]tokens.Token, len(e.Tokens))
	for i, t := range e.Tokens {
		want[i] = tokens.Token{Kind: tokens.Kind(t.Kind), Name: t.Name, ID: t.ID}
	}
	got, err := a.tokens.FetchTokens(ctx, want)
	if err != nil {
		return e.Fail(err.Error())
	}
	resp := e.Succeed()
	resp.Tokens = make([]transport.Token, len(got))
	for i, t := range got {
		resp.Tokens[i] = transport.Token{Kind: string(t.Kind), Name: t.Name, ID: t.ID}
	}
	return resp
}

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

// Package butler is the registry of loaded graphs for one process. It owns
// the session with the upstream authority: it dials and redials, correlates
// requests with their responses, routes pushed updates to the graph they
// belong to and tells every graph manager when the session comes and goes.
//
// A Butler is constructed and closed explicitly. Callers that want a single
// process-wide instance keep one at their outermost layer.
package butler

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	goerrors "gopkg.in/src-d/go-errors.v1"

	"github.com/dolthub/blobgraph/libraries/manager"
	"github.com/dolthub/blobgraph/libraries/metrics"
	"github.com/dolthub/blobgraph/libraries/snapshot"
	"github.com/dolthub/blobgraph/libraries/tokens"
	"github.com/dolthub/blobgraph/libraries/transport"
	"github.com/dolthub/blobgraph/store/graph"
	"github.com/dolthub/blobgraph/store/region"
)

var (
	ErrOffline     = goerrors.NewKind("butler has no upstream")
	ErrNotFound    = goerrors.NewKind("graph %s not found: %s")
	ErrNotLoaded   = goerrors.NewKind("graph %s is not loaded")
	ErrClosed      = goerrors.NewKind("butler is closed")
	ErrRequestFail = goerrors.NewKind("upstream failed %s: %s")
)

const (
	defaultCapacity         = 1 << 30
	defaultTaskTimeout      = 30 * time.Second
	defaultReconnectBackoff = 2 * time.Second
	maxReconnectBackoff     = time.Minute
	createAttempts          = 3
	lazySlack               = region.PageSize
	lazyAttempts            = 3
)

type Options struct {
	// Dialer opens sessions with upstream. Without one every graph is
	// local only.
	Dialer transport.Dialer
	// Store keeps graphs in snapshot directories. Without one graphs live
	// in anonymous memory and vanish on Unload.
	Store    *snapshot.Store
	Capacity int

	// TaskTimeout fails a request that has shown no sign of life for this
	// long. Pokes from upstream restart the clock.
	TaskTimeout      time.Duration
	ReconnectBackoff time.Duration
	// Chunking, if set, wraps every session so large payloads travel in
	// pieces. The authority must be configured the same way.
	Chunking *transport.ChunkOptions

	SendAttempts uint64
	SendBackoff  time.Duration
	Metrics      *metrics.Sync
	Log          *logrus.Entry
}

// LoadOptions tune Load for a graph that is not on local disk.
type LoadOptions struct {
	// Lazy maps the graph without copying it first; pages are requested
	// from upstream as they are touched. Ignored with a Store.
	Lazy bool
}

type task struct {
	resp chan *transport.Envelope
	poke chan struct{}
	fail chan error
}

type entry struct {
	g      *graph.GraphData
	m      *manager.Manager
	closer func() error
}

type Butler struct {
	opts  Options
	lgr   *logrus.Entry
	loads *keymutex[uuid.UUID]

	mu        sync.Mutex
	graphs    map[uuid.UUID]*entry
	tasks     map[uuid.UUID]*task
	conn      transport.Conn
	connected chan struct{}
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group
}

var _ manager.Upstream = (*Butler)(nil)
var _ tokens.Fetcher = (*Butler)(nil)

// New returns a Butler and, with a Dialer, starts connecting to upstream.
func New(ctx context.Context, opts Options) *Butler {
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = defaultTaskTimeout
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = defaultReconnectBackoff
	}
	b := &Butler{
		opts:      opts,
		lgr:       opts.Log.WithField("thread", "butler"),
		loads:     newKeymutex[uuid.UUID](),
		graphs:    make(map[uuid.UUID]*entry),
		tasks:     make(map[uuid.UUID]*task),
		connected: make(chan struct{}),
	}
	ctx, b.cancel = context.WithCancel(ctx)
	b.eg, b.ctx = errgroup.WithContext(ctx)
	if opts.Dialer != nil {
		b.eg.Go(func() error { return b.connectLoop(b.ctx) })
	}
	return b
}

// Online reports whether a session with upstream is open.
func (b *Butler) Online() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// WaitOnline blocks until a session with upstream is open.
func (b *Butler) WaitOnline(ctx context.Context) error {
	if b.opts.Dialer == nil {
		return ErrOffline.New()
	}
	b.mu.Lock()
	ch := b.connected
	b.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return ErrClosed.New()
	}
}

func (b *Butler) connectLoop(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.opts.ReconnectBackoff
	bo.MaxInterval = maxReconnectBackoff
	bo.MaxElapsedTime = 0
	for {
		var conn transport.Conn
		err := backoff.RetryNotify(func() (err error) {
			conn, err = b.opts.Dialer.Dial(ctx)
			return err
		}, backoff.WithContext(bo, ctx), func(err error, d time.Duration) {
			b.lgr.Warnf("butler: dialing upstream: %v; retrying in %s", err, d)
		})
		if err != nil {
			return err
		}
		bo.Reset()
		b.session(ctx, conn)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.opts.ReconnectBackoff):
		}
	}
}

// session serves one connection until it breaks.
func (b *Butler) session(ctx context.Context, raw transport.Conn) {
	conn := raw
	eg, sctx := errgroup.WithContext(ctx)
	if b.opts.Chunking != nil {
		opts := *b.opts.Chunking
		opts.Log = b.lgr
		c := transport.NewChunking(raw, opts)
		eg.Go(func() error { return c.Run(sctx) })
		conn = c
	}

	b.mu.Lock()
	b.conn = conn
	close(b.connected)
	b.mu.Unlock()
	b.lgr.Infof("butler: connected to upstream")

	eg.Go(func() error { return b.recvLoop(sctx, conn) })
	eg.Go(func() error {
		var wg sync.WaitGroup
		for _, e := range b.entries() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := e.m.Connected(sctx); err != nil {
					b.lgr.Warnf("butler: resubscribing graph %s: %v", e.g.UID(), err)
				}
			}()
		}
		wg.Wait()
		return nil
	})
	err := eg.Wait()
	raw.Close()

	b.mu.Lock()
	b.conn = nil
	b.connected = make(chan struct{})
	tasks := b.tasks
	b.tasks = make(map[uuid.UUID]*task)
	b.mu.Unlock()
	for _, t := range tasks {
		t.fail <- transport.ErrDisconnected.New()
	}
	for _, e := range b.entries() {
		e.m.Disconnected()
	}
	if ctx.Err() == nil {
		b.lgr.Warnf("butler: lost upstream: %v", err)
	}
}

func (b *Butler) recvLoop(ctx context.Context, conn transport.Conn) error {
	for {
		e, err := conn.Recv(ctx)
		if err != nil {
			return err
		}
		switch e.Kind {
		case transport.KindResponse:
			if t := b.task(e.Task); t != nil {
				select {
				case t.resp <- e:
				default:
				}
			} else {
				b.lgr.Tracef("butler: response to finished task %s", e.Task)
			}
		case transport.KindPoke:
			if t := b.task(e.Task); t != nil {
				select {
				case t.poke <- struct{}{}:
				default:
				}
			}
		case transport.KindUpdate:
			b.mu.Lock()
			ent := b.graphs[e.Graph]
			b.mu.Unlock()
			if ent == nil {
				b.lgr.Debugf("butler: update for graph %s which is not loaded", e.Graph)
				continue
			}
			ent.m.Deliver(e)
		default:
			b.lgr.Warnf("butler: unexpected %s from upstream", e)
		}
	}
}

func (b *Butler) task(id uuid.UUID) *task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tasks[id]
}

// Request sends |e| as a new task and waits for its response.
func (b *Butler) Request(ctx context.Context, e *transport.Envelope) (*transport.Envelope, error) {
	if b.opts.Dialer == nil {
		return nil, ErrOffline.New()
	}
	e.Task = uuid.New()
	t := &task{
		resp: make(chan *transport.Envelope, 1),
		poke: make(chan struct{}, 1),
		fail: make(chan error, 1),
	}
	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return nil, transport.ErrDisconnected.New()
	}
	b.tasks[e.Task] = t
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.tasks, e.Task)
		b.mu.Unlock()
	}()

	if err := conn.Send(ctx, e); err != nil {
		if transport.ErrClosed.Is(err) {
			return nil, transport.ErrDisconnected.Wrap(err)
		}
		return nil, err
	}
	timer := time.NewTimer(b.opts.TaskTimeout)
	defer timer.Stop()
	for {
		select {
		case resp := <-t.resp:
			return resp, nil
		case err := <-t.fail:
			return nil, err
		case <-t.poke:
			timer.Reset(b.opts.TaskTimeout)
		case <-timer.C:
			return nil, transport.ErrTimeout.New(e.Task, b.opts.TaskTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// FetchTokens asks upstream to resolve |want|.
func (b *Butler) FetchTokens(ctx context.Context, want []tokens.Token) ([]tokens.Token, error) {
	e := &transport.Envelope{Kind: transport.KindTokens, Tokens: make([]transport.Token, len(want))}
	for i, t := range want {
		e.Tokens[i] = transport.Token{Kind: string(t.Kind), Name: t.Name, ID: t.ID}
	}
	resp, err := b.Request(ctx, e)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, ErrRequestFail.New("token lookup", resp.Reason)
	}
	ret := make([]tokens.Token, len(resp.Tokens))
	for i, t := range resp.Tokens {
		ret[i] = tokens.Token{Kind: tokens.Kind(t.Kind), Name: t.Name, ID: t.ID}
	}
	return ret, nil
}

func (b *Butler) entries() []*entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	ret := make([]*entry, 0, len(b.graphs))
	for _, e := range b.graphs {
		ret = append(ret, e)
	}
	return ret
}

func (b *Butler) lookup(uid uuid.UUID) (*entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.graphs[uid]; ok {
		return e, nil
	}
	return nil, ErrNotLoaded.New(uid)
}

func (b *Butler) graphOptions() graph.Options {
	return graph.Options{Log: b.lgr, SyncOnCommit: b.opts.Store != nil}
}

// newGraph formats a new graph, or an empty replica, in the store or in
// anonymous memory.
func (b *Butler) newGraph(uid uuid.UUID, replica bool) (*graph.GraphData, func() error, error) {
	if b.opts.Store != nil {
		sg, err := b.opts.Store.Create(uid, replica, b.graphOptions())
		if err != nil {
			return nil, nil, err
		}
		return sg.GraphData, sg.Close, nil
	}
	r, err := region.NewAnonymous(b.opts.Capacity)
	if err != nil {
		return nil, nil, err
	}
	var g *graph.GraphData
	if replica {
		g, err = graph.NewReplica(uid, r, b.graphOptions())
	} else {
		g, err = graph.New(uid, r, b.graphOptions())
	}
	if err != nil {
		r.Close()
		return nil, nil, err
	}
	return g, g.Release, nil
}

func (b *Butler) register(g *graph.GraphData, closer func() error) (*entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed.New()
	}
	m := manager.New(g, manager.Options{
		Upstream:     b,
		SendAttempts: b.opts.SendAttempts,
		SendBackoff:  b.opts.SendBackoff,
		Metrics:      b.opts.Metrics,
		Log:          b.lgr,
	})
	m.Start(b.ctx)
	e := &entry{g: g, m: m, closer: closer}
	b.graphs[g.UID()] = e
	return e, nil
}

func (e *entry) close() error {
	err := e.m.Stop()
	if cerr := e.closer(); err == nil {
		err = cerr
	}
	return err
}

// connect subscribes a freshly registered graph if a session is open. A
// graph registered while offline subscribes with the next session.
func (b *Butler) connect(ctx context.Context, e *entry) error {
	if !b.Online() {
		return nil
	}
	return e.m.Connected(ctx)
}

// Create starts a new graph whose primary role this process holds.
func (b *Butler) Create(ctx context.Context) (*graph.GraphData, error) {
	var (
		g      *graph.GraphData
		closer func() error
		err    error
	)
	for i := 0; g == nil && i < createAttempts; i++ {
		uid := uuid.New()
		if b.opts.Store != nil {
			if _, serr := os.Stat(b.opts.Store.Path(uid)); serr == nil {
				b.lgr.Warnf("butler: fresh uid %s already has a snapshot, drawing another", uid)
				err = snapshot.ErrExists.New(b.opts.Store.Path(uid), uid)
				continue
			}
		}
		if g, closer, err = b.newGraph(uid, false); err != nil {
			return nil, err
		}
	}
	if g == nil {
		return nil, err
	}
	g.SetPrimary(true)
	g.SetShouldSync(b.opts.Dialer != nil)
	e, err := b.register(g, closer)
	if err != nil {
		closer()
		return nil, err
	}
	b.lgr.Infof("butler: created graph %s", g.UID())
	if err := b.connect(ctx, e); err != nil {
		b.lgr.Warnf("butler: subscribing new graph %s: %v", g.UID(), err)
	}
	return g, nil
}

// Load returns graph |uid|, loading it if needed: from its snapshot when the
// store has one, otherwise from upstream.
func (b *Butler) Load(ctx context.Context, uid uuid.UUID, opts LoadOptions) (*graph.GraphData, error) {
	if err := b.loads.Lock(ctx, uid); err != nil {
		return nil, err
	}
	defer b.loads.Unlock(uid)
	if e, err := b.lookup(uid); err == nil {
		return e.g, nil
	}

	if b.opts.Store != nil {
		sg, ok, err := b.opts.Store.Load(uid, b.graphOptions())
		if err != nil {
			return nil, err
		}
		if ok {
			e, err := b.register(sg.GraphData, sg.Close)
			if err != nil {
				sg.Close()
				return nil, err
			}
			b.lgr.Debugf("butler: loaded graph %s from %s", uid, sg.Dir.Path())
			if err := b.connect(ctx, e); err != nil {
				b.lgr.Warnf("butler: subscribing graph %s: %v", uid, err)
			}
			return sg.GraphData, nil
		}
	}

	if err := b.WaitOnline(ctx); err != nil {
		if ErrOffline.Is(err) {
			return nil, ErrNotFound.New(uid, "no snapshot and no upstream")
		}
		return nil, err
	}
	if opts.Lazy && b.opts.Store == nil {
		return b.loadLazy(ctx, uid)
	}
	return b.loadEager(ctx, uid)
}

func (b *Butler) upstreamHead(ctx context.Context, uid uuid.UUID) (int, error) {
	resp, err := b.Request(ctx, &transport.Envelope{Kind: transport.KindHeads, Graph: uid})
	if err != nil {
		return 0, err
	}
	if !resp.Success || resp.UpstreamHeads == nil {
		return 0, ErrNotFound.New(uid, resp.Reason)
	}
	return resp.UpstreamHeads.Blobs.Offset(), nil
}

func (b *Butler) loadEager(ctx context.Context, uid uuid.UUID) (*graph.GraphData, error) {
	if _, err := b.upstreamHead(ctx, uid); err != nil {
		return nil, err
	}
	g, closer, err := b.newGraph(uid, true)
	if err != nil {
		return nil, err
	}
	g.SetShouldSync(true)
	e, err := b.register(g, closer)
	if err != nil {
		closer()
		return nil, err
	}
	if err := e.m.Connected(ctx); err != nil {
		b.forget(uid)
		return nil, errors.Wrapf(err, "fetching graph %s", uid)
	}
	b.lgr.Debugf("butler: fetched graph %s, %d blobs deep", uid, g.ReadHead())
	return g, nil
}

// loadLazy maps the canonical copy page by page. The header page names the
// committed head; if upstream commits past the mapped size between the
// heads query and the header fetch, the mapping is retried larger.
func (b *Butler) loadLazy(ctx context.Context, uid uuid.UUID) (*graph.GraphData, error) {
	var lastErr error
	for i := 0; i < lazyAttempts; i++ {
		size, err := b.upstreamHead(ctx, uid)
		if err != nil {
			return nil, err
		}
		pager := manager.Pager{Upstream: b, Graph: uid}
		r, err := region.NewAnonymous(b.opts.Capacity, region.WithPager(pager))
		if err != nil {
			return nil, err
		}
		if err := r.Extend(size + lazySlack*(i+1)); err != nil {
			r.Close()
			return nil, err
		}
		g, err := graph.Open(r, b.graphOptions())
		if err != nil {
			r.Close()
			if graph.ErrBadHeader.Is(err) {
				lastErr = err
				continue
			}
			return nil, err
		}
		g.SetPrimary(false)
		g.SetShouldSync(true)
		e, err := b.register(g, g.Release)
		if err != nil {
			g.Release()
			return nil, err
		}
		if err := e.m.Connected(ctx); err != nil {
			b.forget(uid)
			return nil, errors.Wrapf(err, "subscribing graph %s", uid)
		}
		return g, nil
	}
	return nil, errors.Wrapf(lastErr, "mapping graph %s", uid)
}

func (b *Butler) forget(uid uuid.UUID) {
	b.mu.Lock()
	e := b.graphs[uid]
	delete(b.graphs, uid)
	b.mu.Unlock()
	if e != nil {
		if err := e.close(); err != nil {
			b.lgr.Warnf("butler: closing graph %s: %v", uid, err)
		}
	}
}

// Unload stops managing |uid| and closes it. The graph must not be used
// afterwards unless the caller retained it.
func (b *Butler) Unload(ctx context.Context, uid uuid.UUID) error {
	if err := b.loads.Lock(ctx, uid); err != nil {
		return err
	}
	defer b.loads.Unlock(uid)
	b.mu.Lock()
	e, ok := b.graphs[uid]
	delete(b.graphs, uid)
	b.mu.Unlock()
	if !ok {
		return ErrNotLoaded.New(uid)
	}
	if b.Online() && e.g.ShouldSync() {
		resp, err := b.Request(ctx, &transport.Envelope{Kind: transport.KindUnsubscribe, Graph: uid})
		if err == nil && !resp.Success {
			b.lgr.Debugf("butler: unsubscribing graph %s: %s", uid, resp.Reason)
		}
	}
	return e.close()
}

// Graphs returns the uids of every loaded graph.
func (b *Butler) Graphs() []uuid.UUID {
	var ret []uuid.UUID
	for _, e := range b.entries() {
		ret = append(ret, e.g.UID())
	}
	return ret
}

func (b *Butler) Manager(uid uuid.UUID) (*manager.Manager, error) {
	e, err := b.lookup(uid)
	if err != nil {
		return nil, err
	}
	return e.m, nil
}

func (b *Butler) MakePrimary(ctx context.Context, uid uuid.UUID) error {
	e, err := b.lookup(uid)
	if err != nil {
		return err
	}
	return e.m.MakePrimary(ctx)
}

func (b *Butler) ReleasePrimary(ctx context.Context, uid uuid.UUID) error {
	e, err := b.lookup(uid)
	if err != nil {
		return err
	}
	return e.m.ReleasePrimary(ctx)
}

// Subscribe calls |f| with every range of blobs that becomes readable in
// graph |uid|.
func (b *Butler) Subscribe(uid uuid.UUID, f manager.LocalSubscriber) (func(), error) {
	e, err := b.lookup(uid)
	if err != nil {
		return nil, err
	}
	return e.m.Subscribe(f), nil
}

// Close unloads every graph and ends the session with upstream.
func (b *Butler) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	graphs := b.graphs
	b.graphs = make(map[uuid.UUID]*entry)
	b.mu.Unlock()

	var firstErr error
	for uid, e := range graphs {
		if err := e.close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "closing graph %s", uid)
		}
	}
	b.cancel()
	if err := b.eg.Wait(); err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

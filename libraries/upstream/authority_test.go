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

package upstream

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/dolthub/blobgraph/libraries/snapshot"
	"github.com/dolthub/blobgraph/libraries/transport"
	"github.com/dolthub/blobgraph/store/blobs"
	"github.com/dolthub/blobgraph/store/graph"
	"github.com/dolthub/blobgraph/store/payload"
	"github.com/dolthub/blobgraph/store/region"
)

const testCapacity = 8 << 20

// testClient speaks the session protocol by hand.
type testClient struct {
	t      *testing.T
	conn   transport.Conn
	pushed chan *transport.Envelope
}

func newTestClient(t *testing.T, conn transport.Conn) *testClient {
	c := &testClient{t: t, conn: conn, pushed: make(chan *transport.Envelope, 64)}
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *testClient) request(e *transport.Envelope) *transport.Envelope {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.Task = uuid.New()
	require.NoError(c.t, c.conn.Send(ctx, e))
	for {
		r, err := c.conn.Recv(ctx)
		require.NoError(c.t, err)
		switch {
		case r.Kind == transport.KindResponse && r.Task == e.Task:
			return r
		case r.Kind == transport.KindUpdate:
			c.pushed <- r
		}
	}
}

// next returns the next update pushed without asking.
func (c *testClient) next() *transport.Envelope {
	select {
	case e := <-c.pushed:
		return e
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		r, err := c.conn.Recv(ctx)
		require.NoError(c.t, err)
		if r.Kind == transport.KindUpdate {
			return r
		}
	}
}

func localGraph(t *testing.T, uid uuid.UUID) *graph.GraphData {
	g, err := graph.New(uid, region.NewHeap(testCapacity), graph.Options{})
	require.NoError(t, err)
	return g
}

func addEntities(t *testing.T, g *graph.GraphData, n int) {
	require.NoError(t, g.WithTransaction(context.Background(), graph.FinishOptions{}, func(_ context.Context, tx *graph.Tx) error {
		for i := 0; i < n; i++ {
			if _, err := tx.InstantiateEntity(uint32(i + 1)); err != nil {
				return err
			}
		}
		return nil
	}))
}

func collect(t *testing.T, g *graph.GraphData, from payload.Heads) (*payload.Update, []byte) {
	u, err := g.CollectUpdate(context.Background(), from, true)
	require.NoError(t, err)
	data, err := u.Marshal()
	require.NoError(t, err)
	return u, data
}

func emptyHeads() payload.Heads {
	return payload.Heads{Blobs: blobs.Root, Caches: map[string]payload.CacheHead{}}
}

type AuthoritySuite struct {
	suite.Suite
	ctx  context.Context
	auth *Authority
}

func TestAuthoritySuite(t *testing.T) {
	suite.Run(t, new(AuthoritySuite))
}

func (s *AuthoritySuite) SetupTest() {
	s.ctx = context.Background()
	a, err := New(Options{Capacity: testCapacity, PokeInterval: 10 * time.Millisecond})
	s.Require().NoError(err)
	s.auth = a
}

func (s *AuthoritySuite) TearDownTest() {
	s.NoError(s.auth.Close())
}

func (s *AuthoritySuite) dial() *testClient {
	conn, err := s.auth.Loopback().Dial(s.ctx)
	s.Require().NoError(err)
	return newTestClient(s.T(), conn)
}

func (s *AuthoritySuite) subscribe(c *testClient, g *graph.GraphData) *transport.Envelope {
	idx := max(g.Heads().Sync, blobs.Root)
	h, err := g.Hash(s.ctx, idx)
	s.Require().NoError(err)
	heads := g.LocalHeads()
	resp := c.request(&transport.Envelope{Kind: transport.KindSubscribe, Graph: g.UID(), HashIndex: idx, Hash: h.String(), Heads: &heads})
	s.Require().True(resp.Success, resp.Reason)
	return resp
}

// primary subscribes |g| on |c|, takes the primary role and pushes
// everything |g| has.
func (s *AuthoritySuite) primary(c *testClient, g *graph.GraphData) {
	s.subscribe(c, g)
	resp := c.request(&transport.Envelope{Kind: transport.KindMakePrimary, Graph: g.UID()})
	s.Require().True(resp.Success, resp.Reason)
	s.push(c, g)
}

func (s *AuthoritySuite) push(c *testClient, g *graph.GraphData) {
	canon, ok := s.auth.Graph(g.UID())
	s.Require().True(ok)
	_, data := collect(s.T(), g, canon.LocalHeads())
	resp := c.request(&transport.Envelope{Kind: transport.KindUpdate, Graph: g.UID(), Payload: data})
	s.Require().True(resp.Success, resp.Reason)
	s.Equal(g.ReadHead(), resp.UpstreamHeads.Blobs)
}

func (s *AuthoritySuite) TestSubscribeCreatesEmptyCopy() {
	c := s.dial()
	g := localGraph(s.T(), uuid.New())
	resp := s.subscribe(c, g)
	s.True(resp.HashAgreed)
	s.Equal(blobs.Root, resp.HashIndex)
	s.Equal(blobs.Root, resp.UpstreamHeads.Blobs)

	canon, ok := s.auth.Graph(g.UID())
	s.Require().True(ok)
	s.Equal(blobs.Root, canon.ReadHead())
	s.False(s.auth.Primary(g.UID()))
}

func (s *AuthoritySuite) TestSubscribeReportsDisagreement() {
	c := s.dial()
	uid := uuid.New()
	g := localGraph(s.T(), uid)
	addEntities(s.T(), g, 2)
	s.primary(c, g)

	other := localGraph(s.T(), uid)
	addEntities(s.T(), other, 2)
	other.SetSyncHead(other.ReadHead())
	resp := s.subscribe(s.dial(), other)
	s.False(resp.HashAgreed)

	// A copy ahead of upstream learns where upstream stops.
	addEntities(s.T(), g, 1)
	g.SetSyncHead(g.ReadHead())
	resp = s.subscribe(s.dial(), g)
	s.False(resp.HashAgreed)
	s.Less(resp.HashIndex, g.ReadHead())
	mine, err := g.Hash(s.ctx, resp.HashIndex)
	s.Require().NoError(err)
	s.Equal(mine.String(), resp.Hash)
}

func (s *AuthoritySuite) TestUpdateNeedsPrimary() {
	c := s.dial()
	g := localGraph(s.T(), uuid.New())
	addEntities(s.T(), g, 3)
	s.subscribe(c, g)
	_, data := collect(s.T(), g, emptyHeads())
	resp := c.request(&transport.Envelope{Kind: transport.KindUpdate, Graph: g.UID(), Payload: data})
	s.False(resp.Success)

	s.Require().True(c.request(&transport.Envelope{Kind: transport.KindMakePrimary, Graph: g.UID()}).Success)
	s.True(s.auth.Primary(g.UID()))
	resp = c.request(&transport.Envelope{Kind: transport.KindUpdate, Graph: g.UID(), Payload: data})
	s.Require().True(resp.Success, resp.Reason)
	canon, _ := s.auth.Graph(g.UID())
	s.Equal(g.ReadHead(), canon.ReadHead())
}

func (s *AuthoritySuite) TestOnePrimaryAtATime() {
	c1, c2 := s.dial(), s.dial()
	g := localGraph(s.T(), uuid.New())
	s.primary(c1, g)

	resp := c2.request(&transport.Envelope{Kind: transport.KindMakePrimary, Graph: g.UID()})
	s.False(resp.Success)

	// Taking the role twice on the same session is fine.
	s.True(c1.request(&transport.Envelope{Kind: transport.KindMakePrimary, Graph: g.UID()}).Success)

	s.True(c1.request(&transport.Envelope{Kind: transport.KindReleasePrimary, Graph: g.UID()}).Success)
	s.False(s.auth.Primary(g.UID()))
	s.True(c2.request(&transport.Envelope{Kind: transport.KindMakePrimary, Graph: g.UID()}).Success)
	// Releasing a role the session does not hold changes nothing.
	s.True(c1.request(&transport.Envelope{Kind: transport.KindReleasePrimary, Graph: g.UID()}).Success)
	s.True(s.auth.Primary(g.UID()))
}

func (s *AuthoritySuite) TestDisconnectReleasesPrimary() {
	c1, c2 := s.dial(), s.dial()
	g := localGraph(s.T(), uuid.New())
	s.primary(c1, g)
	c1.conn.Close()
	s.Eventually(func() bool { return !s.auth.Primary(g.UID()) }, 5*time.Second, time.Millisecond)
	s.True(c2.request(&transport.Envelope{Kind: transport.KindMakePrimary, Graph: g.UID()}).Success)
}

func (s *AuthoritySuite) TestAcceptedUpdatesFanOut() {
	uid := uuid.New()
	writer, reader := s.dial(), s.dial()
	g := localGraph(s.T(), uid)
	addEntities(s.T(), g, 2)
	s.primary(writer, g)

	replica, err := graph.NewReplica(uid, region.NewHeap(testCapacity), graph.Options{})
	s.Require().NoError(err)
	s.subscribe(reader, replica)
	heads := replica.LocalHeads()
	resp := reader.request(&transport.Envelope{Kind: transport.KindFetch, Graph: uid, Heads: &heads})
	s.Require().True(resp.Success, resp.Reason)
	u, err := resp.Update()
	s.Require().NoError(err)
	s.Require().NoError(replica.ApplyUpdate(s.ctx, u))

	for i := 0; i < 3; i++ {
		addEntities(s.T(), g, i+1)
		s.push(writer, g)
		u, err := reader.next().Update()
		s.Require().NoError(err)
		s.Require().NoError(replica.ApplyUpdate(s.ctx, u))
	}
	s.Equal(g.ReadHead(), replica.ReadHead())
	s.Equal(g.LocalHeads(), replica.LocalHeads())

	select {
	case e := <-writer.pushed:
		s.Failf("writer was sent its own update", "%s", e)
	default:
	}
}

func (s *AuthoritySuite) TestLateSubscriberCatchesUpThroughFanOut() {
	uid := uuid.New()
	writer, reader := s.dial(), s.dial()
	g := localGraph(s.T(), uid)
	s.primary(writer, g)

	// The reader subscribes empty; the first push does not line up with it,
	// so the authority sends it everything instead.
	replica, err := graph.NewReplica(uid, region.NewHeap(testCapacity), graph.Options{})
	s.Require().NoError(err)
	s.subscribe(reader, replica)
	addEntities(s.T(), g, 4)
	s.push(writer, g)

	u, err := reader.next().Update()
	s.Require().NoError(err)
	s.Require().NoError(replica.ApplyUpdate(s.ctx, u))
	s.Equal(g.ReadHead(), replica.ReadHead())
}

func (s *AuthoritySuite) TestMismatchedUpdateReturnsHeads() {
	c := s.dial()
	g := localGraph(s.T(), uuid.New())
	addEntities(s.T(), g, 1)
	s.primary(c, g)
	before := g.LocalHeads()

	addEntities(s.T(), g, 1)
	s.push(c, g)
	_, stale := collect(s.T(), g, before)
	resp := c.request(&transport.Envelope{Kind: transport.KindUpdate, Graph: g.UID(), Payload: stale})
	s.False(resp.Success)
	s.Require().NotNil(resp.UpstreamHeads)
	s.Equal(g.ReadHead(), resp.UpstreamHeads.Blobs)
}

func (s *AuthoritySuite) TestBadHashRejected() {
	c := s.dial()
	g := localGraph(s.T(), uuid.New())
	s.primary(c, g)
	canon, _ := s.auth.Graph(g.UID())
	head := canon.ReadHead()

	addEntities(s.T(), g, 2)
	u, _ := collect(s.T(), g, canon.LocalHeads())
	u.Hash = u.Hash[1:] + u.Hash[:1]
	data, err := u.Marshal()
	s.Require().NoError(err)
	resp := c.request(&transport.Envelope{Kind: transport.KindUpdate, Graph: g.UID(), Payload: data})
	s.False(resp.Success)
	s.NoError(canon.Err())
	s.Equal(head, canon.ReadHead())

	s.push(c, g)
}

func (s *AuthoritySuite) TestHeadsAndPages() {
	c := s.dial()
	g := localGraph(s.T(), uuid.New())
	addEntities(s.T(), g, 20)
	s.primary(c, g)

	resp := c.request(&transport.Envelope{Kind: transport.KindHeads, Graph: g.UID()})
	s.Require().True(resp.Success)
	s.Equal(g.ReadHead(), resp.UpstreamHeads.Blobs)

	resp = c.request(&transport.Envelope{Kind: transport.KindHeads, Graph: uuid.New()})
	s.False(resp.Success)

	resp = c.request(&transport.Envelope{Kind: transport.KindPageRequest, Graph: g.UID(), Offset: 0, Length: region.PageSize})
	s.Require().True(resp.Success, resp.Reason)
	s.Require().Len(resp.Payload, region.PageSize)
	end := g.ReadHead().Offset()
	s.Equal(g.Region().Bytes()[blobs.Root.Offset():end], resp.Payload[blobs.Root.Offset():end])
	s.Equal(make([]byte, region.PageSize-end), resp.Payload[end:])

	resp = c.request(&transport.Envelope{Kind: transport.KindPageRequest, Graph: g.UID(), Offset: 0, Length: region.PageSize + 1})
	s.False(resp.Success)
}

func (s *AuthoritySuite) TestTokens() {
	c := s.dial()
	resp := c.request(&transport.Envelope{Kind: transport.KindTokens, Tokens: []transport.Token{
		{Kind: "ET", Name: "Person"},
		{Kind: "RT", Name: "Knows"},
		{Kind: "ET", Name: "Person"},
	}})
	s.Require().True(resp.Success, resp.Reason)
	s.Require().Len(resp.Tokens, 3)
	s.Equal(resp.Tokens[0].ID, resp.Tokens[2].ID)

	resp = c.request(&transport.Envelope{Kind: transport.KindTokens, Tokens: []transport.Token{{Kind: "ET", ID: resp.Tokens[0].ID}}})
	s.Require().True(resp.Success, resp.Reason)
	s.Equal("Person", resp.Tokens[0].Name)

	resp = c.request(&transport.Envelope{Kind: transport.KindTokens, Tokens: []transport.Token{{Kind: "ET", ID: 999}}})
	s.False(resp.Success)
}

func TestCanonicalCopiesSurviveRestart(t *testing.T) {
	ctx := context.Background()
	store, err := snapshot.NewStore(t.TempDir(), testCapacity)
	require.NoError(t, err)
	a, err := New(Options{Store: store})
	require.NoError(t, err)

	conn, err := a.Loopback().Dial(ctx)
	require.NoError(t, err)
	c := newTestClient(t, conn)
	g := localGraph(t, uuid.New())
	addEntities(t, g, 5)
	heads := g.LocalHeads()
	h, err := g.Hash(ctx, blobs.Root)
	require.NoError(t, err)
	require.True(t, c.request(&transport.Envelope{Kind: transport.KindSubscribe, Graph: g.UID(), HashIndex: blobs.Root, Hash: h.String(), Heads: &heads}).Success)
	require.True(t, c.request(&transport.Envelope{Kind: transport.KindMakePrimary, Graph: g.UID()}).Success)
	_, data := collect(t, g, emptyHeads())
	resp := c.request(&transport.Envelope{Kind: transport.KindUpdate, Graph: g.UID(), Payload: data})
	require.True(t, resp.Success, resp.Reason)
	require.NoError(t, a.Close())

	a, err = New(Options{Store: store})
	require.NoError(t, err)
	defer a.Close()
	canon, ok := a.Graph(g.UID())
	require.True(t, ok)
	require.Equal(t, g.ReadHead(), canon.ReadHead())
	want, err := g.Hash(ctx, g.ReadHead())
	require.NoError(t, err)
	got, err := canon.Hash(ctx, canon.ReadHead())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

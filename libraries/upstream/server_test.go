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
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dolthub/blobgraph/libraries/transport"
	"github.com/dolthub/blobgraph/store/blobs"
	"github.com/dolthub/blobgraph/store/graph"
	"github.com/dolthub/blobgraph/store/region"
)

const testToken = "s3cret"

func newHTTPAuthority(t *testing.T, opts Options) (*Authority, *httptest.Server) {
	opts.Capacity = testCapacity
	a, err := New(opts)
	require.NoError(t, err)
	srv := NewServer(a, ServerOptions{Token: testToken})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
		assert.NoError(t, a.Close())
	})
	return a, ts
}

func dialHTTP(t *testing.T, d *transport.HTTPDialer) transport.Conn {
	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	return conn
}

func subscribeAndPush(t *testing.T, c *testClient, g *graph.GraphData) {
	ctx := context.Background()
	h, err := g.Hash(ctx, blobs.Root)
	require.NoError(t, err)
	heads := g.LocalHeads()
	resp := c.request(&transport.Envelope{Kind: transport.KindSubscribe, Graph: g.UID(), HashIndex: blobs.Root, Hash: h.String(), Heads: &heads})
	require.True(t, resp.Success, resp.Reason)
	require.True(t, c.request(&transport.Envelope{Kind: transport.KindMakePrimary, Graph: g.UID()}).Success)
	_, data := collect(t, g, *resp.UpstreamHeads)
	resp = c.request(&transport.Envelope{Kind: transport.KindUpdate, Graph: g.UID(), Payload: data})
	require.True(t, resp.Success, resp.Reason)
}

func TestHTTPSessions(t *testing.T) {
	a, ts := newHTTPAuthority(t, Options{})
	d := &transport.HTTPDialer{BaseURL: ts.URL, Token: testToken, PollWait: 50 * time.Millisecond}
	writer := newTestClient(t, dialHTTP(t, d))
	reader := newTestClient(t, dialHTTP(t, d))

	uid := uuid.New()
	g := localGraph(t, uid)
	addEntities(t, g, 3)
	subscribeAndPush(t, writer, g)
	canon, ok := a.Graph(uid)
	require.True(t, ok)
	assert.Equal(t, g.ReadHead(), canon.ReadHead())

	replica, err := graph.NewReplica(uid, region.NewHeap(testCapacity), graph.Options{})
	require.NoError(t, err)
	heads := replica.LocalHeads()
	h, err := replica.Hash(context.Background(), blobs.Root)
	require.NoError(t, err)
	resp := reader.request(&transport.Envelope{Kind: transport.KindSubscribe, Graph: uid, HashIndex: blobs.Root, Hash: h.String(), Heads: &heads})
	require.True(t, resp.Success, resp.Reason)

	addEntities(t, g, 2)
	_, data := collect(t, g, canon.LocalHeads())
	require.True(t, writer.request(&transport.Envelope{Kind: transport.KindUpdate, Graph: uid, Payload: data}).Success)

	u, err := reader.next().Update()
	require.NoError(t, err)
	require.NoError(t, replica.ApplyUpdate(context.Background(), u))
	assert.Equal(t, g.ReadHead(), replica.ReadHead())
}

func TestHTTPNeedsToken(t *testing.T) {
	_, ts := newHTTPAuthority(t, Options{})
	_, err := (&transport.HTTPDialer{BaseURL: ts.URL}).Dial(context.Background())
	assert.Error(t, err)
	_, err = (&transport.HTTPDialer{BaseURL: ts.URL, Token: "wrong"}).Dial(context.Background())
	assert.Error(t, err)
}

func TestHTTPCleartextHTTP2(t *testing.T) {
	_, ts := newHTTPAuthority(t, Options{})
	d := &transport.HTTPDialer{BaseURL: ts.URL, Token: testToken, H2C: true, PollWait: 50 * time.Millisecond}
	c := newTestClient(t, dialHTTP(t, d))
	g := localGraph(t, uuid.New())
	subscribeAndPush(t, c, g)
	resp := c.request(&transport.Envelope{Kind: transport.KindHeads, Graph: g.UID()})
	require.True(t, resp.Success, resp.Reason)
	assert.Equal(t, g.ReadHead(), resp.UpstreamHeads.Blobs)
}

func TestHTTPClosedSession(t *testing.T) {
	_, ts := newHTTPAuthority(t, Options{})
	d := &transport.HTTPDialer{BaseURL: ts.URL, Token: testToken, PollWait: 50 * time.Millisecond}
	conn := dialHTTP(t, d)
	require.NoError(t, conn.Close())
	err := conn.Send(context.Background(), &transport.Envelope{Kind: transport.KindHeads, Task: uuid.New()})
	assert.True(t, transport.ErrClosed.Is(err), "got %v", err)
	_, err = conn.Recv(context.Background())
	assert.True(t, transport.ErrClosed.Is(err), "got %v", err)
}

func TestHTTPChunkedUpdates(t *testing.T) {
	chunking := transport.ChunkOptions{Threshold: 512, AvgPiece: 256, MinPiece: 64, MaxPiece: 1024, IdleTimeout: time.Minute}
	a, ts := newHTTPAuthority(t, Options{Chunking: &chunking})
	d := &transport.HTTPDialer{BaseURL: ts.URL, Token: testToken, PollWait: 50 * time.Millisecond}
	c := newTestClient(t, transport.NewChunking(dialHTTP(t, d), chunking))

	g := localGraph(t, uuid.New())
	addEntities(t, g, 200)
	subscribeAndPush(t, c, g)
	canon, ok := a.Graph(g.UID())
	require.True(t, ok)
	assert.Equal(t, g.ReadHead(), canon.ReadHead())

	replica, err := graph.NewReplica(g.UID(), region.NewHeap(testCapacity), graph.Options{})
	require.NoError(t, err)
	heads := replica.LocalHeads()
	resp := c.request(&transport.Envelope{Kind: transport.KindFetch, Graph: g.UID(), Heads: &heads})
	require.True(t, resp.Success, resp.Reason)
	u, err := resp.Update()
	require.NoError(t, err)
	require.NoError(t, replica.ApplyUpdate(context.Background(), u))
	assert.Equal(t, g.ReadHead(), replica.ReadHead())
}

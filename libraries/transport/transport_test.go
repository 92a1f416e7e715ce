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

package transport

import (
	"bytes"
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dolthub/blobgraph/libraries/chunked"
	"github.com/dolthub/blobgraph/store/payload"
)

func TestEnvelopeFraming(t *testing.T) {
	in := &Envelope{
		Kind:          KindSubscribe,
		Task:          uuid.New(),
		Graph:         uuid.New(),
		HashIndex:     80,
		Hash:          "0123456789abcdefghijklmnopqrstuv",
		Heads:         &payload.Heads{Blobs: 80, Caches: map[string]payload.CacheHead{"uids": {Head: 40, Revision: 2}}},
		UpstreamHeads: &payload.Heads{Blobs: 64},
		Payload:       []byte("raw bytes"),
	}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, in))
	require.NoError(t, Encode(&buf, in.Succeed()))

	out, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	resp, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindResponse, resp.Kind)
	assert.Equal(t, in.Task, resp.Task)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Payload)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Envelope{Kind: "bogus"}))
	_, err := Decode(&buf)
	assert.True(t, ErrBadEnvelope.Is(err))

	buf.Reset()
	require.NoError(t, Encode(&buf, &Envelope{Kind: KindPoke, Payload: []byte("0123456789")}))
	_, err = Decode(bytes.NewReader(buf.Bytes()[:buf.Len()-3]))
	assert.True(t, ErrBadEnvelope.Is(err))

	_, err = (&Envelope{Kind: KindUpdate}).Update()
	assert.True(t, ErrBadEnvelope.Is(err))
}

func TestPipe(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe()
	ping := &Envelope{Kind: KindPoke, Task: uuid.New()}
	require.NoError(t, a.Send(ctx, ping))
	got, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Same(t, ping, got)

	require.NoError(t, b.Send(ctx, ping.Succeed()))
	got, err = a.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, ping.Task, got.Task)

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = a.Recv(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, b.Send(ctx, ping))
	require.NoError(t, a.Close())
	got, err = a.Recv(ctx)
	require.NoError(t, err, "queued envelopes are still delivered")
	assert.Same(t, ping, got)
	_, err = a.Recv(ctx)
	assert.True(t, ErrClosed.Is(err))
	assert.True(t, ErrClosed.Is(b.Send(ctx, ping)))
}

func TestLoopback(t *testing.T) {
	ctx := context.Background()
	lb := Loopback{Serve: func(ctx context.Context, c Conn) {
		for {
			e, err := c.Recv(ctx)
			if err != nil {
				return
			}
			_ = c.Send(ctx, e.Succeed())
		}
	}}
	c, err := lb.Dial(ctx)
	require.NoError(t, err)
	defer c.Close()
	req := &Envelope{Kind: KindHeads, Task: uuid.New()}
	require.NoError(t, c.Send(ctx, req))
	resp, err := c.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, req.Task, resp.Task)
	assert.True(t, resp.Success)
}

func TestChunkingRoundTrip(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe()
	opts := ChunkOptions{Threshold: 1 << 10, AvgPiece: 512, MinPiece: 64, MaxPiece: 2 << 10}
	ca, cb := NewChunking(a, opts), NewChunking(b, opts)

	big := make([]byte, 100<<10)
	rand.New(rand.NewSource(1)).Read(big)
	small := &Envelope{Kind: KindPoke, Task: uuid.New()}
	large := &Envelope{Kind: KindUpdate, Task: uuid.New(), Graph: uuid.New(), Payload: big}
	require.NoError(t, ca.Send(ctx, small))
	require.NoError(t, ca.Send(ctx, large))

	got, err := cb.Recv(ctx)
	require.NoError(t, err)
	assert.Same(t, small, got)

	got, err = cb.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindUpdate, got.Kind)
	assert.Equal(t, large.Task, got.Task)
	assert.Equal(t, large.Graph, got.Graph)
	assert.True(t, bytes.Equal(big, got.Payload))
	assert.Zero(t, cb.asm.Pending())
}

func TestChunkingCancelledTransfer(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe()
	opts := ChunkOptions{Threshold: 1 << 10, AvgPiece: 512, MinPiece: 64, MaxPiece: 2 << 10, IdleTimeout: time.Second}
	ca, cb := NewChunking(a, opts), NewChunking(b, opts)

	// one piece of a transfer whose sender gave up, then a cancellation
	big := make([]byte, 8<<10)
	pieces := ca.splitter.Split(uuid.New(), chunkedStreams(t, big)...)
	p := pieces[0]
	require.NoError(t, a.Send(ctx, &Envelope{Kind: KindChunk, Piece: &p, Payload: p.Data}))
	require.NoError(t, a.Send(ctx, &Envelope{Kind: KindCancelTransfer, Task: p.Transfer}))
	poke := &Envelope{Kind: KindPoke}
	require.NoError(t, ca.Send(ctx, poke))

	got, err := cb.Recv(ctx)
	require.NoError(t, err)
	assert.Same(t, poke, got)
	assert.Zero(t, cb.asm.Pending())
}

func chunkedStreams(t *testing.T, data []byte) []chunked.Stream {
	t.Helper()
	return []chunked.Stream{{Name: streamHeader, Data: []byte(`{"msg_type":"update"}`)}, {Name: streamPayload, Data: data}}
}

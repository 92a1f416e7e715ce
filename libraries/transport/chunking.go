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
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dolthub/blobgraph/libraries/chunked"
)

const (
	streamHeader  = "header"
	streamPayload = "payload"
)

// ChunkOptions configure a Chunking conn.
type ChunkOptions struct {
	// Threshold is the payload size above which an envelope is split.
	Threshold   int
	AvgPiece    int
	MinPiece    int
	MaxPiece    int
	IdleTimeout time.Duration
	Log         *logrus.Entry
}

// Chunking splits large envelopes into KindChunk pieces on Send and puts
// them back together on Recv. Both sides of a session must use it.
type Chunking struct {
	Conn
	opts     ChunkOptions
	splitter *chunked.Splitter
	asm      *chunked.Assembler
	lgr      *logrus.Entry
}

// NewChunking wraps |c|. Run must be running for idle transfers to be
// evicted.
func NewChunking(c Conn, opts ChunkOptions) *Chunking {
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = time.Minute
	}
	ret := &Chunking{
		Conn:     c,
		opts:     opts,
		splitter: chunked.NewSplitter(opts.AvgPiece, opts.MinPiece, opts.MaxPiece),
		lgr:      opts.Log,
	}
	ret.asm = chunked.NewAssembler(opts.IdleTimeout, ret.evicted)
	return ret
}

func (c *Chunking) evicted(id uuid.UUID) {
	c.lgr.Warnf("transport: transfer %s idle for %s, cancelling", id, c.opts.IdleTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.IdleTimeout)
	defer cancel()
	err := c.Conn.Send(ctx, &Envelope{Kind: KindCancelTransfer, Task: id})
	if err != nil {
		c.lgr.Tracef("transport: sending cancellation of %s: %v", id, err)
	}
}

// Run evicts idle transfers until |ctx| is done.
func (c *Chunking) Run(ctx context.Context) error {
	return c.asm.Run(ctx)
}

// Send sends |e| whole, or as a sequence of pieces when its payload is over
// the threshold.
func (c *Chunking) Send(ctx context.Context, e *Envelope) error {
	if c.opts.Threshold <= 0 || len(e.Payload) <= c.opts.Threshold {
		return c.Conn.Send(ctx, e)
	}
	hdr, err := json.Marshal(e)
	if err != nil {
		return err
	}
	id := uuid.New()
	pieces := c.splitter.Split(id, chunked.Stream{Name: streamHeader, Data: hdr}, chunked.Stream{Name: streamPayload, Data: e.Payload})
	c.lgr.Tracef("transport: sending %s as transfer %s in %d pieces", e.Kind, id, len(pieces))
	for i := range pieces {
		p := pieces[i]
		env := &Envelope{Kind: KindChunk, Task: e.Task, Graph: e.Graph, Piece: &p, Payload: p.Data}
		if err := c.Conn.Send(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// Recv returns the next whole envelope.
func (c *Chunking) Recv(ctx context.Context) (*Envelope, error) {
	for {
		e, err := c.Conn.Recv(ctx)
		if err != nil {
			return nil, err
		}
		switch e.Kind {
		case KindChunk:
			if e.Piece == nil {
				return nil, ErrBadEnvelope.New("chunk without piece")
			}
			p := *e.Piece
			p.Data = e.Payload
			done, err := c.asm.Offer(p)
			if err != nil {
				return nil, err
			}
			if done == nil {
				continue
			}
			return c.reassemble(done)
		case KindCancelTransfer:
			c.asm.Cancel(e.Task)
			c.lgr.Tracef("transport: peer cancelled transfer %s", e.Task)
		default:
			return e, nil
		}
	}
}

func (c *Chunking) reassemble(done *chunked.Completed) (*Envelope, error) {
	var e Envelope
	dec := json.NewDecoder(bytes.NewReader(done.Streams[streamHeader]))
	if err := dec.Decode(&e); err != nil {
		return nil, ErrBadEnvelope.Wrap(err, "reassembled header is not json")
	}
	if !e.Kind.Valid() || e.Kind == KindChunk {
		return nil, ErrBadEnvelope.New("reassembled envelope has kind " + string(e.Kind))
	}
	e.Payload = done.Streams[streamPayload]
	return &e, nil
}

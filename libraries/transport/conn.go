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
	"context"
	"sync"
)

// Conn is one session with the other side. Send and Recv may be called
// concurrently with each other, but each from one goroutine at a time. An
// envelope must not be modified after it was sent.
type Conn interface {
	Send(ctx context.Context, e *Envelope) error
	// Recv returns the next envelope, or ErrClosed once the session is over.
	Recv(ctx context.Context) (*Envelope, error)
	Close() error
}

// Dialer opens sessions to an authority.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

const pipeBuffer = 256

type pipe struct {
	in     <-chan *Envelope
	out    chan<- *Envelope
	closed chan struct{}
	once   *sync.Once
}

// Pipe returns the two ends of an in-process session.
func Pipe() (Conn, Conn) {
	ab, ba := make(chan *Envelope, pipeBuffer), make(chan *Envelope, pipeBuffer)
	closed, once := make(chan struct{}), &sync.Once{}
	return &pipe{in: ba, out: ab, closed: closed, once: once},
		&pipe{in: ab, out: ba, closed: closed, once: once}
}

func (p *pipe) Send(ctx context.Context, e *Envelope) error {
	select {
	case <-p.closed:
		return ErrClosed.New()
	default:
	}
	select {
	case p.out <- e:
		return nil
	case <-p.closed:
		return ErrClosed.New()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipe) Recv(ctx context.Context) (*Envelope, error) {
	select {
	case e := <-p.in:
		return e, nil
	default:
	}
	select {
	case e := <-p.in:
		return e, nil
	case <-p.closed:
		return nil, ErrClosed.New()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// Loopback dials an in-process authority: every Dial hands the far end of a
// new Pipe to Serve on its own goroutine.
type Loopback struct {
	Serve func(ctx context.Context, c Conn)
}

func (l Loopback) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	near, far := Pipe()
	go l.Serve(context.Background(), far)
	return near, nil
}

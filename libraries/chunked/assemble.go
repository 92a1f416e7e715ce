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

package chunked

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	goerrors "gopkg.in/src-d/go-errors.v1"
)

var (
	// ErrPieceBehind is a protocol violation: the piece starts inside data
	// that was already assembled.
	ErrPieceBehind = goerrors.NewKind("transfer %s: piece of stream %q starts at %d, behind assembled length %d")
	ErrBadPiece    = goerrors.NewKind("transfer %s: malformed piece: %s")
)

const (
	// MaxTotal bounds the declared length of one stream.
	MaxTotal = 1 << 30
	// MaxStreams bounds the number of streams in one transfer.
	MaxStreams = 256
)

// Completed is a fully assembled transfer.
type Completed struct {
	Transfer uuid.UUID
	Streams  map[string][]byte
}

type stream struct {
	buf     []byte
	total   int
	pending map[int][]byte
}

// overlapsPending reports whether [off, off+n) shares a byte with, or
// starts at the same offset as, an out of order piece already buffered.
func (st *stream) overlapsPending(off, n int) bool {
	for po, data := range st.pending {
		if po == off || (off < po+len(data) && po < off+n) {
			return true
		}
	}
	return false
}

type transfer struct {
	streams  map[string]*stream
	expected int
	last     time.Time
}

func (t *transfer) complete() bool {
	if len(t.streams) != t.expected {
		return false
	}
	for _, st := range t.streams {
		if len(st.buf) != st.total {
			return false
		}
	}
	return true
}

// Assembler buffers pieces until their transfer is complete. Transfers that
// see no piece for longer than the idle timeout are evicted.
type Assembler struct {
	mu        sync.Mutex
	idle      time.Duration
	transfers map[uuid.UUID]*transfer
	onEvict   func(uuid.UUID)
	now       func() time.Time
}

// NewAssembler returns an Assembler that evicts transfers idle for |idle|
// and reports each eviction to |onEvict|, which may be nil.
func NewAssembler(idle time.Duration, onEvict func(uuid.UUID)) *Assembler {
	return &Assembler{
		idle:      idle,
		transfers: make(map[uuid.UUID]*transfer),
		onEvict:   onEvict,
		now:       time.Now,
	}
}

// Offer adds |p|. It returns the transfer once its last missing piece
// arrives. A piece that overlaps assembled data fails and drops its
// transfer.
func (a *Assembler) Offer(p Piece) (*Completed, error) {
	if p.Streams <= 0 || p.Offset < 0 || p.Total < 0 || p.Offset+len(p.Data) > p.Total {
		return nil, ErrBadPiece.New(p.Transfer, "offsets out of range")
	}
	if p.Total > MaxTotal || p.Streams > MaxStreams {
		return nil, ErrBadPiece.New(p.Transfer, "transfer too large")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.transfers[p.Transfer]
	if !ok {
		t = &transfer{streams: make(map[string]*stream), expected: p.Streams}
		a.transfers[p.Transfer] = t
	}
	t.last = a.now()
	if p.Streams != t.expected {
		delete(a.transfers, p.Transfer)
		return nil, ErrBadPiece.New(p.Transfer, "stream count changed")
	}
	st, ok := t.streams[p.Stream]
	if !ok {
		st = &stream{total: p.Total, pending: make(map[int][]byte)}
		t.streams[p.Stream] = st
	}
	if st.total != p.Total {
		delete(a.transfers, p.Transfer)
		return nil, ErrBadPiece.New(p.Transfer, "stream "+p.Stream+" changed length")
	}
	if p.Offset < len(st.buf) {
		delete(a.transfers, p.Transfer)
		return nil, ErrPieceBehind.New(p.Transfer, p.Stream, p.Offset, len(st.buf))
	}
	if st.overlapsPending(p.Offset, len(p.Data)) {
		delete(a.transfers, p.Transfer)
		return nil, ErrBadPiece.New(p.Transfer, "piece overlaps a buffered piece of stream "+p.Stream)
	}
	if p.Offset > len(st.buf) {
		st.pending[p.Offset] = append([]byte(nil), p.Data...)
	} else {
		st.buf = append(st.buf, p.Data...)
		for {
			next, ok := st.pending[len(st.buf)]
			if !ok {
				break
			}
			delete(st.pending, len(st.buf))
			st.buf = append(st.buf, next...)
		}
	}
	if !t.complete() {
		return nil, nil
	}
	delete(a.transfers, p.Transfer)
	ret := &Completed{Transfer: p.Transfer, Streams: make(map[string][]byte, len(t.streams))}
	for name, st := range t.streams {
		ret.Streams[name] = st.buf
	}
	return ret, nil
}

// Cancel drops transfer |id|, for example when the sender gave up on it.
func (a *Assembler) Cancel(id uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.transfers, id)
}

// Pending is the number of incomplete transfers.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.transfers)
}

// Evict drops every transfer idle for longer than the idle timeout and
// returns their ids.
func (a *Assembler) Evict() []uuid.UUID {
	a.mu.Lock()
	var evicted []uuid.UUID
	now := a.now()
	for id, t := range a.transfers {
		if now.Sub(t.last) > a.idle {
			evicted = append(evicted, id)
			delete(a.transfers, id)
		}
	}
	a.mu.Unlock()
	if a.onEvict != nil {
		for _, id := range evicted {
			a.onEvict(id)
		}
	}
	return evicted
}

// Run evicts idle transfers until |ctx| is done.
func (a *Assembler) Run(ctx context.Context) error {
	tick := time.NewTicker(max(a.idle/4, 10*time.Millisecond))
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			a.Evict()
		}
	}
}

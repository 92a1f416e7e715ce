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
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func TestBoundaries(t *testing.T) {
	s := NewSplitter(1<<10, 256, 4<<10)
	data := randomBytes(256<<10, 1)
	b := s.Boundaries(data)
	require.NotEmpty(t, b)
	assert.Equal(t, len(data), b[len(b)-1])
	prev := 0
	for i, end := range b {
		n := end - prev
		assert.LessOrEqual(t, n, 4<<10)
		if i < len(b)-1 {
			assert.GreaterOrEqual(t, n, 256)
		}
		prev = end
	}
	assert.Greater(t, len(b), 256<<10/(4<<10))

	assert.Equal(t, []int{0}, s.Boundaries(nil))
}

func TestBoundariesAreContentDefined(t *testing.T) {
	s := NewSplitter(1<<10, 128, 8<<10)
	data := randomBytes(64<<10, 2)
	grown := append(append([]byte(nil), data...), randomBytes(8<<10, 3)...)
	a, b := s.Boundaries(data), s.Boundaries(grown)
	// every boundary but the forced final one survives the append
	assert.Equal(t, a[:len(a)-1], b[:len(a)-1])
}

func TestSplitAndAssemble(t *testing.T) {
	s := NewSplitter(512, 64, 2048)
	header := []byte(`{"msg_type":"update"}`)
	body := randomBytes(40<<10, 4)
	id := uuid.New()
	pieces := s.Split(id, Stream{"header", header}, Stream{"payload", body}, Stream{"empty", nil})
	require.Greater(t, len(pieces), 3)

	rand.New(rand.NewSource(5)).Shuffle(len(pieces), func(i, j int) {
		pieces[i], pieces[j] = pieces[j], pieces[i]
	})
	a := NewAssembler(time.Minute, nil)
	var done *Completed
	for i, p := range pieces {
		c, err := a.Offer(p)
		require.NoError(t, err)
		if i < len(pieces)-1 {
			require.Nil(t, c)
			assert.Equal(t, 1, a.Pending())
		} else {
			done = c
		}
	}
	require.NotNil(t, done)
	assert.Equal(t, id, done.Transfer)
	assert.True(t, bytes.Equal(header, done.Streams["header"]))
	assert.True(t, bytes.Equal(body, done.Streams["payload"]))
	assert.Empty(t, done.Streams["empty"])
	assert.Zero(t, a.Pending())
}

func TestPieceBehindFailsTransfer(t *testing.T) {
	s := NewSplitter(256, 64, 512)
	id := uuid.New()
	pieces := s.Split(id, Stream{"payload", randomBytes(4096, 6)})
	require.Greater(t, len(pieces), 2)
	a := NewAssembler(time.Minute, nil)
	_, err := a.Offer(pieces[0])
	require.NoError(t, err)
	_, err = a.Offer(pieces[1])
	require.NoError(t, err)

	_, err = a.Offer(pieces[1])
	assert.True(t, ErrPieceBehind.Is(err))
	assert.Zero(t, a.Pending())
}

func TestMalformedPieces(t *testing.T) {
	a := NewAssembler(time.Minute, nil)
	id := uuid.New()
	_, err := a.Offer(Piece{Transfer: id, Stream: "s", Streams: 1, Offset: 4, Total: 5, Data: []byte("xx")})
	assert.True(t, ErrBadPiece.Is(err))
	_, err = a.Offer(Piece{Transfer: id, Stream: "s", Streams: 0, Total: 1, Data: []byte("x")})
	assert.True(t, ErrBadPiece.Is(err))

	_, err = a.Offer(Piece{Transfer: id, Stream: "s", Streams: 2, Total: 4, Data: []byte("ab")})
	require.NoError(t, err)
	_, err = a.Offer(Piece{Transfer: id, Stream: "s", Streams: 2, Offset: 2, Total: 5, Data: []byte("cd")})
	assert.True(t, ErrBadPiece.Is(err))
	assert.Zero(t, a.Pending())
}

func TestOverlappingPendingPieces(t *testing.T) {
	piece := func(id uuid.UUID, off int, data string) Piece {
		return Piece{Transfer: id, Stream: "s", Streams: 1, Offset: off, Total: 16, Data: []byte(data)}
	}
	a := NewAssembler(time.Minute, nil)

	id := uuid.New()
	_, err := a.Offer(piece(id, 8, "ijkl"))
	require.NoError(t, err)
	_, err = a.Offer(piece(id, 8, "IJKL"))
	assert.True(t, ErrBadPiece.Is(err), "same offset twice")
	assert.Zero(t, a.Pending())

	id = uuid.New()
	_, err = a.Offer(piece(id, 8, "ijkl"))
	require.NoError(t, err)
	_, err = a.Offer(piece(id, 6, "ghij"))
	assert.True(t, ErrBadPiece.Is(err), "runs into a buffered piece")
	assert.Zero(t, a.Pending())

	id = uuid.New()
	_, err = a.Offer(piece(id, 4, "efgh"))
	require.NoError(t, err)
	_, err = a.Offer(piece(id, 0, "abcdef"))
	assert.True(t, ErrBadPiece.Is(err), "in order piece covers a buffered one")
	assert.Zero(t, a.Pending())

	id = uuid.New()
	_, err = a.Offer(piece(id, 12, "mnop"))
	require.NoError(t, err)
	_, err = a.Offer(piece(id, 4, "efghijkl"))
	require.NoError(t, err)
	done, err := a.Offer(piece(id, 0, "abcd"))
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, "abcdefghijklmnop", string(done.Streams["s"]))
}

func TestTransferSizeIsBounded(t *testing.T) {
	a := NewAssembler(time.Minute, nil)
	_, err := a.Offer(Piece{Transfer: uuid.New(), Stream: "s", Streams: 1, Total: MaxTotal + 1, Data: []byte("x")})
	assert.True(t, ErrBadPiece.Is(err))
	_, err = a.Offer(Piece{Transfer: uuid.New(), Stream: "s", Streams: MaxStreams + 1, Total: 1, Data: []byte("x")})
	assert.True(t, ErrBadPiece.Is(err))
	assert.Zero(t, a.Pending())
}

func TestIdleEviction(t *testing.T) {
	var evicted []uuid.UUID
	a := NewAssembler(time.Second, func(id uuid.UUID) { evicted = append(evicted, id) })
	now := time.Unix(1000, 0)
	a.now = func() time.Time { return now }

	stale, fresh := uuid.New(), uuid.New()
	_, err := a.Offer(Piece{Transfer: stale, Stream: "s", Streams: 1, Total: 2, Data: []byte("a")})
	require.NoError(t, err)
	now = now.Add(800 * time.Millisecond)
	_, err = a.Offer(Piece{Transfer: fresh, Stream: "s", Streams: 1, Total: 2, Data: []byte("a")})
	require.NoError(t, err)

	now = now.Add(500 * time.Millisecond)
	assert.Equal(t, []uuid.UUID{stale}, a.Evict())
	assert.Equal(t, []uuid.UUID{stale}, evicted)
	assert.Equal(t, 1, a.Pending())

	a.Cancel(fresh)
	assert.Zero(t, a.Pending())
}

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

// Package transport carries envelopes between a client and an upstream
// authority. A Conn is a bidirectional, message-oriented session; requests and
// their responses are correlated by task uid, and the authority may push
// envelopes the client never asked for.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	goerrors "gopkg.in/src-d/go-errors.v1"

	"github.com/dolthub/blobgraph/libraries/chunked"
	"github.com/dolthub/blobgraph/store/blobs"
	"github.com/dolthub/blobgraph/store/payload"
)

var (
	ErrDisconnected = goerrors.NewKind("upstream connection lost")
	ErrTimeout      = goerrors.NewKind("task %s timed out after %s without a sign of life")
	ErrClosed       = goerrors.NewKind("connection closed")
	ErrBadEnvelope  = goerrors.NewKind("malformed envelope: %s")
)

// Kind is the type of an envelope.
type Kind string

const (
	KindSubscribe      Kind = "subscribe"
	KindUnsubscribe    Kind = "unsubscribe"
	KindMakePrimary    Kind = "make_primary"
	KindReleasePrimary Kind = "release_primary"
	KindUpdate         Kind = "update"
	KindFetch          Kind = "fetch"
	KindHeads          Kind = "heads"
	KindPageRequest    Kind = "page_request"
	KindTokens         Kind = "tokens"
	KindPoke           Kind = "poke"
	KindResponse       Kind = "response"
	KindChunk          Kind = "chunk"
	KindCancelTransfer Kind = "cancel_transfer"
)

// Valid reports whether |k| is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindSubscribe, KindUnsubscribe, KindMakePrimary, KindReleasePrimary,
		KindUpdate, KindFetch, KindHeads, KindPageRequest, KindTokens,
		KindPoke, KindResponse, KindChunk, KindCancelTransfer:
		return true
	}
	return false
}

// Token is one name to id binding of a token kind.
type Token struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
	ID   uint32 `json:"id"`
}

// Envelope is the unit of exchange. Which fields are set depends on Kind.
type Envelope struct {
	Kind Kind `json:"msg_type"`
	// Task correlates a response with its request, and a poke with the
	// task it keeps alive.
	Task  uuid.UUID `json:"task_uid"`
	Graph uuid.UUID `json:"graph_uid,omitempty"`

	Success bool   `json:"success,omitempty"`
	Reason  string `json:"reason,omitempty"`

	// Heads are what the sender has, or wants to be sent updates from.
	Heads *payload.Heads `json:"heads,omitempty"`
	// UpstreamHeads are what the authority has.
	UpstreamHeads *payload.Heads `json:"upstream_head,omitempty"`
	HashIndex     blobs.Index    `json:"hash_index,omitempty"`
	Hash          string         `json:"hash,omitempty"`
	HashAgreed    bool           `json:"hash_agreed,omitempty"`

	Offset int `json:"offset,omitempty"`
	Length int `json:"length,omitempty"`

	Tokens []Token `json:"tokens,omitempty"`

	Piece *chunked.Piece `json:"piece,omitempty"`

	// Payload travels after the JSON part: an encoded update, page bytes or
	// piece data.
	Payload []byte `json:"-"`
}

// Reply returns an empty response to |e|.
func (e *Envelope) Reply() *Envelope {
	return &Envelope{Kind: KindResponse, Task: e.Task, Graph: e.Graph}
}

// Fail returns a failed response to |e|.
func (e *Envelope) Fail(reason string) *Envelope {
	r := e.Reply()
	r.Reason = reason
	return r
}

// Succeed returns a successful response to |e|.
func (e *Envelope) Succeed() *Envelope {
	r := e.Reply()
	r.Success = true
	return r
}

// Update decodes the update carried in the payload.
func (e *Envelope) Update() (*payload.Update, error) {
	if len(e.Payload) == 0 {
		return nil, ErrBadEnvelope.New(fmt.Sprintf("%s carries no update", e.Kind))
	}
	return payload.Unmarshal(e.Payload)
}

func (e *Envelope) String() string {
	return fmt.Sprintf("%s(task=%s graph=%s success=%t)", e.Kind, e.Task, e.Graph, e.Success)
}

// maxHeader bounds the JSON part of a frame.
const maxHeader = 16 << 20

// Encode writes |e| as a length-prefixed JSON header followed by the
// length-prefixed payload.
func Encode(w io.Writer, e *Envelope) error {
	hdr, err := json.Marshal(e)
	if err != nil {
		return err
	}
	var lens [8]byte
	binary.LittleEndian.PutUint32(lens[:4], uint32(len(hdr)))
	binary.LittleEndian.PutUint32(lens[4:], uint32(len(e.Payload)))
	for _, b := range [][]byte{lens[:], hdr, e.Payload} {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads one envelope written by Encode.
func Decode(r io.Reader) (*Envelope, error) {
	var lens [8]byte
	if _, err := io.ReadFull(r, lens[:]); err != nil {
		return nil, err
	}
	hl, pl := binary.LittleEndian.Uint32(lens[:4]), binary.LittleEndian.Uint32(lens[4:])
	if hl > maxHeader {
		return nil, ErrBadEnvelope.New(fmt.Sprintf("header of %d bytes", hl))
	}
	hdr := make([]byte, hl)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, ErrBadEnvelope.Wrap(err, "truncated header")
	}
	var e Envelope
	if err := json.Unmarshal(hdr, &e); err != nil {
		return nil, ErrBadEnvelope.Wrap(err, "header is not json")
	}
	if !e.Kind.Valid() {
		return nil, ErrBadEnvelope.New(fmt.Sprintf("unknown kind %q", e.Kind))
	}
	if pl > 0 {
		e.Payload = make([]byte, pl)
		if _, err := io.ReadFull(r, e.Payload); err != nil {
			return nil, ErrBadEnvelope.Wrap(err, "truncated payload")
		}
	}
	return &e, nil
}

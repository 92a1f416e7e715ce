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

// Package payload defines the unit of replication between copies of a graph.
//
// An Update carries the blob bytes in [BlobIndexLo, BlobIndexHi) and, for
// every cache, the log bytes in [IndexLo, IndexHi). On the wire it is framed
// as
//
//	magic(4) | header length(4) | JSON header | range*
//	range: raw length(4) | xxhash64 of raw bytes(8) | snappy length(4) | snappy bytes
//
// with the blob range first and then one range per cache descriptor, in the
// order the descriptors are listed.
package payload

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	goerrors "gopkg.in/src-d/go-errors.v1"

	"github.com/dolthub/blobgraph/store/blobs"
)

var magic = [4]byte{'B', 'G', 'U', '1'}

const maxHeaderLen = 1 << 24

var (
	ErrMalformed = goerrors.NewKind("payload: malformed update: %s")
	ErrChecksum  = goerrors.NewKind("payload: checksum mismatch in range %d")
)

// CacheDescriptor names one cache range carried by an Update. Revision is the
// revision the receiving copy must be at for the range to apply.
type CacheDescriptor struct {
	Name     string `json:"name"`
	IndexLo  int    `json:"index_lo"`
	IndexHi  int    `json:"index_hi"`
	Revision uint64 `json:"revision"`
}

// Header is the JSON part of an Update.
type Header struct {
	GraphUID         uuid.UUID         `json:"graph_uid"`
	BlobIndexLo      blobs.Index       `json:"blob_index_lo"`
	BlobIndexHi      blobs.Index       `json:"blob_index_hi"`
	LatestCompleteTx blobs.Index       `json:"index_of_latest_complete_tx_node"`
	Hash             string            `json:"hash_full_graph,omitempty"`
	LayoutVersion    string            `json:"data_layout_version"`
	Caches           []CacheDescriptor `json:"caches"`
}

// Update is a header plus the bytes it describes.
type Update struct {
	Header
	Blobs  []byte
	Caches [][]byte
}

// Empty reports whether the update carries no bytes at all.
func (u *Update) Empty() bool {
	if u.BlobIndexHi > u.BlobIndexLo {
		return false
	}
	for _, c := range u.Caches {
		if len(c) > 0 {
			return false
		}
	}
	return true
}

// Len is the number of raw bytes carried.
func (u *Update) Len() int {
	n := len(u.Blobs)
	for _, c := range u.Caches {
		n += len(c)
	}
	return n
}

// Validate checks that the ranges agree with the header.
func (u *Update) Validate() error {
	if u.BlobIndexHi < u.BlobIndexLo {
		return ErrMalformed.New("blob range is reversed")
	}
	if want := (u.BlobIndexHi - u.BlobIndexLo).Offset(); len(u.Blobs) != want {
		return ErrMalformed.New(fmt.Sprintf("blob range holds %d bytes, header declares %d", len(u.Blobs), want))
	}
	if len(u.Caches) != len(u.Header.Caches) {
		return ErrMalformed.New("cache range count does not match descriptors")
	}
	for i, c := range u.Header.Caches {
		if c.IndexHi < c.IndexLo || len(u.Caches[i]) != c.IndexHi-c.IndexLo {
			return ErrMalformed.New("cache " + c.Name + " range does not match its descriptor")
		}
	}
	return nil
}

// Encode writes the framed update to |w|.
func (u *Update) Encode(w io.Writer) error {
	if err := u.Validate(); err != nil {
		return err
	}
	hdr, err := json.Marshal(&u.Header)
	if err != nil {
		return errors.Wrap(err, "payload: encoding header")
	}
	var buf [16]byte
	copy(buf[:4], magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(hdr)))
	if _, err = w.Write(buf[:8]); err != nil {
		return err
	}
	if _, err = w.Write(hdr); err != nil {
		return err
	}
	ranges := append([][]byte{u.Blobs}, u.Caches...)
	for _, r := range ranges {
		comp := snappy.Encode(nil, r)
		binary.LittleEndian.PutUint32(buf[0:4], uint32(len(r)))
		binary.LittleEndian.PutUint64(buf[4:12], xxhash.Sum64(r))
		binary.LittleEndian.PutUint32(buf[12:16], uint32(len(comp)))
		if _, err = w.Write(buf[:16]); err != nil {
			return err
		}
		if _, err = w.Write(comp); err != nil {
			return err
		}
	}
	return nil
}

// Marshal is Encode into a fresh buffer.
func (u *Update) Marshal() ([]byte, error) {
	var b bytes.Buffer
	if err := u.Encode(&b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Decode reads one framed update from |r|.
func Decode(r io.Reader) (*Update, error) {
	var buf [16]byte
	if _, err := io.ReadFull(r, buf[:8]); err != nil {
		return nil, ErrMalformed.Wrap(err, "short preamble")
	}
	if !bytes.Equal(buf[:4], magic[:]) {
		return nil, ErrMalformed.New("bad magic")
	}
	hlen := binary.LittleEndian.Uint32(buf[4:8])
	if hlen > maxHeaderLen {
		return nil, ErrMalformed.New("header too large")
	}
	hdr := make([]byte, hlen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, ErrMalformed.Wrap(err, "short header")
	}
	u := &Update{}
	if err := json.Unmarshal(hdr, &u.Header); err != nil {
		return nil, ErrMalformed.Wrap(err, "header json")
	}
	n := 1 + len(u.Header.Caches)
	for i := 0; i < n; i++ {
		if _, err := io.ReadFull(r, buf[:16]); err != nil {
			return nil, ErrMalformed.Wrap(err, "short range preamble")
		}
		rawLen := binary.LittleEndian.Uint32(buf[0:4])
		sum := binary.LittleEndian.Uint64(buf[4:12])
		compLen := binary.LittleEndian.Uint32(buf[12:16])
		comp := make([]byte, compLen)
		if _, err := io.ReadFull(r, comp); err != nil {
			return nil, ErrMalformed.Wrap(err, "short range")
		}
		raw, err := snappy.Decode(nil, comp)
		if err != nil {
			return nil, ErrMalformed.Wrap(err, "range compression")
		}
		if uint32(len(raw)) != rawLen {
			return nil, ErrMalformed.New("range length mismatch")
		}
		if xxhash.Sum64(raw) != sum {
			return nil, ErrChecksum.New(i)
		}
		if i == 0 {
			u.Blobs = raw
		} else {
			u.Caches = append(u.Caches, raw)
		}
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return u, nil
}

// Unmarshal is Decode from a byte slice.
func Unmarshal(data []byte) (*Update, error) {
	return Decode(bytes.NewReader(data))
}

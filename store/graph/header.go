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

package graph

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/dolthub/blobgraph/store/blobs"
)

// The graph header occupies the first blobs.HeaderSize bytes of a region.
//
//	0   magic (8)
//	8   layout version, zero padded (32)
//	40  graph uid (16)
//	56  committed head (4)
//	60  latest complete tx (4)
//	64  sync head (4)
//	68  flags (1)
//
// Only committed state is written here, so a region reopened after a crash
// comes back at its last finished transaction.
const (
	hdrMagic     = 0
	hdrVersion   = 8
	hdrUID       = 40
	hdrHead      = 56
	hdrLatestTx  = 60
	hdrSyncHead  = 64
	hdrFlags     = 68
	hdrUsedBytes = 72

	versionLen = 32

	flagPrimary    = 1 << 0
	flagShouldSync = 1 << 1
)

var magic = []byte("BLOBGRPH")

type header struct {
	uid        uuid.UUID
	head       blobs.Index
	latestTx   blobs.Index
	syncHead   blobs.Index
	primary    bool
	shouldSync bool
}

func (h header) encode(dst []byte) {
	clear(dst[:hdrUsedBytes])
	copy(dst[hdrMagic:], magic)
	copy(dst[hdrVersion:hdrVersion+versionLen], blobs.LayoutVersion)
	copy(dst[hdrUID:], h.uid[:])
	binary.LittleEndian.PutUint32(dst[hdrHead:], uint32(h.head))
	binary.LittleEndian.PutUint32(dst[hdrLatestTx:], uint32(h.latestTx))
	binary.LittleEndian.PutUint32(dst[hdrSyncHead:], uint32(h.syncHead))
	var flags byte
	if h.primary {
		flags |= flagPrimary
	}
	if h.shouldSync {
		flags |= flagShouldSync
	}
	dst[hdrFlags] = flags
}

func decodeHeader(src []byte) (header, error) {
	if len(src) < blobs.HeaderSize {
		return header{}, ErrBadHeader.New("region too small")
	}
	if !bytes.Equal(src[hdrMagic:hdrMagic+len(magic)], magic) {
		return header{}, ErrBadHeader.New("bad magic")
	}
	version := string(bytes.TrimRight(src[hdrVersion:hdrVersion+versionLen], "\x00"))
	if version != blobs.LayoutVersion {
		return header{}, ErrLayoutVersion.New(version, blobs.LayoutVersion)
	}
	h := header{
		uid:        uuid.UUID(src[hdrUID : hdrUID+16]),
		head:       blobs.Index(binary.LittleEndian.Uint32(src[hdrHead:])),
		latestTx:   blobs.Index(binary.LittleEndian.Uint32(src[hdrLatestTx:])),
		syncHead:   blobs.Index(binary.LittleEndian.Uint32(src[hdrSyncHead:])),
		primary:    src[hdrFlags]&flagPrimary != 0,
		shouldSync: src[hdrFlags]&flagShouldSync != 0,
	}
	if h.head < blobs.Root || h.latestTx > h.head || h.syncHead > h.head {
		return header{}, ErrBadHeader.New("heads out of order")
	}
	return h, nil
}

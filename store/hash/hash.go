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

// Package hash implements the digest used to compare two copies of a graph.
//
// A Hash is the leading 20 bytes of a keyed BLAKE3 digest. The key is derived
// from the data layout version of the bytes being hashed, so two processes
// only ever agree on a hash when they agree on the layout of what they hashed.
// The text form is base32 using the alphabet 0-9, a-v.
package hash

import (
	"bytes"
	"encoding/base32"
	"fmt"
	"regexp"

	"github.com/zeebo/blake3"

	"github.com/dolthub/blobgraph/store/d"
)

const (
	// ByteLen is the number of bytes used to represent the Hash.
	ByteLen = 20

	// StringLen is the number of characters needed to represent the Hash using Base32.
	StringLen = 32

	keyContext = "blobgraph structural hash v1"
)

var (
	pattern   = regexp.MustCompile("^([0-9a-v]{" + fmt.Sprint(StringLen) + "})$")
	emptyHash = Hash{}
	encoding  = base32.NewEncoding("0123456789abcdefghijklmnopqrstuv")
)

// Hash is a structural digest of a contiguous range of a graph.
type Hash [ByteLen]byte

// IsEmpty determines if this Hash is equal to the empty hash (all zeroes).
func (h Hash) IsEmpty() bool {
	return h == emptyHash
}

// String returns a string representation of the hash using Base32 encoding.
func (h Hash) String() string {
	return encoding.EncodeToString(h[:])
}

// Less compares two hashes returning whether this Hash is less than other.
func (h Hash) Less(other Hash) bool {
	return bytes.Compare(h[:], other[:]) < 0
}

// New creates a new Hash backed by data, ensuring that data is an acceptable length.
func New(data []byte) Hash {
	d.PanicIfFalse(len(data) == ByteLen, "hash: want %d bytes, got %d", ByteLen, len(data))
	return Hash(data)
}

// Parse creates a new Hash from a string representation. Panics if the
// string is not a valid hash.
func Parse(s string) Hash {
	r, ok := MaybeParse(s)
	if !ok {
		d.Panic("cannot parse hash: %s", s)
	}
	return r
}

// MaybeParse parses a string representing a hash as a Base32 encoded byte
// array. If the string is not well formed then this returns (emptyHash, false).
func MaybeParse(s string) (Hash, bool) {
	if !pattern.MatchString(s) {
		return emptyHash, false
	}
	data, err := encoding.DecodeString(s)
	if err != nil || len(data) != ByteLen {
		return emptyHash, false
	}
	return New(data), true
}

// Hasher accumulates bytes into a structural Hash. It is not safe for
// concurrent use.
type Hasher struct {
	h *blake3.Hasher
}

// NewHasher returns a Hasher keyed by |layoutVersion|.
func NewHasher(layoutVersion string) *Hasher {
	var key [32]byte
	blake3.DeriveKey(keyContext, []byte(layoutVersion), key[:])
	h, err := blake3.NewKeyed(key[:])
	d.PanicIfError(err)
	return &Hasher{h: h}
}

// Write adds |p| to the running digest. It never fails.
func (s *Hasher) Write(p []byte) (int, error) {
	return s.h.Write(p)
}

// Sum returns the Hash of everything written so far.
func (s *Hasher) Sum() Hash {
	var out [32]byte
	s.h.Sum(out[:0])
	return New(out[:ByteLen])
}

// Of hashes |data| under |layoutVersion| in one call.
func Of(layoutVersion string, data []byte) Hash {
	s := NewHasher(layoutVersion)
	s.Write(data)
	return s.Sum()
}

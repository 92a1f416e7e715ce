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

// Package caches holds the auxiliary lookup structures of a graph. Every
// cache is an append-only log of fixed or length-prefixed records plus an
// in-memory btree over them. The log bytes are what replicas exchange; the
// tree is rebuilt from the log wherever it lands.
package caches

import (
	"encoding/binary"
	"sync"

	"github.com/google/btree"
	"github.com/google/uuid"
	goerrors "gopkg.in/src-d/go-errors.v1"

	"github.com/dolthub/blobgraph/store/blobs"
)

const (
	EntityTypes   = "entity_types"
	RelationTypes = "relation_types"
	ValueTypes    = "value_types"
	UIDs          = "uids"
	Tags          = "tags"

	degree = 16
)

// ErrBadRecord is returned when log bytes do not decode into whole records.
var ErrBadRecord = goerrors.NewKind("cache %s: malformed record at offset %d")

// Cache is the part of every cache the replication layer deals with.
type Cache interface {
	Name() string
	// Size is the length of the log in bytes.
	Size() int
	// Revision counts the times the log was cut back.
	Revision() uint64
	// Bytes copies the log range [lo, hi).
	Bytes(lo, hi int) []byte
	// Apply appends |data|, which must hold whole records.
	Apply(data []byte) error
	// Truncate drops the log from |size| on. With |bump| set, and only if
	// something was dropped, the revision advances: bytes that other copies
	// may already hold are gone.
	Truncate(size int, bump bool)
}

type codec[T any] interface {
	// decode reads one record from the front of |data|, returning its length.
	decode(data []byte) (T, int, bool)
	encode(dst []byte, rec T) []byte
	index(rec T)
	reset()
}

// log is the shared append-only machinery.
type log[T any] struct {
	name     string
	mu       sync.RWMutex
	data     []byte
	revision uint64
	c        codec[T]
}

func (l *log[T]) Name() string {
	return l.name
}

func (l *log[T]) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.data)
}

func (l *log[T]) Revision() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.revision
}

func (l *log[T]) Bytes(lo, hi int) []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]byte(nil), l.data[lo:hi]...)
}

func (l *log[T]) Apply(data []byte) error {
	recs, err := l.decodeAll(data)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.data = append(l.data, data...)
	for _, r := range recs {
		l.c.index(r)
	}
	return nil
}

func (l *log[T]) decodeAll(data []byte) ([]T, error) {
	var recs []T
	for off := 0; off < len(data); {
		r, n, ok := l.c.decode(data[off:])
		if !ok {
			return nil, ErrBadRecord.New(l.name, off)
		}
		recs = append(recs, r)
		off += n
	}
	return recs, nil
}

func (l *log[T]) append(rec T) {
	l.data = l.c.encode(l.data, rec)
	l.c.index(rec)
}

func (l *log[T]) Truncate(size int, bump bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if size >= len(l.data) {
		return
	}
	l.data = l.data[:size]
	if bump {
		l.revision++
	}
	l.c.reset()
	recs, err := l.decodeAll(l.data)
	if err != nil {
		panic(err)
	}
	for _, r := range recs {
		l.c.index(r)
	}
}

// TokenSet records which token ids have been used, in first use order.
type TokenSet struct {
	log[uint32]
	tree *btree.BTreeG[uint32]
}

func NewTokenSet(name string) *TokenSet {
	s := &TokenSet{}
	s.name, s.c = name, s
	s.reset()
	return s
}

func (s *TokenSet) decode(data []byte) (uint32, int, bool) {
	if len(data) < 4 {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint32(data), 4, true
}

func (s *TokenSet) encode(dst []byte, tok uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, tok)
}

func (s *TokenSet) index(tok uint32) {
	s.tree.ReplaceOrInsert(tok)
}

func (s *TokenSet) reset() {
	s.tree = btree.NewOrderedG[uint32](degree)
}

// Add records |tok| unless it is already present.
func (s *TokenSet) Add(tok uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tree.Has(tok) {
		return false
	}
	s.append(tok)
	return true
}

func (s *TokenSet) Contains(tok uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Has(tok)
}

// Tokens lists the recorded ids in ascending order.
func (s *TokenSet) Tokens() []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ret := make([]uint32, 0, s.tree.Len())
	s.tree.Ascend(func(t uint32) bool {
		ret = append(ret, t)
		return true
	})
	return ret
}

type uidEntry struct {
	uid uuid.UUID
	idx blobs.Index
}

func uidLess(a, b uidEntry) bool {
	for i := range a.uid {
		if a.uid[i] != b.uid[i] {
			return a.uid[i] < b.uid[i]
		}
	}
	return false
}

// UIDMap resolves blob uids to indexes.
type UIDMap struct {
	log[uidEntry]
	tree *btree.BTreeG[uidEntry]
}

func NewUIDMap() *UIDMap {
	m := &UIDMap{}
	m.name, m.c = UIDs, m
	m.reset()
	return m
}

const uidRecordLen = 16 + 4

func (m *UIDMap) decode(data []byte) (uidEntry, int, bool) {
	if len(data) < uidRecordLen {
		return uidEntry{}, 0, false
	}
	return uidEntry{
		uid: uuid.UUID(data[:16]),
		idx: blobs.Index(binary.LittleEndian.Uint32(data[16:])),
	}, uidRecordLen, true
}

func (m *UIDMap) encode(dst []byte, e uidEntry) []byte {
	dst = append(dst, e.uid[:]...)
	return binary.LittleEndian.AppendUint32(dst, uint32(e.idx))
}

func (m *UIDMap) index(e uidEntry) {
	m.tree.ReplaceOrInsert(e)
}

func (m *UIDMap) reset() {
	m.tree = btree.NewG[uidEntry](degree, uidLess)
}

// Add records that |uid| lives at |idx|. It reports false, recording
// nothing, when the uid is already mapped.
func (m *UIDMap) Add(uid uuid.UUID, idx blobs.Index) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tree.Has(uidEntry{uid: uid}) {
		return false
	}
	m.append(uidEntry{uid: uid, idx: idx})
	return true
}

func (m *UIDMap) Lookup(uid uuid.UUID) (blobs.Index, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tree.Get(uidEntry{uid: uid})
	return e.idx, ok
}

func (m *UIDMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

type tagEntry struct {
	name string
	idx  blobs.Index
}

// TagMap resolves tag names to the transaction that assigned them. A later
// assignment of the same name wins.
type TagMap struct {
	log[tagEntry]
	tree *btree.BTreeG[tagEntry]
}

func NewTagMap() *TagMap {
	m := &TagMap{}
	m.name, m.c = Tags, m
	m.reset()
	return m
}

func (m *TagMap) decode(data []byte) (tagEntry, int, bool) {
	if len(data) < 2 {
		return tagEntry{}, 0, false
	}
	n := int(binary.LittleEndian.Uint16(data))
	if len(data) < 2+n+4 {
		return tagEntry{}, 0, false
	}
	return tagEntry{
		name: string(data[2 : 2+n]),
		idx:  blobs.Index(binary.LittleEndian.Uint32(data[2+n:])),
	}, 2 + n + 4, true
}

func (m *TagMap) encode(dst []byte, e tagEntry) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(e.name)))
	dst = append(dst, e.name...)
	return binary.LittleEndian.AppendUint32(dst, uint32(e.idx))
}

func (m *TagMap) index(e tagEntry) {
	m.tree.ReplaceOrInsert(e)
}

func (m *TagMap) reset() {
	m.tree = btree.NewG[tagEntry](degree, func(a, b tagEntry) bool { return a.name < b.name })
}

// MaxTagLen is the longest tag name a TagMap stores.
const MaxTagLen = 1<<16 - 1

func (m *TagMap) Add(name string, idx blobs.Index) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.append(tagEntry{name: name, idx: idx})
}

func (m *TagMap) Lookup(name string) (blobs.Index, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tree.Get(tagEntry{name: name})
	return e.idx, ok
}

func (m *TagMap) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ret []string
	m.tree.Ascend(func(e tagEntry) bool {
		ret = append(ret, e.name)
		return true
	})
	return ret
}

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

package caches

import (
	"github.com/dolthub/blobgraph/store/blobs"
)

// Set is the full collection of caches kept alongside a graph.
type Set struct {
	EntityTypes   *TokenSet
	RelationTypes *TokenSet
	ValueTypes    *TokenSet
	UIDs          *UIDMap
	Tags          *TagMap
}

func NewSet() *Set {
	return &Set{
		EntityTypes:   NewTokenSet(EntityTypes),
		RelationTypes: NewTokenSet(RelationTypes),
		ValueTypes:    NewTokenSet(ValueTypes),
		UIDs:          NewUIDMap(),
		Tags:          NewTagMap(),
	}
}

// All returns the caches in the order they travel in an update.
func (s *Set) All() []Cache {
	return []Cache{s.EntityTypes, s.RelationTypes, s.ValueTypes, s.UIDs, s.Tags}
}

func (s *Set) Get(name string) (Cache, bool) {
	for _, c := range s.All() {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

// Sizes snapshots the log length of every cache.
func (s *Set) Sizes() map[string]int {
	ret := make(map[string]int, 5)
	for _, c := range s.All() {
		ret[c.Name()] = c.Size()
	}
	return ret
}

// TruncateTo cuts every cache back to the sizes in |marks|. See
// Cache.Truncate for |bump|.
func (s *Set) TruncateTo(marks map[string]int, bump bool) {
	for _, c := range s.All() {
		if m, ok := marks[c.Name()]; ok {
			c.Truncate(m, bump)
		}
	}
}

// Heads snapshots the size and revision of every cache.
func (s *Set) Heads() map[string]Head {
	ret := make(map[string]Head, 5)
	for _, c := range s.All() {
		ret[c.Name()] = Head{Size: c.Size(), Revision: c.Revision()}
	}
	return ret
}

// Head is the extent of one cache.
type Head struct {
	Size     int
	Revision uint64
}

// Observe records whatever |b| contributes to the caches.
func (s *Set) Observe(b blobs.Blob) {
	k := b.Kind()
	if k.HasUID() {
		s.UIDs.Add(b.UID(), b.Index())
	}
	switch k {
	case blobs.KindEntity, blobs.KindForeignEntity:
		s.EntityTypes.Add(b.Token())
	case blobs.KindRelation, blobs.KindForeignRelation:
		s.RelationTypes.Add(b.Token())
	case blobs.KindAtomicEntity, blobs.KindForeignAtomicEntity, blobs.KindAtomicValue:
		s.ValueTypes.Add(b.Token())
	case blobs.KindTagAssignmentEdge:
		s.Tags.Add(string(b.Data()), b.Source())
	}
}

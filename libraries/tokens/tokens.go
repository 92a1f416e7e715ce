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

// Package tokens maps the names of entity, relation and value types to the
// small integer ids stored in blobs.
package tokens

import (
	"context"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	goerrors "gopkg.in/src-d/go-errors.v1"
)

// Kind names a token table.
type Kind string

const (
	EntityType   Kind = "ET"
	RelationType Kind = "RT"
	ValueType    Kind = "VT"
)

func (k Kind) Valid() bool {
	return k == EntityType || k == RelationType || k == ValueType
}

var (
	ErrUnknownToken = goerrors.NewKind("no %s token with id %d")
	ErrBadKind      = goerrors.NewKind("unknown token kind %q")
)

// Token is one name to id binding.
type Token struct {
	Kind Kind
	Name string
	ID   uint32
}

func (t Token) String() string {
	return fmt.Sprintf("%s:%s=%d", t.Kind, t.Name, t.ID)
}

// Resolver turns token names into ids and back. Resolving a name never seen
// before registers it.
type Resolver interface {
	Resolve(ctx context.Context, kind Kind, name string) (uint32, error)
	Name(ctx context.Context, kind Kind, id uint32) (string, error)
}

// Fetcher answers a batch of lookups. A Token with a zero ID asks for the id
// of its Name; a Token with an empty Name asks for the name of its ID.
type Fetcher interface {
	FetchTokens(ctx context.Context, want []Token) ([]Token, error)
}

// LocalStore is the authoritative token table. Ids are handed out per kind
// in registration order starting at 1.
type LocalStore struct {
	mu     sync.Mutex
	byName map[Kind]map[string]uint32
	byID   map[Kind][]string
}

var _ Resolver = (*LocalStore)(nil)
var _ Fetcher = (*LocalStore)(nil)

func NewLocalStore() *LocalStore {
	return &LocalStore{
		byName: make(map[Kind]map[string]uint32),
		byID:   make(map[Kind][]string),
	}
}

func (s *LocalStore) resolveLocked(kind Kind, name string) uint32 {
	names, ok := s.byName[kind]
	if !ok {
		names = make(map[string]uint32)
		s.byName[kind] = names
	}
	if id, ok := names[name]; ok {
		return id
	}
	s.byID[kind] = append(s.byID[kind], name)
	id := uint32(len(s.byID[kind]))
	names[name] = id
	return id
}

func (s *LocalStore) nameLocked(kind Kind, id uint32) (string, error) {
	ids := s.byID[kind]
	if id == 0 || int(id) > len(ids) {
		return "", ErrUnknownToken.New(kind, id)
	}
	return ids[id-1], nil
}

func (s *LocalStore) Resolve(_ context.Context, kind Kind, name string) (uint32, error) {
	if !kind.Valid() {
		return 0, ErrBadKind.New(kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(kind, name), nil
}

func (s *LocalStore) Name(_ context.Context, kind Kind, id uint32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nameLocked(kind, id)
}

func (s *LocalStore) FetchTokens(_ context.Context, want []Token) ([]Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]Token, len(want))
	for i, t := range want {
		if !t.Kind.Valid() {
			return nil, ErrBadKind.New(t.Kind)
		}
		if t.ID == 0 {
			t.ID = s.resolveLocked(t.Kind, t.Name)
		} else {
			name, err := s.nameLocked(t.Kind, t.ID)
			if err != nil {
				return nil, err
			}
			t.Name = name
		}
		ret[i] = t
	}
	return ret, nil
}

// All returns every registered token ordered by kind and id.
func (s *LocalStore) All() []Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ret []Token
	for kind, names := range s.byID {
		for i, name := range names {
			ret = append(ret, Token{Kind: kind, Name: name, ID: uint32(i + 1)})
		}
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].Kind != ret[j].Kind {
			return ret[i].Kind < ret[j].Kind
		}
		return ret[i].ID < ret[j].ID
	})
	return ret
}

type nameKey struct {
	kind Kind
	name string
}

type idKey struct {
	kind Kind
	id   uint32
}

// DefaultCacheSize bounds each direction of a Remote's cache.
const DefaultCacheSize = 4096

// Remote resolves through a Fetcher, normally the upstream authority, and
// caches the answers. Bindings never change once made, so cached entries are
// never invalidated.
type Remote struct {
	f      Fetcher
	byName *lru.Cache[nameKey, uint32]
	byID   *lru.Cache[idKey, string]
}

var _ Resolver = (*Remote)(nil)

func NewRemote(f Fetcher, size int) (*Remote, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	byName, err := lru.New[nameKey, uint32](size)
	if err != nil {
		return nil, err
	}
	byID, err := lru.New[idKey, string](size)
	if err != nil {
		return nil, err
	}
	return &Remote{f: f, byName: byName, byID: byID}, nil
}

func (r *Remote) learn(t Token) {
	r.byName.Add(nameKey{t.Kind, t.Name}, t.ID)
	r.byID.Add(idKey{t.Kind, t.ID}, t.Name)
}

func (r *Remote) fetch(ctx context.Context, want Token) (Token, error) {
	got, err := r.f.FetchTokens(ctx, []Token{want})
	if err != nil {
		return Token{}, err
	}
	if len(got) != 1 || got[0].Kind != want.Kind {
		return Token{}, fmt.Errorf("tokens: asked for 1 %s token, got %v", want.Kind, got)
	}
	r.learn(got[0])
	return got[0], nil
}

func (r *Remote) Resolve(ctx context.Context, kind Kind, name string) (uint32, error) {
	if !kind.Valid() {
		return 0, ErrBadKind.New(kind)
	}
	if id, ok := r.byName.Get(nameKey{kind, name}); ok {
		return id, nil
	}
	t, err := r.fetch(ctx, Token{Kind: kind, Name: name})
	if err != nil {
		return 0, err
	}
	return t.ID, nil
}

func (r *Remote) Name(ctx context.Context, kind Kind, id uint32) (string, error) {
	if name, ok := r.byID.Get(idKey{kind, id}); ok {
		return name, nil
	}
	t, err := r.fetch(ctx, Token{Kind: kind, ID: id})
	if err != nil {
		return "", err
	}
	return t.Name, nil
}

// Prime resolves |names| of |kind| in one round trip.
func (r *Remote) Prime(ctx context.Context, kind Kind, names ...string) error {
	var want []Token
	for _, n := range names {
		if !r.byName.Contains(nameKey{kind, n}) {
			want = append(want, Token{Kind: kind, Name: n})
		}
	}
	if len(want) == 0 {
		return nil
	}
	got, err := r.f.FetchTokens(ctx, want)
	if err != nil {
		return err
	}
	for _, t := range got {
		r.learn(t)
	}
	return nil
}

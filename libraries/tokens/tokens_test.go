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

package tokens

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFetcher struct {
	*LocalStore
	calls int
}

func (f *countingFetcher) FetchTokens(ctx context.Context, want []Token) ([]Token, error) {
	f.calls++
	return f.LocalStore.FetchTokens(ctx, want)
}

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore()

	person, err := s.Resolve(ctx, EntityType, "person")
	require.NoError(t, err)
	place, err := s.Resolve(ctx, EntityType, "place")
	require.NoError(t, err)
	knows, err := s.Resolve(ctx, RelationType, "knows")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), person)
	assert.Equal(t, uint32(2), place)
	assert.Equal(t, uint32(1), knows, "ids are per kind")

	again, err := s.Resolve(ctx, EntityType, "person")
	require.NoError(t, err)
	assert.Equal(t, person, again)

	name, err := s.Name(ctx, EntityType, place)
	require.NoError(t, err)
	assert.Equal(t, "place", name)

	_, err = s.Name(ctx, ValueType, 1)
	assert.True(t, ErrUnknownToken.Is(err))
	_, err = s.Resolve(ctx, "XX", "nope")
	assert.True(t, ErrBadKind.Is(err))

	assert.Equal(t, []Token{
		{EntityType, "person", 1},
		{EntityType, "place", 2},
		{RelationType, "knows", 1},
	}, s.All())
}

func TestRemoteCaches(t *testing.T) {
	ctx := context.Background()
	f := &countingFetcher{LocalStore: NewLocalStore()}
	r, err := NewRemote(f, 0)
	require.NoError(t, err)

	id, err := r.Resolve(ctx, ValueType, "int64")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)
	_, err = r.Resolve(ctx, ValueType, "int64")
	require.NoError(t, err)
	name, err := r.Name(ctx, ValueType, id)
	require.NoError(t, err)
	assert.Equal(t, "int64", name)
	assert.Equal(t, 1, f.calls)

	require.NoError(t, r.Prime(ctx, EntityType, "a", "b", "c"))
	assert.Equal(t, 2, f.calls)
	require.NoError(t, r.Prime(ctx, EntityType, "a", "c"))
	assert.Equal(t, 2, f.calls)
	id, err = r.Resolve(ctx, EntityType, "c")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), id)
	assert.Equal(t, 2, f.calls)

	_, err = r.Name(ctx, RelationType, 7)
	assert.True(t, ErrUnknownToken.Is(err))
}

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

package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	h := Of("layout-1", []byte("abc"))
	require.False(t, h.IsEmpty())
	assert.Len(t, h.String(), StringLen)
	assert.Equal(t, h, Parse(h.String()))
}

func TestMaybeParse(t *testing.T) {
	parse := func(s string, success bool) {
		r, ok := MaybeParse(s)
		assert.Equal(t, success, ok, "Expected success=%t for %s", success, s)
		if ok {
			assert.Equal(t, s, r.String())
		} else {
			assert.Equal(t, emptyHash, r)
		}
	}

	parse("00000000000000000000000000000000", true)
	parse("00000000000000000000000000000001", true)
	parse("", false)
	parse("adsfasdf", false)
	parse("sha2-00000000000000000000000000000000", false)
	parse("0000000000000000000000000000000w", false)

	assert.Panics(t, func() { Parse("nope") })
}

func TestKeyedByLayout(t *testing.T) {
	data := []byte("the same bytes")
	assert.Equal(t, Of("v1", data), Of("v1", data))
	assert.NotEqual(t, Of("v1", data), Of("v2", data))
	assert.NotEqual(t, Of("v1", data), Of("v1", []byte("other bytes")))
}

func TestHasherIncremental(t *testing.T) {
	s := NewHasher("v1")
	s.Write([]byte("the same "))
	s.Write([]byte("bytes"))
	assert.Equal(t, Of("v1", []byte("the same bytes")), s.Sum())
}

func TestLess(t *testing.T) {
	r1 := Parse("00000000000000000000000000000001")
	r2 := Parse("00000000000000000000000000000002")

	assert.False(t, r1.Less(r1))
	assert.True(t, r1.Less(r2))
	assert.False(t, r2.Less(r1))
}

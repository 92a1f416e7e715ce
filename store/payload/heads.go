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

package payload

import (
	"github.com/dolthub/blobgraph/store/blobs"
)

// CacheHead is the extent of one cache as reported by a copy of a graph.
type CacheHead struct {
	Head     int    `json:"head"`
	Revision uint64 `json:"revision"`
}

// Heads answers "what do you have" and acknowledges "this is what I have
// now".
type Heads struct {
	Blobs  blobs.Index          `json:"blobs_head"`
	Caches map[string]CacheHead `json:"cache_heads"`
}

// Equal compares blob head and every cache head.
func (h Heads) Equal(o Heads) bool {
	if h.Blobs != o.Blobs || len(h.Caches) != len(o.Caches) {
		return false
	}
	for name, c := range h.Caches {
		if oc, ok := o.Caches[name]; !ok || oc != c {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (h Heads) Clone() Heads {
	ret := Heads{Blobs: h.Blobs, Caches: make(map[string]CacheHead, len(h.Caches))}
	for k, v := range h.Caches {
		ret.Caches[k] = v
	}
	return ret
}

// After returns the heads a copy at |h| reaches once |u| is applied.
func (h Heads) After(u *Update) Heads {
	ret := h.Clone()
	if u.BlobIndexHi > ret.Blobs {
		ret.Blobs = u.BlobIndexHi
	}
	for _, c := range u.Header.Caches {
		cur := ret.Caches[c.Name]
		if c.IndexHi > cur.Head {
			cur.Head = c.IndexHi
		}
		ret.Caches[c.Name] = cur
	}
	return ret
}

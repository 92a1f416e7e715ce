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

package butler

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// keymutex gives callers exclusive access to a critical section per key.
// Callers with different keys make progress concurrently; a caller arriving
// while its key is held blocks until it is released or its context is done.
type keymutex[K comparable] struct {
	mu     sync.Mutex
	states map[K]*keyState
}

type keyState struct {
	sema    *semaphore.Weighted
	waitCnt int
}

func newKeymutex[K comparable]() *keymutex[K] {
	return &keymutex[K]{states: make(map[K]*keyState)}
}

func (m *keymutex[K]) Lock(ctx context.Context, key K) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[key]
	if !ok {
		state = &keyState{sema: semaphore.NewWeighted(1)}
		m.states[key] = state
	}
	if state.sema.TryAcquire(1) {
		return nil
	}
	state.waitCnt++
	m.mu.Unlock()
	err := state.sema.Acquire(ctx, 1)
	m.mu.Lock()
	state.waitCnt--
	if err != nil && state.waitCnt == 0 && state.sema.TryAcquire(1) {
		// Nobody holds or wants the key any more.
		state.sema.Release(1)
		delete(m.states, key)
	}
	return err
}

func (m *keymutex[K]) Unlock(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.states[key]
	state.sema.Release(1)
	if state.waitCnt == 0 {
		delete(m.states, key)
	}
}

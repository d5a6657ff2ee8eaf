// Copyright 2024 The gVisor Authors.
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

// Package barrier provides a reusable rendezvous point for a fixed number of
// goroutines.
package barrier

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrBroken is returned to parties of a generation that was broken by a
// canceled waiter, a failed action or Reset.
var ErrBroken = errors.New("barrier broken")

type generation struct {
	done   chan struct{}
	broken bool
}

// Barrier releases its parties once all of them have called Wait.
//
// Users:
//
//	b := barrier.New(n, nil)
//	for i := 0; i < n; i++ {
//		go func() {
//			// Per-thread setup.
//			[...]
//			if _, err := b.Wait(ctx); err != nil {
//				return err
//			}
//			// All threads start here together.
//		}()
//	}
type Barrier struct {
	parties int
	action  func() error

	mu    sync.Mutex
	count int
	gen   *generation
}

// New returns a barrier for parties goroutines. If action is not nil, it is
// run by the last arriving party before the others are released.
func New(parties int, action func() error) *Barrier {
	if parties <= 0 {
		panic(fmt.Sprintf("barrier: invalid party count %d", parties))
	}
	return &Barrier{
		parties: parties,
		action:  action,
		gen:     &generation{done: make(chan struct{})},
	}
}

// Parties returns the number of parties.
func (b *Barrier) Parties() int {
	return b.parties
}

// Waiting returns the number of parties blocked in the current generation.
func (b *Barrier) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Broken returns true if the current generation is broken.
func (b *Barrier) Broken() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen.broken
}

// Wait blocks until all parties have arrived. leader is true for the last
// party to arrive; it runs the action and returns its error.
//
// If ctx is canceled first, Wait returns ctx.Err() and the generation is
// broken: every other party returns ErrBroken, as does any later Wait until
// Reset is called.
func (b *Barrier) Wait(ctx context.Context) (leader bool, err error) {
	b.mu.Lock()
	g := b.gen
	if g.broken {
		b.mu.Unlock()
		return false, ErrBroken
	}
	b.count++
	if b.count == b.parties {
		defer b.mu.Unlock()
		if b.action != nil {
			if err := b.action(); err != nil {
				b.breakLocked()
				return true, err
			}
		}
		b.nextLocked()
		return true, nil
	}
	b.mu.Unlock()

	select {
	case <-g.done:
	case <-ctx.Done():
		b.mu.Lock()
		tripped := b.gen != g || g.broken
		if !tripped {
			b.breakLocked()
		}
		b.mu.Unlock()
		if !tripped {
			return false, ctx.Err()
		}
	}
	if g.broken {
		return false, ErrBroken
	}
	return false, nil
}

// Reset breaks the current generation, if any party is waiting, and starts a
// new one.
func (b *Barrier) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.gen.broken && b.count > 0 {
		b.breakLocked()
	}
	b.nextLocked()
}

// breakLocked releases the current generation as broken.
//
// Preconditions: b.mu must be locked.
func (b *Barrier) breakLocked() {
	b.gen.broken = true
	b.count = 0
	close(b.gen.done)
}

// nextLocked releases the current generation, unless already released, and
// starts a new one.
//
// Preconditions: b.mu must be locked.
func (b *Barrier) nextLocked() {
	if !b.gen.broken {
		close(b.gen.done)
	}
	b.count = 0
	b.gen = &generation{done: make(chan struct{})}
}

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

// Package fence provides completion signals for asynchronous GPU work.
//
// Two kinds exist. A Fence is a binary, signal-once object that carries the
// result of the operation it tracks. A UserFence is a 64-bit memory location
// that the producer writes with an agreed value on success; consumers poll
// it. Neither kind supports cancellation of the underlying work: waits are
// bounded by a timeout and abandoning a wait only stops observing it.
package fence

import (
	"context"
	"sync"
	"time"

	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
)

// Infinite is a timeout that never expires.
const Infinite time.Duration = -1

// Waiter is satisfied by anything a queued operation can depend on.
type Waiter interface {
	// Signaled returns true if the dependency is satisfied. It must not
	// block.
	Signaled() bool

	// Wait blocks until the dependency is satisfied, the timeout elapses
	// (ETIME) or ctx is canceled. A dependency that completed with an
	// error returns that error.
	Wait(ctx context.Context, timeout time.Duration) error
}

// Fence is a binary completion signal. The zero value is not usable; call New.
type Fence struct {
	mu       sync.Mutex
	done     chan struct{}
	signaled bool
	err      error
}

// New returns an unsignaled fence.
func New() *Fence {
	return &Fence{done: make(chan struct{})}
}

// NewSignaled returns a fence that has already signaled successfully.
func NewSignaled() *Fence {
	f := New()
	f.Signal(nil)
	return f
}

// Signal completes f with err. Only the first call has any effect; it
// returns false for later calls.
func (f *Fence) Signal(err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signaled {
		return false
	}
	f.signaled = true
	f.err = err
	close(f.done)
	return true
}

// Signaled implements Waiter.Signaled.
func (f *Fence) Signaled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaled
}

// Err returns the error f was signaled with. It is nil for unsignaled fences.
func (f *Fence) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Done returns a channel that is closed when f signals.
func (f *Fence) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Wait implements Waiter.Wait.
func (f *Fence) Wait(ctx context.Context, timeout time.Duration) error {
	done := f.Done()
	var expired <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-done:
		return f.Err()
	case <-expired:
		// Prefer a result that raced with the timer.
		select {
		case <-done:
			return f.Err()
		default:
		}
		return gpuerr.ETIME
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset returns a signaled fence to the unsignaled state so it can be reused.
// Resetting an unsignaled fence returns EBUSY.
func (f *Fence) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.signaled {
		return gpuerr.EBUSY
	}
	f.signaled = false
	f.err = nil
	f.done = make(chan struct{})
	return nil
}

// WaitAll waits for every waiter, sharing a single deadline between them.
// The first error is returned.
func WaitAll(ctx context.Context, timeout time.Duration, ws ...Waiter) error {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for _, w := range ws {
		remaining := Infinite
		if timeout >= 0 {
			if remaining = time.Until(deadline); remaining < 0 {
				remaining = 0
			}
		}
		if err := w.Wait(ctx, remaining); err != nil {
			return err
		}
	}
	return nil
}

// AllSignaled returns true if every waiter is signaled.
func AllSignaled(ws []Waiter) bool {
	for _, w := range ws {
		if !w.Signaled() {
			return false
		}
	}
	return true
}

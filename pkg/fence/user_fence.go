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

package fence

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
	"gvisor.dev/gpuvm/pkg/log"
)

// pollLog reports long user fence waits without flooding the log.
var pollLog = log.BasicRateLimitedLogger(time.Second)

// UserFence is a 64-bit location in memory shared between the producer of a
// completion and its consumers. The producer stores a value on completion;
// consumers poll for it without involving the producer.
type UserFence struct {
	mem []byte
	off uint64
}

// NewUserFence returns a user fence at mem[off:off+8]. off must be 8-byte
// aligned and in bounds.
func NewUserFence(mem []byte, off uint64) (*UserFence, error) {
	if off%8 != 0 || off+8 > uint64(len(mem)) {
		return nil, gpuerr.EINVAL
	}
	return &UserFence{mem: mem, off: off}, nil
}

// Load atomically reads the current value.
func (u *UserFence) Load() uint64 {
	return load64(u.mem, u.off)
}

// Store atomically writes v.
func (u *UserFence) Store(v uint64) {
	store64(u.mem, u.off, v)
}

// String implements fmt.Stringer.String.
func (u *UserFence) String() string {
	return fmt.Sprintf("ufence@%#x", u.off)
}

// Wait polls until the location holds value.
func (u *UserFence) Wait(ctx context.Context, value uint64, timeout time.Duration) error {
	return u.WaitMask(ctx, value, ^uint64(0), timeout)
}

// WaitMask polls until the masked location equals the masked value. The poll
// interval backs off exponentially, capped at 10ms. ETIME is returned once
// timeout elapses and the context's error if it is done first.
func (u *UserFence) WaitMask(ctx context.Context, value, mask uint64, timeout time.Duration) error {
	if u.Load()&mask == value&mask {
		return nil
	}
	start := time.Now()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Microsecond
	b.MaxInterval = 10 * time.Millisecond
	b.MaxElapsedTime = 0
	op := func() error {
		if u.Load()&mask == value&mask {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return &backoff.PermanentError{Err: err}
		}
		if timeout >= 0 && time.Since(start) >= timeout {
			return &backoff.PermanentError{Err: gpuerr.ETIME}
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			pollLog.Debugf("%v: waiting for %#x (mask %#x) for %v, current %#x", u, value, mask, elapsed, u.Load())
		}
		return errNotYet
	}
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if err != errNotYet {
		return err
	}
	// Retry gave up between polls, which only happens when ctx is done.
	if u.Load()&mask == value&mask {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return gpuerr.ETIME
}

var errNotYet = fmt.Errorf("user fence not signaled")

// Waiter returns a Waiter that is satisfied once u holds value.
func (u *UserFence) Waiter(value uint64) Waiter {
	return userWaiter{u: u, value: value}
}

type userWaiter struct {
	u     *UserFence
	value uint64
}

// Signaled implements Waiter.Signaled.
func (w userWaiter) Signaled() bool {
	return w.u.Load() == w.value
}

// Wait implements Waiter.Wait.
func (w userWaiter) Wait(ctx context.Context, timeout time.Duration) error {
	return w.u.Wait(ctx, w.value, timeout)
}

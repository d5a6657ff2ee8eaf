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
	"testing"
	"time"

	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
)

func TestFenceSignalOnce(t *testing.T) {
	f := New()
	if f.Signaled() {
		t.Fatalf("new fence is signaled")
	}
	if !f.Signal(gpuerr.EFAULT) {
		t.Fatalf("first Signal: got false, want true")
	}
	if f.Signal(nil) {
		t.Errorf("second Signal: got true, want false")
	}
	if err := f.Wait(context.Background(), Infinite); !gpuerr.Equals(gpuerr.EFAULT, err) {
		t.Errorf("Wait: got %v, want EFAULT", err)
	}
}

func TestFenceTimeout(t *testing.T) {
	f := New()
	start := time.Now()
	if err := f.Wait(context.Background(), 10*time.Millisecond); !gpuerr.Equals(gpuerr.ETIME, err) {
		t.Errorf("Wait: got %v, want ETIME", err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("Wait returned after %v, before the timeout", elapsed)
	}
}

func TestFenceContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := New().Wait(ctx, Infinite); err != context.Canceled {
		t.Errorf("Wait: got %v, want %v", err, context.Canceled)
	}
}

func TestFenceReset(t *testing.T) {
	f := New()
	if err := f.Reset(); !gpuerr.Equals(gpuerr.EBUSY, err) {
		t.Errorf("Reset(unsignaled): got %v, want EBUSY", err)
	}
	f.Signal(nil)
	if err := f.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if f.Signaled() {
		t.Errorf("Signaled after Reset: got true, want false")
	}
	go f.Signal(nil)
	if err := f.Wait(context.Background(), time.Second); err != nil {
		t.Errorf("Wait after Reset: %v", err)
	}
}

func TestUserFence(t *testing.T) {
	mem := make([]byte, 64)
	if _, err := NewUserFence(mem, 4); !gpuerr.Equals(gpuerr.EINVAL, err) {
		t.Errorf("NewUserFence(misaligned): got %v, want EINVAL", err)
	}
	if _, err := NewUserFence(mem, 64); !gpuerr.Equals(gpuerr.EINVAL, err) {
		t.Errorf("NewUserFence(out of bounds): got %v, want EINVAL", err)
	}
	u, err := NewUserFence(mem, 8)
	if err != nil {
		t.Fatalf("NewUserFence: %v", err)
	}
	const value = 0xdeadbeefdeadbeef
	if err := u.Wait(context.Background(), value, 5*time.Millisecond); !gpuerr.Equals(gpuerr.ETIME, err) {
		t.Errorf("Wait before store: got %v, want ETIME", err)
	}
	go func() {
		time.Sleep(5 * time.Millisecond)
		u.Store(value)
	}()
	if err := u.Wait(context.Background(), value, time.Second); err != nil {
		t.Errorf("Wait: %v", err)
	}
	if err := u.WaitMask(context.Background(), 0xef, 0xff, 0); err != nil {
		t.Errorf("WaitMask: %v", err)
	}
}

func TestUserFenceContext(t *testing.T) {
	u, err := NewUserFence(make([]byte, 8), 0)
	if err != nil {
		t.Fatalf("NewUserFence: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := u.Wait(ctx, 1, Infinite); err != context.Canceled {
		t.Errorf("Wait(canceled): got %v, want %v", err, context.Canceled)
	}

	// Cancel while the poll loop is sleeping between reads.
	ctx, cancel = context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	if err := u.Wait(ctx, 1, Infinite); err != context.Canceled {
		t.Errorf("Wait canceled while polling: got %v, want %v", err, context.Canceled)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := u.Waiter(1).Wait(ctx, Infinite); err != context.DeadlineExceeded {
		t.Errorf("Waiter.Wait past deadline: got %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestSplit(t *testing.T) {
	f1, f2 := New(), New()
	u, _ := NewUserFence(make([]byte, 8), 0)
	waits, signals, err := Split([]Sync{WaitFence(f1), SignalFence(f2), SignalUser(u, 7)})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(waits) != 1 || len(signals) != 2 {
		t.Fatalf("Split: got %d waits and %d signals, want 1 and 2", len(waits), len(signals))
	}
	SignalAll(signals, nil)
	if !f2.Signaled() || u.Load() != 7 {
		t.Errorf("SignalAll: fence signaled %v, user fence %d", f2.Signaled(), u.Load())
	}
	if _, _, err := Split([]Sync{{Kind: KindBinary}}); !gpuerr.Equals(gpuerr.EINVAL, err) {
		t.Errorf("Split(missing fence): got %v, want EINVAL", err)
	}
}

func TestSignalAllErrorSkipsUserFence(t *testing.T) {
	u, _ := NewUserFence(make([]byte, 8), 0)
	f := New()
	SignalAll([]Sync{SignalUser(u, 1), SignalFence(f)}, gpuerr.EFAULT)
	if u.Load() != 0 {
		t.Errorf("user fence written on error: %d", u.Load())
	}
	if !gpuerr.Equals(gpuerr.EFAULT, f.Err()) {
		t.Errorf("fence error: got %v, want EFAULT", f.Err())
	}
}

func TestWaitAll(t *testing.T) {
	a, b := NewSignaled(), New()
	if err := WaitAll(context.Background(), 5*time.Millisecond, a, b); !gpuerr.Equals(gpuerr.ETIME, err) {
		t.Errorf("WaitAll: got %v, want ETIME", err)
	}
	b.Signal(nil)
	if err := WaitAll(context.Background(), Infinite, a, b); err != nil {
		t.Errorf("WaitAll: %v", err)
	}
	if !AllSignaled([]Waiter{a, b}) {
		t.Errorf("AllSignaled: got false, want true")
	}
}

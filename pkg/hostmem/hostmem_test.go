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

package hostmem

import (
	"testing"

	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
)

type recordingNotifier struct {
	got []Range
}

func (n *recordingNotifier) Invalidate(r Range) {
	n.got = append(n.got, r)
}

func TestMapRoundsUp(t *testing.T) {
	r, err := Map(100)
	if err != nil {
		t.Fatalf("Map(100): %v", err)
	}
	defer r.Unmap()
	if got, want := r.Len(), uint64(PageSize); got != want {
		t.Errorf("Len: got %d, want %d", got, want)
	}
	b := r.Bytes()
	b[0], b[PageSize-1] = 1, 2
}

func TestRemapZeroesAndNotifies(t *testing.T) {
	as := NewAddressSpace()
	n := &recordingNotifier{}
	as.Register(n)

	r, err := as.Map(2 * PageSize)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer r.Unmap()
	r.Bytes()[PageSize] = 0xaa

	if err := r.Remap(); err != nil {
		t.Fatalf("Remap: %v", err)
	}
	if got := r.Bytes()[PageSize]; got != 0 {
		t.Errorf("byte after Remap: got %#x, want 0", got)
	}
	if len(n.got) != 1 || n.got[0] != r.Range() {
		t.Errorf("notifications: got %v, want [%v]", n.got, r.Range())
	}

	as.Unregister(n)
	if err := r.Remap(); err != nil {
		t.Fatalf("Remap: %v", err)
	}
	if len(n.got) != 1 {
		t.Errorf("notified after Unregister: %v", n.got)
	}
}

func TestPin(t *testing.T) {
	r, err := Map(4 * PageSize)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if _, err := Pin(r.Addr(), r.Len()); err != nil {
		t.Errorf("Pin(mapped): got %v, want nil", err)
	}
	addr, length := r.Addr(), r.Len()
	if err := r.Unmap(); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, err := Pin(addr, length); !gpuerr.Equals(gpuerr.EFAULT, err) {
		t.Errorf("Pin(unmapped): got %v, want EFAULT", err)
	}
	if err := r.Unmap(); !gpuerr.Equals(gpuerr.EALREADY, err) {
		t.Errorf("second Unmap: got %v, want EALREADY", err)
	}
	if r.Bytes() != nil {
		t.Errorf("Bytes after Unmap: got non-nil")
	}
}

func TestResidentPages(t *testing.T) {
	r, err := Map(4 * PageSize)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer r.Unmap()
	b := r.Bytes()
	b[0] = 1
	b[2*PageSize] = 1
	n, err := ResidentPages(r.Addr(), r.Len())
	if err != nil {
		t.Fatalf("ResidentPages: %v", err)
	}
	if n < 2 {
		t.Errorf("ResidentPages after touching 2 pages: got %d, want >= 2", n)
	}
}

func TestPinHole(t *testing.T) {
	r, err := Map(4 * PageSize)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer r.Unmap()
	// Punch out the third page behind the region's back.
	if err := munmap(r.Addr()+2*PageSize, PageSize); err != nil {
		t.Fatalf("munmap: %v", err)
	}
	if _, err := Pin(r.Addr(), 2*PageSize); err != nil {
		t.Errorf("Pin(mapped prefix): got %v, want nil", err)
	}
	if _, err := Pin(r.Addr()+PageSize, 2*PageSize); !gpuerr.Equals(gpuerr.EFAULT, err) {
		t.Errorf("Pin(across hole): got %v, want EFAULT", err)
	}
	if _, err := ResidentPages(r.Addr(), r.Len()); !gpuerr.Equals(gpuerr.EFAULT, err) {
		t.Errorf("ResidentPages(across hole): got %v, want EFAULT", err)
	}
	if n, err := ResidentPages(r.Addr(), 0); n != 0 || err != nil {
		t.Errorf("ResidentPages(empty): got (%d, %v), want (0, nil)", n, err)
	}
}

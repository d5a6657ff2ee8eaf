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

package vm

import (
	"fmt"

	"gvisor.dev/gpuvm/pkg/hostmem"
	"gvisor.dev/gpuvm/pkg/log"
)

// Userptr is host memory referenced by a userptr mapping. The VM never owns
// the memory; it only holds the address range.
type Userptr struct {
	addr   uintptr
	length uint64
	mem    []byte
}

// pinUserptr checks that the host range is mapped and returns a Userptr
// for it.
func pinUserptr(addr uintptr, length uint64) (*Userptr, error) {
	mem, err := hostmem.Pin(addr, length)
	if err != nil {
		return nil, err
	}
	return &Userptr{addr: addr, length: length, mem: mem}, nil
}

// pin checks that the host range is still mapped.
func (u *Userptr) pin() error {
	_, err := hostmem.Pin(u.addr, u.length)
	return err
}

// Bytes implements pagetables.Memory.Bytes.
func (u *Userptr) Bytes() []byte {
	return u.mem
}

// Size implements Backing.Size.
func (u *Userptr) Size() uint64 {
	return u.length
}

// Kind implements Backing.Kind.
func (u *Userptr) Kind() BackingKind {
	return BackingUserptr
}

// Addr returns the host address.
func (u *Userptr) Addr() uintptr {
	return u.addr
}

// String implements Backing.String.
func (u *Userptr) String() string {
	return fmt.Sprintf("userptr %#x+%#x", u.addr, u.length)
}

// hostRange returns the host range behind x.
func (x *vma) hostRange() hostmem.Range {
	u := x.backing.(*Userptr)
	start := u.addr + uintptr(x.offset)
	return hostmem.Range{Start: start, End: start + uintptr(x.ar.Length())}
}

// Invalidate implements hostmem.Notifier.Invalidate. Userptr mappings
// overlapping r lose their translations until revalidated or rebound.
func (v *VM) Invalidate(r hostmem.Range) {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	v.vmas.Ascend(func(x *vma) bool {
		if x.kind != OpMapUserptr || x.invalidated || !x.hostRange().Overlaps(r) {
			return true
		}
		v.depopulateLocked(x)
		x.invalidated = true
		n++
		return true
	})
	if n > 0 {
		log.Debugf("%v: invalidated %d userptr mappings for host range %v", v, n, r)
	}
}

// RevalidateUserptrs restores the translations of invalidated userptr
// mappings whose host memory is mapped again. Mappings that still have no
// host memory stay invalidated and the first such error (EFAULT) is
// returned.
func (v *VM) RevalidateUserptrs() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	var firstErr error
	v.vmas.Ascend(func(x *vma) bool {
		if !x.invalidated {
			return true
		}
		if err := v.revalidateLocked(x); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// revalidateLocked re-pins x and restores its translations.
//
// Preconditions: v.mu must be locked. x is a userptr mapping.
func (v *VM) revalidateLocked(x *vma) error {
	hr := x.hostRange()
	if _, err := hostmem.Pin(hr.Start, hr.Length()); err != nil {
		return err
	}
	x.invalidated = false
	if !v.FaultMode() && x.state != Errored {
		v.populateLocked(x)
	}
	return nil
}

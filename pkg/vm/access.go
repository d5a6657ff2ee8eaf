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
	"encoding/binary"
	"time"

	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
	"gvisor.dev/gpuvm/pkg/gpuarch"
	"gvisor.dev/gpuvm/pkg/log"
	"gvisor.dev/gpuvm/pkg/pagetables"
)

var faultLog = log.BasicRateLimitedLogger(time.Second)

// ReadAt reads len(p) bytes at addr as the GPU would.
//
// Unbound addresses fault with EFAULT, unless the VM has a scratch page
// (reads return zero) or is in fault mode with a mapping covering the
// address (the translation is populated on demand).
func (v *VM) ReadAt(addr gpuarch.Addr, p []byte) error {
	return v.access(addr, p, false)
}

// WriteAt writes p at addr as the GPU would. Writes through read-only
// mappings fault; writes to null mappings and scratch pages are dropped.
func (v *VM) WriteAt(addr gpuarch.Addr, p []byte) error {
	return v.access(addr, p, true)
}

// Read32 reads a little-endian dword at addr.
func (v *VM) Read32(addr gpuarch.Addr) (uint32, error) {
	var b [4]byte
	if err := v.ReadAt(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// Write32 writes a little-endian dword at addr.
func (v *VM) Write32(addr gpuarch.Addr, val uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], val)
	return v.WriteAt(addr, b[:])
}

func (v *VM) access(addr gpuarch.Addr, p []byte, write bool) error {
	if end, ok := addr.AddLength(uint64(len(p))); !ok || end > gpuarch.MaxAddr {
		return v.fault(addr, write)
	}
	for len(p) > 0 {
		n := gpuarch.PageSize - int(addr.PageOffset())
		if n > len(p) {
			n = len(p)
		}
		if err := v.accessPage(addr, p[:n], write); err != nil {
			return err
		}
		p = p[n:]
		addr += gpuarch.Addr(n)
	}
	return nil
}

// accessPage accesses p, which lies within one page at addr. The read lock
// is held only for the access itself, so a concurrent unbind of another
// range never observes or disturbs it.
func (v *VM) accessPage(addr gpuarch.Addr, p []byte, write bool) error {
	for retried := false; ; retried = true {
		v.mu.RLock()
		if v.closed {
			v.mu.RUnlock()
			return gpuerr.ENOENT
		}
		if t, opts, ok := v.pt.Lookup(addr); ok {
			ok = copyPage(t, opts, p, write)
			v.mu.RUnlock()
			if !ok {
				return v.fault(addr, write)
			}
			return nil
		}
		v.mu.RUnlock()

		if v.FaultMode() && !retried && v.handleFault(addr) {
			continue
		}
		if v.flags&CreateScratchPage != 0 {
			if !write {
				clear(p)
			}
			return nil
		}
		return v.fault(addr, write)
	}
}

// copyPage copies between p and the target of a translation. It returns
// false for accesses the translation does not permit.
func copyPage(t pagetables.Target, opts pagetables.MapOpts, p []byte, write bool) bool {
	if write && opts.ReadOnly {
		return false
	}
	if opts.Null {
		if !write {
			clear(p)
		}
		return true
	}
	mem := t.Mem.Bytes()
	if t.Offset+uint64(len(p)) > uint64(len(mem)) {
		return false
	}
	if write {
		copy(mem[t.Offset:], p)
	} else {
		copy(p, mem[t.Offset:])
	}
	return true
}

// handleFault populates the translation of the mapping containing addr. It
// returns false if there is no such mapping or it cannot be populated.
func (v *VM) handleFault(addr gpuarch.Addr) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	x := v.findLocked(addr)
	if x == nil || x.state == Errored {
		return false
	}
	if x.populated {
		return true
	}
	if x.invalidated {
		if err := v.revalidateLocked(x); err != nil {
			return false
		}
	}
	if p, ok := x.backing.(Populator); ok {
		if err := p.Populate(); err != nil {
			log.Infof("%v: fault at %v: cannot populate %v: %v", v, addr, x.backing, err)
			return false
		}
	}
	v.populateLocked(x)
	return true
}

// fault reports a GPU page fault.
func (v *VM) fault(addr gpuarch.Addr, write bool) error {
	v.metrics.GPUFault()
	access := "read"
	if write {
		access = "write"
	}
	faultLog.Infof("%v: GPU page fault on %s at %v", v, access, addr)
	return gpuerr.EFAULT
}

// Resolve returns the lowest GPU address at which offset of b is mapped.
// ENOENT is returned if no mapping covers it.
func (v *VM) Resolve(b Backing, offset uint64) (gpuarch.Addr, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var (
		addr  gpuarch.Addr
		found bool
	)
	v.vmas.Ascend(func(x *vma) bool {
		if x.backing != b || x.state == Errored {
			return true
		}
		if offset >= x.offset && offset-x.offset < x.ar.Length() {
			addr = x.ar.Start + gpuarch.Addr(offset-x.offset)
			found = true
			return false
		}
		return true
	})
	if !found {
		return 0, gpuerr.ENOENT
	}
	return addr, nil
}

// Lookup returns the mapping containing addr.
func (v *VM) Lookup(addr gpuarch.Addr) (Mapping, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if x := v.findLocked(addr); x != nil {
		return x.snapshot(), true
	}
	return Mapping{}, false
}

// Mappings returns all mappings in address order.
func (v *VM) Mappings() []Mapping {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ms := make([]Mapping, 0, v.vmas.Len())
	v.vmas.Ascend(func(x *vma) bool {
		ms = append(ms, x.snapshot())
		return true
	})
	return ms
}

// Stats summarize the address space.
type Stats struct {
	Mappings       int
	Userptrs       int
	Invalidated    int
	Populated      int
	BoundBytes     uint64
	PageTableNodes int
}

// Stats returns a summary of the address space.
func (v *VM) Stats() Stats {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s := Stats{
		Mappings:       v.vmas.Len(),
		PageTableNodes: v.pt.Nodes(),
	}
	v.vmas.Ascend(func(x *vma) bool {
		s.BoundBytes += x.ar.Length()
		if x.kind == OpMapUserptr {
			s.Userptrs++
		}
		if x.invalidated {
			s.Invalidated++
		}
		if x.populated {
			s.Populated++
		}
		return true
	})
	return s
}

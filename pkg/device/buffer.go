// Copyright 2023 The gVisor Authors.
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

package device

import (
	"fmt"
	"sync"

	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
	"gvisor.dev/gpuvm/pkg/hostmem"
	"gvisor.dev/gpuvm/pkg/log"
	"gvisor.dev/gpuvm/pkg/vm"
)

// BufferFlags are buffer creation flags.
type BufferFlags uint32

// Buffer creation flags.
const (
	// DeferBacking postpones charging the buffer against its region until
	// it is first bound. The bind fails with ENOSPC if the region is full
	// at that point.
	DeferBacking BufferFlags = 1 << iota

	// NeedsCPUAccess marks a VRAM buffer that the host maps. It is
	// accepted for compatibility; every buffer is host visible here.
	NeedsCPUAccess
)

var bufferFlagNames = []string{"DEFER_BACKING", "NEEDS_CPU_ACCESS"}

// String implements fmt.Stringer.String.
func (f BufferFlags) String() string {
	return flagString(uint32(f), bufferFlagNames)
}

const bufferFlagsMask = DeferBacking | NeedsCPUAccess

// pool is the accounting of one memory region.
type pool struct {
	limit uint64
	used  uint64
}

func (p *pool) charge(size uint64) bool {
	if p.limit != 0 && p.used+size > p.limit {
		return false
	}
	p.used += size
	return true
}

func (p *pool) uncharge(size uint64) {
	if size > p.used {
		log.Traceback("device: uncharging %#x bytes with %#x in use", size, p.used)
		size = p.used
	}
	p.used -= size
}

// Buffer is a buffer object. It implements vm.Backing, vm.Populator,
// vm.Referencer and vm.Migrator, and can be bound into VMs.
type Buffer struct {
	object

	// vm is the VM the buffer is private to, or nil for a shared buffer.
	vm *vm.VM

	size  uint64
	flags BufferFlags
	mem   *hostmem.Region

	// mu protects the fields below.
	mu sync.Mutex

	// region is where the buffer currently lives.
	region vm.Region

	// charged is set once size has been charged against region.
	charged bool

	// refs counts mappings of the buffer.
	refs int

	// closed is set once the buffer object is freed. The memory is
	// released when both closed is set and refs drops to zero.
	closed   bool
	released bool
}

// CreateBuffer creates a buffer of at least size bytes in region r. If v is
// not nil the buffer is private to v and is freed along with it.
func (d *Device) CreateBuffer(v *vm.VM, size uint64, r vm.Region, flags BufferFlags) (*Buffer, error) {
	if size == 0 || flags&^bufferFlagsMask != 0 {
		return nil, gpuerr.EINVAL
	}
	if r != vm.RegionSystem && r != vm.RegionVRAM {
		return nil, gpuerr.EINVAL
	}
	if r == vm.RegionVRAM && !d.platform.HasVRAM {
		return nil, fmt.Errorf("%s has no VRAM: %w", d.platform.Name, gpuerr.EINVAL)
	}
	size = (size + hostmem.PageSize - 1) &^ (hostmem.PageSize - 1)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, gpuerr.ENODEV
	}
	var parent *object
	if v != nil {
		o, ok := d.objGet(Handle(v.ID()), ClassVM)
		if !ok || o.impl.(*vmObject).vm != v {
			return nil, gpuerr.ENOENT
		}
		parent = o
	}

	b := &Buffer{
		vm:     v,
		size:   size,
		flags:  flags,
		region: r,
	}
	if flags&DeferBacking == 0 {
		if err := d.charge(r, size); err != nil {
			return nil, err
		}
		b.charged = true
	}
	mem, err := hostmem.Map(size)
	if err != nil {
		if b.charged {
			d.uncharge(r, size)
		}
		return nil, err
	}
	b.mem = mem
	d.objAdd(d.newHandle(), ClassBuffer, b, parent)
	log.Debugf("%v: created %v", d, b)
	return b, nil
}

// CloseBuffer frees b. Its memory is released once no VM maps it.
func (d *Device) CloseBuffer(b *Buffer) error {
	d.mu.Lock()
	o, ok := d.objGet(b.handle, ClassBuffer)
	if !ok || o.impl != objectImpl(b) {
		d.mu.Unlock()
		return gpuerr.ENOENT
	}
	fs := d.objFree(b.handle)
	d.mu.Unlock()
	runAll(fs)
	return nil
}

// MapBuffer returns the host view of b.
func (d *Device) MapBuffer(b *Buffer) ([]byte, error) {
	d.mu.Lock()
	_, ok := d.objGet(b.handle, ClassBuffer)
	d.mu.Unlock()
	if !ok {
		return nil, gpuerr.ENOENT
	}
	return b.Bytes(), nil
}

// Release implements objectImpl.Release.
func (b *Buffer) Release() func() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.maybeRelease
}

// maybeRelease returns the memory of b once it is closed and unmapped.
func (b *Buffer) maybeRelease() {
	b.mu.Lock()
	if !b.closed || b.refs > 0 || b.released {
		b.mu.Unlock()
		return
	}
	b.released = true
	charged := b.charged
	b.charged = false
	b.mu.Unlock()

	if charged {
		b.dev.uncharge(b.region, b.size)
	}
	if err := b.mem.Unmap(); err != nil {
		log.Warningf("%v: unmap: %v", b, err)
	}
}

// Bytes implements pagetables.Memory.Bytes.
func (b *Buffer) Bytes() []byte {
	return b.mem.Bytes()
}

// Size implements vm.Backing.Size.
func (b *Buffer) Size() uint64 {
	return b.size
}

// Kind implements vm.Backing.Kind.
func (*Buffer) Kind() vm.BackingKind {
	return vm.BackingBuffer
}

// Flags returns the creation flags.
func (b *Buffer) Flags() BufferFlags {
	return b.flags
}

// VM returns the VM b is private to, or nil.
func (b *Buffer) VM() *vm.VM {
	return b.vm
}

// Region returns the region b currently lives in.
func (b *Buffer) Region() vm.Region {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.region
}

// String implements vm.Backing.String.
func (b *Buffer) String() string {
	return fmt.Sprintf("buffer %d (%#x bytes)", b.handle, b.size)
}

// Populate implements vm.Populator.Populate. A deferred buffer is charged
// against its region on first use.
func (b *Buffer) Populate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return gpuerr.ENOENT
	}
	if b.charged {
		return nil
	}
	if err := b.dev.charge(b.region, b.size); err != nil {
		return fmt.Errorf("backing %v: %w", b, gpuerr.ENOSPC)
	}
	b.charged = true
	return nil
}

// Migrate implements vm.Migrator.Migrate.
func (b *Buffer) Migrate(r vm.Region) error {
	if r == vm.RegionVRAM && !b.dev.platform.HasVRAM {
		return gpuerr.EINVAL
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if r == b.region {
		return nil
	}
	if b.charged {
		if err := b.dev.charge(r, b.size); err != nil {
			return err
		}
		b.dev.uncharge(b.region, b.size)
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("%v: migrated from %v to %v", b, b.region, r)
	}
	b.region = r
	return nil
}

// IncRef implements vm.Referencer.IncRef.
func (b *Buffer) IncRef() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs++
}

// DecRef implements vm.Referencer.DecRef.
func (b *Buffer) DecRef() {
	b.mu.Lock()
	b.refs--
	if b.refs < 0 {
		b.mu.Unlock()
		panic(fmt.Sprintf("%v: negative reference count", b))
	}
	b.mu.Unlock()
	b.maybeRelease()
}

// charge accounts size bytes to r.
func (d *Device) charge(r vm.Region, size uint64) error {
	d.memMu.Lock()
	defer d.memMu.Unlock()
	if !d.pools[r].charge(size) {
		return fmt.Errorf("%v full: %#x of %#x bytes in use: %w", r, d.pools[r].used, d.pools[r].limit, gpuerr.ENOMEM)
	}
	return nil
}

func (d *Device) uncharge(r vm.Region, size uint64) {
	d.memMu.Lock()
	defer d.memMu.Unlock()
	d.pools[r].uncharge(size)
}

// MemoryUsed returns the bytes charged to r.
func (d *Device) MemoryUsed(r vm.Region) uint64 {
	d.memMu.Lock()
	defer d.memMu.Unlock()
	return d.pools[r].used
}

// MemoryLimit returns the size of r, or zero if r is unlimited.
func (d *Device) MemoryLimit(r vm.Region) uint64 {
	d.memMu.Lock()
	defer d.memMu.Unlock()
	return d.pools[r].limit
}

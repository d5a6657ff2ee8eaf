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

// Package device is a software GPU device. It owns VMs, exec queues and
// buffer objects, and executes batch buffers with a command streamer that
// reads and writes memory through the VM of the submitting queue.
//
// Objects are tracked in a handle table. Objects record what they depend on,
// and freeing an object frees everything that depends on it first: freeing a
// VM frees its exec queues and VM-private buffers.
package device

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"gvisor.dev/gpuvm/pkg/cleanup"
	"gvisor.dev/gpuvm/pkg/encoder"
	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
	"gvisor.dev/gpuvm/pkg/log"
	"gvisor.dev/gpuvm/pkg/platform"
	"gvisor.dev/gpuvm/pkg/vm"
)

// DefaultVRAMSize is the VRAM size of discrete platforms when Opts.VRAMSize
// is zero.
const DefaultVRAMSize = 4 << 30

// Opts configure a Device.
type Opts struct {
	// Platform is the emulated GPU.
	Platform platform.Platform

	// VRAMSize limits VRAM allocations. Zero selects DefaultVRAMSize on
	// platforms with VRAM.
	VRAMSize uint64

	// SystemSize limits system memory allocations. Zero means unlimited.
	SystemSize uint64

	// LockPath, if set, is locked exclusively for the lifetime of the
	// device. Open fails with EBUSY if another device holds it.
	LockPath string

	// QueueCapacity is the ring capacity of bind and exec queues. Zero
	// selects sched.DefaultCapacity.
	QueueCapacity int

	// Metrics receives VM and queue events. It may be nil.
	Metrics vm.Metrics
}

// Device is a GPU device.
type Device struct {
	id       uuid.UUID
	platform platform.Platform
	capacity int
	metrics  vm.Metrics
	lock     *flock.Flock

	// mu protects the object table.
	mu         sync.Mutex
	objects    map[Handle]*object
	nextHandle Handle
	closed     bool

	// memMu protects pools. It is never held while acquiring mu.
	memMu sync.Mutex
	pools [2]pool
}

// Open creates a device.
func Open(opts Opts) (*Device, error) {
	if opts.Platform.Name == "" {
		return nil, fmt.Errorf("no platform: %w", gpuerr.EINVAL)
	}
	d := &Device{
		platform: opts.Platform,
		capacity: opts.QueueCapacity,
		metrics:  opts.Metrics,
		objects:  make(map[Handle]*object),
	}
	d.pools[vm.RegionSystem].limit = opts.SystemSize
	if opts.Platform.HasVRAM {
		d.pools[vm.RegionVRAM].limit = opts.VRAMSize
		if opts.VRAMSize == 0 {
			d.pools[vm.RegionVRAM].limit = DefaultVRAMSize
		}
	}

	cu := cleanup.Make(func() {})
	defer cu.Clean()
	if opts.LockPath != "" {
		l := flock.NewFlock(opts.LockPath)
		ok, err := l.TryLock()
		if err != nil {
			return nil, fmt.Errorf("locking %q: %w", opts.LockPath, err)
		}
		if !ok {
			return nil, fmt.Errorf("device lock %q held: %w", opts.LockPath, gpuerr.EBUSY)
		}
		cu.Add(func() { _ = l.Unlock() })
		d.lock = l
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generating device ID: %w", err)
	}
	d.id = id
	cu.Release()
	log.Infof("%v: opened, vram %#x, system %#x", d, d.pools[vm.RegionVRAM].limit, d.pools[vm.RegionSystem].limit)
	return d, nil
}

// ID returns the device UUID.
func (d *Device) ID() uuid.UUID {
	return d.id
}

// Platform returns the emulated platform.
func (d *Device) Platform() platform.Platform {
	return d.platform
}

// String implements fmt.Stringer.String.
func (d *Device) String() string {
	return fmt.Sprintf("device %s/%s", d.platform.Name, d.id.String()[:8])
}

// Encoder returns an encoder for the device platform that resolves buffers
// through v.
func (d *Device) Encoder(v *vm.VM) *encoder.Encoder {
	return encoder.New(d.platform, v)
}

// vmObject is a VM in the object table.
type vmObject struct {
	object
	vm *vm.VM
}

// Release implements objectImpl.Release.
func (o *vmObject) Release() func() {
	return func() {
		if err := o.vm.Close(); err != nil {
			log.Warningf("device: closing %v: %v", o.vm, err)
		}
	}
}

// CreateVM creates a VM. The VM ID is its handle.
func (d *Device) CreateVM(flags vm.CreateFlags) (*vm.VM, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, gpuerr.ENODEV
	}
	h := d.newHandle()
	v, err := vm.New(vm.Opts{
		ID:            uint32(h),
		Flags:         flags,
		QueueCapacity: d.capacity,
		Metrics:       d.metrics,
	})
	if err != nil {
		return nil, err
	}
	d.objAdd(h, ClassVM, &vmObject{vm: v})
	return v, nil
}

// VM returns the VM with the given ID.
func (d *Device) VM(id uint32) (*vm.VM, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.objGet(Handle(id), ClassVM)
	if !ok {
		return nil, gpuerr.ENOENT
	}
	return o.impl.(*vmObject).vm, nil
}

// DestroyVM destroys the VM with the given ID along with its exec queues and
// private buffers. ENOENT is returned for unknown or destroyed IDs.
func (d *Device) DestroyVM(id uint32) error {
	d.mu.Lock()
	if _, ok := d.objGet(Handle(id), ClassVM); !ok {
		d.mu.Unlock()
		return gpuerr.ENOENT
	}
	fs := d.objFree(Handle(id))
	d.mu.Unlock()
	runAll(fs)
	return nil
}

// Objects returns the number of live objects of each class.
func (d *Device) Objects() map[Class]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := make(map[Class]int)
	for _, o := range d.objects {
		m[o.class]++
	}
	return m
}

// objectsLocked returns the live objects of class c in handle order.
//
// Precondition: d.mu must be locked.
func (d *Device) objectsLocked(c Class) []*object {
	var os []*object
	for _, o := range d.objects {
		if o.class == c {
			os = append(os, o)
		}
	}
	sort.Slice(os, func(i, j int) bool { return os[i].handle < os[j].handle })
	return os
}

// Reset models a GPU reset. Every exec queue and bind queue fails its
// pending work with ECANCELED and enters the error state.
func (d *Device) Reset() {
	d.mu.Lock()
	var vms []*vm.VM
	for _, o := range d.objectsLocked(ClassVM) {
		vms = append(vms, o.impl.(*vmObject).vm)
	}
	var queues []*ExecQueue
	for _, o := range d.objectsLocked(ClassExecQueue) {
		queues = append(queues, o.impl.(*ExecQueue))
	}
	d.mu.Unlock()

	log.Warningf("%v: reset, %d VMs and %d exec queues", d, len(vms), len(queues))
	for _, q := range queues {
		q.q.Reset(gpuerr.ECANCELED)
	}
	for _, v := range vms {
		v.Reset()
	}
}

// Close frees every object and releases the device lock. Further object
// creation fails with ENODEV.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return gpuerr.ENODEV
	}
	d.closed = true
	var fs []func()
	for _, c := range []Class{ClassVM, ClassExecQueue, ClassBuffer} {
		for _, o := range d.objectsLocked(c) {
			if _, ok := d.objects[o.handle]; ok {
				fs = append(fs, d.objFree(o.handle)...)
			}
		}
	}
	d.mu.Unlock()
	runAll(fs)

	log.Infof("%v: closed", d)
	if d.lock != nil {
		return d.lock.Unlock()
	}
	return nil
}

func flagString(f uint32, names []string) string {
	if f == 0 {
		return "0"
	}
	s := ""
	for i, name := range names {
		if f&(1<<i) == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += name
		f &^= 1 << i
	}
	if f != 0 {
		if s != "" {
			s += "|"
		}
		s += fmt.Sprintf("%#x", f)
	}
	return s
}

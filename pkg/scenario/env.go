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

package scenario

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"gvisor.dev/gpuvm/pkg/cleanup"
	"gvisor.dev/gpuvm/pkg/device"
	"gvisor.dev/gpuvm/pkg/encoder"
	"gvisor.dev/gpuvm/pkg/fence"
	"gvisor.dev/gpuvm/pkg/gpuarch"
	"gvisor.dev/gpuvm/pkg/hostmem"
	"gvisor.dev/gpuvm/pkg/metric"
	"gvisor.dev/gpuvm/pkg/vm"
)

// Layout of the per-page record used by the store scenarios:
//
//	struct {
//		batch [16]uint32
//		pad   uint64
//		data  uint32
//	}
const (
	page       = gpuarch.PageSize
	batchBytes = 64
	dataOff    = 72
	recordSize = 80

	// magic is the value written by store batches.
	magic = 0xc0ffee
)

// Env is the state of one running scenario.
type Env struct {
	ctx     context.Context
	dev     *device.Device
	timeout time.Duration
	metrics *metric.Metrics
	cu      cleanup.Cleanup
}

func newEnv(ctx context.Context, dev *device.Device, opts Options) *Env {
	e := &Env{
		ctx:     ctx,
		dev:     dev,
		timeout: opts.Timeout,
		metrics: opts.Metrics,
	}
	if e.timeout == 0 {
		e.timeout = DefaultTimeout
	}
	return e
}

// Context returns the context of the run.
func (e *Env) Context() context.Context {
	return e.ctx
}

// Device returns the device under test.
func (e *Env) Device() *device.Device {
	return e.dev
}

func (e *Env) cleanup() {
	e.cu.Clean()
}

// region returns VRAM when the device has it and system memory otherwise.
func (e *Env) region() vm.Region {
	if e.dev.Platform().HasVRAM {
		return vm.RegionVRAM
	}
	return vm.RegionSystem
}

func (e *Env) createVM(flags vm.CreateFlags) (*vm.VM, error) {
	v, err := e.dev.CreateVM(flags)
	if err != nil {
		return nil, fmt.Errorf("CreateVM(%v): %w", flags, err)
	}
	e.cu.Add(func() { _ = e.dev.DestroyVM(v.ID()) })
	return v, nil
}

func (e *Env) createBuffer(v *vm.VM, size uint64, flags device.BufferFlags) (*device.Buffer, error) {
	b, err := e.dev.CreateBuffer(v, size, e.region(), flags)
	if err != nil {
		return nil, fmt.Errorf("CreateBuffer(%#x, %v): %w", size, flags, err)
	}
	e.cu.Add(func() { _ = e.dev.CloseBuffer(b) })
	return b, nil
}

func (e *Env) execQueue(v *vm.VM) (*device.ExecQueue, error) {
	q, err := e.dev.CreateExecQueue(v, device.EngineCopy)
	if err != nil {
		return nil, fmt.Errorf("CreateExecQueue on %v: %w", v, err)
	}
	e.cu.Add(func() { _ = e.dev.DestroyExecQueue(q) })
	return q, nil
}

// hostMap maps host memory for userptr bindings. The memory belongs to the
// process address space, so remapping it invalidates userptr mappings.
func (e *Env) hostMap(size uint64) (*hostmem.Region, error) {
	r, err := hostmem.Process().Map(size)
	if err != nil {
		return nil, fmt.Errorf("mapping %#x host bytes: %w", size, err)
	}
	e.cu.Add(func() { _ = r.Unmap() })
	return r, nil
}

func (e *Env) wait(what string, w fence.Waiter) error {
	var err error
	if e.metrics != nil {
		err = e.metrics.Wait(e.ctx, w, e.timeout)
	} else {
		err = w.Wait(e.ctx, e.timeout)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

// sync submits op with a fresh signal fence and waits for it.
func (e *Env) sync(what string, op func(fence.Sync) (vm.SubmissionID, error)) error {
	f := fence.New()
	if _, err := op(fence.SignalFence(f)); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return e.wait(what, f)
}

func (e *Env) bind(v *vm.VM, q *vm.BindQueue, b vm.Backing, off uint64, addr gpuarch.Addr, length uint64) error {
	return e.sync(fmt.Sprintf("bind %v+%#x at %v", b, off, addr), func(s fence.Sync) (vm.SubmissionID, error) {
		return v.Bind(q, b, off, addr, length, 0, 0, s)
	})
}

func (e *Env) unbind(v *vm.VM, q *vm.BindQueue, addr gpuarch.Addr, length uint64) error {
	return e.sync(fmt.Sprintf("unbind %v+%#x", addr, length), func(s fence.Sync) (vm.SubmissionID, error) {
		return v.Unbind(q, addr, length, s)
	})
}

// exec submits the batch at addr and waits for it.
func (e *Env) exec(q *device.ExecQueue, addr gpuarch.Addr, syncs ...fence.Sync) error {
	f, err := e.dev.Submit(q, addr, syncs...)
	if err != nil {
		return fmt.Errorf("submitting batch at %v on %v: %w", addr, q, err)
	}
	return e.wait(fmt.Sprintf("batch at %v on %v", addr, q), f)
}

// writeStore writes a batch into mem that stores value at dst and ends. The
// GPU sees mem at addr.
func writeStore(enc *encoder.Encoder, mem []byte, addr, dst gpuarch.Addr, value uint32) error {
	b := encoder.NewBatch(mem[:batchBytes], addr)
	return enc.Emit(b, &encoder.StoreDword{Addr: uint64(dst), Value: value}, &encoder.BatchEnd{})
}

// writeRecord writes a store of magic into the data field of the record at
// mem, which the GPU sees at addr.
func writeRecord(enc *encoder.Encoder, mem []byte, addr gpuarch.Addr) error {
	return writeStore(enc, mem, addr, addr+dataOff, magic)
}

func clearRecord(mem []byte) {
	clear(mem[:recordSize])
}

func recordData(mem []byte) uint32 {
	return load32(mem, dataOff)
}

func load32(mem []byte, off uint64) uint32 {
	return binary.LittleEndian.Uint32(mem[off:])
}

func store32(mem []byte, off uint64, v uint32) {
	binary.LittleEndian.PutUint32(mem[off:], v)
}

// check returns an error if got differs from want.
func check(what string, got, want uint32) error {
	if got != want {
		return fmt.Errorf("%s = %#x, want %#x", what, got, want)
	}
	return nil
}

// expectErr returns an error unless err is want.
func expectErr(what string, err, want error) error {
	if !errors.Is(err, want) {
		return fmt.Errorf("%s = %v, want %v", what, err, want)
	}
	return nil
}

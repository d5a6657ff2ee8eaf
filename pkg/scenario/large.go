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
	"errors"
	"fmt"

	"gvisor.dev/gpuvm/pkg/device"
	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
	"gvisor.dev/gpuvm/pkg/fence"
	"gvisor.dev/gpuvm/pkg/gpuarch"
	"gvisor.dev/gpuvm/pkg/log"
	"gvisor.dev/gpuvm/pkg/vm"
)

type largeFlags uint32

const (
	largeMisaligned largeFlags = 1 << iota
	largeSplit
	largeUserptr
)

const (
	largeExecQueues = 4
	largeExecs      = 16

	// largeBase is 1 GiB, the start of the large bindings.
	largeBase = gpuarch.Addr(1 << 30)
)

func init() {
	variants := []struct {
		name  string
		flags largeFlags
	}{
		{"large-binds", 0},
		{"large-split-binds", largeSplit},
		{"large-misaligned-binds", largeMisaligned},
		{"large-split-misaligned-binds", largeSplit | largeMisaligned},
		{"large-userptr-binds", largeUserptr},
		{"large-userptr-split-binds", largeUserptr | largeSplit},
		{"large-userptr-misaligned-binds", largeUserptr | largeMisaligned},
		{"large-userptr-split-misaligned-binds", largeUserptr | largeSplit | largeMisaligned},
	}
	for size := uint64(1 << 21); size <= 1<<26; size <<= 1 {
		for _, vr := range variants {
			registerLarge(fmt.Sprintf("%s-%d", vr.name, size), size, vr.flags)
		}
	}
	const mixed = 1<<21 + 1<<20
	registerLarge(fmt.Sprintf("mixed-binds-%d", mixed), mixed, 0)
	registerLarge(fmt.Sprintf("mixed-misaligned-binds-%d", mixed), mixed, largeMisaligned)

	Register(Scenario{
		Name:        "out-of-memory",
		Description: "binding deferred buffers past the memory size fails with ENOSPC",
		Run:         outOfMemory,
	})
}

func registerLarge(name string, size uint64, flags largeFlags) {
	Register(Scenario{
		Name:        name,
		Description: fmt.Sprintf("store through %d points of a %#x byte binding", largeExecs, size),
		Run: func(e *Env) error {
			return largeBinds(e, size, flags)
		},
	})
}

// largeBinds binds size bytes, optionally in two halves, a page below 1 GiB
// if misaligned, and stores through records spread over the whole range
// from several exec queues.
func largeBinds(e *Env, size uint64, flags largeFlags) error {
	base := largeBase
	if flags&largeMisaligned != 0 {
		base -= page
	}
	if flags&largeUserptr == 0 {
		if limit := e.dev.MemoryLimit(e.region()); limit != 0 && size > limit {
			return skipf("%#x byte buffer exceeds %v size %#x", size, e.region(), limit)
		}
	}
	v, err := e.createVM(0)
	if err != nil {
		return err
	}

	// Bindings are page granular, so a size that is not a multiple of the
	// page size gets padding.
	bound, _ := gpuarch.PageRoundUp(size)
	padding := bound - size
	var (
		mem []byte
		bo  *device.Buffer
		hr  uintptr
	)
	if flags&largeUserptr != 0 {
		r, err := e.hostMap(bound)
		if err != nil {
			return err
		}
		mem, hr = r.Bytes(), r.Addr()
	} else {
		if bo, err = e.createBuffer(v, bound, device.NeedsCPUAccess); err != nil {
			return err
		}
		mem = bo.Bytes()
	}
	bindRange := func(off, length uint64, syncs ...fence.Sync) (vm.SubmissionID, error) {
		if bo == nil {
			return v.BindUserptr(nil, hr+uintptr(off), base+gpuarch.Addr(off), length, 0, syncs...)
		}
		return v.Bind(nil, bo, off, base+gpuarch.Addr(off), length, 0, 0, syncs...)
	}

	qs := make([]*device.ExecQueue, largeExecQueues)
	for i := range qs {
		if qs[i], err = e.execQueue(v); err != nil {
			return err
		}
	}

	done := fence.New()
	half := gpuarch.PageRoundDown(size / 2)
	if flags&largeSplit != 0 {
		if _, err := bindRange(0, half); err != nil {
			return fmt.Errorf("binding first half: %w", err)
		}
		_, err = bindRange(half, bound-half, fence.SignalFence(done))
	} else {
		_, err = bindRange(0, size+padding, fence.SignalFence(done))
	}
	if err != nil {
		return fmt.Errorf("bind: %w", err)
	}

	// Record i sits at offset i*recordSize from the i-th exec address.
	offsets := make([]uint64, largeExecs)
	for i := range offsets {
		if i == largeExecs-1 {
			offsets[i] = size - page
		} else {
			offsets[i] = uint64(i) * (size / largeExecs)
		}
		offsets[i] += uint64(i * recordSize)
	}

	enc := e.dev.Encoder(v)
	lasts := make([]fence.Waiter, largeExecQueues)
	for i, off := range offsets {
		addr := base + gpuarch.Addr(off)
		if err := writeRecord(enc, mem[off:], addr); err != nil {
			return err
		}
		f, err := e.dev.Submit(qs[i%largeExecQueues], addr, fence.WaitFence(done))
		if err != nil {
			return fmt.Errorf("exec %d at %v: %w", i, addr, err)
		}
		lasts[i%largeExecQueues] = f
	}
	if err := fence.WaitAll(e.ctx, e.timeout, lasts...); err != nil {
		return fmt.Errorf("waiting for execs: %w", err)
	}

	if flags&largeSplit != 0 {
		if _, err := v.Unbind(nil, base, half); err != nil {
			return fmt.Errorf("unbinding first half: %w", err)
		}
		err = e.unbind(v, nil, base+gpuarch.Addr(half), bound-half)
	} else {
		err = e.unbind(v, nil, base, bound)
	}
	if err != nil {
		return err
	}

	for i, off := range offsets {
		if err := check(fmt.Sprintf("record %d at %#x", i, off), recordData(mem[off:]), magic); err != nil {
			return err
		}
	}
	return nil
}

// oomFenceValue is signaled by the binds of outOfMemory.
const oomFenceValue = 0xdeadbeefdeadbeef

// outOfMemory binds deferred buffers into a long-running VM until the
// memory runs out. Creating the buffers succeeds; the failure shows up on
// the bind queue when a bind first backs one.
func outOfMemory(e *Env) error {
	r := e.region()
	limit := e.dev.MemoryLimit(r)
	if limit == 0 {
		return skipf("%v memory is unlimited", r)
	}
	size := uint64(512 << 20)
	if limit/size < 2 {
		size = gpuarch.PageRoundDown(limit / 4)
	}
	if size == 0 {
		return skipf("%v memory of %#x bytes is too small", r, limit)
	}
	maxBufs := int(limit / size)

	v, err := e.createVM(vm.CreateLRMode)
	if err != nil {
		return err
	}
	q := v.DefaultQueue()
	ufMem := make([]byte, 8)
	uf, err := fence.NewUserFence(ufMem, 0)
	if err != nil {
		return err
	}

	const addr = gpuarch.Addr(0x1a0000)
	bound, oom := 0, false
	for i := 0; i <= maxBufs; i++ {
		bo, err := e.createBuffer(nil, size, device.DeferBacking|device.NeedsCPUAccess)
		if err != nil {
			return err
		}
		uf.Store(0)
		if _, err := v.Bind(nil, bo, 0, addr+gpuarch.Addr(uint64(i)*size), size, 0, 0,
			fence.SignalUser(uf, oomFenceValue)); err != nil {
			return fmt.Errorf("bind %d: %w", i, err)
		}
		if err := q.Drain(e.ctx); err != nil {
			return err
		}
		if err := q.Err(); err != nil {
			if !errors.Is(err, gpuerr.ENOMEM) && !errors.Is(err, gpuerr.ENOSPC) {
				return fmt.Errorf("bind %d: unexpected error %w", i, err)
			}
			q.ClearError()
			oom = true
			break
		}
		if err := e.wait(fmt.Sprintf("bind %d", i), uf.Waiter(oomFenceValue)); err != nil {
			return err
		}
		bound++
	}
	if !oom {
		return fmt.Errorf("%d buffers of %#x bytes bound without running out of memory", bound, size)
	}
	if bound < maxBufs {
		log.Warningf("%v: %v memory was smaller than expected: %d of %d buffers bound", e.dev, r, bound, maxBufs)
	}

	for i := 0; i < bound; i++ {
		uf.Store(0)
		if _, err := v.Unbind(nil, addr+gpuarch.Addr(uint64(i)*size), size, fence.SignalUser(uf, oomFenceValue)); err != nil {
			return fmt.Errorf("unbind %d: %w", i, err)
		}
		if err := e.wait(fmt.Sprintf("unbind %d", i), uf.Waiter(oomFenceValue)); err != nil {
			return err
		}
	}
	return nil
}

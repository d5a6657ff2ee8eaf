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
	"fmt"

	"gvisor.dev/gpuvm/pkg/device"
	"gvisor.dev/gpuvm/pkg/encoder"
	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
	"gvisor.dev/gpuvm/pkg/fence"
	"gvisor.dev/gpuvm/pkg/gpuarch"
	"gvisor.dev/gpuvm/pkg/hostmem"
	"gvisor.dev/gpuvm/pkg/vm"
)

// writeBatchAddr is where writeDwords binds its batch.
const writeBatchAddr = gpuarch.Addr(0x1a0000)

// Addresses spread over the whole 48-bit space, deliberately not page
// aligned.
var spreadAddrs = []gpuarch.Addr{
	0x000000000000,
	0x0000b86402d4,
	0x0001b86402d8,
	0x7ffdb86402dc,
	0x7fffffffffec,
	0x800000000004,
	0x3ffdb86402e8,
	0xfffffffffffc,
}

func init() {
	Register(Scenario{
		Name:        "scratch",
		Description: "stores to unbound addresses of a scratch page VM are dropped",
		Run:         scratch,
	})
	Register(Scenario{
		Name:        "bind-once",
		Description: "bind one buffer once, store through it, unbind",
		Run: func(e *Env) error {
			return bindOneBuffer(e, true, []gpuarch.Addr{0x7ffdb86402d8})
		},
	})
	Register(Scenario{
		Name:        "bind-one-bo-many-times",
		Description: "bind one buffer at many addresses of one VM",
		Run: func(e *Env) error {
			return bindOneBuffer(e, true, spreadAddrs)
		},
	})
	Register(Scenario{
		Name:        "bind-one-bo-many-times-many-vm",
		Description: "bind one buffer at one address in each of many VMs",
		Run: func(e *Env) error {
			return bindOneBuffer(e, false, spreadAddrs)
		},
	})
	Register(Scenario{
		Name:        "partial-unbinds",
		Description: "unbind the middle, then the front, then the back of a mapping",
		Run:         partialUnbinds,
	})
	for _, n := range []int{2, 8} {
		Register(Scenario{
			Name:        fmt.Sprintf("unbind-all-%d-vmas", n),
			Description: fmt.Sprintf("unbind every one of %d mappings of a buffer at once", n),
			Run: func(e *Env) error {
				return unbindAll(e, n)
			},
		})
	}
	Register(Scenario{
		Name:        "userptr-invalid",
		Description: "binding unmapped host memory fails with EFAULT",
		Run:         userptrInvalid,
	})
	Register(Scenario{
		Name:        "bind-flag-invalid",
		Description: "every valid bind flag is accepted and an unknown flag is rejected",
		Run:         bindFlagInvalid,
	})
	Register(Scenario{
		Name:        "bind-array-flag-invalid",
		Description: "an unknown flag in a bind array rejects the whole array",
		Run: func(e *Env) error {
			return bindArrayFlagInvalid(e, 16)
		},
	})
	Register(Scenario{
		Name:        "invalid-vm-id",
		Description: "destroying an unknown VM fails with ENOENT",
		Run: func(e *Env) error {
			return expectErr("DestroyVM(0xdeadbeef)", e.dev.DestroyVM(0xdeadbeef), gpuerr.ENOENT)
		},
	})
	for _, c := range []struct {
		name  string
		flags vm.CreateFlags
	}{
		{"xe_vm_create_fault", vm.CreateFaultMode},
		{"xe_vm_create_scratch_fault", vm.CreateScratchPage | vm.CreateFaultMode},
		{"xe_vm_create_scratch_fault_lr", ^(vm.CreateLRMode | vm.CreateScratchPage | vm.CreateFaultMode)},
	} {
		Register(Scenario{
			Name:        "invalid-flag-" + c.name,
			Description: fmt.Sprintf("creating a VM with flags %#x fails with EINVAL", uint32(c.flags)),
			Run: func(e *Env) error {
				_, err := e.dev.CreateVM(c.flags)
				return expectErr(fmt.Sprintf("CreateVM(%#x)", uint32(c.flags)), err, gpuerr.EINVAL)
			},
		})
	}
}

// hashAddr is the value stored at addr by writeDwords.
func hashAddr(addr gpuarch.Addr) uint32 {
	a := uint64(addr)
	return uint32((a * 7229) ^ ((a >> 32) * 5741))
}

// writeDwords executes one batch that stores hashAddr(a) at every a in
// addrs.
func writeDwords(e *Env, v *vm.VM, addrs []gpuarch.Addr) error {
	size, _ := gpuarch.PageRoundUp(uint64(len(addrs))*4*4 + 4)
	end := writeBatchAddr + gpuarch.Addr(size)
	for _, a := range addrs {
		if a+4 > writeBatchAddr && a < end {
			return fmt.Errorf("address %v lands in the batch: %w", a, gpuerr.EINVAL)
		}
	}
	bb, err := e.dev.CreateBuffer(v, size, e.region(), device.NeedsCPUAccess)
	if err != nil {
		return fmt.Errorf("creating batch buffer: %w", err)
	}
	defer e.dev.CloseBuffer(bb)

	enc := e.dev.Encoder(v)
	b := encoder.NewBatch(bb.Bytes(), writeBatchAddr)
	for _, a := range addrs {
		if err := enc.Emit(b, &encoder.StoreDword{Addr: uint64(a), Value: hashAddr(a)}); err != nil {
			return err
		}
	}
	if err := enc.End(b); err != nil {
		return err
	}

	if err := e.bind(v, nil, bb, 0, writeBatchAddr, size); err != nil {
		return err
	}
	q, err := e.dev.CreateExecQueue(v, device.EngineCopy)
	if err != nil {
		return err
	}
	defer e.dev.DestroyExecQueue(q)
	if err := e.exec(q, writeBatchAddr); err != nil {
		return err
	}
	return e.unbind(v, nil, writeBatchAddr, size)
}

func scratch(e *Env) error {
	v, err := e.createVM(vm.CreateScratchPage)
	if err != nil {
		return err
	}
	addrs := []gpuarch.Addr{
		0x000000000000,
		0x7ffdb86402d8,
		0x7ffffffffffc,
		0x800000000000,
		0x3ffdb86402d8,
		0xfffffffffffc,
	}
	if err := writeDwords(e, v, addrs); err != nil {
		return err
	}
	for _, a := range addrs {
		got, err := v.Read32(a)
		if err != nil {
			return fmt.Errorf("Read32(%v): %w", a, err)
		}
		if err := check(fmt.Sprintf("scratch read at %v", a), got, 0); err != nil {
			return err
		}
	}
	return nil
}

// bindOneBuffer binds one page at the page of each address, stores through
// every mapping, then unbinds and checks that the stores land in scratch.
// With shared set all mappings are in one VM, otherwise each address gets
// its own VM.
func bindOneBuffer(e *Env, shared bool, addrs []gpuarch.Addr) error {
	vms := make([]*vm.VM, len(addrs))
	var owner *vm.VM
	for i := range addrs {
		if i == 0 || !shared {
			v, err := e.createVM(vm.CreateScratchPage)
			if err != nil {
				return err
			}
			vms[i] = v
		} else {
			vms[i] = vms[0]
		}
	}
	if shared {
		owner = vms[0]
	}
	bo, err := e.createBuffer(owner, page, device.NeedsCPUAccess)
	if err != nil {
		return err
	}
	mem := bo.Bytes()
	clear(mem)

	for i, a := range addrs {
		if err := e.bind(vms[i], nil, bo, 0, a.RoundDown(), page); err != nil {
			return err
		}
	}
	write := func() error {
		if shared {
			return writeDwords(e, vms[0], addrs)
		}
		for i, a := range addrs {
			if err := writeDwords(e, vms[i], []gpuarch.Addr{a}); err != nil {
				return err
			}
		}
		return nil
	}
	if err := write(); err != nil {
		return err
	}
	for i, a := range addrs {
		if err := check(fmt.Sprintf("dword at %v", a), load32(mem, a.PageOffset()), hashAddr(a)); err != nil {
			return err
		}
		if err := e.unbind(vms[i], nil, a.RoundDown(), page); err != nil {
			return err
		}
		// Clear it so that a store after the unbind would show.
		store32(mem, a.PageOffset(), 0)
	}
	if err := write(); err != nil {
		return err
	}
	for _, a := range addrs {
		if err := check(fmt.Sprintf("unbound dword at %v", a), load32(mem, a.PageOffset()), 0); err != nil {
			return err
		}
	}
	return nil
}

func partialUnbinds(e *Env) error {
	v, err := e.createVM(0)
	if err != nil {
		return err
	}
	const size = 3 * page
	bo, err := e.createBuffer(v, size, 0)
	if err != nil {
		return err
	}
	const addr = gpuarch.Addr(0x1a0000)
	if err := e.bind(v, nil, bo, 0, addr, size); err != nil {
		return err
	}
	for i, off := range []uint64{page, 0, 2 * page} {
		if err := e.unbind(v, nil, addr+gpuarch.Addr(off), page); err != nil {
			return err
		}
		if got, want := len(v.Mappings()), 2-i; got != want {
			return fmt.Errorf("%d mappings after unbind %d, want %d", got, i, want)
		}
	}
	return nil
}

func unbindAll(e *Env, n int) error {
	v, err := e.createVM(0)
	if err != nil {
		return err
	}
	bo, err := e.createBuffer(v, page, 0)
	if err != nil {
		return err
	}
	const addr = gpuarch.Addr(0x1a0000)
	for i := 0; i < n; i++ {
		if _, err := v.Bind(nil, bo, 0, addr+gpuarch.Addr(i*page), page, 0, 0); err != nil {
			return fmt.Errorf("bind %d: %w", i, err)
		}
	}
	if err := e.sync("unbind all", func(s fence.Sync) (vm.SubmissionID, error) {
		return v.UnbindAll(nil, bo, s)
	}); err != nil {
		return err
	}
	if ms := v.Mappings(); len(ms) != 0 {
		return fmt.Errorf("mappings left after unbind all: %v", ms)
	}
	return nil
}

func userptrInvalid(e *Env) error {
	r, err := hostmem.Map(page)
	if err != nil {
		return err
	}
	addr := r.Addr()
	if err := r.Unmap(); err != nil {
		return err
	}
	v, err := e.createVM(0)
	if err != nil {
		return err
	}
	_, err = v.BindUserptr(nil, addr, 0x40000, page, 0)
	return expectErr("BindUserptr of unmapped memory", err, gpuerr.EFAULT)
}

// validBindFlags are the flags every bind must accept.
var validBindFlags = []vm.Flags{
	0,
	vm.FlagReadOnly,
	vm.FlagImmediate,
	vm.FlagNull,
	vm.FlagDumpable,
	vm.FlagCheckPXP,
}

func bindFlagInvalid(e *Env) error {
	v, err := e.createVM(0)
	if err != nil {
		return err
	}
	bo, err := e.createBuffer(v, page, 0)
	if err != nil {
		return err
	}
	const addr = gpuarch.Addr(0x1a0000)
	bindWith := func(flags vm.Flags) error {
		var b vm.Backing = bo
		if flags&vm.FlagNull != 0 {
			b = nil
		}
		return e.sync(fmt.Sprintf("bind with flags %v", flags), func(s fence.Sync) (vm.SubmissionID, error) {
			return v.Bind(nil, b, 0, addr, page, flags, 0, s)
		})
	}
	for _, f := range validBindFlags {
		if err := bindWith(f); err != nil {
			return err
		}
	}
	if _, err := v.Bind(nil, bo, 0, addr, page, 1<<5, 0); !errorsIsEINVAL(err) {
		return fmt.Errorf("bind with flag 1<<5 = %v, want %v", err, gpuerr.EINVAL)
	}
	return bindWith(0)
}

func bindArrayFlagInvalid(e *Env, n int) error {
	v, err := e.createVM(0)
	if err != nil {
		return err
	}
	bo, err := e.createBuffer(v, page, 0)
	if err != nil {
		return err
	}
	const addr = gpuarch.Addr(0x1a0000)
	ops := make([]vm.Op, n)
	withFlags := func(flags vm.Flags) []vm.Op {
		for i := range ops {
			ops[i] = vm.Op{
				Kind:    vm.OpMap,
				Backing: bo,
				Addr:    addr + gpuarch.Addr(i*page),
				Length:  page,
				Flags:   flags,
			}
			if flags&vm.FlagNull != 0 {
				ops[i].Backing = nil
			}
		}
		return ops
	}
	allValid := func() error {
		for _, f := range validBindFlags {
			if err := e.sync(fmt.Sprintf("bind array with flags %v", f), func(s fence.Sync) (vm.SubmissionID, error) {
				return v.BindArray(nil, withFlags(f), s)
			}); err != nil {
				return err
			}
		}
		return nil
	}
	if err := allValid(); err != nil {
		return err
	}
	if _, err := v.BindArray(nil, withFlags(1<<30)); !errorsIsEINVAL(err) {
		return fmt.Errorf("bind array with flag 1<<30 = %v, want %v", err, gpuerr.EINVAL)
	}
	return allValid()
}

func errorsIsEINVAL(err error) bool {
	return expectErr("", err, gpuerr.EINVAL) == nil
}

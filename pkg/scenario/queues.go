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
	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
	"gvisor.dev/gpuvm/pkg/fence"
	"gvisor.dev/gpuvm/pkg/gpuarch"
	"gvisor.dev/gpuvm/pkg/vm"
)

func init() {
	Register(Scenario{
		Name:        "bind-execqueues-independent",
		Description: "a bind blocked on one bind queue does not hold up another",
		Run: func(e *Env) error {
			return bindExecQueues(e, false)
		},
	})
	Register(Scenario{
		Name:        "bind-execqueues-conflict",
		Description: "binds of the same range on two bind queues both complete",
		Run: func(e *Env) error {
			return bindExecQueues(e, true)
		},
	})

	for _, c := range []struct {
		name      string
		n         int
		bindQueue bool
	}{
		{"bind-array-twice", 2, false},
		{"bind-array-many", 16, false},
		{"bind-array-exec_queue-twice", 2, true},
		{"bind-array-exec_queue-many", 16, true},
	} {
		Register(Scenario{
			Name:        c.name,
			Description: fmt.Sprintf("bind a buffer at %d addresses with one array and store through each", c.n),
			Run: func(e *Env) error {
				return bindArray(e, c.n, 0, c.bindQueue, false)
			},
		})
	}
	Register(Scenario{
		Name:        "bind-array-enobufs",
		Description: "a blocked array larger than the bind ring fails with ENOBUFS",
		Run: func(e *Env) error {
			return bindArray(e, 1024, gpuarch.HugePageSize, false, true)
		},
	})
	Register(Scenario{
		Name:        "bind-array-conflict",
		Description: "an array whose ops overlap each other applies in order",
		Run: func(e *Env) error {
			return bindArrayConflict(e, false)
		},
	})
	Register(Scenario{
		Name:        "bind-no-array-conflict",
		Description: "overlapping binds submitted one by one apply in order",
		Run: func(e *Env) error {
			return bindArrayConflict(e, true)
		},
	})
}

// bindExecQueues checks that bind queues progress independently. A spinner
// occupies exec queue 0, and a bind on bind queue 0 waits for it. A bind on
// bind queue 1 must complete meanwhile and a batch on exec queue 1 must be
// able to use it.
//
// With conflict set both binds target the same range; only completion is
// checked then, since the order between queues is not defined.
func bindExecQueues(e *Env, conflict bool) error {
	v, err := e.createVM(0)
	if err != nil {
		return err
	}
	const (
		addr   = gpuarch.Addr(0x1a0000)
		nQueue = 2
	)
	bo, err := e.createBuffer(v, nQueue*page, 0)
	if err != nil {
		return err
	}
	mem := bo.Bytes()
	enc := e.dev.Encoder(v)

	var bqs [nQueue]*vm.BindQueue
	for i := range bqs {
		if bqs[i], err = v.CreateBindQueue(); err != nil {
			return fmt.Errorf("CreateBindQueue: %w", err)
		}
		q := bqs[i]
		e.cu.Add(func() { _ = v.DestroyBindQueue(q) })
	}
	eq0, err := e.execQueue(v)
	if err != nil {
		return err
	}
	eq1, err := e.execQueue(v)
	if err != nil {
		return err
	}

	// Page i is bound at addr+i*page.
	pageAddr := func(i int) gpuarch.Addr { return addr + gpuarch.Addr(i*page) }
	if err := e.bind(v, bqs[0], bo, 0, pageAddr(0), page); err != nil {
		return err
	}

	spin, err := e.dev.Spin(eq0)
	if err != nil {
		return fmt.Errorf("Spin: %w", err)
	}
	defer spin.End()
	select {
	case <-spin.Started():
	case <-e.ctx.Done():
		return e.ctx.Err()
	}

	// Independent binds rebind page 0 behind the spinner; conflicting ones
	// target page 1 on both queues.
	blocked := fence.New()
	target := 0
	if conflict {
		target = 1
	}
	if _, err := v.Bind(bqs[0], bo, uint64(target*page), pageAddr(target), page, 0, 0,
		fence.WaitFence(spin.Fence()), fence.SignalFence(blocked)); err != nil {
		return fmt.Errorf("blocked bind: %w", err)
	}

	free := fence.New()
	if _, err := v.Bind(bqs[1], bo, uint64(page), pageAddr(1), page, 0, 0, fence.SignalFence(free)); err != nil {
		return fmt.Errorf("bind on second queue: %w", err)
	}

	if !conflict {
		if err := e.wait("bind on second queue", free); err != nil {
			return err
		}
		clearRecord(mem[page:])
		if err := writeRecord(enc, mem[page:], pageAddr(1)); err != nil {
			return err
		}
		if err := e.exec(eq1, pageAddr(1)); err != nil {
			return err
		}
		if err := check("second queue record", recordData(mem[page:]), magic); err != nil {
			return err
		}
		if blocked.Signaled() {
			return fmt.Errorf("bind behind the spinner completed before the spinner")
		}
	}

	spin.End()
	if err := fence.WaitAll(e.ctx, e.timeout, spin.Fence(), blocked, free); err != nil {
		return fmt.Errorf("waiting for binds: %w", err)
	}

	for i := 0; i < nQueue; i++ {
		m := mem[i*page:]
		clearRecord(m)
		if err := writeRecord(enc, m, pageAddr(i)); err != nil {
			return err
		}
		if err := e.exec(eq0, pageAddr(i)); err != nil {
			return err
		}
		if err := check(fmt.Sprintf("record %d", i), recordData(m), magic); err != nil {
			return err
		}
	}
	return nil
}

// bindArray maps a buffer n times with one array, one copy after the
// other starting at 0x1a0000, and stores through record i of copy i. With
// enobufs set the array is first submitted blocked and must not fit in the
// ring; a quarter of it is then used.
func bindArray(e *Env, n int, boSize uint64, bindQueue, enobufs bool) error {
	v, err := e.createVM(0)
	if err != nil {
		return err
	}
	var bq *vm.BindQueue
	if bindQueue {
		if bq, err = v.CreateBindQueue(); err != nil {
			return fmt.Errorf("CreateBindQueue: %w", err)
		}
		e.cu.Add(func() { _ = v.DestroyBindQueue(bq) })
	}
	const base = gpuarch.Addr(0x1a0000)
	if boSize == 0 {
		boSize, _ = gpuarch.PageRoundUp(uint64(n * recordSize))
	}
	bo, err := e.createBuffer(v, boSize, device.NeedsCPUAccess)
	if err != nil {
		return err
	}
	mem := bo.Bytes()
	clear(mem)
	eq, err := e.execQueue(v)
	if err != nil {
		return err
	}
	enc := e.dev.Encoder(v)

	ops := make([]vm.Op, n)
	for i := range ops {
		ops[i] = vm.Op{
			Kind:    vm.OpMap,
			Backing: bo,
			Addr:    base + gpuarch.Addr(uint64(i)*boSize),
			Length:  boSize,
		}
	}

	if enobufs {
		if capacity := bqOrDefault(v, bq).Capacity(); n <= capacity {
			return skipf("bind ring holds %d ops", capacity)
		}
		cork := fence.New()
		_, err := v.BindArray(bq, ops, fence.WaitFence(cork))
		cork.Signal(nil)
		if err := expectErr("blocked bind array", err, gpuerr.ENOBUFS); err != nil {
			return err
		}
		n /= 4
		ops = ops[:n]
	}

	bound := fence.New()
	if _, err := v.BindArray(bq, ops, fence.SignalFence(bound)); err != nil {
		return fmt.Errorf("bind array: %w", err)
	}

	var last *fence.Fence
	for i := 0; i < n; i++ {
		off := uint64(i * recordSize)
		a := ops[i].Addr + gpuarch.Addr(off)
		if err := writeRecord(enc, mem[off:], a); err != nil {
			return err
		}
		f, err := e.dev.Submit(eq, a, fence.WaitFence(bound))
		if err != nil {
			return fmt.Errorf("exec %d: %w", i, err)
		}
		last = f
	}

	unmaps := make([]vm.Op, n)
	for i, o := range ops {
		unmaps[i] = vm.Op{Kind: vm.OpUnmap, Addr: o.Addr, Length: o.Length}
	}
	if err := e.sync("unbind array", func(s fence.Sync) (vm.SubmissionID, error) {
		return v.BindArray(bq, unmaps, fence.WaitFence(last), s)
	}); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := check(fmt.Sprintf("record %d", i), recordData(mem[i*recordSize:]), magic); err != nil {
			return err
		}
	}
	if ms := v.Mappings(); len(ms) != 0 {
		return fmt.Errorf("mappings left after unbind array: %v", ms)
	}
	return nil
}

func bqOrDefault(v *vm.VM, q *vm.BindQueue) *vm.BindQueue {
	if q == nil {
		return v.DefaultQueue()
	}
	return q
}

// bindArrayConflict maps three ranges of an 8 MiB buffer and unmaps a range
// overlapping the last two. Only [0, 1M) and [5M, 6M) stay bound, and stores
// through both must land.
func bindArrayConflict(e *Env, noArray bool) error {
	const (
		mb     = 1 << 20
		base   = gpuarch.Addr(0x1a00000)
		boSize = 8 * mb
	)
	v, err := e.createVM(0)
	if err != nil {
		return err
	}
	bo, err := e.createBuffer(v, boSize, device.NeedsCPUAccess)
	if err != nil {
		return err
	}
	mem := bo.Bytes()
	clear(mem)
	eq, err := e.execQueue(v)
	if err != nil {
		return err
	}
	enc := e.dev.Encoder(v)

	ops := []vm.Op{
		{Kind: vm.OpMap, Backing: bo, BackingOffset: 0, Addr: base, Length: mb},
		{Kind: vm.OpMap, Backing: bo, BackingOffset: mb, Addr: base + mb, Length: 2 * mb},
		{Kind: vm.OpMap, Backing: bo, BackingOffset: 3 * mb, Addr: base + 3*mb, Length: 3 * mb},
		{Kind: vm.OpUnmap, Addr: base + mb, Length: 4 * mb},
	}
	bound := fence.New()
	if noArray {
		for i, o := range ops {
			syncs := []fence.Sync(nil)
			if i == len(ops)-1 {
				syncs = append(syncs, fence.SignalFence(bound))
			}
			if _, err := v.BindArray(nil, []vm.Op{o}, syncs...); err != nil {
				return fmt.Errorf("op %d (%v): %w", i, o, err)
			}
		}
	} else if _, err := v.BindArray(nil, ops, fence.SignalFence(bound)); err != nil {
		return fmt.Errorf("bind array: %w", err)
	}

	execOffsets := []uint64{0, mb / 2, mb / 4, 5 * mb}
	var last *fence.Fence
	for i, eo := range execOffsets {
		off := eo + uint64(i*recordSize)
		a := base + gpuarch.Addr(off)
		if err := writeRecord(enc, mem[off:], a); err != nil {
			return err
		}
		f, err := e.dev.Submit(eq, a, fence.WaitFence(bound))
		if err != nil {
			return fmt.Errorf("exec %d: %w", i, err)
		}
		last = f
	}
	if err := e.wait("execs", last); err != nil {
		return err
	}
	for i, eo := range execOffsets {
		if err := check(fmt.Sprintf("record %d", i), recordData(mem[eo+uint64(i*recordSize):]), magic); err != nil {
			return err
		}
	}
	if got, want := len(v.Mappings()), 2; got != want {
		return fmt.Errorf("%d mappings, want %d: %v", got, want, v.Mappings())
	}
	return nil
}

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
	"gvisor.dev/gpuvm/pkg/fence"
	"gvisor.dev/gpuvm/pkg/gpuarch"
	"gvisor.dev/gpuvm/pkg/vm"
)

func init() {
	for _, c := range []struct {
		name   string
		stride uint64
	}{
		{"shared-pte-page", page},
		{"shared-pde-page", page * 512},
		{"shared-pde2-page", page * 512 * 512},
		{"shared-pde3-page", page * 512 * 512 * 512},
	} {
		Register(Scenario{
			Name:        c.name,
			Description: fmt.Sprintf("unbinding buffers %#x apart leaves the page table they share intact", c.stride),
			Run: func(e *Env) error {
				return sharedPTEPage(e, 4, c.stride)
			},
		})
	}
}

// sharedPTEPage binds n one-page buffers stride apart, so that neighbours
// share a page table at some level. Unbinding the even buffers must not
// disturb the odd ones, which are then used and unbound in turn.
func sharedPTEPage(e *Env, n int, stride uint64) error {
	const base = gpuarch.Addr(page * 512)
	v, err := e.createVM(0)
	if err != nil {
		return err
	}
	if stride <= page {
		stride += page
	}
	addrOf := func(i int) gpuarch.Addr { return base + gpuarch.Addr(uint64(i)*stride) }

	bos := make([]*device.Buffer, n)
	qs := make([]*device.ExecQueue, n)
	for i := range bos {
		if bos[i], err = e.createBuffer(v, page, device.NeedsCPUAccess); err != nil {
			return err
		}
		if qs[i], err = e.execQueue(v); err != nil {
			return err
		}
	}

	bound := fence.New()
	for i, bo := range bos {
		var syncs []fence.Sync
		if i == n-1 {
			syncs = append(syncs, fence.SignalFence(bound))
		}
		if _, err := v.Bind(nil, bo, 0, addrOf(i), page, 0, 0, syncs...); err != nil {
			return fmt.Errorf("bind %d: %w", i, err)
		}
	}

	enc := e.dev.Encoder(v)
	execs := make([]*fence.Fence, n)
	run := func(i int, waits ...fence.Sync) error {
		mem := bos[i].Bytes()
		clearRecord(mem)
		if err := writeRecord(enc, mem, addrOf(i)); err != nil {
			return err
		}
		f, err := e.dev.Submit(qs[i], addrOf(i), waits...)
		if err != nil {
			return fmt.Errorf("exec %d: %w", i, err)
		}
		execs[i] = f
		return nil
	}
	// unbindEvery unbinds the buffers of the given parity once every exec
	// has completed.
	unbindEvery := func(parity int) error {
		for i := parity; i < n; i += 2 {
			if err := e.sync(fmt.Sprintf("unbind %d", i), func(s fence.Sync) (vm.SubmissionID, error) {
				syncs := []fence.Sync{s}
				for _, f := range execs {
					syncs = append(syncs, fence.WaitFence(f))
				}
				return v.Unbind(nil, addrOf(i), page, syncs...)
			}); err != nil {
				return err
			}
		}
		return nil
	}
	verify := func() error {
		for i, bo := range bos {
			if err := check(fmt.Sprintf("record %d", i), recordData(bo.Bytes()), magic); err != nil {
				return err
			}
		}
		return nil
	}

	for i := range bos {
		if err := run(i, fence.WaitFence(bound)); err != nil {
			return err
		}
	}
	if err := unbindEvery(0); err != nil {
		return err
	}
	if err := verify(); err != nil {
		return err
	}

	for i := 1; i < n; i += 2 {
		if err := run(i); err != nil {
			return err
		}
	}
	if err := unbindEvery(1); err != nil {
		return err
	}
	if err := verify(); err != nil {
		return err
	}
	if ms := v.Mappings(); len(ms) != 0 {
		return fmt.Errorf("mappings left: %v", ms)
	}
	return nil
}

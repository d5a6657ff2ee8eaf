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
	"gvisor.dev/gpuvm/pkg/hostmem"
	"gvisor.dev/gpuvm/pkg/vm"
)

type mapFlags uint32

const (
	mapUserptr mapFlags = 1 << iota
	mapInvalidate
	mapHammerFirstPage
	mapLargePage
	mapLargePageNoSplit
)

// mapRow is one case of the munmap-style and mmap-style tables. The buffer
// of boPages pages is bound with nBinds equal binds, then unbindPages pages
// at page unbindOffset are unbound (or rebound elsewhere).
type mapRow struct {
	name         string
	boPages      int
	nBinds       int
	unbindOffset int
	unbindPages  int
	flags        mapFlags
}

// scale applies the large page flags: sizes grow from pages to 2 MiB units.
func (r mapRow) scale() mapRow {
	if r.flags&mapLargePage == 0 {
		return r
	}
	const perHuge = gpuarch.HugePageSize / gpuarch.PageSize
	r.boPages *= perHuge
	r.unbindPages *= perHuge
	if r.flags&mapLargePageNoSplit != 0 {
		r.unbindOffset *= perHuge
	}
	return r
}

// unbound returns true if page i is in the unbound range.
func (r mapRow) unbound(i int) bool {
	return i >= r.unbindOffset && i < r.unbindOffset+r.unbindPages
}

const (
	hammerPage = mapHammerFirstPage
	large      = mapLargePage
	noSplit    = mapLargePageNoSplit
	userptr    = mapUserptr
	inval      = mapUserptr | mapInvalidate
)

var munmapRows = []mapRow{
	{"all", 4, 2, 0, 4, 0},
	{"one-partial", 4, 1, 1, 2, 0},
	{"either-side-partial", 4, 2, 1, 2, 0},
	{"either-side-partial-hammer", 6, 2, 2, 2, hammerPage},
	{"either-side-partial-split-page-hammer", 6, 2, 2, 2, hammerPage | large},
	{"either-side-partial-large-page-hammer", 6, 2, 2, 2, hammerPage | large | noSplit},
	{"either-side-full", 4, 4, 1, 2, 0},
	{"end", 4, 2, 0, 3, 0},
	{"front", 4, 2, 1, 3, 0},
	{"many-all", 4 * 8, 2 * 8, 0 * 8, 4 * 8, 0},
	{"many-either-side-partial", 4 * 8, 2 * 8, 1, 4*8 - 2, 0},
	{"many-either-side-partial-hammer", 4 * 8, 2 * 8, 2, 4*8 - 4, hammerPage},
	{"many-either-side-full", 4 * 8, 4 * 8, 1 * 8, 2 * 8, 0},
	{"many-end", 4 * 8, 4, 0 * 8, 3*8 + 2, 0},
	{"many-front", 4 * 8, 4, 1*8 - 2, 3*8 + 2, 0},
	{"userptr-all", 4, 2, 0, 4, userptr},
	{"userptr-one-partial", 4, 1, 1, 2, userptr},
	{"userptr-either-side-partial", 4, 2, 1, 2, userptr},
	{"userptr-either-side-full", 4, 4, 1, 2, userptr},
	{"userptr-end", 4, 2, 0, 3, userptr},
	{"userptr-front", 4, 2, 1, 3, userptr},
	{"userptr-many-all", 4 * 8, 2 * 8, 0 * 8, 4 * 8, userptr},
	{"userptr-many-either-side-full", 4 * 8, 4 * 8, 1 * 8, 2 * 8, userptr},
	{"userptr-many-end", 4 * 8, 4, 0 * 8, 3*8 + 2, userptr},
	{"userptr-many-front", 4 * 8, 4, 1*8 - 2, 3*8 + 2, userptr},
	{"userptr-inval-either-side-full", 4, 4, 1, 2, inval},
	{"userptr-inval-end", 4, 2, 0, 3, inval},
	{"userptr-inval-front", 4, 2, 1, 3, inval},
	{"userptr-inval-many-all", 4 * 8, 2 * 8, 0 * 8, 4 * 8, inval},
	{"userptr-inval-many-either-side-partial", 4 * 8, 2 * 8, 1, 4*8 - 2, inval},
	{"userptr-inval-many-either-side-full", 4 * 8, 4 * 8, 1 * 8, 2 * 8, inval},
	{"userptr-inval-many-end", 4 * 8, 4, 0 * 8, 3*8 + 2, inval},
	{"userptr-inval-many-front", 4 * 8, 4, 1*8 - 2, 3*8 + 2, inval},
}

var mmapRows = []mapRow{
	{"all", 4, 2, 0, 4, 0},
	{"one-partial", 4, 1, 1, 2, 0},
	{"either-side-partial", 4, 2, 1, 2, 0},
	{"either-side-full", 4, 4, 1, 2, 0},
	{"either-side-partial-hammer", 4, 2, 1, 2, hammerPage},
	{"either-side-partial-split-page-hammer", 4, 2, 1, 2, hammerPage | large},
	{"either-side-partial-large-page-hammer", 4, 2, 1, 2, hammerPage | large | noSplit},
	{"end", 4, 2, 0, 3, 0},
	{"front", 4, 2, 1, 3, 0},
	{"many-all", 4 * 8, 2 * 8, 0 * 8, 4 * 8, 0},
	{"many-either-side-partial", 4 * 8, 2 * 8, 1, 4*8 - 2, 0},
	{"many-either-side-partial-hammer", 4 * 8, 2 * 8, 1, 4*8 - 2, hammerPage},
	{"userptr-all", 4, 2, 0, 4, userptr},
	{"userptr-one-partial", 4, 1, 1, 2, userptr},
	{"userptr-either-side-partial", 4, 2, 1, 2, userptr},
	{"userptr-either-side-full", 4, 4, 1, 2, userptr},
}

func init() {
	for _, r := range munmapRows {
		Register(Scenario{
			Name:        "munmap-style-unbind-" + r.name,
			Description: fmt.Sprintf("unbind %d of %d pages bound in %d binds, then rebind them", r.unbindPages, r.boPages, r.nBinds),
			Run: func(e *Env) error {
				return munmapStyleUnbind(e, r.scale())
			},
		})
	}
	for _, r := range mmapRows {
		Register(Scenario{
			Name:        "mmap-style-bind-" + r.name,
			Description: fmt.Sprintf("bind %d of %d pages over an existing mapping", r.unbindPages, r.boPages),
			Run: func(e *Env) error {
				return mmapStyleBind(e, r.scale())
			},
		})
	}
}

// mapBase is the GPU address of the buffer in the table scenarios.
const mapBase = gpuarch.Addr(0x1a00000)

// mapMemory is what a table scenario binds: a buffer or host memory.
type mapMemory struct {
	mem []byte
	bo  *device.Buffer

	// For userptr memory, host is the address of mem within region.
	region *hostmem.Region
	host   uintptr
}

// bind binds pages [first, first+n) of m at the same pages of mapBase.
func (m *mapMemory) bind(v *vm.VM, first, n int, syncs ...fence.Sync) (vm.SubmissionID, error) {
	off := uint64(first * page)
	addr := mapBase + gpuarch.Addr(off)
	length := uint64(n * page)
	if m.bo == nil {
		return v.BindUserptr(nil, m.host+uintptr(off), addr, length, 0, syncs...)
	}
	return v.Bind(nil, m.bo, off, addr, length, 0, 0, syncs...)
}

func (e *Env) mapMemory(v *vm.VM, r mapRow, copies int) ([]*mapMemory, error) {
	size := uint64(r.boPages * page)
	ms := make([]*mapMemory, copies)
	if r.flags&mapUserptr != 0 {
		hr, err := e.hostMap(size * uint64(copies))
		if err != nil {
			return nil, err
		}
		for i := range ms {
			ms[i] = &mapMemory{
				mem:    hr.Bytes()[uint64(i)*size:][:size],
				region: hr,
				host:   hr.Addr() + uintptr(uint64(i)*size),
			}
		}
		return ms, nil
	}
	for i := range ms {
		bo, err := e.createBuffer(v, size, device.NeedsCPUAccess)
		if err != nil {
			return nil, err
		}
		ms[i] = &mapMemory{mem: bo.Bytes(), bo: bo}
	}
	return ms, nil
}

// execBurst bounds the batches in flight on one queue, which must stay within
// the queue ring.
const execBurst = 256

// execPages writes a store batch into the record of every page i of mem for
// which use returns true, and executes them on q after waits. It returns
// the fence of the last batch, or nil if none ran.
func (e *Env) execPages(q *device.ExecQueue, mem []byte, pages int, use func(int) bool, waits ...fence.Sync) (*fence.Fence, error) {
	enc := e.dev.Encoder(q.VM())
	var last *fence.Fence
	for i, n := 0, 0; i < pages; i++ {
		if !use(i) {
			continue
		}
		addr := mapBase + gpuarch.Addr(i*page)
		if err := writeRecord(enc, mem[i*page:], addr); err != nil {
			return nil, err
		}
		f, err := e.dev.Submit(q, addr, waits...)
		if err != nil {
			return nil, fmt.Errorf("exec on page %d: %w", i, err)
		}
		last = f
		if n++; n%execBurst == 0 {
			if err := e.wait(fmt.Sprintf("exec on page %d", i), f); err != nil {
				return nil, err
			}
		}
	}
	return last, nil
}

func all(int) bool { return true }

// verifyPages checks the record of every page i for which use returns true.
func verifyPages(mem []byte, pages int, use func(int) bool) error {
	for i := 0; i < pages; i++ {
		if !use(i) {
			continue
		}
		if err := check(fmt.Sprintf("record of page %d", i), recordData(mem[i*page:]), magic); err != nil {
			return err
		}
	}
	return nil
}

// clearPages zeroes mem, except the half page the hammer runs from.
func clearPages(mem []byte, hammering bool) {
	if hammering {
		clear(mem[:page/2])
		clear(mem[page:])
		return
	}
	clear(mem)
}

// bindAll binds the whole of m in r.nBinds equal parts and returns the fence
// of the last bind.
func bindAll(v *vm.VM, m *mapMemory, r mapRow) (*fence.Fence, error) {
	per := r.boPages / r.nBinds
	bound := fence.New()
	for i := 0; i < r.nBinds; i++ {
		var syncs []fence.Sync
		if i == r.nBinds-1 {
			syncs = append(syncs, fence.SignalFence(bound))
		}
		if _, err := m.bind(v, i*per, per, syncs...); err != nil {
			return nil, fmt.Errorf("bind %d: %w", i, err)
		}
	}
	return bound, nil
}

// munmapStyleUnbind unbinds a range that cuts through the initial binds and
// checks that the pages outside it stay usable, including after the
// backing host memory of a userptr is replaced. The range is then bound
// again and every page used.
func munmapStyleUnbind(e *Env, r mapRow) error {
	v, err := e.createVM(0)
	if err != nil {
		return err
	}
	ms, err := e.mapMemory(v, r, 1)
	if err != nil {
		return err
	}
	m := ms[0]
	clear(m.mem)
	q, err := e.execQueue(v)
	if err != nil {
		return err
	}

	bound, err := bindAll(v, m, r)
	if err != nil {
		return err
	}
	hammering := r.flags&mapHammerFirstPage != 0
	var h *hammer
	if hammering {
		if h, err = startHammer(e, v, m.mem[page/2:], mapBase+page/2); err != nil {
			return err
		}
	}

	last, err := e.execPages(q, m.mem, r.boPages, all, fence.WaitFence(bound))
	if err != nil {
		return err
	}
	unbound := fence.New()
	if _, err := v.Unbind(nil, mapBase+gpuarch.Addr(r.unbindOffset*page), uint64(r.unbindPages*page),
		fence.WaitFence(last), fence.SignalFence(unbound)); err != nil {
		return fmt.Errorf("unbind: %w", err)
	}
	if err := fence.WaitAll(e.ctx, e.timeout, last, unbound); err != nil {
		return err
	}
	if err := verifyPages(m.mem, r.boPages, all); err != nil {
		return err
	}
	clearPages(m.mem, hammering)

	stillBound := func(i int) bool { return !r.unbound(i) }
	for pass := 0; ; pass++ {
		last, err := e.execPages(q, m.mem, r.boPages, stillBound, fence.WaitFence(unbound))
		if err != nil {
			return err
		}
		if last != nil {
			if err := e.wait("execs on bound pages", last); err != nil {
				return err
			}
		}
		if err := verifyPages(m.mem, r.boPages, stillBound); err != nil {
			return fmt.Errorf("pass %d: %w", pass, err)
		}
		clearPages(m.mem, hammering)

		// The unbind split mappings; their remains must be revalidated
		// like any other after the host memory changes.
		if r.flags&mapInvalidate == 0 || pass > 0 {
			break
		}
		if err := remapHost(v, m, r.unbindOffset > 0 || r.unbindOffset+r.unbindPages < r.boPages); err != nil {
			return err
		}
	}

	rebound := fence.New()
	if _, err := m.bind(v, r.unbindOffset, r.unbindPages, fence.SignalFence(rebound)); err != nil {
		return fmt.Errorf("rebind: %w", err)
	}
	if last, err = e.execPages(q, m.mem, r.boPages, all, fence.WaitFence(rebound)); err != nil {
		return err
	}
	if err := e.wait("execs after rebind", last); err != nil {
		return err
	}
	if err := verifyPages(m.mem, r.boPages, all); err != nil {
		return err
	}
	if h != nil {
		return h.stop()
	}
	return nil
}

// remapHost replaces the host pages behind userptr memory m. If mapped is
// set some of m is still bound, so a mapping must have been invalidated.
func remapHost(v *vm.VM, m *mapMemory, mapped bool) error {
	hr := m.region
	if err := hr.Remap(); err != nil {
		return fmt.Errorf("remapping host memory: %w", err)
	}
	m.mem = hr.Bytes()[m.host-hr.Addr():][:len(m.mem)]
	if ms := v.Mappings(); mapped && !anyInvalidated(ms) {
		return fmt.Errorf("no userptr mapping invalidated by remap: %v", ms)
	}
	return nil
}

func anyInvalidated(ms []vm.Mapping) bool {
	for _, m := range ms {
		if m.Invalidated {
			return true
		}
	}
	return false
}

// mmapStyleBind binds a second buffer over part of the first and checks
// that each page is served by exactly one of them.
func mmapStyleBind(e *Env, r mapRow) error {
	v, err := e.createVM(0)
	if err != nil {
		return err
	}
	ms, err := e.mapMemory(v, r, 2)
	if err != nil {
		return err
	}
	m0, m1 := ms[0], ms[1]
	clear(m0.mem)
	clear(m1.mem)
	q, err := e.execQueue(v)
	if err != nil {
		return err
	}

	bound, err := bindAll(v, m0, r)
	if err != nil {
		return err
	}
	hammering := r.flags&mapHammerFirstPage != 0
	var h *hammer
	if hammering {
		if h, err = startHammer(e, v, m0.mem[page/2:], mapBase+page/2); err != nil {
			return err
		}
	}

	last, err := e.execPages(q, m0.mem, r.boPages, all, fence.WaitFence(bound))
	if err != nil {
		return err
	}
	rebound := fence.New()
	if _, err := m1.bind(v, r.unbindOffset, r.unbindPages, fence.WaitFence(last), fence.SignalFence(rebound)); err != nil {
		return fmt.Errorf("bind over: %w", err)
	}
	if err := fence.WaitAll(e.ctx, e.timeout, last, rebound); err != nil {
		return err
	}
	if err := verifyPages(m0.mem, r.boPages, all); err != nil {
		return err
	}
	clearPages(m0.mem, hammering)
	clear(m1.mem)

	// The batch of page i runs from whichever memory is bound there, so
	// write it into both.
	enc := e.dev.Encoder(v)
	for i := 0; i < r.boPages; i++ {
		addr := mapBase + gpuarch.Addr(i*page)
		if err := writeRecord(enc, m1.mem[i*page:], addr); err != nil {
			return err
		}
	}
	if last, err = e.execPages(q, m0.mem, r.boPages, all); err != nil {
		return err
	}
	if err := e.wait("execs after bind over", last); err != nil {
		return err
	}
	for i := 0; i < r.boPages; i++ {
		d0, d1 := recordData(m0.mem[i*page:]), recordData(m1.mem[i*page:])
		if err := check(fmt.Sprintf("records of page %d", i), d0|d1, magic); err != nil {
			return err
		}
		if d0 != 0 && d1 != 0 {
			return fmt.Errorf("page %d written through both mappings", i)
		}
		if want := r.unbound(i); (d1 != 0) != want {
			return fmt.Errorf("page %d served by the second memory = %t, want %t", i, d1 != 0, want)
		}
	}
	if h != nil {
		return h.stop()
	}
	return nil
}

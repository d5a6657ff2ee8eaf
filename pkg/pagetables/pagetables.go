// Copyright 2018 The gVisor Authors.
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

// Package pagetables implements the GPU page tables of a VM: a four level
// radix tree translating GPU virtual addresses to offsets in backing memory.
//
// Leaves may live at the PUD (1G) and PMD (2M) levels when both the virtual
// range and the backing offset are suitably aligned. Every table node counts
// its valid entries and is freed as soon as the count drops to zero, so a
// node shared by several mappings lives exactly as long as one of them does.
//
// PageTables is not synchronized. Mutations must be serialized by the caller
// and must not run concurrently with Lookup.
package pagetables

import (
	"fmt"

	"gvisor.dev/gpuvm/pkg/gpuarch"
)

const (
	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	pteSize = 1 << pteShift
	pmdSize = 1 << pmdShift
	pudSize = 1 << pudShift
	pgdSize = 1 << pgdShift

	entriesPerPage = 512
	indexMask      = entriesPerPage - 1
)

// levelShifts are the shifts of the pgd, pud, pmd and pte levels.
var levelShifts = [...]uint{pgdShift, pudShift, pmdShift, pteShift}

// Memory is backing store addressed by a translation.
type Memory interface {
	// Bytes returns the contents of the memory.
	Bytes() []byte
}

// Target is the destination of a translation.
type Target struct {
	// Mem is the backing memory. It is nil for null mappings.
	Mem Memory

	// Offset is the byte offset into Mem.
	Offset uint64
}

// MapOpts are the attributes of a leaf entry.
type MapOpts struct {
	// ReadOnly forbids GPU writes.
	ReadOnly bool

	// Null entries have no backing: reads return zero and writes are
	// dropped.
	Null bool

	// PAT is the caching policy index.
	PAT uint8
}

// PTE is a page table entry. An entry is either invalid, a leaf, or a
// pointer to the next level table.
type PTE struct {
	valid  bool
	super  bool
	next   *PTEs
	target Target
	opts   MapOpts
}

// Valid returns true if the entry is a leaf or a table pointer.
func (p *PTE) Valid() bool {
	return p.valid
}

// IsSuper returns true if the entry is a leaf above the pte level.
func (p *PTE) IsSuper() bool {
	return p.super
}

// SetSuper marks the entry as a super page leaf; the next Set installs it.
func (p *PTE) SetSuper() {
	p.super = true
}

// Set installs a leaf translation.
func (p *PTE) Set(t Target, opts MapOpts) {
	p.valid = true
	p.next = nil
	p.target = t
	p.opts = opts
}

// Clear invalidates the entry.
func (p *PTE) Clear() {
	*p = PTE{}
}

// Target returns the translation of a leaf entry.
func (p *PTE) Target() Target {
	return p.target
}

// Opts returns the attributes of a leaf entry.
func (p *PTE) Opts() MapOpts {
	return p.opts
}

// setPageTable points the entry at the next level.
func (p *PTE) setPageTable(n *PTEs) {
	*p = PTE{valid: true, next: n}
}

// PTEs is one table node.
type PTEs struct {
	entries [entriesPerPage]PTE

	// count is the number of valid entries.
	count int
}

// PageTables is a set of page tables.
type PageTables struct {
	root *PTEs

	// nodes is the number of live table nodes, including the root.
	nodes int
}

// New returns empty PageTables.
func New() *PageTables {
	return &PageTables{root: &PTEs{}, nodes: 1}
}

// Nodes returns the number of live table nodes, including the root.
func (p *PageTables) Nodes() int {
	return p.nodes
}

func (p *PageTables) newPTEs() *PTEs {
	p.nodes++
	return &PTEs{}
}

func (p *PageTables) freePTEs(*PTEs) {
	p.nodes--
}

// Map installs translations for [addr, addr+length) to t. Any existing
// translations in the range are replaced.
//
// True is returned iff there was a previous mapping in the range.
//
// Precondition: addr and length must be page aligned and addr+length must
// not exceed gpuarch.MaxAddr.
func (p *PageTables) Map(addr gpuarch.Addr, length uint64, opts MapOpts, t Target) bool {
	ar := checkRange(addr, length)
	prev := p.Unmap(addr, length)
	start := uint64(ar.Start)
	p.iterateRange(start, uint64(ar.End), true, func(s, e uint64, pte *PTE, align uint64) {
		off := t.Offset + (s - start)
		if !opts.Null && off&align != 0 {
			// A smaller granule is used if the backing offset is
			// not aligned for this level.
			pte.Clear()
			return
		}
		pte.Set(Target{Mem: t.Mem, Offset: off}, opts)
	})
	return prev
}

// Unmap removes translations for [addr, addr+length). Super pages that are
// only partially covered are split, and translations outside the range are
// preserved.
//
// True is returned iff there was a previous mapping in the range.
func (p *PageTables) Unmap(addr gpuarch.Addr, length uint64) bool {
	ar := checkRange(addr, length)
	count := 0
	p.iterateRange(uint64(ar.Start), uint64(ar.End), false, func(s, e uint64, pte *PTE, align uint64) {
		pte.Clear()
		count++
	})
	return count > 0
}

// Release removes every translation.
func (p *PageTables) Release() {
	p.Unmap(0, uint64(gpuarch.MaxAddr))
}

// Lookup returns the translation of addr. It never modifies the tables.
func (p *PageTables) Lookup(addr gpuarch.Addr) (Target, MapOpts, bool) {
	if addr >= gpuarch.MaxAddr {
		return Target{}, MapOpts{}, false
	}
	n := p.root
	for _, shift := range levelShifts {
		pte := &n.entries[(uint64(addr)>>shift)&indexMask]
		if !pte.valid {
			return Target{}, MapOpts{}, false
		}
		if pte.next == nil {
			off := uint64(addr) & (uint64(1)<<shift - 1)
			t := pte.target
			if !pte.opts.Null {
				t.Offset += off
			}
			return t, pte.opts, true
		}
		n = pte.next
	}
	panic("pte level entry points to a table")
}

// Walk calls fn for every leaf in address order. Super pages are reported
// once with their full size.
func (p *PageTables) Walk(fn func(ar gpuarch.AddrRange, t Target, opts MapOpts)) {
	p.iterateRange(0, uint64(gpuarch.MaxAddr), false, func(s, e uint64, pte *PTE, align uint64) {
		fn(gpuarch.AddrRange{Start: gpuarch.Addr(s), End: gpuarch.Addr(e)}, pte.target, pte.opts)
	})
}

func checkRange(addr gpuarch.Addr, length uint64) gpuarch.AddrRange {
	ar, ok := addr.ToRange(length)
	if !ok || ar.End > gpuarch.MaxAddr {
		panic(fmt.Sprintf("pagetables: range %#x+%#x overflows the address space", uint64(addr), length))
	}
	return ar
}

// next returns the next address quantized by the given size.
func next(start uint64, size uint64) uint64 {
	start &= ^(size - 1)
	start += size
	return start
}

// iterateRange iterates over all appropriate levels of page tables for the
// given range.
//
// If alloc is set, then Set _must_ be called on all given PTEs. The exception
// is super pages. If a valid super page cannot be installed, then the walk
// will continue to individual entries.
//
// This algorithm will attempt to maximize the use of super pages whenever
// possible. Whether a super page is provided will be clear through the range
// provided in the callback.
//
// Note that if alloc set, then no gaps will be present. However, if alloc is
// not set, then the iteration will likely be full of gaps.
//
// Precondition: startAddr and endAddr must be page-aligned.
//
// Precondition: startAddr must be less than or equal to endAddr.
func (p *PageTables) iterateRange(startAddr, endAddr uint64, alloc bool, fn func(s, e uint64, pte *PTE, align uint64)) {
	if startAddr%pteSize != 0 {
		panic(fmt.Sprintf("unaligned start: %v", startAddr))
	}
	if startAddr > endAddr {
		panic(fmt.Sprintf("start > end (%v > %v))", startAddr, endAddr))
	}
	p.iterateLevel(p.root, 0, startAddr, endAddr, alloc, fn)
}

// visit calls fn on the entry and keeps the valid count of n in sync.
func visit(n *PTEs, pte *PTE, s, e, align uint64, fn func(s, e uint64, pte *PTE, align uint64)) {
	was := pte.valid
	fn(s, e, pte, align)
	switch {
	case !was && pte.valid:
		n.count++
	case was && !pte.valid:
		n.count--
	}
}

// iterateLevel walks the entries of n covering [start, end) and returns the
// address at which it stopped.
func (p *PageTables) iterateLevel(n *PTEs, level int, start, end uint64, alloc bool, fn func(s, e uint64, pte *PTE, align uint64)) uint64 {
	shift := levelShifts[level]
	size := uint64(1) << shift
	last := level == len(levelShifts)-1

	for index := int((start >> shift) & indexMask); start < end && index < entriesPerPage; index++ {
		var (
			entry      = &n.entries[index]
			entryEnd   = next(start, size)
			childTable *PTEs
		)
		if last {
			if !entry.valid && !alloc {
				start = entryEnd
				continue
			}
			// At this point, we are guaranteed that start%pteSize == 0.
			visit(n, entry, start, entryEnd, size-1, fn)
			if !entry.valid && alloc {
				panic("PTE not set after iteration with alloc=true!")
			}
			start = entryEnd
			continue
		}

		switch {
		case !entry.valid:
			if !alloc {
				// Skip over this entry.
				start = entryEnd
				continue
			}

			// The pud and pmd levels hold 1-GB and 2-MB super pages.
			// If the region covers the whole entry, we can skip
			// allocating the next level.
			if level > 0 && start&(size-1) == 0 && end-start >= size {
				entry.SetSuper()
				visit(n, entry, start, entryEnd, size-1, fn)
				if entry.valid {
					start = entryEnd
					continue
				}
			}

			// Allocate the next level.
			childTable = p.newPTEs()
			entry.setPageTable(childTable)
			n.count++

		case entry.super:
			// Does this page need to be split?
			if start&(size-1) != 0 || end < entryEnd {
				childTable = p.newPTEs()
				childSize := size / entriesPerPage
				childSuper := level+1 < len(levelShifts)-1
				t := entry.target
				for i := range childTable.entries {
					c := &childTable.entries[i]
					c.super = childSuper
					ct := t
					if !entry.opts.Null {
						ct.Offset += uint64(i) * childSize
					}
					c.Set(ct, entry.opts)
				}
				childTable.count = entriesPerPage

				// Reset to point to the new table. The entry stays
				// valid, so n.count is unchanged.
				entry.setPageTable(childTable)
			} else {
				// A super page to be checked directly.
				visit(n, entry, start, entryEnd, size-1, fn)
				start = entryEnd
				continue
			}

		default:
			childTable = entry.next
		}

		start = p.iterateLevel(childTable, level+1, start, end, alloc, fn)

		// Check if we no longer need this table.
		if childTable.count == 0 {
			entry.Clear()
			n.count--
			p.freePTEs(childTable)
		}
	}
	return start
}

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

// Package allocator hands out disjoint ranges of GPU virtual address space.
// It only does bookkeeping; binding memory at a reserved address is the job
// of the vm package.
package allocator

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
	"gvisor.dev/gpuvm/pkg/gpuarch"
	"gvisor.dev/gpuvm/pkg/log"
)

// Direction is the direction in which Reserve searches for a gap.
type Direction int

const (
	// BottomUp returns the lowest suitable address.
	BottomUp Direction = iota
	// TopDown returns the highest suitable address.
	TopDown
)

// String implements fmt.Stringer.String.
func (d Direction) String() string {
	switch d {
	case BottomUp:
		return "up"
	case TopDown:
		return "down"
	default:
		panic(fmt.Sprintf("invalid direction: %d", d))
	}
}

type reservation struct {
	start gpuarch.Addr
	end   gpuarch.Addr
}

func lessReservation(a, b reservation) bool {
	return a.start < b.start
}

// Allocator reserves page-aligned ranges within [start, end).
type Allocator struct {
	start gpuarch.Addr
	end   gpuarch.Addr

	// mu protects the fields below.
	mu sync.Mutex

	// used holds live reservations ordered by start address.
	used *btree.BTreeG[reservation]

	// reserved is the total length of used.
	reserved uint64
}

// New returns an allocator over [start, end). Both bounds must be page
// aligned.
func New(start, end gpuarch.Addr) (*Allocator, error) {
	if !start.IsPageAligned() || !end.IsPageAligned() || start >= end {
		return nil, gpuerr.EINVAL
	}
	return &Allocator{
		start: start,
		end:   end,
		used:  btree.NewG(8, lessReservation),
	}, nil
}

// Reserve finds a gap of size bytes aligned to alignment and reserves it.
// size is rounded up to a page multiple. An alignment of 0 means page
// alignment; otherwise it must be a power of two no smaller than a page.
// ENOSPC is returned when no gap fits.
func (a *Allocator) Reserve(size, alignment uint64, dir Direction) (gpuarch.Addr, error) {
	if size == 0 {
		return 0, gpuerr.EINVAL
	}
	size, ok := gpuarch.PageRoundUp(size)
	if !ok {
		return 0, gpuerr.EINVAL
	}
	if alignment == 0 {
		alignment = gpuarch.PageSize
	}
	if !gpuarch.IsPowerOfTwo(alignment) || alignment < gpuarch.PageSize {
		return 0, gpuerr.EINVAL
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	var (
		addr  gpuarch.Addr
		found bool
	)
	switch dir {
	case BottomUp:
		addr, found = a.findBottomUpLocked(size, alignment)
	case TopDown:
		addr, found = a.findTopDownLocked(size, alignment)
	default:
		return 0, gpuerr.EINVAL
	}
	if !found {
		if log.IsLogging(log.Debug) {
			log.Debugf("allocator: no gap of %#x bytes aligned to %#x (%s), %#x of %#x reserved", size, alignment, dir, a.reserved, uint64(a.end-a.start))
		}
		return 0, gpuerr.ENOSPC
	}
	a.insertLocked(reservation{start: addr, end: addr + gpuarch.Addr(size)})
	return addr, nil
}

// fits returns the aligned start of a size byte range in [lo, hi), if any.
func fits(lo, hi gpuarch.Addr, size, alignment uint64, dir Direction) (gpuarch.Addr, bool) {
	if hi <= lo || uint64(hi-lo) < size {
		return 0, false
	}
	if dir == BottomUp {
		start := gpuarch.Addr(gpuarch.AlignUp(uint64(lo), alignment))
		if start < lo || start > hi || uint64(hi-start) < size {
			return 0, false
		}
		return start, true
	}
	start := gpuarch.Addr(gpuarch.AlignDown(uint64(hi)-size, alignment))
	if start < lo {
		return 0, false
	}
	return start, true
}

func (a *Allocator) findBottomUpLocked(size, alignment uint64) (addr gpuarch.Addr, found bool) {
	prev := a.start
	a.used.Ascend(func(r reservation) bool {
		addr, found = fits(prev, r.start, size, alignment, BottomUp)
		prev = r.end
		return !found
	})
	if found {
		return addr, true
	}
	return fits(prev, a.end, size, alignment, BottomUp)
}

func (a *Allocator) findTopDownLocked(size, alignment uint64) (addr gpuarch.Addr, found bool) {
	next := a.end
	a.used.Descend(func(r reservation) bool {
		addr, found = fits(r.end, next, size, alignment, TopDown)
		next = r.start
		return !found
	})
	if found {
		return addr, true
	}
	return fits(a.start, next, size, alignment, TopDown)
}

// ReserveAt reserves [addr, addr+size). ENOSPC is returned if any part of
// the range is already reserved.
func (a *Allocator) ReserveAt(addr gpuarch.Addr, size uint64) error {
	size, ok := gpuarch.PageRoundUp(size)
	if !ok || size == 0 || !addr.IsPageAligned() {
		return gpuerr.EINVAL
	}
	ar, ok := addr.ToRange(size)
	if !ok || ar.Start < a.start || ar.End > a.end {
		return gpuerr.EINVAL
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.overlapsLocked(ar) {
		return gpuerr.ENOSPC
	}
	a.insertLocked(reservation{start: ar.Start, end: ar.End})
	return nil
}

func (a *Allocator) overlapsLocked(ar gpuarch.AddrRange) bool {
	overlap := false
	// The reservation starting at or before ar.Start may extend into ar.
	a.used.DescendLessOrEqual(reservation{start: ar.Start}, func(r reservation) bool {
		overlap = r.end > ar.Start
		return false
	})
	if overlap {
		return true
	}
	a.used.AscendRange(reservation{start: ar.Start}, reservation{start: ar.End}, func(reservation) bool {
		overlap = true
		return false
	})
	return overlap
}

func (a *Allocator) insertLocked(r reservation) {
	a.used.ReplaceOrInsert(r)
	a.reserved += uint64(r.end - r.start)
}

// Release returns the reservation starting at addr to the free pool.
// Releasing an address that is not the start of a live reservation, including
// releasing the same reservation twice, returns EALREADY.
func (a *Allocator) Release(addr gpuarch.Addr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.used.Delete(reservation{start: addr})
	if !ok {
		log.Warningf("allocator: release of %v, which is not reserved", addr)
		return gpuerr.EALREADY
	}
	a.reserved -= uint64(r.end - r.start)
	return nil
}

// IsReserved returns true if addr lies within a live reservation.
func (a *Allocator) IsReserved(addr gpuarch.Addr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.overlapsLocked(gpuarch.AddrRange{Start: addr, End: addr + 1})
}

// Reserved returns the live reservations in address order.
func (a *Allocator) Reserved() []gpuarch.AddrRange {
	a.mu.Lock()
	defer a.mu.Unlock()
	rs := make([]gpuarch.AddrRange, 0, a.used.Len())
	a.used.Ascend(func(r reservation) bool {
		rs = append(rs, gpuarch.AddrRange{Start: r.start, End: r.end})
		return true
	})
	return rs
}

// Free returns the number of unreserved bytes.
func (a *Allocator) Free() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint64(a.end-a.start) - a.reserved
}

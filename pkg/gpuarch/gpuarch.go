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

// Package gpuarch contains GPU virtual address types and the page geometry
// of the GPU MMU.
package gpuarch

import (
	"fmt"
)

// Page geometry of the GPU MMU.
const (
	PageShift = 12
	PageSize  = 1 << PageShift

	HugePageShift = 21
	HugePageSize  = 1 << HugePageShift

	GiantPageShift = 30
	GiantPageSize  = 1 << GiantPageShift

	// EntriesPerTable is the number of entries in each level of the page
	// table radix tree.
	EntriesPerTable = 512

	// VABits is the width of the GPU virtual address space.
	VABits = 48

	// MaxAddr is the first address past the end of the address space.
	MaxAddr Addr = 1 << VABits
)

// Addr represents a GPU virtual address.
type Addr uint64

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
//
// Note: This function is usually used to get the end of an address range
// defined by its start address and length. Since the resulting end is
// exclusive, end == 0 is technically valid, and corresponds to a range that
// extends to the end of the address space, but ok will be false. This isn't
// expected to ever come up in practice.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	// The second half of the following check is needed in case uint64 is
	// larger than Addr.
	ok = end >= v && uint64(end-v) == length
	return
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & Addr(PageSize-1))
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// ToRange returns [v, v+length).
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// PageRoundDown rounds a length down to a page multiple.
func PageRoundDown(x uint64) uint64 {
	return x &^ (PageSize - 1)
}

// PageRoundUp rounds a length up to a page multiple. ok is false on overflow.
func PageRoundUp(x uint64) (uint64, bool) {
	y := PageRoundDown(x + PageSize - 1)
	return y, y >= x
}

// IsPowerOfTwo returns true if x is a power of two.
func IsPowerOfTwo(x uint64) bool {
	return x != 0 && x&(x-1) == 0
}

// AlignUp rounds x up to a multiple of align, which must be a power of two.
func AlignUp(x, align uint64) uint64 {
	return (x + align - 1) &^ (align - 1)
}

// AlignDown rounds x down to a multiple of align, which must be a power of two.
func AlignDown(x, align uint64) uint64 {
	return x &^ (align - 1)
}

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

// Package hostmem provides host memory used as GPU backing store: anonymous
// mappings for buffer objects, and user memory referenced by userptr
// bindings.
//
// An AddressSpace plays the role of the process mm. Regions mapped through it
// announce every change to their pages to the registered Notifiers before
// the change happens, which is how userptr bindings learn that their host
// pages are gone.
package hostmem

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
	"gvisor.dev/gpuvm/pkg/log"
)

// PageSize is the host page size assumed by this package.
const PageSize = 4096

// Range is a range of host virtual addresses, [Start, End).
type Range struct {
	Start uintptr
	End   uintptr
}

// Length returns the length of r in bytes.
func (r Range) Length() uint64 {
	return uint64(r.End - r.Start)
}

// Overlaps returns true if r and r2 overlap.
func (r Range) Overlaps(r2 Range) bool {
	return r.Start < r2.End && r2.Start < r.End
}

// String implements fmt.Stringer.String.
func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}

// Notifier is told about host ranges whose pages are about to be replaced
// or removed.
type Notifier interface {
	// Invalidate is called before the pages of r change. Implementations
	// must stop using the pages of r before returning.
	Invalidate(r Range)
}

// AddressSpace tracks notifiers interested in host mapping changes.
type AddressSpace struct {
	mu        sync.Mutex
	notifiers map[Notifier]struct{}
}

// NewAddressSpace returns an empty AddressSpace.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{notifiers: make(map[Notifier]struct{})}
}

var process = NewAddressSpace()

// Process returns the AddressSpace of the calling process.
func Process() *AddressSpace {
	return process
}

// Register adds n to the notifier set.
func (as *AddressSpace) Register(n Notifier) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.notifiers[n] = struct{}{}
}

// Unregister removes n from the notifier set.
func (as *AddressSpace) Unregister(n Notifier) {
	as.mu.Lock()
	defer as.mu.Unlock()
	delete(as.notifiers, n)
}

// invalidate calls every registered notifier. Notifiers are called without
// as.mu held, so they may unregister themselves.
func (as *AddressSpace) invalidate(r Range) {
	as.mu.Lock()
	ns := make([]Notifier, 0, len(as.notifiers))
	for n := range as.notifiers {
		ns = append(ns, n)
	}
	as.mu.Unlock()
	if log.IsLogging(log.Debug) {
		log.Debugf("hostmem: invalidating %v for %d notifiers", r, len(ns))
	}
	for _, n := range ns {
		n.Invalidate(r)
	}
}

// Map creates an anonymous private mapping of length bytes in as.
func (as *AddressSpace) Map(length uint64) (*Region, error) {
	r, err := Map(length)
	if err != nil {
		return nil, err
	}
	r.as = as
	return r, nil
}

// Region is an anonymous host mapping.
type Region struct {
	// as is the address space notified on changes. It is nil for regions
	// that are never referenced by userptr bindings.
	as *AddressSpace

	mu     sync.Mutex
	addr   uintptr
	length uint64
	mapped bool
}

// Map creates an anonymous private mapping of length bytes that belongs to no
// AddressSpace. length is rounded up to a page multiple.
func Map(length uint64) (*Region, error) {
	if length == 0 {
		return nil, gpuerr.EINVAL
	}
	length = (length + PageSize - 1) &^ (PageSize - 1)
	addr, err := mmap(0, length, 0)
	if err != nil {
		return nil, err
	}
	return &Region{addr: addr, length: length, mapped: true}, nil
}

// Addr returns the start address of r.
func (r *Region) Addr() uintptr {
	return r.addr
}

// Len returns the length of r in bytes.
func (r *Region) Len() uint64 {
	return r.length
}

// Range returns the host range spanned by r.
func (r *Region) Range() Range {
	return Range{Start: r.addr, End: r.addr + uintptr(r.length)}
}

// Bytes returns the contents of r, or nil once r has been unmapped.
func (r *Region) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.mapped {
		return nil
	}
	return view(r.addr, r.length)
}

// Remap replaces the pages of r with fresh zero pages at the same address,
// like munmap followed by mmap(MAP_FIXED).
func (r *Region) Remap() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.as != nil {
		r.as.invalidate(r.Range())
	}
	if _, err := mmap(r.addr, r.length, unix.MAP_FIXED); err != nil {
		return err
	}
	r.mapped = true
	return nil
}

// Unmap removes r from the host address space. Unmapping an unmapped region
// returns EALREADY.
func (r *Region) Unmap() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.mapped {
		return gpuerr.EALREADY
	}
	if r.as != nil {
		r.as.invalidate(r.Range())
	}
	if err := munmap(r.addr, r.length); err != nil {
		return err
	}
	r.mapped = false
	return nil
}

// Pin verifies that [addr, addr+length) is mapped in the host address space
// and returns a view of it. Pages need not be resident; they are faulted in
// on first access. EFAULT is returned if any page is unmapped.
func Pin(addr uintptr, length uint64) ([]byte, error) {
	if addr == 0 || length == 0 {
		return nil, gpuerr.EFAULT
	}
	start := addr &^ (PageSize - 1)
	end := (addr + uintptr(length) + PageSize - 1) &^ (PageSize - 1)
	if end < start {
		return nil, gpuerr.EFAULT
	}
	vec := make([]byte, (end-start)/PageSize)
	if err := mincore(view(start, uint64(end-start)), vec); err != nil {
		if errno, ok := err.(unix.Errno); ok && errno != unix.ENOMEM {
			return nil, gpuerr.ErrorFromUnix(errno)
		}
		return nil, gpuerr.EFAULT
	}
	return view(addr, length), nil
}

// ResidentPages returns the number of pages of [addr, addr+length) currently
// backed by host memory.
func ResidentPages(addr uintptr, length uint64) (int, error) {
	start := addr &^ (PageSize - 1)
	end := (addr + uintptr(length) + PageSize - 1) &^ (PageSize - 1)
	vec := make([]byte, (end-start)/PageSize)
	if length == 0 {
		return 0, nil
	}
	if err := mincore(view(start, uint64(end-start)), vec); err != nil {
		if err == unix.ENOMEM {
			return 0, gpuerr.EFAULT
		}
		return 0, err
	}
	n := 0
	for _, v := range vec {
		if v&1 != 0 {
			n++
		}
	}
	return n, nil
}

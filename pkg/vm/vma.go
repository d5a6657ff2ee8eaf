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

package vm

import (
	"fmt"

	"gvisor.dev/gpuvm/pkg/gpuarch"
	"gvisor.dev/gpuvm/pkg/log"
	"gvisor.dev/gpuvm/pkg/pagetables"
)

// BackingKind is the kind of memory behind a mapping.
type BackingKind int

// Backing kinds.
const (
	BackingBuffer BackingKind = iota
	BackingUserptr
)

// String implements fmt.Stringer.String.
func (k BackingKind) String() string {
	switch k {
	case BackingBuffer:
		return "buffer"
	case BackingUserptr:
		return "userptr"
	default:
		return fmt.Sprintf("BackingKind(%d)", int(k))
	}
}

// Backing is memory that a mapping translates to. Mappings reference
// backings; they never own them.
type Backing interface {
	pagetables.Memory

	// Size returns the size of the backing in bytes.
	Size() uint64

	// Kind returns the kind of backing.
	Kind() BackingKind

	// String returns a description for logs.
	String() string
}

// Populator is implemented by backings whose memory is committed on first
// bind rather than at creation. Populate is called before the mapping is
// installed; its error fails the bind.
type Populator interface {
	Populate() error
}

// Referencer is implemented by backings that must stay alive while mapped.
// IncRef is called for every mapping that references the backing and DecRef
// when that mapping is destroyed.
type Referencer interface {
	IncRef()
	DecRef()
}

// Migrator is implemented by backings that can move between regions. It is
// used by Prefetch.
type Migrator interface {
	Migrate(r Region) error
}

// MappingState is the state of a mapping.
//
//	Pending -> Bound -> Splitting -> Destroyed (remainders are Bound)
//	                 -> Unbinding -> Destroyed
//	Pending -> Errored -> Unbinding -> Destroyed
type MappingState int

// Mapping states.
const (
	// Pending mappings were installed by an IMMEDIATE operation whose
	// fences have not signaled.
	Pending MappingState = iota

	// Bound mappings are complete.
	Bound

	// Splitting mappings are being replaced by their remainders.
	Splitting

	// Unbinding mappings are being removed.
	Unbinding

	// Destroyed mappings are no longer part of the VM.
	Destroyed

	// Errored mappings belong to an operation that failed after it was
	// applied, such as one canceled by a reset. They have no
	// translations and remain until unbound.
	Errored
)

var stateNames = [...]string{
	Pending:   "pending",
	Bound:     "bound",
	Splitting: "splitting",
	Unbinding: "unbinding",
	Destroyed: "destroyed",
	Errored:   "errored",
}

// String implements fmt.Stringer.String.
func (s MappingState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("MappingState(%d)", int(s))
}

// transitions are the legal state changes.
var transitions = map[MappingState][]MappingState{
	Pending:   {Bound, Errored, Splitting, Unbinding},
	Bound:     {Splitting, Unbinding},
	Errored:   {Splitting, Unbinding},
	Splitting: {Destroyed},
	Unbinding: {Destroyed},
}

// Mapping is a snapshot of one bound interval.
type Mapping struct {
	Range         gpuarch.AddrRange
	Backing       Backing
	BackingOffset uint64
	Kind          OpKind
	Flags         Flags
	PATIndex      uint8
	Null          bool
	State         MappingState

	// Invalidated is set for userptr mappings whose host memory changed
	// since they were bound.
	Invalidated bool

	// Populated is set if the mapping has page table entries.
	Populated bool
}

// String implements fmt.Stringer.String.
func (m Mapping) String() string {
	if m.Null {
		return fmt.Sprintf("%v null %v", m.Range, m.State)
	}
	return fmt.Sprintf("%v -> %v+%#x %v", m.Range, m.Backing, m.BackingOffset, m.State)
}

// vma is one live mapping.
type vma struct {
	ar      gpuarch.AddrRange
	backing Backing
	offset  uint64
	kind    OpKind
	flags   Flags
	pat     uint8
	state   MappingState

	// submission is the operation that created the mapping. Remainders of
	// a split inherit it.
	submission SubmissionID

	invalidated bool
	populated   bool
}

func lessVMA(a, b *vma) bool {
	return a.ar.Start < b.ar.Start
}

// key returns a search key for the tree.
func key(addr gpuarch.Addr) *vma {
	return &vma{ar: gpuarch.AddrRange{Start: addr, End: addr}}
}

func (x *vma) null() bool {
	return x.flags&FlagNull != 0
}

func (x *vma) setState(to MappingState) {
	for _, s := range transitions[x.state] {
		if s == to {
			x.state = to
			return
		}
	}
	panic(fmt.Sprintf("mapping %v: illegal transition %v -> %v", x.ar, x.state, to))
}

func (x *vma) snapshot() Mapping {
	return Mapping{
		Range:         x.ar,
		Backing:       x.backing,
		BackingOffset: x.offset,
		Kind:          x.kind,
		Flags:         x.flags,
		PATIndex:      x.pat,
		Null:          x.null(),
		State:         x.state,
		Invalidated:   x.invalidated,
		Populated:     x.populated,
	}
}

func (x *vma) String() string {
	return x.snapshot().String()
}

// findLocked returns the mapping containing addr.
//
// Preconditions: v.mu must be locked.
func (v *VM) findLocked(addr gpuarch.Addr) *vma {
	var found *vma
	v.vmas.DescendLessOrEqual(key(addr), func(x *vma) bool {
		if x.ar.Contains(addr) {
			found = x
		}
		return false
	})
	return found
}

// overlappingLocked returns the mappings overlapping ar in address order.
//
// Preconditions: v.mu must be locked.
func (v *VM) overlappingLocked(ar gpuarch.AddrRange) []*vma {
	var xs []*vma
	v.vmas.DescendLessOrEqual(key(ar.Start), func(x *vma) bool {
		if x.ar.Start < ar.Start && x.ar.Overlaps(ar) {
			xs = append(xs, x)
		}
		return false
	})
	v.vmas.AscendRange(key(ar.Start), key(ar.End), func(x *vma) bool {
		xs = append(xs, x)
		return true
	})
	return xs
}

// insertLocked adds x to the mapping set.
//
// Preconditions: v.mu must be locked. x must not overlap any mapping.
func (v *VM) insertLocked(x *vma) {
	if old, ok := v.vmas.ReplaceOrInsert(x); ok {
		panic(fmt.Sprintf("mapping %v replaced %v", x, old))
	}
	if r, ok := x.backing.(Referencer); ok {
		r.IncRef()
	}
}

// removeLocked drops x from the mapping set.
//
// Preconditions: v.mu must be locked.
func (v *VM) removeLocked(x *vma) {
	if _, ok := v.vmas.Delete(x); !ok {
		panic(fmt.Sprintf("mapping %v not found", x))
	}
	if r, ok := x.backing.(Referencer); ok {
		r.DecRef()
	}
}

// populateLocked installs page table entries for x.
//
// Preconditions: v.mu must be locked.
func (v *VM) populateLocked(x *vma) {
	opts := pagetables.MapOpts{
		ReadOnly: x.flags&FlagReadOnly != 0,
		Null:     x.null(),
		PAT:      x.pat,
	}
	var t pagetables.Target
	if !x.null() {
		t = pagetables.Target{Mem: x.backing, Offset: x.offset}
	}
	v.pt.Map(x.ar.Start, x.ar.Length(), opts, t)
	x.populated = true
}

// depopulateLocked removes the page table entries of x.
//
// Preconditions: v.mu must be locked.
func (v *VM) depopulateLocked(x *vma) {
	if x.populated {
		v.pt.Unmap(x.ar.Start, x.ar.Length())
		x.populated = false
	}
}

// unmapLocked removes translations for ar with munmap semantics: mappings
// contained in ar are destroyed, mappings partially overlapping ar are split
// and their remainders keep their translations and adjusted backing
// offsets. It returns the number of mappings affected.
//
// Only the page table entries inside ar are touched, so translations of the
// remainders stay valid throughout.
//
// Preconditions: v.mu must be locked.
func (v *VM) unmapLocked(ar gpuarch.AddrRange) int {
	xs := v.overlappingLocked(ar)
	for _, x := range xs {
		inter := x.ar.Intersect(ar)
		if x.populated {
			v.pt.Unmap(inter.Start, inter.Length())
		}
		prior := x.state
		v.removeLocked(x)

		if inter == x.ar {
			x.setState(Unbinding)
			x.setState(Destroyed)
			continue
		}

		x.setState(Splitting)
		if x.ar.Start < inter.Start {
			front := *x
			front.ar.End = inter.Start
			front.state = prior
			v.insertLocked(&front)
		}
		if inter.End < x.ar.End {
			back := *x
			back.ar.Start = inter.End
			back.offset += uint64(inter.End - x.ar.Start)
			back.state = prior
			v.insertLocked(&back)
		}
		x.setState(Destroyed)
		if log.IsLogging(log.Debug) {
			log.Debugf("%v: split %v around %v", v, x.ar, inter)
		}
	}
	return len(xs)
}

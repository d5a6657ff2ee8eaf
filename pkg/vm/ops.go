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
	"context"
	"fmt"

	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
	"gvisor.dev/gpuvm/pkg/fence"
	"gvisor.dev/gpuvm/pkg/gpuarch"
	"gvisor.dev/gpuvm/pkg/log"
	"gvisor.dev/gpuvm/pkg/sched"
)

// Flags are bind flags.
type Flags uint32

// Bind flags.
const (
	// FlagReadOnly forbids GPU writes through the mapping.
	FlagReadOnly Flags = 1 << 0

	// FlagImmediate applies the operation at submission time, ahead of
	// earlier operations and dependencies. In fault mode it also
	// populates page tables right away.
	FlagImmediate Flags = 1 << 1

	// FlagNull creates a mapping without backing. Reads return zero and
	// writes are dropped.
	FlagNull Flags = 1 << 2

	// FlagDumpable marks the mapping for inclusion in error captures.
	FlagDumpable Flags = 1 << 3

	// FlagCheckPXP requires protected content to be valid.
	FlagCheckPXP Flags = 1 << 4

	validFlags = FlagReadOnly | FlagImmediate | FlagNull | FlagDumpable | FlagCheckPXP
)

// String implements fmt.Stringer.String.
func (f Flags) String() string {
	return flagString(uint32(f), []string{"readonly", "immediate", "null", "dumpable", "check-pxp"})
}

// OpKind is the kind of a bind operation.
type OpKind int

// Operation kinds.
const (
	OpMap OpKind = iota
	OpUnmap
	OpMapUserptr
	OpUnmapAll
	OpPrefetch
)

var opNames = [...]string{
	OpMap:        "map",
	OpUnmap:      "unmap",
	OpMapUserptr: "map-userptr",
	OpUnmapAll:   "unmap-all",
	OpPrefetch:   "prefetch",
}

// String implements fmt.Stringer.String.
func (k OpKind) String() string {
	if k >= 0 && int(k) < len(opNames) {
		return opNames[k]
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// Op is one bind operation.
type Op struct {
	Kind OpKind

	// Backing is the buffer for OpMap and OpUnmapAll. It is nil for null
	// mappings, userptr and range operations.
	Backing       Backing
	BackingOffset uint64

	// HostAddr is the host address for OpMapUserptr.
	HostAddr uintptr

	// Addr and Length are the GPU range. They are ignored by OpUnmapAll.
	Addr   gpuarch.Addr
	Length uint64

	Flags    Flags
	PATIndex uint8

	// Region is the target of OpPrefetch.
	Region Region
}

// Range returns the GPU range of the operation.
func (o *Op) Range() gpuarch.AddrRange {
	return gpuarch.AddrRange{Start: o.Addr, End: o.Addr + gpuarch.Addr(o.Length)}
}

// String implements fmt.Stringer.String.
func (o Op) String() string {
	return fmt.Sprintf("%v %#x+%#x flags=%v", o.Kind, uint64(o.Addr), o.Length, o.Flags)
}

// Validate checks o. Every failure is EINVAL.
func (o *Op) Validate() error {
	if o.Flags&^validFlags != 0 {
		return gpuerr.EINVAL
	}
	null := o.Flags&FlagNull != 0
	switch o.Kind {
	case OpMap:
		if null {
			if o.Backing != nil || o.BackingOffset != 0 {
				return gpuerr.EINVAL
			}
			break
		}
		if o.Backing == nil || !gpuarch.Addr(o.BackingOffset).IsPageAligned() {
			return gpuerr.EINVAL
		}
		end := o.BackingOffset + o.Length
		if end < o.BackingOffset || end > o.Backing.Size() {
			return gpuerr.EINVAL
		}
	case OpMapUserptr:
		if null || o.Backing != nil || o.HostAddr == 0 || o.HostAddr%gpuarch.PageSize != 0 {
			return gpuerr.EINVAL
		}
		if o.HostAddr+uintptr(o.Length) < o.HostAddr {
			return gpuerr.EINVAL
		}
	case OpUnmap, OpPrefetch:
		if o.Backing != nil || o.Flags&(FlagNull|FlagReadOnly) != 0 {
			return gpuerr.EINVAL
		}
		if o.Kind == OpPrefetch && o.Region != RegionSystem && o.Region != RegionVRAM {
			return gpuerr.EINVAL
		}
	case OpUnmapAll:
		if o.Backing == nil || o.Flags&(FlagNull|FlagReadOnly) != 0 {
			return gpuerr.EINVAL
		}
		return nil
	default:
		return gpuerr.EINVAL
	}

	if o.Length == 0 || !o.Addr.IsPageAligned() || !gpuarch.Addr(o.Length).IsPageAligned() {
		return gpuerr.EINVAL
	}
	if end, ok := o.Addr.AddLength(o.Length); !ok || end > gpuarch.MaxAddr {
		return gpuerr.EINVAL
	}
	return nil
}

// Bind maps [addr, addr+length) to b at offset. A nil b requires FlagNull.
func (v *VM) Bind(q *BindQueue, b Backing, offset uint64, addr gpuarch.Addr, length uint64, flags Flags, pat uint8, syncs ...fence.Sync) (SubmissionID, error) {
	return v.submit(q, []Op{{
		Kind:          OpMap,
		Backing:       b,
		BackingOffset: offset,
		Addr:          addr,
		Length:        length,
		Flags:         flags,
		PATIndex:      pat,
	}}, syncs)
}

// BindUserptr maps [addr, addr+length) to host memory at hostAddr. The host
// range must be mapped, though not necessarily resident; EFAULT is returned
// otherwise.
func (v *VM) BindUserptr(q *BindQueue, hostAddr uintptr, addr gpuarch.Addr, length uint64, flags Flags, syncs ...fence.Sync) (SubmissionID, error) {
	return v.submit(q, []Op{{
		Kind:     OpMapUserptr,
		HostAddr: hostAddr,
		Addr:     addr,
		Length:   length,
		Flags:    flags,
	}}, syncs)
}

// Unbind removes translations for [addr, addr+length). Mappings partially
// covered by the range are split; the parts outside the range are preserved.
func (v *VM) Unbind(q *BindQueue, addr gpuarch.Addr, length uint64, syncs ...fence.Sync) (SubmissionID, error) {
	return v.submit(q, []Op{{
		Kind:   OpUnmap,
		Addr:   addr,
		Length: length,
	}}, syncs)
}

// UnbindAll removes every mapping of b.
func (v *VM) UnbindAll(q *BindQueue, b Backing, syncs ...fence.Sync) (SubmissionID, error) {
	return v.submit(q, []Op{{
		Kind:    OpUnmapAll,
		Backing: b,
	}}, syncs)
}

// Prefetch migrates the backings of the mappings in [addr, addr+length) to
// region r. It is a hint: unbound parts of the range are skipped and
// migration failures are logged.
func (v *VM) Prefetch(q *BindQueue, addr gpuarch.Addr, length uint64, r Region, syncs ...fence.Sync) (SubmissionID, error) {
	return v.submit(q, []Op{{
		Kind:   OpPrefetch,
		Addr:   addr,
		Length: length,
		Region: r,
	}}, syncs)
}

// BindArray submits ops as one operation sharing syncs. The result is the
// same as submitting them one by one on q, but the array either applies
// entirely or not at all. An array that cannot fit in the queue ring fails
// with ENOBUFS.
//
// The array is applied at submission time only if every op carries
// FlagImmediate.
func (v *VM) BindArray(q *BindQueue, ops []Op, syncs ...fence.Sync) (SubmissionID, error) {
	if len(ops) == 0 {
		return 0, gpuerr.EINVAL
	}
	return v.submit(q, append([]Op(nil), ops...), syncs)
}

// submit validates ops and enqueues them as one job.
func (v *VM) submit(q *BindQueue, ops []Op, syncs []fence.Sync) (SubmissionID, error) {
	id, err := v.submitOps(q, ops, syncs)
	if err != nil {
		v.metrics.BindError(err)
		if log.IsLogging(log.Debug) {
			log.Debugf("%v: rejected %d ops (%v): %v", v, len(ops), ops[0], err)
		}
	}
	return id, err
}

func (v *VM) submitOps(q *BindQueue, ops []Op, syncs []fence.Sync) (SubmissionID, error) {
	immediate := true
	for i := range ops {
		if err := ops[i].Validate(); err != nil {
			return 0, err
		}
		immediate = immediate && ops[i].Flags&FlagImmediate != 0
	}
	waits, signals, err := fence.Split(syncs)
	if err != nil {
		return 0, err
	}
	if v.LRMode() && fence.HasBinarySignal(signals) {
		return 0, gpuerr.EINVAL
	}
	for i := range ops {
		if ops[i].Kind != OpMapUserptr {
			continue
		}
		up, err := pinUserptr(ops[i].HostAddr, ops[i].Length)
		if err != nil {
			return 0, err
		}
		ops[i].Backing = up
	}

	id := SubmissionID(v.nextSubmission.Add(1))
	name := fmt.Sprintf("%v#%d", ops[0].Kind, id)
	if len(ops) > 1 {
		name = fmt.Sprintf("array[%d]#%d", len(ops), id)
	}
	job := &sched.Job{
		Ops:   len(ops),
		Waits: waits,
		Name:  name,
	}

	v.mu.Lock()
	bq, err := v.queueLocked(q)
	if err != nil {
		v.mu.Unlock()
		return 0, err
	}

	if immediate {
		defer v.mu.Unlock()
		if err := v.prepareLocked(ops); err != nil {
			return 0, err
		}
		job.Done = func(err error) {
			v.completeImmediate(id, err)
			v.finish(name, signals, err)
		}
		if err := bq.q.Submit(job); err != nil {
			return 0, err
		}
		v.applyLocked(ops, id, Pending)
		return id, nil
	}
	v.mu.Unlock()

	job.Run = func(context.Context) error {
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.closed {
			return gpuerr.ECANCELED
		}
		if err := v.prepareLocked(ops); err != nil {
			return err
		}
		v.applyLocked(ops, id, Bound)
		return nil
	}
	job.Done = func(err error) {
		v.finish(name, signals, err)
	}
	if err := bq.q.Submit(job); err != nil {
		return 0, err
	}
	return id, nil
}

// finish completes a job.
func (v *VM) finish(name string, signals []fence.Sync, err error) {
	if err != nil {
		v.metrics.BindError(err)
		log.Infof("%v: %s failed: %v", v, name, err)
	}
	fence.SignalAll(signals, err)
}

// prepareLocked performs every check that depends on state outside the
// address space. If it fails, nothing has been modified.
//
// Preconditions: v.mu must be locked.
func (v *VM) prepareLocked(ops []Op) error {
	for i := range ops {
		o := &ops[i]
		switch o.Kind {
		case OpMapUserptr:
			if err := o.Backing.(*Userptr).pin(); err != nil {
				return err
			}
		case OpMap:
			if p, ok := o.Backing.(Populator); ok {
				if err := p.Populate(); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// applyLocked applies ops in order. New mappings are created in state.
//
// Preconditions: v.mu must be locked. prepareLocked(ops) succeeded.
func (v *VM) applyLocked(ops []Op, id SubmissionID, state MappingState) {
	for i := range ops {
		o := &ops[i]
		switch o.Kind {
		case OpMap, OpMapUserptr:
			ar := o.Range()
			v.unmapLocked(ar)
			x := &vma{
				ar:         ar,
				backing:    o.Backing,
				offset:     o.BackingOffset,
				kind:       o.Kind,
				flags:      o.Flags,
				pat:        o.PATIndex,
				state:      state,
				submission: id,
			}
			v.insertLocked(x)
			if !v.FaultMode() || o.Flags&FlagImmediate != 0 {
				v.populateLocked(x)
			}
		case OpUnmap:
			v.unmapLocked(o.Range())
		case OpUnmapAll:
			var xs []*vma
			v.vmas.Ascend(func(x *vma) bool {
				if x.backing == o.Backing {
					xs = append(xs, x)
				}
				return true
			})
			for _, x := range xs {
				v.unmapLocked(x.ar)
			}
		case OpPrefetch:
			v.prefetchLocked(o.Range(), o.Region)
		}
		v.metrics.BindOp(o.Kind.String())
	}
	v.metrics.Mappings(v.id, v.vmas.Len())
}

// prefetchLocked migrates the backings of mappings in ar to r.
//
// Preconditions: v.mu must be locked.
func (v *VM) prefetchLocked(ar gpuarch.AddrRange, r Region) {
	seen := make(map[Backing]struct{})
	for _, x := range v.overlappingLocked(ar) {
		m, ok := x.backing.(Migrator)
		if !ok {
			continue
		}
		if _, ok := seen[x.backing]; ok {
			continue
		}
		seen[x.backing] = struct{}{}
		if err := m.Migrate(r); err != nil {
			log.Infof("%v: prefetch of %v to %v failed: %v", v, x.backing, r, err)
		}
	}
}

// completeImmediate settles the mappings created by an IMMEDIATE operation
// once its fences signal.
func (v *VM) completeImmediate(id SubmissionID, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vmas.Ascend(func(x *vma) bool {
		if x.submission != id || x.state != Pending {
			return true
		}
		if err == nil {
			x.setState(Bound)
			return true
		}
		x.setState(Errored)
		v.depopulateLocked(x)
		return true
	})
}

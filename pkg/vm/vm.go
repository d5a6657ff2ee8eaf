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

// Package vm implements a GPU virtual address space: the set of bound
// mappings, their page tables and the bind queues that mutate them.
//
// All mutations are asynchronous. Bind, Unbind and friends validate their
// arguments synchronously, enqueue a job on a bind queue and return a
// SubmissionID. The job runs once its fence dependencies signal, in FIFO
// order with the other jobs of the queue, and signals its fences with the
// result.
//
// Lock order:
//
//	VM.mu
//		sched.Queue.mu
package vm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
	"gvisor.dev/gpuvm/pkg/gpuarch"
	"gvisor.dev/gpuvm/pkg/hostmem"
	"gvisor.dev/gpuvm/pkg/log"
	"gvisor.dev/gpuvm/pkg/pagetables"
	"gvisor.dev/gpuvm/pkg/sched"
)

// CreateFlags are VM creation flags.
type CreateFlags uint32

// VM creation flags.
const (
	// CreateScratchPage backs every unbound address with a scratch page:
	// reads return zero and writes are dropped instead of faulting.
	CreateScratchPage CreateFlags = 1 << 0

	// CreateLRMode creates a long-running VM. Binary fences cannot be
	// signaled by work on such a VM; user fences must be used instead.
	CreateLRMode CreateFlags = 1 << 1

	// CreateFaultMode populates page tables on first GPU access. It
	// requires CreateLRMode.
	CreateFaultMode CreateFlags = 1 << 2

	validCreateFlags = CreateScratchPage | CreateLRMode | CreateFaultMode
)

// Validate checks a combination of creation flags.
func (f CreateFlags) Validate() error {
	switch {
	case f&^validCreateFlags != 0:
		return gpuerr.EINVAL
	case f&CreateFaultMode != 0 && f&CreateLRMode == 0:
		return gpuerr.EINVAL
	case f&CreateFaultMode != 0 && f&CreateScratchPage != 0:
		return gpuerr.EINVAL
	}
	return nil
}

// String implements fmt.Stringer.String.
func (f CreateFlags) String() string {
	return flagString(uint32(f), []string{"scratch", "lr", "fault"})
}

// SubmissionID identifies a submitted operation. IDs increase monotonically
// per VM.
type SubmissionID uint64

// Region is a device memory region.
type Region int

// Memory regions.
const (
	RegionSystem Region = iota
	RegionVRAM
)

// String implements fmt.Stringer.String.
func (r Region) String() string {
	switch r {
	case RegionSystem:
		return "system"
	case RegionVRAM:
		return "vram"
	default:
		return fmt.Sprintf("Region(%d)", int(r))
	}
}

// Metrics receives VM events. All methods must be safe for concurrent use.
type Metrics interface {
	sched.Observer

	// BindOp counts an executed operation of the given kind.
	BindOp(op string)

	// BindError counts a failed operation.
	BindError(err error)

	// GPUFault counts a GPU page fault.
	GPUFault()

	// Mappings reports the number of live mappings of a VM.
	Mappings(vm uint32, n int)
}

type noopMetrics struct{}

func (noopMetrics) QueueDepth(string, int)  {}
func (noopMetrics) JobFailed(string, error) {}
func (noopMetrics) BindOp(string)           {}
func (noopMetrics) BindError(error)         {}
func (noopMetrics) GPUFault()               {}
func (noopMetrics) Mappings(uint32, int)    {}

// Opts configure a VM.
type Opts struct {
	// ID names the VM in logs and metrics.
	ID uint32

	// Flags are the creation flags.
	Flags CreateFlags

	// QueueCapacity is the ring capacity of each bind queue, in
	// operations. Zero selects sched.DefaultCapacity.
	QueueCapacity int

	// Metrics receives events. It may be nil.
	Metrics Metrics

	// AddressSpace is the host address space userptr mappings refer to.
	// Nil selects hostmem.Process().
	AddressSpace *hostmem.AddressSpace
}

// VM is a GPU virtual address space.
type VM struct {
	id       uint32
	flags    CreateFlags
	capacity int
	metrics  Metrics
	as       *hostmem.AddressSpace

	// nextSubmission is the last SubmissionID handed out.
	nextSubmission atomic.Uint64

	// mu protects the fields below. GPU accesses hold it for reading;
	// binds hold it for writing while they mutate the address space.
	mu sync.RWMutex

	// vmas are the live mappings, keyed by start address. They never
	// overlap.
	vmas *btree.BTreeG[*vma]

	// pt translates the bound, populated parts of vmas.
	pt *pagetables.PageTables

	// queues are the bind queues by ID. defaultQueue is also in queues.
	queues       map[uint32]*BindQueue
	defaultQueue *BindQueue
	nextQueue    uint32

	// closed is set by Close.
	closed bool
}

// New creates a VM with a default bind queue.
func New(opts Opts) (*VM, error) {
	if err := opts.Flags.Validate(); err != nil {
		return nil, err
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.AddressSpace == nil {
		opts.AddressSpace = hostmem.Process()
	}
	v := &VM{
		id:       opts.ID,
		flags:    opts.Flags,
		capacity: opts.QueueCapacity,
		metrics:  opts.Metrics,
		as:       opts.AddressSpace,
		vmas:     btree.NewG(8, lessVMA),
		pt:       pagetables.New(),
		queues:   make(map[uint32]*BindQueue),
	}
	v.defaultQueue = v.newQueueLocked()
	v.as.Register(v)
	log.Debugf("vm %d: created with flags %v", v.id, v.flags)
	return v, nil
}

// ID returns the VM ID.
func (v *VM) ID() uint32 {
	return v.id
}

// Flags returns the creation flags.
func (v *VM) Flags() CreateFlags {
	return v.flags
}

// LRMode returns true for long-running VMs.
func (v *VM) LRMode() bool {
	return v.flags&CreateLRMode != 0
}

// FaultMode returns true if page tables are populated on GPU access.
func (v *VM) FaultMode() bool {
	return v.flags&CreateFaultMode != 0
}

// String implements fmt.Stringer.String.
func (v *VM) String() string {
	return fmt.Sprintf("vm %d", v.id)
}

// DefaultQueue returns the default in-order bind queue.
func (v *VM) DefaultQueue() *BindQueue {
	return v.defaultQueue
}

// CreateBindQueue creates an independently ordered bind queue.
func (v *VM) CreateBindQueue() (*BindQueue, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, gpuerr.ENOENT
	}
	return v.newQueueLocked(), nil
}

func (v *VM) newQueueLocked() *BindQueue {
	id := v.nextQueue
	v.nextQueue++
	bq := &BindQueue{
		id: id,
		vm: v,
		q: sched.New(sched.Opts{
			Name:     fmt.Sprintf("vm%d-bind%d", v.id, id),
			Capacity: v.capacity,
			Observer: v.metrics,
		}),
	}
	v.queues[id] = bq
	return bq
}

// DestroyBindQueue destroys q. Pending operations on q fail with ECANCELED.
// The default queue cannot be destroyed.
func (v *VM) DestroyBindQueue(q *BindQueue) error {
	v.mu.Lock()
	if q == nil || q.vm != v || v.queues[q.id] != q {
		v.mu.Unlock()
		return gpuerr.ENOENT
	}
	if q == v.defaultQueue {
		v.mu.Unlock()
		return gpuerr.EINVAL
	}
	delete(v.queues, q.id)
	v.mu.Unlock()

	// Pending jobs take v.mu when they run, so the queue must be closed
	// without holding it.
	q.q.Close()
	return nil
}

// queueLocked resolves a queue argument. nil selects the default queue.
//
// Preconditions: v.mu must be locked.
func (v *VM) queueLocked(q *BindQueue) (*BindQueue, error) {
	if v.closed {
		return nil, gpuerr.ENOENT
	}
	if q == nil {
		return v.defaultQueue, nil
	}
	if q.vm != v || v.queues[q.id] != q {
		return nil, gpuerr.ENOENT
	}
	return q, nil
}

// Reset models a device reset. Every bind queue is reset: pending
// operations fail with ECANCELED and the queues enter the error state until
// ClearError. Mappings whose operation had not completed become Errored.
func (v *VM) Reset() {
	v.mu.RLock()
	queues := make([]*BindQueue, 0, len(v.queues))
	for _, q := range v.queues {
		queues = append(queues, q)
	}
	v.mu.RUnlock()

	log.Warningf("%v: reset, canceling in-flight binds on %d queues", v, len(queues))
	for _, q := range queues {
		q.q.Reset(gpuerr.ECANCELED)
	}
}

// Close destroys the VM. Bind queues are closed, with pending operations
// failing with ECANCELED, and any remaining mappings are force-cleared.
// Further calls return ENOENT.
func (v *VM) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return gpuerr.ENOENT
	}
	v.closed = true
	queues := v.queues
	v.queues = nil
	v.mu.Unlock()

	for _, q := range queues {
		q.q.Close()
	}
	v.as.Unregister(v)

	v.mu.Lock()
	defer v.mu.Unlock()
	if n := v.vmas.Len(); n > 0 {
		log.Warningf("%v: destroyed with %d mappings still bound, clearing", v, n)
	}
	v.unmapLocked(gpuarch.AddrRange{Start: 0, End: gpuarch.MaxAddr})
	v.pt.Release()
	v.metrics.Mappings(v.id, 0)
	return nil
}

// Closed returns true after Close.
func (v *VM) Closed() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.closed
}

// BindQueue is an ordering domain for bind operations.
type BindQueue struct {
	id uint32
	vm *VM
	q  *sched.Queue
}

// ID returns the queue ID within its VM.
func (q *BindQueue) ID() uint32 {
	return q.id
}

// Err returns the queue error recorded by a failed operation, if any.
func (q *BindQueue) Err() error {
	return q.q.Err()
}

// ClearError returns an errored queue to service.
func (q *BindQueue) ClearError() {
	q.q.ClearError()
}

// Idle returns true if no operation is pending or running.
func (q *BindQueue) Idle() bool {
	return q.q.Idle()
}

// PendingOps returns the number of ring slots held by deferred operations.
func (q *BindQueue) PendingOps() int {
	return q.q.PendingOps()
}

// Capacity returns the ring capacity in operations.
func (q *BindQueue) Capacity() int {
	return q.q.Capacity()
}

// Drain blocks until the queue is idle or ctx is done.
func (q *BindQueue) Drain(ctx context.Context) error {
	return q.q.Drain(ctx)
}

// String implements fmt.Stringer.String.
func (q *BindQueue) String() string {
	return q.q.Name()
}

func flagString(f uint32, names []string) string {
	if f == 0 {
		return "0"
	}
	s := ""
	for i, name := range names {
		if f&(1<<i) == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += name
		f &^= 1 << i
	}
	if f != 0 {
		if s != "" {
			s += "|"
		}
		s += fmt.Sprintf("%#x", f)
	}
	return s
}

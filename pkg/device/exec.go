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

package device

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
	"gvisor.dev/gpuvm/pkg/fence"
	"gvisor.dev/gpuvm/pkg/gpuarch"
	"gvisor.dev/gpuvm/pkg/log"
	"gvisor.dev/gpuvm/pkg/sched"
	"gvisor.dev/gpuvm/pkg/vm"
)

// Engine is a hardware engine class.
type Engine int

// Engine classes.
const (
	EngineRender Engine = iota
	EngineCopy
	EngineCompute
	EngineVideo
)

var engineNames = [...]string{
	EngineRender:  "rcs",
	EngineCopy:    "bcs",
	EngineCompute: "ccs",
	EngineVideo:   "vcs",
}

// String implements fmt.Stringer.String.
func (e Engine) String() string {
	if e < 0 || int(e) >= len(engineNames) {
		return fmt.Sprintf("Engine(%d)", int(e))
	}
	return engineNames[e]
}

// ParseEngine parses an engine name as printed by Engine.String, or the
// class names "render", "copy", "compute" and "video".
func ParseEngine(s string) (Engine, error) {
	switch strings.ToLower(s) {
	case "rcs", "render":
		return EngineRender, nil
	case "bcs", "copy":
		return EngineCopy, nil
	case "ccs", "compute":
		return EngineCompute, nil
	case "vcs", "video":
		return EngineVideo, nil
	}
	return 0, fmt.Errorf("unknown engine %q: %w", s, gpuerr.EINVAL)
}

// blitter returns true if e executes blitter commands.
func (e Engine) blitter() bool {
	return e == EngineCopy
}

// ExecQueue is an ordering domain for batch buffers on one engine of one
// VM. A batch that faults bans the queue: later submissions fail with EIO
// until ClearError.
type ExecQueue struct {
	object

	vm     *vm.VM
	engine Engine
	q      *sched.Queue

	// batches counts completed batches.
	batches atomic.Uint64
}

// CreateExecQueue creates an exec queue on engine e of v.
func (d *Device) CreateExecQueue(v *vm.VM, e Engine) (*ExecQueue, error) {
	if e < 0 || int(e) >= len(engineNames) {
		return nil, gpuerr.EINVAL
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, gpuerr.ENODEV
	}
	parent, ok := d.objGet(Handle(v.ID()), ClassVM)
	if !ok || parent.impl.(*vmObject).vm != v {
		return nil, gpuerr.ENOENT
	}
	h := d.newHandle()
	var observer sched.Observer
	if d.metrics != nil {
		observer = d.metrics
	}
	q := &ExecQueue{
		vm:     v,
		engine: e,
		q: sched.New(sched.Opts{
			Name:     fmt.Sprintf("vm%d/%v%d", v.ID(), e, h),
			Capacity: d.capacity,
			Observer: observer,
		}),
	}
	d.objAdd(h, ClassExecQueue, q, parent)
	return q, nil
}

// DestroyExecQueue destroys q. Pending batches fail with ECANCELED.
func (d *Device) DestroyExecQueue(q *ExecQueue) error {
	d.mu.Lock()
	o, ok := d.objGet(q.handle, ClassExecQueue)
	if !ok || o.impl != objectImpl(q) {
		d.mu.Unlock()
		return gpuerr.ENOENT
	}
	fs := d.objFree(q.handle)
	d.mu.Unlock()
	runAll(fs)
	return nil
}

// Release implements objectImpl.Release.
func (q *ExecQueue) Release() func() {
	return q.q.Close
}

// live returns ENOENT if q has been destroyed.
func (q *ExecQueue) live() error {
	d := q.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if o, ok := d.objGet(q.handle, ClassExecQueue); !ok || o.impl != objectImpl(q) {
		return gpuerr.ENOENT
	}
	return nil
}

// VM returns the VM q executes in.
func (q *ExecQueue) VM() *vm.VM {
	return q.vm
}

// Engine returns the engine class of q.
func (q *ExecQueue) Engine() Engine {
	return q.engine
}

// Err returns the error that banned q, if any.
func (q *ExecQueue) Err() error {
	return q.q.Err()
}

// ClearError returns a banned queue to service.
func (q *ExecQueue) ClearError() {
	q.q.ClearError()
}

// Idle returns true if no batch is pending or running.
func (q *ExecQueue) Idle() bool {
	return q.q.Idle()
}

// Drain blocks until q is idle or ctx is done.
func (q *ExecQueue) Drain(ctx context.Context) error {
	return q.q.Drain(ctx)
}

// Batches returns the number of batches that completed successfully.
func (q *ExecQueue) Batches() uint64 {
	return q.batches.Load()
}

// String implements fmt.Stringer.String.
func (q *ExecQueue) String() string {
	return q.q.Name()
}

// Submit executes the batch buffer at batch on q once every wait in syncs
// has signaled. The returned fence signals when the batch completes, along
// with every signal in syncs. A batch that faults completes with EFAULT.
//
// Binary signal fences are rejected with EINVAL on long-running VMs.
func (d *Device) Submit(q *ExecQueue, batch gpuarch.Addr, syncs ...fence.Sync) (*fence.Fence, error) {
	if err := q.live(); err != nil {
		return nil, err
	}
	if batch%4 != 0 {
		return nil, fmt.Errorf("batch address %v not dword aligned: %w", batch, gpuerr.EINVAL)
	}
	waits, signals, err := fence.Split(syncs)
	if err != nil {
		return nil, err
	}
	if q.vm.LRMode() && fence.HasBinarySignal(signals) {
		return nil, fmt.Errorf("binary signal on long-running %v: %w", q.vm, gpuerr.EINVAL)
	}
	f := fence.New()
	name := fmt.Sprintf("batch@%v", batch)
	job := &sched.Job{
		Waits: waits,
		Name:  name,
		Run: func(ctx context.Context) error {
			s := streamer{
				ctx:      ctx,
				vm:       q.vm,
				platform: d.platform,
				engine:   q.engine,
			}
			return s.run(batch)
		},
		Done: func(err error) {
			if err != nil {
				log.Infof("%v: %s failed: %v", q, name, err)
			} else {
				q.batches.Add(1)
			}
			f.Signal(err)
			fence.SignalAll(signals, err)
		},
	}
	if err := q.q.Submit(job); err != nil {
		return nil, err
	}
	return f, nil
}

// Spinner is a job that occupies an exec queue until ended. Work submitted
// to the queue after the spinner runs only once End is called.
type Spinner struct {
	started chan struct{}
	end     chan struct{}
	endOnce sync.Once
	fence   *fence.Fence
}

// Spin submits a spinner to q.
func (d *Device) Spin(q *ExecQueue, syncs ...fence.Sync) (*Spinner, error) {
	if err := q.live(); err != nil {
		return nil, err
	}
	waits, signals, err := fence.Split(syncs)
	if err != nil {
		return nil, err
	}
	if q.vm.LRMode() && fence.HasBinarySignal(signals) {
		return nil, gpuerr.EINVAL
	}
	s := &Spinner{
		started: make(chan struct{}),
		end:     make(chan struct{}),
		fence:   fence.New(),
	}
	job := &sched.Job{
		Waits: waits,
		Name:  "spinner",
		Run: func(ctx context.Context) error {
			close(s.started)
			select {
			case <-s.end:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		Done: func(err error) {
			s.fence.Signal(err)
			fence.SignalAll(signals, err)
		},
	}
	if err := q.q.Submit(job); err != nil {
		return nil, err
	}
	return s, nil
}

// Started returns a channel that is closed once the spinner runs.
func (s *Spinner) Started() <-chan struct{} {
	return s.started
}

// End lets the spinner complete. It may be called more than once.
func (s *Spinner) End() {
	s.endOnce.Do(func() { close(s.end) })
}

// Fence returns the fence that signals when the spinner completes.
func (s *Spinner) Fence() *fence.Fence {
	return s.fence
}

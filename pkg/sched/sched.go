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

// Package sched implements in-order execution queues. A Queue is an
// ordering domain: jobs submitted to it run one at a time in submission
// order, each after its fence dependencies have signaled. Jobs on different
// queues are unordered unless linked by fences.
package sched

import (
	"context"
	"fmt"
	"sync"

	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
	"gvisor.dev/gpuvm/pkg/fence"
	"gvisor.dev/gpuvm/pkg/log"
)

// DefaultCapacity is the default ring capacity of a queue, in operations.
const DefaultCapacity = 512

// Job is a unit of queued work.
type Job struct {
	// Ops is the number of ring slots the job occupies while it is
	// deferred. It must be at least 1.
	Ops int

	// Waits must all signal before Run is called. If any completes with an
	// error, Run is skipped and the job fails with that error.
	Waits []fence.Waiter

	// Run performs the work. ctx is canceled if the queue is reset while
	// Run is in progress. Run may be nil for jobs that only order fences.
	Run func(ctx context.Context) error

	// Done is called exactly once with the job's result, after Run.
	Done func(err error)

	// Name is used in log messages.
	Name string
}

// Observer is notified of queue depth changes. It is used for metrics.
type Observer interface {
	QueueDepth(queue string, ops int)
	JobFailed(queue string, err error)
}

// Queue executes Jobs in FIFO order on a dedicated goroutine.
type Queue struct {
	name     string
	capacity int
	observer Observer

	mu sync.Mutex

	// cond is signaled (with mu locked) when jobs are added, when the
	// queue becomes idle and when the queue is closed.
	cond sync.Cond

	// jobs are the pending jobs, oldest first. The running job is not
	// included.
	jobs []*Job

	// pendingOps is the sum of Ops over jobs.
	pendingOps int

	// blockedOps are the Ops of the running job while it waits for its
	// dependencies. A blocked job still holds its ring slots.
	blockedOps int

	// running is true while the worker is processing a job.
	running bool

	// err is the first asynchronous failure observed on the queue. While
	// it is set, submissions fail with EIO.
	err error

	// ctx is canceled by Reset and Close. It is replaced after each reset.
	ctx    context.Context
	cancel context.CancelFunc

	closed bool
	exited chan struct{}
}

// Opts configure a Queue.
type Opts struct {
	Name     string
	Capacity int
	Observer Observer
}

// New creates a Queue and starts its worker.
func New(opts Opts) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	q := &Queue{
		name:     opts.Name,
		capacity: opts.Capacity,
		observer: opts.Observer,
		exited:   make(chan struct{}),
	}
	q.cond.L = &q.mu
	q.ctx, q.cancel = context.WithCancel(context.Background())
	go q.run()
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Capacity returns the ring capacity in operations.
func (q *Queue) Capacity() int {
	return q.capacity
}

// Submit enqueues j.
//
// A job that can start right away (the queue is idle and all of its
// dependencies have signaled) is always accepted. Otherwise the job is
// deferred and occupies j.Ops ring slots until it starts; if the ring cannot
// hold it, Submit fails with ENOBUFS and nothing is enqueued.
func (q *Queue) Submit(j *Job) error {
	if j.Ops <= 0 {
		j.Ops = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return gpuerr.ECANCELED
	}
	if q.err != nil {
		return gpuerr.EIO
	}
	immediate := !q.running && len(q.jobs) == 0 && fence.AllSignaled(j.Waits)
	if !immediate && q.pendingOps+q.blockedOps+j.Ops > q.capacity {
		if log.IsLogging(log.Debug) {
			log.Debugf("queue %s: rejecting %q: %d ops pending, %d requested, capacity %d", q.name, j.Name, q.pendingOps+q.blockedOps, j.Ops, q.capacity)
		}
		return gpuerr.ENOBUFS
	}
	q.jobs = append(q.jobs, j)
	q.pendingOps += j.Ops
	q.observeLocked()
	q.cond.Broadcast()
	return nil
}

// Err returns the recorded queue error, if any.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// ClearError returns an errored queue to service.
func (q *Queue) ClearError() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = nil
}

// SetError records err as the queue error. It is used by owners that
// detect faults outside of Run, such as a GPU page fault.
func (q *Queue) SetError(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err == nil {
		q.err = err
	}
}

// Pending returns the number of jobs not yet started.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// PendingOps returns the number of ring slots in use.
func (q *Queue) PendingOps() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingOps + q.blockedOps
}

// Idle returns true if no job is pending or running.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.running && len(q.jobs) == 0
}

// Drain blocks until the queue is idle or ctx is done.
func (q *Queue) Drain(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.running || len(q.jobs) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait() // temporarily releases q.mu
	}
	return nil
}

// Reset fails every pending job with err (ECANCELED if nil), interrupts the
// running job and leaves the queue in the error state. It never blocks on
// in-flight work.
func (q *Queue) Reset(err error) {
	if err == nil {
		err = gpuerr.ECANCELED
	}
	q.mu.Lock()
	jobs := q.jobs
	q.jobs = nil
	q.pendingOps = 0
	if q.err == nil {
		q.err = err
	}
	q.cancel()
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.observeLocked()
	q.cond.Broadcast()
	q.mu.Unlock()

	if len(jobs) > 0 {
		log.Infof("queue %s: reset, failing %d pending jobs with %v", q.name, len(jobs), err)
	}
	for _, j := range jobs {
		finish(j, err)
	}
}

// Close resets the queue with ECANCELED and stops the worker. It waits for
// the worker to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	q.Reset(gpuerr.ECANCELED)

	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.exited
}

// String implements fmt.Stringer.String.
func (q *Queue) String() string {
	return fmt.Sprintf("queue %s", q.name)
}

func (q *Queue) observeLocked() {
	if q.observer != nil {
		q.observer.QueueDepth(q.name, q.pendingOps+q.blockedOps)
	}
}

// run is the worker goroutine.
func (q *Queue) run() {
	defer close(q.exited)
	q.mu.Lock()
	for {
		for len(q.jobs) == 0 && !q.closed {
			q.cond.Wait() // temporarily releases q.mu
		}
		if q.closed && len(q.jobs) == 0 {
			q.mu.Unlock()
			return
		}
		j := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.pendingOps -= j.Ops
		q.blockedOps = j.Ops
		q.running = true
		ctx := q.ctx
		q.mu.Unlock()

		err := q.execute(ctx, j)
		if err != nil {
			q.mu.Lock()
			if q.err == nil && ctx.Err() == nil {
				q.err = err
			}
			q.mu.Unlock()
			if q.observer != nil {
				q.observer.JobFailed(q.name, err)
			}
		}
		finish(j, err)

		q.mu.Lock()
		q.running = false
		q.cond.Broadcast()
	}
}

func (q *Queue) execute(ctx context.Context, j *Job) error {
	err := fence.WaitAll(ctx, fence.Infinite, j.Waits...)
	q.mu.Lock()
	q.blockedOps = 0
	q.observeLocked()
	q.mu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			return gpuerr.ECANCELED
		}
		return err
	}
	if j.Run == nil {
		return nil
	}
	if err := j.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return gpuerr.ECANCELED
		}
		return err
	}
	return nil
}

func finish(j *Job, err error) {
	if j.Done != nil {
		j.Done(err)
	}
}

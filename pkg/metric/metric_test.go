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

package metric

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
	"gvisor.dev/gpuvm/pkg/fence"
	"gvisor.dev/gpuvm/pkg/sched"
	"gvisor.dev/gpuvm/pkg/vm"
)

var _ vm.Metrics = (*Metrics)(nil)

func TestBindMetrics(t *testing.T) {
	m := New()
	m.BindOp("map")
	m.BindOp("map")
	m.BindOp("unmap")
	m.BindError(gpuerr.EINVAL)
	m.BindError(fmt.Errorf("wrapped: %w", gpuerr.ENOBUFS))

	want := `
# HELP gpuvm_bind_errors_total Bind operations that failed, by errno.
# TYPE gpuvm_bind_errors_total counter
gpuvm_bind_errors_total{errno="EINVAL"} 1
gpuvm_bind_errors_total{errno="ENOBUFS"} 1
# HELP gpuvm_bind_ops_total Bind operations applied, by operation.
# TYPE gpuvm_bind_ops_total counter
gpuvm_bind_ops_total{op="map"} 2
gpuvm_bind_ops_total{op="unmap"} 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(want), "gpuvm_bind_ops_total", "gpuvm_bind_errors_total"); err != nil {
		t.Errorf("unexpected metrics:\n%s", err)
	}
}

func TestGauges(t *testing.T) {
	m := New()
	m.QueueDepth("vm1/bind0", 3)
	m.QueueDepth("vm1/bind0", 1)
	m.Mappings(1, 5)
	m.Mappings(2, 0)
	m.GPUFault()

	if got := testutil.ToFloat64(m.queueDepth.WithLabelValues("vm1/bind0")); got != 1 {
		t.Errorf("queue depth = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.mappings.WithLabelValues("1")); got != 5 {
		t.Errorf("mappings = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.gpuFaults); got != 1 {
		t.Errorf("faults = %v, want 1", got)
	}
}

func TestQueueObserver(t *testing.T) {
	m := New()
	q := sched.New(sched.Opts{Name: "test", Observer: m})
	defer q.Close()

	done := make(chan error, 1)
	if err := q.Submit(&sched.Job{
		Run:  func(context.Context) error { return gpuerr.EFAULT },
		Done: func(err error) { done <- err },
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := <-done; !errors.Is(err, gpuerr.EFAULT) {
		t.Fatalf("job got %v, want EFAULT", err)
	}
	if got := testutil.ToFloat64(m.jobFailures.WithLabelValues("EFAULT")); got != 1 {
		t.Errorf("job failures = %v, want 1", got)
	}
}

func TestWait(t *testing.T) {
	m := New()
	f := fence.New()
	if err := m.Wait(context.Background(), f, time.Millisecond); !errors.Is(err, gpuerr.ETIME) {
		t.Errorf("Wait on unsignaled fence got %v, want ETIME", err)
	}
	f.Signal(nil)
	if err := m.Wait(context.Background(), f, time.Second); err != nil {
		t.Errorf("Wait on signaled fence got %v", err)
	}
	if got := testutil.CollectAndCount(m.fenceWait); got != 1 {
		t.Errorf("CollectAndCount = %d, want 1", got)
	}
	var buf bytes.Buffer
	if err := m.Write(&buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !strings.Contains(buf.String(), "gpuvm_fence_wait_seconds_count 2") {
		t.Errorf("Write output lacks wait count:\n%s", buf.String())
	}
}

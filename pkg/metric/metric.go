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

// Package metric collects bind, queue and fault metrics and exports them in
// the Prometheus data format.
package metric

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
	"gvisor.dev/gpuvm/pkg/fence"
)

// Namespace prefixes every metric name.
const Namespace = "gpuvm"

// Metrics is a set of collectors in a private registry. It implements
// vm.Metrics.
//
// Metrics is safe for concurrent use.
type Metrics struct {
	reg *prometheus.Registry

	bindOps     *prometheus.CounterVec
	bindErrors  *prometheus.CounterVec
	queueDepth  *prometheus.GaugeVec
	jobFailures *prometheus.CounterVec
	gpuFaults   prometheus.Counter
	fenceWait   prometheus.Histogram
	mappings    *prometheus.GaugeVec
}

// New returns a Metrics with every collector registered.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		bindOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "bind_ops_total",
			Help:      "Bind operations applied, by operation.",
		}, []string{"op"}),
		bindErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "bind_errors_total",
			Help:      "Bind operations that failed, by errno.",
		}, []string{"errno"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "queue_pending_ops",
			Help:      "Ring slots in use, by queue.",
		}, []string{"queue"}),
		jobFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "queue_job_failures_total",
			Help:      "Queued jobs that failed asynchronously, by errno.",
		}, []string{"errno"}),
		gpuFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "gpu_faults_total",
			Help:      "GPU page faults that could not be resolved.",
		}),
		fenceWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "fence_wait_seconds",
			Help:      "Time spent waiting for fences.",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 10),
		}),
		mappings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "mappings",
			Help:      "Live mappings, by VM.",
		}, []string{"vm"}),
	}
	m.reg.MustRegister(m.bindOps, m.bindErrors, m.queueDepth, m.jobFailures, m.gpuFaults, m.fenceWait, m.mappings)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// BindOp implements vm.Metrics.BindOp.
func (m *Metrics) BindOp(op string) {
	m.bindOps.WithLabelValues(op).Inc()
}

// BindError implements vm.Metrics.BindError.
func (m *Metrics) BindError(err error) {
	m.bindErrors.WithLabelValues(gpuerr.Name(err)).Inc()
}

// QueueDepth implements sched.Observer.QueueDepth.
func (m *Metrics) QueueDepth(queue string, ops int) {
	m.queueDepth.WithLabelValues(queue).Set(float64(ops))
}

// JobFailed implements sched.Observer.JobFailed.
func (m *Metrics) JobFailed(queue string, err error) {
	m.jobFailures.WithLabelValues(gpuerr.Name(err)).Inc()
}

// GPUFault implements vm.Metrics.GPUFault.
func (m *Metrics) GPUFault() {
	m.gpuFaults.Inc()
}

// Mappings implements vm.Metrics.Mappings.
func (m *Metrics) Mappings(vm uint32, n int) {
	m.mappings.WithLabelValues(strconv.FormatUint(uint64(vm), 10)).Set(float64(n))
}

// Wait waits for w and records the time spent.
func (m *Metrics) Wait(ctx context.Context, w fence.Waiter, timeout time.Duration) error {
	start := time.Now()
	err := w.Wait(ctx, timeout)
	m.fenceWait.Observe(time.Since(start).Seconds())
	return err
}

// Write writes every metric to w in the Prometheus text format.
func (m *Metrics) Write(w io.Writer) error {
	mfs, err := m.reg.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encoding %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

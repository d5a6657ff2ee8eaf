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

// Package scenario is a library of end-to-end exercises of the VM engine,
// the command encoder and the device shim. Each scenario drives a device
// through its public API and checks the results the way a GPU validation
// suite would: bind, execute store batches, unbind, and verify memory.
//
// Scenarios are registered by name and run with Run. Scripted scenarios can
// be loaded from YAML with ParseScript.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"path"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"gvisor.dev/gpuvm/pkg/device"
	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
	"gvisor.dev/gpuvm/pkg/log"
	"gvisor.dev/gpuvm/pkg/metric"
)

// DefaultTimeout bounds every fence wait of a scenario.
const DefaultTimeout = 30 * time.Second

// ErrSkipped is wrapped by the error of a scenario that cannot run on the
// device, for example because the platform lacks a command.
var ErrSkipped = errors.New("skipped")

// skipf returns an error that marks a scenario as skipped.
func skipf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSkipped, fmt.Sprintf(format, args...))
}

// Func is the body of a scenario.
type Func func(e *Env) error

// Scenario is a named exercise.
type Scenario struct {
	Name        string
	Description string
	Run         Func
}

var (
	mu        sync.Mutex
	scenarios = make(map[string]Scenario)
)

// Register adds s to the registry. It panics if the name is empty or
// already registered.
func Register(s Scenario) {
	if s.Name == "" || s.Run == nil {
		panic(fmt.Sprintf("invalid scenario %+v", s))
	}
	mu.Lock()
	defer mu.Unlock()
	if _, ok := scenarios[s.Name]; ok {
		panic(fmt.Sprintf("scenario %q registered twice", s.Name))
	}
	scenarios[s.Name] = s
}

// Lookup returns the scenario with the given name.
func Lookup(name string) (Scenario, bool) {
	mu.Lock()
	defer mu.Unlock()
	s, ok := scenarios[name]
	return s, ok
}

// List returns the names of all registered scenarios in order.
func List() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Match returns the registered names matching any of patterns, in order.
// Patterns use path.Match syntax.
func Match(patterns ...string) ([]string, error) {
	var names []string
	for _, name := range List() {
		for _, p := range patterns {
			ok, err := path.Match(p, name)
			if err != nil {
				return nil, fmt.Errorf("bad pattern %q: %w", p, err)
			}
			if ok {
				names = append(names, name)
				break
			}
		}
	}
	return names, nil
}

// Result is the outcome of one scenario.
type Result struct {
	Name     string
	Err      error
	Duration time.Duration
}

// Passed returns true if the scenario completed without error.
func (r Result) Passed() bool {
	return r.Err == nil
}

// Skipped returns true if the scenario did not apply to the device.
func (r Result) Skipped() bool {
	return errors.Is(r.Err, ErrSkipped)
}

// Status returns PASS, SKIP or FAIL.
func (r Result) Status() string {
	switch {
	case r.Passed():
		return "PASS"
	case r.Skipped():
		return "SKIP"
	default:
		return "FAIL"
	}
}

// String implements fmt.Stringer.String.
func (r Result) String() string {
	if r.Err == nil {
		return fmt.Sprintf("%s %s (%v)", r.Status(), r.Name, r.Duration.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s %s: %v", r.Status(), r.Name, r.Err)
}

// Options tune a run.
type Options struct {
	// Timeout bounds each fence wait. Zero selects DefaultTimeout.
	Timeout time.Duration

	// Metrics, if set, records the time spent waiting for fences.
	Metrics *metric.Metrics
}

// Run runs the named scenario on dev with default options. Every object the
// scenario creates is destroyed before Run returns.
func Run(ctx context.Context, dev *device.Device, name string) Result {
	return RunOpts(ctx, dev, name, Options{})
}

// RunOpts is like Run, with options.
func RunOpts(ctx context.Context, dev *device.Device, name string, opts Options) Result {
	s, ok := Lookup(name)
	if !ok {
		return Result{Name: name, Err: fmt.Errorf("unknown scenario %q: %w", name, gpuerr.ENOENT)}
	}
	e := newEnv(ctx, dev, opts)
	start := time.Now()
	err := e.run(s)
	e.cleanup()
	r := Result{Name: name, Err: err, Duration: time.Since(start)}
	if r.Passed() || r.Skipped() {
		log.Infof("%v", r)
	} else {
		log.Warningf("%v", r)
	}
	return r
}

// run calls s.Run, turning a panic into an error.
func (e *Env) run(s Scenario) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	log.Debugf("%v: running %s", e.dev, s.Name)
	return s.Run(e)
}

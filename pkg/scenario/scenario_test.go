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

package scenario

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gpuvm/pkg/device"
	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
	"gvisor.dev/gpuvm/pkg/platform"
	"gvisor.dev/gpuvm/pkg/vm"
)

// testPlatforms covers a platform without VRAM or MEM_COPY, one with VRAM
// and one with the newer blitter commands.
var testPlatforms = []string{"tgl", "dg2", "lnl"}

func openDevice(t *testing.T, name string) *device.Device {
	t.Helper()
	p, err := platform.Lookup(name)
	if err != nil {
		t.Fatalf("platform.Lookup(%q) failed: %v", name, err)
	}
	d, err := device.Open(device.Opts{
		Platform:   p,
		VRAMSize:   256 << 20,
		SystemSize: 256 << 20,
	})
	if err != nil {
		t.Fatalf("device.Open(%s) failed: %v", name, err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func runScenarios(t *testing.T, names ...string) {
	for _, pname := range testPlatforms {
		for _, name := range names {
			t.Run(fmt.Sprintf("%s/%s", pname, name), func(t *testing.T) {
				d := openDevice(t, pname)
				r := Run(context.Background(), d, name)
				if !r.Passed() && !r.Skipped() {
					t.Fatalf("%v", r)
				}
				if used := d.MemoryUsed(vmRegion(d)); used != 0 {
					t.Errorf("%d bytes still charged after %s", used, name)
				}
			})
		}
	}
}

func vmRegion(d *device.Device) vm.Region {
	return (&Env{dev: d}).region()
}

func TestBind(t *testing.T) {
	runScenarios(t,
		"scratch",
		"bind-once",
		"bind-one-bo-many-times",
		"bind-one-bo-many-times-many-vm",
		"partial-unbinds",
		"unbind-all-2-vmas",
		"unbind-all-8-vmas",
		"userptr-invalid",
		"bind-flag-invalid",
		"bind-array-flag-invalid",
		"invalid-vm-id",
		"invalid-flag-xe_vm_create_fault",
		"invalid-flag-xe_vm_create_scratch_fault",
		"invalid-flag-xe_vm_create_scratch_fault_lr",
	)
}

func TestQueues(t *testing.T) {
	runScenarios(t,
		"bind-execqueues-independent",
		"bind-execqueues-conflict",
		"bind-array-twice",
		"bind-array-many",
		"bind-array-exec_queue-twice",
		"bind-array-exec_queue-many",
		"bind-array-enobufs",
		"bind-array-conflict",
		"bind-no-array-conflict",
	)
}

func TestMunmap(t *testing.T) {
	runScenarios(t,
		"munmap-style-unbind-one-partial",
		"munmap-style-unbind-end",
		"munmap-style-unbind-front",
		"munmap-style-unbind-userptr-inval-end",
		"munmap-style-unbind-either-side-full",
		"mmap-style-bind-all",
		"mmap-style-bind-one-partial",
		"mmap-style-bind-userptr-either-side-partial",
	)
}

func TestShared(t *testing.T) {
	runScenarios(t, "shared-pte-page", "shared-pde-page", "shared-pde2-page", "shared-pde3-page")
}

func TestLarge(t *testing.T) {
	runScenarios(t,
		"large-binds-2097152",
		"large-split-misaligned-binds-4194304",
		"large-userptr-split-binds-2097152",
		"mixed-binds-3145728",
		"mixed-misaligned-binds-3145728",
		"out-of-memory",
	)
}

func TestBlt(t *testing.T) {
	runScenarios(t, "blt-copy", "blt-fill", "blt-mem-copy")
}

func TestBuiltinScripts(t *testing.T) {
	names, err := Match("script-*")
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if len(names) == 0 {
		t.Fatalf("no built-in scripts registered")
	}
	runScenarios(t, names...)
}

func TestSkip(t *testing.T) {
	// tgl has neither MEM_SET nor MEM_COPY.
	d := openDevice(t, "tgl")
	for _, name := range []string{"blt-fill", "blt-mem-copy"} {
		r := Run(context.Background(), d, name)
		if !r.Skipped() {
			t.Errorf("Run(%s) = %v, want skipped", name, r)
		}
		if r.Status() != "SKIP" {
			t.Errorf("Status() = %s, want SKIP", r.Status())
		}
	}
}

func TestUnknown(t *testing.T) {
	d := openDevice(t, "tgl")
	r := Run(context.Background(), d, "no-such-scenario")
	if !errors.Is(r.Err, gpuerr.ENOENT) {
		t.Errorf("Run(unknown) = %v, want ENOENT", r.Err)
	}
	if r.Status() != "FAIL" {
		t.Errorf("Status() = %s, want FAIL", r.Status())
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	Register(Scenario{
		Name: "test-panics",
		Run:  func(*Env) error { panic("boom") },
	})
	d := openDevice(t, "tgl")
	r := Run(context.Background(), d, "test-panics")
	if r.Err == nil || !strings.Contains(r.Err.Error(), "boom") {
		t.Errorf("Run(test-panics) = %v, want a panic error", r)
	}
}

func TestCleanup(t *testing.T) {
	Register(Scenario{
		Name: "test-leaks",
		Run: func(e *Env) error {
			v, err := e.createVM(0)
			if err != nil {
				return err
			}
			if _, err := e.createBuffer(v, 4*page, 0); err != nil {
				return err
			}
			_, err = e.execQueue(v)
			return err
		},
	})
	d := openDevice(t, "dg2")
	if r := Run(context.Background(), d, "test-leaks"); !r.Passed() {
		t.Fatalf("Run(test-leaks) = %v", r)
	}
	for c, n := range d.Objects() {
		if n != 0 {
			t.Errorf("%d objects of class %v left", n, c)
		}
	}
}

func TestMatch(t *testing.T) {
	got, err := Match("unbind-all-*", "bind-once")
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	want := []string{"bind-once", "unbind-all-2-vmas", "unbind-all-8-vmas"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Match mismatch (-want +got):\n%s", diff)
	}
	if _, err := Match("["); err == nil {
		t.Errorf("Match([) succeeded, want error")
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("registering bind-once twice did not panic")
		}
	}()
	Register(Scenario{Name: "bind-once", Run: func(*Env) error { return nil }})
}

func TestTables(t *testing.T) {
	for _, name := range []string{
		"munmap-style-unbind-all",
		"munmap-style-unbind-userptr-inval-many-either-side-full",
		"mmap-style-bind-either-side-full",
		"large-userptr-split-misaligned-binds-67108864",
		"bind-array-conflict",
	} {
		if _, ok := Lookup(name); !ok {
			t.Errorf("%s not registered", name)
		}
	}
}

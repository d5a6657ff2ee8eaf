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
	"fmt"

	"gvisor.dev/gpuvm/pkg/log"
)

// Handle identifies a device object. Zero is never a valid handle.
type Handle uint32

// Class is the type of a device object.
type Class int

// Object classes.
const (
	ClassVM Class = iota
	ClassExecQueue
	ClassBuffer
)

// String implements fmt.Stringer.String.
func (c Class) String() string {
	switch c {
	case ClassVM:
		return "vm"
	case ClassExecQueue:
		return "exec_queue"
	case ClassBuffer:
		return "buffer"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// object tracks a device object.
type object struct {
	// These fields are initialized by Device.objAdd and are immutable
	// thereafter.
	dev    *Device
	class  Class
	handle Handle
	impl   objectImpl

	// deps are the objects this object depends on; rdeps are the objects
	// that depend on it. Freeing an object frees its rdeps first. These
	// fields are protected by dev.mu.
	deps  map[*object]struct{}
	rdeps map[*object]struct{}
}

type objectImpl interface {
	// Object returns the object embedded in this objectImpl.
	Object() *object

	// Release is called when the object is freed. It may return a function
	// that must be called after device locks are released.
	//
	// Precondition: dev.mu must be locked.
	Release() func()
}

// Object implements objectImpl.Object.
func (o *object) Object() *object {
	return o
}

// Handle returns the handle of the object.
func (o *object) Handle() Handle {
	return o.handle
}

// newHandle returns an unused handle.
//
// Precondition: d.mu must be locked.
func (d *Device) newHandle() Handle {
	d.nextHandle++
	return d.nextHandle
}

// objAdd records oi under handle h, which must come from newHandle. Each
// object in deps is a dependency of oi, such that freeing it also frees oi.
//
// Precondition: d.mu must be locked.
func (d *Device) objAdd(h Handle, c Class, oi objectImpl, deps ...*object) {
	o := oi.Object()
	o.dev = d
	o.class = c
	o.handle = h
	o.impl = oi
	d.objects[h] = o
	for _, dep := range deps {
		if dep == nil {
			continue
		}
		if _, ok := d.objects[dep.handle]; !ok {
			log.Traceback("device: new %v %d has freed dependency %v %d", c, h, dep.class, dep.handle)
			continue
		}
		objDep(o, dep)
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("device: added %v %d with %d dependencies", c, h, len(deps))
	}
}

// objDep records that o1 depends on o2.
//
// Precondition: dev.mu must be locked.
func objDep(o1, o2 *object) {
	if o1.deps == nil {
		o1.deps = make(map[*object]struct{})
	}
	o1.deps[o2] = struct{}{}
	if o2.rdeps == nil {
		o2.rdeps = make(map[*object]struct{})
	}
	o2.rdeps[o1] = struct{}{}
}

// objGet returns the object of class c with handle h.
//
// Precondition: d.mu must be locked.
func (d *Device) objGet(h Handle, c Class) (*object, bool) {
	o, ok := d.objects[h]
	if !ok || o.class != c {
		return nil, false
	}
	return o, true
}

// objFree frees the object with handle h along with every object that
// depends on it, dependents first. It returns the functions that must be
// called after d.mu is released.
//
// Precondition: d.mu must be locked.
func (d *Device) objFree(h Handle) []func() {
	o, ok := d.objects[h]
	if !ok {
		return nil
	}
	var order []*object
	seen := make(map[*object]struct{})
	collectFreed(o, &order, seen)

	var deferReleases []func()
	for _, o2 := range order {
		if f := o2.impl.Release(); f != nil {
			deferReleases = append(deferReleases, f)
		}
		for o3 := range o2.deps {
			delete(o3.rdeps, o2)
		}
		delete(d.objects, o2.handle)
		if log.IsLogging(log.Debug) {
			log.Debugf("device: freed %v %d", o2.class, o2.handle)
		}
	}
	return deferReleases
}

// collectFreed appends everything that depends on o, then o itself, to
// order.
func collectFreed(o *object, order *[]*object, seen map[*object]struct{}) {
	if _, ok := seen[o]; ok {
		return
	}
	seen[o] = struct{}{}
	for o2 := range o.rdeps {
		collectFreed(o2, order, seen)
	}
	*order = append(*order, o)
}

func runAll(fs []func()) {
	for _, f := range fs {
		f()
	}
}

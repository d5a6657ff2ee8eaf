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

package encoder

import (
	"fmt"

	"golang.org/x/exp/constraints"
	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
)

// Field is an inclusive bit range [Lo, Hi] of a dword.
//
// A field with Hi < Lo is absent from a layout: only zero may be stored in
// it and it always reads back as zero.
type Field struct {
	Lo, Hi uint
}

// absent is a field the layout does not have.
var absent = Field{Lo: 1, Hi: 0}

// bits returns a field covering bits lo through hi.
func bits(lo, hi uint) Field {
	return Field{Lo: lo, Hi: hi}
}

// Absent returns true if f is not part of its layout.
func (f Field) Absent() bool {
	return f.Hi < f.Lo
}

// Width returns the number of bits in f.
func (f Field) Width() uint {
	if f.Absent() {
		return 0
	}
	return f.Hi - f.Lo + 1
}

// Max returns the largest value that fits in f.
func (f Field) Max() uint64 {
	return 1<<f.Width() - 1
}

func (f Field) mask() uint32 {
	return uint32(f.Max() << f.Lo)
}

// Get extracts f from dw.
func (f Field) Get(dw uint32) uint32 {
	if f.Absent() {
		return 0
	}
	return (dw & f.mask()) >> f.Lo
}

// String implements fmt.Stringer.
func (f Field) String() string {
	if f.Absent() {
		return "absent"
	}
	return fmt.Sprintf("[%d:%d]", f.Hi, f.Lo)
}

// Put stores v in field f of *dw. It fails with EINVAL, leaving *dw
// unchanged, if v is negative or does not fit.
func Put[T constraints.Integer](dw *uint32, f Field, v T) error {
	if v < 0 || uint64(v) > f.Max() {
		return fmt.Errorf("value %d does not fit in field %v: %w", v, f, gpuerr.EINVAL)
	}
	if f.Absent() {
		return nil
	}
	*dw = *dw&^f.mask() | uint32(uint64(v)<<f.Lo)
	return nil
}

// packer accumulates dwords and remembers the first Put failure.
type packer struct {
	dw  []uint32
	err error
}

func newPacker(n int) *packer {
	return &packer{dw: make([]uint32, n)}
}

func (p *packer) put(i int, f Field, v uint64) {
	if p.err != nil {
		return
	}
	if err := Put(&p.dw[i], f, v); err != nil {
		p.err = fmt.Errorf("dw%02d: %w", i, err)
	}
}

func (p *packer) flag(i int, f Field, b bool) {
	if b {
		p.put(i, f, 1)
	}
}

func (p *packer) set(i int, v uint32) {
	p.dw[i] = v
}

func (p *packer) addr(lo int, a uint64) {
	p.dw[lo] = uint32(a)
	p.dw[lo+1] = uint32(a >> 32)
}

func (p *packer) done() ([]uint32, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.dw, nil
}

func addrAt(dw []uint32, lo int) uint64 {
	return uint64(dw[lo]) | uint64(dw[lo+1])<<32
}

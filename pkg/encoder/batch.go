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

	"gvisor.dev/gpuvm/pkg/binary"
	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
	"gvisor.dev/gpuvm/pkg/gpuarch"
)

// Batch is a command buffer being filled. It writes into the host view of
// the buffer that the GPU will execute from Addr.
//
// Batch is not synchronized.
type Batch struct {
	mem    []byte
	addr   gpuarch.Addr
	cursor int
}

// NewBatch returns a batch writing into mem, which the GPU sees at addr.
func NewBatch(mem []byte, addr gpuarch.Addr) *Batch {
	return &Batch{mem: mem, addr: addr}
}

// Addr returns the GPU address of the first dword.
func (b *Batch) Addr() gpuarch.Addr {
	return b.addr
}

// Capacity returns the capacity in dwords.
func (b *Batch) Capacity() int {
	return len(b.mem) / binary.DwordSize
}

// Cursor returns the number of dwords emitted.
func (b *Batch) Cursor() int {
	return b.cursor
}

// Remaining returns the number of dwords that still fit.
func (b *Batch) Remaining() int {
	return b.Capacity() - b.cursor
}

// Emit appends dw. If dw does not fit, nothing is written and EOVERFLOW is
// returned.
func (b *Batch) Emit(dw ...uint32) error {
	if len(dw) > b.Remaining() {
		return fmt.Errorf("emit %d dwords at %d of %d: %w", len(dw), b.cursor, b.Capacity(), gpuerr.EOVERFLOW)
	}
	binary.PutDwords(b.mem[b.cursor*binary.DwordSize:], dw)
	b.cursor += len(dw)
	return nil
}

// Reset rewinds the cursor. Previously emitted dwords are not cleared.
func (b *Batch) Reset() {
	b.cursor = 0
}

// Dwords returns a copy of the emitted dwords.
func (b *Batch) Dwords() []uint32 {
	return binary.Dwords(b.mem[:b.cursor*binary.DwordSize])
}

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
	"bytes"
	"fmt"

	"gvisor.dev/gpuvm/pkg/device"
	"gvisor.dev/gpuvm/pkg/encoder"
	"gvisor.dev/gpuvm/pkg/gpuarch"
	"gvisor.dev/gpuvm/pkg/tiling"
	"gvisor.dev/gpuvm/pkg/vm"
)

func init() {
	Register(Scenario{
		Name:        "blt-copy",
		Description: "copy a surface to a tiled surface and back with the blitter",
		Run:         bltCopy,
	})
	Register(Scenario{
		Name:        "blt-fill",
		Description: "fill a linear surface with MEM_SET",
		Run:         bltFill,
	})
	Register(Scenario{
		Name:        "blt-mem-copy",
		Description: "copy byte ranges with MEM_COPY",
		Run:         bltMemCopy,
	})
}

const (
	bltBatchAddr = gpuarch.Addr(0x100000)
	bltDataAddr  = gpuarch.Addr(0x200000)
	bltBufSize   = 16 * page
	bltW, bltH   = 64, 64
)

// bltSetup is a VM on the copy engine with a batch buffer and n data
// buffers bound one after the other.
type bltSetup struct {
	v     *vm.VM
	q     *device.ExecQueue
	enc   *encoder.Encoder
	batch *device.Buffer
	bufs  []*device.Buffer
}

func (e *Env) bltSetup(n int) (*bltSetup, error) {
	v, err := e.createVM(0)
	if err != nil {
		return nil, err
	}
	s := &bltSetup{v: v, enc: e.dev.Encoder(v)}
	if s.q, err = e.execQueue(v); err != nil {
		return nil, err
	}
	if s.batch, err = e.createBuffer(v, page, device.NeedsCPUAccess); err != nil {
		return nil, err
	}
	if err := e.bind(v, nil, s.batch, 0, bltBatchAddr, page); err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		b, err := e.createBuffer(v, bltBufSize, device.NeedsCPUAccess)
		if err != nil {
			return nil, err
		}
		if err := e.bind(v, nil, b, 0, bltDataAddr+gpuarch.Addr(i*bltBufSize), bltBufSize); err != nil {
			return nil, err
		}
		s.bufs = append(s.bufs, b)
	}
	return s, nil
}

// run ends the batch built by emit and executes it.
func (s *bltSetup) run(e *Env, emit func(b *encoder.Batch) error) error {
	b := encoder.NewBatch(s.batch.Bytes(), bltBatchAddr)
	if err := emit(b); err != nil {
		return err
	}
	if err := s.enc.End(b); err != nil {
		return err
	}
	return e.exec(s.q, bltBatchAddr)
}

// fillPattern fills a linear surface of 32-bit pixels with unique values.
func fillPattern(mem []byte, w, h, pitch uint32) {
	for y := uint32(0); y < h; y++ {
		for x := uint32(0); x < w; x++ {
			store32(mem, uint64(y*pitch+x*4), y<<16|x|0x80000000)
		}
	}
}

func bltCopy(e *Env) error {
	p := e.dev.Platform()
	if !p.HasBlockCopy && !p.HasFastCopy {
		return skipf("%s has no blitter copy", p.Name)
	}
	t := tiling.X
	if p.HasMemCopy {
		t = tiling.Tile4
	}
	s, err := e.bltSetup(3)
	if err != nil {
		return err
	}
	src := s.enc.NewSurface(s.bufs[0], bltW, bltH, 32, tiling.Linear)
	mid := s.enc.NewSurface(s.bufs[1], bltW, bltH, 32, t)
	dst := s.enc.NewSurface(s.bufs[2], bltW, bltH, 32, tiling.Linear)
	fillPattern(s.bufs[0].Bytes(), bltW, bltH, src.Pitch)
	clear(s.bufs[1].Bytes())
	clear(s.bufs[2].Bytes())

	if err := s.run(e, func(b *encoder.Batch) error {
		if err := s.enc.Copy(b, src, mid, bltW, bltH); err != nil {
			return fmt.Errorf("copy to %v: %w", t, err)
		}
		if err := s.enc.Copy(b, mid, dst, bltW, bltH); err != nil {
			return fmt.Errorf("copy from %v: %w", t, err)
		}
		return nil
	}); err != nil {
		return err
	}

	n := int(src.Pitch) * bltH
	want, got := s.bufs[0].Bytes()[:n], s.bufs[2].Bytes()[:n]
	if !bytes.Equal(want, got) {
		return fmt.Errorf("round trip through %v changed the surface", t)
	}
	if bytes.Equal(want, s.bufs[1].Bytes()[:n]) {
		return fmt.Errorf("%v surface laid out linearly", t)
	}
	return nil
}

func bltFill(e *Env) error {
	if p := e.dev.Platform(); !p.HasMemSet {
		return skipf("%s has no MEM_SET", p.Name)
	}
	s, err := e.bltSetup(1)
	if err != nil {
		return err
	}
	const value = 0xa5
	mem := s.bufs[0].Bytes()
	clear(mem)
	dst := s.enc.NewSurface(s.bufs[0], bltW, bltH, 8, tiling.Linear)
	dst.Pitch = 2 * bltW
	if err := s.run(e, func(b *encoder.Batch) error {
		return s.enc.Fill(b, dst, value)
	}); err != nil {
		return err
	}
	for y := uint32(0); y < bltH; y++ {
		row := mem[y*dst.Pitch:][:dst.Pitch]
		for x, c := range row {
			want := byte(0)
			if uint32(x) < bltW {
				want = value
			}
			if c != want {
				return fmt.Errorf("byte (%d,%d) = %#x, want %#x", x, y, c, want)
			}
		}
	}
	return nil
}

func bltMemCopy(e *Env) error {
	if p := e.dev.Platform(); !p.HasMemCopy {
		return skipf("%s has no MEM_COPY", p.Name)
	}
	s, err := e.bltSetup(2)
	if err != nil {
		return err
	}
	src, dst := s.bufs[0], s.bufs[1]
	for i, m := 0, src.Bytes(); i < len(m); i++ {
		m[i] = byte(i*7 + 1)
	}
	clear(dst.Bytes())

	// One page-mode copy and one byte-mode copy at odd offsets.
	ranges := []struct{ srcOff, dstOff, n uint64 }{
		{0, 0, 4 * page},
		{5*page + 3, 8*page + 11, 1000},
	}
	if err := s.run(e, func(b *encoder.Batch) error {
		for _, r := range ranges {
			if err := s.enc.CopyBytes(b, src, r.srcOff, dst, r.dstOff, r.n); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	for _, r := range ranges {
		want := src.Bytes()[r.srcOff:][:r.n]
		got := dst.Bytes()[r.dstOff:][:r.n]
		if !bytes.Equal(want, got) {
			return fmt.Errorf("copy of %#x bytes from %#x to %#x mismatch", r.n, r.srcOff, r.dstOff)
		}
	}
	if dst.Bytes()[8*page+10] != 0 || dst.Bytes()[8*page+11+1000] != 0 {
		return fmt.Errorf("copy wrote outside its range")
	}
	return nil
}

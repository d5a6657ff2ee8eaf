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
	"bytes"
	"context"
	"fmt"

	"gvisor.dev/gpuvm/pkg/binary"
	"gvisor.dev/gpuvm/pkg/encoder"
	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
	"gvisor.dev/gpuvm/pkg/gpuarch"
	"gvisor.dev/gpuvm/pkg/log"
	"gvisor.dev/gpuvm/pkg/platform"
	"gvisor.dev/gpuvm/pkg/tiling"
	"gvisor.dev/gpuvm/pkg/vm"
)

// maxBatchDwords bounds the commands executed from one batch buffer that
// never reaches MI_BATCH_BUFFER_END.
const maxBatchDwords = 1 << 20

// copyChunk is the largest linear copy staged through host memory at once.
const copyChunk = 1 << 16

// streamer executes one batch buffer. All memory accesses go through the
// VM, so an access outside a bound range faults.
type streamer struct {
	ctx      context.Context
	vm       *vm.VM
	platform platform.Platform
	engine   Engine
}

// run executes the batch at addr up to MI_BATCH_BUFFER_END.
func (s *streamer) run(batch gpuarch.Addr) error {
	if err := s.vm.RevalidateUserptrs(); err != nil {
		return err
	}
	layout := s.platform.Layout()
	addr := batch
	for n := 0; n < maxBatchDwords; {
		if err := s.ctx.Err(); err != nil {
			return err
		}
		header, err := s.vm.Read32(addr)
		if err != nil {
			return err
		}
		length, err := encoder.Length(header)
		if err != nil {
			return fmt.Errorf("batch %v at %v: %w", batch, addr, err)
		}
		buf := make([]byte, length*binary.DwordSize)
		if err := s.vm.ReadAt(addr, buf); err != nil {
			return err
		}
		cmd, err := encoder.Decode(layout, binary.Dwords(buf))
		if err != nil {
			return fmt.Errorf("batch %v at %v: %w", batch, addr, err)
		}
		if log.IsLogging(log.Debug) {
			log.Debugf("%v: %v: %v", s.vm, addr, cmd)
		}
		if _, ok := cmd.(*encoder.BatchEnd); ok {
			return nil
		}
		if err := s.exec(cmd); err != nil {
			return fmt.Errorf("%s at %v: %w", cmd.Name(), addr, err)
		}
		addr += gpuarch.Addr(length * binary.DwordSize)
		n += length
	}
	return fmt.Errorf("batch %v exceeds %d dwords: %w", batch, maxBatchDwords, gpuerr.EINVAL)
}

func (s *streamer) exec(cmd encoder.Command) error {
	switch c := cmd.(type) {
	case *encoder.Noop:
		return nil
	case *encoder.StoreDword:
		return s.vm.Write32(gpuarch.Addr(c.Addr), c.Value)
	case *encoder.MemSet:
		if err := s.require(s.platform.HasMemSet); err != nil {
			return err
		}
		return s.memSet(c)
	case *encoder.MemCopy:
		if err := s.require(s.platform.HasMemCopy); err != nil {
			return err
		}
		return s.memCopy(c)
	case *encoder.FastCopy:
		if err := s.require(s.platform.HasFastCopy); err != nil {
			return err
		}
		return s.blit(c.BPP,
			surface{addr: c.Dst.Addr, pitch: c.Dst.Pitch, tiling: c.Dst.Tiling}, c.DstRect,
			surface{addr: c.Src.Addr, pitch: c.Src.Pitch, tiling: c.Src.Tiling}, c.SrcX, c.SrcY)
	case *encoder.BlockCopy:
		if err := s.require(s.platform.HasBlockCopy); err != nil {
			return err
		}
		r := c.DstRect
		r.X1 += c.Dst.XOffset
		r.X2 += c.Dst.XOffset
		r.Y1 += c.Dst.YOffset
		r.Y2 += c.Dst.YOffset
		return s.blit(c.BPP,
			surface{addr: c.Dst.Addr, pitch: c.Dst.Pitch, tiling: c.Dst.Tiling}, r,
			surface{addr: c.Src.Addr, pitch: c.Src.Pitch, tiling: c.Src.Tiling}, c.SrcX+c.Src.XOffset, c.SrcY+c.Src.YOffset)
	}
	return fmt.Errorf("unexpected command %s: %w", cmd.Name(), gpuerr.EINVAL)
}

// require checks that the engine can run blitter commands and the platform
// has the command.
func (s *streamer) require(has bool) error {
	if !s.engine.blitter() {
		return fmt.Errorf("blitter command on %v engine: %w", s.engine, gpuerr.EINVAL)
	}
	if !has {
		return fmt.Errorf("command not supported on %s: %w", s.platform.Name, gpuerr.EINVAL)
	}
	return nil
}

func (s *streamer) memSet(c *encoder.MemSet) error {
	row := bytes.Repeat([]byte{c.Value}, int(c.Width))
	for y := uint64(0); y < uint64(c.Height); y++ {
		if err := s.vm.WriteAt(gpuarch.Addr(c.Addr+y*uint64(c.Pitch)), row); err != nil {
			return err
		}
	}
	return nil
}

func (s *streamer) memCopy(c *encoder.MemCopy) error {
	if c.Type == encoder.CopyLinear {
		return s.copyLinear(gpuarch.Addr(c.Src), gpuarch.Addr(c.Dst), c.Bytes())
	}
	row := make([]byte, c.Width)
	for y := uint64(0); y < uint64(c.Height); y++ {
		if err := s.vm.ReadAt(gpuarch.Addr(c.Src+y*uint64(c.SrcPitch)), row); err != nil {
			return err
		}
		if err := s.vm.WriteAt(gpuarch.Addr(c.Dst+y*uint64(c.DstPitch)), row); err != nil {
			return err
		}
	}
	return nil
}

func (s *streamer) copyLinear(src, dst gpuarch.Addr, n uint64) error {
	buf := make([]byte, min(n, copyChunk))
	for n > 0 {
		chunk := buf[:min(n, copyChunk)]
		if err := s.vm.ReadAt(src, chunk); err != nil {
			return err
		}
		if err := s.vm.WriteAt(dst, chunk); err != nil {
			return err
		}
		src += gpuarch.Addr(len(chunk))
		dst += gpuarch.Addr(len(chunk))
		n -= uint64(len(chunk))
	}
	return nil
}

// surface is one side of a blit as the blitter sees it. pitch is the raw
// pitch field: bytes for linear surfaces, dwords for tiled ones.
type surface struct {
	addr   uint64
	pitch  uint32
	tiling tiling.Tiling
}

func (s surface) stride() uint32 {
	if s.tiling.Tiled() {
		return s.pitch * 4
	}
	return s.pitch
}

// blit copies the pixels of rect r in dst from (sx, sy) in src.
func (s *streamer) blit(bpp uint32, dst surface, r encoder.Rect, src surface, sx, sy uint32) error {
	if bpp == 0 || bpp%8 != 0 {
		return fmt.Errorf("blit of %d bpp: %w", bpp, gpuerr.EINVAL)
	}
	if r.X2 < r.X1 || r.Y2 < r.Y1 {
		return fmt.Errorf("blit to inverted rectangle %v: %w", r, gpuerr.EINVAL)
	}
	cpp := bpp / 8
	w, h := r.Width(), r.Height()

	if !src.tiling.Tiled() && !dst.tiling.Tiled() {
		row := make([]byte, w*cpp)
		for y := uint32(0); y < h; y++ {
			so := uint64(sy+y)*uint64(src.stride()) + uint64(sx)*uint64(cpp)
			do := uint64(r.Y1+y)*uint64(dst.stride()) + uint64(r.X1)*uint64(cpp)
			if err := s.vm.ReadAt(gpuarch.Addr(src.addr+so), row); err != nil {
				return err
			}
			if err := s.vm.WriteAt(gpuarch.Addr(dst.addr+do), row); err != nil {
				return err
			}
		}
		return nil
	}

	px := make([]byte, cpp)
	for y := uint32(0); y < h; y++ {
		if err := s.ctx.Err(); err != nil {
			return err
		}
		for x := uint32(0); x < w; x++ {
			so, err := tiling.Offset(src.tiling, sx+x, sy+y, src.stride(), cpp)
			if err != nil {
				return err
			}
			do, err := tiling.Offset(dst.tiling, r.X1+x, r.Y1+y, dst.stride(), cpp)
			if err != nil {
				return err
			}
			if err := s.vm.ReadAt(gpuarch.Addr(src.addr+so), px); err != nil {
				return err
			}
			if err := s.vm.WriteAt(gpuarch.Addr(dst.addr+do), px); err != nil {
				return err
			}
		}
	}
	return nil
}

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

// Package encoder builds GPU command streams.
//
// Commands are plain records (StoreDword, MemSet, MemCopy, FastCopy,
// BlockCopy, ...) that pack themselves into dwords using the bit layout of a
// platform generation. An Encoder resolves buffers to GPU addresses, picks
// the command a platform supports for an operation and appends the result to
// a Batch. Decode and Disassemble invert the packing.
package encoder

import (
	"fmt"

	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
	"gvisor.dev/gpuvm/pkg/gpuarch"
	"gvisor.dev/gpuvm/pkg/log"
	"gvisor.dev/gpuvm/pkg/platform"
	"gvisor.dev/gpuvm/pkg/tiling"
	"gvisor.dev/gpuvm/pkg/vm"
)

// Resolver translates a buffer offset into the GPU address it is bound at.
type Resolver interface {
	Resolve(b vm.Backing, offset uint64) (gpuarch.Addr, error)
}

// regioner is implemented by backings that know their memory region.
type regioner interface {
	Region() vm.Region
}

// Surface describes a 2D image in a buffer.
type Surface struct {
	Backing vm.Backing
	Offset  uint64

	// Pitch is the distance between rows in bytes.
	Pitch  uint32
	Width  uint32
	Height uint32
	BPP    uint32
	Tiling tiling.Tiling
	MOCS   uint8

	// Compressed requests render compression on platforms that express it
	// in the command.
	Compressed bool

	// X and Y are the origin of the copied rectangle.
	X, Y uint32
}

// Size returns the number of bytes the surface occupies.
func (s *Surface) Size() uint64 {
	return uint64(s.Pitch) * uint64(tiling.AlignedHeight(s.Height, s.BPP, s.Tiling))
}

func (s *Surface) cpp() uint32 {
	return s.BPP / 8
}

func (s *Surface) memory() Memory {
	if r, ok := s.Backing.(regioner); ok && r.Region() == vm.RegionVRAM {
		return MemoryLocal
	}
	return MemorySystem
}

// pitchField returns the pitch in the unit the blitter expects.
func (s *Surface) pitchField() uint32 {
	if s.Tiling.Tiled() {
		return s.Pitch / 4
	}
	return s.Pitch
}

func (s *Surface) validate(w, h uint32) error {
	switch {
	case s.Backing == nil:
		return fmt.Errorf("surface without backing: %w", gpuerr.EINVAL)
	case !s.Tiling.Valid():
		return fmt.Errorf("surface tiling %v: %w", s.Tiling, gpuerr.EINVAL)
	case s.BPP != 8 && s.BPP != 16 && s.BPP != 32 && s.BPP != 64 && s.BPP != 128:
		return fmt.Errorf("surface bpp %d: %w", s.BPP, gpuerr.EINVAL)
	case s.Pitch < tiling.MinStride(s.Width, s.BPP, s.Tiling):
		return fmt.Errorf("surface pitch %d below %d: %w", s.Pitch, tiling.MinStride(s.Width, s.BPP, s.Tiling), gpuerr.EINVAL)
	case s.Tiling.Tiled() && s.Pitch%4 != 0:
		return fmt.Errorf("tiled surface pitch %d not dword aligned: %w", s.Pitch, gpuerr.EINVAL)
	case w == 0 || h == 0:
		return fmt.Errorf("empty rectangle %dx%d: %w", w, h, gpuerr.EINVAL)
	case uint64(s.X)+uint64(w) > uint64(s.Width) || uint64(s.Y)+uint64(h) > uint64(s.Height):
		return fmt.Errorf("rectangle %dx%d at (%d,%d) outside %dx%d surface: %w", w, h, s.X, s.Y, s.Width, s.Height, gpuerr.EINVAL)
	case s.Offset+s.Size() > s.Backing.Size():
		return fmt.Errorf("surface of %#x bytes at %#x exceeds %v: %w", s.Size(), s.Offset, s.Backing, gpuerr.EINVAL)
	}
	return nil
}

// Encoder emits commands for one platform.
type Encoder struct {
	p platform.Platform
	r Resolver
}

// New returns an encoder for p resolving buffer addresses through r.
func New(p platform.Platform, r Resolver) *Encoder {
	return &Encoder{p: p, r: r}
}

// Platform returns the platform e encodes for.
func (e *Encoder) Platform() platform.Platform {
	return e.p
}

// Emit encodes cmds and appends them to b. Either all commands are appended
// or none are.
func (e *Encoder) Emit(b *Batch, cmds ...Command) error {
	var dw []uint32
	for _, c := range cmds {
		d, err := c.Encode(e.p.Layout())
		if err != nil {
			return fmt.Errorf("encoding %s for %s: %w", c.Name(), e.p.Name, err)
		}
		dw = append(dw, d...)
	}
	if log.IsLogging(log.Debug) {
		for _, c := range cmds {
			log.Debugf("%s: emit %v", e.p.Name, c)
		}
	}
	return b.Emit(dw...)
}

func (e *Encoder) resolve(b vm.Backing, offset uint64) (uint64, error) {
	addr, err := e.r.Resolve(b, offset)
	if err != nil {
		return 0, fmt.Errorf("resolving %v+%#x: %w", b, offset, err)
	}
	return uint64(addr), nil
}

// StoreDword emits a store of value to offset in obj.
func (e *Encoder) StoreDword(b *Batch, obj vm.Backing, offset uint64, value uint32) error {
	addr, err := e.resolve(obj, offset)
	if err != nil {
		return err
	}
	return e.Emit(b, &StoreDword{Addr: addr, Value: value})
}

// End terminates the batch.
func (e *Encoder) End(b *Batch) error {
	return e.Emit(b, &BatchEnd{})
}

// Copy copies a width x height rectangle from src to dst using the best
// engine the platform has: MEM_COPY for linear surfaces, then
// XY_BLOCK_COPY_BLT, then XY_FAST_COPY_BLT.
func (e *Encoder) Copy(b *Batch, src, dst *Surface, width, height uint32) error {
	switch {
	case e.p.HasMemCopy && !src.Tiling.Tiled() && !dst.Tiling.Tiled() && src.BPP == dst.BPP:
		return e.MemCopy(b, src, dst, width, height)
	case e.p.HasBlockCopy && blockTiling(src.Tiling) == nil && blockTiling(dst.Tiling) == nil:
		return e.BlockCopy(b, src, dst, width, height)
	case e.p.HasFastCopy:
		return e.FastCopy(b, src, dst, width, height)
	default:
		return fmt.Errorf("%s has no engine for %v to %v copy: %w", e.p.Name, src.Tiling, dst.Tiling, gpuerr.EINVAL)
	}
}

func (e *Encoder) prepareCopy(src, dst *Surface, width, height uint32) (srcAddr, dstAddr uint64, err error) {
	if err := src.validate(width, height); err != nil {
		return 0, 0, fmt.Errorf("source: %w", err)
	}
	if err := dst.validate(width, height); err != nil {
		return 0, 0, fmt.Errorf("destination: %w", err)
	}
	if src.BPP != dst.BPP {
		return 0, 0, fmt.Errorf("bpp mismatch %d vs %d: %w", src.BPP, dst.BPP, gpuerr.EINVAL)
	}
	if srcAddr, err = e.resolve(src.Backing, src.Offset); err != nil {
		return 0, 0, err
	}
	if dstAddr, err = e.resolve(dst.Backing, dst.Offset); err != nil {
		return 0, 0, err
	}
	return srcAddr, dstAddr, nil
}

// BlockCopy emits XY_BLOCK_COPY_BLT.
func (e *Encoder) BlockCopy(b *Batch, src, dst *Surface, width, height uint32) error {
	if !e.p.HasBlockCopy {
		return fmt.Errorf("%s has no block copy: %w", e.p.Name, gpuerr.EINVAL)
	}
	srcAddr, dstAddr, err := e.prepareCopy(src, dst, width, height)
	if err != nil {
		return err
	}
	surface := func(s *Surface, addr uint64) BlockSurface {
		return BlockSurface{
			Addr:       addr,
			Pitch:      s.pitchField(),
			Tiling:     s.Tiling,
			MOCS:       s.MOCS,
			Memory:     s.memory(),
			Compressed: s.Compressed,
		}
	}
	return e.Emit(b, &BlockCopy{
		BPP:     dst.BPP,
		Dst:     surface(dst, dstAddr),
		DstRect: Rect{X1: dst.X, Y1: dst.Y, X2: dst.X + width, Y2: dst.Y + height},
		Src:     surface(src, srcAddr),
		SrcX:    src.X,
		SrcY:    src.Y,
	})
}

// FastCopy emits XY_FAST_COPY_BLT.
func (e *Encoder) FastCopy(b *Batch, src, dst *Surface, width, height uint32) error {
	if !e.p.HasFastCopy {
		return fmt.Errorf("%s has no fast copy: %w", e.p.Name, gpuerr.EINVAL)
	}
	srcAddr, dstAddr, err := e.prepareCopy(src, dst, width, height)
	if err != nil {
		return err
	}
	xe2 := e.p.Layout() == platform.LayoutXe2
	surface := func(s *Surface, addr uint64) FastSurface {
		fs := FastSurface{
			Addr:   addr,
			Pitch:  s.pitchField(),
			Tiling: s.Tiling,
		}
		if xe2 {
			fs.MOCS = s.MOCS
		} else {
			fs.Memory = s.memory()
		}
		return fs
	}
	return e.Emit(b, &FastCopy{
		BPP:     dst.BPP,
		Dst:     surface(dst, dstAddr),
		DstRect: Rect{X1: dst.X, Y1: dst.Y, X2: dst.X + width, Y2: dst.Y + height},
		Src:     surface(src, srcAddr),
		SrcX:    src.X,
		SrcY:    src.Y,
	})
}

// MemCopy emits a matrix MEM_COPY between two linear surfaces.
func (e *Encoder) MemCopy(b *Batch, src, dst *Surface, width, height uint32) error {
	if !e.p.HasMemCopy {
		return fmt.Errorf("%s has no mem copy: %w", e.p.Name, gpuerr.EINVAL)
	}
	if src.Tiling.Tiled() || dst.Tiling.Tiled() {
		return fmt.Errorf("mem copy of tiled surface: %w", gpuerr.EINVAL)
	}
	srcAddr, dstAddr, err := e.prepareCopy(src, dst, width, height)
	if err != nil {
		return err
	}
	cpp := uint64(dst.cpp())
	row := uint64(width) * cpp
	if row > MaxByteCopyWidth || height > MaxCopyHeight {
		return fmt.Errorf("mem copy %dx%d too large: %w", row, height, gpuerr.EINVAL)
	}
	return e.Emit(b, &MemCopy{
		Type:     CopyMatrix,
		Mode:     ModeByte,
		Width:    uint32(row),
		Height:   height,
		SrcPitch: src.Pitch,
		DstPitch: dst.Pitch,
		Src:      srcAddr + uint64(src.Y)*uint64(src.Pitch) + uint64(src.X)*cpp,
		Dst:      dstAddr + uint64(dst.Y)*uint64(dst.Pitch) + uint64(dst.X)*cpp,
		SrcMOCS:  src.MOCS,
		DstMOCS:  dst.MOCS,
	})
}

// CopyBytes copies n bytes with linear MEM_COPY commands. The copy is split
// into as many commands as the width field requires; page mode is used when
// both ends and the length are page-unit aligned.
func (e *Encoder) CopyBytes(b *Batch, src vm.Backing, srcOff uint64, dst vm.Backing, dstOff uint64, n uint64) error {
	if !e.p.HasMemCopy {
		return fmt.Errorf("%s has no mem copy: %w", e.p.Name, gpuerr.EINVAL)
	}
	if n == 0 || srcOff+n > src.Size() || dstOff+n > dst.Size() {
		return fmt.Errorf("copy of %#x bytes from %v+%#x to %v+%#x: %w", n, src, srcOff, dst, dstOff, gpuerr.EINVAL)
	}
	srcAddr, err := e.resolve(src, srcOff)
	if err != nil {
		return err
	}
	dstAddr, err := e.resolve(dst, dstOff)
	if err != nil {
		return err
	}
	mode, maxWidth := ModeByte, uint64(MaxByteCopyWidth)
	if n%PageCopyUnit == 0 && srcAddr%PageCopyUnit == 0 && dstAddr%PageCopyUnit == 0 {
		mode, maxWidth = ModePage, MaxPageCopyWidth
	}
	mocs := e.p.MOCS().UC
	var cmds []Command
	for units := n / mode.Unit(); units > 0; {
		w := min(units, maxWidth)
		cmds = append(cmds, &MemCopy{
			Type:    CopyLinear,
			Mode:    mode,
			Width:   uint32(w),
			Height:  1,
			Src:     srcAddr,
			Dst:     dstAddr,
			SrcMOCS: mocs,
			DstMOCS: mocs,
		})
		units -= w
		srcAddr += w * mode.Unit()
		dstAddr += w * mode.Unit()
	}
	return e.Emit(b, cmds...)
}

// Fill sets every byte of a linear surface to value with MEM_SET.
func (e *Encoder) Fill(b *Batch, dst *Surface, value byte) error {
	if !e.p.HasMemSet {
		return fmt.Errorf("%s has no mem set: %w", e.p.Name, gpuerr.EINVAL)
	}
	if dst.Tiling.Tiled() {
		return fmt.Errorf("fill of %v surface: %w", dst.Tiling, gpuerr.EINVAL)
	}
	if err := dst.validate(dst.Width, dst.Height); err != nil {
		return err
	}
	addr, err := e.resolve(dst.Backing, dst.Offset)
	if err != nil {
		return err
	}
	return e.Emit(b, &MemSet{
		Addr:   addr,
		Width:  dst.Width * dst.cpp(),
		Height: dst.Height,
		Pitch:  dst.Pitch,
		Value:  value,
		MOCS:   dst.MOCS,
	})
}

// NewSurface returns a surface of the given geometry at the start of b with
// the minimum pitch for t and uncached MOCS.
func (e *Encoder) NewSurface(b vm.Backing, width, height, bpp uint32, t tiling.Tiling) *Surface {
	return &Surface{
		Backing: b,
		Pitch:   tiling.MinStride(width, bpp, t),
		Width:   width,
		Height:  height,
		BPP:     bpp,
		Tiling:  t,
		MOCS:    e.p.MOCS().UC,
	}
}

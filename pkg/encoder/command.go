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

	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
	"gvisor.dev/gpuvm/pkg/platform"
	"gvisor.dev/gpuvm/pkg/tiling"
)

// Command is a single command stream record.
type Command interface {
	// Name returns the command mnemonic.
	Name() string

	// Len returns the encoded length in dwords.
	Len() int

	// Encode packs the command using layout l.
	Encode(l platform.Layout) ([]uint32, error)
}

// Memory is the memory a blitter surface lives in.
type Memory uint8

// Memory values.
const (
	MemoryLocal Memory = iota
	MemorySystem
)

// String implements fmt.Stringer.
func (m Memory) String() string {
	if m == MemoryLocal {
		return "local"
	}
	return "system"
}

// Rect is a rectangle in pixels, X2 and Y2 exclusive.
type Rect struct {
	X1, Y1, X2, Y2 uint32
}

// Width returns the width of r.
func (r Rect) Width() uint32 { return r.X2 - r.X1 }

// Height returns the height of r.
func (r Rect) Height() uint32 { return r.Y2 - r.Y1 }

// StoreDword is MI_STORE_DWORD_IMM with a 64-bit address.
type StoreDword struct {
	Addr  uint64
	Value uint32
}

// Name implements Command.Name.
func (*StoreDword) Name() string { return "MI_STORE_DWORD_IMM" }

// Len implements Command.Len.
func (*StoreDword) Len() int { return storeDwordLen }

// Encode implements Command.Encode.
func (c *StoreDword) Encode(l platform.Layout) ([]uint32, error) {
	if c.Addr%4 != 0 {
		return nil, fmt.Errorf("store address %#x not dword aligned: %w", c.Addr, gpuerr.EINVAL)
	}
	return []uint32{MIStoreDwordImm, uint32(c.Addr), uint32(c.Addr >> 32), c.Value}, nil
}

func (c *StoreDword) String() string {
	return fmt.Sprintf("%s addr=%#x value=%#x", c.Name(), c.Addr, c.Value)
}

// BatchEnd is MI_BATCH_BUFFER_END.
type BatchEnd struct{}

// Name implements Command.Name.
func (*BatchEnd) Name() string { return "MI_BATCH_BUFFER_END" }

// Len implements Command.Len.
func (*BatchEnd) Len() int { return 1 }

// Encode implements Command.Encode.
func (*BatchEnd) Encode(platform.Layout) ([]uint32, error) {
	return []uint32{MIBatchBufferEnd}, nil
}

func (c *BatchEnd) String() string { return c.Name() }

// Noop is MI_NOOP.
type Noop struct{}

// Name implements Command.Name.
func (*Noop) Name() string { return "MI_NOOP" }

// Len implements Command.Len.
func (*Noop) Len() int { return 1 }

// Encode implements Command.Encode.
func (*Noop) Encode(platform.Layout) ([]uint32, error) {
	return []uint32{MINoop}, nil
}

func (c *Noop) String() string { return c.Name() }

// MemSet fills Height rows of Width bytes, Pitch bytes apart, with Value.
type MemSet struct {
	Addr   uint64
	Width  uint32
	Height uint32
	Pitch  uint32
	Value  uint8
	MOCS   uint8
}

// Name implements Command.Name.
func (*MemSet) Name() string { return "MEM_SET" }

// Len implements Command.Len.
func (*MemSet) Len() int { return memSetLen }

// Encode implements Command.Encode.
func (c *MemSet) Encode(l platform.Layout) ([]uint32, error) {
	if err := checkLayout(l); err != nil {
		return nil, err
	}
	if c.Width == 0 || c.Height == 0 || c.Pitch == 0 {
		return nil, fmt.Errorf("empty fill %dx%d pitch %d: %w", c.Width, c.Height, c.Pitch, gpuerr.EINVAL)
	}
	lay := &memSetLayouts[l]
	p := newPacker(memSetLen)
	p.set(0, MemSetHeader)
	p.put(1, lay.width, uint64(c.Width-1))
	p.put(2, lay.height, uint64(c.Height-1))
	p.put(3, lay.pitch, uint64(c.Pitch-1))
	p.addr(4, c.Addr)
	p.put(6, lay.value, uint64(c.Value))
	p.put(6, lay.mocs, uint64(c.MOCS))
	return p.done()
}

func (c *MemSet) String() string {
	return fmt.Sprintf("%s addr=%#x %dx%d pitch=%d value=%#x mocs=%d", c.Name(), c.Addr, c.Width, c.Height, c.Pitch, c.Value, c.MOCS)
}

func decodeMemSet(l platform.Layout, dw []uint32) *MemSet {
	lay := &memSetLayouts[l]
	return &MemSet{
		Addr:   addrAt(dw, 4),
		Width:  lay.width.Get(dw[1]) + 1,
		Height: lay.height.Get(dw[2]) + 1,
		Pitch:  lay.pitch.Get(dw[3]) + 1,
		Value:  uint8(lay.value.Get(dw[6])),
		MOCS:   uint8(lay.mocs.Get(dw[6])),
	}
}

// CopyType selects how MEM_COPY interprets its geometry.
type CopyType uint8

// Copy types.
const (
	// CopyLinear copies Width units. Height and pitches are carried but
	// not used by the engine.
	CopyLinear CopyType = iota

	// CopyMatrix copies Height rows of Width bytes.
	CopyMatrix
)

// CopyMode is the unit of a MEM_COPY width.
type CopyMode uint8

// Copy modes.
const (
	ModeByte CopyMode = iota
	ModePage
)

// PageCopyUnit is the size of a ModePage unit.
const PageCopyUnit = 256

// Largest widths and heights MEM_COPY can express.
const (
	MaxByteCopyWidth = 1 << 18
	MaxPageCopyWidth = 1 << 24
	MaxCopyHeight    = 1 << 18
)

// Unit returns the number of bytes per width unit.
func (m CopyMode) Unit() uint64 {
	if m == ModePage {
		return PageCopyUnit
	}
	return 1
}

// MemCopy is the MEM_COPY command.
//
// Width and Height are counts (at least one). In matrix mode the pitches are
// byte distances between rows; in linear mode they are stored verbatim.
type MemCopy struct {
	Type     CopyType
	Mode     CopyMode
	Width    uint32
	Height   uint32
	SrcPitch uint32
	DstPitch uint32
	Src      uint64
	Dst      uint64
	SrcMOCS  uint8
	DstMOCS  uint8
}

// Name implements Command.Name.
func (*MemCopy) Name() string { return "MEM_COPY" }

// Len implements Command.Len.
func (*MemCopy) Len() int { return memCopyLen }

// Encode implements Command.Encode.
func (c *MemCopy) Encode(l platform.Layout) ([]uint32, error) {
	if err := checkLayout(l); err != nil {
		return nil, err
	}
	if c.Width == 0 || c.Height == 0 {
		return nil, fmt.Errorf("empty copy %dx%d: %w", c.Width, c.Height, gpuerr.EINVAL)
	}
	if c.Type == CopyMatrix && (c.Mode != ModeByte || c.SrcPitch == 0 || c.DstPitch == 0) {
		return nil, fmt.Errorf("matrix copy needs byte mode and pitches: %w", gpuerr.EINVAL)
	}
	if c.Type > CopyMatrix || c.Mode > ModePage {
		return nil, gpuerr.EINVAL
	}
	lay := &memCopyLayouts[l]
	p := newPacker(memCopyLen)
	p.put(0, hdrClient, clientBlt)
	p.put(0, hdrOpcode, opMemCopy)
	p.put(0, hdrLength, memCopyLen-2)
	p.put(0, lay.copyType, uint64(c.Type))
	p.put(0, lay.mode, uint64(c.Mode))
	if c.Mode == ModePage {
		p.put(1, lay.pageWidth, uint64(c.Width-1))
	} else {
		p.put(1, lay.byteWidth, uint64(c.Width-1))
	}
	p.put(2, lay.height, uint64(c.Height-1))
	if c.Type == CopyMatrix {
		p.put(3, lay.pitch, uint64(c.SrcPitch-1))
		p.put(4, lay.pitch, uint64(c.DstPitch-1))
	} else {
		p.put(3, lay.pitch, uint64(c.SrcPitch))
		p.put(4, lay.pitch, uint64(c.DstPitch))
	}
	p.addr(5, c.Src)
	p.addr(7, c.Dst)
	p.put(9, lay.dstMOCS, uint64(c.DstMOCS))
	p.put(9, lay.srcMOCS, uint64(c.SrcMOCS))
	return p.done()
}

// Bytes returns the number of bytes copied from each row.
func (c *MemCopy) Bytes() uint64 {
	return uint64(c.Width) * c.Mode.Unit()
}

func (c *MemCopy) String() string {
	kind := "linear"
	if c.Type == CopyMatrix {
		kind = "matrix"
	}
	return fmt.Sprintf("%s %s src=%#x dst=%#x width=%d*%d height=%d pitch=%d/%d mocs=%d/%d",
		c.Name(), kind, c.Src, c.Dst, c.Width, c.Mode.Unit(), c.Height, c.SrcPitch, c.DstPitch, c.SrcMOCS, c.DstMOCS)
}

func decodeMemCopy(l platform.Layout, dw []uint32) *MemCopy {
	lay := &memCopyLayouts[l]
	c := &MemCopy{
		Type:    CopyType(lay.copyType.Get(dw[0])),
		Mode:    CopyMode(lay.mode.Get(dw[0])),
		Height:  lay.height.Get(dw[2]) + 1,
		Src:     addrAt(dw, 5),
		Dst:     addrAt(dw, 7),
		SrcMOCS: uint8(lay.srcMOCS.Get(dw[9])),
		DstMOCS: uint8(lay.dstMOCS.Get(dw[9])),
	}
	if c.Mode == ModePage {
		c.Width = lay.pageWidth.Get(dw[1]) + 1
	} else {
		c.Width = lay.byteWidth.Get(dw[1]) + 1
	}
	c.SrcPitch = lay.pitch.Get(dw[3])
	c.DstPitch = lay.pitch.Get(dw[4])
	if c.Type == CopyMatrix {
		c.SrcPitch++
		c.DstPitch++
	}
	return c
}

// FastSurface is one side of XY_FAST_COPY_BLT. Pitch is the raw field
// value: bytes for linear surfaces, dwords for tiled ones.
type FastSurface struct {
	Addr   uint64
	Pitch  uint32
	Tiling tiling.Tiling
	MOCS   uint8
	Memory Memory
}

// FastCopy is XY_FAST_COPY_BLT.
type FastCopy struct {
	// BPP is the pixel size in bits.
	BPP uint32

	Dst     FastSurface
	DstRect Rect
	Src     FastSurface
	SrcX    uint32
	SrcY    uint32
}

// Name implements Command.Name.
func (*FastCopy) Name() string { return "XY_FAST_COPY_BLT" }

// Len implements Command.Len.
func (*FastCopy) Len() int { return fastCopyLen }

func fastColorDepth(bpp uint32) (uint64, bool) {
	switch bpp {
	case 8:
		return 0, true
	case 16:
		return 1, true
	case 32:
		return 3, true
	case 64:
		return 4, true
	case 128:
		return 5, true
	default:
		return 0, false
	}
}

func fastBPP(code uint32) uint32 {
	switch code {
	case 0:
		return 8
	case 1:
		return 16
	case 3:
		return 32
	case 4:
		return 64
	case 5:
		return 128
	default:
		return 0
	}
}

// fastTiling checks that t round-trips through the fast copy fields on l.
func fastTiling(l platform.Layout, t tiling.Tiling) error {
	switch t {
	case tiling.Linear, tiling.X, tiling.Tile4, tiling.Tile64:
		return nil
	case tiling.Y:
		if l == platform.LayoutLegacy {
			return nil
		}
	}
	return fmt.Errorf("fast copy cannot express %v tiling: %w", t, gpuerr.EINVAL)
}

func decodeFastTiling(code uint32, typeY bool) tiling.Tiling {
	switch code {
	case 1:
		return tiling.X
	case 2:
		if typeY {
			return tiling.Tile4
		}
		return tiling.Y
	case 3:
		return tiling.Tile64
	default:
		return tiling.Linear
	}
}

// Encode implements Command.Encode.
func (c *FastCopy) Encode(l platform.Layout) ([]uint32, error) {
	if err := checkLayout(l); err != nil {
		return nil, err
	}
	depth, ok := fastColorDepth(c.BPP)
	if !ok {
		return nil, fmt.Errorf("fast copy color depth %d: %w", c.BPP, gpuerr.EINVAL)
	}
	if err := fastTiling(l, c.Dst.Tiling); err != nil {
		return nil, err
	}
	if err := fastTiling(l, c.Src.Tiling); err != nil {
		return nil, err
	}
	lay := &fastLayouts[l]
	p := newPacker(fastCopyLen)
	p.put(0, hdrClient, clientBlt)
	p.put(0, hdrOpcode, opFastCopy)
	p.put(0, hdrLength, fastCopyLen-2)
	p.put(0, lay.dstTiling, uint64(tiling.FastCode(c.Dst.Tiling)))
	p.put(0, lay.srcTiling, uint64(tiling.FastCode(c.Src.Tiling)))

	p.put(1, lay.pitch, uint64(c.Dst.Pitch))
	p.put(1, lay.mocs, uint64(c.Dst.MOCS))
	p.put(1, lay.colorDepth, depth)
	p.put(1, lay.dstMemory, uint64(c.Dst.Memory))
	p.put(1, lay.srcMemory, uint64(c.Src.Memory))
	if l == platform.LayoutXe2 {
		// Both type bits must be set on Xe2.
		p.put(1, lay.dstTypeY, 1)
		p.put(1, lay.srcTypeY, 1)
	} else {
		p.flag(1, lay.dstTypeY, c.Dst.Tiling.NewTileY())
		p.flag(1, lay.srcTypeY, c.Src.Tiling.NewTileY())
	}

	p.put(2, lay.coordX, uint64(c.DstRect.X1))
	p.put(2, lay.coordY, uint64(c.DstRect.Y1))
	p.put(3, lay.coordX, uint64(c.DstRect.X2))
	p.put(3, lay.coordY, uint64(c.DstRect.Y2))
	p.addr(4, c.Dst.Addr)
	p.put(6, lay.coordX, uint64(c.SrcX))
	p.put(6, lay.coordY, uint64(c.SrcY))
	p.put(7, lay.pitch, uint64(c.Src.Pitch))
	p.put(7, lay.mocs, uint64(c.Src.MOCS))
	p.addr(8, c.Src.Addr)
	return p.done()
}

func (c *FastCopy) String() string {
	return fmt.Sprintf("%s bpp=%d dst={%#x pitch=%d %v mocs=%d %v} rect=%v src={%#x pitch=%d %v mocs=%d %v} at (%d,%d)",
		c.Name(), c.BPP,
		c.Dst.Addr, c.Dst.Pitch, c.Dst.Tiling, c.Dst.MOCS, c.Dst.Memory, c.DstRect,
		c.Src.Addr, c.Src.Pitch, c.Src.Tiling, c.Src.MOCS, c.Src.Memory, c.SrcX, c.SrcY)
}

func decodeFastCopy(l platform.Layout, dw []uint32) *FastCopy {
	lay := &fastLayouts[l]
	return &FastCopy{
		BPP: fastBPP(lay.colorDepth.Get(dw[1])),
		Dst: FastSurface{
			Addr:   addrAt(dw, 4),
			Pitch:  lay.pitch.Get(dw[1]),
			Tiling: decodeFastTiling(lay.dstTiling.Get(dw[0]), lay.dstTypeY.Get(dw[1]) != 0),
			MOCS:   uint8(lay.mocs.Get(dw[1])),
			Memory: Memory(lay.dstMemory.Get(dw[1])),
		},
		DstRect: Rect{
			X1: lay.coordX.Get(dw[2]),
			Y1: lay.coordY.Get(dw[2]),
			X2: lay.coordX.Get(dw[3]),
			Y2: lay.coordY.Get(dw[3]),
		},
		Src: FastSurface{
			Addr:   addrAt(dw, 8),
			Pitch:  lay.pitch.Get(dw[7]),
			Tiling: decodeFastTiling(lay.srcTiling.Get(dw[0]), lay.srcTypeY.Get(dw[1]) != 0),
			MOCS:   uint8(lay.mocs.Get(dw[7])),
			Memory: Memory(lay.srcMemory.Get(dw[1])),
		},
		SrcX: lay.coordX.Get(dw[6]),
		SrcY: lay.coordY.Get(dw[6]),
	}
}

// auxCCSE is the aux mode of a compressed surface.
const auxCCSE = 5

// BlockSurface is one side of XY_BLOCK_COPY_BLT. Pitch is in bytes for
// linear surfaces and in dwords for tiled ones, and must be at least one.
type BlockSurface struct {
	Addr       uint64
	Pitch      uint32
	Tiling     tiling.Tiling
	MOCS       uint8
	Memory     Memory
	Compressed bool
	XOffset    uint32
	YOffset    uint32
}

// BlockCopy is XY_BLOCK_COPY_BLT without the extended surface dwords.
type BlockCopy struct {
	// BPP is the pixel size in bits.
	BPP uint32

	Dst     BlockSurface
	DstRect Rect
	Src     BlockSurface
	SrcX    uint32
	SrcY    uint32
}

// Name implements Command.Name.
func (*BlockCopy) Name() string { return "XY_BLOCK_COPY_BLT" }

// Len implements Command.Len.
func (*BlockCopy) Len() int { return blockCopyLen }

func blockColorDepth(bpp uint32) (uint64, bool) {
	switch bpp {
	case 8:
		return 0, true
	case 16:
		return 1, true
	case 32:
		return 2, true
	case 64:
		return 3, true
	case 96:
		return 4, true
	case 128:
		return 5, true
	default:
		return 0, false
	}
}

func blockTiling(t tiling.Tiling) error {
	switch t {
	case tiling.Linear, tiling.X, tiling.Tile4, tiling.Tile64:
		return nil
	}
	return fmt.Errorf("block copy cannot express %v tiling: %w", t, gpuerr.EINVAL)
}

func decodeBlockTiling(code uint32) tiling.Tiling {
	switch code {
	case 1:
		return tiling.X
	case 2:
		return tiling.Tile4
	case 3:
		return tiling.Tile64
	default:
		return tiling.Linear
	}
}

func (lay *blockLayout) putSurface(p *packer, pitchDW, offDW int, s *BlockSurface) {
	p.put(pitchDW, lay.pitch, uint64(s.Pitch-1))
	p.put(pitchDW, lay.mocs, uint64(s.MOCS))
	p.put(pitchDW, lay.tiling, uint64(tiling.BlockCode(s.Tiling)))
	if s.Compressed {
		p.put(pitchDW, lay.auxMode, auxCCSE)
		p.put(pitchDW, lay.compression, 1)
	}
	p.put(offDW, lay.xOffset, uint64(s.XOffset))
	p.put(offDW, lay.yOffset, uint64(s.YOffset))
	p.put(offDW, lay.targetMemory, uint64(s.Memory))
}

func (lay *blockLayout) getSurface(dw []uint32, pitchDW, offDW, addrDW int) BlockSurface {
	return BlockSurface{
		Addr:       addrAt(dw, addrDW),
		Pitch:      lay.pitch.Get(dw[pitchDW]) + 1,
		Tiling:     decodeBlockTiling(lay.tiling.Get(dw[pitchDW])),
		MOCS:       uint8(lay.mocs.Get(dw[pitchDW])),
		Memory:     Memory(lay.targetMemory.Get(dw[offDW])),
		Compressed: lay.compression.Get(dw[pitchDW]) != 0,
		XOffset:    lay.xOffset.Get(dw[offDW]),
		YOffset:    lay.yOffset.Get(dw[offDW]),
	}
}

// Encode implements Command.Encode.
func (c *BlockCopy) Encode(l platform.Layout) ([]uint32, error) {
	if err := checkLayout(l); err != nil {
		return nil, err
	}
	depth, ok := blockColorDepth(c.BPP)
	if !ok {
		return nil, fmt.Errorf("block copy color depth %d: %w", c.BPP, gpuerr.EINVAL)
	}
	if err := blockTiling(c.Dst.Tiling); err != nil {
		return nil, err
	}
	if err := blockTiling(c.Src.Tiling); err != nil {
		return nil, err
	}
	if c.Dst.Pitch == 0 || c.Src.Pitch == 0 {
		return nil, fmt.Errorf("block copy with zero pitch: %w", gpuerr.EINVAL)
	}
	lay := &blockLayouts[l]
	p := newPacker(blockCopyLen)
	p.put(0, hdrClient, clientBlt)
	p.put(0, hdrOpcode, opBlockCopy)
	p.put(0, hdrLength, blockCopyLen-2)
	p.put(0, lay.colorDepth, depth)

	lay.putSurface(p, 1, 6, &c.Dst)
	p.put(2, lay.coordX, uint64(c.DstRect.X1))
	p.put(2, lay.coordY, uint64(c.DstRect.Y1))
	p.put(3, lay.coordX, uint64(c.DstRect.X2))
	p.put(3, lay.coordY, uint64(c.DstRect.Y2))
	p.addr(4, c.Dst.Addr)

	p.put(7, lay.coordX, uint64(c.SrcX))
	p.put(7, lay.coordY, uint64(c.SrcY))
	lay.putSurface(p, 8, 11, &c.Src)
	p.addr(9, c.Src.Addr)
	return p.done()
}

func (c *BlockCopy) String() string {
	return fmt.Sprintf("%s bpp=%d dst={%#x pitch=%d %v mocs=%d %v} rect=%v src={%#x pitch=%d %v mocs=%d %v} at (%d,%d)",
		c.Name(), c.BPP,
		c.Dst.Addr, c.Dst.Pitch, c.Dst.Tiling, c.Dst.MOCS, c.Dst.Memory, c.DstRect,
		c.Src.Addr, c.Src.Pitch, c.Src.Tiling, c.Src.MOCS, c.Src.Memory, c.SrcX, c.SrcY)
}

var blockBPP = [...]uint32{8, 16, 32, 64, 96, 128, 0, 0}

func decodeBlockCopy(l platform.Layout, dw []uint32) *BlockCopy {
	lay := &blockLayouts[l]
	return &BlockCopy{
		BPP: blockBPP[lay.colorDepth.Get(dw[0])],
		Dst: lay.getSurface(dw, 1, 6, 4),
		DstRect: Rect{
			X1: lay.coordX.Get(dw[2]),
			Y1: lay.coordY.Get(dw[2]),
			X2: lay.coordX.Get(dw[3]),
			Y2: lay.coordY.Get(dw[3]),
		},
		Src:  lay.getSurface(dw, 8, 11, 9),
		SrcX: lay.coordX.Get(dw[7]),
		SrcY: lay.coordY.Get(dw[7]),
	}
}

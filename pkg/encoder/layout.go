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
	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
	"gvisor.dev/gpuvm/pkg/platform"
)

// Command header fields shared by every generation.
var (
	hdrClient   = bits(29, 31)
	hdrMIOpcode = bits(23, 28)
	hdrOpcode   = bits(22, 28)
	hdrLength   = bits(0, 7)
)

// Command clients.
const (
	clientMI  = 0
	clientBlt = 2
)

// MI opcodes.
const (
	miNoop           = 0x00
	miBatchBufferEnd = 0x0a
	miStoreDwordImm  = 0x20
)

// Blitter opcodes.
const (
	opBlockCopy = 0x41
	opFastCopy  = 0x42
	opMemCopy   = 0x5a
	opMemSet    = 0x5b
)

// Raw command values.
const (
	MIStoreDwordImm  uint32 = 0x10000002
	MIBatchBufferEnd uint32 = 0x05000000
	MINoop           uint32 = 0
	MemSetHeader     uint32 = clientBlt<<29 | opMemSet<<22 | 5
)

// Command lengths in dwords.
const (
	storeDwordLen = 4
	memSetLen     = 7
	memCopyLen    = 10
	fastCopyLen   = 10
	blockCopyLen  = 12
)

// blockLayout is the XY_BLOCK_COPY_BLT layout. Surface fields are shared by
// the destination (dw01, dw06) and source (dw08, dw11).
type blockLayout struct {
	colorDepth Field

	pitch          Field
	auxMode        Field
	mocs           Field
	compression    Field
	tiling         Field
	xOffset        Field
	yOffset        Field
	targetMemory   Field
	coordX, coordY Field
}

// fastLayout is the XY_FAST_COPY_BLT layout.
type fastLayout struct {
	dstTiling      Field
	srcTiling      Field
	pitch          Field
	mocs           Field
	colorDepth     Field
	dstMemory      Field
	srcMemory      Field
	dstTypeY       Field
	srcTypeY       Field
	coordX, coordY Field
}

// memCopyLayout is the MEM_COPY layout.
type memCopyLayout struct {
	copyType  Field
	mode      Field
	byteWidth Field
	pageWidth Field
	height    Field
	pitch     Field
	dstMOCS   Field
	srcMOCS   Field
}

// memSetLayout is the MEM_SET layout.
type memSetLayout struct {
	width  Field
	height Field
	pitch  Field
	value  Field
	mocs   Field
}

var blockLayouts = [...]blockLayout{
	platform.LayoutLegacy: {
		colorDepth:   bits(19, 21),
		pitch:        bits(0, 17),
		auxMode:      bits(18, 20),
		mocs:         bits(22, 27),
		compression:  bits(29, 29),
		tiling:       bits(30, 31),
		xOffset:      bits(0, 13),
		yOffset:      bits(16, 29),
		targetMemory: bits(31, 31),
		coordX:       bits(0, 15),
		coordY:       bits(16, 31),
	},
	// Compression is selected through the PAT index on Xe2.
	platform.LayoutXe2: {
		colorDepth:   bits(19, 21),
		pitch:        bits(0, 17),
		auxMode:      absent,
		mocs:         bits(24, 27),
		compression:  absent,
		tiling:       bits(30, 31),
		xOffset:      bits(0, 13),
		yOffset:      bits(16, 29),
		targetMemory: bits(31, 31),
		coordX:       bits(0, 15),
		coordY:       bits(16, 31),
	},
}

var fastLayouts = [...]fastLayout{
	platform.LayoutLegacy: {
		dstTiling:  bits(13, 14),
		srcTiling:  bits(20, 21),
		pitch:      bits(0, 15),
		mocs:       absent,
		colorDepth: bits(24, 26),
		dstMemory:  bits(28, 28),
		srcMemory:  bits(29, 29),
		dstTypeY:   bits(30, 30),
		srcTypeY:   bits(31, 31),
		coordX:     bits(0, 15),
		coordY:     bits(16, 31),
	},
	platform.LayoutXe2: {
		dstTiling:  bits(13, 14),
		srcTiling:  bits(20, 21),
		pitch:      bits(0, 15),
		mocs:       bits(20, 23),
		colorDepth: bits(24, 26),
		dstMemory:  absent,
		srcMemory:  absent,
		dstTypeY:   bits(30, 30),
		srcTypeY:   bits(31, 31),
		coordX:     bits(0, 15),
		coordY:     bits(16, 31),
	},
}

var memCopyLayouts = [...]memCopyLayout{
	platform.LayoutLegacy: {
		copyType:  bits(17, 18),
		mode:      bits(19, 19),
		byteWidth: bits(0, 17),
		pageWidth: bits(0, 23),
		height:    bits(0, 17),
		pitch:     bits(0, 17),
		dstMOCS:   bits(0, 6),
		srcMOCS:   bits(25, 31),
	},
	platform.LayoutXe2: {
		copyType:  bits(17, 18),
		mode:      bits(19, 19),
		byteWidth: bits(0, 17),
		pageWidth: bits(0, 23),
		height:    bits(0, 17),
		pitch:     bits(0, 17),
		dstMOCS:   bits(3, 6),
		srcMOCS:   bits(28, 31),
	},
}

var memSetLayouts = [...]memSetLayout{
	platform.LayoutLegacy: {
		width:  bits(0, 17),
		height: bits(0, 17),
		pitch:  bits(0, 17),
		value:  bits(24, 31),
		mocs:   bits(0, 6),
	},
	platform.LayoutXe2: {
		width:  bits(0, 17),
		height: bits(0, 17),
		pitch:  bits(0, 17),
		value:  bits(24, 31),
		mocs:   bits(3, 6),
	},
}

func checkLayout(l platform.Layout) error {
	if l != platform.LayoutLegacy && l != platform.LayoutXe2 {
		return gpuerr.EINVAL
	}
	return nil
}

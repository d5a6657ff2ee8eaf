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

// Package tiling implements surface geometry for the tiled memory layouts
// understood by the blitter.
package tiling

import (
	"fmt"
	"strings"

	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
	"gvisor.dev/gpuvm/pkg/gpuarch"
)

// Tiling is a surface memory layout.
type Tiling int

// Tiling values.
const (
	Linear Tiling = iota
	X
	Y
	Yf
	Tile4
	Tile64
)

var names = [...]string{
	Linear: "linear",
	X:      "x",
	Y:      "y",
	Yf:     "yf",
	Tile4:  "tile4",
	Tile64: "tile64",
}

// String implements fmt.Stringer.
func (t Tiling) String() string {
	if t >= 0 && int(t) < len(names) {
		return names[t]
	}
	return fmt.Sprintf("Tiling(%d)", int(t))
}

// Parse returns the Tiling named s.
func Parse(s string) (Tiling, error) {
	s = strings.ToLower(s)
	for i, n := range names {
		if n == s {
			return Tiling(i), nil
		}
	}
	return Linear, gpuerr.EINVAL
}

// Valid returns true if t is a known layout.
func (t Tiling) Valid() bool {
	return t >= Linear && t <= Tile64
}

// Tiled returns true for every layout except Linear.
func (t Tiling) Tiled() bool {
	return t != Linear
}

// NewTileY returns true for the layouts the fast copy engine reports as the
// "new" Y type.
func (t Tiling) NewTileY() bool {
	return t == Tile4 || t == Yf
}

// BlockCode returns the tiling field value of XY_BLOCK_COPY_BLT.
func BlockCode(t Tiling) uint32 {
	switch t {
	case X, Y:
		return 1
	case Tile4, Yf:
		return 2
	case Tile64:
		return 3
	default:
		return 0
	}
}

// FastCode returns the tiling field value of XY_FAST_COPY_BLT.
func FastCode(t Tiling) uint32 {
	switch t {
	case X:
		return 1
	case Y, Tile4, Yf:
		return 2
	case Tile64:
		return 3
	default:
		return 0
	}
}

// MinStride returns the smallest row pitch in bytes for a surface width
// pixels wide with bpp bits per pixel.
func MinStride(width, bpp uint32, t Tiling) uint32 {
	row := uint64(width) * uint64(bpp) / 8
	switch t {
	case Linear:
		return uint32(row)
	case X:
		return uint32(gpuarch.AlignUp(row, 512))
	case Tile64:
		switch bpp {
		case 8:
			return uint32(gpuarch.AlignUp(uint64(width), 256))
		case 16, 32:
			return uint32(gpuarch.AlignUp(row, 512))
		default:
			return uint32(gpuarch.AlignUp(row, 1024))
		}
	default:
		return uint32(gpuarch.AlignUp(row, 128))
	}
}

// AlignedHeight returns height rounded up to a whole number of tile rows.
func AlignedHeight(height, bpp uint32, t Tiling) uint32 {
	var align uint64
	switch t {
	case Linear:
		return height
	case X:
		align = 8
	case Tile64:
		switch bpp {
		case 8:
			align = 256
		case 16, 32:
			align = 128
		default:
			align = 64
		}
	default:
		align = 32
	}
	return uint32(gpuarch.AlignUp(uint64(height), align))
}

// Tile geometry in bytes and rows.
const (
	xTileWidth  = 512
	xTileHeight = 8

	yTileWidth  = 128
	yTileHeight = 32
	yOwords     = 16

	tileSize = 4096
)

// Offset returns the byte offset of pixel (x, y) in a surface with the given
// row pitch in bytes and cpp bytes per pixel.
func Offset(t Tiling, x, y, stride, cpp uint32) (uint64, error) {
	if cpp == 0 || !gpuarch.IsPowerOfTwo(uint64(cpp)) {
		return 0, gpuerr.EINVAL
	}
	switch t {
	case Linear:
		return uint64(stride)*uint64(y) + uint64(x)*uint64(cpp), nil
	case X:
		if stride%xTileWidth != 0 {
			return 0, gpuerr.EINVAL
		}
		return xOffset(uint64(x)*uint64(cpp), uint64(y), uint64(stride)), nil
	case Y:
		if stride%yTileWidth != 0 {
			return 0, gpuerr.EINVAL
		}
		return yOffset(uint64(x)*uint64(cpp), uint64(y), uint64(stride)), nil
	case Tile4:
		if stride%yTileWidth != 0 {
			return 0, gpuerr.EINVAL
		}
		return tile4Offset(uint64(x)*uint64(cpp), uint64(y), uint64(stride)), nil
	case Yf:
		if stride%yTileWidth != 0 {
			return 0, gpuerr.EINVAL
		}
		return yfOffset(uint64(x)*uint64(cpp), uint64(y), uint64(stride)), nil
	default:
		// Tile64 addressing depends on the surface format and is not
		// modelled.
		return 0, gpuerr.EINVAL
	}
}

func xOffset(bx, y, stride uint64) uint64 {
	tx, ty := bx/xTileWidth, y/xTileHeight
	return ty*stride*xTileHeight + tx*xTileWidth*xTileHeight +
		y%xTileHeight*xTileWidth + bx%xTileWidth
}

// yOffset stores each tile as columns of 16 byte owords, 32 rows tall.
func yOffset(bx, y, stride uint64) uint64 {
	tx, ty := bx/yTileWidth, y/yTileHeight
	shiftX := bx%yOwords + (bx%yTileWidth)/yOwords*yOwords*yTileHeight
	shiftY := y % yTileHeight * yOwords
	return ty*stride*yTileHeight + tx*yTileWidth*yTileHeight + shiftX + shiftY
}

// tile4Offset swizzles 64 byte subtiles inside each 4KiB tile.
func tile4Offset(bx, y, stride uint64) uint64 {
	tx := bx & (yTileWidth - 1)
	ty := y & (yTileHeight - 1)
	sx, sy := tx/yOwords, ty>>2
	subtile := (sy>>1)<<4 + (sy&1)<<2 + sx&3 + (sx&4)<<1
	base := y/yTileHeight*stride*yTileHeight + bx/yTileWidth*tileSize
	return base + subtile*64 + (ty&3)*yOwords + tx&(yOwords-1)
}

// yfOffset interleaves x and y bits as xyxyxyyyxxxx within each 4KiB tile.
func yfOffset(bx, y, stride uint64) uint64 {
	row := stride / yTileWidth * tileSize
	return bx&0xf +
		(y&0x3)*16 +
		(y&0x4)>>2*64 +
		(bx&0x10)>>4*128 +
		(y&0x8)>>3*256 +
		(bx&0x20)>>5*512 +
		(y&0x10)>>4*1024 +
		(bx&0x40)>>6*2048 +
		(bx&^0x7f)>>7*tileSize +
		(y&^0x1f)>>5*row
}

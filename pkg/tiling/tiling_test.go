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

package tiling

import (
	"testing"

	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
)

func TestMinStride(t *testing.T) {
	for _, tc := range []struct {
		width, bpp uint32
		tiling     Tiling
		want       uint32
	}{
		{100, 32, Linear, 400},
		{100, 32, X, 512},
		{100, 32, Y, 512},
		{100, 32, Tile4, 512},
		{100, 8, Tile4, 128},
		{100, 8, Tile64, 256},
		{100, 16, Tile64, 512},
		{100, 64, Tile64, 1024},
		{513, 8, X, 1024},
	} {
		if got := MinStride(tc.width, tc.bpp, tc.tiling); got != tc.want {
			t.Errorf("MinStride(%d, %d, %v): got %d, want %d", tc.width, tc.bpp, tc.tiling, got, tc.want)
		}
	}
}

func TestAlignedHeight(t *testing.T) {
	for _, tc := range []struct {
		height, bpp uint32
		tiling      Tiling
		want        uint32
	}{
		{33, 32, Linear, 33},
		{33, 32, X, 40},
		{33, 32, Y, 64},
		{33, 32, Tile4, 64},
		{33, 8, Tile64, 256},
		{33, 32, Tile64, 128},
		{33, 64, Tile64, 64},
	} {
		if got := AlignedHeight(tc.height, tc.bpp, tc.tiling); got != tc.want {
			t.Errorf("AlignedHeight(%d, %d, %v): got %d, want %d", tc.height, tc.bpp, tc.tiling, got, tc.want)
		}
	}
}

func TestOffset(t *testing.T) {
	for _, tc := range []struct {
		tiling Tiling
		x, y   uint32
		want   uint64
	}{
		{Linear, 1, 1, 1028},
		{X, 0, 1, 512},
		{X, 128, 0, 4096},
		{X, 0, 8, 8 * 1024},
		{Y, 4, 0, 512},
		{Y, 0, 1, 16},
		{Y, 32, 0, 4096},
		{Tile4, 4, 0, 64},
		{Tile4, 0, 4, 256},
		{Tile4, 0, 1, 16},
		{Yf, 4, 0, 128},
		{Yf, 0, 4, 64},
	} {
		got, err := Offset(tc.tiling, tc.x, tc.y, 1024, 4)
		if err != nil {
			t.Errorf("Offset(%v, %d, %d) failed: %v", tc.tiling, tc.x, tc.y, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Offset(%v, %d, %d): got %d, want %d", tc.tiling, tc.x, tc.y, got, tc.want)
		}
	}
}

// TestOffsetBijective checks that every pixel of a surface lands on its own
// properly aligned location inside the surface.
func TestOffsetBijective(t *testing.T) {
	const (
		width = 256
		bpp   = 32
		cpp   = bpp / 8
	)
	for _, tiling := range []Tiling{Linear, X, Y, Tile4, Yf} {
		t.Run(tiling.String(), func(t *testing.T) {
			stride := MinStride(width, bpp, tiling)
			height := AlignedHeight(64, bpp, tiling)
			size := uint64(stride) * uint64(height)
			seen := make(map[uint64]struct{}, width*height)
			for y := uint32(0); y < height; y++ {
				for x := uint32(0); x < width; x++ {
					off, err := Offset(tiling, x, y, stride, cpp)
					if err != nil {
						t.Fatalf("Offset(%d, %d) failed: %v", x, y, err)
					}
					if off%cpp != 0 || off+cpp > size {
						t.Fatalf("Offset(%d, %d): got %#x, outside surface of %#x bytes", x, y, off, size)
					}
					if _, ok := seen[off]; ok {
						t.Fatalf("Offset(%d, %d): %#x already used", x, y, off)
					}
					seen[off] = struct{}{}
				}
			}
		})
	}
}

func TestOffsetInvalid(t *testing.T) {
	for _, tc := range []struct {
		name   string
		tiling Tiling
		stride uint32
		cpp    uint32
	}{
		{"tile64", Tile64, 1024, 4},
		{"cpp3", Linear, 1024, 3},
		{"x-stride", X, 384, 4},
		{"y-stride", Y, 100, 4},
	} {
		if _, err := Offset(tc.tiling, 0, 0, tc.stride, tc.cpp); !gpuerr.Equals(gpuerr.EINVAL, err) {
			t.Errorf("%s: got %v, want %v", tc.name, err, gpuerr.EINVAL)
		}
	}
}

func TestCodes(t *testing.T) {
	for _, tc := range []struct {
		tiling      Tiling
		block, fast uint32
	}{
		{Linear, 0, 0},
		{X, 1, 1},
		{Y, 1, 2},
		{Tile4, 2, 2},
		{Yf, 2, 2},
		{Tile64, 3, 3},
	} {
		if got := BlockCode(tc.tiling); got != tc.block {
			t.Errorf("BlockCode(%v): got %d, want %d", tc.tiling, got, tc.block)
		}
		if got := FastCode(tc.tiling); got != tc.fast {
			t.Errorf("FastCode(%v): got %d, want %d", tc.tiling, got, tc.fast)
		}
	}
}

func TestParse(t *testing.T) {
	for _, tiling := range []Tiling{Linear, X, Y, Yf, Tile4, Tile64} {
		got, err := Parse(tiling.String())
		if err != nil || got != tiling {
			t.Errorf("Parse(%q): got (%v, %v), want %v", tiling.String(), got, err, tiling)
		}
	}
	if _, err := Parse("ys"); !gpuerr.Equals(gpuerr.EINVAL, err) {
		t.Errorf("Parse(ys): got %v, want %v", err, gpuerr.EINVAL)
	}
}

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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
	"gvisor.dev/gpuvm/pkg/gpuarch"
	"gvisor.dev/gpuvm/pkg/platform"
	"gvisor.dev/gpuvm/pkg/tiling"
	"gvisor.dev/gpuvm/pkg/vm"
)

type testBuffer struct {
	name   string
	mem    []byte
	region vm.Region
}

func newTestBuffer(name string, size int) *testBuffer {
	return &testBuffer{name: name, mem: make([]byte, size)}
}

func (b *testBuffer) Bytes() []byte { return b.mem }
func (b *testBuffer) Size() uint64 { return uint64(len(b.mem)) }
func (b *testBuffer) Kind() vm.BackingKind { return vm.BackingBuffer }
func (b *testBuffer) String() string { return b.name }
func (b *testBuffer) Region() vm.Region { return b.region }

// testResolver binds each buffer at a fixed address.
type testResolver map[vm.Backing]gpuarch.Addr

func (r testResolver) Resolve(b vm.Backing, offset uint64) (gpuarch.Addr, error) {
	addr, ok := r[b]
	if !ok {
		return 0, gpuerr.ENOENT
	}
	return addr + gpuarch.Addr(offset), nil
}

var layouts = []platform.Layout{platform.LayoutLegacy, platform.LayoutXe2}

func TestField(t *testing.T) {
	f := bits(4, 7)
	var dw uint32 = 0xffffff0f
	if err := Put(&dw, f, uint8(0xa)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if dw != 0xffffffaf {
		t.Errorf("Put: got %#x, want %#x", dw, uint32(0xffffffaf))
	}
	if got := f.Get(dw); got != 0xa {
		t.Errorf("Get: got %#x, want 0xa", got)
	}
	if err := Put(&dw, f, 16); !gpuerr.Equals(gpuerr.EINVAL, err) {
		t.Errorf("Put(16): got %v, want %v", err, gpuerr.EINVAL)
	}
	if err := Put(&dw, f, -1); !gpuerr.Equals(gpuerr.EINVAL, err) {
		t.Errorf("Put(-1): got %v, want %v", err, gpuerr.EINVAL)
	}
	if dw != 0xffffffaf {
		t.Errorf("failed Put modified dword: %#x", dw)
	}
	if err := Put(&dw, absent, 0); err != nil {
		t.Errorf("Put(absent, 0): %v", err)
	}
	if err := Put(&dw, absent, 1); !gpuerr.Equals(gpuerr.EINVAL, err) {
		t.Errorf("Put(absent, 1): got %v, want %v", err, gpuerr.EINVAL)
	}
	if got := bits(0, 31).Max(); got != 0xffffffff {
		t.Errorf("Max of full dword: got %#x", got)
	}
}

func TestGolden(t *testing.T) {
	for _, tc := range []struct {
		name string
		cmd  Command
		want []uint32
	}{
		{"store", &StoreDword{Addr: 0x1_0000_1000, Value: 0xc0ffee}, []uint32{0x10000002, 0x1000, 0x1, 0xc0ffee}},
		{"end", &BatchEnd{}, []uint32{0x05000000}},
		{"noop", &Noop{}, []uint32{0}},
		{
			"memset",
			&MemSet{Addr: 0x2_0000_0040, Width: 64, Height: 2, Pitch: 128, Value: 0xab, MOCS: 3},
			[]uint32{0x56c00005, 63, 1, 127, 0x40, 0x2, 0xab<<24 | 3<<3},
		},
		{
			"memcopy-linear",
			&MemCopy{Type: CopyLinear, Mode: ModePage, Width: 16, Height: 1, Src: 0x10000, Dst: 0x20000, SrcMOCS: 3, DstMOCS: 4},
			[]uint32{0x56880008, 15, 0, 0, 0, 0x10000, 0, 0x20000, 0, 3<<28 | 4<<3},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.cmd.Encode(platform.LayoutXe2)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Encode mismatch (-want +got):\n%s", diff)
			}
			if len(got) != tc.cmd.Len() {
				t.Errorf("Len(): got %d, encoded %d", tc.cmd.Len(), len(got))
			}
		})
	}
}

func TestBlockCopyHeader(t *testing.T) {
	c := &BlockCopy{
		BPP:     32,
		Dst:     BlockSurface{Addr: 0x1000, Pitch: 128, Tiling: tiling.Tile4, MOCS: 2},
		DstRect: Rect{X1: 0, Y1: 0, X2: 64, Y2: 32},
		Src:     BlockSurface{Addr: 0x2000, Pitch: 256, Tiling: tiling.Linear, MOCS: 2, Memory: MemorySystem},
	}
	legacy, err := c.Encode(platform.LayoutLegacy)
	if err != nil {
		t.Fatalf("Encode(legacy) failed: %v", err)
	}
	if got, want := legacy[0], uint32(0x5050000a); got != want {
		t.Errorf("dw0: got %#x, want %#x", got, want)
	}
	if got, want := legacy[1], uint32(2<<30|2<<22|127); got != want {
		t.Errorf("legacy dw1: got %#x, want %#x", got, want)
	}
	if got, want := legacy[11], uint32(1<<31); got != want {
		t.Errorf("legacy dw11: got %#x, want %#x", got, want)
	}
	xe2, err := c.Encode(platform.LayoutXe2)
	if err != nil {
		t.Fatalf("Encode(xe2) failed: %v", err)
	}
	if got, want := xe2[1], uint32(2<<30|2<<24|127); got != want {
		t.Errorf("xe2 dw1: got %#x, want %#x", got, want)
	}
}

// roundTripCases are valid on both layouts.
func roundTripCases() []Command {
	return []Command{
		&StoreDword{Addr: 0xffff_ffff_f000, Value: 0xdeadbeef},
		&BatchEnd{},
		&Noop{},
		&MemSet{Addr: 0x1000, Width: 1 << 18, Height: 3, Pitch: 1 << 18, Value: 0x5a, MOCS: 1},
		&MemCopy{Type: CopyMatrix, Mode: ModeByte, Width: 100, Height: 7, SrcPitch: 128, DstPitch: 256, Src: 0x1000, Dst: 0x9000, SrcMOCS: 3, DstMOCS: 3},
		&MemCopy{Type: CopyLinear, Mode: ModeByte, Width: MaxByteCopyWidth, Height: 1, Src: 0x1000, Dst: 0x5_0000_0000},
		&MemCopy{Type: CopyLinear, Mode: ModePage, Width: MaxPageCopyWidth, Height: 1, Src: 0x1000, Dst: 0x2000},
		&FastCopy{
			BPP:     32,
			Dst:     FastSurface{Addr: 0x10000, Pitch: 128, Tiling: tiling.Tile4},
			DstRect: Rect{X1: 1, Y1: 2, X2: 65, Y2: 34},
			Src:     FastSurface{Addr: 0x20000, Pitch: 512, Tiling: tiling.Linear},
			SrcX:    3,
			SrcY:    4,
		},
		&FastCopy{
			BPP:     8,
			Dst:     FastSurface{Addr: 0x10000, Pitch: 128, Tiling: tiling.X},
			DstRect: Rect{X2: 512, Y2: 8},
			Src:     FastSurface{Addr: 0x20000, Pitch: 128, Tiling: tiling.Tile64},
		},
		&BlockCopy{
			BPP:     64,
			Dst:     BlockSurface{Addr: 0x3_0000_0000, Pitch: 1 << 18, Tiling: tiling.Tile64, MOCS: 4, XOffset: 3, YOffset: 5},
			DstRect: Rect{X1: 0xfffe, Y1: 0, X2: 0xffff, Y2: 1},
			Src:     BlockSurface{Addr: 0x4000, Pitch: 1, Tiling: tiling.X, MOCS: 1, Memory: MemorySystem},
			SrcX:    9,
			SrcY:    10,
		},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, l := range layouts {
		for i, c := range roundTripCases() {
			t.Run(fmt.Sprintf("%v/%d-%s", l, i, c.Name()), func(t *testing.T) {
				dw, err := c.Encode(l)
				if err != nil {
					t.Fatalf("Encode failed: %v", err)
				}
				got, err := Decode(l, dw)
				if err != nil {
					t.Fatalf("Decode(%#x) failed: %v", dw, err)
				}
				if diff := cmp.Diff(c, got); diff != "" {
					t.Errorf("round trip mismatch (-want +got):\n%s", diff)
				}
			})
		}
	}
}

func TestRoundTripLegacyOnly(t *testing.T) {
	for _, c := range []Command{
		&FastCopy{
			BPP:     16,
			Dst:     FastSurface{Addr: 0x1000, Pitch: 64, Tiling: tiling.Y, Memory: MemorySystem},
			DstRect: Rect{X2: 16, Y2: 16},
			Src:     FastSurface{Addr: 0x2000, Pitch: 64, Tiling: tiling.Tile4},
		},
		&BlockCopy{
			BPP:     32,
			Dst:     BlockSurface{Addr: 0x1000, Pitch: 32, Tiling: tiling.Tile4, Compressed: true},
			DstRect: Rect{X2: 16, Y2: 16},
			Src:     BlockSurface{Addr: 0x2000, Pitch: 64, Tiling: tiling.Linear},
		},
	} {
		dw, err := c.Encode(platform.LayoutLegacy)
		if err != nil {
			t.Fatalf("%s: Encode(legacy) failed: %v", c.Name(), err)
		}
		got, err := Decode(platform.LayoutLegacy, dw)
		if err != nil {
			t.Fatalf("%s: Decode failed: %v", c.Name(), err)
		}
		if diff := cmp.Diff(c, got); diff != "" {
			t.Errorf("%s: round trip mismatch (-want +got):\n%s", c.Name(), diff)
		}
		if _, err := c.Encode(platform.LayoutXe2); !gpuerr.Equals(gpuerr.EINVAL, err) {
			t.Errorf("%s: Encode(xe2): got %v, want %v", c.Name(), err, gpuerr.EINVAL)
		}
	}
}

func TestEncodeInvalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		cmd  Command
	}{
		{"unaligned-store", &StoreDword{Addr: 0x1002}},
		{"memset-empty", &MemSet{Addr: 0x1000, Width: 0, Height: 1, Pitch: 1}},
		{"memset-wide", &MemSet{Addr: 0x1000, Width: 1<<18 + 1, Height: 1, Pitch: 1 << 18}},
		{"memcopy-matrix-page", &MemCopy{Type: CopyMatrix, Mode: ModePage, Width: 1, Height: 1, SrcPitch: 1, DstPitch: 1}},
		{"memcopy-wide", &MemCopy{Type: CopyLinear, Mode: ModeByte, Width: MaxByteCopyWidth + 1, Height: 1}},
		{"fast-bpp96", &FastCopy{BPP: 96, Dst: FastSurface{Pitch: 4}, Src: FastSurface{Pitch: 4}}},
		{"fast-yf", &FastCopy{BPP: 32, Dst: FastSurface{Pitch: 4, Tiling: tiling.Yf}, Src: FastSurface{Pitch: 4}}},
		{"fast-coord", &FastCopy{BPP: 32, DstRect: Rect{X2: 1 << 16}}},
		{"block-bpp", &BlockCopy{BPP: 24, Dst: BlockSurface{Pitch: 4}, Src: BlockSurface{Pitch: 4}}},
		{"block-y", &BlockCopy{BPP: 32, Dst: BlockSurface{Pitch: 4, Tiling: tiling.Y}, Src: BlockSurface{Pitch: 4}}},
		{"block-pitch0", &BlockCopy{BPP: 32, Src: BlockSurface{Pitch: 4}}},
		{"block-pitch", &BlockCopy{BPP: 32, Dst: BlockSurface{Pitch: 1<<18 + 1}, Src: BlockSurface{Pitch: 4}}},
	} {
		for _, l := range layouts {
			if _, err := tc.cmd.Encode(l); !gpuerr.Equals(gpuerr.EINVAL, err) {
				t.Errorf("%s on %v: got %v, want %v", tc.name, l, err, gpuerr.EINVAL)
			}
		}
	}
}

func TestDecodeInvalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		dw   []uint32
	}{
		{"empty", nil},
		{"unknown", []uint32{0x7fffffff}},
		{"truncated", []uint32{0x50800008, 0, 0}},
		{"bad-length", []uint32{0x56c00004, 0, 0, 0, 0, 0}},
	} {
		if _, err := Decode(platform.LayoutXe2, tc.dw); !gpuerr.Equals(gpuerr.EINVAL, err) {
			t.Errorf("%s: got %v, want %v", tc.name, err, gpuerr.EINVAL)
		}
	}
}

func TestBatchOverflow(t *testing.T) {
	mem := make([]byte, 24)
	b := NewBatch(mem, 0x10000)
	if got := b.Capacity(); got != 6 {
		t.Fatalf("Capacity(): got %d, want 6", got)
	}
	if err := b.Emit(1, 2, 3, 4); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if err := b.Emit(5, 6, 7); !gpuerr.Equals(gpuerr.EOVERFLOW, err) {
		t.Fatalf("Emit past capacity: got %v, want %v", err, gpuerr.EOVERFLOW)
	}
	if got := b.Cursor(); got != 4 {
		t.Errorf("Cursor() after overflow: got %d, want 4", got)
	}
	if mem[16] != 0 {
		t.Errorf("overflowing Emit wrote to the buffer")
	}
	if err := b.Emit(5, 6); err != nil {
		t.Fatalf("Emit to exact capacity failed: %v", err)
	}
	if diff := cmp.Diff([]uint32{1, 2, 3, 4, 5, 6}, b.Dwords()); diff != "" {
		t.Errorf("Dwords mismatch (-want +got):\n%s", diff)
	}
	b.Reset()
	if b.Cursor() != 0 || b.Remaining() != 6 {
		t.Errorf("Reset: cursor %d remaining %d", b.Cursor(), b.Remaining())
	}
}

func newEncoder(p platform.Platform, bufs ...*testBuffer) *Encoder {
	r := make(testResolver)
	for i, b := range bufs {
		r[b] = gpuarch.Addr(0x100000 * (i + 1))
	}
	return New(p, r)
}

func TestEncoderStoreAndEnd(t *testing.T) {
	obj := newTestBuffer("obj", 4096)
	e := newEncoder(platform.TGL, obj)
	b := NewBatch(make([]byte, 64), 0x800000)
	if err := e.StoreDword(b, obj, 8, 0xc0ffee); err != nil {
		t.Fatalf("StoreDword failed: %v", err)
	}
	if err := e.End(b); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	want := []uint32{MIStoreDwordImm, 0x100008, 0, 0xc0ffee, MIBatchBufferEnd}
	if diff := cmp.Diff(want, b.Dwords()); diff != "" {
		t.Errorf("batch mismatch (-want +got):\n%s", diff)
	}
	unbound := newTestBuffer("unbound", 4096)
	if err := e.StoreDword(b, unbound, 0, 1); !gpuerr.Equals(gpuerr.ENOENT, err) {
		t.Errorf("StoreDword to unbound buffer: got %v, want %v", err, gpuerr.ENOENT)
	}
}

func TestEncoderCopySelection(t *testing.T) {
	for _, tc := range []struct {
		p        platform.Platform
		src, dst tiling.Tiling
		want     string
	}{
		{platform.LNL, tiling.Linear, tiling.Linear, "MEM_COPY"},
		{platform.LNL, tiling.Linear, tiling.Tile4, "XY_BLOCK_COPY_BLT"},
		{platform.DG2, tiling.Linear, tiling.Linear, "XY_BLOCK_COPY_BLT"},
		{platform.TGL, tiling.Y, tiling.Linear, "XY_FAST_COPY_BLT"},
		{platform.TGL, tiling.X, tiling.Linear, "XY_BLOCK_COPY_BLT"},
	} {
		src := newTestBuffer("src", 1<<20)
		dst := newTestBuffer("dst", 1<<20)
		e := newEncoder(tc.p, src, dst)
		b := NewBatch(make([]byte, 256), 0)
		s := e.NewSurface(src, 64, 64, 32, tc.src)
		d := e.NewSurface(dst, 64, 64, 32, tc.dst)
		if err := e.Copy(b, s, d, 64, 64); err != nil {
			t.Errorf("%s %v->%v: Copy failed: %v", tc.p.Name, tc.src, tc.dst, err)
			continue
		}
		cmds, err := Disassemble(tc.p.Layout(), b.Dwords())
		if err != nil {
			t.Fatalf("Disassemble failed: %v", err)
		}
		if len(cmds) != 1 || cmds[0].Name() != tc.want {
			t.Errorf("%s %v->%v: got %v, want one %s", tc.p.Name, tc.src, tc.dst, cmds, tc.want)
		}
	}
}

func TestEncoderBlockCopyPitch(t *testing.T) {
	src := newTestBuffer("src", 1<<20)
	dst := newTestBuffer("dst", 1<<20)
	src.region = vm.RegionVRAM
	e := newEncoder(platform.DG2, src, dst)
	b := NewBatch(make([]byte, 256), 0)
	s := e.NewSurface(src, 256, 64, 32, tiling.Tile4)
	d := e.NewSurface(dst, 256, 64, 32, tiling.Linear)
	d.X, d.Y = 0, 16
	if err := e.BlockCopy(b, s, d, 128, 32); err != nil {
		t.Fatalf("BlockCopy failed: %v", err)
	}
	cmds, err := Disassemble(platform.LayoutLegacy, b.Dwords())
	if err != nil {
		t.Fatalf("Disassemble failed: %v", err)
	}
	got := cmds[0].(*BlockCopy)
	if got.Src.Pitch != 1024/4 {
		t.Errorf("tiled source pitch: got %d, want %d dwords", got.Src.Pitch, 1024/4)
	}
	if got.Dst.Pitch != 1024 {
		t.Errorf("linear destination pitch: got %d, want 1024 bytes", got.Dst.Pitch)
	}
	if got.Src.Memory != MemoryLocal || got.Dst.Memory != MemorySystem {
		t.Errorf("memory: got src %v dst %v", got.Src.Memory, got.Dst.Memory)
	}
	if want := (Rect{X1: 0, Y1: 16, X2: 128, Y2: 48}); got.DstRect != want {
		t.Errorf("DstRect: got %v, want %v", got.DstRect, want)
	}
	if got.Src.MOCS != platform.DG2.MOCS().UC {
		t.Errorf("MOCS: got %d, want %d", got.Src.MOCS, platform.DG2.MOCS().UC)
	}
}

func TestEncoderCopyInvalid(t *testing.T) {
	src := newTestBuffer("src", 64*256)
	dst := newTestBuffer("dst", 4096)
	e := newEncoder(platform.BMG, src, dst)
	b := NewBatch(make([]byte, 256), 0)
	s := e.NewSurface(src, 64, 64, 32, tiling.Linear)
	d := e.NewSurface(dst, 64, 64, 32, tiling.Linear)
	if err := e.Copy(b, s, d, 64, 64); !gpuerr.Equals(gpuerr.EINVAL, err) {
		t.Errorf("Copy into small buffer: got %v, want %v", err, gpuerr.EINVAL)
	}
	d = e.NewSurface(dst, 16, 16, 32, tiling.Linear)
	if err := e.Copy(b, s, d, 17, 1); !gpuerr.Equals(gpuerr.EINVAL, err) {
		t.Errorf("Copy outside surface: got %v, want %v", err, gpuerr.EINVAL)
	}
	d.Pitch = 32
	if err := e.Copy(b, s, d, 16, 16); !gpuerr.Equals(gpuerr.EINVAL, err) {
		t.Errorf("Copy with short pitch: got %v, want %v", err, gpuerr.EINVAL)
	}
	if b.Cursor() != 0 {
		t.Errorf("failed copies emitted %d dwords", b.Cursor())
	}
}

func TestEncoderCopyBytes(t *testing.T) {
	src := newTestBuffer("src", 2*MaxByteCopyWidth)
	dst := newTestBuffer("dst", 2*MaxByteCopyWidth)
	e := newEncoder(platform.LNL, src, dst)
	b := NewBatch(make([]byte, 4096), 0)

	// Odd length: byte mode in two chunks.
	if err := e.CopyBytes(b, src, 1, dst, 1, MaxByteCopyWidth+5); err != nil {
		t.Fatalf("CopyBytes failed: %v", err)
	}
	cmds, err := Disassemble(platform.LayoutXe2, b.Dwords())
	if err != nil {
		t.Fatalf("Disassemble failed: %v", err)
	}
	if len(cmds) != 2 {
		t.Fatalf("got %d commands, want 2", len(cmds))
	}
	first, second := cmds[0].(*MemCopy), cmds[1].(*MemCopy)
	if first.Mode != ModeByte || first.Width != MaxByteCopyWidth || second.Width != 5 {
		t.Errorf("chunks: got %v and %v", first, second)
	}
	if second.Src != first.Src+MaxByteCopyWidth || second.Dst != first.Dst+MaxByteCopyWidth {
		t.Errorf("second chunk addresses: got %v", second)
	}

	// Page aligned: page mode in one command.
	b.Reset()
	if err := e.CopyBytes(b, src, 0, dst, 0, 1<<19); err != nil {
		t.Fatalf("CopyBytes failed: %v", err)
	}
	cmds, err = Disassemble(platform.LayoutXe2, b.Dwords())
	if err != nil {
		t.Fatalf("Disassemble failed: %v", err)
	}
	if len(cmds) != 1 || cmds[0].(*MemCopy).Mode != ModePage || cmds[0].(*MemCopy).Width != (1<<19)/PageCopyUnit {
		t.Errorf("page copy: got %v", cmds)
	}

	if err := newEncoder(platform.DG2, src, dst).CopyBytes(b, src, 0, dst, 0, 16); !gpuerr.Equals(gpuerr.EINVAL, err) {
		t.Errorf("CopyBytes on DG2: got %v, want %v", err, gpuerr.EINVAL)
	}
}

func TestEncoderFill(t *testing.T) {
	dst := newTestBuffer("dst", 64*1024)
	e := newEncoder(platform.BMG, dst)
	b := NewBatch(make([]byte, 64), 0)
	s := e.NewSurface(dst, 100, 10, 32, tiling.Linear)
	if err := e.Fill(b, s, 0xa5); err != nil {
		t.Fatalf("Fill failed: %v", err)
	}
	cmds, err := Disassemble(platform.LayoutXe2, b.Dwords())
	if err != nil {
		t.Fatalf("Disassemble failed: %v", err)
	}
	want := &MemSet{Addr: 0x100000, Width: 400, Height: 10, Pitch: 400, Value: 0xa5, MOCS: platform.BMG.MOCS().UC}
	if diff := cmp.Diff([]Command{want}, cmds); diff != "" {
		t.Errorf("Fill mismatch (-want +got):\n%s", diff)
	}

	tiled := e.NewSurface(dst, 32, 32, 32, tiling.Tile4)
	if err := e.Fill(b, tiled, 0); !gpuerr.Equals(gpuerr.EINVAL, err) {
		t.Errorf("Fill of tiled surface: got %v, want %v", err, gpuerr.EINVAL)
	}
	if err := newEncoder(platform.MTL, dst).Fill(b, s, 0); !gpuerr.Equals(gpuerr.EINVAL, err) {
		t.Errorf("Fill on MTL: got %v, want %v", err, gpuerr.EINVAL)
	}
}

func TestDisassembleStopsAtEnd(t *testing.T) {
	dw := []uint32{MINoop, MIStoreDwordImm, 0x1000, 0, 7, MIBatchBufferEnd, 0xffffffff}
	cmds, err := Disassemble(platform.LayoutLegacy, dw)
	if err != nil {
		t.Fatalf("Disassemble failed: %v", err)
	}
	want := []Command{&Noop{}, &StoreDword{Addr: 0x1000, Value: 7}, &BatchEnd{}}
	if diff := cmp.Diff(want, cmds); diff != "" {
		t.Errorf("Disassemble mismatch (-want +got):\n%s", diff)
	}
}

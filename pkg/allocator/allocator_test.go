// Copyright 2024 The gVisor Authors.
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

package allocator

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
	"gvisor.dev/gpuvm/pkg/gpuarch"
)

const (
	page     = gpuarch.PageSize
	hugepage = gpuarch.HugePageSize
	topPage  = 64 * hugepage
)

func TestReserve(t *testing.T) {
	for _, test := range []struct {
		name       string
		usage      []gpuarch.AddrRange
		length     uint64
		alignment  uint64
		direction  Direction
		want       gpuarch.Addr
		expectFail bool
	}{
		{
			name:      "Initial allocation succeeds",
			length:    page,
			alignment: page,
			direction: BottomUp,
			want:      0,
		},
		{
			name:      "Initial allocation succeeds",
			length:    page,
			alignment: page,
			direction: TopDown,
			want:      topPage - page,
		},
		{
			name:      "Allocation begins at start of space",
			usage:     []gpuarch.AddrRange{{page, 2 * page}},
			length:    page,
			alignment: page,
			direction: BottomUp,
			want:      0,
		},
		{
			name:      "Allocation finds empty space at end",
			usage:     []gpuarch.AddrRange{{0, topPage - page}},
			length:    page,
			alignment: page,
			direction: TopDown,
			want:      topPage - page,
		},
		{
			name:      "In-use ranges are not allocatable",
			usage:     []gpuarch.AddrRange{{0, page}, {page, 2 * page}},
			length:    page,
			alignment: page,
			direction: BottomUp,
			want:      2 * page,
		},
		{
			name:      "Gaps between in-use ranges are allocatable",
			usage:     []gpuarch.AddrRange{{0, page}, {2 * page, 3 * page}},
			length:    page,
			alignment: page,
			direction: BottomUp,
			want:      page,
		},
		{
			name:      "Gaps between in-use ranges are allocatable top down",
			usage:     []gpuarch.AddrRange{{0, page}, {2 * page, topPage}},
			length:    page,
			alignment: page,
			direction: TopDown,
			want:      page,
		},
		{
			name:      "Too-small gaps are not allocatable",
			usage:     []gpuarch.AddrRange{{0, page}, {2 * page, 3 * page}},
			length:    2 * page,
			alignment: page,
			direction: BottomUp,
			want:      3 * page,
		},
		{
			name:      "Alignment is respected",
			usage:     []gpuarch.AddrRange{{0, page}},
			length:    page,
			alignment: hugepage,
			direction: BottomUp,
			want:      hugepage,
		},
		{
			name:      "Alignment is respected top down",
			usage:     []gpuarch.AddrRange{{topPage - page, topPage}},
			length:    page,
			alignment: hugepage,
			direction: TopDown,
			want:      topPage - hugepage,
		},
		{
			name:       "Full space fails",
			usage:      []gpuarch.AddrRange{{0, topPage}},
			length:     page,
			alignment:  page,
			direction:  BottomUp,
			expectFail: true,
		},
		{
			name:       "Oversized request fails",
			length:     topPage + page,
			alignment:  page,
			direction:  TopDown,
			expectFail: true,
		},
		{
			name:      "Aligned gap at start of space",
			usage:     []gpuarch.AddrRange{{page, topPage}},
			length:    page,
			alignment: 2 * page,
			direction: TopDown,
			want:      0,
		},
		{
			name:       "Gap too small for alignment fails",
			usage:      []gpuarch.AddrRange{{0, page}, {2 * page, topPage}},
			length:     page,
			alignment:  2 * page,
			direction:  BottomUp,
			expectFail: true,
		},
	} {
		name := fmt.Sprintf("%s(%v)", test.name, test.direction)
		t.Run(name, func(t *testing.T) {
			a, err := New(0, topPage)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			for _, u := range test.usage {
				if err := a.ReserveAt(u.Start, u.Length()); err != nil {
					t.Fatalf("ReserveAt(%v): %v", u, err)
				}
			}
			got, err := a.Reserve(test.length, test.alignment, test.direction)
			if test.expectFail {
				if !gpuerr.Equals(gpuerr.ENOSPC, err) {
					t.Fatalf("Reserve(%#x, %#x, %v): got (%v, %v), want ENOSPC", test.length, test.alignment, test.direction, got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Reserve(%#x, %#x, %v): %v", test.length, test.alignment, test.direction, err)
			}
			if got != test.want {
				t.Errorf("Reserve(%#x, %#x, %v): got %v, want %v", test.length, test.alignment, test.direction, got, test.want)
			}
		})
	}
}

func TestInvalidArguments(t *testing.T) {
	a, err := New(0, topPage)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, tc := range []struct {
		size, align uint64
		dir         Direction
	}{
		{0, page, BottomUp},
		{page, 3 * page, BottomUp},
		{page, 512, BottomUp},
		{page, page, Direction(7)},
	} {
		if _, err := a.Reserve(tc.size, tc.align, tc.dir); !gpuerr.Equals(gpuerr.EINVAL, err) {
			t.Errorf("Reserve(%#x, %#x, %d): got %v, want EINVAL", tc.size, tc.align, tc.dir, err)
		}
	}
	if err := a.ReserveAt(page+1, page); !gpuerr.Equals(gpuerr.EINVAL, err) {
		t.Errorf("ReserveAt(misaligned): got %v, want EINVAL", err)
	}
	if err := a.ReserveAt(topPage, page); !gpuerr.Equals(gpuerr.EINVAL, err) {
		t.Errorf("ReserveAt(out of range): got %v, want EINVAL", err)
	}
	if _, err := New(1, topPage); !gpuerr.Equals(gpuerr.EINVAL, err) {
		t.Errorf("New(misaligned): got %v, want EINVAL", err)
	}
}

func TestReserveAtOverlap(t *testing.T) {
	a, _ := New(0, topPage)
	if err := a.ReserveAt(2*page, 4*page); err != nil {
		t.Fatalf("ReserveAt: %v", err)
	}
	for _, ar := range []gpuarch.AddrRange{
		{page, 3 * page},
		{5 * page, 7 * page},
		{3 * page, 4 * page},
		{0, topPage},
	} {
		if err := a.ReserveAt(ar.Start, ar.Length()); !gpuerr.Equals(gpuerr.ENOSPC, err) {
			t.Errorf("ReserveAt(%v): got %v, want ENOSPC", ar, err)
		}
	}
	if err := a.ReserveAt(6*page, page); err != nil {
		t.Errorf("ReserveAt(adjacent): %v", err)
	}
}

func TestDoubleRelease(t *testing.T) {
	a, _ := New(0, topPage)
	addr, err := a.Reserve(3*page, 0, BottomUp)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !a.IsReserved(addr + 2*page) {
		t.Errorf("IsReserved(%v): got false, want true", addr+2*page)
	}
	if err := a.Release(addr); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := a.Release(addr); !gpuerr.Equals(gpuerr.EALREADY, err) {
		t.Errorf("second Release: got %v, want EALREADY", err)
	}
	if err := a.Release(addr + page); !gpuerr.Equals(gpuerr.EALREADY, err) {
		t.Errorf("Release(interior): got %v, want EALREADY", err)
	}
	if got, want := a.Free(), uint64(topPage); got != want {
		t.Errorf("Free: got %#x, want %#x", got, want)
	}
}

func TestDisjointUnderConcurrency(t *testing.T) {
	a, _ := New(0, topPage)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		rs []gpuarch.AddrRange
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 32; i++ {
				size := uint64(rng.Intn(8)+1) * page
				dir := Direction(rng.Intn(2))
				addr, err := a.Reserve(size, 0, dir)
				if err != nil {
					t.Errorf("Reserve: %v", err)
					return
				}
				mu.Lock()
				rs = append(rs, gpuarch.AddrRange{Start: addr, End: addr + gpuarch.Addr(size)})
				mu.Unlock()
			}
		}(int64(w))
	}
	wg.Wait()

	got := a.Reserved()
	for i := 1; i < len(got); i++ {
		if got[i-1].Overlaps(got[i]) {
			t.Fatalf("reservations %v and %v overlap", got[i-1], got[i])
		}
	}
	if len(got) != len(rs) {
		t.Errorf("Reserved: got %d ranges, want %d", len(got), len(rs))
	}
}

func TestReservedOrder(t *testing.T) {
	a, _ := New(0, topPage)
	for _, addr := range []gpuarch.Addr{8 * page, 2 * page, 4 * page} {
		if err := a.ReserveAt(addr, page); err != nil {
			t.Fatalf("ReserveAt(%v): %v", addr, err)
		}
	}
	want := []gpuarch.AddrRange{{2 * page, 3 * page}, {4 * page, 5 * page}, {8 * page, 9 * page}}
	if diff := cmp.Diff(want, a.Reserved()); diff != "" {
		t.Errorf("Reserved mismatch (-want +got):\n%s", diff)
	}
}

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

package platform

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
)

func TestLayout(t *testing.T) {
	for _, tc := range []struct {
		p    Platform
		gen  int
		want Layout
	}{
		{TGL, 12, LayoutLegacy},
		{DG1, 12, LayoutLegacy},
		{DG2, 12, LayoutLegacy},
		{MTL, 12, LayoutLegacy},
		{LNL, 20, LayoutXe2},
		{BMG, 20, LayoutXe2},
	} {
		if got := tc.p.Layout(); got != tc.want {
			t.Errorf("%s.Layout(): got %v, want %v", tc.p.Name, got, tc.want)
		}
		if got := tc.p.Gen(); got != tc.gen {
			t.Errorf("%s.Gen(): got %d, want %d", tc.p.Name, got, tc.gen)
		}
	}
}

func TestMOCS(t *testing.T) {
	for _, tc := range []struct {
		p    Platform
		want MOCSTable
	}{
		{TGL, MOCSTable{UC: 3, WB: 2, Displayable: 61}},
		{DG1, MOCSTable{UC: 1, WB: 5, Displayable: 5}},
		{DG2, MOCSTable{UC: 1, WB: 3, Displayable: 3}},
		{MTL, MOCSTable{UC: 5, WB: 1, Displayable: 14}},
		{LNL, MOCSTable{UC: 3, WB: 4, Displayable: 1}},
		{BMG, MOCSTable{UC: 3, WB: 4, Displayable: 1}},
	} {
		if diff := cmp.Diff(tc.want, tc.p.MOCS()); diff != "" {
			t.Errorf("%s.MOCS() mismatch (-want +got):\n%s", tc.p.Name, diff)
		}
	}
}

func TestLookup(t *testing.T) {
	p, err := Lookup("DG2")
	if err != nil {
		t.Fatalf("Lookup(DG2) failed: %v", err)
	}
	if p != DG2 {
		t.Errorf("Lookup(DG2): got %v, want %v", p, DG2)
	}
	if _, err := Lookup("i740"); !gpuerr.Equals(gpuerr.ENOENT, err) {
		t.Errorf("Lookup(i740): got %v, want %v", err, gpuerr.ENOENT)
	}
}

func TestList(t *testing.T) {
	var names []string
	for _, p := range List() {
		names = append(names, p.Name)
	}
	want := []string{"tgl", "dg1", "dg2", "mtl", "bmg", "lnl"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
}

func TestIPVer(t *testing.T) {
	v := MakeIPVer(12, 55)
	if v.Major() != 12 || v.Minor() != 55 {
		t.Errorf("MakeIPVer(12, 55): got %d.%d", v.Major(), v.Minor())
	}
	if got, want := v.String(), "12.55"; got != want {
		t.Errorf("String(): got %q, want %q", got, want)
	}
}

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

// Package platform describes the GPU generations known to the encoder and the
// device shim. A Platform is a plain value; everything that differs between
// generations (command layouts, cache control indexes, copy engines) is
// derived from it.
package platform

import (
	"fmt"
	"sort"
	"strings"

	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
)

// IPVer is a graphics IP version packed as major<<8 | minor.
type IPVer uint16

// MakeIPVer returns the IPVer for major.minor.
func MakeIPVer(major, minor uint8) IPVer {
	return IPVer(major)<<8 | IPVer(minor)
}

// Major returns the major version.
func (v IPVer) Major() uint8 { return uint8(v >> 8) }

// Minor returns the minor version.
func (v IPVer) Minor() uint8 { return uint8(v) }

// String implements fmt.Stringer.
func (v IPVer) String() string {
	return fmt.Sprintf("%d.%02d", v.Major(), v.Minor())
}

// Layout selects the bit layout of blitter commands.
type Layout int

const (
	// LayoutLegacy is used by generation 12 parts.
	LayoutLegacy Layout = iota

	// LayoutXe2 is used from IP 20.0 on.
	LayoutXe2
)

// String implements fmt.Stringer.
func (l Layout) String() string {
	switch l {
	case LayoutLegacy:
		return "legacy"
	case LayoutXe2:
		return "xe2"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// MOCSTable holds memory object control state indexes. The values are raw
// table indexes; encoders place them in a command unchanged.
type MOCSTable struct {
	UC          uint8
	WB          uint8
	Displayable uint8
	DeferToPAT  uint8
}

// PATTable holds page attribute table indexes used when binding.
type PATTable struct {
	Uncached     uint8
	WriteThrough uint8
	WriteBack    uint8
}

// Platform is a generation descriptor.
type Platform struct {
	Name  string
	IPVer IPVer

	HasVRAM      bool
	HasBlockCopy bool
	HasFastCopy  bool
	HasMemCopy   bool
	HasMemSet    bool
	HasFlatCCS   bool
}

var ipXe2 = MakeIPVer(20, 0)

// Known platforms.
var (
	TGL = Platform{Name: "tgl", IPVer: MakeIPVer(12, 0), HasBlockCopy: true, HasFastCopy: true}
	DG1 = Platform{Name: "dg1", IPVer: MakeIPVer(12, 10), HasVRAM: true, HasBlockCopy: true, HasFastCopy: true}
	DG2 = Platform{Name: "dg2", IPVer: MakeIPVer(12, 55), HasVRAM: true, HasBlockCopy: true, HasFastCopy: true, HasFlatCCS: true}
	MTL = Platform{Name: "mtl", IPVer: MakeIPVer(12, 70), HasBlockCopy: true, HasFastCopy: true}
	LNL = Platform{Name: "lnl", IPVer: MakeIPVer(20, 4), HasBlockCopy: true, HasFastCopy: true, HasMemCopy: true, HasMemSet: true, HasFlatCCS: true}
	BMG = Platform{Name: "bmg", IPVer: MakeIPVer(20, 1), HasVRAM: true, HasBlockCopy: true, HasFastCopy: true, HasMemCopy: true, HasMemSet: true, HasFlatCCS: true}
)

var platforms = map[string]Platform{
	TGL.Name: TGL,
	DG1.Name: DG1,
	DG2.Name: DG2,
	MTL.Name: MTL,
	LNL.Name: LNL,
	BMG.Name: BMG,
}

// Lookup returns the platform with the given name. Names are case
// insensitive.
func Lookup(name string) (Platform, error) {
	p, ok := platforms[strings.ToLower(name)]
	if !ok {
		return Platform{}, gpuerr.ENOENT
	}
	return p, nil
}

// List returns all known platforms ordered by IP version.
func List() []Platform {
	ps := make([]Platform, 0, len(platforms))
	for _, p := range platforms {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].IPVer < ps[j].IPVer })
	return ps
}

// Gen returns the graphics generation (12 or 20).
func (p Platform) Gen() int {
	return int(p.IPVer.Major())
}

// Layout returns the command layout used by p.
func (p Platform) Layout() Layout {
	if p.IPVer >= ipXe2 {
		return LayoutXe2
	}
	return LayoutLegacy
}

// MOCS returns the cache control indexes of p.
func (p Platform) MOCS() MOCSTable {
	switch {
	case p.IPVer >= ipXe2:
		return MOCSTable{UC: 3, WB: 4, Displayable: 1, DeferToPAT: 0}
	case p.Name == MTL.Name:
		return MOCSTable{UC: 5, WB: 1, Displayable: 14}
	case p.Name == DG2.Name:
		return MOCSTable{UC: 1, WB: 3, Displayable: 3}
	case p.Name == DG1.Name:
		return MOCSTable{UC: 1, WB: 5, Displayable: 5}
	default:
		return MOCSTable{UC: 3, WB: 2, Displayable: 61}
	}
}

// PAT returns the page attribute indexes of p.
func (p Platform) PAT() PATTable {
	switch {
	case p.IPVer >= ipXe2:
		return PATTable{Uncached: 3, WriteThrough: 15, WriteBack: 2}
	case p.Name == MTL.Name:
		return PATTable{Uncached: 2, WriteThrough: 1, WriteBack: 3}
	default:
		return PATTable{Uncached: 3, WriteThrough: 2, WriteBack: 0}
	}
}

// MaxPATIndex returns the largest valid PAT index on p.
func (p Platform) MaxPATIndex() uint8 {
	if p.IPVer >= ipXe2 {
		return 31
	}
	return 15
}

// String implements fmt.Stringer.
func (p Platform) String() string {
	return fmt.Sprintf("%s (IP %s, %s)", p.Name, p.IPVer, p.Layout())
}

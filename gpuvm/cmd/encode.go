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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/gpuvm/gpuvm/cmd/util"
	"gvisor.dev/gpuvm/gpuvm/config"
	"gvisor.dev/gpuvm/pkg/encoder"
	"gvisor.dev/gpuvm/pkg/platform"
)

// Encode implements subcommands.Command for the "encode" command.
type Encode struct {
	cmd    string
	addr   uint64
	src    uint64
	value  uint
	width  uint
	height uint
	pitch  uint
	mocs   uint
}

// Name implements subcommands.Command.Name.
func (*Encode) Name() string {
	return "encode"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Encode) Synopsis() string {
	return "encode a command for the configured platform and decode it back"
}

// Usage implements subcommands.Command.Usage.
func (*Encode) Usage() string {
	return `encode -cmd store|fill|copy|noop|end [flags] - print the dwords of a command.

Examples:
  gpuvm --platform=tgl encode -cmd store -addr 0x1a0000 -value 0xc0ffee
  gpuvm --platform=lnl encode -cmd fill -addr 0x200000 -width 64 -height 4 -pitch 128 -value 0xa5
  gpuvm --platform=lnl encode -cmd copy -src 0x200000 -addr 0x300000 -width 4096
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (e *Encode) SetFlags(f *flag.FlagSet) {
	f.StringVar(&e.cmd, "cmd", "store", "command to encode: store, fill, copy, noop or end.")
	f.Uint64Var(&e.addr, "addr", 0, "destination GPU address.")
	f.Uint64Var(&e.src, "src", 0, "source GPU address of copy.")
	f.UintVar(&e.value, "value", 0, "value stored or filled.")
	f.UintVar(&e.width, "width", 1, "width in bytes of fill and copy.")
	f.UintVar(&e.height, "height", 1, "rows of fill and copy.")
	f.UintVar(&e.pitch, "pitch", 0, "row pitch in bytes. Zero uses the width.")
	f.UintVar(&e.mocs, "mocs", 0, "MOCS index of fill and copy.")
}

// Execute implements subcommands.Command.Execute.
func (e *Encode) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	p, err := platform.Lookup(conf.Platform)
	if err != nil {
		return util.Errorf("unknown platform %q: %v", conf.Platform, err)
	}
	c, err := e.command()
	if err != nil {
		f.Usage()
		return util.Errorf("%v", err)
	}
	if err := encode(os.Stdout, p, c); err != nil {
		return util.Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (e *Encode) command() (encoder.Command, error) {
	pitch := e.pitch
	if pitch == 0 {
		pitch = e.width
	}
	switch e.cmd {
	case "store":
		return &encoder.StoreDword{Addr: e.addr, Value: uint32(e.value)}, nil
	case "fill":
		return &encoder.MemSet{
			Addr:   e.addr,
			Width:  uint32(e.width),
			Height: uint32(e.height),
			Pitch:  uint32(pitch),
			Value:  uint8(e.value),
			MOCS:   uint8(e.mocs),
		}, nil
	case "copy":
		c := &encoder.MemCopy{
			Type:     encoder.CopyLinear,
			Mode:     encoder.ModeByte,
			Width:    uint32(e.width),
			Height:   uint32(e.height),
			SrcPitch: uint32(pitch),
			DstPitch: uint32(pitch),
			Src:      e.src,
			Dst:      e.addr,
			SrcMOCS:  uint8(e.mocs),
			DstMOCS:  uint8(e.mocs),
		}
		if e.height > 1 {
			c.Type = encoder.CopyMatrix
		}
		return c, nil
	case "noop":
		return &encoder.Noop{}, nil
	case "end":
		return &encoder.BatchEnd{}, nil
	}
	return nil, fmt.Errorf("unknown command %q", e.cmd)
}

// encode writes the dwords of c followed by their decoding.
func encode(w io.Writer, p platform.Platform, c encoder.Command) error {
	dw, err := c.Encode(p.Layout())
	if err != nil {
		return fmt.Errorf("encoding %s for %s: %w", c.Name(), p.Name, err)
	}
	for i, d := range dw {
		fmt.Fprintf(w, "%2d: 0x%08x\n", i, d)
	}
	dec, err := encoder.Decode(p.Layout(), dw)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", c.Name(), err)
	}
	fmt.Fprintf(w, "%v\n", dec)
	return nil
}

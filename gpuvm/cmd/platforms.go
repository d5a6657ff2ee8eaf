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
	"strings"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/gpuvm/gpuvm/cmd/util"
	"gvisor.dev/gpuvm/pkg/platform"
)

// Platforms implements subcommands.Command for the "platforms" command.
type Platforms struct{}

// Name implements subcommands.Command.Name.
func (*Platforms) Name() string {
	return "platforms"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Platforms) Synopsis() string {
	return "Print a list of available platforms."
}

// Usage implements subcommands.Command.Usage.
func (*Platforms) Usage() string {
	return `platforms [options] - Print available platforms.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Platforms) SetFlags(f *flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Platforms) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if err := writePlatforms(os.Stdout, platform.List()); err != nil {
		return util.Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

func writePlatforms(w io.Writer, ps []platform.Platform) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tIP\tLAYOUT\tFEATURES\tMOCS uc/wb\tPAT uc/wt/wb")
	for _, p := range ps {
		m, pat := p.MOCS(), p.PAT()
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%d/%d/%d\n",
			p.Name, p.IPVer, p.Layout(), features(p), m.UC, m.WB, pat.Uncached, pat.WriteThrough, pat.WriteBack)
	}
	return tw.Flush()
}

func features(p platform.Platform) string {
	var fs []string
	for _, f := range []struct {
		name string
		has  bool
	}{
		{"vram", p.HasVRAM},
		{"block-copy", p.HasBlockCopy},
		{"fast-copy", p.HasFastCopy},
		{"mem-copy", p.HasMemCopy},
		{"mem-set", p.HasMemSet},
		{"flat-ccs", p.HasFlatCCS},
	} {
		if f.has {
			fs = append(fs, f.name)
		}
	}
	return strings.Join(fs, ",")
}

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

// Package cmd holds implementations of the gpuvm commands.
package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/gpuvm/gpuvm/cmd/util"
	"gvisor.dev/gpuvm/pkg/scenario"
)

// List implements subcommands.Command for the "list" command.
type List struct {
	verbose bool
}

// Name implements subcommands.Command.Name.
func (*List) Name() string {
	return "list"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*List) Synopsis() string {
	return "list scenarios"
}

// Usage implements subcommands.Command.Usage.
func (*List) Usage() string {
	return `list [-v] [pattern]... - list the scenarios matching the patterns, or all of them.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *List) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&l.verbose, "v", false, "print descriptions.")
}

// Execute implements subcommands.Command.Execute.
func (l *List) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if err := l.list(os.Stdout, f.Args()); err != nil {
		return util.Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (l *List) list(w io.Writer, patterns []string) error {
	names, err := selectScenarios(patterns)
	if err != nil {
		return err
	}
	if !l.verbose {
		for _, name := range names {
			fmt.Fprintln(w, name)
		}
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	for _, name := range names {
		s, _ := scenario.Lookup(name)
		fmt.Fprintf(tw, "%s\t%s\n", name, s.Description)
	}
	return tw.Flush()
}

// selectScenarios returns the scenarios matching patterns, or every
// scenario if there are none.
func selectScenarios(patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		return scenario.List(), nil
	}
	names, err := scenario.Match(patterns...)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no scenario matches %q", patterns)
	}
	return names, nil
}

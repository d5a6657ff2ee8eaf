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
	"os"
	"strings"

	"github.com/google/subcommands"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gpuvm/gpuvm/cmd/util"
	"gvisor.dev/gpuvm/gpuvm/config"
	"gvisor.dev/gpuvm/pkg/device"
	"gvisor.dev/gpuvm/pkg/log"
	"gvisor.dev/gpuvm/pkg/metric"
	"gvisor.dev/gpuvm/pkg/scenario"
)

// stringSlice is a flag that may be given several times.
type stringSlice []string

// String implements flag.Value.
func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

// Get implements flag.Getter.
func (s *stringSlice) Get() any {
	return []string(*s)
}

// Set implements flag.Value.
func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// Run implements subcommands.Command for the "run" command.
type Run struct {
	parallel int
	scripts  stringSlice
	metrics  string
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run scenarios against an emulated device"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] [pattern]... - run the scenarios matching the patterns.

Each scenario runs on a freshly opened device. Scripts given with -script are
registered under their own names and run along with the matched scenarios.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.IntVar(&r.parallel, "parallel", 1, "number of scenarios to run at once.")
	f.Var(&r.scripts, "script", "YAML scenario script to run. May be given several times.")
	f.StringVar(&r.metrics, "metrics", "", "file to write Prometheus metrics to after the run.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if r.parallel < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if r.parallel > 1 && conf.LockFile != "" {
		return util.Errorf("-parallel cannot be used with --lock-file: each scenario opens its own device")
	}

	var names []string
	for _, path := range r.scripts {
		s, err := scenario.LoadScript(path)
		if err != nil {
			return util.Errorf("%v", err)
		}
		if _, ok := scenario.Lookup(s.Name); ok {
			return util.Errorf("script %s: scenario %q already exists", path, s.Name)
		}
		scenario.Register(s.Scenario())
		names = append(names, s.Name)
	}
	if f.NArg() > 0 || len(names) == 0 {
		matched, err := selectScenarios(f.Args())
		if err != nil {
			return util.Errorf("%v", err)
		}
		names = append(names, matched...)
	}

	m := metric.New()
	results, err := runAll(ctx, conf, m, names, r.parallel)
	if err != nil {
		return util.Errorf("%v", err)
	}
	var passed, skipped, failed int
	for _, res := range results {
		util.Infof("%v", res)
		switch {
		case res.Skipped():
			skipped++
		case res.Passed():
			passed++
		default:
			failed++
		}
	}
	util.Infof("%d passed, %d skipped, %d failed", passed, skipped, failed)

	if r.metrics != "" {
		if err := writeMetrics(r.metrics, m); err != nil {
			return util.Errorf("%v", err)
		}
	}
	if failed > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// runAll runs names with at most parallel at once and returns the results
// in the order of names.
func runAll(ctx context.Context, conf *config.Config, m *metric.Metrics, names []string, parallel int) ([]scenario.Result, error) {
	id := uuid.New()
	log.Infof("Run %s: %d scenarios on %s, %d at a time", id, len(names), conf.Platform, parallel)

	results := make([]scenario.Result, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, name := range names {
		g.Go(func() error {
			// Every scenario gets its own device and configuration.
			c := conf.Clone()
			opts, err := c.DeviceOpts()
			if err != nil {
				return err
			}
			opts.Metrics = m
			dev, err := device.Open(opts)
			if err != nil {
				return fmt.Errorf("opening device for %s: %w", name, err)
			}
			defer dev.Close()
			results[i] = scenario.RunOpts(ctx, dev, name, scenario.Options{
				Timeout: c.Timeout,
				Metrics: m,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func writeMetrics(path string, m *metric.Metrics) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := m.Write(f); err != nil {
		f.Close()
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return f.Close()
}

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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gpuvm/pkg/platform"
)

func newFlagSet() *flag.FlagSet {
	f := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(f)
	return f
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlagSet())
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	if want := "lnl"; c.Platform != want {
		t.Errorf("Platform=%v, want: %v", c.Platform, want)
	}
	if want := 30 * time.Second; c.Timeout != want {
		t.Errorf("Timeout=%v, want: %v", c.Timeout, want)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newFlagSet()
	for name, val := range map[string]string{
		"platform":       "dg2",
		"debug":          "true",
		"vram-size":      "1048576",
		"queue-capacity": "64",
		"timeout":        "5s",
	} {
		if err := testFlags.Set(name, val); err != nil {
			t.Errorf("Flag set %s=%s: %v", name, val, err)
		}
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		Platform:      "dg2",
		LogFormat:     "text",
		Debug:         true,
		VRAMSize:      1 << 20,
		QueueCapacity: 64,
		Timeout:       5 * time.Second,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("NewFromFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	testFlags := newFlagSet()
	testFlags.Set("platform", "tgl")
	testFlags.Set("debug", "true")
	testFlags.Set("log-format", "text") // Matches default value.
	testFlags.Set("system-size", "4096")
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}

	flags := c.ToFlags()
	want := []string{"--platform=tgl", "--debug=true", "--system-size=4096"}
	if diff := cmp.Diff(want, flags); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}

	// The flags round trip.
	again := newFlagSet()
	if err := again.Parse(flags); err != nil {
		t.Fatalf("Parse(%v): %v", flags, err)
	}
	c2, err := NewFromFlags(again)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(c, c2); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flag  string
		value string
		err   string
	}{
		{name: "platform", flag: "platform", value: "i740", err: "unknown platform"},
		{name: "log-format", flag: "log-format", value: "xml", err: "invalid log format"},
		{name: "capacity", flag: "queue-capacity", value: "-1", err: "queue-capacity"},
		{name: "timeout", flag: "timeout", value: "-1s", err: "timeout"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newFlagSet()
			if err := testFlags.Set(tc.flag, tc.value); err != nil {
				t.Fatalf("Flag set: %v", err)
			}
			if _, err := NewFromFlags(testFlags); err == nil || !strings.Contains(err.Error(), tc.err) {
				t.Errorf("NewFromFlags() = %v, want error containing %q", err, tc.err)
			}
		})
	}
}

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gpuvm.toml")
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConfigFile(t *testing.T) {
	path := writeConfig(t, `
platform = "bmg"
debug = true
vram-size = 268435456
timeout = "2s"
`)
	testFlags := newFlagSet()
	testFlags.Set("config", path)
	// Explicit flags win over the file.
	testFlags.Set("platform", "dg1")

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		ConfigFile: path,
		Platform:   "dg1",
		LogFormat:  "text",
		Debug:      true,
		VRAMSize:   256 << 20,
		Timeout:    2 * time.Second,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("NewFromFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		text string
		err  string
	}{
		{name: "unknown key", text: `colour = "blue"`, err: "unknown keys"},
		{name: "syntax", text: `platform = `, err: "reading"},
		{name: "invalid value", text: `platform = "i740"`, err: "unknown platform"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newFlagSet()
			testFlags.Set("config", writeConfig(t, tc.text))
			if _, err := NewFromFlags(testFlags); err == nil || !strings.Contains(err.Error(), tc.err) {
				t.Errorf("NewFromFlags() = %v, want error containing %q", err, tc.err)
			}
		})
	}
}

func TestClone(t *testing.T) {
	c, err := NewFromFlags(newFlagSet())
	if err != nil {
		t.Fatal(err)
	}
	clone := c.Clone()
	if diff := cmp.Diff(c, clone); diff != "" {
		t.Errorf("Clone mismatch (-want +got):\n%s", diff)
	}
	clone.Platform = "tgl"
	if c.Platform == clone.Platform {
		t.Errorf("Clone shares state with the original")
	}
}

func TestDeviceOpts(t *testing.T) {
	c := &Config{Platform: "DG2", VRAMSize: 1 << 30, LockFile: "/tmp/lock", QueueCapacity: 8}
	opts, err := c.DeviceOpts()
	if err != nil {
		t.Fatal(err)
	}
	if opts.Platform != platform.DG2 {
		t.Errorf("Platform=%v, want: %v", opts.Platform, platform.DG2)
	}
	if opts.VRAMSize != 1<<30 || opts.LockPath != "/tmp/lock" || opts.QueueCapacity != 8 {
		t.Errorf("DeviceOpts() = %+v", opts)
	}

	c.Platform = "nope"
	if _, err := c.DeviceOpts(); err == nil {
		t.Errorf("DeviceOpts() with unknown platform succeeded")
	}
}

func TestLogFileOpts(t *testing.T) {
	opts := LogFileOpts{
		Command: "run",
		Time:    time.Date(2023, 5, 17, 8, 9, 10, 123456000, time.UTC),
	}
	pid := strconv.Itoa(os.Getpid())
	for _, tc := range []struct {
		pattern string
		want    string
	}{
		{"/tmp/gpuvm.log", "/tmp/gpuvm.log"},
		{"/tmp/logs/", "/tmp/logs/gpuvm.log.20230517-080910.123456.run.txt"},
		{"/tmp/%COMMAND%-%PID%.log", "/tmp/run-" + pid + ".log"},
		{"%TIMESTAMP%/%COMMAND%/%COMMAND%", "20230517-080910.123456/run/run"},
	} {
		if got := opts.Build(tc.pattern); got != tc.want {
			t.Errorf("Build(%q): got %q, want %q", tc.pattern, got, tc.want)
		}
	}
	if got, want := (LogFileOpts{}).Build("%COMMAND%.log"), "gpuvm.log"; got != want {
		t.Errorf("Build without command: got %q, want %q", got, want)
	}
}

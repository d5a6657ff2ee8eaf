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

package scenario

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
	"gvisor.dev/gpuvm/pkg/device"
	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
	"gvisor.dev/gpuvm/pkg/fence"
	"gvisor.dev/gpuvm/pkg/gpuarch"
	"gvisor.dev/gpuvm/pkg/vm"
)

// Script is a scenario described in YAML:
//
//	name: rebind
//	vm-flags: [scratch]
//	steps:
//	  - create-buffer: {name: a, size: 0x2000}
//	  - bind: {buffer: a, addr: 0x1a0000, length: 0x2000}
//	  - store: {addr: 0x1a0000, value: 0xc0ffee}
//	  - expect-read: {addr: 0x1a0000, value: 0xc0ffee}
//	  - expect-error: {errno: EINVAL, unbind: {addr: 0x1a0001, length: 0x1000}}
//
// Every step completes before the next one starts.
type Script struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	VMFlags     FlagNames `yaml:"vm-flags,omitempty"`
	Steps       []Step   `yaml:"steps"`
}

// Step is one action of a script. Exactly one field is set.
type Step struct {
	CreateBuffer   *CreateBufferStep `yaml:"create-buffer,omitempty"`
	Bind           *BindStep         `yaml:"bind,omitempty"`
	Unbind         *RangeStep        `yaml:"unbind,omitempty"`
	BindArray      []BindArrayOp     `yaml:"bind-array,omitempty"`
	Store          *ValueStep        `yaml:"store,omitempty"`
	ExpectRead     *ValueStep        `yaml:"expect-read,omitempty"`
	ExpectMappings *int              `yaml:"expect-mappings,omitempty"`
	ExpectError    *ExpectErrorStep  `yaml:"expect-error,omitempty"`
}

// CreateBufferStep creates a named buffer. Shared buffers may be bound in
// any VM; others belong to the script VM.
type CreateBufferStep struct {
	Name   string   `yaml:"name"`
	Size   uint64   `yaml:"size"`
	Region string   `yaml:"region,omitempty"`
	Flags  FlagNames `yaml:"flags,omitempty"`
	Shared bool     `yaml:"shared,omitempty"`
}

// BindStep maps a named buffer, or nothing with the null flag.
type BindStep struct {
	Buffer string   `yaml:"buffer,omitempty"`
	Offset uint64   `yaml:"offset,omitempty"`
	Addr   uint64   `yaml:"addr"`
	Length uint64   `yaml:"length"`
	Flags  FlagNames `yaml:"flags,omitempty"`
}

// RangeStep names a GPU range.
type RangeStep struct {
	Addr   uint64 `yaml:"addr"`
	Length uint64 `yaml:"length"`
}

// BindArrayOp is one op of a bind-array step: map or unmap.
type BindArrayOp struct {
	Op       string `yaml:"op"`
	BindStep `yaml:",inline"`
}

// ValueStep names a dword and its value.
type ValueStep struct {
	Addr  uint64 `yaml:"addr"`
	Value uint32 `yaml:"value"`
}

// ExpectErrorStep runs its step and requires it to fail with Errno, e.g.
// "EINVAL".
type ExpectErrorStep struct {
	Errno string `yaml:"errno"`
	Step  `yaml:",inline"`
}

// scriptBatchAddr is where scripts keep the batch for store steps.
const scriptBatchAddr = gpuarch.Addr(0xfff000000000)

var (
	bindFlagNames = map[string]vm.Flags{
		"readonly":  vm.FlagReadOnly,
		"immediate": vm.FlagImmediate,
		"null":      vm.FlagNull,
		"dumpable":  vm.FlagDumpable,
		"check-pxp": vm.FlagCheckPXP,
	}
	bufferFlagNames = map[string]device.BufferFlags{
		"defer-backing":    device.DeferBacking,
		"needs-cpu-access": device.NeedsCPUAccess,
	}
	vmFlagNames = map[string]vm.CreateFlags{
		"scratch": vm.CreateScratchPage,
		"lr":      vm.CreateLRMode,
		"fault":   vm.CreateFaultMode,
	}
	regionNames = map[string]vm.Region{
		"system": vm.RegionSystem,
		"vram":   vm.RegionVRAM,
	}
)

// FlagNames is a list of flag names. Every entry must be a non-empty string:
// an unquoted null such as "flags: [null]" is rejected instead of being
// dropped, so write "null" in quotes.
type FlagNames []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *FlagNames) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: flags must be a list: %w", n.Line, gpuerr.EINVAL)
	}
	names := make(FlagNames, 0, len(n.Content))
	for _, c := range n.Content {
		if c.Kind != yaml.ScalarNode || c.ShortTag() != "!!str" || c.Value == "" {
			return fmt.Errorf("line %d: flag %q is not a string, quote it: %w", c.Line, c.Value, gpuerr.EINVAL)
		}
		names = append(names, c.Value)
	}
	*f = names
	return nil
}

// parseFlags ORs together the flags named in names.
func parseFlags[F ~uint32](what string, table map[string]F, names []string) (F, error) {
	var f F
	for _, n := range names {
		if n == "" {
			return 0, fmt.Errorf("empty %s flag: %w", what, gpuerr.EINVAL)
		}
		v, ok := table[strings.ToLower(n)]
		if !ok {
			return 0, fmt.Errorf("unknown %s flag %q: %w", what, n, gpuerr.EINVAL)
		}
		f |= v
	}
	return f, nil
}

// ParseScript decodes and checks a script. Unknown fields are errors.
func ParseScript(data []byte) (*Script, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var s Script
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding script: %w", err)
	}
	if s.Name == "" {
		return nil, fmt.Errorf("script without name: %w", gpuerr.EINVAL)
	}
	if _, err := parseFlags("vm", vmFlagNames, s.VMFlags); err != nil {
		return nil, err
	}
	if len(s.Steps) == 0 {
		return nil, fmt.Errorf("script %s has no steps: %w", s.Name, gpuerr.EINVAL)
	}
	for i := range s.Steps {
		if err := s.Steps[i].check(); err != nil {
			return nil, fmt.Errorf("script %s step %d: %w", s.Name, i, err)
		}
	}
	return &s, nil
}

// LoadScript reads and parses the script at path.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := ParseScript(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func (st *Step) actions() int {
	n := 0
	for _, set := range []bool{
		st.CreateBuffer != nil,
		st.Bind != nil,
		st.Unbind != nil,
		st.BindArray != nil,
		st.Store != nil,
		st.ExpectRead != nil,
		st.ExpectMappings != nil,
		st.ExpectError != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

func (st *Step) check() error {
	if n := st.actions(); n != 1 {
		return fmt.Errorf("%d actions in one step: %w", n, gpuerr.EINVAL)
	}
	switch {
	case st.CreateBuffer != nil:
		c := st.CreateBuffer
		if c.Name == "" {
			return fmt.Errorf("buffer without name: %w", gpuerr.EINVAL)
		}
		if _, err := parseFlags("buffer", bufferFlagNames, c.Flags); err != nil {
			return err
		}
		if _, ok := regionNames[strings.ToLower(c.Region)]; c.Region != "" && !ok {
			return fmt.Errorf("unknown region %q: %w", c.Region, gpuerr.EINVAL)
		}
	case st.Bind != nil:
		if _, err := parseFlags("bind", bindFlagNames, st.Bind.Flags); err != nil {
			return err
		}
	case st.BindArray != nil:
		for _, o := range st.BindArray {
			if _, err := opKind(o.Op); err != nil {
				return err
			}
			if _, err := parseFlags("bind", bindFlagNames, o.Flags); err != nil {
				return err
			}
		}
	case st.ExpectError != nil:
		x := st.ExpectError
		if x.Errno == "" {
			return fmt.Errorf("expect-error without errno: %w", gpuerr.EINVAL)
		}
		if x.Step.ExpectError != nil {
			return fmt.Errorf("nested expect-error: %w", gpuerr.EINVAL)
		}
		return x.Step.check()
	}
	return nil
}

func opKind(s string) (vm.OpKind, error) {
	switch strings.ToLower(s) {
	case "map":
		return vm.OpMap, nil
	case "unmap":
		return vm.OpUnmap, nil
	}
	return 0, fmt.Errorf("unknown bind-array op %q: %w", s, gpuerr.EINVAL)
}

// Scenario returns a scenario that runs s.
func (s *Script) Scenario() Scenario {
	return Scenario{
		Name:        s.Name,
		Description: s.Description,
		Run:         s.run,
	}
}

// scriptState is the state of one script run.
type scriptState struct {
	e       *Env
	v       *vm.VM
	buffers map[string]*device.Buffer
	batch   *device.Buffer
	q       *device.ExecQueue
}

func (s *Script) run(e *Env) error {
	flags, err := parseFlags("vm", vmFlagNames, s.VMFlags)
	if err != nil {
		return err
	}
	v, err := e.createVM(flags)
	if err != nil {
		return err
	}
	st := &scriptState{e: e, v: v, buffers: make(map[string]*device.Buffer)}
	for i := range s.Steps {
		if err := st.step(&s.Steps[i]); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

func (st *scriptState) buffer(name string) (vm.Backing, error) {
	if name == "" {
		return nil, nil
	}
	b, ok := st.buffers[name]
	if !ok {
		return nil, fmt.Errorf("unknown buffer %q: %w", name, gpuerr.ENOENT)
	}
	return b, nil
}

func (st *scriptState) step(s *Step) error {
	e, v := st.e, st.v
	switch {
	case s.CreateBuffer != nil:
		c := s.CreateBuffer
		if _, ok := st.buffers[c.Name]; ok {
			return fmt.Errorf("buffer %q created twice: %w", c.Name, gpuerr.EINVAL)
		}
		flags, _ := parseFlags("buffer", bufferFlagNames, c.Flags)
		r := e.region()
		if c.Region != "" {
			r = regionNames[strings.ToLower(c.Region)]
		}
		owner := v
		if c.Shared {
			owner = nil
		}
		b, err := e.dev.CreateBuffer(owner, c.Size, r, flags)
		if err != nil {
			return err
		}
		e.cu.Add(func() { _ = e.dev.CloseBuffer(b) })
		st.buffers[c.Name] = b
		return nil

	case s.Bind != nil:
		b := s.Bind
		backing, err := st.buffer(b.Buffer)
		if err != nil {
			return err
		}
		flags, _ := parseFlags("bind", bindFlagNames, b.Flags)
		return e.sync("bind", func(sy fence.Sync) (vm.SubmissionID, error) {
			return v.Bind(nil, backing, b.Offset, gpuarch.Addr(b.Addr), b.Length, flags, 0, sy)
		})

	case s.Unbind != nil:
		return e.unbind(v, nil, gpuarch.Addr(s.Unbind.Addr), s.Unbind.Length)

	case s.BindArray != nil:
		ops := make([]vm.Op, len(s.BindArray))
		for i, o := range s.BindArray {
			kind, _ := opKind(o.Op)
			backing, err := st.buffer(o.Buffer)
			if err != nil {
				return err
			}
			flags, _ := parseFlags("bind", bindFlagNames, o.Flags)
			ops[i] = vm.Op{
				Kind:          kind,
				Backing:       backing,
				BackingOffset: o.Offset,
				Addr:          gpuarch.Addr(o.Addr),
				Length:        o.Length,
				Flags:         flags,
			}
		}
		return e.sync("bind array", func(sy fence.Sync) (vm.SubmissionID, error) {
			return v.BindArray(nil, ops, sy)
		})

	case s.Store != nil:
		return st.store(s.Store)

	case s.ExpectRead != nil:
		got, err := v.Read32(gpuarch.Addr(s.ExpectRead.Addr))
		if err != nil {
			return err
		}
		return check(fmt.Sprintf("dword at %#x", s.ExpectRead.Addr), got, s.ExpectRead.Value)

	case s.ExpectMappings != nil:
		if got, want := len(v.Mappings()), *s.ExpectMappings; got != want {
			return fmt.Errorf("%d mappings, want %d: %v", got, want, v.Mappings())
		}
		return nil

	case s.ExpectError != nil:
		x := s.ExpectError
		err := st.step(&x.Step)
		if err == nil {
			return fmt.Errorf("step succeeded, want %s", x.Errno)
		}
		if !strings.EqualFold(gpuerr.Name(err), x.Errno) {
			return fmt.Errorf("step failed with %v (%s), want %s", err, gpuerr.Name(err), x.Errno)
		}
		return nil
	}
	return fmt.Errorf("empty step: %w", gpuerr.EINVAL)
}

// store executes a batch that stores one dword. A batch that faults bans
// its queue, so the queue is replaced after a failure.
func (st *scriptState) store(s *ValueStep) error {
	e := st.e
	if st.batch == nil {
		b, err := e.createBuffer(st.v, page, device.NeedsCPUAccess)
		if err != nil {
			return err
		}
		if err := e.bind(st.v, nil, b, 0, scriptBatchAddr, page); err != nil {
			return err
		}
		st.batch = b
	}
	if st.q == nil {
		q, err := e.dev.CreateExecQueue(st.v, device.EngineCopy)
		if err != nil {
			return err
		}
		st.q = q
		e.cu.Add(func() { _ = e.dev.DestroyExecQueue(q) })
	}
	if err := writeStore(e.dev.Encoder(st.v), st.batch.Bytes(), scriptBatchAddr, gpuarch.Addr(s.Addr), s.Value); err != nil {
		return err
	}
	if err := e.exec(st.q, scriptBatchAddr); err != nil {
		_ = e.dev.DestroyExecQueue(st.q)
		st.q = nil
		return err
	}
	return nil
}

//go:embed scripts/*.yaml
var builtinScripts embed.FS

func init() {
	entries, err := builtinScripts.ReadDir("scripts")
	if err != nil {
		panic(fmt.Sprintf("reading built-in scripts: %v", err))
	}
	for _, ent := range entries {
		data, err := builtinScripts.ReadFile(path.Join("scripts", ent.Name()))
		if err != nil {
			panic(fmt.Sprintf("reading %s: %v", ent.Name(), err))
		}
		s, err := ParseScript(data)
		if err != nil {
			panic(fmt.Sprintf("built-in script %s: %v", ent.Name(), err))
		}
		Register(s.Scenario())
	}
}

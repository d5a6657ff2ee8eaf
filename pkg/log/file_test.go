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

package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type replaceOpts map[string]string

func (r replaceOpts) Build(pattern string) string {
	for k, v := range r {
		pattern = strings.ReplaceAll(pattern, k, v)
	}
	return pattern
}

func TestOpenFile(t *testing.T) {
	dir := t.TempDir()
	opts := replaceOpts{"%COMMAND%": "run"}

	f, err := OpenFile("", os.O_WRONLY|os.O_CREATE, opts)
	if f != nil || err != nil {
		t.Errorf("OpenFile(\"\"): got (%v, %v), want (nil, nil)", f, err)
	}

	pattern := filepath.Join(dir, "sub", "gpuvm.%COMMAND%.log")
	for i := 0; i < 2; i++ {
		f, err := OpenFile(pattern, os.O_WRONLY|os.O_CREATE|os.O_APPEND, opts)
		if err != nil {
			t.Fatalf("OpenFile(%q): %v", pattern, err)
		}
		if _, err := f.WriteString("vm 1 created\n"); err != nil {
			t.Fatalf("WriteString: %v", err)
		}
		f.Close()
	}
	got, err := os.ReadFile(filepath.Join(dir, "sub", "gpuvm.run.log"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if want := "vm 1 created\nvm 1 created\n"; string(got) != want {
		t.Errorf("log contents: got %q, want %q", got, want)
	}

	// A regular file where the directory should be.
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := OpenFile(filepath.Join(blocker, "x.log"), os.O_WRONLY|os.O_CREATE, opts); err == nil {
		t.Errorf("OpenFile under a regular file succeeded, want error")
	}
}

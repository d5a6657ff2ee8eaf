// Copyright 2021 The gVisor Authors.
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

package gpuerr

import (
	goerrors "errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestEquals(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		want bool
	}{
		{"same", ENOBUFS, true},
		{"wrapped", fmt.Errorf("bind array: %w", ENOBUFS), true},
		{"raw errno", unix.ENOBUFS, true},
		{"other", ENOSPC, false},
		{"nil", nil, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := Equals(ENOBUFS, tc.err); got != tc.want {
				t.Errorf("Equals(ENOBUFS, %v): got %v, want %v", tc.err, got, tc.want)
			}
		})
	}
	if !Equals(nil, nil) {
		t.Errorf("Equals(nil, nil): got false, want true")
	}
}

func TestErrorsIs(t *testing.T) {
	err := fmt.Errorf("wait: %w", ETIME)
	if !goerrors.Is(err, unix.ETIME) {
		t.Errorf("errors.Is(%v, unix.ETIME): got false, want true", err)
	}
	if !goerrors.Is(err, ETIME) {
		t.Errorf("errors.Is(%v, ETIME): got false, want true", err)
	}
}

func TestErrorFromUnix(t *testing.T) {
	if err := ErrorFromUnix(0); err != nil {
		t.Errorf("ErrorFromUnix(0): got %v, want nil", err)
	}
	if err := ErrorFromUnix(unix.ENOMEM); err != ENOMEM {
		t.Errorf("ErrorFromUnix(ENOMEM): got %v, want %v", err, ENOMEM)
	}
	if err := ErrorFromUnix(unix.EPERM); err != unix.EPERM {
		t.Errorf("ErrorFromUnix(EPERM): got %v, want %v", err, unix.EPERM)
	}
}

func TestName(t *testing.T) {
	if got, want := Name(fmt.Errorf("x: %w", EFAULT)), "EFAULT"; got != want {
		t.Errorf("Name: got %q, want %q", got, want)
	}
	if got, want := Name(nil), "OK"; got != want {
		t.Errorf("Name(nil): got %q, want %q", got, want)
	}
}

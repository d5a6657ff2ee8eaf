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

// Package gpuerr contains the closed set of errors returned by the VM, queue,
// allocator and encoder packages. Callers compare against these values with
// Equals or the standard errors.Is.
package gpuerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/gpuvm/pkg/errors"
)

// The following errors are returned synchronously by validation, or through
// the error channel of a fence when an asynchronous operation fails.
var (
	EINVAL    = errors.New(unix.EINVAL, "invalid argument")
	ENOENT    = errors.New(unix.ENOENT, "no such object")
	EFAULT    = errors.New(unix.EFAULT, "bad address")
	ENOMEM    = errors.New(unix.ENOMEM, "out of device memory")
	ENOSPC    = errors.New(unix.ENOSPC, "out of address space")
	ENOBUFS   = errors.New(unix.ENOBUFS, "queue depth exceeded")
	EBUSY     = errors.New(unix.EBUSY, "device or resource busy")
	ETIME     = errors.New(unix.ETIME, "timer expired")
	ECANCELED = errors.New(unix.ECANCELED, "operation canceled")
	EIO       = errors.New(unix.EIO, "queue in error state")
	EOVERFLOW = errors.New(unix.EOVERFLOW, "batch buffer overflow")
	EALREADY  = errors.New(unix.EALREADY, "range already released")
	ENODEV    = errors.New(unix.ENODEV, "device closed")
)

var errorMap = map[unix.Errno]*errors.Error{
	unix.EINVAL:    EINVAL,
	unix.ENOENT:    ENOENT,
	unix.EFAULT:    EFAULT,
	unix.ENOMEM:    ENOMEM,
	unix.ENOSPC:    ENOSPC,
	unix.ENOBUFS:   ENOBUFS,
	unix.EBUSY:     EBUSY,
	unix.ETIME:     ETIME,
	unix.ECANCELED: ECANCELED,
	unix.EIO:       EIO,
	unix.EOVERFLOW: EOVERFLOW,
	unix.EALREADY:  EALREADY,
	unix.ENODEV:    ENODEV,
}

// ErrorFromUnix returns the gpuerr value for a host errno. Errnos outside the
// closed set are returned unchanged.
func ErrorFromUnix(err unix.Errno) error {
	if err == 0 {
		return nil
	}
	if e, ok := errorMap[err]; ok {
		return e
	}
	return err
}

// ToUnix returns the errno carried by err, or 0 if err carries none.
func ToUnix(err error) unix.Errno {
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno()
	}
	var u unix.Errno
	if goerrors.As(err, &u) {
		return u
	}
	return 0
}

// Equals compares a gpuerr to a given error. A nil e matches a nil err.
func Equals(e *errors.Error, err error) bool {
	if e == nil {
		return err == nil
	}
	if err == nil {
		return false
	}
	return ToUnix(err) == e.Errno()
}

// Name returns the symbolic errno name for err, e.g. "ENOBUFS". It is used
// as a metric label and in log lines.
func Name(err error) string {
	if err == nil {
		return "OK"
	}
	if u := ToUnix(err); u != 0 {
		if n := unix.ErrnoName(u); n != "" {
			return n
		}
	}
	return "UNKNOWN"
}

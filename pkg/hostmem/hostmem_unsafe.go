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

package hostmem

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// view returns a byte slice aliasing host memory at addr.
//
// Precondition: the caller guarantees [addr, addr+length) stays mapped while
// the slice is in use.
func view(addr uintptr, length uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}

func mmap(addr uintptr, length uint64, flags int) (uintptr, error) {
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(addr), uintptr(length),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE|flags)
	if err != nil {
		return 0, err
	}
	return uintptr(p), nil
}

func munmap(addr uintptr, length uint64) error {
	return unix.MunmapPtr(unsafe.Pointer(addr), uintptr(length))
}

// mincore fills vec with the residency of the pages of b, which must start on
// a page boundary. ENOMEM means part of b is not mapped.
func mincore(b []byte, vec []byte) error {
	if len(b) == 0 {
		return nil
	}
	if _, _, errno := unix.Syscall(unix.SYS_MINCORE,
		uintptr(unsafe.Pointer(&b[0])), uintptr(len(b)), uintptr(unsafe.Pointer(&vec[0]))); errno != 0 {
		return errno
	}
	return nil
}

// Copyright 2018 Google LLC
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

// Package binary translates between command stream dwords and their in-memory
// representation. GPU memory is always little endian.
package binary

import (
	"encoding/binary"
	"io"
)

// LittleEndian is the byte order of GPU memory.
var LittleEndian = binary.LittleEndian

// DwordSize is the size of a command stream dword in bytes.
const DwordSize = 4

// AppendUint32 appends the binary representation of a uint32 to buf.
func AppendUint32(buf []byte, num uint32) []byte {
	return LittleEndian.AppendUint32(buf, num)
}

// AppendDwords appends dw to buf.
func AppendDwords(buf []byte, dw []uint32) []byte {
	for _, d := range dw {
		buf = AppendUint32(buf, d)
	}
	return buf
}

// PutDwords writes dw to the start of buf and returns the number of bytes
// written. It panics if buf is too short.
func PutDwords(buf []byte, dw []uint32) int {
	if len(buf) < len(dw)*DwordSize {
		panic("buffer too short")
	}
	for i, d := range dw {
		LittleEndian.PutUint32(buf[i*DwordSize:], d)
	}
	return len(dw) * DwordSize
}

// Dwords decodes buf into dwords. A trailing partial dword is ignored.
func Dwords(buf []byte) []uint32 {
	dw := make([]uint32, len(buf)/DwordSize)
	for i := range dw {
		dw[i] = LittleEndian.Uint32(buf[i*DwordSize:])
	}
	return dw
}

// ReadUint32 reads a uint32 from r.
func ReadUint32(r io.Reader) (uint32, error) {
	buf := make([]byte, DwordSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return LittleEndian.Uint32(buf), nil
}

// WriteDwords writes dw to w.
func WriteDwords(w io.Writer, dw []uint32) error {
	_, err := w.Write(AppendDwords(nil, dw))
	return err
}

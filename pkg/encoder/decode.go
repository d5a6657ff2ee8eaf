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

package encoder

import (
	"fmt"

	"gvisor.dev/gpuvm/pkg/errors/gpuerr"
	"gvisor.dev/gpuvm/pkg/platform"
)

// Length returns the length in dwords of the command starting with header.
func Length(header uint32) (int, error) {
	switch hdrClient.Get(header) {
	case clientMI:
		switch hdrMIOpcode.Get(header) {
		case miNoop, miBatchBufferEnd:
			return 1, nil
		case miStoreDwordImm:
			return int(hdrLength.Get(header)) + 2, nil
		}
	case clientBlt:
		switch hdrOpcode.Get(header) {
		case opMemSet, opMemCopy, opFastCopy, opBlockCopy:
			return int(hdrLength.Get(header)) + 2, nil
		}
	}
	return 0, fmt.Errorf("unknown command header %#08x: %w", header, gpuerr.EINVAL)
}

// Decode decodes the command at the start of dw.
func Decode(l platform.Layout, dw []uint32) (Command, error) {
	if err := checkLayout(l); err != nil {
		return nil, err
	}
	if len(dw) == 0 {
		return nil, fmt.Errorf("empty command stream: %w", gpuerr.EINVAL)
	}
	n, err := Length(dw[0])
	if err != nil {
		return nil, err
	}
	if len(dw) < n {
		return nil, fmt.Errorf("truncated command %#08x: have %d dwords, want %d: %w", dw[0], len(dw), n, gpuerr.EINVAL)
	}
	expect := func(want int) error {
		if n != want {
			return fmt.Errorf("command %#08x has length %d, want %d: %w", dw[0], n, want, gpuerr.EINVAL)
		}
		return nil
	}

	if hdrClient.Get(dw[0]) == clientMI {
		switch hdrMIOpcode.Get(dw[0]) {
		case miNoop:
			return &Noop{}, nil
		case miBatchBufferEnd:
			return &BatchEnd{}, nil
		default:
			if err := expect(storeDwordLen); err != nil {
				return nil, err
			}
			return &StoreDword{Addr: addrAt(dw, 1), Value: dw[3]}, nil
		}
	}

	switch hdrOpcode.Get(dw[0]) {
	case opMemSet:
		if err := expect(memSetLen); err != nil {
			return nil, err
		}
		return decodeMemSet(l, dw), nil
	case opMemCopy:
		if err := expect(memCopyLen); err != nil {
			return nil, err
		}
		return decodeMemCopy(l, dw), nil
	case opFastCopy:
		if err := expect(fastCopyLen); err != nil {
			return nil, err
		}
		return decodeFastCopy(l, dw), nil
	default:
		if err := expect(blockCopyLen); err != nil {
			return nil, err
		}
		return decodeBlockCopy(l, dw), nil
	}
}

// Disassemble decodes dw up to and including the first MI_BATCH_BUFFER_END.
// Commands decoded before an error are returned along with it.
func Disassemble(l platform.Layout, dw []uint32) ([]Command, error) {
	var cmds []Command
	for len(dw) > 0 {
		c, err := Decode(l, dw)
		if err != nil {
			return cmds, err
		}
		cmds = append(cmds, c)
		if _, ok := c.(*BatchEnd); ok {
			break
		}
		dw = dw[c.Len():]
	}
	return cmds, nil
}

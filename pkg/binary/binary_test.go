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

package binary

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// A number with bits in every byte that is distinguishable in big and little
// endian.
const want32 = 16<<24 | 32<<16 | 64<<8 | 128

func TestAppendUint32(t *testing.T) {
	got := AppendUint32([]byte{1}, want32)
	want := []byte{1, 128, 64, 32, 16}
	if !bytes.Equal(got, want) {
		t.Errorf("AppendUint32: got %v, want %v", got, want)
	}
}

func TestPutDwords(t *testing.T) {
	dw := []uint32{0x10000002, 0xdeadbeef, 0, want32}
	buf := make([]byte, 20)
	if n := PutDwords(buf, dw); n != 16 {
		t.Errorf("PutDwords: got %d bytes, want 16", n)
	}
	if diff := cmp.Diff(append(dw, 0), Dwords(buf)); diff != "" {
		t.Errorf("Dwords mismatch (-want +got):\n%s", diff)
	}
	if got := Dwords(buf[:7]); len(got) != 1 {
		t.Errorf("Dwords(7 bytes): got %d dwords, want 1", len(got))
	}
}

func TestPutDwordsShort(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("PutDwords into a short buffer did not panic")
		}
	}()
	PutDwords(make([]byte, 3), []uint32{1})
}

func TestReadWrite(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteDwords(&buf, []uint32{want32, 7}); err != nil {
		t.Fatalf("WriteDwords: %v", err)
	}
	for _, want := range []uint32{want32, 7} {
		got, err := ReadUint32(&buf)
		if err != nil {
			t.Fatalf("ReadUint32: %v", err)
		}
		if got != want {
			t.Errorf("ReadUint32: got %#x, want %#x", got, want)
		}
	}
}

type errWriter struct {
	err error
}

func (w *errWriter) Write([]byte) (int, error) {
	return 0, w.err
}

func TestWriteError(t *testing.T) {
	want := errors.New("want")
	if err := WriteDwords(&errWriter{want}, []uint32{1}); err != want {
		t.Errorf("WriteDwords: got %v, want %v", err, want)
	}
	if _, err := ReadUint32(bytes.NewReader(nil)); err == nil {
		t.Errorf("ReadUint32 on empty reader succeeded")
	}
}

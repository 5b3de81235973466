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

package mmio

import (
	"testing"
)

func TestAnonymousReadWrite(t *testing.T) {
	m, err := NewAnonymous(4096)
	if err != nil {
		t.Fatalf("NewAnonymous failed: %v", err)
	}
	defer m.Close()

	var bus Bus = m
	bus.Write32(0x24, 0x2)
	bus.Write32(0x188, 2048)
	if got, want := bus.Read32(0x24), uint32(0x2); got != want {
		t.Errorf("Read32(0x24) = %#x, want %#x", got, want)
	}
	if got, want := bus.Read32(0x188), uint32(2048); got != want {
		t.Errorf("Read32(0x188) = %d, want %d", got, want)
	}
	if got := bus.Read32(0x0); got != 0 {
		t.Errorf("Read32(0x0) = %#x, want 0", got)
	}
}

func TestBadOffsetPanics(t *testing.T) {
	m, err := NewAnonymous(4096)
	if err != nil {
		t.Fatalf("NewAnonymous failed: %v", err)
	}
	defer m.Close()

	for _, off := range []uint32{0x2, 4096, 4094} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Read32(%#x) did not panic", off)
				}
			}()
			m.Read32(off)
		}()
	}
}

func TestOpenMissing(t *testing.T) {
	if _, err := Open(t.TempDir()+"/mem", 0, 4096); err == nil {
		t.Errorf("Open of a missing file succeeded")
	}
}

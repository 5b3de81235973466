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

// Package mmio provides access to memory-mapped device registers.
package mmio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Bus is a 32-bit register window. Offsets are relative to the start of the
// device's register block.
type Bus interface {
	// Read32 reads the register at off.
	Read32(off uint32) uint32

	// Write32 writes v to the register at off.
	Write32(off uint32, v uint32)
}

// Mapping is a Bus backed by mapped memory.
type Mapping struct {
	mem []byte
}

// Open maps size bytes of physical memory at base through path, which is
// normally /dev/mem.
func Open(path string, base int64, size int) (*Mapping, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", path, err)
	}
	// The mapping outlives the descriptor.
	defer f.Close()

	pageSize := int64(unix.Getpagesize())
	if base%pageSize != 0 {
		return nil, fmt.Errorf("register base %#x is not page aligned", base)
	}
	mem, err := unix.Mmap(int(f.Fd()), base, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap registers at %#x: %v", base, err)
	}
	return &Mapping{mem: mem}, nil
}

// NewAnonymous returns a Mapping over size bytes of zeroed anonymous memory.
// Writes are stored and read back unchanged; no device is behind it.
func NewAnonymous(size int) (*Mapping, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap register window: %v", err)
	}
	return &Mapping{mem: mem}, nil
}

// Close unmaps the window.
func (m *Mapping) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}

// Size returns the size of the window in bytes.
func (m *Mapping) Size() int {
	return len(m.mem)
}

// Read32 implements Bus.Read32.
func (m *Mapping) Read32(off uint32) uint32 {
	m.check(off)
	return m.load(off)
}

// Write32 implements Bus.Write32.
func (m *Mapping) Write32(off uint32, v uint32) {
	m.check(off)
	m.store(off, v)
}

func (m *Mapping) check(off uint32) {
	if off%4 != 0 || uint64(off)+4 > uint64(len(m.mem)) {
		panic(fmt.Sprintf("mmio: register offset %#x invalid for %d byte window", off, len(m.mem)))
	}
}

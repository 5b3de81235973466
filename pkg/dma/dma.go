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

// Package dma provides memory shared between the CPU and a DMA-capable device
// that does not snoop the CPU's caches.
//
// An Arena models both views of such memory. The device view is the mmap'd
// backing store that a device (or device model) reads and writes. In
// non-coherent mode the CPU works on a private shadow copy standing in for its
// data cache, and bytes only move between the two views through explicit
// barriers:
//
//   - Flush writes the CPU view back to the device view.
//   - Invalidate discards the CPU view and reloads it from the device view.
//
// Callers never see either view directly. A Region hands out its CPU view
// only inside ToDevice, FromDevice and Update, which issue the matching
// barrier around the callback. Inspecting memory the device wrote without an
// invalidate, or ringing a doorbell before a flush, is therefore not
// expressible.
package dma

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// CacheLineSize is the alignment Alloc uses by default. Buffers that share a
// cache line with unrelated data can be clobbered by a flush.
const CacheLineSize = 32

// Options configure an Arena.
type Options struct {
	// Base is the bus address of the first byte of the arena, as programmed
	// into descriptors and device registers.
	Base uint32

	// Size is the size of the arena in bytes. It is rounded up to a whole
	// number of pages.
	Size int

	// Coherent makes the CPU and device views alias, so that barriers are
	// no-ops. This models hardware with cache snooping.
	Coherent bool

	// Path, if set, names a memory device (normally /dev/mem) whose bytes at
	// offset Base back the device view, so that real hardware sees what the
	// driver flushes. Base must then be page aligned. Otherwise the device
	// view is anonymous memory that only device models can reach.
	Path string
}

// Stats counts barrier operations.
type Stats struct {
	Flushes     uint64
	Invalidates uint64
}

// Arena is a page-aligned block of DMA-able memory.
//
// Arena is safe for concurrent use. Barriers and device accesses are
// serialized by an internal bus lock.
type Arena struct {
	base     uint32
	coherent bool

	// bus serializes every access that touches the device view.
	bus sync.Mutex

	// mem is the mmap'd device view.
	mem []byte

	// cpu is the CPU view. It aliases mem when the arena is coherent.
	cpu []byte

	// allocMu protects next.
	allocMu sync.Mutex
	next    int

	flushes     atomic.Uint64
	invalidates atomic.Uint64
}

// NewArena maps a new arena.
func NewArena(opts Options) (*Arena, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("invalid arena size %d", opts.Size)
	}
	pageSize := unix.Getpagesize()
	size := (opts.Size + pageSize - 1) &^ (pageSize - 1)
	if uint64(opts.Base)+uint64(size) > 1<<32 {
		return nil, fmt.Errorf("arena [%#x, %#x) exceeds the 32-bit bus", opts.Base, uint64(opts.Base)+uint64(size))
	}

	// Use mmap instead of make([]byte) so that the arena is page-aligned and
	// never moved.
	mem, err := mapDeviceView(opts.Path, opts.Base, size)
	if err != nil {
		return nil, err
	}
	if sliceBackingPointer(mem)%uintptr(pageSize) != 0 {
		unix.Munmap(mem)
		return nil, fmt.Errorf("DMA arena is not page aligned (address 0x%x)", sliceBackingPointer(mem))
	}

	a := &Arena{
		base:     opts.Base,
		coherent: opts.Coherent,
		mem:      mem,
		cpu:      mem,
	}
	if !opts.Coherent {
		a.cpu = make([]byte, size)
	}
	return a, nil
}

func mapDeviceView(path string, base uint32, size int) ([]byte, error) {
	if path == "" {
		mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return nil, fmt.Errorf("failed to mmap DMA arena: %v", err)
		}
		return mem, nil
	}
	if int(base)%unix.Getpagesize() != 0 {
		return nil, fmt.Errorf("arena base %#x is not page aligned", base)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", path, err)
	}
	// The mapping outlives the descriptor.
	defer f.Close()
	mem, err := unix.Mmap(int(f.Fd()), int64(base), size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap DMA arena at %#x in %q: %v", base, path, err)
	}
	return mem, nil
}

// Close unmaps the arena. Regions must not be used afterwards.
func (a *Arena) Close() error {
	a.bus.Lock()
	defer a.bus.Unlock()
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem, a.cpu = nil, nil
	return err
}

// Base returns the bus address of the arena.
func (a *Arena) Base() uint32 {
	return a.base
}

// Size returns the size of the arena in bytes.
func (a *Arena) Size() int {
	return len(a.mem)
}

// Coherent returns true if the CPU and device views alias.
func (a *Arena) Coherent() bool {
	return a.coherent
}

// Stats returns the number of barriers issued so far.
func (a *Arena) Stats() Stats {
	return Stats{
		Flushes:     a.flushes.Load(),
		Invalidates: a.invalidates.Load(),
	}
}

// Alloc carves size bytes aligned to align out of the arena. Allocations are
// never freed; rings and their buffers live as long as the arena.
func (a *Arena) Alloc(size, align int) (Region, error) {
	if align <= 0 {
		align = CacheLineSize
	}
	if align&(align-1) != 0 {
		return Region{}, fmt.Errorf("alignment %d is not a power of two", align)
	}
	a.allocMu.Lock()
	defer a.allocMu.Unlock()
	off := (a.next + align - 1) &^ (align - 1)
	if size <= 0 || off+size > len(a.mem) {
		return Region{}, fmt.Errorf("cannot allocate %d bytes: %d of %d bytes in use", size, a.next, len(a.mem))
	}
	a.next = off + size
	return Region{arena: a, off: off, n: size}, nil
}

// Device calls fn with the device view of [addr, addr+n). It is the access
// path for device models; drivers use Region.
func (a *Arena) Device(addr uint32, n int, fn func(b []byte)) error {
	off, err := a.offset(addr, n)
	if err != nil {
		return err
	}
	a.bus.Lock()
	defer a.bus.Unlock()
	fn(a.mem[off : off+n])
	return nil
}

func (a *Arena) offset(addr uint32, n int) (int, error) {
	if addr < a.base || n < 0 || uint64(addr-a.base)+uint64(n) > uint64(len(a.mem)) {
		return 0, fmt.Errorf("bus address range [%#x, %#x) outside arena [%#x, %#x)", addr, uint64(addr)+uint64(n), a.base, uint64(a.base)+uint64(len(a.mem)))
	}
	return int(addr - a.base), nil
}

// flush writes the CPU view of [off, off+n) back to the device view.
//
// Preconditions: a.bus is held.
func (a *Arena) flush(off, n int) {
	a.flushes.Add(1)
	if a.coherent {
		return
	}
	copy(a.mem[off:off+n], a.cpu[off:off+n])
}

// invalidate reloads the CPU view of [off, off+n) from the device view.
//
// Preconditions: a.bus is held.
func (a *Arena) invalidate(off, n int) {
	a.invalidates.Add(1)
	if a.coherent {
		return
	}
	copy(a.cpu[off:off+n], a.mem[off:off+n])
}

// Region is a contiguous range of an Arena. Regions are values; copying one
// does not copy memory.
type Region struct {
	arena *Arena
	off   int
	n     int
}

// Addr returns the bus address of the region.
func (r Region) Addr() uint32 {
	return r.arena.base + uint32(r.off)
}

// Len returns the length of the region in bytes.
func (r Region) Len() int {
	return r.n
}

// Slice returns the sub-region [off, off+n).
func (r Region) Slice(off, n int) Region {
	if off < 0 || n < 0 || off+n > r.n {
		panic(fmt.Sprintf("dma: sub-region [%d, %d) out of range [0, %d)", off, off+n, r.n))
	}
	return Region{arena: r.arena, off: r.off + off, n: n}
}

// ToDevice hands the region to the device. fn fills the CPU view, which is
// then flushed so the device observes every byte fn wrote.
//
// fn must not retain b or call back into the arena.
func (r Region) ToDevice(fn func(b []byte)) {
	a := r.arena
	a.bus.Lock()
	defer a.bus.Unlock()
	fn(a.cpu[r.off : r.off+r.n])
	a.flush(r.off, r.n)
}

// FromDevice takes the region back from the device. The CPU view is
// invalidated before fn inspects it, so fn never sees stale cached data.
//
// fn must not retain b or call back into the arena.
func (r Region) FromDevice(fn func(b []byte)) {
	a := r.arena
	a.bus.Lock()
	defer a.bus.Unlock()
	a.invalidate(r.off, r.n)
	fn(a.cpu[r.off : r.off+r.n])
}

// Update performs a read-modify-write of the region: invalidate, fn, flush.
//
// fn must not retain b or call back into the arena.
func (r Region) Update(fn func(b []byte)) {
	a := r.arena
	a.bus.Lock()
	defer a.bus.Unlock()
	a.invalidate(r.off, r.n)
	fn(a.cpu[r.off : r.off+r.n])
	a.flush(r.off, r.n)
}

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

// Package enetsim is a software model of an ENET MAC. It implements
// mmio.Bus so that the enet driver can run against it, and moves frames
// between the driver's descriptor rings and a Wire.
//
// The model only reaches ring memory through dma.Arena.Device, so a driver
// that skips a cache barrier observes stale data, as it would on hardware
// without snooping. It follows the Wrap flag, not a ring size, to find the
// end of each ring.
package enetsim

import (
	"sync"

	"gvisor.dev/pktio/pkg/dma"
	"gvisor.dev/pktio/pkg/log"
	"gvisor.dev/pktio/pkg/mmio"
	"gvisor.dev/pktio/pkg/tcpip/link/enet"
)

// maxRingWalk bounds a ring walk in case the driver never sets Wrap.
const maxRingWalk = 4096

// Wire carries frames the device transmits.
type Wire interface {
	Send(frame []byte)
}

// WireFunc adapts a function to a Wire.
type WireFunc func(frame []byte)

// Send implements Wire.Send.
func (f WireFunc) Send(frame []byte) {
	f(frame)
}

// Stats counts device-side events.
type Stats struct {
	Transmitted uint64
	Received    uint64
	Overruns    uint64
	Dropped     uint64
	Resets      uint64
}

// Options configure a Device.
type Options struct {
	Regs  *enet.RegisterMap
	Arena *dma.Arena

	// Raise asserts the device's interrupt line. It is never called with
	// the device lock held.
	Raise func()

	// Wire receives transmitted frames. Frames are discarded while it is
	// nil.
	Wire Wire
}

// Device is the model of one MAC.
type Device struct {
	regs  *enet.RegisterMap
	arena *dma.Arena
	raise func()

	// byOffset maps register offsets back to registers.
	byOffset map[uint32]enet.Register

	mu sync.Mutex

	// +checklocks:mu
	wire Wire
	// +checklocks:mu
	values [enet.NumRegisters]uint32
	// other holds registers outside the map.
	// +checklocks:mu
	other map[uint32]uint32
	// rxCur and txCur are the device's ring cursors, as bus addresses.
	// +checklocks:mu
	rxCur uint32
	// +checklocks:mu
	txCur uint32
	// fetched holds transmit descriptors whose frames were sent but whose
	// completion is deferred.
	// +checklocks:mu
	fetched []uint32
	// +checklocks:mu
	deferTx bool
	// +checklocks:mu
	stallTx bool
	// +checklocks:mu
	stuckReset bool
	// +checklocks:mu
	stats Stats
}

var _ mmio.Bus = (*Device)(nil)

// New returns a device in its reset state.
func New(opts Options) *Device {
	d := &Device{
		regs:     opts.Regs,
		arena:    opts.Arena,
		raise:    opts.Raise,
		wire:     opts.Wire,
		byOffset: make(map[uint32]enet.Register, enet.NumRegisters),
		other:    make(map[uint32]uint32),
	}
	for r := enet.Register(0); r < enet.NumRegisters; r++ {
		d.byOffset[opts.Regs.Offset(r)] = r
	}
	if d.raise == nil {
		d.raise = func() {}
	}
	return d
}

// Cable connects a and b back to back.
func Cable(a, b *Device) {
	a.SetWire(WireFunc(func(frame []byte) { b.Receive(frame) }))
	b.SetWire(WireFunc(func(frame []byte) { a.Receive(frame) }))
}

// SetWire replaces the wire.
func (d *Device) SetWire(w Wire) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wire = w
}

// SetDeferTx makes the device send frames as soon as it fetches them but
// report completion only through CompleteTx.
func (d *Device) SetDeferTx(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deferTx = v
}

// SetStallTx makes the device ignore the transmit doorbell.
func (d *Device) SetStallTx(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stallTx = v
}

// SetStuckReset makes resets never complete.
func (d *Device) SetStuckReset(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stuckReset = v
}

// Stats returns the device counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Read32 implements mmio.Bus.Read32.
func (d *Device) Read32(off uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.byOffset[off]
	if !ok {
		return d.other[off]
	}
	return d.values[r]
}

// Write32 implements mmio.Bus.Write32.
func (d *Device) Write32(off uint32, v uint32) {
	d.mu.Lock()
	r, ok := d.byOffset[off]
	if !ok {
		d.other[off] = v
		d.mu.Unlock()
		return
	}

	bits := &d.regs.Bits
	var sent [][]byte
	raise := false
	switch r {
	case enet.EIR:
		d.values[enet.EIR] &^= v
	case enet.EIMR:
		d.values[enet.EIMR] = v
	case enet.ECR:
		if v&bits.Reset != 0 {
			d.resetLocked()
			break
		}
		d.values[enet.ECR] = v
	case enet.RDSR:
		d.values[r] = v
		d.rxCur = v
	case enet.TDSR:
		d.values[r] = v
		d.txCur = v
	case enet.RDAR:
		if d.enabledLocked() {
			d.values[enet.RDAR] = bits.Active
		}
	case enet.TDAR:
		if !d.enabledLocked() {
			break
		}
		d.values[enet.TDAR] = bits.Active
		if d.stallTx {
			break
		}
		sent, raise = d.transmitLocked()
		d.values[enet.TDAR] = 0
	default:
		d.values[r] = v
	}
	wire := d.wire
	d.mu.Unlock()

	if wire != nil {
		for _, frame := range sent {
			wire.Send(frame)
		}
	}
	if raise {
		d.raise()
	}
}

// +checklocks:d.mu
func (d *Device) enabledLocked() bool {
	return d.values[enet.ECR]&d.regs.Bits.Enable != 0
}

// +checklocks:d.mu
func (d *Device) resetLocked() {
	d.stats.Resets++
	if d.stuckReset {
		d.values[enet.ECR] |= d.regs.Bits.Reset
		return
	}
	d.values = [enet.NumRegisters]uint32{}
	clear(d.other)
	d.rxCur, d.txCur = 0, 0
	d.fetched = nil
}

// +checklocks:d.mu
func (d *Device) pendingLocked() bool {
	return d.values[enet.EIR]&d.values[enet.EIMR] != 0
}

// +checklocks:d.mu
func (d *Device) busErrorLocked() bool {
	d.values[enet.EIR] |= d.regs.Bits.BusError
	return d.pendingLocked()
}

// loadDesc reads the descriptor at addr from device memory.
//
// +checklocks:d.mu
func (d *Device) loadDesc(addr uint32) (enet.Descriptor, bool) {
	var desc enet.Descriptor
	err := d.arena.Device(addr, enet.DescriptorSize, func(b []byte) {
		desc = enet.DecodeDescriptor(b)
	})
	return desc, err == nil
}

// +checklocks:d.mu
func (d *Device) storeDesc(addr uint32, desc enet.Descriptor) bool {
	return d.arena.Device(addr, enet.DescriptorSize, desc.Encode) == nil
}

// advance returns the address of the descriptor after the one at addr.
func advance(base, addr uint32, desc enet.Descriptor) uint32 {
	if desc.Flags&enet.Wrap != 0 {
		return base
	}
	return addr + enet.DescriptorSize
}

// transmitLocked fetches every ready transmit descriptor. It returns the
// frames to put on the wire and whether to raise the interrupt.
//
// +checklocks:d.mu
func (d *Device) transmitLocked() ([][]byte, bool) {
	bits := &d.regs.Bits
	var sent [][]byte
	for range maxRingWalk {
		addr := d.txCur
		desc, ok := d.loadDesc(addr)
		if !ok {
			return sent, d.busErrorLocked()
		}
		if desc.Flags&enet.OwnedByDevice == 0 {
			break
		}
		if d.deferTx && len(d.fetched) > 0 && d.fetched[0] == addr {
			// Wrapped onto a slot whose completion is still deferred.
			break
		}
		frame := make([]byte, desc.Length)
		if err := d.arena.Device(desc.Addr, int(desc.Length), func(b []byte) {
			copy(frame, b)
		}); err != nil {
			log.Warningf("enetsim: transmit buffer %s outside DMA memory: %v", desc, err)
			return sent, d.busErrorLocked()
		}
		sent = append(sent, frame)
		d.stats.Transmitted++
		d.txCur = advance(d.values[enet.TDSR], addr, desc)

		if d.deferTx {
			d.fetched = append(d.fetched, addr)
			continue
		}
		if !d.completeLocked(addr, desc) {
			return sent, d.busErrorLocked()
		}
		d.values[enet.EIR] |= bits.TxFrame | bits.TxBuffer
	}
	return sent, d.pendingLocked()
}

// completeLocked returns the transmit descriptor at addr to the driver.
//
// +checklocks:d.mu
func (d *Device) completeLocked(addr uint32, desc enet.Descriptor) bool {
	desc.Flags &^= enet.OwnedByDevice
	return d.storeDesc(addr, desc)
}

// CompleteTx reports completion of up to n deferred frames, oldest first, and
// returns how many were completed.
func (d *Device) CompleteTx(n int) int {
	d.mu.Lock()
	done := 0
	for done < n && len(d.fetched) > 0 {
		addr := d.fetched[0]
		desc, ok := d.loadDesc(addr)
		if !ok || !d.completeLocked(addr, desc) {
			break
		}
		d.fetched = d.fetched[1:]
		done++
	}
	raise := false
	if done > 0 {
		d.values[enet.EIR] |= d.regs.Bits.TxFrame | d.regs.Bits.TxBuffer
		raise = d.pendingLocked()
	}
	d.mu.Unlock()
	if raise {
		d.raise()
	}
	return done
}

// Receive places frame into the next empty receive descriptor. It returns
// false if the frame was dropped because the device is disabled, receive is
// not active, or no descriptor is empty.
func (d *Device) Receive(frame []byte) bool {
	return d.ReceiveWithFlags(frame, 0)
}

// ReceiveWithFlags is like Receive but marks the descriptor with the given
// receive error flags.
func (d *Device) ReceiveWithFlags(frame []byte, errs enet.Flags) bool {
	d.mu.Lock()
	ok, raise := d.receiveLocked(frame, errs)
	d.mu.Unlock()
	if raise {
		d.raise()
	}
	return ok
}

// +checklocks:d.mu
func (d *Device) receiveLocked(frame []byte, errs enet.Flags) (ok, raise bool) {
	bits := &d.regs.Bits
	if !d.enabledLocked() || d.values[enet.RDAR]&bits.Active == 0 {
		d.stats.Dropped++
		return false, false
	}
	addr := d.rxCur
	desc, ok := d.loadDesc(addr)
	if !ok {
		return false, d.busErrorLocked()
	}
	if desc.Flags&enet.OwnedByDevice == 0 {
		// No empty descriptor: the frame overruns and receive stops until
		// the driver rings RDAR again.
		d.stats.Overruns++
		d.values[enet.RDAR] = 0
		return false, false
	}

	n := len(frame)
	if limit := int(d.values[enet.MRBR]); n > limit {
		n = limit
		errs |= enet.RxTruncated
	}
	if err := d.arena.Device(desc.Addr, n, func(b []byte) {
		copy(b, frame)
	}); err != nil {
		return false, d.busErrorLocked()
	}
	desc.Length = uint16(n)
	desc.Flags = desc.Flags&enet.Wrap | enet.Last | errs
	if !d.storeDesc(addr, desc) {
		return false, d.busErrorLocked()
	}
	d.rxCur = advance(d.values[enet.RDSR], addr, desc)
	d.stats.Received++
	d.values[enet.EIR] |= bits.RxFrame
	return true, d.pendingLocked()
}

// Inject sets event bits in EIR and raises the interrupt if any of them is
// unmasked.
func (d *Device) Inject(events uint32) {
	d.mu.Lock()
	d.values[enet.EIR] |= events
	raise := d.pendingLocked()
	d.mu.Unlock()
	if raise {
		d.raise()
	}
}

// InjectBusError reports a DMA bus error.
func (d *Device) InjectBusError() {
	d.Inject(d.regs.Bits.BusError)
}

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

package enet

import (
	"fmt"
	"iter"

	"gvisor.dev/pktio/pkg/dma"
	"gvisor.dev/pktio/pkg/tcpip"
	"gvisor.dev/pktio/pkg/tcpip/stack"
)

// ringAlign is the alignment the device requires of a descriptor ring base.
const ringAlign = 16

// ring is the storage shared by both directions: n descriptors, each bound
// for life to one frameSize buffer.
type ring struct {
	descs     dma.Region
	bufs      dma.Region
	size      int
	frameSize int
}

func newRing(arena *dma.Arena, size, frameSize int) (ring, error) {
	if size < 2 {
		return ring{}, fmt.Errorf("ring of %d descriptors is too small", size)
	}
	if frameSize <= 0 || frameSize%ringAlign != 0 || frameSize > stack.MaxFrameSize {
		return ring{}, fmt.Errorf("frame size %d must be a positive multiple of %d no larger than %d", frameSize, ringAlign, stack.MaxFrameSize)
	}
	descs, err := arena.Alloc(size*DescriptorSize, ringAlign)
	if err != nil {
		return ring{}, fmt.Errorf("allocating descriptors: %w", err)
	}
	bufs, err := arena.Alloc(size*frameSize, dma.CacheLineSize)
	if err != nil {
		return ring{}, fmt.Errorf("allocating buffers: %w", err)
	}
	return ring{descs: descs, bufs: bufs, size: size, frameSize: frameSize}, nil
}

func (r *ring) desc(i int) dma.Region {
	return r.descs.Slice(i*DescriptorSize, DescriptorSize)
}

func (r *ring) buf(i int) dma.Region {
	return r.bufs.Slice(i*r.frameSize, r.frameSize)
}

// wrap returns Wrap for the last slot.
func (r *ring) wrap(i int) Flags {
	if i == r.size-1 {
		return Wrap
	}
	return 0
}

func (r *ring) next(i int) int {
	return (i + 1) % r.size
}

// load reads descriptor i after invalidating it.
func (r *ring) load(i int) Descriptor {
	var d Descriptor
	r.desc(i).FromDevice(func(b []byte) {
		d = DecodeDescriptor(b)
	})
	return d
}

// store writes and flushes descriptor i.
func (r *ring) store(i int, d Descriptor) {
	r.desc(i).ToDevice(d.Encode)
}

// Base returns the bus address of the first descriptor.
func (r *ring) Base() uint32 {
	return r.descs.Addr()
}

// Size returns the number of descriptors.
func (r *ring) Size() int {
	return r.size
}

// FrameSize returns the size of each slot's buffer.
func (r *ring) FrameSize() int {
	return r.frameSize
}

// Descriptor returns descriptor i as the device last left it.
func (r *ring) Descriptor(i int) Descriptor {
	return r.load(i)
}

// TxRing is the transmit descriptor ring.
//
// Slots between reclaim and fill (at most Size()-1 of them) are owned by the
// device. TxRing is not thread-safe and requires external synchronization.
type TxRing struct {
	ring

	// fill is the next slot Submit writes.
	fill int

	// reclaim is the oldest slot not yet reclaimed.
	reclaim int

	// outstanding is the number of submitted, unreclaimed slots.
	outstanding int
}

// NewTxRing allocates a transmit ring of size slots of frameSize bytes.
func NewTxRing(arena *dma.Arena, size, frameSize int) (*TxRing, error) {
	r, err := newRing(arena, size, frameSize)
	if err != nil {
		return nil, err
	}
	t := &TxRing{ring: r}
	t.Init()
	return t, nil
}

// Init returns every slot to the CPU and rewinds both cursors. Frames that
// were outstanding are forgotten.
func (t *TxRing) Init() {
	for i := 0; i < t.size; i++ {
		t.store(i, Descriptor{Addr: t.buf(i).Addr(), Flags: t.wrap(i)})
	}
	t.fill, t.reclaim, t.outstanding = 0, 0, 0
}

// Outstanding returns the number of slots handed to the device and not yet
// reclaimed.
func (t *TxRing) Outstanding() int {
	return t.outstanding
}

// Submit copies frame into the next free slot and hands the slot to the
// device. The caller rings the doorbell afterwards.
//
// It fails with ErrRingFull when Size()-1 slots are outstanding or the next
// slot is still owned by the device.
func (t *TxRing) Submit(frame []byte) *tcpip.Error {
	if len(frame) > t.frameSize {
		return tcpip.ErrMessageTooLong
	}
	if t.outstanding >= t.size-1 {
		return tcpip.ErrRingFull
	}
	i := t.fill
	if t.load(i).Flags&OwnedByDevice != 0 {
		return tcpip.ErrRingFull
	}

	buf := t.buf(i)
	buf.ToDevice(func(b []byte) {
		n := copy(b, frame)
		clear(b[n:])
	})
	t.store(i, Descriptor{
		Length: uint16(len(frame)),
		Flags:  OwnedByDevice | Last | TransmitCRC | t.wrap(i),
		Addr:   buf.Addr(),
	})

	t.fill = t.next(i)
	t.outstanding++
	return nil
}

// Reclaim returns the slots the device has finished with, oldest first. It
// stops at the first slot still owned by the device and never passes the
// fill cursor. Slots are only reclaimed as the sequence is consumed.
func (t *TxRing) Reclaim() iter.Seq[int] {
	return func(yield func(int) bool) {
		for t.outstanding > 0 {
			i := t.reclaim
			if t.load(i).Flags&OwnedByDevice != 0 {
				return
			}
			t.reclaim = t.next(i)
			t.outstanding--
			if !yield(i) {
				return
			}
		}
	}
}

// RxRing is the receive descriptor ring.
//
// RxRing is not thread-safe and requires external synchronization.
type RxRing struct {
	ring

	// cur is the next slot the device fills.
	cur int
}

// NewRxRing allocates a receive ring of size slots of frameSize bytes.
func NewRxRing(arena *dma.Arena, size, frameSize int) (*RxRing, error) {
	r, err := newRing(arena, size, frameSize)
	if err != nil {
		return nil, err
	}
	rx := &RxRing{ring: r}
	rx.Init()
	return rx, nil
}

// Init hands every slot to the device and rewinds the cursor.
func (r *RxRing) Init() {
	for i := 0; i < r.size; i++ {
		r.PrepareSlot(i)
	}
	r.cur = 0
}

// PrepareSlot points descriptor i at its buffer and gives it to the device.
func (r *RxRing) PrepareSlot(i int) {
	r.store(i, Descriptor{
		Addr:  r.buf(i).Addr(),
		Flags: OwnedByDevice | r.wrap(i),
	})
}

// CurrentEmpty returns true if the device has not filled the current slot.
func (r *RxRing) CurrentEmpty() bool {
	return r.load(r.cur).Flags&OwnedByDevice != 0
}

// Harvest returns the frames the device has filled, in ring order, at most
// Size() per call. Each slot is recycled to the device before its frame is
// yielded, so stopping early loses nothing.
//
// A damaged frame is yielded as a nil packet together with its descriptor
// flags. Otherwise the caller owns the packet.
func (r *RxRing) Harvest() iter.Seq2[*stack.PacketBuffer, Flags] {
	return func(yield func(*stack.PacketBuffer, Flags) bool) {
		for n := 0; n < r.size; n++ {
			i := r.cur
			d := r.load(i)
			if d.Flags&OwnedByDevice != 0 {
				return
			}

			flags := d.Flags
			switch {
			case flags&Last == 0 || int(d.Length) > r.frameSize:
				// Frames never span buffers.
				flags |= RxLengthViolation
			case d.Length == 0:
				flags |= RxTruncated
			}

			var pkt *stack.PacketBuffer
			if flags&RxErrors == 0 {
				r.buf(i).Slice(0, int(d.Length)).FromDevice(func(b []byte) {
					// Length is bounded by frameSize, which is at most
					// MaxFrameSize.
					pkt, _ = stack.NewPacketBufferWith(len(b), func(p []byte) {
						copy(p, b)
					})
				})
			}

			r.PrepareSlot(i)
			r.cur = r.next(i)
			if !yield(pkt, flags) {
				return
			}
		}
	}
}

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
	"bytes"
	"math/rand"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/pktio/pkg/dma"
	"gvisor.dev/pktio/pkg/tcpip"
)

const (
	testRingSize  = 4
	testFrameSize = 128
)

func newTestArena(t *testing.T) *dma.Arena {
	t.Helper()
	a, err := dma.NewArena(dma.Options{Base: 0x80000000, Size: 64 << 10})
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

// device edits descriptor i of r the way the hardware would, bypassing the
// CPU view.
func device(t *testing.T, a *dma.Arena, r *ring, i int, fn func(d *Descriptor)) {
	t.Helper()
	addr := r.Base() + uint32(i*DescriptorSize)
	if err := a.Device(addr, DescriptorSize, func(b []byte) {
		d := DecodeDescriptor(b)
		fn(&d)
		d.Encode(b)
	}); err != nil {
		t.Fatalf("Device(%#x): %v", addr, err)
	}
}

func TestDescriptorEncoding(t *testing.T) {
	d := Descriptor{Length: 0x5ea, Flags: OwnedByDevice | Wrap | Last, Addr: 0x80001000}
	var b [DescriptorSize]byte
	d.Encode(b[:])
	want := []byte{0xea, 0x05, 0x00, 0xa8, 0x00, 0x10, 0x00, 0x80}
	if !bytes.Equal(b[:], want) {
		t.Errorf("Encode = % x, want % x", b, want)
	}
	if got := DecodeDescriptor(b[:]); got != d {
		t.Errorf("DecodeDescriptor = %s, want %s", got, d)
	}
}

func TestFlagsString(t *testing.T) {
	for _, tc := range []struct {
		flags Flags
		want  string
	}{
		{0, "0"},
		{OwnedByDevice | Wrap, "OWN|W"},
		{Last | RxCRCError, "L|CR"},
		{0x0200, "0x200"},
	} {
		if got := tc.flags.String(); got != tc.want {
			t.Errorf("Flags(%#x).String() = %q, want %q", uint16(tc.flags), got, tc.want)
		}
	}
}

func TestTxRingSaturation(t *testing.T) {
	a := newTestArena(t)
	tx, err := NewTxRing(a, testRingSize, testFrameSize)
	if err != nil {
		t.Fatalf("NewTxRing: %v", err)
	}

	frame := []byte("frame")
	for i := 0; i < testRingSize-1; i++ {
		if err := tx.Submit(frame); err != nil {
			t.Fatalf("Submit #%d = %s", i, err)
		}
	}
	if err := tx.Submit(frame); err != tcpip.ErrRingFull {
		t.Fatalf("Submit #%d = %v, want %s", testRingSize-1, err, tcpip.ErrRingFull)
	}
	if got := slices.Collect(tx.Reclaim()); len(got) != 0 {
		t.Fatalf("Reclaim with nothing completed = %v", got)
	}

	// Complete the oldest frame.
	device(t, a, &tx.ring, 0, func(d *Descriptor) { d.Flags &^= OwnedByDevice })
	if diff := cmp.Diff([]int{0}, slices.Collect(tx.Reclaim())); diff != "" {
		t.Errorf("Reclaim mismatch (-want +got):\n%s", diff)
	}
	if err := tx.Submit(frame); err != nil {
		t.Errorf("Submit after reclaim = %s", err)
	}
	if err := tx.Submit(frame); err != tcpip.ErrRingFull {
		t.Errorf("second Submit after one reclaim = %v, want %s", err, tcpip.ErrRingFull)
	}
}

func TestTxRingDescriptors(t *testing.T) {
	a := newTestArena(t)
	tx, err := NewTxRing(a, testRingSize, testFrameSize)
	if err != nil {
		t.Fatalf("NewTxRing: %v", err)
	}
	for i := 0; i < testRingSize; i++ {
		if i == testRingSize-1 {
			// Free the first slot so the last one can be filled.
			device(t, a, &tx.ring, 0, func(d *Descriptor) { d.Flags &^= OwnedByDevice })
			for range tx.Reclaim() {
			}
		}
		payload := bytes.Repeat([]byte{byte(i)}, 10+i)
		if err := tx.Submit(payload); err != nil {
			t.Fatalf("Submit #%d = %s", i, err)
		}
		var d Descriptor
		var data []byte
		device(t, a, &tx.ring, i, func(dd *Descriptor) { d = *dd })
		if err := a.Device(d.Addr, int(d.Length), func(b []byte) { data = slices.Clone(b) }); err != nil {
			t.Fatalf("Device: %v", err)
		}
		wantFlags := OwnedByDevice | Last | TransmitCRC
		if i == testRingSize-1 {
			wantFlags |= Wrap
		}
		if d.Flags != wantFlags {
			t.Errorf("slot %d flags = %s, want %s", i, d.Flags, wantFlags)
		}
		if !bytes.Equal(data, payload) {
			t.Errorf("slot %d device data = % x, want % x", i, data, payload)
		}
	}
	if err := tx.Submit(make([]byte, testFrameSize+1)); err != tcpip.ErrMessageTooLong {
		t.Errorf("oversized Submit = %v, want %s", err, tcpip.ErrMessageTooLong)
	}
}

// TestTxRingInvariant drives the ring with a random mix of submissions and
// in-order device completions.
func TestTxRingInvariant(t *testing.T) {
	a := newTestArena(t)
	const size = 8
	tx, err := NewTxRing(a, size, testFrameSize)
	if err != nil {
		t.Fatalf("NewTxRing: %v", err)
	}
	rng := rand.New(rand.NewSource(1))
	deviceCur, owned := 0, 0
	var wantReclaim []int
	for step := 0; step < 2000; step++ {
		switch rng.Intn(3) {
		case 0, 1:
			err := tx.Submit([]byte{byte(step)})
			switch {
			case err == nil:
				owned++
			case err == tcpip.ErrRingFull:
				if tx.Outstanding() != size-1 {
					t.Fatalf("step %d: ErrRingFull with %d outstanding", step, tx.Outstanding())
				}
			default:
				t.Fatalf("step %d: Submit = %s", step, err)
			}
		case 2:
			if owned == 0 {
				continue
			}
			device(t, a, &tx.ring, deviceCur, func(d *Descriptor) { d.Flags &^= OwnedByDevice })
			wantReclaim = append(wantReclaim, deviceCur)
			deviceCur = (deviceCur + 1) % size
			owned--
			if rng.Intn(2) == 0 {
				got := slices.Collect(tx.Reclaim())
				if diff := cmp.Diff(wantReclaim, got); diff != "" {
					t.Fatalf("step %d: Reclaim mismatch (-want +got):\n%s", step, diff)
				}
				wantReclaim = nil
			}
		}
		if n := tx.Outstanding(); n > size-1 || n < 0 {
			t.Fatalf("step %d: %d slots outstanding", step, n)
		}
	}
}

func TestTxRingReclaimStopsEarly(t *testing.T) {
	a := newTestArena(t)
	tx, err := NewTxRing(a, testRingSize, testFrameSize)
	if err != nil {
		t.Fatalf("NewTxRing: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := tx.Submit([]byte{1}); err != nil {
			t.Fatalf("Submit = %s", err)
		}
		device(t, a, &tx.ring, i, func(d *Descriptor) { d.Flags &^= OwnedByDevice })
	}
	for range tx.Reclaim() {
		break
	}
	if got := tx.Outstanding(); got != 1 {
		t.Errorf("Outstanding after consuming one slot = %d, want 1", got)
	}
	if diff := cmp.Diff([]int{1}, slices.Collect(tx.Reclaim())); diff != "" {
		t.Errorf("Reclaim mismatch (-want +got):\n%s", diff)
	}
}

// fill writes frame into RX slot i and hands the slot back to the CPU.
func fill(t *testing.T, a *dma.Arena, rx *RxRing, i int, frame []byte, errs Flags) {
	t.Helper()
	var addr uint32
	device(t, a, &rx.ring, i, func(d *Descriptor) { addr = d.Addr })
	if err := a.Device(addr, len(frame), func(b []byte) { copy(b, frame) }); err != nil {
		t.Fatalf("Device: %v", err)
	}
	device(t, a, &rx.ring, i, func(d *Descriptor) {
		d.Length = uint16(len(frame))
		d.Flags = d.Flags&Wrap | Last | errs
	})
}

func TestRxRingHarvest(t *testing.T) {
	a := newTestArena(t)
	rx, err := NewRxRing(a, testRingSize, testFrameSize)
	if err != nil {
		t.Fatalf("NewRxRing: %v", err)
	}
	if !rx.CurrentEmpty() {
		t.Fatalf("fresh ring has a filled current slot")
	}

	fill(t, a, rx, 0, []byte("first"), 0)
	fill(t, a, rx, 1, []byte("damaged"), RxCRCError)
	fill(t, a, rx, 2, []byte("third"), 0)

	type result struct {
		Data  string
		Flags Flags
	}
	var got []result
	for pkt, flags := range rx.Harvest() {
		r := result{Flags: flags}
		if pkt != nil {
			r.Data = string(pkt.Data())
			pkt.Release()
		}
		got = append(got, r)
	}
	want := []result{
		{"first", Last},
		{"", Last | RxCRCError},
		{"third", Last},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Harvest mismatch (-want +got):\n%s", diff)
	}

	// Nothing new arrived, so a second harvest yields nothing.
	for pkt := range rx.Harvest() {
		t.Errorf("second Harvest yielded a frame")
		if pkt != nil {
			pkt.Release()
		}
	}

	// Every harvested slot went back to the device.
	for i := 0; i < testRingSize; i++ {
		want := OwnedByDevice
		if i == testRingSize-1 {
			want |= Wrap
		}
		if d := rx.Descriptor(i); d.Flags != want {
			t.Errorf("slot %d flags = %s, want %s", i, d.Flags, want)
		}
	}
}

func TestRxRingHarvestBounded(t *testing.T) {
	a := newTestArena(t)
	rx, err := NewRxRing(a, testRingSize, testFrameSize)
	if err != nil {
		t.Fatalf("NewRxRing: %v", err)
	}
	for i := 0; i < testRingSize; i++ {
		fill(t, a, rx, i, []byte{byte(i)}, 0)
	}
	n := 0
	for pkt := range rx.Harvest() {
		// Refill each slot as soon as it is recycled, as a fast device
		// would.
		fill(t, a, rx, n, []byte{0xff}, 0)
		pkt.Release()
		n++
	}
	if n != testRingSize {
		t.Errorf("Harvest yielded %d frames, want %d", n, testRingSize)
	}
}

func TestRxRingOversizedLength(t *testing.T) {
	a := newTestArena(t)
	rx, err := NewRxRing(a, testRingSize, testFrameSize)
	if err != nil {
		t.Fatalf("NewRxRing: %v", err)
	}
	device(t, a, &rx.ring, 0, func(d *Descriptor) {
		d.Length = testFrameSize + 1
		d.Flags = Last
	})
	for pkt, flags := range rx.Harvest() {
		if pkt != nil {
			t.Errorf("oversized frame delivered")
			pkt.Release()
		}
		if flags&RxLengthViolation == 0 {
			t.Errorf("flags = %s, want LG set", flags)
		}
	}
}

func TestRegisterMap(t *testing.T) {
	m := IMX6()
	if err := m.Validate(); err != nil {
		t.Fatalf("IMX6().Validate() = %v", err)
	}
	if got, want := m.Size(), uint32(0x18c); got != want {
		t.Errorf("Size() = %#x, want %#x", got, want)
	}
	if err := m.Override("MRBR", 0x190); err != nil {
		t.Fatalf("Override: %v", err)
	}
	if got := m.Offset(MRBR); got != 0x190 {
		t.Errorf("Offset(MRBR) after override = %#x", got)
	}
	if err := m.Override("BOGUS", 0); err == nil {
		t.Errorf("Override of unknown register succeeded")
	}
	if err := m.Override("TDAR", 0x010); err != nil {
		t.Fatalf("Override: %v", err)
	}
	if err := m.Validate(); err == nil {
		t.Errorf("Validate accepted overlapping RDAR and TDAR")
	}
	if err := m.Override("TDAR", 0x015); err != nil {
		t.Fatalf("Override: %v", err)
	}
	if err := m.Validate(); err == nil {
		t.Errorf("Validate accepted an unaligned register")
	}
	if _, err := Preset("nope"); err == nil {
		t.Errorf("Preset(nope) succeeded")
	}
}

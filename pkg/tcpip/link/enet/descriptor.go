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

// Package enet is a driver for the i.MX ENET Ethernet MAC and compatible
// cores. The device moves frames through two rings of buffer descriptors in
// DMA memory, one for receive and one for transmit.
package enet

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// DescriptorSize is the size of a legacy buffer descriptor in bytes.
const DescriptorSize = 8

// Flags is the status and control word of a buffer descriptor.
type Flags uint16

// Flags common to both rings.
const (
	// OwnedByDevice is the E (empty) bit on receive descriptors and the R
	// (ready) bit on transmit descriptors. While set, the descriptor and its
	// buffer belong to the device.
	OwnedByDevice Flags = 0x8000

	// Wrap marks the last descriptor of a ring. The device returns to the
	// ring base after it.
	Wrap Flags = 0x2000

	// Last marks the descriptor holding the end of a frame.
	Last Flags = 0x0800
)

// Transmit-only flags.
const (
	// TransmitCRC asks the device to append the frame check sequence.
	TransmitCRC Flags = 0x0400
)

// Receive-only flags. The error bits are only valid when Last is set.
const (
	RxMiss            Flags = 0x0100
	RxBroadcast       Flags = 0x0080
	RxMulticast       Flags = 0x0040
	RxLengthViolation Flags = 0x0020
	RxNonOctetAligned Flags = 0x0010
	RxCRCError        Flags = 0x0004
	RxOverrun         Flags = 0x0002
	RxTruncated       Flags = 0x0001
)

// RxErrors are the receive flags that mark a frame as damaged.
const RxErrors = RxLengthViolation | RxNonOctetAligned | RxCRCError | RxOverrun | RxTruncated

var flagNames = []struct {
	flag Flags
	name string
}{
	{OwnedByDevice, "OWN"},
	{Wrap, "W"},
	{Last, "L"},
	{TransmitCRC, "TC"},
	{RxMiss, "M"},
	{RxBroadcast, "BC"},
	{RxMulticast, "MC"},
	{RxLengthViolation, "LG"},
	{RxNonOctetAligned, "NO"},
	{RxCRCError, "CR"},
	{RxOverrun, "OV"},
	{RxTruncated, "TR"},
}

// String implements fmt.Stringer.
func (f Flags) String() string {
	var names []string
	rest := f
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
			rest &^= fn.flag
		}
	}
	if rest != 0 {
		names = append(names, fmt.Sprintf("%#x", uint16(rest)))
	}
	if len(names) == 0 {
		return "0"
	}
	return strings.Join(names, "|")
}

// Descriptor is a decoded buffer descriptor.
//
// The wire layout is little endian:
//
//	[0:2] data length
//	[2:4] flags
//	[4:8] buffer bus address
type Descriptor struct {
	Length uint16
	Flags  Flags
	Addr   uint32
}

// Encode writes d into b, which must hold DescriptorSize bytes.
func (d Descriptor) Encode(b []byte) {
	binary.LittleEndian.PutUint16(b[0:], d.Length)
	binary.LittleEndian.PutUint16(b[2:], uint16(d.Flags))
	binary.LittleEndian.PutUint32(b[4:], d.Addr)
}

// DecodeDescriptor reads a descriptor from b.
func DecodeDescriptor(b []byte) Descriptor {
	return Descriptor{
		Length: binary.LittleEndian.Uint16(b[0:]),
		Flags:  Flags(binary.LittleEndian.Uint16(b[2:])),
		Addr:   binary.LittleEndian.Uint32(b[4:]),
	}
}

// String implements fmt.Stringer.
func (d Descriptor) String() string {
	return fmt.Sprintf("{addr=%#08x len=%d flags=%s}", d.Addr, d.Length, d.Flags)
}

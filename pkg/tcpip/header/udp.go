// Copyright 2018 The gVisor Authors.
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

package header

import (
	"encoding/binary"
	"errors"
	"math"

	"gvisor.dev/pktio/pkg/tcpip"
	"gvisor.dev/pktio/pkg/tcpip/checksum"
)

const (
	udpSrcPort  = 0
	udpDstPort  = 2
	udpLength   = 4
	udpChecksum = 6
)

const (
	// UDPMinimumSize is the size of the UDP header.
	UDPMinimumSize = 8

	// UDPMaximumSize is the largest datagram the length field can describe.
	UDPMaximumSize = math.MaxUint16

	// UDPProtocolNumber is UDP's transport protocol number.
	UDPProtocolNumber tcpip.TransportProtocolNumber = 17
)

// Errors returned by UDP.Validate.
var (
	ErrUDPLength   = errors.New("udp length field disagrees with the packet")
	ErrUDPChecksum = errors.New("udp checksum mismatch")
)

// UDPFields contains the header fields of a datagram to be encoded.
type UDPFields struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

// UDP represents a UDP datagram stored in a byte array.
type UDP []byte

// SourcePort returns the "source port" field of the UDP header.
func (b UDP) SourcePort() uint16 {
	return binary.BigEndian.Uint16(b[udpSrcPort:])
}

// DestinationPort returns the "destination port" field of the UDP header.
func (b UDP) DestinationPort() uint16 {
	return binary.BigEndian.Uint16(b[udpDstPort:])
}

// Length returns the "length" field of the UDP header.
func (b UDP) Length() uint16 {
	return binary.BigEndian.Uint16(b[udpLength:])
}

// Payload returns the data contained in the UDP datagram, bounded by the
// length field.
func (b UDP) Payload() []byte {
	return b[UDPMinimumSize:b.Length()]
}

// Checksum returns the "checksum" field of the UDP header.
func (b UDP) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[udpChecksum:])
}

// SetSourcePort sets the "source port" field of the UDP header.
func (b UDP) SetSourcePort(port uint16) {
	binary.BigEndian.PutUint16(b[udpSrcPort:], port)
}

// SetDestinationPort sets the "destination port" field of the UDP header.
func (b UDP) SetDestinationPort(port uint16) {
	binary.BigEndian.PutUint16(b[udpDstPort:], port)
}

// SetChecksum sets the "checksum" field of the UDP header.
func (b UDP) SetChecksum(xsum uint16) {
	checksum.Put(b[udpChecksum:], xsum)
}

// SetLength sets the "length" field of the UDP header.
func (b UDP) SetLength(length uint16) {
	binary.BigEndian.PutUint16(b[udpLength:], length)
}

// Encode encodes all the fields of the UDP header.
func (b UDP) Encode(u *UDPFields) {
	b.SetSourcePort(u.SrcPort)
	b.SetDestinationPort(u.DstPort)
	b.SetLength(u.Length)
	b.SetChecksum(u.Checksum)
}

// EncodeDatagram writes a complete datagram from src to dst into b, which
// must be exactly UDPMinimumSize+len(payload) bytes. The Length and Checksum
// of f are ignored and computed instead.
func (b UDP) EncodeDatagram(f *UDPFields, src, dst tcpip.Address, payload []byte) {
	length := uint16(UDPMinimumSize + len(payload))
	b.Encode(&UDPFields{
		SrcPort: f.SrcPort,
		DstPort: f.DstPort,
		Length:  length,
	})
	copy(b[UDPMinimumSize:], payload)
	xsum := b.sum(src, dst)
	if xsum == 0xffff {
		// A zero checksum would read as "none", and 0xffff is the same
		// value in ones' complement.
		b.SetChecksum(0xffff)
	} else {
		b.SetChecksum(^xsum)
	}
}

// sum folds the pseudo-header, the header and the payload.
func (b UDP) sum(src, dst tcpip.Address) uint16 {
	xsum := PseudoHeaderChecksum(UDPProtocolNumber, src, dst, b.Length())
	return checksum.Checksum(b[:b.Length()], xsum)
}

// Validate checks a received datagram. b is the whole IP payload, so the
// length field may describe less than b but never more. A zero checksum
// means the sender did not compute one.
func (b UDP) Validate(src, dst tcpip.Address) error {
	if len(b) < UDPMinimumSize {
		return ErrUDPLength
	}
	if length := int(b.Length()); length < UDPMinimumSize || length > len(b) {
		return ErrUDPLength
	}
	if b.Checksum() != 0 && b.sum(src, dst) != 0xffff {
		return ErrUDPChecksum
	}
	return nil
}

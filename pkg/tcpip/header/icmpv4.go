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
	"fmt"

	"gvisor.dev/pktio/pkg/tcpip"
	"gvisor.dev/pktio/pkg/tcpip/checksum"
)

// ICMPv4 represents an ICMPv4 message stored in a byte array. Only the echo
// layout of the second word is interpreted.
type ICMPv4 []byte

const (
	// ICMPv4MinimumSize is the size of the ICMPv4 header.
	ICMPv4MinimumSize = 8

	// ICMPv4ProtocolNumber is the ICMP transport protocol number.
	ICMPv4ProtocolNumber tcpip.TransportProtocolNumber = 1

	icmpv4ChecksumOffset = 2
	icmpv4IdentOffset    = 4
	icmpv4SequenceOffset = 6
)

// ICMPv4Type is the ICMP type field described in RFC 792.
type ICMPv4Type byte

// ICMPv4 types from RFC 792.
const (
	ICMPv4EchoReply      ICMPv4Type = 0
	ICMPv4DstUnreachable ICMPv4Type = 3
	ICMPv4SrcQuench      ICMPv4Type = 4
	ICMPv4Redirect       ICMPv4Type = 5
	ICMPv4Echo           ICMPv4Type = 8
	ICMPv4TimeExceeded   ICMPv4Type = 11
	ICMPv4ParamProblem   ICMPv4Type = 12
	ICMPv4Timestamp      ICMPv4Type = 13
	ICMPv4TimestampReply ICMPv4Type = 14
	ICMPv4InfoRequest    ICMPv4Type = 15
	ICMPv4InfoReply      ICMPv4Type = 16
)

var icmpv4TypeNames = map[ICMPv4Type]string{
	ICMPv4EchoReply:      "echo reply",
	ICMPv4DstUnreachable: "destination unreachable",
	ICMPv4SrcQuench:      "source quench",
	ICMPv4Redirect:       "redirect",
	ICMPv4Echo:           "echo",
	ICMPv4TimeExceeded:   "time exceeded",
	ICMPv4ParamProblem:   "param problem",
	ICMPv4Timestamp:      "timestamp",
	ICMPv4TimestampReply: "timestamp reply",
	ICMPv4InfoRequest:    "info request",
	ICMPv4InfoReply:      "info reply",
}

// String implements fmt.Stringer.
func (t ICMPv4Type) String() string {
	if name, ok := icmpv4TypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type %d", byte(t))
}

// ICMPv4EchoFields contains the fields of an echo request or reply.
type ICMPv4EchoFields struct {
	Type     ICMPv4Type
	Ident    uint16
	Sequence uint16
}

// EncodeEcho writes an echo message with the given fields and payload into
// b, which must be exactly ICMPv4MinimumSize+len(payload) bytes, and fills
// in the checksum.
func (b ICMPv4) EncodeEcho(f *ICMPv4EchoFields, payload []byte) {
	b.SetType(f.Type)
	b.SetCode(0)
	b.SetIdent(f.Ident)
	b.SetSequence(f.Sequence)
	copy(b.Payload(), payload)
	b.SetChecksum(ICMPv4Checksum(b, b.Payload()))
}

// Type is the ICMP type field.
func (b ICMPv4) Type() ICMPv4Type { return ICMPv4Type(b[0]) }

// SetType sets the ICMP type field.
func (b ICMPv4) SetType(t ICMPv4Type) { b[0] = byte(t) }

// Code is the ICMP code field.
func (b ICMPv4) Code() byte { return b[1] }

// SetCode sets the ICMP code field.
func (b ICMPv4) SetCode(c byte) { b[1] = c }

// Checksum is the ICMP checksum field.
func (b ICMPv4) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[icmpv4ChecksumOffset:])
}

// SetChecksum sets the ICMP checksum field.
func (b ICMPv4) SetChecksum(checksum uint16) {
	binary.BigEndian.PutUint16(b[icmpv4ChecksumOffset:], checksum)
}

// Ident is the echo identifier.
func (b ICMPv4) Ident() uint16 {
	return binary.BigEndian.Uint16(b[icmpv4IdentOffset:])
}

// SetIdent sets the echo identifier.
func (b ICMPv4) SetIdent(ident uint16) {
	binary.BigEndian.PutUint16(b[icmpv4IdentOffset:], ident)
}

// Sequence is the echo sequence number.
func (b ICMPv4) Sequence() uint16 {
	return binary.BigEndian.Uint16(b[icmpv4SequenceOffset:])
}

// SetSequence sets the echo sequence number.
func (b ICMPv4) SetSequence(sequence uint16) {
	binary.BigEndian.PutUint16(b[icmpv4SequenceOffset:], sequence)
}

// ICMPv4Checksum calculates the ICMP checksum over the provided ICMP header
// and payload. The checksum field itself is treated as zero.
func ICMPv4Checksum(h ICMPv4, payload []byte) uint16 {
	var c checksum.Checksumer
	c.Add(h[:icmpv4ChecksumOffset])
	c.Add([]byte{0, 0})
	c.Add(h[icmpv4ChecksumOffset+checksum.Size : ICMPv4MinimumSize])
	c.Add(payload)
	return ^c.Checksum()
}

// Payload returns the bytes following the ICMP header.
func (b ICMPv4) Payload() []byte {
	return b[ICMPv4MinimumSize:]
}

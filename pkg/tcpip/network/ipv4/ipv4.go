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

// Package ipv4 contains the implementation of the ipv4 network protocol's
// receive path. To use it in the networking stack, pass ipv4.NewProtocol as
// one of the network protocols when calling stack.New.
//
// Every frame goes through the same checks, in order:
//
//  1. version is 4 and the header length is at least 5 words (rx_err);
//  2. the header checksum verifies (rx_crc_errors);
//  3. the total length is at least the header length and no more than what
//     was captured (rx_length_errors).
//
// A packet addressed to a local address is trimmed to its total length and
// handed to the transport protocol registered for its protocol field. Any
// other packet is re-sent unmodified through the NIC the route table selects,
// or dropped as a route miss. Loopback destinations take the same path.
package ipv4

import (
	"gvisor.dev/pktio/pkg/log"
	"gvisor.dev/pktio/pkg/tcpip"
	"gvisor.dev/pktio/pkg/tcpip/header"
	"gvisor.dev/pktio/pkg/tcpip/stack"
)

const (
	// ProtocolNumber is the ipv4 protocol number.
	ProtocolNumber = header.IPv4ProtocolNumber
)

// Validate checks the IPv4 header at the front of h, which holds every byte
// captured after the link header. It returns ErrMalformedHeader,
// ErrBadChecksum or ErrBadLength. h is unchanged when Validate returns.
func Validate(h header.IPv4) *tcpip.Error {
	if len(h) == 0 {
		return tcpip.ErrBadLength
	}
	if header.IPVersion(h) != header.IPv4Version || h.IHL() < header.IPv4MinimumIHL {
		return tcpip.ErrMalformedHeader
	}
	hlen := int(h.HeaderLength())
	if len(h) < hlen {
		// The checksum cannot be computed over bytes that were not
		// captured.
		return tcpip.ErrBadLength
	}
	if !h.VerifyChecksum() {
		return tcpip.ErrBadChecksum
	}
	if tlen := int(h.TotalLength()); tlen > len(h) || tlen < hlen {
		return tcpip.ErrBadLength
	}
	return nil
}

// countDrop increments the counter matching a Validate error.
func countDrop(stats *tcpip.NICStats, err *tcpip.Error) {
	switch err {
	case tcpip.ErrMalformedHeader:
		stats.RxErrors.Increment()
	case tcpip.ErrBadChecksum:
		stats.RxCRCErrors.Increment()
	case tcpip.ErrBadLength:
		stats.RxLengthErrors.Increment()
	}
}

type protocol struct {
	stack *stack.Stack
}

var _ stack.NetworkProtocol = (*protocol)(nil)

// NewProtocol returns an IPv4 network protocol.
func NewProtocol(s *stack.Stack) stack.NetworkProtocol {
	return &protocol{stack: s}
}

// Number returns the ipv4 protocol number.
func (*protocol) Number() tcpip.NetworkProtocolNumber {
	return ProtocolNumber
}

// HandlePacket implements stack.NetworkProtocol.HandlePacket.
func (p *protocol) HandlePacket(nic *stack.NIC, pkt *stack.PacketBuffer) {
	stats := nic.Stats()
	h := pkt.NetworkHeader()
	if err := Validate(h); err != nil {
		countDrop(stats, err)
		if log.IsLogging(log.Debug) {
			log.Debugf("%s: dropping IPv4 packet: %s", nic.Name(), err)
		}
		pkt.Release()
		return
	}

	dst := h.DestinationAddress()
	if _, local := p.stack.IsLocalAddress(dst); !local {
		p.forward(nic, pkt, dst)
		return
	}

	// Drop link-layer padding so that transport protocols see exactly the
	// datagram.
	pkt.CapNetwork(int(h.TotalLength()))

	proto := h.TransportProtocol()
	tp := p.stack.TransportProtocolInstance(proto)
	if tp == nil {
		stats.UnknownTransportProtocol.Increment()
		pkt.Release()
		return
	}
	stats.Delivered.Increment()
	tp.HandlePacket(nic, pkt)
}

// forward re-sends pkt, unmodified, through the NIC the route table selects
// for dst.
func (p *protocol) forward(nic *stack.NIC, pkt *stack.PacketBuffer, dst tcpip.Address) {
	stats := nic.Stats()
	egress, err := p.stack.FindRoute(dst)
	if err != nil {
		stats.RouteMisses.Increment()
		pkt.Release()
		return
	}
	if err := egress.Transmit(pkt); err != nil {
		// The egress driver counted the failure; the frame is still ours.
		if log.IsLogging(log.Debug) {
			log.Debugf("%s: forwarding to %s via %s failed: %s", nic.Name(), dst, egress.Name(), err)
		}
		pkt.Release()
		return
	}
	stats.Forwarded.Increment()
}

// NewPacket builds an Ethernet frame carrying an IPv4 packet with a payload of
// payloadLen bytes written by fill. TotalLength and the header checksum are
// computed; the rest of ip is encoded as given.
func NewPacket(eth header.EthernetFields, ip header.IPv4Fields, payloadLen int, fill func(payload []byte)) (*stack.PacketBuffer, *tcpip.Error) {
	const hdrLen = header.EthernetMinimumSize + header.IPv4MinimumSize
	if hdrLen+payloadLen > stack.MaxFrameSize {
		return nil, tcpip.ErrMessageTooLong
	}
	eth.Type = ProtocolNumber
	ip.TotalLength = uint16(header.IPv4MinimumSize + payloadLen)
	ip.Checksum = 0
	return stack.NewPacketBufferWith(hdrLen+payloadLen, func(b []byte) {
		header.Ethernet(b).Encode(&eth)
		h := header.IPv4(b[header.EthernetMinimumSize:])
		h.Encode(&ip)
		h.SetChecksum(^h.CalculateChecksum())
		fill(b[hdrLen:])
	})
}

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

// Package udp contains the receive side of the UDP transport protocol and a
// minimal sender. To use it in the networking stack, pass udp.NewProtocol as
// one of the transport protocols when calling stack.New, then bind handlers
// to local ports.
package udp

import (
	"sync"

	"gvisor.dev/pktio/pkg/log"
	"gvisor.dev/pktio/pkg/tcpip"
	"gvisor.dev/pktio/pkg/tcpip/header"
	"gvisor.dev/pktio/pkg/tcpip/network/ipv4"
	"gvisor.dev/pktio/pkg/tcpip/stack"
)

const (
	// ProtocolNumber is the udp protocol number.
	ProtocolNumber = header.UDPProtocolNumber
)

// Datagram is a received UDP datagram. Payload aliases the packet buffer and
// is only valid during the Handler call.
type Datagram struct {
	NIC     *stack.NIC
	SrcAddr tcpip.Address
	DstAddr tcpip.Address
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

// Handler consumes datagrams addressed to a bound port.
type Handler func(d Datagram)

// Protocol is the UDP transport protocol.
type Protocol struct {
	stack *stack.Stack

	mu sync.RWMutex
	// +checklocks:mu
	ports map[uint16]Handler
}

var _ stack.TransportProtocol = (*Protocol)(nil)

// NewProtocol returns a UDP transport protocol.
func NewProtocol(s *stack.Stack) stack.TransportProtocol {
	return &Protocol{
		stack: s,
		ports: make(map[uint16]Handler),
	}
}

// Number returns the udp protocol number.
func (*Protocol) Number() tcpip.TransportProtocolNumber {
	return ProtocolNumber
}

// Bind delivers datagrams addressed to port to h.
func (p *Protocol) Bind(port uint16, h Handler) *tcpip.Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.ports[port]; ok {
		return tcpip.ErrPortInUse
	}
	p.ports[port] = h
	return nil
}

// Unbind releases port.
func (p *Protocol) Unbind(port uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.ports, port)
}

// HandlePacket implements stack.TransportProtocol.HandlePacket.
func (p *Protocol) HandlePacket(nic *stack.NIC, pkt *stack.PacketBuffer) {
	defer pkt.Release()
	stats := &p.stack.Stats().UDP

	ip := pkt.NetworkHeader()
	hdr := header.UDP(pkt.TransportHeader())
	switch err := hdr.Validate(ip.SourceAddress(), ip.DestinationAddress()); err {
	case nil:
	case header.ErrUDPChecksum:
		stats.ChecksumErrors.Increment()
		return
	default:
		stats.MalformedPacketsReceived.Increment()
		return
	}

	p.mu.RLock()
	h, ok := p.ports[hdr.DestinationPort()]
	p.mu.RUnlock()
	if !ok {
		stats.UnknownPortErrors.Increment()
		if log.IsLogging(log.Debug) {
			log.Debugf("udp: no handler for %s:%d", ip.DestinationAddress(), hdr.DestinationPort())
		}
		return
	}
	stats.PacketsReceived.Increment()
	h(Datagram{
		NIC:     nic,
		SrcAddr: ip.SourceAddress(),
		DstAddr: ip.DestinationAddress(),
		SrcPort: hdr.SourcePort(),
		DstPort: hdr.DestinationPort(),
		Payload: hdr.Payload(),
	})
}

// SendTo builds a datagram and transmits it through nic. The destination link
// address is given explicitly since there is no neighbor resolution.
func (p *Protocol) SendTo(nic *stack.NIC, dstLink tcpip.LinkAddress, src, dst tcpip.Address, srcPort, dstPort uint16, payload []byte) *tcpip.Error {
	length := header.UDPMinimumSize + len(payload)
	if length > header.UDPMaximumSize {
		return tcpip.ErrMessageTooLong
	}
	pkt, err := ipv4.NewPacket(header.EthernetFields{
		SrcAddr: nic.LinkEndpoint().LinkAddress(),
		DstAddr: dstLink,
	}, header.IPv4Fields{
		TTL:      header.IPv4DefaultTTL,
		Protocol: uint8(ProtocolNumber),
		SrcAddr:  src,
		DstAddr:  dst,
	}, length, func(b []byte) {
		header.UDP(b).EncodeDatagram(&header.UDPFields{
			SrcPort: srcPort,
			DstPort: dstPort,
		}, src, dst, payload)
	})
	if err != nil {
		return err
	}
	if err := nic.Transmit(pkt); err != nil {
		pkt.Release()
		return err
	}
	return nil
}

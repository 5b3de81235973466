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

// Package icmp answers ICMPv4 echo requests and sends echo requests of its
// own. Replies are built in place on the received buffer and are rate
// limited.
package icmp

import (
	"sync"

	"golang.org/x/time/rate"
	"gvisor.dev/pktio/pkg/log"
	"gvisor.dev/pktio/pkg/tcpip"
	"gvisor.dev/pktio/pkg/tcpip/checksum"
	"gvisor.dev/pktio/pkg/tcpip/header"
	"gvisor.dev/pktio/pkg/tcpip/network/ipv4"
	"gvisor.dev/pktio/pkg/tcpip/stack"
)

const (
	// ProtocolNumber is the ICMPv4 protocol number.
	ProtocolNumber = header.ICMPv4ProtocolNumber

	// DefaultReplyLimit is the default number of echo replies per second.
	DefaultReplyLimit rate.Limit = 1000

	// DefaultReplyBurst is the default echo reply burst size.
	DefaultReplyBurst = 50
)

// Echo describes a received echo reply. Payload aliases the packet buffer and
// is only valid during the EchoHandler call.
type Echo struct {
	NIC      *stack.NIC
	SrcAddr  tcpip.Address
	Ident    uint16
	Sequence uint16
	Payload  []byte
}

// EchoHandler is called for every valid echo reply.
type EchoHandler func(e Echo)

// Protocol is the ICMPv4 transport protocol.
type Protocol struct {
	stack   *stack.Stack
	limiter *rate.Limiter

	mu sync.Mutex
	// +checklocks:mu
	onReply EchoHandler
}

var _ stack.TransportProtocol = (*Protocol)(nil)

// NewProtocol returns an ICMPv4 protocol using the default reply limits.
func NewProtocol(s *stack.Stack) stack.TransportProtocol {
	return NewProtocolWithLimit(DefaultReplyLimit, DefaultReplyBurst)(s)
}

// NewProtocolWithLimit returns a factory for an ICMPv4 protocol that sends at
// most limit echo replies per second, in bursts of up to burst.
func NewProtocolWithLimit(limit rate.Limit, burst int) stack.TransportProtocolFactory {
	return func(s *stack.Stack) stack.TransportProtocol {
		return &Protocol{
			stack:   s,
			limiter: rate.NewLimiter(limit, burst),
		}
	}
}

// Number returns the ICMPv4 protocol number.
func (*Protocol) Number() tcpip.TransportProtocolNumber {
	return ProtocolNumber
}

// SetEchoReplyHandler installs h as the consumer of echo replies. A nil h
// discards them.
func (p *Protocol) SetEchoReplyHandler(h EchoHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onReply = h
}

// HandlePacket implements stack.TransportProtocol.HandlePacket.
func (p *Protocol) HandlePacket(nic *stack.NIC, pkt *stack.PacketBuffer) {
	stats := &p.stack.Stats().ICMP
	b := pkt.TransportHeader()
	if len(b) < header.ICMPv4MinimumSize || !checksum.Valid(b) {
		stats.Invalid.Increment()
		pkt.Release()
		return
	}

	h := header.ICMPv4(b)
	switch h.Type() {
	case header.ICMPv4Echo:
		stats.EchoRequests.Increment()
		if !p.limiter.Allow() {
			stats.RateLimited.Increment()
			pkt.Release()
			return
		}
		p.reply(nic, pkt)

	case header.ICMPv4EchoReply:
		stats.EchoRepliesReceived.Increment()
		p.mu.Lock()
		onReply := p.onReply
		p.mu.Unlock()
		if onReply != nil {
			onReply(Echo{
				NIC:      nic,
				SrcAddr:  pkt.NetworkHeader().SourceAddress(),
				Ident:    h.Ident(),
				Sequence: h.Sequence(),
				Payload:  h.Payload(),
			})
		}
		pkt.Release()

	default:
		stats.Other.Increment()
		pkt.Release()
	}
}

// reply turns the echo request in pkt into an echo reply and sends it back
// out of nic.
func (p *Protocol) reply(nic *stack.NIC, pkt *stack.PacketBuffer) {
	eth := pkt.LinkHeader()
	eth.Encode(&header.EthernetFields{
		SrcAddr: nic.LinkEndpoint().LinkAddress(),
		DstAddr: eth.SourceAddress(),
		Type:    ipv4.ProtocolNumber,
	})

	ip := pkt.NetworkHeader()
	src, dst := ip.SourceAddress(), ip.DestinationAddress()
	ip.SetSourceAddress(dst)
	ip.SetDestinationAddress(src)
	ip.SetChecksum(0)
	ip.SetChecksum(^ip.CalculateChecksum())

	h := header.ICMPv4(pkt.TransportHeader())
	h.SetType(header.ICMPv4EchoReply)
	h.SetCode(0)
	h.SetChecksum(header.ICMPv4Checksum(h, h.Payload()))

	if err := nic.Transmit(pkt); err != nil {
		if log.IsLogging(log.Debug) {
			log.Debugf("%s: echo reply to %s not sent: %s", nic.Name(), src, err)
		}
		pkt.Release()
		return
	}
	p.stack.Stats().ICMP.EchoRepliesSent.Increment()
}

// SendEcho transmits an echo request from src to dst through nic.
func (p *Protocol) SendEcho(nic *stack.NIC, dstLink tcpip.LinkAddress, src, dst tcpip.Address, ident, seq uint16, payload []byte) *tcpip.Error {
	pkt, err := ipv4.NewPacket(header.EthernetFields{
		SrcAddr: nic.LinkEndpoint().LinkAddress(),
		DstAddr: dstLink,
	}, header.IPv4Fields{
		TTL:      header.IPv4DefaultTTL,
		Protocol: uint8(ProtocolNumber),
		SrcAddr:  src,
		DstAddr:  dst,
	}, header.ICMPv4MinimumSize+len(payload), func(b []byte) {
		header.ICMPv4(b).EncodeEcho(&header.ICMPv4EchoFields{
			Type:     header.ICMPv4Echo,
			Ident:    ident,
			Sequence: seq,
		}, payload)
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

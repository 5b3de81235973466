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

package stack

import (
	"gvisor.dev/pktio/pkg/tcpip"
)

// TransportProtocol is the interface that needs to be implemented by transport
// protocols (e.g., udp) that want to be part of the networking stack.
type TransportProtocol interface {
	// Number returns the transport protocol number.
	Number() tcpip.TransportProtocolNumber

	// HandlePacket is called by the network protocol with a validated packet
	// addressed to a local address. pkt.NetworkHeader is a valid IPv4 header
	// whose total length matches the packet. The protocol takes ownership of
	// pkt.
	HandlePacket(nic *NIC, pkt *PacketBuffer)
}

// NetworkProtocol is the interface that needs to be implemented by network
// protocols (e.g., ipv4) that want to be part of the networking stack.
type NetworkProtocol interface {
	// Number returns the network protocol number.
	Number() tcpip.NetworkProtocolNumber

	// HandlePacket processes one frame whose link header has been removed.
	// The protocol takes ownership of pkt.
	HandlePacket(nic *NIC, pkt *PacketBuffer)
}

// NetworkDispatcher contains the methods used by the network stack to deliver
// packets to the appropriate network endpoint after it has been handled by
// the data link layer.
type NetworkDispatcher interface {
	// DeliverNetworkPacket takes ownership of a received frame. It never
	// blocks and may be called from interrupt context.
	DeliverNetworkPacket(pkt *PacketBuffer)
}

// LinkEndpoint is the interface implemented by data link layer drivers and
// used by network layer protocols to send frames out through the
// implementer's device.
type LinkEndpoint interface {
	// MTU is the maximum transmission unit for this endpoint, link header
	// excluded.
	MTU() uint32

	// LinkAddress returns the link address (typically a MAC) of the
	// link endpoint.
	LinkAddress() tcpip.LinkAddress

	// SetLinkAddress programs a new link address into the device.
	SetLinkAddress(addr tcpip.LinkAddress) *tcpip.Error

	// Start brings the device up. Start is idempotent.
	Start() *tcpip.Error

	// Transmit sends one complete frame. On success the endpoint takes
	// ownership of pkt; on error the caller keeps it.
	Transmit(pkt *PacketBuffer) *tcpip.Error

	// Attach attaches the data link layer endpoint to the network-layer
	// dispatcher of the stack.
	Attach(dispatcher NetworkDispatcher)

	// IsAttached returns whether a NetworkDispatcher is attached to the
	// endpoint.
	IsAttached() bool

	// Stats returns the endpoint's counters. The same block is updated by
	// the receive pipeline for frames that arrived on this endpoint.
	Stats() *tcpip.NICStats
}

// TransportProtocolFactory functions are used by the stack to instantiate
// transport protocols.
type TransportProtocolFactory func(*Stack) TransportProtocol

// NetworkProtocolFactory instantiates a network protocol.
type NetworkProtocolFactory func(*Stack) NetworkProtocol

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
	"sync"

	"gvisor.dev/pktio/pkg/log"
	"gvisor.dev/pktio/pkg/tcpip"
	"gvisor.dev/pktio/pkg/tcpip/header"
)

// NIC represents a "network interface card" to which the networking stack is
// attached.
type NIC struct {
	stack  *Stack
	id     tcpip.NICID
	name   string
	linkEP LinkEndpoint

	mu sync.RWMutex
	// +checklocks:mu
	addresses map[tcpip.Address]struct{}
}

func newNIC(stack *Stack, id tcpip.NICID, name string, ep LinkEndpoint) *NIC {
	return &NIC{
		stack:     stack,
		id:        id,
		name:      name,
		linkEP:    ep,
		addresses: make(map[tcpip.Address]struct{}),
	}
}

// ID returns the identifier of n.
func (n *NIC) ID() tcpip.NICID {
	return n.id
}

// Name returns the name of n.
func (n *NIC) Name() string {
	return n.name
}

// LinkEndpoint returns the link endpoint of n.
func (n *NIC) LinkEndpoint() LinkEndpoint {
	return n.linkEP
}

// Stats returns the counters of n.
func (n *NIC) Stats() *tcpip.NICStats {
	return n.linkEP.Stats()
}

// Transmit sends a complete frame out through n. Ownership follows
// LinkEndpoint.Transmit.
func (n *NIC) Transmit(pkt *PacketBuffer) *tcpip.Error {
	return n.linkEP.Transmit(pkt)
}

// Addresses returns the addresses assigned to n.
func (n *NIC) Addresses() []tcpip.Address {
	n.mu.RLock()
	defer n.mu.RUnlock()
	addrs := make([]tcpip.Address, 0, len(n.addresses))
	for a := range n.addresses {
		addrs = append(addrs, a)
	}
	return addrs
}

func (n *NIC) addAddress(addr tcpip.Address) *tcpip.Error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.addresses[addr]; ok {
		return tcpip.ErrDuplicateAddress
	}
	n.addresses[addr] = struct{}{}
	return nil
}

func (n *NIC) removeAddress(addr tcpip.Address) *tcpip.Error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.addresses[addr]; !ok {
		return tcpip.ErrBadLocalAddress
	}
	delete(n.addresses, addr)
	return nil
}

func (n *NIC) hasAddress(addr tcpip.Address) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.addresses[addr]
	return ok
}

// DeliverNetworkPacket implements NetworkDispatcher.DeliverNetworkPacket. The
// frame is queued for the stack's processing loop; when the queue is full it
// is dropped and counted.
func (n *NIC) DeliverNetworkPacket(pkt *PacketBuffer) {
	pkt.nic = n
	select {
	case n.stack.inbound <- pkt:
	default:
		n.Stats().RxDropped.Increment()
		pkt.Release()
	}
}

// handleFrame demultiplexes one queued frame by EtherType.
func (n *NIC) handleFrame(pkt *PacketBuffer) {
	stats := n.Stats()
	if pkt.Size() < header.EthernetMinimumSize {
		stats.RxErrors.Increment()
		pkt.Release()
		return
	}
	eth := header.Ethernet(pkt.Data())
	proto, ok := n.stack.networkProtocols[eth.Type()]
	if !ok {
		stats.UnknownNetworkProtocol.Increment()
		if log.IsLogging(log.Debug) {
			log.Debugf("%s: dropping frame with EtherType %#04x", n.name, eth.Type())
		}
		pkt.Release()
		return
	}
	pkt.SetLinkHeaderSize(header.EthernetMinimumSize)
	proto.HandlePacket(n, pkt)
}

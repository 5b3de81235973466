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

// Package stack provides the glue between networking protocols and the
// consumers of the networking stack.
//
// Drivers deliver received frames from interrupt context through
// NetworkDispatcher.DeliverNetworkPacket. The frames are queued and
// processed, one at a time and in arrival order, by a single consumer: either
// Run on a dedicated goroutine or Poll called by the owner.
package stack

import (
	"context"
	"fmt"
	"sync"

	"gvisor.dev/pktio/pkg/log"
	"gvisor.dev/pktio/pkg/tcpip"
)

// DefaultQueueLength is the default capacity of the inbound frame queue.
const DefaultQueueLength = 256

// Options contains optional Stack configuration.
type Options struct {
	// NetworkProtocols lists the network protocols to enable.
	NetworkProtocols []NetworkProtocolFactory

	// TransportProtocols lists the transport protocols to enable.
	TransportProtocols []TransportProtocolFactory

	// QueueLength is the capacity of the inbound frame queue. Frames
	// delivered while it is full are dropped and counted as rx_dropped.
	// DefaultQueueLength is used if zero.
	QueueLength int
}

// Stack is a networking stack, with all supported protocols, NICs, and route
// table.
type Stack struct {
	networkProtocols   map[tcpip.NetworkProtocolNumber]NetworkProtocol
	transportProtocols map[tcpip.TransportProtocolNumber]TransportProtocol

	inbound chan *PacketBuffer

	routes *RouteTable

	stats tcpip.Stats

	mu sync.RWMutex
	// +checklocks:mu
	nics map[tcpip.NICID]*NIC
}

// New allocates a new networking stack with only the requested networking and
// transport protocols configured.
func New(opts Options) *Stack {
	queueLength := opts.QueueLength
	if queueLength <= 0 {
		queueLength = DefaultQueueLength
	}
	s := &Stack{
		networkProtocols:   make(map[tcpip.NetworkProtocolNumber]NetworkProtocol),
		transportProtocols: make(map[tcpip.TransportProtocolNumber]TransportProtocol),
		inbound:            make(chan *PacketBuffer, queueLength),
		routes:             NewRouteTable(),
		nics:               make(map[tcpip.NICID]*NIC),
	}

	// Add specified network protocols.
	for _, netProtoFactory := range opts.NetworkProtocols {
		netProto := netProtoFactory(s)
		s.networkProtocols[netProto.Number()] = netProto
	}

	// Add specified transport protocols.
	for _, transProtoFactory := range opts.TransportProtocols {
		transProto := transProtoFactory(s)
		s.transportProtocols[transProto.Number()] = transProto
	}

	return s
}

// Stats returns the stack-wide counters.
func (s *Stack) Stats() *tcpip.Stats {
	return &s.stats
}

// NetworkProtocolInstance returns the protocol instance in the stack for the
// specified network protocol. This method is public for protocol
// implementers and tests to use.
func (s *Stack) NetworkProtocolInstance(num tcpip.NetworkProtocolNumber) NetworkProtocol {
	return s.networkProtocols[num]
}

// TransportProtocolInstance returns the protocol instance in the stack for
// the specified transport protocol, or nil if none is registered.
func (s *Stack) TransportProtocolInstance(num tcpip.TransportProtocolNumber) TransportProtocol {
	return s.transportProtocols[num]
}

// CreateNIC creates a NIC with the provided id and link-layer endpoint and
// attaches the endpoint to it.
func (s *Stack) CreateNIC(id tcpip.NICID, name string, ep LinkEndpoint) *tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Make sure id is unique.
	if _, ok := s.nics[id]; ok {
		return tcpip.ErrDuplicateNICID
	}
	if name == "" {
		name = fmt.Sprintf("nic%d", id)
	}
	n := newNIC(s, id, name, ep)
	s.nics[id] = n
	ep.Attach(n)
	return nil
}

// NIC returns the NIC with the given id.
func (s *Stack) NIC(id tcpip.NICID) (*NIC, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nics[id]
	return n, ok
}

// NICs returns every NIC of the stack.
func (s *Stack) NICs() map[tcpip.NICID]*NIC {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nics := make(map[tcpip.NICID]*NIC, len(s.nics))
	for id, n := range s.nics {
		nics[id] = n
	}
	return nics
}

// AddAddress adds a new network-layer address to the specified NIC.
func (s *Stack) AddAddress(id tcpip.NICID, addr tcpip.Address) *tcpip.Error {
	if len(addr) != tcpip.AddressSize {
		return tcpip.ErrBadLocalAddress
	}
	n, ok := s.NIC(id)
	if !ok {
		return tcpip.ErrUnknownNICID
	}
	return n.addAddress(addr)
}

// RemoveAddress removes an existing network-layer address from the specified
// NIC.
func (s *Stack) RemoveAddress(id tcpip.NICID, addr tcpip.Address) *tcpip.Error {
	n, ok := s.NIC(id)
	if !ok {
		return tcpip.ErrUnknownNICID
	}
	return n.removeAddress(addr)
}

// IsLocalAddress reports whether addr is assigned to any NIC, and which.
func (s *Stack) IsLocalAddress(addr tcpip.Address) (tcpip.NICID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, n := range s.nics {
		if n.hasAddress(addr) {
			return id, true
		}
	}
	return 0, false
}

// SetRouteTable assigns the route table to be used by this stack.
func (s *Stack) SetRouteTable(table []tcpip.Route) {
	s.routes.Set(table)
}

// GetRouteTable returns the route table which is currently in use.
func (s *Stack) GetRouteTable() []tcpip.Route {
	return s.routes.Routes()
}

// AddRoute appends a route to the route table.
func (s *Stack) AddRoute(route tcpip.Route) {
	s.routes.Add(route)
}

// RemoveRoutes removes matching routes from the route table and returns how
// many were removed.
func (s *Stack) RemoveRoutes(match func(tcpip.Route) bool) int {
	return s.routes.Remove(match)
}

// FindRoute returns the egress NIC for remoteAddr.
func (s *Stack) FindRoute(remoteAddr tcpip.Address) (*NIC, *tcpip.Error) {
	r, ok := s.routes.Lookup(remoteAddr)
	if !ok {
		return nil, tcpip.ErrNoRoute
	}
	n, ok := s.NIC(r.NIC)
	if !ok {
		log.Warningf("route %s names missing NIC %d", r, r.NIC)
		return nil, tcpip.ErrNoRoute
	}
	return n, nil
}

// Run processes queued frames until ctx is done.
func (s *Stack) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt := <-s.inbound:
			s.process(pkt)
		}
	}
}

// Poll processes every frame queued so far and returns how many it handled.
// It never blocks.
func (s *Stack) Poll() int {
	n := 0
	for {
		select {
		case pkt := <-s.inbound:
			s.process(pkt)
			n++
		default:
			return n
		}
	}
}

// Queued returns the number of frames waiting to be processed.
func (s *Stack) Queued() int {
	return len(s.inbound)
}

func (s *Stack) process(pkt *PacketBuffer) {
	nic := pkt.nic
	if nic == nil {
		s.stats.UnknownNICID.Increment()
		pkt.Release()
		return
	}
	nic.handleFrame(pkt)
}

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

// Package channel provides a link endpoint backed by a Go channel. Frames the
// stack transmits are queued for the test to read, and frames the test
// injects are handed to the stack. It stands in for a NIC driver in tests.
package channel

import (
	"context"
	"sync"

	"gvisor.dev/pktio/pkg/tcpip"
	"gvisor.dev/pktio/pkg/tcpip/stack"
)

// Endpoint is a link endpoint that stores outbound frames in a channel and
// allows injection of inbound frames.
type Endpoint struct {
	mtu   uint32
	stats tcpip.NICStats

	// c holds transmitted frames until they are read. It is never closed.
	c chan *stack.PacketBuffer

	mu sync.RWMutex
	// +checklocks:mu
	dispatcher stack.NetworkDispatcher
	// +checklocks:mu
	linkAddr tcpip.LinkAddress
	// +checklocks:mu
	closed bool
}

var _ stack.LinkEndpoint = (*Endpoint)(nil)

// New returns an endpoint that queues up to size transmitted frames.
func New(size int, mtu uint32, linkAddr tcpip.LinkAddress) *Endpoint {
	return &Endpoint{
		mtu:      mtu,
		c:        make(chan *stack.PacketBuffer, size),
		linkAddr: linkAddr,
	}
}

// Close releases the queued frames. Later transmits fail with
// ErrInvalidEndpointState.
func (e *Endpoint) Close() {
	e.mu.Lock()
	closed := e.closed
	e.closed = true
	e.mu.Unlock()
	if !closed {
		e.Drain()
	}
}

// Read removes one transmitted frame without blocking. The caller owns the
// returned PacketBuffer.
func (e *Endpoint) Read() (*stack.PacketBuffer, bool) {
	select {
	case pkt := <-e.c:
		return pkt, true
	default:
		return nil, false
	}
}

// ReadContext waits for a transmitted frame. It returns false if ctx is done
// first.
func (e *Endpoint) ReadContext(ctx context.Context) (*stack.PacketBuffer, bool) {
	select {
	case pkt := <-e.c:
		return pkt, true
	case <-ctx.Done():
		return nil, false
	}
}

// Drain releases all queued frames and returns how many there were.
func (e *Endpoint) Drain() int {
	n := 0
	for {
		pkt, ok := e.Read()
		if !ok {
			return n
		}
		pkt.Release()
		n++
	}
}

// NumQueued returns the number of transmitted frames not yet read.
func (e *Endpoint) NumQueued() int {
	return len(e.c)
}

// InjectInbound hands a copy of frame to the attached dispatcher.
func (e *Endpoint) InjectInbound(frame []byte) *tcpip.Error {
	e.mu.RLock()
	d := e.dispatcher
	e.mu.RUnlock()
	if d == nil {
		return tcpip.ErrInvalidEndpointState
	}
	pkt, err := stack.NewPacketBuffer(frame)
	if err != nil {
		e.stats.RxErrors.Increment()
		return err
	}
	e.stats.RxPackets.Increment()
	d.DeliverNetworkPacket(pkt)
	return nil
}

// Attach implements stack.LinkEndpoint.Attach.
func (e *Endpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatcher = dispatcher
}

// IsAttached implements stack.LinkEndpoint.IsAttached.
func (e *Endpoint) IsAttached() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dispatcher != nil
}

// MTU implements stack.LinkEndpoint.MTU.
func (e *Endpoint) MTU() uint32 {
	return e.mtu
}

// LinkAddress implements stack.LinkEndpoint.LinkAddress.
func (e *Endpoint) LinkAddress() tcpip.LinkAddress {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.linkAddr
}

// SetLinkAddress implements stack.LinkEndpoint.SetLinkAddress.
func (e *Endpoint) SetLinkAddress(addr tcpip.LinkAddress) *tcpip.Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.linkAddr = addr
	return nil
}

// Start implements stack.LinkEndpoint.Start. There is no device to reset.
func (*Endpoint) Start() *tcpip.Error {
	return nil
}

// Stats implements stack.LinkEndpoint.Stats.
func (e *Endpoint) Stats() *tcpip.NICStats {
	return &e.stats
}

// Transmit queues pkt for Read. It fails with ErrNoBufferSpace when the queue
// is full, in which case the caller keeps ownership of pkt.
func (e *Endpoint) Transmit(pkt *stack.PacketBuffer) *tcpip.Error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return tcpip.ErrInvalidEndpointState
	}
	e.stats.TxAttempts.Increment()
	select {
	case e.c <- pkt:
		e.stats.TxPackets.Increment()
		return nil
	default:
		e.stats.TxRingFull.Increment()
		return tcpip.ErrNoBufferSpace
	}
}

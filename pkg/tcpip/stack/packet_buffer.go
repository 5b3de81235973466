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
	"fmt"
	"sync"

	"gvisor.dev/pktio/pkg/tcpip"
	"gvisor.dev/pktio/pkg/tcpip/header"
)

// MaxFrameSize is the capacity of every PacketBuffer. It covers the largest
// Ethernet frame a receive descriptor can describe.
const MaxFrameSize = 2048

type frameStorage [MaxFrameSize]byte

var storagePool = sync.Pool{
	New: func() any {
		return new(frameStorage)
	},
}

// A PacketBuffer holds one frame while it moves between the driver, the
// network protocol and a transport protocol.
//
// Exactly one party owns a PacketBuffer at a time. Handing it to another
// layer (DeliverNetworkPacket, HandlePacket, or a successful Transmit)
// transfers ownership; the final owner calls Release. Using a PacketBuffer
// after Release, or releasing it twice, panics.
type PacketBuffer struct {
	storage *frameStorage

	// size is the number of used bytes in storage.
	size int

	// linkHeaderSize is the number of bytes at the front of the frame that
	// belong to the link header. It is set once the frame has been
	// demultiplexed.
	linkHeaderSize int

	// nic is the interface the frame arrived on. It does not keep the NIC
	// alive.
	nic *NIC

	released bool
}

// NewPacketBuffer returns a PacketBuffer holding a copy of data.
func NewPacketBuffer(data []byte) (*PacketBuffer, *tcpip.Error) {
	if len(data) > MaxFrameSize {
		return nil, tcpip.ErrMessageTooLong
	}
	pkt := &PacketBuffer{
		storage: storagePool.Get().(*frameStorage),
		size:    len(data),
	}
	copy(pkt.storage[:], data)
	return pkt, nil
}

// NewPacketBufferWith returns a PacketBuffer of n bytes filled in by fill. It
// lets a driver copy straight out of DMA memory into the buffer.
func NewPacketBufferWith(n int, fill func(b []byte)) (*PacketBuffer, *tcpip.Error) {
	if n < 0 || n > MaxFrameSize {
		return nil, tcpip.ErrMessageTooLong
	}
	pkt := &PacketBuffer{
		storage: storagePool.Get().(*frameStorage),
		size:    n,
	}
	fill(pkt.storage[:n])
	return pkt, nil
}

func (pkt *PacketBuffer) checkLive() {
	if pkt.released {
		panic("use of released PacketBuffer")
	}
}

// Size returns the number of bytes in the frame.
func (pkt *PacketBuffer) Size() int {
	pkt.checkLive()
	return pkt.size
}

// Data returns the whole frame, link header included. The slice is valid until
// the PacketBuffer is released.
func (pkt *PacketBuffer) Data() []byte {
	pkt.checkLive()
	return pkt.storage[:pkt.size]
}

// LinkHeader returns the Ethernet header of the frame.
func (pkt *PacketBuffer) LinkHeader() header.Ethernet {
	pkt.checkLive()
	return header.Ethernet(pkt.storage[:pkt.linkHeaderSize])
}

// NetworkHeader returns the bytes following the link header. Callers must
// validate it before using the accessors of header.IPv4.
func (pkt *PacketBuffer) NetworkHeader() header.IPv4 {
	pkt.checkLive()
	return header.IPv4(pkt.storage[pkt.linkHeaderSize:pkt.size])
}

// TransportHeader returns the bytes following the IPv4 header. It must only
// be called once the network header has been validated.
func (pkt *PacketBuffer) TransportHeader() []byte {
	ip := pkt.NetworkHeader()
	return ip[ip.HeaderLength():]
}

// SetLinkHeaderSize records how many leading bytes form the link header.
func (pkt *PacketBuffer) SetLinkHeaderSize(n int) {
	pkt.checkLive()
	if n < 0 || n > pkt.size {
		panic(fmt.Sprintf("link header size %d outside frame of %d bytes", n, pkt.size))
	}
	pkt.linkHeaderSize = n
}

// CapNetwork trims the frame so that the network packet is exactly n bytes,
// dropping trailing link-layer padding.
func (pkt *PacketBuffer) CapNetwork(n int) {
	pkt.checkLive()
	if end := pkt.linkHeaderSize + n; end < pkt.size {
		pkt.size = end
	}
}

// NIC returns the interface the packet arrived on, or nil for locally built
// packets.
func (pkt *PacketBuffer) NIC() *NIC {
	pkt.checkLive()
	return pkt.nic
}

// Release returns the buffer's storage. pkt must not be used afterwards.
func (pkt *PacketBuffer) Release() {
	pkt.checkLive()
	pkt.released = true
	storage := pkt.storage
	pkt.storage = nil
	pkt.nic = nil
	storagePool.Put(storage)
}

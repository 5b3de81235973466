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

// Package sniffer provides a link-layer endpoint that wraps another endpoint
// and logs the frames it sends and receives.
//
// Sniffer endpoints are used by creating the lower endpoint, wrapping it with
// New or NewWithWriter and passing the result to Stack.CreateNIC.
package sniffer

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"gvisor.dev/pktio/pkg/log"
	"gvisor.dev/pktio/pkg/tcpip"
	"gvisor.dev/pktio/pkg/tcpip/header"
	"gvisor.dev/pktio/pkg/tcpip/stack"
)

// Endpoint logs frames crossing the endpoint it wraps.
type Endpoint struct {
	stack.LinkEndpoint

	// dispatcher is set once by Attach.
	dispatcher stack.NetworkDispatcher

	// records queues frames for the pcap writer goroutine. It is nil when
	// frames are logged instead. Frames are received in interrupt context,
	// so they are never written out inline.
	records chan record
	done    chan struct{}
	pcap    *pcapWriter

	// mu guards sends on records against Close.
	mu sync.RWMutex
	// +checklocks:mu
	closed bool

	dropped atomic.Uint64

	// failures limits how often capture problems are logged.
	failures log.Logger
}

// record is a frame waiting to be written to the capture.
type record struct {
	at    time.Time
	frame []byte
}

// recordQueueLen is how many frames may wait for the capture writer before
// frames are dropped from the capture.
const recordQueueLen = 256

var _ stack.LinkEndpoint = (*Endpoint)(nil)
var _ stack.NetworkDispatcher = (*Endpoint)(nil)

// New creates a new sniffer link-layer endpoint. It wraps around another
// endpoint and logs a one-line summary of every frame through the log
// package.
func New(lower stack.LinkEndpoint) *Endpoint {
	return &Endpoint{LinkEndpoint: lower}
}

// NewWithWriter creates a new sniffer link-layer endpoint. It wraps around
// another endpoint and records frames as they traverse the endpoint.
//
// Frames are written to writer in the pcap format. A sniffer created with
// this function does not log frames through the log package.
//
// snapLen is the maximum amount of a frame to be saved. Longer frames are
// truncated to snapLen.
func NewWithWriter(lower stack.LinkEndpoint, writer io.Writer, snapLen uint32) (*Endpoint, error) {
	pcap, err := newPCAPWriter(writer, snapLen)
	if err != nil {
		return nil, err
	}
	e := &Endpoint{
		LinkEndpoint: lower,
		records:      make(chan record, recordQueueLen),
		done:         make(chan struct{}),
		pcap:         pcap,
		failures:     log.BasicRateLimitedLogger(time.Minute),
	}
	go e.writeRecords()
	return e, nil
}

func (e *Endpoint) writeRecords() {
	defer close(e.done)
	for r := range e.records {
		if err := e.pcap.writeRecord(r.at, r.frame); err != nil {
			e.failures.Warningf("writing pcap record: %v", err)
		}
	}
}

// Close stops capturing and returns once every queued frame has been
// written. Frames sent or received afterwards are passed on but not
// captured. Close does not close the wrapped endpoint.
func (e *Endpoint) Close() {
	if e.records == nil {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.records)
	e.mu.Unlock()
	<-e.done
}

// Dropped returns the number of frames left out of the capture because the
// writer fell behind.
func (e *Endpoint) Dropped() uint64 {
	return e.dropped.Load()
}

// Attach implements stack.LinkEndpoint.Attach. The sniffer interposes itself
// between the lower endpoint and dispatcher.
func (e *Endpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.dispatcher = dispatcher
	e.LinkEndpoint.Attach(e)
}

// DeliverNetworkPacket implements stack.NetworkDispatcher. It is called by
// the wrapped endpoint when a frame arrives, and logs the frame before
// passing it on.
func (e *Endpoint) DeliverNetworkPacket(pkt *stack.PacketBuffer) {
	e.dumpFrame("recv", pkt.Data())
	e.dispatcher.DeliverNetworkPacket(pkt)
}

// Transmit implements stack.LinkEndpoint.Transmit. The frame is logged before
// it is handed to the wrapped endpoint, which may release it.
func (e *Endpoint) Transmit(pkt *stack.PacketBuffer) *tcpip.Error {
	e.dumpFrame("send", pkt.Data())
	return e.LinkEndpoint.Transmit(pkt)
}

func (e *Endpoint) dumpFrame(prefix string, frame []byte) {
	if e.records == nil {
		LogFrame(prefix, frame)
		return
	}
	r := record{at: time.Now(), frame: bytes.Clone(frame)}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.records <- r:
	default:
		e.dropped.Add(1)
		e.failures.Warningf("capture writer is behind, dropping frames")
	}
}

// LogFrame logs a one-line summary of an Ethernet frame.
func LogFrame(prefix string, frame []byte) {
	if !log.IsLogging(log.Info) {
		return
	}
	log.Infof("%s %s", prefix, Summarize(frame))
}

// Summarize describes an Ethernet frame in one line.
func Summarize(frame []byte) string {
	if len(frame) < header.EthernetMinimumSize {
		return fmt.Sprintf("runt frame len:%d", len(frame))
	}
	eth := header.Ethernet(frame)
	if eth.Type() != header.IPv4ProtocolNumber {
		return fmt.Sprintf("%s -> %s unknown network protocol 0x%04x len:%d", eth.SourceAddress(), eth.DestinationAddress(), eth.Type(), len(frame))
	}

	ip := header.IPv4(frame[header.EthernetMinimumSize:])
	if !ip.IsValid(len(ip)) {
		return fmt.Sprintf("%s -> %s invalid ipv4 packet len:%d", eth.SourceAddress(), eth.DestinationAddress(), len(ip))
	}
	src, dst := ip.SourceAddress(), ip.DestinationAddress()
	size := ip.TotalLength() - uint16(ip.HeaderLength())
	id := ip.ID()
	payload := ip[ip.HeaderLength():ip.TotalLength()]
	fragmentOffset := ip.FragmentOffset()

	// Figure out the transport layer info.
	transName := "unknown"
	srcPort := uint16(0)
	dstPort := uint16(0)
	details := ""
	switch ip.TransportProtocol() {
	case header.ICMPv4ProtocolNumber:
		transName = "icmp"
		if len(payload) < header.ICMPv4MinimumSize {
			break
		}
		icmp := header.ICMPv4(payload)
		icmpType := "unknown"
		if fragmentOffset == 0 {
			icmpType = icmp.Type().String()
		}
		return fmt.Sprintf("%s %s -> %s %s len:%d id:%04x code:%d", transName, src, dst, icmpType, size, id, icmp.Code())

	case header.UDPProtocolNumber:
		transName = "udp"
		if len(payload) < header.UDPMinimumSize {
			break
		}
		udp := header.UDP(payload)
		if fragmentOffset == 0 {
			srcPort = udp.SourcePort()
			dstPort = udp.DestinationPort()
			details = fmt.Sprintf("xsum: 0x%x", udp.Checksum())
			size -= header.UDPMinimumSize
		}

	default:
		return fmt.Sprintf("%s -> %s unknown transport protocol: %d", src, dst, ip.Protocol())
	}

	return fmt.Sprintf("%s %s:%d -> %s:%d len:%d id:%04x %s", transName, src, srcPort, dst, dstPort, size, id, details)
}

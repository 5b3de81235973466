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

package icmp_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"
	"gvisor.dev/pktio/pkg/tcpip"
	"gvisor.dev/pktio/pkg/tcpip/checksum"
	"gvisor.dev/pktio/pkg/tcpip/header"
	"gvisor.dev/pktio/pkg/tcpip/link/channel"
	"gvisor.dev/pktio/pkg/tcpip/network/ipv4"
	"gvisor.dev/pktio/pkg/tcpip/stack"
	"gvisor.dev/pktio/pkg/tcpip/transport/icmp"
)

const (
	localLinkAddr  = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x01")
	remoteLinkAddr = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x02")
)

var (
	localAddr  = tcpip.AddrFrom4([4]byte{10, 0, 0, 1})
	remoteAddr = tcpip.AddrFrom4([4]byte{10, 0, 0, 2})
)

type testContext struct {
	t     *testing.T
	s     *stack.Stack
	ep    *channel.Endpoint
	nic   *stack.NIC
	proto *icmp.Protocol
}

func newTestContext(t *testing.T, factory stack.TransportProtocolFactory) *testContext {
	t.Helper()
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{factory},
	})
	ep := channel.New(4, 1500, localLinkAddr)
	t.Cleanup(ep.Close)
	if err := s.CreateNIC(1, "", ep); err != nil {
		t.Fatalf("CreateNIC = %s", err)
	}
	if err := s.AddAddress(1, localAddr); err != nil {
		t.Fatalf("AddAddress = %s", err)
	}
	nic, _ := s.NIC(1)
	return &testContext{
		t:     t,
		s:     s,
		ep:    ep,
		nic:   nic,
		proto: s.TransportProtocolInstance(icmp.ProtocolNumber).(*icmp.Protocol),
	}
}

// echoFrame builds an echo request from the remote host to the local one.
func echoFrame(t *testing.T, typ header.ICMPv4Type, seq uint16, payload []byte) []byte {
	t.Helper()
	pkt, err := ipv4.NewPacket(header.EthernetFields{
		SrcAddr: remoteLinkAddr,
		DstAddr: localLinkAddr,
	}, header.IPv4Fields{
		TTL:      header.IPv4DefaultTTL,
		Protocol: uint8(icmp.ProtocolNumber),
		SrcAddr:  remoteAddr,
		DstAddr:  localAddr,
	}, header.ICMPv4MinimumSize+len(payload), func(b []byte) {
		header.ICMPv4(b).EncodeEcho(&header.ICMPv4EchoFields{
			Type:     typ,
			Ident:    0x1234,
			Sequence: seq,
		}, payload)
	})
	if err != nil {
		t.Fatalf("NewPacket = %s", err)
	}
	defer pkt.Release()
	return append([]byte(nil), pkt.Data()...)
}

func (c *testContext) inject(frame []byte) {
	c.t.Helper()
	if err := c.ep.InjectInbound(frame); err != nil {
		c.t.Fatalf("InjectInbound = %s", err)
	}
	c.s.Poll()
}

func TestEchoReply(t *testing.T) {
	c := newTestContext(t, icmp.NewProtocol)
	payload := []byte("abcdefghijklmnopq")
	c.inject(echoFrame(t, header.ICMPv4Echo, 7, payload))

	pkt, ok := c.ep.Read()
	if !ok {
		t.Fatalf("no echo reply transmitted")
	}
	defer pkt.Release()
	frame := pkt.Data()

	eth := header.Ethernet(frame)
	if got, want := eth.SourceAddress(), localLinkAddr; got != want {
		t.Errorf("reply source MAC = %s, want %s", got, want)
	}
	if got, want := eth.DestinationAddress(), remoteLinkAddr; got != want {
		t.Errorf("reply destination MAC = %s, want %s", got, want)
	}
	ip := header.IPv4(frame[header.EthernetMinimumSize:])
	if err := ipv4.Validate(ip); err != nil {
		t.Fatalf("reply IPv4 header invalid: %s", err)
	}
	if ip.SourceAddress() != localAddr || ip.DestinationAddress() != remoteAddr {
		t.Errorf("reply addresses = %s -> %s, want %s -> %s", ip.SourceAddress(), ip.DestinationAddress(), localAddr, remoteAddr)
	}
	h := header.ICMPv4(ip.Payload())
	if h.Type() != header.ICMPv4EchoReply {
		t.Errorf("reply type = %d, want %d", h.Type(), header.ICMPv4EchoReply)
	}
	if !checksum.Valid(h) {
		t.Errorf("reply ICMP checksum invalid")
	}
	if h.Ident() != 0x1234 || h.Sequence() != 7 {
		t.Errorf("reply ident/seq = %#x/%d, want 0x1234/7", h.Ident(), h.Sequence())
	}
	if !bytes.Equal(h.Payload(), payload) {
		t.Errorf("reply payload = %q, want %q", h.Payload(), payload)
	}

	stats := &c.s.Stats().ICMP
	if got := stats.EchoRequests.Value(); got != 1 {
		t.Errorf("EchoRequests = %d, want 1", got)
	}
	if got := stats.EchoRepliesSent.Value(); got != 1 {
		t.Errorf("EchoRepliesSent = %d, want 1", got)
	}
}

func TestEchoRateLimited(t *testing.T) {
	c := newTestContext(t, icmp.NewProtocolWithLimit(rate.Every(time.Hour), 1))
	for seq := uint16(0); seq < 3; seq++ {
		c.inject(echoFrame(t, header.ICMPv4Echo, seq, []byte("x")))
	}
	if got := c.ep.Drain(); got != 1 {
		t.Errorf("replies transmitted = %d, want 1", got)
	}
	if got := c.s.Stats().ICMP.RateLimited.Value(); got != 2 {
		t.Errorf("RateLimited = %d, want 2", got)
	}
}

func TestEchoReplyHandler(t *testing.T) {
	c := newTestContext(t, icmp.NewProtocol)
	type reply struct {
		Src      tcpip.Address
		Ident    uint16
		Sequence uint16
		Payload  string
	}
	var got []reply
	c.proto.SetEchoReplyHandler(func(e icmp.Echo) {
		got = append(got, reply{e.SrcAddr, e.Ident, e.Sequence, string(e.Payload)})
	})
	c.inject(echoFrame(t, header.ICMPv4EchoReply, 3, []byte("pong")))

	want := []reply{{remoteAddr, 0x1234, 3, "pong"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("echo replies mismatch (-want +got):\n%s", diff)
	}
	if n := c.ep.NumQueued(); n != 0 {
		t.Errorf("echo reply produced %d transmitted frames", n)
	}
}

func TestInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(frame []byte) []byte
		stat   func(s *tcpip.ICMPStats) *tcpip.StatCounter
	}{
		{
			name: "bad checksum",
			mutate: func(frame []byte) []byte {
				frame[len(frame)-1] ^= 0xff
				return frame
			},
			stat: func(s *tcpip.ICMPStats) *tcpip.StatCounter { return &s.Invalid },
		},
		{
			name: "unhandled type",
			mutate: func(frame []byte) []byte {
				h := header.ICMPv4(frame[header.EthernetMinimumSize+header.IPv4MinimumSize:])
				h.SetType(header.ICMPv4Timestamp)
				h.SetChecksum(header.ICMPv4Checksum(h, h.Payload()))
				return frame
			},
			stat: func(s *tcpip.ICMPStats) *tcpip.StatCounter { return &s.Other },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestContext(t, icmp.NewProtocol)
			c.inject(tt.mutate(echoFrame(t, header.ICMPv4Echo, 1, []byte("data"))))
			if got := tt.stat(&c.s.Stats().ICMP).Value(); got != 1 {
				t.Errorf("counter = %d, want 1", got)
			}
			if n := c.ep.NumQueued(); n != 0 {
				t.Errorf("%d frames transmitted, want 0", n)
			}
		})
	}
}

func TestSendEcho(t *testing.T) {
	c := newTestContext(t, icmp.NewProtocol)
	if err := c.proto.SendEcho(c.nic, remoteLinkAddr, localAddr, remoteAddr, 9, 1, []byte("ping")); err != nil {
		t.Fatalf("SendEcho = %s", err)
	}
	pkt, ok := c.ep.Read()
	if !ok {
		t.Fatalf("SendEcho did not transmit")
	}
	defer pkt.Release()
	ip := header.IPv4(pkt.Data()[header.EthernetMinimumSize:])
	if err := ipv4.Validate(ip); err != nil {
		t.Fatalf("request IPv4 header invalid: %s", err)
	}
	h := header.ICMPv4(ip.Payload())
	if h.Type() != header.ICMPv4Echo || !checksum.Valid(h) {
		t.Errorf("request type = %d, checksum valid = %t", h.Type(), checksum.Valid(h))
	}
}

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

package ipv4_test

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/pktio/pkg/tcpip"
	"gvisor.dev/pktio/pkg/tcpip/header"
	"gvisor.dev/pktio/pkg/tcpip/link/channel"
	"gvisor.dev/pktio/pkg/tcpip/network/ipv4"
	"gvisor.dev/pktio/pkg/tcpip/stack"
)

var (
	localAddr  = tcpip.AddrFrom4([4]byte{10, 0, 0, 1})
	remoteAddr = tcpip.AddrFrom4([4]byte{10, 0, 0, 2})
	farAddr    = tcpip.AddrFrom4([4]byte{192, 168, 7, 9})
)

// fakeTransport records the datagrams it is handed.
type fakeTransport struct {
	number tcpip.TransportProtocolNumber
	got    [][]byte
}

func (f *fakeTransport) Number() tcpip.TransportProtocolNumber {
	return f.number
}

func (f *fakeTransport) HandlePacket(nic *stack.NIC, pkt *stack.PacketBuffer) {
	f.got = append(f.got, append([]byte(nil), pkt.NetworkHeader()...))
	pkt.Release()
}

type context struct {
	t       *testing.T
	s       *stack.Stack
	ingress *channel.Endpoint
	egress  *channel.Endpoint
	udp     *fakeTransport
}

func newContext(t *testing.T) *context {
	t.Helper()
	udp := &fakeTransport{number: header.UDPProtocolNumber}
	s := stack.New(stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{
			func(*stack.Stack) stack.TransportProtocol { return udp },
		},
	})
	c := &context{
		t:       t,
		s:       s,
		ingress: channel.New(8, 1500, "\x02\x00\x00\x00\x00\x01"),
		egress:  channel.New(8, 1500, "\x02\x00\x00\x00\x00\x02"),
		udp:     udp,
	}
	t.Cleanup(c.ingress.Close)
	t.Cleanup(c.egress.Close)
	if err := s.CreateNIC(1, "in", c.ingress); err != nil {
		t.Fatalf("CreateNIC(1) = %s", err)
	}
	if err := s.CreateNIC(2, "out", c.egress); err != nil {
		t.Fatalf("CreateNIC(2) = %s", err)
	}
	if err := s.AddAddress(1, localAddr); err != nil {
		t.Fatalf("AddAddress = %s", err)
	}
	return c
}

// buildFrame returns an Ethernet frame carrying an IPv4 packet with a valid
// header checksum, followed by pad bytes of link padding.
func buildFrame(proto tcpip.TransportProtocolNumber, dst tcpip.Address, payload []byte, pad int) []byte {
	total := header.IPv4MinimumSize + len(payload)
	b := make([]byte, header.EthernetMinimumSize+total+pad)
	header.Ethernet(b).Encode(&header.EthernetFields{
		SrcAddr: "\x02\x00\x00\x00\x00\x0a",
		DstAddr: "\x02\x00\x00\x00\x00\x01",
		Type:    header.IPv4ProtocolNumber,
	})
	ip := header.IPv4(b[header.EthernetMinimumSize:])
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(total),
		TTL:         64,
		Protocol:    uint8(proto),
		SrcAddr:     remoteAddr,
		DstAddr:     dst,
	})
	ip.SetChecksum(^ip.CalculateChecksum())
	copy(ip[header.IPv4MinimumSize:], payload)
	return b
}

func TestNewPacket(t *testing.T) {
	pkt, err := ipv4.NewPacket(header.EthernetFields{
		SrcAddr: "\x02\x00\x00\x00\x00\x0a",
		DstAddr: "\x02\x00\x00\x00\x00\x01",
	}, header.IPv4Fields{
		TTL:      64,
		Protocol: uint8(header.UDPProtocolNumber),
		SrcAddr:  remoteAddr,
		DstAddr:  localAddr,
	}, 8, func(b []byte) { copy(b, "payload!") })
	if err != nil {
		t.Fatalf("NewPacket = %s", err)
	}
	defer pkt.Release()
	want := buildFrame(header.UDPProtocolNumber, localAddr, []byte("payload!"), 0)
	if diff := cmp.Diff(want, pkt.Data()); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}

	if _, err := ipv4.NewPacket(header.EthernetFields{}, header.IPv4Fields{}, stack.MaxFrameSize, func([]byte) {}); err != tcpip.ErrMessageTooLong {
		t.Errorf("NewPacket(oversized) = %v, want %s", err, tcpip.ErrMessageTooLong)
	}
}

func (c *context) inject(frame []byte) {
	c.t.Helper()
	if err := c.ingress.InjectInbound(frame); err != nil {
		c.t.Fatalf("InjectInbound = %s", err)
	}
	c.s.Poll()
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(h header.IPv4) header.IPv4
		want   *tcpip.Error
	}{
		{
			name:   "exact length",
			mutate: func(h header.IPv4) header.IPv4 { return h },
		},
		{
			name: "ihl four",
			mutate: func(h header.IPv4) header.IPv4 {
				h[0] = 0x44
				return h
			},
			want: tcpip.ErrMalformedHeader,
		},
		{
			name: "version six",
			mutate: func(h header.IPv4) header.IPv4 {
				h[0] = 0x65
				return h
			},
			want: tcpip.ErrMalformedHeader,
		},
		{
			name: "bad checksum",
			mutate: func(h header.IPv4) header.IPv4 {
				h.SetChecksum(h.Checksum() + 1)
				return h
			},
			want: tcpip.ErrBadChecksum,
		},
		{
			name: "total length exceeds capture",
			mutate: func(h header.IPv4) header.IPv4 {
				return h[:len(h)-1]
			},
			want: tcpip.ErrBadLength,
		},
		{
			name: "truncated header",
			mutate: func(h header.IPv4) header.IPv4 {
				return h[:header.IPv4MinimumSize-1]
			},
			want: tcpip.ErrBadLength,
		},
		{
			name: "total length below header",
			mutate: func(h header.IPv4) header.IPv4 {
				h.SetTotalLength(header.IPv4MinimumSize - 1)
				h.SetChecksum(0)
				h.SetChecksum(^h.CalculateChecksum())
				return h
			},
			want: tcpip.ErrBadLength,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := buildFrame(header.UDPProtocolNumber, localAddr, []byte("payload!"), 0)
			h := tt.mutate(header.IPv4(frame[header.EthernetMinimumSize:]))
			before := append([]byte(nil), h...)
			if got := ipv4.Validate(h); got != tt.want {
				t.Errorf("Validate() = %v, want %v", got, tt.want)
			}
			if !bytes.Equal(before, h) {
				t.Errorf("Validate() modified the header")
			}
		})
	}
}

func TestDropCounters(t *testing.T) {
	c := newContext(t)

	good := buildFrame(header.UDPProtocolNumber, localAddr, []byte("data"), 0)

	badVersion := append([]byte(nil), good...)
	badVersion[header.EthernetMinimumSize] = 0x44

	badCsum := append([]byte(nil), good...)
	badCsum[header.EthernetMinimumSize+10] ^= 0xff

	short := good[:len(good)-1]

	// Structural errors never stop the batch: the good frame queued behind
	// them is still delivered.
	for _, f := range [][]byte{badVersion, badCsum, short, good} {
		if err := c.ingress.InjectInbound(f); err != nil {
			t.Fatalf("InjectInbound = %s", err)
		}
	}
	c.s.Poll()

	stats := c.ingress.Stats()
	got := map[string]uint64{
		"rx_err":           stats.RxErrors.Value(),
		"rx_crc_errors":    stats.RxCRCErrors.Value(),
		"rx_length_errors": stats.RxLengthErrors.Value(),
		"delivered":        stats.Delivered.Value(),
	}
	want := map[string]uint64{
		"rx_err":           1,
		"rx_crc_errors":    1,
		"rx_length_errors": 1,
		"delivered":        1,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("counters mismatch (-want +got):\n%s", diff)
	}
	if got := len(c.udp.got); got != 1 {
		t.Errorf("UDP handler called %d times, want 1", got)
	}
}

func TestLocalUDPDeliveredOnce(t *testing.T) {
	c := newContext(t)
	payload := []byte("exactly once")
	// Ethernet pads short frames; the padding must not reach the handler.
	frame := buildFrame(header.UDPProtocolNumber, localAddr, payload, 6)
	c.inject(frame)

	if got := len(c.udp.got); got != 1 {
		t.Fatalf("UDP handler called %d times, want 1", got)
	}
	want := frame[header.EthernetMinimumSize : len(frame)-6]
	if diff := cmp.Diff(want, c.udp.got[0]); diff != "" {
		t.Errorf("delivered datagram mismatch (-want +got):\n%s", diff)
	}
	if got := c.egress.NumQueued() + c.ingress.NumQueued(); got != 0 {
		t.Errorf("%d frames transmitted for a local packet, want 0", got)
	}
}

func TestUnknownTransport(t *testing.T) {
	c := newContext(t)
	c.inject(buildFrame(6 /* TCP */, localAddr, []byte("syn"), 0))
	if got := c.ingress.Stats().UnknownTransportProtocol.Value(); got != 1 {
		t.Errorf("unknown_transport_protocol = %d, want 1", got)
	}
	if got := len(c.udp.got); got != 0 {
		t.Errorf("UDP handler called %d times, want 0", got)
	}
}

func TestForwardUnmodified(t *testing.T) {
	c := newContext(t)
	sn, err := tcpip.ParseSubnet("192.168.0.0/16")
	if err != nil {
		t.Fatalf("ParseSubnet: %v", err)
	}
	c.s.AddRoute(tcpip.Route{Destination: sn, NIC: 2})

	frame := buildFrame(header.UDPProtocolNumber, farAddr, []byte("transit"), 0)
	c.inject(frame)

	pkt, ok := c.egress.Read()
	if !ok {
		t.Fatalf("no frame transmitted on the egress NIC")
	}
	defer pkt.Release()
	if diff := cmp.Diff(frame, pkt.Data()); diff != "" {
		t.Errorf("forwarded frame mismatch (-want +got):\n%s", diff)
	}
	if got := c.ingress.Stats().Forwarded.Value(); got != 1 {
		t.Errorf("forwarded = %d, want 1", got)
	}
	if got := len(c.udp.got); got != 0 {
		t.Errorf("UDP handler called %d times for a transit packet", got)
	}
}

func TestNoRouteNoTransmit(t *testing.T) {
	c := newContext(t)
	c.inject(buildFrame(header.UDPProtocolNumber, farAddr, []byte("lost"), 0))

	if got := c.egress.NumQueued() + c.ingress.NumQueued(); got != 0 {
		t.Errorf("%d frames transmitted without a route, want 0", got)
	}
	if got := c.ingress.Stats().RouteMisses.Value(); got != 1 {
		t.Errorf("route_misses = %d, want 1", got)
	}
	// A route miss is not an error.
	stats := c.ingress.Stats()
	if errs := stats.RxErrors.Value() + stats.RxCRCErrors.Value() + stats.RxLengthErrors.Value(); errs != 0 {
		t.Errorf("error counters = %d, want 0", errs)
	}
}

func TestForwardEgressFull(t *testing.T) {
	c := newContext(t)
	sn, err := tcpip.ParseSubnet("192.168.0.0/16")
	if err != nil {
		t.Fatalf("ParseSubnet: %v", err)
	}
	c.s.AddRoute(tcpip.Route{Destination: sn, NIC: 2})

	for i := 0; i < 9; i++ {
		if err := c.ingress.InjectInbound(buildFrame(header.UDPProtocolNumber, farAddr, []byte{byte(i)}, 0)); err != nil {
			t.Fatalf("InjectInbound = %s", err)
		}
	}
	c.s.Poll()
	if got := c.ingress.Stats().Forwarded.Value(); got != 8 {
		t.Errorf("forwarded = %d, want 8", got)
	}
	if got := c.egress.Stats().TxRingFull.Value(); got != 1 {
		t.Errorf("egress tx_ring_full = %d, want 1", got)
	}
	c.egress.Drain()
}

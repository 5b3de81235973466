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

// Package tcpip provides the types shared by the packet-I/O core: addresses,
// protocol numbers, netstack errors and statistics counters.
//
// The starting point is the creation and configuration of a stack (see
// package stack). Link endpoints (drivers) are registered with the stack as
// NICs, local addresses are added to NICs and a route table is installed.
// Frames harvested by drivers then flow through the network protocol into
// transport protocol handlers.
package tcpip

import (
	"errors"
	"fmt"
	"math/bits"
	"net/netip"
	"strconv"
	"strings"
	"sync/atomic"
)

// Error represents an error in the netstack error space. Using a special type
// ensures that errors outside of this space are not accidentally introduced.
type Error struct {
	msg string

	ignoreStats bool
}

// String implements fmt.Stringer.String.
func (e *Error) String() string {
	if e == nil {
		return "<nil>"
	}
	return e.msg
}

// IgnoreStats indicates whether this error type should be included in failure
// counts in tcpip.Stats structs.
func (e *Error) IgnoreStats() bool {
	return e.ignoreStats
}

// Errors that can be returned by the network stack.
var (
	ErrUnknownProtocol       = &Error{msg: "unknown protocol"}
	ErrUnknownNICID          = &Error{msg: "unknown nic id"}
	ErrDuplicateNICID        = &Error{msg: "duplicate nic id"}
	ErrDuplicateAddress      = &Error{msg: "duplicate address"}
	ErrNoRoute               = &Error{msg: "no route"}
	ErrBadLocalAddress       = &Error{msg: "bad local address"}
	ErrBadLinkEndpoint       = &Error{msg: "bad link layer endpoint"}
	ErrInvalidEndpointState  = &Error{msg: "endpoint is in invalid state"}
	ErrDeviceDisabled        = &Error{msg: "device is disabled"}
	ErrRingFull              = &Error{msg: "descriptor ring is full", ignoreStats: true}
	ErrTimeout               = &Error{msg: "operation timed out"}
	ErrNotSupported          = &Error{msg: "operation not supported"}
	ErrInvalidOptionValue    = &Error{msg: "invalid option value specified"}
	ErrMalformedHeader       = &Error{msg: "header is malformed"}
	ErrBadChecksum           = &Error{msg: "bad checksum"}
	ErrBadLength             = &Error{msg: "bad length"}
	ErrMalformedFrame        = &Error{msg: "frame flagged bad by hardware"}
	ErrMessageTooLong        = &Error{msg: "message too long"}
	ErrNoBufferSpace         = &Error{msg: "no buffer space available", ignoreStats: true}
	ErrPortInUse             = &Error{msg: "port is in use"}
	ErrQueueFull             = &Error{msg: "receive queue is full", ignoreStats: true}
	ErrAddressFamilyMismatch = &Error{msg: "address family mismatch"}
)

// Errors related to Subnet
var (
	errSubnetLengthMismatch = errors.New("subnet length of address and mask differ")
	errSubnetAddressMasked  = errors.New("subnet address has bits set outside the mask")
)

// AddressSize is the size, in bytes, of an IPv4 address.
const AddressSize = 4

// Address is a byte slice cast as a string that represents the IPv4 address
// of a network node.
type Address string

// String implements the fmt.Stringer interface.
func (a Address) String() string {
	if len(a) != AddressSize {
		return fmt.Sprintf("%x", []byte(a))
	}
	return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
}

// AddrFrom4 converts addr to an Address.
func AddrFrom4(addr [4]byte) Address {
	return Address(addr[:])
}

// ParseAddress parses a dotted-quad IPv4 address.
func ParseAddress(s string) (Address, error) {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return "", err
	}
	if !ip.Is4() {
		return "", fmt.Errorf("%q is not an IPv4 address", s)
	}
	return AddrFrom4(ip.As4()), nil
}

// AddressMask is a bitmask for an address.
type AddressMask string

// String implements Stringer.
func (m AddressMask) String() string {
	return Address(m).String()
}

// Prefix returns the number of bits before the first host bit.
func (m AddressMask) Prefix() int {
	p := 0
	for _, b := range []byte(m) {
		p += bits.LeadingZeros8(^b)
	}
	return p
}

// MaskFromPrefix returns the IPv4 mask with the first prefix bits set.
func MaskFromPrefix(prefix int) AddressMask {
	var m [AddressSize]byte
	for i := range m {
		switch {
		case prefix >= 8:
			m[i] = 0xff
			prefix -= 8
		case prefix > 0:
			m[i] = ^byte(0xff >> prefix)
			prefix = 0
		}
	}
	return AddressMask(m[:])
}

// Subnet is a subnet defined by its address and mask.
type Subnet struct {
	address Address
	mask    AddressMask
}

// NewSubnet creates a new Subnet, checking that the address and mask are the
// same length.
func NewSubnet(a Address, m AddressMask) (Subnet, error) {
	if len(a) != len(m) {
		return Subnet{}, errSubnetLengthMismatch
	}
	for i := 0; i < len(a); i++ {
		if a[i]&^m[i] != 0 {
			return Subnet{}, errSubnetAddressMasked
		}
	}
	return Subnet{a, m}, nil
}

// ParseSubnet parses a subnet in CIDR notation, e.g. "10.0.0.0/8".
func ParseSubnet(s string) (Subnet, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return Subnet{}, err
	}
	if !p.Addr().Is4() {
		return Subnet{}, fmt.Errorf("%q is not an IPv4 subnet", s)
	}
	return NewSubnet(AddrFrom4(p.Addr().As4()), MaskFromPrefix(p.Bits()))
}

// String implements Stringer.
func (s Subnet) String() string {
	return fmt.Sprintf("%s/%d", s.ID(), s.Prefix())
}

// Contains returns true iff the address is of the same length and matches the
// subnet address and mask.
func (s *Subnet) Contains(a Address) bool {
	if len(a) != len(s.address) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if a[i]&s.mask[i] != s.address[i] {
			return false
		}
	}
	return true
}

// ID returns the subnet ID.
func (s *Subnet) ID() Address {
	return s.address
}

// Prefix returns the number of bits before the first host bit.
func (s *Subnet) Prefix() int {
	return s.mask.Prefix()
}

// Mask returns the subnet mask.
func (s *Subnet) Mask() AddressMask {
	return s.mask
}

// LinkAddress is a byte slice cast as a string that represents a link address.
// It is typically a 6-byte MAC address.
type LinkAddress string

// String implements the fmt.Stringer interface.
func (a LinkAddress) String() string {
	switch len(a) {
	case 6:
		return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
	default:
		return fmt.Sprintf("%x", []byte(a))
	}
}

// ParseMACAddress parses an IEEE 802 address.
//
// It must be in the format aa:bb:cc:dd:ee:ff or aa-bb-cc-dd-ee-ff.
func ParseMACAddress(s string) (LinkAddress, error) {
	parts := strings.FieldsFunc(s, func(c rune) bool {
		return c == ':' || c == '-'
	})
	if len(parts) != 6 {
		return "", fmt.Errorf("inconsistent parts: %s", s)
	}
	addr := make([]byte, 0, len(parts))
	for _, part := range parts {
		u, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return "", fmt.Errorf("invalid hex digits: %s", s)
		}
		addr = append(addr, byte(u))
	}
	return LinkAddress(addr), nil
}

// NICID is a number that uniquely identifies a NIC.
type NICID int32

// Route is a row in the routing table. It specifies through which NIC (and
// gateway) sets of packets should be routed. A row is considered viable if the
// masked target address matches the destination address in the row.
type Route struct {
	// Destination must contain the target address for this row to be viable.
	Destination Subnet

	// Gateway is the gateway to be used if this row is viable. Forwarded
	// frames are re-sent unmodified, so it is informational only.
	Gateway Address

	// NIC is the id of the nic to be used if this row is viable.
	NIC NICID
}

// String implements the fmt.Stringer interface.
func (r Route) String() string {
	var out strings.Builder
	out.WriteString(r.Destination.String())
	if len(r.Gateway) > 0 {
		fmt.Fprintf(&out, " via %s", r.Gateway)
	}
	fmt.Fprintf(&out, " nic %d", r.NIC)
	return out.String()
}

// TransportProtocolNumber is the number of a transport protocol.
type TransportProtocolNumber uint32

// NetworkProtocolNumber is the EtherType of a network protocol.
type NetworkProtocolNumber uint32

// A StatCounter keeps track of a statistic.
type StatCounter struct {
	count atomic.Uint64
}

// Increment adds one to the counter.
func (s *StatCounter) Increment() {
	s.IncrementBy(1)
}

// Value returns the current value of the counter.
func (s *StatCounter) Value() uint64 {
	return s.count.Load()
}

// IncrementBy increments the counter by v.
func (s *StatCounter) IncrementBy(v uint64) {
	s.count.Add(v)
}

func (s *StatCounter) String() string {
	return strconv.FormatUint(s.Value(), 10)
}

// NamedCounter pairs a counter with the name it is exported under.
type NamedCounter struct {
	Name    string
	Help    string
	Counter *StatCounter
}

// NICStats are the per-interface counters kept by a driver and updated by the
// receive pipeline on every drop decision.
type NICStats struct {
	// RxPackets is the number of frames harvested from the RX ring and handed
	// to the stack.
	RxPackets StatCounter

	// RxErrors is the number of frames dropped for a structurally invalid
	// header (rx_err).
	RxErrors StatCounter

	// RxCRCErrors is the number of frames dropped for a bad IPv4 header
	// checksum (rx_crc_errors).
	RxCRCErrors StatCounter

	// RxLengthErrors is the number of frames dropped for an inconsistent
	// length (rx_length_errors).
	RxLengthErrors StatCounter

	// RxDropped is the number of frames dropped because the stack's input
	// queue was full.
	RxDropped StatCounter

	// RxEmptyDescriptors counts receive interrupts that found the current RX
	// descriptor still empty.
	RxEmptyDescriptors StatCounter

	// RxHardwareErrors counts frames the device flagged as bad (CRC, overrun,
	// truncation).
	RxHardwareErrors StatCounter

	// TxAttempts is the number of calls to the transmit entry point.
	TxAttempts StatCounter

	// TxPackets is the number of frames handed to the device.
	TxPackets StatCounter

	// TxCompleted is the number of TX descriptors reclaimed.
	TxCompleted StatCounter

	// TxTimeouts counts doorbells not acknowledged within the poll bound.
	TxTimeouts StatCounter

	// TxRingFull counts transmit attempts rejected because the ring was full.
	TxRingFull StatCounter

	// TxLostCompletions counts transmit interrupts that reclaimed nothing.
	TxLostCompletions StatCounter

	// RouteMisses counts non-local packets with no route.
	RouteMisses StatCounter

	// UnknownNetworkProtocol counts frames with an unsupported EtherType.
	UnknownNetworkProtocol StatCounter

	// UnknownTransportProtocol counts local packets with no registered
	// transport handler.
	UnknownTransportProtocol StatCounter

	// Forwarded counts packets re-transmitted towards another interface.
	Forwarded StatCounter

	// Delivered counts packets handed to a transport handler.
	Delivered StatCounter

	// BusErrors counts bus error interrupts.
	BusErrors StatCounter

	// Resets counts device resets, including the initial one.
	Resets StatCounter
}

// Counters returns every counter along with its exported name.
func (s *NICStats) Counters() []NamedCounter {
	return []NamedCounter{
		{"rx_packets", "Frames harvested from the RX ring.", &s.RxPackets},
		{"rx_err", "Frames dropped for an invalid IPv4 header.", &s.RxErrors},
		{"rx_crc_errors", "Frames dropped for a bad IPv4 header checksum.", &s.RxCRCErrors},
		{"rx_length_errors", "Frames dropped for an inconsistent length.", &s.RxLengthErrors},
		{"rx_dropped", "Frames dropped because the input queue was full.", &s.RxDropped},
		{"rx_empty_descriptors", "RX interrupts with an empty current descriptor.", &s.RxEmptyDescriptors},
		{"rx_hw_errors", "Frames flagged bad by the device.", &s.RxHardwareErrors},
		{"tx_attempts", "Calls to the transmit entry point.", &s.TxAttempts},
		{"tx_packets", "Frames handed to the device.", &s.TxPackets},
		{"tx_completed", "TX descriptors reclaimed.", &s.TxCompleted},
		{"tx_timeouts", "Doorbells not acknowledged within the poll bound.", &s.TxTimeouts},
		{"tx_ring_full", "Transmits rejected because the ring was full.", &s.TxRingFull},
		{"tx_lost_completions", "TX interrupts that reclaimed nothing.", &s.TxLostCompletions},
		{"route_misses", "Non-local packets without a route.", &s.RouteMisses},
		{"unknown_network_protocol", "Frames with an unsupported EtherType.", &s.UnknownNetworkProtocol},
		{"unknown_transport_protocol", "Local packets without a transport handler.", &s.UnknownTransportProtocol},
		{"forwarded", "Packets re-transmitted towards another interface.", &s.Forwarded},
		{"delivered", "Packets handed to a transport handler.", &s.Delivered},
		{"bus_errors", "Bus error interrupts.", &s.BusErrors},
		{"resets", "Device resets.", &s.Resets},
	}
}

// UDPStats collects UDP-specific stats.
type UDPStats struct {
	// PacketsReceived is the number of UDP datagrams delivered to a bound
	// port.
	PacketsReceived StatCounter

	// UnknownPortErrors is the number of datagrams for a port nobody is
	// bound to.
	UnknownPortErrors StatCounter

	// MalformedPacketsReceived is the number of datagrams with a bad length.
	MalformedPacketsReceived StatCounter

	// ChecksumErrors is the number of datagrams with a bad checksum.
	ChecksumErrors StatCounter
}

// ICMPStats collects ICMPv4-specific stats.
type ICMPStats struct {
	// EchoRequests is the number of echo requests received.
	EchoRequests StatCounter

	// EchoRepliesSent is the number of echo replies transmitted.
	EchoRepliesSent StatCounter

	// EchoRepliesReceived is the number of echo replies received.
	EchoRepliesReceived StatCounter

	// RateLimited is the number of replies suppressed by the rate limiter.
	RateLimited StatCounter

	// Invalid is the number of malformed ICMP messages.
	Invalid StatCounter

	// Other is the number of ICMP messages of types not handled here.
	Other StatCounter
}

// Stats holds statistics about the stack as a whole.
type Stats struct {
	// UnknownNICID counts packets queued for a NIC that no longer exists.
	UnknownNICID StatCounter

	// UDP breaks out UDP-specific stats.
	UDP UDPStats

	// ICMP breaks out ICMPv4-specific stats.
	ICMP ICMPStats
}

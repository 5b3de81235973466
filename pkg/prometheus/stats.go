// Copyright 2023 The gVisor Authors.
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

package prometheus

import (
	"gvisor.dev/pktio/pkg/tcpip"
)

// NICLabel is the label carrying the interface name of NIC counters.
const NICLabel = "nic"

// nicMetrics caches one Metric per NIC counter name.
var nicMetrics = func() map[string]*Metric {
	m := make(map[string]*Metric)
	var s tcpip.NICStats
	for _, c := range s.Counters() {
		m[c.Name] = &Metric{Name: "nic_" + c.Name, Type: TypeCounter, Help: c.Help}
	}
	return m
}()

// AddNICStats adds every counter of stats to s, labeled with the interface
// name.
func (s *Snapshot) AddNICStats(nic string, stats *tcpip.NICStats) *Snapshot {
	labels := map[string]string{NICLabel: nic}
	for _, c := range stats.Counters() {
		s.Add(LabeledIntData(nicMetrics[c.Name], labels, int64(c.Counter.Value())))
	}
	return s
}

var (
	udpReceived    = &Metric{Name: "udp_packets_received", Type: TypeCounter, Help: "UDP datagrams delivered to a bound port."}
	udpUnknownPort = &Metric{Name: "udp_unknown_port_errors", Type: TypeCounter, Help: "UDP datagrams for an unbound port."}
	udpMalformed   = &Metric{Name: "udp_malformed_packets_received", Type: TypeCounter, Help: "UDP datagrams with a bad length."}
	udpChecksum    = &Metric{Name: "udp_checksum_errors", Type: TypeCounter, Help: "UDP datagrams with a bad checksum."}
	icmpRequests   = &Metric{Name: "icmp_echo_requests", Type: TypeCounter, Help: "ICMP echo requests received."}
	icmpReplies    = &Metric{Name: "icmp_echo_replies_sent", Type: TypeCounter, Help: "ICMP echo replies transmitted."}
	icmpReceived   = &Metric{Name: "icmp_echo_replies_received", Type: TypeCounter, Help: "ICMP echo replies received."}
	icmpLimited    = &Metric{Name: "icmp_rate_limited", Type: TypeCounter, Help: "ICMP echo replies suppressed by the rate limiter."}
	icmpInvalid    = &Metric{Name: "icmp_invalid", Type: TypeCounter, Help: "Malformed ICMP messages."}
	icmpOther      = &Metric{Name: "icmp_other", Type: TypeCounter, Help: "ICMP messages of unhandled types."}
	unknownNIC     = &Metric{Name: "unknown_nic_packets", Type: TypeCounter, Help: "Packets queued for a NIC that no longer exists."}
)

// AddStackStats adds the stack-wide counters of stats to s.
func (s *Snapshot) AddStackStats(stats *tcpip.Stats) *Snapshot {
	for _, c := range []struct {
		m *Metric
		c *tcpip.StatCounter
	}{
		{udpReceived, &stats.UDP.PacketsReceived},
		{udpUnknownPort, &stats.UDP.UnknownPortErrors},
		{udpMalformed, &stats.UDP.MalformedPacketsReceived},
		{udpChecksum, &stats.UDP.ChecksumErrors},
		{icmpRequests, &stats.ICMP.EchoRequests},
		{icmpReplies, &stats.ICMP.EchoRepliesSent},
		{icmpReceived, &stats.ICMP.EchoRepliesReceived},
		{icmpLimited, &stats.ICMP.RateLimited},
		{icmpInvalid, &stats.ICMP.Invalid},
		{icmpOther, &stats.ICMP.Other},
		{unknownNIC, &stats.UnknownNICID},
	} {
		s.Add(NewIntData(c.m, int64(c.c.Value())))
	}
	return s
}

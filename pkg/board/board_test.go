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

package board_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/pktio/pkg/board"
	"gvisor.dev/pktio/pkg/config"
	"gvisor.dev/pktio/pkg/prometheus"
	"gvisor.dev/pktio/pkg/tcpip"
	"gvisor.dev/pktio/pkg/tcpip/link/enet"
	"gvisor.dev/pktio/pkg/tcpip/transport/icmp"
	"gvisor.dev/pktio/pkg/tcpip/transport/udp"
	"gvisor.dev/pktio/pkg/test/testutil"
)

// cabledBoard has two NICs, in different subnets, cabled to each other.
const cabledBoard = `
[arena]
size = 262144

[[nic]]
name = "enet0"
irq = 150
addresses = ["10.0.0.1/24"]
wire = "peer:enet1"
rx_ring_size = 4
tx_ring_size = 4
reset_polls = 100

[[nic]]
name = "enet1"
irq = 151
addresses = ["10.0.1.1/24"]
wire = "peer:enet0"
rx_ring_size = 4
tx_ring_size = 4
reset_polls = 100

[[route]]
destination = "192.168.0.0/16"
gateway = "10.0.1.254"
nic = "enet1"
`

var (
	addr0 = tcpip.AddrFrom4([4]byte{10, 0, 0, 1})
	addr1 = tcpip.AddrFrom4([4]byte{10, 0, 1, 1})
)

func newBoard(t *testing.T) *board.Board {
	t.Helper()
	conf, err := config.Decode([]byte(cabledBoard), config.TOML)
	if err != nil {
		t.Fatalf("config.Decode failed: %v", err)
	}
	b, err := board.New(conf)
	if err != nil {
		t.Fatalf("board.New failed: %v", err)
	}
	t.Cleanup(b.Close)
	if err := b.Start(context.Background(), 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return b
}

func nic(t *testing.T, b *board.Board, name string) *board.NIC {
	t.Helper()
	n, ok := b.NIC(name)
	if !ok {
		t.Fatalf("NIC(%q) not found", name)
	}
	return n
}

// drain processes frames until the stack goes idle.
func drain(b *board.Board) {
	for b.Stack.Poll() > 0 {
	}
}

func TestNew(t *testing.T) {
	b := newBoard(t)
	if got := len(b.NICs()); got != 2 {
		t.Fatalf("len(NICs()) = %d, want 2", got)
	}
	for _, n := range b.NICs() {
		if got := n.Endpoint.State(); got != enet.Ready {
			t.Errorf("%s: State() = %s, want %s", n.Name(), got, enet.Ready)
		}
		if n.Sim == nil {
			t.Errorf("%s: no device model", n.Name())
		}
	}
	var routes []string
	for _, r := range b.Stack.GetRouteTable() {
		routes = append(routes, r.String())
	}
	want := []string{
		"10.0.0.0/24 nic 1",
		"10.0.1.0/24 nic 2",
		"192.168.0.0/16 via 10.0.1.254 nic 2",
	}
	if diff := cmp.Diff(want, routes); diff != "" {
		t.Errorf("route table mismatch (-want +got):\n%s", diff)
	}
	if _, ok := b.NIC("enet9"); ok {
		t.Errorf("NIC(enet9) found")
	}
}

func TestPingAcrossCable(t *testing.T) {
	b := newBoard(t)
	n0, n1 := nic(t, b, "enet0"), nic(t, b, "enet1")

	var got []icmp.Echo
	b.ICMP.SetEchoReplyHandler(func(e icmp.Echo) {
		e.Payload = append([]byte(nil), e.Payload...)
		got = append(got, e)
	})
	if err := b.ICMP.SendEcho(b.StackNIC(n0), n1.Endpoint.LinkAddress(), addr0, addr1, 1, 1, []byte("ping")); err != nil {
		t.Fatalf("SendEcho = %s", err)
	}
	drain(b)

	if len(got) != 1 {
		t.Fatalf("got %d echo replies, want 1", len(got))
	}
	if got[0].SrcAddr != addr1 || got[0].NIC.ID() != n0.ID || !bytes.Equal(got[0].Payload, []byte("ping")) {
		t.Errorf("echo reply = %+v, want from %s on NIC %d with payload ping", got[0], addr1, n0.ID)
	}
	stats := &b.Stack.Stats().ICMP
	if stats.EchoRequests.Value() != 1 || stats.EchoRepliesSent.Value() != 1 || stats.EchoRepliesReceived.Value() != 1 {
		t.Errorf("ICMP stats = requests %d, replies sent %d, replies received %d, want 1 each",
			stats.EchoRequests.Value(), stats.EchoRepliesSent.Value(), stats.EchoRepliesReceived.Value())
	}
	if got := n1.Sim.Stats().Received; got != 1 {
		t.Errorf("enet1 device received %d frames, want 1", got)
	}
}

func TestRunDeliversUDP(t *testing.T) {
	b := newBoard(t)
	n0, n1 := nic(t, b, "enet0"), nic(t, b, "enet1")

	datagrams := make(chan string, 1)
	if err := b.UDP.Bind(9000, func(d udp.Datagram) {
		datagrams <- string(d.Payload)
	}); err != nil {
		t.Fatalf("Bind = %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- b.Run(ctx)
	}()

	if err := b.UDP.SendTo(b.StackNIC(n0), n1.Endpoint.LinkAddress(), addr0, addr1, 4000, 9000, []byte("hello")); err != nil {
		t.Fatalf("SendTo = %s", err)
	}
	var got string
	if err := testutil.Poll(func() error {
		select {
		case got = <-datagrams:
			return nil
		default:
			return fmt.Errorf("no datagram yet")
		}
	}, 5*time.Second); err != nil {
		t.Fatalf("datagram not delivered: %v", err)
	}
	if got != "hello" {
		t.Errorf("payload = %q, want hello", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
}

func TestStartRetries(t *testing.T) {
	conf, err := config.Decode([]byte(cabledBoard), config.TOML)
	if err != nil {
		t.Fatalf("config.Decode failed: %v", err)
	}
	b, err := board.New(conf)
	if err != nil {
		t.Fatalf("board.New failed: %v", err)
	}
	t.Cleanup(b.Close)

	n0 := nic(t, b, "enet0")
	n0.Sim.SetStuckReset(true)
	if err := b.Start(context.Background(), 2); err == nil {
		t.Fatalf("Start succeeded with a stuck reset")
	}
	if got := n0.Endpoint.State(); got != enet.Disabled {
		t.Errorf("State() = %s, want %s", got, enet.Disabled)
	}

	n0.Sim.SetStuckReset(false)
	if err := b.Start(context.Background(), 0); err != nil {
		t.Fatalf("Start after clearing the fault failed: %v", err)
	}
	for _, n := range b.NICs() {
		if got := n.Endpoint.State(); got != enet.Ready {
			t.Errorf("%s: State() = %s, want %s", n.Name(), got, enet.Ready)
		}
	}
}

func TestSnapshot(t *testing.T) {
	b := newBoard(t)
	n0, n1 := nic(t, b, "enet0"), nic(t, b, "enet1")
	if err := b.UDP.SendTo(b.StackNIC(n0), n1.Endpoint.LinkAddress(), addr0, addr1, 4000, 9, []byte("x")); err != nil {
		t.Fatalf("SendTo = %s", err)
	}
	drain(b)

	var buf bytes.Buffer
	if _, err := prometheus.Write(&buf, prometheus.ExportOptions{}, map[*prometheus.Snapshot]prometheus.SnapshotExportOptions{
		b.Snapshot(): {},
	}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		`nic_tx_packets{nic="enet0"} 1`,
		`nic_rx_packets{nic="enet1"} 1`,
		`nic_delivered{nic="enet1"} 1`,
		`udp_unknown_port_errors 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exported stats lack %q:\n%s", want, out)
		}
	}
}

func TestNewErrors(t *testing.T) {
	missingDir := filepath.Join(t.TempDir(), "missing")
	for _, tc := range []struct {
		name  string
		board string
	}{
		{
			name: "missing memory device",
			board: `
[[nic]]
name = "enet0"
bus = "mem"
devmem = "` + filepath.Join(missingDir, "mem") + `"
mmio_base = 0x02188000
`,
		},
		{
			// enet0 is fully built before enet1 fails.
			name:  "capture file not creatable",
			board: strings.Replace(cabledBoard, `wire = "peer:enet0"`, fmt.Sprintf("wire = \"peer:enet0\"\npcap = %q", filepath.Join(missingDir, "enet1.pcap")), 1),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			conf, err := config.Decode([]byte(tc.board), config.TOML)
			if err != nil {
				t.Fatalf("config.Decode failed: %v", err)
			}
			if b, err := board.New(conf); err == nil {
				b.Close()
				t.Errorf("board.New succeeded")
			}
		})
	}
}

func TestPCAPCapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enet0.pcap")
	conf, err := config.Decode([]byte(strings.Replace(cabledBoard, `wire = "peer:enet1"`, fmt.Sprintf("wire = \"peer:enet1\"\npcap = %q", path), 1)), config.TOML)
	if err != nil {
		t.Fatalf("config.Decode failed: %v", err)
	}
	b, err := board.New(conf)
	if err != nil {
		t.Fatalf("board.New failed: %v", err)
	}
	if err := b.Start(context.Background(), 0); err != nil {
		b.Close()
		t.Fatalf("Start failed: %v", err)
	}
	n0, n1 := nic(t, b, "enet0"), nic(t, b, "enet1")
	if err := b.ICMP.SendEcho(b.StackNIC(n0), n1.Endpoint.LinkAddress(), addr0, addr1, 1, 1, []byte("ping")); err != nil {
		b.Close()
		t.Fatalf("SendEcho = %s", err)
	}
	drain(b)
	b.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	// File header, then the request and the reply, each a record header and
	// a 46 byte frame.
	const fileHeader, record, frame = 24, 16, 14 + 20 + 8 + 4
	if want := fileHeader + 2*(record+frame); len(data) != want {
		t.Errorf("capture is %d bytes, want %d", len(data), want)
	}
}

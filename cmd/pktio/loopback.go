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

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/pktio/pkg/board"
	"gvisor.dev/pktio/pkg/config"
	"gvisor.dev/pktio/pkg/log"
	"gvisor.dev/pktio/pkg/tcpip"
	"gvisor.dev/pktio/pkg/tcpip/transport/icmp"
	"gvisor.dev/pktio/pkg/tcpip/transport/udp"
)

// loopbackBoard cables two simulated NICs in different subnets back to back.
const loopbackBoard = `
[[nic]]
name = "enet0"
irq = 150
addresses = ["10.0.0.1/24"]
wire = "peer:enet1"

[[nic]]
name = "enet1"
irq = 151
addresses = ["10.0.1.1/24"]
wire = "peer:enet0"
`

const (
	loopbackIdent = 0x7071
	loopbackPort  = 9000
)

// Loopback implements subcommands.Command for the "loopback" command.
type Loopback struct {
	count int
	size  int
	stats bool

	// out receives the report. Stdout is used if nil.
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Loopback) Name() string {
	return "loopback"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Loopback) Synopsis() string {
	return "exchange pings and datagrams between two cabled device models"
}

// Usage implements subcommands.Command.Usage.
func (*Loopback) Usage() string {
	return `loopback [-count=N] [-size=BYTES] - cables two simulated NICs together, pings and sends UDP datagrams across the cable, and reports what came back.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Loopback) SetFlags(f *flag.FlagSet) {
	f.IntVar(&l.count, "count", 4, "number of echo requests and datagrams to send.")
	f.IntVar(&l.size, "size", 56, "payload size in bytes.")
	f.BoolVar(&l.stats, "stats", true, "print counters after the exchange.")
}

// Execute implements subcommands.Command.Execute.
func (l *Loopback) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || l.count <= 0 || l.size < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	out := l.out
	if out == nil {
		out = os.Stdout
	}
	if err := l.run(ctx, out); err != nil {
		log.Warningf("loopback: %v", err)
		fmt.Fprintf(out, "loopback failed: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (l *Loopback) run(ctx context.Context, out io.Writer) error {
	conf, err := config.Decode([]byte(loopbackBoard), config.TOML)
	if err != nil {
		return err
	}
	b, err := board.New(conf)
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.Start(ctx, 0); err != nil {
		return err
	}

	n0, _ := b.NIC("enet0")
	n1, _ := b.NIC("enet1")
	src, dst := tcpip.AddrFrom4([4]byte{10, 0, 0, 1}), tcpip.AddrFrom4([4]byte{10, 0, 1, 1})
	dstLink := n1.Endpoint.LinkAddress()
	sn0 := b.StackNIC(n0)

	sent := make(map[uint16]time.Time, l.count)
	var replies, datagrams int
	b.ICMP.SetEchoReplyHandler(func(e icmp.Echo) {
		if e.Ident != loopbackIdent {
			return
		}
		start, ok := sent[e.Sequence]
		if !ok {
			return
		}
		delete(sent, e.Sequence)
		replies++
		fmt.Fprintf(out, "%d bytes from %s: icmp_seq=%d time=%s\n", len(e.Payload), e.SrcAddr, e.Sequence, time.Since(start))
	})
	if err := b.UDP.Bind(loopbackPort, func(d udp.Datagram) {
		datagrams++
	}); err != nil {
		return fmt.Errorf("binding UDP port %d: %s", loopbackPort, err)
	}

	payload := make([]byte, l.size)
	for i := range payload {
		payload[i] = byte(i)
	}
	for seq := 0; seq < l.count; seq++ {
		sent[uint16(seq)] = time.Now()
		if err := b.ICMP.SendEcho(sn0, dstLink, src, dst, loopbackIdent, uint16(seq), payload); err != nil {
			return fmt.Errorf("echo request %d: %s", seq, err)
		}
		if err := b.UDP.SendTo(sn0, dstLink, src, dst, loopbackPort, loopbackPort, payload); err != nil {
			return fmt.Errorf("datagram %d: %s", seq, err)
		}
		for b.Stack.Poll() > 0 {
		}
	}

	fmt.Fprintf(out, "--- %s ping statistics ---\n", dst)
	fmt.Fprintf(out, "%d packets transmitted, %d received, %d datagrams delivered\n", l.count, replies, datagrams)
	if l.stats {
		if err := writeStats(out, b, "loopback counters"); err != nil {
			return err
		}
	}
	if replies != l.count || datagrams != l.count {
		return fmt.Errorf("lost traffic: %d/%d replies, %d/%d datagrams", replies, l.count, datagrams, l.count)
	}
	return nil
}

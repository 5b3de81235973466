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

// Package board brings up a stack on the NICs a board description names and
// keeps it running.
package board

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/pktio/pkg/config"
	"gvisor.dev/pktio/pkg/dma"
	"gvisor.dev/pktio/pkg/irq"
	"gvisor.dev/pktio/pkg/log"
	"gvisor.dev/pktio/pkg/mmio"
	"gvisor.dev/pktio/pkg/prometheus"
	"gvisor.dev/pktio/pkg/tcpip"
	"gvisor.dev/pktio/pkg/tcpip/link/enet"
	"gvisor.dev/pktio/pkg/tcpip/link/enet/enetsim"
	"gvisor.dev/pktio/pkg/tcpip/link/sniffer"
	"gvisor.dev/pktio/pkg/tcpip/network/ipv4"
	"gvisor.dev/pktio/pkg/tcpip/stack"
	"gvisor.dev/pktio/pkg/tcpip/transport/icmp"
	"gvisor.dev/pktio/pkg/tcpip/transport/udp"
)

// tap is a host interface bridged to a simulated NIC.
type tap interface {
	enetsim.Wire
	Run(ctx context.Context, deliver func(frame []byte)) error
	Close() error
}

// NIC is one brought-up interface.
type NIC struct {
	// Config is the NIC's description, with defaults applied.
	Config config.NIC

	ID       tcpip.NICID
	Endpoint *enet.Endpoint

	// Sim is the device model behind a simulated NIC. It is nil on
	// config.BusMem.
	Sim *enetsim.Device

	mapping *mmio.Mapping
	tap     tap
	sniffer *sniffer.Endpoint
	pcap    *os.File
}

// Name returns the NIC's name.
func (n *NIC) Name() string {
	return n.Config.Name
}

// Board is a stack with its NICs, interrupt controller and DMA arena.
type Board struct {
	Stack *stack.Stack
	IRQ   *irq.Controller
	Arena *dma.Arena
	UDP   *udp.Protocol
	ICMP  *icmp.Protocol

	nics   []*NIC
	byName map[string]*NIC
}

// New builds the board conf describes. Devices are not touched until Start.
func New(conf *config.Board) (_ *Board, retErr error) {
	arena, err := dma.NewArena(dma.Options{
		Base:     conf.Arena.Base,
		Size:     conf.Arena.Size,
		Coherent: conf.Arena.Coherent,
		Path:     conf.DevMem(),
	})
	if err != nil {
		return nil, err
	}
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{udp.NewProtocol, icmp.NewProtocol},
	})
	b := &Board{
		Stack:  s,
		IRQ:    irq.NewController(),
		Arena:  arena,
		UDP:    s.TransportProtocolInstance(udp.ProtocolNumber).(*udp.Protocol),
		ICMP:   s.TransportProtocolInstance(icmp.ProtocolNumber).(*icmp.Protocol),
		byName: make(map[string]*NIC, len(conf.NICs)),
	}
	defer func() {
		if retErr != nil {
			b.Close()
		}
	}()

	for i, nc := range conf.NICs {
		n, err := b.addNIC(tcpip.NICID(i+1), nc)
		if err != nil {
			return nil, fmt.Errorf("nic %q: %w", nc.Name, err)
		}
		b.nics = append(b.nics, n)
		b.byName[nc.Name] = n
	}

	cabled := make(map[string]bool)
	for _, n := range b.nics {
		kind, peer := n.Config.WireKind()
		if kind != "peer" || cabled[n.Name()] {
			continue
		}
		p := b.byName[peer]
		enetsim.Cable(n.Sim, p.Sim)
		cabled[n.Name()], cabled[peer] = true, true
		log.Infof("Cabled %s to %s", n.Name(), peer)
	}

	for i, r := range conf.Routes {
		pr, err := r.Parse()
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		n, ok := b.byName[pr.NIC]
		if !ok {
			return nil, fmt.Errorf("route %d: unknown nic %q", i, pr.NIC)
		}
		s.AddRoute(tcpip.Route{Destination: pr.Destination, Gateway: pr.Gateway, NIC: n.ID})
	}
	return b, nil
}

func (b *Board) addNIC(id tcpip.NICID, nc config.NIC) (*NIC, error) {
	regs, err := nc.RegisterMap()
	if err != nil {
		return nil, err
	}
	linkAddr, err := nc.LinkAddress()
	if err != nil {
		return nil, err
	}
	prefixes, err := nc.Prefixes()
	if err != nil {
		return nil, err
	}

	n := &NIC{Config: nc, ID: id}
	var bus mmio.Bus
	switch nc.Bus {
	case config.BusSim:
		line := nc.Line()
		n.Sim = enetsim.New(enetsim.Options{
			Regs:  regs,
			Arena: b.Arena,
			Raise: func() { b.IRQ.Raise(line) },
		})
		bus = n.Sim
	case config.BusMem:
		n.mapping, err = mmio.Open(nc.DevMem, nc.MMIOBase, int(regs.Size()))
		if err != nil {
			return nil, err
		}
		bus = n.mapping
	default:
		return nil, fmt.Errorf("unknown bus %q", nc.Bus)
	}

	n.Endpoint, err = enet.New(enet.Options{
		Name:        nc.Name,
		Regs:        regs,
		Bus:         bus,
		Arena:       b.Arena,
		IRQ:         b.IRQ,
		Line:        nc.Line(),
		RxRingSize:  nc.RxRingSize,
		TxRingSize:  nc.TxRingSize,
		FrameSize:   nc.FrameSize,
		MTU:         nc.MTU,
		LinkAddress: linkAddr,
		ResetPolls:  nc.ResetPolls,
		TxPolls:     nc.TxPolls,
	})
	if err != nil {
		n.close()
		return nil, err
	}

	if kind, name := nc.WireKind(); kind == "tap" {
		hostAddr, err := nc.TapPrefix()
		if err != nil {
			n.close()
			return nil, err
		}
		if n.tap, err = openTap(name, hostAddr); err != nil {
			n.close()
			return nil, err
		}
		n.Sim.SetWire(n.tap)
	}

	var ep stack.LinkEndpoint = n.Endpoint
	switch {
	case nc.PCAP != "":
		if n.pcap, err = os.Create(nc.PCAP); err != nil {
			n.close()
			return nil, err
		}
		if n.sniffer, err = sniffer.NewWithWriter(ep, n.pcap, nc.SnapLen); err != nil {
			n.close()
			return nil, err
		}
		ep = n.sniffer
	case nc.LogPackets:
		ep = sniffer.New(ep)
	}

	if err := b.Stack.CreateNIC(id, nc.Name, ep); err != nil {
		n.close()
		return nil, fmt.Errorf("CreateNIC: %s", err)
	}
	for _, p := range prefixes {
		addr := tcpip.AddrFrom4(p.Addr().As4())
		if err := b.Stack.AddAddress(id, addr); err != nil {
			n.close()
			return nil, fmt.Errorf("AddAddress(%s): %s", addr, err)
		}
		masked := p.Masked()
		subnet, err := tcpip.NewSubnet(tcpip.AddrFrom4(masked.Addr().As4()), tcpip.MaskFromPrefix(masked.Bits()))
		if err != nil {
			n.close()
			return nil, err
		}
		b.Stack.AddRoute(tcpip.Route{Destination: subnet, NIC: id})
	}
	return n, nil
}

// NICs returns the board's NICs in configuration order.
func (b *Board) NICs() []*NIC {
	return b.nics
}

// NIC returns the NIC called name.
func (b *Board) NIC(name string) (*NIC, bool) {
	n, ok := b.byName[name]
	return n, ok
}

// StackNIC returns the stack's view of n.
func (b *Board) StackNIC(n *NIC) *stack.NIC {
	sn, _ := b.Stack.NIC(n.ID)
	return sn
}

// Start resets every NIC, retrying each up to retries times with exponential
// backoff. It stops at the first NIC that cannot be brought up.
func (b *Board) Start(ctx context.Context, retries uint64) error {
	for _, n := range b.nics {
		attempt := 0
		op := func() error {
			attempt++
			if err := n.Endpoint.Start(); err != nil {
				log.Warningf("%s: start attempt %d failed: %s", n.Name(), attempt, err)
				return fmt.Errorf("%s: %s", n.Name(), err)
			}
			return nil
		}
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 10 * time.Millisecond
		if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx)); err != nil {
			return err
		}
		log.Infof("%s: up, link address %s, addresses %v", n.Name(), n.Endpoint.LinkAddress(), b.StackNIC(n).Addresses())
	}
	return nil
}

// Run processes frames until ctx is done or a component fails, and returns nil
// in the former case. It runs the stack's consumer, a reader per tap wire and
// an interrupt poller per NIC on config.BusMem.
func (b *Board) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Stack.Run(gctx)
	})
	for _, n := range b.nics {
		if n.tap != nil {
			g.Go(func() error {
				return n.tap.Run(gctx, func(frame []byte) { n.Sim.Receive(frame) })
			})
		}
		if n.Config.Bus == config.BusMem {
			g.Go(func() error {
				return b.pollIRQ(gctx, n.Config.Line(), n.Config.IRQPoll)
			})
		}
	}
	err := g.Wait()
	if ctx.Err() != nil {
		// Stopped from outside.
		return nil
	}
	return err
}

// pollIRQ raises line every period. User space cannot take the device's
// interrupt, and the handler ignores raises the device did not cause.
func (b *Board) pollIRQ(ctx context.Context, line irq.Line, period time.Duration) error {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			b.IRQ.Raise(line)
		}
	}
}

// Snapshot collects every NIC's counters and the stack-wide counters.
func (b *Board) Snapshot() *prometheus.Snapshot {
	s := prometheus.NewSnapshot()
	for _, n := range b.nics {
		s.AddNICStats(n.Name(), n.Endpoint.Stats())
	}
	return s.AddStackStats(b.Stack.Stats())
}

// Close stops every NIC and releases the board's resources.
func (b *Board) Close() {
	for _, n := range b.nics {
		n.close()
	}
	if err := b.Arena.Close(); err != nil {
		log.Warningf("closing DMA arena: %v", err)
	}
}

func (n *NIC) close() {
	if n.Endpoint != nil {
		n.Endpoint.Close()
	}
	if n.tap != nil {
		if err := n.tap.Close(); err != nil {
			log.Warningf("%s: closing tap: %v", n.Config.Name, err)
		}
	}
	if n.sniffer != nil {
		n.sniffer.Close()
	}
	if n.pcap != nil {
		if err := n.pcap.Close(); err != nil {
			log.Warningf("%s: closing capture: %v", n.Config.Name, err)
		}
	}
	if n.mapping != nil {
		if err := n.mapping.Close(); err != nil {
			log.Warningf("%s: unmapping registers: %v", n.Config.Name, err)
		}
	}
}

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

package enet

import (
	"fmt"
	"sync"
	"time"

	"gvisor.dev/pktio/pkg/dma"
	"gvisor.dev/pktio/pkg/irq"
	"gvisor.dev/pktio/pkg/log"
	"gvisor.dev/pktio/pkg/mmio"
	"gvisor.dev/pktio/pkg/tcpip"
	"gvisor.dev/pktio/pkg/tcpip/header"
	"gvisor.dev/pktio/pkg/tcpip/stack"
)

const (
	// DefaultRingSize is the default number of descriptors per ring.
	DefaultRingSize = 16

	// DefaultFrameSize is the default size of each ring buffer.
	DefaultFrameSize = 2048

	// DefaultResetPolls bounds how often ECR is read while waiting for a
	// reset to complete.
	DefaultResetPolls = 100000

	// DefaultTxPolls bounds how often TDAR is read after ringing the
	// transmit doorbell.
	DefaultTxPolls = 255

	// anomalyLogInterval limits how often interrupt-path anomalies are
	// logged.
	anomalyLogInterval = time.Second
)

// State is the lifecycle state of an Endpoint.
type State int

const (
	// Uninitialized endpoints have not been started.
	Uninitialized State = iota

	// Ready endpoints move frames.
	Ready

	// Disabled endpoints failed to reset. They stay disabled until a later
	// Reset succeeds.
	Disabled
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Disabled:
		return "disabled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configure an Endpoint.
type Options struct {
	// Name is used in logs and as the interrupt action name.
	Name string

	// Regs is the register layout. It must be valid.
	Regs *RegisterMap

	// Bus gives access to the device registers.
	Bus mmio.Bus

	// Arena holds the rings and their buffers.
	Arena *dma.Arena

	// IRQ is the interrupt controller the device is wired to, and Line its
	// interrupt line.
	IRQ  *irq.Controller
	Line irq.Line

	// RxRingSize and TxRingSize default to DefaultRingSize.
	RxRingSize int
	TxRingSize int

	// FrameSize defaults to DefaultFrameSize.
	FrameSize int

	// MTU defaults to the largest IPv4 packet a frame buffer can carry.
	MTU uint32

	// LinkAddress is programmed into the device on reset.
	LinkAddress tcpip.LinkAddress

	// ResetPolls and TxPolls default to DefaultResetPolls and
	// DefaultTxPolls.
	ResetPolls int
	TxPolls    int
}

// Endpoint is a stack.LinkEndpoint driving one ENET device.
type Endpoint struct {
	name  string
	regs  *RegisterMap
	bus   mmio.Bus
	irq   *irq.Controller
	line  irq.Line
	mtu   uint32
	stats tcpip.NICStats

	resetPolls int
	txPolls    int

	// log prefixes messages with the device name, and anomalies rate
	// limits them for the interrupt path.
	log       log.Logger
	anomalies log.Logger

	// mu protects the rings, the device registers and the fields below.
	// Callers outside interrupt context also mask interrupts while holding
	// it.
	mu sync.Mutex

	// +checklocks:mu
	state State
	// +checklocks:mu
	rx *RxRing
	// +checklocks:mu
	tx *TxRing
	// +checklocks:mu
	linkAddr tcpip.LinkAddress
	// +checklocks:mu
	dispatcher stack.NetworkDispatcher
}

var _ stack.LinkEndpoint = (*Endpoint)(nil)

// New allocates rings for a device and attaches its interrupt handler. The
// device is not touched until Start.
func New(opts Options) (*Endpoint, error) {
	if opts.Regs == nil || opts.Bus == nil || opts.Arena == nil || opts.IRQ == nil {
		return nil, fmt.Errorf("enet: Regs, Bus, Arena and IRQ are required")
	}
	if err := opts.Regs.Validate(); err != nil {
		return nil, err
	}
	if len(opts.LinkAddress) != header.EthernetAddressSize {
		return nil, fmt.Errorf("enet: invalid link address %q", opts.LinkAddress)
	}
	if opts.Name == "" {
		opts.Name = "enet"
	}
	if opts.RxRingSize == 0 {
		opts.RxRingSize = DefaultRingSize
	}
	if opts.TxRingSize == 0 {
		opts.TxRingSize = DefaultRingSize
	}
	if opts.FrameSize == 0 {
		opts.FrameSize = DefaultFrameSize
	}
	if opts.MTU == 0 {
		opts.MTU = uint32(opts.FrameSize - header.EthernetMinimumSize)
	}
	if opts.ResetPolls == 0 {
		opts.ResetPolls = DefaultResetPolls
	}
	if opts.TxPolls == 0 {
		opts.TxPolls = DefaultTxPolls
	}

	rx, err := NewRxRing(opts.Arena, opts.RxRingSize, opts.FrameSize)
	if err != nil {
		return nil, fmt.Errorf("enet %s: rx ring: %w", opts.Name, err)
	}
	tx, err := NewTxRing(opts.Arena, opts.TxRingSize, opts.FrameSize)
	if err != nil {
		return nil, fmt.Errorf("enet %s: tx ring: %w", opts.Name, err)
	}

	logger := log.Prefixed(opts.Name + ": ")
	e := &Endpoint{
		name:       opts.Name,
		regs:       opts.Regs,
		bus:        opts.Bus,
		irq:        opts.IRQ,
		line:       opts.Line,
		mtu:        opts.MTU,
		resetPolls: opts.ResetPolls,
		txPolls:    opts.TxPolls,
		log:        logger,
		anomalies:  log.RateLimitedLogger(logger, anomalyLogInterval),
		rx:         rx,
		tx:         tx,
		linkAddr:   opts.LinkAddress,
	}
	if err := opts.IRQ.Attach(opts.Line, opts.Name, e.handleInterrupt, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Close halts the device and detaches the interrupt handler.
func (e *Endpoint) Close() {
	e.irq.Detach(e.line)
	ipl := e.irq.Save()
	defer e.irq.Restore(ipl)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Ready {
		e.write(EIMR, 0)
		e.write(ECR, 0)
	}
	e.state = Uninitialized
}

func (e *Endpoint) read(r Register) uint32 {
	return e.bus.Read32(e.regs.Offset(r))
}

func (e *Endpoint) write(r Register, v uint32) {
	e.bus.Write32(e.regs.Offset(r), v)
}

// State returns the lifecycle state.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Name returns the endpoint name.
func (e *Endpoint) Name() string {
	return e.name
}

// MTU implements stack.LinkEndpoint.MTU.
func (e *Endpoint) MTU() uint32 {
	return e.mtu
}

// LinkAddress implements stack.LinkEndpoint.LinkAddress.
func (e *Endpoint) LinkAddress() tcpip.LinkAddress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.linkAddr
}

// SetLinkAddress implements stack.LinkEndpoint.SetLinkAddress. A started
// device is reprogrammed immediately.
func (e *Endpoint) SetLinkAddress(addr tcpip.LinkAddress) *tcpip.Error {
	if len(addr) != header.EthernetAddressSize {
		return tcpip.ErrInvalidOptionValue
	}
	ipl := e.irq.Save()
	defer e.irq.Restore(ipl)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.linkAddr = addr
	if e.state == Ready {
		e.programLinkAddressLocked()
	}
	return nil
}

// programLinkAddressLocked writes the station address into PALR and PAUR.
//
// +checklocks:e.mu
func (e *Endpoint) programLinkAddressLocked() {
	a := e.linkAddr
	e.write(PALR, uint32(a[0])<<24|uint32(a[1])<<16|uint32(a[2])<<8|uint32(a[3]))
	// The low half of PAUR holds the pause frame type.
	e.write(PAUR, uint32(a[4])<<24|uint32(a[5])<<16|0x8808)
}

// Attach implements stack.LinkEndpoint.Attach.
func (e *Endpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatcher = dispatcher
}

// IsAttached implements stack.LinkEndpoint.IsAttached.
func (e *Endpoint) IsAttached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dispatcher != nil
}

// Stats implements stack.LinkEndpoint.Stats.
func (e *Endpoint) Stats() *tcpip.NICStats {
	return &e.stats
}

// Start implements stack.LinkEndpoint.Start. It resets the device unless it
// is already Ready.
func (e *Endpoint) Start() *tcpip.Error {
	ipl := e.irq.Save()
	defer e.irq.Restore(ipl)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Ready {
		return nil
	}
	return e.resetLocked()
}

// Reset halts and reinitializes the device. Configuration registers survive;
// frames in either ring are lost. If the device does not come out of reset
// the endpoint becomes Disabled and ErrDeviceDisabled is returned.
func (e *Endpoint) Reset() *tcpip.Error {
	ipl := e.irq.Save()
	defer e.irq.Restore(ipl)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resetLocked()
}

// +checklocks:e.mu
func (e *Endpoint) resetLocked() *tcpip.Error {
	bits := &e.regs.Bits
	e.log.Debugf("resetting")

	var saved [NumRegisters]uint32
	for _, r := range configRegisters {
		saved[r] = e.read(r)
	}

	e.write(ECR, bits.Reset)
	done := false
	for i := 0; i < e.resetPolls; i++ {
		if e.read(ECR)&bits.Reset == 0 {
			done = true
			break
		}
	}
	if !done {
		e.state = Disabled
		e.log.Warningf("device did not leave reset after %d polls, disabling", e.resetPolls)
		return tcpip.ErrDeviceDisabled
	}

	for _, r := range configRegisters {
		e.write(r, saved[r])
	}

	e.rx.Init()
	e.tx.Init()
	e.write(RDSR, e.rx.Base())
	e.write(TDSR, e.tx.Base())
	e.write(MRBR, uint32(e.rx.FrameSize()))
	e.programLinkAddressLocked()

	e.write(EIMR, bits.InterruptMask())
	e.write(EIR, ^uint32(0))
	e.write(TCR, e.regs.TCR)
	e.write(RCR, e.regs.RCR)

	// Enabling the device must be the last configuration step.
	e.write(ECR, e.read(ECR)|bits.Enable)
	e.write(RDAR, bits.Active)

	e.state = Ready
	e.stats.Resets.Increment()
	return nil
}

// Transmit implements stack.LinkEndpoint.Transmit. The frame is copied into
// the transmit ring, so pkt is released on success.
//
// Transmit waits a bounded number of polls for the device to fetch the
// frame. A timeout is counted and logged but does not fail the call.
func (e *Endpoint) Transmit(pkt *stack.PacketBuffer) *tcpip.Error {
	ipl := e.irq.Save()
	defer e.irq.Restore(ipl)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Uninitialized:
		return tcpip.ErrInvalidEndpointState
	case Disabled:
		return tcpip.ErrDeviceDisabled
	}

	e.stats.TxAttempts.Increment()
	if err := e.tx.Submit(pkt.Data()); err != nil {
		if err == tcpip.ErrRingFull {
			e.stats.TxRingFull.Increment()
		}
		return err
	}
	pkt.Release()
	e.stats.TxPackets.Increment()

	active := e.regs.Bits.Active
	e.write(TDAR, active)
	for i := 0; e.read(TDAR)&active != 0; i++ {
		if i == e.txPolls {
			e.stats.TxTimeouts.Increment()
			e.anomalies.Warningf("transmit doorbell not acknowledged after %d polls", e.txPolls)
			break
		}
	}
	return nil
}

func (e *Endpoint) handleInterrupt(irq.Line, any) irq.Result {
	return e.HandleInterrupt()
}

// HandleInterrupt services the device: it acknowledges the pending events,
// reclaims transmitted slots and hands received frames to the dispatcher.
// Frames are delivered after the endpoint lock is dropped.
func (e *Endpoint) HandleInterrupt() irq.Result {
	e.mu.Lock()
	if e.state == Uninitialized {
		e.mu.Unlock()
		return irq.Unhandled
	}
	bits := &e.regs.Bits
	eir := e.read(EIR)
	if eir == 0 {
		e.mu.Unlock()
		return irq.Unhandled
	}
	e.write(EIR, eir)
	if e.state == Disabled {
		e.mu.Unlock()
		return irq.Handled
	}
	e.write(RDAR, bits.Active)

	if eir == bits.GracefulStop {
		e.mu.Unlock()
		return irq.Handled
	}

	if eir&bits.BusError != 0 {
		e.stats.BusErrors.Increment()
		e.log.Warningf("bus error (EIR %#08x), resetting", eir)
		e.resetLocked()
		e.mu.Unlock()
		return irq.Handled
	}

	var frames []*stack.PacketBuffer
	if eir&bits.RxEvents() != 0 {
		if e.rx.CurrentEmpty() {
			e.stats.RxEmptyDescriptors.Increment()
			e.anomalies.Warningf("receive interrupt with empty current descriptor")
		}
		for pkt, flags := range e.rx.Harvest() {
			if pkt == nil {
				e.countRxError(flags)
				continue
			}
			e.stats.RxPackets.Increment()
			frames = append(frames, pkt)
		}
	}

	if eir&bits.TxEvents() != 0 {
		n := 0
		for range e.tx.Reclaim() {
			n++
		}
		if n == 0 {
			e.stats.TxLostCompletions.Increment()
			e.anomalies.Warningf("transmit interrupt but no frame was transmitted")
		}
		e.stats.TxCompleted.IncrementBy(uint64(n))
	}

	d := e.dispatcher
	e.mu.Unlock()

	for _, pkt := range frames {
		if d == nil {
			pkt.Release()
			continue
		}
		d.DeliverNetworkPacket(pkt)
	}
	return irq.Handled
}

func (e *Endpoint) countRxError(flags Flags) {
	e.stats.RxHardwareErrors.Increment()
	switch {
	case flags&RxCRCError != 0:
		e.stats.RxCRCErrors.Increment()
	case flags&(RxLengthViolation|RxTruncated) != 0:
		e.stats.RxLengthErrors.Increment()
	}
	if e.anomalies.IsLogging(log.Debug) {
		e.anomalies.Debugf("dropping damaged frame (%s)", flags)
	}
}

// TxOutstanding returns the number of transmit slots owned by the device.
func (e *Endpoint) TxOutstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tx.Outstanding()
}

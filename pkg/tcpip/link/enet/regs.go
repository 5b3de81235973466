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
	"slices"
)

// Register names a device register. Offsets come from a RegisterMap.
type Register int

// Registers used by the driver.
const (
	EIR  Register = iota // interrupt event (write 1 to clear)
	EIMR                 // interrupt mask
	RDAR                 // receive descriptor active
	TDAR                 // transmit descriptor active
	ECR                  // control
	MSCR                 // MII speed control
	RCR                  // receive control
	TCR                  // transmit control
	PALR                 // physical address low
	PAUR                 // physical address high
	IAUR                 // individual hash high
	IALR                 // individual hash low
	GAUR                 // group hash high
	GALR                 // group hash low
	TFWR                 // transmit FIFO watermark
	RDSR                 // receive descriptor ring start
	TDSR                 // transmit descriptor ring start
	MRBR                 // maximum receive buffer size

	NumRegisters
)

var registerNames = [NumRegisters]string{
	EIR:  "EIR",
	EIMR: "EIMR",
	RDAR: "RDAR",
	TDAR: "TDAR",
	ECR:  "ECR",
	MSCR: "MSCR",
	RCR:  "RCR",
	TCR:  "TCR",
	PALR: "PALR",
	PAUR: "PAUR",
	IAUR: "IAUR",
	IALR: "IALR",
	GAUR: "GAUR",
	GALR: "GALR",
	TFWR: "TFWR",
	RDSR: "RDSR",
	TDSR: "TDSR",
	MRBR: "MRBR",
}

// String implements fmt.Stringer.
func (r Register) String() string {
	if r >= 0 && r < NumRegisters {
		return registerNames[r]
	}
	return fmt.Sprintf("Register(%d)", int(r))
}

// RegisterByName looks up a register by its name, e.g. "EIR".
func RegisterByName(name string) (Register, bool) {
	i := slices.Index(registerNames[:], name)
	if i < 0 {
		return 0, false
	}
	return Register(i), true
}

// configRegisters are preserved across a reset.
var configRegisters = []Register{EIMR, MSCR, RCR, TCR, PALR, PAUR, IAUR, IALR, GAUR, GALR, TFWR}

// Bits holds the register bit assignments of a device.
type Bits struct {
	// Reset and Enable are ECR bits. Reset self-clears once the device has
	// finished resetting.
	Reset  uint32
	Enable uint32

	// Active is written to RDAR and TDAR to signal new descriptors. The
	// device clears it from TDAR once it has fetched every ready
	// descriptor.
	Active uint32

	// EIR bits.
	BusError     uint32
	GracefulStop uint32
	TxFrame      uint32
	TxBuffer     uint32
	RxFrame      uint32
	RxBuffer     uint32
}

// RxEvents returns the EIR bits that report received frames.
func (b *Bits) RxEvents() uint32 {
	return b.RxFrame | b.RxBuffer
}

// TxEvents returns the EIR bits that report transmitted frames.
func (b *Bits) TxEvents() uint32 {
	return b.TxFrame | b.TxBuffer
}

// InterruptMask returns the EIR bits the driver services.
func (b *Bits) InterruptMask() uint32 {
	return b.BusError | b.GracefulStop | b.RxEvents() | b.TxEvents()
}

// RegisterMap describes the register layout of one board's MAC.
type RegisterMap struct {
	// Name identifies the layout, e.g. "imx6".
	Name string

	// Offsets holds the byte offset of every register from the MMIO base.
	Offsets [NumRegisters]uint32

	// Bits holds the bit assignments.
	Bits Bits

	// RCR and TCR are the receive and transmit control values programmed
	// on reset.
	RCR uint32
	TCR uint32
}

// IMX6 returns the register layout of the i.MX6 ENET.
func IMX6() *RegisterMap {
	return &RegisterMap{
		Name: "imx6",
		Offsets: [NumRegisters]uint32{
			EIR:  0x004,
			EIMR: 0x008,
			RDAR: 0x010,
			TDAR: 0x014,
			ECR:  0x024,
			MSCR: 0x044,
			RCR:  0x084,
			TCR:  0x0c4,
			PALR: 0x0e4,
			PAUR: 0x0e8,
			IAUR: 0x118,
			IALR: 0x11c,
			GAUR: 0x120,
			GALR: 0x124,
			TFWR: 0x144,
			RDSR: 0x180,
			TDSR: 0x184,
			MRBR: 0x188,
		},
		Bits: Bits{
			Reset:        1 << 0,
			Enable:       1 << 1,
			Active:       1 << 24,
			BusError:     1 << 22,
			GracefulStop: 1 << 28,
			TxFrame:      1 << 27,
			TxBuffer:     1 << 26,
			RxFrame:      1 << 25,
			RxBuffer:     1 << 24,
		},
		// Maximum frame length 2048, flow control, MII mode.
		RCR: 0x08000124,
		// Full duplex.
		TCR: 1 << 2,
	}
}

var presets = map[string]func() *RegisterMap{
	"imx6": IMX6,
}

// Preset returns a copy of the named register layout.
func Preset(name string) (*RegisterMap, error) {
	f, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("unknown register preset %q", name)
	}
	return f(), nil
}

// Offset returns the offset of r.
func (m *RegisterMap) Offset(r Register) uint32 {
	return m.Offsets[r]
}

// Override moves the named register to off.
func (m *RegisterMap) Override(name string, off uint32) error {
	r, ok := RegisterByName(name)
	if !ok {
		return fmt.Errorf("unknown register %q", name)
	}
	m.Offsets[r] = off
	return nil
}

// Size returns the size of the MMIO window the layout needs.
func (m *RegisterMap) Size() uint32 {
	return slices.Max(m.Offsets[:]) + 4
}

// Validate checks that registers are word aligned and do not overlap, and that
// the bits the driver relies on are set.
func (m *RegisterMap) Validate() error {
	seen := make(map[uint32]Register, NumRegisters)
	for r, off := range m.Offsets {
		if off%4 != 0 {
			return fmt.Errorf("%s: register %s at unaligned offset %#x", m.Name, Register(r), off)
		}
		if other, ok := seen[off]; ok {
			return fmt.Errorf("%s: registers %s and %s share offset %#x", m.Name, other, Register(r), off)
		}
		seen[off] = Register(r)
	}
	b := &m.Bits
	for _, bit := range []struct {
		name string
		v    uint32
	}{
		{"reset", b.Reset},
		{"enable", b.Enable},
		{"active", b.Active},
		{"bus error", b.BusError},
		{"rx frame", b.RxFrame},
		{"tx frame", b.TxFrame},
	} {
		if bit.v == 0 {
			return fmt.Errorf("%s: %s bit not set", m.Name, bit.name)
		}
	}
	if b.Reset&b.Enable != 0 {
		return fmt.Errorf("%s: reset and enable bits overlap", m.Name)
	}
	return nil
}

// String renders the layout as a table.
func (m *RegisterMap) String() string {
	var sb []byte
	sb = fmt.Appendf(sb, "%s:\n", m.Name)
	for r := Register(0); r < NumRegisters; r++ {
		sb = fmt.Appendf(sb, "  %-4s %#x\n", r, m.Offsets[r])
	}
	return string(sb)
}

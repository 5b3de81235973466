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

package config

import (
	"bytes"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"gvisor.dev/pktio/pkg/irq"
	"gvisor.dev/pktio/pkg/tcpip"
	"gvisor.dev/pktio/pkg/tcpip/link/enet"
)

const (
	// DefaultArenaBase is the bus address of the DMA arena.
	DefaultArenaBase = 0x10000000

	// DefaultArenaSize is the size of the DMA arena.
	DefaultArenaSize = 1 << 20

	// DefaultPreset is the register layout used when a NIC names none.
	DefaultPreset = "imx6"

	// DefaultDevMem is the device mapped by NICs on BusMem.
	DefaultDevMem = "/dev/mem"

	// DefaultIRQPoll is how often interrupts are polled on BusMem.
	DefaultIRQPoll = time.Millisecond
)

// Bus selects how a NIC's registers are reached.
type Bus string

const (
	// BusSim attaches the NIC to the software device model.
	BusSim Bus = "sim"

	// BusMem maps real registers from a memory device. Interrupts are
	// polled since user space cannot take them.
	BusMem Bus = "mem"
)

// Format is a board file encoding.
type Format int

const (
	// TOML is the default board file encoding.
	TOML Format = iota
	// YAML is selected by the .yaml and .yml extensions.
	YAML
)

// String implements fmt.Stringer.
func (f Format) String() string {
	switch f {
	case TOML:
		return "toml"
	case YAML:
		return "yaml"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// FormatFromPath picks the encoding of a board file by its extension.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAML
	default:
		return TOML
	}
}

// Arena describes the DMA arena shared by all NICs.
type Arena struct {
	Base     uint32 `toml:"base" yaml:"base"`
	Size     int    `toml:"size" yaml:"size"`
	Coherent bool   `toml:"coherent" yaml:"coherent"`
}

// NIC describes one ENET device and the stack interface on top of it.
type NIC struct {
	// Name identifies the NIC in logs, routes and wires.
	Name string `toml:"name" yaml:"name"`

	// IRQ is the interrupt line. Lines must be unique.
	IRQ uint32 `toml:"irq" yaml:"irq"`

	// Bus defaults to BusSim.
	Bus Bus `toml:"bus" yaml:"bus"`

	// DevMem and MMIOBase locate the registers on BusMem.
	DevMem   string `toml:"devmem" yaml:"devmem"`
	MMIOBase int64  `toml:"mmio_base" yaml:"mmio_base"`

	// IRQPoll is the interrupt poll period on BusMem.
	IRQPoll time.Duration `toml:"irq_poll" yaml:"irq_poll"`

	// Preset names the register layout, and Registers moves individual
	// registers, keyed by register name.
	Preset    string            `toml:"preset" yaml:"preset"`
	Registers map[string]uint32 `toml:"registers" yaml:"registers"`

	RxRingSize int    `toml:"rx_ring_size" yaml:"rx_ring_size"`
	TxRingSize int    `toml:"tx_ring_size" yaml:"tx_ring_size"`
	FrameSize  int    `toml:"frame_size" yaml:"frame_size"`
	MTU        uint32 `toml:"mtu" yaml:"mtu"`
	ResetPolls int    `toml:"reset_polls" yaml:"reset_polls"`
	TxPolls    int    `toml:"tx_polls" yaml:"tx_polls"`

	// MAC is the station address, aa:bb:cc:dd:ee:ff.
	MAC string `toml:"mac" yaml:"mac"`

	// Addresses are the NIC's IPv4 addresses in CIDR notation. Each one
	// adds an on-link route for its subnet.
	Addresses []string `toml:"addresses" yaml:"addresses"`

	// Wire connects a simulated NIC to the outside: "tap:<ifname>" bridges
	// it to a host TAP device and "peer:<nic>" cables it to another NIC.
	// Empty leaves it unconnected.
	Wire string `toml:"wire" yaml:"wire"`

	// TapAddress is assigned to the host side of a tap wire, in CIDR
	// notation.
	TapAddress string `toml:"tap_address" yaml:"tap_address"`

	// LogPackets logs a summary of every frame the NIC sends or receives.
	LogPackets bool `toml:"log_packets" yaml:"log_packets"`

	// PCAP, if set, names a file that captures the NIC's frames. It takes
	// precedence over LogPackets. SnapLen bounds the bytes kept per frame
	// and defaults to the frame size.
	PCAP    string `toml:"pcap" yaml:"pcap"`
	SnapLen uint32 `toml:"snap_len" yaml:"snap_len"`
}

// Route is a static route.
type Route struct {
	Destination string `toml:"destination" yaml:"destination"`
	Gateway     string `toml:"gateway" yaml:"gateway"`
	NIC         string `toml:"nic" yaml:"nic"`
}

// Board is a complete board description.
type Board struct {
	Arena  Arena   `toml:"arena" yaml:"arena"`
	NICs   []NIC   `toml:"nic" yaml:"nics"`
	Routes []Route `toml:"route" yaml:"routes"`
}

// Load reads and validates the board file at path.
func Load(path string) (*Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b, err := Decode(data, FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

// Decode parses a board description, fills in defaults and validates it.
// Unknown keys are errors.
func Decode(data []byte, format Format) (*Board, error) {
	b := &Board{}
	switch format {
	case TOML:
		md, err := toml.Decode(string(data), b)
		if err != nil {
			return nil, err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys %v", undecoded)
		}
	case YAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(b); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported format %s", format)
	}
	b.setDefaults()
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// setDefaults fills in every field left unset.
func (b *Board) setDefaults() {
	if b.Arena.Base == 0 {
		b.Arena.Base = DefaultArenaBase
	}
	if b.Arena.Size == 0 {
		b.Arena.Size = DefaultArenaSize
	}
	for i := range b.NICs {
		n := &b.NICs[i]
		if n.Bus == "" {
			n.Bus = BusSim
		}
		if n.Bus == BusMem {
			if n.DevMem == "" {
				n.DevMem = DefaultDevMem
			}
			if n.IRQPoll == 0 {
				n.IRQPoll = DefaultIRQPoll
			}
		}
		if n.Preset == "" {
			n.Preset = DefaultPreset
		}
		if n.RxRingSize == 0 {
			n.RxRingSize = enet.DefaultRingSize
		}
		if n.TxRingSize == 0 {
			n.TxRingSize = enet.DefaultRingSize
		}
		if n.FrameSize == 0 {
			n.FrameSize = enet.DefaultFrameSize
		}
		if n.PCAP != "" && n.SnapLen == 0 {
			n.SnapLen = uint32(n.FrameSize)
		}
		if n.MAC == "" {
			// Locally administered, unicast.
			n.MAC = fmt.Sprintf("02:00:00:00:00:%02x", i+1)
		}
	}
}

// DevMem returns the memory device that backs the DMA arena: the device of
// the board's BusMem NICs, or "" if every NIC is simulated.
func (b *Board) DevMem() string {
	for _, n := range b.NICs {
		if n.Bus == BusMem {
			return n.DevMem
		}
	}
	return ""
}

// Validate checks the board for consistency.
func (b *Board) Validate() error {
	if b.Arena.Size <= 0 {
		return fmt.Errorf("arena: invalid size %d", b.Arena.Size)
	}
	if uint64(b.Arena.Base)+uint64(b.Arena.Size) > 1<<32 {
		return fmt.Errorf("arena: [%#x, %#x) exceeds the 32-bit bus", b.Arena.Base, uint64(b.Arena.Base)+uint64(b.Arena.Size))
	}
	if len(b.NICs) == 0 {
		return fmt.Errorf("no NICs")
	}

	byName := make(map[string]*NIC, len(b.NICs))
	lines := make(map[uint32]string, len(b.NICs))
	for i := range b.NICs {
		n := &b.NICs[i]
		if n.Name == "" {
			return fmt.Errorf("nic %d: missing name", i)
		}
		if _, ok := byName[n.Name]; ok {
			return fmt.Errorf("nic %q: duplicate name", n.Name)
		}
		byName[n.Name] = n
		if other, ok := lines[n.IRQ]; ok {
			return fmt.Errorf("nic %q: irq %d already used by %q", n.Name, n.IRQ, other)
		}
		lines[n.IRQ] = n.Name
		if err := n.validate(); err != nil {
			return fmt.Errorf("nic %q: %w", n.Name, err)
		}
	}

	var devmem string
	for _, n := range b.NICs {
		if n.Bus != BusMem {
			continue
		}
		if devmem != "" && n.DevMem != devmem {
			return fmt.Errorf("nic %q: devmem %q differs from %q; the DMA arena lives in one device", n.Name, n.DevMem, devmem)
		}
		devmem = n.DevMem
	}

	for _, n := range b.NICs {
		kind, arg := n.WireKind()
		if kind != "peer" {
			continue
		}
		peer, ok := byName[arg]
		if !ok {
			return fmt.Errorf("nic %q: peer %q does not exist", n.Name, arg)
		}
		if peer.Name == n.Name {
			return fmt.Errorf("nic %q: cabled to itself", n.Name)
		}
		if n.Bus != BusSim || peer.Bus != BusSim {
			return fmt.Errorf("nic %q: only simulated NICs can be cabled", n.Name)
		}
		if pk, pa := peer.WireKind(); pk != "" && (pk != "peer" || pa != n.Name) {
			return fmt.Errorf("nic %q: peer %q is wired to %q", n.Name, peer.Name, peer.Wire)
		}
	}

	for i, r := range b.Routes {
		if _, err := r.Parse(); err != nil {
			return fmt.Errorf("route %d: %w", i, err)
		}
		if _, ok := byName[r.NIC]; !ok {
			return fmt.Errorf("route %d: unknown nic %q", i, r.NIC)
		}
	}
	return nil
}

func (n *NIC) validate() error {
	switch n.Bus {
	case BusSim:
	case BusMem:
		if n.MMIOBase <= 0 {
			return fmt.Errorf("bus %q needs mmio_base", n.Bus)
		}
		if n.IRQPoll < 0 {
			return fmt.Errorf("negative irq_poll %s", n.IRQPoll)
		}
		if kind, _ := n.WireKind(); kind != "" {
			return fmt.Errorf("bus %q cannot have a wire", n.Bus)
		}
	default:
		return fmt.Errorf("unknown bus %q", n.Bus)
	}
	if _, err := n.RegisterMap(); err != nil {
		return err
	}
	if n.RxRingSize < 2 || n.TxRingSize < 2 {
		return fmt.Errorf("rings need at least 2 descriptors, have rx %d tx %d", n.RxRingSize, n.TxRingSize)
	}
	if n.FrameSize <= 0 {
		return fmt.Errorf("invalid frame size %d", n.FrameSize)
	}
	if n.ResetPolls < 0 || n.TxPolls < 0 {
		return fmt.Errorf("negative poll limit")
	}
	if _, err := n.LinkAddress(); err != nil {
		return err
	}
	if _, err := n.Prefixes(); err != nil {
		return err
	}
	kind, arg := n.WireKind()
	switch kind {
	case "":
	case "tap", "peer":
		if arg == "" {
			return fmt.Errorf("wire %q has no target", n.Wire)
		}
	default:
		return fmt.Errorf("unknown wire %q", n.Wire)
	}
	if n.TapAddress != "" {
		if kind != "tap" {
			return fmt.Errorf("tap_address without a tap wire")
		}
		if _, err := n.TapPrefix(); err != nil {
			return err
		}
	}
	return nil
}

// TapPrefix parses TapAddress. It returns the zero Prefix if none is set.
func (n *NIC) TapPrefix() (netip.Prefix, error) {
	if n.TapAddress == "" {
		return netip.Prefix{}, nil
	}
	p, err := netip.ParsePrefix(n.TapAddress)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("tap_address: %w", err)
	}
	if !p.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("tap_address %s is not IPv4", n.TapAddress)
	}
	return p, nil
}

// RegisterMap returns the NIC's validated register layout.
func (n *NIC) RegisterMap() (*enet.RegisterMap, error) {
	m, err := enet.Preset(n.Preset)
	if err != nil {
		return nil, err
	}
	for name, off := range n.Registers {
		if err := m.Override(name, off); err != nil {
			return nil, err
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Line returns the NIC's interrupt line.
func (n *NIC) Line() irq.Line {
	return irq.Line(n.IRQ)
}

// LinkAddress parses MAC.
func (n *NIC) LinkAddress() (tcpip.LinkAddress, error) {
	addr, err := tcpip.ParseMACAddress(n.MAC)
	if err != nil {
		return "", fmt.Errorf("mac: %w", err)
	}
	if addr[0]&1 != 0 {
		return "", fmt.Errorf("mac %s is a multicast address", n.MAC)
	}
	return addr, nil
}

// Prefixes parses Addresses.
func (n *NIC) Prefixes() ([]netip.Prefix, error) {
	var ps []netip.Prefix
	for _, s := range n.Addresses {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("address: %w", err)
		}
		if !p.Addr().Is4() {
			return nil, fmt.Errorf("address %s is not IPv4", s)
		}
		ps = append(ps, p)
	}
	return ps, nil
}

// WireKind splits Wire into its kind and argument.
func (n *NIC) WireKind() (kind, arg string) {
	if n.Wire == "" {
		return "", ""
	}
	kind, arg, _ = strings.Cut(n.Wire, ":")
	return kind, arg
}

// ParsedRoute is a Route with its addresses parsed. The NIC is still named.
type ParsedRoute struct {
	Destination tcpip.Subnet
	Gateway     tcpip.Address
	NIC         string
}

// Parse parses the route's addresses.
func (r Route) Parse() (ParsedRoute, error) {
	dst, err := tcpip.ParseSubnet(r.Destination)
	if err != nil {
		return ParsedRoute{}, fmt.Errorf("destination: %w", err)
	}
	pr := ParsedRoute{Destination: dst, NIC: r.NIC}
	if r.Gateway != "" {
		if pr.Gateway, err = tcpip.ParseAddress(r.Gateway); err != nil {
			return ParsedRoute{}, fmt.Errorf("gateway: %w", err)
		}
	}
	return pr, nil
}

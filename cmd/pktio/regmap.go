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
	"strconv"
	"strings"

	"github.com/google/subcommands"
	"gvisor.dev/pktio/pkg/config"
	"gvisor.dev/pktio/pkg/log"
	"gvisor.dev/pktio/pkg/tcpip/link/enet"
)

// overrides collects repeated -set NAME=OFFSET flags.
type overrides map[string]uint32

// String implements flag.Value.String.
func (o overrides) String() string {
	var parts []string
	for name, off := range o {
		parts = append(parts, fmt.Sprintf("%s=%#x", name, off))
	}
	return strings.Join(parts, ",")
}

// Set implements flag.Value.Set.
func (o overrides) Set(s string) error {
	name, val, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("want NAME=OFFSET, got %q", s)
	}
	off, err := strconv.ParseUint(val, 0, 32)
	if err != nil {
		return fmt.Errorf("offset of %s: %w", name, err)
	}
	o[name] = uint32(off)
	return nil
}

// RegMap implements subcommands.Command for the "regmap" command.
type RegMap struct {
	set overrides

	// out receives the layouts. Stdout is used if nil.
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*RegMap) Name() string {
	return "regmap"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*RegMap) Synopsis() string {
	return "print and check ENET register layouts"
}

// Usage implements subcommands.Command.Usage.
func (*RegMap) Usage() string {
	return `regmap [-set NAME=OFFSET]... [preset] - prints the named register preset (default imx6) with overrides applied. With -board, prints the layout of every NIC of the board instead.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *RegMap) SetFlags(f *flag.FlagSet) {
	r.set = make(overrides)
	f.Var(r.set, "set", "move register NAME to OFFSET; may be repeated.")
}

// Execute implements subcommands.Command.Execute.
func (r *RegMap) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() > 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	out := r.out
	if out == nil {
		out = os.Stdout
	}

	var nics []config.NIC
	if conf.Board != "" {
		b, err := config.Load(conf.Board)
		if err != nil {
			log.Warningf("regmap: %v", err)
			return subcommands.ExitFailure
		}
		nics = b.NICs
	} else {
		preset := config.DefaultPreset
		if f.NArg() == 1 {
			preset = f.Arg(0)
		}
		nics = []config.NIC{{Name: preset, Preset: preset, Registers: r.set}}
	}

	for _, n := range nics {
		m, err := n.RegisterMap()
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", n.Name, err)
			return subcommands.ExitFailure
		}
		fmt.Fprintf(out, "# %s (window %#x bytes)\n", n.Name, m.Size())
		io.WriteString(out, m.String())
		r.printBits(out, m)
	}
	return subcommands.ExitSuccess
}

func (*RegMap) printBits(out io.Writer, m *enet.RegisterMap) {
	b := &m.Bits
	fmt.Fprintf(out, "  bits: reset=%#x enable=%#x active=%#x\n", b.Reset, b.Enable, b.Active)
	fmt.Fprintf(out, "  events: rx=%#x tx=%#x mask=%#x\n", b.RxEvents(), b.TxEvents(), b.InterruptMask())
}

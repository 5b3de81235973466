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
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/pktio/pkg/board"
	"gvisor.dev/pktio/pkg/config"
)

func execute(t *testing.T, cmd subcommands.Command, conf *config.Config, args ...string) subcommands.ExitStatus {
	t.Helper()
	f := flag.NewFlagSet(cmd.Name(), flag.ContinueOnError)
	cmd.SetFlags(f)
	if err := f.Parse(args); err != nil {
		t.Fatalf("parsing %v: %v", args, err)
	}
	return cmd.Execute(context.Background(), f, conf)
}

func TestLoopback(t *testing.T) {
	var out bytes.Buffer
	l := &Loopback{out: &out}
	if got := execute(t, l, &config.Config{}, "-count=3", "-size=8"); got != subcommands.ExitSuccess {
		t.Fatalf("loopback exited %v:\n%s", got, out.String())
	}
	for _, want := range []string{
		"icmp_seq=0",
		"icmp_seq=2",
		"3 packets transmitted, 3 received, 3 datagrams delivered",
		`pktio_nic_tx_packets{nic="enet0"} 6`,
		`pktio_icmp_echo_replies_sent 3`,
		`pktio_udp_packets_received 3`,
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output lacks %q:\n%s", want, out.String())
		}
	}
}

func TestLoopbackUsage(t *testing.T) {
	l := &Loopback{out: &bytes.Buffer{}}
	if got := execute(t, l, &config.Config{}, "-count=0"); got != subcommands.ExitUsageError {
		t.Errorf("loopback -count=0 exited %v, want %v", got, subcommands.ExitUsageError)
	}
}

func TestRegMap(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
		want subcommands.ExitStatus
		out  string
	}{
		{
			name: "default preset",
			want: subcommands.ExitSuccess,
			out:  "  RDSR 0x180\n",
		},
		{
			name: "override",
			args: []string{"-set", "RDSR=0x200"},
			want: subcommands.ExitSuccess,
			out:  "  RDSR 0x200\n",
		},
		{
			name: "overlapping override",
			args: []string{"-set", "RDSR=0x184"},
			want: subcommands.ExitFailure,
			out:  "share offset",
		},
		{
			name: "unknown preset",
			args: []string{"imx8"},
			want: subcommands.ExitFailure,
			out:  "unknown register preset",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			if got := execute(t, &RegMap{out: &out}, &config.Config{}, tc.args...); got != tc.want {
				t.Errorf("regmap exited %v, want %v:\n%s", got, tc.want, out.String())
			}
			if !strings.Contains(out.String(), tc.out) {
				t.Errorf("output lacks %q:\n%s", tc.out, out.String())
			}
		})
	}
}

func TestRegMapBoard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.yaml")
	data := `
nics:
  - name: enet0
    irq: 1
  - name: enet1
    irq: 2
    registers:
      MRBR: 0x400
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	var out bytes.Buffer
	if got := execute(t, &RegMap{out: &out}, &config.Config{Board: path}); got != subcommands.ExitSuccess {
		t.Fatalf("regmap exited %v:\n%s", got, out.String())
	}
	for _, want := range []string{"# enet0", "# enet1", "  MRBR 0x400\n"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output lacks %q:\n%s", want, out.String())
		}
	}
}

func TestRunUntilCanceled(t *testing.T) {
	conf, err := config.Decode([]byte(loopbackBoard), config.TOML)
	if err != nil {
		t.Fatalf("config.Decode failed: %v", err)
	}
	b, err := board.New(conf)
	if err != nil {
		t.Fatalf("board.New failed: %v", err)
	}
	defer b.Close()
	if err := b.Start(context.Background(), 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	var out bytes.Buffer
	if err := new(Run).run(ctx, b, 10*time.Millisecond, &out); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := strings.Count(out.String(), "# periodic dump"); got == 0 {
		t.Errorf("no periodic dumps:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "# final dump") {
		t.Errorf("no final dump:\n%s", out.String())
	}
}

func TestRunNeedsBoard(t *testing.T) {
	if got := execute(t, &Run{out: &bytes.Buffer{}}, &config.Config{}); got != subcommands.ExitUsageError {
		t.Errorf("run without -board exited %v, want %v", got, subcommands.ExitUsageError)
	}
}

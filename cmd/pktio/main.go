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

// Binary pktio brings up ENET NICs on a packet stack, against real registers
// or the device model.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"gvisor.dev/pktio/pkg/board"
	"gvisor.dev/pktio/pkg/config"
	"gvisor.dev/pktio/pkg/log"
	"gvisor.dev/pktio/pkg/prometheus"
)

func main() {
	// Register all commands.
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Run), "")
	subcommands.Register(new(Loopback), "")
	subcommands.Register(new(RegMap), "")

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		fatalf("%v", err)
	}
	setupLogging(conf, os.Stderr)
	log.Infof("pktio %s, %s/%s, PID %d", runtime.Version(), runtime.GOOS, runtime.GOARCH, os.Getpid())
	log.Infof("Args: %v", os.Args)

	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}

// setupLogging directs the global logger to w in the configured format.
func setupLogging(conf *config.Config, w io.Writer) {
	writer := &log.Writer{Next: w}
	switch conf.LogFormat {
	case "json":
		log.SetTarget(log.JSONEmitter{Writer: writer})
	default:
		log.SetTarget(log.GoogleEmitter{Emitter: writer})
	}
	if conf.Debug {
		log.SetLevel(log.Debug)
	}
}

// fatalf logs to stderr and exits with a failure status code.
func fatalf(format string, args ...any) {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(128)
}

// writeStats writes the board's counters in Prometheus text format.
func writeStats(w io.Writer, b *board.Board, header string) error {
	_, err := prometheus.Write(w, prometheus.ExportOptions{
		CommentHeader: header,
	}, map[*prometheus.Snapshot]prometheus.SnapshotExportOptions{
		b.Snapshot(): {ExporterPrefix: "pktio_"},
	})
	return err
}

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
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gvisor.dev/pktio/pkg/board"
	"gvisor.dev/pktio/pkg/config"
	"gvisor.dev/pktio/pkg/log"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	// out receives stats dumps. Stdout is used if nil.
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "bring up the board and move packets until interrupted"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run - brings up every NIC of the board named by -board and runs the stack until SIGINT or SIGTERM. Counters are dumped every -stats-interval and on exit.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Run) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if conf.Board == "" {
		log.Warningf("run: -board is required")
		return subcommands.ExitUsageError
	}
	out := r.out
	if out == nil {
		out = os.Stdout
	}

	boardConf, err := config.Load(conf.Board)
	if err != nil {
		fatalf("loading board: %v", err)
	}
	b, err := board.New(boardConf)
	if err != nil {
		fatalf("building board: %v", err)
	}
	defer b.Close()

	ctx, stop := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer stop()

	if err := b.Start(ctx, conf.StartRetries); err != nil {
		fatalf("starting board: %v", err)
	}
	if err := r.run(ctx, b, conf.StatsInterval, out); err != nil {
		fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// run drives b until ctx is done, dumping stats to out every interval, if
// positive, and once more at the end.
func (r *Run) run(ctx context.Context, b *board.Board, interval time.Duration, out io.Writer) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Run(ctx)
	})
	if interval > 0 {
		g.Go(func() error {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					if err := writeStats(out, b, "periodic dump"); err != nil {
						log.Warningf("writing stats: %v", err)
					}
				}
			}
		})
	}
	err := g.Wait()
	log.Infof("Stopping, final counters follow")
	if werr := writeStats(out, b, "final dump"); werr != nil {
		log.Warningf("writing stats: %v", werr)
	}
	return err
}

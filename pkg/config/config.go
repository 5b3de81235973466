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

// Package config holds the command-line configuration of pktio and the board
// description it brings up.
package config

import (
	"flag"
	"fmt"
	"reflect"
	"time"
)

// Config holds the command-line settings shared by all subcommands.
type Config struct {
	// Board is the path of the board description file.
	Board string `flag:"board"`

	// Debug enables debug logging.
	Debug bool `flag:"debug"`

	// LogFormat is the log line format: text or json.
	LogFormat string `flag:"log-format"`

	// StatsInterval is how often counters are dumped. Zero disables
	// periodic dumps.
	StatsInterval time.Duration `flag:"stats-interval"`

	// StartRetries bounds how often a NIC reset is retried on start.
	StartRetries uint64 `flag:"start-retries"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("board", "", "path of the board description file (.toml, .yaml or .yml).")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Duration("stats-interval", 0, "dump counters this often; 0 disables periodic dumps.")
	flagSet.Uint64("start-retries", 3, "number of times a NIC reset is retried on start.")
}

// NewFromFlags creates a new Config with values coming from command line flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	if c.StatsInterval < 0 {
		return fmt.Errorf("negative stats interval %s", c.StatsInterval)
	}
	return nil
}

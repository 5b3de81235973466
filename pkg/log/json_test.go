// Copyright 2018 The gVisor Authors.
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

package log

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	bl := &BasicLogger{
		Emitter: JSONEmitter{&Writer{Next: tw}},
		Level:   Info,
	}
	bl.Infof("nic %s up", "enet0")
	bl.Debugf("not logged")
	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1: %v", len(tw.lines), tw.lines)
	}

	var got jsonLog
	if err := json.Unmarshal([]byte(tw.lines[0]), &got); err != nil {
		t.Fatalf("Unmarshal(%q) = %v", tw.lines[0], err)
	}
	if got.Level != Info || got.Msg != "nic enet0 up" {
		t.Errorf("got level %v msg %q, want %v %q", got.Level, got.Msg, Info, "nic enet0 up")
	}
	if !strings.HasPrefix(got.Caller, "json_test.go:") {
		t.Errorf("caller = %q, want json_test.go:<line>", got.Caller)
	}
	if time.Since(got.Time) > time.Minute {
		t.Errorf("time = %v, want about now", got.Time)
	}
}

func TestLevelJSON(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: `"warning"`, want: Warning},
		{in: `"info"`, want: Info},
		{in: `"debug"`, want: Debug},
		{in: `0`, want: Warning},
		{in: `1`, want: Info},
		{in: `"2"`, want: Debug},
		{in: `"loud"`, wantErr: true},
		{in: `7`, wantErr: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			var got Level
			err := json.Unmarshal([]byte(tc.in), &got)
			if tc.wantErr {
				if err == nil {
					t.Errorf("Unmarshal(%s) = %v, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal(%s) = %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("Unmarshal(%s) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}

	var names []string
	for _, l := range []Level{Warning, Info, Debug} {
		b, err := json.Marshal(l)
		if err != nil {
			t.Fatalf("Marshal(%v) = %v", l, err)
		}
		names = append(names, string(b))
	}
	if diff := cmp.Diff([]string{`"warning"`, `"info"`, `"debug"`}, names); diff != "" {
		t.Errorf("marshaled levels mismatch (-want +got):\n%s", diff)
	}
	if _, err := json.Marshal(Level(9)); err == nil {
		t.Errorf("Marshal(Level(9)) succeeded")
	}
}

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

package header_test

import (
	"bytes"
	"testing"

	"gvisor.dev/pktio/pkg/tcpip/checksum"
	"gvisor.dev/pktio/pkg/tcpip/header"
)

func TestICMPv4EncodeEcho(t *testing.T) {
	msg := header.ICMPv4(make([]byte, header.ICMPv4MinimumSize+4))
	msg.EncodeEcho(&header.ICMPv4EchoFields{
		Type:     header.ICMPv4Echo,
		Ident:    0x1234,
		Sequence: 7,
	}, []byte("ping"))

	if msg.Type() != header.ICMPv4Echo || msg.Code() != 0 {
		t.Errorf("type/code = %d/%d, want %d/0", msg.Type(), msg.Code(), header.ICMPv4Echo)
	}
	if msg.Ident() != 0x1234 || msg.Sequence() != 7 {
		t.Errorf("ident/seq = %#x/%d, want 0x1234/7", msg.Ident(), msg.Sequence())
	}
	if !bytes.Equal(msg.Payload(), []byte("ping")) {
		t.Errorf("payload = %q, want %q", msg.Payload(), "ping")
	}
	if !checksum.Valid(msg) {
		t.Fatalf("checksum.Valid(%x) = false", []byte(msg))
	}
	// The checksum field does not contribute to its own computation.
	if got, want := header.ICMPv4Checksum(msg, msg.Payload()), msg.Checksum(); got != want {
		t.Errorf("ICMPv4Checksum() = %#x with field set, want %#x", got, want)
	}
}

func TestICMPv4TypeString(t *testing.T) {
	for _, tc := range []struct {
		typ  header.ICMPv4Type
		want string
	}{
		{header.ICMPv4EchoReply, "echo reply"},
		{header.ICMPv4Echo, "echo"},
		{header.ICMPv4DstUnreachable, "destination unreachable"},
		{header.ICMPv4Type(42), "type 42"},
	} {
		if got := tc.typ.String(); got != tc.want {
			t.Errorf("ICMPv4Type(%d).String() = %q, want %q", byte(tc.typ), got, tc.want)
		}
	}
}

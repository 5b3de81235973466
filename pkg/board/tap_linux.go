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

//go:build linux

package board

import (
	"net/netip"

	"gvisor.dev/pktio/pkg/log"
	"gvisor.dev/pktio/pkg/tcpip/link/tapwire"
)

func openTap(name string, hostAddr netip.Prefix) (tap, error) {
	t, err := tapwire.Open(name)
	if err != nil {
		return nil, err
	}
	if err := t.Up(hostAddr); err != nil {
		t.Close()
		return nil, err
	}
	log.Infof("Bridged to host interface %s", t.Name())
	return t, nil
}

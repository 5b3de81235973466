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

//go:build linux
// +build linux

// Package tapwire connects a device model to a host TAP interface, so that
// frames the model transmits appear on the host and frames the host sends
// reach the model.
package tapwire

import (
	"context"
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
	"gvisor.dev/pktio/pkg/log"
)

const (
	// maxFrameSize bounds frames read from the TAP device.
	maxFrameSize = 2048

	// pollTimeoutMillis bounds how long Run waits before checking its
	// context again.
	pollTimeoutMillis = 100
)

// Stats count frames crossing the TAP device.
type Stats struct {
	Sent     uint64
	Received uint64
	Dropped  uint64
}

// Tap is an open TAP interface.
type Tap struct {
	name string
	fd   int

	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64
}

// Open creates or attaches to the TAP interface called name and sets it to
// non-blocking mode.
func Open(name string) (*Tap, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening /dev/net/tun: %w", err)
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF %q: %w", name, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Tap{name: ifr.Name(), fd: fd}, nil
}

// Name returns the interface name the kernel assigned.
func (t *Tap) Name() string {
	return t.name
}

// Up assigns addr to the host side of the interface, if it is valid, and
// brings the link up.
func (t *Tap) Up(addr netip.Prefix) error {
	link, err := netlink.LinkByName(t.name)
	if err != nil {
		return fmt.Errorf("failed to get interface %s: %w", t.name, err)
	}
	if addr.IsValid() {
		a, err := netlink.ParseAddr(addr.String())
		if err != nil {
			return err
		}
		if err := netlink.AddrReplace(link, a); err != nil {
			return fmt.Errorf("adding %s to %s: %w", addr, t.name, err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bringing up %s: %w", t.name, err)
	}
	return nil
}

// Send writes frame to the host. Frames the kernel does not accept are
// dropped and counted.
func (t *Tap) Send(frame []byte) {
	if _, err := unix.Write(t.fd, frame); err != nil {
		t.dropped.Add(1)
		if log.IsLogging(log.Debug) {
			log.Debugf("tapwire %s: dropping %d byte frame: %v", t.name, len(frame), err)
		}
		return
	}
	t.sent.Add(1)
}

// Run reads frames from the host and passes each to deliver until ctx is
// done. deliver must not retain the slice.
func (t *Tap) Run(ctx context.Context, deliver func(frame []byte)) error {
	buf := make([]byte, maxFrameSize)
	fds := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLIN}}
	for ctx.Err() == nil {
		n, err := unix.Poll(fds, pollTimeoutMillis)
		if err == unix.EINTR || n == 0 {
			continue
		}
		if err != nil {
			return fmt.Errorf("polling %s: %w", t.name, err)
		}
		for {
			n, err := unix.Read(t.fd, buf)
			if err == unix.EAGAIN || err == unix.EINTR {
				break
			}
			if err != nil {
				return fmt.Errorf("reading %s: %w", t.name, err)
			}
			t.received.Add(1)
			deliver(buf[:n])
		}
	}
	return nil
}

// Stats returns the frame counters.
func (t *Tap) Stats() Stats {
	return Stats{
		Sent:     t.sent.Load(),
		Received: t.received.Load(),
		Dropped:  t.dropped.Load(),
	}
}

// Close releases the TAP device. A non-persistent interface disappears.
func (t *Tap) Close() error {
	return unix.Close(t.fd)
}

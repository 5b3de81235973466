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

package stack

import (
	"sync"

	"github.com/google/btree"
	"gvisor.dev/pktio/pkg/tcpip"
)

// routeLess orders routes most specific first, so that an in-order scan
// yields the longest matching prefix first. Routes of equal length are
// ordered by destination, which never decides a lookup since at most one of
// them can contain an address. Routes to the same destination prefer the
// lowest NIC ID.
func routeLess(a, b tcpip.Route) bool {
	if pa, pb := a.Destination.Prefix(), b.Destination.Prefix(); pa != pb {
		return pa > pb
	}
	if ia, ib := a.Destination.ID(), b.Destination.ID(); ia != ib {
		return ia < ib
	}
	return a.NIC < b.NIC
}

// RouteTable is a longest-prefix-match routing table.
//
// RouteTable is safe for concurrent use.
type RouteTable struct {
	mu sync.RWMutex
	// +checklocks:mu
	routes *btree.BTreeG[tcpip.Route]
}

// NewRouteTable returns an empty table.
func NewRouteTable() *RouteTable {
	return &RouteTable{
		routes: btree.NewG(4, routeLess),
	}
}

// Add inserts r, replacing any route for the same destination and NIC.
func (t *RouteTable) Add(r tcpip.Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes.ReplaceOrInsert(r)
}

// Set replaces the whole table.
func (t *RouteTable) Set(routes []tcpip.Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes.Clear(false)
	for _, r := range routes {
		t.routes.ReplaceOrInsert(r)
	}
}

// Remove deletes every route for which match returns true and returns how
// many were removed.
func (t *RouteTable) Remove(match func(tcpip.Route) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var doomed []tcpip.Route
	t.routes.Ascend(func(r tcpip.Route) bool {
		if match(r) {
			doomed = append(doomed, r)
		}
		return true
	})
	for _, r := range doomed {
		t.routes.Delete(r)
	}
	return len(doomed)
}

// Routes returns a copy of the table, most specific first.
func (t *RouteTable) Routes() []tcpip.Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	routes := make([]tcpip.Route, 0, t.routes.Len())
	t.routes.Ascend(func(r tcpip.Route) bool {
		routes = append(routes, r)
		return true
	})
	return routes
}

// Lookup returns the most specific route containing dst.
func (t *RouteTable) Lookup(dst tcpip.Address) (tcpip.Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var (
		found tcpip.Route
		ok    bool
	)
	t.routes.Ascend(func(r tcpip.Route) bool {
		if r.Destination.Contains(dst) {
			found, ok = r, true
			return false
		}
		return true
	})
	return found, ok
}

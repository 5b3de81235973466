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

// Package irq models a platform interrupt controller.
//
// Handlers never run concurrently with each other and never nest. A line
// raised while another handler runs, or while interrupts are masked with
// Save, is latched as pending and delivered, in line order, as soon as the
// running handler returns or the outermost Restore unmasks.
//
// Delivery happens on the goroutine that raised the line or that unmasked
// interrupts. Code that holds a lock a handler also takes must mask
// interrupts with Save before acquiring it.
package irq

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"gvisor.dev/pktio/pkg/log"
)

// Line is an interrupt line number.
type Line uint32

// Result is returned by a handler.
type Result int

const (
	// Unhandled means the device behind the line did not raise it.
	Unhandled Result = iota

	// Handled means the handler serviced the interrupt.
	Handled
)

// String implements fmt.Stringer.
func (r Result) String() string {
	switch r {
	case Handled:
		return "handled"
	case Unhandled:
		return "unhandled"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Handler services an interrupt on line for dev.
type Handler func(line Line, dev any) Result

// IPL is an opaque interrupt priority level returned by Save.
type IPL int

type action struct {
	name    string
	handler Handler
	dev     any

	handled   uint64
	unhandled uint64
}

// LineStats are the delivery counters of one line.
type LineStats struct {
	Name      string
	Handled   uint64
	Unhandled uint64
}

// Controller dispatches raised lines to attached handlers.
type Controller struct {
	mu sync.Mutex

	// +checklocks:mu
	actions map[Line]*action

	// masked is the Save nesting depth.
	// +checklocks:mu
	masked int

	// running is true while some goroutine is delivering interrupts.
	// +checklocks:mu
	running bool

	// pending holds latched lines.
	// +checklocks:mu
	pending map[Line]struct{}

	// +checklocks:mu
	spurious uint64
}

// NewController returns a controller with no lines attached.
func NewController() *Controller {
	return &Controller{
		actions: make(map[Line]*action),
		pending: make(map[Line]struct{}),
	}
}

// Attach installs handler for line. dev is passed back to the handler
// unchanged.
func (c *Controller) Attach(line Line, name string, handler Handler, dev any) error {
	if handler == nil {
		return fmt.Errorf("irq %d (%s): nil handler", line, name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.actions[line]; ok {
		return fmt.Errorf("irq %d already attached to %q", line, a.name)
	}
	c.actions[line] = &action{name: name, handler: handler, dev: dev}
	return nil
}

// Detach removes the handler for line and drops any pending interrupt on it.
func (c *Controller) Detach(line Line) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.actions, line)
	delete(c.pending, line)
}

// Raise asserts line. If interrupts are unmasked and no handler is running,
// the handler runs before Raise returns.
func (c *Controller) Raise(line Line) {
	c.mu.Lock()
	c.pending[line] = struct{}{}
	if c.masked > 0 || c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.deliverLocked()
	c.mu.Unlock()
}

// Save masks interrupts and returns the previous level. Calls nest and may
// come from several goroutines; each must be paired with Restore. Interrupts
// stay masked until every Save has been restored.
func (c *Controller) Save() IPL {
	c.mu.Lock()
	defer c.mu.Unlock()
	ipl := IPL(c.masked)
	c.masked++
	return ipl
}

// Restore undoes one Save. Leaving the last masked section delivers whatever
// became pending meanwhile.
func (c *Controller) Restore(ipl IPL) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.masked == 0 {
		panic(fmt.Sprintf("irq: Restore(%d) at mask depth %d", ipl, c.masked))
	}
	c.masked--
	if c.masked > 0 || c.running || len(c.pending) == 0 {
		return
	}
	c.running = true
	c.deliverLocked()
}

// Pending returns true if line is latched.
func (c *Controller) Pending(line Line) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[line]
	return ok
}

// Stats returns the counters of line.
func (c *Controller) Stats(line Line) LineStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.actions[line]
	if !ok {
		return LineStats{}
	}
	return LineStats{Name: a.name, Handled: a.handled, Unhandled: a.unhandled}
}

// Spurious returns the number of raises on lines without a handler.
func (c *Controller) Spurious() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spurious
}

// deliverLocked runs pending handlers, lowest line first, until nothing is
// pending or interrupts get masked. c.mu is dropped around each handler.
//
// Preconditions: c.mu is held and c.running is true.
func (c *Controller) deliverLocked() {
	for len(c.pending) > 0 && c.masked == 0 {
		line := slices.Min(slices.Collect(maps.Keys(c.pending)))
		delete(c.pending, line)
		a, ok := c.actions[line]
		if !ok {
			c.spurious++
			log.Debugf("irq %d: no handler attached", line)
			continue
		}

		c.mu.Unlock()
		res := a.handler(line, a.dev)
		c.mu.Lock()

		if res == Handled {
			a.handled++
		} else {
			a.unhandled++
			log.Debugf("irq %d (%s): %s", line, a.name, res)
		}
	}
	c.running = false
}

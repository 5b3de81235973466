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

package mmio

import (
	"sync/atomic"
	"unsafe"
)

// Registers are accessed with single 32-bit loads and stores so that the
// device never observes a torn value.

func (m *Mapping) load(off uint32) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&m.mem[off])))
}

func (m *Mapping) store(off uint32, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&m.mem[off])), v)
}

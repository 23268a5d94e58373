// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
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

package sdhci

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"periph.io/x/host/v3/pmem"
)

// WindowSize is the register window mapped for one controller. It covers the
// standard register set and the vendor PHY block.
const WindowSize = 0x1000

// MMIO is a memory-mapped register window.
type MMIO struct {
	view *pmem.View
	mem  []byte
	base uint64
}

// MapMMIO maps size bytes of physical address space starting at base.
// It requires access to /dev/mem.
func MapMMIO(base uint64, size int) (*MMIO, error) {
	view, err := pmem.Map(base, size)
	if err != nil {
		return nil, fmt.Errorf("map controller registers at 0x%X: %w", base, err)
	}
	mem := view.Bytes()
	if len(mem) < size {
		_ = view.Close()
		return nil, errors.New("register window shorter than requested")
	}
	return &MMIO{view: view, mem: mem, base: base}, nil
}

// Base returns the physical base address of the window.
func (m *MMIO) Base() uint64 {
	return m.base
}

// Close unmaps the window.
func (m *MMIO) Close() error {
	if m.view == nil {
		return nil
	}
	err := m.view.Close()
	m.view = nil
	m.mem = nil
	if err != nil {
		return fmt.Errorf("unmap controller registers: %w", err)
	}
	return nil
}

func (m *MMIO) ptr(off uint32) unsafe.Pointer {
	return unsafe.Pointer(&m.mem[off])
}

// Read8 implements Registers
func (m *MMIO) Read8(off uint32) uint8 {
	return *(*uint8)(m.ptr(off))
}

// Read16 implements Registers
func (m *MMIO) Read16(off uint32) uint16 {
	return *(*uint16)(m.ptr(off))
}

// Read32 implements Registers
func (m *MMIO) Read32(off uint32) uint32 {
	return atomic.LoadUint32((*uint32)(m.ptr(off)))
}

// Write8 implements Registers
func (m *MMIO) Write8(off uint32, v uint8) {
	*(*uint8)(m.ptr(off)) = v
}

// Write16 implements Registers
func (m *MMIO) Write16(off uint32, v uint16) {
	*(*uint16)(m.ptr(off)) = v
}

// Write32 implements Registers
func (m *MMIO) Write32(off uint32, v uint32) {
	atomic.StoreUint32((*uint32)(m.ptr(off)), v)
}

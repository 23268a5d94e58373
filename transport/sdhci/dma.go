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
	"fmt"

	"periph.io/x/host/v3/pmem"
)

// DMABuffer is memory the controller can reach by physical address.
type DMABuffer interface {
	Bytes() []byte
	PhysAddr() uint64
}

// DefaultDMABufferSize holds the largest single transfer the host moves
// through its bounce buffer.
const DefaultDMABufferSize = 512 * 1024

const pageSize = 4096

// AllocDMA allocates a physically contiguous, page-rounded DMA buffer.
func AllocDMA(size int) (pmem.Mem, error) {
	if size <= 0 {
		size = DefaultDMABufferSize
	}
	size = (size + pageSize - 1) &^ (pageSize - 1)
	mem, err := pmem.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("allocate %d byte DMA buffer: %w", size, err)
	}
	return mem, nil
}

// HeapDMA is a DMABuffer in ordinary memory with an assigned bus address. It
// serves controllers that are not real hardware, such as the simulated
// register file in tests.
type HeapDMA struct {
	buf  []byte
	phys uint64
}

// NewHeapDMA creates a heap buffer that claims the given bus address.
func NewHeapDMA(size int, phys uint64) *HeapDMA {
	return &HeapDMA{buf: make([]byte, size), phys: phys}
}

// Bytes implements DMABuffer
func (h *HeapDMA) Bytes() []byte {
	return h.buf
}

// PhysAddr implements DMABuffer
func (h *HeapDMA) PhysAddr() uint64 {
	return h.phys
}

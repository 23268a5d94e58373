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

	"periph.io/x/host/v3"
)

// Open maps the controller registers at the physical base address, allocates
// a DMA bounce buffer unless PIO is requested and returns a Host that owns
// both. Init must still be called.
func Open(base uint64, opts ...Option) (*Host, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	mmio, err := MapMMIO(base, WindowSize)
	if err != nil {
		return nil, err
	}

	requested := &Host{}
	for _, opt := range opts {
		opt(requested)
	}

	closers := []func() error{mmio.Close}
	if !requested.pio && requested.dma == nil {
		mem, err := AllocDMA(DefaultDMABufferSize)
		if err != nil {
			_ = mmio.Close()
			return nil, err
		}
		opts = append(opts, WithDMABuffer(mem))
		closers = append(closers, mem.Close)
	}

	h, err := New(mmio, append([]Option{WithName(fmt.Sprintf("sdhci@%x", base))}, opts...)...)
	if err != nil {
		for _, c := range closers {
			_ = c()
		}
		return nil, err
	}
	h.closer = func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}
	return h, nil
}

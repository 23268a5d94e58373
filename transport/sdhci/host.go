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

// Package sdhci provides an sdmmc.Transport for the SG2042 DesignWare MSHC
// SDHCI controller.
package sdhci

import (
	"fmt"

	sdmmc "github.com/ZaparooProject/go-sdmmc"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

const (
	// DefaultBaseClock is the SG2042 SD controller input clock.
	DefaultBaseClock = 100 * physic.MegaHertz
	// InitClock is the identification-phase card clock.
	InitClock = 200 * physic.KiloHertz
)

var (
	_ sdmmc.Transport    = (*Host)(nil)
	_ sdmmc.CardDetector = (*Host)(nil)
)

// Host implements sdmmc.Transport for one SDHCI controller.
//
// Thread Safety: Host is NOT thread-safe. Register access is not reentrant
// and callers must serialise every operation.
type Host struct {
	regs         Registers
	clock        sdmmc.Clock
	dma          DMABuffer
	writeProtect gpio.PinIn
	trace        *sdmmc.TraceBuffer
	closer       func() error
	name         string
	baseClock    physic.Frequency
	transfer     transfer
	presence     sdmmc.CardPresence
	vendorBase   uint32
	pio          bool
	strictClock  bool
	strictPhy    bool
}

// transfer is the data phase armed by Prepare. It stays armed across a
// failed issue so the command can be resent.
type transfer struct {
	buf        []byte
	blockSize  uint32
	blockCount uint32
	armed      bool
	issued     bool
}

// Option configures a Host
type Option func(*Host)

// WithBaseClock sets the controller input clock used for divider search
func WithBaseClock(freq physic.Frequency) Option {
	return func(h *Host) {
		h.baseClock = freq
	}
}

// WithPIO forces programmed I/O through the buffer data port
func WithPIO() Option {
	return func(h *Host) {
		h.pio = true
	}
}

// WithStrictClock makes a clock that never reports stable an error
func WithStrictClock() Option {
	return func(h *Host) {
		h.strictClock = true
	}
}

// WithStrictPhy makes a PHY that never reports ready an error
func WithStrictPhy() Option {
	return func(h *Host) {
		h.strictPhy = true
	}
}

// WithClock sets the stall clock for bounded waits
func WithClock(clock sdmmc.Clock) Option {
	return func(h *Host) {
		h.clock = clock
	}
}

// WithDMABuffer sets the DMA bounce buffer
func WithDMABuffer(buf DMABuffer) Option {
	return func(h *Host) {
		h.dma = buf
	}
}

// WithWriteProtectPin reads write protect from a GPIO instead of the
// controller. A high level means protected.
func WithWriteProtectPin(pin gpio.PinIn) Option {
	return func(h *Host) {
		h.writeProtect = pin
	}
}

// WithName sets the controller name used in errors and traces
func WithName(name string) Option {
	return func(h *Host) {
		h.name = name
	}
}

// WithTrace records every command and response into tb
func WithTrace(tb *sdmmc.TraceBuffer) Option {
	return func(h *Host) {
		h.trace = tb
	}
}

// New creates a Host on an already mapped register window. Init must run
// before the first command.
func New(regs Registers, opts ...Option) (*Host, error) {
	if regs == nil {
		return nil, fmt.Errorf("%w: nil registers", sdmmc.ErrInvalidParameter)
	}

	h := &Host{
		regs:      regs,
		clock:     sdmmc.SystemClock{},
		baseClock: DefaultBaseClock,
		name:      "sdhci",
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.baseClock <= 0 {
		return nil, fmt.Errorf("%w: base clock %v", sdmmc.ErrInvalidParameter, h.baseClock)
	}
	if !h.pio && h.dma == nil {
		return nil, fmt.Errorf("%w: DMA mode needs a DMA buffer", sdmmc.ErrInvalidParameter)
	}
	return h, nil
}

// Type implements sdmmc.Transport
func (*Host) Type() sdmmc.TransportType {
	return sdmmc.TransportSDHCI
}

// Name returns the controller name
func (h *Host) Name() string {
	return h.name
}

// Close releases the register mapping and DMA buffer when the host owns them
func (h *Host) Close() error {
	if h.closer == nil {
		return nil
	}
	err := h.closer()
	h.closer = nil
	return err
}

func (h *Host) traceCommand(index, arg uint32) {
	if h.trace != nil {
		h.trace.RecordCommand(index, arg, "")
	}
}

func (h *Host) traceResponse(index uint32, words []uint32, note string) {
	if h.trace != nil {
		h.trace.RecordResponse(index, words, note)
	}
}

func (h *Host) traceTimeout(index uint32, note string) {
	if h.trace != nil {
		h.trace.RecordTimeout(index, note)
	}
}

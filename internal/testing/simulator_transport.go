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

package testing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ZaparooProject/go-sdmmc"
	"periph.io/x/conn/v3/physic"
)

// SimulatorTransport wraps VirtualCard and implements sdmmc.Transport.
// It stands in for a host controller so the protocol layer can be tested
// without a register model.
type SimulatorTransport struct {
	card       *VirtualCard
	CommandLog []CommandLogEntry
	prepared   int
	clock      physic.Frequency
	width      sdmmc.BusWidth
	readOnly   bool
}

// CommandLogEntry records a command sent to the transport
type CommandLogEntry struct {
	Timestamp time.Time
	Index     uint32
	Arg       uint32
	Response  sdmmc.ResponseType
}

// NewSimulatorTransport creates a new transport backed by VirtualCard
func NewSimulatorTransport(card *VirtualCard) *SimulatorTransport {
	return &SimulatorTransport{
		card:       card,
		CommandLog: make([]CommandLogEntry, 0),
		readOnly:   card.ReadOnly,
	}
}

// SendCommand implements sdmmc.Transport
func (t *SimulatorTransport) SendCommand(ctx context.Context, cmd *sdmmc.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.CommandLog = append(t.CommandLog, CommandLogEntry{
		Index:     cmd.Index,
		Arg:       cmd.Arg,
		Response:  cmd.Response,
		Timestamp: time.Now(),
	})

	words, err := t.card.Execute(cmd.Index, cmd.Arg)
	if errors.Is(err, ErrNoResponse) {
		return sdmmc.NewTimeoutError(fmt.Sprintf("CMD%d", cmd.Index), "simulator")
	}
	if err != nil {
		return &sdmmc.CommandError{Op: "send command", Index: cmd.Index, Arg: cmd.Arg, Err: fmt.Errorf("%w: %w", sdmmc.ErrDeviceError, err)}
	}

	if cmd.Response.Long() {
		cmd.Words = words
	} else {
		cmd.Words = [4]uint32{words[0]}
	}
	return nil
}

// Prepare implements sdmmc.Transport
func (t *SimulatorTransport) Prepare(ctx context.Context, _ uint32, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch {
	case len(buf) >= sdmmc.BlockSize && len(buf)%sdmmc.BlockSize == 0,
		len(buf) > 0 && len(buf) < sdmmc.BlockSize && len(buf)%8 == 0:
		t.prepared = len(buf)
		return nil
	default:
		return fmt.Errorf("%w: transfer of %d bytes is not frame aligned", sdmmc.ErrDeviceError, len(buf))
	}
}

// ReadBlockData implements sdmmc.Transport
func (t *SimulatorTransport) ReadBlockData(ctx context.Context, _ uint32, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(buf) != t.prepared {
		return fmt.Errorf("%w: read of %d bytes, prepared %d", sdmmc.ErrDeviceError, len(buf), t.prepared)
	}
	data, err := t.card.ReadData(len(buf))
	if err != nil {
		return fmt.Errorf("%w: %w", sdmmc.ErrDeviceError, err)
	}
	copy(buf, data)
	t.prepared = 0
	return nil
}

// WriteBlockData implements sdmmc.Transport
func (t *SimulatorTransport) WriteBlockData(ctx context.Context, _ uint32, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(buf) != t.prepared {
		return fmt.Errorf("%w: write of %d bytes, prepared %d", sdmmc.ErrDeviceError, len(buf), t.prepared)
	}
	if err := t.card.WriteData(buf); err != nil {
		return fmt.Errorf("%w: %w", sdmmc.ErrDeviceError, err)
	}
	t.prepared = 0
	return nil
}

// SetIos implements sdmmc.Transport
func (t *SimulatorTransport) SetIos(ctx context.Context, clock physic.Frequency, width sdmmc.BusWidth) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if width.Bits() == 0 {
		return fmt.Errorf("%w: bus width %d", sdmmc.ErrDeviceError, uint32(width))
	}
	t.clock = clock
	t.width = width
	return nil
}

// IsReadOnly implements sdmmc.Transport
func (t *SimulatorTransport) IsReadOnly() bool {
	return t.readOnly
}

// SetReadOnly sets the write-protect state reported to the protocol layer
func (t *SimulatorTransport) SetReadOnly(readOnly bool) {
	t.readOnly = readOnly
}

// Type implements sdmmc.Transport
func (*SimulatorTransport) Type() sdmmc.TransportType {
	return sdmmc.TransportSimulator
}

// Ios returns the clock and width last applied with SetIos
func (t *SimulatorTransport) Ios() (physic.Frequency, sdmmc.BusWidth) {
	return t.clock, t.width
}

// GetCard returns the underlying VirtualCard for test setup
func (t *SimulatorTransport) GetCard() *VirtualCard {
	return t.card
}

// ClearCommandLog clears the command log
func (t *SimulatorTransport) ClearCommandLog() {
	t.CommandLog = make([]CommandLogEntry, 0)
}

// HasCommand checks if a specific command was sent
func (t *SimulatorTransport) HasCommand(index uint32) bool {
	for _, entry := range t.CommandLog {
		if entry.Index == index {
			return true
		}
	}
	return false
}

// GetCommandCount returns how many times a command was sent
func (t *SimulatorTransport) GetCommandCount(index uint32) int {
	count := 0
	for _, entry := range t.CommandLog {
		if entry.Index == index {
			count++
		}
	}
	return count
}

// Indices returns the command indices in the order they were sent
func (t *SimulatorTransport) Indices() []uint32 {
	out := make([]uint32, len(t.CommandLog))
	for i, entry := range t.CommandLog {
		out[i] = entry.Index
	}
	return out
}

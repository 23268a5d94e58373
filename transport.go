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

package sdmmc

import (
	"context"
	"errors"
	"sync"

	"periph.io/x/conn/v3/physic"
)

// Transport is the capability contract between the card protocol layer and a
// host controller driver. Implementations know controller registers but
// nothing of the SD/MMC command sequence.
type Transport interface {
	// SendCommand issues cmd and fills cmd.Words with the response
	SendCommand(ctx context.Context, cmd *Command) error

	// Prepare programs the controller for a data transfer of len(buf) bytes
	Prepare(ctx context.Context, lba uint32, buf []byte) error

	// ReadBlockData completes a card-to-host transfer into buf
	ReadBlockData(ctx context.Context, lba uint32, buf []byte) error

	// WriteBlockData completes a host-to-card transfer from buf
	WriteBlockData(ctx context.Context, lba uint32, buf []byte) error

	// SetIos applies the bus clock and data width
	SetIos(ctx context.Context, clock physic.Frequency, width BusWidth) error

	// IsReadOnly reports the media write-protect state
	IsReadOnly() bool

	// Type returns the transport type
	Type() TransportType
}

// TransportType represents the type of transport
type TransportType string

const (
	// TransportSDHCI represents an SDHCI-compatible host controller.
	TransportSDHCI TransportType = "sdhci"
	// TransportSimulator represents the command-level card simulator.
	TransportSimulator TransportType = "simulator"
	// TransportMock represents a mock transport for testing
	TransportMock TransportType = "mock"
)

// CardPresence is the cached result of card detection.
type CardPresence int

// Card presence states
const (
	CardUnknown CardPresence = iota
	CardInserted
	CardNotInserted
)

func (p CardPresence) String() string {
	switch p {
	case CardInserted:
		return "inserted"
	case CardNotInserted:
		return "not inserted"
	default:
		return "unknown"
	}
}

// CardDetector is implemented by transports that can sense card insertion.
type CardDetector interface {
	DetectCard(ctx context.Context) (CardPresence, error)
}

// MockTransport provides a scripted implementation of Transport for testing.
// Responses are queued per command index; the last queued response for an
// index repeats once the queue drains.
type MockTransport struct {
	responses map[uint32][][4]uint32
	callCount map[uint32]int
	errorMap  map[uint32]error
	commands  []Command
	readData  []byte
	written   []byte
	clock     physic.Frequency
	width     BusWidth
	mu        sync.Mutex
	readOnly  bool
}

// NewMockTransport creates a new mock transport
func NewMockTransport() *MockTransport {
	return &MockTransport{
		responses: make(map[uint32][][4]uint32),
		callCount: make(map[uint32]int),
		errorMap:  make(map[uint32]error),
	}
}

// SendCommand implements Transport interface
func (m *MockTransport) SendCommand(ctx context.Context, cmd *Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.callCount[cmd.Index]++
	m.commands = append(m.commands, *cmd)

	if err, exists := m.errorMap[cmd.Index]; exists {
		return err
	}

	queue := m.responses[cmd.Index]
	switch {
	case len(queue) == 0:
		cmd.Words = [4]uint32{}
	case len(queue) == 1:
		cmd.Words = queue[0]
	default:
		cmd.Words = queue[0]
		m.responses[cmd.Index] = queue[1:]
	}
	return nil
}

// Prepare implements Transport interface
func (m *MockTransport) Prepare(ctx context.Context, _ uint32, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(buf) == 0 {
		return errors.New("mock: empty transfer buffer")
	}
	return nil
}

// ReadBlockData implements Transport interface
func (m *MockTransport) ReadBlockData(ctx context.Context, _ uint32, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	copy(buf, m.readData)
	m.mu.Unlock()
	return nil
}

// WriteBlockData implements Transport interface
func (m *MockTransport) WriteBlockData(ctx context.Context, _ uint32, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.written = append(m.written[:0], buf...)
	m.mu.Unlock()
	return nil
}

// SetIos implements Transport interface
func (m *MockTransport) SetIos(ctx context.Context, clock physic.Frequency, width BusWidth) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.clock = clock
	m.width = width
	m.mu.Unlock()
	return nil
}

// IsReadOnly implements Transport interface
func (m *MockTransport) IsReadOnly() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readOnly
}

// Type implements Transport interface
func (*MockTransport) Type() TransportType {
	return TransportMock
}

// Test helper methods

// SetResponse configures a single repeating response for a command index
func (m *MockTransport) SetResponse(index uint32, words ...uint32) {
	var r [4]uint32
	copy(r[:], words)
	m.mu.Lock()
	m.responses[index] = [][4]uint32{r}
	m.mu.Unlock()
}

// QueueResponse appends a response for a command index
func (m *MockTransport) QueueResponse(index uint32, words ...uint32) {
	var r [4]uint32
	copy(r[:], words)
	m.mu.Lock()
	m.responses[index] = append(m.responses[index], r)
	m.mu.Unlock()
}

// SetError configures an error to be returned for a command index
func (m *MockTransport) SetError(index uint32, err error) {
	m.mu.Lock()
	m.errorMap[index] = err
	m.mu.Unlock()
}

// ClearError removes error injection for a command index
func (m *MockTransport) ClearError(index uint32) {
	m.mu.Lock()
	delete(m.errorMap, index)
	m.mu.Unlock()
}

// SetReadData configures the bytes returned by ReadBlockData
func (m *MockTransport) SetReadData(data []byte) {
	m.mu.Lock()
	m.readData = append([]byte(nil), data...)
	m.mu.Unlock()
}

// SetReadOnly configures the write-protect state
func (m *MockTransport) SetReadOnly(readOnly bool) {
	m.mu.Lock()
	m.readOnly = readOnly
	m.mu.Unlock()
}

// GetCallCount returns how many times a command index was issued
func (m *MockTransport) GetCallCount(index uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount[index]
}

// Commands returns every command issued, in order
func (m *MockTransport) Commands() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Command(nil), m.commands...)
}

// Written returns the bytes passed to the last WriteBlockData
func (m *MockTransport) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.written...)
}

// Ios returns the last clock and width passed to SetIos
func (m *MockTransport) Ios() (physic.Frequency, BusWidth) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock, m.width
}

// Reset clears call counts, command log and responses
func (m *MockTransport) Reset() {
	m.mu.Lock()
	m.callCount = make(map[uint32]int)
	m.responses = make(map[uint32][][4]uint32)
	m.errorMap = make(map[uint32]error)
	m.commands = nil
	m.mu.Unlock()
}

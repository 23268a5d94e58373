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
	"fmt"

	"periph.io/x/conn/v3/physic"
)

// Config contains bring-up parameters for a Card
type Config struct {
	// Clock is the stall primitive for protocol delays and retries
	Clock Clock
	// AssumedVariant selects the operating-condition path: eMMC uses CMD1,
	// either SD variant uses CMD8 + ACMD41 and is refined from the OCR
	AssumedVariant CardVariant
	// OCRVoltage is the voltage window requested with ACMD41
	OCRVoltage uint32
	// BusClock is the transfer clock applied after selection
	BusClock physic.Frequency
	// BusWidth is the requested data bus width
	BusWidth BusWidth
}

// DefaultConfig returns default bring-up configuration: a high-capacity SD
// card at 50 MHz on a 4-bit bus.
func DefaultConfig() *Config {
	return &Config{
		Clock:          SystemClock{},
		AssumedVariant: VariantSDHC,
		OCRVoltage:     DefaultOCRVoltage,
		BusClock:       50 * physic.MegaHertz,
		BusWidth:       BusWidth4,
	}
}

// Option configures a Card
type Option func(*Card) error

// WithClock sets the stall clock
func WithClock(clock Clock) Option {
	return func(c *Card) error {
		if clock == nil {
			return fmt.Errorf("%w: nil clock", ErrInvalidParameter)
		}
		c.config.Clock = clock
		return nil
	}
}

// WithAssumedVariant sets the variant bring-up starts from
func WithAssumedVariant(variant CardVariant) Option {
	return func(c *Card) error {
		c.config.AssumedVariant = variant
		return nil
	}
}

// WithBusClock sets the transfer clock
func WithBusClock(freq physic.Frequency) Option {
	return func(c *Card) error {
		if freq <= 0 {
			return fmt.Errorf("%w: bus clock %v", ErrInvalidParameter, freq)
		}
		c.config.BusClock = freq
		return nil
	}
}

// WithBusWidth sets the requested data bus width
func WithBusWidth(width BusWidth) Option {
	return func(c *Card) error {
		if width.Bits() == 0 {
			return fmt.Errorf("%w: bus width %d", ErrInvalidParameter, uint32(width))
		}
		c.config.BusWidth = width
		return nil
	}
}

// WithOCRVoltage sets the voltage window requested from SD cards
func WithOCRVoltage(ocr uint32) Option {
	return func(c *Card) error {
		c.config.OCRVoltage = ocr
		return nil
	}
}

// Card drives the SD/MMC command sequence over a Transport. It holds no
// card state of its own: every operation works on a caller-owned
// CardSession.
//
// Thread Safety: Card is NOT thread-safe and the transport is not
// reentrant. The blockio facade serialises access.
type Card struct {
	transport Transport
	config    *Config
	trace     *TraceBuffer
}

// New creates a new Card with the given transport
func New(transport Transport, opts ...Option) (*Card, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidParameter)
	}

	card := &Card{
		transport: transport,
		config:    DefaultConfig(),
		trace:     NewTraceBuffer(string(transport.Type()), commandTraceSize),
	}

	for _, opt := range opts {
		if err := opt(card); err != nil {
			return nil, err
		}
	}

	return card, nil
}

// Transport returns the underlying transport
func (c *Card) Transport() Transport {
	return c.transport
}

// Config returns a copy of the bring-up configuration
func (c *Card) Config() Config {
	return *c.config
}

// NewSession creates a session for this card's assumed variant.
func (c *Card) NewSession() *CardSession {
	s := NewCardSession(c.config.AssumedVariant)
	s.Info.OCRVoltage = c.config.OCRVoltage
	return s
}

// IsReadOnly forwards the transport's write-protect state.
func (c *Card) IsReadOnly() bool {
	return c.transport.IsReadOnly()
}

// Initialize runs the full bring-up sequence and then programs the block
// length; eMMC devices additionally get a block count of one.
func (c *Card) Initialize(ctx context.Context, s *CardSession) error {
	if err := c.Enumerate(ctx, s, c.config.BusClock, c.config.BusWidth); err != nil {
		Debugf("identification failed: %v", err)
		return err
	}

	if _, err := c.send(ctx, CmdSetBlockLen, s.Info.BlockSize, ResponseR1); err != nil {
		Debugf("CMD16 block length %d failed: %v", s.Info.BlockSize, err)
		return c.trace.WrapError(err)
	}

	if s.Variant == VariantEMMC {
		if _, err := c.send(ctx, CmdSetBlockCount, 1, ResponseR1); err != nil {
			Debugf("CMD23 failed: %v", err)
			return c.trace.WrapError(err)
		}
	}

	return nil
}

// commandTraceSize is the number of bus transactions kept for diagnostics.
const commandTraceSize = 32

// send issues one command and returns its response words.
func (c *Card) send(ctx context.Context, index, arg uint32, resp ResponseType) ([4]uint32, error) {
	cmd := Command{Index: index, Arg: arg, Response: resp}
	c.trace.RecordCommand(index, arg, "")
	if err := c.transport.SendCommand(ctx, &cmd); err != nil {
		if IsTimeout(err) {
			c.trace.RecordTimeout(index, err.Error())
		} else {
			c.trace.RecordResponse(index, nil, err.Error())
		}
		return cmd.Words, err
	}
	if resp.Long() {
		c.trace.RecordResponse(index, cmd.Words[:], "")
	} else if resp != ResponseNone {
		c.trace.RecordResponse(index, cmd.Words[:1], "")
	}
	return cmd.Words, nil
}

// Trace returns the most recent bus transactions, oldest first.
func (c *Card) Trace() []TraceEntry {
	return c.trace.Entries()
}

// ReadBlocks reads len(buf)/BlockSize blocks starting at lba.
func (c *Card) ReadBlocks(ctx context.Context, s *CardSession, lba uint32, buf []byte) error {
	count, err := c.checkTransfer(s, buf)
	if err != nil {
		return err
	}

	if err := c.transport.Prepare(ctx, lba, buf); err != nil {
		return err
	}

	index := CmdReadSingleBlock
	if count > 1 {
		index = CmdReadMultipleBlock
	}
	if _, err := c.send(ctx, index, s.blockArg(lba), ResponseR1); err != nil {
		return fmt.Errorf("read %d blocks at %d: %w", count, lba, err)
	}

	if err := c.transport.ReadBlockData(ctx, lba, buf); err != nil {
		return fmt.Errorf("read %d blocks at %d: %w", count, lba, err)
	}

	if count > 1 {
		if _, err := c.send(ctx, CmdStopTransmission, 0, ResponseR1b); err != nil {
			return fmt.Errorf("stop transmission: %w", err)
		}
	}
	return nil
}

// WriteBlocks writes len(buf)/BlockSize blocks starting at lba and waits
// for the card to leave the programming state.
func (c *Card) WriteBlocks(ctx context.Context, s *CardSession, lba uint32, buf []byte) error {
	count, err := c.checkTransfer(s, buf)
	if err != nil {
		return err
	}

	if err := c.transport.Prepare(ctx, lba, buf); err != nil {
		return err
	}

	index := CmdWriteSingleBlock
	if count > 1 {
		index = CmdWriteMultipleBlock
	}
	if _, err := c.send(ctx, index, s.blockArg(lba), ResponseR1); err != nil {
		return fmt.Errorf("write %d blocks at %d: %w", count, lba, err)
	}

	if err := c.transport.WriteBlockData(ctx, lba, buf); err != nil {
		return fmt.Errorf("write %d blocks at %d: %w", count, lba, err)
	}

	if count > 1 {
		if _, err := c.send(ctx, CmdStopTransmission, 0, ResponseR1b); err != nil {
			return fmt.Errorf("stop transmission: %w", err)
		}
	}

	return c.waitWhileProgramming(ctx, s)
}

func (*Card) checkTransfer(s *CardSession, buf []byte) (int, error) {
	if s == nil || s.Phase != PhaseTransfer {
		return 0, ErrNotInitialized
	}
	if len(buf) == 0 || len(buf)%BlockSize != 0 {
		return 0, fmt.Errorf("%w: transfer of %d bytes is not a multiple of %d",
			ErrInvalidParameter, len(buf), BlockSize)
	}
	return len(buf) / BlockSize, nil
}

// DetectCard asks the transport for card presence when it can tell.
func (c *Card) DetectCard(ctx context.Context) (CardPresence, error) {
	detector, ok := c.transport.(CardDetector)
	if !ok {
		return CardUnknown, nil
	}
	presence, err := detector.DetectCard(ctx)
	if err != nil {
		return CardUnknown, fmt.Errorf("card detect: %w", err)
	}
	return presence, nil
}

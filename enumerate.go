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

// Enumerate brings the card from power-on to the transfer state: reset,
// operating-condition negotiation, identification, address assignment, CSD
// capture, selection, bus configuration and geometry derivation. Any failure
// aborts the sequence; the session is left in the phase it had reached.
func (c *Card) Enumerate(ctx context.Context, s *CardSession, clock physic.Frequency, width BusWidth) error {
	if s == nil {
		return fmt.Errorf("%w: nil session", ErrInvalidParameter)
	}
	c.trace.Clear()
	s.Phase = PhaseIdle

	if err := c.enumerate(ctx, s, clock, width); err != nil {
		return c.trace.WrapError(err)
	}

	s.Phase = PhaseTransfer
	Debugf("%s ready: %d bytes, block %d, max %v", s.Variant, s.Info.DeviceSize, s.Info.BlockSize, s.Info.MaxBusFreq)
	return nil
}

func (c *Card) enumerate(ctx context.Context, s *CardSession, clock physic.Frequency, width BusWidth) error {
	if err := c.ResetToIdle(ctx); err != nil {
		return fmt.Errorf("reset to idle: %w", err)
	}

	if err := c.negotiateOpCond(ctx, s); err != nil {
		return err
	}
	s.Phase = PhaseReady

	if _, err := c.send(ctx, CmdAllSendCID, 0, ResponseR2); err != nil {
		return fmt.Errorf("all send CID: %w", err)
	}

	if err := c.assignAddress(ctx, s); err != nil {
		return err
	}
	s.Phase = PhaseIdentification

	words, err := c.send(ctx, CmdSendCSD, s.rcaArg(), ResponseR2)
	if err != nil {
		return fmt.Errorf("send CSD: %w", err)
	}
	s.CSD = CSD(words)
	s.Phase = PhaseStandby

	if _, err := c.send(ctx, CmdSelectCard, s.rcaArg(), ResponseR1); err != nil {
		return fmt.Errorf("select card: %w", err)
	}
	if err := c.waitForTransfer(ctx, s); err != nil {
		return fmt.Errorf("select card: %w", err)
	}

	if err := c.SetIos(ctx, s, clock, width); err != nil {
		return err
	}

	return c.FillDeviceInfo(ctx, s)
}

// ResetToIdle sends GO_IDLE_STATE and waits for the card to settle.
func (c *Card) ResetToIdle(ctx context.Context) error {
	if _, err := c.send(ctx, CmdGoIdleState, 0, ResponseNone); err != nil {
		return err
	}
	c.config.Clock.Stall(ResetSettleDelay)
	return nil
}

func (c *Card) negotiateOpCond(ctx context.Context, s *CardSession) error {
	if s.Variant == VariantEMMC {
		return c.sendOpCond(ctx, s)
	}
	return c.sdSendOpCond(ctx, s)
}

// sendOpCond negotiates an eMMC device with CMD1 until its power-up bit sets.
func (c *Card) sendOpCond(ctx context.Context, s *CardSession) error {
	if err := c.ResetToIdle(ctx); err != nil {
		return fmt.Errorf("reset to idle: %w", err)
	}

	arg := OCRSectorMode | OCRVddMin2V7 | OCRVddMin1V7
	err := RetryWithConfig(ctx, c.config.Clock, RetryConfig{
		Op:          "CMD1 send op cond",
		MaxAttempts: SendOpCondMaxRetries,
		Delay:       SendOpCondDelay,
	}, func(int) (bool, error) {
		words, err := c.send(ctx, CmdSendOpCond, arg, ResponseR3)
		if err != nil {
			return false, fmt.Errorf("send op cond: %w", err)
		}
		if words[0]&OCRPowerUp == 0 {
			return false, nil
		}
		s.OCR = words[0]
		return true, nil
	})
	if err != nil {
		return err
	}

	s.AccessMode = AccessByte
	if s.OCR&OCRAccessModeMask == OCRSectorMode {
		s.AccessMode = AccessSector
	}
	Debugf("eMMC OCR 0x%08X", s.OCR)
	return nil
}

// sdSendOpCond checks the interface condition and negotiates an SD card with
// ACMD41, resolving the variant from the card capacity status bit.
func (c *Card) sdSendOpCond(ctx context.Context, s *CardSession) error {
	words, err := c.send(ctx, CmdSendIfCond, IfCondVHS27To36|IfCondCheckPattern, ResponseR7)
	if err != nil {
		return fmt.Errorf("send if cond: %w", err)
	}
	if words[0]&0xFF != IfCondCheckPattern {
		return deviceErrorf("interface condition echoed 0x%02X, want 0x%02X", words[0]&0xFF, IfCondCheckPattern)
	}

	arg := OCRHCS | s.Info.OCRVoltage
	err = RetryWithConfig(ctx, c.config.Clock, RetryConfig{
		Op:          "ACMD41 send op cond",
		MaxAttempts: SendOpCondMaxRetries,
		Delay:       SendOpCondDelay,
	}, func(int) (bool, error) {
		if _, err := c.send(ctx, CmdAppCmd, 0, ResponseR1); err != nil {
			return false, fmt.Errorf("app cmd: %w", err)
		}
		ocr, err := c.send(ctx, ACmdSDSendOpCond, arg, ResponseR3)
		if err != nil {
			return false, fmt.Errorf("sd send op cond: %w", err)
		}
		if ocr[0]&OCRPowerUp == 0 {
			return false, nil
		}
		s.OCR = ocr[0]
		return true, nil
	})
	if err != nil {
		return err
	}

	if s.OCR&OCRHCS != 0 {
		s.Variant = VariantSDHC
		s.AccessMode = AccessSector
	} else {
		s.Variant = VariantSD
		s.AccessMode = AccessByte
	}
	s.Info.Variant = s.Variant
	Debugf("SD OCR 0x%08X, variant %s", s.OCR, s.Variant)
	return nil
}

func (c *Card) assignAddress(ctx context.Context, s *CardSession) error {
	if s.Variant == VariantEMMC {
		s.RCA = EMMCFixedRCA
		if _, err := c.send(ctx, CmdSetRelativeAddr, s.rcaArg(), ResponseR1); err != nil {
			return fmt.Errorf("set relative address: %w", err)
		}
		return nil
	}

	words, err := c.send(ctx, CmdSetRelativeAddr, 0, ResponseR6)
	if err != nil {
		return fmt.Errorf("publish relative address: %w", err)
	}
	s.RCA = uint16(words[0] >> RCAShift)
	Debugf("SD RCA 0x%04X", s.RCA)
	return nil
}

// DeviceState reads the card state with CMD13. Transport failures consume
// the retry budget; a response with the switch-error bit set is a
// DeviceError. The read repeats until the card reports ready-for-data.
func (c *Card) DeviceState(ctx context.Context, s *CardSession) (CardState, error) {
	var (
		state     CardState
		switchErr error
	)

	err := RetryWithConfig(ctx, c.config.Clock, RetryConfig{
		Op:          "CMD13 send status",
		MaxAttempts: DefaultMaxRetries,
		RetryErrors: true,
	}, func(int) (bool, error) {
		words, err := c.send(ctx, CmdSendStatus, s.rcaArg(), ResponseR1)
		if err != nil {
			return false, fmt.Errorf("send status: %w", err)
		}
		status := words[0]
		if status&StatusSwitchError != 0 {
			switchErr = deviceErrorf("switch error in card status 0x%08X", status)
			return true, nil
		}
		state = StateFromStatus(status)
		return status&StatusReadyForData != 0, nil
	})
	if err != nil {
		return state, err
	}
	if switchErr != nil {
		return state, switchErr
	}
	return state, nil
}

// waitState polls DeviceState until done reports true for the current state.
func (c *Card) waitState(ctx context.Context, s *CardSession, what string, done func(CardState) bool) error {
	budget := StateWaitBudget
	for i := 0; i <= budget.Iterations; i++ {
		state, err := c.DeviceState(ctx, s)
		if err != nil {
			return err
		}
		if done(state) {
			return nil
		}
		if i < budget.Iterations {
			c.config.Clock.Stall(budget.Step)
		}
	}
	return fmt.Errorf("%w: card did not %s within %v", ErrTimeout, what, budget.Total())
}

func (c *Card) waitForTransfer(ctx context.Context, s *CardSession) error {
	return c.waitState(ctx, s, "reach transfer state", func(st CardState) bool {
		return st == StateTran
	})
}

func (c *Card) waitWhileProgramming(ctx context.Context, s *CardSession) error {
	return c.waitState(ctx, s, "finish programming", func(st CardState) bool {
		return st != StatePrg
	})
}

// setExtCSD writes one EXT_CSD byte with CMD6 and waits for the write to
// finish.
func (c *Card) setExtCSD(ctx context.Context, s *CardSession, index, value uint32) error {
	if _, err := c.send(ctx, CmdSwitch, ExtCSDSwitchArg(index, value), ResponseR1b); err != nil {
		return fmt.Errorf("switch EXT_CSD[%d]=%d: %w", index, value, err)
	}
	return c.waitWhileProgramming(ctx, s)
}

// sdSwitch reads the SCR and switches the SD bus width. It returns the width
// the card was switched to.
func (c *Card) sdSwitch(ctx context.Context, s *CardSession, width BusWidth) (BusWidth, error) {
	buf := make([]byte, SCRSize)
	if err := c.transport.Prepare(ctx, 0, buf); err != nil {
		return width, fmt.Errorf("prepare SCR read: %w", err)
	}

	if _, err := c.send(ctx, CmdAppCmd, s.rcaArg(), ResponseR1); err != nil {
		return width, fmt.Errorf("app cmd: %w", err)
	}
	err := RetryWithConfig(ctx, c.config.Clock, RetryConfig{
		Op:          "ACMD51 send SCR",
		MaxAttempts: DefaultMaxRetries,
		RetryErrors: true,
	}, func(int) (bool, error) {
		if _, err := c.send(ctx, ACmdSendSCR, 0, ResponseR1); err != nil {
			return false, fmt.Errorf("send SCR: %w", err)
		}
		return true, nil
	})
	if err != nil {
		return width, err
	}

	if err := c.transport.ReadBlockData(ctx, 0, buf); err != nil {
		return width, fmt.Errorf("read SCR: %w", err)
	}
	scr, err := DecodeSCR(buf)
	if err != nil {
		return width, err
	}
	s.SCR = scr

	var arg uint32
	negotiated := BusWidth1
	if scr.SupportsBusWidth4() && width == BusWidth4 {
		arg = 2
		negotiated = BusWidth4
	}

	if _, err := c.send(ctx, CmdAppCmd, s.rcaArg(), ResponseR1); err != nil {
		return width, fmt.Errorf("app cmd: %w", err)
	}
	if _, err := c.send(ctx, ACmdSetBusWidth, arg, ResponseR1); err != nil {
		return width, fmt.Errorf("set bus width: %w", err)
	}
	if err := c.waitWhileProgramming(ctx, s); err != nil {
		return width, err
	}
	return negotiated, nil
}

// SetIos switches the card to the requested bus width and then applies the
// clock and width to the controller.
func (c *Card) SetIos(ctx context.Context, s *CardSession, clock physic.Frequency, width BusWidth) error {
	switch {
	case s.Variant.IsSD():
		if width == BusWidth8 {
			Debugf("SD cards have no 8-bit mode, using 4-bit")
			width = BusWidth4
		}
		negotiated, err := c.sdSwitch(ctx, s, width)
		if err != nil {
			return err
		}
		width = negotiated
	case s.CSD.Field(CSDSpecVers) == 4:
		if err := c.setExtCSD(ctx, s, ExtCSDBusWidth, uint32(width)); err != nil {
			return err
		}
	default:
		Debugf("%s spec version %d: bus width left unchanged", s.Variant, s.CSD.Field(CSDSpecVers))
	}

	if err := c.transport.SetIos(ctx, clock, width); err != nil {
		return fmt.Errorf("set ios %v %s: %w", clock, width, err)
	}
	return nil
}

// FillDeviceInfo derives the device geometry and maximum bus frequency from
// the captured registers. eMMC devices read their EXT_CSD for the sector
// count.
func (c *Card) FillDeviceInfo(ctx context.Context, s *CardSession) error {
	var tranSpeed uint32

	switch s.Variant {
	case VariantEMMC:
		ext := new(ExtCSD)
		if err := c.readExtCSD(ctx, s, ext); err != nil {
			return err
		}
		s.ExtCSD = ext
		s.Info.BlockSize = BlockSize
		s.Info.DeviceSize = uint64(ext.SectorCount()) * BlockSize
		tranSpeed = s.CSD.V1().TranSpeed
	case VariantSDHC:
		v2 := s.CSD.V2()
		size, err := v2.Capacity()
		if err != nil {
			return err
		}
		s.Info.BlockSize = BlockSize
		s.Info.DeviceSize = size
		tranSpeed = v2.TranSpeed
	case VariantSD:
		v1 := s.CSD.V1()
		size, blockSize, err := v1.Capacity()
		if err != nil {
			return err
		}
		// 2 and 4 GB cards report 1024 or 2048 byte blocks but transfer
		// 512 byte blocks once CMD16 sets the length.
		s.Info.BlockSize = min(blockSize, BlockSize)
		s.Info.DeviceSize = size
		tranSpeed = v1.TranSpeed
	default:
		return deviceErrorf("unknown card variant %d", int(s.Variant))
	}

	freq, err := MaxBusFrequency(tranSpeed, s.Variant)
	if err != nil {
		return err
	}
	s.Info.MaxBusFreq = freq
	s.Info.Variant = s.Variant
	return nil
}

func (c *Card) readExtCSD(ctx context.Context, s *CardSession, ext *ExtCSD) error {
	if err := c.transport.Prepare(ctx, 0, ext[:]); err != nil {
		return fmt.Errorf("prepare EXT_CSD read: %w", err)
	}
	if _, err := c.send(ctx, CmdSendExtCSD, 0, ResponseR1); err != nil {
		return fmt.Errorf("send EXT_CSD: %w", err)
	}
	if err := c.transport.ReadBlockData(ctx, 0, ext[:]); err != nil {
		return fmt.Errorf("read EXT_CSD: %w", err)
	}
	return c.waitForTransfer(ctx, s)
}

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

	sdmmc "github.com/ZaparooProject/go-sdmmc"
	"periph.io/x/conn/v3/physic"
)

// MaxClockDivider is the largest 8-bit divided clock mode divider.
const MaxClockDivider = 0xFF

// ClockOutcome reports whether the controller confirmed a clock change.
type ClockOutcome int

const (
	// ClockStable means the internal clock reported stable within budget, or
	// preset values are in control.
	ClockStable ClockOutcome = iota
	// ClockNotConfirmedStable means the stable bit never set. The clock may
	// still work; the host logs it and carries on unless strict.
	ClockNotConfirmedStable
)

func (o ClockOutcome) String() string {
	if o == ClockStable {
		return "stable"
	}
	return "not confirmed stable"
}

// ClockDivider returns the smallest divider d in [1,255] with
// base/(2d) <= target, 0 when base <= target, and 255 when no divider
// reaches the target.
//
// The search runs on whole hertz.
func ClockDivider(base, target physic.Frequency) uint16 {
	baseHz := int64(base / physic.Hertz)
	targetHz := int64(target / physic.Hertz)
	if baseHz <= targetHz {
		return 0
	}
	for d := int64(1); d < MaxClockDivider; d++ {
		if baseHz/(2*d) <= targetHz {
			return uint16(d)
		}
	}
	return MaxClockDivider
}

// waitClockStable polls the internal clock stable bit.
func (h *Host) waitClockStable() bool {
	return sdmmc.ClockStableBudget.Poll(h.clock, func() bool {
		return h.regs.Read16(regClockControl)&clkInternalStable != 0
	})
}

// clockResult turns an outcome into an error when the host is strict.
func (h *Host) clockResult(op string, target physic.Frequency, outcome ClockOutcome) (ClockOutcome, error) {
	if outcome == ClockStable {
		return outcome, nil
	}
	sdmmc.Debugf("%s: %s %v: clock %s", h.name, op, target, outcome)
	if h.strictClock {
		return outcome, fmt.Errorf("%s %v: %w", op, target, sdmmc.ErrClockNotConfirmedStable)
	}
	return outcome, nil
}

// SetClock programs the card clock from scratch: internal clock, divider and
// PLL. It does nothing when preset values are enabled.
func (h *Host) SetClock(target physic.Frequency) (ClockOutcome, error) {
	if target <= 0 {
		return ClockNotConfirmedStable, fmt.Errorf("%w: clock %v", sdmmc.ErrInvalidParameter, target)
	}
	div := ClockDivider(h.baseClock, target)

	if h.regs.Read16(regHostControl2)&hostCtrl2PresetValue != 0 {
		sdmmc.Debugf("%s: using SD clock preset value", h.name)
		return ClockStable, nil
	}

	clear16(h.regs, regClockControl, clkInternalEnable|clkPLLEnable)
	h.regs.Write16(regClockControl, h.regs.Read16(regClockControl)&clkDividerKeep|div<<clkDividerShift)
	set16(h.regs, regClockControl, clkInternalEnable)

	if !h.waitClockStable() {
		sdmmc.Debugf("%s: internal clock enable failed", h.name)
		return h.clockResult("set clock", target, ClockNotConfirmedStable)
	}

	set16(h.regs, regClockControl, clkPLLEnable)
	if !h.waitClockStable() {
		return h.clockResult("set clock", target, ClockNotConfirmedStable)
	}
	return ClockStable, nil
}

// changeClock retunes a running card clock: stop the SD clock and PLL,
// reprogram the divider (or clear the UHS mode under preset values), then
// restart both.
func (h *Host) changeClock(target physic.Frequency) (ClockOutcome, error) {
	if target <= 0 {
		return ClockNotConfirmedStable, fmt.Errorf("%w: clock %v", sdmmc.ErrInvalidParameter, target)
	}
	div := ClockDivider(h.baseClock, target)

	clear16(h.regs, regClockControl, clkSDEnable)
	clear16(h.regs, regClockControl, clkPLLEnable)

	if h.regs.Read16(regHostControl2)&hostCtrl2PresetValue != 0 {
		clear16(h.regs, regHostControl2, hostCtrl2UHSModeMask)
	} else {
		h.regs.Write16(regClockControl, h.regs.Read16(regClockControl)&clkDividerKeep|div<<clkDividerShift)
		clear16(h.regs, regClockControl, clkGenSelect)
	}
	set16(h.regs, regClockControl, clkSDEnable|clkPLLEnable)

	if !h.waitClockStable() {
		return h.clockResult("change clock", target, ClockNotConfirmedStable)
	}
	return ClockStable, nil
}

// Divider returns the divider currently programmed in the clock control
// register.
func (h *Host) Divider() uint16 {
	return h.regs.Read16(regClockControl) >> clkDividerShift
}

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
	"context"
	"fmt"

	sdmmc "github.com/ZaparooProject/go-sdmmc"
)

// Init runs PHY init and host init. After it returns the card clock runs at
// InitClock on a 1-bit bus and all interrupt status bits are enabled.
func (h *Host) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sdmmc.Debugf("%s: initializing, base clock %v", h.name, h.baseClock)

	if outcome, err := h.PhyInit(); err != nil {
		return err
	} else if outcome != PhyReady {
		sdmmc.Debugf("%s: PHY %s", h.name, outcome)
	}

	return h.hostInit()
}

func (h *Host) hostInit() error {
	h.vendorBase = uint32(h.regs.Read16(regVendorArea)) & vendorAreaMask

	set32(h.regs, regPhyConfig, 1<<phyCnfgRstn)
	h.regs.Write8(regSoftwareReset, resetCmdData)

	h.regs.Write8(regPowerControl, powerVDD1Sel33)
	h.regs.Write8(regTimeoutControl, timeoutTMCLK)
	set16(h.regs, regHostControl2, hostCtrl2CMD23Enable)
	clear16(h.regs, regClockControl, clkGenSelect)

	set16(h.regs, regHostControl2, hostCtrl2Ver4Enable)
	caps1 := h.regs.Read32(regCapabilities1)
	if caps1&caps1Addr64 != 0 {
		set16(h.regs, regHostControl2, hostCtrl2Addr64)
	}
	if caps1&caps1AsyncInt != 0 {
		set16(h.regs, regHostControl2, hostCtrl2AsyncInt)
	}

	h.clock.Stall(sdmmc.PowerDownSettleDelay)

	clear16(h.regs, regHostControl2, hostCtrl2UHS2Enable)
	set8(h.regs, regPowerControl, powerVDD1On)
	clear16(h.regs, regHostControl2, hostCtrl2UHSModeMask)

	if _, err := h.SetClock(InitClock); err != nil {
		return fmt.Errorf("%s host init: %w", h.name, err)
	}
	h.clock.Stall(sdmmc.InitClockSettleDelay)

	set16(h.regs, regClockControl, clkSDEnable)
	h.clock.Stall(sdmmc.VoltageRampDelay)

	set16(h.regs, regIntStatus, intCardInsert)
	set16(h.regs, regIntStatusEn, 0xFFFF)
	set16(h.regs, regErrIntStatusEn, 0xFFFF)

	h.presence = sdmmc.CardUnknown
	sdmmc.Debugf("%s: host init done, vendor area at 0x%X", h.name, h.vendorBase)
	return nil
}

// VendorBase returns the offset of the vendor-specific register area read
// during host init.
func (h *Host) VendorBase() uint32 {
	return h.vendorBase
}

// Addr64 reports whether host init enabled 64-bit DMA addressing.
func (h *Host) Addr64() bool {
	return h.regs.Read16(regHostControl2)&hostCtrl2Addr64 != 0
}

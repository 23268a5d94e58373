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
)

// PhyOutcome reports whether the PHY confirmed reset and power-good.
type PhyOutcome int

const (
	// PhyReady means both waits completed within budget.
	PhyReady PhyOutcome = iota
	// PhyNotConfirmedReady means a wait ran out of budget. Configuration
	// still proceeds.
	PhyNotConfirmedReady
)

func (o PhyOutcome) String() string {
	if o == PhyReady {
		return "ready"
	}
	return "not confirmed ready"
}

const (
	padDefault = 2<<padCnfgRxSel | 1<<padCnfgWeakPull | 3<<padCnfgTxSlewP | 2<<padCnfgTxSlewN
	padClock   = 2<<padCnfgRxSel | 3<<padCnfgTxSlewP | 2<<padCnfgTxSlewN
	padStrobe  = 2<<padCnfgRxSel | 2<<padCnfgWeakPull | 3<<padCnfgTxSlewP | 2<<padCnfgTxSlewN
)

// PhyInit resets the controller and configures the PHY pads and delay
// lines. It must run once before any command traffic.
func (h *Host) PhyInit() (PhyOutcome, error) {
	outcome := PhyReady

	h.regs.Write8(regSoftwareReset, resetAll)
	if !sdmmc.PhyResetBudget.Poll(h.clock, func() bool {
		return h.regs.Read8(regSoftwareReset) == 0
	}) {
		sdmmc.Debugf("%s: software reset did not clear", h.name)
		outcome = PhyNotConfirmedReady
	}

	if !sdmmc.PhyResetBudget.Poll(h.clock, func() bool {
		return h.regs.Read32(regPhyConfig)&(1<<phyCnfgPwrGood) != 0
	}) {
		sdmmc.Debugf("%s: PHY power good not set", h.name)
		outcome = PhyNotConfirmedReady
	}

	clear32(h.regs, regPhyConfig, 1<<phyCnfgRstn)
	h.regs.Write32(regPhyConfig, 1<<phyCnfgPwrGood|0x9<<phyCnfgPadSP|0x8<<phyCnfgPadSN)

	h.regs.Write16(regCmdPadConfig, padDefault)
	h.regs.Write16(regDatPadConfig, padDefault)
	h.regs.Write16(regClkPadConfig, padClock)
	h.regs.Write16(regStbPadConfig, padStrobe)
	h.regs.Write16(regRstnPadConfig, padDefault)

	h.regs.Write8(regSDClkDLConfig, 1<<sdclkdlExtDlyEn)
	h.regs.Write8(regSmplDLConfig, 1<<smpldlBypassEn)
	h.regs.Write8(regATDLConfig, 2<<atdlInpSelConfig)

	if outcome != PhyReady && h.strictPhy {
		return outcome, fmt.Errorf("%s phy init: %w", h.name, sdmmc.ErrPhyNotConfirmedReady)
	}
	return outcome, nil
}

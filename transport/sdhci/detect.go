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
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// SetIos implements sdmmc.Transport: it programs the data width and retunes
// the card clock.
func (h *Host) SetIos(ctx context.Context, clock physic.Frequency, width sdmmc.BusWidth) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch width {
	case sdmmc.BusWidth1:
		clear8(h.regs, regHostControl, hostCtrlDataWidth4|hostCtrlDataWidth8)
	case sdmmc.BusWidth4:
		h.regs.Write8(regHostControl, h.regs.Read8(regHostControl)&^hostCtrlDataWidth8|hostCtrlDataWidth4)
	case sdmmc.BusWidth8:
		set8(h.regs, regHostControl, hostCtrlDataWidth8)
	default:
		return fmt.Errorf("%w: bus width %d", sdmmc.ErrDeviceError, uint32(width))
	}

	outcome, err := h.changeClock(clock)
	if err != nil {
		return err
	}
	sdmmc.Debugf("%s: ios %v %s, clock %s, divider %d", h.name, clock, width, outcome, h.Divider())
	return nil
}

// DetectCard implements sdmmc.CardDetector. The first call arms the card
// insertion interrupt and samples the present state; later calls return the
// cached result.
func (h *Host) DetectCard(ctx context.Context) (sdmmc.CardPresence, error) {
	if err := ctx.Err(); err != nil {
		return sdmmc.CardUnknown, err
	}
	if h.presence != sdmmc.CardUnknown {
		return h.presence, nil
	}

	set16(h.regs, regIntStatusEn, intCardInsert)
	if h.regs.Read32(regPresentState)&stateCardInserted != 0 {
		h.presence = sdmmc.CardInserted
	} else {
		h.presence = sdmmc.CardNotInserted
	}
	return h.presence, nil
}

// IsReadOnly implements sdmmc.Transport. A write-protect pin takes
// precedence over the controller's write-protect line.
func (h *Host) IsReadOnly() bool {
	if h.writeProtect != nil {
		return h.writeProtect.Read() == gpio.High
	}
	return h.regs.Read32(regPresentState)&stateWriteEnabled == 0
}

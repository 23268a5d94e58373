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

// Standard SDHCI register offsets from the controller base.
const (
	regDMAAddress     = 0x00 // SDMA address; 32-bit block count in v4 mode
	regBlockSize      = 0x04
	regBlockCount     = 0x06
	regArgument       = 0x08
	regTransferMode   = 0x0C
	regCommand        = 0x0E
	regResponse01     = 0x10
	regResponse23     = 0x14
	regResponse45     = 0x18
	regResponse67     = 0x1C
	regBufData        = 0x20
	regPresentState   = 0x24
	regHostControl    = 0x28
	regPowerControl   = 0x29
	regClockControl   = 0x2C
	regTimeoutControl = 0x2E
	regSoftwareReset  = 0x2F
	regIntStatus      = 0x30
	regErrIntStatus   = 0x32
	regIntStatusEn    = 0x34
	regErrIntStatusEn = 0x36
	regHostControl2   = 0x3E
	regCapabilities   = 0x40
	regCapabilities1  = 0x44
	regADMAAddrLow    = 0x58
	regADMAAddrHigh   = 0x5C
	regVendorArea     = 0xE8
)

// DesignWare MSHC PHY register offsets from the controller base.
const (
	regPhyConfig     = 0x300
	regCmdPadConfig  = 0x304
	regDatPadConfig  = 0x306
	regClkPadConfig  = 0x308
	regStbPadConfig  = 0x30A
	regRstnPadConfig = 0x30C
	regSDClkDLConfig = 0x31D
	regSmplDLConfig  = 0x320
	regATDLConfig    = 0x321
)

// Present state bits
const (
	stateCmdInhibit    = 1 << 0
	stateCmdInhibitDat = 1 << 1
	stateBufWrEnable   = 1 << 10
	stateBufRdEnable   = 1 << 11
	stateCardInserted  = 1 << 16
	stateWriteEnabled  = 1 << 19
)

// Normal interrupt status bits
const (
	intCmdComplete  = 1 << 0
	intXferComplete = 1 << 1
	intDMAEnd       = 1 << 3
	intBufWrReady   = 1 << 4
	intBufRdReady   = 1 << 5
	intCardInsert   = 1 << 6
	intError        = 1 << 15
)

// Transfer mode bits
const (
	xferDMA       = 1 << 0
	xferBlkCntEn  = 1 << 1
	xferRead      = 1 << 4
	xferMulti     = 1 << 5
	xferRespIntDs = 1 << 8
)

// Command register flags
const (
	cmdRespNone      = 0x0
	cmdRespLong      = 0x1
	cmdRespShort     = 0x2
	cmdRespShortBusy = 0x3
	cmdCRC           = 1 << 3
	cmdIndex         = 1 << 4
	cmdData          = 1 << 5
)

// Host control bits
const (
	hostCtrlDataWidth4 = 1 << 1
	hostCtrlDMAMask    = 3 << 3
	hostCtrlSDMA       = 0 << 3
	hostCtrlDataWidth8 = 1 << 5
)

// Host control 2 bits
const (
	hostCtrl2UHSModeMask = 0x7
	hostCtrl2UHS2Enable  = 1 << 8
	hostCtrl2CMD23Enable = 1 << 11
	hostCtrl2Ver4Enable  = 1 << 12
	hostCtrl2Addr64      = 1 << 13
	hostCtrl2AsyncInt    = 1 << 14
	hostCtrl2PresetValue = 1 << 15
)

// Capabilities 1 bits
const (
	caps1Addr64   = 1 << 27
	caps1AsyncInt = 1 << 29
)

// Clock control bits
const (
	clkInternalEnable = 1 << 0
	clkInternalStable = 1 << 1
	clkSDEnable       = 1 << 2
	clkPLLEnable      = 1 << 3
	clkGenSelect      = 1 << 5
	clkDividerShift   = 8
	clkDividerKeep    = 0xDF
)

// Power, timeout and reset values
const (
	powerVDD1On       = 1 << 0
	powerVDD1Sel33    = 0x7 << 1
	timeoutTMCLK      = 0xE
	resetAll          = 0x7
	resetCmdData      = 0x6
	vendorAreaMask    = 1<<12 - 1
	sdmaBoundary512K  = 7
	blockSizeBoundary = 12
)

// PHY configuration fields
const (
	phyCnfgRstn      = 0
	phyCnfgPwrGood   = 1
	phyCnfgPadSP     = 16
	phyCnfgPadSN     = 20
	padCnfgRxSel     = 0
	padCnfgWeakPull  = 3
	padCnfgTxSlewP   = 5
	padCnfgTxSlewN   = 9
	sdclkdlExtDlyEn  = 0
	smpldlBypassEn   = 1
	atdlInpSelConfig = 2
)

// makeCommand builds the command register value.
func makeCommand(index uint32, flags uint16) uint16 {
	return uint16(index&0xFF)<<8 | flags&0xFF
}

// makeBlockSize builds the block size register value with an SDMA boundary.
func makeBlockSize(boundary, size uint16) uint16 {
	return boundary<<blockSizeBoundary | size&0xFFF
}

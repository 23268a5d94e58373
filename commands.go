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

// SD/MMC command indices. Application commands (ACMD) are sent after
// CmdAppCmd and share the index space with regular commands.
const (
	CmdGoIdleState        uint32 = 0
	CmdSendOpCond         uint32 = 1 // eMMC only
	CmdAllSendCID         uint32 = 2
	CmdSetRelativeAddr    uint32 = 3
	CmdSwitch             uint32 = 6 // eMMC EXT_CSD write
	CmdSelectCard         uint32 = 7
	CmdSendIfCond         uint32 = 8 // SD; eMMC SEND_EXT_CSD shares the index
	CmdSendExtCSD         uint32 = 8
	CmdSendCSD            uint32 = 9
	CmdStopTransmission   uint32 = 12
	CmdSendStatus         uint32 = 13
	CmdSetBlockLen        uint32 = 16
	CmdReadSingleBlock    uint32 = 17
	CmdReadMultipleBlock  uint32 = 18
	CmdSetBlockCount      uint32 = 23
	CmdWriteSingleBlock   uint32 = 24
	CmdWriteMultipleBlock uint32 = 25
	CmdAppCmd             uint32 = 55

	ACmdSetBusWidth  uint32 = 6
	ACmdSDSendOpCond uint32 = 41
	ACmdSendSCR      uint32 = 51
)

// ResponseType describes the response a command expects. The transport maps
// it onto controller command flags.
type ResponseType uint32

// Response flag bits
const (
	RespPresent ResponseType = 1 << 0
	Resp136     ResponseType = 1 << 1
	RespCRC     ResponseType = 1 << 2
	RespBusy    ResponseType = 1 << 3
	RespOpcode  ResponseType = 1 << 4
)

// Response classes
const (
	ResponseNone ResponseType = 0
	ResponseR1                = RespPresent | RespCRC | RespOpcode
	ResponseR1b               = RespPresent | RespCRC | RespOpcode | RespBusy
	ResponseR2                = RespPresent | Resp136 | RespCRC
	ResponseR3                = RespPresent
	ResponseR5                = RespPresent | RespCRC | RespOpcode
	ResponseR6                = RespPresent | RespCRC | RespOpcode
	ResponseR7                = RespPresent | RespCRC | RespOpcode
)

// Long reports whether the response is 136 bits.
func (r ResponseType) Long() bool { return r&Resp136 != 0 }

// Command is one bus transaction. Words receives the response; for long
// responses all four words are valid, otherwise only Words[0].
type Command struct {
	Index    uint32
	Arg      uint32
	Response ResponseType
	Words    [4]uint32
}

// IsDataCommand reports whether the command index moves data over DAT lines
// in this driver's command set.
func IsDataCommand(index uint32) bool {
	switch index {
	case CmdReadSingleBlock, CmdReadMultipleBlock, ACmdSendSCR,
		CmdWriteSingleBlock, CmdWriteMultipleBlock:
		return true
	default:
		return false
	}
}

// IsReadCommand reports whether a data command moves data card-to-host.
func IsReadCommand(index uint32) bool {
	switch index {
	case CmdReadSingleBlock, CmdReadMultipleBlock, ACmdSendSCR:
		return true
	default:
		return false
	}
}

// OCR register bits
const (
	OCRPowerUp        uint32 = 1 << 31
	OCRHCS            uint32 = 1 << 30
	OCRByteMode       uint32 = 0 << 29
	OCRSectorMode     uint32 = 2 << 29
	OCRAccessModeMask uint32 = 3 << 29
	OCRVddMin2V7      uint32 = 0x00FF8000 // 2.7-3.6 V window, bits 23:15
	OCRVddMin2V0      uint32 = 0x00007F00
	OCRVddMin1V7      uint32 = 1 << 7

	// DefaultOCRVoltage requests 3.2-3.4 V from SD cards.
	DefaultOCRVoltage uint32 = 0x00300000
)

// CMD8 interface condition argument
const (
	IfCondCheckPattern uint32 = 0xAA
	IfCondVHS27To36    uint32 = 1 << 8
)

// R1 card status bits
const (
	StatusReadyForData uint32 = 1 << 8
	StatusSwitchError  uint32 = 1 << 7
)

// RCA handling
const (
	// EMMCFixedRCA is assigned to eMMC devices; it must be greater than 1.
	EMMCFixedRCA uint16 = 6
	// RCAShift positions the RCA in command arguments.
	RCAShift = 16
)

// EXT_CSD field indices and CMD6 argument encoding
const (
	ExtCSDPartitionConfig = 179
	ExtCSDBusWidth        = 183
	ExtCSDHSTiming        = 185
	ExtCSDPartSwitchTime  = 199
	ExtCSDSecCount        = 212
	ExtCSDSize            = 512

	ExtCSDSetCmd     uint32 = 0 << 24
	ExtCSDSetBits    uint32 = 1 << 24
	ExtCSDClearBits  uint32 = 2 << 24
	ExtCSDWriteBytes uint32 = 3 << 24
	ExtCSDCmdSetNorm uint32 = 1
)

// ExtCSDSwitchArg builds a CMD6 argument that writes value to an EXT_CSD byte.
func ExtCSDSwitchArg(index, value uint32) uint32 {
	return ExtCSDWriteBytes | (index&0xFF)<<16 | (value&0xFF)<<8 | ExtCSDCmdSetNorm
}

// SCR bus width support bits, as seen in the first SCR word
const (
	SCRBusWidth1 uint32 = 1 << 8
	SCRBusWidth4 uint32 = 1 << 10
)

// BlockSize is the transfer block size for sector-addressed media.
const BlockSize = 512

// SCRSize is the SCR register size in bytes.
const SCRSize = 8

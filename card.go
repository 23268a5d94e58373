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
	"fmt"

	"periph.io/x/conn/v3/physic"
)

// CardVariant discriminates the card families the protocol layer supports.
type CardVariant int

const (
	// VariantEMMC is an embedded MMC device.
	VariantEMMC CardVariant = iota
	// VariantSD is a standard-capacity (byte addressed) SD card.
	VariantSD
	// VariantSDHC is a high-capacity (sector addressed) SD card.
	VariantSDHC
)

func (v CardVariant) String() string {
	switch v {
	case VariantEMMC:
		return "eMMC"
	case VariantSD:
		return "SD"
	case VariantSDHC:
		return "SDHC"
	default:
		return fmt.Sprintf("CardVariant(%d)", int(v))
	}
}

// IsSD reports whether the variant is one of the SD families.
func (v CardVariant) IsSD() bool {
	return v == VariantSD || v == VariantSDHC
}

// SectorAddressed reports whether data commands take a block index rather
// than a byte offset.
func (v CardVariant) SectorAddressed() bool {
	return v != VariantSD
}

// CardState is the card's current state as reported in R1 status bits 12:9.
type CardState uint32

// Card states
const (
	StateIdle CardState = iota
	StateReady
	StateIdent
	StateStby
	StateTran
	StateData
	StateRcv
	StatePrg
	StateDis
	StateBtst
	StateSlp
)

var cardStateNames = [...]string{
	"idle", "ready", "ident", "stby", "tran", "data", "rcv", "prg", "dis", "btst", "slp",
}

func (s CardState) String() string {
	if int(s) < len(cardStateNames) {
		return cardStateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// StateFromStatus extracts the current state from an R1 status word.
func StateFromStatus(status uint32) CardState {
	return CardState((status >> 9) & 0xF)
}

// Phase tracks how far bring-up has progressed.
type Phase int

// Bring-up phases. Transfer is the only terminal success phase.
const (
	PhaseIdle Phase = iota
	PhaseReady
	PhaseIdentification
	PhaseStandby
	PhaseTransfer
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseReady:
		return "ready"
	case PhaseIdentification:
		return "identification"
	case PhaseStandby:
		return "standby"
	case PhaseTransfer:
		return "transfer"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// BusWidth is a data bus width in bits. The numeric values match the
// EXT_CSD BUS_WIDTH encoding.
type BusWidth uint32

// Bus widths
const (
	BusWidth1 BusWidth = 0
	BusWidth4 BusWidth = 1
	BusWidth8 BusWidth = 2
)

// Bits returns the number of data lines.
func (w BusWidth) Bits() int {
	switch w {
	case BusWidth1:
		return 1
	case BusWidth4:
		return 4
	case BusWidth8:
		return 8
	default:
		return 0
	}
}

func (w BusWidth) String() string {
	if b := w.Bits(); b != 0 {
		return fmt.Sprintf("%d-bit", b)
	}
	return fmt.Sprintf("BusWidth(%d)", uint32(w))
}

// AccessMode is the addressing mode negotiated through the OCR.
type AccessMode int

// Access modes
const (
	AccessByte AccessMode = iota
	AccessSector
)

// DeviceInfo is the geometry derived from the card registers. It is valid
// only once the session reaches PhaseTransfer.
type DeviceInfo struct {
	DeviceSize uint64
	BlockSize  uint32
	MaxBusFreq physic.Frequency
	OCRVoltage uint32
	Variant    CardVariant
}

// Blocks returns the number of 512-byte blocks on the device.
func (d DeviceInfo) Blocks() uint64 {
	return d.DeviceSize / BlockSize
}

// CardSession holds everything learned about one card during bring-up.
// There is no package-level card state: the owner passes the session to
// every protocol call.
type CardSession struct {
	Info       DeviceInfo
	ExtCSD     *ExtCSD
	CSD        CSD
	SCR        SCR
	Variant    CardVariant
	Phase      Phase
	AccessMode AccessMode
	OCR        uint32
	RCA        uint16
}

// NewCardSession creates a session that assumes the given variant until the
// card tells otherwise.
func NewCardSession(assumed CardVariant) *CardSession {
	return &CardSession{
		Variant: assumed,
		Info: DeviceInfo{
			Variant:    assumed,
			OCRVoltage: DefaultOCRVoltage,
		},
	}
}

// rcaArg returns the RCA positioned for a command argument.
func (s *CardSession) rcaArg() uint32 {
	return uint32(s.RCA) << RCAShift
}

// blockArg converts a block index into a data command argument.
func (s *CardSession) blockArg(lba uint32) uint32 {
	if s.AccessMode == AccessByte && !s.Variant.SectorAddressed() {
		return lba * s.Info.BlockSize
	}
	return lba
}

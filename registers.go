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
	"encoding/binary"
	"fmt"

	"periph.io/x/conn/v3/physic"
)

// csdResponseShift is the number of CSD bits the controller drops from a
// long response: it does not return the CRC byte (CSD bits 7:0), so the four
// response words hold CSD bits 135:8 and word 0 bit 0 is CSD bit 8.
const csdResponseShift = 8

// CSDField is a CSD bit range, using the bit numbering of the SD and eMMC
// register tables (bit 127 is the most significant).
type CSDField struct {
	Name string
	Hi   int
	Lo   int
}

// Width returns the field width in bits.
func (f CSDField) Width() int { return f.Hi - f.Lo + 1 }

// Neutral CSD field table. Fields shared by every layout come first; the
// capacity fields are split at the boundaries the register tables use and
// must be reassembled before use.
var (
	CSDStructure   = CSDField{"CSD_STRUCTURE", 127, 126}
	CSDSpecVers    = CSDField{"SPEC_VERS", 125, 122} // eMMC only
	CSDTranSpeed   = CSDField{"TRAN_SPEED", 103, 96}
	CSDCCC         = CSDField{"CCC", 95, 84}
	CSDReadBlLen   = CSDField{"READ_BL_LEN", 83, 80}
	CSDPermWP      = CSDField{"PERM_WRITE_PROTECT", 13, 13}
	CSDTmpWP       = CSDField{"TMP_WRITE_PROTECT", 12, 12}
	CSDV1CSizeHigh = CSDField{"C_SIZE_HIGH", 73, 64}
	CSDV1CSizeLow  = CSDField{"C_SIZE_LOW", 63, 62}
	CSDV1CSizeMult = CSDField{"C_SIZE_MULT", 49, 47}
	CSDV2CSizeHigh = CSDField{"C_SIZE_HIGH", 69, 64}
	CSDV2CSizeLow  = CSDField{"C_SIZE_LOW", 63, 48}
)

// CSD is the raw Card-Specific Data register, stored exactly as the four
// response words of CMD9.
type CSD [4]uint32

// Field extracts a field from the raw register.
func (c CSD) Field(f CSDField) uint32 {
	var v uint32
	for bit := f.Hi; bit >= f.Lo; bit-- {
		n := bit - csdResponseShift
		v <<= 1
		if n >= 0 && n < 128 {
			v |= (c[n/32] >> (n % 32)) & 1
		}
	}
	return v
}

// SetField stores v into a field of the raw register. Bits outside the
// width of f are discarded.
func (c *CSD) SetField(f CSDField, v uint32) {
	for i := range f.Width() {
		n := f.Lo + i - csdResponseShift
		if n < 0 || n >= 128 {
			continue
		}
		if (v>>i)&1 != 0 {
			c[n/32] |= 1 << (n % 32)
		} else {
			c[n/32] &^= 1 << (n % 32)
		}
	}
}

// CSDv1 is the CSD layout shared by eMMC and standard-capacity SD cards.
type CSDv1 struct {
	Structure   uint32
	SpecVersion uint32
	TranSpeed   uint32
	ReadBlLen   uint32
	CSize       uint32 // reassembled 12-bit C_SIZE
	CSizeMult   uint32
}

// CSDv2 is the high-capacity SD layout (CSD structure version 1).
type CSDv2 struct {
	Structure uint32
	TranSpeed uint32
	ReadBlLen uint32
	CSize     uint32 // reassembled 22-bit C_SIZE
}

// V1 decodes the register with the eMMC / standard-capacity layout.
func (c CSD) V1() CSDv1 {
	return CSDv1{
		Structure:   c.Field(CSDStructure),
		SpecVersion: c.Field(CSDSpecVers),
		TranSpeed:   c.Field(CSDTranSpeed),
		ReadBlLen:   c.Field(CSDReadBlLen),
		CSize:       c.Field(CSDV1CSizeHigh)<<uint(CSDV1CSizeLow.Width()) | c.Field(CSDV1CSizeLow),
		CSizeMult:   c.Field(CSDV1CSizeMult),
	}
}

// V2 decodes the register with the high-capacity SD layout.
func (c CSD) V2() CSDv2 {
	return CSDv2{
		Structure: c.Field(CSDStructure),
		TranSpeed: c.Field(CSDTranSpeed),
		ReadBlLen: c.Field(CSDReadBlLen),
		CSize:     c.Field(CSDV2CSizeHigh)<<uint(CSDV2CSizeLow.Width()) | c.Field(CSDV2CSizeLow),
	}
}

// csdV1CSizeInvalid is the reserved all-ones 12-bit C_SIZE.
const csdV1CSizeInvalid = 0xFFF

// mulBy512KShift converts a high-capacity C_SIZE+1 into bytes.
const mulBy512KShift = 19

// Capacity returns the standard-capacity SD device size and block size:
// (C_SIZE+1) * 2^(C_SIZE_MULT+2) * 2^READ_BL_LEN.
func (v CSDv1) Capacity() (size uint64, blockSize uint32, err error) {
	if v.CSize == csdV1CSizeInvalid {
		return 0, 0, deviceErrorf("reserved C_SIZE 0x%X", v.CSize)
	}
	if v.ReadBlLen > 31 {
		return 0, 0, deviceErrorf("READ_BL_LEN %d out of range", v.ReadBlLen)
	}
	blockSize = 1 << v.ReadBlLen
	size = uint64(v.CSize+1) * (uint64(1) << (v.CSizeMult + 2)) * uint64(blockSize)
	return size, blockSize, nil
}

// Capacity returns the high-capacity SD device size: (C_SIZE+1) * 512 KiB.
func (v CSDv2) Capacity() (uint64, error) {
	if v.Structure != 1 {
		return 0, deviceErrorf("high-capacity card with CSD structure %d", v.Structure)
	}
	return uint64(v.CSize+1) << mulBy512KShift, nil
}

// TRAN_SPEED bits 2:0 select a power of ten and bits 6:3 index a base table;
// the product is in units of 10 kHz.
const (
	tranSpeedUnitMask  = 0x7
	tranSpeedMultMask  = 0x78
	tranSpeedMultShift = 3
	tranSpeedScale     = 10000
)

var (
	emmcTranSpeedBase = [16]uint32{0, 10, 12, 13, 15, 20, 26, 30, 35, 40, 45, 52, 55, 60, 70, 80}
	sdTranSpeedBase   = [16]uint32{0, 10, 12, 13, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 70, 80}
)

// MaxBusFrequency decodes TRAN_SPEED into a frequency using the base table of
// the card variant. A zero multiplier is reserved and rejected.
func MaxBusFrequency(tranSpeed uint32, variant CardVariant) (physic.Frequency, error) {
	idx := (tranSpeed & tranSpeedMultMask) >> tranSpeedMultShift
	if idx == 0 {
		return 0, deviceErrorf("reserved TRAN_SPEED multiplier in 0x%02X", tranSpeed)
	}

	base := sdTranSpeedBase
	if variant == VariantEMMC {
		base = emmcTranSpeedBase
	}

	freq := uint64(base[idx])
	for unit := tranSpeed & tranSpeedUnitMask; unit != 0; unit-- {
		freq *= 10
	}
	return physic.Frequency(freq*tranSpeedScale) * physic.Hertz, nil
}

// SCR is the SD Configuration Register as two little-endian words of the
// bytes read over the data lines.
type SCR [2]uint32

// DecodeSCR builds an SCR from the 8 bytes read with ACMD51.
func DecodeSCR(b []byte) (SCR, error) {
	if len(b) < SCRSize {
		return SCR{}, fmt.Errorf("%w: SCR needs %d bytes, got %d", ErrInvalidParameter, SCRSize, len(b))
	}
	return SCR{binary.LittleEndian.Uint32(b[0:4]), binary.LittleEndian.Uint32(b[4:8])}, nil
}

// SupportsBusWidth4 reports whether the card supports the 4-bit bus.
func (s SCR) SupportsBusWidth4() bool {
	return s[0]&SCRBusWidth4 != 0
}

// ExtCSD is the 512-byte eMMC extended CSD register.
type ExtCSD [ExtCSDSize]byte

// SectorCount returns the little-endian SEC_COUNT field.
func (e *ExtCSD) SectorCount() uint32 {
	return binary.LittleEndian.Uint32(e[ExtCSDSecCount : ExtCSDSecCount+4])
}

// BusWidth returns the BUS_WIDTH field.
func (e *ExtCSD) BusWidth() byte {
	return e[ExtCSDBusWidth]
}

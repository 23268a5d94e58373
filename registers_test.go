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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"
)

func TestCSDFieldUsesShiftedResponse(t *testing.T) {
	t.Parallel()

	// CSD bits 127:126 land in response word 3 bits 23:22.
	csd := CSD{0, 0, 0, 0x00C00000}
	assert.Equal(t, uint32(3), csd.Field(CSDStructure))

	// TRAN_SPEED is CSD bits 103:96, word 2 bits 31:24.
	csd = CSD{0, 0, 0x32000000, 0}
	assert.Equal(t, uint32(0x32), csd.Field(CSDTranSpeed))
}

func TestCSDSetFieldRoundTrip(t *testing.T) {
	t.Parallel()

	fields := []struct {
		field CSDField
		value uint32
	}{
		{CSDStructure, 1},
		{CSDSpecVers, 4},
		{CSDTranSpeed, 0x5A},
		{CSDCCC, 0x5B5},
		{CSDReadBlLen, 9},
		{CSDV1CSizeMult, 7},
		{CSDPermWP, 1},
	}

	var csd CSD
	for _, f := range fields {
		csd.SetField(f.field, f.value)
	}
	for _, f := range fields {
		assert.Equal(t, f.value, csd.Field(f.field), f.field.Name)
	}

	csd.SetField(CSDPermWP, 0)
	assert.Zero(t, csd.Field(CSDPermWP))
	assert.Equal(t, uint32(0x5A), csd.Field(CSDTranSpeed))
}

func highCapacityCSD(cSize uint32) CSD {
	var csd CSD
	csd.SetField(CSDStructure, 1)
	csd.SetField(CSDTranSpeed, 0x32)
	csd.SetField(CSDReadBlLen, 9)
	csd.SetField(CSDV2CSizeHigh, cSize>>16)
	csd.SetField(CSDV2CSizeLow, cSize&0xFFFF)
	return csd
}

func standardCSD(cSize, mult, readBlLen uint32) CSD {
	var csd CSD
	csd.SetField(CSDTranSpeed, 0x32)
	csd.SetField(CSDReadBlLen, readBlLen)
	csd.SetField(CSDV1CSizeHigh, cSize>>2)
	csd.SetField(CSDV1CSizeLow, cSize&0x3)
	csd.SetField(CSDV1CSizeMult, mult)
	return csd
}

func TestHighCapacityCapacity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		cSize uint32
		want  uint64
	}{
		{name: "smallest", cSize: 0, want: 512 * 1024},
		{name: "8 GB card", cSize: 15159, want: 15160 * 512 * 1024},
		{name: "22-bit C_SIZE", cSize: 0x3FFFFF, want: 0x400000 * 512 * 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			v2 := highCapacityCSD(tt.cSize).V2()
			assert.Equal(t, tt.cSize, v2.CSize)

			size, err := v2.Capacity()
			require.NoError(t, err)
			assert.Equal(t, tt.want, size)
		})
	}
}

func TestHighCapacityRejectsWrongStructure(t *testing.T) {
	t.Parallel()

	csd := highCapacityCSD(100)
	csd.SetField(CSDStructure, 0)

	_, err := csd.V2().Capacity()
	require.ErrorIs(t, err, ErrDeviceError)
}

func TestStandardCapacity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cSize     uint32
		mult      uint32
		readBlLen uint32
		wantSize  uint64
		wantBlock uint32
	}{
		{name: "128 MB", cSize: 1000, mult: 7, readBlLen: 9, wantSize: 1001 * 512 * 512, wantBlock: 512},
		{name: "2 GB", cSize: 4094, mult: 7, readBlLen: 10, wantSize: 4095 * 512 * 1024, wantBlock: 1024},
		{name: "tiny", cSize: 0, mult: 0, readBlLen: 9, wantSize: 4 * 512, wantBlock: 512},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			v1 := standardCSD(tt.cSize, tt.mult, tt.readBlLen).V1()
			assert.Equal(t, tt.cSize, v1.CSize)

			size, block, err := v1.Capacity()
			require.NoError(t, err)
			assert.Equal(t, tt.wantSize, size)
			assert.Equal(t, tt.wantBlock, block)
		})
	}
}

func TestStandardCapacityRejectsReservedCSize(t *testing.T) {
	t.Parallel()

	_, _, err := standardCSD(0xFFF, 7, 9).V1().Capacity()
	require.ErrorIs(t, err, ErrDeviceError)
}

func TestMaxBusFrequency(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		tranSpeed uint32
		variant   CardVariant
		want      physic.Frequency
	}{
		{name: "SD default speed", tranSpeed: 0x32, variant: VariantSDHC, want: 25 * physic.MegaHertz},
		{name: "eMMC legacy", tranSpeed: 0x32, variant: VariantEMMC, want: 26 * physic.MegaHertz},
		{name: "SD high speed", tranSpeed: 0x5A, variant: VariantSD, want: 50 * physic.MegaHertz},
		{name: "eMMC high speed", tranSpeed: 0x5A, variant: VariantEMMC, want: 52 * physic.MegaHertz},
		{name: "100 kbit unit", tranSpeed: 0x48, variant: VariantSD, want: 400 * physic.KiloHertz},
		{name: "100 Mbit unit", tranSpeed: 0x0B, variant: VariantSD, want: 100 * physic.MegaHertz},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			freq, err := MaxBusFrequency(tt.tranSpeed, tt.variant)
			require.NoError(t, err)
			assert.Equal(t, tt.want, freq)
		})
	}
}

func TestMaxBusFrequencyReservedMultiplier(t *testing.T) {
	t.Parallel()

	_, err := MaxBusFrequency(0x02, VariantEMMC)
	require.ErrorIs(t, err, ErrDeviceError)
}

func TestDecodeSCR(t *testing.T) {
	t.Parallel()

	scr, err := DecodeSCR([]byte{0x00, 0x05, 0x00, 0x00, 0x01, 0x02, 0x03, 0x04})
	require.NoError(t, err)
	assert.Equal(t, SCR{0x00000500, 0x04030201}, scr)
	assert.True(t, scr.SupportsBusWidth4())

	scr, err = DecodeSCR([]byte{0x00, 0x01, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	assert.False(t, scr.SupportsBusWidth4())

	_, err = DecodeSCR([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidParameter)
}

func TestExtCSDFields(t *testing.T) {
	t.Parallel()

	var ext ExtCSD
	ext[ExtCSDSecCount] = 0x00
	ext[ExtCSDSecCount+1] = 0x00
	ext[ExtCSDSecCount+2] = 0x20
	ext[ExtCSDSecCount+3] = 0x00
	ext[ExtCSDBusWidth] = byte(BusWidth8)

	assert.Equal(t, uint32(2097152), ext.SectorCount())
	assert.Equal(t, byte(2), ext.BusWidth())
}

func TestExtCSDSwitchArg(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint32(0x03B70101), ExtCSDSwitchArg(ExtCSDBusWidth, uint32(BusWidth4)))
	assert.Equal(t, uint32(0x03B70201), ExtCSDSwitchArg(ExtCSDBusWidth, uint32(BusWidth8)))
}

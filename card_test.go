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
)

func TestCardVariant(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		variant         CardVariant
		isSD            bool
		sectorAddressed bool
	}{
		{name: "eMMC", variant: VariantEMMC, isSD: false, sectorAddressed: true},
		{name: "SD", variant: VariantSD, isSD: true, sectorAddressed: false},
		{name: "SDHC", variant: VariantSDHC, isSD: true, sectorAddressed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.name, tt.variant.String())
			assert.Equal(t, tt.isSD, tt.variant.IsSD())
			assert.Equal(t, tt.sectorAddressed, tt.variant.SectorAddressed())
		})
	}

	assert.Equal(t, "CardVariant(7)", CardVariant(7).String())
}

func TestStateFromStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, StateTran, StateFromStatus(0x900))
	assert.Equal(t, StatePrg, StateFromStatus(0xE00))
	assert.Equal(t, StateStby, StateFromStatus(uint32(StateStby)<<9|StatusReadyForData))
	assert.Equal(t, "tran", StateTran.String())
	assert.Equal(t, "state(15)", CardState(15).String())
}

func TestPhaseString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "idle", PhaseIdle.String())
	assert.Equal(t, "identification", PhaseIdentification.String())
	assert.Equal(t, "transfer", PhaseTransfer.String())
	assert.Equal(t, "Phase(9)", Phase(9).String())
}

func TestBusWidth(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, BusWidth1.Bits())
	assert.Equal(t, 4, BusWidth4.Bits())
	assert.Equal(t, 8, BusWidth8.Bits())
	assert.Equal(t, 0, BusWidth(3).Bits())
	assert.Equal(t, "4-bit", BusWidth4.String())
	assert.Equal(t, "BusWidth(3)", BusWidth(3).String())
}

func TestSessionArguments(t *testing.T) {
	t.Parallel()

	s := NewCardSession(VariantSD)
	s.RCA = 0x1234
	s.AccessMode = AccessByte
	s.Info.BlockSize = BlockSize

	assert.Equal(t, uint32(0x12340000), s.rcaArg())
	assert.Equal(t, uint32(10*BlockSize), s.blockArg(10))

	s.Variant = VariantSDHC
	s.AccessMode = AccessSector
	assert.Equal(t, uint32(10), s.blockArg(10))

	emmc := NewCardSession(VariantEMMC)
	emmc.AccessMode = AccessByte
	assert.Equal(t, uint32(10), emmc.blockArg(10))
}

func TestNewCardSession(t *testing.T) {
	t.Parallel()

	s := NewCardSession(VariantEMMC)
	assert.Equal(t, VariantEMMC, s.Variant)
	assert.Equal(t, VariantEMMC, s.Info.Variant)
	assert.Equal(t, DefaultOCRVoltage, s.Info.OCRVoltage)
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.Nil(t, s.ExtCSD)
}

func TestDeviceInfoBlocks(t *testing.T) {
	t.Parallel()

	info := DeviceInfo{DeviceSize: 1 << 30, BlockSize: BlockSize}
	assert.Equal(t, uint64(2097152), info.Blocks())
}

func TestResponseTypes(t *testing.T) {
	t.Parallel()

	assert.True(t, ResponseR2.Long())
	assert.False(t, ResponseR1.Long())
	assert.False(t, ResponseNone.Long())
	assert.NotZero(t, ResponseR1b&RespBusy)
	assert.Zero(t, ResponseR3&RespCRC)
}

func TestDataCommands(t *testing.T) {
	t.Parallel()

	for _, index := range []uint32{CmdReadSingleBlock, CmdReadMultipleBlock, ACmdSendSCR} {
		assert.True(t, IsDataCommand(index), "CMD%d", index)
		assert.True(t, IsReadCommand(index), "CMD%d", index)
	}
	for _, index := range []uint32{CmdWriteSingleBlock, CmdWriteMultipleBlock} {
		assert.True(t, IsDataCommand(index), "CMD%d", index)
		assert.False(t, IsReadCommand(index), "CMD%d", index)
	}
	assert.False(t, IsDataCommand(CmdSendStatus))
	assert.False(t, IsDataCommand(CmdSendExtCSD))
}

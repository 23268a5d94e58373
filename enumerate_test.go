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

package sdmmc_test

import (
	"context"
	"testing"

	sdmmc "github.com/ZaparooProject/go-sdmmc"
	testutil "github.com/ZaparooProject/go-sdmmc/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"
)

type bench struct {
	card    *sdmmc.Card
	sim     *testutil.SimulatorTransport
	virtual *testutil.VirtualCard
	clock   *testutil.FakeClock
}

func newBench(t *testing.T, virtual *testutil.VirtualCard, opts ...sdmmc.Option) *bench {
	t.Helper()

	b := &bench{
		sim:     testutil.NewSimulatorTransport(virtual),
		virtual: virtual,
		clock:   testutil.NewFakeClock(),
	}
	opts = append([]sdmmc.Option{
		sdmmc.WithClock(b.clock),
		sdmmc.WithAssumedVariant(virtual.Variant),
	}, opts...)

	card, err := sdmmc.New(b.sim, opts...)
	require.NoError(t, err)
	b.card = card
	return b
}

func (b *bench) enumerate(t *testing.T) (*sdmmc.CardSession, error) {
	t.Helper()
	s := b.card.NewSession()
	cfg := b.card.Config()
	return s, b.card.Enumerate(context.Background(), s, cfg.BusClock, cfg.BusWidth)
}

func TestEnumerateEMMC(t *testing.T) {
	t.Parallel()

	b := newBench(t, testutil.NewVirtualEMMC(2097152))

	s, err := b.enumerate(t)
	require.NoError(t, err)

	assert.Equal(t, sdmmc.PhaseTransfer, s.Phase)
	assert.Equal(t, sdmmc.VariantEMMC, s.Variant)
	assert.Equal(t, sdmmc.AccessSector, s.AccessMode)
	assert.Equal(t, uint16(6), s.RCA)
	assert.Equal(t, uint64(1<<30), s.Info.DeviceSize)
	assert.Equal(t, uint32(512), s.Info.BlockSize)
	assert.Equal(t, 26*physic.MegaHertz, s.Info.MaxBusFreq)
	require.NotNil(t, s.ExtCSD)
	assert.Equal(t, uint32(2097152), s.ExtCSD.SectorCount())

	assert.Equal(t, []uint32{
		sdmmc.CmdGoIdleState, sdmmc.CmdGoIdleState, sdmmc.CmdSendOpCond,
		sdmmc.CmdAllSendCID, sdmmc.CmdSetRelativeAddr, sdmmc.CmdSendCSD,
		sdmmc.CmdSelectCard, sdmmc.CmdSendStatus,
		sdmmc.CmdSwitch, sdmmc.CmdSendStatus,
		sdmmc.CmdSendExtCSD, sdmmc.CmdSendStatus,
	}, b.sim.Indices())

	arg, ok := b.virtual.LastArg(sdmmc.CmdSwitch, false)
	require.True(t, ok)
	assert.Equal(t, sdmmc.ExtCSDSwitchArg(sdmmc.ExtCSDBusWidth, uint32(sdmmc.BusWidth4)), arg)

	arg, ok = b.virtual.LastArg(sdmmc.CmdSetRelativeAddr, false)
	require.True(t, ok)
	assert.Equal(t, uint32(6<<16), arg)

	clock, width := b.sim.Ios()
	assert.Equal(t, 50*physic.MegaHertz, clock)
	assert.Equal(t, sdmmc.BusWidth4, width)
	assert.Equal(t, 2, b.clock.CountOf(sdmmc.ResetSettleDelay))
}

func TestEnumerateEMMCLegacySpecKeepsBusWidth(t *testing.T) {
	t.Parallel()

	virtual := testutil.NewVirtualEMMC(4096)
	virtual.CSD.SetField(sdmmc.CSDSpecVers, 3)
	b := newBench(t, virtual)

	_, err := b.enumerate(t)
	require.NoError(t, err)
	assert.False(t, b.sim.HasCommand(sdmmc.CmdSwitch))
}

func TestEnumerateSDHC(t *testing.T) {
	t.Parallel()

	b := newBench(t, testutil.NewVirtualSDHC(15159))

	s, err := b.enumerate(t)
	require.NoError(t, err)

	assert.Equal(t, sdmmc.VariantSDHC, s.Variant)
	assert.Equal(t, sdmmc.VariantSDHC, s.Info.Variant)
	assert.Equal(t, sdmmc.AccessSector, s.AccessMode)
	assert.Equal(t, uint16(0xAAAA), s.RCA)
	assert.Equal(t, uint64(15160)*512*1024, s.Info.DeviceSize)
	assert.Equal(t, 25*physic.MegaHertz, s.Info.MaxBusFreq)
	assert.True(t, s.SCR.SupportsBusWidth4())
	assert.NotZero(t, s.OCR&sdmmc.OCRHCS)

	arg, ok := b.virtual.LastArg(sdmmc.CmdSendIfCond, false)
	require.True(t, ok)
	assert.Equal(t, uint32(0x1AA), arg)

	arg, ok = b.virtual.LastArg(sdmmc.ACmdSDSendOpCond, true)
	require.True(t, ok)
	assert.Equal(t, sdmmc.OCRHCS|sdmmc.DefaultOCRVoltage, arg)

	arg, ok = b.virtual.LastArg(sdmmc.ACmdSetBusWidth, true)
	require.True(t, ok)
	assert.Equal(t, uint32(2), arg)
	assert.Equal(t, 1, b.virtual.CommandCount(sdmmc.ACmdSendSCR, true))

	_, width := b.sim.Ios()
	assert.Equal(t, sdmmc.BusWidth4, width)
}

func TestEnumerateStandardSD(t *testing.T) {
	t.Parallel()

	b := newBench(t, testutil.NewVirtualSD(1000, 7, 9), sdmmc.WithAssumedVariant(sdmmc.VariantSDHC))

	s, err := b.enumerate(t)
	require.NoError(t, err)

	assert.Equal(t, sdmmc.VariantSD, s.Variant)
	assert.Equal(t, sdmmc.AccessByte, s.AccessMode)
	assert.Equal(t, uint16(0x1234), s.RCA)
	assert.Equal(t, uint64(1001*512*512), s.Info.DeviceSize)
	assert.Equal(t, uint32(512), s.Info.BlockSize)
}

func TestEnumerateStandardSDLargeBlocks(t *testing.T) {
	t.Parallel()

	b := newBench(t, testutil.NewVirtualSD(4094, 7, 10))

	s, err := b.enumerate(t)
	require.NoError(t, err)

	assert.Equal(t, uint64(4095*512*1024), s.Info.DeviceSize)
	assert.Equal(t, uint32(512), s.Info.BlockSize)
}

func TestSDBusWidthNegotiation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		scr       sdmmc.SCR
		requested sdmmc.BusWidth
		wantArg   uint32
		wantWidth sdmmc.BusWidth
	}{
		{
			name: "4-bit", scr: sdmmc.SCR{sdmmc.SCRBusWidth1 | sdmmc.SCRBusWidth4},
			requested: sdmmc.BusWidth4, wantArg: 2, wantWidth: sdmmc.BusWidth4,
		},
		{
			name: "8-bit request falls back to 4-bit", scr: sdmmc.SCR{sdmmc.SCRBusWidth1 | sdmmc.SCRBusWidth4},
			requested: sdmmc.BusWidth8, wantArg: 2, wantWidth: sdmmc.BusWidth4,
		},
		{
			name: "card without 4-bit support", scr: sdmmc.SCR{sdmmc.SCRBusWidth1},
			requested: sdmmc.BusWidth4, wantArg: 0, wantWidth: sdmmc.BusWidth1,
		},
		{
			name: "1-bit request", scr: sdmmc.SCR{sdmmc.SCRBusWidth1 | sdmmc.SCRBusWidth4},
			requested: sdmmc.BusWidth1, wantArg: 0, wantWidth: sdmmc.BusWidth1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			virtual := testutil.NewVirtualSDHC(100)
			virtual.SCR = tt.scr
			b := newBench(t, virtual, sdmmc.WithBusWidth(tt.requested))

			s, err := b.enumerate(t)
			require.NoError(t, err)
			assert.Equal(t, tt.scr, s.SCR)

			arg, ok := virtual.LastArg(sdmmc.ACmdSetBusWidth, true)
			require.True(t, ok)
			assert.Equal(t, tt.wantArg, arg)

			_, width := b.sim.Ios()
			assert.Equal(t, tt.wantWidth, width)
		})
	}
}

func TestOpCondPolling(t *testing.T) {
	t.Parallel()

	tests := []struct {
		card         func() *testutil.VirtualCard
		name         string
		opCondIndex  uint32
		app          bool
		powerUpAfter int
		wantErr      bool
	}{
		{name: "eMMC powers up on last poll", card: func() *testutil.VirtualCard { return testutil.NewVirtualEMMC(4096) },
			opCondIndex: sdmmc.CmdSendOpCond, powerUpAfter: 99},
		{name: "eMMC never powers up", card: func() *testutil.VirtualCard { return testutil.NewVirtualEMMC(4096) },
			opCondIndex: sdmmc.CmdSendOpCond, powerUpAfter: 100, wantErr: true},
		{name: "SD powers up on last poll", card: func() *testutil.VirtualCard { return testutil.NewVirtualSDHC(100) },
			opCondIndex: sdmmc.ACmdSDSendOpCond, app: true, powerUpAfter: 99},
		{name: "SD never powers up", card: func() *testutil.VirtualCard { return testutil.NewVirtualSDHC(100) },
			opCondIndex: sdmmc.ACmdSDSendOpCond, app: true, powerUpAfter: 100, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			virtual := tt.card()
			virtual.PowerUpAfter = tt.powerUpAfter
			b := newBench(t, virtual)

			s, err := b.enumerate(t)

			assert.Equal(t, sdmmc.SendOpCondMaxRetries, virtual.OpCondPolls())
			assert.Equal(t, sdmmc.SendOpCondMaxRetries, virtual.CommandCount(tt.opCondIndex, tt.app))
			assert.Equal(t, sdmmc.SendOpCondMaxRetries-1, b.clock.CountOf(sdmmc.SendOpCondDelay))

			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, sdmmc.IsDeviceError(err))
				assert.True(t, sdmmc.HasTrace(err))
				assert.Equal(t, sdmmc.PhaseIdle, s.Phase)
				assert.False(t, b.sim.HasCommand(sdmmc.CmdAllSendCID))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, sdmmc.PhaseTransfer, s.Phase)
		})
	}
}

func TestInterfaceConditionMismatch(t *testing.T) {
	t.Parallel()

	virtual := testutil.NewVirtualSDHC(100)
	virtual.IfCondEcho = 0x55
	b := newBench(t, virtual)

	_, err := b.enumerate(t)
	require.Error(t, err)
	assert.True(t, sdmmc.IsDeviceError(err))
	assert.Zero(t, virtual.CommandCount(sdmmc.ACmdSDSendOpCond, true))
}

func TestInterfaceConditionNoResponse(t *testing.T) {
	t.Parallel()

	mock := sdmmc.NewMockTransport()
	mock.SetError(sdmmc.CmdSendIfCond, sdmmc.NewTimeoutError("CMD8", "mock"))
	card, err := sdmmc.New(mock, sdmmc.WithClock(testutil.NewFakeClock()))
	require.NoError(t, err)

	s := card.NewSession()
	err = card.Enumerate(context.Background(), s, 25*physic.MegaHertz, sdmmc.BusWidth4)
	require.Error(t, err)
	assert.True(t, sdmmc.IsTimeout(err))
	assert.Zero(t, mock.GetCallCount(sdmmc.CmdAppCmd))
	assert.Equal(t, sdmmc.PhaseIdle, s.Phase)
}

func TestEnumerateNilSession(t *testing.T) {
	t.Parallel()

	b := newBench(t, testutil.NewVirtualEMMC(4096))
	err := b.card.Enumerate(context.Background(), nil, physic.MegaHertz, sdmmc.BusWidth1)
	require.ErrorIs(t, err, sdmmc.ErrInvalidParameter)
}

func TestEnumerateCancelled(t *testing.T) {
	t.Parallel()

	b := newBench(t, testutil.NewVirtualEMMC(4096))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.card.Enumerate(ctx, b.card.NewSession(), physic.MegaHertz, sdmmc.BusWidth1)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, b.sim.CommandLog)
}

func enumerated(t *testing.T, virtual *testutil.VirtualCard) (*bench, *sdmmc.CardSession) {
	t.Helper()
	b := newBench(t, virtual)
	s, err := b.enumerate(t)
	require.NoError(t, err)
	b.sim.ClearCommandLog()
	return b, s
}

func TestDeviceStateSwitchError(t *testing.T) {
	t.Parallel()

	b, s := enumerated(t, testutil.NewVirtualEMMC(4096))
	b.virtual.StatusErrorBits = sdmmc.StatusSwitchError

	_, err := b.card.DeviceState(context.Background(), s)
	require.Error(t, err)
	assert.True(t, sdmmc.IsDeviceError(err))
	assert.Equal(t, 1, b.sim.GetCommandCount(sdmmc.CmdSendStatus))
}

func TestDeviceStateBusyRetries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		busyPolls int
		wantErr   bool
	}{
		{name: "ready on last attempt", busyPolls: sdmmc.DefaultMaxRetries - 1},
		{name: "never ready", busyPolls: sdmmc.DefaultMaxRetries, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b, s := enumerated(t, testutil.NewVirtualEMMC(4096))
			b.virtual.BusyPolls = tt.busyPolls

			state, err := b.card.DeviceState(context.Background(), s)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, sdmmc.IsDeviceError(err))
				assert.Equal(t, sdmmc.DefaultMaxRetries, b.sim.GetCommandCount(sdmmc.CmdSendStatus))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, sdmmc.StateTran, state)
			assert.Equal(t, tt.busyPolls+1, b.sim.GetCommandCount(sdmmc.CmdSendStatus))
		})
	}
}

func TestDeviceStateTransportErrorsConsumeRetries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		failures int
		wantErr  bool
	}{
		{name: "recovers", failures: sdmmc.DefaultMaxRetries - 1},
		{name: "exhausted", failures: sdmmc.DefaultMaxRetries, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			virtual := testutil.NewVirtualEMMC(4096)
			sim := testutil.NewSimulatorTransport(virtual)
			faulty := testutil.NewFaultyTransport(sim, testutil.FaultConfig{})
			card, err := sdmmc.New(faulty,
				sdmmc.WithClock(testutil.NewFakeClock()),
				sdmmc.WithAssumedVariant(sdmmc.VariantEMMC))
			require.NoError(t, err)

			s := card.NewSession()
			require.NoError(t, card.Enumerate(context.Background(), s, physic.MegaHertz, sdmmc.BusWidth4))

			faulty = testutil.NewFaultyTransport(sim, testutil.FaultConfig{
				FailFirst: map[uint32]int{sdmmc.CmdSendStatus: tt.failures},
			})
			card, err = sdmmc.New(faulty, sdmmc.WithClock(testutil.NewFakeClock()))
			require.NoError(t, err)

			state, err := card.DeviceState(context.Background(), s)
			assert.Equal(t, tt.failures, faulty.Injected())
			if tt.wantErr {
				require.ErrorIs(t, err, sdmmc.ErrDeviceError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, sdmmc.StateTran, state)
		})
	}
}

func TestEnumerateRecordsTrace(t *testing.T) {
	t.Parallel()

	virtual := testutil.NewVirtualSDHC(100)
	virtual.IfCondEcho = 0x55
	b := newBench(t, virtual)

	_, err := b.enumerate(t)
	require.Error(t, err)

	trace := sdmmc.GetTrace(err)
	require.NotNil(t, trace)
	assert.Equal(t, string(sdmmc.TransportSimulator), trace.Host)
	assert.Contains(t, trace.FormatTrace(), "> CMD8 000001AA")
	assert.Contains(t, trace.FormatTrace(), "< CMD8 00000155")
	assert.NotEmpty(t, b.card.Trace())
}

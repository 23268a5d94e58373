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

package testing

import (
	"context"
	"testing"
	"time"

	"github.com/ZaparooProject/go-sdmmc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFaultyTransportFailFirst(t *testing.T) {
	t.Parallel()

	tests := []struct {
		check    func(error) bool
		name     string
		timeouts bool
	}{
		{name: "transient", check: sdmmc.IsRetryable},
		{name: "timeout", check: sdmmc.IsTimeout, timeouts: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sim := NewSimulatorTransport(NewVirtualEMMC(16))
			faulty := NewFaultyTransport(sim, FaultConfig{
				FailFirst: map[uint32]int{sdmmc.CmdSendOpCond: 2},
				Timeouts:  tt.timeouts,
			})
			ctx := context.Background()

			for range 2 {
				err := faulty.SendCommand(ctx, &sdmmc.Command{Index: sdmmc.CmdSendOpCond, Response: sdmmc.ResponseR3})
				require.Error(t, err)
				assert.True(t, tt.check(err))
			}
			cmd := sdmmc.Command{Index: sdmmc.CmdSendOpCond, Response: sdmmc.ResponseR3}
			require.NoError(t, faulty.SendCommand(ctx, &cmd))
			assert.NotZero(t, cmd.Words[0]&sdmmc.OCRPowerUp)

			assert.Equal(t, 2, faulty.Injected())
			assert.Equal(t, 1, sim.GetCommandCount(sdmmc.CmdSendOpCond))
			assert.Equal(t, sdmmc.TransportSimulator, faulty.Type())
		})
	}
}

func TestFaultyTransportDropRate(t *testing.T) {
	t.Parallel()

	run := func(seed uint64) []bool {
		faulty := NewFaultyTransport(NewSimulatorTransport(NewVirtualEMMC(16)),
			FaultConfig{DropRate: 0.5, Seed: seed})
		out := make([]bool, 64)
		for i := range out {
			out[i] = faulty.SendCommand(context.Background(), &sdmmc.Command{Index: sdmmc.CmdGoIdleState}) != nil
		}
		return out
	}

	first := run(42)
	assert.Equal(t, first, run(42))
	assert.Contains(t, first, true)
	assert.Contains(t, first, false)

	never := NewFaultyTransport(NewSimulatorTransport(NewVirtualEMMC(16)), FaultConfig{})
	for range 16 {
		require.NoError(t, never.SendCommand(context.Background(), &sdmmc.Command{Index: sdmmc.CmdGoIdleState}))
	}
	assert.Zero(t, never.Injected())
}

func TestFakeClock(t *testing.T) {
	t.Parallel()

	clock := NewFakeClock()
	clock.Stall(time.Millisecond)
	clock.Stall(time.Millisecond)
	clock.Stall(10 * time.Microsecond)

	assert.Equal(t, 3, clock.Count())
	assert.Equal(t, 2, clock.CountOf(time.Millisecond))
	assert.Zero(t, clock.CountOf(time.Second))
	assert.Equal(t, 2010*time.Microsecond, clock.Elapsed())
}

func TestSimulatorTransport(t *testing.T) {
	t.Parallel()

	card := NewVirtualEMMC(64)
	card.ReadOnly = true
	sim := NewSimulatorTransport(card)
	ctx := context.Background()

	assert.True(t, sim.IsReadOnly())
	sim.SetReadOnly(false)
	assert.False(t, sim.IsReadOnly())
	assert.Same(t, card, sim.GetCard())

	err := sim.SendCommand(ctx, &sdmmc.Command{Index: 60})
	require.True(t, sdmmc.IsTimeout(err))

	err = sim.SendCommand(ctx, &sdmmc.Command{Index: sdmmc.CmdWriteSingleBlock})
	require.ErrorIs(t, err, sdmmc.ErrDeviceError)

	require.Error(t, sim.Prepare(ctx, 0, make([]byte, 100)))
	require.NoError(t, sim.Prepare(ctx, 0, make([]byte, 8)))
	require.Error(t, sim.ReadBlockData(ctx, 0, make([]byte, 16)))

	require.NoError(t, sim.SetIos(ctx, 0, sdmmc.BusWidth8))
	_, width := sim.Ios()
	assert.Equal(t, sdmmc.BusWidth8, width)

	assert.Equal(t, []uint32{60, sdmmc.CmdWriteSingleBlock}, sim.Indices())
	assert.True(t, sim.HasCommand(60))
	sim.ClearCommandLog()
	assert.Empty(t, sim.Indices())

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, sim.SendCommand(cctx, &sdmmc.Command{}), context.Canceled)
}

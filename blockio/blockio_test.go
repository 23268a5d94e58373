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

package blockio

import (
	"bytes"
	"context"
	"testing"
	"time"

	sdmmc "github.com/ZaparooProject/go-sdmmc"
	testutil "github.com/ZaparooProject/go-sdmmc/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEMMCDevice(t *testing.T, sectors uint32, opts ...Option) (*Device, *testutil.SimulatorTransport) {
	t.Helper()

	sim := testutil.NewSimulatorTransport(testutil.NewVirtualEMMC(sectors))
	card, err := sdmmc.New(sim,
		sdmmc.WithAssumedVariant(sdmmc.VariantEMMC),
		sdmmc.WithClock(testutil.NewFakeClock()),
	)
	require.NoError(t, err)

	dev, err := New(card, opts...)
	require.NoError(t, err)
	return dev, sim
}

func TestNewRejectsNilCard(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.ErrorIs(t, err, sdmmc.ErrInvalidParameter)
}

func TestInitializePublishesMedia(t *testing.T) {
	t.Parallel()

	dev, _ := newEMMCDevice(t, 2097152)

	media, err := dev.Initialize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint32(1), media.MediaID)
	assert.Equal(t, uint64(2097151), media.LastBlock)
	assert.Equal(t, uint32(512), media.BlockSize)
	assert.True(t, media.MediaPresent)
	assert.False(t, media.ReadOnly)
	assert.Equal(t, uint64(2097152), media.Blocks())
	assert.Equal(t, media, dev.Media())

	session, ok := dev.Session()
	require.True(t, ok)
	assert.Equal(t, sdmmc.PhaseTransfer, session.Phase)
	assert.Equal(t, uint64(1<<30), session.Info.DeviceSize)
}

func TestInitializeIncrementsMediaID(t *testing.T) {
	t.Parallel()

	dev, _ := newEMMCDevice(t, 4096)

	first, err := dev.Initialize(context.Background())
	require.NoError(t, err)
	second, err := dev.Initialize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.MediaID+1, second.MediaID)
}

func TestInitializeFailureMarksMediaAbsent(t *testing.T) {
	t.Parallel()

	dev, sim := newEMMCDevice(t, 4096)
	_, err := dev.Initialize(context.Background())
	require.NoError(t, err)

	// A card that never finishes power-up fails the next bring-up.
	sim.GetCard().PowerUpAfter = 1 << 20

	media, err := dev.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, sdmmc.IsDeviceError(err))
	assert.False(t, media.MediaPresent)
	assert.False(t, dev.Media().MediaPresent)

	_, ok := dev.Session()
	assert.False(t, ok)

	err = dev.ReadBlocks(context.Background(), 0, make([]byte, 512))
	require.ErrorIs(t, err, sdmmc.ErrNoMedia)
}

func TestReadWriteBeforeInitialize(t *testing.T) {
	t.Parallel()

	dev, sim := newEMMCDevice(t, 4096)
	buf := make([]byte, 512)

	require.ErrorIs(t, dev.ReadBlocks(context.Background(), 0, buf), sdmmc.ErrNoMedia)
	require.ErrorIs(t, dev.WriteBlocks(context.Background(), 0, buf), sdmmc.ErrNoMedia)
	assert.Empty(t, sim.CommandLog)
}

func TestReadWriteRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		lba    uint64
		blocks int
	}{
		{name: "single block", lba: 3, blocks: 1},
		{name: "multiple blocks", lba: 100, blocks: 4},
		{name: "last block", lba: 4095, blocks: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dev, sim := newEMMCDevice(t, 4096)
			_, err := dev.Initialize(context.Background())
			require.NoError(t, err)

			data := bytes.Repeat([]byte{0xA5, 0x5A, byte(tt.lba)}, tt.blocks*512/3+1)[:tt.blocks*512]
			require.NoError(t, dev.WriteBlocks(context.Background(), tt.lba, data))

			got := make([]byte, len(data))
			require.NoError(t, dev.ReadBlocks(context.Background(), tt.lba, got))
			assert.Equal(t, data, got)

			stopped := sim.HasCommand(sdmmc.CmdStopTransmission)
			assert.Equal(t, tt.blocks > 1, stopped)
		})
	}
}

func TestBoundsChecks(t *testing.T) {
	t.Parallel()

	dev, sim := newEMMCDevice(t, 4096)
	_, err := dev.Initialize(context.Background())
	require.NoError(t, err)
	sim.ClearCommandLog()

	tests := []struct {
		name string
		lba  uint64
		size int
	}{
		{name: "past last block", lba: 4096, size: 512},
		{name: "run past last block", lba: 4095, size: 1024},
		{name: "partial block", lba: 0, size: 100},
		{name: "empty buffer", lba: 0, size: 0},
	}

	for _, tt := range tests {
		err := dev.ReadBlocks(context.Background(), tt.lba, make([]byte, tt.size))
		require.ErrorIs(t, err, sdmmc.ErrInvalidParameter, tt.name)
	}
	assert.Empty(t, sim.CommandLog)
}

func TestWriteProtectedMedia(t *testing.T) {
	t.Parallel()

	dev, sim := newEMMCDevice(t, 4096)
	sim.SetReadOnly(true)

	media, err := dev.Initialize(context.Background())
	require.NoError(t, err)
	assert.True(t, media.ReadOnly)

	sim.ClearCommandLog()
	err = dev.WriteBlocks(context.Background(), 0, make([]byte, 512))
	require.ErrorIs(t, err, sdmmc.ErrWriteProtected)
	assert.False(t, sim.HasCommand(sdmmc.CmdWriteSingleBlock))

	require.NoError(t, dev.ReadBlocks(context.Background(), 0, make([]byte, 512)))
}

func TestPresenceCheckWithoutDetector(t *testing.T) {
	t.Parallel()

	dev, _ := newEMMCDevice(t, 4096, WithPresenceCheck())

	media, err := dev.Initialize(context.Background())
	require.NoError(t, err)
	assert.True(t, media.MediaPresent)
}

func TestSessionIsACopy(t *testing.T) {
	t.Parallel()

	dev, _ := newEMMCDevice(t, 4096)
	_, err := dev.Initialize(context.Background())
	require.NoError(t, err)

	session, ok := dev.Session()
	require.True(t, ok)
	session.Phase = sdmmc.PhaseIdle
	require.NotNil(t, session.ExtCSD)
	session.ExtCSD[0] = 0xFF

	again, ok := dev.Session()
	require.True(t, ok)
	assert.Equal(t, sdmmc.PhaseTransfer, again.Phase)
	assert.NotEqual(t, byte(0xFF), again.ExtCSD[0])
}

func TestMediaDoesNotWaitForTransfer(t *testing.T) {
	t.Parallel()

	dev, _ := newEMMCDevice(t, 4096)
	want, err := dev.Initialize(context.Background())
	require.NoError(t, err)

	dev.mu.Lock()
	defer dev.mu.Unlock()

	got := make(chan Media, 1)
	go func() { got <- dev.Media() }()

	select {
	case media := <-got:
		assert.Equal(t, want, media)
	case <-time.After(5 * time.Second):
		t.Fatal("Media blocked behind the card lock")
	}
}

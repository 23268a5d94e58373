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
	"fmt"
	"math/rand/v2"

	"github.com/ZaparooProject/go-sdmmc"
)

// FaultConfig configures the behavior of FaultyTransport.
type FaultConfig struct {
	// FailFirst fails the first N sends of a command index.
	FailFirst map[uint32]int
	// DropRate is the probability in [0,1] that any command fails.
	DropRate float64
	// Seed makes random drops reproducible when non-zero.
	Seed uint64
	// Timeouts selects timeout errors instead of transient transport errors.
	Timeouts bool
}

// FaultyTransport wraps an sdmmc.Transport and injects command failures to
// exercise the protocol layer's bounded retry loops.
type FaultyTransport struct {
	sdmmc.Transport
	rng      *rand.Rand
	failures map[uint32]int
	config   FaultConfig
	injected int
}

// NewFaultyTransport wraps a backend transport with fault injection.
func NewFaultyTransport(backend sdmmc.Transport, config FaultConfig) *FaultyTransport {
	var rng *rand.Rand
	if config.Seed != 0 {
		rng = rand.New(rand.NewPCG(config.Seed, config.Seed^0xDEADBEEF)) //nolint:gosec // Test code, not crypto
	} else {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // Test code, not crypto
	}

	failures := make(map[uint32]int, len(config.FailFirst))
	for index, n := range config.FailFirst {
		failures[index] = n
	}

	return &FaultyTransport{
		Transport: backend,
		config:    config,
		rng:       rng,
		failures:  failures,
	}
}

// SendCommand fails scripted or randomly dropped commands and passes the
// rest through to the backend.
func (f *FaultyTransport) SendCommand(ctx context.Context, cmd *sdmmc.Command) error {
	fail := false
	if f.failures[cmd.Index] > 0 {
		f.failures[cmd.Index]--
		fail = true
	} else if f.config.DropRate > 0 && f.rng.Float64() < f.config.DropRate {
		fail = true
	}

	if fail {
		f.injected++
		op := fmt.Sprintf("CMD%d", cmd.Index)
		if f.config.Timeouts {
			return sdmmc.NewTimeoutError(op, "faulty")
		}
		return sdmmc.NewTransportError(op, "faulty", sdmmc.ErrDeviceError, sdmmc.ErrorTypeTransient)
	}

	return f.Transport.SendCommand(ctx, cmd) //nolint:wrapcheck // Pass-through wrapper
}

// Injected returns the number of failures injected so far.
func (f *FaultyTransport) Injected() int {
	return f.injected
}

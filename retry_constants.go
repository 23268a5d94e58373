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

import "time"

// Card protocol retry constants. Attempt counts and delays are fixed by the
// SD and eMMC bring-up sequence.
const (
	// DefaultMaxRetries bounds CMD13 status polling and ACMD51 SCR fetches.
	DefaultMaxRetries = 5
	// SendOpCondMaxRetries bounds CMD1 and ACMD41 operating-condition polling.
	SendOpCondMaxRetries = 100
	// SendOpCondDelay is the stall between operating-condition attempts.
	SendOpCondDelay = 10000 * StallUnit
	// ResetSettleDelay is the unconditional stall after CMD0.
	ResetSettleDelay = 2000 * StallUnit
)

// Controller poll budgets. Each is a count of iterations of its Step.
var (
	// CommandCompleteBudget bounds the wait for command-complete.
	CommandCompleteBudget = Budget{Iterations: 100000, Step: StallUnit}
	// TransferCompleteBudget bounds the wait for DMA transfer-complete.
	TransferCompleteBudget = Budget{Iterations: 1000000, Step: StallUnit}
	// BufferReadyBudget bounds each PIO buffer-ready and transfer-complete wait.
	BufferReadyBudget = Budget{Iterations: 10000, Step: StallUnit}
	// BufferWriteReadyBudget bounds each PIO buffer-write-ready wait; cards
	// may hold the bus busy while programming.
	BufferWriteReadyBudget = Budget{Iterations: 10000000, Step: StallUnit}
	// ClockStableBudget bounds each internal-clock and PLL stable wait.
	ClockStableBudget = Budget{Iterations: 1500, Step: 100 * StallUnit}
	// PhyResetBudget bounds the software-reset and PHY power-good waits.
	PhyResetBudget = Budget{Iterations: 100, Step: 10000 * StallUnit}
	// StateWaitBudget bounds waiting for a card state change, one CMD13
	// status read per iteration.
	StateWaitBudget = Budget{Iterations: 1000, Step: 1000 * StallUnit}
)

// Host bring-up delays.
const (
	// PowerDownSettleDelay gives the card time to power down during host init.
	PowerDownSettleDelay = 20 * time.Millisecond
	// InitClockSettleDelay follows programming the identification clock.
	InitClockSettleDelay = 50 * time.Millisecond
	// VoltageRampDelay covers at least 74 card clock cycles at 200 kHz.
	VoltageRampDelay = 400 * StallUnit
)

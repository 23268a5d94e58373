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

// StallUnit is the calibrated duration of one stall iteration. Every bounded
// poll budget in this module is expressed as iterations of a Step that is a
// multiple of StallUnit.
const StallUnit = time.Microsecond

// Clock is the stall primitive used by every bounded wait. Firmware busy-polls
// the controller; tests inject a fake clock to expire budgets without delay.
type Clock interface {
	Stall(d time.Duration)
}

// SystemClock stalls with time.Sleep.
type SystemClock struct{}

// Stall implements Clock
func (SystemClock) Stall(d time.Duration) {
	time.Sleep(d)
}

// Budget bounds a poll loop: at most Iterations checks, stalling Step between
// consecutive checks.
type Budget struct {
	Iterations int
	Step       time.Duration
}

// Total returns the wall-clock time the budget represents.
func (b Budget) Total() time.Duration {
	return time.Duration(b.Iterations) * b.Step
}

// Poll calls check until it returns true or the budget is spent, stalling
// Step between attempts. It reports whether check succeeded.
func (b Budget) Poll(clock Clock, check func() bool) bool {
	for i := 0; i <= b.Iterations; i++ {
		if check() {
			return true
		}
		if i < b.Iterations {
			clock.Stall(b.Step)
		}
	}
	return false
}

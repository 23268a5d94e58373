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
	"sync"
	"time"
)

// FakeClock records stalls instead of sleeping.
type FakeClock struct {
	stalls  []time.Duration
	elapsed time.Duration
	mu      sync.Mutex
}

// NewFakeClock creates a new fake clock
func NewFakeClock() *FakeClock {
	return &FakeClock{}
}

// Stall implements sdmmc.Clock
func (c *FakeClock) Stall(d time.Duration) {
	c.mu.Lock()
	c.stalls = append(c.stalls, d)
	c.elapsed += d
	c.mu.Unlock()
}

// Elapsed returns the total simulated time stalled
func (c *FakeClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

// Count returns the number of stalls
func (c *FakeClock) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stalls)
}

// CountOf returns the number of stalls of exactly d
func (c *FakeClock) CountOf(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.stalls {
		if s == d {
			n++
		}
	}
	return n
}

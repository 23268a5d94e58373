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

//go:build deadlock

// Package syncutil provides the locks that serialise access to a card.
// This file is compiled when building with -tags=deadlock.
package syncutil

import deadlock "github.com/sasha-s/go-deadlock"

// Mutex serialises operations on one controller with deadlock detection.
type Mutex struct {
	deadlock.Mutex
}

// WithLock runs fn with the mutex held.
func (m *Mutex) WithLock(fn func() error) error {
	m.Lock()
	defer m.Unlock()
	return fn()
}

// RWMutex guards published state with deadlock detection.
type RWMutex struct {
	deadlock.RWMutex
}

// WithRLock runs fn with the read lock held.
func (m *RWMutex) WithRLock(fn func()) {
	m.RLock()
	defer m.RUnlock()
	fn()
}

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

//go:build !deadlock

// Package syncutil provides the locks that serialise access to a card.
// Standard library locks are used by default; build with -tags=deadlock to
// swap in github.com/sasha-s/go-deadlock and report lock-order problems
// between the block facade and its callers.
package syncutil

import "sync"

// Mutex serialises operations on one controller.
//
//nolint:gocritic // Intentionally embedding sync.Mutex to expose its interface
type Mutex struct {
	sync.Mutex
}

// WithLock runs fn with the mutex held.
func (m *Mutex) WithLock(fn func() error) error {
	m.Lock()
	defer m.Unlock()
	return fn()
}

// RWMutex guards state that is read far more often than it is rebuilt, such
// as published media geometry.
//
//nolint:gocritic // Intentionally embedding sync.RWMutex to expose its interface
type RWMutex struct {
	sync.RWMutex
}

// WithRLock runs fn with the read lock held.
func (m *RWMutex) WithRLock(fn func()) {
	m.RLock()
	defer m.RUnlock()
	fn()
}

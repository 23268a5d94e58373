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

package syncutil

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMutexWithLockSerialises(t *testing.T) {
	t.Parallel()

	var mu Mutex
	var wg sync.WaitGroup
	counter := 0

	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = mu.WithLock(func() error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
}

func TestMutexWithLockReturnsError(t *testing.T) {
	t.Parallel()

	var mu Mutex
	want := errors.New("boom")

	err := mu.WithLock(func() error { return want })
	assert.ErrorIs(t, err, want)

	// The lock must be released after fn returns.
	assert.True(t, mu.TryLock())
	mu.Unlock()
}

func TestRWMutexWithRLock(t *testing.T) {
	t.Parallel()

	var mu RWMutex
	called := false
	mu.WithRLock(func() { called = true })

	assert.True(t, called)
	assert.True(t, mu.TryLock())
	mu.Unlock()
}

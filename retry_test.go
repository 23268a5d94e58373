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

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stallRecorder is a Clock that records stalls instead of sleeping.
type stallRecorder struct {
	stalls []time.Duration
	mu     sync.Mutex
}

func (c *stallRecorder) Stall(d time.Duration) {
	c.mu.Lock()
	c.stalls = append(c.stalls, d)
	c.mu.Unlock()
}

func (c *stallRecorder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stalls)
}

func TestRetryWithConfig(t *testing.T) {
	t.Parallel()

	errCRC := errors.New("crc error")

	tests := []struct {
		attempt      func(n int) (bool, error)
		wantErr      error
		name         string
		config       RetryConfig
		wantAttempts int
		wantStalls   int
	}{
		{
			name:         "first attempt succeeds",
			config:       RetryConfig{Op: "op", MaxAttempts: 5, Delay: time.Millisecond},
			attempt:      func(int) (bool, error) { return true, nil },
			wantAttempts: 1,
		},
		{
			name:         "succeeds on third attempt",
			config:       RetryConfig{Op: "op", MaxAttempts: 5, Delay: time.Millisecond},
			attempt:      func(n int) (bool, error) { return n == 2, nil },
			wantAttempts: 3,
			wantStalls:   2,
		},
		{
			name:         "budget exhausted",
			config:       RetryConfig{Op: "op", MaxAttempts: 4, Delay: time.Millisecond},
			attempt:      func(int) (bool, error) { return false, nil },
			wantAttempts: 4,
			wantStalls:   3,
			wantErr:      ErrDeviceError,
		},
		{
			name:         "error aborts",
			config:       RetryConfig{Op: "op", MaxAttempts: 4, Delay: time.Millisecond},
			attempt:      func(int) (bool, error) { return false, errCRC },
			wantAttempts: 1,
			wantErr:      errCRC,
		},
		{
			name:         "errors consume budget",
			config:       RetryConfig{Op: "op", MaxAttempts: 3, RetryErrors: true},
			attempt:      func(int) (bool, error) { return false, errCRC },
			wantAttempts: 3,
			wantErr:      errCRC,
		},
		{
			name:         "error then success",
			config:       RetryConfig{Op: "op", MaxAttempts: 3, RetryErrors: true},
			attempt: func(n int) (bool, error) {
				if n == 0 {
					return false, errCRC
				}
				return true, nil
			},
			wantAttempts: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			clock := &stallRecorder{}
			attempts := 0
			err := RetryWithConfig(context.Background(), clock, tt.config, func(n int) (bool, error) {
				attempts++
				return tt.attempt(n)
			})

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantAttempts, attempts)
			assert.Equal(t, tt.wantStalls, clock.count())
		})
	}
}

func TestRetryWithConfigExhaustedIsDeviceError(t *testing.T) {
	t.Parallel()

	errCRC := errors.New("crc error")
	err := RetryWithConfig(context.Background(), &stallRecorder{}, RetryConfig{
		Op:          "CMD13 send status",
		MaxAttempts: DefaultMaxRetries,
		RetryErrors: true,
	}, func(int) (bool, error) { return false, errCRC })

	require.ErrorIs(t, err, ErrDeviceError)
	require.ErrorIs(t, err, errCRC)
	assert.Contains(t, err.Error(), "CMD13 send status failed after 5 retries")
}

func TestRetryWithConfigContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := RetryWithConfig(ctx, &stallRecorder{}, RetryConfig{Op: "op", MaxAttempts: 10},
		func(int) (bool, error) {
			attempts++
			cancel()
			return false, nil
		})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestBudgetPoll(t *testing.T) {
	t.Parallel()

	budget := Budget{Iterations: 3, Step: 10 * StallUnit}
	assert.Equal(t, 30*time.Microsecond, budget.Total())

	clock := &stallRecorder{}
	checks := 0
	ok := budget.Poll(clock, func() bool {
		checks++
		return false
	})
	assert.False(t, ok)
	assert.Equal(t, 4, checks)
	assert.Equal(t, 3, clock.count())

	clock = &stallRecorder{}
	ok = budget.Poll(clock, func() bool { return true })
	assert.True(t, ok)
	assert.Zero(t, clock.count())
}

func TestBudgetConstants(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 100*time.Millisecond, CommandCompleteBudget.Total())
	assert.Equal(t, time.Second, TransferCompleteBudget.Total())
	assert.Equal(t, 150*time.Millisecond, ClockStableBudget.Total())
	assert.Equal(t, time.Second, PhyResetBudget.Total())
	assert.Equal(t, time.Second, StateWaitBudget.Total())
	assert.Equal(t, 10*time.Millisecond, SendOpCondDelay)
}

func TestSystemClockStalls(t *testing.T) {
	t.Parallel()

	start := time.Now()
	SystemClock{}.Stall(2 * time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Millisecond)
}

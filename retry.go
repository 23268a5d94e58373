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
	"fmt"
	"time"
)

// RetryConfig configures one of the protocol's bounded retry loops.
type RetryConfig struct {
	// Op names the loop in diagnostics
	Op string
	// MaxAttempts is the maximum number of attempts
	MaxAttempts int
	// Delay is the stall between attempts
	Delay time.Duration
	// RetryErrors makes a failed attempt consume budget instead of aborting
	RetryErrors bool
}

// AttemptFunc runs one attempt. done=true ends the loop successfully.
type AttemptFunc func(attempt int) (done bool, err error)

// RetryWithConfig runs attempt until it reports done, the budget is spent, or
// an error aborts the loop. Budget exhaustion is a DeviceError that also wraps
// the last attempt's error, if any.
func RetryWithConfig(ctx context.Context, clock Clock, config RetryConfig, attempt AttemptFunc) error {
	var lastErr error

	for n := range config.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s cancelled: %w", config.Op, err)
		}

		done, err := attempt(n)
		switch {
		case err != nil && !config.RetryErrors:
			return err
		case err != nil:
			lastErr = err
		case done:
			return nil
		}

		if config.Delay > 0 && n < config.MaxAttempts-1 {
			clock.Stall(config.Delay)
		}
	}

	Debugf("%s failed after %d retries", config.Op, config.MaxAttempts)
	if lastErr != nil {
		return fmt.Errorf("%w: %s failed after %d retries: %w",
			ErrDeviceError, config.Op, config.MaxAttempts, lastErr)
	}
	return fmt.Errorf("%w: %s failed after %d retries", ErrDeviceError, config.Op, config.MaxAttempts)
}

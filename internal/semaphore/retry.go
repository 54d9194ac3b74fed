/*
Copyright 2025 Dan Manners.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package semaphore

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy controls exponential backoff for registration. Intervals
// double from InitialInterval up to MaxInterval without jitter, so the
// sequence of waits is strictly increasing until it hits the cap. MaxTries
// of zero means retry until the context is cancelled.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxTries        uint
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
	}
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	return b
}

// RegisterWithRetry registers the runner, retrying transient failures with
// capped exponential backoff. AuthError and other non-transient errors stop
// the retry loop immediately and are returned to the caller.
func (c *Client) RegisterWithRetry(ctx context.Context, reg RunnerRegistration, policy RetryPolicy) (*RunnerRecord, error) {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(policy.newBackOff()),
	}
	if policy.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(policy.MaxTries))
	}

	return backoff.Retry(ctx, func() (*RunnerRecord, error) {
		record, err := c.Register(ctx, reg)
		if err != nil {
			var retryable *RetryableError
			if errors.As(err, &retryable) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return record, nil
	}, opts...)
}

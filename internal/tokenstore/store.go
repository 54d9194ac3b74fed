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

// Package tokenstore provides read-only access to the runner registration
// token. Stores never cache, so a rotated token is picked up on the next
// read.
package tokenstore

import (
	"context"
	"fmt"
	"time"
)

// Token is a registration secret read from a backing store. Value must
// never be logged.
type Token struct {
	Value  string
	Scope  string
	Expiry *time.Time
}

// Store exposes get-by-name semantics over whatever secret-holding system
// backs it.
type Store interface {
	CurrentToken(ctx context.Context) (Token, error)
}

// UnavailableError indicates the backing store could not be reached or the
// token has not been provisioned yet. Callers should retry; other errors
// from a Store are misconfigurations and should not be retried.
type UnavailableError struct {
	Reason string
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("registration token unavailable: %s", e.Reason)
	}
	return fmt.Sprintf("registration token unavailable: %s: %v", e.Reason, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

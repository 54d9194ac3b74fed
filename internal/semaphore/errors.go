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
	"errors"
	"fmt"
)

// ErrRunnerNotFound indicates the server holds no record for the stable ID.
// Callers recover by re-registering the runner.
var ErrRunnerNotFound = errors.New("runner record not found")

// AuthError indicates the server rejected the registration token. Retrying
// cannot help; the operator must rotate the token.
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("server rejected credentials with status %d: %s", e.StatusCode, e.Body)
}

// RetryableError wraps transient failures: transport errors, timeouts, 5xx
// responses, and an unavailable token store.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

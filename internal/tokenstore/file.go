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

package tokenstore

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// FileStore reads the registration token from a file, typically a projected
// secret volume. The kubelet refreshes the projection, so rereading the file
// on every call is sufficient to observe rotation.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by the file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// CurrentToken reads and trims the token file. A missing or empty file is
// reported as UnavailableError since the projection may not have landed yet.
func (s *FileStore) CurrentToken(ctx context.Context) (Token, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Token{}, &UnavailableError{
			Reason: fmt.Sprintf("failed to read token file %s", s.path),
			Err:    err,
		}
	}

	value := strings.TrimSpace(string(data))
	if value == "" {
		return Token{}, &UnavailableError{
			Reason: fmt.Sprintf("token file %s is empty", s.path),
		}
	}

	return Token{Value: value}, nil
}

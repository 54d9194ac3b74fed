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

// Package identity assigns each runner slot a stable logical identity that
// survives pod recreation. The identity is persisted to a file on a volume
// bound 1:1 to the slot; the ephemeral pod name never feeds into it.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// ErrCorrupt indicates the persisted identity file exists but cannot be
// read or parsed. This is fatal: regenerating an identity would orphan the
// server-side runner record and reintroduce duplicate registrations.
var ErrCorrupt = errors.New("persisted runner identity is corrupt")

// Identity is the resolved identity of a runner slot. StableID never
// changes across pod restarts for the same slot; PodName may.
type Identity struct {
	StableID  string
	Hostname  string
	PodName   string
	CreatedAt time.Time
}

// record is the on-disk representation. Only the stable fields are
// persisted; hostname and pod name are supplied by configuration.
type record struct {
	StableID  string    `json:"stable_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager resolves the identity for one runner slot.
type Manager struct {
	path     string
	hostname string
	podName  string
	log      logr.Logger
}

// NewManager creates a manager persisting to path. hostname is the desired
// runner hostname for this slot; podName is the ephemeral pod name, used
// for log correlation only.
func NewManager(path, hostname, podName string, log logr.Logger) *Manager {
	return &Manager{
		path:     path,
		hostname: hostname,
		podName:  podName,
		log:      log,
	}
}

// Resolve returns the slot's identity, generating and persisting a new one
// on first use. An existing file that cannot be parsed yields ErrCorrupt.
func (m *Manager) Resolve() (Identity, error) {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return m.create()
	}
	if err != nil {
		return Identity{}, fmt.Errorf("%w: reading %s: %v", ErrCorrupt, m.path, err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Identity{}, fmt.Errorf("%w: parsing %s: %v", ErrCorrupt, m.path, err)
	}
	if rec.StableID == "" {
		return Identity{}, fmt.Errorf("%w: %s contains no stable_id", ErrCorrupt, m.path)
	}

	m.log.V(1).Info("resolved existing runner identity", "stableID", rec.StableID, "path", m.path)
	return m.identityFor(rec), nil
}

func (m *Manager) create() (Identity, error) {
	rec := record{
		StableID:  uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return Identity{}, fmt.Errorf("failed to marshal identity: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return Identity{}, fmt.Errorf("failed to create identity directory: %w", err)
	}

	// Write through a temp file and rename so a crash mid-write can never
	// leave a half-written identity behind.
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return Identity{}, fmt.Errorf("failed to write identity file: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return Identity{}, fmt.Errorf("failed to persist identity file: %w", err)
	}

	m.log.Info("created new runner identity", "stableID", rec.StableID, "path", m.path)
	return m.identityFor(rec), nil
}

func (m *Manager) identityFor(rec record) Identity {
	return Identity{
		StableID:  rec.StableID,
		Hostname:  m.hostname,
		PodName:   m.podName,
		CreatedAt: rec.CreatedAt,
	}
}

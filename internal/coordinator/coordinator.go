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

// Package coordinator drives the server-side runner record toward desired
// state. Registration and reconciliation are deliberately separate call
// paths: the registration endpoint cannot set the active flag or the
// hostname, so a reconcile pass patches them afterwards and keeps them
// converged across external drift.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/goodmannershosting/semaphore-runner-coordinator/internal/identity"
	"github.com/goodmannershosting/semaphore-runner-coordinator/internal/semaphore"
)

// Phase represents the lifecycle phase of a runner slot
type Phase string

const (
	// PhaseUnregistered means the runner has not announced itself yet
	PhaseUnregistered Phase = "Unregistered"

	// PhaseRegistering means a registration attempt is in flight
	PhaseRegistering Phase = "Registering"

	// PhaseRegisteredDivergent means the server record exists but does not
	// match desired state
	PhaseRegisteredDivergent Phase = "RegisteredDivergent"

	// PhaseRegisteredConverged means the server record matches desired state
	PhaseRegisteredConverged Phase = "RegisteredConverged"

	// PhaseFailed means a fatal condition was hit and the process should exit
	PhaseFailed Phase = "Failed"
)

// DesiredState is the target shape of the server-side runner record,
// constant per deployment.
type DesiredState struct {
	Enabled  bool
	Hostname string
}

// API is the slice of the Semaphore runner API the coordinator needs.
type API interface {
	RegisterWithRetry(ctx context.Context, reg semaphore.RunnerRegistration, policy semaphore.RetryPolicy) (*semaphore.RunnerRecord, error)
	GetRunner(ctx context.Context, stableID string) (*semaphore.RunnerRecord, error)
	PatchRunner(ctx context.Context, stableID string, patch semaphore.RunnerPatch) (*semaphore.RunnerRecord, error)
}

// IdentityResolver resolves the durable identity of this runner slot.
type IdentityResolver interface {
	Resolve() (identity.Identity, error)
}

// Options configures a Coordinator.
type Options struct {
	Desired  DesiredState
	Interval time.Duration
	Retry    semaphore.RetryPolicy
	Logger   logr.Logger
	Metrics  *Metrics
}

// Coordinator owns the registration and reconciliation lifecycle for a
// single runner slot.
type Coordinator struct {
	api      API
	ids      IdentityResolver
	desired  DesiredState
	interval time.Duration
	retry    semaphore.RetryPolicy
	log      logr.Logger
	metrics  *Metrics

	// mu serializes cycles so a triggered sync can never race the periodic
	// one against the same record.
	mu       sync.Mutex
	phase    Phase
	id       identity.Identity
	resolved bool
}

// New creates a Coordinator. A zero Interval defaults to 30s and a zero
// Retry to DefaultRetryPolicy.
func New(api API, ids IdentityResolver, opts Options) *Coordinator {
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	retry := opts.Retry
	if retry == (semaphore.RetryPolicy{}) {
		retry = semaphore.DefaultRetryPolicy()
	}

	return &Coordinator{
		api:      api,
		ids:      ids,
		desired:  opts.Desired,
		interval: interval,
		retry:    retry,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		phase:    PhaseUnregistered,
	}
}

// Phase returns the current lifecycle phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Run executes one immediate cycle and then reconciles on the configured
// interval until the context is cancelled. It returns nil on graceful
// shutdown and an error only for fatal conditions.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Sync(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		c.log.Info("shutdown requested, stopping coordinator")
		return nil
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.log.Info("starting reconcile loop", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			c.log.Info("shutdown requested, stopping coordinator")
			return nil
		case <-ticker.C:
			if err := c.Sync(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// Sync runs a single registration/reconcile cycle. Transient failures are
// absorbed and retried on the next cycle; only fatal conditions (corrupt
// identity, rejected credentials) are returned.
func (c *Coordinator) Sync(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.resolved {
		id, err := c.ids.Resolve()
		if err != nil {
			c.phase = PhaseFailed
			return fmt.Errorf("failed to resolve runner identity: %w", err)
		}
		c.id = id
		c.resolved = true
		c.log.Info("resolved runner identity",
			"stableID", id.StableID, "hostname", id.Hostname, "pod", id.PodName)
	}

	if c.phase == PhaseUnregistered || c.phase == PhaseRegistering {
		if err := c.register(ctx); err != nil {
			return err
		}
	}

	if c.phase != PhaseRegisteredDivergent && c.phase != PhaseRegisteredConverged {
		return nil
	}

	return c.reconcile(ctx)
}

func (c *Coordinator) register(ctx context.Context) error {
	c.phase = PhaseRegistering
	c.metrics.incRegistrationAttempts()

	record, err := c.api.RegisterWithRetry(ctx, semaphore.RunnerRegistration{
		StableID: c.id.StableID,
		Name:     c.desired.Hostname,
	}, c.retry)
	if err != nil {
		c.metrics.incRegistrationFailures()

		var authErr *semaphore.AuthError
		if errors.As(err, &authErr) {
			c.phase = PhaseFailed
			return fmt.Errorf("registration rejected, token is invalid or revoked: %w", err)
		}
		if ctx.Err() != nil {
			c.phase = PhaseUnregistered
			return nil
		}

		c.phase = PhaseUnregistered
		c.log.Error(err, "registration failed, will retry next cycle", "stableID", c.id.StableID)
		return nil
	}

	c.phase = PhaseRegisteredDivergent
	c.log.Info("registered runner",
		"stableID", c.id.StableID, "status", record.Status, "active", record.Active)
	return nil
}

func (c *Coordinator) reconcile(ctx context.Context) error {
	c.metrics.incReconcileCycles()

	record, err := c.api.GetRunner(ctx, c.id.StableID)
	if err != nil {
		if errors.Is(err, semaphore.ErrRunnerNotFound) {
			// The server lost the record; re-register on the next cycle.
			c.phase = PhaseUnregistered
			c.log.Info("runner record missing on server, re-registering", "stableID", c.id.StableID)
			return nil
		}
		var authErr *semaphore.AuthError
		if errors.As(err, &authErr) {
			c.phase = PhaseFailed
			return fmt.Errorf("reconcile rejected, token is invalid or revoked: %w", err)
		}
		c.log.Error(err, "failed to fetch runner record, will retry next cycle", "stableID", c.id.StableID)
		return nil
	}

	patch, divergent := c.diff(record)
	if !divergent {
		if c.phase != PhaseRegisteredConverged {
			c.log.Info("runner record converged", "stableID", c.id.StableID)
		}
		c.phase = PhaseRegisteredConverged
		return nil
	}

	c.phase = PhaseRegisteredDivergent
	c.metrics.incDivergenceEvents()
	c.log.Info("runner record divergent, patching",
		"stableID", c.id.StableID,
		"active", record.Active, "wantActive", c.desired.Enabled,
		"name", record.Name, "wantName", c.desired.Hostname)

	updated, err := c.api.PatchRunner(ctx, c.id.StableID, patch)
	if err != nil {
		if errors.Is(err, semaphore.ErrRunnerNotFound) {
			c.phase = PhaseUnregistered
			c.log.Info("runner record missing on server, re-registering", "stableID", c.id.StableID)
			return nil
		}
		var authErr *semaphore.AuthError
		if errors.As(err, &authErr) {
			c.phase = PhaseFailed
			return fmt.Errorf("patch rejected, token is invalid or revoked: %w", err)
		}
		c.metrics.incPatchFailures()
		c.log.Error(err, "patch failed, divergence persists until next cycle", "stableID", c.id.StableID)
		return nil
	}

	c.metrics.incPatchesApplied()
	if _, stillDivergent := c.diff(updated); stillDivergent {
		c.log.Info("runner record still divergent after patch", "stableID", c.id.StableID)
		return nil
	}

	c.phase = PhaseRegisteredConverged
	c.log.Info("runner record converged", "stableID", c.id.StableID)
	return nil
}

// diff compares the record against desired state and builds a patch carrying
// only the divergent fields, so convergent cycles issue no writes.
func (c *Coordinator) diff(record *semaphore.RunnerRecord) (semaphore.RunnerPatch, bool) {
	var patch semaphore.RunnerPatch
	divergent := false

	if record.Active != c.desired.Enabled {
		enabled := c.desired.Enabled
		patch.Active = &enabled
		divergent = true
	}
	if record.Name != c.desired.Hostname {
		name := c.desired.Hostname
		patch.Name = &name
		divergent = true
	}

	return patch, divergent
}

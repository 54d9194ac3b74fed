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

package coordinator

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts registration and reconciliation events. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registrationAttempts prometheus.Counter
	registrationFailures prometheus.Counter
	reconcileCycles      prometheus.Counter
	divergenceEvents     prometheus.Counter
	patchesApplied       prometheus.Counter
	patchFailures        prometheus.Counter
}

// NewMetrics creates the counter set and registers it with reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		registrationAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runner_registration_attempts_total",
			Help: "Number of registration cycles started.",
		}),
		registrationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runner_registration_failures_total",
			Help: "Number of registration cycles that did not produce a server-side record.",
		}),
		reconcileCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runner_reconcile_cycles_total",
			Help: "Number of reconcile cycles executed.",
		}),
		divergenceEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runner_record_divergence_total",
			Help: "Number of cycles that found the runner record diverged from desired state.",
		}),
		patchesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runner_record_patches_total",
			Help: "Number of patches applied to the runner record.",
		}),
		patchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runner_record_patch_failures_total",
			Help: "Number of patch calls that failed and were left for the next cycle.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.registrationAttempts,
			m.registrationFailures,
			m.reconcileCycles,
			m.divergenceEvents,
			m.patchesApplied,
			m.patchFailures,
		)
	}

	return m
}

func (m *Metrics) incRegistrationAttempts() {
	if m != nil {
		m.registrationAttempts.Inc()
	}
}

func (m *Metrics) incRegistrationFailures() {
	if m != nil {
		m.registrationFailures.Inc()
	}
}

func (m *Metrics) incReconcileCycles() {
	if m != nil {
		m.reconcileCycles.Inc()
	}
}

func (m *Metrics) incDivergenceEvents() {
	if m != nil {
		m.divergenceEvents.Inc()
	}
}

func (m *Metrics) incPatchesApplied() {
	if m != nil {
		m.patchesApplied.Inc()
	}
}

func (m *Metrics) incPatchFailures() {
	if m != nil {
		m.patchFailures.Inc()
	}
}

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

package coordinator_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/goodmannershosting/semaphore-runner-coordinator/internal/coordinator"
	"github.com/goodmannershosting/semaphore-runner-coordinator/internal/identity"
	"github.com/goodmannershosting/semaphore-runner-coordinator/internal/semaphore"
)

// fakeServer is an in-memory stand-in for the Semaphore runner API holding
// at most one record, mirroring the per-slot scope of the coordinator.
type fakeServer struct {
	mu            sync.Mutex
	record        *semaphore.RunnerRecord
	registerCalls int
	getCalls      int
	patchCalls    int
	registerErr   error
	patchErr      error
}

func (f *fakeServer) RegisterWithRetry(ctx context.Context, reg semaphore.RunnerRegistration, policy semaphore.RetryPolicy) (*semaphore.RunnerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.registerCalls++
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	if f.record == nil {
		// Registration cannot set active or the name; that is the defect
		// the reconcile pass exists to close.
		f.record = &semaphore.RunnerRecord{
			StableID: reg.StableID,
			Status:   semaphore.StatusPending,
		}
	}
	record := *f.record
	return &record, nil
}

func (f *fakeServer) GetRunner(ctx context.Context, stableID string) (*semaphore.RunnerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.getCalls++
	if f.record == nil || f.record.StableID != stableID {
		return nil, semaphore.ErrRunnerNotFound
	}
	record := *f.record
	return &record, nil
}

func (f *fakeServer) PatchRunner(ctx context.Context, stableID string, patch semaphore.RunnerPatch) (*semaphore.RunnerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.patchCalls++
	if f.patchErr != nil {
		return nil, f.patchErr
	}
	if f.record == nil || f.record.StableID != stableID {
		return nil, semaphore.ErrRunnerNotFound
	}
	if patch.Active != nil {
		f.record.Active = *patch.Active
	}
	if patch.Name != nil {
		f.record.Name = *patch.Name
	}
	if f.record.Active {
		f.record.Status = semaphore.StatusActive
	}
	record := *f.record
	return &record, nil
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}

func (f *fakeServer) snapshot() (semaphore.RunnerRecord, int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var record semaphore.RunnerRecord
	if f.record != nil {
		record = *f.record
	}
	return record, f.registerCalls, f.getCalls, f.patchCalls
}

var _ = Describe("Coordinator", func() {
	var (
		server       *fakeServer
		identityPath string
	)

	newCoordinator := func(opts coordinator.Options) *coordinator.Coordinator {
		ids := identity.NewManager(identityPath, "runner-001", "runner-001-abcde", logr.Discard())
		if opts.Logger.GetSink() == nil {
			opts.Logger = logr.Discard()
		}
		if opts.Desired == (coordinator.DesiredState{}) {
			opts.Desired = coordinator.DesiredState{Enabled: true, Hostname: "runner-001"}
		}
		return coordinator.New(server, ids, opts)
	}

	BeforeEach(func() {
		server = &fakeServer{}
		identityPath = filepath.Join(GinkgoT().TempDir(), "identity.json")
	})

	It("registers a fresh slot and converges with exactly one patch", func() {
		coord := newCoordinator(coordinator.Options{})

		Expect(coord.Sync(context.Background())).To(Succeed())

		record, registers, _, patches := server.snapshot()
		Expect(registers).To(Equal(1))
		Expect(patches).To(Equal(1), "one divergence, one patch")
		Expect(record.Active).To(BeTrue())
		Expect(record.Name).To(Equal("runner-001"))
		Expect(record.Status).To(Equal(semaphore.StatusActive))
		Expect(coord.Phase()).To(Equal(coordinator.PhaseRegisteredConverged))

		// A second cycle with no external change must issue zero patches.
		Expect(coord.Sync(context.Background())).To(Succeed())
		_, registers, _, patches = server.snapshot()
		Expect(registers).To(Equal(1))
		Expect(patches).To(Equal(1))
		Expect(coord.Phase()).To(Equal(coordinator.PhaseRegisteredConverged))
	})

	It("halts after a single attempt when credentials are rejected", func() {
		server.registerErr = &semaphore.AuthError{StatusCode: 401, Body: "bad token"}
		coord := newCoordinator(coordinator.Options{})

		err := coord.Sync(context.Background())
		Expect(err).To(HaveOccurred())

		var authErr *semaphore.AuthError
		Expect(errors.As(err, &authErr)).To(BeTrue())

		_, registers, _, _ := server.snapshot()
		Expect(registers).To(Equal(1))
		Expect(coord.Phase()).To(Equal(coordinator.PhaseFailed))
	})

	It("absorbs transient registration failures and retries next cycle", func() {
		server.registerErr = &semaphore.RetryableError{Op: "registration failed", Err: errors.New("gave up")}
		coord := newCoordinator(coordinator.Options{})

		Expect(coord.Sync(context.Background())).To(Succeed())
		Expect(coord.Phase()).To(Equal(coordinator.PhaseUnregistered))

		server.mu.Lock()
		server.registerErr = nil
		server.mu.Unlock()

		Expect(coord.Sync(context.Background())).To(Succeed())
		Expect(coord.Phase()).To(Equal(coordinator.PhaseRegisteredConverged))
	})

	It("detects external drift and patches again", func() {
		coord := newCoordinator(coordinator.Options{})
		Expect(coord.Sync(context.Background())).To(Succeed())

		// Somebody disables the runner behind our back.
		server.mu.Lock()
		server.record.Active = false
		server.mu.Unlock()

		Expect(coord.Sync(context.Background())).To(Succeed())

		record, _, _, patches := server.snapshot()
		Expect(patches).To(Equal(2))
		Expect(record.Active).To(BeTrue())
		Expect(coord.Phase()).To(Equal(coordinator.PhaseRegisteredConverged))
	})

	It("re-registers when the server loses the record", func() {
		coord := newCoordinator(coordinator.Options{})
		Expect(coord.Sync(context.Background())).To(Succeed())

		server.mu.Lock()
		server.record = nil
		server.mu.Unlock()

		// First cycle notices the missing record, the next re-registers and
		// reconverges.
		Expect(coord.Sync(context.Background())).To(Succeed())
		Expect(coord.Phase()).To(Equal(coordinator.PhaseUnregistered))

		Expect(coord.Sync(context.Background())).To(Succeed())

		record, registers, _, _ := server.snapshot()
		Expect(registers).To(Equal(2))
		Expect(record.Active).To(BeTrue())
		Expect(coord.Phase()).To(Equal(coordinator.PhaseRegisteredConverged))
	})

	It("leaves divergence for the next cycle when the patch fails", func() {
		server.patchErr = &semaphore.RetryableError{Op: "failed to patch runner record", Err: errors.New("boom")}
		coord := newCoordinator(coordinator.Options{})

		Expect(coord.Sync(context.Background())).To(Succeed())
		Expect(coord.Phase()).To(Equal(coordinator.PhaseRegisteredDivergent))

		server.mu.Lock()
		server.patchErr = nil
		server.mu.Unlock()

		Expect(coord.Sync(context.Background())).To(Succeed())

		record, _, _, patches := server.snapshot()
		Expect(patches).To(Equal(2))
		Expect(record.Active).To(BeTrue())
		Expect(coord.Phase()).To(Equal(coordinator.PhaseRegisteredConverged))
	})

	It("does not create a duplicate record when the process restarts", func() {
		first := newCoordinator(coordinator.Options{})
		Expect(first.Sync(context.Background())).To(Succeed())
		firstRecord, _, _, _ := server.snapshot()

		// Same identity volume, fresh process: the registration is treated
		// as already-done and the existing record is reused.
		second := newCoordinator(coordinator.Options{})
		Expect(second.Sync(context.Background())).To(Succeed())

		secondRecord, registers, _, _ := server.snapshot()
		Expect(registers).To(Equal(2))
		Expect(secondRecord.StableID).To(Equal(firstRecord.StableID))
		Expect(second.Phase()).To(Equal(coordinator.PhaseRegisteredConverged))
	})

	It("fails fast on a corrupt identity without touching the server", func() {
		Expect(writeFile(identityPath, "{not json")).To(Succeed())
		coord := newCoordinator(coordinator.Options{})

		err := coord.Sync(context.Background())
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, identity.ErrCorrupt)).To(BeTrue())

		_, registers, gets, patches := server.snapshot()
		Expect(registers).To(BeZero())
		Expect(gets).To(BeZero())
		Expect(patches).To(BeZero())
		Expect(coord.Phase()).To(Equal(coordinator.PhaseFailed))
	})

	It("runs until cancelled and shuts down cleanly", func() {
		coord := newCoordinator(coordinator.Options{Interval: 10 * time.Millisecond})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- coord.Run(ctx)
		}()

		Eventually(coord.Phase).Should(Equal(coordinator.PhaseRegisteredConverged))

		// Let at least one periodic cycle fire, then stop.
		Eventually(func() int {
			_, _, gets, _ := server.snapshot()
			return gets
		}).Should(BeNumerically(">", 1))

		cancel()
		Eventually(done).Should(Receive(BeNil()))
	})
})

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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/goodmannershosting/semaphore-runner-coordinator/internal/coordinator"
	"github.com/goodmannershosting/semaphore-runner-coordinator/internal/identity"
	"github.com/goodmannershosting/semaphore-runner-coordinator/internal/semaphore"
	"github.com/goodmannershosting/semaphore-runner-coordinator/internal/tokenstore"
)

var (
	scheme = runtime.NewScheme()
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

func main() {
	// Helper to get value from env or use default
	getEnvOrEmpty := func(key string) string {
		if val := os.Getenv(key); val != "" {
			return val
		}
		return ""
	}
	getEnvOrDefault := func(key, defaultValue string) string {
		if val := os.Getenv(key); val != "" {
			return val
		}
		return defaultValue
	}

	getEnvOrBool := func(key string, defaultValue bool) bool {
		if val := os.Getenv(key); val != "" {
			return val == "true" || val == "1" || val == "yes"
		}
		return defaultValue
	}

	var (
		serverURL       = flag.String("server", getEnvOrEmpty("SEMAPHORE_SERVER"), "Semaphore server URL (required, can also be set via SEMAPHORE_SERVER env var)")
		slotName        = flag.String("slot-name", getEnvOrEmpty("SLOT_NAME"), "Logical runner slot name (required, can also be set via SLOT_NAME env var)")
		hostname        = flag.String("hostname", getEnvOrEmpty("RUNNER_HOSTNAME"), "Desired runner hostname, defaults to the slot name (can also be set via RUNNER_HOSTNAME env var)")
		identityFile    = flag.String("identity-file", getEnvOrDefault("IDENTITY_FILE", "/var/lib/runner/identity.json"), "Path to the persisted identity file on the slot volume (can also be set via IDENTITY_FILE env var)")
		tokenFile       = flag.String("token-file", getEnvOrEmpty("TOKEN_FILE"), "Path to a projected registration token file; takes precedence over the secret flags (can also be set via TOKEN_FILE env var)")
		tokenSecretName = flag.String("token-secret-name", getEnvOrEmpty("TOKEN_SECRET_NAME"), "Name of the secret containing the registration token (can also be set via TOKEN_SECRET_NAME env var)")
		tokenSecretKey  = flag.String("token-secret-key", getEnvOrDefault("TOKEN_SECRET_KEY", "token"), "Key in the secret containing the registration token (can also be set via TOKEN_SECRET_KEY env var)")
		namespace       = flag.String("namespace", getEnvOrEmpty("NAMESPACE"), "Kubernetes namespace of the token secret (can also be set via NAMESPACE env var)")
		skipTLSVerify   = flag.Bool("skip-tls-verify", getEnvOrBool("SKIP_TLS_VERIFY", false), "Skip TLS certificate verification (can also be set via SKIP_TLS_VERIFY env var)")
		metricsAddr     = flag.String("metrics-addr", getEnvOrEmpty("METRICS_ADDR"), "Address to serve Prometheus metrics on, empty disables metrics (can also be set via METRICS_ADDR env var)")
	)

	// Handle reconcile-interval separately since it's a duration
	intervalStr := getEnvOrDefault("RECONCILE_INTERVAL", "30s")
	intervalDefault, err := time.ParseDuration(intervalStr)
	if err != nil {
		intervalDefault = 30 * time.Second
	}
	intervalFlag := flag.Duration("reconcile-interval", intervalDefault, "Reconcile interval (can also be set via RECONCILE_INTERVAL env var)")

	flag.Parse()

	// Set up logger
	zapLog, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	logger := zapr.NewLogger(zapLog)

	if *serverURL == "" || *slotName == "" {
		logger.Error(fmt.Errorf("missing required flags"), "missing required flags")
		flag.Usage()
		os.Exit(1)
	}
	if *tokenFile == "" && (*tokenSecretName == "" || *namespace == "") {
		logger.Error(fmt.Errorf("missing token source"), "either -token-file or -token-secret-name and -namespace must be set")
		flag.Usage()
		os.Exit(1)
	}

	desiredHostname := *hostname
	if desiredHostname == "" {
		desiredHostname = *slotName
	}
	podName := os.Getenv("POD_NAME")
	if podName == "" {
		podName, _ = os.Hostname()
	}

	var tokens tokenstore.Store
	if *tokenFile != "" {
		tokens = tokenstore.NewFileStore(*tokenFile)
	} else {
		cfg := ctrl.GetConfigOrDie()
		k8sClient, err := client.New(cfg, client.Options{Scheme: scheme})
		if err != nil {
			logger.Error(err, "failed to create Kubernetes client")
			os.Exit(1)
		}
		tokens = tokenstore.NewKubernetesStore(k8sClient, *namespace, *tokenSecretName, *tokenSecretKey)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown for SIGINT (Ctrl-C) and SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()

	registry := prometheus.NewRegistry()
	if *metricsAddr != "" {
		serveMetrics(ctx, logger, registry, *metricsAddr)
	}

	apiClient := semaphore.NewClientWithTLS(*serverURL, tokens, *skipTLSVerify)
	ids := identity.NewManager(*identityFile, desiredHostname, podName, logger)
	coord := coordinator.New(apiClient, ids, coordinator.Options{
		Desired: coordinator.DesiredState{
			Enabled:  true,
			Hostname: desiredHostname,
		},
		Interval: *intervalFlag,
		Logger:   logger.WithValues("slot", *slotName),
		Metrics:  coordinator.NewMetrics(registry),
	})

	logger.Info("starting coordinator",
		"server", *serverURL, "slot", *slotName, "hostname", desiredHostname, "interval", *intervalFlag)

	if err := coord.Run(ctx); err != nil {
		// Distinguish the two fatal classes so operators know whether to
		// rotate the token or reset the identity volume.
		var authErr *semaphore.AuthError
		switch {
		case errors.Is(err, identity.ErrCorrupt):
			logger.Error(err, "persisted runner identity is corrupt; reset the identity volume to recover", "identityFile", *identityFile)
		case errors.As(err, &authErr):
			logger.Error(err, "server rejected the registration token; rotate the token secret to recover")
		default:
			logger.Error(err, "coordinator failed")
		}
		os.Exit(1)
	}

	logger.Info("coordinator stopped")
}

// serveMetrics exposes the registry on /metrics and shuts the listener down
// when ctx is cancelled.
func serveMetrics(ctx context.Context, logger logr.Logger, registry *prometheus.Registry, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "metrics server failed")
		}
	}()
}

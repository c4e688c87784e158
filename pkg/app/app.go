// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

// Package app assembles the gateway process: storage, secrets, identity,
// the tool dispatcher, usage metering and the HTTP ingress, with graceful
// shutdown on context cancellation.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/archestra/gateway/pkg/audit"
	"github.com/archestra/gateway/pkg/bus"
	"github.com/archestra/gateway/pkg/config"
	"github.com/archestra/gateway/pkg/credential"
	"github.com/archestra/gateway/pkg/gateway"
	"github.com/archestra/gateway/pkg/health"
	"github.com/archestra/gateway/pkg/identity"
	"github.com/archestra/gateway/pkg/logging"
	"github.com/archestra/gateway/pkg/mcpruntime"
	"github.com/archestra/gateway/pkg/metrics"
	"github.com/archestra/gateway/pkg/middleware"
	"github.com/archestra/gateway/pkg/orchestrator"
	"github.com/archestra/gateway/pkg/secrets"
	"github.com/archestra/gateway/pkg/store"
	"github.com/archestra/gateway/pkg/store/memory"
	"github.com/archestra/gateway/pkg/store/sqldb"
	"github.com/archestra/gateway/pkg/telemetry"
	"github.com/archestra/gateway/pkg/usage"
)

// Runner is the entry point the command layer drives.
type Runner interface {
	Run(ctx context.Context, settings *config.Settings) error
}

// Application owns the wiring of one gateway process.
type Application struct {
	// Hooks for tests; nil uses the real constructors.
	openStore     func(settings *config.Settings) (store.Store, error)
	orchestrate   func(settings *config.Settings) orchestrator.Orchestrator
	tokenVerifier func(ctx context.Context, settings *config.Settings) (identity.Provider, error)
}

// NewApplication creates an Application with the production wiring.
func NewApplication() *Application {
	return &Application{
		openStore:     openStore,
		orchestrate:   orchestrate,
		tokenVerifier: tokenVerifier,
	}
}

// Run starts every component and blocks until ctx is canceled or a server
// fails to start. All components are torn down before it returns.
func (a *Application) Run(ctx context.Context, settings *config.Settings) error {
	log := logging.GetLogger()
	log.Info("Starting Archestra gateway", "listen_address", settings.ListenAddress(),
		"database", settings.DatabaseDriver(), "bus", settings.BusBackend())

	stopTracing, err := telemetry.InitTracer(ctx, telemetry.Config{
		Enabled:  settings.TracingEnabled(),
		Endpoint: settings.TracingEndpoint(),
		Insecure: settings.TracingInsecure(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	st, err := a.openStore(settings)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	busProvider, err := bus.NewProvider(settings.BusBackend(), settings.NATSURL(), settings.RedisURL())
	if err != nil {
		return fmt.Errorf("failed to connect the event bus: %w", err)
	}

	verifier, err := a.tokenVerifier(ctx, settings)
	if err != nil {
		return fmt.Errorf("failed to configure token verification: %w", err)
	}

	var vaultReader secrets.VaultReader
	if os.Getenv("VAULT_ADDR") != "" {
		vault, err := secrets.NewVaultClient()
		if err != nil {
			return fmt.Errorf("failed to connect to vault: %w", err)
		}
		vaultReader = vault
	}
	secretManager := secrets.NewManager(st, vaultReader)

	pricing, err := usage.NewPricing(settings.PricingFile())
	if err != nil {
		return fmt.Errorf("failed to load the pricing table: %w", err)
	}
	guard := usage.NewGuard(st, pricing)
	recorder := usage.NewRecorder(st, pricing)
	housekeeper := usage.NewHousekeeper(st, usage.HousekeeperConfig{
		Interval:   settings.UsageResetInterval(),
		SessionTTL: settings.MCPSessionTTL(),
	})
	housekeeper.Start(ctx)

	sink := audit.NewSink(st)
	if err := sink.Start(ctx, busProvider); err != nil {
		return fmt.Errorf("failed to start the audit sink: %w", err)
	}

	dispatcher := mcpruntime.NewDispatcher(st, secretManager, a.orchestrate(settings), mcpruntime.Config{
		ConnectTimeout:      settings.MCPConnectTimeout(),
		ListToolsTimeout:    settings.MCPListToolsTimeout(),
		OAuthRefreshTimeout: settings.OAuthRefreshTimeout(),
		HTTPConcurrency:     int64(settings.HTTPConcurrencyLimit()),
	})
	if err := dispatcher.Start(ctx, busProvider); err != nil {
		return fmt.Errorf("failed to start the tool dispatcher: %w", err)
	}

	resolver := credential.NewResolver(st, secretManager, settings)
	gw := gateway.New(settings, st, resolver, guard, recorder, dispatcher)

	if settings.PricingFile() != "" {
		go func() {
			if err := pricing.Watch(ctx); err != nil {
				log.Error("Pricing table watcher stopped", "error", err)
			}
		}()
	}

	errChan := make(chan error, 2)
	var wg sync.WaitGroup
	startHTTPServer(ctx, &wg, errChan, "gateway", settings.ListenAddress(),
		a.rootHandler(settings, st, verifier, gw), settings.ShutdownTimeout())

	if addr := settings.MetricsListenAddress(); addr != "" {
		go func() {
			if err := metrics.StartServer(addr); err != nil {
				errChan <- fmt.Errorf("metrics server failed: %w", err)
			}
		}()
	}

	select {
	case err = <-errChan:
		err = fmt.Errorf("failed to start a server: %w", err)
	case <-ctx.Done():
		log.Info("Received shutdown signal, shutting down gracefully...")
	}

	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.ShutdownTimeout())
	defer cancel()

	gw.Close()
	if derr := dispatcher.Shutdown(shutdownCtx); derr != nil {
		log.Error("Dispatcher shutdown failed", "error", derr)
	}
	housekeeper.Stop()
	sink.Stop()
	if berr := busProvider.Close(); berr != nil {
		log.Error("Bus shutdown failed", "error", berr)
	}
	if serr := st.Close(); serr != nil {
		log.Error("Store close failed", "error", serr)
	}
	if terr := stopTracing(shutdownCtx); terr != nil {
		log.Error("Trace flush failed", "error", terr)
	}

	if err == nil {
		log.Info("Shutdown complete.")
	}
	return err
}

// rootHandler mounts the probe endpoints and the authenticated ingress.
func (a *Application) rootHandler(settings *config.Settings, st store.Store,
	verifier identity.Provider, gw *gateway.Gateway) http.Handler {
	root := mux.NewRouter()
	root.Handle("/healthz", health.Handler(health.New(st))).Methods(http.MethodGet)
	if settings.MetricsListenAddress() == "" {
		root.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}

	var ingress http.Handler = gw.Router()
	ingress = middleware.Auth(verifier)(ingress)
	if rps := settings.RateLimitRPS(); rps > 0 {
		ingress = middleware.NewRateLimiter(rps, settings.RateLimitBurst()).Handler(ingress)
	}
	ingress = middleware.Trace(ingress)
	ingress = middleware.RequestLog(ingress)
	ingress = middleware.Recovery(ingress)
	root.PathPrefix("/v1/").Handler(ingress)

	return root
}

// openStore picks the persistence backend from the settings.
func openStore(settings *config.Settings) (store.Store, error) {
	switch settings.DatabaseDriver() {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return sqldb.OpenSQLite(settings.DatabaseDSN())
	case "postgres":
		return sqldb.OpenPostgres(settings.DatabaseDSN())
	default:
		return nil, fmt.Errorf("unknown database driver %q", settings.DatabaseDriver())
	}
}

// orchestrate builds the cluster client. Out-of-cluster development without
// a kubeconfig keeps the gateway up; local MCP servers then fail with the
// reason recorded here.
func orchestrate(settings *config.Settings) orchestrator.Orchestrator {
	orch, err := orchestrator.NewKube(settings.KubeNamespace(), settings.Kubeconfig())
	if err != nil {
		logging.GetLogger().Warn("Pod orchestration disabled", "error", err)
		return &orchestrator.Disabled{Reason: err.Error()}
	}
	return orch
}

// tokenVerifier wires gateway JWT verification with the optional external
// IdP fallback.
func tokenVerifier(ctx context.Context, settings *config.Settings) (identity.Provider, error) {
	var external *identity.ExternalVerifier
	if issuer := settings.OIDCIssuer(); issuer != "" {
		cfg := identity.ExternalConfig{IssuerURL: issuer}
		if aud := settings.OIDCAudience(); aud != "" {
			cfg.Audiences = []string{aud}
		}
		ext, err := identity.NewExternalVerifier(ctx, cfg)
		if err != nil {
			return nil, err
		}
		external = ext
	}
	return identity.NewVerifier(settings.GatewayTokenSecret(), external)
}

// startHTTPServer runs one HTTP server in the background and shuts it down
// when ctx is canceled.
func startHTTPServer(ctx context.Context, wg *sync.WaitGroup, errChan chan<- error,
	name, addr string, handler http.Handler, shutdownTimeout time.Duration) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		serverLog := logging.GetLogger().With("server", name, "address", addr)
		server := &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			serverLog.Info("HTTP server listening")
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("[%s] server failed: %w", name, err)
			}
		}()

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		serverLog.Info("Attempting to gracefully shut down server...")
		if err := server.Shutdown(shutdownCtx); err != nil {
			serverLog.Error("Shutdown error", "error", err)
		}
		serverLog.Info("Server shut down.")
	}()
}

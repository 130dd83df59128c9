// Main snapback node service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/audius/snapback-node/internal/collab"
	"github.com/audius/snapback-node/internal/config"
	"github.com/audius/snapback-node/internal/logging"
	"github.com/audius/snapback-node/internal/peerset"
	"github.com/audius/snapback-node/internal/reconfig"
	"github.com/audius/snapback-node/internal/snapshot"
	"github.com/audius/snapback-node/internal/statemachine"
	"github.com/audius/snapback-node/internal/syncqueue"
	"github.com/audius/snapback-node/pkg/models"
)

func main() {
	logger := logging.New()
	logger.Info().Msg("starting snapback node")

	ko := config.Load(logger, "config.toml")
	logging.SetLevel(ko, logger)

	node := config.NodeFromKoanf(ko)
	if node.IsUserMetadataNode {
		logger.Info().Msg("user metadata node, snapback engine disabled")
		return
	}
	self := models.Endpoint(node.CreatorNodeEndpoint)

	sqCfg := config.SyncQueueFromKoanf(ko)
	collabCfg := config.CollaboratorsFromKoanf(ko)
	servers := config.ServersFromKoanf(ko)
	storage := config.StorageFromKoanf(ko)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapStore, err := snapshot.Open(storage.SnapshotPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open snapshot store")
	}
	defer snapStore.Close()

	pgPool, err := pgxpool.New(ctx, storage.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to clock-record database")
	}
	defer pgPool.Close()
	localStore := collab.NewPgLocalStore(pgPool)

	httpClient := collab.NewClient(0)
	discovery := collab.NewHTTPDiscovery(collabCfg.DiscoveryURL, 0)
	selection := collab.NewHTTPSelection(collabCfg.SelectionURL, 0)
	broadcaster := collab.NewHTTPBroadcaster(collabCfg.BroadcastURL, 0)
	registry := collab.NewChainRegistry(broadcaster, *logger)

	endpointIDs := loadEndpointIDs(ctx, collabCfg.RegistryURL, snapStore, logger)

	view := peerset.New(self, discovery, httpClient, *logger)

	syncMgr, err := syncqueue.New(ctx, syncqueue.Config{
		NatsURL:              storage.NatsURL,
		ManualConcurrency:    sqCfg.MaxManualConcurrency,
		RecurringConcurrency: sqCfg.MaxRecurringConcurrency,
		MaxExportClockRange:  sqCfg.MaxExportClockRange,
	}, httpClient, httpClient, localStore, *logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize sync queues")
	}
	if err := syncMgr.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start sync queues")
	}
	defer syncMgr.Stop()

	planner := reconfig.New(selection, registry, httpClient, syncMgr, endpointIDs, *logger)
	loop := statemachine.New(self, node.SpID, view, syncMgr, planner, localStore, snapStore, node.DevMode, *logger)

	metricsServer := &http.Server{Addr: servers.MetricsAddress, Handler: promhttp.Handler()}
	go func() {
		logger.Info().Str("address", servers.MetricsAddress).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	healthServer := &http.Server{Addr: servers.HealthAddress, Handler: http.HandlerFunc(healthCheckHandler(loop, syncMgr))}
	go func() {
		logger.Info().Str("address", servers.HealthAddress).Msg("starting health check server")
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health check server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-done:
		logger.Warn().Msg("state-machine loop exited on its own")
	}

	logger.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("health server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}

// loadEndpointIDs populates the endpoint-to-service-provider-ID map from the
// registry at startup, falling back to the last snapshot persisted locally
// if the registry is unreachable (spec.md §3). Each roster entry's wallet is
// checked with collab.ValidServiceProviderWallet before its ID is trusted;
// entries with a malformed wallet are dropped rather than fed into later
// replica-set writes.
func loadEndpointIDs(ctx context.Context, registryURL string, snapStore *snapshot.Store, logger *zerolog.Logger) map[string]int {
	lister := collab.NewHTTPServiceProviderLister(registryURL, 0)
	roster, err := lister.ServiceProviderRoster(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to fetch service-provider roster from registry, falling back to local snapshot")
		cached, loadErr := snapStore.LoadEndpointIDs()
		if loadErr != nil {
			logger.Fatal().Err(loadErr).Msg("no registry and no local snapshot available for endpoint-id map")
		}
		return cached
	}

	ids := make(map[string]int, len(roster))
	for endpoint, entry := range roster {
		if !collab.ValidServiceProviderWallet(entry.Wallet) {
			logger.Warn().Str("endpoint", endpoint).Str("wallet", entry.Wallet).Msg("dropping service-provider entry with invalid wallet")
			continue
		}
		ids[endpoint] = entry.ID
	}

	if err := snapStore.SaveEndpointIDs(ids); err != nil {
		logger.Warn().Err(err).Msg("failed to persist endpoint-id map snapshot")
	}
	return ids
}

// healthCheckHandler reports the state-machine loop's health and current
// shard slice.
func healthCheckHandler(loop *statemachine.Loop, syncMgr *syncqueue.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !loop.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "unhealthy\n")
			return
		}

		slice, lastRunAt, _ := loop.GetStatus()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "healthy\nslice: %d\nlast_run: %s\npending_jobs: %d\n", slice, lastRunAt.Format(time.RFC3339), syncMgr.PendingCount())
	}
}
